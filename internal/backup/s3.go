package backup

import (
	"bytes"
	"context"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"codegraph-backend/internal/config"
	"codegraph-backend/internal/errors"
)

// S3Provider stores artifacts as objects under a bucket prefix. Registered
// from config when a bucket is set; streaming is not supported, callers
// fall back to the buffered read/write paths.
type S3Provider struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Provider builds the provider from the ambient AWS credential chain.
func NewS3Provider(ctx context.Context, cfg config.S3Config) (*S3Provider, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	sdkConfig, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, errors.Unavailable(errors.CodeDependencyUnavailable, "cannot load AWS configuration").
			WithComponent("backup").WithCause(err).Build()
	}
	client := s3.NewFromConfig(sdkConfig, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Provider{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (p *S3Provider) key(path string) string {
	if p.prefix == "" {
		return path
	}
	return strings.TrimSuffix(p.prefix, "/") + "/" + path
}

func (p *S3Provider) EnsureReady(ctx context.Context) error {
	_, err := p.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(p.bucket)})
	if err != nil {
		return errors.Unavailable(errors.CodeDependencyUnavailable, "backup bucket is unreachable").
			WithComponent("backup").WithResource(p.bucket).WithCause(err).Build()
	}
	return nil
}

func (p *S3Provider) WriteFile(ctx context.Context, path string, data []byte) error {
	_, err := p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(p.key(path)),
		Body:   bytes.NewReader(data),
	})
	return err
}

func (p *S3Provider) ReadFile(ctx context.Context, path string) ([]byte, error) {
	out, err := p.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(p.key(path)),
	})
	if err != nil {
		return nil, errors.NotFound(errors.CodeArtifactMissing, "artifact not found").
			WithComponent("backup").WithResource(path).WithCause(err).Build()
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

func (p *S3Provider) RemoveFile(ctx context.Context, path string) error {
	_, err := p.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(p.key(path)),
	})
	return err
}

func (p *S3Provider) Exists(ctx context.Context, path string) (bool, error) {
	_, err := p.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(p.key(path)),
	})
	if err != nil {
		return false, nil
	}
	return true, nil
}

func (p *S3Provider) Stat(ctx context.Context, path string) (FileInfo, error) {
	out, err := p.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(p.key(path)),
	})
	if err != nil {
		return FileInfo{}, errors.NotFound(errors.CodeArtifactMissing, "artifact not found").
			WithComponent("backup").WithResource(path).WithCause(err).Build()
	}
	info := FileInfo{Path: path}
	if out.ContentLength != nil {
		info.Size = *out.ContentLength
	}
	if out.LastModified != nil {
		info.ModifiedAt = *out.LastModified
	} else {
		info.ModifiedAt = time.Now().UTC()
	}
	return info, nil
}

func (p *S3Provider) List(ctx context.Context, prefix string) ([]FileInfo, error) {
	var out []FileInfo
	paginator := s3.NewListObjectsV2Paginator(p.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(p.bucket),
		Prefix: aws.String(p.key(prefix)),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			path := aws.ToString(obj.Key)
			if p.prefix != "" {
				path = strings.TrimPrefix(path, strings.TrimSuffix(p.prefix, "/")+"/")
			}
			info := FileInfo{Path: path}
			if obj.Size != nil {
				info.Size = *obj.Size
			}
			if obj.LastModified != nil {
				info.ModifiedAt = *obj.LastModified
			}
			out = append(out, info)
		}
	}
	return out, nil
}

func (p *S3Provider) SupportsStreaming() bool { return false }

func (p *S3Provider) CreateReadStream(context.Context, string) (io.ReadCloser, error) {
	return nil, streamingUnsupported("CreateReadStream")
}

func (p *S3Provider) CreateWriteStream(context.Context, string) (io.WriteCloser, error) {
	return nil, streamingUnsupported("CreateWriteStream")
}
