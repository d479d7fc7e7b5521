package backup

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"io"
	"time"
)

// writeArchive streams every artifact under the backup prefix into a single
// tar.gz next to them. Only called when the provider supports streaming;
// buffered providers keep the loose artifact layout.
func (c *Coordinator) writeArchive(ctx context.Context, provider Provider, backupID string) error {
	files, err := provider.List(ctx, backupID+"/")
	if err != nil {
		return err
	}

	sink, err := provider.CreateWriteStream(ctx, archivePath(backupID))
	if err != nil {
		return err
	}
	gz := gzip.NewWriter(sink)
	tw := tar.NewWriter(gz)

	closeAll := func() error {
		if err := tw.Close(); err != nil {
			sink.Close()
			return err
		}
		if err := gz.Close(); err != nil {
			sink.Close()
			return err
		}
		return sink.Close()
	}

	for _, f := range files {
		if isChecksumExcluded(backupID, f.Path) {
			continue
		}
		if err := ctx.Err(); err != nil {
			closeAll()
			return err
		}
		src, openErr := provider.CreateReadStream(ctx, f.Path)
		if openErr != nil {
			closeAll()
			return openErr
		}
		hdr := &tar.Header{
			Name:    f.Path,
			Mode:    0o644,
			Size:    f.Size,
			ModTime: f.ModifiedAt,
		}
		if hdr.ModTime.IsZero() {
			hdr.ModTime = time.Now().UTC()
		}
		if err := tw.WriteHeader(hdr); err != nil {
			src.Close()
			closeAll()
			return err
		}
		if _, err := io.Copy(tw, src); err != nil {
			src.Close()
			closeAll()
			return err
		}
		src.Close()
	}
	return closeAll()
}
