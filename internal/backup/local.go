package backup

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"codegraph-backend/internal/errors"
)

// LocalProvider stores artifacts under a root directory on the local
// filesystem. It is the always-present default provider and supports
// streaming.
type LocalProvider struct {
	root string
}

// NewLocalProvider roots the provider at dir, creating it if needed on
// first write.
func NewLocalProvider(dir string) *LocalProvider {
	return &LocalProvider{root: dir}
}

func (p *LocalProvider) resolve(path string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(path))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) || filepath.IsAbs(clean) {
		return "", errors.Validation(errors.CodeValidationFailed, "artifact path escapes the backup root").
			WithComponent("backup").WithDetails("path %q", path).Build()
	}
	return filepath.Join(p.root, clean), nil
}

func (p *LocalProvider) EnsureReady(_ context.Context) error {
	if err := os.MkdirAll(p.root, 0o755); err != nil {
		return errors.Unavailable(errors.CodeDependencyUnavailable, "backup root is not writable").
			WithComponent("backup").WithResource(p.root).WithCause(err).Build()
	}
	return nil
}

func (p *LocalProvider) WriteFile(_ context.Context, path string, data []byte) error {
	full, err := p.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	return os.WriteFile(full, data, 0o644)
}

func (p *LocalProvider) ReadFile(_ context.Context, path string) ([]byte, error) {
	full, err := p.resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if os.IsNotExist(err) {
		return nil, errors.NotFound(errors.CodeArtifactMissing, "artifact not found").
			WithComponent("backup").WithResource(path).Build()
	}
	return data, err
}

func (p *LocalProvider) RemoveFile(_ context.Context, path string) error {
	full, err := p.resolve(path)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (p *LocalProvider) Exists(_ context.Context, path string) (bool, error) {
	full, err := p.resolve(path)
	if err != nil {
		return false, err
	}
	_, statErr := os.Stat(full)
	if statErr == nil {
		return true, nil
	}
	if os.IsNotExist(statErr) {
		return false, nil
	}
	return false, statErr
}

func (p *LocalProvider) Stat(_ context.Context, path string) (FileInfo, error) {
	full, err := p.resolve(path)
	if err != nil {
		return FileInfo{}, err
	}
	info, statErr := os.Stat(full)
	if os.IsNotExist(statErr) {
		return FileInfo{}, errors.NotFound(errors.CodeArtifactMissing, "artifact not found").
			WithComponent("backup").WithResource(path).Build()
	}
	if statErr != nil {
		return FileInfo{}, statErr
	}
	return FileInfo{Path: path, Size: info.Size(), ModifiedAt: info.ModTime()}, nil
}

func (p *LocalProvider) List(_ context.Context, prefix string) ([]FileInfo, error) {
	var out []FileInfo
	err := filepath.WalkDir(p.root, func(full string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipAll
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(p.root, full)
		if relErr != nil {
			return relErr
		}
		rel = filepath.ToSlash(rel)
		if prefix != "" && !strings.HasPrefix(rel, prefix) {
			return nil
		}
		info, infoErr := d.Info()
		if infoErr != nil {
			return infoErr
		}
		out = append(out, FileInfo{Path: rel, Size: info.Size(), ModifiedAt: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (p *LocalProvider) SupportsStreaming() bool { return true }

func (p *LocalProvider) CreateReadStream(_ context.Context, path string) (io.ReadCloser, error) {
	full, err := p.resolve(path)
	if err != nil {
		return nil, err
	}
	f, openErr := os.Open(full)
	if os.IsNotExist(openErr) {
		return nil, errors.NotFound(errors.CodeArtifactMissing, "artifact not found").
			WithComponent("backup").WithResource(path).Build()
	}
	return f, openErr
}

func (p *LocalProvider) CreateWriteStream(_ context.Context, path string) (io.WriteCloser, error) {
	full, err := p.resolve(path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return nil, err
	}
	return os.Create(full)
}
