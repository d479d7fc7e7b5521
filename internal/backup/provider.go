// Package backup implements snapshot and two-phase restore for the graph,
// vector, and tabular stores, with pluggable storage providers.
package backup

import (
	"context"
	"io"
	"sync"
	"time"

	"codegraph-backend/internal/errors"
)

// FileInfo describes one stored artifact.
type FileInfo struct {
	Path       string    `json:"path"`
	Size       int64     `json:"size"`
	ModifiedAt time.Time `json:"modifiedAt"`
}

// Provider is the storage plug-in contract. Paths are slash-separated and
// relative to the provider's root.
type Provider interface {
	EnsureReady(ctx context.Context) error
	WriteFile(ctx context.Context, path string, data []byte) error
	ReadFile(ctx context.Context, path string) ([]byte, error)
	RemoveFile(ctx context.Context, path string) error
	Exists(ctx context.Context, path string) (bool, error)
	Stat(ctx context.Context, path string) (FileInfo, error)
	List(ctx context.Context, prefix string) ([]FileInfo, error)

	// SupportsStreaming gates the stream methods; providers without native
	// streams return StreamingUnsupported from both.
	SupportsStreaming() bool
	CreateReadStream(ctx context.Context, path string) (io.ReadCloser, error)
	CreateWriteStream(ctx context.Context, path string) (io.WriteCloser, error)
}

// Registry maps provider ids to providers. The default id always resolves.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	defaultID string
}

// NewRegistry seeds the registry with the default provider.
func NewRegistry(defaultID string, def Provider) *Registry {
	return &Registry{
		providers: map[string]Provider{defaultID: def},
		defaultID: defaultID,
	}
}

// Register adds or replaces a provider.
func (r *Registry) Register(id string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[id] = p
}

// Resolve returns the provider for id, or the default when id is empty.
func (r *Registry) Resolve(id string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id == "" {
		id = r.defaultID
	}
	p, ok := r.providers[id]
	if !ok {
		return nil, errors.Validation(errors.CodeProviderNotRegistered, "unknown storage provider").
			WithComponent("backup").WithDetails("providerId %q", id).Build()
	}
	return p, nil
}

func streamingUnsupported(op string) error {
	return errors.Validation(errors.CodeStreamingUnsupported, "provider does not support streaming").
		WithComponent("backup").WithOperation(op).Build()
}
