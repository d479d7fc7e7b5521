// Package vector persists entity embeddings and serves approximate
// nearest-neighbor search over the graph's native vector index.
package vector

import (
	"context"
	"time"

	"go.uber.org/zap"

	"codegraph-backend/internal/config"
	"codegraph-backend/internal/domain"
	"codegraph-backend/internal/errors"
	"codegraph-backend/internal/graph"
	"codegraph-backend/internal/namespace"
)

// Embedder turns text into a fixed-dimension vector. The model invocation
// itself is an external collaborator; the engine only consumes this
// contract.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// Metadata accompanies each stored vector.
type Metadata struct {
	NodeType     string    `json:"nodeType,omitempty"`
	Path         string    `json:"path,omitempty"`
	Language     string    `json:"language,omitempty"`
	LastModified time.Time `json:"lastModified,omitempty"`
	Tags         []string  `json:"tags,omitempty"`
}

// Item is one entity embedding staged for upsert.
type Item struct {
	EntityID string
	Vector   []float32
	Metadata Metadata
}

// SearchOptions bound a semantic search.
type SearchOptions struct {
	Limit    int
	MinScore float64
	// Filter keeps only results whose metadata matches every key. Supported
	// keys: nodeType, path, language.
	Filter map[string]string
}

// Result is one search hit.
type Result struct {
	EntityID string         `json:"entityId"`
	Score    float64        `json:"score"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Store maps entityId to embedding plus metadata.
type Store struct {
	g      graph.Graph
	scope  *namespace.Scope
	cfg    config.VectorConfig
	logger *zap.Logger
}

// NewStore builds the vector store. Call EnsureIndex before first use.
func NewStore(g graph.Graph, scope *namespace.Scope, cfg config.VectorConfig, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{g: g, scope: scope, cfg: cfg, logger: logger}
}

// EnsureIndex creates the ANN index if missing.
func (s *Store) EnsureIndex(ctx context.Context) error {
	return s.g.CreateVectorIndex(ctx, s.cfg.IndexName, "Embeddable", "embedding", s.cfg.Dimensions, s.cfg.Similarity)
}

// Upsert writes one embedding. Re-writing the same entity id replaces the
// prior vector, so the operation is idempotent.
func (s *Store) Upsert(ctx context.Context, entityID string, vec []float32, md Metadata) error {
	return s.UpsertBatch(ctx, []Item{{EntityID: entityID, Vector: vec, Metadata: md}})
}

// UpsertBatch writes embeddings in chunks through the graph's vector index
// operations.
func (s *Store) UpsertBatch(ctx context.Context, items []Item) error {
	if len(items) == 0 {
		return nil
	}
	for _, item := range items {
		if len(item.Vector) != s.cfg.Dimensions {
			return errors.Validation(errors.CodeDimensionMismatch, "embedding dimension mismatch").
				WithDetails("entity %s has %d dims, index expects %d",
					item.EntityID, len(item.Vector), s.cfg.Dimensions).
				WithComponent("vector-store").Build()
		}
	}

	chunkSize := s.cfg.BatchSize
	if chunkSize <= 0 {
		chunkSize = 200
	}
	for start := 0; start < len(items); start += chunkSize {
		end := start + chunkSize
		if end > len(items) {
			end = len(items)
		}
		chunk := make([]graph.VectorItem, 0, end-start)
		for _, item := range items[start:end] {
			chunk = append(chunk, graph.VectorItem{
				EntityID: s.scope.RequireEntityID(item.EntityID),
				Vector:   item.Vector,
				Metadata: metadataMap(item.Metadata),
			})
		}
		if err := s.g.UpsertVectors(ctx, "Embeddable", chunk); err != nil {
			return errors.Unavailable(errors.CodeEmbeddingUnavailable, "vector upsert failed").
				WithComponent("vector-store").WithCause(err).Build()
		}
	}
	return nil
}

// Search runs ANN search with over-fetch and metadata post-filtering.
func (s *Store) Search(ctx context.Context, queryVec []float32, opts SearchOptions) ([]Result, error) {
	if len(queryVec) != s.cfg.Dimensions {
		return nil, errors.Validation(errors.CodeDimensionMismatch, "query vector dimension mismatch").
			WithDetails("query has %d dims, index expects %d", len(queryVec), s.cfg.Dimensions).
			WithComponent("vector-store").Build()
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}
	// Over-fetch so post-filtering still fills the requested limit.
	k := limit * 2
	if k < limit {
		k = limit
	}
	rows, err := s.g.SearchVectors(ctx, s.cfg.IndexName, queryVec, graph.VectorSearchOptions{
		K:        k,
		MinScore: opts.MinScore,
	})
	if err != nil {
		return nil, errors.Unavailable(errors.CodeEmbeddingUnavailable, "vector search failed").
			WithComponent("vector-store").WithCause(err).Build()
	}

	results := make([]Result, 0, limit)
	for _, row := range rows {
		r, ok := resultFromRow(row)
		if !ok {
			continue
		}
		if !matchesFilter(r.Metadata, opts.Filter) {
			continue
		}
		results = append(results, r)
		if len(results) == limit {
			break
		}
	}
	return results, nil
}

// Delete removes the vector and detaches the embedding property.
func (s *Store) Delete(ctx context.Context, entityID string) error {
	_, err := s.g.Run(ctx, graph.Query{
		Text: `MATCH (n:Embeddable {id: $id})
		       REMOVE n.embedding
		       REMOVE n:Embeddable`,
		Params: map[string]any{"id": s.scope.RequireEntityID(entityID)},
		Write:  true,
	})
	return err
}

func metadataMap(md Metadata) map[string]any {
	out := map[string]any{}
	if md.NodeType != "" {
		out["nodeType"] = md.NodeType
	}
	if md.Path != "" {
		out["path"] = md.Path
	}
	if md.Language != "" {
		out["language"] = md.Language
	}
	if !md.LastModified.IsZero() {
		out["lastModified"] = domain.FormatTime(md.LastModified)
	}
	if len(md.Tags) > 0 {
		out["tags"] = md.Tags
	}
	return out
}

func resultFromRow(row graph.Record) (Result, bool) {
	node, ok := row["node"].(map[string]any)
	if !ok {
		return Result{}, false
	}
	props, _ := node["properties"].(map[string]any)
	id, _ := props["id"].(string)
	if id == "" {
		return Result{}, false
	}
	score, _ := row["score"].(float64)
	md := make(map[string]any, len(props))
	for k, v := range props {
		if k == "embedding" || k == "id" {
			continue
		}
		md[k] = v
	}
	return Result{EntityID: id, Score: score, Metadata: md}, true
}

func matchesFilter(md map[string]any, filter map[string]string) bool {
	for key, want := range filter {
		got, _ := md[key].(string)
		if got != want {
			return false
		}
	}
	return true
}
