// Package graph wraps the property-graph driver: parameterized queries,
// transactions, vector index operations, and value marshalling. All higher
// stores depend on the Graph interface so they can be exercised against
// fakes in tests.
package graph

import (
	"context"
	"fmt"
)

// Record is one unwrapped result row. Driver-native nodes, relationships,
// and paths are flattened into plain maps before a Record leaves this
// package.
type Record map[string]any

// Query is a single parameterized statement. Raw string concatenation of
// values into Text is forbidden; everything dynamic goes through Params.
type Query struct {
	Text   string
	Params map[string]any
	Write  bool
}

// VectorItem pairs an entity id with its embedding for bulk upsert.
type VectorItem struct {
	EntityID string
	Vector   []float32
	Metadata map[string]any
}

// VectorSearchOptions bound an ANN query.
type VectorSearchOptions struct {
	K        int
	MinScore float64
}

// Stats summarizes graph volume.
type Stats struct {
	NodeCount         int64            `json:"nodeCount"`
	RelationshipCount int64            `json:"relationshipCount"`
	NodesByLabel      map[string]int64 `json:"nodesByLabel"`
}

// Graph is the store contract consumed by every higher component.
type Graph interface {
	// Run executes one statement and returns the unwrapped rows.
	Run(ctx context.Context, q Query) ([]Record, error)
	// RunTx executes all statements in one transaction, returning per-query
	// rows. Any failure rolls the whole transaction back.
	RunTx(ctx context.Context, queries []Query) ([][]Record, error)

	CreateVectorIndex(ctx context.Context, name, label, property string, dimensions int, similarity string) error
	UpsertVectors(ctx context.Context, label string, items []VectorItem) error
	SearchVectors(ctx context.Context, index string, vector []float32, opts VectorSearchOptions) ([]Record, error)

	Stats(ctx context.Context) (Stats, error)
	EnsureIndexes(ctx context.Context) error
	Close(ctx context.Context) error
}

// QueryError is the typed failure surfaced for any query execution problem.
type QueryError struct {
	Code  string
	Cause error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("graph query failed [%s]: %v", e.Code, e.Cause)
}

func (e *QueryError) Unwrap() error { return e.Cause }
