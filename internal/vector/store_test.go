package vector

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codegraph-backend/internal/config"
	"codegraph-backend/internal/errors"
	"codegraph-backend/internal/graph"
	"codegraph-backend/internal/graph/graphtest"
	"codegraph-backend/internal/namespace"
)

func testStore(t *testing.T, dims int) (*Store, *graphtest.Fake) {
	t.Helper()
	fake := graphtest.NewFake()
	cfg := config.VectorConfig{
		IndexName:  "entity_embeddings",
		Dimensions: dims,
		Similarity: "cosine",
		BatchSize:  200,
	}
	scope := namespace.New(namespace.WithEntityPrefix("proj-a::"))
	return NewStore(fake, scope, cfg, nil), fake
}

func vecOf(dims int, fill float32) []float32 {
	v := make([]float32, dims)
	for i := range v {
		v[i] = fill
	}
	return v
}

func TestUpsertRejectsDimensionMismatch(t *testing.T) {
	s, fake := testStore(t, 4)

	err := s.Upsert(context.Background(), "sym_a", vecOf(3, 0.1), Metadata{})
	require.Error(t, err)
	assert.Equal(t, errors.CodeDimensionMismatch, errors.CodeOf(err))
	assert.Empty(t, fake.Vectors["Embeddable"])
}

func TestUpsertAppliesNamespaceAndIsReplayable(t *testing.T) {
	s, fake := testStore(t, 4)

	md := Metadata{NodeType: "Function", Path: "src/auth.ts", Language: "typescript"}
	require.NoError(t, s.Upsert(context.Background(), "sym_a", vecOf(4, 0.5), md))
	require.NoError(t, s.Upsert(context.Background(), "sym_a", vecOf(4, 0.5), md))

	items := fake.Vectors["Embeddable"]
	require.Len(t, items, 2)
	for _, item := range items {
		assert.Equal(t, "proj-a::sym_a", item.EntityID)
		assert.Equal(t, "Function", item.Metadata["nodeType"])
	}
}

func TestUpsertBatchChunks(t *testing.T) {
	fake := graphtest.NewFake()
	cfg := config.VectorConfig{IndexName: "idx", Dimensions: 2, Similarity: "cosine", BatchSize: 3}
	s := NewStore(fake, namespace.New(), cfg, nil)

	items := make([]Item, 8)
	for i := range items {
		items[i] = Item{EntityID: fmt.Sprintf("e%d", i), Vector: vecOf(2, float32(i))}
	}
	require.NoError(t, s.UpsertBatch(context.Background(), items))
	assert.Len(t, fake.Vectors["Embeddable"], 8)
}

func TestSearchFiltersAndTruncates(t *testing.T) {
	s, fake := testStore(t, 4)
	fake.SearchRows = []graph.Record{
		searchRow("proj-a::sym_a", 0.95, map[string]any{"nodeType": "Function"}),
		searchRow("proj-a::sym_b", 0.90, map[string]any{"nodeType": "Class"}),
		searchRow("proj-a::sym_c", 0.85, map[string]any{"nodeType": "Function"}),
		searchRow("proj-a::sym_d", 0.80, map[string]any{"nodeType": "Function"}),
	}

	got, err := s.Search(context.Background(), vecOf(4, 0.2), SearchOptions{
		Limit:  2,
		Filter: map[string]string{"nodeType": "Function"},
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "proj-a::sym_a", got[0].EntityID)
	assert.Equal(t, "proj-a::sym_c", got[1].EntityID)
}

func TestSearchRejectsWrongQueryDimension(t *testing.T) {
	s, _ := testStore(t, 4)
	_, err := s.Search(context.Background(), vecOf(5, 0.2), SearchOptions{Limit: 3})
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindValidation))
}

func TestSearchWrapsBackendFailureAsRetryable(t *testing.T) {
	s, fake := testStore(t, 4)
	fake.SearchErr = errors.New("index offline")

	_, err := s.Search(context.Background(), vecOf(4, 0.2), SearchOptions{Limit: 3})
	require.Error(t, err)
	assert.Equal(t, errors.CodeEmbeddingUnavailable, errors.CodeOf(err))
	assert.True(t, errors.IsRetryable(err))
}

func TestDeleteDetachesEmbedding(t *testing.T) {
	s, fake := testStore(t, 4)
	require.NoError(t, s.Delete(context.Background(), "sym_a"))

	queries := fake.RecordedMatching("REMOVE n.embedding")
	require.Len(t, queries, 1)
	assert.Equal(t, "proj-a::sym_a", queries[0].Params["id"])
	assert.True(t, queries[0].Write)
}

func searchRow(id string, score float64, props map[string]any) graph.Record {
	merged := map[string]any{"id": id}
	for k, v := range props {
		merged[k] = v
	}
	return graph.Record{
		"node":  map[string]any{"id": "4:x:1", "labels": []string{"Embeddable"}, "properties": merged},
		"score": score,
	}
}
