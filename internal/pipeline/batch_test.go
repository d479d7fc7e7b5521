package pipeline

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codegraph-backend/internal/config"
	"codegraph-backend/internal/domain"
	"codegraph-backend/internal/errors"
	"codegraph-backend/internal/graph"
	"codegraph-backend/internal/graph/graphtest"
	"codegraph-backend/internal/namespace"
	"codegraph-backend/internal/store"
	"codegraph-backend/internal/vector"
)

var batchBase = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func newBatcher(t *testing.T, cfg config.BatchingConfig) (*Batcher, *graphtest.Fake) {
	t.Helper()
	fake := graphtest.NewFake()
	scope := namespace.New()
	entities := store.NewEntityStore(fake, scope, nil, nil, nil)
	rels := store.NewRelationshipStore(fake, scope, nil, nil, nil)
	vectors := vector.NewStore(fake, scope, config.VectorConfig{
		IndexName: "idx", Dimensions: 4, Similarity: "cosine", BatchSize: 200,
	}, nil)

	queues := config.QueuesConfig{RetryBudget: 0, BackoffBase: time.Millisecond, BackoffCap: 2 * time.Millisecond}
	return NewBatcher(cfg, queues, entities, rels, vectors, nil, nil, nil, nil), fake
}

func fnEntity(id, name string) *domain.Entity {
	return &domain.Entity{
		ID:           id,
		Type:         domain.EntityFunction,
		Name:         name,
		Path:         "src/a.ts",
		Created:      batchBase,
		LastModified: batchBase,
	}
}

func callsRel(from, toSym string) *domain.Relationship {
	r := &domain.Relationship{
		Type:         domain.RelCalls,
		FromEntityID: from,
		ToEntityID:   "sym_" + toSym,
		ToRef:        domain.TargetRef{Symbol: toSym, File: "src/a.ts", Kind: "call"},
		Confidence:   0.8,
		Evidence: []domain.Observation{
			domain.NewObservation("src/a.ts", 4, 2, "call", batchBase),
		},
	}
	r.Canonicalize()
	return r
}

func stubEndpointsExist(fake *graphtest.Fake) {
	fake.Stub(graphtest.Rule{
		Match: "fromExists",
		Rows:  []graph.Record{{"fromExists": true, "toExists": true, "relType": nil, "props": nil}},
	})
}

func TestBatcherClosesOnEntityThreshold(t *testing.T) {
	b, fake := newBatcher(t, config.BatchingConfig{
		EntityBatchSize: 2, RelationshipBatchSize: 100, EmbeddingBatchSize: 25,
		Timeout: time.Hour, MaxConcurrentBatches: 4, IdempotencyTTL: time.Minute,
	})
	ctx := context.Background()

	b.Stage(ctx, stagedItem{Kind: kindEntity, Entity: fnEntity("e1", "login")})
	assert.Empty(t, fake.Recorded(), "below threshold nothing flushes")

	b.Stage(ctx, stagedItem{Kind: kindEntity, Entity: fnEntity("e2", "logout")})
	b.Drain(ctx)

	writes := fake.RecordedMatching("UNWIND $rows")
	require.Len(t, writes, 1)
	assert.True(t, writes[0].Write)

	stats := b.Stats()
	assert.Equal(t, int64(1), stats.Flushed)
	assert.Equal(t, int64(2), stats.Items)
	assert.Equal(t, int64(0), stats.Failed)
}

func TestBatcherFlushesOnTimeout(t *testing.T) {
	b, fake := newBatcher(t, config.BatchingConfig{
		EntityBatchSize: 50, RelationshipBatchSize: 100, EmbeddingBatchSize: 25,
		Timeout: 20 * time.Millisecond, MaxConcurrentBatches: 4, IdempotencyTTL: time.Minute,
	})

	b.Stage(context.Background(), stagedItem{Kind: kindEntity, Entity: fnEntity("e1", "login")})

	require.Eventually(t, func() bool {
		return len(fake.RecordedMatching("UNWIND $rows")) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestBatcherWritesEntitiesBeforeDependentRelationships(t *testing.T) {
	b, fake := newBatcher(t, config.BatchingConfig{
		EntityBatchSize: 50, RelationshipBatchSize: 100, EmbeddingBatchSize: 25,
		Timeout: time.Hour, MaxConcurrentBatches: 4, IdempotencyTTL: time.Minute,
	})
	stubEndpointsExist(fake)
	ctx := context.Background()

	// Staged in the wrong order on purpose: the layering puts the entity
	// write ahead of the relationship that depends on it.
	b.Stage(ctx, stagedItem{Kind: kindRelationship, Relationship: callsRel("e1", "logout")})
	b.Stage(ctx, stagedItem{Kind: kindEntity, Entity: fnEntity("e1", "login")})
	b.Flush(ctx)

	recorded := fake.Recorded()
	entityIdx, relIdx := -1, -1
	for i, q := range recorded {
		if strings.Contains(q.Text, "UNWIND $rows") && entityIdx < 0 {
			entityIdx = i
		}
		if strings.Contains(q.Text, "fromExists") && relIdx < 0 {
			relIdx = i
		}
	}
	require.GreaterOrEqual(t, entityIdx, 0)
	require.GreaterOrEqual(t, relIdx, 0)
	assert.Less(t, entityIdx, relIdx, "entity layer flushes first")
}

func TestBatcherIdempotencyShortCircuitsReplays(t *testing.T) {
	cfg := config.BatchingConfig{
		EntityBatchSize: 2, RelationshipBatchSize: 100, EmbeddingBatchSize: 25,
		Timeout: time.Hour, MaxConcurrentBatches: 4, IdempotencyTTL: time.Minute,
	}
	b, fake := newBatcher(t, cfg)
	ctx := context.Background()

	b.Stage(ctx, stagedItem{Kind: kindEntity, Entity: fnEntity("e1", "login")})
	b.Stage(ctx, stagedItem{Kind: kindEntity, Entity: fnEntity("e2", "logout")})
	b.Drain(ctx)
	require.Len(t, fake.RecordedMatching("UNWIND $rows"), 1)

	// The identical batch replayed within the TTL never reaches the store.
	b.Stage(ctx, stagedItem{Kind: kindEntity, Entity: fnEntity("e1", "login")})
	b.Stage(ctx, stagedItem{Kind: kindEntity, Entity: fnEntity("e2", "logout")})
	b.Drain(ctx)

	assert.Len(t, fake.RecordedMatching("UNWIND $rows"), 1)
	assert.Equal(t, int64(1), b.Stats().Deduplicated)
}

func TestBatcherQuarantinesFailedGroup(t *testing.T) {
	b, fake := newBatcher(t, config.BatchingConfig{
		EntityBatchSize: 2, RelationshipBatchSize: 100, EmbeddingBatchSize: 25,
		Timeout: time.Hour, MaxConcurrentBatches: 4, IdempotencyTTL: time.Minute,
	})
	fake.Stub(graphtest.Rule{Match: "UNWIND $rows", Err: fmt.Errorf("node unreachable")})
	ctx := context.Background()

	b.Stage(ctx, stagedItem{Kind: kindEntity, Entity: fnEntity("e1", "login")})
	b.Stage(ctx, stagedItem{Kind: kindEntity, Entity: fnEntity("e2", "logout")})
	b.Drain(ctx)

	stats := b.Stats()
	assert.Equal(t, int64(2), stats.Failed)

	held := b.Quarantine()
	require.Len(t, held, 2)
	assert.ElementsMatch(t, []string{"e1", "e2"}, []string{held[0].ID, held[1].ID})
	assert.Equal(t, "entity", held[0].Kind)
}

func TestBatcherRetriesTransientErrorsUpToBudget(t *testing.T) {
	fake := graphtest.NewFake()
	scope := namespace.New()
	entities := store.NewEntityStore(fake, scope, nil, nil, nil)
	rels := store.NewRelationshipStore(fake, scope, nil, nil, nil)
	vectors := vector.NewStore(fake, scope, config.VectorConfig{
		IndexName: "idx", Dimensions: 4, Similarity: "cosine", BatchSize: 200,
	}, nil)

	queues := config.QueuesConfig{RetryBudget: 2, BackoffBase: time.Millisecond, BackoffCap: 2 * time.Millisecond}
	b := NewBatcher(config.BatchingConfig{
		EntityBatchSize: 1, RelationshipBatchSize: 100, EmbeddingBatchSize: 25,
		Timeout: time.Hour, MaxConcurrentBatches: 4, IdempotencyTTL: time.Minute,
	}, queues, entities, rels, vectors, nil, nil, nil, nil)

	fake.Stub(graphtest.Rule{
		Match: "UNWIND $rows",
		Err:   errors.Unavailable(errors.CodeConnectionFailed, "connection reset").Build(),
	})

	ctx := context.Background()
	b.Stage(ctx, stagedItem{Kind: kindEntity, Entity: fnEntity("e1", "login")})
	b.Drain(ctx)

	// One initial attempt plus two retries before quarantine.
	assert.Len(t, fake.RecordedMatching("UNWIND $rows"), 3)
	held := b.Quarantine()
	require.Len(t, held, 1)
	assert.Contains(t, held[0].Error, "RETRY_EXHAUSTED")
}

func TestBatcherCircuitOpensAfterRepeatedFailures(t *testing.T) {
	b, fake := newBatcher(t, config.BatchingConfig{
		EntityBatchSize: 1, RelationshipBatchSize: 100, EmbeddingBatchSize: 25,
		Timeout: time.Hour, MaxConcurrentBatches: 4, IdempotencyTTL: time.Minute,
	})
	fake.Stub(graphtest.Rule{
		Match: "UNWIND $rows",
		Err:   errors.Unavailable(errors.CodeConnectionFailed, "connection reset").Build(),
	})
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		b.Stage(ctx, stagedItem{Kind: kindEntity, Entity: fnEntity(fmt.Sprintf("e%d", i), "fn")})
		b.Drain(ctx)
	}

	// The breaker trips at five consecutive dependency failures; the sixth
	// batch fast-fails without touching the store.
	assert.Len(t, fake.RecordedMatching("UNWIND $rows"), 5)

	held := b.Quarantine()
	require.Len(t, held, 6)
	assert.Contains(t, held[5].Error, "CIRCUIT_OPEN")
}

func TestLayerizeKeepsIndependentItemsInFirstLayer(t *testing.T) {
	entity := stagedItem{Kind: kindEntity, Entity: fnEntity("e1", "login")}
	dependent := stagedItem{Kind: kindRelationship, Relationship: callsRel("e1", "logout")}
	independent := stagedItem{Kind: kindRelationship, Relationship: callsRel("elsewhere", "other")}

	layers := layerize([]stagedItem{dependent, independent, entity})
	require.Len(t, layers, 2)
	assert.Len(t, layers[0], 2) // entity + the relationship with no staged endpoint
	assert.Len(t, layers[1], 1)
	assert.Equal(t, kindRelationship, layers[1][0].Kind)
}
