package pipeline

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"codegraph-backend/internal/config"
	"codegraph-backend/internal/domain"
	"codegraph-backend/internal/errors"
	"codegraph-backend/internal/observability"
	"codegraph-backend/internal/store"
	"codegraph-backend/internal/vector"
)

type itemKind string

const (
	kindEntity       itemKind = "entity"
	kindRelationship itemKind = "relationship"
	kindEmbedding    itemKind = "embedding"
)

// stagedItem is one write staged for the next batch. Exactly one payload
// field is set, matching Kind.
type stagedItem struct {
	Kind         itemKind
	Entity       *domain.Entity
	Relationship *domain.Relationship
	Embedding    vector.Item
}

func (i stagedItem) id() string {
	switch i.Kind {
	case kindRelationship:
		return i.Relationship.ID
	case kindEmbedding:
		return i.Embedding.EntityID
	default:
		return i.Entity.ID
	}
}

// fingerprint identifies the item's content for batch idempotency.
func (i stagedItem) fingerprint() string {
	switch i.Kind {
	case kindRelationship:
		r := i.Relationship
		return domain.Fingerprint("relationship", r.ID, strconv.FormatInt(r.OccurrencesTotal, 10),
			domain.FormatTime(r.LastSeenAt))
	case kindEmbedding:
		return domain.Fingerprint("embedding", i.Embedding.EntityID,
			strconv.Itoa(len(i.Embedding.Vector)))
	default:
		e := i.Entity
		return domain.Fingerprint("entity", e.ID, e.Hash,
			domain.FormatTime(e.LastModified))
	}
}

// BatchStats counts flush outcomes.
type BatchStats struct {
	Flushed      int64 `json:"flushed"`
	Items        int64 `json:"items"`
	Failed       int64 `json:"failed"`
	Deduplicated int64 `json:"deduplicated"`
}

// Batcher accumulates staged writes and flushes them as dependency-ordered
// batches: a batch closes when any per-kind threshold or the timeout is
// reached; within a batch, entities land before the relationships and
// embeddings that need them.
type Batcher struct {
	cfg        config.BatchingConfig
	retryCfg   config.QueuesConfig
	entities   *store.EntityStore
	rels       *store.RelationshipStore
	vectors    *vector.Store
	breakers   *storeBreakers
	quarantine *quarantineRing
	recent     IdempotencyCache
	sem        *semaphore.Weighted
	bus        *observability.Bus
	metrics    *observability.Metrics
	logger     *zap.Logger

	mu      sync.Mutex
	pending []stagedItem
	timer   *time.Timer

	flushes sync.WaitGroup

	statFlushed atomic.Int64
	statItems   atomic.Int64
	statFailed  atomic.Int64
	statDeduped atomic.Int64
}

// NewBatcher wires the processor to the bulk write paths of the three
// stores. recent may be nil, in which case an in-memory cache is used.
func NewBatcher(
	cfg config.BatchingConfig,
	retryCfg config.QueuesConfig,
	entities *store.EntityStore,
	rels *store.RelationshipStore,
	vectors *vector.Store,
	recent IdempotencyCache,
	bus *observability.Bus,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *Batcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if recent == nil {
		recent = newMemoryIdempotency()
	}
	maxConcurrent := cfg.MaxConcurrentBatches
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	return &Batcher{
		cfg:        cfg,
		retryCfg:   retryCfg,
		entities:   entities,
		rels:       rels,
		vectors:    vectors,
		breakers:   newStoreBreakers(bus, logger),
		quarantine: newQuarantineRing(metrics),
		recent:     recent,
		sem:        semaphore.NewWeighted(int64(maxConcurrent)),
		bus:        bus,
		metrics:    metrics,
		logger:     logger,
	}
}

// Stage adds one item; when a per-kind threshold closes the batch it is
// flushed asynchronously.
func (b *Batcher) Stage(ctx context.Context, item stagedItem) {
	b.mu.Lock()
	b.pending = append(b.pending, item)
	if b.timer == nil && b.cfg.Timeout > 0 {
		b.timer = time.AfterFunc(b.cfg.Timeout, func() { b.Flush(context.Background()) })
	}
	closed := b.thresholdReachedLocked()
	var batch []stagedItem
	if closed {
		batch = b.takeLocked()
	}
	b.mu.Unlock()

	if closed {
		b.flushes.Add(1)
		go func() {
			defer b.flushes.Done()
			b.flush(ctx, batch)
		}()
	}
}

// Flush synchronously writes whatever is pending.
func (b *Batcher) Flush(ctx context.Context) {
	b.mu.Lock()
	batch := b.takeLocked()
	b.mu.Unlock()
	if len(batch) > 0 {
		b.flush(ctx, batch)
	}
}

// Drain flushes pending work and waits for in-flight flushes.
func (b *Batcher) Drain(ctx context.Context) {
	b.Flush(ctx)
	b.flushes.Wait()
}

// Quarantine exposes the error quarantine for inspection.
func (b *Batcher) Quarantine() []QuarantinedItem { return b.quarantine.Snapshot() }

// Stats reports cumulative flush counters.
func (b *Batcher) Stats() BatchStats {
	return BatchStats{
		Flushed:      b.statFlushed.Load(),
		Items:        b.statItems.Load(),
		Failed:       b.statFailed.Load(),
		Deduplicated: b.statDeduped.Load(),
	}
}

func (b *Batcher) thresholdReachedLocked() bool {
	var entities, rels, embeddings int
	for _, item := range b.pending {
		switch item.Kind {
		case kindEntity:
			entities++
		case kindRelationship:
			rels++
		case kindEmbedding:
			embeddings++
		}
	}
	return (b.cfg.EntityBatchSize > 0 && entities >= b.cfg.EntityBatchSize) ||
		(b.cfg.RelationshipBatchSize > 0 && rels >= b.cfg.RelationshipBatchSize) ||
		(b.cfg.EmbeddingBatchSize > 0 && embeddings >= b.cfg.EmbeddingBatchSize)
}

func (b *Batcher) takeLocked() []stagedItem {
	batch := b.pending
	b.pending = nil
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	return batch
}

func (b *Batcher) flush(ctx context.Context, batch []stagedItem) {
	start := time.Now()

	fp := batchFingerprint(batch)
	if b.recent.Seen(ctx, fp) {
		b.statDeduped.Add(1)
		if b.metrics != nil {
			b.metrics.CacheHits.WithLabelValues("idempotency").Inc()
		}
		b.emitCompleted(batch, start, true, 0)
		return
	}
	if b.metrics != nil {
		b.metrics.CacheMisses.WithLabelValues("idempotency").Inc()
	}

	failed := 0
	for _, layer := range layerize(batch) {
		failed += b.flushLayer(ctx, layer)
	}

	b.statFlushed.Add(1)
	b.statItems.Add(int64(len(batch)))
	b.statFailed.Add(int64(failed))

	if failed == 0 {
		ttl := b.cfg.IdempotencyTTL
		if ttl <= 0 {
			ttl = 10 * time.Minute
		}
		b.recent.Mark(ctx, fp, ttl)
	}
	b.emitCompleted(batch, start, false, failed)
}

// flushLayer writes one topological layer, each kind as its own sub-batch,
// concurrently under the batch semaphore. Returns the failed item count.
func (b *Batcher) flushLayer(ctx context.Context, layer []stagedItem) int {
	groups := map[itemKind][]stagedItem{}
	for _, item := range layer {
		groups[item.Kind] = append(groups[item.Kind], item)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	failed := 0
	for kind, items := range groups {
		if err := b.sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			failed += len(items)
			mu.Unlock()
			continue
		}
		wg.Add(1)
		go func(kind itemKind, items []stagedItem) {
			defer wg.Done()
			defer b.sem.Release(1)
			if err := b.writeGroup(ctx, kind, items); err != nil {
				for _, item := range items {
					b.quarantine.Add(item.id(), string(kind), err)
					if b.metrics != nil {
						b.metrics.ItemsProcessed.WithLabelValues(string(kind), "failed").Inc()
					}
				}
				mu.Lock()
				failed += len(items)
				mu.Unlock()
				b.logger.Error("batch group failed",
					zap.String("kind", string(kind)),
					zap.Int("items", len(items)),
					zap.Error(err))
				if b.bus != nil {
					b.bus.Emit("pipeline", "error", observability.EventPipelineError, map[string]any{
						"kind":  string(kind),
						"items": len(items),
						"error": err.Error(),
					})
				}
				return
			}
			if b.metrics != nil {
				b.metrics.BatchSize.WithLabelValues(string(kind)).Observe(float64(len(items)))
				for range items {
					b.metrics.ItemsProcessed.WithLabelValues(string(kind), "succeeded").Inc()
				}
			}
		}(kind, items)
	}
	wg.Wait()
	return failed
}

// writeGroup flushes one kind through its store's bulk path, behind the
// store's circuit breaker, retrying transient failures up to the budget.
func (b *Batcher) writeGroup(ctx context.Context, kind itemKind, items []stagedItem) error {
	write := func() error {
		switch kind {
		case kindEntity:
			ents := make([]*domain.Entity, len(items))
			for i, item := range items {
				ents[i] = item.Entity
			}
			_, err := b.entities.BulkCreate(ctx, ents, store.BulkCreateOptions{UpdateExisting: true})
			return err
		case kindRelationship:
			rels := make([]*domain.Relationship, len(items))
			for i, item := range items {
				rels[i] = item.Relationship
			}
			_, err := b.rels.UpsertEdgeEvidenceBulk(ctx, rels)
			return err
		case kindEmbedding:
			vecs := make([]vector.Item, len(items))
			for i, item := range items {
				vecs[i] = item.Embedding
			}
			return b.vectors.UpsertBatch(ctx, vecs)
		}
		return nil
	}

	backoff := b.backoff()
	attempt := func(ctx context.Context) error {
		err := b.breakers.execute(kind, write)
		if err != nil && errors.IsRetryable(err) && errors.CodeOf(err) != errors.CodeCircuitOpen {
			return retry.RetryableError(err)
		}
		return err
	}
	if err := retry.Do(ctx, backoff, attempt); err != nil {
		if errors.IsRetryable(err) && errors.CodeOf(err) != errors.CodeCircuitOpen {
			return errors.Unavailable(errors.CodeRetryExhausted, "retry budget exhausted").
				WithComponent("pipeline").WithResource(string(kind)).WithCause(err).Build()
		}
		return err
	}
	return nil
}

func (b *Batcher) backoff() retry.Backoff {
	base := b.retryCfg.BackoffBase
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	capAt := b.retryCfg.BackoffCap
	if capAt <= 0 {
		capAt = 3 * time.Second
	}
	budget := b.retryCfg.RetryBudget
	if budget < 0 {
		budget = 0
	}
	return retry.WithMaxRetries(uint64(budget), retry.WithCappedDuration(capAt, retry.NewExponential(base)))
}

func (b *Batcher) emitCompleted(batch []stagedItem, start time.Time, cached bool, failed int) {
	if b.metrics != nil && !cached {
		b.metrics.BatchLatency.WithLabelValues("batch").Observe(time.Since(start).Seconds())
	}
	if b.bus != nil {
		b.bus.Emit("pipeline", "info", observability.EventBatchCompleted, map[string]any{
			"items":  len(batch),
			"failed": failed,
			"cached": cached,
			"tookMs": time.Since(start).Milliseconds(),
		})
	}
}

// batchFingerprint hashes the sorted item fingerprints so batch identity is
// order-independent.
func batchFingerprint(batch []stagedItem) string {
	fps := make([]string, len(batch))
	for i, item := range batch {
		fps[i] = item.fingerprint()
	}
	sort.Strings(fps)
	return domain.Fingerprint(fps...)
}

// layerize orders the batch into topological layers: an item lands one
// layer after the staged items it depends on (relationship endpoints,
// an embedding's entity). Independent items share layer zero.
func layerize(batch []stagedItem) [][]stagedItem {
	stagedEntities := map[string]struct{}{}
	for _, item := range batch {
		if item.Kind == kindEntity {
			stagedEntities[item.Entity.ID] = struct{}{}
		}
	}

	var layer0, layer1 []stagedItem
	for _, item := range batch {
		switch item.Kind {
		case kindEntity:
			layer0 = append(layer0, item)
		case kindRelationship:
			_, from := stagedEntities[item.Relationship.FromEntityID]
			_, to := stagedEntities[item.Relationship.ToEntityID]
			if from || to {
				layer1 = append(layer1, item)
			} else {
				layer0 = append(layer0, item)
			}
		case kindEmbedding:
			if _, ok := stagedEntities[item.Embedding.EntityID]; ok {
				layer1 = append(layer1, item)
			} else {
				layer0 = append(layer0, item)
			}
		}
	}

	var layers [][]stagedItem
	if len(layer0) > 0 {
		layers = append(layers, layer0)
	}
	if len(layer1) > 0 {
		layers = append(layers, layer1)
	}
	return layers
}
