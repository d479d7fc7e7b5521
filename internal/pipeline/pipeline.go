// Package pipeline implements concurrent ingestion: changed files flow
// through a partitioned queue into per-stage worker pools and are written
// out as dependency-ordered batches.
package pipeline

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"codegraph-backend/internal/config"
	"codegraph-backend/internal/domain"
	"codegraph-backend/internal/errors"
	"codegraph-backend/internal/observability"
	"codegraph-backend/internal/store"
	"codegraph-backend/internal/vector"
)

const (
	supervisorInterval   = time.Second
	scaleDownSamples     = 3
	utilizationScaleDown = 0.30
)

// Options carry the pluggable pieces of the pipeline.
type Options struct {
	Parser      Parser
	Embedder    vector.Embedder // nil disables the embedding stage
	Idempotency IdempotencyCache
}

// Stats is a point-in-time snapshot of the whole pipeline.
type Stats struct {
	QueueDepth    int64                `json:"queueDepth"`
	FilesAccepted int64                `json:"filesAccepted"`
	FilesRejected int64                `json:"filesRejected"`
	ParseErrors   int64                `json:"parseErrors"`
	Stages        map[string]PoolStats `json:"stages"`
	Batches       BatchStats           `json:"batches"`
	Quarantined   int                  `json:"quarantined"`
}

// Pipeline owns the ingestion topology. Construct with New, call Start,
// feed it with ProcessFile or ProcessDirectory, and Stop to drain.
type Pipeline struct {
	cfg      config.PipelineConfig
	parser   Parser
	embedder vector.Embedder

	queue   *partitionedQueue
	parsers *Pool
	ents    *Pool
	rels    *Pool
	embeds  *Pool
	batcher *Batcher

	bus     *observability.Bus
	metrics *observability.Metrics
	logger  *zap.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool

	filesAccepted atomic.Int64
	filesRejected atomic.Int64
	parseErrors   atomic.Int64
}

// New wires the pipeline to the stores' bulk write paths.
func New(
	cfg config.PipelineConfig,
	entities *store.EntityStore,
	relationships *store.RelationshipStore,
	vectors *vector.Store,
	bus *observability.Bus,
	metrics *observability.Metrics,
	logger *zap.Logger,
	opts Options,
) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Parser == nil {
		opts.Parser = NewLineParser()
	}

	queueSize := cfg.Queues.MaxDepth
	p := &Pipeline{
		cfg:      cfg,
		parser:   opts.Parser,
		embedder: opts.Embedder,
		queue:    newPartitionedQueue(cfg.Queues, metrics),
		parsers: NewPool("parser", cfg.Workers.Parsers.Min, cfg.Workers.Parsers.Max,
			queueSize, bus, metrics, logger),
		ents: NewPool("entity", cfg.Workers.EntityWorkers.Min, cfg.Workers.EntityWorkers.Max,
			queueSize, bus, metrics, logger),
		rels: NewPool("relationship", cfg.Workers.RelationshipWorkers.Min, cfg.Workers.RelationshipWorkers.Max,
			queueSize, bus, metrics, logger),
		embeds: NewPool("embedding", cfg.Workers.EmbeddingWorkers.Min, cfg.Workers.EmbeddingWorkers.Max,
			queueSize, bus, metrics, logger),
		batcher: NewBatcher(cfg.Batching, cfg.Queues, entities, relationships, vectors,
			opts.Idempotency, bus, metrics, logger),
		bus:     bus,
		metrics: metrics,
		logger:  logger.Named("pipeline"),
	}
	return p
}

// Start launches the stage pools, the partition consumers, and the
// supervisor. Idempotent.
func (p *Pipeline) Start() {
	if !p.running.CompareAndSwap(false, true) {
		return
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())

	p.parsers.Start()
	p.ents.Start()
	p.rels.Start()
	p.embeds.Start()

	for i := range p.queue.partitions {
		p.wg.Add(1)
		go p.consumePartition(i)
	}
	p.wg.Add(1)
	go p.supervise()

	if p.bus != nil {
		p.bus.Emit("pipeline", "info", observability.EventPipelineStarted, map[string]any{
			"partitions": len(p.queue.partitions),
		})
	}
}

// Stop drains staged work and shuts the pools down.
func (p *Pipeline) Stop(ctx context.Context) error {
	if !p.running.CompareAndSwap(true, false) {
		return nil
	}

	if err := p.Flush(ctx); err != nil {
		p.logger.Warn("pipeline stopped before fully draining", zap.Error(err))
	}

	p.cancel()
	p.queue.close()
	p.wg.Wait()

	p.parsers.Stop()
	p.ents.Stop()
	p.rels.Stop()
	p.embeds.Stop()
	p.batcher.Drain(ctx)
	return nil
}

// ProcessFile enqueues one file. Content may be empty, in which case the
// file is read from disk. Rejections by filter are silent no-ops; a full
// queue surfaces QueueOverflow to the caller.
func (p *Pipeline) ProcessFile(ctx context.Context, path, content string) error {
	if !p.running.Load() {
		return errors.Unavailable(errors.CodePipelineStopped, "pipeline is not running").
			WithComponent("pipeline").WithOperation("ProcessFile").Build()
	}
	if !p.accepts(path) {
		p.filesRejected.Add(1)
		return nil
	}
	if content == "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return errors.Validation(errors.CodeParseFailed, "cannot read source file").
				WithComponent("pipeline").WithOperation("ProcessFile").
				WithResource(path).WithCause(err).Build()
		}
		content = string(raw)
	}

	change := Change{
		Path:        path,
		Content:     content,
		Fingerprint: path,
	}
	if err := p.queue.Enqueue(change); err != nil {
		return err
	}
	p.filesAccepted.Add(1)
	return nil
}

// ProgressFunc reports directory ingestion progress.
type ProgressFunc func(done, total int, path string)

// ProcessDirectory walks root, enqueueing every accepted file. Backpressure
// is absorbed here: on QueueOverflow the walk waits and retries instead of
// failing the whole ingest.
func (p *Pipeline) ProcessDirectory(ctx context.Context, root string, progress ProgressFunc) error {
	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if name := d.Name(); name == ".git" || name == "node_modules" || name == "vendor" {
				return filepath.SkipDir
			}
			return nil
		}
		if p.accepts(path) {
			paths = append(paths, path)
		} else {
			p.filesRejected.Add(1)
		}
		return nil
	})
	if err != nil {
		return errors.Validation(errors.CodeValidationFailed, "directory walk failed").
			WithComponent("pipeline").WithOperation("ProcessDirectory").
			WithResource(root).WithCause(err).Build()
	}

	for i, path := range paths {
		raw, readErr := os.ReadFile(path)
		if readErr != nil {
			p.logger.Warn("skipping unreadable file", zap.String("path", path), zap.Error(readErr))
			continue
		}
		change := Change{Path: path, Content: string(raw), Fingerprint: path}

		for {
			err := p.queue.Enqueue(change)
			if err == nil {
				p.filesAccepted.Add(1)
				break
			}
			if !errors.IsKind(err, errors.KindOverflow) {
				return err
			}
			select {
			case <-ctx.Done():
				return errors.Timeout(errors.CodeTimeout, "ingest cancelled during backpressure").
					WithComponent("pipeline").WithOperation("ProcessDirectory").
					WithCause(ctx.Err()).Build()
			case <-time.After(50 * time.Millisecond):
			}
		}
		if progress != nil {
			progress(i+1, len(paths), path)
		}
	}
	return nil
}

// Flush waits for the queue and stages to go idle, then forces the batcher
// to write what it holds.
func (p *Pipeline) Flush(ctx context.Context) error {
	idle := func() bool {
		if p.queue.Depth() > 0 {
			return false
		}
		for _, pool := range []*Pool{p.parsers, p.ents, p.rels, p.embeds} {
			s := pool.Stats()
			if s.QueueDepth > 0 || s.Busy > 0 {
				return false
			}
		}
		return true
	}

	settled := 0
	for settled < 2 {
		if idle() {
			settled++
		} else {
			settled = 0
		}
		select {
		case <-ctx.Done():
			return errors.Timeout(errors.CodeTimeout, "flush deadline exceeded").
				WithComponent("pipeline").WithOperation("Flush").
				WithCause(ctx.Err()).Build()
		case <-time.After(10 * time.Millisecond):
		}
	}

	p.batcher.Drain(ctx)
	return nil
}

// Stats snapshots the whole topology.
func (p *Pipeline) Stats() Stats {
	stages := map[string]PoolStats{}
	for _, pool := range []*Pool{p.parsers, p.ents, p.rels, p.embeds} {
		s := pool.Stats()
		stages[s.Stage] = s
	}
	return Stats{
		QueueDepth:    p.queue.Depth(),
		FilesAccepted: p.filesAccepted.Load(),
		FilesRejected: p.filesRejected.Load(),
		ParseErrors:   p.parseErrors.Load(),
		Stages:        stages,
		Batches:       p.batcher.Stats(),
		Quarantined:   p.batcher.quarantine.Len(),
	}
}

// Quarantine exposes the most recent failed items.
func (p *Pipeline) Quarantine() []QuarantinedItem { return p.batcher.Quarantine() }

// consumePartition serializes one partition: the next change is not parsed
// until the previous one's parse and staging completed, so two changes to
// the same entity reach the batcher in enqueue order.
func (p *Pipeline) consumePartition(partition int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case change, ok := <-p.queue.partitions[partition]:
			if !ok {
				return
			}
			p.queue.dequeued(partition)
			p.parseAndFanOut(change)
		}
	}
}

func (p *Pipeline) parseAndFanOut(change Change) {
	done := make(chan struct{})
	task := Task{
		ID: change.Path,
		Execute: func(ctx context.Context) error {
			parsed, err := p.parser.Parse(ctx, change.Path, change.Content)
			if err != nil {
				return err
			}
			p.fanOut(ctx, parsed)
			return nil
		},
		Callback: func(id string, err error) {
			defer close(done)
			if err == nil {
				return
			}
			// Parse failures drop the file from this pass; the next change
			// to the same path re-queues it.
			p.parseErrors.Add(1)
			p.logger.Warn("parse failed", zap.String("path", id), zap.Error(err))
			if p.bus != nil {
				p.bus.Emit("pipeline", "warn", observability.EventParseError, map[string]any{
					"path":  id,
					"error": err.Error(),
				})
			}
		},
	}
	if err := p.parsers.Submit(task); err != nil {
		p.logger.Warn("parser stage rejected change", zap.String("path", change.Path), zap.Error(err))
		return
	}

	select {
	case <-done:
	case <-p.ctx.Done():
	}
}

// fanOut routes parse output to the downstream stages and waits for every
// staging task to settle. The partition consumer is blocked on the parse
// task, so this wait is what carries same-entity enqueue order past the
// parse stage: without it, a later change could be staged before an earlier
// one and the batcher's last-row-wins write would persist stale content.
func (p *Pipeline) fanOut(ctx context.Context, parsed *ParsedFile) {
	var staged sync.WaitGroup
	settle := func(string, error) { staged.Done() }

	for _, entity := range parsed.Entities {
		e := entity
		staged.Add(1)
		p.submitOrInline(p.ents, Task{
			ID:       e.ID,
			Callback: settle,
			Execute: func(ctx context.Context) error {
				if err := e.Validate(); err != nil {
					return err
				}
				p.batcher.Stage(ctx, stagedItem{Kind: kindEntity, Entity: e})
				return nil
			},
		})

		if p.embedder != nil && !p.cfg.SkipEmbeddings && embeddable(e) {
			staged.Add(1)
			p.submitOrInline(p.embeds, Task{
				ID:       e.ID,
				Callback: settle,
				Execute: func(ctx context.Context) error {
					vec, err := p.embedder.Embed(ctx, embedText(e))
					if err != nil {
						return err
					}
					p.batcher.Stage(ctx, stagedItem{Kind: kindEmbedding, Embedding: vector.Item{
						EntityID: e.ID,
						Vector:   vec,
						Metadata: vector.Metadata{
							NodeType:     string(e.Type),
							Path:         e.Path,
							Language:     e.Language,
							LastModified: e.LastModified,
						},
					}})
					return nil
				},
			})
		}
	}

	for _, rel := range parsed.Relationships {
		r := rel
		staged.Add(1)
		p.submitOrInline(p.rels, Task{
			ID:       r.ID,
			Callback: settle,
			Execute: func(ctx context.Context) error {
				if err := r.Validate(); err != nil {
					return err
				}
				r.Canonicalize()
				p.batcher.Stage(ctx, stagedItem{Kind: kindRelationship, Relationship: r})
				return nil
			},
		})
	}

	done := make(chan struct{})
	go func() {
		staged.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-p.ctx.Done():
	}
}

// submitOrInline falls back to running the task on the calling goroutine
// when the stage queue is full, trading parser throughput for progress
// instead of dropping the item.
func (p *Pipeline) submitOrInline(pool *Pool, task Task) {
	if err := pool.Submit(task); err == nil {
		return
	}
	err := task.Execute(p.ctx)
	if err != nil {
		p.logger.Warn("stage task failed inline", zap.String("task", task.ID), zap.Error(err))
		if p.bus != nil {
			p.bus.Emit("pipeline", "warn", observability.EventWorkerError, map[string]any{
				"task":  task.ID,
				"error": err.Error(),
			})
		}
	}
	if task.Callback != nil {
		task.Callback(task.ID, err)
	}
}

// supervise samples queue depth and stage utilization once per interval and
// scales each pool by one worker toward the target.
func (p *Pipeline) supervise() {
	defer p.wg.Done()

	ticker := time.NewTicker(supervisorInterval)
	defer ticker.Stop()

	calm := 0
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
		}

		depth := p.queue.Depth()
		pools := []*Pool{p.parsers, p.ents, p.rels, p.embeds}

		if depth > int64(p.cfg.Queues.HighWater) {
			calm = 0
			for _, pool := range pools {
				pool.Grow()
			}
		} else if depth < int64(p.cfg.Queues.LowWater) {
			busy := false
			for _, pool := range pools {
				if pool.Utilization() >= utilizationScaleDown {
					busy = true
					break
				}
			}
			if busy {
				calm = 0
			} else {
				calm++
				if calm >= scaleDownSamples {
					for _, pool := range pools {
						pool.Shrink()
					}
					calm = 0
				}
			}
		} else {
			calm = 0
		}

		if p.metrics != nil {
			for _, pool := range pools {
				p.metrics.WorkerUtilization.WithLabelValues(pool.stage).Set(pool.Utilization())
			}
		}
		if p.bus != nil {
			p.bus.Emit("pipeline", "debug", observability.EventMetricsUpdated, map[string]any{
				"queueDepth": depth,
			})
			if threshold := p.cfg.Queues.HighWater; threshold > 0 && depth > int64(threshold) {
				p.bus.Emit("pipeline", "warn", observability.EventAlertTriggered, map[string]any{
					"alert":      "queue_depth",
					"queueDepth": depth,
					"threshold":  threshold,
				})
			}
		}
	}
}

// accepts applies the configured accept/reject globs to both the full path
// and the base name. Reject wins; an empty accept list admits everything.
func (p *Pipeline) accepts(path string) bool {
	base := filepath.Base(path)
	for _, pattern := range p.cfg.FileFilters.Reject {
		if globMatches(pattern, path, base) {
			return false
		}
	}
	if len(p.cfg.FileFilters.Accept) == 0 {
		return true
	}
	for _, pattern := range p.cfg.FileFilters.Accept {
		if globMatches(pattern, path, base) {
			return true
		}
	}
	return false
}

func globMatches(pattern, path, base string) bool {
	if ok, _ := filepath.Match(pattern, base); ok {
		return true
	}
	if ok, _ := filepath.Match(pattern, path); ok {
		return true
	}
	// `**/` prefixes collapse to a suffix match on the remainder.
	if trimmed, found := strings.CutPrefix(pattern, "**/"); found {
		if ok, _ := filepath.Match(trimmed, base); ok {
			return true
		}
	}
	return false
}

func embeddable(e *domain.Entity) bool {
	switch e.Type {
	case domain.EntityFunction, domain.EntityClass, domain.EntityInterface,
		domain.EntityModule, domain.EntityDocumentation:
		return true
	default:
		return false
	}
}

func embedText(e *domain.Entity) string {
	parts := make([]string, 0, 4)
	if e.Name != "" {
		parts = append(parts, e.Name)
	}
	if e.Signature != "" {
		parts = append(parts, e.Signature)
	}
	if e.Docstring != "" {
		parts = append(parts, e.Docstring)
	}
	if e.Content != "" {
		content := e.Content
		if len(content) > 2000 {
			content = content[:2000]
		}
		parts = append(parts, content)
	}
	return strings.Join(parts, "\n")
}
