package pipeline

import (
	"hash/fnv"
	"strconv"
	"sync/atomic"
	"time"

	"codegraph-backend/internal/config"
	"codegraph-backend/internal/errors"
	"codegraph-backend/internal/observability"
)

// Change is one unit of ingestion work: a file whose content should be
// (re)parsed into the graph.
type Change struct {
	Path        string
	Content     string
	Fingerprint string // partition key; defaults to the path
	EnqueuedAt  time.Time
}

func (c Change) partitionKey() string {
	if c.Fingerprint != "" {
		return c.Fingerprint
	}
	return c.Path
}

// partitionedQueue spreads changes over k bounded partitions so work for
// the same fingerprint stays ordered. Once any partition fills, the queue
// enters backpressure and rejects enqueues until total depth drains below
// the low-water mark.
type partitionedQueue struct {
	partitions []chan Change
	maxDepth   int
	lowWater   int

	depth      atomic.Int64
	overflowed atomic.Bool
	rejected   atomic.Int64
	metrics    *observability.Metrics
}

func newPartitionedQueue(cfg config.QueuesConfig, metrics *observability.Metrics) *partitionedQueue {
	k := cfg.Partitions
	if k <= 0 {
		k = 4
	}
	maxDepth := cfg.MaxDepth
	if maxDepth <= 0 {
		maxDepth = 10000
	}
	q := &partitionedQueue{
		partitions: make([]chan Change, k),
		maxDepth:   maxDepth,
		lowWater:   cfg.LowWater,
		metrics:    metrics,
	}
	for i := range q.partitions {
		q.partitions[i] = make(chan Change, maxDepth)
	}
	return q
}

func (q *partitionedQueue) partitionFor(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32()) % len(q.partitions)
}

// Enqueue places the change on its partition. While the queue is in
// backpressure every enqueue fails fast until the drain crosses lowWater.
func (q *partitionedQueue) Enqueue(c Change) error {
	if q.overflowed.Load() {
		q.rejected.Add(1)
		return errors.Overflow(errors.CodeQueueOverflow, "ingestion queue is draining").
			WithComponent("pipeline").WithOperation("Enqueue").
			WithDetails("depth=%d lowWater=%d", q.depth.Load(), q.lowWater).Build()
	}

	c.EnqueuedAt = time.Now()
	p := q.partitionFor(c.partitionKey())
	select {
	case q.partitions[p] <- c:
		depth := q.depth.Add(1)
		q.gauge(p)
		if depth >= int64(q.maxDepth) {
			q.overflowed.Store(true)
		}
		return nil
	default:
		q.overflowed.Store(true)
		q.rejected.Add(1)
		return errors.Overflow(errors.CodeQueueOverflow, "ingestion partition is full").
			WithComponent("pipeline").WithOperation("Enqueue").
			WithDetails("partition=%d maxDepth=%d", p, q.maxDepth).Build()
	}
}

// dequeued is called by partition consumers after taking an item; it
// maintains the depth gauge and lifts backpressure at the low-water mark.
func (q *partitionedQueue) dequeued(partition int) {
	depth := q.depth.Add(-1)
	q.gauge(partition)
	if q.overflowed.Load() && depth <= int64(q.lowWater) {
		q.overflowed.Store(false)
	}
}

func (q *partitionedQueue) gauge(partition int) {
	if q.metrics != nil {
		q.metrics.QueueDepth.WithLabelValues(strconv.Itoa(partition)).
			Set(float64(len(q.partitions[partition])))
	}
}

func (q *partitionedQueue) Depth() int64 { return q.depth.Load() }

func (q *partitionedQueue) close() {
	for _, p := range q.partitions {
		close(p)
	}
}
