package pipeline

import (
	"sync"
	"time"

	"codegraph-backend/internal/observability"
)

const quarantineCapacity = 100

// QuarantinedItem is one failed item held for inspection after its retry
// budget ran out.
type QuarantinedItem struct {
	ID    string    `json:"id"`
	Kind  string    `json:"kind"`
	Error string    `json:"error"`
	At    time.Time `json:"at"`
}

// quarantineRing keeps the most recent failures in a fixed-size ring.
type quarantineRing struct {
	mu      sync.Mutex
	items   []QuarantinedItem
	next    int
	count   int
	metrics *observability.Metrics
}

func newQuarantineRing(metrics *observability.Metrics) *quarantineRing {
	return &quarantineRing{
		items:   make([]QuarantinedItem, quarantineCapacity),
		metrics: metrics,
	}
}

func (r *quarantineRing) Add(id, kind string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	msg := ""
	if err != nil {
		msg = err.Error()
	}
	r.items[r.next] = QuarantinedItem{ID: id, Kind: kind, Error: msg, At: time.Now().UTC()}
	r.next = (r.next + 1) % len(r.items)
	if r.count < len(r.items) {
		r.count++
	}
	if r.metrics != nil {
		r.metrics.QuarantineDepth.Set(float64(r.count))
	}
}

// Snapshot returns the held items oldest-first.
func (r *quarantineRing) Snapshot() []QuarantinedItem {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]QuarantinedItem, 0, r.count)
	start := r.next - r.count
	if start < 0 {
		start += len(r.items)
	}
	for i := 0; i < r.count; i++ {
		out = append(out, r.items[(start+i)%len(r.items)])
	}
	return out
}

func (r *quarantineRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}
