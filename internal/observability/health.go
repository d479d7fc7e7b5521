package observability

import (
	"context"
	"sync"
	"time"
)

// ReadinessChecker is implemented by components that can report readiness.
type ReadinessChecker interface {
	Name() string
	Ready(ctx context.Context) error
}

// ComponentHealth is one component's readiness snapshot.
type ComponentHealth struct {
	Name    string    `json:"name"`
	Ready   bool      `json:"ready"`
	Error   string    `json:"error,omitempty"`
	Checked time.Time `json:"checked"`
}

// HealthReport aggregates all component snapshots.
type HealthReport struct {
	Ready      bool              `json:"ready"`
	Components []ComponentHealth `json:"components"`
}

// Health aggregates per-component readiness.
type Health struct {
	mu       sync.RWMutex
	checkers []ReadinessChecker
	timeout  time.Duration
}

// NewHealth builds an aggregator applying the given timeout to each check.
func NewHealth(timeout time.Duration) *Health {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Health{timeout: timeout}
}

// Register adds a checker. Registration order is report order.
func (h *Health) Register(c ReadinessChecker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkers = append(h.checkers, c)
}

// Check runs every registered checker and aggregates the results. The report
// is ready only when every component is.
func (h *Health) Check(ctx context.Context) HealthReport {
	h.mu.RLock()
	checkers := make([]ReadinessChecker, len(h.checkers))
	copy(checkers, h.checkers)
	h.mu.RUnlock()

	report := HealthReport{Ready: true}
	for _, c := range checkers {
		cctx, cancel := context.WithTimeout(ctx, h.timeout)
		err := c.Ready(cctx)
		cancel()

		ch := ComponentHealth{Name: c.Name(), Ready: err == nil, Checked: time.Now().UTC()}
		if err != nil {
			ch.Error = err.Error()
			report.Ready = false
		}
		report.Components = append(report.Components, ch)
	}
	return report
}
