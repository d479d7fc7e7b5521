package pipeline

import (
	stderrors "errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"codegraph-backend/internal/errors"
	"codegraph-backend/internal/observability"
)

// storeBreakers guards each downstream store with its own circuit breaker.
// While a breaker is open, flushes to that store fast-fail with CircuitOpen;
// the half-open probe admits one batch to test recovery.
type storeBreakers struct {
	entity       *gobreaker.CircuitBreaker
	relationship *gobreaker.CircuitBreaker
	vector       *gobreaker.CircuitBreaker
}

func newStoreBreakers(bus *observability.Bus, logger *zap.Logger) *storeBreakers {
	if logger == nil {
		logger = zap.NewNop()
	}
	mk := func(name string) *gobreaker.CircuitBreaker {
		return gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Interval:    30 * time.Second,
			Timeout:     10 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.Requests >= 5 &&
					float64(counts.TotalFailures)/float64(counts.Requests) >= 0.5
			},
			IsSuccessful: func(err error) bool {
				// Only dependency failures count against the breaker;
				// validation rejections are the caller's problem.
				return err == nil || !errors.IsRetryable(err)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("circuit breaker state change",
					zap.String("store", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()))
				if bus != nil {
					bus.Emit("pipeline", "warn", observability.EventPipelineError, map[string]any{
						"store": name,
						"from":  from.String(),
						"to":    to.String(),
					})
				}
			},
		})
	}
	return &storeBreakers{
		entity:       mk("entity_store"),
		relationship: mk("relationship_store"),
		vector:       mk("vector_store"),
	}
}

func (b *storeBreakers) forKind(kind itemKind) *gobreaker.CircuitBreaker {
	switch kind {
	case kindRelationship:
		return b.relationship
	case kindEmbedding:
		return b.vector
	default:
		return b.entity
	}
}

// execute runs fn behind the kind's breaker, translating open-circuit
// rejections into the typed CircuitOpen error.
func (b *storeBreakers) execute(kind itemKind, fn func() error) error {
	_, err := b.forKind(kind).Execute(func() (any, error) {
		return nil, fn()
	})
	if stderrors.Is(err, gobreaker.ErrOpenState) || stderrors.Is(err, gobreaker.ErrTooManyRequests) {
		return errors.CircuitOpen(errors.CodeCircuitOpen, "store circuit breaker is open").
			WithComponent("pipeline").WithResource(b.forKind(kind).Name()).
			WithCause(err).Build()
	}
	return err
}
