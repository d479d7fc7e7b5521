package observability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusDeliversToSubscribers(t *testing.T) {
	bus := NewBus(8, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := bus.Subscribe(ctx)
	bus.Publish(Event{Component: "pipeline", Level: "info", Message: EventBatchCompleted})

	select {
	case ev := <-ch:
		assert.Equal(t, "pipeline", ev.Component)
		assert.Equal(t, EventBatchCompleted, ev.Message)
		assert.False(t, ev.Time.IsZero())
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestSubscriptionEndsWithContext(t *testing.T) {
	bus := NewBus(8, nil)
	ctx, cancel := context.WithCancel(context.Background())
	ch := bus.Subscribe(ctx)

	cancel()

	// The channel closes once the subscription is torn down.
	deadline := time.After(time.Second)
	for {
		select {
		case _, open := <-ch:
			if !open {
				return
			}
		case <-deadline:
			t.Fatal("channel never closed after cancel")
		}
	}
}

func TestSlowSubscriberDoesNotBlockPublishers(t *testing.T) {
	bus := NewBus(1, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_ = bus.Subscribe(ctx) // never drained

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Publish(Event{Component: "x", Message: "m"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

type stubChecker struct {
	name string
	err  error
}

func (s stubChecker) Name() string                     { return s.name }
func (s stubChecker) Ready(_ context.Context) error    { return s.err }

func TestHealthAggregation(t *testing.T) {
	h := NewHealth(time.Second)
	h.Register(stubChecker{name: "graph"})
	h.Register(stubChecker{name: "backup", err: assert.AnError})

	report := h.Check(context.Background())
	require.Len(t, report.Components, 2)
	assert.False(t, report.Ready)
	assert.True(t, report.Components[0].Ready)
	assert.False(t, report.Components[1].Ready)
	assert.NotEmpty(t, report.Components[1].Error)
}
