package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codegraph-backend/internal/errors"
)

func TestPoolRunsTasksAndReportsStats(t *testing.T) {
	p := NewPool("parser", 2, 4, 16, nil, nil, nil)
	p.Start()
	defer p.Stop()

	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := map[string]error{}
	for _, id := range []string{"a", "b", "c"} {
		wg.Add(1)
		require.NoError(t, p.Submit(Task{
			ID:      id,
			Execute: func(context.Context) error { return nil },
			Callback: func(id string, err error) {
				mu.Lock()
				seen[id] = err
				mu.Unlock()
				wg.Done()
			},
		}))
	}
	wg.Wait()

	assert.Len(t, seen, 3)
	for _, err := range seen {
		assert.NoError(t, err)
	}
	stats := p.Stats()
	assert.Equal(t, int64(3), stats.Processed)
	assert.Equal(t, int64(0), stats.Failed)
	assert.Equal(t, 2, stats.Workers)
}

func TestPoolGrowShrinkHonorBounds(t *testing.T) {
	p := NewPool("entity", 1, 2, 4, nil, nil, nil)
	p.Start()
	defer p.Stop()

	assert.True(t, p.Grow())
	assert.False(t, p.Grow(), "max reached")
	assert.Equal(t, 2, p.Workers())

	assert.True(t, p.Shrink())
	assert.False(t, p.Shrink(), "min reached")
	assert.Equal(t, 1, p.Workers())
}

func TestPoolRecoversFromTaskPanic(t *testing.T) {
	p := NewPool("relationship", 1, 1, 4, nil, nil, nil)
	p.Start()
	defer p.Stop()

	panicked := make(chan error, 1)
	require.NoError(t, p.Submit(Task{
		ID:       "boom",
		Execute:  func(context.Context) error { panic("kaboom") },
		Callback: func(_ string, err error) { panicked <- err },
	}))

	select {
	case err := <-panicked:
		require.Error(t, err)
		assert.Equal(t, errors.CodeWorkerPanic, errors.CodeOf(err))
	case <-time.After(time.Second):
		t.Fatal("panic callback never fired")
	}

	// The worker slot restarts with backoff and keeps serving tasks.
	recovered := make(chan struct{})
	require.Eventually(t, func() bool {
		err := p.Submit(Task{
			ID:       "after",
			Execute:  func(context.Context) error { return nil },
			Callback: func(string, error) { close(recovered) },
		})
		return err == nil
	}, time.Second, 20*time.Millisecond)

	select {
	case <-recovered:
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not recover after panic")
	}
}

func TestPoolSubmitAfterStopFails(t *testing.T) {
	p := NewPool("embedding", 1, 1, 4, nil, nil, nil)
	p.Start()
	p.Stop()

	err := p.Submit(Task{ID: "late", Execute: func(context.Context) error { return nil }})
	require.Error(t, err)
	assert.Equal(t, errors.CodePipelineStopped, errors.CodeOf(err))
}

func TestPoolSubmitFailsFastWhenQueueFull(t *testing.T) {
	p := NewPool("parser", 1, 1, 1, nil, nil, nil)
	p.Start()
	defer p.Stop()

	block := make(chan struct{})
	require.NoError(t, p.Submit(Task{
		ID:      "running",
		Execute: func(context.Context) error { <-block; return nil },
	}))

	// Wait for the worker to pick the first task up, then fill the queue.
	require.Eventually(t, func() bool { return p.Utilization() > 0 }, time.Second, 5*time.Millisecond)
	require.NoError(t, p.Submit(Task{ID: "queued", Execute: func(context.Context) error { return nil }}))

	err := p.Submit(Task{ID: "spill", Execute: func(context.Context) error { return nil }})
	require.Error(t, err)
	assert.Equal(t, errors.CodeQueueOverflow, errors.CodeOf(err))
	close(block)
}
