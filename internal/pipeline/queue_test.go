package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codegraph-backend/internal/config"
	"codegraph-backend/internal/errors"
)

func TestQueuePartitionAssignmentIsStable(t *testing.T) {
	q := newPartitionedQueue(config.QueuesConfig{Partitions: 4, MaxDepth: 10}, nil)

	first := q.partitionFor("src/auth.ts")
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, q.partitionFor("src/auth.ts"))
	}
}

func TestQueuePreservesOrderWithinPartition(t *testing.T) {
	q := newPartitionedQueue(config.QueuesConfig{Partitions: 1, MaxDepth: 10, LowWater: 2}, nil)

	for _, path := range []string{"a.ts", "b.ts", "c.ts"} {
		require.NoError(t, q.Enqueue(Change{Path: path}))
	}

	var got []string
	for i := 0; i < 3; i++ {
		c := <-q.partitions[0]
		q.dequeued(0)
		got = append(got, c.Path)
	}
	assert.Equal(t, []string{"a.ts", "b.ts", "c.ts"}, got)
}

func TestQueueOverflowAndRecovery(t *testing.T) {
	q := newPartitionedQueue(config.QueuesConfig{Partitions: 1, MaxDepth: 2, LowWater: 1}, nil)

	require.NoError(t, q.Enqueue(Change{Path: "a.ts"}))
	require.NoError(t, q.Enqueue(Change{Path: "b.ts"}))

	// The bound is reached; producers are rejected until the drain crosses
	// the low-water mark.
	err := q.Enqueue(Change{Path: "c.ts"})
	require.Error(t, err)
	assert.Equal(t, errors.CodeQueueOverflow, errors.CodeOf(err))
	assert.True(t, errors.IsKind(err, errors.KindOverflow))

	<-q.partitions[0]
	q.dequeued(0) // depth 1 == lowWater: backpressure lifts

	require.NoError(t, q.Enqueue(Change{Path: "c.ts"}))
}

func TestQueueRejectsWhileDraining(t *testing.T) {
	q := newPartitionedQueue(config.QueuesConfig{Partitions: 1, MaxDepth: 4, LowWater: 1}, nil)

	for _, path := range []string{"a.ts", "b.ts", "c.ts", "d.ts"} {
		require.NoError(t, q.Enqueue(Change{Path: path}))
	}
	require.Error(t, q.Enqueue(Change{Path: "e.ts"}))

	// One dequeue is not enough to cross lowWater; still rejecting.
	<-q.partitions[0]
	q.dequeued(0)
	err := q.Enqueue(Change{Path: "e.ts"})
	require.Error(t, err)
	assert.Equal(t, errors.CodeQueueOverflow, errors.CodeOf(err))
}
