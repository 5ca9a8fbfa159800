package queue

import (
	"fmt"
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kandev/agentplane/internal/common/errors"
)

func TestEnqueueDuplicate(t *testing.T) {
	q := NewTaskQueue(10)
	require.NoError(t, q.Enqueue("task-1", 1))
	assert.ErrorIs(t, q.Enqueue("task-1", 1), ErrTaskExists)
	assert.Equal(t, 1, q.Len())
}

func TestEnqueueQueueFull(t *testing.T) {
	q := NewTaskQueue(2)
	require.NoError(t, q.Enqueue("task-1", 1))
	require.NoError(t, q.Enqueue("task-2", 1))
	assert.True(t, q.IsFull())

	err := q.Enqueue("task-3", 1)
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.ErrorIs(t, err, apperrors.ErrQueueFull)
}

func TestUnboundedQueue(t *testing.T) {
	q := NewTaskQueue(0)
	for i := range 1000 {
		require.NoError(t, q.Enqueue(fmt.Sprintf("task-%d", i), 0))
	}
	assert.False(t, q.IsFull())
}

func TestPriorityThenInsertionOrder(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		q := NewTaskQueue(0)
		// All enqueued at the same instant; order must still be stable.
		require.NoError(t, q.Enqueue("low", 0))
		require.NoError(t, q.Enqueue("high-1", 2))
		require.NoError(t, q.Enqueue("normal", 1))
		require.NoError(t, q.Enqueue("high-2", 2))
		time.Sleep(time.Millisecond)
		require.NoError(t, q.Enqueue("urgent", 3))

		var got []string
		for qt := q.Dequeue(); qt != nil; qt = q.Dequeue() {
			got = append(got, qt.TaskID)
		}
		assert.Equal(t, []string{"urgent", "high-1", "high-2", "normal", "low"}, got)
	})
}

func TestDrainAndRequeueKeepPosition(t *testing.T) {
	q := NewTaskQueue(2)
	require.NoError(t, q.Enqueue("first", 1))
	require.NoError(t, q.Enqueue("second", 1))

	drained := q.Drain()
	require.Len(t, drained, 2)
	assert.Equal(t, 0, q.Len())

	// Requeue out of order; the original insertion order wins.
	q.Requeue(drained[1])
	q.Requeue(drained[0])
	q.Requeue(drained[0])
	assert.Equal(t, 2, q.Len())
	assert.Equal(t, "first", q.Dequeue().TaskID)
	assert.Equal(t, "second", q.Dequeue().TaskID)
}

func TestRequeueWithLowerPriority(t *testing.T) {
	q := NewTaskQueue(0)
	require.NoError(t, q.Enqueue("a", 2))
	require.NoError(t, q.Enqueue("b", 1))

	a := q.Dequeue()
	a.Priority = 0
	a.Deferrals++
	q.Requeue(a)

	assert.Equal(t, "b", q.Dequeue().TaskID)
	got := q.Dequeue()
	assert.Equal(t, "a", got.TaskID)
	assert.Equal(t, 1, got.Deferrals)
}

func TestRemove(t *testing.T) {
	q := NewTaskQueue(0)
	require.NoError(t, q.Enqueue("a", 1))
	require.NoError(t, q.Enqueue("b", 1))

	assert.True(t, q.Remove("a"))
	assert.False(t, q.Remove("a"))
	assert.False(t, q.Contains("a"))
	assert.True(t, q.Contains("b"))
	assert.Equal(t, "b", q.Dequeue().TaskID)
	assert.Nil(t, q.Dequeue())
}
