// Package queue holds PENDING tasks in priority order for the controller's
// dispatch loop.
package queue

import (
	"container/heap"
	"errors"
	"sync"
	"time"

	apperrors "github.com/kandev/agentplane/internal/common/errors"
)

var (
	// ErrQueueFull is returned when the queue is at max capacity
	ErrQueueFull = apperrors.ErrQueueFull
	// ErrTaskExists is returned when a task already exists in the queue
	ErrTaskExists = errors.New("task already exists in queue")
)

// QueuedTask is one entry of the queue.
type QueuedTask struct {
	TaskID   string
	Priority int // higher is dispatched first
	QueuedAt time.Time
	// Deferrals counts dispatch rounds in which the task was put back.
	Deferrals int

	seq   uint64
	index int
}

type taskHeap []*QueuedTask

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	// Higher priority first, then insertion order
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	item := x.(*QueuedTask)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil  // avoid memory leak
	item.index = -1 // for safety
	*h = old[0 : n-1]
	return item
}

// TaskQueue is a bounded priority queue safe for concurrent use.
type TaskQueue struct {
	mu      sync.RWMutex
	heap    taskHeap
	taskMap map[string]*QueuedTask
	maxSize int
	nextSeq uint64
}

// NewTaskQueue creates a queue; maxSize 0 means unbounded.
func NewTaskQueue(maxSize int) *TaskQueue {
	q := &TaskQueue{
		heap:    make(taskHeap, 0),
		taskMap: make(map[string]*QueuedTask),
		maxSize: maxSize,
	}
	heap.Init(&q.heap)
	return q
}

// Enqueue adds a task. It fails when the queue is full or the id is queued.
func (q *TaskQueue) Enqueue(taskID string, priority int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.taskMap[taskID]; exists {
		return ErrTaskExists
	}
	if q.maxSize > 0 && len(q.heap) >= q.maxSize {
		return ErrQueueFull
	}

	q.nextSeq++
	qt := &QueuedTask{
		TaskID:   taskID,
		Priority: priority,
		QueuedAt: time.Now(),
		seq:      q.nextSeq,
	}
	heap.Push(&q.heap, qt)
	q.taskMap[taskID] = qt
	return nil
}

// Requeue puts back an entry taken by Dequeue or Drain. It keeps the
// entry's original position among equal priorities and ignores maxSize.
func (q *TaskQueue) Requeue(qt *QueuedTask) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.taskMap[qt.TaskID]; exists {
		return
	}
	heap.Push(&q.heap, qt)
	q.taskMap[qt.TaskID] = qt
}

// Dequeue removes and returns the highest priority task, or nil.
func (q *TaskQueue) Dequeue() *QueuedTask {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.heap) == 0 {
		return nil
	}
	qt := heap.Pop(&q.heap).(*QueuedTask)
	delete(q.taskMap, qt.TaskID)
	return qt
}

// Drain removes and returns every entry in dispatch order.
func (q *TaskQueue) Drain() []*QueuedTask {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*QueuedTask, 0, len(q.heap))
	for len(q.heap) > 0 {
		qt := heap.Pop(&q.heap).(*QueuedTask)
		delete(q.taskMap, qt.TaskID)
		out = append(out, qt)
	}
	return out
}

// Remove removes a specific task from the queue.
func (q *TaskQueue) Remove(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	qt, exists := q.taskMap[taskID]
	if !exists {
		return false
	}
	heap.Remove(&q.heap, qt.index)
	delete(q.taskMap, taskID)
	return true
}

// Contains reports whether taskID is queued.
func (q *TaskQueue) Contains(taskID string) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	_, ok := q.taskMap[taskID]
	return ok
}

// Len returns the number of tasks in the queue.
func (q *TaskQueue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.heap)
}

// IsFull returns true if the queue is at max capacity.
func (q *TaskQueue) IsFull() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.maxSize > 0 && len(q.heap) >= q.maxSize
}
