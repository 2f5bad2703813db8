package dispatch

import (
	"container/heap"
	"sync"
	"time"

	"github.com/itskum47/flotilla/protocol"
)

// pendingTask is one queued unit of work awaiting a worker.
type pendingTask struct {
	TaskID       string
	Priority     protocol.Priority
	RequiredTags []string
	TimeoutMS    int64
	SessionID    string
	Description  string
	Attempt      int
	EnqueuedAt   time.Time
}

// taskHeap orders by priority rank (urgent first), then FIFO on enqueue time.
type taskHeap []*pendingTask

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	ri, rj := h[i].Priority.Rank(), h[j].Priority.Rank()
	if ri != rj {
		return ri > rj
	}
	return h[i].EnqueuedAt.Before(h[j].EnqueuedAt)
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x interface{}) {
	*h = append(*h, x.(*pendingTask))
}

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil // avoid memory leak
	*h = old[0 : n-1]
	return item
}

// pendingQueue wraps taskHeap with a mutex for concurrent access.
type pendingQueue struct {
	mu sync.Mutex
	h  taskHeap
}

func newPendingQueue() *pendingQueue {
	return &pendingQueue{h: make(taskHeap, 0)}
}

func (q *pendingQueue) Push(t *pendingTask) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now()
	}
	heap.Push(&q.h, t)
}

func (q *pendingQueue) Pop() *pendingTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.h) == 0 {
		return nil
	}
	return heap.Pop(&q.h).(*pendingTask)
}

func (q *pendingQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.h)
}

// Remove drops a queued task by id; reports whether it was present.
func (q *pendingQueue) Remove(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, t := range q.h {
		if t.TaskID == taskID {
			heap.Remove(&q.h, i)
			return true
		}
	}
	return false
}
