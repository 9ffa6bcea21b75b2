// Package handoff queues callers waiting for a human agent and assigns
// them in priority order.
package handoff

import (
	"container/heap"
	"sync"
	"time"
)

// Task is one caller waiting for a human.
type Task struct {
	ID         string
	SessionID  string
	Reason     string
	Context    map[string]any
	Priority   int
	EnqueuedAt time.Time
	AssignedTo string
}

// PriorityQueue orders waiting tasks by priority, FIFO within equal
// priority, with support for cancelling queued tasks.
type PriorityQueue interface {
	AddTask(t *Task) int
	GetNextTask() (*Task, bool)
	GetTaskPosition(id string) (int, bool)
	CancelBySession(sessionID string) int
	Len() int
}

type queueItem struct {
	task      *Task
	seq       uint64
	cancelled bool
	index     int
}

// taskHeap implements heap.Interface: higher priority first, earlier
// sequence first within a priority.
type taskHeap []*queueItem

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].task.Priority != h[j].task.Priority {
		return h[i].task.Priority > h[j].task.Priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	item := x.(*queueItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// HeapQueue is the mutex-guarded heap implementation. Cancelled tasks
// stay in the heap as tombstones and are discarded on pop.
type HeapQueue struct {
	mu      sync.Mutex
	items   taskHeap
	byID    map[string]*queueItem
	nextSeq uint64
}

func NewHeapQueue() *HeapQueue {
	return &HeapQueue{byID: make(map[string]*queueItem)}
}

// AddTask enqueues a task and returns its 1-based queue position.
func (q *HeapQueue) AddTask(t *Task) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	item := &queueItem{task: t, seq: q.nextSeq}
	q.nextSeq++
	heap.Push(&q.items, item)
	q.byID[t.ID] = item
	return q.positionLocked(item)
}

// GetNextTask pops the highest-priority live task, discarding any
// cancelled tombstones it encounters.
func (q *HeapQueue) GetNextTask() (*Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.items.Len() > 0 {
		item := heap.Pop(&q.items).(*queueItem)
		delete(q.byID, item.task.ID)
		if item.cancelled {
			continue
		}
		return item.task, true
	}
	return nil, false
}

// GetTaskPosition reports a task's 1-based position among live tasks.
func (q *HeapQueue) GetTaskPosition(id string) (int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.byID[id]
	if !ok || item.cancelled {
		return 0, false
	}
	return q.positionLocked(item), true
}

// CancelBySession tombstones every queued task for a session and
// returns how many were cancelled.
func (q *HeapQueue) CancelBySession(sessionID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	cancelled := 0
	for _, item := range q.items {
		if !item.cancelled && item.task.SessionID == sessionID {
			item.cancelled = true
			cancelled++
		}
	}
	return cancelled
}

// Len counts live tasks.
func (q *HeapQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	live := 0
	for _, item := range q.items {
		if !item.cancelled {
			live++
		}
	}
	return live
}

func (q *HeapQueue) positionLocked(target *queueItem) int {
	pos := 1
	for _, item := range q.items {
		if item == target || item.cancelled {
			continue
		}
		if item.task.Priority > target.task.Priority ||
			(item.task.Priority == target.task.Priority && item.seq < target.seq) {
			pos++
		}
	}
	return pos
}
