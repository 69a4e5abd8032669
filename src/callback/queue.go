package callback

import (
	"container/heap"
	"fmt"
	"time"
)

type entry struct {
	id       string
	task     Task
	deadline time.Time
	priority int
	seq      uint64
	index    int
	removed  bool
}

// taskHeap orders entries by deadline, then higher priority, then
// registration order.
type taskHeap []*entry

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if !a.deadline.Equal(b.deadline) {
		return a.deadline.Before(b.deadline)
	}
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	return a.seq < b.seq
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x interface{}) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// queue is the state shared by Callback and Manual. Callers hold the lock.
type queue struct {
	heap    taskHeap
	byID    map[string]*entry
	counter uint64
}

func newQueue() queue {
	return queue{byID: make(map[string]*entry)}
}

func (q *queue) nextID() string {
	q.counter++
	return fmt.Sprintf("task-%d", q.counter)
}

func (q *queue) register(task Task, deadline time.Time, priority int, id string) string {
	if id == "" {
		id = q.nextID()
	} else {
		q.unregister(id)
	}
	q.counter++
	e := &entry{
		id:       id,
		task:     task,
		deadline: deadline,
		priority: priority,
		seq:      q.counter,
	}
	q.byID[id] = e
	heap.Push(&q.heap, e)
	return id
}

func (q *queue) scheduled(id string) bool {
	_, ok := q.byID[id]
	return ok
}

func (q *queue) unregister(id string) {
	e, ok := q.byID[id]
	if !ok {
		return
	}
	delete(q.byID, id)
	e.removed = true
	if e.index >= 0 {
		heap.Remove(&q.heap, e.index)
	}
}

// peek returns the next entry without removing it.
func (q *queue) peek() *entry {
	if len(q.heap) == 0 {
		return nil
	}
	return q.heap[0]
}

// pop removes the next entry. It stays registered under its id while it runs
// so that it can be cancelled from inside.
func (q *queue) pop() *entry {
	return heap.Pop(&q.heap).(*entry)
}

// done reschedules an entry after it ran, unless it was cancelled or
// stopped.
func (q *queue) done(e *entry, next time.Duration, now time.Time) {
	if e.removed {
		return
	}
	if next < 0 {
		delete(q.byID, e.id)
		e.removed = true
		return
	}
	q.counter++
	e.deadline = now.Add(next)
	e.seq = q.counter
	heap.Push(&q.heap, e)
}
