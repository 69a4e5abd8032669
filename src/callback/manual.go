package callback

import (
	"sync"
	"time"
)

// Manual is a Scheduler driven by a virtual clock. Tasks only run inside
// Advance.
type Manual struct {
	l     sync.Mutex
	queue queue
	now   time.Time
}

// NewManual returns a Manual whose clock starts at start.
func NewManual(start time.Time) *Manual {
	return &Manual{
		queue: newQueue(),
		now:   start,
	}
}

// Now returns the virtual time.
func (m *Manual) Now() time.Time {
	m.l.Lock()
	defer m.l.Unlock()
	return m.now
}

// Register implements Scheduler.
func (m *Manual) Register(task Task, delay time.Duration, priority int, id string) string {
	m.l.Lock()
	defer m.l.Unlock()
	return m.queue.register(task, m.now.Add(delay), priority, id)
}

// PersistentRegister implements Scheduler.
func (m *Manual) PersistentRegister(id string, task Task, delay time.Duration, priority int) string {
	m.l.Lock()
	defer m.l.Unlock()
	if m.queue.scheduled(id) {
		return id
	}
	return m.queue.register(task, m.now.Add(delay), priority, id)
}

// Unregister implements Scheduler.
func (m *Manual) Unregister(id string) {
	m.l.Lock()
	defer m.l.Unlock()
	m.queue.unregister(id)
}

// Scheduled reports whether a task with id is pending.
func (m *Manual) Scheduled(id string) bool {
	m.l.Lock()
	defer m.l.Unlock()
	return m.queue.scheduled(id)
}

// Len returns the number of scheduled tasks.
func (m *Manual) Len() int {
	m.l.Lock()
	defer m.l.Unlock()
	return len(m.queue.byID)
}

// Advance moves the clock forward by d, running every task that becomes due
// in deadline order, including tasks registered while advancing.
func (m *Manual) Advance(d time.Duration) {
	m.l.Lock()
	target := m.now.Add(d)
	for {
		next := m.queue.peek()
		if next == nil || next.deadline.After(target) {
			break
		}
		e := m.queue.pop()
		if e.deadline.After(m.now) {
			m.now = e.deadline
		}
		m.l.Unlock()

		delay := e.task()

		m.l.Lock()
		m.queue.done(e, delay, m.now)
	}
	m.now = target
	m.l.Unlock()
}

// RunPending runs the tasks that are due now.
func (m *Manual) RunPending() {
	m.Advance(0)
}
