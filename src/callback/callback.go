package callback

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Callback is the Scheduler used by a running node. Run executes due tasks
// one at a time on the calling goroutine.
type Callback struct {
	l     sync.Mutex
	queue queue
	wake  chan struct{}

	logger *logrus.Entry
}

// NewCallback returns an idle Callback.
func NewCallback(logger *logrus.Entry) *Callback {
	return &Callback{
		queue:  newQueue(),
		wake:   make(chan struct{}, 1),
		logger: logger,
	}
}

// Register implements Scheduler.
func (c *Callback) Register(task Task, delay time.Duration, priority int, id string) string {
	c.l.Lock()
	id = c.queue.register(task, time.Now().Add(delay), priority, id)
	c.l.Unlock()
	c.signal()
	return id
}

// PersistentRegister implements Scheduler.
func (c *Callback) PersistentRegister(id string, task Task, delay time.Duration, priority int) string {
	c.l.Lock()
	if c.queue.scheduled(id) {
		c.l.Unlock()
		return id
	}
	id = c.queue.register(task, time.Now().Add(delay), priority, id)
	c.l.Unlock()
	c.signal()
	return id
}

// Unregister implements Scheduler.
func (c *Callback) Unregister(id string) {
	c.l.Lock()
	c.queue.unregister(id)
	c.l.Unlock()
}

// Len returns the number of scheduled tasks.
func (c *Callback) Len() int {
	c.l.Lock()
	defer c.l.Unlock()
	return len(c.queue.byID)
}

func (c *Callback) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Run executes tasks until ctx is cancelled.
func (c *Callback) Run(ctx context.Context) error {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		c.l.Lock()
		next := c.queue.peek()
		if next == nil || next.deadline.After(time.Now()) {
			wait := time.Hour
			if next != nil {
				wait = time.Until(next.deadline)
			}
			c.l.Unlock()

			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(wait)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.wake:
			case <-timer.C:
			}
			continue
		}
		e := c.queue.pop()
		c.l.Unlock()

		delay := c.run(e)

		c.l.Lock()
		c.queue.done(e, delay, time.Now())
		c.l.Unlock()

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// run executes one task. A panicking task is stopped and logged.
func (c *Callback) run(e *entry) (delay time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.WithFields(logrus.Fields{
				"task":  e.id,
				"panic": fmt.Sprint(r),
			}).Error("Task failed")
			delay = Stop
		}
	}()
	return e.task()
}
