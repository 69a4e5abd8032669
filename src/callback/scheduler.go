// Package callback runs every task of a node on one logical worker.
//
// Tasks are functions returning the delay before they want to run again, or
// Stop. A task is identified by a string id which can be used to cancel it.
// Two tasks never run concurrently, so the state they touch needs no other
// synchronisation.
package callback

import (
	"time"
)

// Task is a unit of work. The returned duration reschedules the task, Stop
// ends it.
type Task func() time.Duration

// Stop is returned by a Task that must not run again.
const Stop time.Duration = -1

// Once wraps a function that runs a single time.
func Once(f func()) Task {
	return func() time.Duration {
		f()
		return Stop
	}
}

// Scheduler registers tasks on the logical worker. Every method is safe to
// call from any goroutine.
type Scheduler interface {
	// Register schedules task after delay and returns its id. An empty id is
	// replaced by a generated one; a used id cancels the previous task.
	Register(task Task, delay time.Duration, priority int, id string) string
	// PersistentRegister schedules task unless a task with the same id is
	// already scheduled.
	PersistentRegister(id string, task Task, delay time.Duration, priority int) string
	// Unregister cancels a task. Unknown ids are ignored.
	Unregister(id string)
}
