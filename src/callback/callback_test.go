package callback

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mosaicnetworks/dispersy/src/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManualOrdering(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	order := []string{}
	record := func(s string) Task { return Once(func() { order = append(order, s) }) }

	m.Register(record("late"), 2*time.Second, 0, "")
	m.Register(record("low"), time.Second, 1, "")
	m.Register(record("high"), time.Second, 10, "")
	m.Register(record("low-again"), time.Second, 1, "")

	m.Advance(500 * time.Millisecond)
	assert.Empty(t, order)

	m.Advance(time.Second)
	assert.Equal(t, []string{"high", "low", "low-again"}, order)

	m.Advance(time.Second)
	assert.Equal(t, []string{"high", "low", "low-again", "late"}, order)
	assert.Equal(t, 0, m.Len())
}

func TestManualRepeatingTask(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	runs := 0
	m.Register(func() time.Duration {
		runs++
		if runs == 3 {
			return Stop
		}
		return 10 * time.Second
	}, 0, 0, "sync")

	m.Advance(time.Minute)
	assert.Equal(t, 3, runs)
	assert.False(t, m.Scheduled("sync"))
}

func TestUnregisterAndPersistent(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	ran := map[string]int{}
	count := func(s string) Task { return Once(func() { ran[s]++ }) }

	m.Register(count("cancelled"), time.Second, 0, "timeout")
	m.Unregister("timeout")
	m.Unregister("unknown")

	m.PersistentRegister("batch", count("first"), time.Second, 0)
	m.PersistentRegister("batch", count("second"), 0, 0)

	// registering a used id replaces the task
	m.Register(count("old"), time.Second, 0, "replace")
	m.Register(count("new"), time.Second, 0, "replace")

	m.Advance(2 * time.Second)
	assert.Equal(t, map[string]int{"first": 1, "new": 1}, ran)
}

func TestTaskCancelsItself(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	runs := 0
	m.Register(func() time.Duration {
		runs++
		m.Unregister("self")
		return time.Second
	}, 0, 0, "self")

	m.Advance(time.Minute)
	assert.Equal(t, 1, runs)
}

func TestCallbackRun(t *testing.T) {
	c := NewCallback(common.NewTestEntry(t, "callback"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	var (
		l     sync.Mutex
		order []int
	)
	wg := sync.WaitGroup{}
	wg.Add(3)
	for i, delay := range []time.Duration{30 * time.Millisecond, 10 * time.Millisecond, 20 * time.Millisecond} {
		i := i
		c.Register(Once(func() {
			l.Lock()
			order = append(order, i)
			l.Unlock()
			wg.Done()
		}), delay, 0, "")
	}

	// a panicking task does not stop the worker
	c.Register(Once(func() { panic("boom") }), 0, 0, "")

	wg.Wait()
	assert.Equal(t, []int{1, 2, 0}, order)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}
