// Package trigger suspends work until a message with a given footprint is
// accepted.
//
// A trigger holds a footprint pattern, the suspended packets or messages, and
// a timeout. When an accepted message matches the pattern the trigger resumes
// its items; when the timeout expires first it resumes them with satisfied
// set to false. Exactly one of the two happens. Await triggers instead
// deliver every matching message to a response callback, up to a budget.
package trigger

import (
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/mosaicnetworks/dispersy/src/callback"
	"github.com/mosaicnetworks/dispersy/src/message"
	"github.com/mosaicnetworks/dispersy/src/net"
	"github.com/sirupsen/logrus"
)

// ResumePriority is the scheduler priority of resumed work.
const ResumePriority = 256

type kind int

const (
	packetTrigger kind = iota
	messageTrigger
	awaitTrigger
)

func (k kind) String() string {
	switch k {
	case packetTrigger:
		return "packet"
	case messageTrigger:
		return "message"
	default:
		return "await"
	}
}

type trigger struct {
	id      string
	kind    kind
	pattern *regexp.Regexp

	packets       []net.Packet
	resumePackets func(packets []net.Packet, satisfied bool)

	messages       []*message.Message
	resumeMessages func(msgs []*message.Message, satisfied bool)

	response func(msg *message.Message)
	budget   int
}

// Registry owns the pending triggers of a node.
type Registry struct {
	l         sync.Mutex
	scheduler callback.Scheduler
	triggers  []*trigger
	counter   int
	logger    *logrus.Entry
}

// NewRegistry returns an empty Registry.
func NewRegistry(scheduler callback.Scheduler, logger *logrus.Entry) *Registry {
	return &Registry{
		scheduler: scheduler,
		logger:    logger,
	}
}

// Len returns the number of pending triggers.
func (r *Registry) Len() int {
	r.l.Lock()
	defer r.l.Unlock()
	return len(r.triggers)
}

// find returns the pending trigger of a kind with the same pattern.
func (r *Registry) find(k kind, pattern *regexp.Regexp) *trigger {
	for _, t := range r.triggers {
		if t.kind == k && t.pattern.String() == pattern.String() {
			return t
		}
	}
	return nil
}

func (r *Registry) add(t *trigger, timeout time.Duration) {
	r.counter++
	t.id = fmt.Sprintf("trigger-%d", r.counter)
	r.triggers = append(r.triggers, t)
	r.scheduler.Register(callback.Once(func() { r.expire(t) }), timeout, ResumePriority, t.id)

	r.logger.WithFields(logrus.Fields{
		"kind":    t.kind,
		"pattern": t.pattern.String(),
		"timeout": timeout,
	}).Debug("Trigger registered")
}

// remove takes t out of the pending list. It returns false if t was already
// resolved.
func (r *Registry) remove(t *trigger) bool {
	for i, x := range r.triggers {
		if x == t {
			r.triggers = append(r.triggers[:i], r.triggers[i+1:]...)
			return true
		}
	}
	return false
}

// DelayPackets suspends packets that cannot be decoded yet. It returns true
// when an existing trigger with the same pattern was extended, in which case
// the prerequisite has already been requested.
func (r *Registry) DelayPackets(pattern *regexp.Regexp, packets []net.Packet, resume func(packets []net.Packet, satisfied bool), timeout time.Duration) bool {
	r.l.Lock()
	defer r.l.Unlock()

	if t := r.find(packetTrigger, pattern); t != nil {
		t.packets = append(t.packets, packets...)
		return true
	}
	r.add(&trigger{
		kind:          packetTrigger,
		pattern:       pattern,
		packets:       packets,
		resumePackets: resume,
	}, timeout)
	return false
}

// DelayMessages suspends decoded messages that failed a check. It returns
// true when an existing trigger was extended.
func (r *Registry) DelayMessages(pattern *regexp.Regexp, msgs []*message.Message, resume func(msgs []*message.Message, satisfied bool), timeout time.Duration) bool {
	r.l.Lock()
	defer r.l.Unlock()

	if t := r.find(messageTrigger, pattern); t != nil {
		t.messages = append(t.messages, msgs...)
		return true
	}
	r.add(&trigger{
		kind:           messageTrigger,
		pattern:        pattern,
		messages:       msgs,
		resumeMessages: resume,
	}, timeout)
	return false
}

// Await calls response with each accepted message matching pattern, at most
// maxResponses times. If the timeout expires first, response is called once
// with nil.
func (r *Registry) Await(pattern *regexp.Regexp, response func(msg *message.Message), maxResponses int, timeout time.Duration) {
	r.l.Lock()
	defer r.l.Unlock()

	if maxResponses < 1 {
		maxResponses = 1
	}
	r.add(&trigger{
		kind:     awaitTrigger,
		pattern:  pattern,
		response: response,
		budget:   maxResponses,
	}, timeout)
}

// OnMessages resolves the triggers matched by newly accepted messages.
func (r *Registry) OnMessages(msgs []*message.Message) {
	if len(msgs) == 0 {
		return
	}
	footprints := make([]string, len(msgs))
	for i, m := range msgs {
		footprints[i] = m.Footprint()
	}

	type delivery struct {
		t   *trigger
		msg *message.Message
	}
	deliveries := []delivery{}

	r.l.Lock()
	for _, t := range append([]*trigger(nil), r.triggers...) {
		for i, fp := range footprints {
			if !t.pattern.MatchString(fp) {
				continue
			}
			if t.kind == awaitTrigger {
				deliveries = append(deliveries, delivery{t, msgs[i]})
				t.budget--
				if t.budget > 0 {
					continue
				}
			}
			r.remove(t)
			r.scheduler.Unregister(t.id)
			if t.kind != awaitTrigger {
				r.resume(t, true)
			}
			break
		}
	}
	r.l.Unlock()

	for _, d := range deliveries {
		d.t.response(d.msg)
	}
}

// resume schedules the resumption of a packet or message trigger.
func (r *Registry) resume(t *trigger, satisfied bool) {
	r.logger.WithFields(logrus.Fields{
		"kind":      t.kind,
		"pattern":   t.pattern.String(),
		"satisfied": satisfied,
	}).Debug("Trigger resolved")

	switch t.kind {
	case packetTrigger:
		packets := t.packets
		r.scheduler.Register(callback.Once(func() { t.resumePackets(packets, satisfied) }), 0, ResumePriority, "")
	case messageTrigger:
		msgs := t.messages
		r.scheduler.Register(callback.Once(func() { t.resumeMessages(msgs, satisfied) }), 0, ResumePriority, "")
	}
}

func (r *Registry) expire(t *trigger) {
	r.l.Lock()
	if !r.remove(t) {
		r.l.Unlock()
		return
	}
	if t.kind != awaitTrigger {
		r.resume(t, false)
		r.l.Unlock()
		return
	}
	r.l.Unlock()

	r.logger.WithField("pattern", t.pattern.String()).Debug("Await timed out")
	t.response(nil)
}
