package dispersy

import (
	"sync"
	"time"
)

// Counter is a number of packets and their size.
type Counter struct {
	Count int `json:"count"`
	Bytes int `json:"bytes"`
}

func (c *Counter) add(bytes int) {
	c.Count++
	c.Bytes += bytes
}

// Statistics counts the traffic and the pipeline verdicts of a node. Drops
// and delays are keyed by reason, successes by meta name.
type Statistics struct {
	sync.Mutex

	start    time.Time
	received Counter
	sent     Counter
	success  map[string]Counter
	drop     map[string]Counter
	delay    map[string]Counter
}

// NewStatistics returns empty statistics started at now.
func NewStatistics(now time.Time) *Statistics {
	s := &Statistics{}
	s.Reset(now)
	return s
}

// Reset clears every counter.
func (s *Statistics) Reset(now time.Time) {
	s.Lock()
	defer s.Unlock()
	s.start = now
	s.received = Counter{}
	s.sent = Counter{}
	s.success = make(map[string]Counter)
	s.drop = make(map[string]Counter)
	s.delay = make(map[string]Counter)
}

// Received counts an incoming packet.
func (s *Statistics) Received(bytes int) {
	s.Lock()
	defer s.Unlock()
	s.received.add(bytes)
}

// Sent counts an outgoing packet.
func (s *Statistics) Sent(bytes int) {
	s.Lock()
	defer s.Unlock()
	s.sent.add(bytes)
}

// Success counts an accepted message of meta name.
func (s *Statistics) Success(name string, bytes int) {
	s.Lock()
	defer s.Unlock()
	incr(s.success, name, bytes)
}

// Drop counts a dropped packet or message.
func (s *Statistics) Drop(reason string, bytes int) {
	s.Lock()
	defer s.Unlock()
	incr(s.drop, reason, bytes)
}

// Delay counts a delayed packet or message.
func (s *Statistics) Delay(reason string, bytes int) {
	s.Lock()
	defer s.Unlock()
	incr(s.delay, reason, bytes)
}

func incr(m map[string]Counter, key string, bytes int) {
	c := m[key]
	c.add(bytes)
	m[key] = c
}

// StatisticsInfo is a snapshot of Statistics.
type StatisticsInfo struct {
	Start    time.Time          `json:"start"`
	Received Counter            `json:"received"`
	Sent     Counter            `json:"sent"`
	Success  map[string]Counter `json:"success"`
	Drop     map[string]Counter `json:"drop"`
	Delay    map[string]Counter `json:"delay"`
}

// Snapshot copies the counters.
func (s *Statistics) Snapshot() StatisticsInfo {
	s.Lock()
	defer s.Unlock()
	return StatisticsInfo{
		Start:    s.start,
		Received: s.received,
		Sent:     s.sent,
		Success:  copyCounters(s.success),
		Drop:     copyCounters(s.drop),
		Delay:    copyCounters(s.delay),
	}
}

func copyCounters(m map[string]Counter) map[string]Counter {
	res := make(map[string]Counter, len(m))
	for k, v := range m {
		res[k] = v
	}
	return res
}

// Dropped returns the drop counter of a reason.
func (s *Statistics) Dropped(reason string) Counter {
	s.Lock()
	defer s.Unlock()
	return s.drop[reason]
}

// Delayed returns the delay counter of a reason.
func (s *Statistics) Delayed(reason string) Counter {
	s.Lock()
	defer s.Unlock()
	return s.delay[reason]
}

// Succeeded returns the success counter of a meta name.
func (s *Statistics) Succeeded(name string) Counter {
	s.Lock()
	defer s.Unlock()
	return s.success[name]
}
