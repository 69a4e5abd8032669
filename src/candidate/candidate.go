// Package candidate keeps track of the addresses at which other peers of a
// community can be reached, and of the address at which this node is seen by
// others.
package candidate

import (
	"time"

	"github.com/mosaicnetworks/dispersy/src/common"
	"github.com/mosaicnetworks/dispersy/src/crypto"
	"github.com/mosaicnetworks/dispersy/src/store"
)

// SeedCommunity is the community id under which seed addresses are kept.
var SeedCommunity crypto.Digest

// Candidate is a known address with the times of the last packet received
// from it, the last packet sent to it and the last time a third party
// reported it. A zero time means never.
type Candidate struct {
	Address  common.Address
	Incoming time.Time
	Outgoing time.Time
	External time.Time
}

func (c *Candidate) record(cid crypto.Digest) store.CandidateRecord {
	return store.CandidateRecord{
		Community: cid,
		Host:      c.Address.Host,
		Port:      c.Address.Port,
		Incoming:  c.Incoming,
		Outgoing:  c.Outgoing,
		External:  c.External,
	}
}

func fromRecord(rec store.CandidateRecord) *Candidate {
	return &Candidate{
		Address:  common.NewAddress(rec.Host, rec.Port),
		Incoming: rec.Incoming,
		Outgoing: rec.Outgoing,
		External: rec.External,
	}
}

// Route is an address advertised by another peer, with the time since that
// peer last heard from it.
type Route struct {
	Host string  `codec:"host"`
	Port int     `codec:"port"`
	Age  float64 `codec:"age"`
}

// NewRoute returns a Route.
func NewRoute(addr common.Address, age time.Duration) Route {
	return Route{Host: addr.Host, Port: addr.Port, Age: age.Seconds()}
}

// Address returns the advertised address.
func (r Route) Address() common.Address {
	return common.NewAddress(r.Host, r.Port)
}

// Duration returns the age as a time.Duration.
func (r Route) Duration() time.Duration {
	return time.Duration(r.Age * float64(time.Second))
}

// Range is an inclusive interval of durations.
type Range struct {
	Min time.Duration
	Max time.Duration
}

// Contains reports whether Min <= d <= Max.
func (r Range) Contains(d time.Duration) bool {
	return d >= r.Min && d <= r.Max
}
