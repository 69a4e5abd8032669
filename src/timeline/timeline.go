// Package timeline keeps the permission history of a community.
//
// Permissions are granted and revoked by dispersy-authorize and
// dispersy-revoke messages. Each one becomes an event stamped with the global
// time of the message. An event only counts if its signer held the
// authorize (or revoke) permission for that meta strictly before the event.
// The master member holds every permission. Evaluation only depends on the
// set of events, never on the order in which they arrived.
package timeline

import (
	"fmt"
	"sync"

	"github.com/mosaicnetworks/dispersy/src/crypto"
	"github.com/mosaicnetworks/dispersy/src/message"
	"github.com/mosaicnetworks/dispersy/src/store"
)

// Permission is a right on one meta.
type Permission string

const (
	// Permit allows creating messages of the meta.
	Permit Permission = "permit"
	// Authorize allows granting permissions on the meta.
	Authorize Permission = "authorize"
	// Revoke allows revoking permissions on the meta.
	Revoke Permission = "revoke"
)

// ParsePermission validates a permission name.
func ParsePermission(s string) (Permission, error) {
	switch p := Permission(s); p {
	case Permit, Authorize, Revoke:
		return p, nil
	}
	return "", fmt.Errorf("unknown permission %q", s)
}

// Triplet is one (member, meta, permission) entry of an authorize or revoke
// message.
type Triplet struct {
	Member     crypto.Digest
	Meta       string
	Permission Permission
}

type event struct {
	signer     crypto.Digest
	globalTime uint64
	triplet    Triplet
	revoke     bool
}

type key struct {
	member     crypto.Digest
	meta       string
	permission Permission
}

// Timeline is the permission history of one community.
type Timeline struct {
	sync.RWMutex

	master crypto.Digest
	events map[key][]event
}

// New returns an empty timeline where master holds every permission.
func New(master crypto.Digest) *Timeline {
	return &Timeline{
		master: master,
		events: make(map[key][]event),
	}
}

// Authorize records the grants of a dispersy-authorize message.
func (t *Timeline) Authorize(signer crypto.Digest, globalTime uint64, triplets []Triplet) {
	t.add(signer, globalTime, triplets, false)
}

// Revoke records the revocations of a dispersy-revoke message.
func (t *Timeline) Revoke(signer crypto.Digest, globalTime uint64, triplets []Triplet) {
	t.add(signer, globalTime, triplets, true)
}

func (t *Timeline) add(signer crypto.Digest, globalTime uint64, triplets []Triplet, revoke bool) {
	t.Lock()
	defer t.Unlock()
	for _, tr := range triplets {
		k := key{tr.Member, tr.Meta, tr.Permission}
		e := event{signer: signer, globalTime: globalTime, triplet: tr, revoke: revoke}
		if !containsEvent(t.events[k], e) {
			t.events[k] = append(t.events[k], e)
		}
	}
}

func containsEvent(events []event, e event) bool {
	for _, x := range events {
		if x == e {
			return true
		}
	}
	return false
}

// Load replays stored grants.
func (t *Timeline) Load(grants []store.GrantRecord) error {
	for _, g := range grants {
		p, err := ParsePermission(g.Permission)
		if err != nil {
			return err
		}
		t.add(g.Signer, g.GlobalTime, []Triplet{{g.Member, g.Meta, p}}, g.Revoke)
	}
	return nil
}

// Records converts triplets into store rows.
func Records(cid, signer crypto.Digest, globalTime uint64, triplets []Triplet, revoke bool) []store.GrantRecord {
	res := make([]store.GrantRecord, len(triplets))
	for i, tr := range triplets {
		res[i] = store.GrantRecord{
			Community:  cid,
			Signer:     signer,
			GlobalTime: globalTime,
			Member:     tr.Member,
			Meta:       tr.Meta,
			Permission: string(tr.Permission),
			Revoke:     revoke,
		}
	}
	return res
}

// Allowed reports whether member held permission on meta at globalTime.
func (t *Timeline) Allowed(member crypto.Digest, meta string, permission Permission, globalTime uint64) bool {
	t.RLock()
	defer t.RUnlock()
	return t.allowed(member, meta, permission, globalTime)
}

func (t *Timeline) allowed(member crypto.Digest, meta string, permission Permission, globalTime uint64) bool {
	if member == t.master {
		return true
	}

	var (
		latest uint64
		found  bool
		result bool
	)
	for _, e := range t.events[key{member, meta, permission}] {
		if e.globalTime >= globalTime {
			continue
		}
		needed := Authorize
		if e.revoke {
			needed = Revoke
		}
		if !t.allowed(e.signer, meta, needed, e.globalTime) {
			continue
		}
		switch {
		case !found || e.globalTime > latest:
			latest, found, result = e.globalTime, true, !e.revoke
		case e.globalTime == latest && e.revoke:
			result = false
		}
	}
	return found && result
}

// Check reports whether every signer of a Linear message held the permit
// right at the message's global time. Public messages always pass.
func (t *Timeline) Check(msg *message.Message) bool {
	switch msg.Meta.Resolution.(type) {
	case message.PublicResolution:
		return true
	case message.LinearResolution:
		for _, mid := range msg.Signers() {
			if !t.Allowed(mid, msg.Meta.Name, Permit, msg.GlobalTime()) {
				return false
			}
		}
		return true
	default:
		panic(fmt.Sprintf("unknown resolution %T", msg.Meta.Resolution))
	}
}

// CheckGrants reports whether signer may assert every triplet at globalTime,
// through authorize (or revoke when revoke is set).
func (t *Timeline) CheckGrants(signer crypto.Digest, globalTime uint64, triplets []Triplet, revoke bool) bool {
	needed := Authorize
	if revoke {
		needed = Revoke
	}
	for _, tr := range triplets {
		if !t.Allowed(signer, tr.Meta, needed, globalTime) {
			return false
		}
	}
	return true
}

// Len returns the number of recorded events.
func (t *Timeline) Len() int {
	t.RLock()
	defer t.RUnlock()
	n := 0
	for _, evs := range t.events {
		n += len(evs)
	}
	return n
}
