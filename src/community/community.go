// Package community holds the state of one community: its identity, its
// meta messages and conversion, its logical clock, its permission timeline,
// its sync ranges and the subjective sets of its members.
package community

import (
	"fmt"
	"math"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/mosaicnetworks/dispersy/src/bloom"
	"github.com/mosaicnetworks/dispersy/src/conversion"
	"github.com/mosaicnetworks/dispersy/src/crypto"
	"github.com/mosaicnetworks/dispersy/src/member"
	"github.com/mosaicnetworks/dispersy/src/message"
	"github.com/mosaicnetworks/dispersy/src/store"
	"github.com/mosaicnetworks/dispersy/src/timeline"
)

const (
	firstCommunityMetaID = 1
	firstBuiltinMetaID   = 255
)

// Params are the collaborators of a Community.
type Params struct {
	Definition Definition
	Master     *member.Member
	MyMember   *member.Member
	Directory  *member.Directory
	Store      store.Store
	Settings   Settings
	// Builtins returns the meta messages every community carries.
	Builtins func(c *Community) ([]*message.Meta, error)
	Logger   *logrus.Entry
}

// SyncFilter is the advertisement of one sync range.
type SyncFilter struct {
	TimeLow  uint64
	TimeHigh uint64
	Bloom    *bloom.Filter
}

type subjectiveKey struct {
	member  crypto.Digest
	cluster int
}

// Community is the state of a loaded community.
type Community struct {
	sync.RWMutex

	id         crypto.Digest
	definition Definition
	master     *member.Member
	myMember   *member.Member
	store      store.Store
	settings   Settings
	logger     *logrus.Entry

	globalTime uint64
	frozenAt   uint64

	metas      map[string]*message.Meta
	ordered    []*message.Meta
	conversion *conversion.Conversion
	timeline   *timeline.Timeline
	syncRanges *bloom.SyncRanges
	subjective map[subjectiveKey]*bloom.Filter
}

// New builds a community from its definition and loads its state from the
// store.
func New(p Params) (*Community, error) {
	id := crypto.SHA1(p.Master.PublicKey())

	settings := p.Settings
	if cfg, ok := p.Definition.(Configurer); ok {
		cfg.Configure(&settings)
	}

	c := &Community{
		id:         id,
		definition: p.Definition,
		master:     p.Master,
		myMember:   p.MyMember,
		store:      p.Store,
		settings:   settings,
		logger: p.Logger.WithFields(logrus.Fields{
			"community":      id.Hex(),
			"classification": p.Definition.Classification(),
		}),
		metas:      make(map[string]*message.Meta),
		conversion: conversion.New(id, p.Directory),
		timeline:   timeline.New(p.Master.MID()),
		subjective: make(map[subjectiveKey]*bloom.Filter),
	}

	var builtins []*message.Meta
	if p.Builtins != nil {
		var err error
		if builtins, err = p.Builtins(c); err != nil {
			return nil, err
		}
	}
	metas, err := p.Definition.Metas(c)
	if err != nil {
		return nil, err
	}
	if len(builtins)+len(metas) > firstBuiltinMetaID {
		return nil, fmt.Errorf("too many meta messages: %d", len(builtins)+len(metas))
	}
	for i, m := range builtins {
		if err := c.define(m, byte(firstBuiltinMetaID-i)); err != nil {
			return nil, err
		}
	}
	for i, m := range metas {
		if err := c.define(m, byte(firstCommunityMetaID+i)); err != nil {
			return nil, err
		}
	}

	if err := c.load(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Community) define(m *message.Meta, id byte) error {
	if _, ok := c.metas[m.Name]; ok {
		return fmt.Errorf("duplicate meta message %s", m.Name)
	}
	m.ID = id
	m.Community = c.id
	if err := c.conversion.Define(m); err != nil {
		return err
	}
	c.metas[m.Name] = m
	c.ordered = append(c.ordered, m)
	return nil
}

// load restores the global time and the sync ranges from the stored packets
// and the timeline from the stored grants.
func (c *Community) load() error {
	recs, err := c.store.SyncRange(c.id, 0, math.MaxUint64)
	if err != nil {
		return fmt.Errorf("loading sync records: %w", err)
	}

	c.globalTime = 1
	times := make([]uint64, len(recs))
	packets := make([][]byte, len(recs))
	for i, r := range recs {
		times[i] = r.GlobalTime
		packets[i] = r.Packet
		if r.GlobalTime > c.globalTime {
			c.globalTime = r.GlobalTime
		}
	}

	c.syncRanges, err = bloom.Load(c.settings.SyncBloomCapacity, c.settings.SyncBloomErrorRate, times, packets)
	if err != nil {
		return fmt.Errorf("building sync ranges: %w", err)
	}

	grants, err := c.store.Grants(c.id)
	if err != nil {
		return fmt.Errorf("loading grants: %w", err)
	}
	if err := c.timeline.Load(grants); err != nil {
		return err
	}

	c.logger.WithFields(logrus.Fields{
		"global_time": c.globalTime,
		"packets":     len(recs),
		"grants":      len(grants),
	}).Debug("Loaded community")
	return nil
}

// ID returns the community id, the digest of the master public key.
func (c *Community) ID() crypto.Digest {
	return c.id
}

// Classification returns the definition's classification.
func (c *Community) Classification() string {
	return c.definition.Classification()
}

// Definition returns the application definition.
func (c *Community) Definition() Definition {
	return c.definition
}

// Master returns the master member, who holds every permission.
func (c *Community) Master() *member.Member {
	return c.master
}

// MyMember returns the member this node acts as.
func (c *Community) MyMember() *member.Member {
	return c.myMember
}

// Settings returns the community settings.
func (c *Community) Settings() Settings {
	return c.settings
}

// Conversion returns the wire codec.
func (c *Community) Conversion() *conversion.Conversion {
	return c.conversion
}

// Timeline returns the permission timeline.
func (c *Community) Timeline() *timeline.Timeline {
	return c.timeline
}

// Logger returns the community logger.
func (c *Community) Logger() *logrus.Entry {
	return c.logger
}

// Meta returns a meta message by name.
func (c *Community) Meta(name string) (*message.Meta, error) {
	m, ok := c.metas[name]
	if !ok {
		return nil, fmt.Errorf("unknown meta message %s", name)
	}
	return m, nil
}

// Metas returns the meta messages, built-in ones first.
func (c *Community) Metas() []*message.Meta {
	return append([]*message.Meta(nil), c.ordered...)
}

// GlobalTime returns the highest global time seen.
func (c *Community) GlobalTime() uint64 {
	c.RLock()
	defer c.RUnlock()
	return c.globalTime
}

// ClaimGlobalTime increments the global time and returns it.
func (c *Community) ClaimGlobalTime() uint64 {
	c.Lock()
	defer c.Unlock()
	c.globalTime++
	return c.globalTime
}

// UpdateGlobalTime raises the global time to at least t.
func (c *Community) UpdateGlobalTime(t uint64) {
	c.Lock()
	defer c.Unlock()
	if t > c.globalTime {
		c.globalTime = t
	}
}

// Freeze stops the community from accepting messages beyond globalTime.
func (c *Community) Freeze(globalTime uint64) {
	c.Lock()
	defer c.Unlock()
	if c.frozenAt == 0 || globalTime < c.frozenAt {
		c.frozenAt = globalTime
	}
}

// Frozen returns the global time at which the community was frozen.
func (c *Community) Frozen() (uint64, bool) {
	c.RLock()
	defer c.RUnlock()
	return c.frozenAt, c.frozenAt != 0
}

// AddToSyncRange records a stored packet in the sync ranges.
func (c *Community) AddToSyncRange(globalTime uint64, packet []byte) {
	c.Lock()
	defer c.Unlock()
	if err := c.syncRanges.Add(globalTime, packet); err != nil {
		c.logger.WithError(err).Error("Adding to sync range")
	}
}

// FreeSyncRange records pruned packets. Ranges that lost more than half of
// their packets are rebuilt from the store.
func (c *Community) FreeSyncRange(globalTimes []uint64) error {
	c.Lock()
	defer c.Unlock()

	var rebuild []*bloom.SyncRange
	for _, gt := range globalTimes {
		if r := c.syncRanges.Free(gt); r != nil {
			rebuild = append(rebuild, r)
		}
	}

	done := make(map[*bloom.SyncRange]bool)
	for _, r := range rebuild {
		if done[r] {
			continue
		}
		done[r] = true

		high := c.syncRanges.High(r)
		if high == 0 {
			high = math.MaxUint64
		}
		recs, err := c.store.SyncRange(c.id, r.TimeLow, high)
		if err != nil {
			return err
		}
		packets := make([][]byte, len(recs))
		for i, rec := range recs {
			packets[i] = rec.Packet
		}
		if err := c.syncRanges.Rebuild(r, packets); err != nil {
			return err
		}
	}
	return nil
}

// SyncFilters returns the bloom filters of the newest sync ranges, at most
// SyncBloomCount of them. A TimeHigh of 0 means open ended.
func (c *Community) SyncFilters() []SyncFilter {
	c.RLock()
	defer c.RUnlock()

	ranges := c.syncRanges.Ranges()
	if len(ranges) > c.settings.SyncBloomCount {
		ranges = ranges[:c.settings.SyncBloomCount]
	}
	res := make([]SyncFilter, len(ranges))
	for i, r := range ranges {
		res[i] = SyncFilter{
			TimeLow:  r.TimeLow,
			TimeHigh: c.syncRanges.High(r),
			Bloom:    r.Bloom,
		}
	}
	return res
}

// SyncRangeInfo describes one sync range.
type SyncRangeInfo struct {
	TimeLow  uint64 `json:"time_low"`
	TimeHigh uint64 `json:"time_high"`
	Count    int    `json:"count"`
	Freed    int    `json:"freed"`
	Capacity uint64 `json:"capacity"`
}

// SyncRanges describes the sync ranges, newest first.
func (c *Community) SyncRanges() []SyncRangeInfo {
	c.RLock()
	defer c.RUnlock()

	ranges := c.syncRanges.Ranges()
	res := make([]SyncRangeInfo, len(ranges))
	for i, r := range ranges {
		res[i] = SyncRangeInfo{
			TimeLow:  r.TimeLow,
			TimeHigh: c.syncRanges.High(r),
			Count:    r.Count,
			Freed:    r.Freed,
			Capacity: c.settings.SyncBloomCapacity,
		}
	}
	return res
}

// SubjectiveSet returns the subjective set of a member for a cluster.
func (c *Community) SubjectiveSet(mid crypto.Digest, cluster int) (*bloom.Filter, bool) {
	c.RLock()
	defer c.RUnlock()
	f, ok := c.subjective[subjectiveKey{mid, cluster}]
	return f, ok
}

// SetSubjectiveSet replaces the subjective set of a member for a cluster.
func (c *Community) SetSubjectiveSet(mid crypto.Digest, cluster int, f *bloom.Filter) {
	c.Lock()
	defer c.Unlock()
	c.subjective[subjectiveKey{mid, cluster}] = f
}

// InMySubjectiveSet reports whether messages of m in cluster interest us.
// Our own messages always do.
func (c *Community) InMySubjectiveSet(cluster int, m *member.Member) bool {
	if m.MID() == c.myMember.MID() {
		return true
	}
	f, ok := c.SubjectiveSet(c.myMember.MID(), cluster)
	if !ok {
		return false
	}
	return f.Contains(m.PublicKey())
}
