package candidate

import (
	"math/rand"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/sirupsen/logrus"

	"github.com/mosaicnetworks/dispersy/src/common"
	"github.com/mosaicnetworks/dispersy/src/crypto"
	"github.com/mosaicnetworks/dispersy/src/store"
)

const (
	optionExternalIP   = "my_external_ip"
	optionExternalPort = "my_external_port"
)

// Registry is the candidate table of every community plus the external
// address vote. Changes are written through to the store.
type Registry struct {
	sync.Mutex

	store  store.Store
	logger *logrus.Entry
	now    func() time.Time
	rand   *rand.Rand

	candidates map[crypto.Digest]map[common.Address]*Candidate

	external      common.Address
	votes         map[common.Address]mapset.Set[common.Address]
	onExternalSet func(common.Address)
}

// NewRegistry returns a Registry. The external address is restored from the
// store options, or defaults to local.
func NewRegistry(s store.Store, local common.Address, logger *logrus.Entry) *Registry {
	r := &Registry{
		store:      s,
		logger:     logger,
		now:        time.Now,
		rand:       rand.New(rand.NewSource(time.Now().UnixNano())),
		candidates: make(map[crypto.Digest]map[common.Address]*Candidate),
		external:   local,
		votes:      make(map[common.Address]mapset.Set[common.Address]),
	}

	ip, errIP := s.GetOption(optionExternalIP)
	port, errPort := s.GetOption(optionExternalPort)
	if errIP == nil && errPort == nil {
		if p, err := strconv.Atoi(port); err == nil {
			r.external = common.NewAddress(ip, p)
		}
	}

	if err := r.load(SeedCommunity); err != nil {
		logger.WithError(err).Error("Loading seed candidates")
	}

	return r
}

// SetClock replaces the time source.
func (r *Registry) SetClock(now func() time.Time) {
	r.Lock()
	defer r.Unlock()
	r.now = now
}

// OnExternalAddressChanged sets the function called after the vote elects a
// new external address.
func (r *Registry) OnExternalAddressChanged(f func(common.Address)) {
	r.Lock()
	defer r.Unlock()
	r.onExternalSet = f
}

// ExternalAddress returns the address at which we believe others see us.
func (r *Registry) ExternalAddress() common.Address {
	r.Lock()
	defer r.Unlock()
	return r.external
}

// Load reads the stored candidates of a community.
func (r *Registry) Load(cid crypto.Digest) error {
	r.Lock()
	defer r.Unlock()
	return r.load(cid)
}

func (r *Registry) load(cid crypto.Digest) error {
	recs, err := r.store.Candidates(cid)
	if err != nil {
		return err
	}
	table := r.table(cid)
	for _, rec := range recs {
		c := fromRecord(rec)
		if !r.isValidCandidate(c.Address) {
			r.deleteRow(cid, c.Address)
			continue
		}
		table[c.Address] = c
	}
	return nil
}

func (r *Registry) deleteRow(cid crypto.Digest, addr common.Address) {
	if err := r.store.DeleteCandidate(cid, addr.Host, addr.Port); err != nil && !common.IsStore(err, common.KeyNotFound) {
		r.logger.WithError(err).WithField("address", addr).Error("Deleting candidate")
	}
}

// forgetAddress removes addr from every candidate table, stored communities
// that are not loaded included.
func (r *Registry) forgetAddress(addr common.Address) {
	cids := mapset.NewThreadUnsafeSet[crypto.Digest]()
	cids.Add(SeedCommunity)
	for cid := range r.candidates {
		cids.Add(cid)
	}
	recs, err := r.store.Communities()
	if err != nil {
		r.logger.WithError(err).Error("Listing communities")
	}
	for _, rec := range recs {
		cids.Add(rec.ID)
	}

	for cid := range cids.Iter() {
		if table, ok := r.candidates[cid]; ok {
			delete(table, addr)
		}
		r.deleteRow(cid, addr)
	}
}

// Forget drops the in-memory candidates of a community. The store rows are
// not touched.
func (r *Registry) Forget(cid crypto.Digest) {
	r.Lock()
	defer r.Unlock()
	delete(r.candidates, cid)
}

func (r *Registry) table(cid crypto.Digest) map[common.Address]*Candidate {
	t, ok := r.candidates[cid]
	if !ok {
		t = make(map[common.Address]*Candidate)
		r.candidates[cid] = t
	}
	return t
}

func (r *Registry) persist(cid crypto.Digest, c *Candidate) {
	if err := r.store.PutCandidate(c.record(cid)); err != nil {
		r.logger.WithError(err).WithField("address", c.Address).Error("Storing candidate")
	}
}

// IsValidExternalAddress reports whether addr can be a candidate: a routable
// looking address that is not our own.
func (r *Registry) IsValidExternalAddress(addr common.Address) bool {
	r.Lock()
	defer r.Unlock()
	return r.isValidCandidate(addr)
}

func (r *Registry) isValidCandidate(addr common.Address) bool {
	if !isValidAddress(addr) {
		return false
	}
	if addr == r.external {
		return false
	}
	if addr == common.NewAddress("127.0.0.1", r.external.Port) {
		return false
	}
	return true
}

func isValidAddress(addr common.Address) bool {
	if addr.Host == "" || addr.Port <= 0 {
		return false
	}
	if strings.HasSuffix(addr.Host, ".0") || strings.HasSuffix(addr.Host, ".255") {
		return false
	}
	return true
}

// RecordIncoming marks that a packet of the community arrived from addr.
func (r *Registry) RecordIncoming(cid crypto.Digest, addr common.Address) {
	r.Lock()
	defer r.Unlock()

	if !r.isValidCandidate(addr) {
		return
	}

	table := r.table(cid)
	c, ok := table[addr]
	if !ok {
		c = &Candidate{Address: addr}
		table[addr] = c
	}
	c.Incoming = r.now()
	r.persist(cid, c)
}

// RecordOutgoing marks that a packet was sent to addr, in every community
// that knows it.
func (r *Registry) RecordOutgoing(addr common.Address) {
	r.Lock()
	defer r.Unlock()

	now := r.now()
	for cid, table := range r.candidates {
		if c, ok := table[addr]; ok {
			c.Outgoing = now
			r.persist(cid, c)
		}
	}
}

// RecordExternalClaim counts the vote of voter for addr being our external
// address. The address with the most distinct voters wins; a challenger
// replaces the current address once it has at least as many votes.
func (r *Registry) RecordExternalClaim(addr common.Address, voter common.Address) {
	r.Lock()

	if !isValidAddress(addr) {
		r.Unlock()
		return
	}

	votes, ok := r.votes[addr]
	if !ok {
		votes = mapset.NewThreadUnsafeSet[common.Address]()
		r.votes[addr] = votes
	}
	votes.Add(voter)

	current := 0
	if v, ok := r.votes[r.external]; ok {
		current = v.Cardinality()
	}

	if addr == r.external || votes.Cardinality() < current {
		r.Unlock()
		return
	}

	r.logger.WithFields(logrus.Fields{
		"old": r.external,
		"new": addr,
	}).Info("Update external address")

	r.external = addr
	if err := r.store.SetOption(optionExternalIP, addr.Host); err != nil {
		r.logger.WithError(err).Error("Storing external address")
	}
	if err := r.store.SetOption(optionExternalPort, strconv.Itoa(addr.Port)); err != nil {
		r.logger.WithError(err).Error("Storing external address")
	}
	r.forgetAddress(addr)

	cb := r.onExternalSet
	r.Unlock()

	if cb != nil {
		cb(addr)
	}
}

// ExternalAddressVote is RecordExternalClaim.
func (r *Registry) ExternalAddressVote(addr common.Address, voter common.Address) {
	r.RecordExternalClaim(addr, voter)
}

// UpdateRoutes merges addresses reported by a third party.
func (r *Registry) UpdateRoutes(cid crypto.Digest, routes []Route) {
	r.Lock()
	defer r.Unlock()

	now := r.now()
	table := r.table(cid)
	for _, route := range routes {
		addr := route.Address()
		if !r.isValidCandidate(addr) {
			r.logger.WithField("address", addr).Debug("Dropping invalid route")
			continue
		}
		c, ok := table[addr]
		if !ok {
			c = &Candidate{Address: addr}
			table[addr] = c
		}
		c.External = now.Add(-route.Duration())
		r.persist(cid, c)
	}
}

// AddSeed adds an address that is tried when no community candidate is
// available.
func (r *Registry) AddSeed(addr common.Address) {
	r.Lock()
	defer r.Unlock()

	table := r.table(SeedCommunity)
	if _, ok := table[addr]; ok {
		return
	}
	c := &Candidate{Address: addr}
	table[addr] = c
	r.persist(SeedCommunity, c)
}

// Len returns the number of candidates of a community.
func (r *Registry) Len(cid crypto.Digest) int {
	r.Lock()
	defer r.Unlock()
	return len(r.candidates[cid])
}

func (r *Registry) list(cid crypto.Digest) []Candidate {
	table := r.candidates[cid]
	res := make([]Candidate, 0, len(table))
	for _, c := range table {
		if !r.isValidCandidate(c.Address) {
			continue
		}
		res = append(res, *c)
	}
	return res
}

// OnlineCandidates returns up to limit candidates, most recently heard from
// first.
func (r *Registry) OnlineCandidates(cid crypto.Digest, limit int) []Candidate {
	r.Lock()
	defer r.Unlock()

	res := r.list(cid)
	sort.Slice(res, func(i, j int) bool {
		if !res[i].Incoming.Equal(res[j].Incoming) {
			return res[i].Incoming.After(res[j].Incoming)
		}
		return res[i].Address.Less(res[j].Address)
	})
	if len(res) > limit {
		res = res[:limit]
	}
	return res
}

// MixedCandidates returns up to limit distinct candidates, taken in order
// from: peers whose incoming and outgoing times differ by a duration in
// diffRange or whose last incoming age is in ageRange; peers reported by a
// third party with an age in ageRange; seeds; any other candidate.
func (r *Registry) MixedCandidates(cid crypto.Digest, limit int, diffRange, ageRange Range) []Candidate {
	r.Lock()
	defer r.Unlock()

	now := r.now()
	unique := mapset.NewThreadUnsafeSet[common.Address]()
	res := make([]Candidate, 0, limit)

	pick := func(cands []Candidate, accept func(c Candidate) bool) {
		r.rand.Shuffle(len(cands), func(i, j int) { cands[i], cands[j] = cands[j], cands[i] })
		for _, c := range cands {
			if len(res) >= limit {
				return
			}
			if !accept(c) || unique.Contains(c.Address) {
				continue
			}
			unique.Add(c.Address)
			res = append(res, c)
		}
	}

	pick(r.list(cid), func(c Candidate) bool {
		if c.Incoming.IsZero() {
			return false
		}
		if !c.Outgoing.IsZero() {
			diff := c.Outgoing.Sub(c.Incoming)
			if diff < 0 {
				diff = -diff
			}
			if diffRange.Contains(diff) {
				return true
			}
		}
		return ageRange.Contains(now.Sub(c.Incoming))
	})
	pick(r.list(cid), func(c Candidate) bool {
		return !c.External.IsZero() && ageRange.Contains(now.Sub(c.External))
	})
	pick(r.list(SeedCommunity), func(c Candidate) bool {
		return r.isValidCandidate(c.Address)
	})
	pick(r.list(cid), func(c Candidate) bool { return true })

	return res
}

// Routes returns up to limit candidates heard from between minAge and
// maxAge ago, youngest first.
func (r *Registry) Routes(cid crypto.Digest, ages Range, limit int) []Route {
	r.Lock()
	defer r.Unlock()

	now := r.now()
	var res []Route
	for _, c := range r.candidates[cid] {
		if c.Incoming.IsZero() {
			continue
		}
		if age := now.Sub(c.Incoming); ages.Contains(age) {
			res = append(res, NewRoute(c.Address, age))
		}
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].Age != res[j].Age {
			return res[i].Age < res[j].Age
		}
		return res[i].Address().Less(res[j].Address())
	})
	if len(res) > limit {
		res = res[:limit]
	}
	return res
}

// Cleanup removes the candidates not heard from for longer than maxAge and
// returns how many were removed. Candidates only known from routes age from
// their report time.
func (r *Registry) Cleanup(cid crypto.Digest, maxAge time.Duration) int {
	r.Lock()
	defer r.Unlock()

	now := r.now()
	removed := 0
	for addr, c := range r.candidates[cid] {
		last := c.Incoming
		if last.IsZero() {
			last = c.External
		}
		if now.Sub(last) <= maxAge {
			continue
		}
		delete(r.candidates[cid], addr)
		r.deleteRow(cid, addr)
		removed++
	}
	return removed
}
