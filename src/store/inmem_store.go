package store

import (
	"sort"
	"sync"
	"sync/atomic"

	cm "github.com/mosaicnetworks/dispersy/src/common"
	"github.com/mosaicnetworks/dispersy/src/crypto"
)

type candidateKey struct {
	community crypto.Digest
	host      string
	port      int
}

// InmemStore implements the Store interface with in-memory maps. Nothing
// survives a restart.
type InmemStore struct {
	sync.RWMutex

	lastID      uint64
	syncs       map[crypto.Digest]map[uint64]SyncRecord
	grants      map[crypto.Digest][]GrantRecord
	candidates  map[candidateKey]CandidateRecord
	communities map[crypto.Digest]CommunityRecord
	members     map[crypto.Digest]MemberRecord
	options     map[string]string
	closed      bool
}

// NewInmemStore returns an empty InmemStore.
func NewInmemStore() *InmemStore {
	return &InmemStore{
		syncs:       make(map[crypto.Digest]map[uint64]SyncRecord),
		grants:      make(map[crypto.Digest][]GrantRecord),
		candidates:  make(map[candidateKey]CandidateRecord),
		communities: make(map[crypto.Digest]CommunityRecord),
		members:     make(map[crypto.Digest]MemberRecord),
		options:     make(map[string]string),
	}
}

// inmemTxn buffers operations and applies them in order on Commit.
type inmemTxn struct {
	store *InmemStore
	ops   []func(s *InmemStore)
	done  bool
}

// Begin implements Store.
func (s *InmemStore) Begin() (Txn, error) {
	s.RLock()
	defer s.RUnlock()
	if s.closed {
		return nil, cm.NewStoreErr("Store", cm.Closed, "")
	}
	return &inmemTxn{store: s}, nil
}

func (t *inmemTxn) InsertSync(rec *SyncRecord) error {
	rec.ID = atomic.AddUint64(&t.store.lastID, 1)
	cp := copyRecord(*rec)
	t.ops = append(t.ops, func(s *InmemStore) {
		recs, ok := s.syncs[cp.Community]
		if !ok {
			recs = make(map[uint64]SyncRecord)
			s.syncs[cp.Community] = recs
		}
		recs[cp.ID] = cp
	})
	return nil
}

func (t *inmemTxn) DeleteSync(rec SyncRecord) error {
	t.ops = append(t.ops, func(s *InmemStore) {
		delete(s.syncs[rec.Community], rec.ID)
	})
	return nil
}

func (t *inmemTxn) InsertGrant(grant GrantRecord) error {
	t.ops = append(t.ops, func(s *InmemStore) {
		s.grants[grant.Community] = append(s.grants[grant.Community], grant)
	})
	return nil
}

func (t *inmemTxn) PurgeCommunity(cid crypto.Digest, keep []string) error {
	t.ops = append(t.ops, func(s *InmemStore) {
		for id, rec := range s.syncs[cid] {
			if !containsString(keep, rec.Meta) {
				delete(s.syncs[cid], id)
			}
		}
		for k := range s.candidates {
			if k.community == cid {
				delete(s.candidates, k)
			}
		}
	})
	return nil
}

func (t *inmemTxn) Commit() error {
	if t.done {
		return cm.NewStoreErr("Txn", cm.Closed, "")
	}
	t.done = true
	t.store.Lock()
	defer t.store.Unlock()
	for _, op := range t.ops {
		op(t.store)
	}
	t.ops = nil
	return nil
}

func (t *inmemTxn) Discard() {
	t.done = true
	t.ops = nil
}

func (s *InmemStore) filter(cid crypto.Digest, keep func(SyncRecord) bool) []SyncRecord {
	s.RLock()
	defer s.RUnlock()
	res := []SyncRecord{}
	for _, rec := range s.syncs[cid] {
		if keep(rec) {
			res = append(res, copyRecord(rec))
		}
	}
	sortByGlobalTime(res)
	return res
}

// HasSync implements Store.
func (s *InmemStore) HasSync(cid crypto.Digest, meta string, signers []crypto.Digest, globalTime uint64) (bool, error) {
	key := SignersKey(signers)
	recs := s.filter(cid, func(r SyncRecord) bool {
		return r.Meta == meta && r.GlobalTime == globalTime && r.SignersKey() == key
	})
	return len(recs) > 0, nil
}

// HighestSequence implements Store.
func (s *InmemStore) HighestSequence(cid crypto.Digest, meta string, member crypto.Digest) (uint32, error) {
	var seq uint32
	for _, r := range s.filter(cid, func(r SyncRecord) bool { return r.Meta == meta && r.Member == member }) {
		if r.Sequence > seq {
			seq = r.Sequence
		}
	}
	return seq, nil
}

// SignerSetRecords implements Store.
func (s *InmemStore) SignerSetRecords(cid crypto.Digest, meta string, signers []crypto.Digest) ([]SyncRecord, error) {
	key := SignersKey(signers)
	return s.filter(cid, func(r SyncRecord) bool {
		return r.Meta == meta && r.SignersKey() == key
	}), nil
}

// MetaRecords implements Store.
func (s *InmemStore) MetaRecords(cid crypto.Digest, meta string) ([]SyncRecord, error) {
	return s.filter(cid, func(r SyncRecord) bool { return r.Meta == meta }), nil
}

// SyncRange implements Store.
func (s *InmemStore) SyncRange(cid crypto.Digest, low, high uint64) ([]SyncRecord, error) {
	return s.filter(cid, func(r SyncRecord) bool {
		return r.GlobalTime >= low && r.GlobalTime <= high
	}), nil
}

// SequenceRange implements Store.
func (s *InmemStore) SequenceRange(cid crypto.Digest, meta string, member crypto.Digest, low, high uint32) ([]SyncRecord, error) {
	res := s.filter(cid, func(r SyncRecord) bool {
		return r.Meta == meta && r.Member == member && r.Sequence >= low && r.Sequence <= high
	})
	sort.SliceStable(res, func(i, j int) bool { return res[i].Sequence < res[j].Sequence })
	return res, nil
}

// SignedBy implements Store.
func (s *InmemStore) SignedBy(cid crypto.Digest, member crypto.Digest) ([]SyncRecord, error) {
	return s.filter(cid, func(r SyncRecord) bool {
		for _, signer := range r.Signers {
			if signer == member {
				return true
			}
		}
		return false
	}), nil
}

// Grants implements Store.
func (s *InmemStore) Grants(cid crypto.Digest) ([]GrantRecord, error) {
	s.RLock()
	defer s.RUnlock()
	res := make([]GrantRecord, len(s.grants[cid]))
	copy(res, s.grants[cid])
	return res, nil
}

// Candidates implements Store.
func (s *InmemStore) Candidates(cid crypto.Digest) ([]CandidateRecord, error) {
	s.RLock()
	defer s.RUnlock()
	res := []CandidateRecord{}
	for k, c := range s.candidates {
		if k.community == cid {
			res = append(res, c)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].Host != res[j].Host {
			return res[i].Host < res[j].Host
		}
		return res[i].Port < res[j].Port
	})
	return res, nil
}

// PutCandidate implements Store.
func (s *InmemStore) PutCandidate(rec CandidateRecord) error {
	s.Lock()
	defer s.Unlock()
	s.candidates[candidateKey{rec.Community, rec.Host, rec.Port}] = rec
	return nil
}

// DeleteCandidate implements Store.
func (s *InmemStore) DeleteCandidate(cid crypto.Digest, host string, port int) error {
	s.Lock()
	defer s.Unlock()
	delete(s.candidates, candidateKey{cid, host, port})
	return nil
}

// GetCommunity implements Store.
func (s *InmemStore) GetCommunity(cid crypto.Digest) (CommunityRecord, error) {
	s.RLock()
	defer s.RUnlock()
	rec, ok := s.communities[cid]
	if !ok {
		return CommunityRecord{}, cm.NewStoreErr("Community", cm.KeyNotFound, cid.Hex())
	}
	return rec, nil
}

// PutCommunity implements Store.
func (s *InmemStore) PutCommunity(rec CommunityRecord) error {
	s.Lock()
	defer s.Unlock()
	s.communities[rec.ID] = rec
	return nil
}

// Communities implements Store.
func (s *InmemStore) Communities() ([]CommunityRecord, error) {
	s.RLock()
	defer s.RUnlock()
	res := make([]CommunityRecord, 0, len(s.communities))
	for _, c := range s.communities {
		res = append(res, c)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID.Hex() < res[j].ID.Hex() })
	return res, nil
}

// GetMember implements Store.
func (s *InmemStore) GetMember(mid crypto.Digest) (MemberRecord, error) {
	s.RLock()
	defer s.RUnlock()
	rec, ok := s.members[mid]
	if !ok {
		return MemberRecord{}, cm.NewStoreErr("Member", cm.KeyNotFound, mid.Hex())
	}
	return rec, nil
}

// PutMember implements Store.
func (s *InmemStore) PutMember(rec MemberRecord) error {
	s.Lock()
	defer s.Unlock()
	s.members[rec.MID] = rec
	return nil
}

// GetOption implements Store.
func (s *InmemStore) GetOption(key string) (string, error) {
	s.RLock()
	defer s.RUnlock()
	v, ok := s.options[key]
	if !ok {
		return "", cm.NewStoreErr("Option", cm.KeyNotFound, key)
	}
	return v, nil
}

// SetOption implements Store.
func (s *InmemStore) SetOption(key, value string) error {
	s.Lock()
	defer s.Unlock()
	s.options[key] = value
	return nil
}

// Close implements Store.
func (s *InmemStore) Close() error {
	s.Lock()
	defer s.Unlock()
	s.closed = true
	return nil
}

func copyRecord(r SyncRecord) SyncRecord {
	r.Signers = append([]crypto.Digest(nil), r.Signers...)
	r.Packet = append([]byte(nil), r.Packet...)
	return r
}
