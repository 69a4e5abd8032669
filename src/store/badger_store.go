package store

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/dgraph-io/badger"
	cm "github.com/mosaicnetworks/dispersy/src/common"
	"github.com/mosaicnetworks/dispersy/src/crypto"
)

const (
	syncPrefix      = "sync"
	signerSetPrefix = "set"
	memberSeqPrefix = "mseq"
	metaPrefix      = "meta"
	refPrefix       = "ref"
	grantPrefix     = "grant"
	candidatePrefix = "cand"
	communityPrefix = "comm"
	memberPrefix    = "member"
	optionPrefix    = "option"
	idSequenceKey   = "seq_id"
)

// candidateValue is the stored form of a CandidateRecord; times are unix
// nanoseconds, 0 meaning never.
type candidateValue struct {
	Community crypto.Digest
	Host      string
	Port      int
	Incoming  int64
	Outgoing  int64
	External  int64
}

// BadgerStore implements the Store interface on top of a badger key-value
// database. Every table is a key prefix; secondary indexes map to the key of
// the sync record.
type BadgerStore struct {
	db   *badger.DB
	seq  *badger.Sequence
	path string
}

// NewBadgerStore opens, or creates, the database in path.
func NewBadgerStore(path string) (*BadgerStore, error) {
	if err := os.MkdirAll(path, 0700); err != nil {
		return nil, err
	}

	opts := badger.DefaultOptions(path)
	opts.SyncWrites = false

	handle, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	seq, err := handle.GetSequence([]byte(idSequenceKey), 100)
	if err != nil {
		handle.Close()
		return nil, err
	}

	return &BadgerStore{
		db:   handle,
		seq:  seq,
		path: path,
	}, nil
}

// StorePath returns the database directory.
func (s *BadgerStore) StorePath() string {
	return s.path
}

func syncKey(cid crypto.Digest, globalTime uint64, id uint64) []byte {
	return []byte(fmt.Sprintf("%s_%s_%020d_%020d", syncPrefix, cid.Hex(), globalTime, id))
}

func syncCommunityPrefix(cid crypto.Digest) []byte {
	return []byte(fmt.Sprintf("%s_%s_", syncPrefix, cid.Hex()))
}

func signerSetIndexPrefix(cid crypto.Digest, meta string, signers string) []byte {
	return []byte(fmt.Sprintf("%s_%s_%s_%s_", signerSetPrefix, cid.Hex(), meta, signers))
}

func signerSetKey(rec SyncRecord) []byte {
	return []byte(fmt.Sprintf("%s%020d_%020d", signerSetIndexPrefix(rec.Community, rec.Meta, rec.SignersKey()), rec.GlobalTime, rec.ID))
}

func memberSeqIndexPrefix(cid crypto.Digest, meta string, member crypto.Digest) []byte {
	return []byte(fmt.Sprintf("%s_%s_%s_%s_", memberSeqPrefix, cid.Hex(), meta, member.Hex()))
}

func memberSeqKey(rec SyncRecord) []byte {
	return []byte(fmt.Sprintf("%s%010d_%020d", memberSeqIndexPrefix(rec.Community, rec.Meta, rec.Member), rec.Sequence, rec.ID))
}

func metaIndexPrefix(cid crypto.Digest, meta string) []byte {
	return []byte(fmt.Sprintf("%s_%s_%s_", metaPrefix, cid.Hex(), meta))
}

func metaKey(rec SyncRecord) []byte {
	return []byte(fmt.Sprintf("%s%020d_%020d", metaIndexPrefix(rec.Community, rec.Meta), rec.GlobalTime, rec.ID))
}

func refIndexPrefix(cid crypto.Digest, member crypto.Digest) []byte {
	return []byte(fmt.Sprintf("%s_%s_%s_", refPrefix, cid.Hex(), member.Hex()))
}

func refKey(rec SyncRecord, member crypto.Digest) []byte {
	return []byte(fmt.Sprintf("%s%020d", refIndexPrefix(rec.Community, member), rec.ID))
}

func grantKey(cid crypto.Digest, id uint64) []byte {
	return []byte(fmt.Sprintf("%s_%s_%020d", grantPrefix, cid.Hex(), id))
}

func candidateCommunityPrefix(cid crypto.Digest) []byte {
	return []byte(fmt.Sprintf("%s_%s_", candidatePrefix, cid.Hex()))
}

func candidateRowKey(cid crypto.Digest, host string, port int) []byte {
	return []byte(fmt.Sprintf("%s%s_%d", candidateCommunityPrefix(cid), host, port))
}

func communityKey(cid crypto.Digest) []byte {
	return []byte(fmt.Sprintf("%s_%s", communityPrefix, cid.Hex()))
}

func memberKey(mid crypto.Digest) []byte {
	return []byte(fmt.Sprintf("%s_%s", memberPrefix, mid.Hex()))
}

func optionKey(key string) []byte {
	return []byte(fmt.Sprintf("%s_%s", optionPrefix, key))
}

//++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++
// Txn

type badgerTxn struct {
	store *BadgerStore
	txn   *badger.Txn
}

// Begin implements Store.
func (s *BadgerStore) Begin() (Txn, error) {
	return &badgerTxn{
		store: s,
		txn:   s.db.NewTransaction(true),
	}, nil
}

func (s *BadgerStore) nextID() (uint64, error) {
	id, err := s.seq.Next()
	if err != nil {
		return 0, err
	}
	// Sequence starts at 0
	return id + 1, nil
}

func (t *badgerTxn) InsertSync(rec *SyncRecord) error {
	id, err := t.store.nextID()
	if err != nil {
		return err
	}
	rec.ID = id

	val, err := marshal(rec)
	if err != nil {
		return err
	}

	key := syncKey(rec.Community, rec.GlobalTime, rec.ID)
	if err := t.txn.Set(key, val); err != nil {
		return err
	}

	indexes := [][]byte{signerSetKey(*rec), memberSeqKey(*rec), metaKey(*rec)}
	for _, signer := range rec.Signers {
		indexes = append(indexes, refKey(*rec, signer))
	}
	for _, idx := range indexes {
		if err := t.txn.Set(idx, key); err != nil {
			return err
		}
	}
	return nil
}

func (t *badgerTxn) DeleteSync(rec SyncRecord) error {
	keys := [][]byte{
		syncKey(rec.Community, rec.GlobalTime, rec.ID),
		signerSetKey(rec),
		memberSeqKey(rec),
		metaKey(rec),
	}
	for _, signer := range rec.Signers {
		keys = append(keys, refKey(rec, signer))
	}
	for _, k := range keys {
		if err := t.txn.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func (t *badgerTxn) InsertGrant(grant GrantRecord) error {
	id, err := t.store.nextID()
	if err != nil {
		return err
	}
	val, err := marshal(grant)
	if err != nil {
		return err
	}
	return t.txn.Set(grantKey(grant.Community, id), val)
}

func (t *badgerTxn) PurgeCommunity(cid crypto.Digest, keep []string) error {
	purge := []SyncRecord{}
	err := iteratePrefix(t.txn, syncCommunityPrefix(cid), func(key, val []byte) error {
		var rec SyncRecord
		if err := unmarshal(val, &rec); err != nil {
			return err
		}
		if !containsString(keep, rec.Meta) {
			purge = append(purge, rec)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, rec := range purge {
		if err := t.DeleteSync(rec); err != nil {
			return err
		}
	}

	candidates := [][]byte{}
	err = iteratePrefix(t.txn, candidateCommunityPrefix(cid), func(key, val []byte) error {
		candidates = append(candidates, key)
		return nil
	})
	if err != nil {
		return err
	}
	for _, k := range candidates {
		if err := t.txn.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func (t *badgerTxn) Commit() error {
	return t.txn.Commit()
}

func (t *badgerTxn) Discard() {
	t.txn.Discard()
}

//++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++
// Reads

// iteratePrefix calls f with a copy of every key and value under prefix, in
// key order.
func iteratePrefix(txn *badger.Txn, prefix []byte, f func(key, val []byte) error) error {
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := f(item.KeyCopy(nil), val); err != nil {
			return err
		}
	}
	return nil
}

// dbIndexRecords resolves the sync records referenced by an index prefix.
func (s *BadgerStore) dbIndexRecords(prefix []byte) ([]SyncRecord, error) {
	res := []SyncRecord{}
	err := s.db.View(func(txn *badger.Txn) error {
		keys := [][]byte{}
		err := iteratePrefix(txn, prefix, func(key, val []byte) error {
			keys = append(keys, val)
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range keys {
			item, err := txn.Get(k)
			if err != nil {
				return mapError(err, "Sync", string(k))
			}
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			var rec SyncRecord
			if err := unmarshal(val, &rec); err != nil {
				return err
			}
			res = append(res, rec)
		}
		return nil
	})
	return res, err
}

// HasSync implements Store.
func (s *BadgerStore) HasSync(cid crypto.Digest, meta string, signers []crypto.Digest, globalTime uint64) (bool, error) {
	prefix := []byte(fmt.Sprintf("%s%020d_", signerSetIndexPrefix(cid, meta, SignersKey(signers)), globalTime))
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: false})
		defer it.Close()
		it.Seek(prefix)
		found = it.ValidForPrefix(prefix)
		return nil
	})
	return found, err
}

// HighestSequence implements Store.
func (s *BadgerStore) HighestSequence(cid crypto.Digest, meta string, member crypto.Digest) (uint32, error) {
	recs, err := s.dbIndexRecords(memberSeqIndexPrefix(cid, meta, member))
	if err != nil {
		return 0, err
	}
	var seq uint32
	for _, r := range recs {
		if r.Sequence > seq {
			seq = r.Sequence
		}
	}
	return seq, nil
}

// SignerSetRecords implements Store.
func (s *BadgerStore) SignerSetRecords(cid crypto.Digest, meta string, signers []crypto.Digest) ([]SyncRecord, error) {
	recs, err := s.dbIndexRecords(signerSetIndexPrefix(cid, meta, SignersKey(signers)))
	if err != nil {
		return nil, err
	}
	sortByGlobalTime(recs)
	return recs, nil
}

// MetaRecords implements Store.
func (s *BadgerStore) MetaRecords(cid crypto.Digest, meta string) ([]SyncRecord, error) {
	recs, err := s.dbIndexRecords(metaIndexPrefix(cid, meta))
	if err != nil {
		return nil, err
	}
	sortByGlobalTime(recs)
	return recs, nil
}

// SyncRange implements Store.
func (s *BadgerStore) SyncRange(cid crypto.Digest, low, high uint64) ([]SyncRecord, error) {
	prefix := syncCommunityPrefix(cid)
	start := []byte(fmt.Sprintf("%s%020d", prefix, low))
	res := []SyncRecord{}

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(start); it.ValidForPrefix(prefix); it.Next() {
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var rec SyncRecord
			if err := unmarshal(val, &rec); err != nil {
				return err
			}
			if rec.GlobalTime > high {
				break
			}
			res = append(res, rec)
		}
		return nil
	})

	return res, err
}

// SequenceRange implements Store.
func (s *BadgerStore) SequenceRange(cid crypto.Digest, meta string, member crypto.Digest, low, high uint32) ([]SyncRecord, error) {
	recs, err := s.dbIndexRecords(memberSeqIndexPrefix(cid, meta, member))
	if err != nil {
		return nil, err
	}
	res := []SyncRecord{}
	for _, r := range recs {
		if r.Sequence >= low && r.Sequence <= high {
			res = append(res, r)
		}
	}
	return res, nil
}

// SignedBy implements Store.
func (s *BadgerStore) SignedBy(cid crypto.Digest, member crypto.Digest) ([]SyncRecord, error) {
	recs, err := s.dbIndexRecords(refIndexPrefix(cid, member))
	if err != nil {
		return nil, err
	}
	sortByGlobalTime(recs)
	return recs, nil
}

// Grants implements Store.
func (s *BadgerStore) Grants(cid crypto.Digest) ([]GrantRecord, error) {
	res := []GrantRecord{}
	err := s.db.View(func(txn *badger.Txn) error {
		return iteratePrefix(txn, []byte(fmt.Sprintf("%s_%s_", grantPrefix, cid.Hex())), func(key, val []byte) error {
			var g GrantRecord
			if err := unmarshal(val, &g); err != nil {
				return err
			}
			res = append(res, g)
			return nil
		})
	})
	return res, err
}

//++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++
// Candidates, communities, members and options

func toUnixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Candidates implements Store.
func (s *BadgerStore) Candidates(cid crypto.Digest) ([]CandidateRecord, error) {
	res := []CandidateRecord{}
	err := s.db.View(func(txn *badger.Txn) error {
		return iteratePrefix(txn, candidateCommunityPrefix(cid), func(key, val []byte) error {
			var c candidateValue
			if err := unmarshal(val, &c); err != nil {
				return err
			}
			res = append(res, CandidateRecord{
				Community: c.Community,
				Host:      c.Host,
				Port:      c.Port,
				Incoming:  fromUnixNano(c.Incoming),
				Outgoing:  fromUnixNano(c.Outgoing),
				External:  fromUnixNano(c.External),
			})
			return nil
		})
	})
	if err != nil {
		return nil, err
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
func (s *BadgerStore) PutCandidate(rec CandidateRecord) error {
	val, err := marshal(candidateValue{
		Community: rec.Community,
		Host:      rec.Host,
		Port:      rec.Port,
		Incoming:  toUnixNano(rec.Incoming),
		Outgoing:  toUnixNano(rec.Outgoing),
		External:  toUnixNano(rec.External),
	})
	if err != nil {
		return err
	}
	return s.dbSet(candidateRowKey(rec.Community, rec.Host, rec.Port), val)
}

// DeleteCandidate implements Store.
func (s *BadgerStore) DeleteCandidate(cid crypto.Digest, host string, port int) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(candidateRowKey(cid, host, port))
	})
}

// GetCommunity implements Store.
func (s *BadgerStore) GetCommunity(cid crypto.Digest) (CommunityRecord, error) {
	var rec CommunityRecord
	val, err := s.dbGet(communityKey(cid))
	if err != nil {
		return rec, mapError(err, "Community", cid.Hex())
	}
	err = unmarshal(val, &rec)
	return rec, err
}

// PutCommunity implements Store.
func (s *BadgerStore) PutCommunity(rec CommunityRecord) error {
	val, err := marshal(rec)
	if err != nil {
		return err
	}
	return s.dbSet(communityKey(rec.ID), val)
}

// Communities implements Store.
func (s *BadgerStore) Communities() ([]CommunityRecord, error) {
	res := []CommunityRecord{}
	err := s.db.View(func(txn *badger.Txn) error {
		return iteratePrefix(txn, []byte(communityPrefix+"_"), func(key, val []byte) error {
			var rec CommunityRecord
			if err := unmarshal(val, &rec); err != nil {
				return err
			}
			res = append(res, rec)
			return nil
		})
	})
	return res, err
}

// GetMember implements Store.
func (s *BadgerStore) GetMember(mid crypto.Digest) (MemberRecord, error) {
	var rec MemberRecord
	val, err := s.dbGet(memberKey(mid))
	if err != nil {
		return rec, mapError(err, "Member", mid.Hex())
	}
	err = unmarshal(val, &rec)
	return rec, err
}

// PutMember implements Store.
func (s *BadgerStore) PutMember(rec MemberRecord) error {
	val, err := marshal(rec)
	if err != nil {
		return err
	}
	return s.dbSet(memberKey(rec.MID), val)
}

// GetOption implements Store.
func (s *BadgerStore) GetOption(key string) (string, error) {
	val, err := s.dbGet(optionKey(key))
	if err != nil {
		return "", mapError(err, "Option", key)
	}
	return string(val), nil
}

// SetOption implements Store.
func (s *BadgerStore) SetOption(key, value string) error {
	return s.dbSet(optionKey(key), []byte(value))
}

// Close implements Store.
func (s *BadgerStore) Close() error {
	if err := s.seq.Release(); err != nil {
		return err
	}
	return s.db.Close()
}

func (s *BadgerStore) dbGet(key []byte) ([]byte, error) {
	var val []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	return val, err
}

func (s *BadgerStore) dbSet(key, val []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, val)
	})
}

func isDBKeyNotFound(err error) bool {
	return err == badger.ErrKeyNotFound
}

func mapError(err error, name, key string) error {
	if err != nil && isDBKeyNotFound(err) {
		return cm.NewStoreErr(name, cm.KeyNotFound, key)
	}
	return err
}
