package store

import (
	"sort"
	"strings"
	"time"

	"github.com/mosaicnetworks/dispersy/src/crypto"
)

// SyncRecord is a stored message of a sync-eligible distribution.
type SyncRecord struct {
	ID         uint64
	Community  crypto.Digest
	Meta       string
	Member     crypto.Digest
	Signers    []crypto.Digest
	GlobalTime uint64
	Sequence   uint32
	Direction  int
	Priority   int
	Cluster    int
	Packet     []byte
}

// SignersKey returns the order independent key of the record's signer set.
func (r *SyncRecord) SignersKey() string {
	return SignersKey(r.Signers)
}

// CandidateRecord is a row of the candidate table.
type CandidateRecord struct {
	Community crypto.Digest
	Host      string
	Port      int
	Incoming  time.Time
	Outgoing  time.Time
	External  time.Time
}

// GrantRecord is one permission event asserted by an authorize or revoke
// message.
type GrantRecord struct {
	Community  crypto.Digest
	Signer     crypto.Digest
	GlobalTime uint64
	Member     crypto.Digest
	Meta       string
	Permission string
	Revoke     bool
}

// CommunityRecord is a row of the community table.
type CommunityRecord struct {
	ID              crypto.Digest
	Classification  string
	MasterPublicKey []byte
	MyPublicKey     []byte
	AutoLoad        bool
}

// MemberRecord is a row of the member table.
type MemberRecord struct {
	MID       crypto.Digest
	PublicKey []byte
	Tags      []string
}

// Txn groups the writes of one batch. Nothing is visible to the Store reads
// before Commit.
type Txn interface {
	// InsertSync stores a record and sets its ID.
	InsertSync(rec *SyncRecord) error
	// DeleteSync removes a record and its signer index rows.
	DeleteSync(rec SyncRecord) error
	// InsertGrant appends a permission event.
	InsertGrant(grant GrantRecord) error
	// PurgeCommunity deletes every sync record of the community whose meta
	// is not in keep, and all its candidates.
	PurgeCommunity(cid crypto.Digest, keep []string) error
	Commit() error
	Discard()
}

// Store is the persistence interface shared by every backend.
type Store interface {
	Begin() (Txn, error)

	// HasSync reports whether a record exists with the given meta, signer set
	// and global time.
	HasSync(cid crypto.Digest, meta string, signers []crypto.Digest, globalTime uint64) (bool, error)
	// HighestSequence returns the highest stored sequence number of a member
	// for a meta, 0 if there is none.
	HighestSequence(cid crypto.Digest, meta string, member crypto.Digest) (uint32, error)
	// SignerSetRecords returns the records of a meta signed by exactly the
	// given signer set, ordered by global time.
	SignerSetRecords(cid crypto.Digest, meta string, signers []crypto.Digest) ([]SyncRecord, error)
	// MetaRecords returns all the records of a meta, ordered by global time.
	MetaRecords(cid crypto.Digest, meta string) ([]SyncRecord, error)
	// SyncRange returns the records with low <= global time <= high, ordered
	// by global time.
	SyncRange(cid crypto.Digest, low, high uint64) ([]SyncRecord, error)
	// SequenceRange returns a member's records of a meta with low <= sequence
	// <= high, ordered by sequence.
	SequenceRange(cid crypto.Digest, meta string, member crypto.Digest, low, high uint32) ([]SyncRecord, error)
	// SignedBy returns every record that the member signed, alone or as part
	// of a signer set.
	SignedBy(cid crypto.Digest, member crypto.Digest) ([]SyncRecord, error)
	// Grants returns the permission events of a community.
	Grants(cid crypto.Digest) ([]GrantRecord, error)

	Candidates(cid crypto.Digest) ([]CandidateRecord, error)
	PutCandidate(rec CandidateRecord) error
	DeleteCandidate(cid crypto.Digest, host string, port int) error

	GetCommunity(cid crypto.Digest) (CommunityRecord, error)
	PutCommunity(rec CommunityRecord) error
	Communities() ([]CommunityRecord, error)

	GetMember(mid crypto.Digest) (MemberRecord, error)
	PutMember(rec MemberRecord) error

	GetOption(key string) (string, error)
	SetOption(key, value string) error

	Close() error
}

// SignersKey sorts the hexadecimal mids of a signer set and joins them.
func SignersKey(signers []crypto.Digest) string {
	hexes := make([]string, len(signers))
	for i, s := range signers {
		hexes[i] = s.Hex()
	}
	sort.Strings(hexes)
	return strings.Join(hexes, ",")
}

func parseSignersKey(key string) []crypto.Digest {
	if key == "" {
		return nil
	}
	parts := strings.Split(key, ",")
	res := make([]crypto.Digest, 0, len(parts))
	for _, p := range parts {
		d, err := crypto.DigestFromHex(p)
		if err != nil {
			continue
		}
		res = append(res, d)
	}
	return res
}

func containsString(list []string, s string) bool {
	for _, l := range list {
		if l == s {
			return true
		}
	}
	return false
}

func sortByGlobalTime(recs []SyncRecord) {
	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].GlobalTime != recs[j].GlobalTime {
			return recs[i].GlobalTime < recs[j].GlobalTime
		}
		return recs[i].ID < recs[j].ID
	})
}
