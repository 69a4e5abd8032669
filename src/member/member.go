package member

import (
	"crypto/ecdsa"
	"fmt"
	"sync"

	"github.com/mosaicnetworks/dispersy/src/crypto"
	"github.com/mosaicnetworks/dispersy/src/crypto/keys"
)

// Tag is a local annotation on a member that changes how its messages are
// handled.
type Tag string

const (
	// Blacklist drops every message signed by the member.
	Blacklist Tag = "blacklist"
	// Store keeps the member's messages even when a subjective destination
	// says we are not interested.
	Store Tag = "store"
	// Ignore processes the member's messages without storing or forwarding
	// them.
	Ignore Tag = "ignore"
)

// Member is a participant identified by its public key. The private key is
// only known for members that this node controls.
type Member struct {
	mid        crypto.Digest
	publicKey  []byte
	key        *ecdsa.PublicKey
	privateKey *ecdsa.PrivateKey

	l    sync.RWMutex
	tags map[Tag]bool
}

// New parses a serialized public key into a Member.
func New(publicKey []byte) (*Member, error) {
	key, err := keys.ParsePublicKey(publicKey)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	// Normalise to the compressed form so that the mid does not depend on the
	// encoding used by the sender.
	compressed := keys.SerializePublicKey(key)
	return &Member{
		mid:       crypto.SHA1(compressed),
		publicKey: compressed,
		key:       key,
		tags:      make(map[Tag]bool),
	}, nil
}

// NewPrivate returns a Member able to sign.
func NewPrivate(privateKey *ecdsa.PrivateKey) *Member {
	pub := keys.SerializePublicKey(&privateKey.PublicKey)
	return &Member{
		mid:        crypto.SHA1(pub),
		publicKey:  pub,
		key:        &privateKey.PublicKey,
		privateKey: privateKey,
		tags:       make(map[Tag]bool),
	}
}

// MID returns the SHA-1 digest of the compressed public key.
func (m *Member) MID() crypto.Digest {
	return m.mid
}

// PublicKey returns the compressed public key.
func (m *Member) PublicKey() []byte {
	return m.publicKey
}

// HasPrivateKey reports whether this node can sign on behalf of the member.
func (m *Member) HasPrivateKey() bool {
	return m.privateKey != nil
}

// Sign signs data with the member's private key.
func (m *Member) Sign(data []byte) ([]byte, error) {
	if m.privateKey == nil {
		return nil, fmt.Errorf("member %s has no private key", m.mid)
	}
	return keys.Sign(m.privateKey, data)
}

// Verify checks a signature of data by this member.
func (m *Member) Verify(data, signature []byte) bool {
	return keys.Verify(m.key, data, signature)
}

// HasTag reports whether the tag is set.
func (m *Member) HasTag(tag Tag) bool {
	m.l.RLock()
	defer m.l.RUnlock()
	return m.tags[tag]
}

// Tags returns the set tags.
func (m *Member) Tags() []Tag {
	m.l.RLock()
	defer m.l.RUnlock()
	res := []Tag{}
	for _, t := range []Tag{Blacklist, Store, Ignore} {
		if m.tags[t] {
			res = append(res, t)
		}
	}
	return res
}

func (m *Member) setTag(tag Tag, value bool) {
	m.l.Lock()
	defer m.l.Unlock()
	if value {
		m.tags[tag] = true
	} else {
		delete(m.tags, tag)
	}
}

// MustBlacklist is true for members whose messages are always dropped.
func (m *Member) MustBlacklist() bool { return m.HasTag(Blacklist) }

// MustStore is true for members whose messages are always stored.
func (m *Member) MustStore() bool { return m.HasTag(Store) }

// MustIgnore is true for members whose messages are neither stored nor
// forwarded.
func (m *Member) MustIgnore() bool { return m.HasTag(Ignore) }

func (m *Member) String() string {
	return m.mid.Hex()[:10]
}
