package member

import (
	"crypto/ecdsa"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	cm "github.com/mosaicnetworks/dispersy/src/common"
	"github.com/mosaicnetworks/dispersy/src/crypto"
	"github.com/mosaicnetworks/dispersy/src/store"
)

// Directory resolves members by public key or mid. Members are cached in an
// LRU in front of the store's member table.
type Directory struct {
	store store.Store
	cache *lru.Cache[crypto.Digest, *Member]
}

// NewDirectory creates a Directory caching up to cacheSize members.
func NewDirectory(s store.Store, cacheSize int) (*Directory, error) {
	cache, err := lru.New[crypto.Digest, *Member](cacheSize)
	if err != nil {
		return nil, err
	}
	return &Directory{
		store: s,
		cache: cache,
	}, nil
}

// Get returns the member owning publicKey, registering it on first use.
func (d *Directory) Get(publicKey []byte) (*Member, error) {
	m, known, err := d.Lookup(publicKey)
	if err != nil {
		return nil, err
	}
	if known {
		return m, nil
	}
	return d.Register(m)
}

// Lookup returns the member owning publicKey and whether it is registered.
// An unknown member is returned without being stored.
func (d *Directory) Lookup(publicKey []byte) (*Member, bool, error) {
	m, err := New(publicKey)
	if err != nil {
		return nil, false, err
	}
	if cached, ok := d.cache.Get(m.MID()); ok {
		return cached, true, nil
	}

	rec, err := d.store.GetMember(m.MID())
	switch {
	case err == nil:
		for _, t := range rec.Tags {
			m.setTag(Tag(t), true)
		}
		d.cache.Add(m.MID(), m)
		return m, true, nil
	case cm.IsStore(err, cm.KeyNotFound):
		return m, false, nil
	default:
		return nil, false, err
	}
}

// Register stores m unless its mid is already known, and returns the
// registered member.
func (d *Directory) Register(m *Member) (*Member, error) {
	known, ok, err := d.Lookup(m.PublicKey())
	if err != nil {
		return nil, err
	}
	if ok {
		return known, nil
	}
	if err := d.store.PutMember(store.MemberRecord{MID: m.MID(), PublicKey: m.PublicKey()}); err != nil {
		return nil, err
	}
	d.cache.Add(m.MID(), m)
	return m, nil
}

// GetPrivate returns a member controlled by this node.
func (d *Directory) GetPrivate(privateKey *ecdsa.PrivateKey) (*Member, error) {
	m := NewPrivate(privateKey)
	if cached, ok := d.cache.Get(m.MID()); ok && cached.HasPrivateKey() {
		return cached, nil
	}

	rec, err := d.store.GetMember(m.MID())
	switch {
	case err == nil:
		for _, t := range rec.Tags {
			m.setTag(Tag(t), true)
		}
	case cm.IsStore(err, cm.KeyNotFound):
		if err := d.store.PutMember(store.MemberRecord{MID: m.MID(), PublicKey: m.PublicKey()}); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	d.cache.Add(m.MID(), m)
	return m, nil
}

// ByMID returns the member with the given mid if its public key is known.
func (d *Directory) ByMID(mid crypto.Digest) (*Member, bool) {
	if m, ok := d.cache.Get(mid); ok {
		return m, true
	}
	rec, err := d.store.GetMember(mid)
	if err != nil {
		return nil, false
	}
	m, err := d.Get(rec.PublicKey)
	if err != nil {
		return nil, false
	}
	return m, true
}

// SetTag sets or clears a tag and persists it.
func (d *Directory) SetTag(m *Member, tag Tag, value bool) error {
	m.setTag(tag, value)

	tags := []string{}
	for _, t := range m.Tags() {
		tags = append(tags, string(t))
	}
	if err := d.store.PutMember(store.MemberRecord{MID: m.MID(), PublicKey: m.PublicKey(), Tags: tags}); err != nil {
		return fmt.Errorf("persist tags of %s: %w", m, err)
	}
	return nil
}
