// Package bloom provides the bloom filters advertised in dispersy-sync and
// dispersy-subjective-set messages, and the sync ranges that group stored
// packets by global time.
package bloom

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
	bloomfilter "github.com/holiman/bloomfilter/v2"
)

// hasher feeds a precomputed 64 bit digest to the filter.
type hasher uint64

func (h hasher) Write(p []byte) (n int, err error) { panic("not implemented") }
func (h hasher) Sum(b []byte) []byte               { panic("not implemented") }
func (h hasher) Reset()                            { panic("not implemented") }
func (h hasher) BlockSize() int                    { panic("not implemented") }
func (h hasher) Size() int                         { return 8 }
func (h hasher) Sum64() uint64                     { return uint64(h) }

// Filter is a bloom filter over byte strings.
type Filter struct {
	filter *bloomfilter.Filter
}

// New returns a filter sized for capacity entries at the given false
// positive rate.
func New(capacity uint64, errorRate float64) (*Filter, error) {
	if capacity == 0 {
		capacity = 1
	}
	f, err := bloomfilter.NewOptimal(capacity, errorRate)
	if err != nil {
		return nil, err
	}
	return &Filter{filter: f}, nil
}

// Limits of a decoded filter. A filter travels inside one UDP datagram.
const (
	MaxKeys = 64
	MaxBits = 8 * 65535

	headerSize = 12 + 3*8
	hashSize   = 48
)

// checkHeader validates the key count and bit count announced by an encoded
// filter against its length.
func checkHeader(data []byte) error {
	if len(data) < headerSize {
		return fmt.Errorf("bloom filter too short: %d bytes", len(data))
	}
	k := binary.LittleEndian.Uint64(data[12:20])
	m := binary.LittleEndian.Uint64(data[28:36])
	if k == 0 || k > MaxKeys {
		return fmt.Errorf("bloom filter has %d keys", k)
	}
	if m == 0 || m > MaxBits {
		return fmt.Errorf("bloom filter has %d bits", m)
	}
	expected := headerSize + 8*k + 8*((m+63)/64) + hashSize
	if uint64(len(data)) != expected {
		return fmt.Errorf("bloom filter is %d bytes, expected %d", len(data), expected)
	}
	return nil
}

// Decode parses the output of Bytes.
func Decode(data []byte) (*Filter, error) {
	if err := checkHeader(data); err != nil {
		return nil, fmt.Errorf("decode bloom filter: %w", err)
	}
	f := new(bloomfilter.Filter)
	if err := f.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("decode bloom filter: %w", err)
	}
	return &Filter{filter: f}, nil
}

// Add inserts data.
func (f *Filter) Add(data []byte) {
	f.filter.Add(hasher(xxhash.Sum64(data)))
}

// Contains reports whether data was probably added.
func (f *Filter) Contains(data []byte) bool {
	return f.filter.Contains(hasher(xxhash.Sum64(data)))
}

// Count returns the number of additions.
func (f *Filter) Count() uint64 {
	return f.filter.N()
}

// Bytes serializes the filter, hash keys included, so that a peer can test
// its own packets against it.
func (f *Filter) Bytes() ([]byte, error) {
	return f.filter.MarshalBinary()
}
