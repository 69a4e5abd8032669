package message

import (
	"bytes"
	"fmt"
	"sort"

	cm "github.com/mosaicnetworks/dispersy/src/common"
	"github.com/mosaicnetworks/dispersy/src/crypto"
	"github.com/mosaicnetworks/dispersy/src/member"
)

// SignatureSize is the length of one signature in the signature area.
const SignatureSize = 64

// AuthenticationImpl holds the signers of an instance and their signatures,
// in the same order. A nil signature means the member has not signed yet.
type AuthenticationImpl struct {
	Members    []*member.Member
	Signatures [][]byte
}

// Member returns the first signer, the creator of the message.
func (a AuthenticationImpl) Member() *member.Member {
	if len(a.Members) == 0 {
		return nil
	}
	return a.Members[0]
}

// IsSigned reports whether every member has signed.
func (a AuthenticationImpl) IsSigned() bool {
	for i := range a.Members {
		if i >= len(a.Signatures) || len(a.Signatures[i]) == 0 {
			return false
		}
	}
	return true
}

// SignedMembers returns the members whose signature is present.
func (a AuthenticationImpl) SignedMembers() []*member.Member {
	res := []*member.Member{}
	for i, m := range a.Members {
		if i < len(a.Signatures) && len(a.Signatures[i]) > 0 {
			res = append(res, m)
		}
	}
	return res
}

// DistributionImpl holds the logical time of an instance.
type DistributionImpl struct {
	GlobalTime uint64
	Sequence   uint32
}

// DestinationImpl holds explicit targets for Address and Member
// destinations.
type DestinationImpl struct {
	Addresses []cm.Address
	Members   []*member.Member
}

// Message is an instance of a Meta. Packet is never modified once set.
type Message struct {
	Meta         *Meta
	Auth         AuthenticationImpl
	Distribution DistributionImpl
	Destination  DestinationImpl
	Payload      interface{}

	Packet []byte
	// Address is the source of a received message, LocalAddress otherwise.
	Address cm.Address
	// ID is the store row once the message is stored.
	ID uint64
}

// Name returns the meta name.
func (m *Message) Name() string {
	return m.Meta.Name
}

// GlobalTime returns the distribution global time.
func (m *Message) GlobalTime() uint64 {
	return m.Distribution.GlobalTime
}

// Member returns the creator.
func (m *Message) Member() *member.Member {
	return m.Auth.Member()
}

// Signers returns the mids of every signer, in authentication order.
func (m *Message) Signers() []crypto.Digest {
	res := make([]crypto.Digest, len(m.Auth.Members))
	for i, mem := range m.Auth.Members {
		res[i] = mem.MID()
	}
	return res
}

// Body returns the part of the packet covered by the signatures.
func (m *Message) Body() []byte {
	n := len(m.Packet) - m.Meta.SignatureCount()*SignatureSize
	if n < 0 {
		return nil
	}
	return m.Packet[:n]
}

// WithSignature returns a copy of the message where signer i's signature is
// set in the authentication data and in a new packet.
func (m *Message) WithSignature(i int, signature []byte) (*Message, error) {
	if i < 0 || i >= len(m.Auth.Members) {
		return nil, fmt.Errorf("%s has no signer %d", m.Name(), i)
	}
	if len(signature) != SignatureSize {
		return nil, fmt.Errorf("signature must be %d bytes", SignatureSize)
	}

	body := m.Body()
	if body == nil {
		return nil, fmt.Errorf("%s has no packet", m.Name())
	}

	packet := make([]byte, len(m.Packet))
	copy(packet, m.Packet)
	copy(packet[len(body)+i*SignatureSize:], signature)

	sigs := make([][]byte, len(m.Auth.Signatures))
	copy(sigs, m.Auth.Signatures)
	sigs[i] = append([]byte(nil), signature...)

	res := *m
	res.Auth = AuthenticationImpl{Members: m.Auth.Members, Signatures: sigs}
	res.Packet = packet
	res.ID = 0
	return &res, nil
}

func (m *Message) String() string {
	return fmt.Sprintf("%s@%d", m.Name(), m.GlobalTime())
}

// SortMessages orders messages by global time, then packet bytes, so that
// every peer processes the same batch in the same order.
func SortMessages(msgs []*Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		a, b := msgs[i], msgs[j]
		if a.GlobalTime() != b.GlobalTime() {
			return a.GlobalTime() < b.GlobalTime()
		}
		return bytes.Compare(a.Packet, b.Packet) < 0
	})
}
