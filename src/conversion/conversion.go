package conversion

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/mosaicnetworks/dispersy/src/common"
	"github.com/mosaicnetworks/dispersy/src/crypto"
	"github.com/mosaicnetworks/dispersy/src/member"
	"github.com/mosaicnetworks/dispersy/src/message"
	"github.com/ugorji/go/codec"
)

const (
	// DispersyVersion is the first byte of every packet.
	DispersyVersion byte = 0x00
	// CommunityVersion is the second byte of every packet.
	CommunityVersion byte = 0x01
	// PrefixSize covers both versions and the community id.
	PrefixSize = 2 + crypto.DigestSize
	// HeaderSize adds the meta id to the prefix.
	HeaderSize = PrefixSize + 1
)

// Conversion encodes and decodes the messages of one community.
//
// A packet is laid out as:
//
//	dispersy version | community version | community id | meta id
//	authentication   | global time | [sequence] | payload | signatures
//
// The authentication section is a 20 byte mid for sha1 encoding, or one
// length prefixed public key per signer. Payloads are msgpack. Every
// signature is 64 bytes and a missing one is zero filled.
type Conversion struct {
	prefix    []byte
	directory *member.Directory
	byID      map[byte]*message.Meta
	handle    *codec.MsgpackHandle
}

// New returns the conversion of community cid.
func New(cid crypto.Digest, directory *member.Directory) *Conversion {
	handle := new(codec.MsgpackHandle)
	handle.WriteExt = true

	return &Conversion{
		prefix:    Prefix(cid),
		directory: directory,
		byID:      make(map[byte]*message.Meta),
		handle:    handle,
	}
}

// Prefix returns the 22 leading bytes of every packet of community cid.
func Prefix(cid crypto.Digest) []byte {
	p := make([]byte, 0, PrefixSize)
	p = append(p, DispersyVersion, CommunityVersion)
	return append(p, cid[:]...)
}

// CommunityID reads the community id of a packet.
func CommunityID(packet []byte) (crypto.Digest, bool) {
	if len(packet) < HeaderSize {
		return crypto.Digest{}, false
	}
	d, _ := crypto.DigestFromBytes(packet[2:PrefixSize])
	return d, true
}

// Prefix returns the prefix of the packets this conversion handles.
func (c *Conversion) Prefix() []byte {
	return c.prefix
}

// Define makes a meta decodable. The meta's ID must be set.
func (c *Conversion) Define(meta *message.Meta) error {
	if existing, ok := c.byID[meta.ID]; ok && existing != meta {
		return fmt.Errorf("meta id %d is used by %s", meta.ID, existing.Name)
	}
	c.byID[meta.ID] = meta
	return nil
}

// CanDecode reports whether the packet carries this conversion's prefix.
func (c *Conversion) CanDecode(packet []byte) bool {
	return len(packet) >= HeaderSize && bytes.Equal(packet[:PrefixSize], c.prefix)
}

// DecodeMeta returns the meta of a packet without decoding the rest.
func (c *Conversion) DecodeMeta(packet []byte) (*message.Meta, error) {
	if !c.CanDecode(packet) {
		return nil, drop("unknown conversion")
	}
	meta, ok := c.byID[packet[PrefixSize]]
	if !ok {
		return nil, drop("unknown meta id %d", packet[PrefixSize])
	}
	return meta, nil
}

// Encode builds the packet of msg and signs it with every private key this
// node holds for its signers. Signatures already present are kept.
func (c *Conversion) Encode(msg *message.Message) (*message.Message, error) {
	meta := msg.Meta
	buf := new(bytes.Buffer)
	buf.Write(c.prefix)
	buf.WriteByte(meta.ID)

	switch a := meta.Authentication.(type) {
	case message.NoAuthentication:
	case message.MemberAuthentication:
		if len(msg.Auth.Members) != 1 {
			return nil, fmt.Errorf("%s needs exactly one signer", meta.Name)
		}
		m := msg.Auth.Members[0]
		if a.Encoding == message.EncodingBin {
			writePublicKey(buf, m.PublicKey())
		} else {
			mid := m.MID()
			buf.Write(mid[:])
		}
	case message.MultiMemberAuthentication:
		if len(msg.Auth.Members) != a.Count {
			return nil, fmt.Errorf("%s needs %d signers", meta.Name, a.Count)
		}
		for _, m := range msg.Auth.Members {
			writePublicKey(buf, m.PublicKey())
		}
	default:
		panic(fmt.Sprintf("unknown authentication %T", meta.Authentication))
	}

	var gt [8]byte
	binary.BigEndian.PutUint64(gt[:], msg.Distribution.GlobalTime)
	buf.Write(gt[:])
	if p, ok := message.Sync(meta.Distribution); ok && p.EnableSequenceNumber {
		var seq [4]byte
		binary.BigEndian.PutUint32(seq[:], msg.Distribution.Sequence)
		buf.Write(seq[:])
	}

	if msg.Payload != nil {
		if err := codec.NewEncoder(buf, c.handle).Encode(msg.Payload); err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", meta.Name, err)
		}
	}

	body := buf.Bytes()
	signatures := make([][]byte, len(msg.Auth.Members))
	packet := make([]byte, len(body), len(body)+len(signatures)*message.SignatureSize)
	copy(packet, body)

	for i, m := range msg.Auth.Members {
		switch {
		case i < len(msg.Auth.Signatures) && len(msg.Auth.Signatures[i]) == message.SignatureSize:
			signatures[i] = msg.Auth.Signatures[i]
		case m.HasPrivateKey():
			sig, err := m.Sign(body)
			if err != nil {
				return nil, err
			}
			signatures[i] = sig
		}
		if signatures[i] != nil {
			packet = append(packet, signatures[i]...)
		} else {
			packet = append(packet, make([]byte, message.SignatureSize)...)
		}
	}

	res := *msg
	res.Auth = message.AuthenticationImpl{Members: msg.Auth.Members, Signatures: signatures}
	res.Packet = packet
	if res.Address == (common.Address{}) {
		res.Address = common.LocalAddress
	}
	return &res, nil
}

// DecodeMessage fully decodes and verifies a packet.
func (c *Conversion) DecodeMessage(source common.Address, packet []byte) (*message.Message, error) {
	return c.decode(source, packet, true)
}

// DecodeProposal decodes a multi member message that may still lack
// signatures, as embedded in a signature request. Present signatures are
// verified.
func (c *Conversion) DecodeProposal(source common.Address, packet []byte) (*message.Message, error) {
	return c.decode(source, packet, false)
}

func (c *Conversion) decode(source common.Address, packet []byte, complete bool) (*message.Message, error) {
	meta, err := c.DecodeMeta(packet)
	if err != nil {
		return nil, err
	}

	sigArea := meta.SignatureCount() * message.SignatureSize
	end := len(packet) - sigArea
	if end < HeaderSize {
		return nil, drop("packet too short for %s", meta.Name)
	}
	body := packet[:end]
	offset := HeaderSize

	members := []*member.Member{}
	switch a := meta.Authentication.(type) {
	case message.NoAuthentication:
	case message.MemberAuthentication:
		if a.Encoding == message.EncodingBin {
			m, n, err := c.readMember(body[offset:])
			if err != nil {
				return nil, err
			}
			members = append(members, m)
			offset += n
		} else {
			if len(body) < offset+crypto.DigestSize {
				return nil, drop("insufficient packet size for mid")
			}
			mid, _ := crypto.DigestFromBytes(body[offset : offset+crypto.DigestSize])
			m, ok := c.directory.ByMID(mid)
			if !ok {
				return nil, &DelayPacket{
					Reason:  "unknown member",
					Missing: message.MissingIdentity{MID: mid},
				}
			}
			members = append(members, m)
			offset += crypto.DigestSize
		}
	case message.MultiMemberAuthentication:
		for i := 0; i < a.Count; i++ {
			m, n, err := c.readMember(body[offset:])
			if err != nil {
				return nil, err
			}
			members = append(members, m)
			offset += n
		}
	default:
		panic(fmt.Sprintf("unknown authentication %T", meta.Authentication))
	}

	var dist message.DistributionImpl
	if len(body) < offset+8 {
		return nil, drop("insufficient packet size for global time")
	}
	dist.GlobalTime = binary.BigEndian.Uint64(body[offset:])
	offset += 8
	if p, ok := message.Sync(meta.Distribution); ok && p.EnableSequenceNumber {
		if len(body) < offset+4 {
			return nil, drop("insufficient packet size for sequence number")
		}
		dist.Sequence = binary.BigEndian.Uint32(body[offset:])
		offset += 4
		if dist.Sequence == 0 {
			return nil, drop("sequence numbers start at 1")
		}
	}
	if dist.GlobalTime == 0 {
		return nil, drop("global time starts at 1")
	}

	var payload interface{}
	if meta.NewPayload != nil {
		payload = meta.NewPayload()
		if err := codec.NewDecoderBytes(body[offset:], c.handle).Decode(payload); err != nil {
			return nil, drop("invalid %s payload: %v", meta.Name, err)
		}
	} else if offset != len(body) {
		return nil, drop("unexpected payload for %s", meta.Name)
	}

	signatures := make([][]byte, len(members))
	for i, m := range members {
		sig := packet[end+i*message.SignatureSize : end+(i+1)*message.SignatureSize]
		if isZero(sig) {
			if complete {
				return nil, drop("missing signature")
			}
			continue
		}
		if !m.Verify(body, sig) {
			return nil, drop("invalid signature")
		}
		signatures[i] = append([]byte(nil), sig...)
	}

	for i, m := range members {
		if signatures[i] == nil {
			continue
		}
		registered, err := c.directory.Register(m)
		if err != nil {
			return nil, drop("register %s: %v", m, err)
		}
		members[i] = registered
	}

	msg := meta.Implement(
		message.AuthenticationImpl{Members: members, Signatures: signatures},
		dist,
		message.DestinationImpl{},
		payload)
	msg.Packet = packet
	msg.Address = source
	return msg, nil
}

func (c *Conversion) readMember(data []byte) (*member.Member, int, error) {
	if len(data) < 2 {
		return nil, 0, drop("insufficient packet size for key length")
	}
	n := int(binary.BigEndian.Uint16(data))
	if len(data) < 2+n {
		return nil, 0, drop("insufficient packet size for public key")
	}
	m, _, err := c.directory.Lookup(data[2 : 2+n])
	if err != nil {
		return nil, 0, drop("invalid public key: %v", err)
	}
	return m, 2 + n, nil
}

func writePublicKey(buf *bytes.Buffer, key []byte) {
	var n [2]byte
	binary.BigEndian.PutUint16(n[:], uint16(len(key)))
	buf.Write(n[:])
	buf.Write(key)
}

func isZero(b []byte) bool {
	for _, x := range b {
		if x != 0 {
			return false
		}
	}
	return true
}
