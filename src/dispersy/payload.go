package dispersy

import (
	"encoding/hex"
	"fmt"

	"github.com/mosaicnetworks/dispersy/src/candidate"
	"github.com/mosaicnetworks/dispersy/src/common"
)

// CandidateRequestPayload introduces us to a peer. Source is the address at
// which we believe we are reachable, Destination the address at which we
// reached the peer.
type CandidateRequestPayload struct {
	Source      common.Address    `codec:"source"`
	Destination common.Address    `codec:"destination"`
	Routes      []candidate.Route `codec:"routes"`
}

// CandidateResponsePayload answers a candidate request. Request is the digest
// of the request packet.
type CandidateResponsePayload struct {
	Request     []byte            `codec:"request"`
	Source      common.Address    `codec:"source"`
	Destination common.Address    `codec:"destination"`
	Routes      []candidate.Route `codec:"routes"`
}

// Footprint implements message.Footprinter.
func (p *CandidateResponsePayload) Footprint() string {
	return "request:" + hex.EncodeToString(p.Request)
}

// IdentityPayload announces the address of a member.
type IdentityPayload struct {
	Address common.Address `codec:"address"`
}

// IdentityRequestPayload asks for the identity of a member id.
type IdentityRequestPayload struct {
	MID []byte `codec:"mid"`
}

// Footprint implements message.Footprinter.
func (p *IdentityRequestPayload) Footprint() string {
	return "mid:" + hex.EncodeToString(p.MID)
}

// SyncPayload advertises one sync range. A TimeHigh of 0 is open ended.
type SyncPayload struct {
	TimeLow  uint64 `codec:"time_low"`
	TimeHigh uint64 `codec:"time_high"`
	Bloom    []byte `codec:"bloom"`
}

// MissingSequencePayload asks for the messages of Member for Meta with a
// sequence number between Low and High.
type MissingSequencePayload struct {
	Member []byte `codec:"member"`
	Meta   string `codec:"meta"`
	Low    uint32 `codec:"low"`
	High   uint32 `codec:"high"`
}

// MissingProofPayload asks for the grants that prove the permissions of
// Member at GlobalTime.
type MissingProofPayload struct {
	Member     []byte `codec:"member"`
	GlobalTime uint64 `codec:"global_time"`
}

// SignatureRequestPayload carries a partially signed packet.
type SignatureRequestPayload struct {
	Packet []byte `codec:"packet"`
}

// SignatureResponsePayload carries one signature for the request whose
// packet digest is Request.
type SignatureResponsePayload struct {
	Request   []byte `codec:"request"`
	Signature []byte `codec:"signature"`
}

// Footprint implements message.Footprinter.
func (p *SignatureResponsePayload) Footprint() string {
	return "request:" + hex.EncodeToString(p.Request)
}

// TripletPayload is one (member, meta, permission) grant. The member is sent
// by public key so that receivers learn it.
type TripletPayload struct {
	PublicKey  []byte `codec:"public_key"`
	Meta       string `codec:"meta"`
	Permission string `codec:"permission"`
}

// AuthorizePayload is the payload of dispersy-authorize and dispersy-revoke.
type AuthorizePayload struct {
	Triplets []TripletPayload `codec:"triplets"`
}

// Destroy degrees.
const (
	SoftKill = "soft-kill"
	HardKill = "hard-kill"
)

// DestroyCommunityPayload ends a community.
type DestroyCommunityPayload struct {
	Degree string `codec:"degree"`
}

// Footprint implements message.Footprinter.
func (p *DestroyCommunityPayload) Footprint() string {
	return "degree:" + p.Degree
}

// IsHardKill reports whether the stored data must be purged.
func (p *DestroyCommunityPayload) IsHardKill() bool {
	return p.Degree == HardKill
}

// SubjectiveSetPayload publishes the bloom filter of the public keys a member
// is interested in for a cluster.
type SubjectiveSetPayload struct {
	Cluster int    `codec:"cluster"`
	Bloom   []byte `codec:"bloom"`
}

// Footprint implements message.Footprinter.
func (p *SubjectiveSetPayload) Footprint() string {
	return clusterFootprint(p.Cluster)
}

// SubjectiveSetRequestPayload asks for the subjective sets of members.
type SubjectiveSetRequestPayload struct {
	Cluster int      `codec:"cluster"`
	Members [][]byte `codec:"members"`
}

func clusterFootprint(cluster int) string {
	return fmt.Sprintf("cluster:%d", cluster)
}
