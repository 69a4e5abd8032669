package message

import "fmt"

// Authentication is the closed set of signing policies: NoAuthentication,
// MemberAuthentication and MultiMemberAuthentication.
type Authentication interface {
	isAuthentication()
}

// Encoding selects how a single signer is identified on the wire.
type Encoding string

const (
	// EncodingSHA1 puts the 20 byte mid on the wire. Receivers that do not
	// know the member must ask for its identity.
	EncodingSHA1 Encoding = "sha1"
	// EncodingBin puts the full public key on the wire.
	EncodingBin Encoding = "bin"
)

// NoAuthentication messages carry no signer and no signature.
type NoAuthentication struct{}

// MemberAuthentication messages are signed by exactly one member.
type MemberAuthentication struct {
	Encoding Encoding
}

// MultiMemberAuthentication messages are signed by Count members. Signatures
// are stored in member order; a missing signature is zero filled.
type MultiMemberAuthentication struct {
	Count int
	// AllowSignature is asked before this node adds its signature to a
	// message proposed by someone else. Nil refuses every request.
	AllowSignature func(msg *Message) bool
}

func (NoAuthentication) isAuthentication()          {}
func (MemberAuthentication) isAuthentication()      {}
func (MultiMemberAuthentication) isAuthentication() {}

// Resolution is the closed set of permission policies.
type Resolution interface {
	isResolution()
}

// PublicResolution messages may be created by anyone.
type PublicResolution struct{}

// LinearResolution messages require a permit in the permission timeline.
type LinearResolution struct{}

func (PublicResolution) isResolution() {}
func (LinearResolution) isResolution() {}

// Direction is the order in which a sync responder offers stored messages.
type Direction int

const (
	// ASC offers oldest first.
	ASC Direction = 1
	// DESC offers newest first.
	DESC Direction = 2
	// Random offers in random order.
	Random Direction = 3
)

// DefaultSyncPriority is used when a sync distribution has no priority.
const DefaultSyncPriority = 128

// Distribution is the closed set of persistence and replication policies.
type Distribution interface {
	isDistribution()
}

// DirectDistribution messages are processed and forgotten.
type DirectDistribution struct{}

// FullSyncDistribution messages are all kept and synchronized.
type FullSyncDistribution struct {
	EnableSequenceNumber bool
	Direction            Direction
	Priority             int
}

// LastSyncDistribution keeps the HistorySize most recent messages of each
// signer, or of each signer set for multi member authentication.
type LastSyncDistribution struct {
	EnableSequenceNumber bool
	Direction            Direction
	Priority             int
	HistorySize          int
}

func (DirectDistribution) isDistribution()   {}
func (FullSyncDistribution) isDistribution() {}
func (LastSyncDistribution) isDistribution() {}

// SyncPolicy is the part shared by the synchronized distributions.
type SyncPolicy struct {
	EnableSequenceNumber bool
	Direction            Direction
	Priority             int
}

// Sync returns the sync settings of d, and false for Direct.
func Sync(d Distribution) (SyncPolicy, bool) {
	switch dist := d.(type) {
	case DirectDistribution:
		return SyncPolicy{}, false
	case FullSyncDistribution:
		return SyncPolicy{dist.EnableSequenceNumber, dist.Direction, dist.Priority}, true
	case LastSyncDistribution:
		return SyncPolicy{dist.EnableSequenceNumber, dist.Direction, dist.Priority}, true
	default:
		panic(fmt.Sprintf("unknown distribution %T", d))
	}
}

// Destination is the closed set of forwarding policies.
type Destination interface {
	isDestination()
}

// AddressDestination messages go to explicit addresses.
type AddressDestination struct{}

// MemberDestination messages go to explicit members.
type MemberDestination struct{}

// CommunityDestination messages go to NodeCount online candidates.
type CommunityDestination struct {
	NodeCount int
}

// SubjectiveDestination messages go to NodeCount candidates and are only
// stored by members who put the creator in their subjective set for Cluster.
type SubjectiveDestination struct {
	Cluster   int
	NodeCount int
}

func (AddressDestination) isDestination()    {}
func (MemberDestination) isDestination()     {}
func (CommunityDestination) isDestination()  {}
func (SubjectiveDestination) isDestination() {}
