package message

import (
	"fmt"
	"time"

	"github.com/mosaicnetworks/dispersy/src/crypto"
)

// DefaultPriority is the batch dispatch priority of a meta without one.
const DefaultPriority = 128

// CheckFunc is the semantic check of a meta. It returns one Result per
// message.
type CheckFunc func(msgs []*Message) []Result

// HandleFunc processes accepted messages.
type HandleFunc func(msgs []*Message) error

// Meta is the immutable template of a class of messages.
type Meta struct {
	Name           string
	Authentication Authentication
	Resolution     Resolution
	Distribution   Distribution
	Destination    Destination

	// Delay is how long incoming packets are batched, counted from the first
	// one.
	Delay time.Duration
	// Priority orders batches that are due at the same time, higher first.
	Priority int
	// NewPayload returns a pointer to decode the payload into. Nil means
	// the message has no payload.
	NewPayload func() interface{}
	Check      CheckFunc
	Handle     HandleFunc

	// Set when the meta is registered in a community.
	ID        byte
	Community crypto.Digest
}

// MetaOption configures optional Meta fields.
type MetaOption func(*Meta)

// WithDelay sets the batching delay.
func WithDelay(d time.Duration) MetaOption {
	return func(m *Meta) { m.Delay = d }
}

// WithPriority sets the dispatch priority.
func WithPriority(p int) MetaOption {
	return func(m *Meta) { m.Priority = p }
}

// WithPayload sets the payload factory.
func WithPayload(f func() interface{}) MetaOption {
	return func(m *Meta) { m.NewPayload = f }
}

// WithCheck sets the semantic check.
func WithCheck(f CheckFunc) MetaOption {
	return func(m *Meta) { m.Check = f }
}

// WithHandle sets the handler.
func WithHandle(f HandleFunc) MetaOption {
	return func(m *Meta) { m.Handle = f }
}

// NewMeta validates the combination of policies and builds a Meta.
func NewMeta(name string, auth Authentication, res Resolution, dist Distribution, dest Destination, opts ...MetaOption) (*Meta, error) {
	if name == "" {
		return nil, fmt.Errorf("meta name is empty")
	}

	multi := false
	switch a := auth.(type) {
	case NoAuthentication:
	case MemberAuthentication:
		if a.Encoding == "" {
			a.Encoding = EncodingSHA1
			auth = a
		}
		if a.Encoding != EncodingSHA1 && a.Encoding != EncodingBin {
			return nil, fmt.Errorf("%s: unknown encoding %q", name, a.Encoding)
		}
	case MultiMemberAuthentication:
		if a.Count < 2 {
			return nil, fmt.Errorf("%s: multi member authentication needs at least 2 members", name)
		}
		multi = true
	default:
		panic(fmt.Sprintf("unknown authentication %T", auth))
	}
	_, noAuth := auth.(NoAuthentication)

	switch res.(type) {
	case PublicResolution:
	case LinearResolution:
		if noAuth {
			return nil, fmt.Errorf("%s: linear resolution needs authentication", name)
		}
	default:
		panic(fmt.Sprintf("unknown resolution %T", res))
	}

	switch d := dist.(type) {
	case DirectDistribution:
	case FullSyncDistribution:
		if noAuth {
			return nil, fmt.Errorf("%s: full sync distribution needs authentication", name)
		}
		if multi && d.EnableSequenceNumber {
			return nil, fmt.Errorf("%s: sequence numbers need single member authentication", name)
		}
		d.Direction, d.Priority = syncDefaults(d.Direction, d.Priority)
		dist = d
	case LastSyncDistribution:
		if noAuth {
			return nil, fmt.Errorf("%s: last sync distribution needs authentication", name)
		}
		if d.HistorySize < 1 {
			return nil, fmt.Errorf("%s: history size must be at least 1", name)
		}
		if multi && d.EnableSequenceNumber {
			return nil, fmt.Errorf("%s: sequence numbers need single member authentication", name)
		}
		d.Direction, d.Priority = syncDefaults(d.Direction, d.Priority)
		dist = d
	default:
		panic(fmt.Sprintf("unknown distribution %T", dist))
	}

	switch d := dest.(type) {
	case AddressDestination, MemberDestination:
	case CommunityDestination:
		if d.NodeCount < 0 {
			return nil, fmt.Errorf("%s: negative node count", name)
		}
	case SubjectiveDestination:
		if noAuth {
			return nil, fmt.Errorf("%s: subjective destination needs authentication", name)
		}
		if d.NodeCount < 0 {
			return nil, fmt.Errorf("%s: negative node count", name)
		}
	default:
		panic(fmt.Sprintf("unknown destination %T", dest))
	}

	meta := &Meta{
		Name:           name,
		Authentication: auth,
		Resolution:     res,
		Distribution:   dist,
		Destination:    dest,
		Priority:       DefaultPriority,
	}
	for _, o := range opts {
		o(meta)
	}
	return meta, nil
}

func syncDefaults(dir Direction, priority int) (Direction, int) {
	if dir == 0 {
		dir = ASC
	}
	if priority == 0 {
		priority = DefaultSyncPriority
	}
	return dir, priority
}

// SignatureCount is the number of signatures a packet of this meta carries.
func (m *Meta) SignatureCount() int {
	switch a := m.Authentication.(type) {
	case NoAuthentication:
		return 0
	case MemberAuthentication:
		return 1
	case MultiMemberAuthentication:
		return a.Count
	default:
		panic(fmt.Sprintf("unknown authentication %T", m.Authentication))
	}
}

// IsSynced reports whether messages of this meta are stored.
func (m *Meta) IsSynced() bool {
	_, ok := Sync(m.Distribution)
	return ok
}

// Implement creates an unsigned instance of the meta. The packet is filled
// in by the conversion.
func (m *Meta) Implement(auth AuthenticationImpl, dist DistributionImpl, dest DestinationImpl, payload interface{}) *Message {
	if auth.Signatures == nil {
		auth.Signatures = make([][]byte, len(auth.Members))
	}
	return &Message{
		Meta:         m,
		Auth:         auth,
		Distribution: dist,
		Destination:  dest,
		Payload:      payload,
	}
}

func (m *Meta) String() string {
	return m.Name
}
