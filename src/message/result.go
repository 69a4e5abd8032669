package message

import (
	"fmt"

	"github.com/mosaicnetworks/dispersy/src/crypto"
	"github.com/mosaicnetworks/dispersy/src/member"
)

// Outcome is the verdict of a pipeline stage on one message.
type Outcome int

const (
	// Accepted messages continue to the next stage.
	Accepted Outcome = iota
	// Dropped messages are counted and discarded.
	Dropped
	// Delayed messages wait in a trigger for a missing prerequisite.
	Delayed
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case Dropped:
		return "dropped"
	case Delayed:
		return "delayed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result is the outcome of a check for one message. Reason is set for drops
// and delays; Missing is set for delays.
type Result struct {
	Outcome Outcome
	Message *Message
	Reason  string
	Missing Missing
}

// Accept returns an Accepted result.
func Accept(msg *Message) Result {
	return Result{Outcome: Accepted, Message: msg}
}

// Drop returns a Dropped result.
func Drop(msg *Message, reason string) Result {
	return Result{Outcome: Dropped, Message: msg, Reason: reason}
}

// Delay returns a Delayed result.
func Delay(msg *Message, reason string, missing Missing) Result {
	return Result{Outcome: Delayed, Message: msg, Reason: reason, Missing: missing}
}

// Missing is the closed set of prerequisites a message can wait for.
type Missing interface {
	isMissing()
}

// MissingIdentity waits for the public key of a member known only by mid.
type MissingIdentity struct {
	MID crypto.Digest
}

// MissingSequence waits for sequence numbers Low..High of Member for Meta.
type MissingSequence struct {
	Member *member.Member
	Meta   *Meta
	Low    uint32
	High   uint32
}

// MissingProof waits for the authorize messages that give Member its
// permissions at GlobalTime.
type MissingProof struct {
	Member     *member.Member
	GlobalTime uint64
}

// MissingSubjectiveSet waits for the subjective set of Member for Cluster.
type MissingSubjectiveSet struct {
	Member  *member.Member
	Cluster int
}

func (MissingIdentity) isMissing()      {}
func (MissingSequence) isMissing()      {}
func (MissingProof) isMissing()         {}
func (MissingSubjectiveSet) isMissing() {}
