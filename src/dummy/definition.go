// Package dummy is a demo community. It is used for testing and as an example
// for building Dispersy applications: members post texts, publish a status,
// co-sign contracts and whisper to the members of their subjective set.
package dummy

import (
	"fmt"
	"unicode/utf8"

	"github.com/mosaicnetworks/dispersy/src/community"
	"github.com/mosaicnetworks/dispersy/src/message"
)

// Classification of the demo community.
const Classification = "dummy"

// Meta message names.
const (
	Text     = "dummy-text"
	Status   = "dummy-status"
	Contract = "dummy-contract"
	Whisper  = "dummy-whisper"
)

// MaxTextLength is the longest text, status, contract or whisper accepted.
const MaxTextLength = 1024

// TextPayload is the payload of dummy-text and dummy-whisper messages.
type TextPayload struct {
	Text string `codec:"text"`
}

// Footprint implements message.Footprinter.
func (p *TextPayload) Footprint() string {
	return "text:" + p.Text
}

// StatusPayload is the payload of dummy-status messages.
type StatusPayload struct {
	Status string `codec:"status"`
}

// Footprint implements message.Footprinter.
func (p *StatusPayload) Footprint() string {
	return "status:" + p.Status
}

// ContractPayload is the payload of dummy-contract messages.
type ContractPayload struct {
	Terms string `codec:"terms"`
}

// Footprint implements message.Footprinter.
func (p *ContractPayload) Footprint() string {
	return "terms:" + p.Terms
}

// Definition implements community.Definition for the demo community. Accepted
// messages are applied to its State.
type Definition struct {
	state *State

	// AcceptContract decides whether our member co-signs a proposed
	// contract. Nil accepts everything.
	AcceptContract func(terms string) bool
}

// NewDefinition returns a definition applying messages to state.
func NewDefinition(state *State) *Definition {
	return &Definition{state: state}
}

// State returns the state fed by the definition.
func (def *Definition) State() *State {
	return def.state
}

// Classification implements community.Definition.
func (def *Definition) Classification() string {
	return Classification
}

// Metas implements community.Definition.
func (def *Definition) Metas(c *community.Community) ([]*message.Meta, error) {
	text, err := message.NewMeta(Text,
		message.MemberAuthentication{},
		message.LinearResolution{},
		message.FullSyncDistribution{EnableSequenceNumber: true},
		message.CommunityDestination{NodeCount: 10},
		message.WithPayload(func() interface{} { return &TextPayload{} }),
		message.WithCheck(checkLength),
		message.WithHandle(def.state.onText))
	if err != nil {
		return nil, err
	}

	status, err := message.NewMeta(Status,
		message.MemberAuthentication{},
		message.PublicResolution{},
		message.LastSyncDistribution{HistorySize: 1},
		message.CommunityDestination{NodeCount: 10},
		message.WithPayload(func() interface{} { return &StatusPayload{} }),
		message.WithCheck(checkLength),
		message.WithHandle(def.state.onStatus))
	if err != nil {
		return nil, err
	}

	contract, err := message.NewMeta(Contract,
		message.MultiMemberAuthentication{Count: 2, AllowSignature: def.allowSignature},
		message.PublicResolution{},
		message.LastSyncDistribution{HistorySize: 1},
		message.CommunityDestination{NodeCount: 10},
		message.WithPayload(func() interface{} { return &ContractPayload{} }),
		message.WithCheck(checkLength),
		message.WithHandle(def.state.onContract))
	if err != nil {
		return nil, err
	}

	whisper, err := message.NewMeta(Whisper,
		message.MemberAuthentication{},
		message.PublicResolution{},
		message.FullSyncDistribution{},
		message.SubjectiveDestination{Cluster: WhisperCluster, NodeCount: 10},
		message.WithPayload(func() interface{} { return &TextPayload{} }),
		message.WithCheck(checkLength),
		message.WithHandle(func(msgs []*message.Message) error {
			// whispers of members we do not trust are not stored, nor shown
			var trusted []*message.Message
			for _, msg := range msgs {
				if c.InMySubjectiveSet(WhisperCluster, msg.Member()) {
					trusted = append(trusted, msg)
				}
			}
			return def.state.onWhisper(trusted)
		}))
	if err != nil {
		return nil, err
	}

	return []*message.Meta{text, status, contract, whisper}, nil
}

// Cleanup implements community.Cleaner. A destroyed demo community keeps its
// classification; a hard kill also forgets the state.
func (def *Definition) Cleanup(c *community.Community, hard bool) string {
	if hard {
		def.state.Reset()
	}
	return Classification
}

func (def *Definition) allowSignature(msg *message.Message) bool {
	p, ok := msg.Payload.(*ContractPayload)
	if !ok {
		return false
	}
	if def.AcceptContract == nil {
		return true
	}
	return def.AcceptContract(p.Terms)
}

func payloadText(payload interface{}) (string, error) {
	switch p := payload.(type) {
	case *TextPayload:
		return p.Text, nil
	case *StatusPayload:
		return p.Status, nil
	case *ContractPayload:
		return p.Terms, nil
	default:
		return "", fmt.Errorf("unexpected payload %T", payload)
	}
}

// checkLength drops empty, oversized and non UTF-8 texts.
func checkLength(msgs []*message.Message) []message.Result {
	res := make([]message.Result, len(msgs))
	for i, msg := range msgs {
		s, err := payloadText(msg.Payload)
		switch {
		case err != nil:
			res[i] = message.Drop(msg, err.Error())
		case s == "":
			res[i] = message.Drop(msg, "empty text")
		case len(s) > MaxTextLength:
			res[i] = message.Drop(msg, "text too long")
		case !utf8.ValidString(s):
			res[i] = message.Drop(msg, "invalid text")
		default:
			res[i] = message.Accept(msg)
		}
	}
	return res
}
