package dummy

import (
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/mosaicnetworks/dispersy/src/crypto"
	"github.com/mosaicnetworks/dispersy/src/message"
)

// Entry is one applied message.
type Entry struct {
	Members    []string `json:"members"`
	GlobalTime uint64   `json:"global_time"`
	Sequence   uint32   `json:"sequence,omitempty"`
	Text       string   `json:"text"`
}

func newEntry(msg *message.Message, text string) Entry {
	members := make([]string, len(msg.Auth.Members))
	for i, m := range msg.Auth.Members {
		members[i] = m.MID().Hex()
	}
	return Entry{
		Members:    members,
		GlobalTime: msg.GlobalTime(),
		Sequence:   msg.Distribution.Sequence,
		Text:       text,
	}
}

// State represents the state of our dummy application. It doesn't really do
// anything useful but save and log the messages it is handed. The state hash
// is computed by cumulatively hashing packets together as they come in, so
// two nodes that applied the same messages in the same order agree on it.
type State struct {
	sync.RWMutex

	texts     []Entry
	statuses  map[string]Entry
	contracts map[string]Entry
	whispers  []Entry
	stateHash []byte
	logger    *logrus.Entry
}

// NewState creates a new dummy state.
func NewState(logger *logrus.Entry) *State {
	state := &State{
		statuses:  make(map[string]Entry),
		contracts: make(map[string]Entry),
		logger:    logger,
	}

	logger.Info("Init Dummy State")

	return state
}

func (s *State) apply(msg *message.Message) {
	s.stateHash = crypto.SHA256(append(s.stateHash, msg.Packet...))
}

func (s *State) onText(msgs []*message.Message) error {
	s.Lock()
	defer s.Unlock()

	for _, msg := range msgs {
		p := msg.Payload.(*TextPayload)
		s.texts = append(s.texts, newEntry(msg, p.Text))
		s.apply(msg)
		s.logger.WithFields(logrus.Fields{
			"member": msg.Member(),
			"seq":    msg.Distribution.Sequence,
		}).Info(p.Text)
	}
	return nil
}

func (s *State) onStatus(msgs []*message.Message) error {
	s.Lock()
	defer s.Unlock()

	for _, msg := range msgs {
		p := msg.Payload.(*StatusPayload)
		key := msg.Member().MID().Hex()
		if old, ok := s.statuses[key]; ok && old.GlobalTime >= msg.GlobalTime() {
			continue
		}
		s.statuses[key] = newEntry(msg, p.Status)
		s.apply(msg)
	}
	return nil
}

func (s *State) onContract(msgs []*message.Message) error {
	s.Lock()
	defer s.Unlock()

	for _, msg := range msgs {
		p := msg.Payload.(*ContractPayload)
		e := newEntry(msg, p.Terms)
		key := e.Members[0] + ":" + e.Members[1]
		if old, ok := s.contracts[key]; ok && old.GlobalTime >= msg.GlobalTime() {
			continue
		}
		s.contracts[key] = e
		s.apply(msg)
		s.logger.WithField("members", e.Members).Info("Contract signed")
	}
	return nil
}

func (s *State) onWhisper(msgs []*message.Message) error {
	s.Lock()
	defer s.Unlock()

	for _, msg := range msgs {
		p := msg.Payload.(*TextPayload)
		s.whispers = append(s.whispers, newEntry(msg, p.Text))
		s.apply(msg)
	}
	return nil
}

// Texts returns the applied texts in arrival order.
func (s *State) Texts() []Entry {
	s.RLock()
	defer s.RUnlock()
	return append([]Entry(nil), s.texts...)
}

// Status returns the latest status of a member.
func (s *State) Status(mid crypto.Digest) (string, bool) {
	s.RLock()
	defer s.RUnlock()
	e, ok := s.statuses[mid.Hex()]
	return e.Text, ok
}

// Contracts returns the latest contract of every signer pair, ordered by
// global time.
func (s *State) Contracts() []Entry {
	s.RLock()
	defer s.RUnlock()
	res := make([]Entry, 0, len(s.contracts))
	for _, e := range s.contracts {
		res = append(res, e)
	}
	sort.Slice(res, func(i, j int) bool {
		return res[i].GlobalTime < res[j].GlobalTime
	})
	return res
}

// Whispers returns the applied whispers in arrival order.
func (s *State) Whispers() []Entry {
	s.RLock()
	defer s.RUnlock()
	return append([]Entry(nil), s.whispers...)
}

// Hash returns the state hash.
func (s *State) Hash() []byte {
	s.RLock()
	defer s.RUnlock()
	return s.stateHash
}

// Reset forgets everything.
func (s *State) Reset() {
	s.Lock()
	defer s.Unlock()
	s.texts = nil
	s.statuses = make(map[string]Entry)
	s.contracts = make(map[string]Entry)
	s.whispers = nil
	s.stateHash = nil
	s.logger.Info("Reset Dummy State")
}
