package message

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/mosaicnetworks/dispersy/src/crypto"
)

// Footprinter is implemented by payloads that triggers can match on.
type Footprinter interface {
	Footprint() string
}

// Footprint identifies a message for trigger matching:
//
//	<name> Authentication:<mids> Distribution:<global time>[,<sequence>] Payload:<payload>
func (m *Message) Footprint() string {
	mids := make([]string, len(m.Auth.Members))
	for i, mem := range m.Auth.Members {
		mids[i] = mem.MID().Hex()
	}

	dist := strconv.FormatUint(m.Distribution.GlobalTime, 10)
	if p, ok := Sync(m.Meta.Distribution); ok && p.EnableSequenceNumber {
		dist += "," + strconv.FormatUint(uint64(m.Distribution.Sequence), 10)
	}

	payload := ""
	if f, ok := m.Payload.(Footprinter); ok {
		payload = f.Footprint()
	}

	return fmt.Sprintf("%s Authentication:%s Distribution:%s Payload:%s",
		m.Meta.Name, strings.Join(mids, ","), dist, payload)
}

// FootprintFilter restricts a generated footprint. Empty fields match
// anything; Payload is a regular expression.
type FootprintFilter struct {
	Members     []crypto.Digest
	GlobalTimes []uint64
	Sequences   []uint32
	Payload     string
}

// GenerateFootprint returns the expression matching the footprints of this
// meta's messages that satisfy the filter.
func (m *Meta) GenerateFootprint(f FootprintFilter) *regexp.Regexp {
	mids := "[0-9a-f,]*"
	if len(f.Members) > 0 {
		hexes := make([]string, len(f.Members))
		for i, d := range f.Members {
			hexes[i] = d.Hex()
		}
		mids = regexp.QuoteMeta(strings.Join(hexes, ","))
	}

	dist := "[0-9]+"
	if len(f.GlobalTimes) > 0 {
		alts := make([]string, len(f.GlobalTimes))
		for i, gt := range f.GlobalTimes {
			alts[i] = strconv.FormatUint(gt, 10)
		}
		dist = "(?:" + strings.Join(alts, "|") + ")"
	}
	if p, ok := Sync(m.Distribution); ok && p.EnableSequenceNumber {
		if len(f.Sequences) > 0 {
			alts := make([]string, len(f.Sequences))
			for i, s := range f.Sequences {
				alts[i] = strconv.FormatUint(uint64(s), 10)
			}
			dist += ",(?:" + strings.Join(alts, "|") + ")"
		} else {
			dist += ",[0-9]+"
		}
	}

	payload := ".*"
	if f.Payload != "" {
		payload = f.Payload
	}

	return regexp.MustCompile(fmt.Sprintf("^%s Authentication:%s Distribution:%s Payload:%s$",
		regexp.QuoteMeta(m.Name), mids, dist, payload))
}
