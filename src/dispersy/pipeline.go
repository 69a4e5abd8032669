package dispersy

import (
	"fmt"
	"regexp"

	"github.com/sirupsen/logrus"

	"github.com/mosaicnetworks/dispersy/src/common"
	"github.com/mosaicnetworks/dispersy/src/community"
	"github.com/mosaicnetworks/dispersy/src/crypto"
	"github.com/mosaicnetworks/dispersy/src/member"
	"github.com/mosaicnetworks/dispersy/src/message"
)

// Drop and delay reasons of the message stage.
const (
	reasonFrozen            = "community frozen"
	reasonBlacklisted       = "blacklisted member"
	reasonStoreError        = "store error"
	reasonDuplicate         = "duplicate message by member^global_time"
	reasonDuplicateSequence = "duplicate message by sequence_number"
	reasonOldMessage        = "old message by member^global_time"
	reasonMissingSequence   = "missing sequence numbers"
	reasonMissingProof      = "missing proof"
	reasonMissingSubjective = "missing subjective set"
)

// OnMessages processes decoded messages, grouped by meta.
func (d *Dispersy) OnMessages(msgs []*message.Message) {
	groups := make(map[*message.Meta][]*message.Message)
	order := []*message.Meta{}
	for _, msg := range msgs {
		if _, ok := groups[msg.Meta]; !ok {
			order = append(order, msg.Meta)
		}
		groups[msg.Meta] = append(groups[msg.Meta], msg)
	}

	for _, meta := range order {
		c, ok := d.loaded(meta.Community)
		if !ok {
			for _, msg := range groups[meta] {
				d.statistics.Drop(reasonUnknownCommunity, len(msg.Packet))
			}
			continue
		}
		d.OnMessageBatch(c, groups[meta])
	}
}

// OnMessageBatch runs messages of one meta through the checks and stores,
// handles and announces the accepted ones:
//
//  1. messages of blacklisted members, or beyond a freeze, are dropped
//  2. the distribution check removes duplicates and orders the batch
//  3. Linear messages need a permit in the timeline
//  4. the meta's own check
//  5. store, handle, commit
//  6. triggers waiting for the accepted messages are resolved
//
// Dropped messages are counted; delayed ones wait in a trigger while their
// prerequisite is requested from the sender.
func (d *Dispersy) OnMessageBatch(c *community.Community, msgs []*message.Message) {
	if len(msgs) == 0 {
		return
	}
	meta := msgs[0].Meta

	frozenAt, frozen := c.Frozen()
	pending := make([]*message.Message, 0, len(msgs))
	for _, msg := range msgs {
		switch {
		case frozen && msg.GlobalTime() > frozenAt:
			d.dropMessage(msg, reasonFrozen)
		case isBlacklisted(msg):
			d.dropMessage(msg, reasonBlacklisted)
		default:
			pending = append(pending, msg)
		}
	}

	if len(pending) > 0 {
		pending = d.apply(c, d.checkDistribution(c, pending))
	}
	if _, linear := meta.Resolution.(message.LinearResolution); linear && len(pending) > 0 {
		pending = d.apply(c, d.checkResolution(c, pending))
	}
	if meta.Check != nil && len(pending) > 0 {
		pending = d.apply(c, meta.Check(pending))
	}
	if len(pending) == 0 {
		return
	}

	var high uint64
	for _, msg := range pending {
		if msg.GlobalTime() > high {
			high = msg.GlobalTime()
		}
	}
	c.UpdateGlobalTime(high)

	if err := d.StoreUpdateForward(c, pending, true, true, false); err != nil {
		c.Logger().WithError(err).WithField("meta", meta.Name).Error("Storing batch")
		for _, msg := range pending {
			d.dropMessage(msg, reasonStoreError)
		}
		return
	}

	for _, msg := range pending {
		d.statistics.Success(meta.Name, len(msg.Packet))
	}
	c.Logger().WithFields(logrus.Fields{
		"meta":     meta.Name,
		"accepted": len(pending),
	}).Debug("Processed batch")

	d.triggers.OnMessages(pending)
}

func isBlacklisted(msg *message.Message) bool {
	for _, m := range msg.Auth.Members {
		if m.MustBlacklist() {
			return true
		}
	}
	return false
}

// apply carries out the drops and delays of a check and returns the
// accepted messages.
func (d *Dispersy) apply(c *community.Community, results []message.Result) []*message.Message {
	accepted := make([]*message.Message, 0, len(results))
	for _, r := range results {
		switch r.Outcome {
		case message.Accepted:
			accepted = append(accepted, r.Message)
		case message.Dropped:
			d.dropMessage(r.Message, r.Reason)
		case message.Delayed:
			d.delayMessage(c, r)
		default:
			panic(fmt.Sprintf("unknown outcome %v", r.Outcome))
		}
	}
	return accepted
}

func (d *Dispersy) dropMessage(msg *message.Message, reason string) {
	d.statistics.Drop(reason, len(msg.Packet))
	d.logger.WithFields(logrus.Fields{
		"message": msg,
		"address": msg.Address,
		"reason":  reason,
	}).Debug("Dropped message")
}

// delayMessage parks a message in a trigger waiting for its prerequisite.
// The prerequisite is requested from the sender unless an earlier message
// already asked for it.
func (d *Dispersy) delayMessage(c *community.Community, r message.Result) {
	msg := r.Message
	d.statistics.Delay(r.Reason, len(msg.Packet))

	pattern, request, err := d.prerequisite(c, r.Missing, msg.Address)
	if err != nil {
		c.Logger().WithError(err).Error("Delaying message")
		d.dropMessage(msg, r.Reason)
		return
	}

	extended := d.triggers.DelayMessages(pattern, []*message.Message{msg}, d.resumeMessages, c.Settings().TriggerTimeout)
	if extended {
		return
	}
	if err := request(); err != nil {
		c.Logger().WithError(err).WithField("reason", r.Reason).Error("Requesting prerequisite")
	}
}

// prerequisite returns the footprint pattern of the message that satisfies
// missing and the function requesting it from addr.
func (d *Dispersy) prerequisite(c *community.Community, missing message.Missing, addr common.Address) (*regexp.Regexp, func() error, error) {
	switch m := missing.(type) {
	case message.MissingIdentity:
		meta, err := c.Meta(Identity)
		if err != nil {
			return nil, nil, err
		}
		pattern := meta.GenerateFootprint(message.FootprintFilter{Members: []crypto.Digest{m.MID}})
		return pattern, func() error { return d.sendIdentityRequest(c, m.MID, addr) }, nil

	case message.MissingSequence:
		pattern := m.Meta.GenerateFootprint(message.FootprintFilter{
			Members:   []crypto.Digest{m.Member.MID()},
			Sequences: []uint32{m.High},
		})
		return pattern, func() error { return d.sendMissingSequence(c, m, addr) }, nil

	case message.MissingProof:
		meta, err := c.Meta(Authorize)
		if err != nil {
			return nil, nil, err
		}
		pattern := meta.GenerateFootprint(message.FootprintFilter{})
		return pattern, func() error { return d.sendMissingProof(c, m, addr) }, nil

	case message.MissingSubjectiveSet:
		meta, err := c.Meta(SubjectiveSet)
		if err != nil {
			return nil, nil, err
		}
		pattern := meta.GenerateFootprint(message.FootprintFilter{
			Members: []crypto.Digest{m.Member.MID()},
			Payload: regexp.QuoteMeta(clusterFootprint(m.Cluster)),
		})
		return pattern, func() error {
			return d.sendSubjectiveSetRequest(c, m.Cluster, []*member.Member{m.Member}, addr)
		}, nil

	default:
		panic(fmt.Sprintf("unknown missing prerequisite %T", missing))
	}
}

func (d *Dispersy) resumeMessages(msgs []*message.Message, satisfied bool) {
	if !satisfied {
		for _, msg := range msgs {
			d.dropMessage(msg, reasonDelayTimeout)
		}
		return
	}
	d.OnMessages(msgs)
}
