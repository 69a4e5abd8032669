package dispersy

import (
	"fmt"

	"github.com/mosaicnetworks/dispersy/src/common"
	"github.com/mosaicnetworks/dispersy/src/community"
	"github.com/mosaicnetworks/dispersy/src/member"
	"github.com/mosaicnetworks/dispersy/src/message"
)

// implement builds and encodes a message of the named meta. Signers with a
// private key sign it.
func (d *Dispersy) implement(c *community.Community,
	name string,
	signers []*member.Member,
	dist message.DistributionImpl,
	dest message.DestinationImpl,
	payload interface{},
) (*message.Message, error) {
	meta, err := c.Meta(name)
	if err != nil {
		return nil, err
	}
	msg := meta.Implement(message.AuthenticationImpl{Members: signers}, dist, dest, payload)
	return c.Conversion().Encode(msg)
}

// CreateMessage creates a message of a single member meta signed by our
// member, claims a global time and the next sequence number when the meta
// uses them, then stores, handles and forwards it as asked.
func (d *Dispersy) CreateMessage(c *community.Community, name string, payload interface{}, persist, update, forward bool) (*message.Message, error) {
	meta, err := c.Meta(name)
	if err != nil {
		return nil, err
	}
	if _, ok := meta.Authentication.(message.MemberAuthentication); !ok {
		return nil, fmt.Errorf("%s is not signed by a single member", name)
	}

	dist := message.DistributionImpl{GlobalTime: c.GlobalTime()}
	if policy, ok := message.Sync(meta.Distribution); ok {
		dist.GlobalTime = c.ClaimGlobalTime()
		if policy.EnableSequenceNumber {
			if dist.Sequence, err = d.nextSequence(c, name, c.MyMember()); err != nil {
				return nil, err
			}
		}
	}

	msg, err := d.implement(c, name, []*member.Member{c.MyMember()}, dist, message.DestinationImpl{}, payload)
	if err != nil {
		return nil, err
	}
	if _, ok := meta.Resolution.(message.LinearResolution); ok && !c.Timeline().Check(msg) {
		return nil, fmt.Errorf("%s may not create %s", c.MyMember(), name)
	}
	if err := d.StoreUpdateForward(c, []*message.Message{msg}, persist, update, forward); err != nil {
		return nil, err
	}
	return msg, nil
}

// ProposeMessage builds a multi member message signed by every member whose
// private key we hold. The missing signatures are collected with
// CreateSignatureRequest.
func (d *Dispersy) ProposeMessage(c *community.Community, name string, members []*member.Member, payload interface{}) (*message.Message, error) {
	meta, err := c.Meta(name)
	if err != nil {
		return nil, err
	}
	auth, ok := meta.Authentication.(message.MultiMemberAuthentication)
	if !ok {
		return nil, fmt.Errorf("%s is not signed by multiple members", name)
	}
	if len(members) != auth.Count {
		return nil, fmt.Errorf("%s needs %d members, got %d", name, auth.Count, len(members))
	}
	return d.implement(c, name, members,
		message.DistributionImpl{GlobalTime: c.ClaimGlobalTime()},
		message.DestinationImpl{},
		payload)
}

// sendTo creates an unsigned Direct message and sends it to addr.
func (d *Dispersy) sendTo(c *community.Community, name string, addr common.Address, payload interface{}) error {
	msg, err := d.implement(c, name, nil,
		message.DistributionImpl{GlobalTime: c.GlobalTime()},
		message.DestinationImpl{Addresses: []common.Address{addr}},
		payload)
	if err != nil {
		return err
	}
	return d.StoreUpdateForward(c, []*message.Message{msg}, false, false, true)
}

// nextSequence returns the sequence number of the next message of a member
// for a meta.
func (d *Dispersy) nextSequence(c *community.Community, name string, m *member.Member) (uint32, error) {
	seq, err := d.store.HighestSequence(c.ID(), name, m.MID())
	if err != nil {
		return 0, err
	}
	return seq + 1, nil
}

// sendPackets sends stored packets to addr until limit bytes are used. A
// limit of 0 sends everything.
func (d *Dispersy) sendPackets(addr common.Address, packets [][]byte, limit int) int {
	var out [][]byte
	used := 0
	for _, p := range packets {
		out = append(out, p)
		used += len(p)
		if limit > 0 && used >= limit {
			break
		}
	}
	if len(out) > 0 {
		d.send([]common.Address{addr}, out...)
	}
	return len(out)
}
