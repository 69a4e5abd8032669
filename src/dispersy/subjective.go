package dispersy

import (
	"github.com/mosaicnetworks/dispersy/src/bloom"
	"github.com/mosaicnetworks/dispersy/src/common"
	"github.com/mosaicnetworks/dispersy/src/community"
	"github.com/mosaicnetworks/dispersy/src/crypto"
	"github.com/mosaicnetworks/dispersy/src/member"
	"github.com/mosaicnetworks/dispersy/src/message"
)

const subjectiveSetErrorRate = 0.01

// CreateSubjectiveSet publishes the members whose messages of cluster we
// want to store and receive.
func (d *Dispersy) CreateSubjectiveSet(c *community.Community, cluster int, members []*member.Member) (*message.Message, error) {
	capacity := uint64(len(members))
	if capacity == 0 {
		capacity = 1
	}
	filter, err := bloom.New(capacity, subjectiveSetErrorRate)
	if err != nil {
		return nil, err
	}
	for _, m := range members {
		filter.Add(m.PublicKey())
	}
	data, err := filter.Bytes()
	if err != nil {
		return nil, err
	}

	msg, err := d.implement(c, SubjectiveSet, []*member.Member{c.MyMember()},
		message.DistributionImpl{GlobalTime: c.ClaimGlobalTime()},
		message.DestinationImpl{},
		&SubjectiveSetPayload{Cluster: cluster, Bloom: data})
	if err != nil {
		return nil, err
	}
	if err := d.StoreUpdateForward(c, []*message.Message{msg}, true, true, true); err != nil {
		return nil, err
	}
	return msg, nil
}

func (d *Dispersy) onSubjectiveSet(c *community.Community, msgs []*message.Message) error {
	for _, msg := range msgs {
		if err := d.applySubjectiveSet(c, msg); err != nil {
			c.Logger().WithError(err).WithField("member", msg.Member()).Warn("Invalid subjective set")
		}
	}
	return nil
}

func (d *Dispersy) applySubjectiveSet(c *community.Community, msg *message.Message) error {
	p := msg.Payload.(*SubjectiveSetPayload)
	filter, err := bloom.Decode(p.Bloom)
	if err != nil {
		return err
	}
	c.SetSubjectiveSet(msg.Member().MID(), p.Cluster, filter)
	return nil
}

func (d *Dispersy) sendSubjectiveSetRequest(c *community.Community, cluster int, members []*member.Member, addr common.Address) error {
	mids := make([][]byte, len(members))
	for i, m := range members {
		mids[i] = m.MID().Bytes()
	}
	return d.sendTo(c, SubjectiveSetRequest, addr, &SubjectiveSetRequestPayload{Cluster: cluster, Members: mids})
}

// onSubjectiveSetRequest sends our stored subjective sets of the requested
// members for the requested cluster.
func (d *Dispersy) onSubjectiveSetRequest(c *community.Community, msgs []*message.Message) error {
	for _, msg := range msgs {
		p := msg.Payload.(*SubjectiveSetRequestPayload)
		var packets [][]byte
		for _, raw := range p.Members {
			mid, err := crypto.DigestFromBytes(raw)
			if err != nil {
				continue
			}
			recs, err := d.store.SignerSetRecords(c.ID(), SubjectiveSet, []crypto.Digest{mid})
			if err != nil {
				return err
			}
			for _, r := range recs {
				stored, err := c.Conversion().DecodeMessage(common.LocalAddress, r.Packet)
				if err != nil {
					continue
				}
				if stored.Payload.(*SubjectiveSetPayload).Cluster == p.Cluster {
					packets = append(packets, r.Packet)
				}
			}
		}
		d.sendPackets(msg.Address, packets, 0)
	}
	return nil
}
