package dispersy

import (
	"math/rand"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mosaicnetworks/dispersy/src/bloom"
	"github.com/mosaicnetworks/dispersy/src/callback"
	"github.com/mosaicnetworks/dispersy/src/common"
	"github.com/mosaicnetworks/dispersy/src/community"
	"github.com/mosaicnetworks/dispersy/src/crypto"
	"github.com/mosaicnetworks/dispersy/src/member"
	"github.com/mosaicnetworks/dispersy/src/message"
	"github.com/mosaicnetworks/dispersy/src/store"
)

const reasonInvalidBloom = "invalid bloom filter"

func (d *Dispersy) periodicSync(c *community.Community) callback.Task {
	return func() time.Duration {
		interval := c.Settings().SyncInterval
		if interval <= 0 {
			return callback.Stop
		}
		if err := d.CreateSync(c); err != nil {
			c.Logger().WithError(err).Error("Creating sync")
		}
		return interval
	}
}

// CreateSync advertises the newest sync ranges of c to online candidates.
// Peers answer with the stored packets missing from our bloom filters.
func (d *Dispersy) CreateSync(c *community.Community) error {
	filters := c.SyncFilters()
	msgs := make([]*message.Message, 0, len(filters))
	for _, f := range filters {
		data, err := f.Bloom.Bytes()
		if err != nil {
			return err
		}
		msg, err := d.implement(c, Sync, []*member.Member{c.MyMember()},
			message.DistributionImpl{GlobalTime: c.GlobalTime()},
			message.DestinationImpl{},
			&SyncPayload{TimeLow: f.TimeLow, TimeHigh: f.TimeHigh, Bloom: data})
		if err != nil {
			return err
		}
		msgs = append(msgs, msg)
	}
	return d.StoreUpdateForward(c, msgs, false, false, true)
}

// checkSync answers sync requests. The stored packets of the requested range
// that the requester's bloom filter does not contain are sent back, in
// order of their direction, until the response limit is used. A request
// touching a subjective meta waits until the requester's subjective set is
// known.
func (d *Dispersy) checkSync(c *community.Community, msgs []*message.Message) []message.Result {
	res := make([]message.Result, 0, len(msgs))
	for _, msg := range msgs {
		p := msg.Payload.(*SyncPayload)
		filter, err := bloom.Decode(p.Bloom)
		if err != nil {
			res = append(res, message.Drop(msg, reasonInvalidBloom))
			continue
		}

		high := p.TimeHigh
		if high == 0 {
			high = c.GlobalTime()
		}
		recs, err := d.store.SyncRange(c.ID(), p.TimeLow, high)
		if err != nil {
			c.Logger().WithError(err).Error("Reading sync range")
			res = append(res, message.Drop(msg, reasonStoreError))
			continue
		}

		packets, missing := d.selectSyncPackets(c, msg.Member(), filter, orderSyncRecords(recs))
		if missing != nil {
			res = append(res, message.Delay(msg, reasonMissingSubjective, *missing))
			continue
		}
		res = append(res, message.Accept(msg))

		n := d.sendPackets(msg.Address, packets, c.Settings().SyncResponseLimit)
		c.Logger().WithFields(logrus.Fields{
			"address":   msg.Address,
			"time_low":  p.TimeLow,
			"time_high": high,
			"packets":   n,
		}).Debug("Answered sync")
	}
	return res
}

// orderSyncRecords returns the in-order records oldest first, then the
// out-order ones newest first, then the random ones shuffled. Higher
// priorities come first within each group.
func orderSyncRecords(recs []store.SyncRecord) []store.SyncRecord {
	var asc, desc, random []store.SyncRecord
	for _, r := range recs {
		switch message.Direction(r.Direction) {
		case message.DESC:
			desc = append(desc, r)
		case message.Random:
			random = append(random, r)
		default:
			asc = append(asc, r)
		}
	}
	sort.SliceStable(asc, func(i, j int) bool {
		if asc[i].Priority != asc[j].Priority {
			return asc[i].Priority > asc[j].Priority
		}
		return asc[i].GlobalTime < asc[j].GlobalTime
	})
	sort.SliceStable(desc, func(i, j int) bool {
		if desc[i].Priority != desc[j].Priority {
			return desc[i].Priority > desc[j].Priority
		}
		return desc[i].GlobalTime > desc[j].GlobalTime
	})
	rand.Shuffle(len(random), func(i, j int) { random[i], random[j] = random[j], random[i] })

	res := make([]store.SyncRecord, 0, len(recs))
	res = append(res, asc...)
	res = append(res, desc...)
	return append(res, random...)
}

// selectSyncPackets filters the records a requester is missing. It returns
// the subjective set to wait for when one is unknown.
func (d *Dispersy) selectSyncPackets(c *community.Community, requester *member.Member, filter *bloom.Filter, recs []store.SyncRecord) ([][]byte, *message.MissingSubjectiveSet) {
	var packets [][]byte
	for _, r := range recs {
		if filter.Contains(r.Packet) {
			continue
		}

		meta, err := c.Meta(r.Meta)
		if err != nil {
			continue
		}
		if dest, ok := meta.Destination.(message.SubjectiveDestination); ok {
			set, ok := c.SubjectiveSet(requester.MID(), dest.Cluster)
			if !ok {
				return nil, &message.MissingSubjectiveSet{Member: requester, Cluster: dest.Cluster}
			}
			creator, ok := d.directory.ByMID(r.Member)
			if !ok || !set.Contains(creator.PublicKey()) {
				continue
			}
		}
		packets = append(packets, r.Packet)
	}
	return packets, nil
}

// onMissingSequence sends the requested range of a member's messages,
// lowest sequence number first.
func (d *Dispersy) onMissingSequence(c *community.Community, msgs []*message.Message) error {
	for _, msg := range msgs {
		p := msg.Payload.(*MissingSequencePayload)
		mid, err := crypto.DigestFromBytes(p.Member)
		if err != nil {
			continue
		}
		recs, err := d.store.SequenceRange(c.ID(), p.Meta, mid, p.Low, p.High)
		if err != nil {
			return err
		}
		packets := make([][]byte, len(recs))
		for i, r := range recs {
			packets[i] = r.Packet
		}
		d.sendPackets(msg.Address, packets, c.Settings().MissingSequenceResponseLimit)
	}
	return nil
}

func (d *Dispersy) sendMissingSequence(c *community.Community, m message.MissingSequence, addr common.Address) error {
	return d.sendTo(c, MissingSequence, addr, &MissingSequencePayload{
		Member: m.Member.MID().Bytes(),
		Meta:   m.Meta.Name,
		Low:    m.Low,
		High:   m.High,
	})
}
