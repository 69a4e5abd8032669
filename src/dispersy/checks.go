package dispersy

import (
	"fmt"
	"sort"

	"golang.org/x/time/rate"

	"github.com/mosaicnetworks/dispersy/src/common"
	"github.com/mosaicnetworks/dispersy/src/community"
	"github.com/mosaicnetworks/dispersy/src/crypto"
	"github.com/mosaicnetworks/dispersy/src/message"
	"github.com/mosaicnetworks/dispersy/src/store"
)

// checkDistribution orders a batch and removes what the distribution
// policy forbids.
func (d *Dispersy) checkDistribution(c *community.Community, msgs []*message.Message) []message.Result {
	message.SortMessages(msgs)

	switch dist := msgs[0].Meta.Distribution.(type) {
	case message.DirectDistribution:
		res := make([]message.Result, len(msgs))
		for i, msg := range msgs {
			res[i] = message.Accept(msg)
		}
		return res
	case message.FullSyncDistribution:
		return d.checkFullSync(c, msgs, dist)
	case message.LastSyncDistribution:
		return d.checkLastSync(c, msgs, dist)
	default:
		panic(fmt.Sprintf("unknown distribution %T", dist))
	}
}

func uniqueKey(msg *message.Message) string {
	return fmt.Sprintf("%s@%d", store.SignersKey(msg.Signers()), msg.GlobalTime())
}

// checkFullSync drops messages already stored or already in the batch and
// enforces contiguous sequence numbers.
func (d *Dispersy) checkFullSync(c *community.Community, msgs []*message.Message, dist message.FullSyncDistribution) []message.Result {
	res := make([]message.Result, 0, len(msgs))
	seen := make(map[string]bool, len(msgs))
	highest := make(map[crypto.Digest]uint32)

	for _, msg := range msgs {
		key := uniqueKey(msg)
		if seen[key] {
			res = append(res, message.Drop(msg, reasonDuplicate))
			continue
		}
		seen[key] = true

		has, err := d.store.HasSync(c.ID(), msg.Name(), msg.Signers(), msg.GlobalTime())
		if err != nil {
			c.Logger().WithError(err).Error("Checking stored message")
			res = append(res, message.Drop(msg, reasonStoreError))
			continue
		}
		if has {
			res = append(res, message.Drop(msg, reasonDuplicate))
			continue
		}

		if dist.EnableSequenceNumber {
			res = append(res, d.checkSequence(c, msg, highest))
			continue
		}
		res = append(res, message.Accept(msg))
	}
	return res
}

// checkSequence accepts the next sequence number of a member, drops the ones
// already seen and delays the ones after a gap. highest caches the last
// accepted sequence number per member across the batch.
func (d *Dispersy) checkSequence(c *community.Community, msg *message.Message, highest map[crypto.Digest]uint32) message.Result {
	mid := msg.Member().MID()
	seq, ok := highest[mid]
	if !ok {
		var err error
		seq, err = d.store.HighestSequence(c.ID(), msg.Name(), mid)
		if err != nil {
			c.Logger().WithError(err).Error("Reading highest sequence number")
			return message.Drop(msg, reasonStoreError)
		}
		highest[mid] = seq
	}

	got := msg.Distribution.Sequence
	switch {
	case got <= seq:
		return message.Drop(msg, reasonDuplicateSequence)
	case got == seq+1:
		highest[mid] = got
		return message.Accept(msg)
	default:
		return message.Delay(msg, reasonMissingSequence, message.MissingSequence{
			Member: msg.Member(),
			Meta:   msg.Meta,
			Low:    seq + 1,
			High:   got - 1,
		})
	}
}

type history struct {
	times  []uint64
	newest []byte
	gt     uint64
}

// checkLastSync keeps the HistorySize most recent messages of every signer
// set. Messages older than all of them are dropped; with a history of one the
// sender is sent our newest packet so it can catch up.
func (d *Dispersy) checkLastSync(c *community.Community, msgs []*message.Message, dist message.LastSyncDistribution) []message.Result {
	res := make([]message.Result, 0, len(msgs))
	seen := make(map[string]bool, len(msgs))
	histories := make(map[string]*history)
	highest := make(map[crypto.Digest]uint32)

	for _, msg := range msgs {
		key := uniqueKey(msg)
		if seen[key] {
			res = append(res, message.Drop(msg, reasonDuplicate))
			continue
		}
		seen[key] = true

		signers := store.SignersKey(msg.Signers())
		h, ok := histories[signers]
		if !ok {
			recs, err := d.store.SignerSetRecords(c.ID(), msg.Name(), msg.Signers())
			if err != nil {
				c.Logger().WithError(err).Error("Reading signer history")
				res = append(res, message.Drop(msg, reasonStoreError))
				continue
			}
			h = &history{}
			for _, r := range recs {
				h.add(r.GlobalTime, r.Packet)
			}
			histories[signers] = h
		}

		if h.contains(msg.GlobalTime()) {
			res = append(res, message.Drop(msg, reasonDuplicate))
			continue
		}
		if len(h.times) >= dist.HistorySize && h.oldest() > msg.GlobalTime() {
			if dist.HistorySize == 1 {
				d.repairSender(msg.Address, h.newest)
			}
			res = append(res, message.Drop(msg, reasonOldMessage))
			continue
		}

		if dist.EnableSequenceNumber {
			r := d.checkSequence(c, msg, highest)
			if r.Outcome != message.Accepted {
				res = append(res, r)
				continue
			}
		}

		h.add(msg.GlobalTime(), msg.Packet)
		h.trim(dist.HistorySize)
		res = append(res, message.Accept(msg))
	}
	return res
}

func (h *history) add(gt uint64, packet []byte) {
	h.times = append(h.times, gt)
	if gt > h.gt {
		h.gt = gt
		h.newest = packet
	}
}

func (h *history) contains(gt uint64) bool {
	for _, t := range h.times {
		if t == gt {
			return true
		}
	}
	return false
}

func (h *history) oldest() uint64 {
	res := h.times[0]
	for _, t := range h.times[1:] {
		if t < res {
			res = t
		}
	}
	return res
}

// trim keeps the size most recent times.
func (h *history) trim(size int) {
	if len(h.times) <= size {
		return
	}
	sort.Slice(h.times, func(i, j int) bool { return h.times[i] > h.times[j] })
	h.times = h.times[:size]
}

// repairSender sends our newest packet back to a peer that offered an
// outdated one, at most RepairRate times per second per address.
func (d *Dispersy) repairSender(addr common.Address, packet []byte) {
	if packet == nil || addr.IsLocal() {
		return
	}
	limiter, ok := d.repair.Get(addr)
	if !ok {
		limiter = rate.NewLimiter(d.conf.RepairRate, d.conf.RepairBurst)
		d.repair.Add(addr, limiter)
	}
	if !limiter.AllowN(d.now(), 1) {
		return
	}
	d.send([]common.Address{addr}, packet)
}

// checkResolution delays Linear messages whose signers cannot be proven to
// hold the permit right.
func (d *Dispersy) checkResolution(c *community.Community, msgs []*message.Message) []message.Result {
	res := make([]message.Result, len(msgs))
	for i, msg := range msgs {
		if c.Timeline().Check(msg) {
			res[i] = message.Accept(msg)
			continue
		}
		res[i] = message.Delay(msg, reasonMissingProof, message.MissingProof{
			Member:     msg.Member(),
			GlobalTime: msg.GlobalTime(),
		})
	}
	return res
}
