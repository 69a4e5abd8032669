package dispersy

import (
	"github.com/sirupsen/logrus"

	"github.com/mosaicnetworks/dispersy/src/callback"
	"github.com/mosaicnetworks/dispersy/src/community"
	"github.com/mosaicnetworks/dispersy/src/conversion"
	"github.com/mosaicnetworks/dispersy/src/crypto"
	"github.com/mosaicnetworks/dispersy/src/message"
	"github.com/mosaicnetworks/dispersy/src/net"
)

// Drop and delay reasons of the packet stage.
const (
	reasonInvalidSource     = "invalid source"
	reasonUnknownCommunity  = "unknown community"
	reasonUnknownConversion = "unknown conversion"
	reasonDuplicateInBatch  = "duplicate in batch"
	reasonDelayTimeout      = "delay timeout"
)

// DataCameIn hands received packets to the scheduler. It is safe to call
// from any goroutine.
func (d *Dispersy) DataCameIn(packets []net.Packet) {
	for _, p := range packets {
		d.statistics.Received(len(p.Data))
	}
	d.scheduler.Register(callback.Once(func() { d.OnIncomingPackets(packets) }), 0, IncomingPriority, "")
}

// OnIncomingPackets sorts packets into per meta batches. The first packet of
// a batch schedules its processing after the meta's delay; later packets
// join the pending batch.
func (d *Dispersy) OnIncomingPackets(packets []net.Packet) {
	for _, p := range packets {
		if !d.candidates.IsValidExternalAddress(p.Address) {
			d.dropPacket(p, reasonInvalidSource)
			continue
		}

		cid, ok := conversion.CommunityID(p.Data)
		if !ok {
			d.dropPacket(p, reasonUnknownCommunity)
			continue
		}
		c, err := d.GetCommunity(cid, false, true)
		if err != nil {
			d.dropPacket(p, reasonUnknownCommunity)
			continue
		}

		conv := c.Conversion()
		if !conv.CanDecode(p.Data) {
			d.dropPacket(p, reasonUnknownConversion)
			continue
		}
		meta, err := conv.DecodeMeta(p.Data)
		if err != nil {
			d.dropPacket(p, dropReason(err))
			continue
		}

		d.candidates.RecordIncoming(cid, p.Address)

		entry := batchEntry{address: p.Address, packet: p.Data}
		if batch, ok := d.batches[meta]; ok {
			d.batches[meta] = append(batch, entry)
			continue
		}
		d.batches[meta] = []batchEntry{entry}
		d.scheduler.Register(callback.Once(func() { d.onBatchExpired(meta) }), meta.Delay, meta.Priority, "")
	}
}

// onBatchExpired decodes a batch and hands the messages to OnMessageBatch.
func (d *Dispersy) onBatchExpired(meta *message.Meta) {
	entries := d.batches[meta]
	delete(d.batches, meta)

	c, ok := d.loaded(meta.Community)
	if !ok {
		for _, e := range entries {
			d.dropPacket(net.Packet{Address: e.address, Data: e.packet}, reasonUnknownCommunity)
		}
		return
	}

	seen := make(map[string]bool, len(entries))
	msgs := make([]*message.Message, 0, len(entries))
	for _, e := range entries {
		p := net.Packet{Address: e.address, Data: e.packet}
		if seen[string(e.packet)] {
			d.dropPacket(p, reasonDuplicateInBatch)
			continue
		}
		seen[string(e.packet)] = true

		msg, err := c.Conversion().DecodeMessage(e.address, e.packet)
		switch err := err.(type) {
		case nil:
			msgs = append(msgs, msg)
		case *conversion.DelayPacket:
			d.delayPacket(c, p, err)
		default:
			d.dropPacket(p, dropReason(err))
		}
	}

	if len(msgs) > 0 {
		d.OnMessageBatch(c, msgs)
	}
}

// delayPacket suspends a packet signed by an unknown member until its
// identity arrives, and asks the sender for it.
func (d *Dispersy) delayPacket(c *community.Community, p net.Packet, delay *conversion.DelayPacket) {
	missing, ok := delay.Missing.(message.MissingIdentity)
	if !ok {
		d.dropPacket(p, delay.Reason)
		return
	}
	d.statistics.Delay(delay.Reason, len(p.Data))

	identity, err := c.Meta(Identity)
	if err != nil {
		d.dropPacket(p, delay.Reason)
		return
	}
	pattern := identity.GenerateFootprint(message.FootprintFilter{Members: []crypto.Digest{missing.MID}})
	extended := d.triggers.DelayPackets(pattern, []net.Packet{p}, d.resumePackets, c.Settings().TriggerTimeout)
	if !extended {
		if err := d.sendIdentityRequest(c, missing.MID, p.Address); err != nil {
			c.Logger().WithError(err).Error("Requesting identity")
		}
	}
}

func (d *Dispersy) resumePackets(packets []net.Packet, satisfied bool) {
	if !satisfied {
		for _, p := range packets {
			d.dropPacket(p, reasonDelayTimeout)
		}
		return
	}
	d.OnIncomingPackets(packets)
}

func (d *Dispersy) dropPacket(p net.Packet, reason string) {
	d.statistics.Drop(reason, len(p.Data))
	d.logger.WithFields(logrus.Fields{
		"address": p.Address,
		"reason":  reason,
		"bytes":   len(p.Data),
	}).Debug("Dropped packet")
}

func dropReason(err error) string {
	if e, ok := err.(*conversion.DropPacket); ok {
		return e.Reason
	}
	return err.Error()
}
