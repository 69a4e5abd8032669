package dispersy

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/mosaicnetworks/dispersy/src/common"
	"github.com/mosaicnetworks/dispersy/src/community"
	"github.com/mosaicnetworks/dispersy/src/message"
	"github.com/mosaicnetworks/dispersy/src/store"
)

// StoreUpdateForward stores, handles and forwards messages of one meta, in
// that order. The store writes and the handler share one transaction which
// is committed after the handler returns; the sync ranges are updated once
// it is committed. Messages of Direct metas are never stored.
func (d *Dispersy) StoreUpdateForward(c *community.Community, msgs []*message.Message, persist, update, forward bool) error {
	if len(msgs) == 0 {
		return nil
	}
	meta := msgs[0].Meta

	var (
		txn   store.Txn
		added []*store.SyncRecord
		freed []store.SyncRecord
	)
	if persist && meta.IsSynced() {
		var err error
		if txn, err = d.store.Begin(); err != nil {
			return err
		}
		outer := d.txn
		d.txn = txn
		defer func() { d.txn = outer }()

		added, freed, err = d.storeMessages(c, txn, msgs)
		if err != nil {
			txn.Discard()
			return err
		}
	}

	if update && meta.Handle != nil {
		if err := meta.Handle(msgs); err != nil {
			if txn != nil {
				txn.Discard()
			}
			return fmt.Errorf("handling %s: %w", meta.Name, err)
		}
	}

	if txn != nil {
		if err := txn.Commit(); err != nil {
			return err
		}

		for _, rec := range added {
			c.AddToSyncRange(rec.GlobalTime, rec.Packet)
		}
		if len(freed) > 0 {
			times := make([]uint64, len(freed))
			for i, rec := range freed {
				times[i] = rec.GlobalTime
			}
			if err := c.FreeSyncRange(times); err != nil {
				c.Logger().WithError(err).Error("Rebuilding sync range")
			}
		}
	}

	if forward {
		d.forward(c, msgs)
	}
	return nil
}

// withTxn runs f inside the transaction of the batch being stored, or in a
// transaction of its own when there is none.
func (d *Dispersy) withTxn(f func(txn store.Txn) error) error {
	if d.txn != nil {
		return f(d.txn)
	}
	txn, err := d.store.Begin()
	if err != nil {
		return err
	}
	if err := f(txn); err != nil {
		txn.Discard()
		return err
	}
	return txn.Commit()
}

// storeMessages inserts the messages worth keeping and deletes the stored
// records they push out of a LastSync history. It returns the inserted and
// the deleted records.
func (d *Dispersy) storeMessages(c *community.Community, txn store.Txn, msgs []*message.Message) ([]*store.SyncRecord, []store.SyncRecord, error) {
	meta := msgs[0].Meta
	policy, _ := message.Sync(meta.Distribution)

	cluster := 0
	subjective, isSubjective := meta.Destination.(message.SubjectiveDestination)
	if isSubjective {
		cluster = subjective.Cluster
	}

	keep := make([]*message.Message, 0, len(msgs))
	for _, msg := range msgs {
		creator := msg.Member()
		if creator.MustIgnore() {
			continue
		}
		if isSubjective && !creator.MustStore() && !c.InMySubjectiveSet(cluster, creator) {
			c.Logger().WithField("message", msg).Debug("Not storing message outside our subjective set")
			continue
		}
		keep = append(keep, msg)
	}

	var pruned []store.SyncRecord
	if last, ok := meta.Distribution.(message.LastSyncDistribution); ok {
		var err error
		keep, pruned, err = d.pruneHistory(c, keep, last.HistorySize)
		if err != nil {
			return nil, nil, err
		}
	}

	added := make([]*store.SyncRecord, 0, len(keep))
	for _, msg := range keep {
		rec := &store.SyncRecord{
			Community:  c.ID(),
			Meta:       meta.Name,
			Member:     msg.Member().MID(),
			Signers:    msg.Signers(),
			GlobalTime: msg.GlobalTime(),
			Sequence:   msg.Distribution.Sequence,
			Direction:  int(policy.Direction),
			Priority:   policy.Priority,
			Cluster:    cluster,
			Packet:     msg.Packet,
		}
		if err := txn.InsertSync(rec); err != nil {
			return nil, nil, fmt.Errorf("storing %s: %w", msg, err)
		}
		msg.ID = rec.ID
		added = append(added, rec)
	}

	for _, rec := range pruned {
		if err := txn.DeleteSync(rec); err != nil {
			return nil, nil, fmt.Errorf("pruning %s@%d: %w", rec.Meta, rec.GlobalTime, err)
		}
	}

	if len(pruned) > 0 {
		c.Logger().WithFields(logrus.Fields{
			"meta":   meta.Name,
			"pruned": len(pruned),
		}).Debug("Pruned history")
	}
	return added, pruned, nil
}

type historyEntry struct {
	gt     uint64
	packet []byte
	rec    *store.SyncRecord
	msg    *message.Message
}

// pruneHistory merges the stored records and the new messages of every signer
// set and keeps the size most recent. It returns the new messages that
// survive and the stored records to delete.
func (d *Dispersy) pruneHistory(c *community.Community, msgs []*message.Message, size int) ([]*message.Message, []store.SyncRecord, error) {
	groups := make(map[string][]historyEntry)
	order := []string{}
	for _, msg := range msgs {
		key := store.SignersKey(msg.Signers())
		if _, ok := groups[key]; !ok {
			recs, err := d.store.SignerSetRecords(c.ID(), msg.Name(), msg.Signers())
			if err != nil {
				return nil, nil, err
			}
			entries := make([]historyEntry, 0, len(recs)+1)
			for i := range recs {
				entries = append(entries, historyEntry{gt: recs[i].GlobalTime, packet: recs[i].Packet, rec: &recs[i]})
			}
			groups[key] = entries
			order = append(order, key)
		}
		groups[key] = append(groups[key], historyEntry{gt: msg.GlobalTime(), packet: msg.Packet, msg: msg})
	}

	survivors := make(map[*message.Message]bool, len(msgs))
	var pruned []store.SyncRecord
	for _, key := range order {
		entries := groups[key]
		sort.SliceStable(entries, func(i, j int) bool {
			if entries[i].gt != entries[j].gt {
				return entries[i].gt > entries[j].gt
			}
			return bytes.Compare(entries[i].packet, entries[j].packet) > 0
		})
		for i, e := range entries {
			switch {
			case i < size && e.msg != nil:
				survivors[e.msg] = true
			case i >= size && e.rec != nil:
				pruned = append(pruned, *e.rec)
			}
		}
	}

	keep := make([]*message.Message, 0, len(msgs))
	for _, msg := range msgs {
		if survivors[msg] {
			keep = append(keep, msg)
		}
	}
	return keep, pruned, nil
}

// forward sends messages to the targets of their destination policy.
func (d *Dispersy) forward(c *community.Community, msgs []*message.Message) {
	for _, msg := range msgs {
		if creator := msg.Member(); creator != nil && creator.MustIgnore() {
			continue
		}

		var targets []common.Address
		switch dest := msg.Meta.Destination.(type) {
		case message.CommunityDestination:
			targets = d.onlineAddresses(c, dest.NodeCount)
		case message.SubjectiveDestination:
			targets = d.onlineAddresses(c, dest.NodeCount)
		case message.AddressDestination:
			targets = msg.Destination.Addresses
		case message.MemberDestination:
			for _, m := range msg.Destination.Members {
				addr, ok := d.addresses.Get(m.MID())
				if !ok {
					c.Logger().WithField("member", m).Warn("Unknown address of member")
					continue
				}
				targets = append(targets, addr)
			}
		default:
			panic(fmt.Sprintf("unknown destination %T", dest))
		}

		d.send(targets, msg.Packet)
	}
}

func (d *Dispersy) onlineAddresses(c *community.Community, limit int) []common.Address {
	cands := d.candidates.OnlineCandidates(c.ID(), limit)
	res := make([]common.Address, len(cands))
	for i, cand := range cands {
		res[i] = cand.Address
	}
	return res
}

// send writes packets to every valid address and records the outgoing
// contact.
func (d *Dispersy) send(addrs []common.Address, packets ...[]byte) {
	for _, addr := range addrs {
		if !d.candidates.IsValidExternalAddress(addr) {
			d.logger.WithField("address", addr).Debug("Not sending to invalid address")
			continue
		}
		sent := false
		for _, p := range packets {
			if err := d.transport.Send(addr, p); err != nil {
				d.logger.WithError(err).WithField("address", addr).Debug("Sending packet")
				continue
			}
			d.statistics.Sent(len(p))
			sent = true
		}
		if sent {
			d.candidates.RecordOutgoing(addr)
		}
	}
}
