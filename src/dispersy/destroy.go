package dispersy

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/mosaicnetworks/dispersy/src/callback"
	"github.com/mosaicnetworks/dispersy/src/community"
	"github.com/mosaicnetworks/dispersy/src/member"
	"github.com/mosaicnetworks/dispersy/src/message"
	"github.com/mosaicnetworks/dispersy/src/store"
)

// preserved are the metas a hard kill keeps. They are enough for peers to
// verify the destroy message itself.
var preserved = []string{Authorize, Revoke, DestroyCommunity, Identity}

// CreateDestroyCommunity ends c. A soft kill freezes the community, a hard
// kill also purges everything but the permission, identity and destroy
// messages. Our member needs the permit permission on the destroy meta.
func (d *Dispersy) CreateDestroyCommunity(c *community.Community, degree string) (*message.Message, error) {
	if degree != SoftKill && degree != HardKill {
		return nil, fmt.Errorf("unknown destroy degree %q", degree)
	}

	msg, err := d.implement(c, DestroyCommunity, []*member.Member{c.MyMember()},
		message.DistributionImpl{GlobalTime: c.ClaimGlobalTime()},
		message.DestinationImpl{},
		&DestroyCommunityPayload{Degree: degree})
	if err != nil {
		return nil, err
	}
	if !c.Timeline().Check(msg) {
		return nil, fmt.Errorf("%s may not destroy %s", c.MyMember(), c.ID().Hex())
	}

	// peers must get the message before our handler purges the community
	d.forward(c, []*message.Message{msg})
	if err := d.StoreUpdateForward(c, []*message.Message{msg}, true, true, false); err != nil {
		return nil, err
	}
	return msg, nil
}

func (d *Dispersy) onDestroyCommunity(c *community.Community, msgs []*message.Message) error {
	hard := false
	var at uint64
	for _, msg := range msgs {
		if msg.Payload.(*DestroyCommunityPayload).IsHardKill() {
			hard = true
		}
		if at == 0 || msg.GlobalTime() < at {
			at = msg.GlobalTime()
		}
	}

	classification := c.Classification()
	if cleaner, ok := c.Definition().(community.Cleaner); ok {
		classification = cleaner.Cleanup(c, hard)
	}

	if hard {
		err := d.withTxn(func(txn store.Txn) error {
			return txn.PurgeCommunity(c.ID(), preserved)
		})
		if err != nil {
			return err
		}
	}
	c.Freeze(at)

	c.Logger().WithFields(logrus.Fields{
		"hard":           hard,
		"global_time":    at,
		"classification": classification,
	}).Info("Community destroyed")

	// the community is reloaded once the batch is committed
	d.scheduler.Register(callback.Once(func() {
		if _, err := d.ReclassifyCommunity(c, classification); err != nil {
			c.Logger().WithError(err).Error("Reloading destroyed community")
		}
	}), 0, 0, "")
	return nil
}

// DeclareMaliciousMember blacklists m and deletes every message of c it
// signed. Later messages of m are dropped on arrival.
func (d *Dispersy) DeclareMaliciousMember(c *community.Community, m *member.Member) error {
	if err := d.directory.SetTag(m, member.Blacklist, true); err != nil {
		return err
	}

	recs, err := d.store.SignedBy(c.ID(), m.MID())
	if err != nil {
		return err
	}
	err = d.withTxn(func(txn store.Txn) error {
		for _, r := range recs {
			if err := txn.DeleteSync(r); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	times := make([]uint64, len(recs))
	for i, r := range recs {
		times[i] = r.GlobalTime
	}
	if len(times) > 0 {
		if err := c.FreeSyncRange(times); err != nil {
			return err
		}
	}
	c.Logger().WithFields(logrus.Fields{
		"member":   m,
		"messages": len(recs),
	}).Warn("Declared malicious member")
	return nil
}
