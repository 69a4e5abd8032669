package dispersy

import (
	"fmt"
	"sort"

	"github.com/mosaicnetworks/dispersy/src/common"
	"github.com/mosaicnetworks/dispersy/src/community"
	"github.com/mosaicnetworks/dispersy/src/crypto"
	"github.com/mosaicnetworks/dispersy/src/member"
	"github.com/mosaicnetworks/dispersy/src/message"
	"github.com/mosaicnetworks/dispersy/src/store"
	"github.com/mosaicnetworks/dispersy/src/timeline"
)

const reasonInvalidTriplet = "invalid permission triplet"

// Triplet grants or revokes one permission on one meta to a member.
type Triplet struct {
	Member     *member.Member
	Meta       string
	Permission timeline.Permission
}

// CreateAuthorize grants the triplets. The message is signed by the master
// member when signWithMaster is set, which requires its private key, and by
// our own member otherwise.
func (d *Dispersy) CreateAuthorize(c *community.Community, triplets []Triplet, signWithMaster, forward bool) (*message.Message, error) {
	return d.createPermission(c, Authorize, triplets, signWithMaster, forward)
}

// CreateRevoke revokes the triplets from the global time of the message on.
func (d *Dispersy) CreateRevoke(c *community.Community, triplets []Triplet, signWithMaster, forward bool) (*message.Message, error) {
	return d.createPermission(c, Revoke, triplets, signWithMaster, forward)
}

func (d *Dispersy) createPermission(c *community.Community, name string, triplets []Triplet, signWithMaster, forward bool) (*message.Message, error) {
	if len(triplets) == 0 {
		return nil, fmt.Errorf("%s needs at least one triplet", name)
	}
	signer := c.MyMember()
	if signWithMaster {
		signer = c.Master()
		if !signer.HasPrivateKey() {
			return nil, fmt.Errorf("private key of the master member of %s is unknown", c.ID().Hex())
		}
	}

	payload := &AuthorizePayload{Triplets: make([]TripletPayload, len(triplets))}
	for i, tr := range triplets {
		if _, err := c.Meta(tr.Meta); err != nil {
			return nil, err
		}
		payload.Triplets[i] = TripletPayload{
			PublicKey:  tr.Member.PublicKey(),
			Meta:       tr.Meta,
			Permission: string(tr.Permission),
		}
	}

	seq, err := d.nextSequence(c, name, signer)
	if err != nil {
		return nil, err
	}
	msg, err := d.implement(c, name, []*member.Member{signer},
		message.DistributionImpl{GlobalTime: c.ClaimGlobalTime(), Sequence: seq},
		message.DestinationImpl{},
		payload)
	if err != nil {
		return nil, err
	}
	if err := d.StoreUpdateForward(c, []*message.Message{msg}, true, true, forward); err != nil {
		return nil, err
	}
	return msg, nil
}

// triplets resolves the members of a permission payload. They are only
// registered in the directory when register is set, once the message is
// accepted.
func (d *Dispersy) triplets(p *AuthorizePayload, register bool) ([]timeline.Triplet, error) {
	res := make([]timeline.Triplet, len(p.Triplets))
	for i, tr := range p.Triplets {
		m, known, err := d.directory.Lookup(tr.PublicKey)
		if err != nil {
			return nil, err
		}
		if register && !known {
			if m, err = d.directory.Register(m); err != nil {
				return nil, err
			}
		}
		perm, err := timeline.ParsePermission(tr.Permission)
		if err != nil {
			return nil, err
		}
		res[i] = timeline.Triplet{Member: m.MID(), Meta: tr.Meta, Permission: perm}
	}
	return res, nil
}

// checkPermission accepts the permission messages whose signer holds the
// authorize (or revoke) permission on every meta it names. The others wait
// for the missing proof.
func (d *Dispersy) checkPermission(c *community.Community, msgs []*message.Message, revoke bool) []message.Result {
	res := make([]message.Result, len(msgs))
	for i, msg := range msgs {
		triplets, err := d.triplets(msg.Payload.(*AuthorizePayload), false)
		if err != nil {
			res[i] = message.Drop(msg, reasonInvalidTriplet)
			continue
		}
		if c.Timeline().CheckGrants(msg.Member().MID(), msg.GlobalTime(), triplets, revoke) {
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

// onPermission applies the grants to the timeline and persists them with the
// batch.
func (d *Dispersy) onPermission(c *community.Community, msgs []*message.Message, revoke bool) error {
	var grants []store.GrantRecord
	for _, msg := range msgs {
		triplets, err := d.triplets(msg.Payload.(*AuthorizePayload), true)
		if err != nil {
			return err
		}
		signer := msg.Member().MID()
		if revoke {
			c.Timeline().Revoke(signer, msg.GlobalTime(), triplets)
		} else {
			c.Timeline().Authorize(signer, msg.GlobalTime(), triplets)
		}
		grants = append(grants, timeline.Records(c.ID(), signer, msg.GlobalTime(), triplets, revoke)...)
	}
	return d.withTxn(func(txn store.Txn) error {
		for _, g := range grants {
			if err := txn.InsertGrant(g); err != nil {
				return err
			}
		}
		return nil
	})
}

func (d *Dispersy) sendMissingProof(c *community.Community, m message.MissingProof, addr common.Address) error {
	return d.sendTo(c, MissingProof, addr, &MissingProofPayload{
		Member:     m.Member.MID().Bytes(),
		GlobalTime: m.GlobalTime,
	})
}

// onMissingProof sends every stored permission message older than the
// requested global time, oldest first.
func (d *Dispersy) onMissingProof(c *community.Community, msgs []*message.Message) error {
	var recs []store.SyncRecord
	for _, name := range []string{Authorize, Revoke} {
		r, err := d.store.MetaRecords(c.ID(), name)
		if err != nil {
			return err
		}
		recs = append(recs, r...)
	}
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].GlobalTime < recs[j].GlobalTime })

	for _, msg := range msgs {
		p := msg.Payload.(*MissingProofPayload)
		if _, err := crypto.DigestFromBytes(p.Member); err != nil {
			continue
		}
		var packets [][]byte
		for _, r := range recs {
			if r.GlobalTime < p.GlobalTime {
				packets = append(packets, r.Packet)
			}
		}
		d.sendPackets(msg.Address, packets, 0)
	}
	return nil
}
