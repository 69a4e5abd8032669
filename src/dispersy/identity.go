package dispersy

import (
	"github.com/mosaicnetworks/dispersy/src/common"
	"github.com/mosaicnetworks/dispersy/src/community"
	"github.com/mosaicnetworks/dispersy/src/crypto"
	"github.com/mosaicnetworks/dispersy/src/member"
	"github.com/mosaicnetworks/dispersy/src/message"
)

// identityResponseLimit bounds the identity packets sent for one request.
const identityResponseLimit = 10

// CreateIdentity announces our public key and external address in c. Only
// the newest identity of a member is kept.
func (d *Dispersy) CreateIdentity(c *community.Community, forward bool) (*message.Message, error) {
	msg, err := d.implement(c, Identity, []*member.Member{c.MyMember()},
		message.DistributionImpl{GlobalTime: c.ClaimGlobalTime()},
		message.DestinationImpl{},
		&IdentityPayload{Address: d.candidates.ExternalAddress()})
	if err != nil {
		return nil, err
	}
	if err := d.StoreUpdateForward(c, []*message.Message{msg}, true, true, forward); err != nil {
		return nil, err
	}
	return msg, nil
}

func (d *Dispersy) onIdentity(c *community.Community, msgs []*message.Message) error {
	for _, msg := range msgs {
		p := msg.Payload.(*IdentityPayload)
		d.addresses.Add(msg.Member().MID(), p.Address)
	}
	return nil
}

func (d *Dispersy) sendIdentityRequest(c *community.Community, mid crypto.Digest, addr common.Address) error {
	return d.sendTo(c, IdentityRequest, addr, &IdentityRequestPayload{MID: mid.Bytes()})
}

// onIdentityRequest sends the stored identities of the requested member.
func (d *Dispersy) onIdentityRequest(c *community.Community, msgs []*message.Message) error {
	for _, msg := range msgs {
		p := msg.Payload.(*IdentityRequestPayload)
		mid, err := crypto.DigestFromBytes(p.MID)
		if err != nil {
			continue
		}
		recs, err := d.store.SignerSetRecords(c.ID(), Identity, []crypto.Digest{mid})
		if err != nil {
			return err
		}
		if len(recs) > identityResponseLimit {
			recs = recs[len(recs)-identityResponseLimit:]
		}
		packets := make([][]byte, len(recs))
		for i, r := range recs {
			packets[i] = r.Packet
		}
		d.sendPackets(msg.Address, packets, 0)
	}
	return nil
}
