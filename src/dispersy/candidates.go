package dispersy

import (
	"time"

	"github.com/mosaicnetworks/dispersy/src/callback"
	"github.com/mosaicnetworks/dispersy/src/common"
	"github.com/mosaicnetworks/dispersy/src/community"
	"github.com/mosaicnetworks/dispersy/src/crypto"
	"github.com/mosaicnetworks/dispersy/src/member"
	"github.com/mosaicnetworks/dispersy/src/message"
)

func (d *Dispersy) periodicCandidateRequest(c *community.Community) callback.Task {
	return func() time.Duration {
		s := c.Settings()
		if s.CandidateRequestInterval <= 0 {
			return callback.Stop
		}
		targets := d.candidates.MixedCandidates(c.ID(), s.CandidateRequestMemberCount, s.CandidateRequestDiffRange, s.CandidateRequestAgeRange)
		for _, t := range targets {
			if _, err := d.CreateCandidateRequest(c, t.Address, nil, 0); err != nil {
				c.Logger().WithError(err).WithField("address", t.Address).Error("Creating candidate request")
			}
		}
		return s.CandidateRequestInterval
	}
}

// CreateCandidateRequest introduces us to addr. The request carries our
// external address, addr itself and the routes we know. When response is not
// nil it is called with the matching dispersy-candidate-response, or with nil
// once timeout expires.
func (d *Dispersy) CreateCandidateRequest(c *community.Community, addr common.Address, response func(*message.Message), timeout time.Duration) (*message.Message, error) {
	s := c.Settings()
	msg, err := d.implement(c, CandidateRequest, []*member.Member{c.MyMember()},
		message.DistributionImpl{GlobalTime: c.GlobalTime()},
		message.DestinationImpl{Addresses: []common.Address{addr}},
		&CandidateRequestPayload{
			Source:      d.candidates.ExternalAddress(),
			Destination: addr,
			Routes:      d.candidates.Routes(c.ID(), s.CandidateAgeRange, s.CandidateLimit),
		})
	if err != nil {
		return nil, err
	}

	if response != nil {
		meta, err := c.Meta(CandidateResponse)
		if err != nil {
			return nil, err
		}
		id := crypto.SHA1(msg.Packet)
		pattern := meta.GenerateFootprint(message.FootprintFilter{
			Payload: "request:" + id.Hex(),
		})
		d.triggers.Await(pattern, response, 1, timeout)
	}

	if err := d.StoreUpdateForward(c, []*message.Message{msg}, false, false, true); err != nil {
		return nil, err
	}
	return msg, nil
}

// onCandidateRequest learns from introductions: the requester tells us at
// which address it reached us and which peers it knows. Every request is
// answered with our own view.
func (d *Dispersy) onCandidateRequest(c *community.Community, msgs []*message.Message) error {
	s := c.Settings()
	responses := make([]*message.Message, 0, len(msgs))
	for _, msg := range msgs {
		p := msg.Payload.(*CandidateRequestPayload)
		d.candidates.ExternalAddressVote(p.Destination, msg.Address)

		resp, err := d.implement(c, CandidateResponse, []*member.Member{c.MyMember()},
			message.DistributionImpl{GlobalTime: c.GlobalTime()},
			message.DestinationImpl{Addresses: []common.Address{msg.Address}},
			&CandidateResponsePayload{
				Request:     crypto.SHA1(msg.Packet).Bytes(),
				Source:      d.candidates.ExternalAddress(),
				Destination: msg.Address,
				Routes:      d.candidates.Routes(c.ID(), s.CandidateAgeRange, s.CandidateLimit),
			})
		if err != nil {
			return err
		}
		responses = append(responses, resp)

		d.candidates.UpdateRoutes(c.ID(), p.Routes)
	}
	return d.StoreUpdateForward(c, responses, false, false, true)
}

func (d *Dispersy) onCandidateResponse(c *community.Community, msgs []*message.Message) error {
	for _, msg := range msgs {
		p := msg.Payload.(*CandidateResponsePayload)
		d.candidates.ExternalAddressVote(p.Destination, msg.Address)
		d.candidates.UpdateRoutes(c.ID(), p.Routes)
	}
	return nil
}
