package dispersy

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mosaicnetworks/dispersy/src/common"
	"github.com/mosaicnetworks/dispersy/src/community"
	"github.com/mosaicnetworks/dispersy/src/crypto"
	"github.com/mosaicnetworks/dispersy/src/member"
	"github.com/mosaicnetworks/dispersy/src/message"
)

const (
	reasonInvalidProposal = "invalid signature request"
	reasonMasterSignature = "signature of the master member requested"
	reasonNothingToSign   = "nothing to sign"
	reasonRefused         = "signature refused"
)

// CreateSignatureRequest collects the missing signatures of a multi member
// message. The members that have not signed and whose private key we do not
// hold are sent a dispersy-signature-request. Once every signature is
// collected the message is stored, handled and forwarded, and response is
// called with it. If the responses do not complete the message before
// timeout, response is called with nil. response is called exactly once.
func (d *Dispersy) CreateSignatureRequest(c *community.Community, msg *message.Message, response func(*message.Message), timeout time.Duration) (*message.Message, error) {
	if _, ok := msg.Meta.Authentication.(message.MultiMemberAuthentication); !ok {
		return nil, fmt.Errorf("%s is not signed by multiple members", msg.Name())
	}
	if msg.Packet == nil {
		var err error
		if msg, err = c.Conversion().Encode(msg); err != nil {
			return nil, err
		}
	}

	var unsigned []*member.Member
	for i, m := range msg.Auth.Members {
		if len(msg.Auth.Signatures[i]) == 0 && !m.HasPrivateKey() {
			unsigned = append(unsigned, m)
		}
	}
	if len(unsigned) == 0 {
		return nil, fmt.Errorf("%s has no signature to request", msg)
	}

	request, err := d.implement(c, SignatureRequest, nil,
		message.DistributionImpl{GlobalTime: c.GlobalTime()},
		message.DestinationImpl{Members: unsigned},
		&SignatureRequestPayload{Packet: msg.Packet})
	if err != nil {
		return nil, err
	}

	meta, err := c.Meta(SignatureResponse)
	if err != nil {
		return nil, err
	}
	id := crypto.SHA1(request.Packet)
	pattern := meta.GenerateFootprint(message.FootprintFilter{Payload: "request:" + id.Hex()})

	current := msg
	remaining := len(unsigned)
	done := false
	d.triggers.Await(pattern, func(resp *message.Message) {
		if done {
			return
		}
		if resp == nil {
			done = true
			response(nil)
			return
		}

		remaining--
		if next := mergeSignature(current, resp.Payload.(*SignatureResponsePayload).Signature); next != nil {
			current = next
		}
		if current.Auth.IsSigned() {
			done = true
			c.UpdateGlobalTime(current.GlobalTime())
			if err := d.StoreUpdateForward(c, []*message.Message{current}, true, true, true); err != nil {
				c.Logger().WithError(err).WithField("message", current).Error("Storing signed message")
			}
			response(current)
			return
		}
		if remaining == 0 {
			done = true
			response(nil)
		}
	}, len(unsigned), timeout)

	if err := d.StoreUpdateForward(c, []*message.Message{request}, false, false, true); err != nil {
		return nil, err
	}
	return request, nil
}

// mergeSignature adds signature to the first unsigned member it verifies
// for. It returns nil when it matches none.
func mergeSignature(msg *message.Message, signature []byte) *message.Message {
	body := msg.Body()
	for i, m := range msg.Auth.Members {
		if len(msg.Auth.Signatures[i]) > 0 || !m.Verify(body, signature) {
			continue
		}
		next, err := msg.WithSignature(i, signature)
		if err != nil {
			return nil
		}
		return next
	}
	return nil
}

// checkSignatureRequest drops the requests we will not sign: the embedded
// message must decode, must not ask for the master's signature, must leave
// something for us to sign and must be allowed by its meta.
func (d *Dispersy) checkSignatureRequest(c *community.Community, msgs []*message.Message) []message.Result {
	res := make([]message.Result, len(msgs))
	for i, msg := range msgs {
		proposal, err := c.Conversion().DecodeProposal(msg.Address, msg.Payload.(*SignatureRequestPayload).Packet)
		if err != nil {
			res[i] = message.Drop(msg, reasonInvalidProposal)
			continue
		}
		auth, ok := proposal.Meta.Authentication.(message.MultiMemberAuthentication)
		if !ok {
			res[i] = message.Drop(msg, reasonInvalidProposal)
			continue
		}

		master, mine := false, false
		for j, m := range proposal.Auth.Members {
			if len(proposal.Auth.Signatures[j]) > 0 {
				continue
			}
			if m.MID() == c.Master().MID() {
				master = true
			}
			if m.HasPrivateKey() {
				mine = true
			}
		}
		switch {
		case master:
			res[i] = message.Drop(msg, reasonMasterSignature)
		case !mine:
			res[i] = message.Drop(msg, reasonNothingToSign)
		case auth.AllowSignature == nil || !auth.AllowSignature(proposal):
			res[i] = message.Drop(msg, reasonRefused)
		default:
			res[i] = message.Accept(msg)
		}
	}
	return res
}

// onSignatureRequest signs accepted proposals with every private key we hold
// for them and sends one response per signature to the requester.
func (d *Dispersy) onSignatureRequest(c *community.Community, msgs []*message.Message) error {
	var responses []*message.Message
	for _, msg := range msgs {
		proposal, err := c.Conversion().DecodeProposal(msg.Address, msg.Payload.(*SignatureRequestPayload).Packet)
		if err != nil {
			continue
		}
		id := crypto.SHA1(msg.Packet)
		body := proposal.Body()

		for j, m := range proposal.Auth.Members {
			if len(proposal.Auth.Signatures[j]) > 0 || !m.HasPrivateKey() {
				continue
			}
			sig, err := m.Sign(body)
			if err != nil {
				return err
			}
			resp, err := d.implement(c, SignatureResponse, nil,
				message.DistributionImpl{GlobalTime: c.GlobalTime()},
				message.DestinationImpl{Addresses: []common.Address{msg.Address}},
				&SignatureResponsePayload{Request: id.Bytes(), Signature: sig})
			if err != nil {
				return err
			}
			responses = append(responses, resp)
		}

		c.Logger().WithFields(logrus.Fields{
			"proposal": proposal,
			"address":  msg.Address,
		}).Debug("Signed proposal")
	}
	return d.StoreUpdateForward(c, responses, false, false, true)
}
