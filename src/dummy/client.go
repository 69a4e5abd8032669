package dummy

import (
	"github.com/sirupsen/logrus"

	"github.com/mosaicnetworks/dispersy/src/community"
	"github.com/mosaicnetworks/dispersy/src/crypto"
	"github.com/mosaicnetworks/dispersy/src/dispersy"
	"github.com/mosaicnetworks/dispersy/src/member"
	"github.com/mosaicnetworks/dispersy/src/message"
)

// WhisperCluster is the subjective cluster of dummy-whisper messages.
const WhisperCluster = 1

// Client creates the messages of our member in a demo community. Its methods
// must be called from a task of the node's scheduler.
type Client struct {
	d      *dispersy.Dispersy
	cid    crypto.Digest
	logger *logrus.Entry
}

// NewClient returns a client of the demo community cid.
func NewClient(d *dispersy.Dispersy, cid crypto.Digest, logger *logrus.Entry) *Client {
	return &Client{
		d:      d,
		cid:    cid,
		logger: logger,
	}
}

// Community returns the demo community. It is looked up on every call since
// destroying a community reloads it.
func (cl *Client) Community() (*community.Community, error) {
	return cl.d.GetCommunity(cl.cid, false, true)
}

// Say posts a text to the community.
func (cl *Client) Say(text string) (*message.Message, error) {
	return cl.create(Text, &TextPayload{Text: text})
}

// SetStatus replaces the status of our member.
func (cl *Client) SetStatus(status string) (*message.Message, error) {
	return cl.create(Status, &StatusPayload{Status: status})
}

// Whisper posts a text only stored by the members that trust us.
func (cl *Client) Whisper(text string) (*message.Message, error) {
	return cl.create(Whisper, &TextPayload{Text: text})
}

func (cl *Client) create(name string, payload interface{}) (*message.Message, error) {
	c, err := cl.Community()
	if err != nil {
		return nil, err
	}
	msg, err := cl.d.CreateMessage(c, name, payload, true, true, true)
	if err != nil {
		return nil, err
	}
	cl.logger.WithFields(logrus.Fields{
		"meta":        name,
		"global_time": msg.GlobalTime(),
	}).Debug("Created message")
	return msg, nil
}

// Trust publishes the members whose whispers we want to receive.
func (cl *Client) Trust(members []*member.Member) (*message.Message, error) {
	c, err := cl.Community()
	if err != nil {
		return nil, err
	}
	return cl.d.CreateSubjectiveSet(c, WhisperCluster, members)
}

// ProposeContract signs a contract with other and asks for their signature.
// done receives the fully signed contract, or nil when other refused or did
// not answer in time.
func (cl *Client) ProposeContract(other *member.Member, terms string, done func(*message.Message)) error {
	c, err := cl.Community()
	if err != nil {
		return err
	}
	msg, err := cl.d.ProposeMessage(c, Contract, []*member.Member{c.MyMember(), other}, &ContractPayload{Terms: terms})
	if err != nil {
		return err
	}

	_, err = cl.d.CreateSignatureRequest(c, msg, func(signed *message.Message) {
		if signed == nil {
			cl.logger.WithField("member", other).Warn("Contract not signed")
		}
		if done != nil {
			done(signed)
		}
	}, c.Settings().TriggerTimeout)
	return err
}
