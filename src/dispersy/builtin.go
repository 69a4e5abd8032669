package dispersy

import (
	"time"

	"github.com/mosaicnetworks/dispersy/src/community"
	"github.com/mosaicnetworks/dispersy/src/message"
)

const (
	identityPriority   = 512
	permissionPriority = 504
)

type metaSpec struct {
	name string
	auth message.Authentication
	res  message.Resolution
	dist message.Distribution
	dest message.Destination
	opts []message.MetaOption
}

// builtinMetas returns the meta messages every community carries. Their ids
// are assigned from 255 downwards in this order.
func (d *Dispersy) builtinMetas(c *community.Community) ([]*message.Meta, error) {
	signed := message.MemberAuthentication{Encoding: message.EncodingSHA1}
	public := message.PublicResolution{}
	direct := message.DirectDistribution{}
	address := message.AddressDestination{}

	specs := []metaSpec{
		{CandidateRequest, signed, public, direct, address, []message.MetaOption{
			message.WithPayload(func() interface{} { return &CandidateRequestPayload{} }),
			message.WithHandle(func(msgs []*message.Message) error { return d.onCandidateRequest(c, msgs) }),
		}},
		{CandidateResponse, signed, public, direct, address, []message.MetaOption{
			message.WithDelay(2500 * time.Millisecond),
			message.WithPayload(func() interface{} { return &CandidateResponsePayload{} }),
			message.WithHandle(func(msgs []*message.Message) error { return d.onCandidateResponse(c, msgs) }),
		}},
		{Identity, message.MemberAuthentication{Encoding: message.EncodingBin}, public,
			message.LastSyncDistribution{HistorySize: 1, Direction: message.ASC, Priority: identityPriority},
			message.CommunityDestination{NodeCount: 10},
			[]message.MetaOption{
				message.WithDelay(time.Second),
				message.WithPriority(identityPriority),
				message.WithPayload(func() interface{} { return &IdentityPayload{} }),
				message.WithHandle(func(msgs []*message.Message) error { return d.onIdentity(c, msgs) }),
			}},
		{IdentityRequest, message.NoAuthentication{}, public, direct, address, []message.MetaOption{
			message.WithPayload(func() interface{} { return &IdentityRequestPayload{} }),
			message.WithHandle(func(msgs []*message.Message) error { return d.onIdentityRequest(c, msgs) }),
		}},
		{Sync, signed, public, direct, message.CommunityDestination{NodeCount: c.Settings().SyncMemberCount}, []message.MetaOption{
			message.WithPayload(func() interface{} { return &SyncPayload{} }),
			message.WithCheck(func(msgs []*message.Message) []message.Result { return d.checkSync(c, msgs) }),
		}},
		{MissingSequence, message.NoAuthentication{}, public, direct, address, []message.MetaOption{
			message.WithPayload(func() interface{} { return &MissingSequencePayload{} }),
			message.WithHandle(func(msgs []*message.Message) error { return d.onMissingSequence(c, msgs) }),
		}},
		{MissingProof, message.NoAuthentication{}, public, direct, address, []message.MetaOption{
			message.WithPayload(func() interface{} { return &MissingProofPayload{} }),
			message.WithHandle(func(msgs []*message.Message) error { return d.onMissingProof(c, msgs) }),
		}},
		{SignatureRequest, message.NoAuthentication{}, public, direct, message.MemberDestination{}, []message.MetaOption{
			message.WithPayload(func() interface{} { return &SignatureRequestPayload{} }),
			message.WithCheck(func(msgs []*message.Message) []message.Result { return d.checkSignatureRequest(c, msgs) }),
			message.WithHandle(func(msgs []*message.Message) error { return d.onSignatureRequest(c, msgs) }),
		}},
		{SignatureResponse, message.NoAuthentication{}, public, direct, address, []message.MetaOption{
			message.WithPayload(func() interface{} { return &SignatureResponsePayload{} }),
		}},
		{Authorize, signed, public,
			message.FullSyncDistribution{EnableSequenceNumber: true, Direction: message.ASC, Priority: permissionPriority},
			message.CommunityDestination{NodeCount: 10},
			[]message.MetaOption{
				message.WithDelay(time.Second),
				message.WithPriority(permissionPriority),
				message.WithPayload(func() interface{} { return &AuthorizePayload{} }),
				message.WithCheck(func(msgs []*message.Message) []message.Result { return d.checkPermission(c, msgs, false) }),
				message.WithHandle(func(msgs []*message.Message) error { return d.onPermission(c, msgs, false) }),
			}},
		{Revoke, signed, public,
			message.FullSyncDistribution{EnableSequenceNumber: true, Direction: message.ASC, Priority: permissionPriority},
			message.CommunityDestination{NodeCount: 10},
			[]message.MetaOption{
				message.WithDelay(time.Second),
				message.WithPriority(permissionPriority),
				message.WithPayload(func() interface{} { return &AuthorizePayload{} }),
				message.WithCheck(func(msgs []*message.Message) []message.Result { return d.checkPermission(c, msgs, true) }),
				message.WithHandle(func(msgs []*message.Message) error { return d.onPermission(c, msgs, true) }),
			}},
		{DestroyCommunity, signed, message.LinearResolution{},
			message.FullSyncDistribution{Direction: message.ASC},
			message.CommunityDestination{NodeCount: 50},
			[]message.MetaOption{
				message.WithPayload(func() interface{} { return &DestroyCommunityPayload{} }),
				message.WithHandle(func(msgs []*message.Message) error { return d.onDestroyCommunity(c, msgs) }),
			}},
		{SubjectiveSet, signed, public,
			message.LastSyncDistribution{HistorySize: 1, Direction: message.ASC},
			message.CommunityDestination{NodeCount: 10},
			[]message.MetaOption{
				message.WithDelay(time.Second),
				message.WithPayload(func() interface{} { return &SubjectiveSetPayload{} }),
				message.WithHandle(func(msgs []*message.Message) error { return d.onSubjectiveSet(c, msgs) }),
			}},
		{SubjectiveSetRequest, message.NoAuthentication{}, public, direct, address, []message.MetaOption{
			message.WithPayload(func() interface{} { return &SubjectiveSetRequestPayload{} }),
			message.WithHandle(func(msgs []*message.Message) error { return d.onSubjectiveSetRequest(c, msgs) }),
		}},
	}

	metas := make([]*message.Meta, 0, len(specs))
	for _, s := range specs {
		meta, err := message.NewMeta(s.name, s.auth, s.res, s.dist, s.dest, s.opts...)
		if err != nil {
			return nil, err
		}
		metas = append(metas, meta)
	}
	return metas, nil
}
