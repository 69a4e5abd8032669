package dispersy

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mosaicnetworks/dispersy/src/common"
	"github.com/mosaicnetworks/dispersy/src/member"
	"github.com/mosaicnetworks/dispersy/src/message"
	"github.com/mosaicnetworks/dispersy/src/store"
)

func TestCreateCommunityGrantsLinearMetas(t *testing.T) {
	s := newSwarm(t, 1)
	a := s.nodes[0]
	c := a.community()

	assert.True(t, c.Master().HasPrivateKey())
	for _, name := range []string{"protected", DestroyCommunity} {
		meta, err := c.Meta(name)
		require.NoError(t, err)
		msg := meta.Implement(message.AuthenticationImpl{Members: []*member.Member{a.my}},
			message.DistributionImpl{GlobalTime: c.GlobalTime() + 1}, message.DestinationImpl{}, nil)
		assert.True(t, c.Timeline().Check(msg), name)
	}

	recs, err := a.store.MetaRecords(c.ID(), Authorize)
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	// the community of my member has an identity
	assert.Len(t, a.stored(Identity, a.my), 1)
}

func TestReloadCommunity(t *testing.T) {
	s := newSwarm(t, 1)
	a := s.nodes[0]
	a.create("text", "one")
	before := a.community().GlobalTime()

	a.d.DetachCommunity(a.cid)
	_, err := a.d.GetCommunity(a.cid, false, false)
	assert.Error(t, err)

	c, err := a.d.GetCommunity(a.cid, true, false)
	require.NoError(t, err)
	assert.Equal(t, before, c.GlobalTime())

	meta, err := c.Meta("protected")
	require.NoError(t, err)
	msg := meta.Implement(message.AuthenticationImpl{Members: []*member.Member{a.my}},
		message.DistributionImpl{GlobalTime: before + 1}, message.DestinationImpl{}, nil)
	assert.True(t, c.Timeline().Check(msg), "grants are reloaded")
}

// A member's messages 1, 2 and 3 are created; the receiver gets 3 first. It
// asks for 1..2, stores them, then accepts 3.
func TestOutOfOrderSequence(t *testing.T) {
	s := newSwarm(t, 2)
	s.introduce()
	a, b := s.nodes[0], s.nodes[1]

	m1 := a.create("text", "one")
	m2 := a.create("text", "two")
	m3 := a.create("text", "three")
	require.Equal(t, uint32(3), m3.Distribution.Sequence)

	b.receive(a, m3.Packet)
	s.run(2 * time.Second)

	assert.Equal(t, 1, b.d.Statistics().Delayed(reasonMissingSequence).Count)
	assert.Equal(t, 3, b.d.Statistics().Succeeded("text").Count)
	assert.Equal(t, []uint64{m1.GlobalTime(), m2.GlobalTime(), m3.GlobalTime()}, b.stored("text", a.my))

	seq, err := b.store.HighestSequence(a.cid, "text", a.my.MID())
	require.NoError(t, err)
	assert.Equal(t, uint32(3), seq)
}

func TestSequenceGapsAndDuplicates(t *testing.T) {
	s := newSwarm(t, 2)
	s.introduce()
	a, b := s.nodes[0], s.nodes[1]

	m1 := a.create("text", "one")
	b.receive(a, m1.Packet)
	s.run(time.Second)
	require.Equal(t, 1, b.d.Statistics().Succeeded("text").Count)

	// the same packet again, alone and twice in one batch
	b.receive(a, m1.Packet)
	s.run(time.Second)
	b.receive(a, m1.Packet, m1.Packet)
	s.run(time.Second)

	assert.Equal(t, 1, b.d.Statistics().Succeeded("text").Count)
	assert.Equal(t, 1, b.d.Statistics().Dropped(reasonDuplicateInBatch).Count)
	assert.Equal(t, 2, b.d.Statistics().Dropped(reasonDuplicate).Count)
	assert.Len(t, b.stored("text", a.my), 1)
}

// A LastSync meta with history 2 receives global times 5, 7, 6 and 9 in that
// order: 7 and 9 remain.
func TestLastSyncHistory(t *testing.T) {
	s := newSwarm(t, 2)
	s.introduce()
	a, b := s.nodes[0], s.nodes[1]

	for _, gt := range []uint64{5, 7, 6, 9} {
		b.receive(a, a.createAt("last", "x", gt).Packet)
		s.run(time.Second)
	}
	assert.Equal(t, []uint64{7, 9}, b.stored("last", a.my))
	assert.Equal(t, 4, b.d.Statistics().Succeeded("last").Count)

	// older than the whole history
	b.receive(a, a.createAt("last", "x", 4).Packet)
	s.run(time.Second)
	assert.Equal(t, 1, b.d.Statistics().Dropped(reasonOldMessage).Count)
	assert.Equal(t, []uint64{7, 9}, b.stored("last", a.my))

	// already kept
	b.receive(a, a.createAt("last", "x", 9).Packet)
	s.run(time.Second)
	assert.Equal(t, 1, b.d.Statistics().Dropped(reasonDuplicate).Count)
}

// The responder holds five messages, the requester two of them. The sync
// answer carries the three missing ones.
func TestSyncSendsMissingPackets(t *testing.T) {
	s := newSwarm(t, 2)
	s.introduce()
	a, b := s.nodes[0], s.nodes[1]

	var msgs []*message.Message
	for _, text := range []string{"1", "2", "3", "4", "5"} {
		msgs = append(msgs, a.create("text", text))
	}
	b.receive(a, msgs[0].Packet, msgs[1].Packet)
	s.run(time.Second)
	require.Equal(t, 2, b.d.Statistics().Succeeded("text").Count)

	require.NoError(t, b.d.CreateSync(b.community()))
	s.run(2 * time.Second)

	assert.Equal(t, 5, b.d.Statistics().Succeeded("text").Count)
	assert.Len(t, b.stored("text", a.my), 5)
	assert.Zero(t, b.d.Statistics().Dropped(reasonDuplicate).Count, "packets in the bloom filter are not sent")

	// nothing left to send
	require.NoError(t, b.d.CreateSync(b.community()))
	s.run(2 * time.Second)
	assert.Equal(t, 5, b.d.Statistics().Succeeded("text").Count)
}

func TestOrderSyncRecords(t *testing.T) {
	recs := []store.SyncRecord{
		{ID: 1, GlobalTime: 3, Direction: int(message.ASC), Priority: 128},
		{ID: 2, GlobalTime: 1, Direction: int(message.ASC), Priority: 128},
		{ID: 3, GlobalTime: 5, Direction: int(message.ASC), Priority: 512},
		{ID: 4, GlobalTime: 2, Direction: int(message.DESC), Priority: 128},
		{ID: 5, GlobalTime: 4, Direction: int(message.DESC), Priority: 128},
		{ID: 6, GlobalTime: 6, Direction: int(message.Random), Priority: 128},
	}
	res := orderSyncRecords(recs)
	ids := make([]uint64, len(res))
	for i, r := range res {
		ids[i] = r.ID
	}
	assert.Equal(t, []uint64{3, 2, 1, 5, 4, 6}, ids)
}

// A two member message is proposed; the other member signs it and the
// completed message is stored and spread.
func TestSignatureRequest(t *testing.T) {
	s := newSwarm(t, 2)
	s.introduce()
	a, b := s.nodes[0], s.nodes[1]
	c := a.community()

	other, err := a.d.Directory().Get(b.my.PublicKey())
	require.NoError(t, err)
	proposal, err := a.d.ProposeMessage(c, "double", []*member.Member{a.my, other}, &textPayload{Text: "deal"})
	require.NoError(t, err)
	require.False(t, proposal.Auth.IsSigned())

	var calls []*message.Message
	_, err = a.d.CreateSignatureRequest(c, proposal, func(msg *message.Message) {
		calls = append(calls, msg)
	}, 5*time.Second)
	require.NoError(t, err)

	s.run(3 * time.Second)
	require.Len(t, calls, 1)
	require.NotNil(t, calls[0])
	assert.True(t, calls[0].Auth.IsSigned())
	assert.Len(t, a.stored("double", a.my), 0, "multi member messages are indexed by signer set")

	recs, err := a.store.MetaRecords(a.cid, "double")
	require.NoError(t, err)
	assert.Len(t, recs, 1)
	assert.Equal(t, 1, b.d.Statistics().Succeeded("double").Count)

	s.run(5 * time.Second)
	assert.Len(t, calls, 1, "the timeout does not call back again")
}

func TestSignatureRequestTimeout(t *testing.T) {
	s := newSwarm(t, 2)
	s.introduce()
	a, b := s.nodes[0], s.nodes[1]
	b.def.allow = false
	c := a.community()

	other, err := a.d.Directory().Get(b.my.PublicKey())
	require.NoError(t, err)
	proposal, err := a.d.ProposeMessage(c, "double", []*member.Member{a.my, other}, &textPayload{Text: "deal"})
	require.NoError(t, err)

	var calls []*message.Message
	_, err = a.d.CreateSignatureRequest(c, proposal, func(msg *message.Message) {
		calls = append(calls, msg)
	}, 5*time.Second)
	require.NoError(t, err)

	s.run(3 * time.Second)
	assert.Empty(t, calls)
	assert.Equal(t, 1, b.d.Statistics().Dropped(reasonRefused).Count)

	s.run(3 * time.Second)
	require.Len(t, calls, 1)
	assert.Nil(t, calls[0])

	recs, err := a.store.MetaRecords(a.cid, "double")
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestSignatureRequestNeedsMissingSigners(t *testing.T) {
	s := newSwarm(t, 1)
	a := s.nodes[0]
	c := a.community()

	_, err := a.d.CreateSignatureRequest(c, a.create("text", "single"), func(*message.Message) {}, time.Second)
	assert.Error(t, err)

	// every private key is local: nothing to ask
	proposal, err := a.d.ProposeMessage(c, "double", []*member.Member{a.my, c.Master()}, &textPayload{Text: "x"})
	require.NoError(t, err)
	require.True(t, proposal.Auth.IsSigned())
	_, err = a.d.CreateSignatureRequest(c, proposal, func(*message.Message) {}, time.Second)
	assert.Error(t, err)
}

// A Linear message arriving before the grant that permits it waits for the
// proof, which the creator sends on request.
func TestMissingProof(t *testing.T) {
	s := newSwarm(t, 2)
	s.introduce()
	a, b := s.nodes[0], s.nodes[1]

	msg := a.create("protected", "secret")
	b.receive(a, msg.Packet)
	s.run(3 * time.Second)

	assert.Equal(t, 1, b.d.Statistics().Delayed(reasonMissingProof).Count)
	assert.Equal(t, 1, b.d.Statistics().Succeeded(Authorize).Count)
	assert.Equal(t, 1, b.d.Statistics().Succeeded("protected").Count)
	assert.True(t, b.community().Timeline().Check(msg))
}

// Grants reach a third member in any order and give the same outcome.
func TestPermissionOrderIndependence(t *testing.T) {
	s := newSwarm(t, 3)
	s.introduce()
	a, b, c := s.nodes[0], s.nodes[1], s.nodes[2]

	// a grants b the permit; b creates a protected message
	bOnA, err := a.d.Directory().Get(b.my.PublicKey())
	require.NoError(t, err)
	grant, err := a.d.CreateAuthorize(a.community(), []Triplet{{Member: bOnA, Meta: "protected", Permission: "permit"}}, false, false)
	require.NoError(t, err)
	b.receive(a, grant.Packet)
	s.run(3 * time.Second)
	require.Equal(t, 2, b.d.Statistics().Succeeded(Authorize).Count, "the grant and the proof of its signer")

	msg := b.create("protected", "from b")

	// c learns the grant chain in reverse order
	c.receive(b, msg.Packet)
	s.run(time.Second)
	c.receive(a, grant.Packet)
	s.run(5 * time.Second)

	assert.Equal(t, 1, c.d.Statistics().Succeeded("protected").Count)
	assert.True(t, c.community().Timeline().Check(msg))
	assert.Equal(t, a.community().Timeline().Check(msg), c.community().Timeline().Check(msg))
}

func TestRevoke(t *testing.T) {
	s := newSwarm(t, 2)
	s.introduce()
	a, b := s.nodes[0], s.nodes[1]
	c := a.community()

	bOnA, err := a.d.Directory().Get(b.my.PublicKey())
	require.NoError(t, err)
	triplets := []Triplet{{Member: bOnA, Meta: "protected", Permission: "permit"}}
	_, err = a.d.CreateAuthorize(c, triplets, false, true)
	require.NoError(t, err)
	s.run(4 * time.Second)

	early := b.create("protected", "allowed")
	_, err = a.d.CreateRevoke(c, triplets, false, true)
	require.NoError(t, err)
	s.run(2 * time.Second)

	assert.True(t, b.community().Timeline().Check(early))
	_, err = b.d.CreateMessage(b.community(), "protected", &textPayload{Text: "late"}, true, true, false)
	assert.Error(t, err)
}

// A packet signed by an unknown member waits for its identity.
func TestIdentityDelay(t *testing.T) {
	s := newSwarm(t, 2)
	a, b := s.nodes[0], s.nodes[1]

	msg := a.create("text", "hello")
	b.receive(a, msg.Packet)
	s.run(3 * time.Second)

	assert.Equal(t, 1, b.d.Statistics().Delayed("unknown member").Count)
	assert.Equal(t, 1, b.d.Statistics().Succeeded(Identity).Count)
	assert.Equal(t, 1, b.d.Statistics().Succeeded("text").Count)

	addr, ok := b.d.MemberAddress(a.my.MID())
	require.True(t, ok)
	assert.Equal(t, a.addr, addr)
}

func TestDelayTimeout(t *testing.T) {
	s := newSwarm(t, 2)
	a, b := s.nodes[0], s.nodes[1]

	// a never answers
	a.trans.SetFilter(func(common.Address, []byte) bool { return false })
	msg := a.create("text", "hello")
	b.receive(a, msg.Packet)
	s.run(b.community().Settings().TriggerTimeout + time.Second)

	assert.Equal(t, 1, b.d.Statistics().Dropped(reasonDelayTimeout).Count)
	assert.Zero(t, b.d.Triggers().Len())
}

// A sync touching a subjective meta waits until the requester's subjective
// set is known.
func TestSubjectiveSetDelay(t *testing.T) {
	s := newSwarm(t, 2)
	s.introduce()
	a, b := s.nodes[0], s.nodes[1]

	a.create("subjective", "for friends")

	aOnB, err := b.d.Directory().Get(a.my.PublicKey())
	require.NoError(t, err)
	b.trans.SetFilter(func(common.Address, []byte) bool { return false })
	_, err = b.d.CreateSubjectiveSet(b.community(), 1, []*member.Member{aOnB})
	require.NoError(t, err)
	b.trans.SetFilter(nil)
	require.True(t, b.community().InMySubjectiveSet(1, aOnB))

	require.NoError(t, b.d.CreateSync(b.community()))
	s.run(3 * time.Second)

	assert.Equal(t, 1, a.d.Statistics().Delayed(reasonMissingSubjective).Count)
	assert.Equal(t, 1, a.d.Statistics().Succeeded(SubjectiveSet).Count)
	assert.Equal(t, 1, b.d.Statistics().Succeeded("subjective").Count)
	assert.Len(t, b.stored("subjective", aOnB), 1)
}

func TestSubjectiveMessagesOutsideSetAreNotStored(t *testing.T) {
	s := newSwarm(t, 2)
	s.introduce()
	a, b := s.nodes[0], s.nodes[1]

	_, err := b.d.CreateSubjectiveSet(b.community(), 1, nil)
	require.NoError(t, err)

	msg := a.create("subjective", "ignored")
	b.receive(a, msg.Packet)
	s.run(time.Second)

	assert.Equal(t, 1, b.d.Statistics().Succeeded("subjective").Count)
	assert.Empty(t, b.stored("subjective", a.my))
}

func TestDestroyCommunity(t *testing.T) {
	s := newSwarm(t, 2)
	s.introduce()
	a, b := s.nodes[0], s.nodes[1]

	_, err := b.d.CreateDestroyCommunity(b.community(), SoftKill)
	assert.Error(t, err, "b holds no permit")

	_, err = a.d.CreateDestroyCommunity(a.community(), SoftKill)
	require.NoError(t, err)
	s.run(3 * time.Second)

	for _, n := range s.nodes {
		_, frozen := n.community().Frozen()
		assert.True(t, frozen, n.addr)
	}

	late := a.create("text", "too late")
	b.receive(a, late.Packet)
	s.run(time.Second)
	assert.Equal(t, 1, b.d.Statistics().Dropped(reasonFrozen).Count)
}

func TestHardKillPurges(t *testing.T) {
	s := newSwarm(t, 2)
	s.introduce()
	a, b := s.nodes[0], s.nodes[1]

	msg := a.create("text", "gone")
	b.receive(a, msg.Packet)
	s.run(time.Second)
	require.Len(t, b.stored("text", a.my), 1)

	_, err := a.d.CreateDestroyCommunity(a.community(), HardKill)
	require.NoError(t, err)
	s.run(3 * time.Second)

	for _, n := range s.nodes {
		assert.Empty(t, n.stored("text", a.my), n.addr)
		recs, err := n.store.MetaRecords(n.cid, DestroyCommunity)
		require.NoError(t, err)
		assert.Len(t, recs, 1, n.addr)
		assert.NotEmpty(t, n.stored(Identity, a.my), n.addr)
	}
}

func TestDeclareMaliciousMember(t *testing.T) {
	s := newSwarm(t, 2)
	s.introduce()
	a, b := s.nodes[0], s.nodes[1]

	b.receive(a, a.create("text", "one").Packet)
	s.run(time.Second)

	aOnB, err := b.d.Directory().Get(a.my.PublicKey())
	require.NoError(t, err)
	require.NoError(t, b.d.DeclareMaliciousMember(b.community(), aOnB))
	assert.Empty(t, b.stored("text", a.my))

	b.receive(a, a.create("text", "two").Packet)
	s.run(time.Second)
	assert.Equal(t, 1, b.d.Statistics().Dropped(reasonBlacklisted).Count)
}

func TestCandidateRequest(t *testing.T) {
	s := newSwarm(t, 2)
	a, b := s.nodes[0], s.nodes[1]

	var responses []*message.Message
	_, err := a.d.CreateCandidateRequest(a.community(), b.addr, func(msg *message.Message) {
		responses = append(responses, msg)
	}, 10*time.Second)
	require.NoError(t, err)
	s.run(8 * time.Second)

	require.Len(t, responses, 1)
	require.NotNil(t, responses[0])
	assert.Equal(t, 1, a.d.Candidates().Len(a.cid))
	assert.Equal(t, 1, b.d.Candidates().Len(b.cid))
}

func TestUnknownCommunityIsDropped(t *testing.T) {
	s := newSwarm(t, 1)
	a := s.nodes[0]
	packet := append([]byte{0, 1}, make([]byte, 30)...)
	a.receive(&testNode{addr: common.NewAddress("10.0.1.1", 7000)}, packet)
	a.receive(&testNode{addr: common.NewAddress("", 7000)}, packet)
	s.run(time.Second)

	assert.Equal(t, 1, a.d.Statistics().Dropped(reasonUnknownCommunity).Count)
	assert.Equal(t, 1, a.d.Statistics().Dropped(reasonInvalidSource).Count)
}

func TestInfo(t *testing.T) {
	s := newSwarm(t, 2)
	s.introduce()
	a := s.nodes[0]
	a.create("text", "one")

	info := a.d.Info(true)
	require.Len(t, info.Communities, 1)
	ci := info.Communities[0]
	assert.Equal(t, "test", ci.Classification)
	assert.Equal(t, a.cid.Hex(), ci.ID)
	assert.Equal(t, 1, ci.Messages["text"])
	assert.Equal(t, 1, ci.Messages[Authorize])
	assert.Equal(t, 1, ci.Candidates)
	assert.NotZero(t, info.Statistics.Sent.Count)

	assert.Zero(t, a.d.Info(false).Statistics.Sent.Count, "reset")
}

// countReceived empties the transport queue of n without processing and
// returns how many queued packets equal packet.
func countReceived(n *testNode, packet []byte) int {
	count := 0
	for {
		select {
		case packets := <-n.trans.Consumer():
			for _, p := range packets {
				if bytes.Equal(p.Data, packet) {
					count++
				}
			}
		default:
			return count
		}
	}
}

// With a history of one, a peer offering an older message gets our newest
// packet back, no more than RepairBurst times until the limiter refills.
func TestLastSyncRepairSendBack(t *testing.T) {
	s := newSwarm(t, 2)
	s.introduce()
	a, b := s.nodes[0], s.nodes[1]

	newest := a.createAt("status", "new", 10)
	older := a.createAt("status", "old", 5)

	b.receive(a, newest.Packet)
	b.clock.RunPending()
	require.Equal(t, []uint64{10}, b.stored("status", a.my))
	countReceived(a, newest.Packet)

	burst := b.d.conf.RepairBurst
	for i := 0; i < burst+3; i++ {
		b.receive(a, older.Packet)
		b.clock.RunPending()
	}
	assert.Equal(t, burst+3, b.d.Statistics().Dropped(reasonOldMessage).Count)
	assert.Equal(t, burst, countReceived(a, newest.Packet))

	b.clock.Advance(time.Second)
	b.receive(a, older.Packet)
	b.clock.RunPending()
	assert.Equal(t, 1, countReceived(a, newest.Packet))
	assert.Equal(t, []uint64{10}, b.stored("status", a.my))
}

// A batch runs at its meta's delay counted from the first packet. Packets
// joining the pending batch do not move that deadline.
func TestBatchDeadlineFromFirstPacket(t *testing.T) {
	s := newSwarm(t, 2)
	s.introduce()
	a, b := s.nodes[0], s.nodes[1]

	first := a.createAt("slow", "first", 20)
	second := a.createAt("slow", "second", 21)

	b.receive(a, first.Packet)
	b.clock.RunPending()

	b.clock.Advance(batchDelay - step)
	b.receive(a, second.Packet)
	b.clock.RunPending()

	b.clock.Advance(step - time.Millisecond)
	assert.Empty(t, b.stored("slow", a.my))
	assert.Zero(t, b.d.Statistics().Succeeded("slow").Count)

	b.clock.Advance(time.Millisecond)
	assert.Equal(t, []uint64{20, 21}, b.stored("slow", a.my))
	assert.Equal(t, 2, b.d.Statistics().Succeeded("slow").Count)
}
