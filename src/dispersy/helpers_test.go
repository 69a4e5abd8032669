package dispersy

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mosaicnetworks/dispersy/src/callback"
	"github.com/mosaicnetworks/dispersy/src/common"
	"github.com/mosaicnetworks/dispersy/src/community"
	"github.com/mosaicnetworks/dispersy/src/crypto"
	"github.com/mosaicnetworks/dispersy/src/crypto/keys"
	"github.com/mosaicnetworks/dispersy/src/member"
	"github.com/mosaicnetworks/dispersy/src/message"
	"github.com/mosaicnetworks/dispersy/src/net"
	"github.com/mosaicnetworks/dispersy/src/store"
)

const (
	step       = 100 * time.Millisecond
	batchDelay = time.Second
)

type textPayload struct {
	Text string `codec:"text"`
}

func (p *textPayload) Footprint() string {
	return "text:" + p.Text
}

type testDefinition struct {
	allow bool
}

func (def *testDefinition) Classification() string { return "test" }

func (def *testDefinition) Metas(c *community.Community) ([]*message.Meta, error) {
	specs := []struct {
		name string
		auth message.Authentication
		res  message.Resolution
		dist message.Distribution
		dest message.Destination
		opts []message.MetaOption
	}{
		{"text", message.MemberAuthentication{}, message.PublicResolution{},
			message.FullSyncDistribution{EnableSequenceNumber: true}, message.CommunityDestination{NodeCount: 10}, nil},
		{"last", message.MemberAuthentication{}, message.PublicResolution{},
			message.LastSyncDistribution{HistorySize: 2}, message.CommunityDestination{NodeCount: 10}, nil},
		{"protected", message.MemberAuthentication{}, message.LinearResolution{},
			message.FullSyncDistribution{}, message.CommunityDestination{NodeCount: 10}, nil},
		{"double", message.MultiMemberAuthentication{Count: 2, AllowSignature: func(*message.Message) bool { return def.allow }},
			message.PublicResolution{}, message.FullSyncDistribution{}, message.CommunityDestination{NodeCount: 10}, nil},
		{"subjective", message.MemberAuthentication{}, message.PublicResolution{},
			message.FullSyncDistribution{}, message.SubjectiveDestination{Cluster: 1, NodeCount: 10}, nil},
		{"status", message.MemberAuthentication{}, message.PublicResolution{},
			message.LastSyncDistribution{HistorySize: 1}, message.CommunityDestination{NodeCount: 10}, nil},
		{"slow", message.MemberAuthentication{}, message.PublicResolution{},
			message.FullSyncDistribution{}, message.CommunityDestination{NodeCount: 10},
			[]message.MetaOption{message.WithDelay(batchDelay)}},
	}

	res := make([]*message.Meta, 0, len(specs))
	for _, s := range specs {
		opts := append([]message.MetaOption{
			message.WithPayload(func() interface{} { return &textPayload{} }),
		}, s.opts...)
		m, err := message.NewMeta(s.name, s.auth, s.res, s.dist, s.dest, opts...)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, nil
}

type testNode struct {
	t     *testing.T
	addr  common.Address
	clock *callback.Manual
	trans *net.InmemTransport
	store *store.InmemStore
	d     *Dispersy
	def   *testDefinition
	my    *member.Member
	cid   crypto.Digest
}

func (n *testNode) community() *community.Community {
	c, err := n.d.GetCommunity(n.cid, false, false)
	require.NoError(n.t, err)
	return c
}

// drain hands every queued packet to the engine.
func (n *testNode) drain() {
	for {
		select {
		case packets := <-n.trans.Consumer():
			n.d.DataCameIn(packets)
		default:
			return
		}
	}
}

// receive delivers packets in one batch as if sent by from.
func (n *testNode) receive(from *testNode, packets ...[]byte) {
	batch := make([]net.Packet, len(packets))
	for i, p := range packets {
		batch[i] = net.Packet{Address: from.addr, Data: p}
	}
	n.d.DataCameIn(batch)
}

func (n *testNode) create(name, text string) *message.Message {
	msg, err := n.d.CreateMessage(n.community(), name, &textPayload{Text: text}, true, true, false)
	require.NoError(n.t, err)
	return msg
}

// createAt builds a message with a chosen global time without storing it.
func (n *testNode) createAt(name, text string, gt uint64) *message.Message {
	msg, err := n.d.implement(n.community(), name, []*member.Member{n.my},
		message.DistributionImpl{GlobalTime: gt}, message.DestinationImpl{}, &textPayload{Text: text})
	require.NoError(n.t, err)
	return msg
}

func (n *testNode) stored(name string, m *member.Member) []uint64 {
	recs, err := n.store.SignerSetRecords(n.cid, name, []crypto.Digest{m.MID()})
	require.NoError(n.t, err)
	res := make([]uint64, len(recs))
	for i, r := range recs {
		res[i] = r.GlobalTime
	}
	return res
}

type swarm struct {
	t     *testing.T
	nodes []*testNode
}

// newSwarm starts n engines connected in memory. The first one creates the
// community, the others join it. Periodic tasks are disabled; tests drive
// sync and introductions by hand.
func newSwarm(t *testing.T, n int) *swarm {
	s := &swarm{t: t}
	start := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

	transports := make([]*net.InmemTransport, n)
	for i := 0; i < n; i++ {
		addr := common.NewAddress(fmt.Sprintf("10.0.0.%d", i+1), 7000)
		clock := callback.NewManual(start)
		trans := net.NewInmemTransport(addr)
		st := store.NewInmemStore()
		dir, err := member.NewDirectory(st, 100)
		require.NoError(t, err)

		conf := DefaultConfig()
		conf.Settings.SyncInterval = 0
		conf.Settings.CandidateRequestInterval = 0

		d, err := New(conf, st, trans, clock, dir, common.NewTestEntry(t, addr.String()))
		require.NoError(t, err)
		d.SetClock(clock.Now)

		key, err := keys.GenerateECDSAKey()
		require.NoError(t, err)
		my, err := dir.GetPrivate(key)
		require.NoError(t, err)

		transports[i] = trans
		s.nodes = append(s.nodes, &testNode{
			t:     t,
			addr:  addr,
			clock: clock,
			trans: trans,
			store: st,
			d:     d,
			def:   &testDefinition{allow: true},
			my:    my,
		})
	}
	net.ConnectAll(transports...)

	first := s.nodes[0]
	c, err := first.d.CreateCommunity(first.def, first.my)
	require.NoError(t, err)
	first.cid = c.ID()
	for _, node := range s.nodes[1:] {
		_, err := node.d.JoinCommunity(node.def, c.Master().PublicKey(), node.my)
		require.NoError(t, err)
		node.cid = c.ID()
	}
	s.run(time.Second)
	return s
}

// introduce makes every node a candidate of every other one and exchanges
// identities.
func (s *swarm) introduce() {
	for _, a := range s.nodes {
		for _, b := range s.nodes {
			if a != b {
				a.d.Candidates().RecordIncoming(a.cid, b.addr)
			}
		}
	}
	for _, n := range s.nodes {
		_, err := n.d.CreateIdentity(n.community(), true)
		require.NoError(s.t, err)
	}
	s.run(2 * time.Second)
}

// run advances every clock in lockstep, delivering packets between steps.
func (s *swarm) run(total time.Duration) {
	for elapsed := time.Duration(0); elapsed < total; elapsed += step {
		for _, n := range s.nodes {
			n.drain()
		}
		for _, n := range s.nodes {
			n.clock.Advance(step)
		}
	}
	for _, n := range s.nodes {
		n.drain()
		n.clock.RunPending()
	}
}
