package dummy

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mosaicnetworks/dispersy/src/callback"
	"github.com/mosaicnetworks/dispersy/src/common"
	"github.com/mosaicnetworks/dispersy/src/crypto/keys"
	"github.com/mosaicnetworks/dispersy/src/dispersy"
	"github.com/mosaicnetworks/dispersy/src/member"
	"github.com/mosaicnetworks/dispersy/src/message"
	"github.com/mosaicnetworks/dispersy/src/net"
	"github.com/mosaicnetworks/dispersy/src/store"
)

const step = 100 * time.Millisecond

type peer struct {
	addr   common.Address
	clock  *callback.Manual
	trans  *net.InmemTransport
	d      *dispersy.Dispersy
	def    *Definition
	my     *member.Member
	client *Client
}

// newPeers starts n nodes in memory. The first creates a demo community, the
// others join it, and every node knows every other one.
func newPeers(t *testing.T, n int) []*peer {
	start := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

	var peers []*peer
	var transports []*net.InmemTransport
	for i := 0; i < n; i++ {
		addr := common.NewAddress(fmt.Sprintf("10.0.1.%d", i+1), 7000)
		logger := common.NewTestEntry(t, addr.String())
		clock := callback.NewManual(start)
		trans := net.NewInmemTransport(addr)
		st := store.NewInmemStore()
		dir, err := member.NewDirectory(st, 100)
		require.NoError(t, err)

		conf := dispersy.DefaultConfig()
		conf.Settings.SyncInterval = 0
		conf.Settings.CandidateRequestInterval = 0
		conf.Settings.TriggerTimeout = 5 * time.Second

		d, err := dispersy.New(conf, st, trans, clock, dir, logger)
		require.NoError(t, err)
		d.SetClock(clock.Now)

		key, err := keys.GenerateECDSAKey()
		require.NoError(t, err)
		my, err := dir.GetPrivate(key)
		require.NoError(t, err)

		transports = append(transports, trans)
		peers = append(peers, &peer{
			addr:  addr,
			clock: clock,
			trans: trans,
			d:     d,
			def:   NewDefinition(NewState(logger)),
			my:    my,
		})
	}
	net.ConnectAll(transports...)

	c, err := peers[0].d.CreateCommunity(peers[0].def, peers[0].my)
	require.NoError(t, err)
	for _, p := range peers[1:] {
		_, err := p.d.JoinCommunity(p.def, c.Master().PublicKey(), p.my)
		require.NoError(t, err)
	}
	for _, p := range peers {
		p.client = NewClient(p.d, c.ID(), common.NewTestEntry(t, "client"))
		for _, o := range peers {
			if o != p {
				p.d.Candidates().RecordIncoming(c.ID(), o.addr)
			}
		}
		pc, err := p.client.Community()
		require.NoError(t, err)
		_, err = p.d.CreateIdentity(pc, true)
		require.NoError(t, err)
	}
	run(peers, 2*time.Second)
	return peers
}

func run(peers []*peer, total time.Duration) {
	drain := func(p *peer) {
		for {
			select {
			case packets := <-p.trans.Consumer():
				p.d.DataCameIn(packets)
			default:
				return
			}
		}
	}
	for elapsed := time.Duration(0); elapsed < total; elapsed += step {
		for _, p := range peers {
			drain(p)
		}
		for _, p := range peers {
			p.clock.Advance(step)
		}
	}
	for _, p := range peers {
		drain(p)
		p.clock.RunPending()
	}
}

func texts(entries []Entry) []string {
	res := make([]string, len(entries))
	for i, e := range entries {
		res[i] = e.Text
	}
	return res
}

func TestSay(t *testing.T) {
	peers := newPeers(t, 2)
	a, b := peers[0], peers[1]

	_, err := a.client.Say("hello")
	require.NoError(t, err)
	_, err = a.client.Say("world")
	require.NoError(t, err)
	run(peers, 2*time.Second)

	assert.Equal(t, []string{"hello", "world"}, texts(a.def.State().Texts()))
	assert.Equal(t, []string{"hello", "world"}, texts(b.def.State().Texts()))
	assert.Equal(t, []uint32{1, 2}, []uint32{b.def.State().Texts()[0].Sequence, b.def.State().Texts()[1].Sequence})
	assert.Equal(t, a.def.State().Hash(), b.def.State().Hash())
}

func TestSayNeedsPermission(t *testing.T) {
	peers := newPeers(t, 2)

	_, err := peers[1].client.Say("not allowed")
	assert.Error(t, err)
	assert.Empty(t, peers[1].def.State().Texts())
}

func TestStatusKeepsNewest(t *testing.T) {
	peers := newPeers(t, 2)
	a, b := peers[0], peers[1]

	_, err := a.client.SetStatus("away")
	require.NoError(t, err)
	_, err = a.client.SetStatus("busy")
	require.NoError(t, err)
	run(peers, 2*time.Second)

	status, ok := b.def.State().Status(a.my.MID())
	require.True(t, ok)
	assert.Equal(t, "busy", status)
}

func TestContract(t *testing.T) {
	peers := newPeers(t, 2)
	a, b := peers[0], peers[1]

	other, err := a.d.Directory().Get(b.my.PublicKey())
	require.NoError(t, err)

	var signed *message.Message
	calls := 0
	err = a.client.ProposeContract(other, "deliver 3 apples", func(msg *message.Message) {
		calls++
		signed = msg
	})
	require.NoError(t, err)
	run(peers, 3*time.Second)

	assert.Equal(t, 1, calls)
	require.NotNil(t, signed)
	for _, p := range peers {
		contracts := p.def.State().Contracts()
		require.Len(t, contracts, 1)
		assert.Equal(t, "deliver 3 apples", contracts[0].Text)
		assert.ElementsMatch(t, []string{a.my.MID().Hex(), b.my.MID().Hex()}, contracts[0].Members)
	}
}

func TestContractRefused(t *testing.T) {
	peers := newPeers(t, 2)
	a, b := peers[0], peers[1]
	b.def.AcceptContract = func(terms string) bool { return false }

	other, err := a.d.Directory().Get(b.my.PublicKey())
	require.NoError(t, err)

	calls := 0
	var signed *message.Message
	err = a.client.ProposeContract(other, "give me everything", func(msg *message.Message) {
		calls++
		signed = msg
	})
	require.NoError(t, err)
	run(peers, 7*time.Second)

	assert.Equal(t, 1, calls)
	assert.Nil(t, signed)
	assert.Empty(t, a.def.State().Contracts())
	assert.Empty(t, b.def.State().Contracts())
}

func TestWhisperNeedsTrust(t *testing.T) {
	peers := newPeers(t, 3)
	a, b, c := peers[0], peers[1], peers[2]

	// b trusts a, c trusts nobody
	trusted, err := b.d.Directory().Get(a.my.PublicKey())
	require.NoError(t, err)
	_, err = b.client.Trust([]*member.Member{trusted})
	require.NoError(t, err)
	_, err = c.client.Trust(nil)
	require.NoError(t, err)
	run(peers, 2*time.Second)

	_, err = a.client.Whisper("psst")
	require.NoError(t, err)
	run(peers, 2*time.Second)

	assert.Equal(t, []string{"psst"}, texts(a.def.State().Whispers()))
	assert.Equal(t, []string{"psst"}, texts(b.def.State().Whispers()))
	assert.Empty(t, c.def.State().Whispers())
}

func TestHardKillResetsState(t *testing.T) {
	peers := newPeers(t, 2)
	a, b := peers[0], peers[1]

	_, err := a.client.Say("soon gone")
	require.NoError(t, err)
	run(peers, 2*time.Second)
	require.Len(t, b.def.State().Texts(), 1)

	c, err := a.client.Community()
	require.NoError(t, err)
	_, err = a.d.CreateDestroyCommunity(c, dispersy.HardKill)
	require.NoError(t, err)
	run(peers, 2*time.Second)

	assert.Empty(t, a.def.State().Texts())
	assert.Empty(t, b.def.State().Texts())

	c, err = b.client.Community()
	require.NoError(t, err)
	_, frozen := c.Frozen()
	assert.True(t, frozen)
}

func TestCheckLength(t *testing.T) {
	long := make([]byte, MaxTextLength+1)
	for i := range long {
		long[i] = 'a'
	}
	msgs := []*message.Message{
		{Payload: &TextPayload{Text: "fine"}},
		{Payload: &TextPayload{Text: ""}},
		{Payload: &StatusPayload{Status: string(long)}},
		{Payload: &ContractPayload{Terms: string([]byte{0xff, 0xfe})}},
		{Payload: 42},
	}

	res := checkLength(msgs)

	require.Len(t, res, len(msgs))
	assert.Equal(t, message.Accepted, res[0].Outcome)
	for _, r := range res[1:] {
		assert.Equal(t, message.Dropped, r.Outcome)
	}
	assert.Equal(t, "empty text", res[1].Reason)
	assert.Equal(t, "text too long", res[2].Reason)
}
