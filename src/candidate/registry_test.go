package candidate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mosaicnetworks/dispersy/src/common"
	"github.com/mosaicnetworks/dispersy/src/crypto"
	"github.com/mosaicnetworks/dispersy/src/store"
)

var (
	testCID   = crypto.SHA1([]byte("community"))
	testLocal = common.NewAddress("10.0.0.1", 7000)
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time            { return c.now }
func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestRegistry(t *testing.T) (*Registry, *store.InmemStore, *clock) {
	s := store.NewInmemStore()
	r := NewRegistry(s, testLocal, common.NewTestEntry(t, "candidates"))
	c := &clock{now: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)}
	r.SetClock(c.Now)
	return r, s, c
}

func addr(host string, port int) common.Address {
	return common.NewAddress(host, port)
}

func TestValidAddress(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	assert.True(t, r.IsValidExternalAddress(addr("10.0.0.2", 7000)))
	assert.False(t, r.IsValidExternalAddress(addr("", 7000)))
	assert.False(t, r.IsValidExternalAddress(addr("10.0.0.2", 0)))
	assert.False(t, r.IsValidExternalAddress(addr("10.0.0.0", 7000)))
	assert.False(t, r.IsValidExternalAddress(addr("10.0.0.255", 7000)))
	assert.False(t, r.IsValidExternalAddress(testLocal))
	assert.False(t, r.IsValidExternalAddress(addr("127.0.0.1", 7000)))
}

func TestRecordIncomingOutgoing(t *testing.T) {
	r, s, c := newTestRegistry(t)
	a := addr("10.0.0.2", 7000)

	r.RecordIncoming(testCID, a)
	r.RecordIncoming(testCID, testLocal)
	assert.Equal(t, 1, r.Len(testCID))

	c.Advance(time.Second)
	r.RecordOutgoing(a)

	recs, err := s.Candidates(testCID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "10.0.0.2", recs[0].Host)
	assert.Equal(t, time.Second, recs[0].Outgoing.Sub(recs[0].Incoming))

	reloaded := NewRegistry(s, testLocal, common.NewTestEntry(t, "candidates"))
	require.NoError(t, reloaded.Load(testCID))
	assert.Equal(t, 1, reloaded.Len(testCID))
}

func TestOnlineCandidates(t *testing.T) {
	r, _, c := newTestRegistry(t)

	for i := 2; i < 6; i++ {
		r.RecordIncoming(testCID, addr("10.0.0.2", 7000+i))
		c.Advance(time.Second)
	}

	online := r.OnlineCandidates(testCID, 2)
	require.Len(t, online, 2)
	assert.Equal(t, 7005, online[0].Address.Port)
	assert.Equal(t, 7004, online[1].Address.Port)
}

func TestExternalAddressVote(t *testing.T) {
	r, s, _ := newTestRegistry(t)

	var changes []common.Address
	r.OnExternalAddressChanged(func(a common.Address) {
		changes = append(changes, a)
	})

	first := addr("1.2.3.4", 7000)
	second := addr("5.6.7.8", 7000)

	r.RecordExternalClaim(first, addr("10.0.0.2", 1))
	assert.Equal(t, first, r.ExternalAddress())

	r.RecordExternalClaim(first, addr("10.0.0.3", 1))
	r.RecordExternalClaim(second, addr("10.0.0.4", 1))
	assert.Equal(t, first, r.ExternalAddress())

	// a repeated voter does not count twice
	r.RecordExternalClaim(second, addr("10.0.0.4", 1))
	assert.Equal(t, first, r.ExternalAddress())

	// equal count is enough
	r.ExternalAddressVote(second, addr("10.0.0.5", 1))
	assert.Equal(t, second, r.ExternalAddress())

	assert.Equal(t, []common.Address{first, second}, changes)

	ip, err := s.GetOption(optionExternalIP)
	require.NoError(t, err)
	assert.Equal(t, "5.6.7.8", ip)

	restored := NewRegistry(s, testLocal, common.NewTestEntry(t, "candidates"))
	assert.Equal(t, second, restored.ExternalAddress())

	r.RecordExternalClaim(addr("", 1), addr("10.0.0.6", 1))
	assert.Equal(t, second, r.ExternalAddress())
}

func TestExternalAddressLeavesCandidates(t *testing.T) {
	r, s, _ := newTestRegistry(t)
	me := addr("10.0.0.2", 7000)
	other := addr("10.0.0.3", 7000)
	unloaded := crypto.SHA1([]byte("unloaded"))

	require.NoError(t, s.PutCommunity(store.CommunityRecord{ID: unloaded, Classification: "test"}))
	require.NoError(t, s.PutCandidate(store.CandidateRecord{Community: unloaded, Host: me.Host, Port: me.Port}))

	r.RecordIncoming(testCID, me)
	r.RecordIncoming(testCID, other)
	r.RecordExternalClaim(me, addr("10.0.0.9", 1))
	require.Equal(t, me, r.ExternalAddress())

	assert.Equal(t, []Candidate{*r.candidates[testCID][other]}, r.OnlineCandidates(testCID, 10))

	recs, err := s.Candidates(testCID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, other.Host, recs[0].Host)

	recs, err = s.Candidates(unloaded)
	require.NoError(t, err)
	assert.Empty(t, recs)

	restarted := NewRegistry(s, testLocal, common.NewTestEntry(t, "candidates"))
	require.Equal(t, me, restarted.ExternalAddress())
	require.NoError(t, restarted.Load(testCID))
	online := restarted.OnlineCandidates(testCID, 10)
	require.Len(t, online, 1)
	assert.Equal(t, other, online[0].Address)
}

func TestLoadSkipsOwnAddress(t *testing.T) {
	_, s, _ := newTestRegistry(t)
	me := addr("10.0.0.2", 7000)
	require.NoError(t, s.SetOption(optionExternalIP, me.Host))
	require.NoError(t, s.SetOption(optionExternalPort, "7000"))
	require.NoError(t, s.PutCandidate(store.CandidateRecord{Community: testCID, Host: me.Host, Port: me.Port}))

	r := NewRegistry(s, testLocal, common.NewTestEntry(t, "candidates"))
	require.NoError(t, r.Load(testCID))

	assert.Equal(t, 0, r.Len(testCID))
	assert.Empty(t, r.OnlineCandidates(testCID, 10))
	assert.Empty(t, r.MixedCandidates(testCID, 10, Range{}, Range{Max: time.Hour}))

	recs, err := s.Candidates(testCID)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestRoutesAndCleanup(t *testing.T) {
	r, _, c := newTestRegistry(t)

	old := addr("10.0.0.2", 7000)
	young := addr("10.0.0.3", 7000)

	r.RecordIncoming(testCID, old)
	c.Advance(200 * time.Second)
	r.RecordIncoming(testCID, young)
	c.Advance(10 * time.Second)

	routes := r.Routes(testCID, Range{Min: 0, Max: 300 * time.Second}, 10)
	require.Len(t, routes, 2)
	assert.Equal(t, young, routes[0].Address())
	assert.InDelta(t, 10.0, routes[0].Age, 0.001)
	assert.InDelta(t, 210.0, routes[1].Age, 0.001)

	routes = r.Routes(testCID, Range{Min: 0, Max: 60 * time.Second}, 10)
	require.Len(t, routes, 1)

	r.UpdateRoutes(testCID, []Route{
		NewRoute(addr("10.0.0.4", 7000), 5*time.Second),
		NewRoute(testLocal, time.Second),
	})
	assert.Equal(t, 3, r.Len(testCID))

	removed := r.Cleanup(testCID, 100*time.Second)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 2, r.Len(testCID))
}

func TestMixedCandidates(t *testing.T) {
	r, _, c := newTestRegistry(t)

	seed := addr("10.0.1.1", 6421)
	r.AddSeed(seed)
	r.AddSeed(seed)

	for i := 2; i < 5; i++ {
		r.RecordIncoming(testCID, addr("10.0.0.2", 7000+i))
	}
	c.Advance(time.Second)

	mixed := r.MixedCandidates(testCID, 10, Range{Max: 30 * time.Second}, Range{Min: 120 * time.Second, Max: 300 * time.Second})
	require.Len(t, mixed, 4)

	seen := make(map[common.Address]bool)
	for _, m := range mixed {
		assert.False(t, seen[m.Address])
		seen[m.Address] = true
	}
	assert.True(t, seen[seed])

	assert.Len(t, r.MixedCandidates(testCID, 2, Range{}, Range{}), 2)
}
