package community

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mosaicnetworks/dispersy/src/bloom"
	"github.com/mosaicnetworks/dispersy/src/common"
	"github.com/mosaicnetworks/dispersy/src/crypto/keys"
	"github.com/mosaicnetworks/dispersy/src/member"
	"github.com/mosaicnetworks/dispersy/src/message"
	"github.com/mosaicnetworks/dispersy/src/store"
)

type testDefinition struct {
	names []string
}

func (d *testDefinition) Classification() string { return "test" }

func (d *testDefinition) Metas(c *Community) ([]*message.Meta, error) {
	res := []*message.Meta{}
	for _, n := range d.names {
		m, err := message.NewMeta(n,
			message.MemberAuthentication{},
			message.PublicResolution{},
			message.FullSyncDistribution{},
			message.CommunityDestination{NodeCount: 10})
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, nil
}

func (d *testDefinition) Configure(s *Settings) {
	s.SyncBloomCapacity = 2
}

func newMember(t *testing.T, dir *member.Directory) *member.Member {
	key, err := keys.GenerateECDSAKey()
	require.NoError(t, err)
	m, err := dir.GetPrivate(key)
	require.NoError(t, err)
	return m
}

func newTestCommunity(t *testing.T, s store.Store, names ...string) (*Community, *member.Directory) {
	dir, err := member.NewDirectory(s, 100)
	require.NoError(t, err)
	master := newMember(t, dir)

	builtins := func(c *Community) ([]*message.Meta, error) {
		m, err := message.NewMeta("dispersy-sync",
			message.MemberAuthentication{},
			message.PublicResolution{},
			message.DirectDistribution{},
			message.CommunityDestination{NodeCount: c.Settings().SyncMemberCount})
		return []*message.Meta{m}, err
	}

	c, err := New(Params{
		Definition: &testDefinition{names: names},
		Master:     master,
		MyMember:   master,
		Directory:  dir,
		Store:      s,
		Settings:   DefaultSettings(),
		Builtins:   builtins,
		Logger:     common.NewTestEntry(t, "community"),
	})
	require.NoError(t, err)
	return c, dir
}

func TestMetaIDs(t *testing.T) {
	c, _ := newTestCommunity(t, store.NewInmemStore(), "a", "b")

	sync, err := c.Meta("dispersy-sync")
	require.NoError(t, err)
	assert.EqualValues(t, 255, sync.ID)
	assert.Equal(t, c.ID(), sync.Community)

	a, _ := c.Meta("a")
	b, _ := c.Meta("b")
	assert.EqualValues(t, 1, a.ID)
	assert.EqualValues(t, 2, b.ID)

	assert.Len(t, c.Metas(), 3)
	assert.EqualValues(t, 2, c.Settings().SyncBloomCapacity)

	_, err = c.Meta("unknown")
	assert.Error(t, err)
}

func TestDuplicateMeta(t *testing.T) {
	s := store.NewInmemStore()
	dir, err := member.NewDirectory(s, 10)
	require.NoError(t, err)
	master := newMember(t, dir)

	_, err = New(Params{
		Definition: &testDefinition{names: []string{"a", "a"}},
		Master:     master,
		MyMember:   master,
		Directory:  dir,
		Store:      s,
		Settings:   DefaultSettings(),
		Logger:     common.NewTestEntry(t, "community"),
	})
	assert.Error(t, err)
}

func TestGlobalTime(t *testing.T) {
	c, _ := newTestCommunity(t, store.NewInmemStore())

	assert.EqualValues(t, 1, c.GlobalTime())
	assert.EqualValues(t, 2, c.ClaimGlobalTime())
	c.UpdateGlobalTime(10)
	c.UpdateGlobalTime(5)
	assert.EqualValues(t, 10, c.GlobalTime())
	assert.EqualValues(t, 11, c.ClaimGlobalTime())

	_, frozen := c.Frozen()
	assert.False(t, frozen)
	c.Freeze(8)
	c.Freeze(9)
	at, frozen := c.Frozen()
	assert.True(t, frozen)
	assert.EqualValues(t, 8, at)
}

func TestLoadFromStore(t *testing.T) {
	s := store.NewInmemStore()
	c, dir := newTestCommunity(t, s, "a")

	txn, err := s.Begin()
	require.NoError(t, err)
	for gt := uint64(3); gt <= 7; gt++ {
		rec := &store.SyncRecord{
			Community:  c.ID(),
			Meta:       "a",
			Member:     c.MyMember().MID(),
			GlobalTime: gt,
			Packet:     []byte{byte(gt)},
		}
		require.NoError(t, txn.InsertSync(rec))
	}
	require.NoError(t, txn.Commit())

	reloaded, err := New(Params{
		Definition: &testDefinition{names: []string{"a"}},
		Master:     c.Master(),
		MyMember:   c.MyMember(),
		Directory:  dir,
		Store:      s,
		Settings:   DefaultSettings(),
		Logger:     common.NewTestEntry(t, "community"),
	})
	require.NoError(t, err)

	assert.EqualValues(t, 7, reloaded.GlobalTime())

	filters := reloaded.SyncFilters()
	require.Len(t, filters, 2)
	assert.EqualValues(t, 0, filters[0].TimeHigh)
	assert.True(t, filters[0].Bloom.Contains([]byte{7}))
	assert.True(t, filters[1].Bloom.Contains([]byte{5}))

	infos := reloaded.SyncRanges()
	require.Len(t, infos, 3)
	assert.Equal(t, 2, infos[2].Count)
	assert.EqualValues(t, 6, infos[1].TimeHigh)
}

func TestFreeSyncRange(t *testing.T) {
	s := store.NewInmemStore()
	c, _ := newTestCommunity(t, s, "a")

	txn, err := s.Begin()
	require.NoError(t, err)
	recs := []*store.SyncRecord{}
	for gt := uint64(2); gt <= 3; gt++ {
		rec := &store.SyncRecord{
			Community:  c.ID(),
			Meta:       "a",
			Member:     c.MyMember().MID(),
			GlobalTime: gt,
			Packet:     []byte{byte(gt)},
		}
		require.NoError(t, txn.InsertSync(rec))
		recs = append(recs, rec)
		c.AddToSyncRange(gt, rec.Packet)
	}
	require.NoError(t, txn.Commit())

	txn, err = s.Begin()
	require.NoError(t, err)
	require.NoError(t, txn.DeleteSync(*recs[0]))
	require.NoError(t, txn.DeleteSync(*recs[1]))
	require.NoError(t, txn.Commit())

	require.NoError(t, c.FreeSyncRange([]uint64{2, 3}))
	info := c.SyncRanges()[0]
	assert.Equal(t, 0, info.Count)
	assert.Equal(t, 0, info.Freed)
	assert.False(t, c.SyncFilters()[0].Bloom.Contains([]byte{2}))
}

func TestSubjectiveSet(t *testing.T) {
	c, dir := newTestCommunity(t, store.NewInmemStore())
	other := newMember(t, dir)
	stranger := newMember(t, dir)

	assert.True(t, c.InMySubjectiveSet(1, c.MyMember()))
	assert.False(t, c.InMySubjectiveSet(1, other))

	f, err := bloom.New(10, 0.01)
	require.NoError(t, err)
	f.Add(other.PublicKey())
	c.SetSubjectiveSet(c.MyMember().MID(), 1, f)

	assert.True(t, c.InMySubjectiveSet(1, other))
	assert.False(t, c.InMySubjectiveSet(1, stranger))
	assert.False(t, c.InMySubjectiveSet(2, other))
}
