package timeline

import (
	"math/rand"
	"testing"

	"github.com/mosaicnetworks/dispersy/src/crypto"
	"github.com/mosaicnetworks/dispersy/src/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	master = crypto.SHA1([]byte("master"))
	alice  = crypto.SHA1([]byte("alice"))
	bob    = crypto.SHA1([]byte("bob"))
	carol  = crypto.SHA1([]byte("carol"))
)

func TestMasterHoldsEverything(t *testing.T) {
	tl := New(master)
	assert.True(t, tl.Allowed(master, "text", Permit, 1))
	assert.True(t, tl.Allowed(master, "text", Revoke, 1))
	assert.False(t, tl.Allowed(alice, "text", Permit, 100))
}

func TestPermitIsValidAfterTheGrant(t *testing.T) {
	tl := New(master)
	tl.Authorize(master, 5, []Triplet{{alice, "text", Permit}})

	assert.False(t, tl.Allowed(alice, "text", Permit, 5))
	assert.True(t, tl.Allowed(alice, "text", Permit, 6))
	assert.False(t, tl.Allowed(alice, "other", Permit, 6))
}

func TestRevoke(t *testing.T) {
	tl := New(master)
	tl.Authorize(master, 5, []Triplet{{alice, "text", Permit}})
	tl.Revoke(master, 10, []Triplet{{alice, "text", Permit}})

	assert.True(t, tl.Allowed(alice, "text", Permit, 10))
	assert.False(t, tl.Allowed(alice, "text", Permit, 11))

	// a revoke wins a tie
	tl.Authorize(master, 20, []Triplet{{alice, "text", Permit}})
	tl.Revoke(master, 20, []Triplet{{alice, "text", Permit}})
	assert.False(t, tl.Allowed(alice, "text", Permit, 21))
}

func TestChainOfAuthority(t *testing.T) {
	tl := New(master)
	// alice may grant text permissions from gt 3
	tl.Authorize(master, 2, []Triplet{{alice, "text", Authorize}})
	// bob's grant by alice at gt 2 does not count, alice could not grant yet
	tl.Authorize(alice, 2, []Triplet{{bob, "text", Permit}})
	assert.False(t, tl.Allowed(bob, "text", Permit, 10))
	assert.False(t, tl.CheckGrants(alice, 2, []Triplet{{bob, "text", Permit}}, false))

	tl.Authorize(alice, 4, []Triplet{{bob, "text", Permit}})
	assert.True(t, tl.CheckGrants(alice, 4, []Triplet{{bob, "text", Permit}}, false))
	assert.True(t, tl.Allowed(bob, "text", Permit, 5))

	// alice cannot revoke without the revoke permission
	tl.Revoke(alice, 6, []Triplet{{bob, "text", Permit}})
	assert.True(t, tl.Allowed(bob, "text", Permit, 7))
	assert.False(t, tl.CheckGrants(alice, 6, []Triplet{{bob, "text", Permit}}, true))

	// losing authorize invalidates later grants only
	tl.Revoke(master, 8, []Triplet{{alice, "text", Authorize}})
	tl.Authorize(alice, 9, []Triplet{{carol, "text", Permit}})
	assert.True(t, tl.Allowed(bob, "text", Permit, 10))
	assert.False(t, tl.Allowed(carol, "text", Permit, 10))
}

type grant struct {
	signer  crypto.Digest
	gt      uint64
	triplet Triplet
	revoke  bool
}

func TestArrivalOrderDoesNotMatter(t *testing.T) {
	grants := []grant{
		{master, 2, Triplet{alice, "text", Authorize}, false},
		{master, 3, Triplet{alice, "text", Revoke}, false},
		{alice, 4, Triplet{bob, "text", Permit}, false},
		{alice, 7, Triplet{bob, "text", Permit}, true},
		{master, 9, Triplet{alice, "text", Authorize}, true},
		{alice, 10, Triplet{bob, "text", Permit}, false},
	}

	evaluate := func(order []grant) []bool {
		tl := New(master)
		for _, g := range order {
			if g.revoke {
				tl.Revoke(g.signer, g.gt, []Triplet{g.triplet})
			} else {
				tl.Authorize(g.signer, g.gt, []Triplet{g.triplet})
			}
		}
		res := []bool{}
		for gt := uint64(1); gt < 14; gt++ {
			res = append(res, tl.Allowed(bob, "text", Permit, gt))
		}
		return res
	}

	expected := evaluate(grants)
	assert.Equal(t, []bool{false, false, false, false, true, true, true, false, false, false, false, false, false}, expected)

	r := rand.New(rand.NewSource(1))
	for i := 0; i < 20; i++ {
		shuffled := append([]grant(nil), grants...)
		r.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		assert.Equal(t, expected, evaluate(shuffled))
	}
}

func TestLoadFromStore(t *testing.T) {
	cid := crypto.SHA1([]byte("community"))
	recs := Records(cid, master, 5, []Triplet{{alice, "text", Permit}, {alice, "text", Authorize}}, false)
	recs = append(recs, store.GrantRecord{Community: cid, Signer: master, GlobalTime: 8, Member: alice, Meta: "text", Permission: "permit", Revoke: true})

	tl := New(master)
	require.NoError(t, tl.Load(recs))
	assert.Equal(t, 3, tl.Len())
	assert.True(t, tl.Allowed(alice, "text", Permit, 7))
	assert.False(t, tl.Allowed(alice, "text", Permit, 9))
	assert.True(t, tl.Allowed(alice, "text", Authorize, 9))

	assert.Error(t, tl.Load([]store.GrantRecord{{Permission: "root"}}))
}
