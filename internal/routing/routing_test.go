package routing

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sharded4/s4/internal/roster"
)

func threeNodeRoster(localIdx int) *roster.Roster {
	entries := make([]roster.Entry, 3)
	for i := range entries {
		addr := fmt.Sprintf("10.0.0.%d", i+1)
		if i == localIdx {
			addr = roster.LoopbackSentinel
		}
		entries[i] = roster.Entry{Address: addr, Port: 9000 + i, Raw: fmt.Sprintf("10.0.0.%d", i+1)}
	}
	return roster.FromEntries(entries)
}

func TestColocationOfNumericBucketSegment(t *testing.T) {
	rt := New(threeNodeRoster(0))
	require.True(t, rt.SameOwner("s4://b/000_a", "s4://b/000_b"))
	require.Equal(t, rt.Owner("s4://b/000_a"), rt.Owner("s4://b/000_b"))
}

func TestIsLocalMatchesOwnerIdentity(t *testing.T) {
	for local := 0; local < 3; local++ {
		rt := New(threeNodeRoster(local))
		for i := 0; i < 200; i++ {
			k := fmt.Sprintf("s4://bucket/item-%d", i)
			wantLocal := rt.Index(k) == local
			require.Equal(t, wantLocal, rt.IsLocal(k), "key=%s local=%d", k, local)
		}
	}
}

func TestRoutingDependsOnlyOnDigitPrefixModRosterSize(t *testing.T) {
	rt := New(threeNodeRoster(0))
	// adversarial keys: different trailing junk after the digit run,
	// same numeric prefix, must still colocate.
	require.True(t, rt.SameOwner("s4://b/42_aaa", "s4://other/dir/42_zzz"))
	require.Equal(t, rt.Index("s4://b/42_aaa"), rt.Index("s4://zzz/42"))
}
