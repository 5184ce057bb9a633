package crdt

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLWWRegisterRemoteWinsOnHigherTimestamp(t *testing.T) {
	local := LWWRegister{Timestamp: 1000, SiteID: "A", Val: []byte{2}}
	remote := LWWRegister{Timestamp: 2000, SiteID: "B", Val: []byte{3}}

	merged, err := local.Merge(remote)
	require.NoError(t, err)
	require.Equal(t, []byte{3}, merged.Value())
}

func TestLWWRegisterTiebreaksBySiteID(t *testing.T) {
	a := LWWRegister{Timestamp: 1000, SiteID: "A", Val: []byte{1}}
	b := LWWRegister{Timestamp: 1000, SiteID: "B", Val: []byte{2}}

	merged, err := a.Merge(b)
	require.NoError(t, err)
	require.Equal(t, []byte{2}, merged.Value())
}

func TestGCounterMergeIsPerSiteMax(t *testing.T) {
	a := GCounter{Counts: map[string]uint64{"A": 5, "B": 3}}
	b := GCounter{Counts: map[string]uint64{"A": 4, "B": 6, "C": 2}}

	merged, err := a.Merge(b)
	require.NoError(t, err)

	gc := merged.(GCounter)
	require.Equal(t, uint64(5), gc.Counts["A"])
	require.Equal(t, uint64(6), gc.Counts["B"])
	require.Equal(t, uint64(2), gc.Counts["C"])
	require.Equal(t, uint64(13), merged.Value())
}

func TestPNCounterValueIsPositiveMinusNegative(t *testing.T) {
	a := PNCounter{
		Positive: GCounter{Counts: map[string]uint64{"A": 10}},
		Negative: GCounter{Counts: map[string]uint64{"A": 3}},
	}
	b := PNCounter{
		Positive: GCounter{Counts: map[string]uint64{"A": 8, "B": 2}},
		Negative: GCounter{Counts: map[string]uint64{"A": 5}},
	}

	merged, err := a.Merge(b)
	require.NoError(t, err)
	require.Equal(t, int64(10+2-5), merged.Value())
}

func TestTwoPSetExcludesRemovedElements(t *testing.T) {
	a := TwoPSet{Added: setOf("x", "y"), Removed: setOf("y")}
	b := TwoPSet{Added: setOf("y", "z"), Removed: setOf()}

	merged, err := a.Merge(b)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"x", "z"}, merged.Value())
}

func TestORSetMergeUnionsTagsPerElement(t *testing.T) {
	a := ORSet{Tags: map[string]map[string]struct{}{"x": {"tag1": {}}}}
	b := ORSet{Tags: map[string]map[string]struct{}{"x": {"tag2": {}}}}

	merged, err := a.Merge(b)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"x"}, merged.Value())

	or := merged.(ORSet)
	require.Len(t, or.Tags["x"], 2)
}

func TestMergeTypeMismatchFails(t *testing.T) {
	_, err := NewGCounter().Merge(NewGSet())
	require.Error(t, err)
}

func TestGSetMergeIsCommutative(t *testing.T) {
	a := GSet{Elements: setOf("a", "b")}
	b := GSet{Elements: setOf("b", "c")}

	ab, err := a.Merge(b)
	require.NoError(t, err)
	ba, err := b.Merge(a)
	require.NoError(t, err)

	require.ElementsMatch(t, ab.Value(), ba.Value())
}

func TestGSetMergeIsIdempotent(t *testing.T) {
	a := GSet{Elements: setOf("a", "b")}
	merged, err := a.Merge(a)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a", "b"}, merged.Value())
}

func TestGCounterMergeIsAssociative(t *testing.T) {
	a := GCounter{Counts: map[string]uint64{"A": 1}}
	b := GCounter{Counts: map[string]uint64{"B": 2}}
	c := GCounter{Counts: map[string]uint64{"C": 3}}

	ab, _ := a.Merge(b)
	abc1, err := ab.Merge(c)
	require.NoError(t, err)

	bc, _ := b.Merge(c)
	abc2, err := a.Merge(bc)
	require.NoError(t, err)

	require.Equal(t, abc1.Value(), abc2.Value())
}

func setOf(vals ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(vals))
	for _, v := range vals {
		out[v] = struct{}{}
	}
	return out
}
