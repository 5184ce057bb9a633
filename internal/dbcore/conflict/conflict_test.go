package conflict

import (
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/cuemby/dbcore/internal/dbcore/dbcoreerr"
	"github.com/stretchr/testify/require"
)

func change(site string, ts int64, old, new []byte) ConflictingChange {
	return ConflictingChange{
		ChangeID:    site + "-change",
		SiteID:      site,
		Timestamp:   ts,
		Table:       "accounts",
		RowKey:      "row-1",
		OldValue:    old,
		NewValue:    new,
		HasOld:      old != nil,
		HasNew:      new != nil,
		VectorClock: VectorClock{site: 1},
	}
}

func TestDetectReturnsNilForDifferentRows(t *testing.T) {
	e := New(4)
	local := change("A", 1, []byte{1}, []byte{2})
	remote := change("B", 2, []byte{1}, []byte{2})
	remote.RowKey = "row-2"

	require.Nil(t, e.Detect(local, remote))
}

func TestDetectReturnsNilWhenVectorClockDominates(t *testing.T) {
	e := New(4)
	local := change("A", 1, []byte{1}, []byte{2})
	local.VectorClock = VectorClock{"A": 1, "B": 1}
	remote := change("B", 2, []byte{1}, []byte{2})
	remote.VectorClock = VectorClock{"A": 2, "B": 2}

	require.Nil(t, e.Detect(local, remote))
}

func TestDetectClassifiesUpdateUpdate(t *testing.T) {
	e := New(4)
	local := change("A", 1, []byte{1}, []byte{2})
	remote := change("B", 2, []byte{1}, []byte{3})

	c := e.Detect(local, remote)
	require.NotNil(t, c)
	require.Equal(t, UpdateUpdate, c.Type)
}

func TestLastWriterWinsPicksHigherTimestamp(t *testing.T) {
	e := New(4)
	local := change("A", 1000, []byte{1}, []byte{2})
	remote := change("B", 2000, []byte{1}, []byte{3})
	c := e.Detect(local, remote)
	c.Strategy = LastWriterWins

	res, err := e.Resolve(c, "")
	require.NoError(t, err)
	require.Equal(t, []byte{3}, res.Value)
}

func TestFirstWriterWinsPicksLowerTimestamp(t *testing.T) {
	e := New(4)
	local := change("A", 1000, []byte{1}, []byte{2})
	remote := change("B", 2000, []byte{1}, []byte{3})
	c := e.Detect(local, remote)
	c.Strategy = FirstWriterWins

	res, err := e.Resolve(c, "")
	require.NoError(t, err)
	require.Equal(t, []byte{2}, res.Value)
}

func TestAdditiveSumsLittleEndianIntegers(t *testing.T) {
	e := New(4)
	a := make([]byte, 8)
	binary.LittleEndian.PutUint64(a, 10)
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, 5)

	local := change("A", 1, a, a)
	remote := change("B", 2, a, b)
	c := e.Detect(local, remote)
	c.Strategy = Additive

	res, err := e.Resolve(c, "")
	require.NoError(t, err)
	require.Equal(t, int64(15), int64(binary.LittleEndian.Uint64(res.Value)))
}

func TestAdditiveRejectsWrongSizedValues(t *testing.T) {
	e := New(4)
	local := change("A", 1, []byte{1}, []byte{1, 2, 3})
	remote := change("B", 2, []byte{1}, []byte{1})
	c := e.Detect(local, remote)
	c.Strategy = Additive

	_, err := e.Resolve(c, "")
	require.Error(t, err)
}

func TestManualStrategyRequiresOperatorAction(t *testing.T) {
	e := New(4)
	local := change("A", 1, []byte{1}, []byte{2})
	remote := change("B", 2, []byte{1}, []byte{3})
	c := e.Detect(local, remote)
	c.Strategy = Manual

	_, err := e.Resolve(c, "")
	require.Error(t, err)
	require.True(t, errors.Is(err, dbcoreerr.ErrManualResolutionRequired))

	pending := e.Pending()
	require.Len(t, pending, 1)

	err = e.ManualResolve(c.ID, Resolution{Value: []byte{9}})
	require.NoError(t, err)
	require.Empty(t, e.Pending())
}

func TestCustomHandlerDispatchByName(t *testing.T) {
	e := New(4)
	e.RegisterCustom("always-local", func(c *Conflict) (Resolution, error) {
		return Resolution{Value: c.Local.NewValue, Method: Custom}, nil
	})

	local := change("A", 1, []byte{1}, []byte{42})
	remote := change("B", 2, []byte{1}, []byte{99})
	c := e.Detect(local, remote)
	c.Strategy = Custom

	res, err := e.Resolve(c, "always-local")
	require.NoError(t, err)
	require.Equal(t, []byte{42}, res.Value)
}

func TestCrdtMergeStrategyRoutesThroughLWWRegister(t *testing.T) {
	e := New(4)
	local := change("A", 1000, []byte{1}, []byte{2})
	remote := change("B", 2000, []byte{1}, []byte{3})
	c := e.Detect(local, remote)
	c.Strategy = CrdtMerge

	res, err := e.Resolve(c, "")
	require.NoError(t, err)
	require.Equal(t, []byte{3}, res.Value)
}

func TestCleanupRemovesOldResolvedConflicts(t *testing.T) {
	e := New(4)
	local := change("A", 1, []byte{1}, []byte{2})
	remote := change("B", 2, []byte{1}, []byte{3})
	c := e.Detect(local, remote)
	c.Strategy = LastWriterWins
	_, err := e.Resolve(c, "")
	require.NoError(t, err)

	c.DetectedAt = time.Now().Add(-2 * time.Hour)

	removed := e.Cleanup(time.Hour)
	require.Equal(t, 1, removed)
}

func TestStatsAggregateAcrossShards(t *testing.T) {
	e := New(4)
	for i := 0; i < 10; i++ {
		local := change("A", int64(i), []byte{1}, []byte{byte(i)})
		remote := change("B", int64(i+1), []byte{1}, []byte{byte(i + 1)})
		local.ChangeID = "local-" + string(rune('a'+i))
		remote.ChangeID = "remote-" + string(rune('a'+i))
		c := e.Detect(local, remote)
		require.NotNil(t, c)
		c.Strategy = LastWriterWins
		_, err := e.Resolve(c, "")
		require.NoError(t, err)
	}

	stats := e.Stats()
	require.Equal(t, uint64(10), stats.Total)
	require.Equal(t, uint64(0), stats.Pending)
	require.Equal(t, uint64(10), stats.AutoResolved)
}

func TestVectorClockDominatesIsStrict(t *testing.T) {
	a := VectorClock{"A": 1, "B": 2}
	b := VectorClock{"A": 1, "B": 2}
	require.False(t, a.Dominates(b))

	c := VectorClock{"A": 1, "B": 3}
	require.True(t, a.Dominates(c))
	require.False(t, c.Dominates(a))
}
