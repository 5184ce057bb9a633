package conflict

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/dbcore/internal/dbcore/crdt"
	"github.com/cuemby/dbcore/internal/dbcore/dbcoreerr"
	"github.com/cuemby/dbcore/pkg/metrics"
)

// CustomHandler is a registered resolution function looked up by name at
// resolve time, per spec.md §9's "keyed registry of function values"
// design note — the only user-pluggable dispatch surface in the core.
type CustomHandler func(*Conflict) (Resolution, error)

// Engine is the sharded conflict detector and resolver.
type Engine struct {
	shards []*shard

	customMu sync.RWMutex
	custom   map[string]CustomHandler
}

// New builds an Engine with shardCount shards, rounded up to the next
// power of two per spec.md §4.H's recommendation.
func New(shardCount int) *Engine {
	if shardCount <= 0 {
		shardCount = 16
	}
	shardCount = nextPowerOfTwo(shardCount)

	shards := make([]*shard, shardCount)
	for i := range shards {
		shards[i] = newShard()
	}
	return &Engine{shards: shards, custom: make(map[string]CustomHandler)}
}

func nextPowerOfTwo(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// Detect compares local and remote changes, returning nil if they target
// different rows or if one vector clock causally dominates the other.
// Otherwise it classifies the conflict, records it pending, and updates
// shard statistics.
func (e *Engine) Detect(local, remote ConflictingChange) *Conflict {
	if local.Table != remote.Table || local.RowKey != remote.RowKey {
		return nil
	}
	if local.VectorClock.Dominates(remote.VectorClock) || remote.VectorClock.Dominates(local.VectorClock) {
		return nil
	}

	ctype, ok := classify(local, remote)
	if !ok {
		return nil
	}

	id := fmt.Sprintf("%s:%s:%s:%s", local.Table, local.RowKey, local.ChangeID, remote.ChangeID)
	c := &Conflict{
		ID:         id,
		Type:       ctype,
		Local:      local,
		Remote:     remote,
		DetectedAt: time.Now(),
		Strategy:   LastWriterWins,
	}

	s := shardFor(e.shards, id)
	s.addPending(c)

	metrics.ConflictsDetectedTotal.WithLabelValues(conflictTypeLabel(ctype)).Inc()
	metrics.ConflictsPending.Inc()

	return c
}

func classify(local, remote ConflictingChange) (ConflictType, bool) {
	switch {
	case local.HasOld && local.HasNew && remote.HasOld && remote.HasNew:
		return UpdateUpdate, true
	case local.HasOld && local.HasNew && remote.HasOld && !remote.HasNew:
		return UpdateDelete, true
	case local.HasOld && !local.HasNew && remote.HasOld && remote.HasNew:
		return DeleteUpdate, true
	case local.HasOld && !local.HasNew && remote.HasOld && !remote.HasNew:
		return DeleteDelete, true
	case !local.HasOld && local.HasNew && !remote.HasOld && remote.HasNew:
		return InsertInsert, true
	default:
		return 0, false
	}
}

func conflictTypeLabel(t ConflictType) string {
	switch t {
	case UpdateUpdate:
		return "update_update"
	case UpdateDelete:
		return "update_delete"
	case DeleteUpdate:
		return "delete_update"
	case DeleteDelete:
		return "delete_delete"
	case InsertInsert:
		return "insert_insert"
	default:
		return "unknown"
	}
}

func strategyLabel(s Strategy) string {
	switch s {
	case LastWriterWins:
		return "last_writer_wins"
	case FirstWriterWins:
		return "first_writer_wins"
	case PriorityBased:
		return "priority_based"
	case MaxValue:
		return "max_value"
	case MinValue:
		return "min_value"
	case Additive:
		return "additive"
	case CrdtMerge:
		return "crdt_merge"
	case Custom:
		return "custom"
	case Manual:
		return "manual"
	default:
		return "unknown"
	}
}

// RegisterCustom adds a named handler for the Custom strategy.
func (e *Engine) RegisterCustom(name string, handler CustomHandler) {
	e.customMu.Lock()
	defer e.customMu.Unlock()
	e.custom[name] = handler
}

// Resolve dispatches c to its strategy's resolution logic. On success the
// conflict moves to its shard's resolved queue and counters advance;
// Manual always errors with ErrManualResolutionRequired and leaves the
// conflict on the pending queue where Detect placed it.
func (e *Engine) Resolve(c *Conflict, customName string) (Resolution, error) {
	var res Resolution
	var err error

	switch c.Strategy {
	case LastWriterWins:
		res = resolveLastWriterWins(c)
	case FirstWriterWins:
		res = resolveFirstWriterWins(c)
	case PriorityBased:
		res = resolvePriorityBased(c)
	case MaxValue:
		res = resolveMaxValue(c)
	case MinValue:
		res = resolveMinValue(c)
	case Additive:
		res, err = resolveAdditive(c)
	case CrdtMerge:
		res, err = e.resolveCrdtMerge(c)
	case Custom:
		res, err = e.resolveCustom(c, customName)
	case Manual:
		// Detect already placed c on its shard's pending queue; Manual
		// just leaves it there for an operator to resolve later via
		// ManualResolve.
		return Resolution{}, dbcoreerr.ManualResolutionRequiredf("conflict %s requires manual resolution", c.ID)
	default:
		return Resolution{}, dbcoreerr.InvalidInputf("conflict: unknown strategy %d", c.Strategy)
	}
	if err != nil {
		return Resolution{}, err
	}

	c.Resolved = true
	c.Resolution = &res

	s := shardFor(e.shards, c.ID)
	s.markResolved(c.ID, c.Strategy)

	metrics.ConflictsResolvedTotal.WithLabelValues(strategyLabel(c.Strategy)).Inc()
	metrics.ConflictsPending.Dec()

	return res, nil
}

func resolveLastWriterWins(c *Conflict) Resolution {
	local, remote := c.Local, c.Remote
	winner := local
	if remote.Timestamp > local.Timestamp ||
		(remote.Timestamp == local.Timestamp && remote.SiteID > local.SiteID) {
		winner = remote
	}
	return Resolution{Value: winner.NewValue, Method: LastWriterWins}
}

func resolveFirstWriterWins(c *Conflict) Resolution {
	local, remote := c.Local, c.Remote
	winner := local
	if remote.Timestamp < local.Timestamp ||
		(remote.Timestamp == local.Timestamp && remote.SiteID < local.SiteID) {
		winner = remote
	}
	return Resolution{Value: winner.NewValue, Method: FirstWriterWins}
}

func resolvePriorityBased(c *Conflict) Resolution {
	winner := c.Local
	if c.Remote.Priority > c.Local.Priority {
		winner = c.Remote
	}
	return Resolution{Value: winner.NewValue, Method: PriorityBased}
}

func resolveMaxValue(c *Conflict) Resolution {
	if bytes.Compare(c.Remote.NewValue, c.Local.NewValue) > 0 {
		return Resolution{Value: c.Remote.NewValue, Method: MaxValue}
	}
	return Resolution{Value: c.Local.NewValue, Method: MaxValue}
}

func resolveMinValue(c *Conflict) Resolution {
	if bytes.Compare(c.Remote.NewValue, c.Local.NewValue) < 0 {
		return Resolution{Value: c.Remote.NewValue, Method: MinValue}
	}
	return Resolution{Value: c.Local.NewValue, Method: MinValue}
}

func resolveAdditive(c *Conflict) (Resolution, error) {
	if len(c.Local.NewValue) != 8 || len(c.Remote.NewValue) != 8 {
		return Resolution{}, dbcoreerr.InvalidInputf("conflict: additive strategy requires 8-byte little-endian integers")
	}
	local := int64(binary.LittleEndian.Uint64(c.Local.NewValue))
	remote := int64(binary.LittleEndian.Uint64(c.Remote.NewValue))
	sum := local + remote

	out := make([]byte, 8)
	binary.LittleEndian.PutUint64(out, uint64(sum))
	return Resolution{Value: out, Method: Additive}, nil
}

// resolveCrdtMerge builds an LWW-Register from each side's (timestamp,
// site_id, new_value) and merges them through the crdt package, giving
// the conflict resolver's CrdtMerge strategy the same convergence
// guarantee as the rest of the CRDT layer without inventing a second wire
// format for conflict values.
func (e *Engine) resolveCrdtMerge(c *Conflict) (Resolution, error) {
	local := crdt.LWWRegister{Timestamp: c.Local.Timestamp, SiteID: c.Local.SiteID, Val: c.Local.NewValue}
	remote := crdt.LWWRegister{Timestamp: c.Remote.Timestamp, SiteID: c.Remote.SiteID, Val: c.Remote.NewValue}

	merged, err := local.Merge(remote)
	if err != nil {
		return Resolution{}, err
	}

	return Resolution{Value: merged.Value().([]byte), Method: CrdtMerge}, nil
}

func (e *Engine) resolveCustom(c *Conflict, name string) (Resolution, error) {
	e.customMu.RLock()
	handler, ok := e.custom[name]
	e.customMu.RUnlock()
	if !ok {
		return Resolution{}, dbcoreerr.InvalidInputf("conflict: no custom handler registered under %q", name)
	}
	return handler(c)
}

// ManualResolve applies an operator-supplied resolution to a conflict
// previously left pending by the Manual strategy.
func (e *Engine) ManualResolve(id string, resolution Resolution) error {
	s := shardFor(e.shards, id)
	c, ok := s.get(id)
	if !ok {
		return dbcoreerr.InvalidInputf("conflict: no such conflict %q", id)
	}

	resolution.Method = Manual
	c.Resolved = true
	c.Resolution = &resolution
	s.markResolved(id, Manual)

	metrics.ConflictsResolvedTotal.WithLabelValues(strategyLabel(Manual)).Inc()
	metrics.ConflictsPending.Dec()
	return nil
}

// Pending returns every conflict still awaiting resolution across all
// shards.
func (e *Engine) Pending() []*Conflict {
	var out []*Conflict
	for _, s := range e.shards {
		out = append(out, s.pendingList()...)
	}
	return out
}

// Cleanup removes resolved conflicts older than maxAge, returning the
// count removed.
func (e *Engine) Cleanup(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	total := 0
	for _, s := range e.shards {
		total += s.cleanup(func(c *Conflict) bool { return c.DetectedAt.Before(cutoff) })
	}
	return total
}

// Stats aggregates counters across every shard.
func (e *Engine) Stats() Stats {
	agg := Stats{ByMethod: make(map[Strategy]uint64)}
	for _, s := range e.shards {
		st := s.stats()
		agg.Total += st.Total
		agg.Pending += st.Pending
		agg.AutoResolved += st.AutoResolved
		for strat, n := range st.ByMethod {
			agg.ByMethod[strat] += n
		}
	}
	return agg
}
