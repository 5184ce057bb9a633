// Package crdt implements the conflict-free replicated data types used as
// the CrdtMerge resolution strategy in the conflict resolver: each
// variant's merge is commutative, associative, and idempotent, so
// replicas converge regardless of delivery order.
package crdt

import (
	"sort"

	"github.com/cuemby/dbcore/internal/dbcore/dbcoreerr"
)

// CRDT is implemented by every variant in this package.
type CRDT interface {
	// Merge combines other into the receiver's state, returning the
	// merged value. Implementations must be commutative, associative,
	// and idempotent; a type mismatch is a replication error.
	Merge(other CRDT) (CRDT, error)

	// Value returns the materialized form the database uses.
	Value() any
}

// LWWRegister keeps the (timestamp, site_id)-lexicographically-greater
// value.
type LWWRegister struct {
	Timestamp int64
	SiteID    string
	Val       []byte
}

func (r LWWRegister) Merge(other CRDT) (CRDT, error) {
	o, ok := other.(LWWRegister)
	if !ok {
		return nil, dbcoreerr.InvalidInputf("crdt: merge type mismatch, expected LWWRegister")
	}
	if lwwWins(o, r) {
		return o, nil
	}
	return r, nil
}

// lwwWins reports whether candidate strictly wins over current by
// (timestamp, site_id) lexicographic order.
func lwwWins(candidate, current LWWRegister) bool {
	if candidate.Timestamp != current.Timestamp {
		return candidate.Timestamp > current.Timestamp
	}
	return candidate.SiteID > current.SiteID
}

func (r LWWRegister) Value() any { return r.Val }

// GCounter is a grow-only counter: per-site max, value is the sum across
// sites.
type GCounter struct {
	Counts map[string]uint64
}

func NewGCounter() GCounter { return GCounter{Counts: make(map[string]uint64)} }

func (c GCounter) Merge(other CRDT) (CRDT, error) {
	o, ok := other.(GCounter)
	if !ok {
		return nil, dbcoreerr.InvalidInputf("crdt: merge type mismatch, expected GCounter")
	}
	merged := make(map[string]uint64, len(c.Counts)+len(o.Counts))
	for site, v := range c.Counts {
		merged[site] = v
	}
	for site, v := range o.Counts {
		if v > merged[site] {
			merged[site] = v
		}
	}
	return GCounter{Counts: merged}, nil
}

func (c GCounter) Value() any {
	var total uint64
	for _, v := range c.Counts {
		total += v
	}
	return total
}

// PNCounter tracks positive and negative components independently (each a
// GCounter), so merge is per-component max; value is
// sum(positive) - sum(negative).
type PNCounter struct {
	Positive GCounter
	Negative GCounter
}

func NewPNCounter() PNCounter {
	return PNCounter{Positive: NewGCounter(), Negative: NewGCounter()}
}

func (c PNCounter) Merge(other CRDT) (CRDT, error) {
	o, ok := other.(PNCounter)
	if !ok {
		return nil, dbcoreerr.InvalidInputf("crdt: merge type mismatch, expected PNCounter")
	}
	pos, err := c.Positive.Merge(o.Positive)
	if err != nil {
		return nil, err
	}
	neg, err := c.Negative.Merge(o.Negative)
	if err != nil {
		return nil, err
	}
	return PNCounter{Positive: pos.(GCounter), Negative: neg.(GCounter)}, nil
}

func (c PNCounter) Value() any {
	return int64(c.Positive.Value().(uint64)) - int64(c.Negative.Value().(uint64))
}

// GSet is a grow-only set: merge is union.
type GSet struct {
	Elements map[string]struct{}
}

func NewGSet() GSet { return GSet{Elements: make(map[string]struct{})} }

func (s GSet) Merge(other CRDT) (CRDT, error) {
	o, ok := other.(GSet)
	if !ok {
		return nil, dbcoreerr.InvalidInputf("crdt: merge type mismatch, expected GSet")
	}
	merged := make(map[string]struct{}, len(s.Elements)+len(o.Elements))
	for k := range s.Elements {
		merged[k] = struct{}{}
	}
	for k := range o.Elements {
		merged[k] = struct{}{}
	}
	return GSet{Elements: merged}, nil
}

func (s GSet) Value() any { return sortedKeys(s.Elements) }

// TwoPSet is a two-phase set: union of additions, union of tombstones;
// value excludes anything removed. Once removed, an element can never be
// re-added (the defining restriction of 2P-Set).
type TwoPSet struct {
	Added   map[string]struct{}
	Removed map[string]struct{}
}

func NewTwoPSet() TwoPSet {
	return TwoPSet{Added: make(map[string]struct{}), Removed: make(map[string]struct{})}
}

func (s TwoPSet) Merge(other CRDT) (CRDT, error) {
	o, ok := other.(TwoPSet)
	if !ok {
		return nil, dbcoreerr.InvalidInputf("crdt: merge type mismatch, expected TwoPSet")
	}
	added := unionSets(s.Added, o.Added)
	removed := unionSets(s.Removed, o.Removed)
	return TwoPSet{Added: added, Removed: removed}, nil
}

func (s TwoPSet) Value() any {
	live := make(map[string]struct{})
	for k := range s.Added {
		if _, removed := s.Removed[k]; !removed {
			live[k] = struct{}{}
		}
	}
	return sortedKeys(live)
}

// ORSet is an observed-remove set: each element maps to a set of unique
// add tags; presence requires a non-empty tag set, so re-adding after a
// remove works (unlike 2P-Set).
type ORSet struct {
	Tags map[string]map[string]struct{}
}

func NewORSet() ORSet { return ORSet{Tags: make(map[string]map[string]struct{})} }

func (s ORSet) Merge(other CRDT) (CRDT, error) {
	o, ok := other.(ORSet)
	if !ok {
		return nil, dbcoreerr.InvalidInputf("crdt: merge type mismatch, expected ORSet")
	}
	merged := make(map[string]map[string]struct{}, len(s.Tags)+len(o.Tags))
	for elem, tags := range s.Tags {
		merged[elem] = unionSets(tags, nil)
	}
	for elem, tags := range o.Tags {
		if existing, ok := merged[elem]; ok {
			merged[elem] = unionSets(existing, tags)
		} else {
			merged[elem] = unionSets(tags, nil)
		}
	}
	return ORSet{Tags: merged}, nil
}

func (s ORSet) Value() any {
	live := make(map[string]struct{})
	for elem, tags := range s.Tags {
		if len(tags) > 0 {
			live[elem] = struct{}{}
		}
	}
	return sortedKeys(live)
}

func unionSets(a, b map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		out[k] = struct{}{}
	}
	for k := range b {
		out[k] = struct{}{}
	}
	return out
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
