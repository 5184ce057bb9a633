// Package conflict implements the sharded conflict detector and strategy
// resolver for multi-master replication: a vector-clock causality check,
// type classification, and pluggable resolution strategies including a
// CRDT merge path.
package conflict

import "time"

// ConflictType classifies a conflict by which side has an old/new value.
type ConflictType int

const (
	UpdateUpdate ConflictType = iota
	UpdateDelete
	DeleteUpdate
	DeleteDelete
	InsertInsert
)

// Strategy selects how resolve() settles a Conflict.
type Strategy int

const (
	LastWriterWins Strategy = iota
	FirstWriterWins
	PriorityBased
	MaxValue
	MinValue
	Additive
	CrdtMerge
	Custom
	Manual
)

// VectorClock maps site id to that site's logical counter.
type VectorClock map[string]uint64

// LessEqual reports whether vc is causally ≤ other: every site's counter
// in vc is ≤ the corresponding counter in other (sites absent from either
// clock are treated as 0).
func (vc VectorClock) LessEqual(other VectorClock) bool {
	for site, count := range vc {
		if count > other[site] {
			return false
		}
	}
	return true
}

// Equal reports whether vc and other agree on every site's counter.
func (vc VectorClock) Equal(other VectorClock) bool {
	if len(vc) != len(other) {
		return vc.sameNonZero(other) && other.sameNonZero(vc)
	}
	for site, count := range vc {
		if other[site] != count {
			return false
		}
	}
	return true
}

func (vc VectorClock) sameNonZero(other VectorClock) bool {
	for site, count := range vc {
		if count != 0 && other[site] != count {
			return false
		}
	}
	return true
}

// Dominates reports whether vc strictly causally precedes other: vc ≤
// other and vc ≠ other.
func (vc VectorClock) Dominates(other VectorClock) bool {
	return vc.LessEqual(other) && !vc.Equal(other)
}

// ConflictingChange is one side of a detected conflict.
type ConflictingChange struct {
	ChangeID    string
	SiteID      string
	Timestamp   int64
	Table       string
	RowKey      string
	OldValue    []byte
	NewValue    []byte
	HasOld      bool
	HasNew      bool
	Priority    int
	VectorClock VectorClock
}

// Resolution is the outcome of resolving a Conflict.
type Resolution struct {
	Value  []byte
	Method Strategy
}

// Conflict is one detected conflicting pair of changes, pending or
// resolved.
type Conflict struct {
	ID           string
	Type         ConflictType
	Local        ConflictingChange
	Remote       ConflictingChange
	DetectedAt   time.Time
	Strategy     Strategy
	Resolved     bool
	Resolution   *Resolution
}

// Stats is one shard's (or the engine-wide aggregate) resolution
// counters.
type Stats struct {
	Total        uint64
	Pending      uint64
	AutoResolved uint64
	ByMethod     map[Strategy]uint64
}
