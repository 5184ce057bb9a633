package cdc

import "time"

// ChangeType is the kind of row mutation a Event represents.
type ChangeType int

const (
	Insert ChangeType = iota
	Update
	Delete
	Truncate
)

// ColumnChange is a per-column diff between before- and after-images.
type ColumnChange struct {
	Column   string
	Before   []byte
	After    []byte
	Modified bool
}

// Event is one captured row mutation.
type Event struct {
	EventID          uint64
	LSN              uint64
	TxnID            uint64
	Table            string
	ChangeType       ChangeType
	RowID            string
	BeforeImage      map[string][]byte
	AfterImage       map[string][]byte
	ColumnChanges    map[string]ColumnChange
	Timestamp        time.Time
	CommitTimestamp  time.Time
}

// Batch is a sealed run of events spanning an inclusive LSN range.
type Batch struct {
	StartLSN uint64
	EndLSN   uint64
	Events   []Event
}

// RowDecoder decodes a table's raw row bytes into a column-name-keyed
// image. The buffer manager and catalog that would normally supply this
// are out of scope here, so the CDC engine accepts it as a seam; the
// default decoder treats the whole row as a single synthetic column
// named "value" so capture still works against an unmodeled schema.
type RowDecoder func(table string, raw []byte) map[string][]byte

// DefaultRowDecoder implements the single-column fallback described on
// RowDecoder.
func DefaultRowDecoder(_ string, raw []byte) map[string][]byte {
	if raw == nil {
		return nil
	}
	return map[string][]byte{"value": raw}
}

// Filter controls which events an Engine captures and how much detail it
// retains for them.
type Filter struct {
	ExcludedTables   map[string]bool
	IncludedTables   map[string]bool // empty means "all tables"
	EnabledTypes     map[ChangeType]bool // empty means "all types"
	CaptureBefore    bool
	CaptureAfter     bool
	CaptureColumnDiff bool
}

// DefaultFilter captures everything.
func DefaultFilter() Filter {
	return Filter{
		ExcludedTables:    map[string]bool{},
		IncludedTables:    map[string]bool{},
		EnabledTypes:      map[ChangeType]bool{},
		CaptureBefore:     true,
		CaptureAfter:      true,
		CaptureColumnDiff: true,
	}
}

func (f Filter) allows(table string, ct ChangeType) bool {
	if f.ExcludedTables[table] {
		return false
	}
	if len(f.IncludedTables) > 0 && !f.IncludedTables[table] {
		return false
	}
	if len(f.EnabledTypes) > 0 && !f.EnabledTypes[ct] {
		return false
	}
	return true
}

// State is one of the CDC engine's lifecycle states.
type State int

const (
	Stopped State = iota
	Starting
	Running
	Paused
	Stopping
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Paused:
		return "paused"
	case Stopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// CheckpointState is what gets persisted every checkpoint interval and
// re-seeds the engine's counters on restart.
type CheckpointState struct {
	LastProcessedLSN   uint64
	NextEventID        uint64
	ActiveTransactions []uint64
}
