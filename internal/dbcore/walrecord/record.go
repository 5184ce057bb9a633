// Package walrecord defines the physiological WAL record model: a tagged
// union of Begin, Insert, Update, Delete, CLR, Commit, Abort,
// CheckpointBegin and CheckpointEnd variants, each serializable to a
// versioned one-byte-tag-plus-payload wire form.
//
// Grounded on the record/header split in other_examples'
// LeeNgari-RDBMS wal/types.go (fixed header, little-endian multi-byte
// fields, a RecordType discriminant byte), adapted from that repo's
// single-table-row payloads to dbcore's page/offset physiological model.
package walrecord

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/cuemby/dbcore/internal/dbcore/dbcoreerr"
)

// Tag discriminates the WAL record variant. It is stored as its own byte
// just before the record's payload in a WAL entry; the payload itself
// starts with the format-version byte.
type Tag uint8

const (
	TagBegin Tag = iota + 1
	TagInsert
	TagUpdate
	TagDelete
	TagCLR
	TagCommit
	TagAbort
	TagCheckpointBegin
	TagCheckpointEnd
)

func (t Tag) String() string {
	switch t {
	case TagBegin:
		return "Begin"
	case TagInsert:
		return "Insert"
	case TagUpdate:
		return "Update"
	case TagDelete:
		return "Delete"
	case TagCLR:
		return "CLR"
	case TagCommit:
		return "Commit"
	case TagAbort:
		return "Abort"
	case TagCheckpointBegin:
		return "CheckpointBegin"
	case TagCheckpointEnd:
		return "CheckpointEnd"
	default:
		return "Unknown"
	}
}

// formatVersion is bumped whenever a variant's payload layout changes.
const formatVersion uint8 = 1

// Record is implemented by every WAL record variant. Marshal is the single
// source of truth for checksum input: callers checksum the tag byte
// followed by exactly the bytes Marshal returns.
type Record interface {
	Tag() Tag
	Marshal() []byte
}

// TxnID identifies a transaction.
type TxnID uint64

// PageID identifies a page.
type PageID uint64

// LSN is a log sequence number. Zero means "none".
type LSN uint64

// Begin marks the start of a transaction.
type Begin struct {
	Txn TxnID
}

func (Begin) Tag() Tag { return TagBegin }

func (r Begin) Marshal() []byte {
	buf := make([]byte, 1+8)
	buf[0] = uint8(formatVersion)
	binary.LittleEndian.PutUint64(buf[1:], uint64(r.Txn))
	return buf
}

// mutating carries the fields common to Insert/Update/Delete/CLR, per
// spec.md §3 ("common fields on mutating variants").
type mutating struct {
	Txn        TxnID
	Page       PageID
	Offset     uint32
	UndoNextLSN LSN
}

func (m mutating) marshal(buf *bytes.Buffer) {
	_ = binary.Write(buf, binary.LittleEndian, uint64(m.Txn))
	_ = binary.Write(buf, binary.LittleEndian, uint64(m.Page))
	_ = binary.Write(buf, binary.LittleEndian, m.Offset)
	_ = binary.Write(buf, binary.LittleEndian, uint64(m.UndoNextLSN))
}

func unmarshalMutating(r *bytes.Reader) (mutating, error) {
	var m mutating
	var txn, page, undoNext uint64
	var off uint32
	for _, f := range []any{&txn, &page, &off, &undoNext} {
		if err := binary.Read(r, binary.LittleEndian, f); err != nil {
			return mutating{}, err
		}
	}
	m.Txn = TxnID(txn)
	m.Page = PageID(page)
	m.Offset = off
	m.UndoNextLSN = LSN(undoNext)
	return m, nil
}

func writeBytesField(buf *bytes.Buffer, b []byte) {
	_ = binary.Write(buf, binary.LittleEndian, uint32(len(b)))
	buf.Write(b)
}

func readBytesField(r *bytes.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

// Insert logs a page insert. Before is always empty; After is the new
// bytes written at Offset.
type Insert struct {
	mutating
	After []byte
}

// NewInsert builds an Insert record. Offset is the byte offset within page
// where after was written.
func NewInsert(txn TxnID, page PageID, offset uint32, undoNext LSN, after []byte) Insert {
	return Insert{mutating: mutating{Txn: txn, Page: page, Offset: offset, UndoNextLSN: undoNext}, After: after}
}

func (Insert) Tag() Tag { return TagInsert }

func (r Insert) Marshal() []byte {
	buf := &bytes.Buffer{}
	buf.WriteByte(formatVersion)
	r.mutating.marshal(buf)
	writeBytesField(buf, r.After)
	return buf.Bytes()
}

// Update logs a page update with both images, so an undo can restore
// Before and a redo can reapply After.
type Update struct {
	mutating
	Before []byte
	After  []byte
}

// NewUpdate builds an Update record carrying both before and after images.
func NewUpdate(txn TxnID, page PageID, offset uint32, undoNext LSN, before, after []byte) Update {
	return Update{mutating: mutating{Txn: txn, Page: page, Offset: offset, UndoNextLSN: undoNext}, Before: before, After: after}
}

func (Update) Tag() Tag { return TagUpdate }

func (r Update) Marshal() []byte {
	buf := &bytes.Buffer{}
	buf.WriteByte(formatVersion)
	r.mutating.marshal(buf)
	writeBytesField(buf, r.Before)
	writeBytesField(buf, r.After)
	return buf.Bytes()
}

// Delete logs a page delete; Before is the bytes removed, recoverable by
// undo.
type Delete struct {
	mutating
	Before []byte
}

// NewDelete builds a Delete record carrying the removed before-image.
func NewDelete(txn TxnID, page PageID, offset uint32, undoNext LSN, before []byte) Delete {
	return Delete{mutating: mutating{Txn: txn, Page: page, Offset: offset, UndoNextLSN: undoNext}, Before: before}
}

func (Delete) Tag() Tag { return TagDelete }

func (r Delete) Marshal() []byte {
	buf := &bytes.Buffer{}
	buf.WriteByte(formatVersion)
	r.mutating.marshal(buf)
	writeBytesField(buf, r.Before)
	return buf.Bytes()
}

// CLR (Compensation Log Record) is logged during undo. Its redo is
// idempotent: reapplying After is safe even if already applied. UndoNextLSN
// points past the action it compensates, not to it, so repeated recovery
// passes never re-undo the same action.
type CLR struct {
	mutating
	After       []byte
	CompensatesLSN LSN
}

// NewCLR builds a CLR compensating the action at compensates. undoNext
// must point past compensates (not at it), so redo of this CLR is
// idempotent and the undo pass never revisits the same action twice.
func NewCLR(txn TxnID, page PageID, offset uint32, undoNext, compensates LSN, after []byte) CLR {
	return CLR{
		mutating:       mutating{Txn: txn, Page: page, Offset: offset, UndoNextLSN: undoNext},
		After:          after,
		CompensatesLSN: compensates,
	}
}

func (CLR) Tag() Tag { return TagCLR }

func (r CLR) Marshal() []byte {
	buf := &bytes.Buffer{}
	buf.WriteByte(formatVersion)
	r.mutating.marshal(buf)
	_ = binary.Write(buf, binary.LittleEndian, uint64(r.CompensatesLSN))
	writeBytesField(buf, r.After)
	return buf.Bytes()
}

// Commit marks a transaction committed.
type Commit struct {
	Txn       TxnID
	Timestamp int64
}

func (Commit) Tag() Tag { return TagCommit }

func (r Commit) Marshal() []byte {
	buf := make([]byte, 1+8+8)
	buf[0] = formatVersion
	binary.LittleEndian.PutUint64(buf[1:9], uint64(r.Txn))
	binary.LittleEndian.PutUint64(buf[9:17], uint64(r.Timestamp))
	return buf
}

// Abort marks a transaction aborted.
type Abort struct {
	Txn TxnID
}

func (Abort) Tag() Tag { return TagAbort }

func (r Abort) Marshal() []byte {
	buf := make([]byte, 1+8)
	buf[0] = formatVersion
	binary.LittleEndian.PutUint64(buf[1:], uint64(r.Txn))
	return buf
}

// CheckpointBegin marks the start of a fuzzy checkpoint.
type CheckpointBegin struct{}

func (CheckpointBegin) Tag() Tag { return TagCheckpointBegin }

func (CheckpointBegin) Marshal() []byte {
	return []byte{formatVersion}
}

// DirtyPageEntry is one row of the checkpoint's dirty-page-table snapshot.
type DirtyPageEntry struct {
	Page  PageID
	RecLSN LSN
}

// CheckpointEnd carries the transaction-table and dirty-page-table
// snapshots captured between CheckpointBegin and this record.
type CheckpointEnd struct {
	ActiveTxns []TxnID
	DirtyPages []DirtyPageEntry
}

func (CheckpointEnd) Tag() Tag { return TagCheckpointEnd }

func (r CheckpointEnd) Marshal() []byte {
	buf := &bytes.Buffer{}
	buf.WriteByte(formatVersion)
	_ = binary.Write(buf, binary.LittleEndian, uint32(len(r.ActiveTxns)))
	for _, t := range r.ActiveTxns {
		_ = binary.Write(buf, binary.LittleEndian, uint64(t))
	}
	_ = binary.Write(buf, binary.LittleEndian, uint32(len(r.DirtyPages)))
	for _, d := range r.DirtyPages {
		_ = binary.Write(buf, binary.LittleEndian, uint64(d.Page))
		_ = binary.Write(buf, binary.LittleEndian, uint64(d.RecLSN))
	}
	return buf.Bytes()
}

// Decode parses a variant's payload (as produced by Marshal, starting
// with the format-version byte; the tag is passed separately) back into a
// Record. An unknown tag, or a tag that doesn't
// match any known variant, fails with a corruption error since it most
// likely means the reader has desynchronized from the entry boundary.
func Decode(tag Tag, payload []byte) (Record, error) {
	if len(payload) == 0 {
		return nil, dbcoreerr.Corruptionf("empty payload for tag %s", tag)
	}
	if payload[0] != formatVersion {
		return nil, dbcoreerr.Corruptionf("unsupported record format version %d for tag %s", payload[0], tag)
	}
	r := bytes.NewReader(payload[1:])

	switch tag {
	case TagBegin:
		var txn uint64
		if err := binary.Read(r, binary.LittleEndian, &txn); err != nil {
			return nil, dbcoreerr.Corruptionf("decoding Begin: %v", err)
		}
		return Begin{Txn: TxnID(txn)}, nil

	case TagInsert:
		m, err := unmarshalMutating(r)
		if err != nil {
			return nil, dbcoreerr.Corruptionf("decoding Insert header: %v", err)
		}
		after, err := readBytesField(r)
		if err != nil {
			return nil, dbcoreerr.Corruptionf("decoding Insert payload: %v", err)
		}
		return Insert{mutating: m, After: after}, nil

	case TagUpdate:
		m, err := unmarshalMutating(r)
		if err != nil {
			return nil, dbcoreerr.Corruptionf("decoding Update header: %v", err)
		}
		before, err := readBytesField(r)
		if err != nil {
			return nil, dbcoreerr.Corruptionf("decoding Update before-image: %v", err)
		}
		after, err := readBytesField(r)
		if err != nil {
			return nil, dbcoreerr.Corruptionf("decoding Update after-image: %v", err)
		}
		return Update{mutating: m, Before: before, After: after}, nil

	case TagDelete:
		m, err := unmarshalMutating(r)
		if err != nil {
			return nil, dbcoreerr.Corruptionf("decoding Delete header: %v", err)
		}
		before, err := readBytesField(r)
		if err != nil {
			return nil, dbcoreerr.Corruptionf("decoding Delete payload: %v", err)
		}
		return Delete{mutating: m, Before: before}, nil

	case TagCLR:
		m, err := unmarshalMutating(r)
		if err != nil {
			return nil, dbcoreerr.Corruptionf("decoding CLR header: %v", err)
		}
		var compensates uint64
		if err := binary.Read(r, binary.LittleEndian, &compensates); err != nil {
			return nil, dbcoreerr.Corruptionf("decoding CLR compensates-lsn: %v", err)
		}
		after, err := readBytesField(r)
		if err != nil {
			return nil, dbcoreerr.Corruptionf("decoding CLR payload: %v", err)
		}
		return CLR{mutating: m, CompensatesLSN: LSN(compensates), After: after}, nil

	case TagCommit:
		var txn uint64
		var ts int64
		if err := binary.Read(r, binary.LittleEndian, &txn); err != nil {
			return nil, dbcoreerr.Corruptionf("decoding Commit: %v", err)
		}
		if err := binary.Read(r, binary.LittleEndian, &ts); err != nil {
			return nil, dbcoreerr.Corruptionf("decoding Commit timestamp: %v", err)
		}
		return Commit{Txn: TxnID(txn), Timestamp: ts}, nil

	case TagAbort:
		var txn uint64
		if err := binary.Read(r, binary.LittleEndian, &txn); err != nil {
			return nil, dbcoreerr.Corruptionf("decoding Abort: %v", err)
		}
		return Abort{Txn: TxnID(txn)}, nil

	case TagCheckpointBegin:
		return CheckpointBegin{}, nil

	case TagCheckpointEnd:
		var nTxns uint32
		if err := binary.Read(r, binary.LittleEndian, &nTxns); err != nil {
			return nil, dbcoreerr.Corruptionf("decoding CheckpointEnd active-txn count: %v", err)
		}
		active := make([]TxnID, nTxns)
		for i := range active {
			var t uint64
			if err := binary.Read(r, binary.LittleEndian, &t); err != nil {
				return nil, dbcoreerr.Corruptionf("decoding CheckpointEnd active txn: %v", err)
			}
			active[i] = TxnID(t)
		}
		var nDirty uint32
		if err := binary.Read(r, binary.LittleEndian, &nDirty); err != nil {
			return nil, dbcoreerr.Corruptionf("decoding CheckpointEnd dirty-page count: %v", err)
		}
		dirty := make([]DirtyPageEntry, nDirty)
		for i := range dirty {
			var page, rec uint64
			if err := binary.Read(r, binary.LittleEndian, &page); err != nil {
				return nil, dbcoreerr.Corruptionf("decoding CheckpointEnd dirty page: %v", err)
			}
			if err := binary.Read(r, binary.LittleEndian, &rec); err != nil {
				return nil, dbcoreerr.Corruptionf("decoding CheckpointEnd rec-lsn: %v", err)
			}
			dirty[i] = DirtyPageEntry{Page: PageID(page), RecLSN: LSN(rec)}
		}
		return CheckpointEnd{ActiveTxns: active, DirtyPages: dirty}, nil

	default:
		return nil, dbcoreerr.Corruptionf("unknown record tag %d", tag)
	}
}

// MutatingFields reports whether rec is a mutating variant (Insert, Update,
// Delete, CLR) and, if so, its common fields. Used by the WAL manager to
// update the transaction and dirty-page tables without a type switch at
// every call site.
func MutatingFields(rec Record) (txn TxnID, page PageID, undoNext LSN, ok bool) {
	switch v := rec.(type) {
	case Insert:
		return v.Txn, v.Page, v.UndoNextLSN, true
	case Update:
		return v.Txn, v.Page, v.UndoNextLSN, true
	case Delete:
		return v.Txn, v.Page, v.UndoNextLSN, true
	case CLR:
		return v.Txn, v.Page, v.UndoNextLSN, true
	default:
		return 0, 0, 0, false
	}
}

// WithUndoNext returns a copy of rec (which must be a mutating variant)
// with its embedded undo-next field replaced by undoNext. The WAL manager
// uses this to stamp each mutating record other than a CLR with a
// back-pointer to the
// transaction's previous LSN at append time, since the caller constructing
// the record cannot know that LSN in advance.
func WithUndoNext(rec Record, undoNext LSN) Record {
	switch v := rec.(type) {
	case Insert:
		v.UndoNextLSN = undoNext
		return v
	case Update:
		v.UndoNextLSN = undoNext
		return v
	case Delete:
		v.UndoNextLSN = undoNext
		return v
	case CLR:
		v.UndoNextLSN = undoNext
		return v
	default:
		return rec
	}
}
