package walrecord

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, rec Record) Record {
	t.Helper()
	payload := rec.Marshal()
	got, err := Decode(rec.Tag(), payload)
	require.NoError(t, err)
	return got
}

func TestBeginRoundTrip(t *testing.T) {
	rec := Begin{Txn: 42}
	got := roundTrip(t, rec)
	require.Equal(t, rec, got)
}

func TestUpdateRoundTrip(t *testing.T) {
	rec := Update{
		mutating: mutating{Txn: 1, Page: 100, Offset: 8, UndoNextLSN: 5},
		Before:   []byte{1, 2, 3},
		After:    []byte{4, 5, 6},
	}
	got := roundTrip(t, rec)
	require.Equal(t, rec, got)
}

func TestCLRRoundTripAndCompensatesLSN(t *testing.T) {
	rec := CLR{
		mutating:       mutating{Txn: 1, Page: 100, Offset: 8, UndoNextLSN: 9},
		After:          []byte{1, 2, 3},
		CompensatesLSN: 2,
	}
	got := roundTrip(t, rec).(CLR)
	require.Equal(t, rec.CompensatesLSN, got.CompensatesLSN)
	require.Equal(t, rec.UndoNextLSN, got.UndoNextLSN)
}

func TestCheckpointEndRoundTrip(t *testing.T) {
	rec := CheckpointEnd{
		ActiveTxns: []TxnID{1, 2, 3},
		DirtyPages: []DirtyPageEntry{{Page: 10, RecLSN: 4}, {Page: 11, RecLSN: 5}},
	}
	got := roundTrip(t, rec)
	require.Equal(t, rec, got)
}

func TestDecodeUnknownTagFailsWithCorruption(t *testing.T) {
	_, err := Decode(Tag(255), []byte{formatVersion})
	require.Error(t, err)
}

func TestDecodeEmptyPayloadFailsWithCorruption(t *testing.T) {
	_, err := Decode(TagBegin, nil)
	require.Error(t, err)
}

func TestDecodeWrongFormatVersionFails(t *testing.T) {
	rec := Begin{Txn: 1}
	payload := rec.Marshal()
	payload[0] = formatVersion + 1
	_, err := Decode(TagBegin, payload)
	require.Error(t, err)
}

func TestMutatingFieldsReportsSharedFields(t *testing.T) {
	rec := Insert{mutating: mutating{Txn: 7, Page: 3, UndoNextLSN: 0}, After: []byte{1}}
	txn, page, undoNext, ok := MutatingFields(rec)
	require.True(t, ok)
	require.Equal(t, TxnID(7), txn)
	require.Equal(t, PageID(3), page)
	require.Equal(t, LSN(0), undoNext)

	_, _, _, ok = MutatingFields(Commit{Txn: 7})
	require.False(t, ok)
}
