package checkpoint

import (
	"testing"
	"time"

	"github.com/cuemby/dbcore/internal/dbcore/config"
	"github.com/cuemby/dbcore/internal/dbcore/wal"
	"github.com/cuemby/dbcore/internal/dbcore/walrecord"
	"github.com/stretchr/testify/require"
)

type memPageStore struct {
	lsn     map[walrecord.PageID]uint64
	content map[walrecord.PageID][]byte
}

func newMemPageStore() *memPageStore {
	return &memPageStore{lsn: map[walrecord.PageID]uint64{}, content: map[walrecord.PageID][]byte{}}
}

func (s *memPageStore) PageLSN(page walrecord.PageID) uint64 { return s.lsn[page] }

func (s *memPageStore) ApplyRedo(page walrecord.PageID, lsn uint64, after []byte) {
	s.content[page] = append([]byte(nil), after...)
	s.lsn[page] = lsn
}

func (s *memPageStore) ApplyUndo(page walrecord.PageID, before []byte) {
	s.content[page] = append([]byte(nil), before...)
}

func openTestWAL(t *testing.T) *wal.Manager {
	t.Helper()
	dir := t.TempDir()
	m, err := wal.Open(config.WALConfig{
		Directory:        dir,
		SegmentSizeBytes: 1 << 20,
		SyncMode:         config.NoSync,
		GroupCommitBytes: 1 << 20,
		GroupCommitDelay: time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestRecoveryRedoesCommittedAndUndoesActive(t *testing.T) {
	w := openTestWAL(t)
	store := newMemPageStore()

	// Txn 1: fully committed, should survive redo.
	_, err := w.Append(walrecord.Begin{Txn: 1})
	require.NoError(t, err)
	_, err = w.Append(walrecord.NewInsert(1, 100, 0, 0, []byte("committed-value")))
	require.NoError(t, err)
	_, err = w.Append(walrecord.Commit{Txn: 1})
	require.NoError(t, err)

	// Txn 2: left active at "crash" time, should be undone. The WAL
	// manager stamps the real undo-next pointer at append time, so the
	// placeholder 0 passed here is overwritten.
	_, err = w.Append(walrecord.Begin{Txn: 2})
	require.NoError(t, err)
	_, err = w.Append(walrecord.NewInsert(2, 200, 0, 0, []byte("uncommitted-value")))
	require.NoError(t, err)

	result, err := Recover(w, store)
	require.NoError(t, err)

	require.Contains(t, result.CommittedTxns, walrecord.TxnID(1))
	require.Contains(t, result.UndoneTxns, walrecord.TxnID(2))
	require.Equal(t, 1, result.CLRsWritten)

	require.Equal(t, []byte("committed-value"), store.content[100])
	// Page 200 never had a before-image (first write), so undo clears it
	// to an empty before-image.
	require.Empty(t, store.content[200])
}

func TestRecoveryIsIdempotentAcrossRepeatedReplay(t *testing.T) {
	w := openTestWAL(t)
	store := newMemPageStore()

	_, err := w.Append(walrecord.Begin{Txn: 1})
	require.NoError(t, err)
	_, err = w.Append(walrecord.NewInsert(1, 1, 0, 0, []byte("v1")))
	require.NoError(t, err)
	_, err = w.Append(walrecord.Commit{Txn: 1})
	require.NoError(t, err)

	_, err = Recover(w, store)
	require.NoError(t, err)
	first := append([]byte(nil), store.content[1]...)

	_, err = Recover(w, store)
	require.NoError(t, err)

	require.Equal(t, first, store.content[1])
}
