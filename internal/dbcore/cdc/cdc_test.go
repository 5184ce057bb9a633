package cdc

import (
	"testing"
	"time"

	"github.com/cuemby/dbcore/internal/dbcore/config"
	"github.com/cuemby/dbcore/internal/dbcore/wal"
	"github.com/cuemby/dbcore/internal/dbcore/walrecord"
	"github.com/stretchr/testify/require"
)

func openWAL(t *testing.T) *wal.Manager {
	t.Helper()
	m, err := wal.Open(config.WALConfig{
		Directory:        t.TempDir(),
		SegmentSizeBytes: 1 << 20,
		SyncMode:         config.AlwaysSync,
		SyncIntervalMS:   20,
		GroupCommitBytes: 1 << 20,
		GroupCommitDelay: 2 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func waitForLSN(t *testing.T, e *Engine, lsn uint64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if e.LastProcessedLSN() >= lsn {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("cdc engine never reached lsn %d (stuck at %d)", lsn, e.LastProcessedLSN())
}

// TestInsertThenUpdateCommitProducesTwoEventsWithSharedCommitTimestamp is
// the scenario from spec.md §8.6: inserting the row image "a" and then
// updating it to "b" in the same transaction produces one Insert and one
// Update event, both stamped with the same commit timestamp, with
// column_changes["value"].Modified true (DefaultRowDecoder exposes the raw
// image as the single column "value").
func TestInsertThenUpdateCommitProducesTwoEventsWithSharedCommitTimestamp(t *testing.T) {
	w := openWAL(t)
	cfg := DefaultConfig()
	cfg.PollInterval = 5 * time.Millisecond
	e := New(w, cfg, "")
	require.NoError(t, e.Start())
	defer e.Stop()

	sub := e.SubscribeEvents()
	defer e.UnsubscribeEvents(sub)

	txn := walrecord.TxnID(1)
	_, err := w.Append(walrecord.Begin{Txn: txn})
	require.NoError(t, err)
	_, err = w.Append(walrecord.NewInsert(txn, 1, 0, 0, []byte("a")))
	require.NoError(t, err)
	_, err = w.Append(walrecord.NewUpdate(txn, 1, 0, 0, []byte("a"), []byte("b")))
	require.NoError(t, err)
	commitLSN, err := w.Append(walrecord.Commit{Txn: txn, Timestamp: time.Now().UnixNano()})
	require.NoError(t, err)

	waitForLSN(t, e, commitLSN)

	var got []Event
	deadline := time.Now().Add(2 * time.Second)
	for len(got) < 2 && time.Now().Before(deadline) {
		select {
		case ev := <-sub:
			got = append(got, ev)
		case <-time.After(100 * time.Millisecond):
		}
	}

	require.Len(t, got, 2)
	require.Equal(t, Insert, got[0].ChangeType)
	require.Equal(t, Update, got[1].ChangeType)
	require.Equal(t, got[0].CommitTimestamp, got[1].CommitTimestamp)
	require.False(t, got[0].CommitTimestamp.IsZero())

	change, ok := got[1].ColumnChanges["value"]
	require.True(t, ok)
	require.True(t, change.Modified)
}

func TestAbortDiscardsBufferedEvents(t *testing.T) {
	w := openWAL(t)
	cfg := DefaultConfig()
	cfg.PollInterval = 5 * time.Millisecond
	e := New(w, cfg, "")
	require.NoError(t, e.Start())
	defer e.Stop()

	sub := e.SubscribeEvents()
	defer e.UnsubscribeEvents(sub)

	txn := walrecord.TxnID(1)
	_, err := w.Append(walrecord.Begin{Txn: txn})
	require.NoError(t, err)
	_, err = w.Append(walrecord.NewInsert(txn, 1, 0, 0, []byte("a")))
	require.NoError(t, err)
	abortLSN, err := w.Append(walrecord.Abort{Txn: txn})
	require.NoError(t, err)

	waitForLSN(t, e, abortLSN)

	select {
	case ev := <-sub:
		t.Fatalf("expected no events after abort, got %+v", ev)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestFilterExcludesTable(t *testing.T) {
	w := openWAL(t)
	cfg := DefaultConfig()
	cfg.PollInterval = 5 * time.Millisecond
	cfg.TableResolver = func(page walrecord.PageID) string { return "accounts" }
	cfg.Filter.ExcludedTables = map[string]bool{"accounts": true}
	e := New(w, cfg, "")
	require.NoError(t, e.Start())
	defer e.Stop()

	sub := e.SubscribeEvents()
	defer e.UnsubscribeEvents(sub)

	txn := walrecord.TxnID(1)
	_, err := w.Append(walrecord.Begin{Txn: txn})
	require.NoError(t, err)
	_, err = w.Append(walrecord.NewInsert(txn, 1, 0, 0, []byte("a")))
	require.NoError(t, err)
	commitLSN, err := w.Append(walrecord.Commit{Txn: txn, Timestamp: time.Now().UnixNano()})
	require.NoError(t, err)

	waitForLSN(t, e, commitLSN)

	select {
	case ev := <-sub:
		t.Fatalf("expected excluded table to produce no events, got %+v", ev)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestBatchSealsOnSizeThreshold(t *testing.T) {
	w := openWAL(t)
	cfg := DefaultConfig()
	cfg.PollInterval = 5 * time.Millisecond
	cfg.BatchMaxSize = 2
	cfg.BatchMaxWait = time.Hour
	e := New(w, cfg, "")
	require.NoError(t, e.Start())
	defer e.Stop()

	batchSub := e.SubscribeBatches()
	defer e.UnsubscribeBatches(batchSub)

	for i := 0; i < 2; i++ {
		txn := walrecord.TxnID(i + 1)
		_, err := w.Append(walrecord.Begin{Txn: txn})
		require.NoError(t, err)
		_, err = w.Append(walrecord.NewInsert(txn, walrecord.PageID(i), 0, 0, []byte("row")))
		require.NoError(t, err)
		_, err = w.Append(walrecord.Commit{Txn: txn, Timestamp: time.Now().UnixNano()})
		require.NoError(t, err)
	}

	select {
	case b := <-batchSub:
		require.Len(t, b.Events, 2)
		require.LessOrEqual(t, b.StartLSN, b.EndLSN)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a sealed batch on reaching the size threshold")
	}
}

func TestBatchSealsOnTimeoutWithPartialBatch(t *testing.T) {
	w := openWAL(t)
	cfg := DefaultConfig()
	cfg.PollInterval = 5 * time.Millisecond
	cfg.BatchMaxSize = 100
	cfg.BatchMaxWait = 50 * time.Millisecond
	e := New(w, cfg, "")
	require.NoError(t, e.Start())
	defer e.Stop()

	batchSub := e.SubscribeBatches()
	defer e.UnsubscribeBatches(batchSub)

	txn := walrecord.TxnID(1)
	_, err := w.Append(walrecord.Begin{Txn: txn})
	require.NoError(t, err)
	_, err = w.Append(walrecord.NewInsert(txn, 1, 0, 0, []byte("row")))
	require.NoError(t, err)
	_, err = w.Append(walrecord.Commit{Txn: txn, Timestamp: time.Now().UnixNano()})
	require.NoError(t, err)

	select {
	case b := <-batchSub:
		require.Len(t, b.Events, 1)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a sealed batch on timeout")
	}
}

func TestCheckpointRoundTripsAcrossRestart(t *testing.T) {
	w := openWAL(t)
	cpPath := t.TempDir() + "/cdc.checkpoint"
	cfg := DefaultConfig()
	cfg.PollInterval = 5 * time.Millisecond
	cfg.CheckpointEvery = 10 * time.Millisecond
	e := New(w, cfg, cpPath)
	require.NoError(t, e.Start())

	txn := walrecord.TxnID(1)
	_, err := w.Append(walrecord.Begin{Txn: txn})
	require.NoError(t, err)
	_, err = w.Append(walrecord.NewInsert(txn, 1, 0, 0, []byte("a")))
	require.NoError(t, err)
	commitLSN, err := w.Append(walrecord.Commit{Txn: txn, Timestamp: time.Now().UnixNano()})
	require.NoError(t, err)

	waitForLSN(t, e, commitLSN)
	e.writeCheckpoint()
	require.NoError(t, e.Stop())

	e2 := New(w, cfg, cpPath)
	require.NoError(t, e2.Start())
	defer e2.Stop()
	require.Equal(t, commitLSN, e2.LastProcessedLSN())
}

func TestPauseStopsProcessingUntilResume(t *testing.T) {
	w := openWAL(t)
	cfg := DefaultConfig()
	cfg.PollInterval = 5 * time.Millisecond
	e := New(w, cfg, "")
	require.NoError(t, e.Start())
	defer e.Stop()

	require.NoError(t, e.Pause())
	require.Equal(t, Paused, e.State())

	txn := walrecord.TxnID(1)
	_, err := w.Append(walrecord.Begin{Txn: txn})
	require.NoError(t, err)
	_, err = w.Append(walrecord.NewInsert(txn, 1, 0, 0, []byte("a")))
	require.NoError(t, err)
	_, err = w.Append(walrecord.Commit{Txn: txn, Timestamp: time.Now().UnixNano()})
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	require.Equal(t, uint64(0), e.LastProcessedLSN())

	require.NoError(t, e.Resume())
	waitForLSN(t, e, 3)
}

func TestStateTransitionsRejectInvalidMoves(t *testing.T) {
	w := openWAL(t)
	e := New(w, DefaultConfig(), "")

	require.Error(t, e.Pause())
	require.NoError(t, e.Start())
	require.Error(t, e.Start())
	require.NoError(t, e.Stop())
	require.Error(t, e.Resume())
}
