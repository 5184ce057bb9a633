package shipper

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/dbcore/internal/dbcore/config"
	"github.com/cuemby/dbcore/internal/dbcore/wal"
	"github.com/cuemby/dbcore/internal/dbcore/walrecord"
	"github.com/stretchr/testify/require"
)

type recordingTransport struct {
	mu      sync.Mutex
	batches map[string][]wal.Entry
}

func newRecordingTransport() *recordingTransport {
	return &recordingTransport{batches: make(map[string][]wal.Entry)}
}

func (t *recordingTransport) Send(_ context.Context, address string, entries []wal.Entry) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.batches[address] = append(t.batches[address], entries...)
	return entries[len(entries)-1].LSN, nil
}

func openTestWAL(t *testing.T) *wal.Manager {
	t.Helper()
	m, err := wal.Open(config.WALConfig{
		Directory:        t.TempDir(),
		SegmentSizeBytes: 1 << 20,
		SyncMode:         config.NoSync,
		GroupCommitBytes: 1 << 20,
		GroupCommitDelay: time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestShipperAdvancesAppliedLSNOnAck(t *testing.T) {
	w := openTestWAL(t)
	for i := 0; i < 5; i++ {
		_, err := w.Append(walrecord.Begin{Txn: walrecord.TxnID(i)})
		require.NoError(t, err)
	}

	transport := newRecordingTransport()
	s := New(config.ShipperConfig{
		Peers:      []config.ShipperPeer{{Address: "standby-1:5433"}},
		IntervalMS: 1000,
		BatchSize:  10,
	}, w, transport)

	s.tick()

	applied, ok := s.LastAppliedLSN("standby-1:5433")
	require.True(t, ok)
	require.Equal(t, uint64(5), applied)

	transport.mu.Lock()
	require.Len(t, transport.batches["standby-1:5433"], 5)
	transport.mu.Unlock()
}

func TestShipperRespectsBatchSize(t *testing.T) {
	w := openTestWAL(t)
	for i := 0; i < 10; i++ {
		_, err := w.Append(walrecord.Begin{Txn: walrecord.TxnID(i)})
		require.NoError(t, err)
	}

	transport := newRecordingTransport()
	s := New(config.ShipperConfig{
		Peers:      []config.ShipperPeer{{Address: "standby-1:5433"}},
		IntervalMS: 1000,
		BatchSize:  3,
	}, w, transport)

	s.tick()

	applied, ok := s.LastAppliedLSN("standby-1:5433")
	require.True(t, ok)
	require.Equal(t, uint64(3), applied)
}

func TestShipperDoesNotReshipAlreadyAppliedEntries(t *testing.T) {
	w := openTestWAL(t)
	_, err := w.Append(walrecord.Begin{Txn: 1})
	require.NoError(t, err)

	transport := newRecordingTransport()
	s := New(config.ShipperConfig{
		Peers:      []config.ShipperPeer{{Address: "standby-1:5433"}},
		IntervalMS: 1000,
		BatchSize:  10,
	}, w, transport)

	s.tick()
	s.tick() // no new entries; second tick must be a no-op

	transport.mu.Lock()
	require.Len(t, transport.batches["standby-1:5433"], 1)
	transport.mu.Unlock()
}
