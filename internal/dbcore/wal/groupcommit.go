package wal

import (
	"time"

	"github.com/cuemby/dbcore/internal/dbcore/config"
	"github.com/cuemby/dbcore/internal/dbcore/dbcoreerr"
	"github.com/cuemby/dbcore/pkg/metrics"
)

// enqueue adds an entry to the shared group-commit buffer. A flush fires
// immediately if the buffer has crossed the byte threshold; otherwise a
// one-shot timer (armed once per batch) flushes after groupCommitDelay, per
// spec.md §4.C ("oldest buffered entry's age exceeds a delay").
func (m *Manager) enqueue(pe pendingEntry) {
	m.batchMu.Lock()

	m.pending = append(m.pending, pe)
	m.pendingBytes += len(pe.encoded)

	shouldFlushNow := m.pendingBytes >= m.groupCommitBytes
	if !shouldFlushNow && !m.timerArmed {
		m.timerArmed = true
		time.AfterFunc(m.groupCommitDelay, m.timerFire)
	}
	m.batchMu.Unlock()

	if shouldFlushNow {
		m.flushLocked()
	}
}

func (m *Manager) timerFire() {
	m.flushLocked()
}

// flushLocked drains the pending batch and durably writes it. It is safe
// to call from multiple goroutines (the timer and a size-triggered
// caller); only one of them will find a non-empty batch to drain, since
// the swap happens under batchMu.
func (m *Manager) flushLocked() {
	m.batchMu.Lock()
	if len(m.pending) == 0 {
		m.timerArmed = false
		m.batchMu.Unlock()
		return
	}
	batch := m.pending
	m.pending = nil
	m.pendingBytes = 0
	m.timerArmed = false
	m.batchMu.Unlock()

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.WALFlushDuration)

	lastLSN, err := m.writeBatch(batch)

	metrics.WALGroupCommitBatchSize.Observe(float64(len(batch)))

	if err != nil {
		m.setFatal(err)
		for _, pe := range batch {
			pe.done <- err
		}
		return
	}

	switch m.syncMode {
	case config.AlwaysSync:
		m.flushedLSN.Store(lastLSN)
	case config.NoSync:
		m.flushedLSN.Store(lastLSN)
	case config.PeriodicSync:
		// flushedLSN advances only on the periodic fsync tick.
	}

	metrics.WALFlushedLSN.Set(float64(m.flushedLSN.Load()))
	metrics.WALCurrentLSN.Set(float64(m.currentLSN.Load()))

	for _, pe := range batch {
		pe.done <- nil
	}
}

// writeBatch performs the "one vectored write": every entry in the batch
// is concatenated into a single buffer and issued as one Write call,
// rotating to a new segment first if the batch would overflow the active
// one. Entries land on disk in LSN order since the batch itself is built
// in append order under batchMu.
func (m *Manager) writeBatch(batch []pendingEntry) (uint64, error) {
	m.fileMu.Lock()
	defer m.fileMu.Unlock()

	if need := m.activeSize + int64(totalBytes(batch)); need > m.segmentSizeBytes && m.activeSize > 0 {
		if err := m.rotateToNewSegment(batch[0].lsn); err != nil {
			return 0, err
		}
	}

	buf := make([]byte, 0, totalBytes(batch))
	for _, pe := range batch {
		buf = append(buf, pe.encoded...)
	}

	n, err := m.activeFile.Write(buf)
	if err != nil {
		return 0, dbcoreerr.IOf("writing wal batch: %v", err)
	}
	if n != len(buf) {
		return 0, dbcoreerr.IOf("short write: wrote %d of %d bytes", n, len(buf))
	}
	m.activeSize += int64(n)

	if m.syncMode == config.AlwaysSync {
		if err := m.activeFile.Sync(); err != nil {
			return 0, dbcoreerr.IOf("fsyncing wal batch: %v", err)
		}
	}

	return batch[len(batch)-1].lsn, nil
}

func totalBytes(batch []pendingEntry) int {
	n := 0
	for _, pe := range batch {
		n += len(pe.encoded)
	}
	return n
}
