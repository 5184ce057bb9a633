// Package wal implements the durability core: LSN allocation, group
// commit, segment rotation, and the volatile transaction/dirty-page
// tables rebuilt during recovery.
//
// Group commit is "producer enqueues and waits for its own completion
// signal": Append adds its entry and a per-entry done channel to a shared
// pending slice guarded by batchMu, then blocks on that channel until the
// entry is durable. There is no dedicated drain goroutine: the batch is
// flushed by whichever goroutine triggers it, either the appender that
// pushes the buffer past the byte threshold or a one-shot delay timer.
package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/dbcore/internal/dbcore/config"
	"github.com/cuemby/dbcore/internal/dbcore/dbcoreerr"
	"github.com/cuemby/dbcore/internal/dbcore/walrecord"
	"github.com/cuemby/dbcore/pkg/log"
	"github.com/rs/zerolog"
)

// TxnState is the lifecycle of an in-flight or recently finished
// transaction, per spec.md §3's volatile transaction table.
type TxnState int

const (
	TxnActive TxnState = iota
	TxnCommitted
	TxnAborted
)

// txnEntry is one row of the transaction table.
type txnEntry struct {
	State       TxnState
	LastLSN     uint64
	UndoNextLSN uint64
}

// Manager owns LSN allocation, the group-commit buffer, segment files, and
// the transaction/dirty-page tables. One Manager per data directory.
type Manager struct {
	dir              string
	segmentSizeBytes int64
	syncMode         config.SyncMode
	syncInterval     time.Duration
	groupCommitBytes int
	groupCommitDelay time.Duration

	logger zerolog.Logger

	currentLSN atomic.Uint64 // next LSN to allocate
	flushedLSN atomic.Uint64 // highest durable LSN

	fileMu         sync.Mutex
	activeFile     *os.File
	activeFirstLSN uint64
	activeSize     int64
	manifest       *SegmentManifest

	txnMu sync.RWMutex
	txns  map[walrecord.TxnID]*txnEntry

	dirtyMu    sync.RWMutex
	dirtyPages map[walrecord.PageID]uint64

	batchMu      sync.Mutex
	pending      []pendingEntry
	pendingBytes int
	timerArmed   bool

	consumersMu sync.Mutex
	consumers   map[string]uint64 // name -> lowest LSN still required

	fatalMu  sync.Mutex
	fatalErr error

	stopCh     chan struct{}
	syncDoneCh chan struct{}
}

type pendingEntry struct {
	lsn     uint64
	encoded []byte
	done    chan error
}

// Open opens (or creates) a WAL manager rooted at cfg.Directory.
func Open(cfg config.WALConfig) (*Manager, error) {
	if err := os.MkdirAll(cfg.Directory, 0o755); err != nil {
		return nil, dbcoreerr.IOf("creating wal directory %s: %v", cfg.Directory, err)
	}

	m := &Manager{
		dir:              cfg.Directory,
		segmentSizeBytes: cfg.SegmentSizeBytes,
		syncMode:         cfg.SyncMode,
		syncInterval:     time.Duration(cfg.SyncIntervalMS) * time.Millisecond,
		groupCommitBytes: cfg.GroupCommitBytes,
		groupCommitDelay: cfg.GroupCommitDelay,
		logger:           log.WithComponent("wal"),
		txns:             make(map[walrecord.TxnID]*txnEntry),
		dirtyPages:       make(map[walrecord.PageID]uint64),
		consumers:        make(map[string]uint64),
		manifest:         newSegmentManifest(cfg.Directory),
		stopCh:           make(chan struct{}),
		syncDoneCh:       make(chan struct{}),
	}

	if err := m.manifest.scan(); err != nil {
		return nil, err
	}

	if err := m.openOrCreateActiveSegment(); err != nil {
		return nil, err
	}

	if m.syncMode == config.PeriodicSync {
		go m.periodicSyncLoop()
	} else {
		close(m.syncDoneCh)
	}

	return m, nil
}

func (m *Manager) openOrCreateActiveSegment() error {
	segs := m.manifest.all()
	var firstLSN uint64
	if len(segs) > 0 {
		last := segs[len(segs)-1]
		if last.LastLSN == 0 {
			// Previously active, unsealed segment: reopen it for append.
			f, err := os.OpenFile(last.Path, os.O_RDWR, 0o644)
			if err != nil {
				return dbcoreerr.IOf("reopening active segment %s: %v", last.Path, err)
			}
			info, err := f.Stat()
			if err != nil {
				_ = f.Close()
				return dbcoreerr.IOf("stat active segment %s: %v", last.Path, err)
			}
			m.activeFile = f
			m.activeFirstLSN = last.FirstLSN
			m.activeSize = info.Size()
			m.currentLSN.Store(last.FirstLSN + 1)
			m.flushedLSN.Store(last.FirstLSN)
			return nil
		}
		firstLSN = last.LastLSN + 1
	} else {
		firstLSN = 1
	}

	return m.rotateToNewSegment(firstLSN)
}

// rotateToNewSegment seals the current active segment (if any) with a
// sentinel entry and opens a fresh one starting at firstLSN. Caller must
// hold fileMu.
func (m *Manager) rotateToNewSegment(firstLSN uint64) error {
	if m.activeFile != nil {
		if _, err := m.activeFile.Write(sentinelEntry()); err != nil {
			return dbcoreerr.IOf("sealing segment: %v", err)
		}
		if err := m.activeFile.Sync(); err != nil {
			return dbcoreerr.IOf("fsyncing sealed segment: %v", err)
		}
		m.manifest.seal(m.activeFirstLSN, firstLSN-1)
		_ = m.activeFile.Close()
	}

	path := filepath.Join(m.dir, segmentFileName(firstLSN))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return dbcoreerr.IOf("creating segment %s: %v", path, err)
	}

	m.activeFile = f
	m.activeFirstLSN = firstLSN
	m.activeSize = 0
	m.manifest.append(segmentInfo{FirstLSN: firstLSN, Path: path})

	if m.currentLSN.Load() < firstLSN {
		m.currentLSN.Store(firstLSN)
	}
	if firstLSN > 1 {
		// flushedLSN does not regress across rotation.
	}
	return nil
}

// CurrentLSN returns the next LSN to be allocated.
func (m *Manager) CurrentLSN() uint64 { return m.currentLSN.Load() }

// FlushedLSN returns the highest LSN guaranteed durable per the sync
// policy; flushedLSN <= currentLSN-1 always holds.
func (m *Manager) FlushedLSN() uint64 { return m.flushedLSN.Load() }

func (m *Manager) fatal() error {
	m.fatalMu.Lock()
	defer m.fatalMu.Unlock()
	return m.fatalErr
}

func (m *Manager) setFatal(err error) {
	m.fatalMu.Lock()
	defer m.fatalMu.Unlock()
	if m.fatalErr == nil {
		m.fatalErr = err
	}
}

// Recover clears a fatal error latch after the caller has verified the
// underlying I/O problem is resolved (e.g. disk remounted). It does not
// replay anything itself — that's checkpoint.Recover's job.
func (m *Manager) Recover() {
	m.fatalMu.Lock()
	defer m.fatalMu.Unlock()
	m.fatalErr = nil
}

// Append allocates the next LSN, builds an entry, updates the
// transaction/dirty-page tables, and enqueues it for group commit. It
// returns once the entry is durable per the configured sync mode.
func (m *Manager) Append(rec walrecord.Record) (uint64, error) {
	if err := m.fatal(); err != nil {
		return 0, fmt.Errorf("wal manager refusing append after prior failure: %w", err)
	}

	lsn := m.currentLSN.Add(1) - 1

	prevLSN := m.prevLSNFor(rec)
	_, isCLR := rec.(walrecord.CLR)
	if _, _, _, ok := walrecord.MutatingFields(rec); ok && !isCLR {
		// Stamp the record's own undo-next field with the transaction's
		// previous LSN: this is what lets the undo pass walk the chain
		// backward using only the log, per spec.md §3. A CLR keeps the
		// undo-next its builder set, which points past the action it
		// compensates.
		rec = walrecord.WithUndoNext(rec, walrecord.LSN(prevLSN))
	}
	m.applyToTables(rec, lsn)

	encoded := encodeEntry(lsn, prevLSN, rec)

	done := make(chan error, 1)
	m.enqueue(pendingEntry{lsn: lsn, encoded: encoded, done: done})

	err := <-done
	if err != nil {
		return lsn, err
	}
	return lsn, nil
}

func (m *Manager) prevLSNFor(rec walrecord.Record) uint64 {
	txn, _, _, ok := walrecord.MutatingFields(rec)
	if !ok {
		return 0
	}
	m.txnMu.RLock()
	defer m.txnMu.RUnlock()
	if e, exists := m.txns[txn]; exists {
		return e.LastLSN
	}
	return 0
}

func (m *Manager) applyToTables(rec walrecord.Record, lsn uint64) {
	switch v := rec.(type) {
	case walrecord.Begin:
		m.txnMu.Lock()
		m.txns[v.Txn] = &txnEntry{State: TxnActive, LastLSN: lsn, UndoNextLSN: lsn}
		m.txnMu.Unlock()

	case walrecord.Commit:
		m.txnMu.Lock()
		if e, ok := m.txns[v.Txn]; ok {
			e.State = TxnCommitted
			e.LastLSN = lsn
		}
		m.txnMu.Unlock()

	case walrecord.Abort:
		m.txnMu.Lock()
		if e, ok := m.txns[v.Txn]; ok {
			e.State = TxnAborted
			e.LastLSN = lsn
		}
		m.txnMu.Unlock()

	default:
		if txn, page, _, ok := walrecord.MutatingFields(rec); ok {
			m.txnMu.Lock()
			if e, exists := m.txns[txn]; exists {
				e.LastLSN = lsn
				e.UndoNextLSN = lsn
			}
			m.txnMu.Unlock()

			m.dirtyMu.Lock()
			if _, exists := m.dirtyPages[page]; !exists {
				m.dirtyPages[page] = lsn
			}
			m.dirtyMu.Unlock()
		}
	}
}

// Transactions returns a snapshot of the transaction table, used by the
// checkpoint coordinator's Analysis pass and by CheckpointEnd assembly.
func (m *Manager) Transactions() map[walrecord.TxnID]TxnState {
	m.txnMu.RLock()
	defer m.txnMu.RUnlock()
	out := make(map[walrecord.TxnID]TxnState, len(m.txns))
	for k, v := range m.txns {
		out[k] = v.State
	}
	return out
}

// UndoNextLSN returns the undo-next pointer held for txn in the
// transaction table. The recovery undo pass does not use it; it follows
// the undo-next fields stored in the log records.
func (m *Manager) UndoNextLSN(txn walrecord.TxnID) (uint64, bool) {
	m.txnMu.RLock()
	defer m.txnMu.RUnlock()
	e, ok := m.txns[txn]
	if !ok {
		return 0, false
	}
	return e.UndoNextLSN, true
}

// SetUndoNextLSN overwrites txn's undo-next pointer in the transaction
// table.
func (m *Manager) SetUndoNextLSN(txn walrecord.TxnID, lsn uint64) {
	m.txnMu.Lock()
	defer m.txnMu.Unlock()
	if e, ok := m.txns[txn]; ok {
		e.UndoNextLSN = lsn
	}
}

// DirtyPages returns a snapshot of the dirty-page table.
func (m *Manager) DirtyPages() map[walrecord.PageID]uint64 {
	m.dirtyMu.RLock()
	defer m.dirtyMu.RUnlock()
	out := make(map[walrecord.PageID]uint64, len(m.dirtyPages))
	for k, v := range m.dirtyPages {
		out[k] = v
	}
	return out
}

// FlushPage removes a page from the dirty-page table once it has reached
// stable storage.
func (m *Manager) FlushPage(page walrecord.PageID) {
	m.dirtyMu.Lock()
	defer m.dirtyMu.Unlock()
	delete(m.dirtyPages, page)
}

// RegisterConsumer reserves lsn as still-required by name, preventing
// Truncate from reclaiming segments at or above it. Call with an updated
// lsn as the consumer advances (checkpoint coordinator, log shipper
// position, CDC checkpoint).
func (m *Manager) RegisterConsumer(name string, lsn uint64) {
	m.consumersMu.Lock()
	defer m.consumersMu.Unlock()
	m.consumers[name] = lsn
}

// ReleaseConsumer removes a consumer's reservation entirely.
func (m *Manager) ReleaseConsumer(name string) {
	m.consumersMu.Lock()
	defer m.consumersMu.Unlock()
	delete(m.consumers, name)
}

func (m *Manager) minReservedLSN() (uint64, bool) {
	m.consumersMu.Lock()
	defer m.consumersMu.Unlock()
	var min uint64
	found := false
	for _, lsn := range m.consumers {
		if !found || lsn < min {
			min = lsn
			found = true
		}
	}
	return min, found
}

// Truncate makes entries <= upToLSN eligible for segment reclamation,
// clamped so no registered consumer's required LSN is ever reclaimed.
func (m *Manager) Truncate(upToLSN uint64) ([]string, error) {
	effective := upToLSN
	if minLSN, ok := m.minReservedLSN(); ok && minLSN-1 < effective {
		effective = minLSN - 1
	}

	m.fileMu.Lock()
	paths := m.manifest.segmentsBelow(effective)
	m.fileMu.Unlock()

	var removed []string
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return removed, dbcoreerr.IOf("removing segment %s: %v", p, err)
		}
		removed = append(removed, p)
	}
	return removed, nil
}

// Visit streams entries with LSN >= fromLSN in LSN order to fn. It stops
// at the first error fn returns, at a CRC/corruption failure (which it
// also returns), or at end of log. Like read_from in spec.md §4.C, this
// sequence is lazy, finite, and not restartable — callers wanting a second
// pass call Visit again from scratch.
func (m *Manager) Visit(fromLSN uint64, fn func(Entry) error) error {
	m.fileMu.Lock()
	segs := m.manifest.all()
	m.fileMu.Unlock()

	for _, seg := range segs {
		if seg.LastLSN != 0 && seg.LastLSN < fromLSN {
			continue
		}
		if err := m.visitSegment(seg, fromLSN, fn); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) visitSegment(seg segmentInfo, fromLSN uint64, fn func(Entry) error) error {
	f, err := os.Open(seg.Path)
	if err != nil {
		return dbcoreerr.IOf("opening segment %s: %v", seg.Path, err)
	}
	defer f.Close()

	for {
		entry, ok, err := readEntry(f)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if entry.LSN < fromLSN {
			continue
		}
		if err := fn(entry); err != nil {
			return err
		}
	}
}

// Close flushes any pending batch, stops background goroutines, and
// closes the active segment file.
func (m *Manager) Close() error {
	m.flushLocked()

	close(m.stopCh)
	if m.syncMode == config.PeriodicSync {
		<-m.syncDoneCh
	}

	m.fileMu.Lock()
	defer m.fileMu.Unlock()
	if m.activeFile != nil {
		return m.activeFile.Close()
	}
	return nil
}

func (m *Manager) periodicSyncLoop() {
	defer close(m.syncDoneCh)
	ticker := time.NewTicker(m.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.fileMu.Lock()
			var syncErr error
			if m.activeFile != nil {
				syncErr = m.activeFile.Sync()
			}
			m.fileMu.Unlock()

			if syncErr != nil {
				m.setFatal(dbcoreerr.IOf("periodic fsync: %v", syncErr))
				continue
			}
			m.flushedLSN.Store(m.currentLSN.Load() - 1)

		case <-m.stopCh:
			return
		}
	}
}
