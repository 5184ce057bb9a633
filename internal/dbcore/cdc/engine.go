// Package cdc streams committed row mutations out of the write-ahead log
// as a filtered, batched event feed, grounded on warren/pkg/events.Broker's
// buffered-subscriber/drop-on-full pattern and on the shipper's
// ticker-driven bounded wal.Manager.Visit reads.
package cdc

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/dbcore/internal/dbcore/dbcoreerr"
	"github.com/cuemby/dbcore/internal/dbcore/wal"
	"github.com/cuemby/dbcore/internal/dbcore/walrecord"
	"github.com/cuemby/dbcore/pkg/log"
	"github.com/cuemby/dbcore/pkg/metrics"
	"github.com/rs/zerolog"
)

// TableResolver maps a page to the table name it belongs to. The catalog
// that would normally own this mapping is out of scope, so the engine
// takes it as a seam; DefaultTableResolver falls back to a synthetic name
// derived from the page id so capture still works unconfigured.
type TableResolver func(walrecord.PageID) string

// DefaultTableResolver implements the fallback described on TableResolver.
func DefaultTableResolver(page walrecord.PageID) string {
	return fmt.Sprintf("page_%d", page)
}

// Config configures an Engine.
type Config struct {
	BatchMaxSize    int
	BatchMaxWait    time.Duration
	PollInterval    time.Duration
	EventBuffer     int
	BatchBuffer     int
	CheckpointEvery time.Duration
	TableResolver   TableResolver
	RowDecoder      RowDecoder
	Filter          Filter
}

// DefaultConfig returns sane defaults for Config's zero-value fields.
func DefaultConfig() Config {
	return Config{
		BatchMaxSize:    100,
		BatchMaxWait:    500 * time.Millisecond,
		PollInterval:    50 * time.Millisecond,
		EventBuffer:     256,
		BatchBuffer:     32,
		CheckpointEvery: 5 * time.Second,
		TableResolver:   DefaultTableResolver,
		RowDecoder:      DefaultRowDecoder,
		Filter:          DefaultFilter(),
	}
}

// pendingTxn buffers events for an in-flight transaction until Commit (at
// which point they're stamped and flushed) or Abort (discarded).
type pendingTxn struct {
	events []Event
}

// Engine is the change-data-capture pipeline: it tails the WAL, applies
// filtering, buffers events per transaction until commit, and hands sealed
// batches and individual events to subscribers.
type Engine struct {
	cfg    Config
	walMgr *wal.Manager
	logger zerolog.Logger

	stateMu sync.Mutex
	state   State

	txnMu sync.Mutex
	txns  map[walrecord.TxnID]*pendingTxn

	batchMu     sync.Mutex
	batch       []Event
	batchStart  uint64
	batchTimer  time.Time

	nextEventID uint64 // touched only from the run() goroutine
	lastLSN     atomic.Uint64 // read from LastProcessedLSN by other goroutines too

	events  *broker[Event]
	batches *broker[Batch]

	stopCh chan struct{}
	doneCh chan struct{}

	checkpointPath string
}

const consumerName = "cdc-engine"

// New builds an Engine reading from walMgr. checkpointPath may be empty,
// in which case no checkpoint is persisted across restarts.
func New(walMgr *wal.Manager, cfg Config, checkpointPath string) *Engine {
	if cfg.BatchMaxSize <= 0 {
		cfg.BatchMaxSize = DefaultConfig().BatchMaxSize
	}
	if cfg.BatchMaxWait <= 0 {
		cfg.BatchMaxWait = DefaultConfig().BatchMaxWait
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if cfg.TableResolver == nil {
		cfg.TableResolver = DefaultTableResolver
	}
	if cfg.RowDecoder == nil {
		cfg.RowDecoder = DefaultRowDecoder
	}

	return &Engine{
		cfg:            cfg,
		walMgr:         walMgr,
		logger:         log.WithComponent("cdc"),
		state:          Stopped,
		txns:           make(map[walrecord.TxnID]*pendingTxn),
		events:         newBroker[Event](),
		batches:        newBroker[Batch](),
		checkpointPath: checkpointPath,
		nextEventID:    1,
	}
}

// State reports the engine's current lifecycle state.
func (e *Engine) State() State {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.state
}

func (e *Engine) transition(from, to State) bool {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	if e.state != from {
		return false
	}
	e.state = to
	return true
}

// Start transitions Stopped -> Starting -> Running, restoring from a
// checkpoint if one exists, and launches the polling loop.
func (e *Engine) Start() error {
	if !e.transition(Stopped, Starting) {
		return dbcoreerr.InvalidInputf("cdc: engine not stopped")
	}

	if cp, err := e.loadCheckpoint(); err == nil && cp != nil {
		e.lastLSN.Store(cp.LastProcessedLSN)
		e.nextEventID = cp.NextEventID
		e.logger.Info().Uint64("last_lsn", e.lastLSN.Load()).Msg("cdc: resumed from checkpoint")
	}

	e.walMgr.RegisterConsumer(consumerName, e.lastLSN.Load()+1)

	e.stopCh = make(chan struct{})
	e.doneCh = make(chan struct{})

	e.stateMu.Lock()
	e.state = Running
	e.stateMu.Unlock()

	go e.run()
	return nil
}

// Pause stops emitting new events without tearing down subscriptions;
// Resume continues from the LSN it left off at.
func (e *Engine) Pause() error {
	if !e.transition(Running, Paused) {
		return dbcoreerr.InvalidInputf("cdc: engine not running")
	}
	return nil
}

// Resume transitions back from Paused to Running.
func (e *Engine) Resume() error {
	if !e.transition(Paused, Running) {
		return dbcoreerr.InvalidInputf("cdc: engine not paused")
	}
	return nil
}

// Stop transitions Running/Paused -> Stopping -> Stopped, flushes any
// partial batch, and releases the WAL consumer reservation.
func (e *Engine) Stop() error {
	e.stateMu.Lock()
	if e.state != Running && e.state != Paused {
		e.stateMu.Unlock()
		return dbcoreerr.InvalidInputf("cdc: engine not running or paused")
	}
	e.state = Stopping
	e.stateMu.Unlock()

	close(e.stopCh)
	<-e.doneCh

	e.flushPartialBatch()
	e.walMgr.ReleaseConsumer(consumerName)

	e.stateMu.Lock()
	e.state = Stopped
	e.stateMu.Unlock()
	return nil
}

func (e *Engine) run() {
	defer close(e.doneCh)

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	checkpointTicker := time.NewTicker(e.cfg.CheckpointEvery)
	defer checkpointTicker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-checkpointTicker.C:
			e.writeCheckpoint()
		case <-ticker.C:
			if e.State() != Running {
				continue
			}
			e.poll()
			e.sealIfOverdue()
		}
	}
}

func (e *Engine) poll() {
	processed := 0
	err := e.walMgr.Visit(e.lastLSN.Load()+1, func(entry wal.Entry) error {
		e.processEntry(entry)
		e.lastLSN.Store(entry.LSN)
		processed++
		if processed >= e.cfg.BatchMaxSize {
			return errStopVisit
		}
		return nil
	})
	if err != nil && err != errStopVisit {
		e.logger.Error().Err(err).Msg("cdc: wal visit failed")
	}
	metrics.CDCLastProcessedLSN.Set(float64(e.lastLSN.Load()))
}

var errStopVisit = fmt.Errorf("cdc: batch bound reached")

func (e *Engine) processEntry(entry wal.Entry) {
	switch rec := entry.Record.(type) {
	case walrecord.Begin:
		e.txnMu.Lock()
		e.txns[rec.Txn] = &pendingTxn{}
		e.txnMu.Unlock()

	case walrecord.Insert:
		table := e.cfg.TableResolver(rec.Page)
		if !e.cfg.Filter.allows(table, Insert) {
			metrics.CDCEventsFilteredTotal.Inc()
			return
		}
		ev := e.newEvent(entry.LSN, rec.Txn, table, Insert, rec.Page, rec.Offset)
		if e.cfg.Filter.CaptureAfter {
			ev.AfterImage = e.cfg.RowDecoder(table, rec.After)
		}
		e.buffer(rec.Txn, ev)

	case walrecord.Update:
		table := e.cfg.TableResolver(rec.Page)
		if !e.cfg.Filter.allows(table, Update) {
			metrics.CDCEventsFilteredTotal.Inc()
			return
		}
		ev := e.newEvent(entry.LSN, rec.Txn, table, Update, rec.Page, rec.Offset)
		before := e.cfg.RowDecoder(table, rec.Before)
		after := e.cfg.RowDecoder(table, rec.After)
		if e.cfg.Filter.CaptureBefore {
			ev.BeforeImage = before
		}
		if e.cfg.Filter.CaptureAfter {
			ev.AfterImage = after
		}
		if e.cfg.Filter.CaptureColumnDiff {
			ev.ColumnChanges = diffColumns(before, after)
		}
		e.buffer(rec.Txn, ev)

	case walrecord.Delete:
		table := e.cfg.TableResolver(rec.Page)
		if !e.cfg.Filter.allows(table, Delete) {
			metrics.CDCEventsFilteredTotal.Inc()
			return
		}
		ev := e.newEvent(entry.LSN, rec.Txn, table, Delete, rec.Page, rec.Offset)
		if e.cfg.Filter.CaptureBefore {
			ev.BeforeImage = e.cfg.RowDecoder(table, rec.Before)
		}
		e.buffer(rec.Txn, ev)

	case walrecord.Commit:
		e.commitTxn(rec.Txn, time.Unix(0, rec.Timestamp))

	case walrecord.Abort:
		e.abortTxn(rec.Txn)
	}
}

func (e *Engine) newEvent(lsn uint64, txn walrecord.TxnID, table string, ct ChangeType, page walrecord.PageID, offset uint32) Event {
	id := e.nextEventID
	e.nextEventID++
	return Event{
		EventID:    id,
		LSN:        lsn,
		TxnID:      uint64(txn),
		Table:      table,
		ChangeType: ct,
		RowID:      fmt.Sprintf("%d:%d", page, offset),
		Timestamp:  time.Now(),
	}
}

func (e *Engine) buffer(txn walrecord.TxnID, ev Event) {
	e.txnMu.Lock()
	defer e.txnMu.Unlock()
	pt, ok := e.txns[txn]
	if !ok {
		pt = &pendingTxn{}
		e.txns[txn] = pt
	}
	pt.events = append(pt.events, ev)
}

// commitTxn stamps every buffered event for txn with commitTS, emits them
// individually to the per-event broker, appends them to the current batch,
// and discards the transaction's pending entry.
func (e *Engine) commitTxn(txn walrecord.TxnID, commitTS time.Time) {
	e.txnMu.Lock()
	pt, ok := e.txns[txn]
	delete(e.txns, txn)
	e.txnMu.Unlock()
	if !ok || len(pt.events) == 0 {
		return
	}

	e.batchMu.Lock()
	if len(e.batch) == 0 {
		e.batchStart = pt.events[0].LSN
		e.batchTimer = time.Now()
	}
	for i := range pt.events {
		pt.events[i].CommitTimestamp = commitTS
		e.events.broadcast(pt.events[i])
		metrics.CDCEventsEmittedTotal.WithLabelValues(changeTypeLabel(pt.events[i].ChangeType)).Inc()
		e.batch = append(e.batch, pt.events[i])
	}
	full := len(e.batch) >= e.cfg.BatchMaxSize
	e.batchMu.Unlock()

	if full {
		e.sealBatch()
	}
}

func (e *Engine) abortTxn(txn walrecord.TxnID) {
	e.txnMu.Lock()
	delete(e.txns, txn)
	e.txnMu.Unlock()
}

func (e *Engine) sealIfOverdue() {
	e.batchMu.Lock()
	overdue := len(e.batch) > 0 && time.Since(e.batchTimer) >= e.cfg.BatchMaxWait
	e.batchMu.Unlock()
	if overdue {
		e.sealBatch()
	}
}

func (e *Engine) sealBatch() {
	e.batchMu.Lock()
	if len(e.batch) == 0 {
		e.batchMu.Unlock()
		return
	}
	b := Batch{
		StartLSN: e.batchStart,
		EndLSN:   e.batch[len(e.batch)-1].LSN,
		Events:   e.batch,
	}
	e.batch = nil
	e.batchMu.Unlock()

	e.batches.broadcast(b)
	metrics.CDCBatchesBroadcastTotal.Inc()
}

func (e *Engine) flushPartialBatch() {
	e.sealBatch()
}

func diffColumns(before, after map[string][]byte) map[string]ColumnChange {
	changes := make(map[string]ColumnChange)
	seen := make(map[string]bool)
	for col, b := range before {
		seen[col] = true
		a := after[col]
		changes[col] = ColumnChange{Column: col, Before: b, After: a, Modified: string(b) != string(a)}
	}
	for col, a := range after {
		if seen[col] {
			continue
		}
		changes[col] = ColumnChange{Column: col, Before: nil, After: a, Modified: true}
	}
	return changes
}

func changeTypeLabel(ct ChangeType) string {
	switch ct {
	case Insert:
		return "insert"
	case Update:
		return "update"
	case Delete:
		return "delete"
	case Truncate:
		return "truncate"
	default:
		return "unknown"
	}
}

// SubscribeEvents returns a channel receiving every captured event as soon
// as its transaction commits. A subscriber that falls behind has events
// dropped rather than blocking the pipeline; call UnsubscribeEvents when
// done to release the channel.
func (e *Engine) SubscribeEvents() chan Event {
	buf := e.cfg.EventBuffer
	if buf <= 0 {
		buf = DefaultConfig().EventBuffer
	}
	return e.events.subscribe(buf)
}

// UnsubscribeEvents releases a channel returned by SubscribeEvents.
func (e *Engine) UnsubscribeEvents(ch chan Event) {
	e.events.unsubscribe(ch)
}

// SubscribeBatches returns a channel receiving sealed batches.
func (e *Engine) SubscribeBatches() chan Batch {
	buf := e.cfg.BatchBuffer
	if buf <= 0 {
		buf = DefaultConfig().BatchBuffer
	}
	return e.batches.subscribe(buf)
}

// UnsubscribeBatches releases a channel returned by SubscribeBatches.
func (e *Engine) UnsubscribeBatches(ch chan Batch) {
	e.batches.unsubscribe(ch)
}

// LastProcessedLSN returns the highest WAL LSN the engine has consumed.
func (e *Engine) LastProcessedLSN() uint64 {
	return e.lastLSN.Load()
}
