// Package checkpoint implements the fuzzy checkpoint coordinator and the
// three-pass (Analysis/Redo/Undo) ARIES-style recovery procedure.
//
// The timer-driven trigger loop is grounded on warren/pkg/reconciler's
// ticker+select-on-stop-channel shape, generalized here from "reconcile
// cluster state every N seconds" to "checkpoint every interval." The
// dirty-page threshold does not start a checkpoint.
package checkpoint

import (
	"sync"
	"time"

	"github.com/cuemby/dbcore/internal/dbcore/config"
	"github.com/cuemby/dbcore/internal/dbcore/wal"
	"github.com/cuemby/dbcore/internal/dbcore/walrecord"
	"github.com/cuemby/dbcore/pkg/log"
	"github.com/cuemby/dbcore/pkg/metrics"
	"github.com/rs/zerolog"
)

const consumerName = "checkpoint"

// Coordinator periodically emits CheckpointBegin/CheckpointEnd records and
// truncates the WAL up to the last checkpoint once downstream consumers
// release it.
type Coordinator struct {
	wal    *wal.Manager
	logger zerolog.Logger

	interval           time.Duration
	dirtyPageThreshold int

	mu                sync.Mutex
	lastCheckpointLSN uint64

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a checkpoint coordinator over the given WAL manager.
func New(w *wal.Manager, cfg config.CheckpointConfig) *Coordinator {
	return &Coordinator{
		wal:                w,
		logger:             log.WithComponent("checkpoint"),
		interval:           cfg.Interval,
		dirtyPageThreshold: cfg.DirtyPageThreshold,
		stopCh:             make(chan struct{}),
		doneCh:             make(chan struct{}),
	}
}

// Start launches the checkpoint loop in the background.
func (c *Coordinator) Start() {
	go c.run()
}

// Stop halts the checkpoint loop and waits for it to exit.
func (c *Coordinator) Stop() {
	close(c.stopCh)
	<-c.doneCh
}

func (c *Coordinator) run() {
	defer close(c.doneCh)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.maybeCheckpoint()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Coordinator) maybeCheckpoint() {
	if len(c.wal.DirtyPages()) < c.dirtyPageThreshold {
		// The dirty-page count does not change the outcome: a checkpoint
		// runs on every timer tick, and crossing dirtyPageThreshold does
		// not start one between ticks. Callers may still invoke
		// Checkpoint() directly.
	}
	if _, _, err := c.Checkpoint(); err != nil {
		c.logger.Error().Err(err).Msg("checkpoint cycle failed")
	}
}

// Checkpoint runs one fuzzy checkpoint cycle: append CheckpointBegin,
// snapshot the transaction and dirty-page tables without quiescing
// writers, append CheckpointEnd, then truncate the WAL up to begin_lsn
// once released by registered consumers.
func (c *Coordinator) Checkpoint() (beginLSN, endLSN uint64, err error) {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.CheckpointDuration)
		metrics.CheckpointsTotal.Inc()
	}()

	beginLSN, err = c.wal.Append(walrecord.CheckpointBegin{})
	if err != nil {
		return 0, 0, err
	}

	activeTxns := snapshotActiveTxns(c.wal.Transactions())
	dirtyPages := snapshotDirtyPages(c.wal.DirtyPages())

	endLSN, err = c.wal.Append(walrecord.CheckpointEnd{
		ActiveTxns: activeTxns,
		DirtyPages: dirtyPages,
	})
	if err != nil {
		return beginLSN, 0, err
	}

	c.mu.Lock()
	c.lastCheckpointLSN = endLSN
	c.mu.Unlock()
	metrics.LastCheckpointLSN.Set(float64(endLSN))

	c.wal.RegisterConsumer(consumerName, beginLSN)
	if _, err := c.wal.Truncate(beginLSN - 1); err != nil {
		c.logger.Warn().Err(err).Msg("truncate after checkpoint failed")
	}

	return beginLSN, endLSN, nil
}

// LastCheckpointLSN returns the end_lsn of the most recently completed
// checkpoint, or 0 if none has run yet.
func (c *Coordinator) LastCheckpointLSN() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastCheckpointLSN
}

func snapshotActiveTxns(txns map[walrecord.TxnID]wal.TxnState) []walrecord.TxnID {
	var out []walrecord.TxnID
	for id, state := range txns {
		if state == wal.TxnActive {
			out = append(out, id)
		}
	}
	return out
}

func snapshotDirtyPages(pages map[walrecord.PageID]uint64) []walrecord.DirtyPageEntry {
	out := make([]walrecord.DirtyPageEntry, 0, len(pages))
	for page, recLSN := range pages {
		out = append(out, walrecord.DirtyPageEntry{Page: page, RecLSN: walrecord.LSN(recLSN)})
	}
	return out
}
