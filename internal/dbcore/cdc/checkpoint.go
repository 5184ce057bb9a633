package cdc

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/cuemby/dbcore/internal/dbcore/dbcoreerr"
)

// writeCheckpoint persists the engine's current progress so a restart can
// resume from lastLSN instead of re-scanning the whole WAL. Uses a
// write-temp-then-rename so a crash mid-write never leaves a half-written
// checkpoint file behind; there's no library in the corpus for this
// single-file atomic-replace concern, so it's plain encoding/json + os.
func (e *Engine) writeCheckpoint() {
	if e.checkpointPath == "" {
		return
	}

	e.txnMu.Lock()
	active := make([]uint64, 0, len(e.txns))
	for txn := range e.txns {
		active = append(active, uint64(txn))
	}
	e.txnMu.Unlock()

	cp := CheckpointState{
		LastProcessedLSN:   e.lastLSN.Load(),
		NextEventID:        e.nextEventID,
		ActiveTransactions: active,
	}

	data, err := json.Marshal(cp)
	if err != nil {
		e.logger.Error().Err(err).Msg("cdc: marshaling checkpoint failed")
		return
	}

	tmp := e.checkpointPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		e.logger.Error().Err(err).Msg("cdc: writing checkpoint failed")
		return
	}
	if err := os.Rename(tmp, e.checkpointPath); err != nil {
		e.logger.Error().Err(err).Msg("cdc: renaming checkpoint failed")
	}
}

// loadCheckpoint reads a previously written checkpoint file. A missing
// file is not an error: it just means the engine starts from LSN 0.
func (e *Engine) loadCheckpoint() (*CheckpointState, error) {
	if e.checkpointPath == "" {
		return nil, nil
	}
	data, err := os.ReadFile(e.checkpointPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, dbcoreerr.IOf("cdc: reading checkpoint: %v", err)
	}

	var cp CheckpointState
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, dbcoreerr.Corruptionf("cdc: decoding checkpoint: %v", err)
	}
	return &cp, nil
}

// EnsureCheckpointDir creates the directory holding the engine's checkpoint
// file, if it doesn't already exist.
func EnsureCheckpointDir(checkpointPath string) error {
	if checkpointPath == "" {
		return nil
	}
	dir := filepath.Dir(checkpointPath)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
