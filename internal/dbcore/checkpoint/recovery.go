package checkpoint

import (
	"github.com/cuemby/dbcore/internal/dbcore/wal"
	"github.com/cuemby/dbcore/internal/dbcore/walrecord"
)

// PageStore is the minimal page-level interface recovery needs from the
// (externally owned) buffer manager: the LSN currently stamped on a page,
// and a way to apply a mutation's after-image to it. The real buffer
// manager, slab allocator, and catalog are out of scope per spec.md §1;
// recovery is written against this narrow seam so it can run against any
// implementation, including an in-memory one in tests.
type PageStore interface {
	PageLSN(page walrecord.PageID) uint64
	ApplyRedo(page walrecord.PageID, lsn uint64, after []byte)
	ApplyUndo(page walrecord.PageID, before []byte)
}

// Result summarizes one recovery run, per spec.md §4.D's Analysis/Redo/
// Undo passes.
type Result struct {
	CommittedTxns []walrecord.TxnID
	AbortedTxns   []walrecord.TxnID
	UndoneTxns    []walrecord.TxnID
	CLRsWritten   int
}

// Recover runs Analysis, Redo, and Undo against w starting from the last
// completed checkpoint (or the beginning of the log if none), applying
// page mutations to store. It must run before the WAL manager serves new
// writes.
func Recover(w *wal.Manager, store PageStore) (Result, error) {
	analysis, err := runAnalysis(w)
	if err != nil {
		return Result{}, err
	}

	if err := runRedo(w, store, analysis); err != nil {
		return Result{}, err
	}

	clrCount, err := runUndo(w, store, analysis)
	if err != nil {
		return Result{}, err
	}

	var committed, aborted, undone []walrecord.TxnID
	for txn, state := range analysis.txnStates {
		switch state {
		case wal.TxnCommitted:
			committed = append(committed, txn)
		case wal.TxnAborted:
			aborted = append(aborted, txn)
		case wal.TxnActive:
			undone = append(undone, txn)
		}
	}

	return Result{
		CommittedTxns: committed,
		AbortedTxns:   aborted,
		UndoneTxns:    undone,
		CLRsWritten:   clrCount,
	}, nil
}

type analysisResult struct {
	startLSN    uint64
	txnStates   map[walrecord.TxnID]wal.TxnState
	undoNext    map[walrecord.TxnID]uint64
	dirtyPages  map[walrecord.PageID]uint64
}

// runAnalysis scans from the last checkpoint forward, rebuilding the
// transaction and dirty-page tables. A CheckpointEnd record seeds both
// tables with its snapshot; every entry after it is folded in too, since
// the checkpoint is fuzzy (writers were not quiesced while it was taken).
func runAnalysis(w *wal.Manager) (analysisResult, error) {
	res := analysisResult{
		txnStates:  make(map[walrecord.TxnID]wal.TxnState),
		undoNext:   make(map[walrecord.TxnID]uint64),
		dirtyPages: make(map[walrecord.PageID]uint64),
	}

	var lastCheckpointEndLSN uint64
	err := w.Visit(1, func(e wal.Entry) error {
		if ce, ok := e.Record.(walrecord.CheckpointEnd); ok {
			lastCheckpointEndLSN = e.LSN
			res.txnStates = make(map[walrecord.TxnID]wal.TxnState)
			res.undoNext = make(map[walrecord.TxnID]uint64)
			res.dirtyPages = make(map[walrecord.PageID]uint64)
			for _, txn := range ce.ActiveTxns {
				res.txnStates[txn] = wal.TxnActive
			}
			for _, dp := range ce.DirtyPages {
				res.dirtyPages[dp.Page] = uint64(dp.RecLSN)
			}
		}
		return nil
	})
	if err != nil {
		return analysisResult{}, err
	}

	startLSN := uint64(1)
	if lastCheckpointEndLSN > 0 {
		startLSN = lastCheckpointEndLSN + 1
	}
	res.startLSN = startLSN

	err = w.Visit(startLSN, func(e wal.Entry) error {
		applyAnalysisEntry(&res, e)
		return nil
	})
	if err != nil {
		return analysisResult{}, err
	}

	return res, nil
}

func applyAnalysisEntry(res *analysisResult, e wal.Entry) {
	switch v := e.Record.(type) {
	case walrecord.Begin:
		res.txnStates[v.Txn] = wal.TxnActive
		res.undoNext[v.Txn] = e.LSN

	case walrecord.Commit:
		res.txnStates[v.Txn] = wal.TxnCommitted

	case walrecord.Abort:
		res.txnStates[v.Txn] = wal.TxnAborted

	default:
		if txn, page, _, ok := walrecord.MutatingFields(e.Record); ok {
			if _, exists := res.txnStates[txn]; !exists {
				res.txnStates[txn] = wal.TxnActive
			}
			res.undoNext[txn] = e.LSN
			if _, exists := res.dirtyPages[page]; !exists {
				res.dirtyPages[page] = e.LSN
			}
		}
	}
}

// runRedo replays, from the minimum rec_lsn across all dirty pages, every
// logged update whose LSN exceeds the page's current LSN. Idempotent
// because CLRs are logged like any other redoable action.
func runRedo(w *wal.Manager, store PageStore, analysis analysisResult) error {
	minRecLSN := analysis.startLSN
	for _, recLSN := range analysis.dirtyPages {
		if recLSN < minRecLSN {
			minRecLSN = recLSN
		}
	}
	if len(analysis.dirtyPages) == 0 {
		minRecLSN = analysis.startLSN
	}

	return w.Visit(minRecLSN, func(e wal.Entry) error {
		var page walrecord.PageID
		var after []byte

		switch v := e.Record.(type) {
		case walrecord.Insert:
			page, after = v.Page, v.After
		case walrecord.Update:
			page, after = v.Page, v.After
		case walrecord.CLR:
			page, after = v.Page, v.After
		case walrecord.Delete:
			// A delete's redo clears the page; represented here as an
			// empty after-image for the narrow PageStore seam.
			page, after = v.Page, nil
		default:
			return nil
		}

		if e.LSN > store.PageLSN(page) {
			store.ApplyRedo(page, e.LSN, after)
		}
		return nil
	})
}

// runUndo walks each still-Active transaction's LSN chain backward via
// undo-next, logging a CLR for each action undone, terminating at Begin.
func runUndo(w *wal.Manager, store PageStore, analysis analysisResult) (int, error) {
	// Index entries by LSN for backward chain walking; the log is
	// finite and bounded by the recovery window, so holding it in memory
	// is acceptable here.
	byLSN := make(map[uint64]wal.Entry)
	if err := w.Visit(analysis.startLSN, func(e wal.Entry) error {
		byLSN[e.LSN] = e
		return nil
	}); err != nil {
		return 0, err
	}

	clrCount := 0
	for txn, state := range analysis.txnStates {
		if state != wal.TxnActive {
			continue
		}

		cursor := analysis.undoNext[txn]
		for cursor != 0 {
			entry, ok := byLSN[cursor]
			if !ok {
				break
			}

			if _, ok := entry.Record.(walrecord.Begin); ok {
				break
			}

			var page walrecord.PageID
			var before []byte
			var undoNext uint64

			switch v := entry.Record.(type) {
			case walrecord.Insert:
				page, undoNext = v.Page, v.UndoNextLSN
			case walrecord.Update:
				page, before, undoNext = v.Page, v.Before, v.UndoNextLSN
			case walrecord.Delete:
				page, before, undoNext = v.Page, v.Before, v.UndoNextLSN
			case walrecord.CLR:
				page, undoNext = v.Page, v.UndoNextLSN
			}

			store.ApplyUndo(page, before)

			// undoNext here is the action being compensated's own
			// undo-next, i.e. "past" it — satisfies the CLR invariant
			// that its undo-next points beyond the compensated action.
			clr := walrecord.NewCLR(txn, page, 0, walrecord.LSN(undoNext), walrecord.LSN(cursor), before)
			if _, err := w.Append(clr); err != nil {
				return clrCount, err
			}
			clrCount++

			cursor = undoNext
		}
	}

	return clrCount, nil
}
