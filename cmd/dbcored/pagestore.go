package main

import (
	"sync"

	"github.com/cuemby/dbcore/internal/dbcore/walrecord"
)

// memPageStore is a minimal in-memory PageStore satisfying recovery's redo/
// undo seam. The real buffer manager and slab allocator are out of scope,
// so the demo binary exercises recovery against this instead.
type memPageStore struct {
	mu    sync.Mutex
	lsn   map[walrecord.PageID]uint64
	pages map[walrecord.PageID][]byte
}

func newMemPageStore() *memPageStore {
	return &memPageStore{
		lsn:   make(map[walrecord.PageID]uint64),
		pages: make(map[walrecord.PageID][]byte),
	}
}

func (s *memPageStore) PageLSN(page walrecord.PageID) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lsn[page]
}

func (s *memPageStore) ApplyRedo(page walrecord.PageID, lsn uint64, after []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages[page] = append([]byte(nil), after...)
	s.lsn[page] = lsn
}

func (s *memPageStore) ApplyUndo(page walrecord.PageID, before []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages[page] = append([]byte(nil), before...)
}
