package conflict

import (
	"hash/fnv"
	"sync"
	"sync/atomic"
)

// shard holds one slice of the conflict keyspace: a pending queue, a
// resolved queue, and its own atomic counters. Per spec.md §4.H, the
// shard boundary is the only cross-thread contention point on the hot
// path — detect/resolve on different shards never block each other.
type shard struct {
	mu       sync.RWMutex
	pending  map[string]*Conflict
	resolved map[string]*Conflict

	total        atomic.Uint64
	pendingCount atomic.Uint64
	autoResolved atomic.Uint64
	byMethod     sync.Map // Strategy -> *atomic.Uint64
}

func newShard() *shard {
	return &shard{
		pending:  make(map[string]*Conflict),
		resolved: make(map[string]*Conflict),
	}
}

func (s *shard) methodCounter(strat Strategy) *atomic.Uint64 {
	v, _ := s.byMethod.LoadOrStore(strat, new(atomic.Uint64))
	return v.(*atomic.Uint64)
}

func (s *shard) addPending(c *Conflict) {
	s.mu.Lock()
	s.pending[c.ID] = c
	s.mu.Unlock()
	s.total.Add(1)
	s.pendingCount.Add(1)
}

func (s *shard) markResolved(id string, strat Strategy) {
	s.mu.Lock()
	c, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
		s.resolved[id] = c
	}
	s.mu.Unlock()
	if ok {
		s.pendingCount.Add(^uint64(0)) // decrement
		s.autoResolved.Add(1)
		s.methodCounter(strat).Add(1)
	}
}

func (s *shard) get(id string) (*Conflict, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.pending[id]; ok {
		return c, true
	}
	c, ok := s.resolved[id]
	return c, ok
}

func (s *shard) pendingList() []*Conflict {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Conflict, 0, len(s.pending))
	for _, c := range s.pending {
		out = append(out, c)
	}
	return out
}

func (s *shard) cleanup(cutoff func(*Conflict) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, c := range s.resolved {
		if cutoff(c) {
			delete(s.resolved, id)
			removed++
		}
	}
	return removed
}

func (s *shard) stats() Stats {
	byMethod := make(map[Strategy]uint64)
	s.byMethod.Range(func(k, v any) bool {
		byMethod[k.(Strategy)] = v.(*atomic.Uint64).Load()
		return true
	})
	return Stats{
		Total:        s.total.Load(),
		Pending:      s.pendingCount.Load(),
		AutoResolved: s.autoResolved.Load(),
		ByMethod:     byMethod,
	}
}

// shardFor picks the shard a conflict id maps to; shard count must be a
// power of two for the mask to distribute uniformly.
func shardFor(shards []*shard, id string) *shard {
	h := fnv.New64a()
	_, _ = h.Write([]byte(id))
	idx := h.Sum64() & uint64(len(shards)-1)
	return shards[idx]
}
