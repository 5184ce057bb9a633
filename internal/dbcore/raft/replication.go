package raft

import (
	"time"

	"github.com/cuemby/dbcore/pkg/metrics"
)

// Propose appends a command to the log if this node is currently leader.
// It returns the index/term the entry was assigned and false if this node
// is not leader (the caller must retry against whichever node is).
func (n *Node) Propose(data []byte) (index uint64, term uint64, isLeader bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.state != Leader {
		return 0, 0, false
	}

	lastIndex, _ := n.lastLogIndexAndTerm()
	entry := LogEntry{Index: lastIndex + 1, Term: n.currentTerm, Type: EntryCommand, Data: data}
	if err := n.store.AppendEntries([]LogEntry{entry}); err != nil {
		return 0, 0, false
	}
	n.matchIndex[n.id] = entry.Index

	return entry.Index, entry.Term, true
}

// leaderLoop sends periodic heartbeats/replication to every peer while
// this node remains leader for the given term.
func (n *Node) leaderLoop(term uint64) {
	defer n.wg.Done()

	ticker := time.NewTicker(n.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		n.mu.Lock()
		stillLeader := n.state == Leader && n.currentTerm == term
		cfg := n.configuration
		n.mu.Unlock()
		if !stillLeader {
			return
		}

		for _, peer := range otherMembers(cfg, n.id) {
			go n.replicateToPeer(peer, term)
		}

		select {
		case <-ticker.C:
		case <-n.stopCh:
			return
		}
	}
}

// replicateToPeer sends one AppendEntries (or heartbeat) RPC to peer and
// applies its result to next_index/match_index per the paper's rules.
func (n *Node) replicateToPeer(peer string, term uint64) {
	n.mu.Lock()
	if n.state != Leader || n.currentTerm != term {
		n.mu.Unlock()
		return
	}
	next := n.nextIndex[peer]
	if next == 0 {
		next = 1
	}
	prevIndex := next - 1
	prevTerm := uint64(0)
	if prevIndex > 0 {
		if e, ok, _ := n.store.GetEntry(prevIndex); ok {
			prevTerm = e.Term
		}
	}

	lastIndex, _ := n.lastLogIndexAndTerm()
	var entries []LogEntry
	for idx := next; idx <= lastIndex; idx++ {
		if e, ok, _ := n.store.GetEntry(idx); ok {
			entries = append(entries, e)
		}
	}
	commit := n.commitIndex
	n.mu.Unlock()

	ctx, cancel := n.withTimeout()
	defer cancel()

	reply, err := n.transport.AppendEntries(ctx, peer, AppendEntriesArgs{
		Term:         term,
		LeaderID:     n.id,
		PrevLogIndex: prevIndex,
		PrevLogTerm:  prevTerm,
		Entries:      entries,
		LeaderCommit: commit,
	})
	if err != nil {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if reply.Term > n.currentTerm {
		n.becomeFollower(reply.Term, "")
		return
	}
	if n.state != Leader || n.currentTerm != term {
		return
	}

	if reply.Success {
		if len(entries) > 0 {
			n.matchIndex[peer] = entries[len(entries)-1].Index
		} else {
			n.matchIndex[peer] = prevIndex
		}
		n.nextIndex[peer] = n.matchIndex[peer] + 1
		n.advanceCommitIndexLocked()
		return
	}

	// Fast backtrack using the conflict hints.
	if reply.ConflictTerm == 0 {
		n.nextIndex[peer] = reply.ConflictIndex
		return
	}
	newNext := reply.ConflictIndex
	for idx := prevIndex; idx > 0; idx-- {
		e, ok, _ := n.store.GetEntry(idx)
		if !ok {
			break
		}
		if e.Term == reply.ConflictTerm {
			newNext = idx + 1
			break
		}
		if e.Term < reply.ConflictTerm {
			break
		}
	}
	if newNext == 0 {
		newNext = 1
	}
	n.nextIndex[peer] = newNext
}

// advanceCommitIndexLocked finds the highest N replicated to a majority
// whose term matches the current term, and commits through it. Callers
// must hold n.mu.
func (n *Node) advanceCommitIndexLocked() {
	lastIndex, _ := n.lastLogIndexAndTerm()

	for idx := lastIndex; idx > n.commitIndex; idx-- {
		entry, ok, _ := n.store.GetEntry(idx)
		if !ok || entry.Term != n.currentTerm {
			continue
		}

		matches := map[string]bool{n.id: true}
		for peer, m := range n.matchIndex {
			if m >= idx {
				matches[peer] = true
			}
		}
		if hasQuorum(n.configuration, matches) {
			n.commitAndApplyLocked(idx)
			return
		}
	}
}

func (n *Node) commitAndApplyLocked(through uint64) {
	if through <= n.commitIndex {
		return
	}
	n.commitIndex = through
	metrics.RaftCommitIndex.Set(float64(through))

	for n.lastApplied < n.commitIndex {
		n.lastApplied++
		entry, ok, _ := n.store.GetEntry(n.lastApplied)
		if !ok {
			continue
		}
		if entry.Type == EntryConfiguration {
			cfg := decodeConfiguration(entry.Data)
			n.configuration = nextConfiguration(cfg)
			continue
		}
		select {
		case n.applyCh <- Applied{Index: entry.Index, Term: entry.Term, Data: entry.Data}:
		default:
		}
	}
}

// nextConfiguration collapses a committed joint configuration down to its
// new membership, completing step 3 of the joint-consensus protocol; a
// non-joint configuration (the C_new entry itself) passes through
// unchanged.
func nextConfiguration(c Configuration) Configuration {
	if !c.Joint() {
		return c
	}
	return Configuration{Members: c.NewMembers}
}

// HandleAppendEntries implements the receiving side of the AppendEntries
// RPC, including log-matching truncation and fast-backtrack conflict
// hints.
func (n *Node) HandleAppendEntries(args AppendEntriesArgs) AppendEntriesReply {
	n.mu.Lock()
	defer n.mu.Unlock()

	if args.Term < n.currentTerm {
		return AppendEntriesReply{Term: n.currentTerm, Success: false}
	}
	if args.Term > n.currentTerm || n.state != Follower {
		n.becomeFollower(args.Term, args.LeaderID)
	}
	n.leaderID = args.LeaderID
	n.resetElectionTimer()

	if args.PrevLogIndex > 0 {
		entry, ok, _ := n.store.GetEntry(args.PrevLogIndex)
		if !ok {
			lastIndex, _ := n.lastLogIndexAndTerm()
			return AppendEntriesReply{
				Term: n.currentTerm, Success: false,
				ConflictIndex: lastIndex + 1, ConflictTerm: 0,
			}
		}
		if entry.Term != args.PrevLogTerm {
			conflictIndex := args.PrevLogIndex
			for conflictIndex > 1 {
				e, ok, _ := n.store.GetEntry(conflictIndex - 1)
				if !ok || e.Term != entry.Term {
					break
				}
				conflictIndex--
			}
			return AppendEntriesReply{
				Term: n.currentTerm, Success: false,
				ConflictTerm: entry.Term, ConflictIndex: conflictIndex,
			}
		}
	}

	for _, e := range args.Entries {
		existing, ok, _ := n.store.GetEntry(e.Index)
		if ok && existing.Term != e.Term {
			_ = n.store.TruncateFrom(e.Index)
			ok = false
		}
		if !ok {
			if err := n.store.AppendEntries([]LogEntry{e}); err != nil {
				return AppendEntriesReply{Term: n.currentTerm, Success: false}
			}
		}
	}

	lastNewIndex := args.PrevLogIndex + uint64(len(args.Entries))
	if args.LeaderCommit > n.commitIndex {
		n.commitAndApplyLocked(minUint64(args.LeaderCommit, lastNewIndex))
	}

	return AppendEntriesReply{Term: n.currentTerm, Success: true, MatchIndex: lastNewIndex}
}

// ProposeConfiguration begins a membership change via joint consensus: the
// leader appends a C_old,new entry; once it commits, the caller (driven by
// the applied configuration) should call ProposeConfiguration again with a
// Configuration whose Members is newMembers and NewMembers is empty to
// complete the transition to C_new.
func (n *Node) ProposeConfiguration(cfg Configuration) (index uint64, term uint64, isLeader bool) {
	n.mu.Lock()
	if n.state != Leader {
		n.mu.Unlock()
		return 0, 0, false
	}
	lastIndex, _ := n.lastLogIndexAndTerm()
	entry := LogEntry{Index: lastIndex + 1, Term: n.currentTerm, Type: EntryConfiguration, Data: encodeConfiguration(cfg)}
	if err := n.store.AppendEntries([]LogEntry{entry}); err != nil {
		n.mu.Unlock()
		return 0, 0, false
	}
	n.configuration = cfg
	n.mu.Unlock()
	return entry.Index, entry.Term, true
}
