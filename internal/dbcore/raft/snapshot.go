package raft

// SnapshotSink is supplied by the owning state machine so the node can
// persist an in-progress snapshot transfer without holding it all in
// memory; a real implementation streams chunks to a file.
type SnapshotSink interface {
	Write(offset uint64, data []byte) error
	Finalize() error
}

// TakeSnapshot records snapshot metadata for a state machine snapshot the
// caller has already serialized up through index, then discards the
// stored log entries at or below index (Store.DiscardLogThrough). It does
// not touch commit or apply bookkeeping below index.
func (n *Node) TakeSnapshot(index uint64) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if index == 0 || index > n.lastApplied {
		return nil
	}

	entry, ok, err := n.store.GetEntry(index)
	if err != nil {
		return err
	}

	meta := SnapshotMetadata{
		LastIncludedIndex: index,
		Configuration:     n.configuration,
	}
	if ok {
		meta.LastIncludedTerm = entry.Term
	}

	if err := n.store.SetSnapshotMetadata(meta); err != nil {
		return err
	}
	return n.store.DiscardLogThrough(index)
}

// ShouldSnapshot reports whether the log has grown past the configured
// threshold and a new snapshot should be taken.
func (n *Node) ShouldSnapshot() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	lastIndex, _ := n.lastLogIndexAndTerm()
	return n.cfg.SnapshotThreshold > 0 && lastIndex >= uint64(n.cfg.SnapshotThreshold)
}

// HandleInstallSnapshot implements the receiving side of the
// InstallSnapshot RPC. sink receives each chunk's bytes; when the final
// chunk arrives (Done), the follower discards its log and adopts the
// snapshot's last_included_index/term and configuration.
func (n *Node) HandleInstallSnapshot(args InstallSnapshotArgs, sink SnapshotSink) (InstallSnapshotReply, error) {
	n.mu.Lock()

	if args.Term < n.currentTerm {
		reply := InstallSnapshotReply{Term: n.currentTerm}
		n.mu.Unlock()
		return reply, nil
	}
	if args.Term > n.currentTerm {
		n.becomeFollower(args.Term, args.LeaderID)
	}
	n.leaderID = args.LeaderID
	n.resetElectionTimer()
	n.mu.Unlock()

	if err := sink.Write(args.Offset, args.Data); err != nil {
		return InstallSnapshotReply{}, err
	}

	if !args.Done {
		return InstallSnapshotReply{Term: n.currentTerm, BytesStored: args.Offset + uint64(len(args.Data))}, nil
	}

	if err := sink.Finalize(); err != nil {
		return InstallSnapshotReply{}, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if err := n.store.SetSnapshotMetadata(SnapshotMetadata{
		LastIncludedIndex: args.LastIncludedIndex,
		LastIncludedTerm:  args.LastIncludedTerm,
		Configuration:     args.Configuration,
	}); err != nil {
		return InstallSnapshotReply{}, err
	}
	if err := n.store.DiscardLogThrough(args.LastIncludedIndex); err != nil {
		return InstallSnapshotReply{}, err
	}

	n.configuration = args.Configuration
	n.commitIndex = maxUint64(n.commitIndex, args.LastIncludedIndex)
	n.lastApplied = maxUint64(n.lastApplied, args.LastIncludedIndex)

	return InstallSnapshotReply{Term: n.currentTerm, BytesStored: args.Offset + uint64(len(args.Data))}, nil
}
