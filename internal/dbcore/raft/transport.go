package raft

import "context"

// Transport delivers the three Raft RPCs to a named peer. Implementations
// are network clients in production; tests wire nodes directly together
// through an in-memory router.
type Transport interface {
	RequestVote(ctx context.Context, peer string, args RequestVoteArgs) (RequestVoteReply, error)
	AppendEntries(ctx context.Context, peer string, args AppendEntriesArgs) (AppendEntriesReply, error)
	InstallSnapshot(ctx context.Context, peer string, args InstallSnapshotArgs) (InstallSnapshotReply, error)
}
