package main

import (
	"context"
	"encoding/gob"
	"net"
	"net/rpc"
	"time"

	"github.com/cuemby/dbcore/internal/dbcore/raft"
	"github.com/cuemby/dbcore/internal/dbcore/wal"
	"github.com/cuemby/dbcore/internal/dbcore/walrecord"
	"github.com/cuemby/dbcore/pkg/log"
)

func init() {
	// net/rpc's default gob codec needs every concrete type that can show
	// up behind the walrecord.Record interface registered up front.
	gob.Register(walrecord.Begin{})
	gob.Register(walrecord.Insert{})
	gob.Register(walrecord.Update{})
	gob.Register(walrecord.Delete{})
	gob.Register(walrecord.CLR{})
	gob.Register(walrecord.Commit{})
	gob.Register(walrecord.Abort{})
	gob.Register(walrecord.CheckpointBegin{})
	gob.Register(walrecord.CheckpointEnd{})
}

// rpcRaftTransport delivers Raft RPCs over net/rpc, the same library the
// teacher's own cluster bootstrap avoids in favor of a typed gRPC API --
// here it's a small, dependency-light stand-in since the gRPC service
// surface is out of scope for this demo binary.
type rpcRaftTransport struct{}

func (rpcRaftTransport) RequestVote(ctx context.Context, peer string, args raft.RequestVoteArgs) (raft.RequestVoteReply, error) {
	var reply raft.RequestVoteReply
	err := callRPC(ctx, peer, "RaftService.RequestVote", args, &reply)
	return reply, err
}

func (rpcRaftTransport) AppendEntries(ctx context.Context, peer string, args raft.AppendEntriesArgs) (raft.AppendEntriesReply, error) {
	var reply raft.AppendEntriesReply
	err := callRPC(ctx, peer, "RaftService.AppendEntries", args, &reply)
	return reply, err
}

func (rpcRaftTransport) InstallSnapshot(ctx context.Context, peer string, args raft.InstallSnapshotArgs) (raft.InstallSnapshotReply, error) {
	var reply raft.InstallSnapshotReply
	err := callRPC(ctx, peer, "RaftService.InstallSnapshot", args, &reply)
	return reply, err
}

func callRPC(ctx context.Context, addr, method string, args, reply any) error {
	dialer := net.Dialer{Timeout: 2 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	client := rpc.NewClient(conn)
	defer client.Close()
	return client.Call(method, args, reply)
}

// rpcShipperTransport ships WAL batches to standbys over net/rpc.
type rpcShipperTransport struct{}

func newRPCShipperTransport() *rpcShipperTransport {
	return &rpcShipperTransport{}
}

func (t *rpcShipperTransport) Send(ctx context.Context, address string, entries []wal.Entry) (uint64, error) {
	var appliedLSN uint64
	err := callRPC(ctx, address, "ShipperService.Ship", entries, &appliedLSN)
	if err != nil {
		log.WithComponent("shipper-transport").Warn().Err(err).Str("address", address).Msg("ship rpc failed")
	}
	return appliedLSN, err
}
