package raft

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"github.com/cuemby/dbcore/internal/dbcore/config"
	"github.com/cuemby/dbcore/pkg/log"
	"github.com/cuemby/dbcore/pkg/metrics"
	"github.com/rs/zerolog"
)

// Applied is delivered on a Node's apply channel once an entry commits,
// i.e. is replicated to a majority and safe to hand to the state machine.
type Applied struct {
	Index uint64
	Term  uint64
	Data  []byte
}

// Node is a single Raft participant: the Follower/Candidate/Leader state
// machine, its persistent store, and its peer transport.
type Node struct {
	id        string
	store     Store
	transport Transport
	cfg       config.RaftConfig
	logger    zerolog.Logger

	mu            sync.Mutex
	state         State
	currentTerm   uint64
	votedFor      string
	leaderID      string
	configuration Configuration
	commitIndex   uint64
	lastApplied   uint64

	// Leader-only volatile state.
	nextIndex  map[string]uint64
	matchIndex map[string]uint64

	applyCh chan Applied
	stopCh  chan struct{}
	wg      sync.WaitGroup

	resetElectionCh chan struct{}

	rand *rand.Rand
}

// New builds a Node over an already-opened Store. Call Start to begin
// participating in elections.
func New(cfg config.RaftConfig, store Store, transport Transport, members []string) (*Node, error) {
	term, err := store.CurrentTerm()
	if err != nil {
		return nil, err
	}
	votedFor, err := store.VotedFor()
	if err != nil {
		return nil, err
	}

	n := &Node{
		id:              cfg.NodeID,
		store:           store,
		transport:       transport,
		cfg:             cfg,
		logger:          log.WithComponent("raft").With().Str("node_id", cfg.NodeID).Logger(),
		state:           Follower,
		currentTerm:     term,
		votedFor:        votedFor,
		configuration:   Configuration{Members: members},
		nextIndex:       make(map[string]uint64),
		matchIndex:      make(map[string]uint64),
		applyCh:         make(chan Applied, 256),
		stopCh:          make(chan struct{}),
		resetElectionCh: make(chan struct{}, 1),
		rand:            rand.New(rand.NewSource(int64(stableSeed(cfg.NodeID)))),
	}

	if meta, err := store.SnapshotMetadata(); err == nil && meta.LastIncludedIndex > 0 {
		n.commitIndex = meta.LastIncludedIndex
		n.lastApplied = meta.LastIncludedIndex
		if meta.Configuration.Members != nil {
			n.configuration = meta.Configuration
		}
	}

	return n, nil
}

// stableSeed turns a node ID into a deterministic seed so election timeout
// jitter differs per node without depending on wall-clock entropy.
func stableSeed(id string) uint32 {
	var h uint32 = 2166136261
	for i := 0; i < len(id); i++ {
		h ^= uint32(id[i])
		h *= 16777619
	}
	if h == 0 {
		return 1
	}
	return h
}

// ApplyCh exposes committed entries for the owning state machine to
// consume in order.
func (n *Node) ApplyCh() <-chan Applied { return n.applyCh }

// Start begins the election timer and, implicitly, the whole state
// machine loop.
func (n *Node) Start() {
	n.wg.Add(1)
	go n.electionLoop()
}

// Stop halts all of the node's goroutines.
func (n *Node) Stop() {
	close(n.stopCh)
	n.wg.Wait()
}

// State returns the node's current role, term, and whether it believes
// itself to be leader.
func (n *Node) State() (State, uint64, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state, n.currentTerm, n.state == Leader
}

func (n *Node) electionTimeout() time.Duration {
	lo := n.cfg.ElectionTimeoutMin
	hi := n.cfg.ElectionTimeoutMax
	if hi <= lo {
		return lo
	}
	jitter := time.Duration(n.rand.Int63n(int64(hi - lo)))
	return lo + jitter
}

// becomeFollower drops to Follower for a newer term, per the paper's rule
// that any RPC or reply carrying a higher term forces an immediate
// step-down.
func (n *Node) becomeFollower(term uint64, leaderID string) {
	n.state = Follower
	n.currentTerm = term
	n.votedFor = ""
	n.leaderID = leaderID
	_ = n.store.SetCurrentTerm(term)
	_ = n.store.SetVotedFor("")
	metrics.RaftIsLeader.Set(0)
	metrics.RaftTerm.Set(float64(term))
}

func (n *Node) resetElectionTimer() {
	select {
	case n.resetElectionCh <- struct{}{}:
	default:
	}
}

func (n *Node) lastLogIndexAndTerm() (uint64, uint64) {
	idx, err := n.store.LastIndex()
	if err != nil {
		return 0, 0
	}
	term, err := n.store.LastTerm()
	if err != nil {
		return idx, 0
	}
	return idx, term
}

func encodeConfiguration(c Configuration) []byte {
	data, _ := json.Marshal(c)
	return data
}

func decodeConfiguration(data []byte) Configuration {
	var c Configuration
	_ = json.Unmarshal(data, &c)
	return c
}

func minUint64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

func maxUint64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

// withTimeout wraps context.Background with the RPC-level timeout used
// for all outbound Raft calls.
func (n *Node) withTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), n.cfg.HeartbeatInterval*4)
}
