package raft

import (
	"sync"
	"time"

	"github.com/cuemby/dbcore/pkg/metrics"
)

// electionLoop drives the Follower/Candidate side of the state machine: it
// waits out a randomized timeout, and if no heartbeat or vote request
// resets it in time, starts an election.
func (n *Node) electionLoop() {
	defer n.wg.Done()

	timer := time.NewTimer(n.electionTimeout())
	defer timer.Stop()

	for {
		select {
		case <-n.stopCh:
			return

		case <-n.resetElectionCh:
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(n.electionTimeout())

		case <-timer.C:
			n.mu.Lock()
			isLeader := n.state == Leader
			n.mu.Unlock()
			if !isLeader {
				n.startElection()
			}
			timer.Reset(n.electionTimeout())
		}
	}
}

// startElection transitions to Candidate, votes for itself, and
// broadcasts RequestVote to every peer in the current configuration(s).
func (n *Node) startElection() {
	n.mu.Lock()
	n.state = Candidate
	n.currentTerm++
	n.votedFor = n.id
	term := n.currentTerm
	cfg := n.configuration
	_ = n.store.SetCurrentTerm(term)
	_ = n.store.SetVotedFor(n.id)
	lastIndex, lastTerm := n.lastLogIndexAndTerm()
	n.mu.Unlock()

	metrics.RaftElectionsTotal.Inc()
	metrics.RaftTerm.Set(float64(term))
	n.logger.Info().Uint64("term", term).Msg("starting election")

	peers := otherMembers(cfg, n.id)
	votes := map[string]bool{n.id: true}
	var votesMu sync.Mutex

	for _, peer := range peers {
		peer := peer
		go func() {
			ctx, cancel := n.withTimeout()
			defer cancel()

			reply, err := n.transport.RequestVote(ctx, peer, RequestVoteArgs{
				Term:         term,
				CandidateID:  n.id,
				LastLogIndex: lastIndex,
				LastLogTerm:  lastTerm,
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
			if n.state != Candidate || n.currentTerm != term {
				return
			}
			if !reply.VoteGranted {
				return
			}

			votesMu.Lock()
			votes[peer] = true
			won := hasQuorum(cfg, votes)
			votesMu.Unlock()

			if won && n.state == Candidate {
				n.becomeLeaderLocked()
			}
		}()
	}
}

func otherMembers(cfg Configuration, self string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, set := range cfg.Voters() {
		for _, m := range set {
			if m == self || seen[m] {
				continue
			}
			seen[m] = true
			out = append(out, m)
		}
	}
	return out
}

// hasQuorum reports whether votes constitutes a majority in every voter
// set named by the configuration — both old and new during joint
// consensus.
func hasQuorum(cfg Configuration, votes map[string]bool) bool {
	for _, set := range cfg.Voters() {
		count := 0
		for _, m := range set {
			if votes[m] {
				count++
			}
		}
		if count*2 <= len(set) {
			return false
		}
	}
	return true
}

// becomeLeaderLocked transitions to Leader. Callers must hold n.mu.
func (n *Node) becomeLeaderLocked() {
	n.state = Leader
	n.leaderID = n.id
	lastIndex, _ := n.lastLogIndexAndTerm()
	for _, peer := range otherMembers(n.configuration, n.id) {
		n.nextIndex[peer] = lastIndex + 1
		n.matchIndex[peer] = 0
	}

	metrics.RaftIsLeader.Set(1)
	n.logger.Info().Uint64("term", n.currentTerm).Msg("became leader")

	n.wg.Add(1)
	go n.leaderLoop(n.currentTerm)
}

// HandleRequestVote implements the receiving side of the RequestVote RPC.
func (n *Node) HandleRequestVote(args RequestVoteArgs) RequestVoteReply {
	n.mu.Lock()
	defer n.mu.Unlock()

	if args.Term < n.currentTerm {
		return RequestVoteReply{Term: n.currentTerm, VoteGranted: false}
	}
	if args.Term > n.currentTerm {
		n.becomeFollower(args.Term, "")
	}

	lastIndex, lastTerm := n.lastLogIndexAndTerm()
	logOK := args.LastLogTerm > lastTerm ||
		(args.LastLogTerm == lastTerm && args.LastLogIndex >= lastIndex)

	canVote := n.votedFor == "" || n.votedFor == args.CandidateID
	if canVote && logOK {
		n.votedFor = args.CandidateID
		_ = n.store.SetVotedFor(args.CandidateID)
		n.resetElectionTimer()
		return RequestVoteReply{Term: n.currentTerm, VoteGranted: true}
	}

	return RequestVoteReply{Term: n.currentTerm, VoteGranted: false}
}
