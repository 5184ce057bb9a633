// Package shipper streams the WAL tail to standby replicas. It owns no
// storage of its own: it reads committed entries out of the WAL manager and
// hands them to a Transport, advancing each standby's applied LSN only once
// that standby has acknowledged receipt.
package shipper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/dbcore/internal/dbcore/config"
	"github.com/cuemby/dbcore/internal/dbcore/wal"
	"github.com/cuemby/dbcore/pkg/health"
	"github.com/cuemby/dbcore/pkg/log"
	"github.com/cuemby/dbcore/pkg/metrics"
	"github.com/rs/zerolog"
)

// Transport delivers a batch of WAL entries to a standby and reports the
// highest LSN it durably applied. Implementations are expected to be
// network clients; tests may substitute an in-memory stub.
type Transport interface {
	Send(ctx context.Context, address string, entries []wal.Entry) (appliedLSN uint64, err error)
}

// peerState is the shipper's per-standby bookkeeping, grounded on
// warren/pkg/worker/health_monitor.go's containerHealthMonitor, generalized
// from "container health" to "standby apply-lag/liveness."
type peerState struct {
	address        string
	lastAppliedLSN uint64
	checker        health.Checker
	status         *health.Status
	cancel         context.CancelFunc
}

// Shipper maintains a set of standby peers and periodically forwards newly
// committed WAL entries to each.
type Shipper struct {
	cfg       config.ShipperConfig
	wal       *wal.Manager
	transport Transport
	logger    zerolog.Logger

	mu    sync.Mutex
	peers map[string]*peerState

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a shipper for the given standby peers. The shipper registers
// itself as a WAL consumer under each peer's address so that truncation
// never reclaims entries a lagging standby still needs.
func New(cfg config.ShipperConfig, w *wal.Manager, transport Transport) *Shipper {
	s := &Shipper{
		cfg:       cfg,
		wal:       w,
		transport: transport,
		logger:    log.WithComponent("shipper"),
		peers:     make(map[string]*peerState),
		stopCh:    make(chan struct{}),
	}

	for _, p := range cfg.Peers {
		s.addPeer(p.Address)
	}

	return s
}

func (s *Shipper) addPeer(address string) {
	ctx, cancel := context.WithCancel(context.Background())
	ps := &peerState{
		address: address,
		checker: health.NewTCPChecker(address),
		status:  health.NewStatus(),
		cancel:  cancel,
	}

	s.mu.Lock()
	s.peers[address] = ps
	s.mu.Unlock()

	s.wal.RegisterConsumer(consumerName(address), ps.lastAppliedLSN+1)
	go s.healthLoop(ctx, ps)
}

func consumerName(address string) string { return "shipper:" + address }

// Start begins the ticker-driven shipping loop. It never blocks the WAL
// manager: each tick reads a bounded batch and sends it independently of
// append traffic.
func (s *Shipper) Start() {
	s.wg.Add(1)
	go s.run()
}

// Stop halts the shipping loop and all per-peer health checks.
func (s *Shipper) Stop() {
	close(s.stopCh)
	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ps := range s.peers {
		ps.cancel()
		s.wal.ReleaseConsumer(consumerName(ps.address))
	}
}

func (s *Shipper) run() {
	defer s.wg.Done()

	interval := time.Duration(s.cfg.IntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.tick()
		case <-s.stopCh:
			return
		}
	}
}

// tick reads from each peer's last_applied_lsn+1 up to the WAL's current
// LSN, bounded by batch size, ships the batch, and advances the peer's
// applied LSN on ack.
func (s *Shipper) tick() {
	s.mu.Lock()
	peers := make([]*peerState, 0, len(s.peers))
	for _, ps := range s.peers {
		peers = append(peers, ps)
	}
	s.mu.Unlock()

	current := s.wal.CurrentLSN()
	batchSize := s.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 500
	}

	for _, ps := range peers {
		s.shipToPeer(ps, current, batchSize)
	}
}

func (s *Shipper) shipToPeer(ps *peerState, current uint64, batchSize int) {
	s.mu.Lock()
	from := ps.lastAppliedLSN + 1
	s.mu.Unlock()

	if from > current {
		return
	}

	entries := make([]wal.Entry, 0, batchSize)
	count := 0
	err := s.wal.Visit(from, func(e wal.Entry) error {
		if count >= batchSize {
			return errStopVisit
		}
		entries = append(entries, e)
		count++
		return nil
	})
	if err != nil && err != errStopVisit {
		s.logger.Warn().Err(err).Str("peer", ps.address).Msg("failed to read WAL entries for standby")
		return
	}
	if len(entries) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	applied, err := s.transport.Send(ctx, ps.address, entries)
	if err != nil {
		s.logger.Warn().Err(err).Str("peer", ps.address).Msg("failed to ship WAL entries to standby")
		return
	}

	s.mu.Lock()
	if applied > ps.lastAppliedLSN {
		ps.lastAppliedLSN = applied
	}
	newLSN := ps.lastAppliedLSN
	s.mu.Unlock()

	s.wal.RegisterConsumer(consumerName(ps.address), newLSN)

	metrics.ShipperStandbyApplyLSN.WithLabelValues(ps.address).Set(float64(newLSN))
	metrics.ShipperStandbyLagEntries.WithLabelValues(ps.address).Set(float64(current - newLSN))
}

// errStopVisit is a sentinel returned by a Visit callback to stop early
// once a batch is full; wal.Manager.Visit treats any non-nil error as a
// hard stop, so shipToPeer must not treat it as a real failure.
var errStopVisit = fmt.Errorf("shipper: batch full")

func (s *Shipper) healthLoop(ctx context.Context, ps *peerState) {
	cfg := health.DefaultConfig()
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			checkCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
			result := ps.checker.Check(checkCtx)
			cancel()
			ps.status.Update(result, cfg)
			if !ps.status.Healthy {
				s.logger.Warn().Str("peer", ps.address).Msg("standby unreachable")
			}
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		}
	}
}

// LastAppliedLSN reports a standby's last acknowledged LSN, for status
// reporting and tests.
func (s *Shipper) LastAppliedLSN(address string) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, ok := s.peers[address]
	if !ok {
		return 0, false
	}
	return ps.lastAppliedLSN, true
}
