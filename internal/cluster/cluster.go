package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/raft"

	"github.com/agleyzer/hlsstitch/internal/playlist"
	"github.com/agleyzer/hlsstitch/internal/session"
)

// Manager runs a Raft node whose FSM is the stitch session. It implements
// session.Store: commands go through the Raft log, reads come from the
// local FSM.
type Manager struct {
	config    Config
	raft      *raft.Raft
	fsm       *SessionFSM
	transport *raft.NetworkTransport
	logger    *slog.Logger
	mu        sync.RWMutex
	shutdown  bool
}

var _ session.Store = (*Manager)(nil)

// NewManager creates a new cluster manager.
func NewManager(config Config, logger *slog.Logger) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Manager{
		config: config,
		fsm:    NewSessionFSM(logger),
		logger: logger,
	}, nil
}

// Start initializes and starts the Raft node and bootstraps the cluster
// from the configured peers.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.raft != nil {
		return fmt.Errorf("cluster already started")
	}

	raftLogger := newRaftLogger(m.config.LogLevel)

	raftConfig := raft.DefaultConfig()
	// Use bind address as LocalID for consistency with bootstrap configuration
	raftConfig.LocalID = raft.ServerID(m.config.BindAddr)
	raftConfig.HeartbeatTimeout = m.config.HeartbeatTimeout
	raftConfig.ElectionTimeout = m.config.ElectionTimeout
	raftConfig.LeaderLeaseTimeout = m.config.HeartbeatTimeout
	raftConfig.Logger = raftLogger

	// The session is one small value; peers restore it, so memory stores suffice.
	logStore := raft.NewInmemStore()
	stableStore := raft.NewInmemStore()
	snapshotStore := raft.NewInmemSnapshotStore()

	addr, err := net.ResolveTCPAddr("tcp", m.config.BindAddr)
	if err != nil {
		return fmt.Errorf("resolve bind address: %w", err)
	}

	transport, err := raft.NewTCPTransportWithLogger(m.config.BindAddr, addr, 3, 10*time.Second, raftLogger)
	if err != nil {
		return fmt.Errorf("create transport: %w", err)
	}
	m.transport = transport

	r, err := raft.NewRaft(raftConfig, m.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		transport.Close()
		return fmt.Errorf("create raft: %w", err)
	}
	m.raft = r

	configuration := raft.Configuration{
		Servers: make([]raft.Server, 0, len(m.config.Peers)),
	}
	for _, peer := range m.config.Peers {
		configuration.Servers = append(configuration.Servers, raft.Server{
			ID:       raft.ServerID(peer),
			Address:  raft.ServerAddress(peer),
			Suffrage: raft.Voter,
		})
	}

	future := m.raft.BootstrapCluster(configuration)
	if err := future.Error(); err != nil && !errors.Is(err, raft.ErrCantBootstrap) {
		// The node may be joining a cluster that already bootstrapped.
		m.logger.Error("failed to bootstrap cluster", "error", err)
	}

	m.logger.Info("cluster started",
		"node_id", m.config.RaftID,
		"bind", m.config.BindAddr,
		"peers", len(m.config.Peers))

	return nil
}

// StartStitching arms the session through the Raft log. It fails on
// followers; the error names the leader to retry against.
func (m *Manager) StartStitching(ctx context.Context) (session.State, error) {
	resp, err := m.apply(ctx, Command{
		Type: CommandStartStitching,
		Data: StartStitchingCommand{NodeID: m.config.RaftID},
	})
	if err != nil {
		return session.State{}, err
	}
	st, ok := resp.(session.State)
	if !ok {
		return session.State{}, fmt.Errorf("unexpected fsm response %T", resp)
	}
	return st, nil
}

// Observe submits the counts of a fetched content playlist. captured is set
// only for the entry that moved the session to Stitching.
func (m *Manager) Observe(ctx context.Context, c playlist.Counts) (session.State, bool, error) {
	resp, err := m.apply(ctx, Command{
		Type: CommandObserve,
		Data: ObserveCommand{Counts: c},
	})
	if err != nil {
		return session.State{}, false, err
	}
	res, ok := resp.(ObserveResult)
	if !ok {
		return session.State{}, false, fmt.Errorf("unexpected fsm response %T", resp)
	}
	return res.State, res.Captured, nil
}

// Current returns this node's view of the session.
func (m *Manager) Current() session.State {
	return m.fsm.State()
}

// apply submits cmd to the Raft log and returns the FSM response. It never
// waits past ctx's deadline.
func (m *Manager) apply(ctx context.Context, cmd Command) (any, error) {
	m.mu.RLock()
	if m.shutdown {
		m.mu.RUnlock()
		return nil, fmt.Errorf("cluster is shut down")
	}
	r := m.raft
	m.mu.RUnlock()

	if r == nil {
		return nil, fmt.Errorf("cluster not started")
	}

	timeout, err := applyTimeout(ctx, m.config.ApplyTimeout)
	if err != nil {
		return nil, err
	}

	data, err := EncodeCommand(cmd)
	if err != nil {
		return nil, err
	}

	future := r.Apply(data, timeout)
	if err := future.Error(); err != nil {
		if errors.Is(err, raft.ErrNotLeader) {
			return nil, fmt.Errorf("apply command: %w (leader is %q)", err, m.LeaderAddr())
		}
		return nil, fmt.Errorf("apply command: %w", err)
	}

	resp := future.Response()
	if err, ok := resp.(error); ok {
		return nil, err
	}
	return resp, nil
}

// applyTimeout bounds a Raft apply by both limit and ctx's deadline. Raft
// treats a non-positive timeout as unbounded, so an expired context is an
// error rather than a zero timeout.
func applyTimeout(ctx context.Context, limit time.Duration) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	timeout := limit
	if deadline, ok := ctx.Deadline(); ok {
		timeout = min(timeout, time.Until(deadline))
	}
	if timeout <= 0 {
		return 0, context.DeadlineExceeded
	}
	return timeout, nil
}

// IsLeader returns true if this node is the Raft leader.
func (m *Manager) IsLeader() bool {
	m.mu.RLock()
	r := m.raft
	m.mu.RUnlock()

	if r == nil {
		return false
	}

	return r.State() == raft.Leader
}

// LeaderAddr returns the address of the current Raft leader.
func (m *Manager) LeaderAddr() string {
	m.mu.RLock()
	r := m.raft
	m.mu.RUnlock()

	if r == nil {
		return ""
	}

	leaderAddr, _ := r.LeaderWithID()
	return string(leaderAddr)
}

// Role returns the current Raft state as a string.
func (m *Manager) Role() string {
	m.mu.RLock()
	r := m.raft
	m.mu.RUnlock()

	if r == nil {
		return "NotStarted"
	}

	return r.State().String()
}

// NodeID returns this node's Raft ID.
func (m *Manager) NodeID() string {
	return m.config.RaftID
}

// Shutdown gracefully shuts down the Raft node.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shutdown {
		return nil
	}

	m.shutdown = true

	if m.raft != nil {
		if err := m.raft.Shutdown().Error(); err != nil {
			m.logger.Error("failed to shutdown raft", "error", err)
			return fmt.Errorf("shutdown raft: %w", err)
		}
	}

	if m.transport != nil {
		if err := m.transport.Close(); err != nil {
			m.logger.Error("failed to close transport", "error", err)
			return fmt.Errorf("close transport: %w", err)
		}
	}

	m.logger.Info("cluster shut down")
	return nil
}

// WaitForLeader blocks until a leader is elected or ctx is canceled.
func (m *Manager) WaitForLeader(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if m.LeaderAddr() != "" {
				return nil
			}
		}
	}
}
