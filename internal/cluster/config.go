package cluster

import (
	"fmt"
	"net"
	"time"

	"github.com/hashicorp/go-hclog"
)

// Config holds the Raft settings of a node. A zero Config means the session
// is kept in process and the cluster is not started.
type Config struct {
	// RaftID is the unique identifier for this Raft node.
	RaftID string `yaml:"raft_id"`
	// BindAddr is the address to bind for Raft communication (host:port).
	BindAddr string `yaml:"raft_bind"`
	// Peers is the list of peer Raft addresses (including this node).
	Peers []string `yaml:"peers"`
	// HeartbeatTimeout is the Raft heartbeat timeout.
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
	// ElectionTimeout is the Raft election timeout.
	ElectionTimeout time.Duration `yaml:"election_timeout"`
	// ApplyTimeout bounds how long a session command waits to be committed.
	ApplyTimeout time.Duration `yaml:"apply_timeout"`
	// LogLevel is the hclog level for Raft's own logging; empty silences it.
	LogLevel string `yaml:"log_level"`
}

// Enabled reports whether clustering was configured.
func (c *Config) Enabled() bool {
	return c.RaftID != "" || c.BindAddr != "" || len(c.Peers) > 0
}

// Validate checks the configuration and fills in defaults.
func (c *Config) Validate() error {
	if c.RaftID == "" {
		return fmt.Errorf("raft-id is required")
	}

	if c.BindAddr == "" {
		return fmt.Errorf("raft-bind is required")
	}

	if _, _, err := net.SplitHostPort(c.BindAddr); err != nil {
		return fmt.Errorf("invalid raft-bind address %q: %w", c.BindAddr, err)
	}

	if len(c.Peers) == 0 {
		return fmt.Errorf("at least one peer is required")
	}

	for i, peer := range c.Peers {
		if _, _, err := net.SplitHostPort(peer); err != nil {
			return fmt.Errorf("invalid peer address %d %q: %w", i, peer, err)
		}
	}

	if c.LogLevel != "" && hclog.LevelFromString(c.LogLevel) == hclog.NoLevel {
		return fmt.Errorf("invalid raft log level %q", c.LogLevel)
	}

	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = 1 * time.Second
	}
	if c.ElectionTimeout == 0 {
		c.ElectionTimeout = 1 * time.Second
	}
	if c.ApplyTimeout == 0 {
		c.ApplyTimeout = 5 * time.Second
	}

	return nil
}
