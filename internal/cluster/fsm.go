// Package cluster replicates the stitch session across hlsstitch nodes with Raft,
// so every node splices the ad break at the same media sequence.
package cluster

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/hashicorp/raft"

	"github.com/agleyzer/hlsstitch/internal/playlist"
	"github.com/agleyzer/hlsstitch/internal/session"
)

func init() {
	// Register types for gob encoding/decoding
	gob.Register(StartStitchingCommand{})
	gob.Register(ObserveCommand{})
}

// CommandType identifies the type of Raft command.
type CommandType uint8

const (
	// CommandStartStitching arms the session.
	CommandStartStitching CommandType = 1
	// CommandObserve feeds the counts of a fetched content playlist to the session.
	CommandObserve CommandType = 2
)

// Command represents a Raft log command.
type Command struct {
	Type CommandType
	Data any
}

// StartStitchingCommand arms the session for the next media request.
type StartStitchingCommand struct {
	// NodeID is the node that accepted the request.
	NodeID string
}

// ObserveCommand carries the counts of the content playlist that was fetched
// while the session was waiting to stitch.
type ObserveCommand struct {
	Counts playlist.Counts
}

// ObserveResult is the FSM response to an ObserveCommand.
type ObserveResult struct {
	State session.State
	// Captured is set when this entry moved the session to Stitching.
	Captured bool
}

// SessionFSM implements raft.FSM over session.State. Log entries are applied
// one at a time under mu, so only the first observe after an arm captures
// the stitch point.
type SessionFSM struct {
	mu     sync.RWMutex
	state  session.State
	logger *slog.Logger
}

// NewSessionFSM creates a SessionFSM in the NotStitching phase.
func NewSessionFSM(logger *slog.Logger) *SessionFSM {
	return &SessionFSM{logger: logger}
}

// Apply applies a Raft log entry to the FSM. It returns the resulting
// session.State for start commands, an ObserveResult for observe commands,
// or an error for entries it cannot decode.
func (f *SessionFSM) Apply(log *raft.Log) any {
	var cmd Command
	if err := gob.NewDecoder(bytes.NewReader(log.Data)).Decode(&cmd); err != nil {
		f.logger.Error("failed to decode command", "error", err)
		return fmt.Errorf("decode command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Type {
	case CommandStartStitching:
		start, ok := cmd.Data.(StartStitchingCommand)
		if !ok {
			return fmt.Errorf("invalid start stitching command data")
		}
		f.state = f.state.Arm()
		f.logger.Info("stitching armed", "node", start.NodeID, "index", log.Index)
		return f.state
	case CommandObserve:
		obs, ok := cmd.Data.(ObserveCommand)
		if !ok {
			return fmt.Errorf("invalid observe command data")
		}
		prev := f.state
		f.state = f.state.Observe(obs.Counts)
		captured := prev.Phase != f.state.Phase
		if captured {
			f.logger.Info("stitch point captured",
				"sequence", f.state.Sequence,
				"discontinuity", f.state.Discontinuity,
				"index", log.Index,
			)
		}
		return ObserveResult{State: f.state, Captured: captured}
	default:
		f.logger.Error("unknown command type", "type", cmd.Type)
		return fmt.Errorf("unknown command type: %d", cmd.Type)
	}
}

// Snapshot returns an FSMSnapshot for creating a point-in-time snapshot.
func (f *SessionFSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return &fsmSnapshot{state: f.state}, nil
}

// Restore restores the FSM state from a snapshot.
func (f *SessionFSM) Restore(snapshot io.ReadCloser) error {
	defer snapshot.Close()

	var state session.State
	if err := gob.NewDecoder(snapshot).Decode(&state); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}

	f.mu.Lock()
	f.state = state
	f.mu.Unlock()

	f.logger.Info("restored session from snapshot", "phase", state.Phase, "sequence", state.Sequence)
	return nil
}

// State returns the current session state.
func (f *SessionFSM) State() session.State {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return f.state
}

// fsmSnapshot implements raft.FSMSnapshot.
type fsmSnapshot struct {
	state session.State
}

// Persist writes the snapshot to the given sink.
func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(s.state); err != nil {
		sink.Cancel()
		return fmt.Errorf("encode snapshot: %w", err)
	}

	if _, err := sink.Write(buf.Bytes()); err != nil {
		sink.Cancel()
		return fmt.Errorf("write snapshot: %w", err)
	}

	return sink.Close()
}

// Release releases any resources held by the snapshot.
func (s *fsmSnapshot) Release() {}

// EncodeCommand encodes a command for Raft submission.
func EncodeCommand(cmd Command) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(cmd); err != nil {
		return nil, fmt.Errorf("encode command: %w", err)
	}
	return buf.Bytes(), nil
}
