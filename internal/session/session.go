// Package session tracks where the next ad break is spliced into the content stream.
package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/agleyzer/hlsstitch/internal/playlist"
)

// Phase is the stitching phase of the service.
type Phase int

const (
	// NotStitching serves content playlists unmodified.
	NotStitching Phase = iota
	// WaitingToStitch captures the stitch point on the next media request.
	WaitingToStitch
	// Stitching splices the ad into every media request.
	Stitching
)

func (p Phase) String() string {
	switch p {
	case NotStitching:
		return "not_stitching"
	case WaitingToStitch:
		return "waiting_to_stitch"
	case Stitching:
		return "stitching"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// State is a point-in-time view of the session. Sequence and Discontinuity
// are only meaningful in the Stitching phase.
type State struct {
	Phase Phase
	// Sequence is the media sequence of the first content segment replaced by the ad.
	Sequence int
	// Discontinuity is the content discontinuity sequence when the stitch point was captured.
	Discontinuity int
}

// Arm returns the state after a start-stitching command. It is valid from
// every phase, so a running break can be re-armed.
func (State) Arm() State {
	return State{Phase: WaitingToStitch}
}

// Observe returns the state after a media playlist with counts c was fetched.
// Only WaitingToStitch changes: the stitch point becomes the first segment
// after the ones currently in the playlist.
func (s State) Observe(c playlist.Counts) State {
	if s.Phase != WaitingToStitch {
		return s
	}
	return State{
		Phase:         Stitching,
		Sequence:      c.MediaSequence + c.SegmentCount,
		Discontinuity: c.DiscontinuitySequence,
	}
}

// Store holds the process-wide session state. Implementations serialise all
// transitions, so of two concurrent Observe calls only one can capture the
// stitch point. Observe reports whether its call was the one that did.
type Store interface {
	StartStitching(ctx context.Context) (State, error)
	Observe(ctx context.Context, c playlist.Counts) (state State, captured bool, err error)
	Current() State
}

// Local is an in-process Store.
type Local struct {
	mu    sync.Mutex
	state State
}

// NewLocal returns a Local store in the NotStitching phase.
func NewLocal() *Local {
	return &Local{}
}

// StartStitching arms the session.
func (l *Local) StartStitching(context.Context) (State, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.state = l.state.Arm()
	return l.state, nil
}

// Observe applies a fetched playlist's counts and returns the resulting state.
func (l *Local) Observe(_ context.Context, c playlist.Counts) (State, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	prev := l.state
	l.state = l.state.Observe(c)
	return l.state, prev.Phase != l.state.Phase, nil
}

// Current returns the current state.
func (l *Local) Current() State {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.state
}
