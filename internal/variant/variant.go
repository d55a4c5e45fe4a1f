// Package variant matches HLS renditions across master playlists by bandwidth.
package variant

import (
	"fmt"

	"github.com/agleyzer/hlsstitch/internal/playlist"
)

// Closest returns the URI of the candidate whose bandwidth best matches
// reference, in bits per second. A nil reference or candidate bandwidth is
// an error; zero is a valid bandwidth.
//
// A candidate at or below reference always beats one above it, however close
// the higher one is: the stitched rendition should never need more bandwidth
// than the content rendition it replaces. Between two candidates on the same
// side of reference the nearer one wins, and ties keep the earlier candidate.
func Closest(reference *int, candidates []playlist.StreamInf) (string, error) {
	if reference == nil {
		return "", fmt.Errorf("%w: reference stream has no bandwidth", playlist.ErrPlaylist)
	}
	if len(candidates) == 0 {
		return "", fmt.Errorf("%w: no candidate streams", playlist.ErrPlaylist)
	}

	best := candidates[0]
	for _, c := range candidates[1:] {
		if best.Info.Bandwidth == nil || c.Info.Bandwidth == nil {
			return "", fmt.Errorf("%w: stream without bandwidth", playlist.ErrPlaylist)
		}
		if better(*reference, *c.Info.Bandwidth, *best.Info.Bandwidth) {
			best = c
		}
	}
	return best.URI, nil
}

// better reports whether bandwidth c is a better match for reference than b.
func better(reference, c, b int) bool {
	switch {
	case c > reference && b <= reference:
		return false
	case c <= reference && b > reference:
		return true
	default:
		return abs(reference-c) < abs(reference-b)
	}
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
