package playlist

import "time"

// LiveWindowSize is the number of segments exposed by ConvertToLive.
const LiveWindowSize = 5

// ConvertToLive replaces p with a sliding live window over its segments, as
// if the playlist had started playing at start and the time is now.
//
// The window begins at the first segment whose cumulative duration reaches
// the elapsed time, or at the first segment once elapsed time runs past the
// end of the playlist. The media sequence of the result is that index.
func (p *Playlist) ConvertToLive(start, now time.Time) {
	elapsed := now.Sub(start).Seconds()
	segments := p.Segments()

	first := 0
	var total float64
	for i, s := range segments {
		total += s.Duration
		if total >= elapsed {
			first = i
			break
		}
	}
	last := min(first+LiveWindowSize, len(segments))

	tags := make([]Tag, 0, 5+last-first)
	tags = append(tags,
		Header{},
		TargetDuration(p.TargetDuration()),
		Version(DefaultVersion),
		MediaSequence(first),
		DiscontinuitySequence(0),
	)
	for _, s := range segments[first:last] {
		tags = append(tags, s)
	}
	p.Tags = tags
}
