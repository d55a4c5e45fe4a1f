package playlist

import (
	"strconv"
	"strings"
)

// Generate serializes p, one directive per line. Stream and segment entries
// are followed by their URI line. A LIVE playlist type produces no line.
func Generate(p *Playlist) []byte {
	lines := make([]string, 0, len(p.Tags))
	for _, t := range p.Tags {
		if s, ok := encodeTag(t); ok {
			lines = append(lines, s)
		}
	}
	return []byte(strings.Join(lines, "\n"))
}

func encodeTag(t Tag) (string, bool) {
	switch t := t.(type) {
	case Header:
		return "#EXTM3U", true
	case StreamInf:
		return "#EXT-X-STREAM-INF:" + t.Info.String() + "\n" + t.URI, true
	case Version:
		return "#EXT-X-VERSION:" + strconv.Itoa(int(t)), true
	case MediaSequence:
		return "#EXT-X-MEDIA-SEQUENCE:" + strconv.Itoa(int(t)), true
	case TargetDuration:
		return "#EXT-X-TARGETDURATION:" + strconv.Itoa(int(t)), true
	case DiscontinuitySequence:
		return "#EXT-X-DISCONTINUITY-SEQUENCE:" + strconv.Itoa(int(t)), true
	case Key:
		return "#EXT-X-KEY:" + t.String(), true
	case Segment:
		return "#EXTINF:" + formatDuration(t.Duration) + ",\n" + t.URI, true
	case EndList:
		return "#EXT-X-ENDLIST", true
	case Discontinuity:
		return "#EXT-X-DISCONTINUITY", true
	case PlaylistType:
		if t == Live || t == "" {
			return "", false
		}
		return "#EXT-X-PLAYLIST-TYPE:" + string(t), true
	default:
		return "", false
	}
}

// formatDuration writes the shortest exact form, always with a fraction
// (10 -> "10.0", 9.009 -> "9.009").
func formatDuration(d float64) string {
	s := strconv.FormatFloat(d, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}
