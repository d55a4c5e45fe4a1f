// Package playlist implements the HLS tag model, its text codec, and the
// mutations used to rewrite manifests (URI expansion, stitching, live windowing).
package playlist

import (
	"fmt"
	"strconv"
	"strings"
)

// Tag is one playlist directive. The set of implementations is closed:
// every case is declared in this file.
type Tag interface {
	tag()
}

// Header marks the start of a playlist (#EXTM3U).
type Header struct{}

// StreamInf is a rendition entry in a master playlist together with its URI.
type StreamInf struct {
	Info StreamInfo
	URI  string
}

// Version is #EXT-X-VERSION.
type Version int

// MediaSequence is #EXT-X-MEDIA-SEQUENCE.
type MediaSequence int

// TargetDuration is #EXT-X-TARGETDURATION, in whole seconds.
type TargetDuration int

// DiscontinuitySequence is #EXT-X-DISCONTINUITY-SEQUENCE.
type DiscontinuitySequence int

// Key is an #EXT-X-KEY encryption descriptor. Empty fields are absent.
type Key struct {
	Method string
	URI    string
	IV     string
}

// NoKey switches encryption off for the segments that follow it.
var NoKey = Key{Method: "NONE"}

// Segment is an #EXTINF media segment. Duration is in seconds.
type Segment struct {
	Duration float64
	URI      string
}

// EndList is #EXT-X-ENDLIST.
type EndList struct{}

// Discontinuity is #EXT-X-DISCONTINUITY.
type Discontinuity struct{}

// PlaylistType is #EXT-X-PLAYLIST-TYPE.
type PlaylistType string

// Playlist types. Live is the implicit default and is never written out.
const (
	VOD   PlaylistType = "VOD"
	Event PlaylistType = "EVENT"
	Live  PlaylistType = "LIVE"
)

func (Header) tag()                {}
func (StreamInf) tag()             {}
func (Version) tag()               {}
func (MediaSequence) tag()         {}
func (TargetDuration) tag()        {}
func (DiscontinuitySequence) tag() {}
func (Key) tag()                   {}
func (Segment) tag()               {}
func (EndList) tag()               {}
func (Discontinuity) tag()         {}
func (PlaylistType) tag()          {}

// StreamInfo holds the attributes of #EXT-X-STREAM-INF.
// Nil pointers and empty Codecs are absent.
type StreamInfo struct {
	ProgramID  *int
	Bandwidth  *int
	Resolution *Resolution
	Codecs     string
}

// Resolution is a WxH pixel resolution.
type Resolution struct {
	Width  int
	Height int
}

// ParseResolution parses "WxH".
func ParseResolution(s string) (Resolution, error) {
	w, h, ok := strings.Cut(s, "x")
	if !ok {
		return Resolution{}, fmt.Errorf("invalid resolution %q", s)
	}
	width, err := strconv.Atoi(w)
	if err != nil {
		return Resolution{}, fmt.Errorf("invalid resolution width %q: %w", s, err)
	}
	height, err := strconv.Atoi(h)
	if err != nil {
		return Resolution{}, fmt.Errorf("invalid resolution height %q: %w", s, err)
	}
	return Resolution{Width: width, Height: height}, nil
}

func (r Resolution) String() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

func newStreamInfo(attrs map[string]string) StreamInfo {
	var info StreamInfo
	if v, ok := attrs["PROGRAM-ID"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			info.ProgramID = &n
		}
	}
	if v, ok := attrs["BANDWIDTH"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			info.Bandwidth = &n
		}
	}
	if v, ok := attrs["RESOLUTION"]; ok {
		if r, err := ParseResolution(v); err == nil {
			info.Resolution = &r
		}
	}
	info.Codecs = attrs["CODECS"]
	return info
}

func (s StreamInfo) String() string {
	var attrs []string
	if s.ProgramID != nil {
		attrs = append(attrs, "PROGRAM-ID="+strconv.Itoa(*s.ProgramID))
	}
	if s.Bandwidth != nil {
		attrs = append(attrs, "BANDWIDTH="+strconv.Itoa(*s.Bandwidth))
	}
	if s.Resolution != nil {
		attrs = append(attrs, "RESOLUTION="+s.Resolution.String())
	}
	if s.Codecs != "" {
		attrs = append(attrs, `CODECS="`+s.Codecs+`"`)
	}
	return strings.Join(attrs, ",")
}

func newKey(attrs map[string]string) Key {
	return Key{
		Method: attrs["METHOD"],
		URI:    attrs["URI"],
		IV:     attrs["IV"],
	}
}

func (k Key) String() string {
	var attrs []string
	if k.Method != "" {
		attrs = append(attrs, "METHOD="+k.Method)
	}
	if k.URI != "" {
		attrs = append(attrs, `URI="`+k.URI+`"`)
	}
	if k.IV != "" {
		attrs = append(attrs, "IV="+k.IV)
	}
	return strings.Join(attrs, ",")
}

func newPlaylistType(s string) PlaylistType {
	switch t := PlaylistType(strings.TrimSpace(s)); t {
	case VOD, Event:
		return t
	default:
		return Live
	}
}
