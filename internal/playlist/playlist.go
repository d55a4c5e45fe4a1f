package playlist

import (
	"errors"
)

var (
	// ErrInvalidData is returned by Parse when the input is not UTF-8 text.
	ErrInvalidData = errors.New("playlist data is not valid text")

	// ErrNoTags is returned by Parse when no tag was recognised.
	ErrNoTags = errors.New("playlist contains no tags")

	// ErrPlaylist reports a playlist that cannot support the requested
	// operation, such as a missing tag or an insertion point past the end.
	ErrPlaylist = errors.New("something went wrong while generating the playlist")
)

// Defaults used when a playlist omits the corresponding tag.
const (
	DefaultTargetDuration = 10
	DefaultVersion        = 4
)

// Playlist is an ordered list of tags. Tag order is the manifest's line order.
type Playlist struct {
	Tags []Tag
}

// Counts is a read-only snapshot of a media playlist's position.
type Counts struct {
	MediaSequence         int
	DiscontinuitySequence int
	SegmentCount          int
}

// Counts reports the first media and discontinuity sequence values (0 when
// absent) and the number of segments.
func (p *Playlist) Counts() Counts {
	return Counts{
		MediaSequence:         p.MediaSequence(),
		DiscontinuitySequence: p.DiscontinuitySequence(),
		SegmentCount:          len(p.Segments()),
	}
}

// MediaSequence returns the first #EXT-X-MEDIA-SEQUENCE value, or 0.
func (p *Playlist) MediaSequence() int {
	for _, t := range p.Tags {
		if v, ok := t.(MediaSequence); ok {
			return int(v)
		}
	}
	return 0
}

// DiscontinuitySequence returns the first #EXT-X-DISCONTINUITY-SEQUENCE value, or 0.
func (p *Playlist) DiscontinuitySequence() int {
	for _, t := range p.Tags {
		if v, ok := t.(DiscontinuitySequence); ok {
			return int(v)
		}
	}
	return 0
}

// TargetDuration returns the first #EXT-X-TARGETDURATION value, or DefaultTargetDuration.
func (p *Playlist) TargetDuration() int {
	for _, t := range p.Tags {
		if v, ok := t.(TargetDuration); ok {
			return int(v)
		}
	}
	return DefaultTargetDuration
}

// Version returns the first #EXT-X-VERSION value, or DefaultVersion.
func (p *Playlist) Version() int {
	for _, t := range p.Tags {
		if v, ok := t.(Version); ok {
			return int(v)
		}
	}
	return DefaultVersion
}

// EncryptionKey returns the first key in the playlist.
func (p *Playlist) EncryptionKey() (Key, bool) {
	for _, t := range p.Tags {
		if k, ok := t.(Key); ok {
			return k, true
		}
	}
	return Key{}, false
}

// Segments returns the media segments in order.
func (p *Playlist) Segments() []Segment {
	var segments []Segment
	for _, t := range p.Tags {
		if s, ok := t.(Segment); ok {
			segments = append(segments, s)
		}
	}
	return segments
}

// StreamInfs returns the rendition entries of a master playlist in order.
func (p *Playlist) StreamInfs() []StreamInf {
	var streams []StreamInf
	for _, t := range p.Tags {
		if s, ok := t.(StreamInf); ok {
			streams = append(streams, s)
		}
	}
	return streams
}

// Clone returns a copy whose tag slice can be modified independently of p.
func (p *Playlist) Clone() *Playlist {
	tags := make([]Tag, len(p.Tags))
	copy(tags, p.Tags)
	return &Playlist{Tags: tags}
}
