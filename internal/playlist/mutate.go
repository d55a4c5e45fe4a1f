package playlist

import (
	"fmt"
	"math"
	"net/url"
	"path"
	"strings"
	"time"
)

// ExpandURIs rewrites every relative stream, segment and key URI to an
// absolute one rooted at the directory of playlistURL. URIs that already
// carry a host are left alone. Only the path of a relative URI is kept.
func (p *Playlist) ExpandURIs(playlistURL string) error {
	base, err := url.Parse(playlistURL)
	if err != nil {
		return fmt.Errorf("%w: parse playlist url %q: %v", ErrPlaylist, playlistURL, err)
	}
	dir := *base
	dir.Path = path.Dir(strings.TrimSuffix(base.Path, "/"))
	dir.RawPath = ""
	dir.RawQuery = ""
	dir.Fragment = ""

	expand := func(uri string) (string, error) {
		u, err := url.Parse(uri)
		if err != nil {
			return "", fmt.Errorf("%w: parse uri %q: %v", ErrPlaylist, uri, err)
		}
		if u.Host != "" {
			return uri, nil
		}
		abs := dir
		abs.Path = path.Join(dir.Path, u.Path)
		if strings.HasSuffix(u.Path, "/") {
			abs.Path += "/"
		}
		return abs.String(), nil
	}

	for i, t := range p.Tags {
		switch t := t.(type) {
		case StreamInf:
			if t.URI, err = expand(t.URI); err != nil {
				return err
			}
			p.Tags[i] = t
		case Segment:
			if t.URI, err = expand(t.URI); err != nil {
				return err
			}
			p.Tags[i] = t
		case Key:
			if t.URI == "" {
				continue
			}
			if t.URI, err = expand(t.URI); err != nil {
				return err
			}
			p.Tags[i] = t
		}
	}
	return nil
}

// InsertTags inserts tags directly after the first segment at which the
// cumulative duration reaches offset.
func (p *Playlist) InsertTags(tags []Tag, offset time.Duration) error {
	at := offset.Seconds()
	var elapsed float64
	for i, t := range p.Tags {
		s, ok := t.(Segment)
		if !ok {
			continue
		}
		elapsed += s.Duration
		if elapsed >= at {
			out := make([]Tag, 0, len(p.Tags)+len(tags))
			out = append(out, p.Tags[:i+1]...)
			out = append(out, tags...)
			out = append(out, p.Tags[i+1:]...)
			p.Tags = out
			return nil
		}
	}
	return fmt.Errorf("%w: offset %s is past the playlist duration %.3fs", ErrPlaylist, offset, elapsed)
}

// CorrectTargetDuration sets the target duration tag to the longest segment
// duration rounded up. It never adds the tag.
func (p *Playlist) CorrectTargetDuration() error {
	var longest float64
	idx := -1
	for i, t := range p.Tags {
		switch t := t.(type) {
		case TargetDuration:
			idx = i
		case Segment:
			longest = math.Max(longest, t.Duration)
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: no target duration tag", ErrPlaylist)
	}
	p.Tags[idx] = TargetDuration(math.Ceil(longest))
	return nil
}

// SegmentOptions controls AllSegments.
type SegmentOptions struct {
	// Fill stops collecting once the collected duration reaches it,
	// keeping the segment that crossed it. Zero collects every segment.
	Fill time.Duration

	// Discontinuities brackets the result with discontinuity markers and keys
	// so that encryption state does not leak across a splice.
	Discontinuities bool

	// ClosingKey is the key restored after the block. Nil means NoKey.
	ClosingKey *Key
}

// AllSegments returns the playlist's segment tags, optionally bracketed for
// splicing into another playlist.
func (p *Playlist) AllSegments(opts SegmentOptions) []Tag {
	var (
		out     []Tag
		elapsed float64
	)
	for _, t := range p.Tags {
		s, ok := t.(Segment)
		if !ok {
			continue
		}
		out = append(out, s)
		elapsed += s.Duration
		if opts.Fill > 0 && elapsed >= opts.Fill.Seconds() {
			break
		}
	}

	if !opts.Discontinuities {
		return out
	}

	opening, ok := p.EncryptionKey()
	if !ok {
		opening = NoKey
	}
	closing := NoKey
	if opts.ClosingKey != nil {
		closing = *opts.ClosingKey
	}

	bracketed := make([]Tag, 0, len(out)+4)
	bracketed = append(bracketed, Discontinuity{}, opening)
	bracketed = append(bracketed, out...)
	bracketed = append(bracketed, closing, Discontinuity{})
	return bracketed
}
