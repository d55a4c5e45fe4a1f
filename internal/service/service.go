// Package service sequences fetching, stitching and rewriting of playlists
// for each request.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/agleyzer/hlsstitch/internal/metrics"
	"github.com/agleyzer/hlsstitch/internal/playlist"
	"github.com/agleyzer/hlsstitch/internal/session"
	"github.com/agleyzer/hlsstitch/internal/variant"
)

var (
	// ErrEncoding is returned when a proxy URL cannot be built.
	ErrEncoding = errors.New("failed to encode proxy URL")

	// ErrLiveURLNotSet is returned by LiveMaster when no source was given or recorded.
	ErrLiveURLNotSet = errors.New("live URL not set")
)

// Fetcher retrieves parsed playlists.
type Fetcher interface {
	Playlist(ctx context.Context, url string) (*playlist.Playlist, error)
	Pair(ctx context.Context, first, second string) (*playlist.Playlist, *playlist.Playlist, error)
}

// Config holds the settings of a Service.
type Config struct {
	// BaseURL prefixes every proxy URL written into a master playlist.
	BaseURL string
	// StitchURL is the master playlist whose renditions are stitched in.
	StitchURL string
}

// Service builds the playlists served to players.
type Service struct {
	fetcher   Fetcher
	session   session.Store
	baseURL   string
	stitchURL string
	logger    *slog.Logger
	now       func() time.Time

	mu        sync.Mutex
	liveURL   string
	liveStart time.Time
}

// New creates a Service.
func New(cfg Config, fetcher Fetcher, store session.Store, logger *slog.Logger) *Service {
	s := &Service{
		fetcher:   fetcher,
		session:   store,
		baseURL:   strings.TrimSuffix(cfg.BaseURL, "/"),
		stitchURL: cfg.StitchURL,
		logger:    logger,
		now:       time.Now,
	}
	s.liveStart = s.now()
	recordPhase(store.Current())
	return s
}

// Session returns the current stitch session state.
func (s *Service) Session() session.State {
	return s.session.Current()
}

// Master fetches the content master playlist and the stitch master playlist
// and points every content rendition at the media proxy, paired with the
// stitch rendition of the closest bandwidth.
func (s *Service) Master(ctx context.Context, contentURL string) (*playlist.Playlist, error) {
	content, stitch, err := s.fetcher.Pair(ctx, contentURL, s.stitchURL)
	if err != nil {
		return nil, err
	}
	if err := content.ExpandURIs(contentURL); err != nil {
		return nil, err
	}
	if err := stitch.ExpandURIs(s.stitchURL); err != nil {
		return nil, err
	}

	candidates := stitch.StreamInfs()
	for i, t := range content.Tags {
		inf, ok := t.(playlist.StreamInf)
		if !ok {
			continue
		}
		stitchURI, err := variant.Closest(inf.Info.Bandwidth, candidates)
		if err != nil {
			return nil, fmt.Errorf("match rendition %q: %w", inf.URI, err)
		}
		proxy, err := s.proxyURL("/media", url.Values{
			"content": {inf.URI},
			"stitch":  {stitchURI},
		})
		if err != nil {
			return nil, err
		}
		inf.URI = proxy
		content.Tags[i] = inf
	}
	return content, nil
}

// Media returns the content media playlist, spliced with the stitch media
// playlist once the session is stitching.
func (s *Service) Media(ctx context.Context, contentURL, stitchURL string) (*playlist.Playlist, error) {
	state := s.session.Current()
	switch state.Phase {
	case session.WaitingToStitch:
		return s.observe(ctx, contentURL)
	case session.Stitching:
		return s.stitch(ctx, contentURL, stitchURL, state)
	default:
		return s.fetcher.Playlist(ctx, contentURL)
	}
}

func (s *Service) observe(ctx context.Context, contentURL string) (*playlist.Playlist, error) {
	content, err := s.fetcher.Playlist(ctx, contentURL)
	if err != nil {
		return nil, err
	}

	counts := content.Counts()
	state, captured, err := s.session.Observe(ctx, counts)
	if err != nil {
		// The next request retries the capture.
		s.logger.Warn("failed to record stitch point", "error", err)
		return content, nil
	}
	recordPhase(state)
	if !captured {
		return content, nil
	}
	s.logger.Info("stitch point captured",
		"media_sequence", counts.MediaSequence,
		"segments", counts.SegmentCount,
		"stitch_sequence", state.Sequence,
		"discontinuity", state.Discontinuity)
	return content, nil
}

func (s *Service) stitch(ctx context.Context, contentURL, stitchURL string, state session.State) (*playlist.Playlist, error) {
	content, stitch, err := s.fetcher.Pair(ctx, contentURL, stitchURL)
	if err != nil {
		return nil, err
	}
	// Content URIs stay as the upstream wrote them.
	if err := stitch.ExpandURIs(stitchURL); err != nil {
		return nil, err
	}
	if err := content.Stitch(stitch, state.Sequence, state.Discontinuity); err != nil {
		return nil, fmt.Errorf("stitch %q: %w", contentURL, err)
	}
	metrics.IncStitched()
	return content, nil
}

// StartStitching arms the session so the next media request captures the
// stitch point.
func (s *Service) StartStitching(ctx context.Context) (session.State, error) {
	state, err := s.session.StartStitching(ctx)
	if err != nil {
		return state, err
	}
	recordPhase(state)
	s.logger.Info("stitching armed")
	return state, nil
}

// StartLive records liveURL as the simulated live source, starting now.
func (s *Service) StartLive(liveURL string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.liveURL = liveURL
	s.liveStart = s.now()
	s.logger.Info("live simulation started", "url", liveURL, "start", s.liveStart)
}

func (s *Service) live() (string, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.liveURL, s.liveStart
}

// LiveMaster rewrites every rendition of a master playlist to the live
// media proxy. An empty contentURL falls back to the recorded live source.
func (s *Service) LiveMaster(ctx context.Context, contentURL string) (*playlist.Playlist, error) {
	if contentURL == "" {
		contentURL, _ = s.live()
	}
	if contentURL == "" {
		return nil, ErrLiveURLNotSet
	}

	p, err := s.fetcher.Playlist(ctx, contentURL)
	if err != nil {
		return nil, err
	}
	if err := p.ExpandURIs(contentURL); err != nil {
		return nil, err
	}

	for i, t := range p.Tags {
		inf, ok := t.(playlist.StreamInf)
		if !ok {
			continue
		}
		proxy, err := s.proxyURL("/live/media", url.Values{"content": {inf.URI}})
		if err != nil {
			return nil, err
		}
		inf.URI = proxy
		p.Tags[i] = inf
	}
	return p, nil
}

// LiveMedia windows a VOD media playlist as if it had been broadcast live
// since the last StartLive.
func (s *Service) LiveMedia(ctx context.Context, contentURL string) (*playlist.Playlist, error) {
	p, err := s.fetcher.Playlist(ctx, contentURL)
	if err != nil {
		return nil, err
	}
	_, start := s.live()
	p.ConvertToLive(start, s.now())
	return p, nil
}

func (s *Service) proxyURL(path string, query url.Values) (string, error) {
	u, err := url.Parse(s.baseURL + path)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrEncoding, err)
	}
	u.RawQuery = query.Encode()
	return u.String(), nil
}

var phases = []string{
	session.NotStitching.String(),
	session.WaitingToStitch.String(),
	session.Stitching.String(),
}

func recordPhase(state session.State) {
	metrics.SetSessionPhase(state.Phase.String(), phases)
}
