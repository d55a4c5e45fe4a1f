// Package fetch retrieves and parses upstream HLS playlists.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/agleyzer/hlsstitch/internal/metrics"
	"github.com/agleyzer/hlsstitch/internal/playlist"
)

// ErrUpstream is returned when a playlist could not be fetched or its body
// could not be parsed.
var ErrUpstream = errors.New("upstream fetch failed")

// DefaultTimeout bounds a single upstream request.
const DefaultTimeout = 30 * time.Second

// maxBodySize caps the size of an upstream response. Larger bodies are
// rejected rather than truncated.
const maxBodySize = 8 << 20

// Client fetches playlists over HTTP.
type Client struct {
	http   *http.Client
	logger *slog.Logger
}

// New creates a Client whose requests time out after timeout.
func New(timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		http:   &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// Playlist fetches url and parses the body.
func (c *Client) Playlist(ctx context.Context, url string) (*playlist.Playlist, error) {
	start := time.Now()
	p, err := c.get(ctx, url)
	metrics.ObserveFetch(err == nil, time.Since(start))
	if err != nil {
		c.logger.Warn("upstream fetch failed", "url", url, "error", err)
		return nil, err
	}
	c.logger.Debug("fetched playlist", "url", url, "tags", len(p.Tags), "duration", time.Since(start))
	return p, nil
}

func (c *Client) get(ctx context.Context, url string) (*playlist.Playlist, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request for %q: %w", ErrUpstream, url, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %q returned HTTP %d", ErrUpstream, url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read body of %q: %w", ErrUpstream, url, err)
	}
	if int64(len(body)) > maxBodySize {
		return nil, fmt.Errorf("%w: %q exceeds %d bytes", ErrUpstream, url, maxBodySize)
	}

	p, err := playlist.Parse(body)
	if err != nil {
		return nil, fmt.Errorf("%w: parse %q: %w", ErrUpstream, url, err)
	}
	return p, nil
}

// Pair fetches two playlists concurrently. The first failure cancels the
// other request.
func (c *Client) Pair(ctx context.Context, first, second string) (*playlist.Playlist, *playlist.Playlist, error) {
	var a, b *playlist.Playlist
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		a, err = c.Playlist(gctx, first)
		return err
	})
	g.Go(func() error {
		var err error
		b, err = c.Playlist(gctx, second)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return a, b, nil
}
