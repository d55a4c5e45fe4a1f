// Package integration provides integration testing utilities for hlsstitch.
package integration

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/grafov/m3u8"

	"github.com/agleyzer/hlsstitch/internal/cluster"
	"github.com/agleyzer/hlsstitch/internal/fetch"
	"github.com/agleyzer/hlsstitch/internal/server"
	"github.com/agleyzer/hlsstitch/internal/service"
	"github.com/agleyzer/hlsstitch/internal/session"
)

// Origin serves a sliding content stream and an ad break, the way a CDN
// origin would.
type Origin struct {
	*httptest.Server

	mu       sync.Mutex
	sequence int
	window   int
}

// NewOrigin starts an origin whose content window holds window segments.
func NewOrigin(t *testing.T, window int) *Origin {
	t.Helper()

	o := &Origin{window: window}
	text := func(body string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) { w.Write([]byte(body)) }
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/content/master.m3u8", text(contentMaster))
	mux.HandleFunc("/content/hi/index.m3u8", o.serveContent)
	mux.HandleFunc("/content/lo/index.m3u8", o.serveContent)
	mux.HandleFunc("/ad/master.m3u8", text(adMaster))
	mux.HandleFunc("/ad/hi/index.m3u8", text(adMedia))
	mux.HandleFunc("/ad/lo/index.m3u8", text(adMedia))

	o.Server = httptest.NewServer(mux)
	t.Cleanup(o.Close)
	return o
}

// Move slides the content window to start at sequence.
func (o *Origin) Move(sequence int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sequence = sequence
}

func (o *Origin) serveContent(w http.ResponseWriter, r *http.Request) {
	o.mu.Lock()
	seq, n := o.sequence, o.window
	o.mu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:4\n#EXT-X-MEDIA-SEQUENCE:%d\n#EXT-X-DISCONTINUITY-SEQUENCE:0\n", seq)
	for i := seq; i < seq+n; i++ {
		fmt.Fprintf(&b, "#EXTINF:4.000,\nsegment%03d.ts\n", i)
	}
	w.Write([]byte(b.String()))
}

const (
	contentMaster = `#EXTM3U
#EXT-X-STREAM-INF:PROGRAM-ID=1,BANDWIDTH=4000000,RESOLUTION=1920x1080,CODECS="avc1.640028,mp4a.40.2"
hi/index.m3u8
#EXT-X-STREAM-INF:PROGRAM-ID=1,BANDWIDTH=800000,RESOLUTION=640x360,CODECS="avc1.42e01e,mp4a.40.2"
lo/index.m3u8
`
	adMaster = `#EXTM3U
#EXT-X-STREAM-INF:BANDWIDTH=3000000
hi/index.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=600000
lo/index.m3u8
`
	adMedia = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:6
#EXT-X-PLAYLIST-TYPE:VOD
#EXTINF:6.000,
ad0.ts
#EXTINF:6.000,
ad1.ts
#EXTINF:6.000,
ad2.ts
#EXT-X-ENDLIST
`
)

// Node is one running hlsstitch instance.
type Node struct {
	ID      string
	URL     string
	Service *service.Service
	Manager *cluster.Manager
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// StartNode starts an instance backed by store. manager may be nil.
func StartNode(t *testing.T, id string, origin *Origin, store session.Store, manager *cluster.Manager) *Node {
	t.Helper()

	logger := testLogger().With("node", id)

	// The proxy URLs must point back at this server, so the handler is
	// installed once the URL is known.
	var handler http.Handler
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(ts.Close)

	svc := service.New(service.Config{
		BaseURL:   ts.URL,
		StitchURL: origin.URL + "/ad/master.m3u8",
	}, fetch.New(5*time.Second, logger), store, logger)

	cfg := server.Config{}
	if manager != nil {
		cfg.Cluster = manager
	}
	handler = server.New(svc, cfg, logger).Handler()

	return &Node{ID: id, URL: ts.URL, Service: svc, Manager: manager}
}

// StartCluster starts n instances sharing a replicated session and waits
// until every node knows the leader.
func StartCluster(t *testing.T, origin *Origin, n int) []*Node {
	t.Helper()

	peers := make([]string, n)
	for i := range peers {
		peers[i] = fmt.Sprintf("127.0.0.1:%d", findAvailablePort(t))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	nodes := make([]*Node, n)
	for i := range nodes {
		id := fmt.Sprintf("node%d", i+1)
		manager, err := cluster.NewManager(cluster.Config{
			RaftID:           id,
			BindAddr:         peers[i],
			Peers:            peers,
			HeartbeatTimeout: 200 * time.Millisecond,
			ElectionTimeout:  200 * time.Millisecond,
		}, testLogger().With("node", id))
		if err != nil {
			t.Fatalf("failed to create manager %s: %v", id, err)
		}
		if err := manager.Start(ctx); err != nil {
			t.Fatalf("failed to start manager %s: %v", id, err)
		}
		t.Cleanup(func() { manager.Shutdown() })

		nodes[i] = StartNode(t, id, origin, manager, manager)
	}

	for _, node := range nodes {
		if err := node.Manager.WaitForLeader(ctx); err != nil {
			t.Fatalf("%s: no leader elected: %v", node.ID, err)
		}
	}
	return nodes
}

// Leader returns the node that currently leads the cluster.
func Leader(t *testing.T, nodes []*Node) *Node {
	t.Helper()

	var leader *Node
	WaitForCondition(t, func() bool {
		for _, n := range nodes {
			if n.Manager.IsLeader() {
				leader = n
				return true
			}
		}
		return false
	}, 10*time.Second, "leader election")
	return leader
}

// Get fetches url and returns the status code and body.
func Get(t *testing.T, url string) (int, string) {
	t.Helper()
	return do(t, http.MethodGet, url)
}

// Post sends an empty POST to url and returns the status code and body.
func Post(t *testing.T, url string) (int, string) {
	t.Helper()
	return do(t, http.MethodPost, url)
}

func do(t *testing.T, method, url string) (int, string) {
	t.Helper()

	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read body: %v", err)
	}
	return resp.StatusCode, string(body)
}

// DecodeMedia decodes a media playlist with a third-party decoder.
func DecodeMedia(t *testing.T, body string) *m3u8.MediaPlaylist {
	t.Helper()

	p, listType, err := m3u8.DecodeFrom(strings.NewReader(body), false)
	if err != nil {
		t.Fatalf("failed to decode media playlist: %v\n%s", err, body)
	}
	if listType != m3u8.MEDIA {
		t.Fatalf("expected media playlist, got:\n%s", body)
	}
	return p.(*m3u8.MediaPlaylist)
}

// DecodeMaster decodes a master playlist with a third-party decoder.
func DecodeMaster(t *testing.T, body string) *m3u8.MasterPlaylist {
	t.Helper()

	p, listType, err := m3u8.DecodeFrom(strings.NewReader(body), false)
	if err != nil {
		t.Fatalf("failed to decode master playlist: %v\n%s", err, body)
	}
	if listType != m3u8.MASTER {
		t.Fatalf("expected master playlist, got:\n%s", body)
	}
	return p.(*m3u8.MasterPlaylist)
}

// Segments returns the populated segments of p.
func Segments(p *m3u8.MediaPlaylist) []*m3u8.MediaSegment {
	var out []*m3u8.MediaSegment
	for _, s := range p.Segments {
		if s == nil {
			break
		}
		out = append(out, s)
	}
	return out
}

// WaitForCondition polls until a condition is met or timeout occurs.
func WaitForCondition(t *testing.T, condition func() bool, timeout time.Duration, description string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for !condition() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for condition: %s", description)
		}
		<-ticker.C
	}
}

// findAvailablePort finds an available TCP port.
func findAvailablePort(t *testing.T) int {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find available port: %v", err)
	}
	defer listener.Close()

	return listener.Addr().(*net.TCPAddr).Port
}
