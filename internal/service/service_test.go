package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/agleyzer/hlsstitch/internal/fetch"
	"github.com/agleyzer/hlsstitch/internal/playlist"
	"github.com/agleyzer/hlsstitch/internal/session"
)

const (
	contentMaster = `#EXTM3U
#EXT-X-STREAM-INF:PROGRAM-ID=1,BANDWIDTH=5000000,RESOLUTION=1280x720
hi/index.m3u8
#EXT-X-STREAM-INF:PROGRAM-ID=1,BANDWIDTH=1000000
lo/index.m3u8
`
	stitchMaster = `#EXTM3U
#EXT-X-STREAM-INF:BANDWIDTH=3000000
a3/index.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=6000000
a6/index.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=800000
a08/index.m3u8
`
	stitchMedia = `#EXTM3U
#EXT-X-TARGETDURATION:6
#EXTINF:6.0,
ad0.ts
#EXTINF:6.0,
ad1.ts
#EXTINF:6.0,
ad2.ts
#EXT-X-ENDLIST
`
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// origin serves a content stream whose window can be moved between requests.
type origin struct {
	*httptest.Server

	mu       sync.Mutex
	sequence int
	window   int
}

func (o *origin) move(sequence int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sequence = sequence
}

func (o *origin) media(w http.ResponseWriter, r *http.Request) {
	o.mu.Lock()
	seq, n := o.sequence, o.window
	o.mu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:4\n#EXT-X-MEDIA-SEQUENCE:%d\n#EXT-X-DISCONTINUITY-SEQUENCE:2\n", seq)
	for i := seq; i < seq+n; i++ {
		fmt.Fprintf(&b, "#EXTINF:4.0,\nc%d.ts\n", i)
	}
	w.Write([]byte(b.String()))
}

func newOrigin(t *testing.T) *origin {
	t.Helper()
	o := &origin{window: 5}

	text := func(body string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) { w.Write([]byte(body)) }
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/content/master.m3u8", text(contentMaster))
	mux.HandleFunc("/content/hi/index.m3u8", o.media)
	mux.HandleFunc("/ad/master.m3u8", text(stitchMaster))
	mux.HandleFunc("/ad/a3/index.m3u8", text(stitchMedia))
	mux.HandleFunc("/vod/index.m3u8", func(w http.ResponseWriter, r *http.Request) {
		var b strings.Builder
		b.WriteString("#EXTM3U\n#EXT-X-PLAYLIST-TYPE:VOD\n#EXT-X-TARGETDURATION:10\n")
		for i := 0; i < 10; i++ {
			fmt.Fprintf(&b, "#EXTINF:10.0,\nv%d.ts\n", i)
		}
		b.WriteString("#EXT-X-ENDLIST\n")
		w.Write([]byte(b.String()))
	})

	o.Server = httptest.NewServer(mux)
	t.Cleanup(o.Close)
	return o
}

func newService(t *testing.T, o *origin, baseURL string) *Service {
	t.Helper()
	return New(Config{
		BaseURL:   baseURL,
		StitchURL: o.URL + "/ad/master.m3u8",
	}, fetch.New(2*time.Second, testLogger()), session.NewLocal(), testLogger())
}

func TestMaster(t *testing.T) {
	o := newOrigin(t)
	svc := newService(t, o, "http://proxy.test/")

	p, err := svc.Master(context.Background(), o.URL+"/content/master.m3u8")
	if err != nil {
		t.Fatalf("Master() error = %v", err)
	}

	infs := p.StreamInfs()
	if len(infs) != 2 {
		t.Fatalf("got %d renditions, want 2", len(infs))
	}

	tests := []struct {
		content string
		stitch  string
	}{
		{o.URL + "/content/hi/index.m3u8", o.URL + "/ad/a3/index.m3u8"},
		{o.URL + "/content/lo/index.m3u8", o.URL + "/ad/a08/index.m3u8"},
	}
	for i, tt := range tests {
		u, err := url.Parse(infs[i].URI)
		if err != nil {
			t.Fatalf("rendition %d: bad proxy url %q: %v", i, infs[i].URI, err)
		}
		if u.Host != "proxy.test" || u.Path != "/media" {
			t.Errorf("rendition %d: proxy url = %q", i, infs[i].URI)
		}
		if got := u.Query().Get("content"); got != tt.content {
			t.Errorf("rendition %d: content = %q, want %q", i, got, tt.content)
		}
		if got := u.Query().Get("stitch"); got != tt.stitch {
			t.Errorf("rendition %d: stitch = %q, want %q", i, got, tt.stitch)
		}
	}

	if infs[0].Info.Resolution == nil || *infs[0].Info.Resolution != (playlist.Resolution{Width: 1280, Height: 720}) {
		t.Errorf("stream info not preserved: %+v", infs[0].Info)
	}
}

func TestMaster_Errors(t *testing.T) {
	o := newOrigin(t)

	tests := []struct {
		name    string
		baseURL string
		content string
		wantErr error
	}{
		{"content missing", "http://proxy.test", "/content/missing.m3u8", fetch.ErrUpstream},
		{"content is not a master", "http://proxy.test", "/ad/a3/index.m3u8", nil},
		{"bad base url", "://proxy", "/content/master.m3u8", ErrEncoding},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newService(t, o, tt.baseURL)
			p, err := svc.Master(context.Background(), o.URL+tt.content)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("Master() error = %v", err)
				}
				if len(p.StreamInfs()) != 0 {
					t.Errorf("unexpected renditions in %v", p.Tags)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Master() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestMaster_RenditionWithoutBandwidth(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/master.m3u8", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("#EXTM3U\n#EXT-X-STREAM-INF:RESOLUTION=640x360\nlow.m3u8\n"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	svc := New(Config{BaseURL: "http://proxy.test", StitchURL: srv.URL + "/master.m3u8"},
		fetch.New(time.Second, testLogger()), session.NewLocal(), testLogger())

	if _, err := svc.Master(context.Background(), srv.URL+"/master.m3u8"); !errors.Is(err, playlist.ErrPlaylist) {
		t.Errorf("Master() error = %v, want ErrPlaylist", err)
	}
}

func TestMaster_ZeroBandwidthStitchRendition(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/content.m3u8", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=500000\nlow.m3u8\n"))
	})
	mux.HandleFunc("/ad.m3u8", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=900000\nhi.m3u8\n#EXT-X-STREAM-INF:BANDWIDTH=0\naudio.m3u8\n"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	svc := New(Config{BaseURL: "http://proxy.test", StitchURL: srv.URL + "/ad.m3u8"},
		fetch.New(time.Second, testLogger()), session.NewLocal(), testLogger())

	p, err := svc.Master(context.Background(), srv.URL+"/content.m3u8")
	if err != nil {
		t.Fatalf("Master() error = %v", err)
	}
	infs := p.StreamInfs()
	if len(infs) != 1 {
		t.Fatalf("expected 1 rendition, got %d", len(infs))
	}
	u, err := url.Parse(infs[0].URI)
	if err != nil {
		t.Fatalf("bad proxy URI %q: %v", infs[0].URI, err)
	}
	if got, want := u.Query().Get("stitch"), srv.URL+"/audio.m3u8"; got != want {
		t.Errorf("stitch = %q, want %q", got, want)
	}
}

func TestMedia_Lifecycle(t *testing.T) {
	o := newOrigin(t)
	svc := newService(t, o, "http://proxy.test")
	ctx := context.Background()
	contentURL := o.URL + "/content/hi/index.m3u8"
	stitchURL := o.URL + "/ad/a3/index.m3u8"

	// Not stitching: served as fetched.
	p, err := svc.Media(ctx, contentURL, stitchURL)
	if err != nil {
		t.Fatalf("Media() error = %v", err)
	}
	if got := p.Segments()[0].URI; got != "c0.ts" {
		t.Errorf("first segment = %q, want c0.ts", got)
	}
	if svc.Session().Phase != session.NotStitching {
		t.Fatalf("phase = %v, want NotStitching", svc.Session().Phase)
	}

	if _, err := svc.StartStitching(ctx); err != nil {
		t.Fatalf("StartStitching() error = %v", err)
	}

	// Waiting: the stitch point is captured and content is served unchanged.
	p, err = svc.Media(ctx, contentURL, stitchURL)
	if err != nil {
		t.Fatalf("Media() error = %v", err)
	}
	if got := p.Counts(); got != (playlist.Counts{MediaSequence: 0, DiscontinuitySequence: 2, SegmentCount: 5}) {
		t.Errorf("Counts() = %+v", got)
	}
	want := session.State{Phase: session.Stitching, Sequence: 5, Discontinuity: 2}
	if got := svc.Session(); got != want {
		t.Fatalf("Session() = %+v, want %+v", got, want)
	}

	// Stitching: the ad replaces content from sequence 5 on.
	o.move(3)
	p, err = svc.Media(ctx, contentURL, stitchURL)
	if err != nil {
		t.Fatalf("Media() error = %v", err)
	}

	ad := func(i int) playlist.Tag {
		return playlist.Segment{Duration: 6, URI: fmt.Sprintf("%s/ad/a3/ad%d.ts", o.URL, i)}
	}
	wantTags := []playlist.Tag{
		playlist.Header{},
		playlist.Version(3),
		playlist.TargetDuration(6),
		playlist.MediaSequence(3),
		playlist.DiscontinuitySequence(2),
		playlist.Segment{Duration: 4, URI: "c3.ts"},
		playlist.Segment{Duration: 4, URI: "c4.ts"},
		playlist.Discontinuity{},
		ad(0), ad(1), ad(2),
		playlist.Discontinuity{},
	}
	if diff := cmp.Diff(wantTags, p.Tags); diff != "" {
		t.Errorf("stitched playlist mismatch (-want +got):\n%s", diff)
	}
}

func TestMedia_StitchingFetchFailure(t *testing.T) {
	o := newOrigin(t)
	svc := newService(t, o, "http://proxy.test")
	ctx := context.Background()

	svc.StartStitching(ctx)
	if _, err := svc.Media(ctx, o.URL+"/content/hi/index.m3u8", ""); err != nil {
		t.Fatalf("Media() error = %v", err)
	}

	_, err := svc.Media(ctx, o.URL+"/content/hi/index.m3u8", o.URL+"/ad/missing.m3u8")
	if !errors.Is(err, fetch.ErrUpstream) {
		t.Errorf("Media() error = %v, want ErrUpstream", err)
	}
}

// failingStore refuses to record observations, as a follower node does.
type failingStore struct {
	session.Local
}

func (f *failingStore) Observe(context.Context, playlist.Counts) (session.State, bool, error) {
	return session.State{}, false, errors.New("not leader")
}

// lostRaceStore reports a stitch point that another request captured.
type lostRaceStore struct {
	session.Local
}

func (l *lostRaceStore) Observe(context.Context, playlist.Counts) (session.State, bool, error) {
	return session.State{Phase: session.Stitching, Sequence: 99}, false, nil
}

func TestMedia_LogsOnlyRealCapture(t *testing.T) {
	o := newOrigin(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		store session.Store
		want  int
	}{
		{"capture", session.NewLocal(), 1},
		{"already captured elsewhere", &lostRaceStore{}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
			svc := New(Config{BaseURL: "http://proxy.test", StitchURL: o.URL + "/ad/master.m3u8"},
				fetch.New(time.Second, testLogger()), tt.store, logger)

			svc.StartStitching(ctx)
			if _, err := svc.Media(ctx, o.URL+"/content/hi/index.m3u8", ""); err != nil {
				t.Fatalf("Media() error = %v", err)
			}
			// A second request must not log another capture.
			svc.Media(ctx, o.URL+"/content/hi/index.m3u8", o.URL+"/ad/a3/index.m3u8")

			if got := strings.Count(buf.String(), "stitch point captured"); got != tt.want {
				t.Errorf("logged %d captures, want %d:\n%s", got, tt.want, buf.String())
			}
		})
	}
}

func TestMedia_ObserveFailureServesContent(t *testing.T) {
	o := newOrigin(t)
	store := &failingStore{}
	svc := New(Config{BaseURL: "http://proxy.test", StitchURL: o.URL + "/ad/master.m3u8"},
		fetch.New(time.Second, testLogger()), store, testLogger())
	ctx := context.Background()

	svc.StartStitching(ctx)
	p, err := svc.Media(ctx, o.URL+"/content/hi/index.m3u8", "")
	if err != nil {
		t.Fatalf("Media() error = %v", err)
	}
	if len(p.Segments()) != 5 {
		t.Errorf("got %d segments, want 5", len(p.Segments()))
	}
	if svc.Session().Phase != session.WaitingToStitch {
		t.Errorf("phase = %v, want WaitingToStitch", svc.Session().Phase)
	}
}

func TestLive(t *testing.T) {
	o := newOrigin(t)
	svc := newService(t, o, "http://proxy.test")
	ctx := context.Background()

	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	if _, err := svc.LiveMaster(ctx, ""); !errors.Is(err, ErrLiveURLNotSet) {
		t.Fatalf("LiveMaster() error = %v, want ErrLiveURLNotSet", err)
	}

	svc.StartLive(o.URL + "/content/master.m3u8")
	now = now.Add(25 * time.Second)

	master, err := svc.LiveMaster(ctx, "")
	if err != nil {
		t.Fatalf("LiveMaster() error = %v", err)
	}
	want := "http://proxy.test/live/media?content=" + url.QueryEscape(o.URL+"/content/hi/index.m3u8")
	if got := master.StreamInfs()[0].URI; got != want {
		t.Errorf("live master uri = %q, want %q", got, want)
	}

	media, err := svc.LiveMedia(ctx, o.URL+"/vod/index.m3u8")
	if err != nil {
		t.Fatalf("LiveMedia() error = %v", err)
	}
	if got := media.MediaSequence(); got != 2 {
		t.Errorf("MediaSequence() = %d, want 2", got)
	}
	segs := media.Segments()
	if len(segs) != playlist.LiveWindowSize || segs[0].URI != "v2.ts" {
		t.Errorf("window = %+v", segs)
	}
}

func TestLiveMaster_ExplicitContent(t *testing.T) {
	o := newOrigin(t)
	svc := newService(t, o, "http://proxy.test")

	p, err := svc.LiveMaster(context.Background(), o.URL+"/content/master.m3u8")
	if err != nil {
		t.Fatalf("LiveMaster() error = %v", err)
	}
	for _, inf := range p.StreamInfs() {
		if !strings.HasPrefix(inf.URI, "http://proxy.test/live/media?content=") {
			t.Errorf("uri not rewritten: %q", inf.URI)
		}
	}
}
