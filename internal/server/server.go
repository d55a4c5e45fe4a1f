package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agleyzer/hlsstitch/internal/metrics"
	"github.com/agleyzer/hlsstitch/internal/playlist"
	"github.com/agleyzer/hlsstitch/internal/service"
)

// HeaderRequestID carries the request id on requests and responses.
const HeaderRequestID = "X-Request-ID"

// Cluster reports the replication role of this node.
type Cluster interface {
	Role() string
	LeaderAddr() string
}

// Config holds the HTTP settings.
type Config struct {
	Port int
	// RateLimit is requests per minute per client IP; 0 disables limiting.
	RateLimit int
	// Cluster is nil when the session is not replicated.
	Cluster Cluster
}

// Server serves the stitched playlists over HTTP.
type Server struct {
	service    *service.Service
	config     Config
	logger     *slog.Logger
	httpServer *http.Server
}

// New creates a new HTTP server
func New(svc *service.Service, config Config, logger *slog.Logger) *Server {
	return &Server{
		service: svc,
		config:  config,
		logger:  logger,
	}
}

// Handler returns the router with all middleware applied.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestID)
	r.Use(s.loggingMiddleware)
	if s.config.RateLimit > 0 {
		r.Use(httprate.Limit(
			s.config.RateLimit,
			time.Minute,
			httprate.WithKeyFuncs(httprate.KeyByIP),
			httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Retry-After", "60")
				http.Error(w, "too many requests", http.StatusTooManyRequests)
			}),
		))
	}

	r.Get("/master", s.handleMaster)
	r.Get("/media", s.handleMedia)
	r.Post("/start-stitching", s.handleStartStitching)
	r.Route("/live", func(r chi.Router) {
		r.Post("/start", s.handleStartLive)
		r.Get("/master", s.handleLiveMaster)
		r.Get("/media", s.handleLiveMedia)
	})
	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	return r
}

// Start starts the HTTP server
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "port", s.config.Port)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// Graceful shutdown
	s.logger.Info("shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.httpServer.Shutdown(shutdownCtx)
}

func (s *Server) handleMaster(w http.ResponseWriter, r *http.Request) {
	content := r.URL.Query().Get("content")
	if content == "" {
		http.Error(w, "missing content parameter", http.StatusBadRequest)
		return
	}

	p, err := s.service.Master(r.Context(), content)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writePlaylist(w, p)
}

func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	content, stitch := q.Get("content"), q.Get("stitch")
	if content == "" || stitch == "" {
		http.Error(w, "missing content or stitch parameter", http.StatusBadRequest)
		return
	}

	p, err := s.service.Media(r.Context(), content, stitch)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writePlaylist(w, p)
}

func (s *Server) handleStartStitching(w http.ResponseWriter, r *http.Request) {
	if _, err := s.service.StartStitching(r.Context()); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type startLiveRequest struct {
	LiveURL string `json:"liveURL"`
}

func (s *Server) handleStartLive(w http.ResponseWriter, r *http.Request) {
	var req startLiveRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.LiveURL == "" {
		http.Error(w, "missing liveURL", http.StatusBadRequest)
		return
	}

	s.service.StartLive(req.LiveURL)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleLiveMaster(w http.ResponseWriter, r *http.Request) {
	p, err := s.service.LiveMaster(r.Context(), r.URL.Query().Get("content"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writePlaylist(w, p)
}

func (s *Server) handleLiveMedia(w http.ResponseWriter, r *http.Request) {
	content := r.URL.Query().Get("content")
	if content == "" {
		http.Error(w, "missing content parameter", http.StatusBadRequest)
		return
	}

	p, err := s.service.LiveMedia(r.Context(), content)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writePlaylist(w, p)
}

// handleHealth serves health check information
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	state := s.service.Session()

	health := map[string]interface{}{
		"status": "ok",
		"session": map[string]interface{}{
			"phase":         state.Phase.String(),
			"sequence":      state.Sequence,
			"discontinuity": state.Discontinuity,
		},
	}
	if s.config.Cluster != nil {
		health["cluster"] = map[string]interface{}{
			"role":   s.config.Cluster.Role(),
			"leader": s.config.Cluster.LeaderAddr(),
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(health)
}

func (s *Server) writePlaylist(w http.ResponseWriter, p *playlist.Playlist) {
	// Set HLS-specific headers
	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	w.WriteHeader(http.StatusOK)
	w.Write(playlist.Generate(p))
}

// fail logs err and writes a generic error. Players never get a partial manifest.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.Error("request failed",
		"path", r.URL.Path,
		"request_id", w.Header().Get(HeaderRequestID),
		"error", err)
	http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
}

// requestID tags every request with an id, reusing the caller's if present.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderRequestID)
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set(HeaderRequestID, id)
		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs HTTP requests and records their metrics
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Wrap the response writer to capture status code
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		metrics.ObserveRequest(route, wrapped.statusCode, duration)

		s.logger.Info("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"remote", r.RemoteAddr,
			"status", wrapped.statusCode,
			"duration", duration,
			"request_id", w.Header().Get(HeaderRequestID),
		)
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
