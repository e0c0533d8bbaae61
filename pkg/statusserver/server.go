package statusserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/illmade-knight/go-telemetry-relay/pkg/publisher"
	"github.com/rs/zerolog"
)

// Server exposes the relay's connection status over HTTP. It is a
// publisher.StatusNotifier, so the host can subscribe it like any other UI.
type Server struct {
	logger     zerolog.Logger
	addr       string
	router     chi.Router
	httpServer *http.Server

	mu         sync.RWMutex
	actualAddr string
	last       publisher.StatusEvent
	statsFn    func() publisher.Stats
	backlogFn  func(ctx context.Context) (int, error)
}

// New creates a Server listening on addr once Start is called.
func New(addr string, logger zerolog.Logger) *Server {
	s := &Server{
		logger: logger.With().Str("component", "StatusServer").Logger(),
		addr:   addr,
		last:   publisher.StatusEvent{Label: publisher.LabelDisconnected},
	}

	r := chi.NewRouter()
	r.Get("/healthz", HealthzHandler)
	r.Get("/status", s.handleStatus)
	s.router = r
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// WithStats attaches a publisher stats snapshot to /status.
func (s *Server) WithStats(fn func() publisher.Stats) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statsFn = fn
	return s
}

// WithBacklog attaches a count of locally stored payloads to /status.
func (s *Server) WithBacklog(fn func(ctx context.Context) (int, error)) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backlogFn = fn
	return s
}

// NotifyStatus records the latest connection status.
func (s *Server) NotifyStatus(event publisher.StatusEvent) {
	s.mu.Lock()
	s.last = event
	s.mu.Unlock()
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start initiates the HTTP server in a background goroutine.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	s.mu.Lock()
	s.actualAddr = listener.Addr().String()
	s.mu.Unlock()

	s.logger.Info().Str("address", s.actualAddr).Msg("Status server starting to listen")

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Status server failed")
		}
	}()
	return nil
}

// Shutdown gracefully stops the HTTP server, respecting the context's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down status server...")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Error during status server shutdown.")
		return err
	}
	s.logger.Info().Msg("Status server stopped.")
	return nil
}

// Addr returns the address the server is listening on, or the configured
// address before Start.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.actualAddr == "" {
		return s.addr
	}
	return s.actualAddr
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Label     string     `json:"label"`
	State     string     `json:"state"`
	Error     string     `json:"error,omitempty"`
	Refused   bool       `json:"refused,omitempty"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
	Backlog   *int       `json:"backlog,omitempty"`
	Stats     *StatsView `json:"stats,omitempty"`
}

// StatsView is the JSON form of publisher.Stats.
type StatsView struct {
	SamplesReceived  uint64     `json:"samples_received"`
	Cycles           uint64     `json:"cycles"`
	Throttled        uint64     `json:"throttled"`
	Published        uint64     `json:"published"`
	PublishFailed    uint64     `json:"publish_failed"`
	FallbackAppended uint64     `json:"fallback_appended"`
	FallbackDropped  uint64     `json:"fallback_dropped"`
	LastPublishAt    *time.Time `json:"last_publish_at,omitempty"`
	HeartRate        *float32   `json:"heart_rate,omitempty"`
	Latitude         *float64   `json:"latitude,omitempty"`
	Longitude        *float64   `json:"longitude,omitempty"`
}

func newStatsView(st publisher.Stats) *StatsView {
	v := &StatsView{
		SamplesReceived:  st.SamplesReceived,
		Cycles:           st.Cycles,
		Throttled:        st.Throttled,
		Published:        st.Published,
		PublishFailed:    st.PublishFailed,
		FallbackAppended: st.FallbackAppended,
		FallbackDropped:  st.FallbackDropped,
	}
	if !st.LastPublishAt.IsZero() {
		at := st.LastPublishAt
		v.LastPublishAt = &at
	}
	if st.HeartRate != nil {
		bpm := st.HeartRate.BPM
		v.HeartRate = &bpm
	}
	if st.Location != nil {
		lat, lon := st.Location.Latitude, st.Location.Longitude
		v.Latitude, v.Longitude = &lat, &lon
	}
	return v
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	last := s.last
	statsFn := s.statsFn
	backlogFn := s.backlogFn
	s.mu.RUnlock()

	resp := StatusResponse{
		Label: string(last.Label),
		State: last.State.String(),
	}
	if last.Err != nil {
		resp.Error = last.Err.Error()
	}
	resp.Refused = last.Refused
	if !last.At.IsZero() {
		at := last.At
		resp.UpdatedAt = &at
	}
	if statsFn != nil {
		resp.Stats = newStatsView(statsFn())
	}
	if backlogFn != nil {
		n, err := backlogFn(r.Context())
		if err != nil {
			s.logger.Warn().Err(err).Msg("Failed to count stored payloads.")
		} else {
			resp.Backlog = &n
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error().Err(err).Msg("Failed to write status response.")
	}
}

// HealthzHandler responds to health check probes.
func HealthzHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
