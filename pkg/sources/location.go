package sources

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/illmade-knight/go-telemetry-relay/pkg/types"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// DefaultLocationInterval is how often a LocationSource asks for a fix.
const DefaultLocationInterval = 5 * time.Second

// LocationProvider is the host's positioning service. CurrentLocation returns
// ErrSourceUnavailable if permission is missing, and ErrNoFix if no position
// is known yet.
type LocationProvider interface {
	CurrentLocation(ctx context.Context, highAccuracy bool) (lat, lon float64, err error)
}

// LocationConfig configures a LocationSource.
type LocationConfig struct {
	Interval     time.Duration
	HighAccuracy bool
}

// LocationSource requests a fix from a LocationProvider at a fixed interval.
type LocationSource struct {
	provider LocationProvider
	cfg      LocationConfig
	clock    clockwork.Clock
	logger   zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewLocationSource wraps provider. A nil provider yields a source that never emits.
func NewLocationSource(provider LocationProvider, cfg LocationConfig, clk clockwork.Clock, logger zerolog.Logger) *LocationSource {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultLocationInterval
	}
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	return &LocationSource{
		provider: provider,
		cfg:      cfg,
		clock:    clk,
		logger:   logger.With().Str("component", "LocationSource").Logger(),
	}
}

func (s *LocationSource) Name() string { return "location" }

// Start launches the polling loop.
func (s *LocationSource) Start(ctx context.Context, emit func(types.Sample)) error {
	if emit == nil {
		return fmt.Errorf("location source: emit callback is required")
	}
	if s.provider == nil {
		s.logger.Warn().Err(ErrSourceUnavailable).Msg("No location provider present, location will not be reported.")
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return fmt.Errorf("location source already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.logger.Info().
		Dur("interval", s.cfg.Interval).
		Bool("high_accuracy", s.cfg.HighAccuracy).
		Msg("Location monitoring started.")
	s.wg.Add(1)
	go s.poll(loopCtx, emit)
	return nil
}

func (s *LocationSource) poll(ctx context.Context, emit func(types.Sample)) {
	defer s.wg.Done()
	ticker := s.clock.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			lat, lon, err := s.provider.CurrentLocation(ctx, s.cfg.HighAccuracy)
			switch {
			case err == nil:
				emit(types.Location{Latitude: lat, Longitude: lon, At: s.clock.Now()})
			case errors.Is(err, ErrSourceUnavailable):
				s.logger.Error().Err(err).Msg("Location permission not granted, location will not be reported.")
				return
			case errors.Is(err, ErrNoFix):
				s.logger.Warn().Msg("No location fix yet, skipping.")
			case ctx.Err() != nil:
				return
			default:
				s.logger.Warn().Err(err).Msg("Location request failed.")
			}
		}
	}
}

// Stop ends the polling loop and waits for it to exit.
func (s *LocationSource) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	s.logger.Info().Msg("Location monitoring stopped.")
}
