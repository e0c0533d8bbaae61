package sources

import (
	"context"
	"fmt"
	"sync"

	"github.com/illmade-knight/go-telemetry-relay/pkg/types"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// HeartRateSensor is the host's heart-rate hardware. Register delivers each
// reading to listener on the sensor's own callback goroutine until unregister
// is called. It returns ErrSourceUnavailable when no sensor is present.
type HeartRateSensor interface {
	Register(listener func(bpm float32)) (unregister func(), err error)
}

// HeartRateSource adapts a HeartRateSensor into a Source.
type HeartRateSource struct {
	sensor HeartRateSensor
	clock  clockwork.Clock
	logger zerolog.Logger

	mu         sync.Mutex
	unregister func()
}

// NewHeartRateSource wraps sensor. A nil sensor yields a source that never emits.
func NewHeartRateSource(sensor HeartRateSensor, clk clockwork.Clock, logger zerolog.Logger) *HeartRateSource {
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	return &HeartRateSource{
		sensor: sensor,
		clock:  clk,
		logger: logger.With().Str("component", "HeartRateSource").Logger(),
	}
}

func (s *HeartRateSource) Name() string { return "heart_rate" }

// Start registers with the sensor. An unavailable sensor is logged once and
// is not an error.
func (s *HeartRateSource) Start(_ context.Context, emit func(types.Sample)) error {
	if emit == nil {
		return fmt.Errorf("heart rate source: emit callback is required")
	}
	if s.sensor == nil {
		s.logger.Warn().Err(ErrSourceUnavailable).Msg("No heart rate sensor present, heart rate will not be reported.")
		return nil
	}

	unregister, err := s.sensor.Register(func(bpm float32) {
		emit(types.HeartRate{BPM: bpm, At: s.clock.Now()})
	})
	if err != nil {
		s.logger.Warn().Err(err).Msg("Heart rate sensor unavailable, heart rate will not be reported.")
		return nil
	}

	s.mu.Lock()
	s.unregister = unregister
	s.mu.Unlock()
	s.logger.Info().Msg("Heart rate monitoring started.")
	return nil
}

// Stop releases the sensor registration.
func (s *HeartRateSource) Stop() {
	s.mu.Lock()
	unregister := s.unregister
	s.unregister = nil
	s.mu.Unlock()

	if unregister != nil {
		unregister()
		s.logger.Info().Msg("Heart rate monitoring stopped.")
	}
}
