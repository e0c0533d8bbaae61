// telemetry-relay samples heart rate and location, publishes them to an MQTT
// broker at most once per second, and keeps undeliverable payloads in a local
// fallback store. Off-device it runs against simulated sensors.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/illmade-knight/go-telemetry-relay/pkg/broker"
	"github.com/illmade-knight/go-telemetry-relay/pkg/config"
	"github.com/illmade-knight/go-telemetry-relay/pkg/device"
	"github.com/illmade-knight/go-telemetry-relay/pkg/fallback"
	"github.com/illmade-knight/go-telemetry-relay/pkg/publisher"
	"github.com/illmade-knight/go-telemetry-relay/pkg/sources"
	"github.com/illmade-knight/go-telemetry-relay/pkg/statusserver"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"gopkg.in/natefinch/lumberjack.v2"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flagSet := pflag.NewFlagSet("telemetry-relay", pflag.ContinueOnError)
	config.RegisterFlags(flagSet)
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load(flagSet)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, closeLog, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deviceID, err := device.Resolve(cfg.Device.ID, cfg.Device.IDFile)
	if err != nil {
		return fmt.Errorf("failed to resolve device id: %w", err)
	}
	logger = logger.With().Str("device", deviceID).Logger()

	store, err := fallback.Open(ctx, cfg.Fallback, logger)
	if err != nil {
		return fmt.Errorf("failed to open fallback store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close fallback store.")
		}
	}()

	conn, err := broker.NewConnection(cfg.Broker, nil, nil, logger)
	if err != nil {
		return fmt.Errorf("failed to create broker connection: %w", err)
	}

	var sensor sources.HeartRateSensor
	if !cfg.Simulation.DisableHeartRate {
		sensor = &sources.SimulatedHeartRateSensor{Interval: cfg.HeartRate.Interval}
	}
	provider := &sources.SimulatedLocationProvider{
		Latitude:  cfg.Simulation.Latitude,
		Longitude: cfg.Simulation.Longitude,
		Step:      cfg.Simulation.Step,
		Denied:    cfg.Simulation.DenyLocation,
	}
	srcs := []sources.Source{
		sources.NewHeartRateSource(sensor, nil, logger),
		sources.NewLocationSource(provider, cfg.Location, nil, logger),
	}

	pub, err := publisher.NewPublisher(publisher.Config{
		DeviceID:          deviceID,
		MinInterval:       cfg.Publisher.MinInterval,
		TimestampLocation: cfg.Publisher.TimestampLocation,
	}, conn, store, srcs, nil, logger)
	if err != nil {
		return fmt.Errorf("failed to create publisher: %w", err)
	}

	pub.Subscribe(publisher.StatusNotifierFunc(func(e publisher.StatusEvent) {
		ev := logger.Info()
		if e.Label == publisher.LabelError {
			ev = logger.Error().Err(e.Err)
		}
		ev.Str("status", string(e.Label)).Msg("Connection status")
	}))

	var status *statusserver.Server
	if cfg.Status.HTTPAddr != "" {
		status = statusserver.New(cfg.Status.HTTPAddr, logger).
			WithStats(pub.Stats).
			WithBacklog(store.Count)
		pub.Subscribe(status)
		if err := status.Start(); err != nil {
			return fmt.Errorf("failed to start status server: %w", err)
		}
	}

	if err := pub.Start(ctx); err != nil {
		return fmt.Errorf("failed to start publisher: %w", err)
	}

	<-ctx.Done()
	logger.Info().Msg("Shutdown signal received.")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := pub.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Publisher did not stop cleanly.")
	}
	if status != nil {
		_ = status.Shutdown(shutdownCtx)
	}
	return nil
}

// newLogger writes human-readable output to stderr and, when a log file is
// configured, JSON lines to a rotated file as well.
func newLogger(cfg config.LogConfig) (zerolog.Logger, func(), error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Nop(), nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	var out io.Writer = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	closeFn := func() {}
	if cfg.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			Compress:   true,
		}
		out = zerolog.MultiLevelWriter(out, rotator)
		closeFn = func() { _ = rotator.Close() }
	}

	logger := zerolog.New(out).Level(level).With().Timestamp().Str("service", "telemetry-relay").Logger()
	return logger, closeFn, nil
}
