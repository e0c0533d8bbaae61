package publisher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/illmade-knight/go-telemetry-relay/pkg/broker"
	"github.com/illmade-knight/go-telemetry-relay/pkg/fallback"
	"github.com/illmade-knight/go-telemetry-relay/pkg/sources"
	"github.com/illmade-knight/go-telemetry-relay/pkg/types"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Broker is the connection the publisher drives. *broker.Connection satisfies it.
type Broker interface {
	Connect()
	Publish(ctx context.Context, payload []byte) error
	State() broker.ConnectionState
	OnStateChange(fn func(broker.StateChange))
	Close()
}

// Config holds configuration for a Publisher.
type Config struct {
	// DeviceID is sent as "device" in every payload.
	DeviceID string
	// MinInterval is the minimum spacing between publish cycles. Defaults to one second.
	MinInterval time.Duration
	// TimestampLocation is the zone payload timestamps are rendered in. Defaults to time.Local.
	TimestampLocation *time.Location
	// AppendTimeout bounds a single fallback store append. Defaults to five seconds.
	AppendTimeout time.Duration
}

// Publisher is the telemetry pipeline. Samples from every source land in a
// coalescing mailbox; one worker goroutine owns the TelemetryState, runs the
// rate-limited publish cycle and forwards connection status to notifiers, so
// state is never read half-updated and publish cycles never overlap.
type Publisher struct {
	cfg     Config
	broker  Broker
	store   fallback.Store
	sources []sources.Source
	clock   clockwork.Clock
	limiter *rate.Limiter
	logger  zerolog.Logger

	pendingMu sync.Mutex
	pending   types.TelemetryState
	wake      chan struct{}

	statusCh chan broker.StateChange

	notifiersMu sync.Mutex
	notifiers   map[int]StatusNotifier
	nextID      int

	// state is owned by the worker goroutine.
	state types.TelemetryState

	statsMu sync.Mutex
	stats   Stats

	// running is set once the worker goroutine has been launched.
	running atomic.Bool

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool
	cancel      context.CancelFunc
	workerDone  chan struct{}
}

// NewPublisher wires a Publisher to its broker, fallback store and sources.
// It does nothing until Start is called.
func NewPublisher(
	cfg Config,
	conn Broker,
	store fallback.Store,
	srcs []sources.Source,
	clk clockwork.Clock,
	logger zerolog.Logger,
) (*Publisher, error) {
	if conn == nil {
		return nil, errors.New("broker cannot be nil")
	}
	if store == nil {
		return nil, errors.New("fallback store cannot be nil")
	}
	if cfg.DeviceID == "" {
		return nil, errors.New("device id is required")
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = time.Second
	}
	if cfg.TimestampLocation == nil {
		cfg.TimestampLocation = time.Local
	}
	if cfg.AppendTimeout <= 0 {
		cfg.AppendTimeout = 5 * time.Second
	}
	if clk == nil {
		clk = clockwork.NewRealClock()
	}

	p := &Publisher{
		cfg:        cfg,
		broker:     conn,
		store:      store,
		sources:    srcs,
		clock:      clk,
		limiter:    rate.NewLimiter(rate.Every(cfg.MinInterval), 1),
		logger:     logger.With().Str("component", "TelemetryPublisher").Str("device", cfg.DeviceID).Logger(),
		wake:       make(chan struct{}, 1),
		statusCh:   make(chan broker.StateChange, 16),
		notifiers:  make(map[int]StatusNotifier),
		workerDone: make(chan struct{}),
	}
	p.stats.Status = StatusEvent{State: conn.State(), Label: LabelDisconnected}
	conn.OnStateChange(p.onStateChange)
	return p, nil
}

// Subscribe registers a StatusNotifier. The returned func removes it.
func (p *Publisher) Subscribe(n StatusNotifier) (unsubscribe func()) {
	p.notifiersMu.Lock()
	defer p.notifiersMu.Unlock()
	id := p.nextID
	p.nextID++
	p.notifiers[id] = n
	return func() {
		p.notifiersMu.Lock()
		defer p.notifiersMu.Unlock()
		delete(p.notifiers, id)
	}
}

// Start starts every source, launches the worker and begins connecting. A
// source that fails to start is reported to notifiers with the "Error" label.
func (p *Publisher) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	if p.started || p.stopped {
		p.lifecycleMu.Unlock()
		return errors.New("publisher already started")
	}
	p.started = true
	workerCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.lifecycleMu.Unlock()

	p.logger.Info().Dur("min_interval", p.cfg.MinInterval).Msg("Starting telemetry publisher...")

	for _, src := range p.sources {
		if err := src.Start(ctx, p.Submit); err != nil {
			err = fmt.Errorf("failed to start %s source: %w", src.Name(), err)
			p.logger.Error().Err(err).Msg("Telemetry publisher setup failed.")
			p.publishStatus(StatusEvent{State: p.broker.State(), Label: LabelError, Err: err, At: p.clock.Now()})

			cancel()
			p.lifecycleMu.Lock()
			p.started = false
			p.lifecycleMu.Unlock()
			_ = p.Stop(context.Background())
			return err
		}
		p.logger.Info().Str("source", src.Name()).Msg("Sample source started.")
	}

	p.running.Store(true)
	go p.worker(workerCtx)

	p.broker.Connect()
	p.logger.Info().Msg("Telemetry publisher started.")
	return nil
}

// Stop releases the sources, closes the broker connection (cancelling any
// pending reconnect) and waits for the worker to finish its current cycle.
func (p *Publisher) Stop(ctx context.Context) error {
	p.lifecycleMu.Lock()
	if p.stopped {
		p.lifecycleMu.Unlock()
		return p.waitWorker(ctx)
	}
	p.stopped = true
	started := p.started
	cancel := p.cancel
	p.lifecycleMu.Unlock()

	p.logger.Info().Msg("Stopping telemetry publisher...")
	for _, src := range p.sources {
		src.Stop()
	}
	// Close before stopping the worker so the final Disconnected status is forwarded.
	p.broker.Close()

	if !started {
		close(p.workerDone)
		return nil
	}
	cancel()
	return p.waitWorker(ctx)
}

func (p *Publisher) waitWorker(ctx context.Context) error {
	select {
	case <-p.workerDone:
		p.logger.Info().Msg("Telemetry publisher stopped.")
		return nil
	case <-ctx.Done():
		p.logger.Error().Err(ctx.Err()).Msg("Timeout waiting for publisher worker to finish.")
		return ctx.Err()
	}
}

// Submit hands a sample to the pipeline. It never blocks: the sample replaces
// any pending sample of the same kind and the worker is woken.
func (p *Publisher) Submit(sample types.Sample) {
	switch sample.(type) {
	case types.HeartRate, types.Location:
	default:
		p.logger.Warn().Msgf("Ignoring sample of unsupported type %T.", sample)
		return
	}

	p.pendingMu.Lock()
	p.pending.Apply(sample)
	p.pendingMu.Unlock()

	p.statsMu.Lock()
	p.stats.SamplesReceived++
	p.statsMu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// onStateChange runs on the broker's goroutine, under its transition lock, and
// funnels the change into the worker. Changes before the worker exists are dropped.
func (p *Publisher) onStateChange(change broker.StateChange) {
	if !p.running.Load() {
		p.logger.Debug().Stringer("state", change.To).Msg("Publisher not running, dropping connection status change.")
		return
	}
	select {
	case p.statusCh <- change:
	case <-p.workerDone:
	}
}

// worker is the single execution context for state mutation, publish cycles
// and status dispatch.
func (p *Publisher) worker(ctx context.Context) {
	defer close(p.workerDone)
	p.logger.Debug().Msg("Publisher worker started.")
	for {
		select {
		case <-ctx.Done():
			p.drainStatus()
			p.logger.Debug().Msg("Publisher worker shutting down.")
			return
		case <-p.wake:
			p.applyPending()
			p.runCycle()
		case change := <-p.statusCh:
			p.dispatchStatus(change)
		}
	}
}

func (p *Publisher) applyPending() {
	p.pendingMu.Lock()
	pending := p.pending
	p.pending = types.TelemetryState{}
	p.pendingMu.Unlock()

	if pending.HeartRate != nil {
		p.state.Apply(*pending.HeartRate)
	}
	if pending.Location != nil {
		p.state.Apply(*pending.Location)
	}
}

// runCycle performs one publish attempt if the rate limiter allows it. The
// payload goes to the broker when connected and to the fallback store otherwise.
func (p *Publisher) runCycle() {
	now := p.clock.Now()
	if !p.limiter.AllowN(now, 1) {
		p.updateStats(func(s *Stats) { s.Throttled++ })
		return
	}
	p.state.LastPublishAt = now
	payload := types.NewPayload(p.cfg.DeviceID, &p.state, now).Encode(p.cfg.TimestampLocation)
	p.updateStats(func(s *Stats) { s.Cycles++ })

	if p.broker.State() != broker.Connected {
		p.logger.Warn().Msg("Cannot publish, MQTT client not connected. Storing payload locally.")
		p.appendFallback(payload, types.ReasonNotConnected, now)
		return
	}

	if err := p.broker.Publish(context.Background(), payload); err != nil {
		reason := types.ReasonPublishFailed
		if errors.Is(err, broker.ErrNotConnected) {
			reason = types.ReasonNotConnected
		}
		p.logger.Error().Err(err).Msg("Failed to publish data.")
		p.updateStats(func(s *Stats) { s.PublishFailed++ })
		p.appendFallback(payload, reason, now)
		return
	}

	p.updateStats(func(s *Stats) { s.Published++ })
	p.logger.Debug().Bytes("payload", payload).Msg("Data published.")
}

// appendFallback stores the payload once. A failing store drops the payload;
// there is no second-level fallback.
func (p *Publisher) appendFallback(payload []byte, reason string, now time.Time) {
	record := types.NewFallbackRecord(payload, reason, now)
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.AppendTimeout)
	defer cancel()

	if err := p.store.Append(ctx, record); err != nil {
		p.logger.Error().Err(err).Str("record_id", record.ID).Msg("Failed to store payload locally, dropping it.")
		p.updateStats(func(s *Stats) { s.FallbackDropped++ })
		return
	}
	p.updateStats(func(s *Stats) { s.FallbackAppended++ })
	p.logger.Debug().Str("record_id", record.ID).Str("reason", reason).Msg("Payload saved locally.")
}

func (p *Publisher) dispatchStatus(change broker.StateChange) {
	p.publishStatus(newStatusEvent(change))
}

// publishStatus records event and hands it to every notifier. It runs on the
// worker, or on the caller of Start before the worker exists.
func (p *Publisher) publishStatus(event StatusEvent) {
	p.logger.Info().Stringer("state", event.State).Str("label", string(event.Label)).Msg("Connection status changed.")
	p.updateStats(func(s *Stats) { s.Status = event })

	p.notifiersMu.Lock()
	notifiers := make([]StatusNotifier, 0, len(p.notifiers))
	for _, n := range p.notifiers {
		notifiers = append(notifiers, n)
	}
	p.notifiersMu.Unlock()

	for _, n := range notifiers {
		n.NotifyStatus(event)
	}
}

func (p *Publisher) drainStatus() {
	for {
		select {
		case change := <-p.statusCh:
			p.dispatchStatus(change)
		default:
			return
		}
	}
}
