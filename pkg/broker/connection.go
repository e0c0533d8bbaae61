package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// QoS is requested for every publish and for the topic subscription.
const QoS byte = 1

// disconnectQuiesce is the grace period, in milliseconds, paho gets to finish
// in-flight work on Disconnect.
const disconnectQuiesce = 250

var (
	// ErrNotConnected is returned by Publish when the state is not Connected.
	// Callers are expected to check State first and route elsewhere.
	ErrNotConnected     = errors.New("broker connection is not connected")
	ErrConnectTimeout   = errors.New("timed out connecting to broker")
	ErrPublishTimeout   = errors.New("timed out waiting for publish acknowledgement")
	ErrSubscribeTimeout = errors.New("timed out subscribing to topic")
)

// ClientFactory builds the paho client from prepared options. Tests substitute
// a mock client here.
type ClientFactory func(opts *mqtt.ClientOptions) mqtt.Client

// Connection owns a single MQTT session and its state machine. Paho's own
// auto-reconnect is disabled: after a failed attempt or a lost connection the
// Connection schedules exactly one retry after Config.ReconnectDelay, forever.
type Connection struct {
	cfg    Config
	client mqtt.Client
	clock  clockwork.Clock
	logger zerolog.Logger

	// state is read lock-free by Publish and State; it is only written under mu.
	state atomic.Int32

	mu        sync.Mutex
	retry     clockwork.Timer
	attempt   uint64
	closed    bool
	listeners []func(StateChange)
}

// NewConnection prepares a Connection in the Disconnected state. It does not
// dial until Connect is called. A nil factory uses mqtt.NewClient and a nil
// clock uses the real clock.
func NewConnection(cfg Config, factory ClientFactory, clk clockwork.Clock, logger zerolog.Logger) (*Connection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid broker config: %w", err)
	}
	if factory == nil {
		factory = mqtt.NewClient
	}
	if clk == nil {
		clk = clockwork.NewRealClock()
	}

	c := &Connection{
		cfg:    cfg,
		clock:  clk,
		logger: logger.With().Str("component", "BrokerConnection").Str("broker", cfg.URL).Logger(),
	}
	opts, err := c.createMqttOptions()
	if err != nil {
		return nil, err
	}
	c.client = factory(opts)
	return c, nil
}

// OnStateChange registers fn to be called on every transition, in order.
// fn runs while the Connection holds its transition lock: it may call State
// but must not call Connect, Disconnect or Close.
func (c *Connection) OnStateChange(fn func(StateChange)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// State returns the current connection state.
func (c *Connection) State() ConnectionState {
	return ConnectionState(c.state.Load())
}

// Connect begins an asynchronous connection attempt. It is a no-op while an
// attempt is in flight, while connected, or after Close.
func (c *Connection) Connect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectLocked()
}

func (c *Connection) connectLocked() {
	if c.closed {
		c.logger.Debug().Msg("Connect called after Close, ignoring.")
		return
	}
	switch c.State() {
	case Connecting, Connected:
		return
	}

	c.stopRetryLocked()
	c.attempt++
	attempt := c.attempt
	if !c.transitionLocked(Connecting, nil) {
		return
	}

	c.logger.Info().Uint64("attempt", attempt).Msg("Attempting to connect to MQTT broker...")
	token := c.client.Connect()
	go c.awaitConnect(token, attempt)
}

// awaitConnect resolves a single attempt into Connected or Failed.
func (c *Connection) awaitConnect(token mqtt.Token, attempt uint64) {
	// Paho enforces ConnectTimeout itself; the extra second lets its own error surface first.
	err := waitToken(token, c.cfg.ConnectTimeout+time.Second, ErrConnectTimeout)

	c.mu.Lock()
	if attempt != c.attempt || c.State() != Connecting {
		// Disconnect or Close ran while we were waiting.
		c.mu.Unlock()
		if err == nil {
			c.client.Disconnect(disconnectQuiesce)
		}
		return
	}
	if err != nil {
		c.logger.Error().Err(err).Uint64("attempt", attempt).Msg("Failed to connect to MQTT broker.")
		c.transitionLocked(Failed, err)
		c.scheduleRetryLocked()
		c.mu.Unlock()
		return
	}
	c.logger.Info().Uint64("attempt", attempt).Msg("Connected to MQTT broker.")
	c.transitionLocked(Connected, nil)
	c.mu.Unlock()

	c.subscribe()
}

// subscribe (re-)establishes the topic subscription. Failure is logged only:
// the relay publishes and never depends on inbound messages.
func (c *Connection) subscribe() {
	token := c.client.Subscribe(c.cfg.Topic, QoS, c.handleInbound)
	if err := waitToken(token, c.cfg.SubscribeTimeout, ErrSubscribeTimeout); err != nil {
		c.logger.Error().Err(err).Str("topic", c.cfg.Topic).Msg("Failed to subscribe to MQTT topic.")
		return
	}
	c.logger.Info().Str("topic", c.cfg.Topic).Msg("Successfully subscribed to MQTT topic.")
}

func (c *Connection) handleInbound(_ mqtt.Client, msg mqtt.Message) {
	c.logger.Debug().Str("topic", msg.Topic()).Int("bytes", len(msg.Payload())).Msg("Received MQTT message")
}

// handleConnectionLost is paho's connection-lost callback.
func (c *Connection) handleConnectionLost(_ mqtt.Client, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.State() != Connected {
		return
	}
	c.logger.Error().Err(err).Msg("Lost MQTT connection.")
	if c.transitionLocked(Reconnecting, err) {
		c.scheduleRetryLocked()
	}
}

// Publish sends payload to the configured topic with QoS 1 and waits for the
// acknowledgement. It declines with ErrNotConnected unless the state is
// Connected, and never retries on its own.
func (c *Connection) Publish(ctx context.Context, payload []byte) error {
	if c.State() != Connected {
		return ErrNotConnected
	}

	token := c.client.Publish(c.cfg.Topic, QoS, false, payload)
	timer := c.clock.NewTimer(c.cfg.PublishTimeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("failed to publish to %s: %w", c.cfg.Topic, err)
		}
		return nil
	case <-timer.Chan():
		return ErrPublishTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect cancels any pending retry and moves to Disconnected. It is safe
// to call repeatedly and before any Connect.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	c.stopRetryLocked()
	// Invalidate any attempt still waiting on its token.
	c.attempt++
	if c.State() != Disconnected {
		c.transitionLocked(Disconnected, nil)
	}
	c.mu.Unlock()

	if c.client.IsConnected() {
		c.client.Disconnect(disconnectQuiesce)
		c.logger.Info().Msg("Paho MQTT client disconnected.")
	}
}

// Close disconnects and prevents any further connection attempts.
func (c *Connection) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.Disconnect()
}

func (c *Connection) scheduleRetryLocked() {
	if c.closed {
		return
	}
	c.logger.Info().Dur("delay", c.cfg.ReconnectDelay).Msg("Scheduling MQTT reconnect.")
	generation := c.attempt
	c.retry = c.clock.AfterFunc(c.cfg.ReconnectDelay, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		// A Disconnect or manual Connect since scheduling owns the connection now.
		if generation != c.attempt {
			return
		}
		c.logger.Debug().Msg("Retrying MQTT connection...")
		c.connectLocked()
	})
}

func (c *Connection) stopRetryLocked() {
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
}

// transitionLocked applies a state change and notifies listeners. Illegal
// edges are refused and logged.
func (c *Connection) transitionLocked(to ConnectionState, err error) bool {
	from := c.State()
	if !canTransition(from, to) {
		c.logger.Warn().Stringer("from", from).Stringer("to", to).Msg("Refusing illegal connection state transition.")
		return false
	}
	c.state.Store(int32(to))

	change := StateChange{From: from, To: to, Err: err, Attempt: c.attempt, At: c.clock.Now()}
	c.logger.Debug().Stringer("from", from).Stringer("to", to).Msg("Connection state changed.")
	for _, fn := range c.listeners {
		fn(change)
	}
	return true
}

// createMqttOptions assembles the paho client options from the config.
func (c *Connection) createMqttOptions() (*mqtt.ClientOptions, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(c.cfg.URL)
	opts.SetClientID(c.cfg.ClientIDPrefix + uuid.NewString()[:8])
	opts.SetUsername(c.cfg.Username)
	opts.SetPassword(c.cfg.Password)
	opts.SetKeepAlive(c.cfg.KeepAlive)
	opts.SetConnectTimeout(c.cfg.ConnectTimeout)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetOrderMatters(false)
	opts.SetConnectionLostHandler(c.handleConnectionLost)

	if c.cfg.usesTLS() {
		tlsConfig, err := newTLSConfig(c.cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create TLS config: %w", err)
		}
		opts.SetTLSConfig(tlsConfig)
		c.logger.Info().Msg("TLS configured for MQTT client.")
	}
	return opts, nil
}

func waitToken(token mqtt.Token, timeout time.Duration, timeoutErr error) error {
	if !token.WaitTimeout(timeout) {
		return timeoutErr
	}
	return token.Error()
}
