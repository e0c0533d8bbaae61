package publisher_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/illmade-knight/go-telemetry-relay/pkg/broker"
	"github.com/illmade-knight/go-telemetry-relay/pkg/publisher"
	"github.com/illmade-knight/go-telemetry-relay/pkg/types"
)

// --- MockBroker ---

type MockBroker struct {
	state atomic.Int32

	mu           sync.Mutex
	listeners    []func(broker.StateChange)
	payloads     [][]byte
	publishErr   error
	publishDelay time.Duration
	connectCalls int
	closeCalls   int

	active    atomic.Int32
	maxActive atomic.Int32
}

func NewMockBroker(state broker.ConnectionState) *MockBroker {
	b := &MockBroker{}
	b.state.Store(int32(state))
	return b
}

func (b *MockBroker) Connect() {
	b.mu.Lock()
	b.connectCalls++
	b.mu.Unlock()
}

func (b *MockBroker) Publish(_ context.Context, payload []byte) error {
	n := b.active.Add(1)
	defer b.active.Add(-1)
	for {
		peak := b.maxActive.Load()
		if n <= peak || b.maxActive.CompareAndSwap(peak, n) {
			break
		}
	}

	b.mu.Lock()
	delay := b.publishDelay
	err := b.publishErr
	b.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	if broker.ConnectionState(b.state.Load()) != broker.Connected {
		return broker.ErrNotConnected
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.payloads = append(b.payloads, append([]byte(nil), payload...))
	return err
}

func (b *MockBroker) State() broker.ConnectionState {
	return broker.ConnectionState(b.state.Load())
}

func (b *MockBroker) OnStateChange(fn func(broker.StateChange)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, fn)
}

func (b *MockBroker) Close() {
	b.mu.Lock()
	b.closeCalls++
	b.mu.Unlock()
	if b.State() != broker.Disconnected {
		b.Transition(broker.Disconnected, nil)
	}
}

// Transition moves the mock to a new state and notifies listeners the way
// broker.Connection does.
func (b *MockBroker) Transition(to broker.ConnectionState, err error) {
	from := b.State()
	b.state.Store(int32(to))
	b.mu.Lock()
	listeners := append([]func(broker.StateChange){}, b.listeners...)
	b.mu.Unlock()
	for _, fn := range listeners {
		fn(broker.StateChange{From: from, To: to, Err: err, At: time.Now()})
	}
}

func (b *MockBroker) Payloads() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.payloads))
	for i, p := range b.payloads {
		out[i] = string(p)
	}
	return out
}

func (b *MockBroker) SetPublishErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishErr = err
}

// --- MockStore ---

type MockStore struct {
	mu        sync.Mutex
	records   []types.FallbackRecord
	appendErr error
}

func (s *MockStore) Append(_ context.Context, record types.FallbackRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return s.appendErr
	}
	s.records = append(s.records, record)
	return nil
}

func (s *MockStore) Count(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records), nil
}

func (s *MockStore) Close() error { return nil }

func (s *MockStore) Records() []types.FallbackRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.FallbackRecord(nil), s.records...)
}

var errStoreFull = errors.New("no space left on device")

// --- MockSource ---

type MockSource struct {
	name     string
	mu       sync.Mutex
	emit     func(types.Sample)
	startErr error
	stopped  bool
}

func (s *MockSource) Name() string { return s.name }

func (s *MockSource) Start(_ context.Context, emit func(types.Sample)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startErr != nil {
		return s.startErr
	}
	s.emit = emit
	return nil
}

func (s *MockSource) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
}

func (s *MockSource) Emit(sample types.Sample) {
	s.mu.Lock()
	emit := s.emit
	s.mu.Unlock()
	emit(sample)
}

func (s *MockSource) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// --- Status recorder ---

type statusRecorder struct {
	mu     sync.Mutex
	events []publisher.StatusEvent
}

func (r *statusRecorder) NotifyStatus(e publisher.StatusEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *statusRecorder) Labels() []publisher.StatusLabel {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]publisher.StatusLabel, len(r.events))
	for i, e := range r.events {
		out[i] = e.Label
	}
	return out
}
