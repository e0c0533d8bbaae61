package publisher_test

import (
	"context"
	"encoding/json"
	"errors"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/illmade-knight/go-telemetry-relay/pkg/broker"
	"github.com/illmade-knight/go-telemetry-relay/pkg/publisher"
	"github.com/illmade-knight/go-telemetry-relay/pkg/sources"
	"github.com/illmade-knight/go-telemetry-relay/pkg/types"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type publisherFixture struct {
	pub    *publisher.Publisher
	broker *MockBroker
	store  *MockStore
	clock  *clockwork.FakeClock
	hr     *MockSource
	loc    *MockSource
}

// newTestPublisher is a helper to create a started Publisher with mocks for testing.
func newTestPublisher(t *testing.T, state broker.ConnectionState) *publisherFixture {
	t.Helper()
	f := &publisherFixture{
		broker: NewMockBroker(state),
		store:  &MockStore{},
		clock:  clockwork.NewFakeClockAt(epoch),
		hr:     &MockSource{name: "heart_rate"},
		loc:    &MockSource{name: "location"},
	}
	cfg := publisher.Config{
		DeviceID:          "abc123",
		MinInterval:       time.Second,
		TimestampLocation: time.UTC,
	}
	pub, err := publisher.NewPublisher(cfg, f.broker, f.store, []sources.Source{f.hr, f.loc}, f.clock, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, pub.Start(ctx))
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer stopCancel()
		_ = pub.Stop(stopCtx)
	})
	f.pub = pub
	return f
}

// waitForAttempts blocks until the worker has run n publish cycles.
func (f *publisherFixture) waitForAttempts(t *testing.T, n uint64) {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.pub.Stats().Cycles == n
	}, time.Second, 5*time.Millisecond, "expected %d publish cycles", n)
}

func location(lat, lon float64, at time.Time) types.Location {
	return types.Location{Latitude: lat, Longitude: lon, At: at}
}

func TestPublisher_EndToEndPayload(t *testing.T) {
	f := newTestPublisher(t, broker.Connected)

	f.loc.Emit(location(-6.2, 106.816666, epoch))

	require.Eventually(t, func() bool { return len(f.broker.Payloads()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t,
		`{"device": "abc123", "latitude": -6.200000, "longitude": 106.816666, "timestamp": "2024-01-01 00:00:00"}`,
		f.broker.Payloads()[0])
	assert.Empty(t, f.store.Records())
	assert.Equal(t, uint64(1), f.pub.Stats().Published)
}

func TestPublisher_LastValueWins(t *testing.T) {
	f := newTestPublisher(t, broker.Connected)

	f.loc.Emit(location(1, 1, epoch))
	f.waitForAttempts(t, 1)

	// These all land inside the throttled window.
	f.loc.Emit(location(2, 2, epoch))
	f.loc.Emit(location(3, 3, epoch))
	f.loc.Emit(location(4, 4, epoch))
	require.Eventually(t, func() bool {
		s := f.pub.Stats()
		return s.Location != nil && s.Location.Latitude == 4
	}, time.Second, 5*time.Millisecond)

	f.clock.Advance(time.Second)
	f.hr.Emit(types.HeartRate{BPM: 90, At: f.clock.Now()})
	f.waitForAttempts(t, 2)

	payloads := f.broker.Payloads()
	require.Len(t, payloads, 2)
	assert.Contains(t, payloads[1], `"latitude": 4.000000, "longitude": 4.000000`)
	assert.Contains(t, payloads[1], `"timestamp": "2024-01-01 00:00:01"`)
}

func TestPublisher_LatestReceivedWinsOverObservationTime(t *testing.T) {
	f := newTestPublisher(t, broker.Connected)

	f.loc.Emit(location(1, 1, epoch.Add(5*time.Second)))
	f.waitForAttempts(t, 1)

	f.clock.Advance(time.Second)
	// A cached fix arrives last but carries an earlier observation time.
	f.loc.Emit(location(2, 2, epoch))
	f.waitForAttempts(t, 2)

	payloads := f.broker.Payloads()
	require.Len(t, payloads, 2)
	assert.Contains(t, payloads[1], `"latitude": 2.000000, "longitude": 2.000000`)
}

func TestPublisher_RateLimit(t *testing.T) {
	f := newTestPublisher(t, broker.Connected)

	for i := 0; i < 50; i++ {
		f.hr.Emit(types.HeartRate{BPM: float32(60 + i), At: epoch})
	}
	f.waitForAttempts(t, 1)
	f.clock.Advance(999 * time.Millisecond)
	for i := 0; i < 50; i++ {
		f.loc.Emit(location(float64(i), float64(i), f.clock.Now()))
	}

	require.Eventually(t, func() bool {
		s := f.pub.Stats()
		return s.Location != nil && s.Location.Latitude == 49
	}, time.Second, 5*time.Millisecond, "all samples should be applied even when throttled")
	require.Never(t, func() bool { return f.pub.Stats().Cycles > 1 }, 50*time.Millisecond, 5*time.Millisecond)
	assert.Len(t, f.broker.Payloads(), 1)
	assert.Empty(t, f.store.Records())
	assert.Equal(t, uint64(100), f.pub.Stats().SamplesReceived)

	// The next window opens exactly one interval after the last publish.
	f.clock.Advance(time.Millisecond)
	f.hr.Emit(types.HeartRate{BPM: 70, At: f.clock.Now()})
	f.waitForAttempts(t, 2)
}

func TestPublisher_NoOverlappingPublish(t *testing.T) {
	b := NewMockBroker(broker.Connected)
	b.publishDelay = 2 * time.Millisecond
	hr := &MockSource{name: "heart_rate"}
	loc := &MockSource{name: "location"}

	pub, err := publisher.NewPublisher(
		publisher.Config{DeviceID: "abc123", MinInterval: time.Millisecond},
		b, &MockStore{}, []sources.Source{hr, loc}, clockwork.NewRealClock(), zerolog.Nop(),
	)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, pub.Start(ctx))

	done := make(chan struct{})
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				hr.Emit(types.HeartRate{BPM: 80, At: time.Now()})
				runtime.Gosched()
			}
		}()
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				loc.Emit(location(1, 2, time.Now()))
				runtime.Gosched()
			}
		}()
	}

	// Producers keep running until several cycles have overlapped with them.
	require.Eventually(t, func() bool {
		return pub.Stats().Cycles > 2
	}, 10*time.Second, 5*time.Millisecond)
	close(done)
	wg.Wait()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	require.NoError(t, pub.Stop(stopCtx))

	assert.Greater(t, len(b.Payloads()), 2)
	assert.Equal(t, int32(1), b.maxActive.Load(), "publish cycles must never overlap")
}

func TestPublisher_FallbackWhenNotConnected(t *testing.T) {
	states := []broker.ConnectionState{broker.Disconnected, broker.Connecting, broker.Reconnecting, broker.Failed}
	for _, state := range states {
		t.Run(state.String(), func(t *testing.T) {
			f := newTestPublisher(t, state)

			for i := 1; i <= 3; i++ {
				f.loc.Emit(location(float64(i), 0, f.clock.Now()))
				f.waitForAttempts(t, uint64(i))
				f.clock.Advance(time.Second)
			}

			records := f.store.Records()
			require.Len(t, records, 3, "every eligible cycle appends exactly once")
			assert.Empty(t, f.broker.Payloads(), "nothing may be published while not connected")
			for _, rec := range records {
				assert.Equal(t, types.ReasonNotConnected, rec.Reason)
			}
			assert.Contains(t, records[2].Payload, `"latitude": 3.000000`)
		})
	}
}

func TestPublisher_PublishFailureGoesToFallback(t *testing.T) {
	f := newTestPublisher(t, broker.Connected)
	f.broker.SetPublishErr(errors.New("broker rejected message"))

	f.loc.Emit(location(5, 6, epoch))
	f.waitForAttempts(t, 1)

	require.Eventually(t, func() bool { return len(f.store.Records()) == 1 }, time.Second, 5*time.Millisecond)
	rec := f.store.Records()[0]
	assert.Equal(t, types.ReasonPublishFailed, rec.Reason)
	assert.Equal(t, `{"device": "abc123", "latitude": 5.000000, "longitude": 6.000000, "timestamp": "2024-01-01 00:00:00"}`, rec.Payload)
	assert.Equal(t, broker.Connected, f.broker.State(), "a failed publish does not force a reconnect")
	assert.Equal(t, uint64(1), f.pub.Stats().PublishFailed)
}

func TestPublisher_StoreFailureDropsPayload(t *testing.T) {
	f := newTestPublisher(t, broker.Disconnected)
	f.store.appendErr = errStoreFull

	f.loc.Emit(location(1, 1, epoch))
	require.Eventually(t, func() bool { return f.pub.Stats().FallbackDropped == 1 }, time.Second, 5*time.Millisecond)

	// The pipeline keeps running after a store failure.
	f.store.mu.Lock()
	f.store.appendErr = nil
	f.store.mu.Unlock()
	f.clock.Advance(time.Second)
	f.loc.Emit(location(2, 2, f.clock.Now()))
	require.Eventually(t, func() bool { return f.pub.Stats().FallbackAppended == 1 }, time.Second, 5*time.Millisecond)
}

func TestPublisher_DegradedHeartRateOnly(t *testing.T) {
	f := newTestPublisher(t, broker.Connected)

	f.hr.Emit(types.HeartRate{BPM: 88, At: epoch})
	require.Eventually(t, func() bool { return len(f.broker.Payloads()) == 1 }, time.Second, 5*time.Millisecond)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(f.broker.Payloads()[0]), &decoded))
	assert.Equal(t, "abc123", decoded["device"])
	assert.Equal(t, 0.0, decoded["latitude"])
	assert.Equal(t, 0.0, decoded["longitude"])
	assert.NotContains(t, decoded, "heart_rate")
}

func TestPublisher_StatusForwarding(t *testing.T) {
	f := newTestPublisher(t, broker.Disconnected)
	rec := &statusRecorder{}
	unsubscribe := f.pub.Subscribe(rec)

	f.broker.Transition(broker.Connecting, nil)
	f.broker.Transition(broker.Failed, errors.New("dial tcp: i/o timeout"))
	f.broker.Transition(broker.Connecting, nil)
	f.broker.Transition(broker.Connected, nil)

	require.Eventually(t, func() bool { return len(rec.Labels()) == 4 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []publisher.StatusLabel{
		publisher.LabelDisconnected,
		publisher.LabelDisconnected,
		publisher.LabelDisconnected,
		publisher.LabelConnected,
	}, rec.Labels())
	assert.Equal(t, publisher.LabelConnected, f.pub.Stats().Status.Label)

	f.broker.Transition(broker.Reconnecting, errors.New("EOF"))
	f.broker.Transition(broker.Connecting, nil)
	f.broker.Transition(broker.Failed, packets.ErrorRefusedNotAuthorised)
	require.Eventually(t, func() bool { return len(rec.Labels()) == 7 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, publisher.LabelDisconnected, rec.Labels()[6], "a refused session still reads as Disconnected")
	refused := f.pub.Stats().Status
	assert.Equal(t, broker.Failed, refused.State)
	assert.True(t, refused.Refused)

	unsubscribe()
	f.broker.Transition(broker.Connecting, nil)
	f.broker.Transition(broker.Connected, nil)
	f.broker.Transition(broker.Reconnecting, errors.New("EOF"))
	require.Eventually(t, func() bool {
		return f.pub.Stats().Status.State == broker.Reconnecting
	}, time.Second, 5*time.Millisecond)
	assert.Len(t, rec.Labels(), 7, "unsubscribed notifier receives nothing")
}

func TestPublisher_Lifecycle(t *testing.T) {
	b := NewMockBroker(broker.Disconnected)
	hr := &MockSource{name: "heart_rate"}
	loc := &MockSource{name: "location"}
	pub, err := publisher.NewPublisher(publisher.Config{DeviceID: "abc123"}, b, &MockStore{}, []sources.Source{hr, loc}, nil, zerolog.Nop())
	require.NoError(t, err)

	rec := &statusRecorder{}
	pub.Subscribe(rec)

	require.NoError(t, pub.Start(context.Background()))
	assert.Error(t, pub.Start(context.Background()), "a publisher starts once")
	assert.Equal(t, 1, b.connectCalls)

	b.Transition(broker.Connecting, nil)
	b.Transition(broker.Connected, nil)
	require.Eventually(t, func() bool { return len(rec.Labels()) == 2 }, time.Second, 5*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, pub.Stop(stopCtx))
	require.NoError(t, pub.Stop(stopCtx), "Stop is idempotent")

	assert.True(t, hr.Stopped())
	assert.True(t, loc.Stopped())
	assert.Equal(t, 1, b.closeCalls)
	assert.Equal(t, publisher.LabelDisconnected, rec.Labels()[len(rec.Labels())-1], "the final disconnect is forwarded")
}

func TestPublisher_StartFailsWhenSourceFails(t *testing.T) {
	b := NewMockBroker(broker.Disconnected)
	bad := &MockSource{name: "location", startErr: errors.New("boom")}
	pub, err := publisher.NewPublisher(publisher.Config{DeviceID: "abc123"}, b, &MockStore{}, []sources.Source{bad}, nil, zerolog.Nop())
	require.NoError(t, err)

	rec := &statusRecorder{}
	pub.Subscribe(rec)

	err = pub.Start(context.Background())
	assert.ErrorContains(t, err, "location")
	assert.Equal(t, 0, b.connectCalls)
	assert.True(t, bad.Stopped())
	assert.Equal(t, []publisher.StatusLabel{publisher.LabelError}, rec.Labels())
	assert.Equal(t, publisher.LabelError, pub.Stats().Status.Label)
	assert.ErrorContains(t, pub.Stats().Status.Err, "boom")
	assert.Error(t, pub.Start(context.Background()), "a failed publisher cannot be restarted")
}

func TestPublisher_TransitionsBeforeStartDoNotBlockBroker(t *testing.T) {
	b := NewMockBroker(broker.Disconnected)
	pub, err := publisher.NewPublisher(publisher.Config{DeviceID: "abc123"}, b, &MockStore{}, nil, nil, zerolog.Nop())
	require.NoError(t, err)
	rec := &statusRecorder{}
	pub.Subscribe(rec)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 40; i++ {
			b.Transition(broker.Connecting, nil)
			b.Transition(broker.Failed, errors.New("dial tcp: connection refused"))
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broker transitions blocked on a publisher that was never started")
	}
	assert.Empty(t, rec.Labels())

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, pub.Stop(stopCtx))
}

func TestNewPublisher_Validation(t *testing.T) {
	_, err := publisher.NewPublisher(publisher.Config{DeviceID: "x"}, nil, &MockStore{}, nil, nil, zerolog.Nop())
	assert.Error(t, err)
	_, err = publisher.NewPublisher(publisher.Config{DeviceID: "x"}, NewMockBroker(broker.Disconnected), nil, nil, nil, zerolog.Nop())
	assert.Error(t, err)
	_, err = publisher.NewPublisher(publisher.Config{}, NewMockBroker(broker.Disconnected), &MockStore{}, nil, nil, zerolog.Nop())
	assert.Error(t, err)
}
