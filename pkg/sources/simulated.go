package sources

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// SimulatedHeartRateSensor generates a drifting heart rate on a fixed cadence.
// It stands in for real hardware when the relay runs off-device.
type SimulatedHeartRateSensor struct {
	Interval time.Duration
	Baseline float32
	Clock    clockwork.Clock
}

// Register starts emitting readings until the returned func is called.
func (s *SimulatedHeartRateSensor) Register(listener func(bpm float32)) (func(), error) {
	clk := s.Clock
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	interval := s.Interval
	if interval <= 0 {
		interval = time.Second
	}
	bpm := s.Baseline
	if bpm <= 0 {
		bpm = 72
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := clk.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.Chan():
				bpm += float32(rand.NormFloat64())
				if bpm < 40 {
					bpm = 40
				} else if bpm > 180 {
					bpm = 180
				}
				listener(bpm)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			wg.Wait()
		})
	}, nil
}

// SimulatedLocationProvider random-walks around an origin. Denied makes it
// behave like a provider without location permission.
type SimulatedLocationProvider struct {
	Latitude  float64
	Longitude float64
	// Step is the maximum change in degrees per request.
	Step   float64
	Denied bool

	mu sync.Mutex
}

func (p *SimulatedLocationProvider) CurrentLocation(ctx context.Context, _ bool) (float64, float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}
	if p.Denied {
		return 0, 0, ErrSourceUnavailable
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Latitude += (rand.Float64()*2 - 1) * p.Step
	p.Longitude += (rand.Float64()*2 - 1) * p.Step
	return p.Latitude, p.Longitude, nil
}
