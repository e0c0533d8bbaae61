package publisher

import (
	"time"

	"github.com/illmade-knight/go-telemetry-relay/pkg/types"
)

// Stats is a point-in-time snapshot of publisher counters.
type Stats struct {
	SamplesReceived  uint64
	Cycles           uint64
	Throttled        uint64
	Published        uint64
	PublishFailed    uint64
	FallbackAppended uint64
	FallbackDropped  uint64
	LastPublishAt    time.Time
	HeartRate        *types.HeartRate
	Location         *types.Location
	Status           StatusEvent
}

// Stats returns a copy of the current counters.
func (p *Publisher) Stats() Stats {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	return p.stats
}

// updateStats is only called from the worker, or from Start before the worker
// exists, so it can also copy the worker-owned state into the snapshot.
func (p *Publisher) updateStats(fn func(s *Stats)) {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	fn(&p.stats)
	p.stats.LastPublishAt = p.state.LastPublishAt
	if p.state.HeartRate != nil {
		hr := *p.state.HeartRate
		p.stats.HeartRate = &hr
	}
	if p.state.Location != nil {
		loc := *p.state.Location
		p.stats.Location = &loc
	}
}
