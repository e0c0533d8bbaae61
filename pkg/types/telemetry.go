package types

import (
	"time"
)

// SampleKind identifies which producer a Sample came from.
type SampleKind int

const (
	KindHeartRate SampleKind = iota
	KindLocation
)

func (k SampleKind) String() string {
	switch k {
	case KindHeartRate:
		return "heart_rate"
	case KindLocation:
		return "location"
	default:
		return "unknown"
	}
}

// Sample is one immutable, timestamped reading handed from a source to the pipeline.
type Sample interface {
	Kind() SampleKind
	ObservedAt() time.Time
}

// HeartRate is a single reading from the heart-rate sensor.
type HeartRate struct {
	BPM float32
	At  time.Time
}

func (HeartRate) Kind() SampleKind        { return KindHeartRate }
func (h HeartRate) ObservedAt() time.Time { return h.At }

// Location is a single position fix.
type Location struct {
	Latitude  float64
	Longitude float64
	At        time.Time
}

func (Location) Kind() SampleKind        { return KindLocation }
func (l Location) ObservedAt() time.Time { return l.At }

// TelemetryState is the working set the publisher keeps between cycles. Only the
// latest reading of each kind is held; a nil field means the source never reported.
type TelemetryState struct {
	HeartRate     *HeartRate
	Location      *Location
	LastPublishAt time.Time
}

// Apply overwrites the matching field with the sample. The most recently
// received sample wins regardless of its observation time.
func (s *TelemetryState) Apply(sample Sample) {
	switch v := sample.(type) {
	case HeartRate:
		s.HeartRate = &v
	case Location:
		s.Location = &v
	}
}

// Coordinates returns the latest position, or 0,0 when no fix has arrived.
// The all-zero pair is the degraded-signal sentinel carried on the wire.
func (s *TelemetryState) Coordinates() (lat, lon float64) {
	if s.Location == nil {
		return 0, 0
	}
	return s.Location.Latitude, s.Location.Longitude
}
