package types

import (
	"encoding/json"
	"strconv"
	"time"
)

// TimestampLayout is the wire format for Payload.Timestamp.
const TimestampLayout = "2006-01-02 15:04:05"

// Payload is the message published to the broker for one publish cycle.
// Heart rate is collected but deliberately not part of the wire shape.
type Payload struct {
	Device    string
	Latitude  float64
	Longitude float64
	Timestamp time.Time
}

// NewPayload builds a payload from the current state.
func NewPayload(device string, state *TelemetryState, now time.Time) Payload {
	lat, lon := state.Coordinates()
	return Payload{
		Device:    device,
		Latitude:  lat,
		Longitude: lon,
		Timestamp: now,
	}
}

// Encode renders the payload in the fixed wire shape:
//
//	{"device": "<id>", "latitude": <%.6f>, "longitude": <%.6f>, "timestamp": "<YYYY-MM-DD HH:MM:SS>"}
//
// The timestamp is rendered in loc; a nil loc means UTC.
func (p Payload) Encode(loc *time.Location) []byte {
	if loc == nil {
		loc = time.UTC
	}
	// Marshalling a string cannot fail.
	device, _ := json.Marshal(p.Device)

	buf := make([]byte, 0, 128)
	buf = append(buf, `{"device": `...)
	buf = append(buf, device...)
	buf = append(buf, `, "latitude": `...)
	buf = strconv.AppendFloat(buf, p.Latitude, 'f', 6, 64)
	buf = append(buf, `, "longitude": `...)
	buf = strconv.AppendFloat(buf, p.Longitude, 'f', 6, 64)
	buf = append(buf, `, "timestamp": "`...)
	buf = p.Timestamp.In(loc).AppendFormat(buf, TimestampLayout)
	buf = append(buf, `"}`...)
	return buf
}
