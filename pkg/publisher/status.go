package publisher

import (
	"time"

	"github.com/illmade-knight/go-telemetry-relay/pkg/broker"
)

// StatusLabel is the user-facing connection label handed to the host UI.
type StatusLabel string

const (
	LabelConnected    StatusLabel = "Connected"
	LabelDisconnected StatusLabel = "Disconnected"
	LabelError        StatusLabel = "Error"
)

// StatusEvent is forwarded to every StatusNotifier on each connection state change.
type StatusEvent struct {
	State broker.ConnectionState
	Label StatusLabel
	Err   error
	At    time.Time

	// Refused is set when the broker rejected the session, e.g. bad credentials.
	Refused bool
}

// StatusNotifier receives status events. Calls come from the publisher's
// single worker goroutine, one at a time, and must not block for long.
type StatusNotifier interface {
	NotifyStatus(event StatusEvent)
}

// StatusNotifierFunc adapts a plain function to StatusNotifier.
type StatusNotifierFunc func(event StatusEvent)

func (f StatusNotifierFunc) NotifyStatus(event StatusEvent) { f(event) }

// LabelFor maps a connection transition onto the UI labels: Connected reads as
// "Connected" and every other state as "Disconnected". "Error" is never derived
// from a transition; it is only sent when the publisher fails to start.
func LabelFor(change broker.StateChange) StatusLabel {
	if change.To == broker.Connected {
		return LabelConnected
	}
	return LabelDisconnected
}

func newStatusEvent(change broker.StateChange) StatusEvent {
	return StatusEvent{
		State:   change.To,
		Label:   LabelFor(change),
		Err:     change.Err,
		Refused: change.Refused(),
		At:      change.At,
	}
}
