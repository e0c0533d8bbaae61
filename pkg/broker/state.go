package broker

import (
	"errors"
	"time"

	"github.com/eclipse/paho.mqtt.golang/packets"
)

// ConnectionState is the lifecycle position of a Connection.
type ConnectionState int32

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Reconnecting
	Failed
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Reconnecting:
		return "Reconnecting"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// allowedTransitions lists every legal edge. Connecting is the only way into
// Connected or Failed, and Disconnected is reachable from everywhere.
var allowedTransitions = map[ConnectionState][]ConnectionState{
	Disconnected: {Connecting},
	Connecting:   {Connected, Failed, Disconnected},
	Connected:    {Reconnecting, Disconnected},
	Reconnecting: {Connecting, Disconnected},
	Failed:       {Connecting, Disconnected},
}

func canTransition(from, to ConnectionState) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// StateChange describes one transition. Err is set for transitions into
// Failed or Reconnecting.
type StateChange struct {
	From    ConnectionState
	To      ConnectionState
	Err     error
	Attempt uint64
	At      time.Time
}

// Refused reports whether the change was caused by the broker rejecting the
// session outright, which a plain retry cannot fix.
func (c StateChange) Refused() bool {
	if c.To != Failed || c.Err == nil {
		return false
	}
	return errors.Is(c.Err, packets.ErrorRefusedBadUsernameOrPassword) ||
		errors.Is(c.Err, packets.ErrorRefusedNotAuthorised) ||
		errors.Is(c.Err, packets.ErrorRefusedIDRejected) ||
		errors.Is(c.Err, packets.ErrorRefusedBadProtocolVersion)
}
