package types

import (
	"time"

	"github.com/google/uuid"
)

// Reasons a payload was diverted to the local fallback store.
const (
	ReasonNotConnected  = "not_connected"
	ReasonPublishFailed = "publish_failed"
)

// FallbackRecord is an undelivered payload persisted locally. Records are
// append-only and never read back by the publisher.
type FallbackRecord struct {
	ID         string    `json:"id"`
	Payload    string    `json:"payload"`
	Reason     string    `json:"reason"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// NewFallbackRecord stamps a payload for the fallback store.
func NewFallbackRecord(payload []byte, reason string, at time.Time) FallbackRecord {
	return FallbackRecord{
		ID:         uuid.NewString(),
		Payload:    string(payload),
		Reason:     reason,
		EnqueuedAt: at.UTC(),
	}
}
