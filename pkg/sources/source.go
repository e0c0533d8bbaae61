package sources

import (
	"context"
	"errors"

	"github.com/illmade-knight/go-telemetry-relay/pkg/types"
)

// ErrSourceUnavailable means the underlying capability is permanently missing
// (no sensor, permission denied). A source that hits it emits nothing for the
// rest of its life instead of failing.
var ErrSourceUnavailable = errors.New("sample source unavailable")

// ErrNoFix is returned by a LocationProvider that has no position yet.
var ErrNoFix = errors.New("no location fix available")

// Source produces an unbounded, push-based stream of samples. Start registers
// emit and returns immediately; emit may be called from any goroutine and must
// not block. A source whose capability is unavailable still starts
// successfully and simply never calls emit.
type Source interface {
	Name() string
	Start(ctx context.Context, emit func(types.Sample)) error
	Stop()
}
