package fallback

import (
	"context"
	"errors"
	"fmt"

	"github.com/illmade-knight/go-telemetry-relay/pkg/types"
	"github.com/rs/zerolog"
)

// ErrStoreClosed is returned by Append after Close.
var ErrStoreClosed = errors.New("fallback store is closed")

// Store is a durable, append-only record of payloads that could not be delivered.
// An Append that returns nil must survive a process crash immediately afterwards.
type Store interface {
	Append(ctx context.Context, record types.FallbackRecord) error
	// Count reports how many records the store holds. It exists for status reporting only.
	Count(ctx context.Context) (int, error)
	Close() error
}

// Backend names accepted by Config.Backend.
const (
	BackendSQLite = "sqlite"
	BackendFile   = "file"
	BackendRedis  = "redis"
)

// Config selects and configures a Store backend.
type Config struct {
	Backend string
	// Path is the database file for sqlite or the log file for file.
	Path string
	// MaxSizeMB and MaxBackups control file rotation for the file backend.
	MaxSizeMB  int
	MaxBackups int
	Redis      RedisConfig
}

// Open creates the Store selected by cfg.Backend.
func Open(ctx context.Context, cfg Config, logger zerolog.Logger) (Store, error) {
	switch cfg.Backend {
	case BackendSQLite, "":
		return NewSQLiteStore(ctx, cfg.Path, logger)
	case BackendFile:
		return NewFileStore(FileConfig{
			Path:       cfg.Path,
			MaxSizeMB:  cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
		}, logger)
	case BackendRedis:
		return NewRedisStore(ctx, &cfg.Redis, logger)
	default:
		return nil, fmt.Errorf("unknown fallback backend %q", cfg.Backend)
	}
}
