package fallback

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/illmade-knight/go-telemetry-relay/pkg/types"
	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// maxLineBytes bounds a single record line when counting.
const maxLineBytes = 4 * 1024 * 1024

// FileConfig configures the rotating JSON-lines backend.
type FileConfig struct {
	Path      string
	MaxSizeMB int
	// MaxBackups caps how many rotated files are kept. Zero keeps every file;
	// a positive value deletes the oldest backups, and the records in them.
	MaxBackups int
}

// FileStore appends one JSON line per record to a size-rotated log file.
// Rotated files are retained unless FileConfig.MaxBackups bounds them.
// A single write(2) per record means a completed Append survives a process
// crash; it does not fsync, so power loss may lose the tail.
type FileStore struct {
	writer *lumberjack.Logger
	path   string
	logger zerolog.Logger

	mu     sync.Mutex
	closed bool
}

// NewFileStore prepares the log file. The file itself is created on first append.
func NewFileStore(cfg FileConfig, logger zerolog.Logger) (*FileStore, error) {
	if cfg.Path == "" {
		return nil, errors.New("file fallback store requires a path")
	}
	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = 10
	}
	if cfg.MaxBackups < 0 {
		cfg.MaxBackups = 0
	}
	return &FileStore{
		writer: &lumberjack.Logger{
			Filename:   cfg.Path,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			LocalTime:  false,
			Compress:   false,
		},
		path:   cfg.Path,
		logger: logger.With().Str("component", "FileFallbackStore").Str("path", cfg.Path).Logger(),
	}, nil
}

// Append writes the record as a single line.
func (s *FileStore) Append(_ context.Context, record types.FallbackRecord) error {
	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal fallback record %s: %w", record.ID, err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if _, err := s.writer.Write(line); err != nil {
		return fmt.Errorf("failed to write fallback record %s: %w", record.ID, err)
	}
	s.logger.Debug().Str("record_id", record.ID).Str("reason", record.Reason).Msg("Fallback record written.")
	return nil
}

// Count returns the number of records across the current file and every
// rotated backup still on disk.
func (s *FileStore) Count(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}

	backups, err := filepath.Glob(s.backupPattern())
	if err != nil {
		return 0, fmt.Errorf("failed to list rotated fallback files: %w", err)
	}
	total := 0
	for _, path := range append(backups, s.path) {
		n, err := countLines(path)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// backupPattern matches lumberjack's rotated names: <name>-<timestamp><ext>.
func (s *FileStore) backupPattern() string {
	ext := filepath.Ext(s.path)
	prefix := strings.TrimSuffix(s.path, ext)
	return prefix + "-*" + ext
}

func countLines(path string) (int, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to open fallback file %s: %w", path, err)
	}
	defer f.Close()

	n := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		n++
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("failed to read fallback file %s: %w", path, err)
	}
	return n, nil
}

// Close flushes and closes the underlying file.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.writer.Close()
}
