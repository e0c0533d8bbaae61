package fallback

import (
	"context"
	"fmt"
	"time"

	"github.com/illmade-knight/go-telemetry-relay/pkg/types"
)

// Records returns every stored record in append order. The relay never reads
// the store back; only tests do.
func (s *SQLiteStore) Records(ctx context.Context) ([]types.FallbackRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, payload, reason, enqueued_at FROM fallback_records ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("failed to query fallback records: %w", err)
	}
	defer rows.Close()

	var records []types.FallbackRecord
	for rows.Next() {
		var rec types.FallbackRecord
		var enqueued string
		if err := rows.Scan(&rec.ID, &rec.Payload, &rec.Reason, &enqueued); err != nil {
			return nil, fmt.Errorf("failed to scan fallback record: %w", err)
		}
		if rec.EnqueuedAt, err = time.Parse(timeLayout, enqueued); err != nil {
			return nil, fmt.Errorf("fallback record %s has a bad timestamp: %w", rec.ID, err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
