package store

import (
	"context"
	"encoding/json"
	"time"
)

// WorkerHeartbeat is a row in the admin workers view.
type WorkerHeartbeat struct {
	WorkerID   string           `json:"worker_id"`
	WorkerType string           `json:"worker_type"`
	Hostname   string           `json:"hostname"`
	Stats      map[string]int64 `json:"stats"`
	LastSeenAt time.Time        `json:"last_seen_at"`
}

// UpsertHeartbeat records that a worker is alive, with its current stats.
func (s *Store) UpsertHeartbeat(ctx context.Context, hb *WorkerHeartbeat) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO worker_heartbeats (worker_id, worker_type, hostname, stats, last_seen_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (worker_id) DO UPDATE
		SET worker_type = EXCLUDED.worker_type, hostname = EXCLUDED.hostname,
		    stats = EXCLUDED.stats, last_seen_at = NOW()`,
		hb.WorkerID, hb.WorkerType, hb.Hostname, jsonb(hb.Stats))
	return err
}

// ListHeartbeats returns workers seen within the window.
func (s *Store) ListHeartbeats(ctx context.Context, within time.Duration) ([]*WorkerHeartbeat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT worker_id, worker_type, hostname, stats, last_seen_at
		FROM worker_heartbeats
		WHERE last_seen_at > NOW() - ($1 * INTERVAL '1 second')
		ORDER BY worker_id`, int(within.Seconds()))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*WorkerHeartbeat
	for rows.Next() {
		hb := &WorkerHeartbeat{}
		var stats []byte
		if err := rows.Scan(&hb.WorkerID, &hb.WorkerType, &hb.Hostname, &stats, &hb.LastSeenAt); err != nil {
			return nil, err
		}
		hb.Stats = map[string]int64{}
		if len(stats) > 0 {
			json.Unmarshal(stats, &hb.Stats)
		}
		out = append(out, hb)
	}
	return out, rows.Err()
}
