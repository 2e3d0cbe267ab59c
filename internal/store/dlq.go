package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/outreach-engine/internal/domain"
)

const deadLetterColumns = `id, source, provider, payload, headers, failure_reason,
	attempt_count, last_attempt_at, next_attempt_at, status, replayed_at, created_at, updated_at`

func scanDeadLetter(row interface{ Scan(...any) error }) (*domain.DeadLetterEvent, error) {
	d := &domain.DeadLetterEvent{}
	var headers []byte
	err := row.Scan(&d.ID, &d.Source, &d.Provider, &d.Payload, &headers, &d.FailureReason,
		&d.AttemptCount, &d.LastAttemptAt, &d.NextAttemptAt, &d.Status, &d.ReplayedAt, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	d.Headers = scanJSONMap(headers)
	return d, nil
}

// InsertDeadLetter preserves a failed payload for replay or triage.
func (s *Store) InsertDeadLetter(ctx context.Context, d *domain.DeadLetterEvent) error {
	d.ID = uuid.New().String()
	if d.Status == "" {
		d.Status = domain.DeadLetterFailed
	}
	d.CreatedAt = time.Now()
	d.UpdatedAt = d.CreatedAt

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dead_letter_events
			(id, source, provider, payload, headers, failure_reason,
			 attempt_count, next_attempt_at, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		d.ID, d.Source, d.Provider, d.Payload, jsonb(d.Headers), d.FailureReason,
		d.AttemptCount, d.NextAttemptAt, d.Status, d.CreatedAt, d.UpdatedAt)
	return err
}

// GetDeadLetter retrieves one entry.
func (s *Store) GetDeadLetter(ctx context.Context, id string) (*domain.DeadLetterEvent, error) {
	d, err := scanDeadLetter(s.db.QueryRowContext(ctx,
		`SELECT `+deadLetterColumns+` FROM dead_letter_events WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	return d, err
}

// DeadLetterFilter narrows ListDeadLetters.
type DeadLetterFilter struct {
	Status   string
	Provider string
	Source   string
	Limit    int
	Offset   int
}

// ListDeadLetters returns entries newest-first with a total count.
func (s *Store) ListDeadLetters(ctx context.Context, f DeadLetterFilter) ([]*domain.DeadLetterEvent, int, error) {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 50
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM dead_letter_events
		WHERE ($1 = '' OR status = $1) AND ($2 = '' OR provider = $2) AND ($3 = '' OR source = $3)`,
		f.Status, f.Provider, f.Source).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+deadLetterColumns+` FROM dead_letter_events
		WHERE ($1 = '' OR status = $1) AND ($2 = '' OR provider = $2) AND ($3 = '' OR source = $3)
		ORDER BY created_at DESC
		LIMIT $4 OFFSET $5`,
		f.Status, f.Provider, f.Source, f.Limit, f.Offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*domain.DeadLetterEvent
	for rows.Next() {
		d, err := scanDeadLetter(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, d)
	}
	return out, total, rows.Err()
}

// DueDeadLetters returns failed entries whose retry time has arrived.
func (s *Store) DueDeadLetters(ctx context.Context, limit int, now time.Time) ([]*domain.DeadLetterEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+deadLetterColumns+` FROM dead_letter_events
		WHERE status = 'failed' AND next_attempt_at IS NOT NULL AND next_attempt_at <= $2
		ORDER BY next_attempt_at ASC
		LIMIT $1`, limit, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.DeadLetterEvent
	for rows.Next() {
		d, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// MarkDeadLetterReplaying flags an entry while its replay is in flight.
func (s *Store) MarkDeadLetterReplaying(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE dead_letter_events
		SET status = 'replaying', updated_at = NOW()
		WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// MarkDeadLetterReplayed records a successful replay with its timestamp.
func (s *Store) MarkDeadLetterReplayed(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE dead_letter_events
		SET status = 'replayed', replayed_at = NOW(), next_attempt_at = NULL, updated_at = NOW()
		WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// MarkDeadLetterIgnored records an operator's decision to drop the entry.
func (s *Store) MarkDeadLetterIgnored(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE dead_letter_events
		SET status = 'ignored', next_attempt_at = NULL, updated_at = NOW()
		WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// RecordDeadLetterAttempt bumps the attempt counter after a failed replay
// and returns the entry to failed, with the next retry scheduled or (nil)
// parked for an operator.
func (s *Store) RecordDeadLetterAttempt(ctx context.Context, id string, nextAttempt *time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE dead_letter_events
		SET attempt_count = attempt_count + 1, last_attempt_at = NOW(),
		    next_attempt_at = $2, status = 'failed', updated_at = NOW()
		WHERE id = $1`, id, nextAttempt)
	return err
}

// PurgeDeadLetters removes terminal entries older than the cutoff and
// returns how many were deleted.
func (s *Store) PurgeDeadLetters(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM dead_letter_events
		WHERE status IN ('replayed', 'ignored') AND updated_at < $1`, olderThan)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeadLetterStats summarizes queue depth for the admin view.
func (s *Store) DeadLetterStats(ctx context.Context) (*domain.DeadLetterStats, error) {
	stats := &domain.DeadLetterStats{
		ByStatus:   map[string]int{},
		ByProvider: map[string]int{},
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM dead_letter_events GROUP BY status`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return nil, err
		}
		stats.ByStatus[status] = n
		stats.Total += n
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx,
		`SELECT provider, COUNT(*) FROM dead_letter_events WHERE status = 'failed' GROUP BY provider`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var provider string
		var n int
		if err := rows.Scan(&provider, &n); err != nil {
			rows.Close()
			return nil, err
		}
		stats.ByProvider[provider] = n
	}
	rows.Close()

	var oldest sql.NullTime
	if err := s.db.QueryRowContext(ctx,
		`SELECT MIN(created_at) FROM dead_letter_events WHERE status = 'failed'`).Scan(&oldest); err != nil {
		return nil, err
	}
	if oldest.Valid {
		stats.OldestAge = time.Since(oldest.Time).Round(time.Second).String()
	}
	return stats, nil
}
