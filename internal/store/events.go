package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/outreach-engine/internal/domain"
)

// InsertEventResult reports how an event insert landed. A redelivered
// provider event is Deduplicated: no row written, no counters to bump,
// and the caller responds exactly as it did the first time.
type InsertEventResult struct {
	EventID      string
	Deduplicated bool
}

// InsertEventTx writes a canonical event inside the caller's transaction.
// Deduplication is enforced by the partial unique index on
// (provider, provider_event_id); ON CONFLICT DO NOTHING turns a redelivery
// into a zero-row insert instead of an aborted transaction. Events without
// a provider_event_id always insert.
func (s *Store) InsertEventTx(ctx context.Context, tx *sql.Tx, ev *domain.CampaignEvent) (InsertEventResult, error) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.RecordedAt.IsZero() {
		ev.RecordedAt = time.Now()
	}
	if !domain.ValidEventType(ev.Type) {
		return InsertEventResult{}, fmt.Errorf("%w: unknown event type %q", domain.ErrValidation, ev.Type)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO campaign_events
			(id, instance_id, enrollment_id, provider, provider_event_id,
			 event_type, channel, step_number, occurred_at, recorded_at, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (provider, provider_event_id) WHERE provider_event_id IS NOT NULL
		DO NOTHING`,
		ev.ID, ev.InstanceID, ev.EnrollmentID, ev.Provider, ev.ProviderEventID,
		ev.Type, ev.Channel, ev.StepNumber, ev.OccurredAt, ev.RecordedAt, jsonb(ev.Payload))
	if err != nil {
		return InsertEventResult{}, fmt.Errorf("insert event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return InsertEventResult{}, err
	}
	if n == 0 {
		return InsertEventResult{EventID: ev.ID, Deduplicated: true}, nil
	}
	return InsertEventResult{EventID: ev.ID}, nil
}

// RecordEvent is the full transactional recipe for one canonical event:
// insert (dedup-aware), counter delta, enrollment touch or terminal
// transition. Everything commits or rolls back together.
func (s *Store) RecordEvent(ctx context.Context, ev *domain.CampaignEvent) (InsertEventResult, error) {
	var result InsertEventResult
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		result, err = s.InsertEventTx(ctx, tx, ev)
		if err != nil {
			return err
		}
		if result.Deduplicated {
			return nil
		}
		return s.applyEventEffectsTx(ctx, tx, ev)
	})
	return result, err
}

// applyEventEffectsTx bumps the mapped counter and updates the enrollment
// after a non-duplicate insert.
func (s *Store) applyEventEffectsTx(ctx context.Context, tx *sql.Tx, ev *domain.CampaignEvent) error {
	if col, ok := domain.CounterColumn(ev.Type); ok {
		if err := s.IncrementInstanceCounter(ctx, tx, ev.InstanceID, col, 1); err != nil {
			return err
		}
	}
	if ev.EnrollmentID == nil {
		return nil
	}

	if next, ok := domain.StatusForEvent(ev.Type); ok {
		return s.ApplyEventStatusTx(ctx, tx, *ev.EnrollmentID, next, ev.OccurredAt)
	}
	if ev.Type == domain.EventConnectionAccepted {
		if err := s.ResumeWaitingConnectionTx(ctx, tx, *ev.EnrollmentID); err != nil {
			return err
		}
	}
	return s.TouchEnrollmentEventTx(ctx, tx, *ev.EnrollmentID, ev.OccurredAt)
}

// HasEvent reports whether the enrollment already has an event of the
// given type, optionally scoped to a step (stepNumber > 0).
func (s *Store) HasEvent(ctx context.Context, enrollmentID string, t domain.EventType, stepNumber int) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM campaign_events
			WHERE enrollment_id = $1 AND event_type = $2
			  AND ($3 = 0 OR step_number = $3)
		)`, enrollmentID, t, stepNumber).Scan(&exists)
	return exists, err
}

// HasEventTx is HasEvent inside a transaction, used by the dispatch path's
// authoritative duplicate-send check.
func (s *Store) HasEventTx(ctx context.Context, tx *sql.Tx, enrollmentID string, t domain.EventType, stepNumber int) (bool, error) {
	var exists bool
	err := tx.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM campaign_events
			WHERE enrollment_id = $1 AND event_type = $2
			  AND ($3 = 0 OR step_number = $3)
		)`, enrollmentID, t, stepNumber).Scan(&exists)
	return exists, err
}

// ListEvents returns an instance's events newest-first.
func (s *Store) ListEvents(ctx context.Context, instanceID string, eventType string, limit, offset int) ([]*domain.CampaignEvent, int, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM campaign_events
		WHERE instance_id = $1 AND ($2 = '' OR event_type = $2)`,
		instanceID, eventType).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, instance_id, enrollment_id, provider, provider_event_id,
		       event_type, channel, step_number, occurred_at, recorded_at
		FROM campaign_events
		WHERE instance_id = $1 AND ($2 = '' OR event_type = $2)
		ORDER BY occurred_at DESC
		LIMIT $3 OFFSET $4`, instanceID, eventType, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*domain.CampaignEvent
	for rows.Next() {
		ev := &domain.CampaignEvent{}
		if err := rows.Scan(&ev.ID, &ev.InstanceID, &ev.EnrollmentID, &ev.Provider,
			&ev.ProviderEventID, &ev.Type, &ev.Channel, &ev.StepNumber,
			&ev.OccurredAt, &ev.RecordedAt); err != nil {
			return nil, 0, err
		}
		out = append(out, ev)
	}
	return out, total, rows.Err()
}
