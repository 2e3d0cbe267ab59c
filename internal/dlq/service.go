// Package dlq is the operator surface for the dead letter queue:
// listing, replaying, ignoring, and purging preserved payloads, plus the
// background worker that retries the auto-retryable ones. Replay
// dispatches on the entry's source: webhook payloads re-enter the intake
// pipeline, exhausted send steps re-arm their enrollment so the
// scheduler tries the step again.
package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/ignite/outreach-engine/internal/domain"
	"github.com/ignite/outreach-engine/internal/metrics"
	"github.com/ignite/outreach-engine/internal/store"
)

// Replayer re-runs a dead-lettered webhook payload through ingestion.
// Satisfied by intake.Pipeline.
type Replayer interface {
	Replay(ctx context.Context, providerID string, payload []byte, headers map[string]string) error
}

// Service wraps dead letter storage with replay semantics.
type Service struct {
	store    *store.Store
	replayer Replayer
	metrics  *metrics.Metrics
	now      func() time.Time
}

func NewService(st *store.Store, rep Replayer, m *metrics.Metrics) *Service {
	return &Service{
		store:    st,
		replayer: rep,
		metrics:  m,
		now:      time.Now,
	}
}

// List returns entries matching the filter, newest first, with a total.
func (s *Service) List(ctx context.Context, f store.DeadLetterFilter) ([]*domain.DeadLetterEvent, int, error) {
	return s.store.ListDeadLetters(ctx, f)
}

// Get retrieves one entry.
func (s *Service) Get(ctx context.Context, id string) (*domain.DeadLetterEvent, error) {
	return s.store.GetDeadLetter(ctx, id)
}

// Replay re-runs one entry on operator request. Ignored entries are fair
// game; already-replayed or in-flight entries are refused.
func (s *Service) Replay(ctx context.Context, id string) error {
	d, err := s.store.GetDeadLetter(ctx, id)
	if err != nil {
		return err
	}
	if d.Status == domain.DeadLetterReplayed {
		return fmt.Errorf("%w: entry %s already replayed", domain.ErrValidation, id)
	}
	if d.Status == domain.DeadLetterReplaying {
		return fmt.Errorf("%w: entry %s replay already in flight", domain.ErrValidation, id)
	}
	return s.replayOne(ctx, d)
}

// ReplayAll replays every entry matching the filter, up to the filter's
// page size. Returns how many replayed and how many failed.
func (s *Service) ReplayAll(ctx context.Context, f store.DeadLetterFilter) (int, int, error) {
	entries, _, err := s.store.ListDeadLetters(ctx, f)
	if err != nil {
		return 0, 0, err
	}
	var ok, failed int
	for _, d := range entries {
		if d.Status == domain.DeadLetterReplayed || d.Status == domain.DeadLetterReplaying {
			continue
		}
		if err := s.replayOne(ctx, d); err != nil {
			failed++
			continue
		}
		ok++
	}
	return ok, failed, nil
}

// Ignore records an operator's decision to drop the entry.
func (s *Service) Ignore(ctx context.Context, id string) error {
	return s.store.MarkDeadLetterIgnored(ctx, id)
}

// Purge removes terminal entries older than the given age and reports
// how many were deleted.
func (s *Service) Purge(ctx context.Context, olderThan time.Duration) (int64, error) {
	return s.store.PurgeDeadLetters(ctx, s.now().Add(-olderThan))
}

// Stats summarizes queue depth for the admin view.
func (s *Service) Stats(ctx context.Context) (*domain.DeadLetterStats, error) {
	return s.store.DeadLetterStats(ctx)
}

// replayOne runs one operator-triggered replay. The entry is flagged
// replaying for the duration; a failure records the attempt and returns
// it to failed with no retry scheduled: manual replays stay manual.
func (s *Service) replayOne(ctx context.Context, d *domain.DeadLetterEvent) error {
	if err := s.store.MarkDeadLetterReplaying(ctx, d.ID); err != nil {
		return err
	}
	if err := s.attempt(ctx, d); err != nil {
		if recErr := s.store.RecordDeadLetterAttempt(ctx, d.ID, nil); recErr != nil {
			log.Printf("[DLQ] Attempt record for %s: %v", d.ID, recErr)
		}
		s.metrics.DLQReplays.WithLabelValues("failed").Inc()
		return fmt.Errorf("replay %s: %w", d.ID, err)
	}
	if err := s.store.MarkDeadLetterReplayed(ctx, d.ID); err != nil {
		return err
	}
	s.metrics.DLQReplays.WithLabelValues("replayed").Inc()
	return nil
}

// attempt dispatches a replay by source.
func (s *Service) attempt(ctx context.Context, d *domain.DeadLetterEvent) error {
	switch d.Source {
	case domain.DeadLetterWebhook:
		return s.replayer.Replay(ctx, d.Provider, d.Payload, d.Headers)
	case domain.DeadLetterSend:
		return s.replaySend(ctx, d)
	default:
		return fmt.Errorf("%w: source %q is not replayable", domain.ErrValidation, d.Source)
	}
}

// replaySend re-arms the enrollment whose step exhausted its retries.
// The scheduler owns the actual dispatch; replay just puts the row back
// on its schedule with a clean failure count.
func (s *Service) replaySend(ctx context.Context, d *domain.DeadLetterEvent) error {
	var ref struct {
		EnrollmentID string `json:"enrollment_id"`
	}
	if err := json.Unmarshal(d.Payload, &ref); err != nil || ref.EnrollmentID == "" {
		return fmt.Errorf("send payload carries no enrollment_id")
	}
	return s.store.ReactivateEnrollment(ctx, ref.EnrollmentID, s.now().UTC())
}
