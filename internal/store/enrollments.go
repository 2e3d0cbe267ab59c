package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/outreach-engine/internal/domain"
)

const enrollmentColumns = `id, instance_id, prospect_email, first_name, last_name, company,
	linkedin_url, timezone, current_step, status, next_action_at, last_event_at,
	provider_message_id, provider_action_id, step_state, created_at, updated_at`

func scanEnrollment(row interface{ Scan(...any) error }) (*domain.Enrollment, error) {
	e := &domain.Enrollment{}
	var stepState []byte
	err := row.Scan(&e.ID, &e.InstanceID, &e.Email, &e.FirstName, &e.LastName, &e.Company,
		&e.LinkedInURL, &e.Timezone, &e.CurrentStep, &e.Status, &e.NextActionAt, &e.LastEventAt,
		&e.ProviderMessageID, &e.ProviderActionID, &stepState, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	e.StepState = scanJSONMap(stepState)
	return e, nil
}

// CreateEnrollment enrolls a prospect into an active instance. The insert
// and the total_enrolled bump commit together. A duplicate (same instance,
// same email case-insensitively) returns ErrDuplicate with the existing
// enrollment.
func (s *Store) CreateEnrollment(ctx context.Context, e *domain.Enrollment, firstStepDue time.Time) (*domain.Enrollment, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	e.ID = uuid.New().String()
	e.Email = domain.NormalizeEmail(e.Email)
	e.Status = domain.EnrollmentEnrolled
	e.CurrentStep = 0
	e.NextActionAt = &firstStepDue
	e.CreatedAt = time.Now()
	e.UpdatedAt = e.CreatedAt

	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		var status domain.InstanceStatus
		err := tx.QueryRowContext(ctx,
			`SELECT status FROM campaign_instances WHERE id = $1`, e.InstanceID).Scan(&status)
		if err == sql.ErrNoRows {
			return fmt.Errorf("%w: instance %s", domain.ErrNotFound, e.InstanceID)
		}
		if err != nil {
			return err
		}
		if status != domain.InstanceActive {
			return fmt.Errorf("%w: cannot enroll into %s instance", domain.ErrValidation, status)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO enrollments (id, instance_id, prospect_email, first_name, last_name,
				company, linkedin_url, timezone, current_step, status, next_action_at,
				step_state, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
			e.ID, e.InstanceID, e.Email, e.FirstName, e.LastName, e.Company,
			e.LinkedInURL, e.Timezone, e.CurrentStep, e.Status, e.NextActionAt,
			jsonb(e.StepState), e.CreatedAt, e.UpdatedAt)
		if err != nil {
			return err
		}
		return s.IncrementInstanceCounter(ctx, tx, e.InstanceID, "total_enrolled", 1)
	})
	if err == nil {
		return e, nil
	}
	if IsUniqueViolation(err, "uniq_enrollments_instance_email") {
		existing, lookupErr := s.GetEnrollmentByEmail(ctx, e.InstanceID, e.Email)
		if lookupErr != nil {
			return nil, fmt.Errorf("%w: enrollment exists", domain.ErrDuplicate)
		}
		return existing, domain.ErrDuplicate
	}
	return nil, err
}

// GetEnrollment retrieves one enrollment.
func (s *Store) GetEnrollment(ctx context.Context, id string) (*domain.Enrollment, error) {
	e, err := scanEnrollment(s.db.QueryRowContext(ctx,
		`SELECT `+enrollmentColumns+` FROM enrollments WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	return e, err
}

// GetEnrollmentByEmail resolves an enrollment by instance and prospect
// email (case-insensitive). Used for duplicate reporting and webhook
// correlation.
func (s *Store) GetEnrollmentByEmail(ctx context.Context, instanceID, email string) (*domain.Enrollment, error) {
	e, err := scanEnrollment(s.db.QueryRowContext(ctx, `
		SELECT `+enrollmentColumns+` FROM enrollments
		WHERE instance_id = $1 AND lower(prospect_email) = $2`,
		instanceID, domain.NormalizeEmail(email)))
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	return e, err
}

// FindEnrollmentByEmail searches across instances when a webhook
// carries only a prospect email. Newest enrollment wins.
func (s *Store) FindEnrollmentByEmail(ctx context.Context, email string) (*domain.Enrollment, error) {
	e, err := scanEnrollment(s.db.QueryRowContext(ctx, `
		SELECT `+enrollmentColumns+` FROM enrollments
		WHERE lower(prospect_email) = $1
		ORDER BY created_at DESC LIMIT 1`, domain.NormalizeEmail(email)))
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	return e, err
}

// FindEnrollmentByProviderRef correlates a webhook event back to the
// enrollment whose last dispatch produced the given provider reference.
func (s *Store) FindEnrollmentByProviderRef(ctx context.Context, ref string) (*domain.Enrollment, error) {
	e, err := scanEnrollment(s.db.QueryRowContext(ctx, `
		SELECT `+enrollmentColumns+` FROM enrollments
		WHERE provider_message_id = $1 OR provider_action_id = $1
		ORDER BY updated_at DESC LIMIT 1`, ref))
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	return e, err
}

// ListEnrollments returns an instance's enrollments with a total count.
func (s *Store) ListEnrollments(ctx context.Context, instanceID, status string, limit, offset int) ([]*domain.Enrollment, int, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM enrollments
		WHERE instance_id = $1 AND ($2 = '' OR status = $2)`,
		instanceID, status).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+enrollmentColumns+` FROM enrollments
		WHERE instance_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4`, instanceID, status, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*domain.Enrollment
	for rows.Next() {
		e, err := scanEnrollment(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, e)
	}
	return out, total, rows.Err()
}

// TransitionEnrollment applies an operator-driven status change (pause,
// resume, unsubscribe) under a row lock. Resuming an enrollment whose action
// time passed while paused makes it due immediately.
func (s *Store) TransitionEnrollment(ctx context.Context, id string, next domain.EnrollmentStatus) (*domain.Enrollment, error) {
	var out *domain.Enrollment
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		e, err := scanEnrollment(tx.QueryRowContext(ctx,
			`SELECT `+enrollmentColumns+` FROM enrollments WHERE id = $1 FOR UPDATE`, id))
		if err == sql.ErrNoRows {
			return domain.ErrNotFound
		}
		if err != nil {
			return err
		}
		if err := e.CanTransitionTo(next); err != nil {
			return err
		}

		if next == domain.EnrollmentActive && e.NextActionAt != nil && e.NextActionAt.Before(time.Now()) {
			_, err = tx.ExecContext(ctx, `
				UPDATE enrollments SET status = $2, next_action_at = NOW(), updated_at = NOW()
				WHERE id = $1`, id, next)
		} else {
			_, err = tx.ExecContext(ctx, `
				UPDATE enrollments SET status = $2, updated_at = NOW() WHERE id = $1`, id, next)
		}
		if err != nil {
			return err
		}
		e.Status = next
		out = e
		return nil
	})
	return out, err
}

// ClaimDueEnrollments claims a batch of due schedulable enrollments for
// one scheduler pass. SKIP LOCKED partitions work between concurrent
// workers; stale claims (crashed worker) expire after claimTimeout.
func (s *Store) ClaimDueEnrollments(ctx context.Context, workerID string, batchSize int, claimTimeout time.Duration, now time.Time) ([]*domain.Enrollment, error) {
	rows, err := s.db.QueryContext(ctx, `
		WITH claimed AS (
			UPDATE enrollments
			SET claimed_at = NOW(), claimed_by = $1, updated_at = NOW()
			WHERE id IN (
				SELECT e.id FROM enrollments e
				JOIN campaign_instances ci ON ci.id = e.instance_id
				WHERE e.status IN ('enrolled', 'active')
				  AND ci.status = 'active'
				  AND e.next_action_at IS NOT NULL
				  AND e.next_action_at <= $4
				  AND (e.claimed_at IS NULL OR e.claimed_at < $4 - ($3 * INTERVAL '1 second'))
				ORDER BY e.next_action_at ASC
				LIMIT $2
				FOR UPDATE OF e SKIP LOCKED
			)
			RETURNING `+enrollmentColumns+`
		)
		SELECT * FROM claimed`,
		workerID, batchSize, int(claimTimeout.Seconds()), now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Enrollment
	for rows.Next() {
		e, err := scanEnrollment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ReleaseClaim clears a claim without progressing the enrollment, leaving
// next_action_at untouched so the row is picked up again later.
func (s *Store) ReleaseClaim(ctx context.Context, enrollmentID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE enrollments SET claimed_at = NULL, claimed_by = NULL, updated_at = NOW()
		WHERE id = $1`, enrollmentID)
	return err
}

// AdvanceEnrollmentTx moves the step pointer forward after a successful
// dispatch and schedules (or parks) the next action. The first advance
// promotes a freshly enrolled row to active.
func (s *Store) AdvanceEnrollmentTx(ctx context.Context, tx *sql.Tx, enrollmentID string, newStep int, nextActionAt *time.Time, stepState map[string]string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE enrollments
		SET current_step = $2, next_action_at = $3, step_state = $4, status = 'active',
		    failure_count = 0, claimed_at = NULL, claimed_by = NULL, updated_at = NOW()
		WHERE id = $1`,
		enrollmentID, newStep, nextActionAt, jsonb(stepState))
	return err
}

// SetProviderRefsTx stamps the dispatch's provider references for later
// webhook correlation. Empty refs leave the previous value in place.
func (s *Store) SetProviderRefsTx(ctx context.Context, tx *sql.Tx, enrollmentID, messageID, actionID string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE enrollments
		SET provider_message_id = COALESCE(NULLIF($2, ''), provider_message_id),
		    provider_action_id = COALESCE(NULLIF($3, ''), provider_action_id),
		    updated_at = NOW()
		WHERE id = $1`,
		enrollmentID, messageID, actionID)
	return err
}

// DeferEnrollment pushes next_action_at without advancing the step (caps,
// open breaker, bucket timeout) and releases the claim.
func (s *Store) DeferEnrollment(ctx context.Context, enrollmentID string, until time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE enrollments
		SET next_action_at = $2, claimed_at = NULL, claimed_by = NULL, updated_at = NOW()
		WHERE id = $1`, enrollmentID, until)
	return err
}

// ParkEnrollmentTx defers the current step while recording what it waits
// on (a connection acceptance, a video render) in step_state. The step
// pointer and failure count stay put; the claim is released.
func (s *Store) ParkEnrollmentTx(ctx context.Context, tx *sql.Tx, enrollmentID string, until time.Time, stepState map[string]string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE enrollments
		SET next_action_at = $2, step_state = $3,
		    claimed_at = NULL, claimed_by = NULL, updated_at = NOW()
		WHERE id = $1`, enrollmentID, until, jsonb(stepState))
	return err
}

// maxFailureBackoff caps the step retry delay however many failures have
// accumulated.
const maxFailureBackoff = 6 * time.Hour

// RecordStepFailure bumps failure_count and either schedules a retry
// (base backoff doubled per accumulated failure) or marks the enrollment
// failed once maxFailures is reached. Returns the new failure count and
// whether the enrollment was failed.
func (s *Store) RecordStepFailure(ctx context.Context, tx *sql.Tx, enrollmentID string, now time.Time, base time.Duration, maxFailures int) (int, bool, error) {
	var count int
	err := tx.QueryRowContext(ctx, `
		UPDATE enrollments
		SET failure_count = failure_count + 1, claimed_at = NULL, claimed_by = NULL, updated_at = NOW()
		WHERE id = $1
		RETURNING failure_count`, enrollmentID).Scan(&count)
	if err != nil {
		return 0, false, err
	}

	if count >= maxFailures {
		_, err = tx.ExecContext(ctx, `
			UPDATE enrollments SET status = 'failed', next_action_at = NULL, updated_at = NOW()
			WHERE id = $1`, enrollmentID)
		return count, true, err
	}

	backoff := base
	for i := 1; i < count && backoff < maxFailureBackoff; i++ {
		backoff *= 2
	}
	if backoff > maxFailureBackoff {
		backoff = maxFailureBackoff
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE enrollments SET next_action_at = $2, updated_at = NOW() WHERE id = $1`,
		enrollmentID, now.Add(backoff))
	return count, false, err
}

// ReactivateEnrollment puts a failed enrollment back on the schedule with
// a clean failure count. Dead-letter replay uses this to retry a step that
// exhausted its attempts.
func (s *Store) ReactivateEnrollment(ctx context.Context, enrollmentID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE enrollments
		SET status = 'active', failure_count = 0, next_action_at = $2,
		    claimed_at = NULL, claimed_by = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'failed'`, enrollmentID, at)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// CompleteEnrollmentTx marks an enrollment finished and bumps the instance
// completion counter in the same transaction.
func (s *Store) CompleteEnrollmentTx(ctx context.Context, tx *sql.Tx, enrollmentID, instanceID string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE enrollments
		SET status = 'completed', next_action_at = NULL, claimed_at = NULL, claimed_by = NULL, updated_at = NOW()
		WHERE id = $1`, enrollmentID)
	if err != nil {
		return err
	}
	return s.IncrementInstanceCounter(ctx, tx, instanceID, "total_completed", 1)
}

// ApplyEventStatusTx applies an event-driven terminal transition (bounced,
// unsubscribed) inside the event transaction. Already-terminal
// enrollments are left untouched; the event row still records.
func (s *Store) ApplyEventStatusTx(ctx context.Context, tx *sql.Tx, enrollmentID string, next domain.EnrollmentStatus, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE enrollments
		SET status = $2, next_action_at = NULL, last_event_at = $3, updated_at = NOW()
		WHERE id = $1 AND status IN ('enrolled', 'active', 'paused')`,
		enrollmentID, next, at)
	return err
}

// TouchEnrollmentEventTx stamps last_event_at for non-terminal events.
func (s *Store) TouchEnrollmentEventTx(ctx context.Context, tx *sql.Tx, enrollmentID string, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE enrollments SET last_event_at = $2, updated_at = NOW() WHERE id = $1`,
		enrollmentID, at)
	return err
}

// ResumeWaitingConnectionTx wakes an enrollment parked on a LinkedIn
// connection acceptance. No-op unless the enrollment is actually waiting.
func (s *Store) ResumeWaitingConnectionTx(ctx context.Context, tx *sql.Tx, enrollmentID string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE enrollments
		SET next_action_at = NOW(), step_state = '{}',
		    claimed_at = NULL, claimed_by = NULL, updated_at = NOW()
		WHERE id = $1 AND status IN ('enrolled', 'active') AND step_state->>'awaiting' = 'connection'`,
		enrollmentID)
	return err
}

// ResumeVideoSendTx re-arms an enrollment parked on video rendering once
// the render finishes. The scheduler picks it up and dispatches the email
// that carries the video.
func (s *Store) ResumeVideoSendTx(ctx context.Context, tx *sql.Tx, enrollmentID, videoURL string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE enrollments
		SET next_action_at = NOW(),
		    step_state = jsonb_build_object('awaiting', 'video_send', 'video_url', $2::text),
		    claimed_at = NULL, claimed_by = NULL, updated_at = NOW()
		WHERE id = $1 AND status IN ('enrolled', 'active') AND step_state->>'awaiting' = 'video'`,
		enrollmentID, videoURL)
	return err
}

// FailVideoStepTx clears the video wait so the normal failure policy can
// run the step again or fail the enrollment.
func (s *Store) FailVideoStepTx(ctx context.Context, tx *sql.Tx, enrollmentID string, retryAt time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE enrollments
		SET next_action_at = $2, step_state = '{}',
		    claimed_at = NULL, claimed_by = NULL, updated_at = NOW()
		WHERE id = $1 AND status IN ('enrolled', 'active') AND step_state->>'awaiting' = 'video'`,
		enrollmentID, retryAt)
	return err
}
