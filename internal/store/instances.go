package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/outreach-engine/internal/domain"
)

const instanceColumns = `id, template_id, name, status, provider_ids, daily_send_cap,
	total_enrolled, total_sent, total_delivered, total_opened, total_clicked,
	total_replied, total_bounced, total_failed, total_completed,
	started_at, paused_at, completed_at, created_at, updated_at`

func scanInstance(row interface{ Scan(...any) error }) (*domain.CampaignInstance, error) {
	ci := &domain.CampaignInstance{}
	var providerIDs []byte
	err := row.Scan(&ci.ID, &ci.TemplateID, &ci.Name, &ci.Status, &providerIDs, &ci.DailySendCap,
		&ci.TotalEnrolled, &ci.TotalSent, &ci.TotalDelivered, &ci.TotalOpened, &ci.TotalClicked,
		&ci.TotalReplied, &ci.TotalBounced, &ci.TotalFailed, &ci.TotalCompleted,
		&ci.StartedAt, &ci.PausedAt, &ci.CompletedAt, &ci.CreatedAt, &ci.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(providerIDs) > 0 {
		json.Unmarshal(providerIDs, &ci.ProviderIDs)
	}
	return ci, nil
}

// CreateInstance creates a draft instance from an active template.
func (s *Store) CreateInstance(ctx context.Context, ci *domain.CampaignInstance) error {
	tpl, err := s.GetTemplate(ctx, ci.TemplateID)
	if err != nil {
		return fmt.Errorf("template lookup: %w", err)
	}
	if tpl.Status != domain.TemplateActive {
		return fmt.Errorf("%w: instances require an active template, %s is %s",
			domain.ErrValidation, tpl.ID, tpl.Status)
	}

	ci.ID = uuid.New().String()
	ci.Status = domain.InstanceDraft
	ci.CreatedAt = time.Now()
	ci.UpdatedAt = ci.CreatedAt

	providerIDs, _ := json.Marshal(ci.ProviderIDs)
	if ci.ProviderIDs == nil {
		providerIDs = []byte("[]")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO campaign_instances (id, template_id, name, status, provider_ids, daily_send_cap, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		ci.ID, ci.TemplateID, ci.Name, ci.Status, providerIDs, ci.DailySendCap, ci.CreatedAt, ci.UpdatedAt)
	return err
}

// GetInstance retrieves one instance with its counters.
func (s *Store) GetInstance(ctx context.Context, id string) (*domain.CampaignInstance, error) {
	ci, err := scanInstance(s.db.QueryRowContext(ctx,
		`SELECT `+instanceColumns+` FROM campaign_instances WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	return ci, err
}

// GetInstanceTx retrieves an instance inside a transaction without locking.
func (s *Store) GetInstanceTx(ctx context.Context, tx *sql.Tx, id string) (*domain.CampaignInstance, error) {
	ci, err := scanInstance(tx.QueryRowContext(ctx,
		`SELECT `+instanceColumns+` FROM campaign_instances WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	return ci, err
}

// ListInstances returns instances newest-first with a total count.
func (s *Store) ListInstances(ctx context.Context, status string, limit, offset int) ([]*domain.CampaignInstance, int, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM campaign_instances WHERE ($1 = '' OR status = $1)`,
		status).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+instanceColumns+`
		FROM campaign_instances
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`, status, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*domain.CampaignInstance
	for rows.Next() {
		ci, err := scanInstance(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, ci)
	}
	return out, total, rows.Err()
}

// TransitionInstance applies a status change under a row lock, enforcing
// the status graph. Each transition stamps its timestamp: activation
// started_at (first time only), pausing paused_at, completion completed_at.
func (s *Store) TransitionInstance(ctx context.Context, id string, next domain.InstanceStatus) (*domain.CampaignInstance, error) {
	var out *domain.CampaignInstance
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		ci, err := scanInstance(tx.QueryRowContext(ctx,
			`SELECT `+instanceColumns+` FROM campaign_instances WHERE id = $1 FOR UPDATE`, id))
		if err == sql.ErrNoRows {
			return domain.ErrNotFound
		}
		if err != nil {
			return err
		}
		if err := ci.CanTransitionTo(next); err != nil {
			return err
		}

		sets := []string{"status = $2", "updated_at = NOW()"}
		if next == domain.InstanceActive && ci.StartedAt == nil {
			sets = append(sets, "started_at = NOW()")
		}
		if next == domain.InstancePaused {
			sets = append(sets, "paused_at = NOW()")
		}
		if next == domain.InstanceCompleted {
			sets = append(sets, "completed_at = NOW()")
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE campaign_instances SET `+strings.Join(sets, ", ")+` WHERE id = $1`,
			id, next)
		if err != nil {
			return err
		}
		ci.Status = next
		out = ci
		return nil
	})
	return out, err
}

// IncrementInstanceCounter bumps one denormalized counter with SQL-side
// arithmetic inside the caller's transaction. The column name comes from
// domain.CounterColumn, never from request input.
func (s *Store) IncrementInstanceCounter(ctx context.Context, tx *sql.Tx, instanceID, column string, delta int) error {
	if _, ok := allowedCounterColumns[column]; !ok {
		return fmt.Errorf("unknown counter column %q", column)
	}
	query := fmt.Sprintf(
		`UPDATE campaign_instances SET %s = %s + $2, updated_at = NOW() WHERE id = $1`,
		column, column)
	res, err := tx.ExecContext(ctx, query, instanceID, delta)
	if err != nil {
		return fmt.Errorf("increment %s: %w", column, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

var allowedCounterColumns = map[string]struct{}{
	"total_enrolled":  {},
	"total_sent":      {},
	"total_delivered": {},
	"total_opened":    {},
	"total_clicked":   {},
	"total_replied":   {},
	"total_bounced":   {},
	"total_failed":    {},
	"total_completed": {},
}

// CountInstanceSentToday returns today's (UTC) sent events for the
// instance daily cap check.
func (s *Store) CountInstanceSentToday(ctx context.Context, instanceID string, now time.Time) (int, error) {
	dayStart := time.Date(now.UTC().Year(), now.UTC().Month(), now.UTC().Day(), 0, 0, 0, 0, time.UTC)
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM campaign_events
		WHERE instance_id = $1 AND event_type = 'sent' AND occurred_at >= $2`,
		instanceID, dayStart).Scan(&n)
	return n, err
}

// ActiveEnrollmentCount reports how many enrollments can still progress,
// used to auto-complete instances whose work is done.
func (s *Store) ActiveEnrollmentCount(ctx context.Context, tx *sql.Tx, instanceID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM enrollments
		WHERE instance_id = $1 AND status IN ('enrolled', 'active', 'paused')`, instanceID).Scan(&n)
	return n, err
}

// CompleteInstanceIfDrainedTx moves an active instance to completed once
// no enrollment can still progress. Reports whether the transition fired.
func (s *Store) CompleteInstanceIfDrainedTx(ctx context.Context, tx *sql.Tx, instanceID string) (bool, error) {
	n, err := s.ActiveEnrollmentCount(ctx, tx, instanceID)
	if err != nil {
		return false, err
	}
	if n > 0 {
		return false, nil
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE campaign_instances
		SET status = 'completed', completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'active'`, instanceID)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	return rows > 0, err
}
