package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/outreach-engine/internal/domain"
)

// CreateTemplate inserts a template and its steps in one transaction.
func (s *Store) CreateTemplate(ctx context.Context, t *domain.CampaignTemplate) error {
	if err := t.Validate(); err != nil {
		return err
	}
	t.ID = uuid.New().String()
	t.Status = domain.TemplateDraft
	t.CreatedAt = time.Now()
	t.UpdatedAt = t.CreatedAt

	return s.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO campaign_templates (id, name, description, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			t.ID, t.Name, t.Description, t.Status, t.CreatedAt, t.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert template: %w", err)
		}
		return insertSteps(ctx, tx, t.ID, t.Steps)
	})
}

func insertSteps(ctx context.Context, tx *sql.Tx, templateID string, steps []domain.SequenceStep) error {
	if len(steps) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO campaign_template_steps
			(template_id, step_number, channel, day_offset, action, provider_hint, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, step := range steps {
		_, err := stmt.ExecContext(ctx, templateID, step.StepNumber, step.Channel,
			step.DayOffset, step.Action, step.ProviderHint, jsonb(step.Metadata))
		if err != nil {
			return fmt.Errorf("insert step %d: %w", step.StepNumber, err)
		}
	}
	return nil
}

// GetTemplate retrieves a template with its steps.
func (s *Store) GetTemplate(ctx context.Context, id string) (*domain.CampaignTemplate, error) {
	t := &domain.CampaignTemplate{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, status, created_at, updated_at
		FROM campaign_templates WHERE id = $1`, id).Scan(
		&t.ID, &t.Name, &t.Description, &t.Status, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT step_number, channel, day_offset, action, provider_hint, metadata
		FROM campaign_template_steps WHERE template_id = $1 ORDER BY step_number`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var step domain.SequenceStep
		var meta []byte
		if err := rows.Scan(&step.StepNumber, &step.Channel, &step.DayOffset,
			&step.Action, &step.ProviderHint, &meta); err != nil {
			return nil, err
		}
		step.Metadata = scanJSONMap(meta)
		t.Steps = append(t.Steps, step)
	}
	return t, rows.Err()
}

// ListTemplates returns templates newest-first, optionally filtered by
// status, with the total count for paging.
func (s *Store) ListTemplates(ctx context.Context, status string, limit, offset int) ([]*domain.CampaignTemplate, int, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	var total int
	countQ := `SELECT COUNT(*) FROM campaign_templates WHERE ($1 = '' OR status = $1)`
	if err := s.db.QueryRowContext(ctx, countQ, status).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.name, t.description, t.status, t.created_at, t.updated_at,
		       (SELECT COUNT(*) FROM campaign_template_steps st WHERE st.template_id = t.id) AS step_count
		FROM campaign_templates t
		WHERE ($1 = '' OR t.status = $1)
		ORDER BY t.created_at DESC
		LIMIT $2 OFFSET $3`, status, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*domain.CampaignTemplate
	for rows.Next() {
		t := &domain.CampaignTemplate{}
		var stepCount int
		if err := rows.Scan(&t.ID, &t.Name, &t.Description, &t.Status,
			&t.CreatedAt, &t.UpdatedAt, &stepCount); err != nil {
			return nil, 0, err
		}
		if stepCount > 0 {
			t.Steps = make([]domain.SequenceStep, 0, stepCount)
		}
		out = append(out, t)
	}
	return out, total, rows.Err()
}

// UpdateTemplate replaces a draft template's definition. Active and
// archived templates are immutable.
func (s *Store) UpdateTemplate(ctx context.Context, t *domain.CampaignTemplate) error {
	if err := t.Validate(); err != nil {
		return err
	}
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		var status domain.TemplateStatus
		err := tx.QueryRowContext(ctx,
			`SELECT status FROM campaign_templates WHERE id = $1 FOR UPDATE`, t.ID).Scan(&status)
		if err == sql.ErrNoRows {
			return domain.ErrNotFound
		}
		if err != nil {
			return err
		}
		if status != domain.TemplateDraft {
			return fmt.Errorf("%w: %s template is immutable", domain.ErrInvalidTransition, status)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE campaign_templates SET name = $2, description = $3, updated_at = NOW()
			WHERE id = $1`, t.ID, t.Name, t.Description)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM campaign_template_steps WHERE template_id = $1`, t.ID); err != nil {
			return err
		}
		return insertSteps(ctx, tx, t.ID, t.Steps)
	})
}

// TransitionTemplate moves a template between draft/active/archived with
// the activation checks applied under a row lock.
func (s *Store) TransitionTemplate(ctx context.Context, id string, next domain.TemplateStatus) (*domain.CampaignTemplate, error) {
	var out *domain.CampaignTemplate
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		t := &domain.CampaignTemplate{}
		err := tx.QueryRowContext(ctx, `
			SELECT id, name, description, status, created_at, updated_at
			FROM campaign_templates WHERE id = $1 FOR UPDATE`, id).Scan(
			&t.ID, &t.Name, &t.Description, &t.Status, &t.CreatedAt, &t.UpdatedAt)
		if err == sql.ErrNoRows {
			return domain.ErrNotFound
		}
		if err != nil {
			return err
		}

		switch next {
		case domain.TemplateActive:
			rows, err := tx.QueryContext(ctx, `
				SELECT step_number, channel, day_offset, action, provider_hint, metadata
				FROM campaign_template_steps WHERE template_id = $1 ORDER BY step_number`, id)
			if err != nil {
				return err
			}
			for rows.Next() {
				var step domain.SequenceStep
				var meta []byte
				if err := rows.Scan(&step.StepNumber, &step.Channel, &step.DayOffset,
					&step.Action, &step.ProviderHint, &meta); err != nil {
					rows.Close()
					return err
				}
				step.Metadata = scanJSONMap(meta)
				t.Steps = append(t.Steps, step)
			}
			rows.Close()
			if err := t.CanActivate(); err != nil {
				return err
			}
		case domain.TemplateArchived:
			if t.Status == domain.TemplateArchived {
				return fmt.Errorf("%w: template already archived", domain.ErrInvalidTransition)
			}
		default:
			return fmt.Errorf("%w: template %s -> %s", domain.ErrInvalidTransition, t.Status, next)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE campaign_templates SET status = $2, updated_at = NOW() WHERE id = $1`,
			id, next); err != nil {
			return err
		}
		t.Status = next
		out = t
		return nil
	})
	return out, err
}
