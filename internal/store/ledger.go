package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ignite/outreach-engine/internal/domain"
)

// LinkedInUsageForUpdate locks (creating if absent) the daily ledger row
// for one automation account and date. The caller holds the row lock until
// its transaction commits, so cap check and increment are race-free across
// concurrent scheduler workers.
func (s *Store) LinkedInUsageForUpdate(ctx context.Context, tx *sql.Tx, accountID, usageDate string) (*domain.LinkedInDailyUsage, error) {
	// Ensure the row exists before locking it. DO NOTHING keeps a
	// concurrent creator from failing the transaction.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO linkedin_daily_usage (account_id, usage_date)
		VALUES ($1, $2)
		ON CONFLICT (account_id, usage_date) DO NOTHING`,
		accountID, usageDate); err != nil {
		return nil, fmt.Errorf("ensure ledger row: %w", err)
	}

	u := &domain.LinkedInDailyUsage{}
	err := tx.QueryRowContext(ctx, `
		SELECT account_id, usage_date::text, connections_sent, messages_sent, profile_visits, updated_at
		FROM linkedin_daily_usage
		WHERE account_id = $1 AND usage_date = $2
		FOR UPDATE`,
		accountID, usageDate).Scan(
		&u.AccountID, &u.UsageDate, &u.ConnectionsSent, &u.MessagesSent, &u.ProfileVisits, &u.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("lock ledger row: %w", err)
	}
	return u, nil
}

// IncrementLinkedInUsage bumps one action counter on the locked ledger row.
func (s *Store) IncrementLinkedInUsage(ctx context.Context, tx *sql.Tx, accountID, usageDate string, action domain.LinkedInAction) error {
	column, ok := ledgerColumns[action]
	if !ok {
		return fmt.Errorf("unknown linkedin action %q", action)
	}
	query := fmt.Sprintf(`
		UPDATE linkedin_daily_usage
		SET %s = %s + 1, updated_at = NOW()
		WHERE account_id = $1 AND usage_date = $2`, column, column)
	_, err := tx.ExecContext(ctx, query, accountID, usageDate)
	return err
}

var ledgerColumns = map[domain.LinkedInAction]string{
	domain.LinkedInConnections:   "connections_sent",
	domain.LinkedInMessages:      "messages_sent",
	domain.LinkedInProfileVisits: "profile_visits",
}
