package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/outreach-engine/internal/domain"
)

// InsertAPIKey persists a freshly issued key's digest and fingerprint.
func (s *Store) InsertAPIKey(ctx context.Context, k *domain.APIKey) error {
	k.ID = uuid.New().String()
	k.CreatedAt = time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, name, key_digest, fingerprint, role, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		k.ID, k.Name, k.KeyDigest, k.Fingerprint, k.Role, k.CreatedAt)
	return err
}

// GetAPIKeyByFingerprint looks a key up for authentication.
func (s *Store) GetAPIKeyByFingerprint(ctx context.Context, fingerprint string) (*domain.APIKey, error) {
	k := &domain.APIKey{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, key_digest, fingerprint, role, last_used_at, revoked_at, created_at
		FROM api_keys WHERE fingerprint = $1`, fingerprint).Scan(
		&k.ID, &k.Name, &k.KeyDigest, &k.Fingerprint, &k.Role, &k.LastUsedAt, &k.RevokedAt, &k.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	return k, err
}

// TouchAPIKey stamps last_used_at. Best-effort; auth does not fail on it.
func (s *Store) TouchAPIKey(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = NOW() WHERE id = $1`, id)
	return err
}

// RevokeAPIKey deactivates a key.
func (s *Store) RevokeAPIKey(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET revoked_at = NOW() WHERE id = $1 AND revoked_at IS NULL`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListAPIKeys returns all keys (digests included for internal use only;
// handlers must not serialize KeyDigest).
func (s *Store) ListAPIKeys(ctx context.Context) ([]*domain.APIKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, key_digest, fingerprint, role, last_used_at, revoked_at, created_at
		FROM api_keys ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.APIKey
	for rows.Next() {
		k := &domain.APIKey{}
		if err := rows.Scan(&k.ID, &k.Name, &k.KeyDigest, &k.Fingerprint, &k.Role,
			&k.LastUsedAt, &k.RevokedAt, &k.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}
