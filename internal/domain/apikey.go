package domain

import "time"

// APIKeyRole scopes what an API key may call.
type APIKeyRole string

const (
	RoleAdmin    APIKeyRole = "admin"
	RoleIngest   APIKeyRole = "ingest"
	RoleReadOnly APIKeyRole = "readonly"
)

// APIKey is a stored credential. The plaintext key is shown once at
// issuance; only the argon2id digest and a SHA-256 lookup fingerprint are
// persisted.
type APIKey struct {
	ID          string     `json:"id" db:"id"`
	Name        string     `json:"name" db:"name"`
	KeyDigest   string     `json:"-" db:"key_digest"`
	Fingerprint string     `json:"-" db:"fingerprint"`
	Role        APIKeyRole `json:"role" db:"role"`
	LastUsedAt  *time.Time `json:"last_used_at" db:"last_used_at"`
	RevokedAt   *time.Time `json:"revoked_at" db:"revoked_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
}

// Active reports whether the key may authenticate requests.
func (k *APIKey) Active() bool {
	return k.RevokedAt == nil
}

// Allows reports whether the key's role covers the required role.
// Admin covers everything; ingest covers ingest and readonly.
func (k *APIKey) Allows(required APIKeyRole) bool {
	switch k.Role {
	case RoleAdmin:
		return true
	case RoleIngest:
		return required != RoleAdmin
	case RoleReadOnly:
		return required == RoleReadOnly
	}
	return false
}
