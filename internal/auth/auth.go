// Package auth issues and verifies API keys. A key's plaintext is shown
// exactly once at issuance; storage keeps an argon2id digest for
// verification and a SHA-256 fingerprint for lookup. Repeated failures
// from one address trip a Redis-backed lockout.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/argon2"

	"github.com/ignite/outreach-engine/internal/config"
	"github.com/ignite/outreach-engine/internal/domain"
	"github.com/ignite/outreach-engine/internal/store"
)

// keyPrefix marks plaintext keys so leaked ones are easy to grep for.
const keyPrefix = "ok_"

const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
	saltLen      = 16
)

const lockoutPrefix = "auth:fail:"

// Manager authenticates API keys and tracks per-address failure windows.
type Manager struct {
	store     *store.Store
	rdb       *redis.Client
	threshold int
	lockout   time.Duration
	bootstrap string
}

func NewManager(st *store.Store, rdb *redis.Client, cfg config.APIConfig) *Manager {
	return &Manager{
		store:     st,
		rdb:       rdb,
		threshold: cfg.LockoutThreshold,
		lockout:   time.Duration(cfg.LockoutMinutes) * time.Minute,
		bootstrap: cfg.BootstrapAdminKey,
	}
}

// IssueKey mints a new key and returns the plaintext exactly once,
// alongside the stored record.
func (m *Manager) IssueKey(ctx context.Context, name string, role domain.APIKeyRole) (string, *domain.APIKey, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, fmt.Errorf("key material: %w", err)
	}
	plaintext := keyPrefix + base64.RawURLEncoding.EncodeToString(raw)

	digest, err := hashKey(plaintext)
	if err != nil {
		return "", nil, err
	}
	k := &domain.APIKey{
		Name:        name,
		KeyDigest:   digest,
		Fingerprint: fingerprint(plaintext),
		Role:        role,
	}
	if err := m.store.InsertAPIKey(ctx, k); err != nil {
		return "", nil, err
	}
	return plaintext, k, nil
}

// Authenticate resolves a presented key by fingerprint and verifies it
// against the stored digest. Every failure mode answers ErrUnauthorized;
// callers must not leak which step rejected.
func (m *Manager) Authenticate(ctx context.Context, presented string) (*domain.APIKey, error) {
	if presented == "" {
		return nil, domain.ErrUnauthorized
	}

	// The bootstrap key exists so a fresh deployment can mint its first
	// real keys. It never touches the database.
	if m.bootstrap != "" && subtle.ConstantTimeCompare([]byte(presented), []byte(m.bootstrap)) == 1 {
		return &domain.APIKey{ID: "bootstrap", Name: "bootstrap-admin", Role: domain.RoleAdmin}, nil
	}

	k, err := m.store.GetAPIKeyByFingerprint(ctx, fingerprint(presented))
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.ErrUnauthorized
	}
	if err != nil {
		return nil, err
	}
	if !k.Active() || !verifyDigest(presented, k.KeyDigest) {
		return nil, domain.ErrUnauthorized
	}

	if err := m.store.TouchAPIKey(ctx, k.ID); err != nil {
		log.Printf("[Auth] last_used_at stamp for key %s: %v", k.ID, err)
	}
	return k, nil
}

// Revoke deactivates a key.
func (m *Manager) Revoke(ctx context.Context, id string) error {
	return m.store.RevokeAPIKey(ctx, id)
}

// Keys lists stored keys for the admin surface.
func (m *Manager) Keys(ctx context.Context) ([]*domain.APIKey, error) {
	return m.store.ListAPIKeys(ctx)
}

// Locked reports whether the address has exhausted its failure budget.
func (m *Manager) Locked(ctx context.Context, addr string) (bool, error) {
	n, err := m.rdb.Get(ctx, lockoutPrefix+addr).Int()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return n >= m.threshold, nil
}

// RecordFailure bumps the address's failure count. The first failure
// opens the window; the counter expiring is what ends a lockout.
func (m *Manager) RecordFailure(ctx context.Context, addr string) error {
	key := lockoutPrefix + addr
	n, err := m.rdb.Incr(ctx, key).Result()
	if err != nil {
		return err
	}
	if n == 1 {
		return m.rdb.Expire(ctx, key, m.lockout).Err()
	}
	return nil
}

// ClearFailures resets the window after a successful authentication, so
// only consecutive failures count toward the lockout.
func (m *Manager) ClearFailures(ctx context.Context, addr string) error {
	return m.rdb.Del(ctx, lockoutPrefix+addr).Err()
}

// fingerprint is the lookup column: SHA-256 hex of the full plaintext.
func fingerprint(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// hashKey derives an argon2id digest in the standard encoded form.
func hashKey(key string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("salt: %w", err)
	}
	hash := argon2.IDKey([]byte(key), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argonMemory, argonTime, argonThreads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash)), nil
}

// verifyDigest re-derives the key under the digest's own parameters and
// compares in constant time. Malformed digests verify false.
func verifyDigest(key, encoded string) bool {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return false
	}
	var mem, iter uint32
	var par uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &mem, &iter, &par); err != nil {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false
	}
	got := argon2.IDKey([]byte(key), salt, iter, mem, par, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1
}
