// Package store is the persistence layer. All SQL lives here; callers get
// typed operations and the WithTx primitive that the intake pipeline and
// scheduler use to commit an event row, its counter deltas, and enrollment
// changes as one unit.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// Store provides database operations for campaign entities.
type Store struct {
	db *sql.DB
}

// New creates a store around an open connection pool.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying pool for health checks.
func (s *Store) DB() *sql.DB {
	return s.db
}

// WithTx runs fn inside a transaction. The transaction is rolled back on
// error or panic, committed otherwise.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// IsUniqueViolation reports whether err is a Postgres unique_violation,
// optionally on a specific constraint. The event dedup path relies on this
// to turn redelivered webhooks into no-ops instead of failures.
func IsUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	if pqErr.Code != "23505" {
		return false
	}
	return constraint == "" || pqErr.Constraint == constraint
}

// jsonb marshals v for a JSONB column, defaulting to the empty object.
func jsonb(v any) []byte {
	if v == nil {
		return []byte("{}")
	}
	data, err := json.Marshal(v)
	if err != nil || string(data) == "null" {
		return []byte("{}")
	}
	return data
}

// scanJSONMap unmarshals a JSONB column into a string map.
func scanJSONMap(raw []byte) map[string]string {
	out := map[string]string{}
	if len(raw) > 0 {
		json.Unmarshal(raw, &out)
	}
	return out
}
