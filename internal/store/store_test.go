package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
)

func setupTestDB(t *testing.T) (*Store, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	return New(db), mock, func() { db.Close() }
}

func TestWithTxCommitsOnSuccess(t *testing.T) {
	s, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE campaign_instances").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.WithTx(context.Background(), func(tx *sql.Tx) error {
		return s.IncrementInstanceCounter(context.Background(), tx, "inst-1", "total_sent", 1)
	})
	if err != nil {
		t.Fatalf("WithTx: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestWithTxRollsBackOnError(t *testing.T) {
	s, mock, cleanup := setupTestDB(t)
	defer cleanup()

	boom := errors.New("boom")
	mock.ExpectBegin()
	mock.ExpectRollback()

	err := s.WithTx(context.Background(), func(tx *sql.Tx) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestWithTxRollsBackOnPanic(t *testing.T) {
	s, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectRollback()

	func() {
		defer func() {
			if recover() == nil {
				t.Error("panic should propagate")
			}
		}()
		s.WithTx(context.Background(), func(tx *sql.Tx) error {
			panic("mid-transaction crash")
		})
	}()

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestIncrementInstanceCounterRejectsUnknownColumn(t *testing.T) {
	s, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectRollback()

	err := s.WithTx(context.Background(), func(tx *sql.Tx) error {
		return s.IncrementInstanceCounter(context.Background(), tx, "inst-1", "total_sent; DROP TABLE", 1)
	})
	if err == nil {
		t.Fatal("injection-shaped column name must be rejected")
	}
}

func TestIsUniqueViolation(t *testing.T) {
	dup := &pq.Error{Code: "23505", Constraint: "uniq_campaign_events_provider_event"}
	if !IsUniqueViolation(dup, "") {
		t.Error("bare 23505 should match")
	}
	if !IsUniqueViolation(dup, "uniq_campaign_events_provider_event") {
		t.Error("constraint-scoped match failed")
	}
	if IsUniqueViolation(dup, "some_other_constraint") {
		t.Error("different constraint should not match")
	}
	if IsUniqueViolation(&pq.Error{Code: "23503"}, "") {
		t.Error("foreign key violation is not a unique violation")
	}
	if IsUniqueViolation(errors.New("plain"), "") {
		t.Error("non-pq error should not match")
	}
	wrapped := wrapErr(dup)
	if !IsUniqueViolation(wrapped, "") {
		t.Error("wrapped pq error should match")
	}
}

func wrapErr(err error) error {
	return &wrappedError{err}
}

type wrappedError struct{ inner error }

func (w *wrappedError) Error() string { return "wrapped: " + w.inner.Error() }
func (w *wrappedError) Unwrap() error { return w.inner }
