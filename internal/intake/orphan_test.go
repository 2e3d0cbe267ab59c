package intake

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"

	"github.com/ignite/outreach-engine/internal/domain"
	"github.com/ignite/outreach-engine/internal/provider"
)

func setupOrphanWorker(t *testing.T) (*OrphanWorker, *Pipeline, sqlmock.Sqlmock, *miniredis.Miniredis) {
	t.Helper()
	p, mock, mr := setupPipeline(t, 1<<20)
	w := NewOrphanWorker(p.queue, p, p.store, p.metrics, testIntakeConfig(1<<20))
	return w, p, mock, mr
}

func orphanedClick() provider.RawEvent {
	return provider.RawEvent{
		Provider:        "lemlist",
		Channel:         domain.ChannelEmail,
		Type:            "emailsClicked",
		ProviderEventID: "evt-55",
		ProviderRef:     "msg-123",
		Email:           "jane@acme.io",
		InstanceHint:    "inst-1",
		StepHint:        2,
		Timestamp:       "2025-06-01T10:00:00Z",
	}
}

func TestOrphanBackoffDoublesAndCaps(t *testing.T) {
	_, p, _, _ := setupOrphanWorker(t)
	q := p.queue

	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 30 * time.Second},
		{1, time.Minute},
		{2, 2 * time.Minute},
		{6, 32 * time.Minute},
		{7, time.Hour},
		{20, time.Hour},
	}
	for _, tc := range cases {
		if got := q.backoff(tc.attempts); got != tc.want {
			t.Errorf("backoff(%d) = %s, want %s", tc.attempts, got, tc.want)
		}
	}
}

func TestOrphanSweepResolvesWhenEnrollmentAppears(t *testing.T) {
	w, _, mock, mr := setupOrphanWorker(t)
	ctx := context.Background()
	now := time.Now()

	if err := w.queue.Enqueue(ctx, orphanedClick(), now); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// The enrollment is visible by the time the retry fires.
	mock.ExpectQuery("FROM enrollments\\s+WHERE provider_message_id").
		WithArgs("msg-123").
		WillReturnRows(enrollmentRows())
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO campaign_events").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE campaign_instances SET total_clicked = total_clicked").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE enrollments SET last_event_at").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := w.Sweep(ctx, now.Add(time.Minute)); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	if mr.Exists(orphanKey) {
		t.Error("resolved entry must leave the queue")
	}
	if got := atomic.LoadInt64(&w.resolved); got != 1 {
		t.Errorf("resolved = %d, want 1", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestOrphanSweepReschedulesWithBackoff(t *testing.T) {
	w, _, mock, mr := setupOrphanWorker(t)
	ctx := context.Background()
	now := time.Now()

	if err := w.queue.Enqueue(ctx, orphanedClick(), now); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	mock.ExpectQuery("FROM enrollments\\s+WHERE provider_message_id").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("WHERE instance_id = \\$1 AND lower\\(prospect_email\\)").
		WillReturnError(sql.ErrNoRows)

	sweepAt := now.Add(time.Minute)
	if err := w.Sweep(ctx, sweepAt); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	members, err := mr.ZMembers(orphanKey)
	if err != nil || len(members) != 1 {
		t.Fatalf("queue should hold the rescheduled entry, got %d (%v)", len(members), err)
	}
	var entry orphanEntry
	if err := json.Unmarshal([]byte(members[0]), &entry); err != nil {
		t.Fatalf("entry: %v", err)
	}
	if entry.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", entry.Attempts)
	}

	// Second attempt waits base*2 = 60s from the sweep.
	score, err := mr.ZScore(orphanKey, members[0])
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	wantDue := sweepAt.Add(time.Minute).Unix()
	if int64(score) != wantDue {
		t.Errorf("next attempt = %d, want %d", int64(score), wantDue)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestOrphanSweepDeadLettersAfterMaxAttempts(t *testing.T) {
	w, _, mock, mr := setupOrphanWorker(t)
	ctx := context.Background()
	now := time.Now()

	entry := orphanEntry{
		ID:        "orphan-1",
		Event:     orphanedClick(),
		Attempts:  11,
		FirstSeen: now.Add(-2 * time.Hour),
	}
	if err := w.queue.add(ctx, entry, now.Add(-time.Second)); err != nil {
		t.Fatalf("add: %v", err)
	}

	mock.ExpectQuery("FROM enrollments\\s+WHERE provider_message_id").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("WHERE instance_id = \\$1 AND lower\\(prospect_email\\)").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("INSERT INTO dead_letter_events").
		WithArgs(sqlmock.AnyArg(), "webhook", "lemlist", sqlmock.AnyArg(), sqlmock.AnyArg(),
			"orphaned: no matching enrollment", 12, nil, "failed",
			sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := w.Sweep(ctx, now); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	if mr.Exists(orphanKey) {
		t.Error("exhausted entry must leave the queue")
	}
	if got := atomic.LoadInt64(&w.deadLettered); got != 1 {
		t.Errorf("deadLettered = %d, want 1", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestOrphanSweepKeepsEntryOnInfrastructureError(t *testing.T) {
	w, _, mock, mr := setupOrphanWorker(t)
	ctx := context.Background()
	now := time.Now()

	if err := w.queue.Enqueue(ctx, orphanedClick(), now); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// A database outage is not a correlation miss: the entry goes back
	// without burning an attempt.
	mock.ExpectQuery("FROM enrollments\\s+WHERE provider_message_id").
		WillReturnError(sql.ErrConnDone)

	if err := w.Sweep(ctx, now.Add(time.Minute)); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	members, _ := mr.ZMembers(orphanKey)
	if len(members) != 1 {
		t.Fatalf("entry must stay queued, depth = %d", len(members))
	}
	var entry orphanEntry
	json.Unmarshal([]byte(members[0]), &entry)
	if entry.Attempts != 0 {
		t.Errorf("attempts = %d, want 0 after infrastructure error", entry.Attempts)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestOrphanWorkerStartStop(t *testing.T) {
	w, _, _, _ := setupOrphanWorker(t)

	if err := w.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := w.Start(); err == nil {
		t.Error("second start must fail")
	}
	w.Stop()

	stats := w.Stats()
	if stats["running"].(bool) {
		t.Error("worker should report stopped")
	}
}
