package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/outreach-engine/internal/config"
	"github.com/ignite/outreach-engine/internal/domain"
	"github.com/ignite/outreach-engine/internal/metrics"
	"github.com/ignite/outreach-engine/internal/provider"
	"github.com/ignite/outreach-engine/internal/resilience"
	"github.com/ignite/outreach-engine/internal/store"
)

var testNow = time.Date(2025, 6, 10, 15, 0, 0, 0, time.UTC)

// stubProvider is a scriptable provider for dispatch tests.
type stubProvider struct {
	id      string
	channel domain.Channel
	account string

	mu      sync.Mutex
	sends   []provider.SendRequest
	sendRes provider.SendResult
	sendErr error

	status    provider.DeliveryStatus
	statusErr error

	block     chan struct{}
	started   chan struct{}
	startOnce sync.Once
}

func (p *stubProvider) ID() string              { return p.id }
func (p *stubProvider) Channel() domain.Channel { return p.channel }

func (p *stubProvider) Send(ctx context.Context, req provider.SendRequest) (provider.SendResult, error) {
	if p.started != nil {
		p.startOnce.Do(func() { close(p.started) })
	}
	if p.block != nil {
		<-p.block
	}
	p.mu.Lock()
	p.sends = append(p.sends, req)
	p.mu.Unlock()
	if p.sendErr != nil {
		return provider.SendResult{}, p.sendErr
	}
	res := p.sendRes
	if res.ProviderRef == "" {
		res.ProviderRef = "ref-1"
	}
	res.AcceptedAt = time.Now()
	return res, nil
}

func (p *stubProvider) GetStatus(ctx context.Context, ref string) (provider.DeliveryStatus, error) {
	return p.status, p.statusErr
}

func (p *stubProvider) VerifyWebhook(r *http.Request, rawBody []byte) error { return nil }
func (p *stubProvider) ParseWebhookEvent(rawBody []byte, headers http.Header) ([]provider.RawEvent, error) {
	return nil, nil
}
func (p *stubProvider) ValidateConfig(settings map[string]string) error { return nil }
func (p *stubProvider) QuotaStatus(ctx context.Context) (provider.QuotaStatus, error) {
	return provider.QuotaStatus{Provider: p.id}, nil
}
func (p *stubProvider) AccountID() string { return p.account }

func (p *stubProvider) sendCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sends)
}

func (p *stubProvider) lastSend() provider.SendRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sends[len(p.sends)-1]
}

type fixture struct {
	w     *Worker
	mock  sqlmock.Sqlmock
	mr    *miniredis.Miniredis
	email *stubProvider
	li    *stubProvider
	video *stubProvider
}

func setupWorker(t *testing.T) (*fixture, func()) {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	email := &stubProvider{id: "lemlist", channel: domain.ChannelEmail}
	li := &stubProvider{id: "phantombuster", channel: domain.ChannelLinkedIn, account: "li-acct-1"}
	video := &stubProvider{id: "heygen", channel: domain.ChannelVideo}
	reg := provider.NewRegistry()
	reg.Register(email)
	reg.Register(li)
	reg.Register(video)

	cfg := config.SchedulerConfig{
		TickIntervalSeconds:  15,
		BatchSize:            25,
		Concurrency:          1,
		MaxStepFailures:      3,
		ConnectionWaitDays:   14,
		ConnectionCheckHours: 6,
		ClaimTimeoutMinutes:  10,
	}
	caps := config.LinkedInConfig{DailyConnectionCap: 25, DailyMessageCap: 50, DailyProfileVisitCap: 80}

	w := NewWorker(store.New(db), reg, resilience.NewStack(config.ResilienceConfig{}, nil), rdb, metrics.New(), cfg, caps)
	cleanup := func() {
		rdb.Close()
		db.Close()
	}
	return &fixture{w: w, mock: mock, mr: mr, email: email, li: li, video: video}, cleanup
}

func testEnrollment(step int, state map[string]string) *domain.Enrollment {
	return &domain.Enrollment{
		ID:          "enr-1",
		InstanceID:  "inst-1",
		Email:       "jane@acme.io",
		FirstName:   "Jane",
		LastName:    "Doe",
		Company:     "Acme",
		LinkedInURL: "https://linkedin.com/in/janedoe",
		Timezone:    "America/New_York",
		CurrentStep: step,
		Status:      domain.EnrollmentActive,
		StepState:   state,
	}
}

func claimRows(list ...*domain.Enrollment) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{
		"id", "instance_id", "prospect_email", "first_name", "last_name", "company",
		"linkedin_url", "timezone", "current_step", "status", "next_action_at", "last_event_at",
		"provider_message_id", "provider_action_id", "step_state", "created_at", "updated_at",
	})
	for _, e := range list {
		state := []byte(`{}`)
		if len(e.StepState) > 0 {
			state, _ = json.Marshal(e.StepState)
		}
		rows.AddRow(e.ID, e.InstanceID, e.Email, e.FirstName, e.LastName, e.Company,
			e.LinkedInURL, e.Timezone, e.CurrentStep, string(e.Status), e.NextActionAt, e.LastEventAt,
			nil, nil, state, testNow, testNow)
	}
	return rows
}

func instanceRows(status string, dailyCap int) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "template_id", "name", "status", "provider_ids", "daily_send_cap",
		"total_enrolled", "total_sent", "total_delivered", "total_opened", "total_clicked",
		"total_replied", "total_bounced", "total_failed", "total_completed",
		"started_at", "paused_at", "completed_at", "created_at", "updated_at",
	}).AddRow("inst-1", "tpl-1", "Q3 outbound", status, []byte(`["lemlist"]`), dailyCap,
		10, 4, 3, 2, 1, 0, 0, 0, 0, testNow, nil, nil, testNow, testNow)
}

func templateRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "name", "description", "status", "created_at", "updated_at"}).
		AddRow("tpl-1", "Outbound v1", "", "active", testNow, testNow)
}

func stepRows(steps ...domain.SequenceStep) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"step_number", "channel", "day_offset", "action", "provider_hint", "metadata"})
	for _, s := range steps {
		meta := []byte(`{}`)
		if len(s.Metadata) > 0 {
			meta, _ = json.Marshal(s.Metadata)
		}
		rows.AddRow(s.StepNumber, string(s.Channel), s.DayOffset, string(s.Action), s.ProviderHint, meta)
	}
	return rows
}

func seqStep(n int, ch domain.Channel, day int, action domain.StepAction) domain.SequenceStep {
	return domain.SequenceStep{StepNumber: n, Channel: ch, DayOffset: day, Action: action}
}

// expectClaim scripts the batch claim returning the given enrollments.
func expectClaim(f *fixture, rows *sqlmock.Rows) {
	f.mock.ExpectQuery("WITH claimed AS").
		WithArgs(sqlmock.AnyArg(), 25, 600, testNow).
		WillReturnRows(rows)
}

func expectInstanceAndTemplate(f *fixture, inst *sqlmock.Rows, steps *sqlmock.Rows) {
	f.mock.ExpectQuery("FROM campaign_instances WHERE id").WithArgs("inst-1").WillReturnRows(inst)
	f.mock.ExpectQuery("FROM campaign_templates WHERE id").WithArgs("tpl-1").WillReturnRows(templateRows())
	f.mock.ExpectQuery("FROM campaign_template_steps").WithArgs("tpl-1").WillReturnRows(steps)
}

func TestDispatchEmailStepRecordsAndAdvances(t *testing.T) {
	f, cleanup := setupWorker(t)
	defer cleanup()

	f.email.sendRes = provider.SendResult{ProviderRef: "msg-9"}

	expectClaim(f, claimRows(testEnrollment(0, nil)))
	expectInstanceAndTemplate(f, instanceRows("active", 0), stepRows(
		seqStep(1, domain.ChannelEmail, 0, domain.ActionSendEmail),
		seqStep(2, domain.ChannelEmail, 3, domain.ActionSendEmail),
	))
	f.mock.ExpectQuery("SELECT EXISTS").WithArgs("enr-1", "sent", 1).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	f.mock.ExpectBegin()
	f.mock.ExpectExec("INSERT INTO campaign_events").WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec(`SET total_sent = total_sent \+ \$2`).WithArgs("inst-1", 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec("SET provider_message_id").WithArgs("enr-1", "msg-9", "").
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec("SET current_step").
		WithArgs("enr-1", 1, testNow.Add(3*24*time.Hour), []byte(`{}`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectCommit()

	stats, err := f.w.RunOnce(context.Background(), testNow)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if stats.Claimed != 1 || stats.Dispatched != 1 {
		t.Errorf("stats = %+v, want 1 claimed / 1 dispatched", stats)
	}
	if f.email.sendCount() != 1 {
		t.Fatalf("sends = %d, want 1", f.email.sendCount())
	}
	req := f.email.lastSend()
	if req.IdempotencyKey != "enr-1:1" || req.Email != "jane@acme.io" || req.StepNumber != 1 {
		t.Errorf("unexpected send request: %+v", req)
	}
	if !f.mr.Exists("send:idemp:enr-1:1") {
		t.Error("idempotency guard not set")
	}
	if err := f.mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestAlreadySentStepAdvancesWithoutDispatch(t *testing.T) {
	f, cleanup := setupWorker(t)
	defer cleanup()

	expectClaim(f, claimRows(testEnrollment(0, nil)))
	expectInstanceAndTemplate(f, instanceRows("active", 0), stepRows(
		seqStep(1, domain.ChannelEmail, 0, domain.ActionSendEmail),
		seqStep(2, domain.ChannelEmail, 3, domain.ActionSendEmail),
	))
	f.mock.ExpectQuery("SELECT EXISTS").WithArgs("enr-1", "sent", 1).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	f.mock.ExpectBegin()
	f.mock.ExpectExec("SET current_step").
		WithArgs("enr-1", 1, testNow.Add(3*24*time.Hour), []byte(`{}`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectCommit()

	stats, err := f.w.RunOnce(context.Background(), testNow)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if f.email.sendCount() != 0 {
		t.Errorf("dispatched a step that was already sent")
	}
	if stats.Skipped != 1 {
		t.Errorf("stats = %+v, want 1 skipped", stats)
	}
	if f.mr.Exists("send:idemp:enr-1:1") {
		t.Error("guard set for a skipped dispatch")
	}
	if err := f.mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestPausedInstanceReleasesClaimUntouched(t *testing.T) {
	f, cleanup := setupWorker(t)
	defer cleanup()

	expectClaim(f, claimRows(testEnrollment(0, nil)))
	f.mock.ExpectQuery("FROM campaign_instances WHERE id").WithArgs("inst-1").
		WillReturnRows(instanceRows("paused", 0))
	f.mock.ExpectExec("UPDATE enrollments SET claimed_at = NULL").WithArgs("enr-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	stats, err := f.w.RunOnce(context.Background(), testNow)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if stats.Skipped != 1 || f.email.sendCount() != 0 {
		t.Errorf("paused instance was processed: %+v, sends=%d", stats, f.email.sendCount())
	}
	if err := f.mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestInstanceDailyCapDefersToNextUTCDay(t *testing.T) {
	f, cleanup := setupWorker(t)
	defer cleanup()

	expectClaim(f, claimRows(testEnrollment(0, nil)))
	expectInstanceAndTemplate(f, instanceRows("active", 2), stepRows(
		seqStep(1, domain.ChannelEmail, 0, domain.ActionSendEmail),
	))
	f.mock.ExpectQuery(`SELECT COUNT\(\*\) FROM campaign_events`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))

	tomorrow := time.Date(2025, 6, 11, 0, 0, 0, 0, time.UTC)
	f.mock.ExpectExec(`SET next_action_at = \$2, claimed_at = NULL`).WithArgs("enr-1", tomorrow).
		WillReturnResult(sqlmock.NewResult(0, 1))

	stats, err := f.w.RunOnce(context.Background(), testNow)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if stats.Deferred != 1 || f.email.sendCount() != 0 {
		t.Errorf("cap not enforced: %+v, sends=%d", stats, f.email.sendCount())
	}
	if err := f.mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestInFlightGuardDefersSecondDispatch(t *testing.T) {
	f, cleanup := setupWorker(t)
	defer cleanup()

	f.mr.Set("send:idemp:enr-1:1", "another-worker")

	expectClaim(f, claimRows(testEnrollment(0, nil)))
	expectInstanceAndTemplate(f, instanceRows("active", 0), stepRows(
		seqStep(1, domain.ChannelEmail, 0, domain.ActionSendEmail),
	))
	f.mock.ExpectQuery("SELECT EXISTS").WithArgs("enr-1", "sent", 1).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	f.mock.ExpectExec(`SET next_action_at = \$2, claimed_at = NULL`).
		WithArgs("enr-1", testNow.Add(time.Minute)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	stats, err := f.w.RunOnce(context.Background(), testNow)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if stats.Deferred != 1 || f.email.sendCount() != 0 {
		t.Errorf("in-flight guard ignored: %+v, sends=%d", stats, f.email.sendCount())
	}
	if err := f.mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestLinkedInDispatchLocksLedgerAndIncrements(t *testing.T) {
	f, cleanup := setupWorker(t)
	defer cleanup()

	f.li.sendRes = provider.SendResult{ProviderRef: "container-7"}
	loc, _ := time.LoadLocation("America/New_York")
	usageDate := domain.LocalDate(testNow, loc)

	expectClaim(f, claimRows(testEnrollment(0, nil)))
	expectInstanceAndTemplate(f, instanceRows("active", 0), stepRows(
		seqStep(1, domain.ChannelLinkedIn, 0, domain.ActionConnectionRequest),
		seqStep(2, domain.ChannelLinkedIn, 2, domain.ActionLinkedInMessage),
	))
	f.mock.ExpectQuery("SELECT EXISTS").WithArgs("enr-1", "sent", 1).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	f.mock.ExpectBegin()
	f.mock.ExpectExec("INSERT INTO linkedin_daily_usage").WithArgs("li-acct-1", usageDate).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectQuery("FROM linkedin_daily_usage").WithArgs("li-acct-1", usageDate).
		WillReturnRows(sqlmock.NewRows([]string{"account_id", "usage_date", "connections_sent", "messages_sent", "profile_visits", "updated_at"}).
			AddRow("li-acct-1", usageDate, 5, 0, 0, testNow))
	f.mock.ExpectExec("INSERT INTO campaign_events").WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec(`SET total_sent = total_sent \+ \$2`).WithArgs("inst-1", 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec("SET provider_message_id").WithArgs("enr-1", "", "container-7").
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec("UPDATE linkedin_daily_usage").WithArgs("li-acct-1", usageDate).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec("SET current_step").
		WithArgs("enr-1", 1, testNow.Add(2*24*time.Hour), []byte(`{}`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectCommit()

	stats, err := f.w.RunOnce(context.Background(), testNow)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if stats.Dispatched != 1 || f.li.sendCount() != 1 {
		t.Errorf("linkedin dispatch missing: %+v, sends=%d", stats, f.li.sendCount())
	}
	if err := f.mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestLinkedInAtCapDefersToLocalMidnight(t *testing.T) {
	f, cleanup := setupWorker(t)
	defer cleanup()

	loc, _ := time.LoadLocation("America/New_York")
	usageDate := domain.LocalDate(testNow, loc)

	expectClaim(f, claimRows(testEnrollment(0, nil)))
	expectInstanceAndTemplate(f, instanceRows("active", 0), stepRows(
		seqStep(1, domain.ChannelLinkedIn, 0, domain.ActionConnectionRequest),
	))
	f.mock.ExpectQuery("SELECT EXISTS").WithArgs("enr-1", "sent", 1).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	f.mock.ExpectBegin()
	f.mock.ExpectExec("INSERT INTO linkedin_daily_usage").WithArgs("li-acct-1", usageDate).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectQuery("FROM linkedin_daily_usage").WithArgs("li-acct-1", usageDate).
		WillReturnRows(sqlmock.NewRows([]string{"account_id", "usage_date", "connections_sent", "messages_sent", "profile_visits", "updated_at"}).
			AddRow("li-acct-1", usageDate, 25, 0, 0, testNow))
	f.mock.ExpectRollback()

	f.mock.ExpectExec(`SET next_action_at = \$2, claimed_at = NULL`).
		WithArgs("enr-1", domain.NextLocalMidnight(testNow, loc)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	stats, err := f.w.RunOnce(context.Background(), testNow)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if stats.Deferred != 1 || f.li.sendCount() != 0 {
		t.Errorf("account cap ignored: %+v, sends=%d", stats, f.li.sendCount())
	}
	if f.mr.Exists("send:idemp:enr-1:1") {
		t.Error("guard kept after capped rollback")
	}
	if err := f.mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestMessageStepWaitsForConnectionAcceptance(t *testing.T) {
	f, cleanup := setupWorker(t)
	defer cleanup()

	expectClaim(f, claimRows(testEnrollment(1, nil)))
	expectInstanceAndTemplate(f, instanceRows("active", 0), stepRows(
		seqStep(1, domain.ChannelLinkedIn, 0, domain.ActionConnectionRequest),
		seqStep(2, domain.ChannelLinkedIn, 2, domain.ActionLinkedInMessage),
	))
	f.mock.ExpectQuery("SELECT EXISTS").WithArgs("enr-1", "connection_accepted", 0).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	state, _ := json.Marshal(map[string]string{
		"awaiting": "connection",
		"since":    testNow.UTC().Format(time.RFC3339),
	})
	f.mock.ExpectBegin()
	f.mock.ExpectExec(`SET next_action_at = \$2, step_state = \$3`).
		WithArgs("enr-1", testNow.Add(6*time.Hour), state).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectCommit()

	stats, err := f.w.RunOnce(context.Background(), testNow)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if stats.Deferred != 1 || f.li.sendCount() != 0 {
		t.Errorf("message sent without acceptance: %+v, sends=%d", stats, f.li.sendCount())
	}
	if err := f.mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestConnectionTimeoutSkipsStepAndCompletes(t *testing.T) {
	f, cleanup := setupWorker(t)
	defer cleanup()

	since := testNow.Add(-15 * 24 * time.Hour).UTC().Format(time.RFC3339)
	expectClaim(f, claimRows(testEnrollment(1, map[string]string{"awaiting": "connection", "since": since})))
	expectInstanceAndTemplate(f, instanceRows("active", 0), stepRows(
		seqStep(1, domain.ChannelLinkedIn, 0, domain.ActionConnectionRequest),
		seqStep(2, domain.ChannelLinkedIn, 2, domain.ActionLinkedInMessage),
	))
	f.mock.ExpectQuery("SELECT EXISTS").WithArgs("enr-1", "connection_accepted", 0).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	f.mock.ExpectBegin()
	f.mock.ExpectExec("INSERT INTO campaign_events").WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec(`SET total_failed = total_failed \+ \$2`).WithArgs("inst-1", 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	// The message was the last step, so skipping it completes the
	// enrollment and checks the instance for drain.
	f.mock.ExpectExec("SET current_step").
		WithArgs("enr-1", 2, nil, []byte(`{}`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec("SET status = 'completed'").WithArgs("enr-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec(`SET total_completed = total_completed \+ \$2`).WithArgs("inst-1", 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectQuery(`SELECT COUNT\(\*\) FROM enrollments`).WithArgs("inst-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	f.mock.ExpectCommit()

	stats, err := f.w.RunOnce(context.Background(), testNow)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if stats.Completed != 1 || f.li.sendCount() != 0 {
		t.Errorf("timeout handling wrong: %+v, sends=%d", stats, f.li.sendCount())
	}
	if err := f.mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestProviderFailureSchedulesRetry(t *testing.T) {
	f, cleanup := setupWorker(t)
	defer cleanup()

	f.email.sendErr = &resilience.ProviderError{Provider: "lemlist", Status: 500, Err: errors.New("upstream boom")}

	expectClaim(f, claimRows(testEnrollment(0, nil)))
	expectInstanceAndTemplate(f, instanceRows("active", 0), stepRows(
		seqStep(1, domain.ChannelEmail, 0, domain.ActionSendEmail),
	))
	f.mock.ExpectQuery("SELECT EXISTS").WithArgs("enr-1", "sent", 1).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	f.mock.ExpectBegin()
	f.mock.ExpectExec("INSERT INTO campaign_events").WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec(`SET total_failed = total_failed \+ \$2`).WithArgs("inst-1", 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectQuery(`SET failure_count = failure_count \+ 1`).WithArgs("enr-1").
		WillReturnRows(sqlmock.NewRows([]string{"failure_count"}).AddRow(1))
	f.mock.ExpectExec(`SET next_action_at = \$2, updated_at`).
		WithArgs("enr-1", testNow.Add(5*time.Minute)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectCommit()

	stats, err := f.w.RunOnce(context.Background(), testNow)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if stats.Failed != 1 {
		t.Errorf("stats = %+v, want 1 failed", stats)
	}
	if f.mr.Exists("send:idemp:enr-1:1") {
		t.Error("guard kept after failed dispatch")
	}
	if err := f.mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestExhaustedRetriesDeadLetterEnrollment(t *testing.T) {
	f, cleanup := setupWorker(t)
	defer cleanup()

	f.email.sendErr = &resilience.ProviderError{Provider: "lemlist", Status: 400, Err: errors.New("bad payload")}

	expectClaim(f, claimRows(testEnrollment(0, nil)))
	expectInstanceAndTemplate(f, instanceRows("active", 0), stepRows(
		seqStep(1, domain.ChannelEmail, 0, domain.ActionSendEmail),
	))
	f.mock.ExpectQuery("SELECT EXISTS").WithArgs("enr-1", "sent", 1).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	f.mock.ExpectBegin()
	f.mock.ExpectExec("INSERT INTO campaign_events").WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec(`SET total_failed = total_failed \+ \$2`).WithArgs("inst-1", 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectQuery(`SET failure_count = failure_count \+ 1`).WithArgs("enr-1").
		WillReturnRows(sqlmock.NewRows([]string{"failure_count"}).AddRow(3))
	f.mock.ExpectExec("SET status = 'failed'").WithArgs("enr-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectCommit()

	f.mock.ExpectExec("INSERT INTO dead_letter_events").
		WithArgs(sqlmock.AnyArg(), "send", "lemlist", sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), 3, nil, "failed", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	stats, err := f.w.RunOnce(context.Background(), testNow)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if stats.Failed != 1 {
		t.Errorf("stats = %+v, want 1 failed", stats)
	}
	if err := f.mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestVideoStepRendersAndParks(t *testing.T) {
	f, cleanup := setupWorker(t)
	defer cleanup()

	f.video.sendRes = provider.SendResult{ProviderRef: "vid-42"}

	expectClaim(f, claimRows(testEnrollment(0, nil)))
	expectInstanceAndTemplate(f, instanceRows("active", 0), stepRows(
		seqStep(1, domain.ChannelVideo, 0, domain.ActionGenerateAndSend),
		seqStep(2, domain.ChannelEmail, 3, domain.ActionSendEmail),
	))

	state, _ := json.Marshal(map[string]string{
		"awaiting": "video",
		"job_ref":  "vid-42",
		"provider": "heygen",
	})
	f.mock.ExpectBegin()
	f.mock.ExpectExec("INSERT INTO video_generation_jobs").
		WithArgs(sqlmock.AnyArg(), "enr-1", "inst-1", 1, "heygen", "vid-42", "queued",
			sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec("SET provider_message_id").WithArgs("enr-1", "", "vid-42").
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec(`SET next_action_at = \$2, step_state = \$3`).
		WithArgs("enr-1", testNow.Add(24*time.Hour), state).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectCommit()

	stats, err := f.w.RunOnce(context.Background(), testNow)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if stats.Dispatched != 1 || f.video.sendCount() != 1 {
		t.Errorf("render not requested: %+v, sends=%d", stats, f.video.sendCount())
	}
	if err := f.mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestVideoPollFallbackReArmsSend(t *testing.T) {
	f, cleanup := setupWorker(t)
	defer cleanup()

	f.video.status = provider.DeliveryStatus{
		Ref:      "vid-42",
		State:    provider.StatusCompleted,
		VideoURL: "https://videos.example.com/vid-42.mp4",
	}

	expectClaim(f, claimRows(testEnrollment(0, map[string]string{
		"awaiting": "video",
		"job_ref":  "vid-42",
		"provider": "heygen",
	})))
	expectInstanceAndTemplate(f, instanceRows("active", 0), stepRows(
		seqStep(1, domain.ChannelVideo, 0, domain.ActionGenerateAndSend),
	))
	f.mock.ExpectQuery("FROM video_generation_jobs").WithArgs("heygen", "vid-42").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "enrollment_id", "instance_id", "step_number", "provider", "provider_job_id",
			"status", "video_url", "failure_reason", "created_at", "updated_at",
		}).AddRow("job-1", "enr-1", "inst-1", 1, "heygen", "vid-42", "rendering", "", "", testNow, testNow))

	f.mock.ExpectBegin()
	f.mock.ExpectExec("UPDATE video_generation_jobs").
		WithArgs("job-1", "https://videos.example.com/vid-42.mp4").
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec("jsonb_build_object").
		WithArgs("enr-1", "https://videos.example.com/vid-42.mp4").
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectCommit()

	stats, err := f.w.RunOnce(context.Background(), testNow)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if stats.Deferred != 1 {
		t.Errorf("stats = %+v, want 1 deferred (send re-armed)", stats)
	}
	if err := f.mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestVideoSendPhaseDispatchesEmailWithURL(t *testing.T) {
	f, cleanup := setupWorker(t)
	defer cleanup()

	f.email.sendRes = provider.SendResult{ProviderRef: "msg-77"}
	url := "https://videos.example.com/vid-42.mp4"

	expectClaim(f, claimRows(testEnrollment(0, map[string]string{
		"awaiting":  "video_send",
		"video_url": url,
	})))
	expectInstanceAndTemplate(f, instanceRows("active", 0), stepRows(
		seqStep(1, domain.ChannelVideo, 0, domain.ActionGenerateAndSend),
	))
	f.mock.ExpectQuery("SELECT EXISTS").WithArgs("enr-1", "sent", 1).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	f.mock.ExpectBegin()
	f.mock.ExpectExec("INSERT INTO campaign_events").WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec(`SET total_sent = total_sent \+ \$2`).WithArgs("inst-1", 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec("SET provider_message_id").WithArgs("enr-1", "msg-77", "").
		WillReturnResult(sqlmock.NewResult(0, 1))
	// Last step: the send completes the sequence.
	f.mock.ExpectExec("SET current_step").
		WithArgs("enr-1", 1, nil, []byte(`{}`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec("SET status = 'completed'").WithArgs("enr-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec(`SET total_completed = total_completed \+ \$2`).WithArgs("inst-1", 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectQuery(`SELECT COUNT\(\*\) FROM enrollments`).WithArgs("inst-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	f.mock.ExpectCommit()

	stats, err := f.w.RunOnce(context.Background(), testNow)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if f.email.sendCount() != 1 {
		t.Fatalf("sends = %d, want 1", f.email.sendCount())
	}
	if stats.Completed != 1 {
		t.Errorf("stats = %+v, want 1 completed", stats)
	}
	if got := f.email.lastSend().Metadata["video_url"]; got != url {
		t.Errorf("video_url = %q, want %q", got, url)
	}
	if f.video.sendCount() != 0 {
		t.Error("send phase hit the video provider")
	}
	if err := f.mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

// A cancelled worker context must not abort a dispatch that already
// started; the commit still lands.
func TestCancelDoesNotAbandonInFlightDispatch(t *testing.T) {
	f, cleanup := setupWorker(t)
	defer cleanup()

	f.email.sendRes = provider.SendResult{ProviderRef: "msg-9"}
	f.email.block = make(chan struct{})
	f.email.started = make(chan struct{})

	expectClaim(f, claimRows(testEnrollment(0, nil)))
	expectInstanceAndTemplate(f, instanceRows("active", 0), stepRows(
		seqStep(1, domain.ChannelEmail, 0, domain.ActionSendEmail),
		seqStep(2, domain.ChannelEmail, 3, domain.ActionSendEmail),
	))
	f.mock.ExpectQuery("SELECT EXISTS").WithArgs("enr-1", "sent", 1).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	f.mock.ExpectBegin()
	f.mock.ExpectExec("INSERT INTO campaign_events").WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec(`SET total_sent = total_sent \+ \$2`).WithArgs("inst-1", 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec("SET provider_message_id").WithArgs("enr-1", "msg-9", "").
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec("SET current_step").
		WithArgs("enr-1", 1, testNow.Add(3*24*time.Hour), []byte(`{}`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectCommit()

	ctx, cancel := context.WithCancel(context.Background())
	statsCh := make(chan Stats, 1)
	go func() {
		stats, err := f.w.RunOnce(ctx, testNow)
		if err != nil {
			t.Errorf("RunOnce: %v", err)
		}
		statsCh <- stats
	}()

	<-f.email.started
	cancel()
	close(f.email.block)

	stats := <-statsCh
	if stats.Dispatched != 1 {
		t.Errorf("stats = %+v, want 1 dispatched after cancel", stats)
	}
	if err := f.mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestRunOnceNoDueEnrollments(t *testing.T) {
	f, cleanup := setupWorker(t)
	defer cleanup()

	expectClaim(f, claimRows())

	stats, err := f.w.RunOnce(context.Background(), testNow)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if stats != (Stats{}) {
		t.Errorf("stats = %+v, want zero", stats)
	}
	if err := f.mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestWorkerStartStop(t *testing.T) {
	f, cleanup := setupWorker(t)
	defer cleanup()

	// No claims during the brief running window; heartbeats are
	// best-effort against the mock and only log on mismatch.
	f.mock.MatchExpectationsInOrder(false)
	f.mock.ExpectExec("INSERT INTO worker_heartbeats").WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec("INSERT INTO worker_heartbeats").WillReturnResult(sqlmock.NewResult(0, 1))

	if err := f.w.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := f.w.Start(); err == nil {
		t.Error("second start did not error")
	}
	time.Sleep(20 * time.Millisecond)
	f.w.Stop()
	f.w.Stop()
}
