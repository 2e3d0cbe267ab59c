package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/outreach-engine/internal/auth"
	"github.com/ignite/outreach-engine/internal/config"
	"github.com/ignite/outreach-engine/internal/dlq"
	"github.com/ignite/outreach-engine/internal/domain"
	"github.com/ignite/outreach-engine/internal/intake"
	"github.com/ignite/outreach-engine/internal/metrics"
	"github.com/ignite/outreach-engine/internal/provider"
	"github.com/ignite/outreach-engine/internal/store"
)

const bootstrapKey = "ok_bootstrap_admin_secret"

var testNow = time.Date(2025, 6, 10, 15, 0, 0, 0, time.UTC)

type serverFixture struct {
	srv      *Server
	handlers *Handlers
	mock     sqlmock.Sqlmock
	mr       *miniredis.Miniredis
	registry *provider.Registry
}

func setupServer(t *testing.T) *serverFixture {
	return setupServerWith(t, nil)
}

func setupServerWith(t *testing.T, mutate func(cfg *config.Config)) *serverFixture {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	st := store.New(db)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	cfg := &config.Config{}
	cfg.API = config.APIConfig{
		RateLimitPerMinute: 120,
		LockoutThreshold:   5,
		LockoutMinutes:     15,
		CSRFCookieName:     "outreach_csrf",
		BootstrapAdminKey:  bootstrapKey,
	}
	cfg.Intake.MaxBodyBytes = 1 << 20
	if mutate != nil {
		mutate(cfg)
	}

	m := metrics.New()
	reg := provider.NewRegistry()
	queue := intake.NewOrphanQueue(rdb, cfg.Intake)
	pipe := intake.NewPipeline(st, reg, queue, m, cfg.Intake)
	dlqSvc := dlq.NewService(st, pipe, m)
	am := auth.NewManager(st, rdb, cfg.API)

	h := NewHandlers(st, pipe, reg, nil, dlqSvc, m, rdb, cfg.Providers, cfg.Intake.MaxBodyBytes)
	h.now = func() time.Time { return testNow }

	srv := NewServer(cfg, h, am, rdb, m)
	srv.limiter.now = func() time.Time { return testNow }

	return &serverFixture{srv: srv, handlers: h, mock: mock, mr: mr, registry: reg}
}

// do runs one request through the full middleware chain.
func (f *serverFixture) do(method, path string, body any, apiKey string) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != nil {
		buf, _ := json.Marshal(body)
		rd = bytes.NewReader(buf)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if apiKey != "" {
		req.Header.Set(headerAPIKey, apiKey)
	}
	rr := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rr, req)
	return rr
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func decodeEnvelope(t *testing.T, rr *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &env), "body: %s", rr.Body.String())
	return env
}

func dataMap(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	env := decodeEnvelope(t, rr)
	out := map[string]any{}
	require.NoError(t, json.Unmarshal(env.Data, &out), "data: %s", string(env.Data))
	return out
}

// issueKey mints a real key through the manager so tests can exercise
// fingerprint lookup and digest verification end to end.
func (f *serverFixture) issueKey(t *testing.T, name string, role domain.APIKeyRole) (string, *domain.APIKey) {
	t.Helper()
	f.mock.ExpectExec("INSERT INTO api_keys").WillReturnResult(sqlmock.NewResult(0, 1))
	plain, k, err := f.srv.auth.IssueKey(context.Background(), name, role)
	require.NoError(t, err)
	return plain, k
}

func apiKeyRows(k *domain.APIKey) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "name", "key_digest", "fingerprint", "role", "last_used_at", "revoked_at", "created_at",
	}).AddRow(k.ID, k.Name, k.KeyDigest, k.Fingerprint, string(k.Role), k.LastUsedAt, k.RevokedAt, testNow)
}

// expectAuth queues the lookup and last-used stamp one authenticated
// request performs for a stored (non-bootstrap) key.
func (f *serverFixture) expectAuth(k *domain.APIKey) {
	f.mock.ExpectQuery("FROM api_keys WHERE fingerprint").
		WithArgs(k.Fingerprint).
		WillReturnRows(apiKeyRows(k))
	f.mock.ExpectExec("UPDATE api_keys SET last_used_at").
		WithArgs(k.ID).
		WillReturnResult(sqlmock.NewResult(0, 1))
}

func templateRow(id, name string, status domain.TemplateStatus) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "name", "description", "status", "created_at", "updated_at"}).
		AddRow(id, name, "", string(status), testNow, testNow)
}

func stepRows(steps ...domain.SequenceStep) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"step_number", "channel", "day_offset", "action", "provider_hint", "metadata"})
	for _, s := range steps {
		rows.AddRow(s.StepNumber, string(s.Channel), s.DayOffset, string(s.Action), s.ProviderHint, []byte("{}"))
	}
	return rows
}

func instanceRows(ci *domain.CampaignInstance) *sqlmock.Rows {
	pids := []byte("[]")
	if len(ci.ProviderIDs) > 0 {
		pids, _ = json.Marshal(ci.ProviderIDs)
	}
	return sqlmock.NewRows([]string{
		"id", "template_id", "name", "status", "provider_ids", "daily_send_cap",
		"total_enrolled", "total_sent", "total_delivered", "total_opened", "total_clicked",
		"total_replied", "total_bounced", "total_failed", "total_completed",
		"started_at", "paused_at", "completed_at", "created_at", "updated_at",
	}).AddRow(ci.ID, ci.TemplateID, ci.Name, string(ci.Status), pids, ci.DailySendCap,
		ci.TotalEnrolled, ci.TotalSent, ci.TotalDelivered, ci.TotalOpened, ci.TotalClicked,
		ci.TotalReplied, ci.TotalBounced, ci.TotalFailed, ci.TotalCompleted,
		ci.StartedAt, ci.PausedAt, ci.CompletedAt, testNow, testNow)
}

func enrollmentRows(e *domain.Enrollment) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "instance_id", "prospect_email", "first_name", "last_name", "company",
		"linkedin_url", "timezone", "current_step", "status", "next_action_at", "last_event_at",
		"provider_message_id", "provider_action_id", "step_state", "created_at", "updated_at",
	}).AddRow(e.ID, e.InstanceID, e.Email, e.FirstName, e.LastName, e.Company,
		e.LinkedInURL, e.Timezone, e.CurrentStep, string(e.Status), e.NextActionAt, e.LastEventAt,
		e.ProviderMessageID, e.ProviderActionID, []byte("{}"), testNow, testNow)
}

func TestHealthEndpointIsOpen(t *testing.T) {
	f := setupServer(t)

	rr := f.do(http.MethodGet, "/health", nil, "")

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	data := dataMap(t, rr)
	assert.Equal(t, "healthy", data["status"])
	checks := data["checks"].(map[string]any)
	assert.Equal(t, "ok", checks["database"])
	assert.Equal(t, "ok", checks["redis"])
}

func TestHealthReportsRedisOutage(t *testing.T) {
	f := setupServer(t)
	f.mr.Close()

	rr := f.do(http.MethodGet, "/health", nil, "")

	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	data := dataMap(t, rr)
	assert.Equal(t, "degraded", data["status"])
}

func TestMetricsEndpointIsOpen(t *testing.T) {
	f := setupServer(t)

	rr := f.do(http.MethodGet, "/metrics", nil, "")

	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, strings.Contains(rr.Body.String(), "outreach_orphan_queue_depth"),
		"exposition should carry the engine namespace")
}

func TestUnknownProviderWebhookRejected(t *testing.T) {
	f := setupServer(t)

	rr := f.do(http.MethodPost, "/api/campaigns/events/webhook/nonesuch",
		map[string]any{"type": "emailsOpened"}, "")

	require.Equal(t, http.StatusBadRequest, rr.Code, rr.Body.String())
	env := decodeEnvelope(t, rr)
	assert.False(t, env.Success)
}
