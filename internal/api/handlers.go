package api

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/outreach-engine/internal/config"
	"github.com/ignite/outreach-engine/internal/dlq"
	"github.com/ignite/outreach-engine/internal/intake"
	"github.com/ignite/outreach-engine/internal/metrics"
	"github.com/ignite/outreach-engine/internal/pkg/httputil"
	"github.com/ignite/outreach-engine/internal/provider"
	"github.com/ignite/outreach-engine/internal/resilience"
	"github.com/ignite/outreach-engine/internal/store"
)

var validate = validator.New()

// WorkerStatus is a live in-process worker that can report itself on the
// admin workers view, alongside the cross-process heartbeat rows.
type WorkerStatus interface {
	Stats() map[string]any
}

// Handlers carries the dependencies the route groups draw on.
type Handlers struct {
	store    *store.Store
	pipeline *intake.Pipeline
	registry *provider.Registry
	stack    *resilience.Stack
	dlq      *dlq.Service
	metrics  *metrics.Metrics
	rdb      *redis.Client

	providers map[string]config.ProviderConfig
	workers   map[string]WorkerStatus
	maxBody   int64
	now       func() time.Time
}

// NewHandlers wires the handler set. providers is the per-provider config
// map used to validate instance provider settings before a start.
func NewHandlers(st *store.Store, pl *intake.Pipeline, reg *provider.Registry,
	stack *resilience.Stack, dlqSvc *dlq.Service, m *metrics.Metrics,
	rdb *redis.Client, providers map[string]config.ProviderConfig, maxBody int64) *Handlers {
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	return &Handlers{
		store:     st,
		pipeline:  pl,
		registry:  reg,
		stack:     stack,
		dlq:       dlqSvc,
		metrics:   m,
		rdb:       rdb,
		providers: providers,
		workers:   map[string]WorkerStatus{},
		maxBody:   maxBody,
		now:       time.Now,
	}
}

// RegisterWorker adds a live worker to the admin workers view. Called
// before the server starts serving; not safe for concurrent use after.
func (h *Handlers) RegisterWorker(name string, w WorkerStatus) {
	h.workers[name] = w
}

// handleHealth reports liveness: a database ping and a Redis ping.
func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := map[string]string{"database": "ok", "redis": "ok"}
	healthy := true
	if err := h.store.DB().PingContext(ctx); err != nil {
		status["database"] = err.Error()
		healthy = false
	}
	if h.rdb != nil {
		if err := h.rdb.Ping(ctx).Err(); err != nil {
			status["redis"] = err.Error()
			healthy = false
		}
	}

	code := http.StatusOK
	overall := "healthy"
	if !healthy {
		code = http.StatusServiceUnavailable
		overall = "degraded"
	}
	httputil.JSON(w, code, map[string]any{
		"status": overall,
		"checks": status,
		"time":   h.now().UTC().Format(time.RFC3339),
	})
}

// paginationParams holds parsed page/limit query values.
type paginationParams struct {
	Page   int
	Limit  int
	Offset int
}

// paginationMeta is the paging block attached to list responses.
type paginationMeta struct {
	Page       int  `json:"page"`
	Limit      int  `json:"limit"`
	Total      int  `json:"total"`
	TotalPages int  `json:"total_pages"`
	HasMore    bool `json:"has_more"`
}

// parsePagination extracts page and limit with defaults; maxLimit caps
// oversized requests.
func parsePagination(r *http.Request, defaultLimit, maxLimit int) paginationParams {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	return paginationParams{Page: page, Limit: limit, Offset: (page - 1) * limit}
}

// paginated wraps a list with its paging metadata for the envelope.
func paginated(items any, p paginationParams, total int) map[string]any {
	totalPages := int(math.Ceil(float64(total) / float64(p.Limit)))
	if totalPages < 1 {
		totalPages = 1
	}
	return map[string]any{
		"items": items,
		"pagination": paginationMeta{
			Page:       p.Page,
			Limit:      p.Limit,
			Total:      total,
			TotalPages: totalPages,
			HasMore:    p.Page < totalPages,
		},
	}
}
