package api

import (
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/outreach-engine/internal/domain"
	"github.com/ignite/outreach-engine/internal/pkg/httputil"
	"github.com/ignite/outreach-engine/internal/provider"
	"github.com/ignite/outreach-engine/internal/store"
)

// deadLetterFilter builds the store filter from query parameters.
func deadLetterFilter(r *http.Request, p paginationParams) store.DeadLetterFilter {
	q := r.URL.Query()
	return store.DeadLetterFilter{
		Status:   q.Get("status"),
		Provider: q.Get("provider"),
		Source:   q.Get("source"),
		Limit:    p.Limit,
		Offset:   p.Offset,
	}
}

func (h *Handlers) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	p := parsePagination(r, 50, 500)
	items, total, err := h.dlq.List(r.Context(), deadLetterFilter(r, p))
	if err != nil {
		httputil.DomainError(w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, paginated(items, p, total))
}

func (h *Handlers) getDeadLetter(w http.ResponseWriter, r *http.Request) {
	d, err := h.dlq.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.DomainError(w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, d)
}

// replayDeadLetter re-runs one entry. A replay that fails again records
// the attempt and surfaces as 422 with the failure reason.
func (h *Handlers) replayDeadLetter(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := h.dlq.Replay(r.Context(), id)
	switch {
	case err == nil:
		httputil.JSON(w, http.StatusOK, map[string]string{"id": id, "status": string(domain.DeadLetterReplayed)})
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrValidation):
		httputil.DomainError(w, err)
	default:
		httputil.Error(w, http.StatusUnprocessableEntity, err.Error())
	}
}

func (h *Handlers) ignoreDeadLetter(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.dlq.Ignore(r.Context(), id); err != nil {
		httputil.DomainError(w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, map[string]string{"id": id, "status": string(domain.DeadLetterIgnored)})
}

// replayAllDeadLetters replays every matching entry and reports how many
// made it.
func (h *Handlers) replayAllDeadLetters(w http.ResponseWriter, r *http.Request) {
	p := parsePagination(r, 100, 500)
	replayed, failed, err := h.dlq.ReplayAll(r.Context(), deadLetterFilter(r, p))
	if err != nil {
		httputil.DomainError(w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, map[string]int{"replayed": replayed, "failed": failed})
}

func (h *Handlers) deadLetterStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.dlq.Stats(r.Context())
	if err != nil {
		httputil.DomainError(w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, stats)
}

// providerAdminView is one row of the admin providers listing.
type providerAdminView struct {
	ID      string               `json:"id"`
	Channel domain.Channel       `json:"channel"`
	Breaker string               `json:"breaker"`
	Quota   provider.QuotaStatus `json:"quota"`
}

// providerStatus reports every registered provider with its breaker
// state and, where the adapter knows it, remaining quota.
func (h *Handlers) providerStatus(w http.ResponseWriter, r *http.Request) {
	breakers := map[string]string{}
	if h.stack != nil {
		breakers = h.stack.BreakerStates()
	}

	ids := h.registry.IDs()
	sort.Strings(ids)

	out := make([]providerAdminView, 0, len(ids))
	for _, id := range ids {
		prov, err := h.registry.Get(id)
		if err != nil {
			continue
		}
		view := providerAdminView{
			ID:      id,
			Channel: prov.Channel(),
			Breaker: breakers[id],
		}
		if view.Breaker == "" {
			view.Breaker = "closed"
		}
		quota, err := prov.QuotaStatus(r.Context())
		if err == nil {
			view.Quota = quota
		} else {
			view.Quota = provider.QuotaStatus{Provider: id, Known: false}
		}
		out = append(out, view)
	}
	httputil.JSON(w, http.StatusOK, out)
}

// workerStatus merges heartbeat rows (any process) with the live stats
// of workers running in this one.
func (h *Handlers) workerStatus(w http.ResponseWriter, r *http.Request) {
	heartbeats, err := h.store.ListHeartbeats(r.Context(), 5*time.Minute)
	if err != nil {
		httputil.DomainError(w, err)
		return
	}

	live := map[string]map[string]any{}
	for name, worker := range h.workers {
		live[name] = worker.Stats()
	}

	httputil.JSON(w, http.StatusOK, map[string]any{
		"heartbeats": heartbeats,
		"local":      live,
	})
}
