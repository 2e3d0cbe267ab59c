package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/outreach-engine/internal/domain"
	"github.com/ignite/outreach-engine/internal/pkg/httputil"
)

type instanceRequest struct {
	TemplateID   string   `json:"template_id" validate:"required"`
	Name         string   `json:"name" validate:"required,max=200"`
	ProviderIDs  []string `json:"provider_ids"`
	DailySendCap int      `json:"daily_send_cap" validate:"min=0"`
}

// createInstance launches a draft run of an active template.
func (h *Handlers) createInstance(w http.ResponseWriter, r *http.Request) {
	var req instanceRequest
	if !httputil.Decode(w, r, &req, h.maxBody) {
		return
	}
	if err := validate.Struct(req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "validation failed: "+err.Error())
		return
	}
	for _, pid := range req.ProviderIDs {
		if _, err := h.registry.Get(pid); err != nil {
			httputil.Error(w, http.StatusBadRequest, fmt.Sprintf("unknown provider %q", pid))
			return
		}
	}

	ci := &domain.CampaignInstance{
		TemplateID:   req.TemplateID,
		Name:         req.Name,
		ProviderIDs:  req.ProviderIDs,
		DailySendCap: req.DailySendCap,
	}
	if err := h.store.CreateInstance(r.Context(), ci); err != nil {
		httputil.DomainError(w, err)
		return
	}
	httputil.JSON(w, http.StatusCreated, ci)
}

func (h *Handlers) listInstances(w http.ResponseWriter, r *http.Request) {
	p := parsePagination(r, 50, 200)
	items, total, err := h.store.ListInstances(r.Context(), r.URL.Query().Get("status"), p.Limit, p.Offset)
	if err != nil {
		httputil.DomainError(w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, paginated(items, p, total))
}

func (h *Handlers) getInstance(w http.ResponseWriter, r *http.Request) {
	ci, err := h.store.GetInstance(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.DomainError(w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, ci)
}

// transitionInstance applies a lifecycle action named in the body. The
// per-action routes below are the documented surface; this endpoint
// keeps clients that send {"action": "..."} working.
func (h *Handlers) transitionInstance(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Action string `json:"action" validate:"required,oneof=start pause resume complete fail"`
	}
	if !httputil.Decode(w, r, &req, h.maxBody) {
		return
	}
	if err := validate.Struct(req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "validation failed: "+err.Error())
		return
	}
	h.applyInstanceAction(w, r, domain.InstanceAction(req.Action))
}

func (h *Handlers) startInstance(w http.ResponseWriter, r *http.Request) {
	h.applyInstanceAction(w, r, domain.InstanceActionStart)
}

func (h *Handlers) pauseInstance(w http.ResponseWriter, r *http.Request) {
	h.applyInstanceAction(w, r, domain.InstanceActionPause)
}

func (h *Handlers) resumeInstance(w http.ResponseWriter, r *http.Request) {
	h.applyInstanceAction(w, r, domain.InstanceActionResume)
}

func (h *Handlers) completeInstance(w http.ResponseWriter, r *http.Request) {
	h.applyInstanceAction(w, r, domain.InstanceActionComplete)
}

// applyInstanceAction resolves the action's target status and applies
// it. Activation re-checks every attached provider's configuration
// first; a half configured provider surfaces here instead of at
// dispatch time.
func (h *Handlers) applyInstanceAction(w http.ResponseWriter, r *http.Request, action domain.InstanceAction) {
	target, err := action.TargetStatus()
	if err != nil {
		httputil.DomainError(w, err)
		return
	}

	id := chi.URLParam(r, "id")
	if target == domain.InstanceActive {
		ci, err := h.store.GetInstance(r.Context(), id)
		if err != nil {
			httputil.DomainError(w, err)
			return
		}
		if err := h.validateInstanceProviders(ci); err != nil {
			httputil.DomainError(w, err)
			return
		}
	}

	ci, err := h.store.TransitionInstance(r.Context(), id, target)
	if err != nil {
		httputil.DomainError(w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, ci)
}

// validateInstanceProviders checks each attached provider's settings
// through its adapter before the instance may run.
func (h *Handlers) validateInstanceProviders(ci *domain.CampaignInstance) error {
	for _, pid := range ci.ProviderIDs {
		prov, err := h.registry.Get(pid)
		if err != nil {
			return fmt.Errorf("%w: unknown provider %q", domain.ErrValidation, pid)
		}
		if err := prov.ValidateConfig(h.providers[pid].Settings()); err != nil {
			return fmt.Errorf("%w: provider %s configuration: %v", domain.ErrValidation, pid, err)
		}
	}
	return nil
}

// instanceMetrics returns the counter snapshot with derived engagement
// rates, formatted to two decimals.
func (h *Handlers) instanceMetrics(w http.ResponseWriter, r *http.Request) {
	ci, err := h.store.GetInstance(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.DomainError(w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, domain.ComputeMetrics(ci))
}
