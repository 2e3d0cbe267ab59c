package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/outreach-engine/internal/domain"
	"github.com/ignite/outreach-engine/internal/pkg/httputil"
)

type stepRequest struct {
	StepNumber   int               `json:"step_number" validate:"required,min=1"`
	Channel      string            `json:"channel" validate:"required,oneof=email linkedin video"`
	DayOffset    int               `json:"day_offset" validate:"min=0"`
	Action       string            `json:"action" validate:"required"`
	ProviderHint string            `json:"provider_hint"`
	Metadata     map[string]string `json:"metadata"`
}

type templateRequest struct {
	Name        string        `json:"name" validate:"required,max=200"`
	Description string        `json:"description" validate:"max=2000"`
	Steps       []stepRequest `json:"steps" validate:"dive"`
}

func (tr *templateRequest) toDomain() *domain.CampaignTemplate {
	t := &domain.CampaignTemplate{
		Name:        tr.Name,
		Description: tr.Description,
	}
	for _, s := range tr.Steps {
		t.Steps = append(t.Steps, domain.SequenceStep{
			StepNumber:   s.StepNumber,
			Channel:      domain.Channel(s.Channel),
			DayOffset:    s.DayOffset,
			Action:       domain.StepAction(s.Action),
			ProviderHint: s.ProviderHint,
			Metadata:     s.Metadata,
		})
	}
	return t
}

// createTemplate registers a new draft sequence definition.
func (h *Handlers) createTemplate(w http.ResponseWriter, r *http.Request) {
	var req templateRequest
	if !httputil.Decode(w, r, &req, h.maxBody) {
		return
	}
	if err := validate.Struct(req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "validation failed: "+err.Error())
		return
	}

	t := req.toDomain()
	if err := h.store.CreateTemplate(r.Context(), t); err != nil {
		httputil.DomainError(w, err)
		return
	}
	httputil.JSON(w, http.StatusCreated, t)
}

// listTemplates returns templates newest-first with paging.
func (h *Handlers) listTemplates(w http.ResponseWriter, r *http.Request) {
	p := parsePagination(r, 50, 200)
	items, total, err := h.store.ListTemplates(r.Context(), r.URL.Query().Get("status"), p.Limit, p.Offset)
	if err != nil {
		httputil.DomainError(w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, paginated(items, p, total))
}

func (h *Handlers) getTemplate(w http.ResponseWriter, r *http.Request) {
	t, err := h.store.GetTemplate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.DomainError(w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, t)
}

// updateTemplate replaces a draft template's definition. Anything past
// draft is immutable and conflicts.
func (h *Handlers) updateTemplate(w http.ResponseWriter, r *http.Request) {
	var req templateRequest
	if !httputil.Decode(w, r, &req, h.maxBody) {
		return
	}
	if err := validate.Struct(req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "validation failed: "+err.Error())
		return
	}

	t := req.toDomain()
	t.ID = chi.URLParam(r, "id")
	if err := h.store.UpdateTemplate(r.Context(), t); err != nil {
		httputil.DomainError(w, err)
		return
	}

	updated, err := h.store.GetTemplate(r.Context(), t.ID)
	if err != nil {
		httputil.DomainError(w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, updated)
}

// activateTemplate moves draft → active. Empty sequences are rejected.
func (h *Handlers) activateTemplate(w http.ResponseWriter, r *http.Request) {
	t, err := h.store.TransitionTemplate(r.Context(), chi.URLParam(r, "id"), domain.TemplateActive)
	if err != nil {
		httputil.DomainError(w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, t)
}

func (h *Handlers) archiveTemplate(w http.ResponseWriter, r *http.Request) {
	t, err := h.store.TransitionTemplate(r.Context(), chi.URLParam(r, "id"), domain.TemplateArchived)
	if err != nil {
		httputil.DomainError(w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, t)
}
