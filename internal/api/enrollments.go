package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/outreach-engine/internal/domain"
	"github.com/ignite/outreach-engine/internal/pkg/httputil"
)

type enrollmentRequest struct {
	Email       string `json:"email" validate:"required,email"`
	FirstName   string `json:"first_name" validate:"max=100"`
	LastName    string `json:"last_name" validate:"max=100"`
	Company     string `json:"company" validate:"max=200"`
	LinkedInURL string `json:"linkedin_url" validate:"omitempty,url"`
	Timezone    string `json:"timezone" validate:"max=64"`
}

func (er *enrollmentRequest) toDomain(instanceID string) *domain.Enrollment {
	return &domain.Enrollment{
		InstanceID:  instanceID,
		Email:       er.Email,
		FirstName:   er.FirstName,
		LastName:    er.LastName,
		Company:     er.Company,
		LinkedInURL: er.LinkedInURL,
		Timezone:    er.Timezone,
	}
}

// firstStepDue computes when a fresh enrollment's first step comes due:
// enrollment time plus the first step's day offset.
func firstStepDue(tmpl *domain.CampaignTemplate, now time.Time) time.Time {
	step := tmpl.StepAt(1)
	if step == nil {
		return now
	}
	return now.AddDate(0, 0, step.DayOffset)
}

// enroll adds one prospect to an active instance. A duplicate returns
// 409 carrying the existing enrollment.
func (h *Handlers) enroll(w http.ResponseWriter, r *http.Request) {
	var req enrollmentRequest
	if !httputil.Decode(w, r, &req, h.maxBody) {
		return
	}
	if err := validate.Struct(req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "validation failed: "+err.Error())
		return
	}

	instanceID := chi.URLParam(r, "id")
	tmpl, err := h.instanceTemplate(r.Context(), instanceID)
	if err != nil {
		httputil.DomainError(w, err)
		return
	}

	e, err := h.store.CreateEnrollment(r.Context(), req.toDomain(instanceID), firstStepDue(tmpl, h.now().UTC()))
	if errors.Is(err, domain.ErrDuplicate) {
		httputil.ErrorData(w, http.StatusConflict, "prospect already enrolled", e)
		return
	}
	if err != nil {
		httputil.DomainError(w, err)
		return
	}
	httputil.JSON(w, http.StatusCreated, e)
}

type bulkEnrollmentRequest struct {
	Prospects []enrollmentRequest `json:"prospects" validate:"required,min=1,max=1000"`
}

type bulkEnrollmentResult struct {
	Email        string `json:"email"`
	Status       string `json:"status"`
	EnrollmentID string `json:"enrollment_id,omitempty"`
	Error        string `json:"error,omitempty"`
}

// bulkEnroll enrolls a batch with per-row outcomes; one bad prospect
// never blocks the rest.
func (h *Handlers) bulkEnroll(w http.ResponseWriter, r *http.Request) {
	var req bulkEnrollmentRequest
	if !httputil.Decode(w, r, &req, h.maxBody) {
		return
	}
	if err := validate.Struct(req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "validation failed: "+err.Error())
		return
	}

	instanceID := chi.URLParam(r, "id")
	tmpl, err := h.instanceTemplate(r.Context(), instanceID)
	if err != nil {
		httputil.DomainError(w, err)
		return
	}
	due := firstStepDue(tmpl, h.now().UTC())

	results := make([]bulkEnrollmentResult, 0, len(req.Prospects))
	var enrolled, duplicates, failed int
	for i := range req.Prospects {
		row := &req.Prospects[i]
		res := bulkEnrollmentResult{Email: row.Email}

		if err := validate.Struct(row); err != nil {
			res.Status = "error"
			res.Error = err.Error()
			failed++
			results = append(results, res)
			continue
		}

		e, err := h.store.CreateEnrollment(r.Context(), row.toDomain(instanceID), due)
		switch {
		case errors.Is(err, domain.ErrDuplicate):
			res.Status = "duplicate"
			if e != nil {
				res.EnrollmentID = e.ID
			}
			duplicates++
		case err != nil:
			res.Status = "error"
			res.Error = err.Error()
			failed++
		default:
			res.Status = "enrolled"
			res.EnrollmentID = e.ID
			enrolled++
		}
		results = append(results, res)
	}

	httputil.JSON(w, http.StatusOK, map[string]any{
		"results":    results,
		"enrolled":   enrolled,
		"duplicates": duplicates,
		"errors":     failed,
	})
}

// instanceTemplate resolves the template an instance was launched from.
func (h *Handlers) instanceTemplate(ctx context.Context, instanceID string) (*domain.CampaignTemplate, error) {
	ci, err := h.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	return h.store.GetTemplate(ctx, ci.TemplateID)
}

func (h *Handlers) listEnrollments(w http.ResponseWriter, r *http.Request) {
	p := parsePagination(r, 100, 500)
	items, total, err := h.store.ListEnrollments(r.Context(), chi.URLParam(r, "id"),
		r.URL.Query().Get("status"), p.Limit, p.Offset)
	if err != nil {
		httputil.DomainError(w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, paginated(items, p, total))
}

func (h *Handlers) getEnrollment(w http.ResponseWriter, r *http.Request) {
	e, err := h.store.GetEnrollment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.DomainError(w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, e)
}

// pauseEnrollment stops progression without losing position in the
// sequence.
func (h *Handlers) pauseEnrollment(w http.ResponseWriter, r *http.Request) {
	h.transitionEnrollment(w, r, domain.EnrollmentPaused)
}

// resumeEnrollment puts a paused enrollment back on the schedule; an
// overdue next action fires on the next tick.
func (h *Handlers) resumeEnrollment(w http.ResponseWriter, r *http.Request) {
	h.transitionEnrollment(w, r, domain.EnrollmentActive)
}

// unsubscribeEnrollment terminates the enrollment permanently.
func (h *Handlers) unsubscribeEnrollment(w http.ResponseWriter, r *http.Request) {
	h.transitionEnrollment(w, r, domain.EnrollmentUnsubscribed)
}

func (h *Handlers) transitionEnrollment(w http.ResponseWriter, r *http.Request, next domain.EnrollmentStatus) {
	e, err := h.store.TransitionEnrollment(r.Context(), chi.URLParam(r, "id"), next)
	if err != nil {
		httputil.DomainError(w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, e)
}
