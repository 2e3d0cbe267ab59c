package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/outreach-engine/internal/domain"
	"github.com/ignite/outreach-engine/internal/pkg/httputil"
)

type apiKeyRequest struct {
	Name string `json:"name" validate:"required,max=100"`
	Role string `json:"role" validate:"required,oneof=admin ingest readonly"`
}

// createAPIKey mints a new key. The plaintext appears in this response
// and nowhere else; only its digest is stored.
func (s *Server) createAPIKey(w http.ResponseWriter, r *http.Request) {
	var req apiKeyRequest
	if !httputil.Decode(w, r, &req, s.maxBody) {
		return
	}
	if err := validate.Struct(req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "validation failed: "+err.Error())
		return
	}

	plain, key, err := s.auth.IssueKey(r.Context(), req.Name, domain.APIKeyRole(req.Role))
	if err != nil {
		httputil.DomainError(w, err)
		return
	}
	httputil.JSON(w, http.StatusCreated, map[string]any{
		"id":         key.ID,
		"name":       key.Name,
		"role":       key.Role,
		"key":        plain,
		"created_at": key.CreatedAt,
	})
}

func (s *Server) listAPIKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.auth.Keys(r.Context())
	if err != nil {
		httputil.DomainError(w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, keys)
}

// revokeAPIKey disables a key immediately; revocation is permanent.
func (s *Server) revokeAPIKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.auth.Revoke(r.Context(), id); err != nil {
		httputil.DomainError(w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, map[string]any{"id": id, "revoked": true})
}
