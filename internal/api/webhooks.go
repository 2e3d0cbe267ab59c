package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// handleWebhook feeds a provider delivery into the intake pipeline. The
// optional {provider} path segment is a hint only; signature headers win.
func (h *Handlers) handleWebhook(w http.ResponseWriter, r *http.Request) {
	h.pipeline.Handle(w, r, chi.URLParam(r, "provider"))
}
