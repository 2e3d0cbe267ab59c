package httputil

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/ignite/outreach-engine/internal/domain"
)

// Envelope is the uniform response wrapper.
type Envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// JSON writes data wrapped in a success envelope.
func JSON(w http.ResponseWriter, status int, data any) {
	write(w, status, Envelope{Success: true, Data: data})
}

// Error writes a failure envelope with the given message.
func Error(w http.ResponseWriter, status int, message string) {
	write(w, status, Envelope{Success: false, Error: message})
}

// ErrorData writes a failure envelope that still carries a payload.
// Duplicate-enrollment conflicts use it to return the existing row.
func ErrorData(w http.ResponseWriter, status int, message string, data any) {
	write(w, status, Envelope{Success: false, Error: message, Data: data})
}

// DomainError maps the shared sentinel errors onto HTTP statuses.
// Unrecognized errors are logged server-side and surfaced as a generic
// 500; internal detail never reaches the client.
func DomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		Error(w, http.StatusNotFound, "resource not found")
	case errors.Is(err, domain.ErrValidation):
		Error(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrInvalidTransition):
		Error(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrDuplicate):
		Error(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrUnauthorized):
		Error(w, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, domain.ErrRateLimited):
		Error(w, http.StatusTooManyRequests, "rate limit exceeded")
	default:
		log.Printf("[API] Internal error: %v", err)
		Error(w, http.StatusInternalServerError, "internal server error")
	}
}

// Decode reads a JSON request body into dst, enforcing maxBytes. Returns
// false after writing the error response, so handlers can bail with a
// bare return.
func Decode(w http.ResponseWriter, r *http.Request, dst any, maxBytes int64) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		Error(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return false
	}
	return true
}

func write(w http.ResponseWriter, status int, env Envelope) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		log.Printf("[API] Response encode failed: %v", err)
	}
}
