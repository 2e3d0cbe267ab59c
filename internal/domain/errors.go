package domain

import "errors"

// Sentinel errors shared across the store, workers, and the API layer.
// The API maps these to HTTP status codes; everything else wraps them
// with context via fmt.Errorf("...: %w", err).
var (
	ErrNotFound          = errors.New("not found")
	ErrValidation        = errors.New("validation failed")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrDuplicate         = errors.New("already exists")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrRateLimited       = errors.New("rate limited")
)
