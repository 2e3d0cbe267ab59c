package domain

import "time"

// DeadLetterSource identifies where a dead-lettered payload came from.
type DeadLetterSource string

const (
	DeadLetterWebhook  DeadLetterSource = "webhook"
	DeadLetterSend     DeadLetterSource = "send"
	DeadLetterInternal DeadLetterSource = "internal"
)

// DeadLetterStatus enumerates the DLQ entry lifecycle. Failed entries
// with a next_attempt_at are auto-retried; a failed replay returns the
// entry to failed, clearing next_attempt_at once attempts run out.
type DeadLetterStatus string

const (
	DeadLetterFailed    DeadLetterStatus = "failed"
	DeadLetterReplaying DeadLetterStatus = "replaying"
	DeadLetterReplayed  DeadLetterStatus = "replayed"
	DeadLetterIgnored   DeadLetterStatus = "ignored"
)

// DeadLetterEvent preserves a payload that could not be processed, with
// enough context (raw bytes, headers, reason) for replay or operator triage.
type DeadLetterEvent struct {
	ID            string            `json:"id" db:"id"`
	Source        DeadLetterSource  `json:"source" db:"source"`
	Provider      string            `json:"provider" db:"provider"`
	Payload       []byte            `json:"payload" db:"payload"`
	Headers       map[string]string `json:"headers,omitempty" db:"headers"`
	FailureReason string            `json:"failure_reason" db:"failure_reason"`
	AttemptCount  int               `json:"attempt_count" db:"attempt_count"`
	LastAttemptAt *time.Time        `json:"last_attempt_at" db:"last_attempt_at"`
	NextAttemptAt *time.Time        `json:"next_attempt_at" db:"next_attempt_at"`
	Status        DeadLetterStatus  `json:"status" db:"status"`
	ReplayedAt    *time.Time        `json:"replayed_at" db:"replayed_at"`
	CreatedAt     time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at" db:"updated_at"`
}

// DeadLetterStats summarizes queue depth by status and provider.
type DeadLetterStats struct {
	Total      int            `json:"total"`
	ByStatus   map[string]int `json:"by_status"`
	ByProvider map[string]int `json:"by_provider"`
	OldestAge  string         `json:"oldest_failed_age,omitempty"`
}
