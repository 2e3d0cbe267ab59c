package domain

import (
	"fmt"
	"strings"
	"time"
)

// EnrollmentStatus enumerates the lifecycle states of a prospect's
// enrollment in a campaign instance.
type EnrollmentStatus string

const (
	EnrollmentEnrolled     EnrollmentStatus = "enrolled"
	EnrollmentActive       EnrollmentStatus = "active"
	EnrollmentPaused       EnrollmentStatus = "paused"
	EnrollmentCompleted    EnrollmentStatus = "completed"
	EnrollmentUnsubscribed EnrollmentStatus = "unsubscribed"
	EnrollmentBounced      EnrollmentStatus = "bounced"
	EnrollmentFailed       EnrollmentStatus = "failed"
)

// Enrolled prospects become active on their first dispatch. Paused
// enrollments cannot be dispatched, but engagement events that arrived
// while paused (bounce, unsubscribe) still terminate them.
var enrollmentTransitions = map[EnrollmentStatus][]EnrollmentStatus{
	EnrollmentEnrolled: {EnrollmentActive, EnrollmentPaused, EnrollmentCompleted,
		EnrollmentUnsubscribed, EnrollmentBounced, EnrollmentFailed},
	EnrollmentActive: {EnrollmentPaused, EnrollmentCompleted,
		EnrollmentUnsubscribed, EnrollmentBounced, EnrollmentFailed},
	EnrollmentPaused: {EnrollmentActive, EnrollmentCompleted,
		EnrollmentUnsubscribed, EnrollmentBounced},
}

// Enrollment tracks one prospect's progress through an instance's sequence.
// CurrentStep is the last step dispatched (0 = nothing sent yet).
// NextActionAt is when the scheduler should next act; NULL parks the
// enrollment (terminal status, or waiting on an external event).
type Enrollment struct {
	ID           string           `json:"id" db:"id"`
	InstanceID   string           `json:"instance_id" db:"instance_id"`
	Email        string           `json:"email" db:"prospect_email"`
	FirstName    string           `json:"first_name" db:"first_name"`
	LastName     string           `json:"last_name" db:"last_name"`
	Company      string           `json:"company" db:"company"`
	LinkedInURL  string           `json:"linkedin_url" db:"linkedin_url"`
	Timezone     string           `json:"timezone" db:"timezone"`
	CurrentStep  int              `json:"current_step" db:"current_step"`
	Status       EnrollmentStatus `json:"status" db:"status"`
	NextActionAt *time.Time       `json:"next_action_at" db:"next_action_at"`
	LastEventAt  *time.Time       `json:"last_event_at" db:"last_event_at"`

	// The most recent dispatch's provider references; webhook events
	// correlate back through them.
	ProviderMessageID *string `json:"provider_message_id,omitempty" db:"provider_message_id"`
	ProviderActionID  *string `json:"provider_action_id,omitempty" db:"provider_action_id"`

	StepState map[string]string `json:"step_state,omitempty" db:"step_state"`
	CreatedAt time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt time.Time         `json:"updated_at" db:"updated_at"`
}

// IsTerminal returns true if the enrollment can never progress again.
func (e *Enrollment) IsTerminal() bool {
	switch e.Status {
	case EnrollmentCompleted, EnrollmentUnsubscribed, EnrollmentBounced,
		EnrollmentFailed:
		return true
	}
	return false
}

// CanTransitionTo checks the enrollment status graph.
func (e *Enrollment) CanTransitionTo(next EnrollmentStatus) error {
	for _, allowed := range enrollmentTransitions[e.Status] {
		if allowed == next {
			return nil
		}
	}
	return fmt.Errorf("%w: enrollment %s -> %s", ErrInvalidTransition, e.Status, next)
}

// Validate checks the fields required to enroll a prospect.
func (e *Enrollment) Validate() error {
	if e.Email == "" || !strings.Contains(e.Email, "@") {
		return fmt.Errorf("%w: valid prospect email is required", ErrValidation)
	}
	if e.Timezone != "" {
		if _, err := time.LoadLocation(e.Timezone); err != nil {
			return fmt.Errorf("%w: unknown timezone %q", ErrValidation, e.Timezone)
		}
	}
	return nil
}

// Location resolves the enrollment's timezone, defaulting to UTC.
func (e *Enrollment) Location() *time.Location {
	if e.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(e.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// NormalizeEmail lowercases and trims an email for uniqueness comparison.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// IdempotencyKey is the send-dispatch guard key for one enrollment step.
func IdempotencyKey(enrollmentID string, stepNumber int) string {
	return fmt.Sprintf("%s:%d", enrollmentID, stepNumber)
}
