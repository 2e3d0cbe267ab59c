// Package provider abstracts the delivery channels (email, LinkedIn
// automation, AI video) behind one interface. Adapters translate between
// the engine's canonical shapes and each provider's wire format; nothing
// outside this package knows provider payloads.
package provider

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/ignite/outreach-engine/internal/domain"
	"github.com/ignite/outreach-engine/internal/resilience"
)

// Provider is one delivery channel integration.
type Provider interface {
	ID() string
	Channel() domain.Channel

	// Send dispatches one step action. Implementations must be safe to
	// retry: the request carries an idempotency key providers can use.
	Send(ctx context.Context, req SendRequest) (SendResult, error)

	// GetStatus asks the provider about a previously returned reference.
	GetStatus(ctx context.Context, providerRef string) (DeliveryStatus, error)

	// VerifyWebhook authenticates a webhook over the raw request bytes.
	// It must fail closed when no secret is configured.
	VerifyWebhook(r *http.Request, rawBody []byte) error

	// ParseWebhookEvent decodes raw webhook bytes into provider-native
	// events, not yet normalized against engine state.
	ParseWebhookEvent(rawBody []byte, headers http.Header) ([]RawEvent, error)

	// ValidateConfig checks a settings map before an instance using this
	// provider may start.
	ValidateConfig(settings map[string]string) error

	// QuotaStatus reports remaining provider-side quota when the provider
	// exposes one.
	QuotaStatus(ctx context.Context) (QuotaStatus, error)
}

// SendRequest carries everything an adapter needs for one step action.
type SendRequest struct {
	IdempotencyKey string
	EnrollmentID   string
	InstanceID     string
	StepNumber     int
	Action         domain.StepAction

	Email       string
	FirstName   string
	LastName    string
	Company     string
	LinkedInURL string

	// Metadata is the step's template metadata (subject, body template,
	// agent id, avatar id, script, video_url for the send phase).
	Metadata map[string]string
}

// SendResult reports an accepted dispatch. ProviderRef is the primary
// reference (message id, container id, video id); ActionRef is a
// secondary reference some providers return alongside it.
type SendResult struct {
	ProviderRef string
	ActionRef   string
	AcceptedAt  time.Time
	Detail      string
}

// Delivery states adapters normalize provider answers into.
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusUnknown    = "unknown"
)

// DeliveryStatus is a point-in-time answer about one dispatched
// message or job.
type DeliveryStatus struct {
	Ref      string
	State    string
	Detail   string
	VideoURL string
}

// Done reports whether the provider will not change this status again.
func (d DeliveryStatus) Done() bool {
	return d.State == StatusCompleted || d.State == StatusFailed
}

// QuotaStatus reports provider-side quota. Known is false when the
// provider exposes no quota API; callers fall back to local limiter
// state.
type QuotaStatus struct {
	Provider  string     `json:"provider"`
	Known     bool       `json:"known"`
	Limit     int        `json:"limit,omitempty"`
	Remaining int        `json:"remaining,omitempty"`
	ResetsAt  *time.Time `json:"resets_at,omitempty"`
}

// RawEvent is a provider-native webhook event: parsed out of the wire
// payload but not yet translated, correlated, or timestamp-normalized.
type RawEvent struct {
	Provider string
	Channel  domain.Channel

	// Type is the provider's own event type string; translation to the
	// canonical vocabulary happens downstream.
	Type string

	// ProviderEventID is the provider's unique id for this delivery,
	// empty when the provider sends none.
	ProviderEventID string

	// ProviderRef links back to a Send result (message id, container id).
	ProviderRef string

	Email        string
	InstanceHint string
	StepHint     int

	// Timestamp is the raw value from the payload: epoch number, string,
	// or nil when absent.
	Timestamp any

	// Video lifecycle fields, set only by video providers.
	VideoJobRef    string
	VideoURL       string
	VideoSucceeded *bool

	Metadata map[string]any
}

var validate = validator.New()

// transportErr wraps a transport-level failure (no HTTP response).
func transportErr(provider string, err error) error {
	return &resilience.ProviderError{Provider: provider, Err: err}
}

// responseErr classifies an HTTP error response, carrying Retry-After
// when the provider signals one.
func responseErr(provider string, resp *http.Response, body []byte) error {
	detail := string(body)
	if len(detail) > 300 {
		detail = detail[:300]
	}
	pe := &resilience.ProviderError{
		Provider: provider,
		Status:   resp.StatusCode,
		Err:      fmt.Errorf("%s", detail),
	}
	if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
		pe.RetryAfter = time.Duration(secs) * time.Second
	}
	return pe
}
