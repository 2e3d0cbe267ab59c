package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/ignite/outreach-engine/internal/config"
	"github.com/ignite/outreach-engine/internal/domain"
	"github.com/ignite/outreach-engine/internal/pkg/logger"
	"github.com/ignite/outreach-engine/internal/resilience"
)

// Lemlist sends sequence emails through the Lemlist API and receives
// engagement webhooks signed with HMAC-SHA256 (hex) over the raw body.
type Lemlist struct {
	cfg    config.ProviderConfig
	client resilience.HTTPDoer
}

// NewLemlist builds the adapter. client is typically a retrying client.
func NewLemlist(cfg config.ProviderConfig, client resilience.HTTPDoer) *Lemlist {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.lemlist.com"
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout()}
	}
	return &Lemlist{cfg: cfg, client: client}
}

func (l *Lemlist) ID() string              { return "lemlist" }
func (l *Lemlist) Channel() domain.Channel { return domain.ChannelEmail }

// Send delivers one sequence email. Lemlist authenticates with basic
// auth where the password is the API key.
func (l *Lemlist) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	if l.cfg.APIKey == "" {
		return SendResult{}, transportErr("lemlist", fmt.Errorf("API key not configured"))
	}

	payload := map[string]interface{}{
		"email":          req.Email,
		"firstName":      req.FirstName,
		"lastName":       req.LastName,
		"companyName":    req.Company,
		"idempotencyKey": req.IdempotencyKey,
		"variables": map[string]string{
			"instance_id":   req.InstanceID,
			"enrollment_id": req.EnrollmentID,
			"step_number":   fmt.Sprintf("%d", req.StepNumber),
		},
	}
	for k, v := range req.Metadata {
		payload[k] = v
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return SendResult{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		l.cfg.BaseURL+"/api/emails/send", bytes.NewReader(body))
	if err != nil {
		return SendResult{}, err
	}
	httpReq.SetBasicAuth("", l.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := l.client.Do(httpReq)
	if err != nil {
		return SendResult{}, transportErr("lemlist", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))

	if resp.StatusCode >= 400 {
		return SendResult{}, responseErr("lemlist", resp, respBody)
	}

	var result struct {
		ID        string `json:"_id"`
		MessageID string `json:"messageId"`
	}
	json.Unmarshal(respBody, &result)
	ref := result.MessageID
	if ref == "" {
		ref = result.ID
	}

	log.Printf("[Lemlist] Sent step %d to %s (ref: %s)", req.StepNumber, logger.RedactEmail(req.Email), ref)
	return SendResult{ProviderRef: ref, AcceptedAt: time.Now()}, nil
}

// GetStatus looks up a sent message.
func (l *Lemlist) GetStatus(ctx context.Context, providerRef string) (DeliveryStatus, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		l.cfg.BaseURL+"/api/emails/"+providerRef, nil)
	if err != nil {
		return DeliveryStatus{}, err
	}
	httpReq.SetBasicAuth("", l.cfg.APIKey)

	resp, err := l.client.Do(httpReq)
	if err != nil {
		return DeliveryStatus{}, transportErr("lemlist", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode >= 400 {
		return DeliveryStatus{}, responseErr("lemlist", resp, respBody)
	}

	var result struct {
		Status string `json:"status"`
	}
	json.Unmarshal(respBody, &result)

	state := StatusUnknown
	switch result.Status {
	case "sent", "delivered":
		state = StatusCompleted
	case "queued", "scheduled":
		state = StatusQueued
	case "failed", "bounced":
		state = StatusFailed
	}
	return DeliveryStatus{Ref: providerRef, State: state, Detail: result.Status}, nil
}

// VerifyWebhook checks X-Lemlist-Signature: hex HMAC-SHA256 of the body.
func (l *Lemlist) VerifyWebhook(r *http.Request, rawBody []byte) error {
	return verifyHMACHex("lemlist", l.cfg.WebhookSecret, rawBody, r.Header.Get("X-Lemlist-Signature"))
}

type lemlistEvent struct {
	ID         string `json:"_id"`
	Type       string `json:"type"`
	Email      string `json:"email"`
	Lead       struct {
		Email string `json:"email"`
	} `json:"lead"`
	SendID     string         `json:"sendId"`
	MessageID  string         `json:"messageId"`
	CampaignID string         `json:"campaignId"`
	Variables  map[string]any `json:"variables"`
	CreatedAt  any            `json:"createdAt"`
}

// ParseWebhookEvent accepts a single event object or a batch array.
func (l *Lemlist) ParseWebhookEvent(rawBody []byte, _ http.Header) ([]RawEvent, error) {
	trimmed := bytes.TrimSpace(rawBody)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty lemlist webhook body", domain.ErrValidation)
	}

	var events []lemlistEvent
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &events); err != nil {
			return nil, fmt.Errorf("%w: lemlist batch: %v", domain.ErrValidation, err)
		}
	} else {
		var one lemlistEvent
		if err := json.Unmarshal(trimmed, &one); err != nil {
			return nil, fmt.Errorf("%w: lemlist event: %v", domain.ErrValidation, err)
		}
		events = append(events, one)
	}

	out := make([]RawEvent, 0, len(events))
	for _, ev := range events {
		email := ev.Email
		if email == "" {
			email = ev.Lead.Email
		}
		ref := ev.MessageID
		if ref == "" {
			ref = ev.SendID
		}
		raw := RawEvent{
			Provider:        "lemlist",
			Channel:         domain.ChannelEmail,
			Type:            ev.Type,
			ProviderEventID: ev.ID,
			ProviderRef:     ref,
			Email:           email,
			Timestamp:       ev.CreatedAt,
			Metadata:        map[string]any{"campaign_id": ev.CampaignID},
		}
		if ev.Variables != nil {
			if id, ok := ev.Variables["instance_id"].(string); ok {
				raw.InstanceHint = id
			}
			if n, ok := ev.Variables["step_number"].(string); ok {
				fmt.Sscanf(n, "%d", &raw.StepHint)
			}
		}
		out = append(out, raw)
	}
	return out, nil
}

type lemlistSettings struct {
	APIKey        string `validate:"required"`
	BaseURL       string `validate:"required,url"`
	WebhookSecret string `validate:"required"`
}

// ValidateConfig checks the settings an instance needs before starting.
func (l *Lemlist) ValidateConfig(settings map[string]string) error {
	s := lemlistSettings{
		APIKey:        settings["api_key"],
		BaseURL:       settings["base_url"],
		WebhookSecret: settings["webhook_secret"],
	}
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("%w: lemlist config: %v", domain.ErrValidation, err)
	}
	return nil
}

// QuotaStatus: lemlist exposes no quota API; local buckets govern pace.
func (l *Lemlist) QuotaStatus(_ context.Context) (QuotaStatus, error) {
	return QuotaStatus{Provider: "lemlist", Known: false}, nil
}
