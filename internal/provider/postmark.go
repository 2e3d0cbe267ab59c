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

// Postmark sends transactional sequence email and receives delivery
// webhooks signed with HMAC-SHA256 (base64) over the raw body.
type Postmark struct {
	cfg    config.ProviderConfig
	client resilience.HTTPDoer
}

// NewPostmark builds the adapter.
func NewPostmark(cfg config.ProviderConfig, client resilience.HTTPDoer) *Postmark {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.postmarkapp.com"
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout()}
	}
	return &Postmark{cfg: cfg, client: client}
}

func (p *Postmark) ID() string              { return "postmark" }
func (p *Postmark) Channel() domain.Channel { return domain.ChannelEmail }

// Send delivers one email through /email. Enrollment identifiers ride in
// Metadata and come back on every webhook for correlation.
func (p *Postmark) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	if p.cfg.APIKey == "" {
		return SendResult{}, transportErr("postmark", fmt.Errorf("server token not configured"))
	}

	payload := map[string]interface{}{
		"From":          req.Metadata["from"],
		"To":            req.Email,
		"Subject":       req.Metadata["subject"],
		"HtmlBody":      req.Metadata["html_body"],
		"TextBody":      req.Metadata["text_body"],
		"MessageStream": "outbound",
		"Metadata": map[string]string{
			"enrollment_id": req.EnrollmentID,
			"instance_id":   req.InstanceID,
			"step_number":   fmt.Sprintf("%d", req.StepNumber),
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return SendResult{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.cfg.BaseURL+"/email", bytes.NewReader(body))
	if err != nil {
		return SendResult{}, err
	}
	httpReq.Header.Set("X-Postmark-Server-Token", p.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return SendResult{}, transportErr("postmark", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))

	if resp.StatusCode >= 400 {
		return SendResult{}, responseErr("postmark", resp, respBody)
	}

	var result struct {
		MessageID   string `json:"MessageID"`
		SubmittedAt string `json:"SubmittedAt"`
		ErrorCode   int    `json:"ErrorCode"`
		Message     string `json:"Message"`
	}
	json.Unmarshal(respBody, &result)
	if result.ErrorCode != 0 {
		return SendResult{}, &resilience.ProviderError{
			Provider: "postmark",
			Status:   http.StatusUnprocessableEntity,
			Err:      fmt.Errorf("error %d: %s", result.ErrorCode, result.Message),
		}
	}

	log.Printf("[Postmark] Sent step %d to %s (ref: %s)", req.StepNumber, logger.RedactEmail(req.Email), result.MessageID)
	return SendResult{ProviderRef: result.MessageID, AcceptedAt: time.Now()}, nil
}

// GetStatus looks up outbound message details.
func (p *Postmark) GetStatus(ctx context.Context, providerRef string) (DeliveryStatus, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		p.cfg.BaseURL+"/messages/outbound/"+providerRef+"/details", nil)
	if err != nil {
		return DeliveryStatus{}, err
	}
	httpReq.Header.Set("X-Postmark-Server-Token", p.cfg.APIKey)
	httpReq.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return DeliveryStatus{}, transportErr("postmark", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode >= 400 {
		return DeliveryStatus{}, responseErr("postmark", resp, respBody)
	}

	var result struct {
		Status string `json:"Status"`
	}
	json.Unmarshal(respBody, &result)

	state := StatusUnknown
	switch result.Status {
	case "Sent", "Delivered":
		state = StatusCompleted
	case "Queued", "Processed":
		state = StatusQueued
	case "Bounced", "Failed":
		state = StatusFailed
	}
	return DeliveryStatus{Ref: providerRef, State: state, Detail: result.Status}, nil
}

// VerifyWebhook checks X-Postmark-Signature: base64 HMAC-SHA256.
func (p *Postmark) VerifyWebhook(r *http.Request, rawBody []byte) error {
	return verifyHMACBase64("postmark", p.cfg.WebhookSecret, rawBody, r.Header.Get("X-Postmark-Signature"))
}

type postmarkEvent struct {
	RecordType  string            `json:"RecordType"`
	MessageID   string            `json:"MessageID"`
	Recipient   string            `json:"Recipient"`
	Email       string            `json:"Email"`
	Metadata    map[string]string `json:"Metadata"`
	DeliveredAt string            `json:"DeliveredAt"`
	BouncedAt   string            `json:"BouncedAt"`
	ReceivedAt  string            `json:"ReceivedAt"`
	ID          int64             `json:"ID"`
	Type        string            `json:"Type"`
}

// ParseWebhookEvent accepts one RecordType object or a batch array.
func (p *Postmark) ParseWebhookEvent(rawBody []byte, _ http.Header) ([]RawEvent, error) {
	trimmed := bytes.TrimSpace(rawBody)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty postmark webhook body", domain.ErrValidation)
	}

	var events []postmarkEvent
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &events); err != nil {
			return nil, fmt.Errorf("%w: postmark batch: %v", domain.ErrValidation, err)
		}
	} else {
		var one postmarkEvent
		if err := json.Unmarshal(trimmed, &one); err != nil {
			return nil, fmt.Errorf("%w: postmark event: %v", domain.ErrValidation, err)
		}
		events = append(events, one)
	}

	out := make([]RawEvent, 0, len(events))
	for _, ev := range events {
		email := ev.Recipient
		if email == "" {
			email = ev.Email
		}
		var ts any
		for _, candidate := range []string{ev.DeliveredAt, ev.BouncedAt, ev.ReceivedAt} {
			if candidate != "" {
				ts = candidate
				break
			}
		}

		// Postmark has no per-delivery event id; derive a stable one so
		// webhook replays still deduplicate.
		eventID := ""
		if ev.MessageID != "" {
			eventID = fmt.Sprintf("%s:%s", ev.MessageID, ev.RecordType)
			if ev.ID != 0 {
				eventID = fmt.Sprintf("%s:%d", eventID, ev.ID)
			}
		}

		raw := RawEvent{
			Provider:        "postmark",
			Channel:         domain.ChannelEmail,
			Type:            ev.RecordType,
			ProviderEventID: eventID,
			ProviderRef:     ev.MessageID,
			Email:           email,
			Timestamp:       ts,
			Metadata:        map[string]any{"bounce_type": ev.Type},
		}
		if ev.Metadata != nil {
			raw.InstanceHint = ev.Metadata["instance_id"]
			fmt.Sscanf(ev.Metadata["step_number"], "%d", &raw.StepHint)
		}
		out = append(out, raw)
	}
	return out, nil
}

type postmarkSettings struct {
	APIKey        string `validate:"required"`
	BaseURL       string `validate:"required,url"`
	WebhookSecret string `validate:"required"`
	From          string `validate:"omitempty,email"`
}

// ValidateConfig checks the settings an instance needs before starting.
func (p *Postmark) ValidateConfig(settings map[string]string) error {
	s := postmarkSettings{
		APIKey:        settings["api_key"],
		BaseURL:       settings["base_url"],
		WebhookSecret: settings["webhook_secret"],
		From:          settings["from"],
	}
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("%w: postmark config: %v", domain.ErrValidation, err)
	}
	return nil
}

// QuotaStatus: postmark publishes no send quota; local buckets govern pace.
func (p *Postmark) QuotaStatus(_ context.Context) (QuotaStatus, error) {
	return QuotaStatus{Provider: "postmark", Known: false}, nil
}
