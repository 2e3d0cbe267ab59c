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
	"github.com/ignite/outreach-engine/internal/resilience"
)

// Phantombuster drives LinkedIn actions (connection requests, messages,
// profile visits) by launching agents. Each launch returns a container
// id; the agent reports the outcome later through a webhook guarded by a
// shared token.
type Phantombuster struct {
	cfg    config.ProviderConfig
	client resilience.HTTPDoer
}

// NewPhantombuster builds the adapter.
func NewPhantombuster(cfg config.ProviderConfig, client resilience.HTTPDoer) *Phantombuster {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.phantombuster.com"
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout()}
	}
	return &Phantombuster{cfg: cfg, client: client}
}

func (b *Phantombuster) ID() string              { return "phantombuster" }
func (b *Phantombuster) Channel() domain.Channel { return domain.ChannelLinkedIn }

// AccountID identifies the LinkedIn account this adapter acts as; the
// daily action ledger is keyed on it.
func (b *Phantombuster) AccountID() string { return b.cfg.AccountID }

var phantombusterActions = map[domain.StepAction]string{
	domain.ActionConnectionRequest: "connect",
	domain.ActionLinkedInMessage:   "message",
	domain.ActionProfileVisit:      "visit",
}

// Send launches the agent for the step's action. The step metadata must
// carry agent_id; the message body template rides in metadata too.
func (b *Phantombuster) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	if b.cfg.APIKey == "" {
		return SendResult{}, transportErr("phantombuster", fmt.Errorf("API key not configured"))
	}

	action, ok := phantombusterActions[req.Action]
	if !ok {
		return SendResult{}, &resilience.ProviderError{
			Provider: "phantombuster",
			Status:   http.StatusBadRequest,
			Err:      fmt.Errorf("unsupported action %q", req.Action),
		}
	}
	agentID := req.Metadata["agent_id"]
	if agentID == "" {
		return SendResult{}, &resilience.ProviderError{
			Provider: "phantombuster",
			Status:   http.StatusBadRequest,
			Err:      fmt.Errorf("step metadata missing agent_id"),
		}
	}
	if req.LinkedInURL == "" {
		return SendResult{}, &resilience.ProviderError{
			Provider: "phantombuster",
			Status:   http.StatusBadRequest,
			Err:      fmt.Errorf("prospect has no linkedin_url"),
		}
	}

	payload := map[string]interface{}{
		"id": agentID,
		"argument": map[string]string{
			"action":         action,
			"profileUrl":     req.LinkedInURL,
			"message":        req.Metadata["message"],
			"enrollmentId":   req.EnrollmentID,
			"instanceId":     req.InstanceID,
			"idempotencyKey": req.IdempotencyKey,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return SendResult{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		b.cfg.BaseURL+"/api/v2/agents/launch", bytes.NewReader(body))
	if err != nil {
		return SendResult{}, err
	}
	httpReq.Header.Set("X-Phantombuster-Key-1", b.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return SendResult{}, transportErr("phantombuster", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))

	if resp.StatusCode >= 400 {
		return SendResult{}, responseErr("phantombuster", resp, respBody)
	}

	var result struct {
		ContainerID string `json:"containerId"`
	}
	json.Unmarshal(respBody, &result)

	log.Printf("[Phantombuster] Launched %s for enrollment %s (container: %s)",
		action, req.EnrollmentID, result.ContainerID)
	return SendResult{ProviderRef: result.ContainerID, AcceptedAt: time.Now()}, nil
}

// GetStatus fetches a container's output state.
func (b *Phantombuster) GetStatus(ctx context.Context, providerRef string) (DeliveryStatus, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		b.cfg.BaseURL+"/api/v2/containers/fetch?id="+providerRef, nil)
	if err != nil {
		return DeliveryStatus{}, err
	}
	httpReq.Header.Set("X-Phantombuster-Key-1", b.cfg.APIKey)

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return DeliveryStatus{}, transportErr("phantombuster", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode >= 400 {
		return DeliveryStatus{}, responseErr("phantombuster", resp, respBody)
	}

	var result struct {
		Status   string `json:"status"`
		ExitCode *int   `json:"exitCode"`
	}
	json.Unmarshal(respBody, &result)

	state := StatusUnknown
	switch result.Status {
	case "running", "starting":
		state = StatusProcessing
	case "finished":
		state = StatusCompleted
		if result.ExitCode != nil && *result.ExitCode != 0 {
			state = StatusFailed
		}
	}
	return DeliveryStatus{Ref: providerRef, State: state, Detail: result.Status}, nil
}

// VerifyWebhook checks the shared token in X-Phantombuster-Token.
func (b *Phantombuster) VerifyWebhook(r *http.Request, _ []byte) error {
	return verifyToken("phantombuster", b.cfg.WebhookSecret, r.Header.Get("X-Phantombuster-Token"))
}

type phantombusterResult struct {
	ContainerID  string `json:"containerId"`
	AgentID      string `json:"agentId"`
	ResultType   string `json:"resultType"`
	ProfileURL   string `json:"profileUrl"`
	Email        string `json:"email"`
	EnrollmentID string `json:"enrollmentId"`
	InstanceID   string `json:"instanceId"`
	Timestamp    any    `json:"timestamp"`
	ResultID     string `json:"resultId"`
}

// ParseWebhookEvent accepts a single container result or an array of
// results from one agent run.
func (b *Phantombuster) ParseWebhookEvent(rawBody []byte, _ http.Header) ([]RawEvent, error) {
	trimmed := bytes.TrimSpace(rawBody)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty phantombuster webhook body", domain.ErrValidation)
	}

	var results []phantombusterResult
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &results); err != nil {
			return nil, fmt.Errorf("%w: phantombuster batch: %v", domain.ErrValidation, err)
		}
	} else {
		var one phantombusterResult
		if err := json.Unmarshal(trimmed, &one); err != nil {
			return nil, fmt.Errorf("%w: phantombuster result: %v", domain.ErrValidation, err)
		}
		results = append(results, one)
	}

	out := make([]RawEvent, 0, len(results))
	for _, res := range results {
		eventID := res.ResultID
		if eventID == "" && res.ContainerID != "" {
			eventID = fmt.Sprintf("%s:%s", res.ContainerID, res.ResultType)
		}
		out = append(out, RawEvent{
			Provider:        "phantombuster",
			Channel:         domain.ChannelLinkedIn,
			Type:            res.ResultType,
			ProviderEventID: eventID,
			ProviderRef:     res.ContainerID,
			Email:           res.Email,
			InstanceHint:    res.InstanceID,
			Timestamp:       res.Timestamp,
			Metadata: map[string]any{
				"agent_id":    res.AgentID,
				"profile_url": res.ProfileURL,
			},
		})
	}
	return out, nil
}

type phantombusterSettings struct {
	APIKey        string `validate:"required"`
	BaseURL       string `validate:"required,url"`
	WebhookSecret string `validate:"required"`
	AccountID     string `validate:"required"`
}

// ValidateConfig checks the settings an instance needs before starting.
// AccountID is required: without it the daily action ledger has no key.
func (b *Phantombuster) ValidateConfig(settings map[string]string) error {
	s := phantombusterSettings{
		APIKey:        settings["api_key"],
		BaseURL:       settings["base_url"],
		WebhookSecret: settings["webhook_secret"],
		AccountID:     settings["account_id"],
	}
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("%w: phantombuster config: %v", domain.ErrValidation, err)
	}
	return nil
}

// QuotaStatus reports remaining execution time from the org resources.
func (b *Phantombuster) QuotaStatus(ctx context.Context) (QuotaStatus, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		b.cfg.BaseURL+"/api/v2/orgs/fetch-resources", nil)
	if err != nil {
		return QuotaStatus{}, err
	}
	httpReq.Header.Set("X-Phantombuster-Key-1", b.cfg.APIKey)

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return QuotaStatus{}, transportErr("phantombuster", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode >= 400 {
		return QuotaStatus{}, responseErr("phantombuster", resp, respBody)
	}

	var result struct {
		ExecutionTime struct {
			Total     int `json:"total"`
			Remaining int `json:"remaining"`
		} `json:"executionTime"`
	}
	json.Unmarshal(respBody, &result)

	return QuotaStatus{
		Provider:  "phantombuster",
		Known:     true,
		Limit:     result.ExecutionTime.Total,
		Remaining: result.ExecutionTime.Remaining,
	}, nil
}
