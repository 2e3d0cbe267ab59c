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

// heygenSignatureTolerance bounds how old a webhook may be before it is
// treated as a replay.
const heygenSignatureTolerance = 5 * time.Minute

// Heygen generates personalized avatar videos. Send enqueues a render
// job; completion arrives later via webhook with a timestamped HMAC
// signature (<unix_ts>,<hex> over "{ts}.{raw}").
type Heygen struct {
	cfg    config.ProviderConfig
	client resilience.HTTPDoer
	now    func() time.Time
}

// NewHeygen builds the adapter.
func NewHeygen(cfg config.ProviderConfig, client resilience.HTTPDoer) *Heygen {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.heygen.com"
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout()}
	}
	return &Heygen{cfg: cfg, client: client, now: time.Now}
}

func (h *Heygen) ID() string              { return "heygen" }
func (h *Heygen) Channel() domain.Channel { return domain.ChannelVideo }

// Send submits a render job. The returned ProviderRef is the video id;
// the step stays pending until the success webhook lands.
func (h *Heygen) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	if h.cfg.APIKey == "" {
		return SendResult{}, transportErr("heygen", fmt.Errorf("API key not configured"))
	}
	avatarID := req.Metadata["avatar_id"]
	script := req.Metadata["script"]
	if avatarID == "" || script == "" {
		return SendResult{}, &resilience.ProviderError{
			Provider: "heygen",
			Status:   http.StatusBadRequest,
			Err:      fmt.Errorf("step metadata missing avatar_id or script"),
		}
	}

	payload := map[string]interface{}{
		"video_inputs": []map[string]interface{}{
			{
				"character": map[string]string{"type": "avatar", "avatar_id": avatarID},
				"voice":     map[string]string{"type": "text", "input_text": script},
			},
		},
		"dimension":   map[string]int{"width": 1280, "height": 720},
		"callback_id": req.IdempotencyKey,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return SendResult{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		h.cfg.BaseURL+"/v2/video/generate", bytes.NewReader(body))
	if err != nil {
		return SendResult{}, err
	}
	httpReq.Header.Set("X-Api-Key", h.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return SendResult{}, transportErr("heygen", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))

	if resp.StatusCode >= 400 {
		return SendResult{}, responseErr("heygen", resp, respBody)
	}

	var result struct {
		Data struct {
			VideoID string `json:"video_id"`
		} `json:"data"`
	}
	json.Unmarshal(respBody, &result)

	log.Printf("[Heygen] Queued render for enrollment %s (video: %s)", req.EnrollmentID, result.Data.VideoID)
	return SendResult{ProviderRef: result.Data.VideoID, AcceptedAt: time.Now()}, nil
}

// GetStatus polls a render job; used by the scheduler when a parked
// video step is revisited before the webhook arrived.
func (h *Heygen) GetStatus(ctx context.Context, providerRef string) (DeliveryStatus, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		h.cfg.BaseURL+"/v1/video_status.get?video_id="+providerRef, nil)
	if err != nil {
		return DeliveryStatus{}, err
	}
	httpReq.Header.Set("X-Api-Key", h.cfg.APIKey)

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return DeliveryStatus{}, transportErr("heygen", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode >= 400 {
		return DeliveryStatus{}, responseErr("heygen", resp, respBody)
	}

	var result struct {
		Data struct {
			Status   string `json:"status"`
			VideoURL string `json:"video_url"`
			Error    string `json:"error"`
		} `json:"data"`
	}
	json.Unmarshal(respBody, &result)

	state := StatusUnknown
	switch result.Data.Status {
	case "completed":
		state = StatusCompleted
	case "processing", "pending", "waiting":
		state = StatusProcessing
	case "failed":
		state = StatusFailed
	}
	return DeliveryStatus{
		Ref:      providerRef,
		State:    state,
		Detail:   result.Data.Error,
		VideoURL: result.Data.VideoURL,
	}, nil
}

// VerifyWebhook checks the timestamped signature and its replay window.
func (h *Heygen) VerifyWebhook(r *http.Request, rawBody []byte) error {
	return verifyTimestampedHMAC("heygen", h.cfg.WebhookSecret, rawBody,
		r.Header.Get("X-Heygen-Signature"), h.now(), heygenSignatureTolerance)
}

type heygenEvent struct {
	EventType string `json:"event_type"`
	EventData struct {
		VideoID    string `json:"video_id"`
		URL        string `json:"url"`
		CallbackID string `json:"callback_id"`
		Msg        string `json:"msg"`
	} `json:"event_data"`
	Timestamp any `json:"timestamp"`
}

// ParseWebhookEvent decodes render lifecycle events. Success and failure
// set the video fields; anything else flows through as a plain event.
func (h *Heygen) ParseWebhookEvent(rawBody []byte, _ http.Header) ([]RawEvent, error) {
	var ev heygenEvent
	if err := json.Unmarshal(rawBody, &ev); err != nil {
		return nil, fmt.Errorf("%w: heygen event: %v", domain.ErrValidation, err)
	}
	if ev.EventType == "" {
		return nil, fmt.Errorf("%w: heygen event missing event_type", domain.ErrValidation)
	}

	raw := RawEvent{
		Provider:        "heygen",
		Channel:         domain.ChannelVideo,
		Type:            ev.EventType,
		ProviderEventID: fmt.Sprintf("%s:%s", ev.EventData.VideoID, ev.EventType),
		ProviderRef:     ev.EventData.VideoID,
		Timestamp:       ev.Timestamp,
		Metadata: map[string]any{
			"callback_id": ev.EventData.CallbackID,
			"detail":      ev.EventData.Msg,
		},
	}
	switch ev.EventType {
	case "avatar_video.success":
		ok := true
		raw.VideoJobRef = ev.EventData.VideoID
		raw.VideoURL = ev.EventData.URL
		raw.VideoSucceeded = &ok
	case "avatar_video.fail":
		ok := false
		raw.VideoJobRef = ev.EventData.VideoID
		raw.VideoSucceeded = &ok
	}
	return []RawEvent{raw}, nil
}

type heygenSettings struct {
	APIKey        string `validate:"required"`
	BaseURL       string `validate:"required,url"`
	WebhookSecret string `validate:"required"`
}

// ValidateConfig checks the settings an instance needs before starting.
func (h *Heygen) ValidateConfig(settings map[string]string) error {
	s := heygenSettings{
		APIKey:        settings["api_key"],
		BaseURL:       settings["base_url"],
		WebhookSecret: settings["webhook_secret"],
	}
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("%w: heygen config: %v", domain.ErrValidation, err)
	}
	return nil
}

// QuotaStatus reports remaining render credits.
func (h *Heygen) QuotaStatus(ctx context.Context) (QuotaStatus, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		h.cfg.BaseURL+"/v2/user/remaining_quota", nil)
	if err != nil {
		return QuotaStatus{}, err
	}
	httpReq.Header.Set("X-Api-Key", h.cfg.APIKey)

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return QuotaStatus{}, transportErr("heygen", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode >= 400 {
		return QuotaStatus{}, responseErr("heygen", resp, respBody)
	}

	var result struct {
		Data struct {
			RemainingQuota int `json:"remaining_quota"`
		} `json:"data"`
	}
	json.Unmarshal(respBody, &result)

	return QuotaStatus{Provider: "heygen", Known: true, Remaining: result.Data.RemainingQuota}, nil
}
