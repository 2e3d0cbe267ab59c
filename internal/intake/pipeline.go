// Package intake turns verified provider webhooks into recorded campaign
// events. The pipeline is the synchronous half: resolve the provider,
// check the signature against the raw bytes, parse, normalize, and
// persist. Events that cannot be correlated yet go to the Redis orphan
// queue; events that can never be processed go to the dead-letter queue.
package intake

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/outreach-engine/internal/config"
	"github.com/ignite/outreach-engine/internal/domain"
	"github.com/ignite/outreach-engine/internal/metrics"
	"github.com/ignite/outreach-engine/internal/normalize"
	"github.com/ignite/outreach-engine/internal/pkg/httputil"
	"github.com/ignite/outreach-engine/internal/provider"
	"github.com/ignite/outreach-engine/internal/store"
)

// Render failures re-arm the step after this long; the scheduler's
// failure counter bounds how often that can happen.
const videoFailRetryDelay = 15 * time.Minute

const (
	statusRecorded     = "recorded"
	statusQueued       = "queued"
	statusDeadLettered = "dead_lettered"
	statusDeferred     = "deferred"
)

// eventResult is the per-event outcome reported back to the provider.
// Duplicate deliveries produce the same result as the first one.
type eventResult struct {
	Status string `json:"status"`
	Type   string `json:"event_type,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Pipeline processes webhook deliveries end to end.
type Pipeline struct {
	store      *store.Store
	registry   *provider.Registry
	normalizer *normalize.Normalizer
	queue      *OrphanQueue
	metrics    *metrics.Metrics
	maxBody    int64
	now        func() time.Time
}

func NewPipeline(st *store.Store, reg *provider.Registry, queue *OrphanQueue, m *metrics.Metrics, cfg config.IntakeConfig) *Pipeline {
	return &Pipeline{
		store:      st,
		registry:   reg,
		normalizer: normalize.New(storeLookup{store: st}),
		queue:      queue,
		metrics:    m,
		maxBody:    cfg.MaxBodyBytes,
		now:        time.Now,
	}
}

// Handle processes one webhook delivery. pathHint carries the
// /webhook/{provider} path segment when present; signature headers win
// over it.
func (p *Pipeline) Handle(w http.ResponseWriter, r *http.Request, pathHint string) {
	ctx := r.Context()

	r.Body = http.MaxBytesReader(w, r.Body, p.maxBody)
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			p.count(pathHint, http.StatusRequestEntityTooLarge)
			httputil.Error(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("payload exceeds %d bytes", p.maxBody))
			return
		}
		p.count(pathHint, http.StatusBadRequest)
		httputil.Error(w, http.StatusBadRequest, "unreadable request body")
		return
	}

	prov, err := p.registry.ResolveWebhook(r, pathHint)
	if err != nil {
		p.count(pathHint, http.StatusBadRequest)
		httputil.Error(w, http.StatusBadRequest, "unknown webhook provider")
		return
	}
	id := prov.ID()

	if err := prov.VerifyWebhook(r, raw); err != nil {
		p.metrics.SignatureFailures.WithLabelValues(id).Inc()
		p.count(id, http.StatusUnauthorized)
		httputil.Error(w, http.StatusUnauthorized, "signature verification failed")
		return
	}

	events, err := prov.ParseWebhookEvent(raw, r.Header)
	if err != nil {
		p.deadLetter(ctx, id, raw, headerMap(r.Header),
			fmt.Sprintf("unparseable payload: %v", err), false)
		p.count(id, http.StatusBadRequest)
		httputil.Error(w, http.StatusBadRequest, "unparseable webhook payload")
		return
	}
	if len(events) == 0 {
		p.count(id, http.StatusOK)
		httputil.JSON(w, http.StatusOK, map[string]any{"results": []eventResult{}})
		return
	}

	headers := headerMap(r.Header)
	results := make([]eventResult, len(events))
	for i, ev := range events {
		results[i] = p.process(ctx, ev, raw, headers)
	}

	// Single-event deliveries answer with an outcome-specific status;
	// batches always 201 with per-event results so one bad element
	// cannot fail its siblings.
	if len(results) == 1 {
		p.respondSingle(w, id, results[0])
		return
	}
	p.count(id, http.StatusCreated)
	httputil.JSON(w, http.StatusCreated, map[string]any{"results": results})
}

func (p *Pipeline) respondSingle(w http.ResponseWriter, providerID string, res eventResult) {
	switch res.Status {
	case statusRecorded:
		p.count(providerID, http.StatusCreated)
		httputil.JSON(w, http.StatusCreated, res)
	case statusQueued, statusDeferred:
		p.count(providerID, http.StatusAccepted)
		httputil.JSON(w, http.StatusAccepted, res)
	default:
		p.count(providerID, http.StatusBadRequest)
		httputil.Error(w, http.StatusBadRequest, res.Reason)
	}
}

// process runs one parsed event through resolution and decides what to do
// with the leftovers: orphans queue for retry, unmappables dead-letter,
// infrastructure errors dead-letter with a retry schedule.
func (p *Pipeline) process(ctx context.Context, ev provider.RawEvent, raw []byte, headers map[string]string) eventResult {
	res, err := p.resolve(ctx, ev)
	switch {
	case err != nil:
		p.deadLetter(ctx, ev.Provider, raw, headers,
			fmt.Sprintf("processing failed: %v", err), true)
		return eventResult{Status: statusDeferred}
	case res.Outcome == normalize.OutcomeOrphan:
		if qErr := p.queue.Enqueue(ctx, ev, p.now()); qErr != nil {
			p.deadLetter(ctx, ev.Provider, raw, headers,
				fmt.Sprintf("orphan enqueue failed: %v", qErr), true)
			return eventResult{Status: statusDeferred}
		}
		p.metrics.EventsOrphaned.WithLabelValues(ev.Provider).Inc()
		return eventResult{Status: statusQueued, Reason: res.Reason}
	case res.Outcome == normalize.OutcomeUnmappable:
		p.deadLetter(ctx, ev.Provider, raw, headers, res.Reason, false)
		return eventResult{Status: statusDeadLettered, Reason: res.Reason}
	default:
		out := eventResult{Status: statusRecorded}
		if res.Event != nil {
			out.Type = string(res.Event.Type)
		}
		return out
	}
}

// replayEnvelope wraps an already-parsed event in a dead-letter payload.
// Entries written by the orphan worker hold one of these; entries written
// by the HTTP path hold the original webhook body.
type replayEnvelope struct {
	ParsedEvent *provider.RawEvent `json:"parsed_event"`
}

// Replay re-runs a dead-lettered webhook payload. The signature check is
// skipped: the payload passed verification when it first arrived, and
// stored headers drop credentials anyway. Returns nil once every event in
// the payload is recorded or handed back to the orphan queue.
func (p *Pipeline) Replay(ctx context.Context, providerID string, payload []byte, headers map[string]string) error {
	var env replayEnvelope
	if err := json.Unmarshal(payload, &env); err == nil && env.ParsedEvent != nil {
		return p.replayEvent(ctx, *env.ParsedEvent)
	}

	prov, err := p.registry.Get(providerID)
	if err != nil {
		return err
	}
	hdr := make(http.Header, len(headers))
	for k, v := range headers {
		hdr.Set(k, v)
	}
	events, err := prov.ParseWebhookEvent(payload, hdr)
	if err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	for _, ev := range events {
		if err := p.replayEvent(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

// replayEvent resolves one replayed event. Orphans go back to the retry
// queue with a fresh attempt budget; unmappable events stay failed so the
// replay attempt is recorded against the entry.
func (p *Pipeline) replayEvent(ctx context.Context, ev provider.RawEvent) error {
	res, err := p.resolve(ctx, ev)
	if err != nil {
		return err
	}
	switch res.Outcome {
	case normalize.OutcomeOrphan:
		if err := p.queue.Enqueue(ctx, ev, p.now()); err != nil {
			return fmt.Errorf("orphan enqueue: %w", err)
		}
		p.metrics.EventsOrphaned.WithLabelValues(ev.Provider).Inc()
	case normalize.OutcomeUnmappable:
		return fmt.Errorf("unmappable: %s", res.Reason)
	}
	return nil
}

// resolve normalizes one provider event and, when it maps cleanly,
// records it. Orphan and unmappable outcomes come back undecided so the
// HTTP path and the orphan worker can each apply their own policy.
func (p *Pipeline) resolve(ctx context.Context, ev provider.RawEvent) (normalize.Result, error) {
	if ev.VideoJobRef != "" && ev.VideoSucceeded != nil {
		return p.resolveVideo(ctx, ev)
	}

	res, err := p.normalizer.Normalize(ctx, ev)
	if err != nil || res.Outcome != normalize.OutcomeOK {
		return res, err
	}
	if err := p.record(ctx, res.Event); err != nil {
		return res, err
	}
	return res, nil
}

// record persists a normalized event with a short transient-error retry.
// Sent confirmations the scheduler already recorded internally count as
// duplicates instead of double-bumping total_sent.
func (p *Pipeline) record(ctx context.Context, ev *domain.CampaignEvent) error {
	if ev.Type == domain.EventSent && ev.EnrollmentID != nil && ev.StepNumber != nil {
		seen, err := p.store.HasEvent(ctx, *ev.EnrollmentID, domain.EventSent, *ev.StepNumber)
		if err != nil {
			return fmt.Errorf("sent check: %w", err)
		}
		if seen {
			p.metrics.EventsDeduplicated.WithLabelValues(ev.Provider).Inc()
			return nil
		}
	}

	var res store.InsertEventResult
	err := retryTransient(ctx, func() error {
		var rerr error
		res, rerr = p.store.RecordEvent(ctx, ev)
		return rerr
	})
	if err != nil {
		return err
	}
	if res.Deduplicated {
		p.metrics.EventsDeduplicated.WithLabelValues(ev.Provider).Inc()
		return nil
	}
	p.metrics.EventsIngested.WithLabelValues(ev.Provider, string(ev.Type)).Inc()
	return nil
}

// resolveVideo handles render lifecycle callbacks. Success completes the
// job row and re-arms the parked enrollment so the scheduler dispatches
// the send; failure records the miss and hands the step back to the
// normal retry policy. Providers are never called from here.
func (p *Pipeline) resolveVideo(ctx context.Context, ev provider.RawEvent) (normalize.Result, error) {
	job, err := p.store.GetVideoJobByProviderRef(ctx, ev.Provider, ev.VideoJobRef)
	if errors.Is(err, domain.ErrNotFound) {
		// Render callbacks can land before the job row commits.
		return normalize.Result{
			Outcome: normalize.OutcomeOrphan,
			Reason:  "no video job for ref " + ev.VideoJobRef,
		}, nil
	}
	if err != nil {
		return normalize.Result{}, fmt.Errorf("video job lookup: %w", err)
	}

	if *ev.VideoSucceeded {
		err = p.completeVideo(ctx, job, ev)
	} else {
		err = p.failVideo(ctx, job, ev)
	}
	if err != nil {
		return normalize.Result{}, err
	}
	return normalize.Result{Outcome: normalize.OutcomeOK}, nil
}

func (p *Pipeline) completeVideo(ctx context.Context, job *domain.VideoGenerationJob, ev provider.RawEvent) error {
	var resumed bool
	err := p.store.WithTx(ctx, func(tx *sql.Tx) error {
		done, err := p.store.CompleteVideoJobTx(ctx, tx, job.ID, ev.VideoURL)
		if err != nil {
			return err
		}
		if !done {
			return nil
		}
		resumed = true

		step := job.StepNumber
		enrollmentID := job.EnrollmentID
		generated := &domain.CampaignEvent{
			ID:           uuid.New().String(),
			InstanceID:   job.InstanceID,
			EnrollmentID: &enrollmentID,
			Provider:     ev.Provider,
			Type:         domain.EventVideoGenerated,
			Channel:      domain.ChannelVideo,
			StepNumber:   &step,
			OccurredAt:   p.now().UTC(),
			Payload:      map[string]any{"video_url": ev.VideoURL},
		}
		if ev.ProviderEventID != "" {
			id := ev.ProviderEventID
			generated.ProviderEventID = &id
		}
		if _, err := p.store.InsertEventTx(ctx, tx, generated); err != nil {
			return err
		}
		return p.store.ResumeVideoSendTx(ctx, tx, job.EnrollmentID, ev.VideoURL)
	})
	if err != nil {
		return err
	}
	if !resumed {
		p.metrics.EventsDeduplicated.WithLabelValues(ev.Provider).Inc()
		return nil
	}
	p.metrics.EventsIngested.WithLabelValues(ev.Provider, string(domain.EventVideoGenerated)).Inc()
	log.Printf("[Intake] Video %s ready for enrollment %s; send re-armed", job.ProviderJobID, job.EnrollmentID)
	return nil
}

func (p *Pipeline) failVideo(ctx context.Context, job *domain.VideoGenerationJob, ev provider.RawEvent) error {
	reason := renderFailureDetail(ev)
	var applied bool
	err := p.store.WithTx(ctx, func(tx *sql.Tx) error {
		done, err := p.store.FailVideoJobTx(ctx, tx, job.ID, reason)
		if err != nil {
			return err
		}
		if !done {
			return nil
		}
		applied = true

		now := p.now().UTC()
		step := job.StepNumber
		enrollmentID := job.EnrollmentID
		failed := &domain.CampaignEvent{
			ID:           uuid.New().String(),
			InstanceID:   job.InstanceID,
			EnrollmentID: &enrollmentID,
			Provider:     ev.Provider,
			Type:         domain.EventVideoGenerationFailed,
			Channel:      domain.ChannelVideo,
			StepNumber:   &step,
			OccurredAt:   now,
			Payload:      map[string]any{"reason": "video_render_failed", "detail": reason},
		}
		if ev.ProviderEventID != "" {
			id := ev.ProviderEventID
			failed.ProviderEventID = &id
		}
		if _, err := p.store.InsertEventTx(ctx, tx, failed); err != nil {
			return err
		}
		if err := p.store.IncrementInstanceCounter(ctx, tx, job.InstanceID, "total_failed", 1); err != nil {
			return err
		}
		return p.store.FailVideoStepTx(ctx, tx, enrollmentID, now.Add(videoFailRetryDelay))
	})
	if err != nil {
		return err
	}
	if !applied {
		p.metrics.EventsDeduplicated.WithLabelValues(ev.Provider).Inc()
		return nil
	}
	p.metrics.EventsIngested.WithLabelValues(ev.Provider, string(domain.EventVideoGenerationFailed)).Inc()
	log.Printf("[Intake] Video %s failed for enrollment %s: %s", job.ProviderJobID, job.EnrollmentID, reason)
	return nil
}

func renderFailureDetail(ev provider.RawEvent) string {
	for _, key := range []string{"msg", "error", "detail"} {
		if v, ok := ev.Metadata[key]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return "render failed"
}

// deadLetter preserves a payload the pipeline could not process.
// retryable entries get a near-term next_attempt_at for the DLQ worker;
// the rest wait for an operator.
func (p *Pipeline) deadLetter(ctx context.Context, providerID string, payload []byte, headers map[string]string, reason string, retryable bool) {
	entry := &domain.DeadLetterEvent{
		Source:        domain.DeadLetterWebhook,
		Provider:      providerID,
		Payload:       payload,
		Headers:       headers,
		FailureReason: reason,
		Status:        domain.DeadLetterFailed,
	}
	if retryable {
		next := p.now().Add(time.Minute)
		entry.NextAttemptAt = &next
	}
	if err := p.store.InsertDeadLetter(ctx, entry); err != nil {
		log.Printf("[Intake] Dead-letter insert failed (%s): %v", reason, err)
		return
	}
	p.metrics.EventsDeadLettered.WithLabelValues(string(domain.DeadLetterWebhook)).Inc()
}

func (p *Pipeline) count(providerID string, code int) {
	if providerID == "" {
		providerID = "unknown"
	}
	p.metrics.WebhookRequests.WithLabelValues(providerID, strconv.Itoa(code)).Inc()
}

// headerMap flattens request headers for dead-letter context, dropping
// anything that smells like a credential.
func headerMap(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vals := range h {
		if len(vals) == 0 {
			continue
		}
		if strings.Contains(strings.ToLower(k), "token") || strings.EqualFold(k, "Authorization") {
			continue
		}
		out[k] = vals[0]
	}
	return out
}

// retryTransient runs fn up to three times with short pauses, giving
// webhook processing a chance to ride out connection blips without
// holding the provider's delivery thread for long.
func retryTransient(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 50 * time.Millisecond):
		}
	}
	return err
}
