package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/outreach-engine/internal/domain"
	"github.com/ignite/outreach-engine/internal/provider"
	"github.com/ignite/outreach-engine/internal/resilience"
)

// outcome classifies one processed enrollment.
type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeDispatched
	outcomeDeferred
	outcomeCompleted
	outcomeFailed
)

// errLedgerCapped rolls back a LinkedIn dispatch transaction when the
// account's daily action cap has been reached.
var errLedgerCapped = errors.New("linkedin daily cap reached")

// process runs one claimed enrollment to a terminal disposition for this
// pass: dispatched, deferred, completed, failed, or released untouched.
// The worker context is detached so that stopping the worker lets
// in-flight dispatches finish.
func (w *Worker) process(ctx context.Context, e *domain.Enrollment, now time.Time) outcome {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), enrollmentTimeout)
	defer cancel()

	inst, err := w.store.GetInstance(pctx, e.InstanceID)
	if err != nil {
		log.Printf("[Scheduler] Instance %s lookup failed for enrollment %s: %v", e.InstanceID, e.ID, err)
		w.release(pctx, e.ID)
		return outcomeSkipped
	}
	// Paused or terminal instances keep their enrollments parked; the
	// claim is released with next_action_at intact so a resume picks
	// them up where they left off.
	if inst.Status != domain.InstanceActive {
		w.release(pctx, e.ID)
		return outcomeSkipped
	}

	tmpl, err := w.templates.get(pctx, inst.TemplateID)
	if err != nil {
		log.Printf("[Scheduler] Template %s lookup failed: %v", inst.TemplateID, err)
		w.release(pctx, e.ID)
		return outcomeSkipped
	}

	if e.StepState["awaiting"] == "video" {
		return w.pollVideoRender(pctx, e, now)
	}

	step := tmpl.StepAt(e.CurrentStep + 1)
	if step == nil {
		return w.completeSequence(pctx, e)
	}

	// A LinkedIn message that follows a connection request waits for the
	// acceptance event before it can go out.
	if step.Action == domain.ActionLinkedInMessage && requiresAcceptance(tmpl, step) {
		accepted, err := w.store.HasEvent(pctx, e.ID, domain.EventConnectionAccepted, 0)
		if err != nil {
			log.Printf("[Scheduler] Acceptance check failed for enrollment %s: %v", e.ID, err)
			w.release(pctx, e.ID)
			return outcomeSkipped
		}
		if !accepted {
			return w.waitForConnection(pctx, e, tmpl, step, now)
		}
	}

	if inst.DailySendCap > 0 {
		sentToday, err := w.store.CountInstanceSentToday(pctx, e.InstanceID, now)
		if err != nil {
			log.Printf("[Scheduler] Daily send count failed for instance %s: %v", e.InstanceID, err)
			w.release(pctx, e.ID)
			return outcomeSkipped
		}
		if sentToday >= inst.DailySendCap {
			tomorrow := now.UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)
			w.deferUntil(pctx, e.ID, tomorrow)
			log.Printf("[Scheduler] Instance %s at daily cap (%d); enrollment %s deferred to %s",
				e.InstanceID, inst.DailySendCap, e.ID, tomorrow.Format(time.RFC3339))
			return outcomeDeferred
		}
	}

	return w.dispatchStep(pctx, e, inst, tmpl, step, now)
}

// dispatchStep sends the resolved step after the idempotency checks. Video
// steps split in two: the render phase parks the enrollment, and the send
// phase (re-armed by the completion webhook or the poll fallback) goes out
// like an email carrying the rendered URL.
func (w *Worker) dispatchStep(ctx context.Context, e *domain.Enrollment, inst *domain.CampaignInstance, tmpl *domain.CampaignTemplate, step *domain.SequenceStep, now time.Time) outcome {
	if step.Channel == domain.ChannelVideo && e.StepState["awaiting"] != "video_send" {
		return w.requestVideoRender(ctx, e, inst, tmpl, step, now)
	}

	sent, err := w.store.HasEvent(ctx, e.ID, domain.EventSent, step.StepNumber)
	if err != nil {
		log.Printf("[Scheduler] Sent check failed for enrollment %s: %v", e.ID, err)
		w.release(ctx, e.ID)
		return outcomeSkipped
	}
	if sent {
		// A previous dispatch committed but the claim expired before the
		// pointer moved. Advance without re-sending.
		var seqDone bool
		err := w.store.WithTx(ctx, func(tx *sql.Tx) error {
			var err error
			seqDone, err = w.advanceTx(ctx, tx, e, tmpl, step, now)
			return err
		})
		if err != nil {
			log.Printf("[Scheduler] Advance after duplicate for enrollment %s: %v", e.ID, err)
			w.release(ctx, e.ID)
			return outcomeSkipped
		}
		log.Printf("[Scheduler] Step %d already sent for enrollment %s; advanced without dispatch",
			step.StepNumber, e.ID)
		if seqDone {
			return outcomeCompleted
		}
		return outcomeSkipped
	}

	key := domain.IdempotencyKey(e.ID, step.StepNumber)
	acquired, err := w.acquireGuard(ctx, key)
	if err != nil {
		// Redis down: the authoritative check above already passed, so
		// proceed rather than stall every dispatch.
		log.Printf("[Scheduler] Idempotency guard unavailable: %v", err)
	} else if !acquired {
		w.deferUntil(ctx, e.ID, now.Add(inFlightRetryDelay))
		return outcomeDeferred
	}

	if step.Channel == domain.ChannelLinkedIn {
		return w.dispatchLinkedIn(ctx, e, inst, tmpl, step, now, key)
	}
	return w.dispatchDirect(ctx, e, inst, tmpl, step, now, key)
}

// dispatchDirect handles email steps and the send phase of video steps.
func (w *Worker) dispatchDirect(ctx context.Context, e *domain.Enrollment, inst *domain.CampaignInstance, tmpl *domain.CampaignTemplate, step *domain.SequenceStep, now time.Time, key string) outcome {
	videoURL := ""
	ch := step.Channel
	hint := step.ProviderHint
	if e.StepState["awaiting"] == "video_send" {
		// The render is done; the carrying email goes through the default
		// email provider, not the video provider the hint names.
		videoURL = e.StepState["video_url"]
		ch = domain.ChannelEmail
		hint = ""
	}

	prov, err := w.registry.ForChannel(ch, hint)
	if err != nil {
		w.releaseGuard(ctx, key)
		return w.fail(ctx, e, inst, tmpl, step, now, providerLabel(step), err.Error())
	}

	res, err := w.send(ctx, prov, w.buildRequest(e, step, key, videoURL))
	if err != nil {
		return w.handleSendError(ctx, e, inst, tmpl, step, now, key, prov.ID(), err)
	}

	var seqDone bool
	err = w.commitSend(ctx, func(tx *sql.Tx) error {
		if err := w.recordSentTx(ctx, tx, e, step, prov.ID(), res, now); err != nil {
			return err
		}
		var err error
		seqDone, err = w.advanceTx(ctx, tx, e, tmpl, step, now)
		return err
	})
	if err != nil {
		// The provider accepted but the record did not commit. The guard
		// stays so the claim-timeout retry cannot double-send inside the
		// TTL; the sent check resolves it after that.
		log.Printf("[Scheduler] Post-send commit failed for enrollment %s step %d: %v", e.ID, step.StepNumber, err)
		w.release(ctx, e.ID)
		return outcomeSkipped
	}

	log.Printf("[Scheduler] Dispatched step %d (%s %s) for enrollment %s via %s",
		step.StepNumber, step.Channel, step.Action, e.ID, prov.ID())
	if seqDone {
		return outcomeCompleted
	}
	return outcomeDispatched
}

// dispatchLinkedIn sends a LinkedIn step with the account's daily ledger
// row locked across the provider call, so two workers cannot both pass
// the cap check for the same account.
func (w *Worker) dispatchLinkedIn(ctx context.Context, e *domain.Enrollment, inst *domain.CampaignInstance, tmpl *domain.CampaignTemplate, step *domain.SequenceStep, now time.Time, key string) outcome {
	prov, err := w.registry.ForChannel(domain.ChannelLinkedIn, step.ProviderHint)
	if err != nil {
		w.releaseGuard(ctx, key)
		return w.fail(ctx, e, inst, tmpl, step, now, providerLabel(step), err.Error())
	}
	act, capped := domain.LinkedInActionForStep(step.Action)
	if !capped {
		w.releaseGuard(ctx, key)
		return w.fail(ctx, e, inst, tmpl, step, now, prov.ID(),
			fmt.Sprintf("step action %s is not a linkedin action", step.Action))
	}

	account := prov.ID()
	if a, ok := prov.(interface{ AccountID() string }); ok && a.AccountID() != "" {
		account = a.AccountID()
	}
	usageDate := domain.LocalDate(now, e.Location())
	limit := w.capFor(act)
	req := w.buildRequest(e, step, key, "")

	var (
		res     provider.SendResult
		sent    bool
		seqDone bool
	)
	err = w.store.WithTx(ctx, func(tx *sql.Tx) error {
		usage, err := w.store.LinkedInUsageForUpdate(ctx, tx, account, usageDate)
		if err != nil {
			return err
		}
		if limit > 0 && usage.Count(act) >= limit {
			return errLedgerCapped
		}
		if res, err = w.send(ctx, prov, req); err != nil {
			return err
		}
		sent = true
		if err := w.recordSentTx(ctx, tx, e, step, prov.ID(), res, now); err != nil {
			return err
		}
		if err := w.store.IncrementLinkedInUsage(ctx, tx, account, usageDate, act); err != nil {
			return err
		}
		seqDone, err = w.advanceTx(ctx, tx, e, tmpl, step, now)
		return err
	})
	switch {
	case err == nil:
		log.Printf("[Scheduler] Dispatched step %d (%s %s) for enrollment %s via %s",
			step.StepNumber, step.Channel, step.Action, e.ID, prov.ID())
		if seqDone {
			return outcomeCompleted
		}
		return outcomeDispatched
	case errors.Is(err, errLedgerCapped):
		w.releaseGuard(ctx, key)
		until := domain.NextLocalMidnight(now, e.Location())
		w.deferUntil(ctx, e.ID, until)
		log.Printf("[Scheduler] Account %s at daily %s cap (%d); enrollment %s deferred to %s",
			account, act, limit, e.ID, until.Format(time.RFC3339))
		return outcomeDeferred
	case !sent:
		return w.handleSendError(ctx, e, inst, tmpl, step, now, key, prov.ID(), err)
	default:
		log.Printf("[Scheduler] Post-send commit failed for enrollment %s step %d: %v", e.ID, step.StepNumber, err)
		w.release(ctx, e.ID)
		return outcomeSkipped
	}
}

// handleSendError sorts a failed dispatch into deferral (the stack
// refused the call, nothing counted), ambiguity (keep the guard, let the
// claim timeout retry), or a real provider failure.
func (w *Worker) handleSendError(ctx context.Context, e *domain.Enrollment, inst *domain.CampaignInstance, tmpl *domain.CampaignTemplate, step *domain.SequenceStep, now time.Time, key, providerID string, err error) outcome {
	if d, ok := resilience.AsDeferral(err); ok {
		w.releaseGuard(ctx, key)
		w.deferUntil(ctx, e.ID, now.Add(d.Wait))
		log.Printf("[Scheduler] Dispatch deferred for enrollment %s step %d: %s", e.ID, step.StepNumber, d.Reason)
		return outcomeDeferred
	}
	if ctx.Err() != nil {
		// Timed out mid-call: the provider may have the request. Keep the
		// guard; the next attempt resolves against the sent event.
		log.Printf("[Scheduler] Dispatch timed out for enrollment %s step %d", e.ID, step.StepNumber)
		w.release(ctx, e.ID)
		return outcomeSkipped
	}
	w.releaseGuard(ctx, key)
	return w.fail(ctx, e, inst, tmpl, step, now, providerID, err.Error())
}

// fail records a failed event, bumps the instance counter, and applies
// the step retry policy. Enrollments that exhaust their retries go to the
// dead letter queue for operator triage.
func (w *Worker) fail(ctx context.Context, e *domain.Enrollment, inst *domain.CampaignInstance, tmpl *domain.CampaignTemplate, step *domain.SequenceStep, now time.Time, providerID, reason string) outcome {
	var (
		count     int
		failedOut bool
	)
	err := w.store.WithTx(ctx, func(tx *sql.Tx) error {
		stepNum := step.StepNumber
		ev := &domain.CampaignEvent{
			ID:           uuid.New().String(),
			InstanceID:   e.InstanceID,
			EnrollmentID: &e.ID,
			Provider:     providerID,
			Type:         domain.EventFailed,
			Channel:      step.Channel,
			StepNumber:   &stepNum,
			OccurredAt:   now,
			Payload:      map[string]any{"reason": reason},
		}
		if _, err := w.store.InsertEventTx(ctx, tx, ev); err != nil {
			return err
		}
		if err := w.store.IncrementInstanceCounter(ctx, tx, e.InstanceID, "total_failed", 1); err != nil {
			return err
		}
		var err error
		count, failedOut, err = w.store.RecordStepFailure(ctx, tx, e.ID, now, stepFailureBase, w.cfg.MaxStepFailures)
		return err
	})
	if err != nil {
		log.Printf("[Scheduler] Failure record for enrollment %s: %v", e.ID, err)
		w.release(ctx, e.ID)
		return outcomeSkipped
	}

	if failedOut {
		w.deadLetterSend(ctx, e, step, providerID, reason, count)
		log.Printf("[Scheduler] Enrollment %s failed out after %d attempts at step %d: %s",
			e.ID, count, step.StepNumber, reason)
	} else {
		log.Printf("[Scheduler] Step %d failed for enrollment %s (attempt %d): %s",
			step.StepNumber, e.ID, count, reason)
	}
	return outcomeFailed
}

// deadLetterSend files an exhausted enrollment for operator triage; these
// entries are never auto-replayed.
func (w *Worker) deadLetterSend(ctx context.Context, e *domain.Enrollment, step *domain.SequenceStep, providerID, reason string, attempts int) {
	payload, err := json.Marshal(map[string]any{
		"enrollment_id": e.ID,
		"instance_id":   e.InstanceID,
		"step_number":   step.StepNumber,
		"action":        string(step.Action),
		"email":         e.Email,
	})
	if err != nil {
		log.Printf("[Scheduler] Dead letter payload for enrollment %s: %v", e.ID, err)
		return
	}
	d := &domain.DeadLetterEvent{
		Source:        domain.DeadLetterSend,
		Provider:      providerID,
		Payload:       payload,
		FailureReason: reason,
		AttemptCount:  attempts,
		Status:        domain.DeadLetterFailed,
	}
	if err := w.store.InsertDeadLetter(ctx, d); err != nil {
		log.Printf("[Scheduler] Dead letter insert for enrollment %s: %v", e.ID, err)
		return
	}
	w.metrics.EventsDeadLettered.WithLabelValues(string(domain.DeadLetterSend)).Inc()
}

// completeSequence finishes an enrollment whose pointer is already past
// the last step.
func (w *Worker) completeSequence(ctx context.Context, e *domain.Enrollment) outcome {
	var drained bool
	err := w.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := w.store.CompleteEnrollmentTx(ctx, tx, e.ID, e.InstanceID); err != nil {
			return err
		}
		var err error
		drained, err = w.store.CompleteInstanceIfDrainedTx(ctx, tx, e.InstanceID)
		return err
	})
	if err != nil {
		log.Printf("[Scheduler] Complete for enrollment %s: %v", e.ID, err)
		w.release(ctx, e.ID)
		return outcomeSkipped
	}
	log.Printf("[Scheduler] Enrollment %s completed its sequence", e.ID)
	if drained {
		log.Printf("[Scheduler] Instance %s completed: no enrollments left to progress", e.InstanceID)
	}
	return outcomeCompleted
}

// waitForConnection parks a message step until the connection is accepted,
// up to the configured wait. Past it, the step is recorded as failed with
// reason connection_timeout and the sequence moves on.
func (w *Worker) waitForConnection(ctx context.Context, e *domain.Enrollment, tmpl *domain.CampaignTemplate, step *domain.SequenceStep, now time.Time) outcome {
	since := now
	if raw := e.StepState["since"]; raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			since = t
		}
	}

	wait := time.Duration(w.cfg.ConnectionWaitDays) * 24 * time.Hour
	if now.Sub(since) >= wait {
		var seqDone bool
		err := w.store.WithTx(ctx, func(tx *sql.Tx) error {
			stepNum := step.StepNumber
			ev := &domain.CampaignEvent{
				ID:           uuid.New().String(),
				InstanceID:   e.InstanceID,
				EnrollmentID: &e.ID,
				Provider:     providerLabel(step),
				Type:         domain.EventFailed,
				Channel:      domain.ChannelLinkedIn,
				StepNumber:   &stepNum,
				OccurredAt:   now,
				Payload:      map[string]any{"reason": "connection_timeout"},
			}
			if _, err := w.store.InsertEventTx(ctx, tx, ev); err != nil {
				return err
			}
			if err := w.store.IncrementInstanceCounter(ctx, tx, e.InstanceID, "total_failed", 1); err != nil {
				return err
			}
			var err error
			seqDone, err = w.advanceTx(ctx, tx, e, tmpl, step, now)
			return err
		})
		if err != nil {
			log.Printf("[Scheduler] Connection timeout record for enrollment %s: %v", e.ID, err)
			w.release(ctx, e.ID)
			return outcomeSkipped
		}
		log.Printf("[Scheduler] Enrollment %s: connection not accepted within %dd; skipping step %d",
			e.ID, w.cfg.ConnectionWaitDays, step.StepNumber)
		if seqDone {
			return outcomeCompleted
		}
		return outcomeFailed
	}

	state := map[string]string{
		"awaiting": "connection",
		"since":    since.UTC().Format(time.RFC3339),
	}
	err := w.store.WithTx(ctx, func(tx *sql.Tx) error {
		return w.store.ParkEnrollmentTx(ctx, tx, e.ID, now.Add(w.connectionCheckEvery()), state)
	})
	if err != nil {
		log.Printf("[Scheduler] Connection park for enrollment %s: %v", e.ID, err)
		w.release(ctx, e.ID)
		return outcomeSkipped
	}
	return outcomeDeferred
}

// requestVideoRender runs the first phase of a video step: ask the
// provider to render, record the job, and park the enrollment until the
// completion webhook (or the poll fallback) re-arms it.
func (w *Worker) requestVideoRender(ctx context.Context, e *domain.Enrollment, inst *domain.CampaignInstance, tmpl *domain.CampaignTemplate, step *domain.SequenceStep, now time.Time) outcome {
	prov, err := w.registry.ForChannel(domain.ChannelVideo, step.ProviderHint)
	if err != nil {
		return w.fail(ctx, e, inst, tmpl, step, now, providerLabel(step), err.Error())
	}

	res, err := w.send(ctx, prov, w.buildRequest(e, step, domain.IdempotencyKey(e.ID, step.StepNumber), ""))
	if err != nil {
		return w.handleSendError(ctx, e, inst, tmpl, step, now, "", prov.ID(), err)
	}

	state := map[string]string{
		"awaiting": "video",
		"provider": prov.ID(),
		"job_ref":  res.ProviderRef,
	}
	err = w.commitSend(ctx, func(tx *sql.Tx) error {
		job := &domain.VideoGenerationJob{
			EnrollmentID:  e.ID,
			InstanceID:    e.InstanceID,
			StepNumber:    step.StepNumber,
			Provider:      prov.ID(),
			ProviderJobID: res.ProviderRef,
		}
		if err := w.store.CreateVideoJobTx(ctx, tx, job); err != nil {
			return err
		}
		if err := w.store.SetProviderRefsTx(ctx, tx, e.ID, "", res.ProviderRef); err != nil {
			return err
		}
		return w.store.ParkEnrollmentTx(ctx, tx, e.ID, now.Add(videoRenderPollAfter), state)
	})
	if err != nil {
		log.Printf("[Scheduler] Render park failed for enrollment %s step %d: %v", e.ID, step.StepNumber, err)
		w.release(ctx, e.ID)
		return outcomeSkipped
	}

	log.Printf("[Scheduler] Render requested for enrollment %s step %d (job %s)", e.ID, step.StepNumber, res.ProviderRef)
	return outcomeDispatched
}

// pollVideoRender is the fallback for a parked video step whose webhook
// never arrived: ask the provider directly and resolve the wait.
func (w *Worker) pollVideoRender(ctx context.Context, e *domain.Enrollment, now time.Time) outcome {
	jobRef := e.StepState["job_ref"]
	provID := e.StepState["provider"]
	prov, err := w.registry.Get(provID)
	if err != nil || jobRef == "" {
		return w.renderFailed(ctx, e, provID, jobRef,
			fmt.Sprintf("video wait state unresolvable (provider %q, job %q)", provID, jobRef), now)
	}

	var status provider.DeliveryStatus
	err = w.stack.Do(ctx, prov.ID(), func(ctx context.Context) error {
		var serr error
		status, serr = prov.GetStatus(ctx, jobRef)
		return serr
	})
	if err != nil {
		if d, ok := resilience.AsDeferral(err); ok {
			w.deferUntil(ctx, e.ID, now.Add(d.Wait))
			return outcomeDeferred
		}
		log.Printf("[Scheduler] Render poll failed for enrollment %s (job %s): %v", e.ID, jobRef, err)
		w.deferUntil(ctx, e.ID, now.Add(time.Hour))
		return outcomeDeferred
	}

	switch status.State {
	case provider.StatusCompleted:
		return w.renderFinished(ctx, e, provID, jobRef, status.VideoURL)
	case provider.StatusFailed:
		return w.renderFailed(ctx, e, provID, jobRef, status.Detail, now)
	default:
		w.deferUntil(ctx, e.ID, now.Add(videoPollEvery))
		return outcomeDeferred
	}
}

// renderFinished mirrors what the completion webhook does: close the job
// and re-arm the enrollment for the send phase.
func (w *Worker) renderFinished(ctx context.Context, e *domain.Enrollment, provID, jobRef, videoURL string) outcome {
	job, err := w.store.GetVideoJobByProviderRef(ctx, provID, jobRef)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		log.Printf("[Scheduler] Video job lookup for enrollment %s: %v", e.ID, err)
		w.release(ctx, e.ID)
		return outcomeSkipped
	}

	err = w.store.WithTx(ctx, func(tx *sql.Tx) error {
		if job != nil {
			if _, err := w.store.CompleteVideoJobTx(ctx, tx, job.ID, videoURL); err != nil {
				return err
			}
		}
		return w.store.ResumeVideoSendTx(ctx, tx, e.ID, videoURL)
	})
	if err != nil {
		log.Printf("[Scheduler] Video resume for enrollment %s: %v", e.ID, err)
		w.release(ctx, e.ID)
		return outcomeSkipped
	}
	log.Printf("[Scheduler] Video ready for enrollment %s (poll); send re-armed", e.ID)
	return outcomeDeferred
}

// renderFailed mirrors the failure webhook: close the job, record the
// failed event, and put the step back on the retry schedule.
func (w *Worker) renderFailed(ctx context.Context, e *domain.Enrollment, provID, jobRef, detail string, now time.Time) outcome {
	if detail == "" {
		detail = "render failed"
	}
	var job *domain.VideoGenerationJob
	if jobRef != "" {
		j, err := w.store.GetVideoJobByProviderRef(ctx, provID, jobRef)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			log.Printf("[Scheduler] Video job lookup for enrollment %s: %v", e.ID, err)
			w.release(ctx, e.ID)
			return outcomeSkipped
		}
		job = j
	}

	err := w.store.WithTx(ctx, func(tx *sql.Tx) error {
		if job != nil {
			if _, err := w.store.FailVideoJobTx(ctx, tx, job.ID, detail); err != nil {
				return err
			}
		}
		stepNum := e.CurrentStep + 1
		ev := &domain.CampaignEvent{
			ID:           uuid.New().String(),
			InstanceID:   e.InstanceID,
			EnrollmentID: &e.ID,
			Provider:     provID,
			Type:         domain.EventVideoGenerationFailed,
			Channel:      domain.ChannelVideo,
			StepNumber:   &stepNum,
			OccurredAt:   now,
			Payload:      map[string]any{"reason": "video_render_failed", "detail": detail},
		}
		if _, err := w.store.InsertEventTx(ctx, tx, ev); err != nil {
			return err
		}
		if err := w.store.IncrementInstanceCounter(ctx, tx, e.InstanceID, "total_failed", 1); err != nil {
			return err
		}
		return w.store.FailVideoStepTx(ctx, tx, e.ID, now.Add(videoFailRetry))
	})
	if err != nil {
		log.Printf("[Scheduler] Render failure record for enrollment %s: %v", e.ID, err)
		w.release(ctx, e.ID)
		return outcomeSkipped
	}
	log.Printf("[Scheduler] Render failed for enrollment %s (job %s): %s", e.ID, jobRef, detail)
	return outcomeFailed
}

// advanceTx moves the pointer past step, scheduling the next step or
// completing the sequence. Steps sharing a day offset come due
// immediately.
func (w *Worker) advanceTx(ctx context.Context, tx *sql.Tx, e *domain.Enrollment, tmpl *domain.CampaignTemplate, step *domain.SequenceStep, now time.Time) (bool, error) {
	next := tmpl.StepAt(step.StepNumber + 1)
	if next == nil {
		if err := w.store.AdvanceEnrollmentTx(ctx, tx, e.ID, step.StepNumber, nil, nil); err != nil {
			return false, err
		}
		if err := w.store.CompleteEnrollmentTx(ctx, tx, e.ID, e.InstanceID); err != nil {
			return false, err
		}
		drained, err := w.store.CompleteInstanceIfDrainedTx(ctx, tx, e.InstanceID)
		if err != nil {
			return false, err
		}
		if drained {
			log.Printf("[Scheduler] Instance %s completed: no enrollments left to progress", e.InstanceID)
		}
		return true, nil
	}

	delta := next.DayOffset - step.DayOffset
	if delta < 0 {
		delta = 0
	}
	due := now.Add(time.Duration(delta) * 24 * time.Hour)
	return false, w.store.AdvanceEnrollmentTx(ctx, tx, e.ID, step.StepNumber, &due, nil)
}

// recordSentTx writes the canonical sent event, bumps the instance
// counter, and stamps the provider reference for webhook correlation.
func (w *Worker) recordSentTx(ctx context.Context, tx *sql.Tx, e *domain.Enrollment, step *domain.SequenceStep, providerID string, res provider.SendResult, now time.Time) error {
	stepNum := step.StepNumber
	ev := &domain.CampaignEvent{
		ID:           uuid.New().String(),
		InstanceID:   e.InstanceID,
		EnrollmentID: &e.ID,
		Provider:     providerID,
		Type:         domain.EventSent,
		Channel:      step.Channel,
		StepNumber:   &stepNum,
		OccurredAt:   now,
		Payload:      map[string]any{"action": string(step.Action)},
	}
	if res.ProviderRef != "" {
		ev.Payload["provider_ref"] = res.ProviderRef
	}
	if _, err := w.store.InsertEventTx(ctx, tx, ev); err != nil {
		return err
	}
	if err := w.store.IncrementInstanceCounter(ctx, tx, e.InstanceID, "total_sent", 1); err != nil {
		return err
	}

	if res.ProviderRef == "" {
		return nil
	}
	msgRef, actRef := res.ProviderRef, ""
	if step.Channel == domain.ChannelLinkedIn {
		msgRef, actRef = "", res.ProviderRef
	}
	return w.store.SetProviderRefsTx(ctx, tx, e.ID, msgRef, actRef)
}

// send runs one provider call through the resilience stack and records
// the dispatch metrics.
func (w *Worker) send(ctx context.Context, prov provider.Provider, req provider.SendRequest) (provider.SendResult, error) {
	var res provider.SendResult
	start := time.Now()
	err := w.stack.Do(ctx, prov.ID(), func(ctx context.Context) error {
		var serr error
		res, serr = prov.Send(ctx, req)
		return serr
	})
	w.metrics.SendDuration.WithLabelValues(prov.ID()).Observe(time.Since(start).Seconds())

	result := "ok"
	if err != nil {
		if _, ok := resilience.AsDeferral(err); ok {
			result = "deferred"
		} else {
			result = "error"
		}
	}
	w.metrics.SendsTotal.WithLabelValues(prov.ID(), result).Inc()
	return res, err
}

func (w *Worker) buildRequest(e *domain.Enrollment, step *domain.SequenceStep, key, videoURL string) provider.SendRequest {
	md := make(map[string]string, len(step.Metadata)+1)
	for k, v := range step.Metadata {
		md[k] = v
	}
	if videoURL != "" {
		md["video_url"] = videoURL
	}
	return provider.SendRequest{
		IdempotencyKey: key,
		EnrollmentID:   e.ID,
		InstanceID:     e.InstanceID,
		StepNumber:     step.StepNumber,
		Action:         step.Action,
		Email:          e.Email,
		FirstName:      e.FirstName,
		LastName:       e.LastName,
		Company:        e.Company,
		LinkedInURL:    e.LinkedInURL,
		Metadata:       md,
	}
}

// commitSend retries the post-accept bookkeeping transaction a few times
// before giving up; the provider call already succeeded and must not run
// again.
func (w *Worker) commitSend(ctx context.Context, fn func(tx *sql.Tx) error) error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if err = w.store.WithTx(ctx, fn); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		time.Sleep(time.Duration(attempt+1) * 50 * time.Millisecond)
	}
	return err
}

func (w *Worker) acquireGuard(ctx context.Context, key string) (bool, error) {
	return w.rdb.SetNX(ctx, idempotencyPrefix+key, w.workerID, idempotencyTTL).Result()
}

func (w *Worker) releaseGuard(ctx context.Context, key string) {
	if key == "" {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := w.rdb.Del(rctx, idempotencyPrefix+key).Err(); err != nil {
		log.Printf("[Scheduler] Release idempotency key %s: %v", key, err)
	}
}

func (w *Worker) release(ctx context.Context, enrollmentID string) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := w.store.ReleaseClaim(rctx, enrollmentID); err != nil {
		log.Printf("[Scheduler] Release claim %s: %v", enrollmentID, err)
	}
}

func (w *Worker) deferUntil(ctx context.Context, enrollmentID string, until time.Time) {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := w.store.DeferEnrollment(dctx, enrollmentID, until); err != nil {
		log.Printf("[Scheduler] Defer enrollment %s: %v", enrollmentID, err)
	}
}

func (w *Worker) connectionCheckEvery() time.Duration {
	if w.cfg.ConnectionCheckHours > 0 {
		return time.Duration(w.cfg.ConnectionCheckHours) * time.Hour
	}
	return 6 * time.Hour
}

func (w *Worker) capFor(act domain.LinkedInAction) int {
	switch act {
	case domain.LinkedInConnections:
		return w.caps.DailyConnectionCap
	case domain.LinkedInMessages:
		return w.caps.DailyMessageCap
	case domain.LinkedInProfileVisits:
		return w.caps.DailyProfileVisitCap
	}
	return 0
}

// requiresAcceptance reports whether an earlier step sent a connection
// request, making this message contingent on acceptance.
func requiresAcceptance(tmpl *domain.CampaignTemplate, step *domain.SequenceStep) bool {
	for i := range tmpl.Steps {
		s := &tmpl.Steps[i]
		if s.StepNumber < step.StepNumber && s.Action == domain.ActionConnectionRequest {
			return true
		}
	}
	return false
}

func providerLabel(step *domain.SequenceStep) string {
	if step.ProviderHint != "" {
		return step.ProviderHint
	}
	return string(step.Channel)
}
