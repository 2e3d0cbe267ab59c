// Package normalize turns provider-native webhook events into canonical
// campaign events: type translation, enrollment correlation, and
// timestamp repair. It holds no state beyond the correlation lookup, so
// the same raw event and lookup answer always produce the same output.
package normalize

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/outreach-engine/internal/domain"
	"github.com/ignite/outreach-engine/internal/provider"
)

// Outcome classifies a normalization attempt.
type Outcome int

const (
	// OutcomeOK: the event translated and correlated; Result.Event is set.
	OutcomeOK Outcome = iota
	// OutcomeOrphan: no enrollment matched yet; retry later.
	OutcomeOrphan
	// OutcomeUnmappable: the event can never be applied; dead-letter it.
	OutcomeUnmappable
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeOrphan:
		return "orphan"
	case OutcomeUnmappable:
		return "unmappable"
	}
	return "unknown"
}

// Result is the outcome of normalizing one raw event.
type Result struct {
	Outcome Outcome
	Event   *domain.CampaignEvent
	Reason  string
}

// CorrelationLookup resolves raw event identifiers to enrollments.
// Implementations return domain.ErrNotFound for a clean miss; any other
// error is infrastructure trouble and aborts normalization.
type CorrelationLookup interface {
	ByProviderRef(ctx context.Context, ref string) (*domain.Enrollment, error)
	ByEmail(ctx context.Context, instanceID, email string) (*domain.Enrollment, error)
}

// Normalizer converts raw provider events into canonical ones.
type Normalizer struct {
	lookup CorrelationLookup
	now    func() time.Time
}

// New builds a normalizer over the given lookup.
func New(lookup CorrelationLookup) *Normalizer {
	return &Normalizer{lookup: lookup, now: time.Now}
}

// Normalize translates, correlates, and timestamps one raw event.
// A non-nil error means the lookup failed and the caller should retry;
// Orphan and Unmappable are outcomes, not errors.
func (n *Normalizer) Normalize(ctx context.Context, raw provider.RawEvent) (Result, error) {
	eventType, ok := Translate(raw.Provider, raw.Type)
	if !ok {
		return Result{
			Outcome: OutcomeUnmappable,
			Reason:  fmt.Sprintf("unknown %s event type %q", raw.Provider, raw.Type),
		}, nil
	}
	if raw.ProviderRef == "" && raw.Email == "" {
		return Result{
			Outcome: OutcomeUnmappable,
			Reason:  "event carries no provider ref and no prospect email",
		}, nil
	}

	enrollment, err := n.correlate(ctx, raw)
	if errors.Is(err, domain.ErrNotFound) {
		return Result{
			Outcome: OutcomeOrphan,
			Reason:  fmt.Sprintf("no enrollment for ref=%q email=%q", raw.ProviderRef, raw.Email),
		}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("correlate: %w", err)
	}

	now := n.now()
	occurredAt, inferred := ParseTimestamp(raw.Timestamp, now)

	payload := make(map[string]any, len(raw.Metadata)+2)
	for k, v := range raw.Metadata {
		if v == nil || v == "" {
			continue
		}
		payload[k] = v
	}
	payload["provider_type"] = raw.Type
	if inferred {
		payload["timestamp_inferred"] = true
	}

	step := raw.StepHint
	if step <= 0 {
		step = enrollment.CurrentStep
	}

	ev := &domain.CampaignEvent{
		ID:           uuid.New().String(),
		InstanceID:   enrollment.InstanceID,
		EnrollmentID: &enrollment.ID,
		Provider:     raw.Provider,
		Type:         eventType,
		Channel:      raw.Channel,
		OccurredAt:   occurredAt,
		RecordedAt:   now,
		Payload:      payload,
	}
	if raw.ProviderEventID != "" {
		id := raw.ProviderEventID
		ev.ProviderEventID = &id
	}
	if step > 0 {
		ev.StepNumber = &step
	}
	return Result{Outcome: OutcomeOK, Event: ev}, nil
}

// correlate resolves the enrollment: provider ref first, then
// (instance hint, email), then bare email across instances.
func (n *Normalizer) correlate(ctx context.Context, raw provider.RawEvent) (*domain.Enrollment, error) {
	if raw.ProviderRef != "" {
		e, err := n.lookup.ByProviderRef(ctx, raw.ProviderRef)
		if err == nil {
			return e, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
	}
	if raw.Email != "" {
		return n.lookup.ByEmail(ctx, raw.InstanceHint, raw.Email)
	}
	return nil, domain.ErrNotFound
}

// ParseTimestamp repairs provider timestamps. Numeric values above 1e10
// are epoch milliseconds, others epoch seconds; strings are tried as
// RFC3339 and the common space-separated layout. Anything unusable falls
// back to now with inferred=true.
func ParseTimestamp(v any, now time.Time) (time.Time, bool) {
	switch t := v.(type) {
	case nil:
		return now, true
	case time.Time:
		if t.IsZero() {
			return now, true
		}
		return t, false
	case float64:
		return epochTime(int64(t), now)
	case int64:
		return epochTime(t, now)
	case int:
		return epochTime(int64(t), now)
	case string:
		return parseTimestampString(t, now)
	}
	return now, true
}

func epochTime(n int64, now time.Time) (time.Time, bool) {
	if n <= 0 {
		return now, true
	}
	if n > 1e10 {
		return time.UnixMilli(n).UTC(), false
	}
	return time.Unix(n, 0).UTC(), false
}

func parseTimestampString(s string, now time.Time) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return now, true
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), false
		}
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return epochTime(n, now)
	}
	return now, true
}
