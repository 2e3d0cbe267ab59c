package domain

import (
	"time"
)

// EventType is the canonical, provider-agnostic event vocabulary. Provider
// payloads are translated into this closed set; anything unmappable goes to
// the dead-letter queue rather than being guessed.
type EventType string

const (
	// Email.
	EventSent         EventType = "sent"
	EventDelivered    EventType = "delivered"
	EventOpened       EventType = "opened"
	EventClicked      EventType = "clicked"
	EventReplied      EventType = "replied"
	EventBounced      EventType = "bounced"
	EventUnsubscribed EventType = "unsubscribed"
	EventSpamReported EventType = "spam_reported"

	// LinkedIn.
	EventProfileVisited     EventType = "profile_visited"
	EventConnectionSent     EventType = "connection_sent"
	EventConnectionAccepted EventType = "connection_accepted"
	EventConnectionRejected EventType = "connection_rejected"
	EventMessageSent        EventType = "message_sent"
	EventMessageRead        EventType = "message_read"
	EventMessageReplied     EventType = "message_replied"
	EventVoiceMessageSent   EventType = "voice_message_sent"

	// Video.
	EventVideoGenerated        EventType = "video_generated"
	EventVideoGenerationFailed EventType = "video_generation_failed"
	EventVideoViewed           EventType = "video_viewed"
	EventVideoCompleted        EventType = "video_completed"
	EventVideoShared           EventType = "video_shared"

	// EventFailed records a dispatch that did not go through, whether
	// the engine gave up on it or the provider reported the failure.
	EventFailed EventType = "failed"
)

var validEventTypes = map[EventType]struct{}{
	EventSent: {}, EventDelivered: {}, EventOpened: {}, EventClicked: {},
	EventReplied: {}, EventBounced: {}, EventUnsubscribed: {}, EventSpamReported: {},
	EventProfileVisited: {}, EventConnectionSent: {}, EventConnectionAccepted: {},
	EventConnectionRejected: {}, EventMessageSent: {}, EventMessageRead: {},
	EventMessageReplied: {}, EventVoiceMessageSent: {},
	EventVideoGenerated: {}, EventVideoGenerationFailed: {}, EventVideoViewed: {},
	EventVideoCompleted: {}, EventVideoShared: {},
	EventFailed: {},
}

// ValidEventType reports whether t is in the canonical vocabulary.
func ValidEventType(t EventType) bool {
	_, ok := validEventTypes[t]
	return ok
}

// counterColumns maps event types to the instance counter each one bumps.
// Event types absent from this map record an event row only; LinkedIn and
// video engagement never touches the send-funnel counters.
var counterColumns = map[EventType]string{
	EventSent:      "total_sent",
	EventDelivered: "total_delivered",
	EventOpened:    "total_opened",
	EventClicked:   "total_clicked",
	EventReplied:   "total_replied",
	EventBounced:   "total_bounced",
	EventFailed:    "total_failed",
}

// CounterColumn returns the instance counter column for an event type and
// whether the type bumps a counter at all.
func CounterColumn(t EventType) (string, bool) {
	col, ok := counterColumns[t]
	return col, ok
}

// CampaignEvent is the canonical persisted event. ProviderEventID is the
// provider-side unique identifier used for deduplication; events without
// one (internally generated sends, some providers) always insert.
type CampaignEvent struct {
	ID              string         `json:"id" db:"id"`
	InstanceID      string         `json:"instance_id" db:"instance_id"`
	EnrollmentID    *string        `json:"enrollment_id" db:"enrollment_id"`
	Provider        string         `json:"provider" db:"provider"`
	ProviderEventID *string        `json:"provider_event_id" db:"provider_event_id"`
	Type            EventType      `json:"event_type" db:"event_type"`
	Channel         Channel        `json:"channel" db:"channel"`
	StepNumber      *int           `json:"step_number" db:"step_number"`
	OccurredAt      time.Time      `json:"occurred_at" db:"occurred_at"`
	RecordedAt      time.Time      `json:"recorded_at" db:"recorded_at"`
	Payload         map[string]any `json:"payload,omitempty" db:"payload"`
}

// StatusForEvent returns the terminal enrollment status an event type
// forces, if any. Bounces and unsubscribes stop progression.
func StatusForEvent(t EventType) (EnrollmentStatus, bool) {
	switch t {
	case EventBounced:
		return EnrollmentBounced, true
	case EventUnsubscribed:
		return EnrollmentUnsubscribed, true
	}
	return "", false
}
