package domain

import (
	"fmt"
	"time"
)

// Channel identifies the delivery medium of a sequence step.
type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelLinkedIn Channel = "linkedin"
	ChannelVideo    Channel = "video"
	ChannelSMS      Channel = "sms"
	ChannelPhone    Channel = "phone"
)

// ValidChannel reports whether c is a known channel.
func ValidChannel(c Channel) bool {
	switch c {
	case ChannelEmail, ChannelLinkedIn, ChannelVideo, ChannelSMS, ChannelPhone:
		return true
	}
	return false
}

// StepAction is the channel-scoped action a sequence step performs.
type StepAction string

const (
	ActionSendEmail         StepAction = "send_email"
	ActionConnectionRequest StepAction = "connection_request"
	ActionLinkedInMessage   StepAction = "message"
	ActionProfileVisit      StepAction = "profile_visit"
	ActionGenerateAndSend   StepAction = "generate_and_send"
)

// actionsByChannel is the closed vocabulary of actions each channel allows.
var actionsByChannel = map[Channel][]StepAction{
	ChannelEmail:    {ActionSendEmail},
	ChannelLinkedIn: {ActionConnectionRequest, ActionLinkedInMessage, ActionProfileVisit},
	ChannelVideo:    {ActionGenerateAndSend},
}

// ValidAction reports whether action belongs to channel's vocabulary.
func ValidAction(channel Channel, action StepAction) bool {
	for _, a := range actionsByChannel[channel] {
		if a == action {
			return true
		}
	}
	return false
}

// TemplateStatus enumerates the lifecycle states of a campaign template.
type TemplateStatus string

const (
	TemplateDraft    TemplateStatus = "draft"
	TemplateActive   TemplateStatus = "active"
	TemplateArchived TemplateStatus = "archived"
)

// SequenceStep is one step of a campaign template's ordered sequence.
// StepNumber is 1-based and contiguous; DayOffset is days after enrollment
// and must be non-decreasing across the sequence.
type SequenceStep struct {
	StepNumber   int               `json:"step_number" db:"step_number"`
	Channel      Channel           `json:"channel" db:"channel"`
	DayOffset    int               `json:"day_offset" db:"day_offset"`
	Action       StepAction        `json:"action" db:"action"`
	ProviderHint string            `json:"provider_hint,omitempty" db:"provider_hint"`
	Metadata     map[string]string `json:"metadata,omitempty" db:"metadata"`
}

// CampaignTemplate is a reusable, ordered multi-channel sequence definition.
// Active templates are immutable; changes require a new template.
type CampaignTemplate struct {
	ID          string         `json:"id" db:"id"`
	Name        string         `json:"name" db:"name"`
	Description string         `json:"description" db:"description"`
	Status      TemplateStatus `json:"status" db:"status"`
	Steps       []SequenceStep `json:"steps" db:"-"`
	CreatedAt   time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at" db:"updated_at"`
}

// Validate checks the structural invariants of the template's sequence:
// contiguous 1-based step numbers, known channel/action pairs, and
// non-decreasing day offsets.
func (t *CampaignTemplate) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("%w: template name is required", ErrValidation)
	}
	prevOffset := 0
	for i, s := range t.Steps {
		if s.StepNumber != i+1 {
			return fmt.Errorf("%w: step numbers must be contiguous starting at 1, got %d at position %d", ErrValidation, s.StepNumber, i)
		}
		if !ValidChannel(s.Channel) {
			return fmt.Errorf("%w: unknown channel %q in step %d", ErrValidation, s.Channel, s.StepNumber)
		}
		if !ValidAction(s.Channel, s.Action) {
			return fmt.Errorf("%w: action %q is not valid for channel %q in step %d", ErrValidation, s.Action, s.Channel, s.StepNumber)
		}
		if s.DayOffset < 0 {
			return fmt.Errorf("%w: day_offset must be >= 0 in step %d", ErrValidation, s.StepNumber)
		}
		if s.DayOffset < prevOffset {
			return fmt.Errorf("%w: day_offset must not decrease, step %d has %d after %d", ErrValidation, s.StepNumber, s.DayOffset, prevOffset)
		}
		prevOffset = s.DayOffset
	}
	return nil
}

// CanActivate reports whether the template may move from draft to active.
// Empty sequences cannot activate.
func (t *CampaignTemplate) CanActivate() error {
	if t.Status != TemplateDraft {
		return fmt.Errorf("%w: only draft templates can be activated, status is %q", ErrInvalidTransition, t.Status)
	}
	if len(t.Steps) == 0 {
		return fmt.Errorf("%w: template has no steps", ErrValidation)
	}
	return t.Validate()
}

// Mutable reports whether the template definition may still be edited.
func (t *CampaignTemplate) Mutable() bool {
	return t.Status == TemplateDraft
}

// StepAt returns the step with the given 1-based number, or nil.
func (t *CampaignTemplate) StepAt(n int) *SequenceStep {
	if n < 1 || n > len(t.Steps) {
		return nil
	}
	return &t.Steps[n-1]
}
