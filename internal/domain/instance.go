package domain

import (
	"fmt"
	"time"
)

// InstanceStatus enumerates the lifecycle states of a campaign instance.
type InstanceStatus string

const (
	InstanceDraft     InstanceStatus = "draft"
	InstanceActive    InstanceStatus = "active"
	InstancePaused    InstanceStatus = "paused"
	InstanceCompleted InstanceStatus = "completed"
	InstanceFailed    InstanceStatus = "failed"
)

// instanceTransitions is the allowed status graph. Failed is reachable
// from every status (operational abort); completed and failed are terminal.
var instanceTransitions = map[InstanceStatus][]InstanceStatus{
	InstanceDraft:  {InstanceActive},
	InstanceActive: {InstancePaused, InstanceCompleted},
	InstancePaused: {InstanceActive, InstanceCompleted},
}

// CampaignInstance is a launched run of a template with its own enrollments,
// provider configuration, and denormalized counters. Counters are only ever
// mutated by SQL-side arithmetic, never read-modify-write in application code.
type CampaignInstance struct {
	ID           string         `json:"id" db:"id"`
	TemplateID   string         `json:"template_id" db:"template_id"`
	Name         string         `json:"name" db:"name"`
	Status       InstanceStatus `json:"status" db:"status"`
	ProviderIDs  []string       `json:"provider_ids" db:"-"`
	DailySendCap int            `json:"daily_send_cap" db:"daily_send_cap"`

	TotalEnrolled  int `json:"total_enrolled" db:"total_enrolled"`
	TotalSent      int `json:"total_sent" db:"total_sent"`
	TotalDelivered int `json:"total_delivered" db:"total_delivered"`
	TotalOpened    int `json:"total_opened" db:"total_opened"`
	TotalClicked   int `json:"total_clicked" db:"total_clicked"`
	TotalReplied   int `json:"total_replied" db:"total_replied"`
	TotalBounced   int `json:"total_bounced" db:"total_bounced"`
	TotalFailed    int `json:"total_failed" db:"total_failed"`
	TotalCompleted int `json:"total_completed" db:"total_completed"`

	StartedAt   *time.Time `json:"started_at" db:"started_at"`
	PausedAt    *time.Time `json:"paused_at" db:"paused_at"`
	CompletedAt *time.Time `json:"completed_at" db:"completed_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}

// IsTerminal returns true if the instance is in a final state.
func (ci *CampaignInstance) IsTerminal() bool {
	return ci.Status == InstanceCompleted || ci.Status == InstanceFailed
}

// CanTransitionTo checks the status graph and returns ErrInvalidTransition
// for anything the graph does not allow. Failing is always allowed.
func (ci *CampaignInstance) CanTransitionTo(next InstanceStatus) error {
	if next == InstanceFailed {
		return nil
	}
	for _, allowed := range instanceTransitions[ci.Status] {
		if allowed == next {
			return nil
		}
	}
	return fmt.Errorf("%w: instance %s -> %s", ErrInvalidTransition, ci.Status, next)
}

// InstanceAction names a status transition requested through the API.
type InstanceAction string

const (
	InstanceActionStart    InstanceAction = "start"
	InstanceActionPause    InstanceAction = "pause"
	InstanceActionResume   InstanceAction = "resume"
	InstanceActionComplete InstanceAction = "complete"
	InstanceActionFail     InstanceAction = "fail"
)

// TargetStatus maps an API action to the status it requests.
func (a InstanceAction) TargetStatus() (InstanceStatus, error) {
	switch a {
	case InstanceActionStart, InstanceActionResume:
		return InstanceActive, nil
	case InstanceActionPause:
		return InstancePaused, nil
	case InstanceActionComplete:
		return InstanceCompleted, nil
	case InstanceActionFail:
		return InstanceFailed, nil
	}
	return "", fmt.Errorf("%w: unknown action %q", ErrValidation, a)
}

// InstanceMetrics is the computed engagement view of an instance's counters.
// Rates are percentages formatted to exactly two decimals; a zero
// denominator yields "0.00".
type InstanceMetrics struct {
	InstanceID     string `json:"instance_id"`
	TotalEnrolled  int    `json:"total_enrolled"`
	TotalSent      int    `json:"total_sent"`
	TotalDelivered int    `json:"total_delivered"`
	TotalOpened    int    `json:"total_opened"`
	TotalClicked   int    `json:"total_clicked"`
	TotalReplied   int    `json:"total_replied"`
	TotalBounced   int    `json:"total_bounced"`
	TotalFailed    int    `json:"total_failed"`
	TotalCompleted int    `json:"total_completed"`
	DeliveryRate   string `json:"delivery_rate"`
	OpenRate       string `json:"open_rate"`
	ClickRate      string `json:"click_rate"`
	ReplyRate      string `json:"reply_rate"`
	BounceRate     string `json:"bounce_rate"`
}

// Rate formats numerator/denominator as a percentage with two decimals.
// Zero denominator returns "0.00".
func Rate(num, den int) string {
	if den == 0 {
		return "0.00"
	}
	return fmt.Sprintf("%.2f", float64(num)/float64(den)*100)
}

// ComputeMetrics derives the rate view from an instance's counters.
func ComputeMetrics(ci *CampaignInstance) InstanceMetrics {
	return InstanceMetrics{
		InstanceID:     ci.ID,
		TotalEnrolled:  ci.TotalEnrolled,
		TotalSent:      ci.TotalSent,
		TotalDelivered: ci.TotalDelivered,
		TotalOpened:    ci.TotalOpened,
		TotalClicked:   ci.TotalClicked,
		TotalReplied:   ci.TotalReplied,
		TotalBounced:   ci.TotalBounced,
		TotalFailed:    ci.TotalFailed,
		TotalCompleted: ci.TotalCompleted,
		DeliveryRate:   Rate(ci.TotalDelivered, ci.TotalSent),
		OpenRate:       Rate(ci.TotalOpened, ci.TotalDelivered),
		ClickRate:      Rate(ci.TotalClicked, ci.TotalOpened),
		ReplyRate:      Rate(ci.TotalReplied, ci.TotalDelivered),
		BounceRate:     Rate(ci.TotalBounced, ci.TotalSent),
	}
}
