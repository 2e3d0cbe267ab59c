package domain

import "time"

// LinkedInAction names the capped LinkedIn activity types. Each has its own
// daily ceiling per automation account.
type LinkedInAction string

const (
	LinkedInConnections   LinkedInAction = "connections_sent"
	LinkedInMessages      LinkedInAction = "messages_sent"
	LinkedInProfileVisits LinkedInAction = "profile_visits"
)

// LinkedInActionForStep maps a sequence step action to the ledger column
// it consumes.
func LinkedInActionForStep(a StepAction) (LinkedInAction, bool) {
	switch a {
	case ActionConnectionRequest:
		return LinkedInConnections, true
	case ActionLinkedInMessage:
		return LinkedInMessages, true
	case ActionProfileVisit:
		return LinkedInProfileVisits, true
	}
	return "", false
}

// LinkedInDailyUsage is the row-locked daily ledger for one automation
// account. UsageDate is the calendar date in the account's timezone, so a
// "day" rolls over at the account's local midnight, not UTC.
type LinkedInDailyUsage struct {
	AccountID       string    `json:"account_id" db:"account_id"`
	UsageDate       string    `json:"usage_date" db:"usage_date"`
	ConnectionsSent int       `json:"connections_sent" db:"connections_sent"`
	MessagesSent    int       `json:"messages_sent" db:"messages_sent"`
	ProfileVisits   int       `json:"profile_visits" db:"profile_visits"`
	UpdatedAt       time.Time `json:"updated_at" db:"updated_at"`
}

// Count returns the ledger value for one action.
func (u *LinkedInDailyUsage) Count(a LinkedInAction) int {
	switch a {
	case LinkedInConnections:
		return u.ConnectionsSent
	case LinkedInMessages:
		return u.MessagesSent
	case LinkedInProfileVisits:
		return u.ProfileVisits
	}
	return 0
}

// LocalDate formats t as the ledger date key in the given location.
func LocalDate(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("2006-01-02")
}

// NextLocalMidnight returns the first instant of the next calendar day in
// loc, expressed in UTC. Used to defer capped actions to the next window.
func NextLocalMidnight(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	next := time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, loc)
	return next.UTC()
}
