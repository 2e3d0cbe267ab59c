package normalize

import "github.com/ignite/outreach-engine/internal/domain"

// translations maps each provider's native event type strings into the
// canonical vocabulary. The set is closed: a native type absent here is
// Unmappable and goes to the DLQ, never guessed at.
var translations = map[string]map[string]domain.EventType{
	"lemlist": {
		"emailsSent":         domain.EventSent,
		"emailsDelivered":    domain.EventDelivered,
		"emailsOpened":       domain.EventOpened,
		"emailsClicked":      domain.EventClicked,
		"emailsReplied":      domain.EventReplied,
		"emailsBounced":      domain.EventBounced,
		"emailsFailed":       domain.EventFailed,
		"emailsUnsubscribed": domain.EventUnsubscribed,
		"emailsSpamReported": domain.EventSpamReported,
	},
	"postmark": {
		"Delivery":           domain.EventDelivered,
		"Open":               domain.EventOpened,
		"Click":              domain.EventClicked,
		"Bounce":             domain.EventBounced,
		"SpamComplaint":      domain.EventSpamReported,
		"SubscriptionChange": domain.EventUnsubscribed,
	},
	"phantombuster": {
		"profile_visited":     domain.EventProfileVisited,
		"connection_sent":     domain.EventConnectionSent,
		"connection_accepted": domain.EventConnectionAccepted,
		"connection_rejected": domain.EventConnectionRejected,
		"message_sent":        domain.EventMessageSent,
		"message_read":        domain.EventMessageRead,
		"message_replied":     domain.EventMessageReplied,
		"voice_message_sent":  domain.EventVoiceMessageSent,
		"action_failed":       domain.EventFailed,
	},
	"heygen": {
		"avatar_video.success":   domain.EventVideoGenerated,
		"avatar_video.fail":      domain.EventVideoGenerationFailed,
		"avatar_video.viewed":    domain.EventVideoViewed,
		"avatar_video.completed": domain.EventVideoCompleted,
		"avatar_video.shared":    domain.EventVideoShared,
	},
}

// Translate resolves a provider's native event type string.
func Translate(provider, native string) (domain.EventType, bool) {
	t, ok := translations[provider][native]
	return t, ok
}
