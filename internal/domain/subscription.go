package domain

import "time"

// Subscription is a single notification endpoint with its topic interest set.
type Subscription struct {
	Endpoint        string
	P256dh          string
	Auth            string
	FallbackAddress string
	Topics          []int
	CreatedAt       time.Time
	LastSuccessAt   *time.Time
}

// Tracks reports whether the subscription wants proposals of the given topic.
// An empty topic set matches nothing.
func (s Subscription) Tracks(topic int) bool {
	for _, t := range s.Topics {
		if t == topic {
			return true
		}
	}
	return false
}

// Channel identifies a delivery path.
type Channel string

const (
	ChannelPrimary   Channel = "primary"
	ChannelSecondary Channel = "secondary"
)

// AttemptOutcome is the logged result of a single delivery attempt.
type AttemptOutcome string

const (
	OutcomeSent      AttemptOutcome = "sent"
	OutcomeFailed    AttemptOutcome = "failed"
	OutcomeDelivered AttemptOutcome = "confirmed-delivered"
)

// NotificationAttempt is an append-only audit row.
type NotificationAttempt struct {
	ID          int64
	ProposalID  int64
	Endpoint    string
	Channel     Channel
	Outcome     AttemptOutcome
	Error       string
	AttemptedAt time.Time
}

// PushPayload is the structured body sent over the primary channel.
type PushPayload struct {
	Title      string `json:"title"`
	Body       string `json:"body"`
	ProposalID int64  `json:"proposalId"`
	URL        string `json:"url"`
}

// FallbackMessage is the small message sent over the secondary channel.
type FallbackMessage struct {
	Subject string
	Text    string
	URL     string
}
