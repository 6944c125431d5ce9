package notification

import (
	"strings"
	"time"
)

type (
	Channel  string
	Priority string
	Status   string
	Event    string
	Outcome  string
	Audience string
)

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelApp   Channel = "app"
	ChannelCall  Channel = "call"

	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"

	StatusPending    Status = "pending"
	StatusSent       Status = "sent"
	StatusDelivered  Status = "delivered"
	StatusRead       Status = "read"
	StatusFailed     Status = "failed"
	StatusSuperseded Status = "superseded"

	EventDelivered Event = "delivered"
	EventRead      Event = "read"

	OutcomeSent       Outcome = "sent"
	OutcomeFailed     Outcome = "failed"
	OutcomeSuperseded Outcome = "superseded"

	AudienceParent Audience = "parent"
	AudienceAdmin  Audience = "admin"
)

var (
	Channels   = []Channel{ChannelEmail, ChannelSMS, ChannelApp, ChannelCall}
	Priorities = []Priority{PriorityLow, PriorityMedium, PriorityHigh}
	Statuses   = []Status{StatusPending, StatusSent, StatusDelivered, StatusRead, StatusFailed, StatusSuperseded}
)

func (c Channel) IsValid() bool {
	for _, ch := range Channels {
		if c == ch {
			return true
		}
	}
	return false
}

func ParseChannel(s string) (Channel, bool) {
	c := Channel(strings.ToLower(strings.TrimSpace(s)))
	return c, c.IsValid()
}

// Rank orders priorities; higher is dispatched first.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	}
	return 0
}

func (p Priority) IsValid() bool { return p.Rank() > 0 }

func PriorityFromRank(rank int) Priority {
	switch {
	case rank >= 3:
		return PriorityHigh
	case rank == 2:
		return PriorityMedium
	}
	return PriorityLow
}

func (s Status) IsValid() bool {
	for _, st := range Statuses {
		if s == st {
			return true
		}
	}
	return false
}

// IsSent reports whether the provider accepted the notification.
func (s Status) IsSent() bool {
	return s == StatusSent || s == StatusDelivered || s == StatusRead
}

func (e Event) IsValid() bool { return e == EventDelivered || e == EventRead }

type (
	Notification struct {
		ID                string     `json:"id"`
		IdempotencyKey    string     `json:"idempotency_key"`
		FlagID            string     `json:"flag_id,omitempty"`
		RecipientID       string     `json:"recipient_id"`
		Audience          Audience   `json:"audience,omitempty"`
		Address           string     `json:"-"`
		Channel           Channel    `json:"channel"`
		Priority          Priority   `json:"priority"`
		Subject           string     `json:"subject"`
		Body              string     `json:"body"`
		Status            Status     `json:"status"`
		FailureReason     string     `json:"failure_reason,omitempty"`
		AttemptCount      int        `json:"attempt_count"`
		RetryBase         int        `json:"-"`
		ProviderMessageID string     `json:"provider_message_id,omitempty"`
		NextAttemptAt     time.Time  `json:"-"`
		LockedUntil       *time.Time `json:"-"`
		Version           int        `json:"version"`
		CreatedAt         time.Time  `json:"created_at"`
		UpdatedAt         time.Time  `json:"updated_at"`
		SentAt            *time.Time `json:"sent_at"`
		DeliveredAt       *time.Time `json:"delivered_at"`
		ReadAt            *time.Time `json:"read_at"`

		Attempts []Attempt `json:"attempts,omitempty"`
	}

	// Attempt is one call to a channel provider.
	Attempt struct {
		ID                string    `json:"id"`
		NotificationID    string    `json:"notification_id"`
		Number            int       `json:"number"`
		Outcome           Outcome   `json:"outcome"`
		Error             string    `json:"error,omitempty"`
		ProviderMessageID string    `json:"provider_message_id,omitempty"`
		StartedAt         time.Time `json:"started_at"`
		FinishedAt        time.Time `json:"finished_at"`
	}

	NewNotification struct {
		IdempotencyKey string
		FlagID         string
		RecipientID    string
		Audience       Audience
		Address        string
		Channel        Channel
		Priority       Priority
		Subject        string
		Body           string
	}

	DeliveryEvent struct {
		Event     Event     `json:"event" validate:"required,delivery_event"`
		Timestamp time.Time `json:"timestamp"`
	}

	QueryFilter struct {
		FlagID      string
		RecipientID string
		Statuses    []Status
		Channels    []Channel
	}
)

// AttemptsInRound is the number of attempts since creation or the last resend.
func (n Notification) AttemptsInRound() int {
	return n.AttemptCount - n.RetryBase
}

func (n Notification) IsTerminal() bool {
	return n.Status == StatusFailed || n.Status == StatusSuperseded || n.Status == StatusRead
}
