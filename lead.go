package drip

import (
	"time"
)

// Status is the lifecycle state of a lead.
type Status string

const (
	StatusNew          Status = "new"
	StatusScoring      Status = "scoring"
	StatusQualified    Status = "qualified"
	StatusDisqualified Status = "disqualified"
	StatusInSequence   Status = "in_sequence"
	StatusEngaged      Status = "engaged"
	StatusReplied      Status = "replied"
	StatusConverted    Status = "converted"
	StatusLost         Status = "lost"
	StatusUnsubscribed Status = "unsubscribed"
	StatusBounced      Status = "bounced"
)

// transitions is the only source of truth for legal lifecycle edges. Anything
// not listed is rejected by CanTransition, so callers cannot invent edges
// with raw status strings.
var transitions = map[Status][]Status{
	StatusNew:        {StatusScoring},
	StatusScoring:    {StatusQualified, StatusDisqualified},
	StatusQualified:  {StatusInSequence},
	StatusInSequence: {StatusEngaged, StatusReplied, StatusBounced, StatusUnsubscribed},
	StatusEngaged:    {StatusReplied, StatusConverted},
	StatusReplied:    {StatusConverted, StatusLost},
}

var terminal = map[Status]bool{
	StatusDisqualified: true,
	StatusConverted:    true,
	StatusLost:         true,
	StatusUnsubscribed: true,
	StatusBounced:      true,
}

// CanTransition reports whether from -> to is a legal lifecycle edge.
func CanTransition(from, to Status) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Terminal reports whether s absorbs all further transition attempts. A
// transition out of a terminal state is a no-op, not an error.
func (s Status) Terminal() bool {
	return terminal[s]
}

func (s Status) Valid() bool {
	if terminal[s] {
		return true
	}
	_, ok := transitions[s]
	return ok
}

// Lead is one contact moving through an outreach sequence. CurrentStep is
// the last step successfully dispatched and only ever increases.
type Lead struct {
	ID          string    `json:"id" db:"id"`
	Email       string    `json:"email" db:"email"`
	Phone       string    `json:"phone" db:"phone"`
	FirstName   string    `json:"first_name" db:"first_name"`
	LastName    string    `json:"last_name" db:"last_name"`
	Company     string    `json:"company" db:"company"`
	CampaignID  *string   `json:"campaign_id" db:"campaign_id"`
	Status      Status    `json:"status" db:"status"`
	Priority    string    `json:"priority" db:"priority"`
	CurrentStep int       `json:"current_step" db:"current_step"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// WebhookKind classifies externally delivered lifecycle signals.
type WebhookKind string

const (
	WebhookReply       WebhookKind = "reply"
	WebhookUnsubscribe WebhookKind = "unsubscribe"
	WebhookBounce      WebhookKind = "bounce"
)

func (k WebhookKind) Valid() bool {
	switch k {
	case WebhookReply, WebhookUnsubscribe, WebhookBounce:
		return true
	}
	return false
}

// WebhookEvent is one externally triggered transition. EventID is the
// dedup key; redelivery of the same id has no further effect.
type WebhookEvent struct {
	EventID string      `json:"event_id"`
	Kind    WebhookKind `json:"kind"`
	LeadID  string      `json:"lead_id"`
}
