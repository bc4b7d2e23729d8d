package drip

import "time"

// MessageStatus is the outcome of one dispatch attempt.
type MessageStatus string

const (
	MessageQueued           MessageStatus = "queued"
	MessageSent             MessageStatus = "sent"
	MessageDeliveredUnknown MessageStatus = "delivered_unknown"
	MessageFailed           MessageStatus = "failed"
	MessageBounced          MessageStatus = "bounced"
)

// LiveMessageStatuses are the statuses that count towards the at-most-one
// message per (lead, step) guarantee. A failed or bounced record does not
// block a later attempt at the same step.
var LiveMessageStatuses = []MessageStatus{MessageQueued, MessageSent, MessageDeliveredUnknown}

// Message is the immutable record of one dispatch attempt. ResourceID is the
// sending domain or phone number the attempt went out on.
type Message struct {
	ID         string        `json:"id" db:"id"`
	LeadID     string        `json:"lead_id" db:"lead_id"`
	Channel    Channel       `json:"channel" db:"channel"`
	Step       int           `json:"step" db:"step"`
	ResourceID string        `json:"resource_id" db:"resource_id"`
	Status     MessageStatus `json:"status" db:"status"`
	SentAt     *time.Time    `json:"sent_at" db:"sent_at"`
	CreatedAt  time.Time     `json:"created_at" db:"created_at"`
}

// DailyMetrics is one derived row per business day. It is never a source of
// truth; the rollup recomputes it from messages and leads at any time.
type DailyMetrics struct {
	Day       string `json:"day" db:"day"`
	Imported  int    `json:"imported" db:"imported"`
	Qualified int    `json:"qualified" db:"qualified"`
	Sent      int    `json:"sent" db:"sent"`
	Opened    int    `json:"opened" db:"opened"`
	Clicked   int    `json:"clicked" db:"clicked"`
	Converted int    `json:"converted" db:"converted"`
}
