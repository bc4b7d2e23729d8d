// Package drip contains the domain types of the outreach capacity scheduler:
// leads, campaigns, sending resources, messages and the lifecycle state
// machine that ties them together. The packages under internal/ operate on
// these types; nothing in here touches the database or the network.
package drip

import (
	"time"
)

// Channel is the medium a sequence step goes out on.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

func (c Channel) Valid() bool {
	return c == ChannelEmail || c == ChannelSMS
}

// Action selects what a triggered run should do.
type Action string

const (
	// ActionFull resets quotas, recomputes warmup ramps and dispatches.
	ActionFull Action = "full"
	// ActionSend skips housekeeping and only dispatches due steps.
	ActionSend Action = "send"
)

// RunSummary is returned from one scheduler invocation, for the trigger
// endpoint and the operator cli.
type RunSummary struct {
	RunID      string    `json:"run_id"`
	Action     Action    `json:"action"`
	Day        string    `json:"day"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	Dispatched int `json:"dispatched"`
	Skipped    int `json:"skipped"`
	Failed     int `json:"failed"`
	Deferred   int `json:"deferred"`

	// SMSOnly is set when no production eligible sending domain existed, so
	// email dispatch was skipped for the whole run.
	SMSOnly bool `json:"sms_only"`
}

// BusinessDay returns the quota day of t in the given location, formatted as
// 2006-01-02. Daily counters reset on this boundary, never on UTC midnight.
func BusinessDay(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("2006-01-02")
}
