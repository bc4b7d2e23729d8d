package drip

import "time"

// Campaign groups leads under one targeting and one daily pacing cap.
// TotalLeads and TotalConverted are monotone and only ever written by the
// lead store, in the same transaction as the status transition that caused
// the change.
type Campaign struct {
	ID             string    `json:"id" db:"id"`
	Name           string    `json:"name" db:"name"`
	Industry       string    `json:"industry" db:"industry"`
	City           string    `json:"city" db:"city"`
	LeadsPerDay    int       `json:"leads_per_day" db:"leads_per_day"`
	IsActive       bool      `json:"is_active" db:"is_active"`
	TotalLeads     int       `json:"total_leads" db:"total_leads"`
	TotalConverted int       `json:"total_converted" db:"total_converted"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// SequenceStep is one ordered touch in a campaign's cadence. WaitHours is
// the minimum delay since the previous step's dispatch before this step is
// due. Steps may alternate channels.
type SequenceStep struct {
	CampaignID string  `json:"campaign_id" db:"campaign_id"`
	Step       int     `json:"step" db:"step"`
	Channel    Channel `json:"channel" db:"channel"`
	WaitHours  int     `json:"wait_hours" db:"wait_hours"`
}
