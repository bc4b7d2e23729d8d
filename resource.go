package drip

import "time"

// SendingDomain is an email sending resource. DailyLimit is reduced while
// the domain is warming up and reaches ProductionLimit when the ramp
// completes. DailySent never exceeds DailyLimit, enforced by a conditional
// increment at the persistence layer.
type SendingDomain struct {
	ID              string     `json:"id" db:"id"`
	Domain          string     `json:"domain" db:"domain"`
	DNSVerified     bool       `json:"dns_verified" db:"dns_verified"`
	WarmupStartedAt *time.Time `json:"warmup_started_at" db:"warmup_started_at"`
	WarmupDone      bool       `json:"warmup_done" db:"warmup_done"`
	WarmupBounces   int        `json:"warmup_bounces" db:"warmup_bounces"`
	IsActive        bool       `json:"is_active" db:"is_active"`
	DailyLimit      int        `json:"daily_limit" db:"daily_limit"`
	ProductionLimit int        `json:"production_limit" db:"production_limit"`
	DailySent       int        `json:"daily_sent" db:"daily_sent"`
	TotalSent       int        `json:"total_sent" db:"total_sent"`
	LastResetDay    string     `json:"last_reset_day" db:"last_reset_day"`
}

// ProductionEligible reports whether the domain may carry production email.
func (d SendingDomain) ProductionEligible() bool {
	return d.DNSVerified && d.WarmupDone && d.IsActive
}

// Remaining is the headroom left in today's quota.
func (d SendingDomain) Remaining() int {
	return d.DailyLimit - d.DailySent
}

// PhoneNumber is an SMS sending resource. Numbers without 10DLC registration
// are throttle eligible only: the pool caps them at a configured fraction of
// their stated limit to model carrier filtering risk.
type PhoneNumber struct {
	ID           string `json:"id" db:"id"`
	Number       string `json:"number" db:"number"`
	Is10DLC      bool   `json:"is_10dlc" db:"is_10dlc"`
	IsActive     bool   `json:"is_active" db:"is_active"`
	DailyLimit   int    `json:"daily_limit" db:"daily_limit"`
	DailySent    int    `json:"daily_sent" db:"daily_sent"`
	TotalSent    int    `json:"total_sent" db:"total_sent"`
	LastResetDay string `json:"last_reset_day" db:"last_reset_day"`
}

// FullVolumeEligible reports whether the number may use its whole limit.
func (p PhoneNumber) FullVolumeEligible() bool {
	return p.Is10DLC && p.IsActive
}

func (p PhoneNumber) Remaining() int {
	return p.DailyLimit - p.DailySent
}
