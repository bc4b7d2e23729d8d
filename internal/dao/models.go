package dao

import (
	"time"

	"github.com/relaypoint/drip"
)

// RetryItem is one pending (lead, step) carried between runs after a
// transient provider failure. Attempts is the bounded retry counter; the
// scheduler drops the item once it passes the configured maximum.
type RetryItem struct {
	LeadID    string       `db:"lead_id"`
	Step      int          `db:"step"`
	Channel   drip.Channel `db:"channel"`
	Attempts  int          `db:"attempts"`
	NotBefore time.Time    `db:"not_before"`
}

// MessageCounts is the per-day aggregate the rollup reads in one query.
type MessageCounts struct {
	Sent    int `db:"sent"`
	Failed  int `db:"failed"`
	Bounced int `db:"bounced"`
}
