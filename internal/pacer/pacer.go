// Package pacer enforces per campaign daily pacing, independent of channel
// capacity. A campaign that already advanced leads_per_day leads today is
// excluded from the run even if every domain and number has headroom.
package pacer

import (
	"context"
	"fmt"
	"time"

	"github.com/relaypoint/drip/internal/dao"
	"github.com/relaypoint/drip/tools"
	"github.com/sirupsen/logrus"
)

type Pacer struct {
	db  dao.DAO
	log *logrus.Logger
	loc *time.Location
}

func New(db dao.DAO, lc *tools.Logger, loc *time.Location) *Pacer {
	return &Pacer{
		db:  db,
		log: lc.New("pacer"),
		loc: loc,
	}
}

// Allowance returns, per active campaign, how many more leads may advance
// during the current business day. Campaigns at or over their cap are absent
// from the map.
func (p *Pacer) Allowance(ctx context.Context, now time.Time) (map[string]int, error) {
	campaigns, err := p.db.ActiveCampaigns()
	if err != nil {
		return nil, fmt.Errorf("could not list active campaigns, %w", err)
	}

	start, end := p.dayWindow(now)

	allowance := make(map[string]int, len(campaigns))
	for _, c := range campaigns {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		used, err := p.db.AdvancedBetween(c.ID, start, end)
		if err != nil {
			return nil, fmt.Errorf("could not count advanced leads for campaign %s, %w", c.ID, err)
		}
		left := c.LeadsPerDay - used
		if left <= 0 {
			p.log.WithField("campaign", c.Name).
				WithField("used", used).
				Debug("campaign at daily cap, excluded from run")
			continue
		}
		allowance[c.ID] = left
	}
	return allowance, nil
}

func (p *Pacer) dayWindow(now time.Time) (time.Time, time.Time) {
	local := now.In(p.loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, p.loc)
	return start, start.Add(24 * time.Hour)
}
