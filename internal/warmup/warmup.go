// Package warmup computes the daily volume a sending domain is allowed while
// it builds reputation, and flips it to production once the ramp completes
// cleanly. Protecting domain reputation is the whole point: a domain that
// bounces too much during the ramp starts over instead of failing silently.
package warmup

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/relaypoint/drip"
	"github.com/relaypoint/drip/internal/dao"
	"github.com/relaypoint/drip/tools"
	"github.com/sirupsen/logrus"
)

type Config struct {
	// RampDays is how many days the ramp takes to reach the production limit.
	RampDays int `cli:"warmup-ramp-days"`
	// BounceThreshold is the number of bounces/complaints tolerated before
	// the ramp restarts.
	BounceThreshold int `cli:"warmup-bounce-threshold"`
	// MinDaily is the floor of the ramp, the day one volume.
	MinDaily int `cli:"warmup-min-daily"`
}

func (c Config) withDefaults() Config {
	if c.RampDays < 1 {
		c.RampDays = 14
	}
	if c.BounceThreshold < 1 {
		c.BounceThreshold = 5
	}
	if c.MinDaily < 1 {
		c.MinDaily = 10
	}
	return c
}

type Ramp struct {
	db  dao.DAO
	cfg Config
	log *logrus.Logger
}

func New(cfg Config, db dao.DAO, lc *tools.Logger) *Ramp {
	return &Ramp{
		db:  db,
		cfg: cfg.withDefaults(),
		log: lc.New("warmup"),
	}
}

// DailyLimitFor is f(days_since_start): monotone non-decreasing, roughly
// exponential, starting at MinDaily and capped at the production ceiling.
func (r *Ramp) DailyLimitFor(d drip.SendingDomain, now time.Time) int {
	if d.WarmupStartedAt == nil {
		return r.cfg.MinDaily
	}
	days := int(now.Sub(*d.WarmupStartedAt).Hours()/24) + 1
	if days < 1 {
		days = 1
	}
	if days >= r.cfg.RampDays {
		return d.ProductionLimit
	}

	// geometric ramp from MinDaily to ProductionLimit over RampDays
	ratio := float64(d.ProductionLimit) / float64(r.cfg.MinDaily)
	if ratio < 1 {
		ratio = 1
	}
	exp := float64(days-1) / float64(r.cfg.RampDays-1)
	limit := int(math.Ceil(float64(r.cfg.MinDaily) * math.Pow(ratio, exp)))
	if limit > d.ProductionLimit {
		limit = d.ProductionLimit
	}
	if limit < r.cfg.MinDaily {
		limit = r.cfg.MinDaily
	}
	return limit
}

// Recompute runs once per scheduler invocation. For every domain still in
// warmup it refreshes daily_limit, restarts the ramp if the bounce threshold
// was exceeded, and completes the warmup once enough clean days have passed.
// The completion flip is a conditional update, so two overlapping runs flip
// it exactly once.
func (r *Ramp) Recompute(ctx context.Context, now time.Time) error {
	domains, err := r.db.WarmupDomains()
	if err != nil {
		return fmt.Errorf("could not list warmup domains, %w", err)
	}

	for _, d := range domains {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if d.WarmupStartedAt == nil {
			err = r.db.RestartDomainWarmup(d.ID, now, r.cfg.MinDaily)
			if err != nil {
				return fmt.Errorf("could not start warmup for %s, %w", d.Domain, err)
			}
			r.log.WithField("domain", d.Domain).Info("warmup started")
			continue
		}

		if d.WarmupBounces > r.cfg.BounceThreshold {
			err = r.db.RestartDomainWarmup(d.ID, now, r.cfg.MinDaily)
			if err != nil {
				return fmt.Errorf("could not restart warmup for %s, %w", d.Domain, err)
			}
			r.log.WithField("domain", d.Domain).
				WithField("bounces", d.WarmupBounces).
				Warn("bounce threshold exceeded during warmup, ramp restarted")
			continue
		}

		if now.Sub(*d.WarmupStartedAt) >= time.Duration(r.cfg.RampDays)*24*time.Hour {
			flipped, err := r.db.FinishDomainWarmup(d.ID, r.cfg.BounceThreshold)
			if err != nil {
				return fmt.Errorf("could not finish warmup for %s, %w", d.Domain, err)
			}
			if flipped {
				r.log.WithField("domain", d.Domain).Info("warmup complete, domain is production eligible")
			}
			continue
		}

		limit := r.DailyLimitFor(d, now)
		if limit != d.DailyLimit {
			err = r.db.SetDomainDailyLimit(d.ID, limit)
			if err != nil {
				return fmt.Errorf("could not set daily limit for %s, %w", d.Domain, err)
			}
			r.log.WithField("domain", d.Domain).WithField("daily_limit", limit).Debug("warmup limit recomputed")
		}
	}
	return nil
}

// RecordBounce is the executor's failure feedback for an email resource.
// During warmup the counter feeds the restart check above. A domain already
// in production that racks up bounces past the threshold is demoted back
// into warmup; this includes force activated domains, the override skips the
// remaining ramp days but never the reputation protection.
func (r *Ramp) RecordBounce(ctx context.Context, domainID string, now time.Time) error {
	err := r.db.AddDomainFeedback(domainID, 1)
	if err != nil {
		return fmt.Errorf("could not record bounce feedback, %w", err)
	}

	d, err := r.db.GetDomain(domainID)
	if err != nil {
		return err
	}

	if d.WarmupDone && d.WarmupBounces > r.cfg.BounceThreshold {
		err = r.db.RestartDomainWarmup(d.ID, now, r.cfg.MinDaily)
		if err != nil {
			return fmt.Errorf("could not demote domain %s, %w", d.Domain, err)
		}
		r.log.WithField("domain", d.Domain).
			WithField("bounces", d.WarmupBounces).
			Warn("bounce threshold exceeded in production, domain demoted to warmup")
	}
	return nil
}

// ForceActivate is the operator override: warmup_done flips immediately and
// the limit jumps to the production ceiling. Returns false when the domain
// was already done.
func (r *Ramp) ForceActivate(ctx context.Context, domainID string) (bool, error) {
	ok, err := r.db.ForceActivateDomain(domainID)
	if err != nil {
		return false, fmt.Errorf("could not force activate domain, %w", err)
	}
	if ok {
		r.log.WithField("domain_id", domainID).Warn("domain force activated, warmup ramp bypassed")
	}
	return ok, nil
}
