// Package scheduler runs one bounded batch of outreach work per trigger:
// housekeeping, pacing, due step selection, resource pairing and handoff to
// the executor. Invocations may overlap; everything that matters is guarded
// by conditional updates in the dao, so the worst a duplicate trigger can do
// is lose races and log skips.
package scheduler

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync/atomic"
	"time"

	"github.com/alitto/pond"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/relaypoint/drip"
	"github.com/relaypoint/drip/internal/dao"
	"github.com/relaypoint/drip/internal/executor"
	"github.com/relaypoint/drip/internal/metrics"
	"github.com/relaypoint/drip/internal/pacer"
	"github.com/relaypoint/drip/internal/pool"
	"github.com/relaypoint/drip/internal/signals"
	"github.com/relaypoint/drip/internal/warmup"
	"github.com/relaypoint/drip/tools"
	"github.com/rs/xid"
	"github.com/sirupsen/logrus"
)

type Config struct {
	// BatchLimit bounds the dispatches of one invocation.
	BatchLimit int `cli:"run-batch-limit"`
	// RetryBatch bounds how many requeued steps one invocation picks up.
	RetryBatch int `cli:"run-retry-batch"`
	// Workers is the size of the per run worker pool.
	Workers int `cli:"run-workers"`
}

func (c Config) withDefaults() Config {
	if c.BatchLimit < 1 {
		c.BatchLimit = 500
	}
	if c.RetryBatch < 1 {
		c.RetryBatch = 100
	}
	if c.Workers < 1 {
		c.Workers = 8
	}
	return c
}

type Scheduler struct {
	db    dao.DAO
	pool  *pool.Pool
	pacer *pacer.Pacer
	ramp  *warmup.Ramp
	exec  *executor.Executor

	cfg Config
	log *logrus.Logger
	loc *time.Location

	runsVec *prometheus.CounterVec
}

func New(cfg Config, db dao.DAO, p *pool.Pool, pc *pacer.Pacer, ramp *warmup.Ramp, exec *executor.Executor, lc *tools.Logger, loc *time.Location, m *metrics.Metrics) *Scheduler {
	s := &Scheduler{
		db:    db,
		pool:  p,
		pacer: pc,
		ramp:  ramp,
		exec:  exec,
		cfg:   cfg.withDefaults(),
		log:   lc.New("scheduler"),
		loc:   loc,
	}
	if m != nil {
		s.runsVec = m.Register().NewCounterVec(prometheus.CounterOpts{
			Name: "scheduler__work_items", Help: "work items per run outcome",
		}, []string{"outcome"})
	}
	return s
}

type workItem struct {
	lead    drip.Lead
	step    int
	channel drip.Channel
}

// Run performs one bounded invocation and returns what it did.
func (s *Scheduler) Run(ctx context.Context, action drip.Action) (drip.RunSummary, error) {
	now := time.Now()
	sum := drip.RunSummary{
		RunID:     xid.New().String(),
		Action:    action,
		Day:       drip.BusinessDay(now, s.loc),
		StartedAt: now,
	}
	log := s.log.WithField("run", sum.RunID)
	log.WithField("action", action).Info("run starting")

	if action == drip.ActionFull {
		if err := s.housekeeping(ctx, now, sum.Day); err != nil {
			return sum, err
		}
	}

	items, smsOnly, skippedEmail, err := s.collect(ctx, now)
	if err != nil {
		return sum, err
	}
	sum.SMSOnly = smsOnly

	var dispatched, skipped, failed, deferred int64
	skipped += int64(skippedEmail)

	workers := pond.New(s.cfg.Workers, 0, pond.MinWorkers(min(s.cfg.Workers, runtime.NumCPU())))

	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		item := item

		exists, err := s.db.LiveMessageExists(item.lead.ID, item.step)
		if err != nil {
			log.WithError(err).Error("idempotency check failed")
			failed++
			continue
		}
		if exists {
			// duplicate or concurrent invocation already handled this step
			log.WithField("lead", item.lead.ID).WithField("step", item.step).Info("live message exists, skipping")
			skipped++
			continue
		}

		reservations, err := s.pool.Reserve(ctx, item.channel, 1)
		if err == pool.ErrSMSOnly {
			sum.SMSOnly = true
			skipped++
			continue
		}
		if err == pool.ErrNoCapacity {
			// expected: the lead stays due and the next run picks it up
			deferred++
			continue
		}
		if err != nil {
			log.WithError(err).Error("reserve failed")
			failed++
			continue
		}
		res := reservations[0]

		claim := drip.Message{
			ID:         xid.New().String(),
			LeadID:     item.lead.ID,
			Channel:    item.channel,
			Step:       item.step,
			ResourceID: res.ResourceID,
			Status:     drip.MessageQueued,
			CreatedAt:  time.Now().In(time.UTC),
		}
		claimed, err := s.db.ClaimMessage(claim)
		if err != nil {
			s.pool.Release(ctx, res)
			log.WithError(err).Error("could not claim message")
			failed++
			continue
		}
		if !claimed {
			s.pool.Release(ctx, res)
			log.WithField("lead", item.lead.ID).WithField("step", item.step).Info("lost claim race, skipping")
			skipped++
			continue
		}

		workers.Submit(func() {
			switch s.exec.Execute(ctx, item.lead, claim, res) {
			case executor.OutcomeSent:
				atomic.AddInt64(&dispatched, 1)
			case executor.OutcomeDeferred:
				atomic.AddInt64(&deferred, 1)
			case executor.OutcomeFailed:
				atomic.AddInt64(&failed, 1)
			}
		})
	}
	workers.StopAndWait()

	sum.Dispatched = int(atomic.LoadInt64(&dispatched))
	sum.Skipped = int(skipped)
	sum.Failed = int(atomic.LoadInt64(&failed))
	sum.Deferred = int(atomic.LoadInt64(&deferred))
	sum.FinishedAt = time.Now()

	s.countRun(sum)
	signals.Notify(signals.RunCompleted)

	log.WithField("dispatched", sum.Dispatched).
		WithField("skipped", sum.Skipped).
		WithField("failed", sum.Failed).
		WithField("deferred", sum.Deferred).
		WithField("sms_only", sum.SMSOnly).
		Info("run finished")
	return sum, nil
}

// housekeeping resets daily quotas for the business day (idempotent, a
// second trigger of the same day affects zero rows) and recomputes warmup
// ramps before any capacity decisions are made.
func (s *Scheduler) housekeeping(ctx context.Context, now time.Time, day string) error {
	n, err := s.db.ResetDomainQuotas(day)
	if err != nil {
		return fmt.Errorf("could not reset domain quotas, %w", err)
	}
	m, err := s.db.ResetPhoneQuotas(day)
	if err != nil {
		return fmt.Errorf("could not reset phone quotas, %w", err)
	}
	if n+m > 0 {
		s.log.WithField("day", day).WithField("resources", n+m).Info("daily quotas reset")
	}
	return s.ramp.Recompute(ctx, now)
}

// collect builds the run's bounded work list: requeued retries first, then
// fresh due steps within each campaign's pacing allowance, oldest due first.
func (s *Scheduler) collect(ctx context.Context, now time.Time) (items []workItem, smsOnly bool, skippedEmail int, err error) {

	seen := map[string]bool{}
	key := func(leadID string, step int) string { return fmt.Sprintf("%s#%d", leadID, step) }

	// Retried steps were charged against their campaign's pacing budget when
	// first dispatched; charging them again would double count.
	retries, err := s.db.DueRetries(now, s.cfg.RetryBatch)
	if err != nil {
		return nil, false, 0, fmt.Errorf("could not list due retries, %w", err)
	}
	for _, r := range retries {
		lead, err := s.db.GetLead(r.LeadID)
		if err != nil {
			s.log.WithError(err).WithField("lead", r.LeadID).Warn("retry item for unknown lead, dropping")
			_ = s.db.DeleteRetry(r.LeadID, r.Step)
			continue
		}
		if lead.Status.Terminal() {
			_ = s.db.DeleteRetry(r.LeadID, r.Step)
			continue
		}
		items = append(items, workItem{lead: *lead, step: r.Step, channel: r.Channel})
		seen[key(r.LeadID, r.Step)] = true
	}

	allowance, err := s.pacer.Allowance(ctx, now)
	if err != nil {
		return nil, false, 0, err
	}

	campaignIDs := make([]string, 0, len(allowance))
	for id := range allowance {
		campaignIDs = append(campaignIDs, id)
	}
	sort.Strings(campaignIDs)

	for _, campaignID := range campaignIDs {
		if len(items) >= s.cfg.BatchLimit {
			break
		}

		steps, err := s.db.StepsFor(campaignID)
		if err != nil {
			return nil, false, 0, fmt.Errorf("could not load sequence steps for %s, %w", campaignID, err)
		}
		if len(steps) == 0 {
			continue
		}

		leads, err := s.db.DueLeads(campaignID, allowance[campaignID])
		if err != nil {
			return nil, false, 0, fmt.Errorf("could not load due leads for %s, %w", campaignID, err)
		}

		for _, lead := range leads {
			if len(items) >= s.cfg.BatchLimit {
				break
			}
			next := lead.CurrentStep + 1
			if next > len(steps) {
				continue // sequence exhausted, waiting on engagement signals
			}
			if seen[key(lead.ID, next)] {
				continue
			}
			dead, err := s.db.RetryExhausted(lead.ID, next)
			if err != nil {
				return nil, false, 0, err
			}
			if dead {
				continue // step burned its retry budget, lead stalls here
			}
			step := steps[next-1]

			if lead.Status == drip.StatusInSequence {
				last, err := s.db.LastLiveMessageAt(lead.ID)
				if err != nil {
					return nil, false, 0, err
				}
				if last != nil && now.Before(last.Add(time.Duration(step.WaitHours)*time.Hour)) {
					continue // cadence delay not yet elapsed
				}
			}

			items = append(items, workItem{lead: lead, step: next, channel: step.Channel})
			seen[key(lead.ID, next)] = true
		}
	}

	// One explicit check per run: without a production eligible domain the
	// pool is in sms only mode and email work is dropped up front.
	smsOnly, err = s.pool.SMSOnly()
	if err != nil {
		return nil, false, 0, err
	}
	if smsOnly {
		var kept []workItem
		for _, item := range items {
			if item.channel == drip.ChannelEmail {
				skippedEmail++
				continue
			}
			kept = append(kept, item)
		}
		if skippedEmail > 0 {
			s.log.WithField("skipped_email", skippedEmail).Warn("sms only mode, email dispatch skipped for this run")
		}
		return kept, true, skippedEmail, nil
	}

	return items, false, 0, nil
}

func (s *Scheduler) countRun(sum drip.RunSummary) {
	if s.runsVec == nil {
		return
	}
	s.runsVec.WithLabelValues("dispatched").Add(float64(sum.Dispatched))
	s.runsVec.WithLabelValues("skipped").Add(float64(sum.Skipped))
	s.runsVec.WithLabelValues("failed").Add(float64(sum.Failed))
	s.runsVec.WithLabelValues("deferred").Add(float64(sum.Deferred))
}
