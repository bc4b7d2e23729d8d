// Package rollup derives the daily_metrics row for dashboards. It is a read
// only consumer of messages and leads; the row it writes is never a source
// of truth and can be recomputed at any time.
package rollup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/relaypoint/drip"
	"github.com/relaypoint/drip/internal/dao"
	"github.com/relaypoint/drip/internal/signals"
	"github.com/relaypoint/drip/tools"
	"github.com/sirupsen/logrus"
)

type Rollup struct {
	db  dao.DAO
	log *logrus.Logger
	loc *time.Location

	ctx    context.Context
	cancel func()

	ostart  sync.Once
	ostop   sync.Once
	stopped chan struct{}
}

func New(db dao.DAO, lc *tools.Logger, loc *time.Location) *Rollup {
	ctx, cancel := context.WithCancel(context.Background())
	return &Rollup{
		db:      db,
		log:     lc.New("rollup"),
		loc:     loc,
		ctx:     ctx,
		cancel:  cancel,
		stopped: make(chan struct{}),
	}
}

// Start listens for completed runs and recomputes the day's row after each.
func (r *Rollup) Start() {
	r.ostart.Do(func() {
		sig, unlisten := signals.Listen(signals.RunCompleted)
		go func() {
			defer close(r.stopped)
			defer unlisten()
			for {
				select {
				case <-r.ctx.Done():
					r.log.Info("rollup stopping")
					return
				case <-sig:
				}
				err := r.RecomputeDay(r.ctx, time.Now())
				if err != nil {
					r.log.WithError(err).Error("could not recompute daily metrics")
				}
			}
		}()
	})
}

func (r *Rollup) Stop(ctx context.Context) error {
	r.ostop.Do(func() {
		r.cancel()
	})
	select {
	case <-r.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RecomputeDay rebuilds the business day's counters from message and lead
// history. Opened and clicked are owned by the tracking pipeline outside
// this core; an existing row keeps them.
func (r *Rollup) RecomputeDay(ctx context.Context, now time.Time) error {
	day := drip.BusinessDay(now, r.loc)
	local := now.In(r.loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, r.loc)
	end := start.Add(24 * time.Hour)

	imported, err := r.db.CountLeadsCreatedBetween(start, end)
	if err != nil {
		return fmt.Errorf("could not count imported leads, %w", err)
	}
	qualified, err := r.db.CountLeadsInStatusUpdatedBetween(drip.StatusQualified, start, end)
	if err != nil {
		return fmt.Errorf("could not count qualified leads, %w", err)
	}
	converted, err := r.db.CountLeadsInStatusUpdatedBetween(drip.StatusConverted, start, end)
	if err != nil {
		return fmt.Errorf("could not count converted leads, %w", err)
	}
	counts, err := r.db.MessageCountsBetween(start, end)
	if err != nil {
		return fmt.Errorf("could not count messages, %w", err)
	}

	m := drip.DailyMetrics{
		Day:       day,
		Imported:  imported,
		Qualified: qualified,
		Sent:      counts.Sent,
		Converted: converted,
	}

	existing, err := r.db.GetDailyMetrics(day)
	if err != nil && !errors.Is(err, dao.ErrNotFound) {
		return err
	}
	if existing != nil {
		m.Opened = existing.Opened
		m.Clicked = existing.Clicked
	}

	err = r.db.UpsertDailyMetrics(m)
	if err != nil {
		return fmt.Errorf("could not upsert daily metrics, %w", err)
	}
	r.log.WithField("day", day).
		WithField("sent", m.Sent).
		WithField("converted", m.Converted).
		Debug("daily metrics recomputed")
	return nil
}
