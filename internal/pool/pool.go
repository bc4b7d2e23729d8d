// Package pool hands out send capacity on domains and phone numbers. A
// reservation is tentative and holds capacity in process only; the quota is
// consumed at Commit through a conditional increment in the database, which
// is what keeps daily_sent <= daily_limit across overlapping runs.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/relaypoint/drip"
	"github.com/relaypoint/drip/internal/dao"
	"github.com/relaypoint/drip/internal/metrics"
	"github.com/relaypoint/drip/tools"
	"github.com/sirupsen/logrus"
)

var (
	// ErrNoCapacity means every eligible resource of the channel is out of
	// quota for the day. Expected, not a failure; defer to the next run.
	ErrNoCapacity = errors.New("no capacity left on any eligible resource")

	// ErrSMSOnly means no production eligible sending domain exists at all,
	// so email dispatch is skipped for the whole run.
	ErrSMSOnly = errors.New("no production eligible sending domain, sms only mode")

	// ErrQuotaExhausted means a concurrent run won the commit race, or an
	// operator deactivated the resource mid run. The caller re-reserves on
	// another resource or defers.
	ErrQuotaExhausted = errors.New("quota exhausted on commit")
)

type Config struct {
	// Fraction of a non 10DLC number's stated daily limit it may actually
	// use, modeling carrier filtering risk.
	NonDLCFraction float64 `cli:"sms-non-10dlc-fraction"`
}

type Pool struct {
	db  dao.DAO
	cfg Config
	log *logrus.Logger

	locks *tools.KeyedMutex

	mu    sync.Mutex
	holds map[string]int // in-flight reservations per resource, this process only

	smsOnlyGauge prometheus.Gauge
	commitsVec   *prometheus.CounterVec
}

func New(cfg Config, db dao.DAO, lc *tools.Logger, m *metrics.Metrics) *Pool {
	if cfg.NonDLCFraction <= 0 || cfg.NonDLCFraction > 1 {
		cfg.NonDLCFraction = 0.2
	}

	p := &Pool{
		db:    db,
		cfg:   cfg,
		log:   lc.New("pool"),
		locks: tools.NewKeyedMutex(),
		holds: map[string]int{},
	}

	if m != nil {
		p.smsOnlyGauge = m.Register().NewGauge(prometheus.GaugeOpts{
			Name: "pool__sms_only_mode", Help: "1 when no production eligible sending domain exists",
		})
		p.commitsVec = m.Register().NewCounterVec(prometheus.CounterOpts{
			Name: "pool__commits", Help: "reservation commits per channel and outcome",
		}, []string{"channel", "outcome"})
	}

	return p
}

// Reservation is a tentative pairing of one send with one resource. Identity
// is the from-address domain or the sending number handed to the provider.
type Reservation struct {
	Channel    drip.Channel
	ResourceID string
	Identity   string

	effectiveLimit int
	settled        bool
}

// Reserve picks up to count resources of the channel, least loaded first,
// without consuming quota. Email in sms only mode returns ErrSMSOnly;
// a channel with eligible resources but no headroom returns ErrNoCapacity.
func (p *Pool) Reserve(ctx context.Context, channel drip.Channel, count int) ([]*Reservation, error) {
	if count < 1 {
		return nil, fmt.Errorf("reserve count must be positive, got %d", count)
	}
	switch channel {
	case drip.ChannelEmail:
		return p.reserveDomains(ctx, count)
	case drip.ChannelSMS:
		return p.reservePhones(ctx, count)
	}
	return nil, fmt.Errorf("unknown channel %q", channel)
}

// SMSOnly reports whether the pool is without any production eligible
// sending domain, meaning email dispatch is impossible right now.
func (p *Pool) SMSOnly() (bool, error) {
	all, err := p.db.ListDomains()
	if err != nil {
		return false, fmt.Errorf("could not list domains, %w", err)
	}
	for _, d := range all {
		if d.ProductionEligible() {
			p.setSMSOnly(false)
			return false, nil
		}
	}
	p.setSMSOnly(true)
	return true, nil
}

func (p *Pool) reserveDomains(_ context.Context, count int) ([]*Reservation, error) {
	domains, err := p.db.ProductionDomains()
	if err != nil {
		return nil, fmt.Errorf("could not list production domains, %w", err)
	}

	smsOnly, err := p.SMSOnly()
	if err != nil {
		return nil, err
	}
	if smsOnly {
		return nil, ErrSMSOnly
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var rr []*Reservation
	for _, d := range domains {
		if len(rr) == count {
			break
		}
		headroom := d.Remaining() - p.holds[d.ID]
		for headroom > 0 && len(rr) < count {
			p.holds[d.ID]++
			headroom--
			rr = append(rr, &Reservation{
				Channel:        drip.ChannelEmail,
				ResourceID:     d.ID,
				Identity:       d.Domain,
				effectiveLimit: d.DailyLimit,
			})
		}
	}
	if len(rr) == 0 {
		return nil, ErrNoCapacity
	}
	return rr, nil
}

func (p *Pool) reservePhones(_ context.Context, count int) ([]*Reservation, error) {
	phones, err := p.db.ActivePhones()
	if err != nil {
		return nil, fmt.Errorf("could not list active phones, %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var rr []*Reservation

	take := func(ph drip.PhoneNumber, effectiveLimit int) {
		headroom := effectiveLimit - ph.DailySent - p.holds[ph.ID]
		for headroom > 0 && len(rr) < count {
			p.holds[ph.ID]++
			headroom--
			rr = append(rr, &Reservation{
				Channel:        drip.ChannelSMS,
				ResourceID:     ph.ID,
				Identity:       ph.Number,
				effectiveLimit: effectiveLimit,
			})
		}
	}

	// 10DLC registered numbers first, at full volume.
	for _, ph := range phones {
		if len(rr) == count {
			break
		}
		if ph.Is10DLC {
			take(ph, ph.DailyLimit)
		}
	}
	// Unregistered numbers only below the configured fraction of their limit.
	for _, ph := range phones {
		if len(rr) == count {
			break
		}
		if !ph.Is10DLC {
			take(ph, int(float64(ph.DailyLimit)*p.cfg.NonDLCFraction))
		}
	}

	if len(rr) == 0 {
		return nil, ErrNoCapacity
	}
	return rr, nil
}

// Commit consumes the quota for a reservation after the provider accepted
// the message. Work against the same resource is serialized on its key; the
// database CAS is what makes the increment safe across processes.
func (p *Pool) Commit(_ context.Context, r *Reservation) error {
	if r.settled {
		return fmt.Errorf("reservation on %s already settled", r.ResourceID)
	}

	p.locks.Lock(r.ResourceID)
	defer p.locks.Unlock(r.ResourceID)

	var ok bool
	var err error
	switch r.Channel {
	case drip.ChannelEmail:
		ok, err = p.db.CommitDomainSend(r.ResourceID)
	case drip.ChannelSMS:
		ok, err = p.db.CommitPhoneSend(r.ResourceID, r.effectiveLimit)
	default:
		return fmt.Errorf("unknown channel %q", r.Channel)
	}
	if err != nil {
		return fmt.Errorf("could not commit send on %s, %w", r.ResourceID, err)
	}

	p.settle(r)

	if !ok {
		p.count(r.Channel, "exhausted")
		p.log.WithField("resource", r.ResourceID).Info("commit lost the quota race, caller must re-reserve or defer")
		return ErrQuotaExhausted
	}
	p.count(r.Channel, "committed")
	return nil
}

// Release returns an uncommitted reservation to the pool, used on provider
// rejection, transient failure and mid run deactivation.
func (p *Pool) Release(_ context.Context, r *Reservation) {
	if r.settled {
		return
	}
	p.settle(r)
	p.count(r.Channel, "released")
}

func (p *Pool) settle(r *Reservation) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r.settled = true
	if p.holds[r.ResourceID] > 0 {
		p.holds[r.ResourceID]--
	}
	if p.holds[r.ResourceID] == 0 {
		delete(p.holds, r.ResourceID)
	}
}

func (p *Pool) setSMSOnly(on bool) {
	if p.smsOnlyGauge == nil {
		return
	}
	if on {
		p.smsOnlyGauge.Set(1)
		return
	}
	p.smsOnlyGauge.Set(0)
}

func (p *Pool) count(channel drip.Channel, outcome string) {
	if p.commitsVec == nil {
		return
	}
	p.commitsVec.WithLabelValues(string(channel), outcome).Inc()
}
