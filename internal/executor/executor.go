// Package executor turns one dispatch intent into a provider call and folds
// the result back into quotas, lead state and the message record. Each
// (lead, step) is isolated: whatever goes wrong here never aborts the batch.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/relaypoint/drip"
	"github.com/relaypoint/drip/internal/dao"
	"github.com/relaypoint/drip/internal/metrics"
	"github.com/relaypoint/drip/internal/pool"
	"github.com/relaypoint/drip/internal/store"
	"github.com/relaypoint/drip/internal/warmup"
	"github.com/relaypoint/drip/tools"
	"github.com/sirupsen/logrus"
)

type Config struct {
	// ProviderTimeout bounds every provider call; hitting it is a transient
	// failure, never a success.
	ProviderTimeout time.Duration `cli:"provider-timeout"`
	// MaxAttempts bounds retries per (lead, step) across runs.
	MaxAttempts int `cli:"send-max-attempts"`
	// RetryBackoff delays a requeued step until the next eligible run.
	RetryBackoff time.Duration `cli:"send-retry-backoff"`
	// ContinueOnStepFail advances past a step that exhausted its retries
	// instead of stalling the lead on it.
	ContinueOnStepFail bool `cli:"continue-on-step-fail"`
}

func (c Config) withDefaults() Config {
	if c.ProviderTimeout <= 0 {
		c.ProviderTimeout = 30 * time.Second
	}
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 15 * time.Minute
	}
	return c
}

// Outcome classifies one execution for the run summary.
type Outcome string

const (
	OutcomeSent     Outcome = "sent"
	OutcomeDeferred Outcome = "deferred" // transient failure or lost quota race, will retry
	OutcomeFailed   Outcome = "failed"   // permanent, no retry
)

type Executor struct {
	db       dao.DAO
	pool     *pool.Pool
	store    *store.Store
	ramp     *warmup.Ramp
	provider Provider

	cfg Config
	log *logrus.Logger

	outcomes *prometheus.CounterVec
}

func New(cfg Config, db dao.DAO, p *pool.Pool, st *store.Store, ramp *warmup.Ramp, provider Provider, lc *tools.Logger, m *metrics.Metrics) *Executor {
	e := &Executor{
		db:       db,
		pool:     p,
		store:    st,
		ramp:     ramp,
		provider: provider,
		cfg:      cfg.withDefaults(),
		log:      lc.New("executor"),
	}
	if m != nil {
		e.outcomes = m.Register().NewCounterVec(prometheus.CounterOpts{
			Name: "executor__outcomes", Help: "send executions per channel and outcome",
		}, []string{"channel", "outcome"})
	}
	return e
}

// Execute sends the claimed message over the reservation and settles all
// state. The message row was claimed by the scheduler; this is where its
// final status gets written.
func (e *Executor) Execute(ctx context.Context, lead drip.Lead, msg drip.Message, res *pool.Reservation) Outcome {
	out := e.execute(ctx, lead, msg, res)
	if e.outcomes != nil {
		e.outcomes.WithLabelValues(string(msg.Channel), string(out)).Inc()
	}
	return out
}

func (e *Executor) execute(ctx context.Context, lead drip.Lead, msg drip.Message, res *pool.Reservation) Outcome {
	log := e.log.WithField("lead", lead.ID).WithField("step", msg.Step).WithField("channel", msg.Channel)

	destination := lead.Email
	if msg.Channel == drip.ChannelSMS {
		destination = lead.Phone
	}
	if destination == "" {
		e.pool.Release(ctx, res)
		_ = e.db.SetMessageStatus(msg.ID, drip.MessageFailed, nil)
		_ = e.db.AddMessageLogEntry(msg.ID, "no destination for channel")
		_ = e.db.DeleteRetry(lead.ID, msg.Step)
		log.Warn("lead has no destination for channel, step failed")
		return OutcomeFailed
	}

	content := fmt.Sprintf("step %d of sequence for %s %s", msg.Step, lead.FirstName, lead.LastName)

	sendCtx, cancel := context.WithTimeout(ctx, e.cfg.ProviderTimeout)
	defer cancel()

	result, err := e.provider.Send(sendCtx, msg.Channel, destination, res.Identity, content)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(sendCtx.Err(), context.DeadlineExceeded) {
		result, err = SendResult{Verdict: VerdictTimeout}, nil
	}
	if err != nil {
		// transport level trouble, same treatment as a provider timeout
		log.WithError(err).Info("provider call failed, treating as transient")
		return e.settleTransient(ctx, lead, msg, res, err.Error())
	}

	switch result.Verdict {
	case VerdictAccepted:
		return e.settleAccepted(ctx, lead, msg, res)

	case VerdictRejected:
		if IsPermanent(result.Reason) {
			return e.settlePermanent(ctx, lead, msg, res, result.Reason)
		}
		log.WithField("reason", result.Reason).Info("provider rejected with transient reason")
		return e.settleTransient(ctx, lead, msg, res, result.Reason)

	case VerdictTimeout:
		log.Info("provider call timed out")
		return e.settleTransient(ctx, lead, msg, res, "timeout")
	}

	log.WithField("verdict", result.Verdict).Warn("unknown provider verdict, treating as transient")
	return e.settleTransient(ctx, lead, msg, res, string(result.Verdict))
}

func (e *Executor) settleAccepted(ctx context.Context, lead drip.Lead, msg drip.Message, res *pool.Reservation) Outcome {
	log := e.log.WithField("lead", lead.ID).WithField("step", msg.Step)

	commitErr := e.pool.Commit(ctx, res)
	if errors.Is(commitErr, pool.ErrQuotaExhausted) {
		// A concurrent run or an operator pause got here first. The claim is
		// released so the step requeues for the next run.
		_ = e.db.SetMessageStatus(msg.ID, drip.MessageFailed, nil)
		_ = e.db.AddMessageLogEntry(msg.ID, "quota commit lost race, step requeued")
		_, uerr := e.db.UpsertRetry(lead.ID, msg.Step, msg.Channel, time.Now().Add(e.cfg.RetryBackoff))
		if uerr != nil {
			log.WithError(uerr).Error("could not requeue step after lost quota race")
		}
		return OutcomeDeferred
	}

	// The provider accepted, so the lead advances regardless of any ledger
	// trouble below; the message went out.
	if lead.Status == drip.StatusQualified {
		_, err := e.store.BeginSequence(ctx, lead.ID)
		if err != nil {
			log.WithError(err).Error("could not move lead into sequence")
		}
	}
	_, err := e.store.AdvanceStep(ctx, lead.ID, msg.Step-1)
	if err != nil {
		log.WithError(err).Error("could not advance current_step")
	}
	_ = e.db.DeleteRetry(lead.ID, msg.Step)

	if commitErr != nil {
		log.WithError(commitErr).Error("quota commit errored after provider accepted")
		_ = e.db.SetMessageStatus(msg.ID, drip.MessageDeliveredUnknown, nil)
		_ = e.db.AddMessageLogEntry(msg.ID, "accepted but quota commit errored, delivery ledger unknown")
		return OutcomeDeferred
	}

	now := time.Now().In(time.UTC)
	err = e.db.SetMessageStatus(msg.ID, drip.MessageSent, &now)
	if err != nil {
		log.WithError(err).Error("could not mark message sent")
	}
	_ = e.db.AddMessageLogEntry(msg.ID, fmt.Sprintf("accepted by provider via %s", res.Identity))

	return OutcomeSent
}

func (e *Executor) settlePermanent(ctx context.Context, lead drip.Lead, msg drip.Message, res *pool.Reservation, reason string) Outcome {
	log := e.log.WithField("lead", lead.ID).WithField("step", msg.Step).WithField("reason", reason)

	e.pool.Release(ctx, res)

	status := drip.MessageFailed
	if reason == "hard_bounce" {
		status = drip.MessageBounced
	}
	_ = e.db.SetMessageStatus(msg.ID, status, nil)
	_ = e.db.AddMessageLogEntry(msg.ID, "permanent provider rejection: "+reason)
	_ = e.db.DeleteRetry(lead.ID, msg.Step)

	// On a first-step rejection the lead is still qualified, which has no
	// edge to bounced. Move it into sequence first so the bounce sticks.
	if lead.Status == drip.StatusQualified {
		_, err := e.store.BeginSequence(ctx, lead.ID)
		if err != nil {
			log.WithError(err).Error("could not move lead into sequence")
		}
	}

	// the address or number is irrecoverable, no further steps for this lead
	_, err := e.store.Transition(ctx, lead.ID, drip.StatusBounced)
	if err != nil && !errors.Is(err, store.ErrIllegalTransition) {
		log.WithError(err).Error("could not move lead to bounced")
	}

	if msg.Channel == drip.ChannelEmail {
		err = e.ramp.RecordBounce(ctx, res.ResourceID, time.Now())
		if err != nil {
			log.WithError(err).Error("could not record bounce feedback")
		}
	}

	log.Info("permanent rejection, lead bounced")
	return OutcomeFailed
}

func (e *Executor) settleTransient(ctx context.Context, lead drip.Lead, msg drip.Message, res *pool.Reservation, reason string) Outcome {
	log := e.log.WithField("lead", lead.ID).WithField("step", msg.Step)

	e.pool.Release(ctx, res)

	// free the live (lead, step) claim so the retry can claim again
	_ = e.db.SetMessageStatus(msg.ID, drip.MessageFailed, nil)
	_ = e.db.AddMessageLogEntry(msg.ID, "transient failure: "+reason)

	attempts, err := e.db.UpsertRetry(lead.ID, msg.Step, msg.Channel, time.Now().Add(e.cfg.RetryBackoff))
	if err != nil {
		log.WithError(err).Error("could not persist retry item")
		return OutcomeDeferred
	}

	if attempts < e.cfg.MaxAttempts {
		log.WithField("attempts", attempts).Info("transient failure, step requeued")
		return OutcomeDeferred
	}

	// retries exhausted: the step fails but the lead survives
	_ = e.db.AddMessageLogEntry(msg.ID, fmt.Sprintf("step failed after %d attempts", attempts))

	if e.cfg.ContinueOnStepFail {
		_ = e.db.DeleteRetry(lead.ID, msg.Step)
		if lead.Status == drip.StatusQualified {
			_, _ = e.store.BeginSequence(ctx, lead.ID)
		}
		_, err = e.store.AdvanceStep(ctx, lead.ID, msg.Step-1)
		if err != nil {
			log.WithError(err).Error("could not advance past failed step")
		}
	} else {
		// keep the spent counter on record so the step stays dead across runs
		err = e.db.MarkRetryExhausted(lead.ID, msg.Step)
		if err != nil {
			log.WithError(err).Error("could not mark retry item exhausted")
		}
	}

	log.WithField("attempts", attempts).Warn("step failed, retries exhausted")
	return OutcomeFailed
}
