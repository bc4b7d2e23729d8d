// Package store owns lead lifecycle state. Every transition goes through the
// transition table in the root package and a status guarded update in the
// dao, so illegal edges are rejected and replays collapse to no-ops.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/relaypoint/drip"
	"github.com/relaypoint/drip/internal/dao"
	"github.com/relaypoint/drip/tools"
	"github.com/sirupsen/logrus"
)

var ErrIllegalTransition = errors.New("illegal lifecycle transition")

type Store struct {
	db  dao.DAO
	log *logrus.Logger
}

func New(db dao.DAO, lc *tools.Logger) *Store {
	return &Store{
		db:  db,
		log: lc.New("store"),
	}
}

func (s *Store) Lead(ctx context.Context, id string) (*drip.Lead, error) {
	return s.db.GetLead(id)
}

// Transition applies one lifecycle edge. A lead already in a terminal state
// absorbs the attempt silently; an edge missing from the transition table is
// an error. Returns whether this call changed the lead.
func (s *Store) Transition(ctx context.Context, id string, to drip.Status) (bool, error) {
	lead, err := s.db.GetLead(id)
	if err != nil {
		return false, err
	}

	if lead.Status.Terminal() {
		s.log.WithField("lead", id).
			WithField("status", lead.Status).
			WithField("to", to).
			Debug("transition attempt on terminal lead, ignoring")
		return false, nil
	}

	if !drip.CanTransition(lead.Status, to) {
		return false, fmt.Errorf("lead %s: %s -> %s: %w", id, lead.Status, to, ErrIllegalTransition)
	}

	return s.db.TransitionLead(id, lead.Status, to)
}

// BeginSequence moves a qualified lead into in_sequence. Only the dispatch
// path calls this; a lead already in sequence reports true without a write.
func (s *Store) BeginSequence(ctx context.Context, id string) (bool, error) {
	lead, err := s.db.GetLead(id)
	if err != nil {
		return false, err
	}
	if lead.Status == drip.StatusInSequence {
		return true, nil
	}
	if lead.Status != drip.StatusQualified {
		return false, nil
	}
	return s.db.TransitionLead(id, drip.StatusQualified, drip.StatusInSequence)
}

// AdvanceStep bumps current_step from prev to prev+1, guarded so the step
// never decreases, never skips, and never moves on a terminal lead.
func (s *Store) AdvanceStep(ctx context.Context, id string, prev int) (bool, error) {
	return s.db.AdvanceLeadStep(id, prev)
}

var webhookTargets = map[drip.WebhookKind]drip.Status{
	drip.WebhookReply:       drip.StatusReplied,
	drip.WebhookUnsubscribe: drip.StatusUnsubscribed,
	drip.WebhookBounce:      drip.StatusBounced,
}

// ApplyWebhook applies an externally triggered transition exactly once per
// event id. Redelivery, terminal leads and stale edges all land on a no-op;
// none of them are errors, the webhook receiver always gets its 2xx.
func (s *Store) ApplyWebhook(ctx context.Context, e drip.WebhookEvent) (bool, error) {
	target, ok := webhookTargets[e.Kind]
	if !ok {
		return false, fmt.Errorf("unknown webhook kind %q", e.Kind)
	}

	fresh, err := s.db.RecordWebhookEvent(e)
	if err != nil {
		return false, fmt.Errorf("could not record webhook event, %w", err)
	}
	if !fresh {
		s.log.WithField("event", e.EventID).Debug("webhook event redelivered, already applied")
		return false, nil
	}

	lead, err := s.db.GetLead(e.LeadID)
	if err != nil {
		return false, err
	}
	if lead.Status.Terminal() {
		return false, nil
	}
	if !drip.CanTransition(lead.Status, target) {
		s.log.WithField("lead", e.LeadID).
			WithField("status", lead.Status).
			WithField("kind", e.Kind).
			Info("webhook does not apply to lead in current status, ignoring")
		return false, nil
	}

	return s.db.TransitionLead(e.LeadID, lead.Status, target)
}
