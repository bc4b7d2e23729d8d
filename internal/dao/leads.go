package dao

import (
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/relaypoint/drip"
)

func (s *sqlite) AddCampaign(c drip.Campaign) error {
	q := `
	INSERT INTO campaigns (id, name, industry, city, leads_per_day, is_active, total_leads, total_converted, created_at)
	VALUES (:id, :name, :industry, :city, :leads_per_day, :is_active, :total_leads, :total_converted, :created_at)
	`
	db, err := s.getDB()
	if err != nil {
		return err
	}
	_, err = db.NamedExec(q, c)
	if err != nil {
		return fmt.Errorf("failed to insert campaign, %w", err)
	}
	return nil
}

func (s *sqlite) ListCampaigns() ([]drip.Campaign, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var cc []drip.Campaign
	err = db.Select(&cc, `SELECT * FROM campaigns ORDER BY name`)
	return cc, err
}

func (s *sqlite) ActiveCampaigns() ([]drip.Campaign, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var cc []drip.Campaign
	err = db.Select(&cc, `SELECT * FROM campaigns WHERE is_active = 1 ORDER BY name`)
	return cc, err
}

func (s *sqlite) AddSequenceStep(step drip.SequenceStep) error {
	q := `
	INSERT INTO sequence_steps (campaign_id, step, channel, wait_hours)
	VALUES (:campaign_id, :step, :channel, :wait_hours)
	`
	db, err := s.getDB()
	if err != nil {
		return err
	}
	_, err = db.NamedExec(q, step)
	return err
}

func (s *sqlite) StepsFor(campaignID string) ([]drip.SequenceStep, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var ss []drip.SequenceStep
	err = db.Select(&ss, `SELECT * FROM sequence_steps WHERE campaign_id = ? ORDER BY step`, campaignID)
	return ss, err
}

// AdvancedBetween counts distinct leads of a campaign with any dispatch
// attempt in the window; this is what the pacer charges against leads_per_day.
func (s *sqlite) AdvancedBetween(campaignID string, start, end time.Time) (int, error) {
	q := `
	SELECT COUNT(DISTINCT m.lead_id)
	FROM messages m
	JOIN leads l ON l.id = m.lead_id
	WHERE l.campaign_id = ?
	  AND m.created_at >= ?
	  AND m.created_at < ?
	`
	db, err := s.getDB()
	if err != nil {
		return 0, err
	}
	var n int
	err = db.Get(&n, q, campaignID, start.In(time.UTC), end.In(time.UTC))
	return n, err
}

func (s *sqlite) AddLead(l drip.Lead) (err error) {
	q := `
	INSERT INTO leads (id, email, phone, first_name, last_name, company, campaign_id, status, priority, current_step, created_at, updated_at)
	VALUES (:id, :email, :phone, :first_name, :last_name, :company, :campaign_id, :status, :priority, :current_step, :created_at, :updated_at)
	`
	var tx *sqlx.Tx
	tx, err = s.getTX()
	if err != nil {
		return err
	}
	defer func() {
		if err == nil {
			err = tx.Commit()
			return
		}
		_ = tx.Rollback()
	}()

	_, err = tx.NamedExec(q, l)
	if err != nil {
		return fmt.Errorf("failed to insert lead, %w", err)
	}

	if l.CampaignID != nil {
		_, err = tx.Exec(`UPDATE campaigns SET total_leads = total_leads + 1 WHERE id = ?`, *l.CampaignID)
		if err != nil {
			return fmt.Errorf("failed to bump campaign total_leads, %w", err)
		}
	}
	return nil
}

func (s *sqlite) GetLead(id string) (*drip.Lead, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var l drip.Lead
	err = db.Get(&l, `SELECT * FROM leads WHERE id = ?`, id)
	if err != nil {
		return nil, notFoundOf(err, "lead "+id)
	}
	return &l, nil
}

// DueLeads returns a campaign's dispatchable leads, oldest first. Cadence
// (minimum inter step delay) is checked by the scheduler against the last
// live message, not here.
func (s *sqlite) DueLeads(campaignID string, limit int) ([]drip.Lead, error) {
	q := `
	SELECT *
	FROM leads
	WHERE campaign_id = ?
	  AND status IN ('qualified', 'in_sequence')
	ORDER BY updated_at ASC
	LIMIT ?
	`
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var ll []drip.Lead
	err = db.Select(&ll, q, campaignID, limit)
	return ll, err
}

// TransitionLead applies one lifecycle edge with a status guard, so a lost
// race (or a redelivered webhook) affects zero rows and reports false.
// Campaign totals move in the same transaction, which keeps them monotone
// and exactly-once per transition.
func (s *sqlite) TransitionLead(id string, from, to drip.Status) (ok bool, err error) {

	var tx *sqlx.Tx
	tx, err = s.getTX()
	if err != nil {
		return false, err
	}
	defer func() {
		if err == nil {
			err = tx.Commit()
			return
		}
		_ = tx.Rollback()
	}()

	res, err := tx.Exec(`
		UPDATE leads
		SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		to, time.Now().In(time.UTC), id, from)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected != 1 {
		return false, nil
	}

	if to == drip.StatusConverted {
		_, err = tx.Exec(`
			UPDATE campaigns
			SET total_converted = total_converted + 1
			WHERE id = (SELECT campaign_id FROM leads WHERE id = ?)`,
			id)
		if err != nil {
			return false, fmt.Errorf("failed to bump campaign total_converted, %w", err)
		}
	}
	return true, nil
}

// AdvanceLeadStep moves current_step from prev to prev+1. The guard keeps the
// step monotone under concurrent runs and stops advancement once a lead has
// left in_sequence.
func (s *sqlite) AdvanceLeadStep(id string, prev int) (bool, error) {
	q := `
	UPDATE leads
	SET current_step = ?, updated_at = ?
	WHERE id = ?
	  AND current_step = ?
	  AND status = 'in_sequence'
	`
	db, err := s.getDB()
	if err != nil {
		return false, err
	}
	res, err := db.Exec(q, prev+1, time.Now().In(time.UTC), id, prev)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	return affected == 1, err
}

// RecordWebhookEvent claims an external event id. False means the event was
// already applied and redelivery must be a no-op.
func (s *sqlite) RecordWebhookEvent(e drip.WebhookEvent) (bool, error) {
	q := `
	INSERT OR IGNORE INTO webhook_events (event_id, kind, lead_id, received_at)
	VALUES (?, ?, ?, ?)
	`
	db, err := s.getDB()
	if err != nil {
		return false, err
	}
	res, err := db.Exec(q, e.EventID, e.Kind, e.LeadID, time.Now().In(time.UTC))
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	return affected == 1, err
}
