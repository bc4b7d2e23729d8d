package dao

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/relaypoint/drip"
)

// ClaimMessage inserts the queued message record for a (lead, step). The
// partial unique index on live statuses turns a duplicate or concurrent
// dispatch into zero affected rows, which the scheduler treats as "someone
// else got there first" and skips.
func (s *sqlite) ClaimMessage(m drip.Message) (bool, error) {
	q := `
	INSERT OR IGNORE INTO messages (id, lead_id, channel, step, resource_id, status, sent_at, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	db, err := s.getDB()
	if err != nil {
		return false, err
	}
	res, err := db.Exec(q, m.ID, m.LeadID, m.Channel, m.Step, m.ResourceID, m.Status, m.SentAt, m.CreatedAt.In(time.UTC))
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	return affected == 1, err
}

func (s *sqlite) SetMessageStatus(id string, status drip.MessageStatus, sentAt *time.Time) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	_, err = db.Exec(`UPDATE messages SET status = ?, sent_at = ? WHERE id = ?`, status, sentAt, id)
	if err != nil {
		return fmt.Errorf("failed to update message %s status, %w", id, err)
	}
	return nil
}

func (s *sqlite) LiveMessageExists(leadID string, step int) (bool, error) {
	q := `
	SELECT COUNT(*)
	FROM messages
	WHERE lead_id = ?
	  AND step = ?
	  AND status IN ('queued', 'sent', 'delivered_unknown')
	`
	db, err := s.getDB()
	if err != nil {
		return false, err
	}
	var n int
	err = db.Get(&n, q, leadID, step)
	return n > 0, err
}

// LastLiveMessageAt is the cadence anchor: the time of the lead's most
// recent live dispatch, nil if it never had one.
func (s *sqlite) LastLiveMessageAt(leadID string) (*time.Time, error) {
	q := `
	SELECT created_at
	FROM messages
	WHERE lead_id = ?
	  AND status IN ('queued', 'sent', 'delivered_unknown')
	ORDER BY created_at DESC
	LIMIT 1
	`
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var t time.Time
	err = db.Get(&t, q, leadID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *sqlite) MessagesFor(leadID string) ([]drip.Message, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var mm []drip.Message
	err = db.Select(&mm, `SELECT * FROM messages WHERE lead_id = ? ORDER BY created_at`, leadID)
	return mm, err
}

func (s *sqlite) AddMessageLogEntry(messageID, entry string) error {
	q := `
	INSERT INTO message_log (message_id, created_at, log)
	VALUES (?, ?, ?)
	`
	db, err := s.getDB()
	if err != nil {
		return err
	}
	_, err = db.Exec(q, messageID, time.Now().In(time.UTC), entry)
	if err != nil {
		return fmt.Errorf("failed to insert log entry, %w", err)
	}
	return nil
}

// UpsertRetry bumps the persisted retry counter for a (lead, step) and
// returns the attempt count so the executor can enforce the bound. The
// counter lives in the database since invocations are stateless across runs.
func (s *sqlite) UpsertRetry(leadID string, step int, channel drip.Channel, notBefore time.Time) (int, error) {
	q := `
	INSERT INTO retry_queue (lead_id, step, channel, attempts, not_before)
	VALUES (?, ?, ?, 1, ?)
	ON CONFLICT (lead_id, step) DO UPDATE SET
	    attempts = attempts + 1,
	    not_before = excluded.not_before
	`
	db, err := s.getDB()
	if err != nil {
		return 0, err
	}
	_, err = db.Exec(q, leadID, step, channel, notBefore.In(time.UTC))
	if err != nil {
		return 0, fmt.Errorf("failed to upsert retry item, %w", err)
	}
	var attempts int
	err = db.Get(&attempts, `SELECT attempts FROM retry_queue WHERE lead_id = ? AND step = ?`, leadID, step)
	return attempts, err
}

func (s *sqlite) DueRetries(now time.Time, limit int) ([]RetryItem, error) {
	q := `
	SELECT lead_id, step, channel, attempts, not_before
	FROM retry_queue
	WHERE not_before <= ?
	  AND exhausted = 0
	ORDER BY not_before ASC
	LIMIT ?
	`
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var rr []RetryItem
	err = db.Select(&rr, q, now.In(time.UTC), limit)
	return rr, err
}

// MarkRetryExhausted parks a retry item that burned its attempt budget. The
// row stays so the spent counter survives across runs; DueRetries and the
// fresh dispatch path both skip parked steps.
func (s *sqlite) MarkRetryExhausted(leadID string, step int) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	_, err = db.Exec(`UPDATE retry_queue SET exhausted = 1 WHERE lead_id = ? AND step = ?`, leadID, step)
	if err != nil {
		return fmt.Errorf("failed to mark retry item exhausted, %w", err)
	}
	return nil
}

func (s *sqlite) RetryExhausted(leadID string, step int) (bool, error) {
	db, err := s.getDB()
	if err != nil {
		return false, err
	}
	var n int
	err = db.Get(&n, `SELECT COUNT(*) FROM retry_queue WHERE lead_id = ? AND step = ? AND exhausted = 1`, leadID, step)
	return n > 0, err
}

func (s *sqlite) DeleteRetry(leadID string, step int) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	_, err = db.Exec(`DELETE FROM retry_queue WHERE lead_id = ? AND step = ?`, leadID, step)
	return err
}

func (s *sqlite) CountLeadsCreatedBetween(start, end time.Time) (int, error) {
	db, err := s.getDB()
	if err != nil {
		return 0, err
	}
	var n int
	err = db.Get(&n, `SELECT COUNT(*) FROM leads WHERE created_at >= ? AND created_at < ?`,
		start.In(time.UTC), end.In(time.UTC))
	return n, err
}

func (s *sqlite) CountLeadsInStatusUpdatedBetween(status drip.Status, start, end time.Time) (int, error) {
	db, err := s.getDB()
	if err != nil {
		return 0, err
	}
	var n int
	err = db.Get(&n, `SELECT COUNT(*) FROM leads WHERE status = ? AND updated_at >= ? AND updated_at < ?`,
		status, start.In(time.UTC), end.In(time.UTC))
	return n, err
}

func (s *sqlite) MessageCountsBetween(start, end time.Time) (MessageCounts, error) {
	q := `
	SELECT
	    COALESCE(SUM(CASE WHEN status IN ('sent', 'delivered_unknown') THEN 1 ELSE 0 END), 0) AS sent,
	    COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0) AS failed,
	    COALESCE(SUM(CASE WHEN status = 'bounced' THEN 1 ELSE 0 END), 0) AS bounced
	FROM messages
	WHERE created_at >= ? AND created_at < ?
	`
	db, err := s.getDB()
	if err != nil {
		return MessageCounts{}, err
	}
	var mc MessageCounts
	err = db.Get(&mc, q, start.In(time.UTC), end.In(time.UTC))
	return mc, err
}

// UpsertDailyMetrics writes the recomputed counters for a day. Opened and
// clicked come from the tracking pipeline outside this core, so an existing
// row keeps them.
func (s *sqlite) UpsertDailyMetrics(m drip.DailyMetrics) error {
	q := `
	INSERT INTO daily_metrics (day, imported, qualified, sent, opened, clicked, converted)
	VALUES (:day, :imported, :qualified, :sent, :opened, :clicked, :converted)
	ON CONFLICT (day) DO UPDATE SET
	    imported = excluded.imported,
	    qualified = excluded.qualified,
	    sent = excluded.sent,
	    converted = excluded.converted
	`
	db, err := s.getDB()
	if err != nil {
		return err
	}
	_, err = db.NamedExec(q, m)
	return err
}

func (s *sqlite) GetDailyMetrics(day string) (*drip.DailyMetrics, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var m drip.DailyMetrics
	err = db.Get(&m, `SELECT * FROM daily_metrics WHERE day = ?`, day)
	if err != nil {
		return nil, notFoundOf(err, "daily metrics "+day)
	}
	return &m, nil
}
