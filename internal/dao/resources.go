package dao

import (
	"fmt"
	"time"

	"github.com/relaypoint/drip"
)

func (s *sqlite) AddDomain(d drip.SendingDomain) error {
	q := `
	INSERT INTO sending_domains
	    (id, domain, dns_verified, warmup_started_at, warmup_done, warmup_bounces,
	     is_active, daily_limit, production_limit, daily_sent, total_sent, last_reset_day)
	VALUES
	    (:id, :domain, :dns_verified, :warmup_started_at, :warmup_done, :warmup_bounces,
	     :is_active, :daily_limit, :production_limit, :daily_sent, :total_sent, :last_reset_day)
	`
	db, err := s.getDB()
	if err != nil {
		return err
	}
	_, err = db.NamedExec(q, d)
	if err != nil {
		return fmt.Errorf("failed to insert sending domain, %w", err)
	}
	return nil
}

func (s *sqlite) GetDomain(id string) (*drip.SendingDomain, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var d drip.SendingDomain
	err = db.Get(&d, `SELECT * FROM sending_domains WHERE id = ?`, id)
	if err != nil {
		return nil, notFoundOf(err, "sending domain "+id)
	}
	return &d, nil
}

func (s *sqlite) ListDomains() ([]drip.SendingDomain, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var dd []drip.SendingDomain
	err = db.Select(&dd, `SELECT * FROM sending_domains ORDER BY domain`)
	return dd, err
}

// ProductionDomains returns production eligible domains with quota headroom,
// least loaded first. The ordering is deterministic so concurrent runs scan
// resources in the same order and contention resolves at the commit CAS.
func (s *sqlite) ProductionDomains() ([]drip.SendingDomain, error) {
	q := `
	SELECT *
	FROM sending_domains
	WHERE dns_verified = 1
	  AND warmup_done = 1
	  AND is_active = 1
	  AND daily_sent < daily_limit
	ORDER BY (daily_limit - daily_sent) DESC, id ASC
	`
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var dd []drip.SendingDomain
	err = db.Select(&dd, q)
	return dd, err
}

func (s *sqlite) WarmupDomains() ([]drip.SendingDomain, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var dd []drip.SendingDomain
	err = db.Select(&dd, `SELECT * FROM sending_domains WHERE warmup_done = 0 ORDER BY id`)
	return dd, err
}

func (s *sqlite) SetDomainDailyLimit(id string, limit int) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	_, err = db.Exec(`UPDATE sending_domains SET daily_limit = ? WHERE id = ?`, limit, id)
	return err
}

func (s *sqlite) SetDomainActive(id string, active bool) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	_, err = db.Exec(`UPDATE sending_domains SET is_active = ? WHERE id = ?`, active, id)
	return err
}

// FinishDomainWarmup flips warmup_done exactly once, and only while the
// bounce count is under the threshold. Returns false if another run already
// flipped it or the domain is over the threshold.
func (s *sqlite) FinishDomainWarmup(id string, maxBounces int) (bool, error) {
	q := `
	UPDATE sending_domains
	SET warmup_done = 1,
	    daily_limit = production_limit,
	    warmup_bounces = 0
	WHERE id = ?
	  AND warmup_done = 0
	  AND warmup_bounces <= ?
	`
	db, err := s.getDB()
	if err != nil {
		return false, err
	}
	res, err := db.Exec(q, id, maxBounces)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	return affected == 1, err
}

// RestartDomainWarmup resets the ramp after a reputation violation. Also
// used to demote a force activated domain, hence no warmup_done guard.
func (s *sqlite) RestartDomainWarmup(id string, now time.Time, startLimit int) error {
	q := `
	UPDATE sending_domains
	SET warmup_started_at = ?,
	    warmup_done = 0,
	    warmup_bounces = 0,
	    daily_limit = ?
	WHERE id = ?
	`
	db, err := s.getDB()
	if err != nil {
		return err
	}
	_, err = db.Exec(q, now.In(time.UTC), startLimit, id)
	return err
}

func (s *sqlite) AddDomainFeedback(id string, bounces int) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	_, err = db.Exec(`UPDATE sending_domains SET warmup_bounces = warmup_bounces + ? WHERE id = ?`, bounces, id)
	return err
}

func (s *sqlite) ForceActivateDomain(id string) (bool, error) {
	q := `
	UPDATE sending_domains
	SET warmup_done = 1,
	    daily_limit = production_limit
	WHERE id = ?
	  AND warmup_done = 0
	`
	db, err := s.getDB()
	if err != nil {
		return false, err
	}
	res, err := db.Exec(q, id)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	return affected == 1, err
}

// CommitDomainSend is the quota ledger's compare-and-increment. Zero rows
// affected means the quota was exhausted by a concurrent run, or an operator
// deactivated the domain mid run; either way the caller must not send.
func (s *sqlite) CommitDomainSend(id string) (bool, error) {
	q := `
	UPDATE sending_domains
	SET daily_sent = daily_sent + 1,
	    total_sent = total_sent + 1
	WHERE id = ?
	  AND is_active = 1
	  AND daily_sent < daily_limit
	`
	db, err := s.getDB()
	if err != nil {
		return false, err
	}
	res, err := db.Exec(q, id)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	return affected == 1, err
}

// ResetDomainQuotas zeroes daily counters for the given business day. The
// last_reset_day guard makes a second reset of the same day a no-op.
func (s *sqlite) ResetDomainQuotas(day string) (int64, error) {
	q := `
	UPDATE sending_domains
	SET daily_sent = 0,
	    last_reset_day = ?
	WHERE last_reset_day < ?
	`
	db, err := s.getDB()
	if err != nil {
		return 0, err
	}
	res, err := db.Exec(q, day, day)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqlite) AddPhone(p drip.PhoneNumber) error {
	q := `
	INSERT INTO phone_numbers
	    (id, number, is_10dlc, is_active, daily_limit, daily_sent, total_sent, last_reset_day)
	VALUES
	    (:id, :number, :is_10dlc, :is_active, :daily_limit, :daily_sent, :total_sent, :last_reset_day)
	`
	db, err := s.getDB()
	if err != nil {
		return err
	}
	_, err = db.NamedExec(q, p)
	if err != nil {
		return fmt.Errorf("failed to insert phone number, %w", err)
	}
	return nil
}

func (s *sqlite) ListPhones() ([]drip.PhoneNumber, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var pp []drip.PhoneNumber
	err = db.Select(&pp, `SELECT * FROM phone_numbers ORDER BY number`)
	return pp, err
}

func (s *sqlite) ActivePhones() ([]drip.PhoneNumber, error) {
	q := `
	SELECT *
	FROM phone_numbers
	WHERE is_active = 1
	  AND daily_sent < daily_limit
	ORDER BY (daily_limit - daily_sent) DESC, id ASC
	`
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var pp []drip.PhoneNumber
	err = db.Select(&pp, q)
	return pp, err
}

func (s *sqlite) SetPhoneActive(id string, active bool) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	_, err = db.Exec(`UPDATE phone_numbers SET is_active = ? WHERE id = ?`, active, id)
	return err
}

// CommitPhoneSend takes the effective limit as a parameter since non 10DLC
// numbers are capped below their stated limit by the pool.
func (s *sqlite) CommitPhoneSend(id string, effectiveLimit int) (bool, error) {
	q := `
	UPDATE phone_numbers
	SET daily_sent = daily_sent + 1,
	    total_sent = total_sent + 1
	WHERE id = ?
	  AND is_active = 1
	  AND daily_sent < ?
	`
	db, err := s.getDB()
	if err != nil {
		return false, err
	}
	res, err := db.Exec(q, id, effectiveLimit)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	return affected == 1, err
}

func (s *sqlite) ResetPhoneQuotas(day string) (int64, error) {
	q := `
	UPDATE phone_numbers
	SET daily_sent = 0,
	    last_reset_day = ?
	WHERE last_reset_day < ?
	`
	db, err := s.getDB()
	if err != nil {
		return 0, err
	}
	res, err := db.Exec(q, day, day)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
