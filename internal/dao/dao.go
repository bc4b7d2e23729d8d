package dao

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/relaypoint/drip"
)

var ErrNotFound = errors.New("not found")

// DAO is the persistence boundary of the scheduler core. Every mutation of a
// shared counter (daily_sent, current_step, status) is a conditional UPDATE
// so overlapping scheduler invocations cannot lose updates; callers get a
// bool back telling them whether they won the race.
type DAO interface {
	// sending domains
	AddDomain(d drip.SendingDomain) error
	GetDomain(id string) (*drip.SendingDomain, error)
	ListDomains() ([]drip.SendingDomain, error)
	ProductionDomains() ([]drip.SendingDomain, error)
	WarmupDomains() ([]drip.SendingDomain, error)
	SetDomainDailyLimit(id string, limit int) error
	SetDomainActive(id string, active bool) error
	FinishDomainWarmup(id string, maxBounces int) (bool, error)
	RestartDomainWarmup(id string, now time.Time, startLimit int) error
	AddDomainFeedback(id string, bounces int) error
	ForceActivateDomain(id string) (bool, error)
	CommitDomainSend(id string) (bool, error)
	ResetDomainQuotas(day string) (int64, error)

	// phone numbers
	AddPhone(p drip.PhoneNumber) error
	ListPhones() ([]drip.PhoneNumber, error)
	ActivePhones() ([]drip.PhoneNumber, error)
	SetPhoneActive(id string, active bool) error
	CommitPhoneSend(id string, effectiveLimit int) (bool, error)
	ResetPhoneQuotas(day string) (int64, error)

	// campaigns and sequences
	AddCampaign(c drip.Campaign) error
	ListCampaigns() ([]drip.Campaign, error)
	ActiveCampaigns() ([]drip.Campaign, error)
	AddSequenceStep(s drip.SequenceStep) error
	StepsFor(campaignID string) ([]drip.SequenceStep, error)
	AdvancedBetween(campaignID string, start, end time.Time) (int, error)

	// leads
	AddLead(l drip.Lead) error
	GetLead(id string) (*drip.Lead, error)
	DueLeads(campaignID string, limit int) ([]drip.Lead, error)
	TransitionLead(id string, from, to drip.Status) (bool, error)
	AdvanceLeadStep(id string, prev int) (bool, error)

	// messages
	ClaimMessage(m drip.Message) (bool, error)
	SetMessageStatus(id string, status drip.MessageStatus, sentAt *time.Time) error
	LiveMessageExists(leadID string, step int) (bool, error)
	LastLiveMessageAt(leadID string) (*time.Time, error)
	MessagesFor(leadID string) ([]drip.Message, error)
	AddMessageLogEntry(messageID, entry string) error

	// retry queue
	UpsertRetry(leadID string, step int, channel drip.Channel, notBefore time.Time) (int, error)
	DueRetries(now time.Time, limit int) ([]RetryItem, error)
	MarkRetryExhausted(leadID string, step int) error
	RetryExhausted(leadID string, step int) (bool, error)
	DeleteRetry(leadID string, step int) error

	// webhook dedup
	RecordWebhookEvent(e drip.WebhookEvent) (bool, error)

	// rollup
	CountLeadsCreatedBetween(start, end time.Time) (int, error)
	CountLeadsInStatusUpdatedBetween(status drip.Status, start, end time.Time) (int, error)
	MessageCountsBetween(start, end time.Time) (MessageCounts, error)
	UpsertDailyMetrics(m drip.DailyMetrics) error
	GetDailyMetrics(day string) (*drip.DailyMetrics, error)
}

func NewSQLite(path string) (DAO, error) {
	lite := &sqlite{path: path}
	err := lite.ensureSchema()
	return lite, err
}

type sqlite struct {
	mu   sync.Mutex
	db   *sqlx.DB
	path string
}

func (s *sqlite) tuneDatabase() error {
	q := `pragma journal_mode = WAL;
			pragma synchronous = normal;
			pragma temp_store = memory;
			pragma busy_timeout = 5000;`

	if s.db == nil {
		return errors.New("db must be instantiated")
	}
	_, err := s.db.Exec(q)
	return err
}

func (s *sqlite) getDB() (*sqlx.DB, error) {
	// pond workers call DAO methods concurrently; the reconnect check and
	// swap of s.db must not interleave
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	for s.db == nil || s.db.Ping() != nil {

		if s.db != nil {
			_ = s.db.Close()
			s.db = nil
		}

		s.db, err = sqlx.Connect("sqlite3", s.path)
		if err != nil {
			return nil, fmt.Errorf("error while connecting, %w", err)
		}
		err = s.tuneDatabase()
		if err != nil {
			return nil, fmt.Errorf("error while tuning db instance, %w", err)
		}
	}

	return s.db, nil
}

func (s *sqlite) getTX() (*sqlx.Tx, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	return db.Beginx()
}

func notFoundOf(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return err
}

func (s *sqlite) ensureSchema() error {

	db, err := s.getDB()
	if err != nil {
		return fmt.Errorf("could not get db, %w", err)
	}

	_, err = db.Exec(`
	CREATE TABLE IF NOT EXISTS campaigns (
	    id TEXT PRIMARY KEY,
	    name TEXT NOT NULL,
	    industry TEXT DEFAULT '',
	    city TEXT DEFAULT '',
	    leads_per_day INT NOT NULL DEFAULT 50,
	    is_active INT NOT NULL DEFAULT 1,
	    total_leads INT NOT NULL DEFAULT 0,
	    total_converted INT NOT NULL DEFAULT 0,
	    created_at DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%d %H:%M:%f', 'now'))
	);

	CREATE TABLE IF NOT EXISTS sequence_steps (
	    campaign_id TEXT NOT NULL,
	    step INT NOT NULL,
	    channel TEXT NOT NULL, -- email, sms
	    wait_hours INT NOT NULL DEFAULT 48,
	    PRIMARY KEY (campaign_id, step)
	);

	CREATE TABLE IF NOT EXISTS leads (
	    id TEXT PRIMARY KEY,
	    email TEXT DEFAULT '',
	    phone TEXT DEFAULT '',
	    first_name TEXT DEFAULT '',
	    last_name TEXT DEFAULT '',
	    company TEXT DEFAULT '',
	    campaign_id TEXT,
	    status TEXT NOT NULL DEFAULT 'new',
	    priority TEXT DEFAULT '',
	    current_step INT NOT NULL DEFAULT 0,
	    created_at DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%d %H:%M:%f', 'now')),
	    updated_at DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%d %H:%M:%f', 'now'))
	);
	CREATE INDEX IF NOT EXISTS idx_leads_due ON leads(campaign_id, updated_at) WHERE status IN ('qualified', 'in_sequence');

	CREATE TABLE IF NOT EXISTS sending_domains (
	    id TEXT PRIMARY KEY,
	    domain TEXT NOT NULL UNIQUE,
	    dns_verified INT NOT NULL DEFAULT 0,
	    warmup_started_at DATETIME,
	    warmup_done INT NOT NULL DEFAULT 0,
	    warmup_bounces INT NOT NULL DEFAULT 0,
	    is_active INT NOT NULL DEFAULT 1,
	    daily_limit INT NOT NULL DEFAULT 0,
	    production_limit INT NOT NULL DEFAULT 0,
	    daily_sent INT NOT NULL DEFAULT 0,
	    total_sent INT NOT NULL DEFAULT 0,
	    last_reset_day TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS phone_numbers (
	    id TEXT PRIMARY KEY,
	    number TEXT NOT NULL UNIQUE,
	    is_10dlc INT NOT NULL DEFAULT 0,
	    is_active INT NOT NULL DEFAULT 1,
	    daily_limit INT NOT NULL DEFAULT 0,
	    daily_sent INT NOT NULL DEFAULT 0,
	    total_sent INT NOT NULL DEFAULT 0,
	    last_reset_day TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS messages (
	    id TEXT PRIMARY KEY,
	    lead_id TEXT NOT NULL,
	    channel TEXT NOT NULL,
	    step INT NOT NULL,
	    resource_id TEXT NOT NULL,
	    status TEXT NOT NULL, -- queued, sent, delivered_unknown, failed, bounced
	    sent_at DATETIME,
	    created_at DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%d %H:%M:%f', 'now'))
	);
	-- at most one live message per (lead, step); this is the no-double-send guarantee
	CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_live
	    ON messages(lead_id, step)
	    WHERE status IN ('queued', 'sent', 'delivered_unknown');
	CREATE INDEX IF NOT EXISTS idx_messages_created_at ON messages(created_at);

	CREATE TABLE IF NOT EXISTS message_log (
	    message_id TEXT NOT NULL,
	    created_at DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%d %H:%M:%f', 'now')),
	    log TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS retry_queue (
	    lead_id TEXT NOT NULL,
	    step INT NOT NULL,
	    channel TEXT NOT NULL,
	    attempts INT NOT NULL DEFAULT 0,
	    not_before DATETIME NOT NULL,
	    exhausted INT NOT NULL DEFAULT 0,
	    PRIMARY KEY (lead_id, step)
	);

	CREATE TABLE IF NOT EXISTS webhook_events (
	    event_id TEXT PRIMARY KEY,
	    kind TEXT NOT NULL,
	    lead_id TEXT NOT NULL,
	    received_at DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%d %H:%M:%f', 'now'))
	);

	CREATE TABLE IF NOT EXISTS daily_metrics (
	    day TEXT PRIMARY KEY,
	    imported INT NOT NULL DEFAULT 0,
	    qualified INT NOT NULL DEFAULT 0,
	    sent INT NOT NULL DEFAULT 0,
	    opened INT NOT NULL DEFAULT 0,
	    clicked INT NOT NULL DEFAULT 0,
	    converted INT NOT NULL DEFAULT 0
	);
`)
	if err != nil {
		return fmt.Errorf("could not upsert schema, %w", err)
	}

	return err
}
