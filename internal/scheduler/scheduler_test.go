package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/relaypoint/drip"
	"github.com/relaypoint/drip/internal/dao"
	"github.com/relaypoint/drip/internal/executor"
	"github.com/relaypoint/drip/internal/pacer"
	"github.com/relaypoint/drip/internal/pool"
	"github.com/relaypoint/drip/internal/store"
	"github.com/relaypoint/drip/internal/warmup"
	"github.com/relaypoint/drip/tools"
	"github.com/rs/xid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type acceptingProvider struct{}

func (acceptingProvider) Send(ctx context.Context, channel drip.Channel, destination, identity, content string) (executor.SendResult, error) {
	return executor.SendResult{Verdict: executor.VerdictAccepted}, nil
}

// countingProvider answers with a fixed verdict and counts its calls. The
// scheduler waits for its worker pool before Run returns, so reading calls
// afterwards is safe.
type countingProvider struct {
	verdict executor.Verdict
	calls   int
}

func (p *countingProvider) Send(ctx context.Context, channel drip.Channel, destination, identity, content string) (executor.SendResult, error) {
	p.calls++
	return executor.SendResult{Verdict: p.verdict}, nil
}

type fixture struct {
	db  dao.DAO
	sch *Scheduler
}

func setup(t *testing.T) *fixture {
	return setupWith(t, executor.Config{}, acceptingProvider{})
}

func setupWith(t *testing.T, execCfg executor.Config, provider executor.Provider) *fixture {
	t.Helper()
	db, err := dao.NewSQLite(filepath.Join(t.TempDir(), "scheduler_test.sqlite"))
	require.NoError(t, err)
	lc := tools.LoggerCloner(logrus.New())

	p := pool.New(pool.Config{}, db, lc, nil)
	ramp := warmup.New(warmup.Config{}, db, lc)
	st := store.New(db, lc)
	pc := pacer.New(db, lc, time.UTC)
	exec := executor.New(execCfg, db, p, st, ramp, provider, lc, nil)

	return &fixture{
		db:  db,
		sch: New(Config{Workers: 2}, db, p, pc, ramp, exec, lc, time.UTC, nil),
	}
}

func (f *fixture) addDomain(t *testing.T, productionEligible bool) drip.SendingDomain {
	t.Helper()
	started := time.Now().In(time.UTC).Add(-30 * 24 * time.Hour)
	if !productionEligible {
		// recent enough that housekeeping's ramp recompute keeps it in warmup
		started = time.Now().In(time.UTC).Add(-24 * time.Hour)
	}
	d := drip.SendingDomain{
		ID:              xid.New().String(),
		Domain:          xid.New().String() + ".example.com",
		DNSVerified:     true,
		WarmupStartedAt: &started,
		WarmupDone:      productionEligible,
		IsActive:        true,
		DailyLimit:      100,
		ProductionLimit: 100,
	}
	require.NoError(t, f.db.AddDomain(d))
	return d
}

func (f *fixture) addCampaign(t *testing.T, leadsPerDay int, steps ...drip.SequenceStep) drip.Campaign {
	t.Helper()
	c := drip.Campaign{
		ID:          xid.New().String(),
		Name:        xid.New().String(),
		LeadsPerDay: leadsPerDay,
		IsActive:    true,
		CreatedAt:   time.Now().In(time.UTC),
	}
	require.NoError(t, f.db.AddCampaign(c))
	for i, s := range steps {
		s.CampaignID = c.ID
		s.Step = i + 1
		require.NoError(t, f.db.AddSequenceStep(s))
	}
	return c
}

func (f *fixture) addLead(t *testing.T, campaignID string, status drip.Status) drip.Lead {
	t.Helper()
	now := time.Now().In(time.UTC)
	l := drip.Lead{
		ID:         xid.New().String(),
		Email:      "lead@example.com",
		Phone:      "+15550100",
		CampaignID: &campaignID,
		Status:     status,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	require.NoError(t, f.db.AddLead(l))
	return l
}

func TestRunDispatchesDueLeads(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	f.addDomain(t, true)
	c := f.addCampaign(t, 50,
		drip.SequenceStep{Channel: drip.ChannelEmail, WaitHours: 48},
		drip.SequenceStep{Channel: drip.ChannelEmail, WaitHours: 48},
	)
	l1 := f.addLead(t, c.ID, drip.StatusQualified)
	l2 := f.addLead(t, c.ID, drip.StatusQualified)

	sum, err := f.sch.Run(ctx, drip.ActionFull)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Dispatched)
	assert.Equal(t, 0, sum.Failed)
	assert.False(t, sum.SMSOnly)

	for _, l := range []drip.Lead{l1, l2} {
		got, err := f.db.GetLead(l.ID)
		require.NoError(t, err)
		assert.Equal(t, drip.StatusInSequence, got.Status)
		assert.Equal(t, 1, got.CurrentStep)
	}
}

func TestRunIsIdempotent(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	f.addDomain(t, true)
	c := f.addCampaign(t, 50, drip.SequenceStep{Channel: drip.ChannelEmail, WaitHours: 48})
	lead := f.addLead(t, c.ID, drip.StatusQualified)

	sum, err := f.sch.Run(ctx, drip.ActionFull)
	require.NoError(t, err)
	require.Equal(t, 1, sum.Dispatched)

	// the duplicate trigger finds nothing to do: step 1 already has a live
	// message and the sequence has no further steps
	sum, err = f.sch.Run(ctx, drip.ActionFull)
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Dispatched)

	mm, err := f.db.MessagesFor(lead.ID)
	require.NoError(t, err)
	assert.Len(t, mm, 1)
}

func TestRunRespectsPacing(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	f.addDomain(t, true)
	c := f.addCampaign(t, 2, drip.SequenceStep{Channel: drip.ChannelEmail, WaitHours: 48})
	for i := 0; i < 5; i++ {
		f.addLead(t, c.ID, drip.StatusQualified)
	}

	sum, err := f.sch.Run(ctx, drip.ActionFull)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Dispatched, "leads_per_day caps the run")
}

func TestRunSMSOnlyMode(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	// only a warming domain, so email work is dropped
	f.addDomain(t, false)
	c := f.addCampaign(t, 50,
		drip.SequenceStep{Channel: drip.ChannelEmail, WaitHours: 48},
	)
	f.addLead(t, c.ID, drip.StatusQualified)

	sum, err := f.sch.Run(ctx, drip.ActionFull)
	require.NoError(t, err)
	assert.True(t, sum.SMSOnly)
	assert.Equal(t, 0, sum.Dispatched)
	assert.Equal(t, 1, sum.Skipped)
}

func TestRunSMSOnlyStillSendsSMS(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	f.addDomain(t, false)
	require.NoError(t, f.db.AddPhone(drip.PhoneNumber{
		ID:         xid.New().String(),
		Number:     "+15550111",
		Is10DLC:    true,
		IsActive:   true,
		DailyLimit: 100,
	}))

	c := f.addCampaign(t, 50, drip.SequenceStep{Channel: drip.ChannelSMS, WaitHours: 48})
	lead := f.addLead(t, c.ID, drip.StatusQualified)

	sum, err := f.sch.Run(ctx, drip.ActionFull)
	require.NoError(t, err)
	assert.True(t, sum.SMSOnly)
	assert.Equal(t, 1, sum.Dispatched)

	got, err := f.db.GetLead(lead.ID)
	require.NoError(t, err)
	assert.Equal(t, drip.StatusInSequence, got.Status)
}

func TestRunHousekeepingResetsQuotas(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	d := f.addDomain(t, true)
	_, err := f.db.CommitDomainSend(d.ID)
	require.NoError(t, err)

	_, err = f.sch.Run(ctx, drip.ActionFull)
	require.NoError(t, err)

	got, err := f.db.GetDomain(d.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.DailySent)
	assert.Equal(t, drip.BusinessDay(time.Now(), time.UTC), got.LastResetDay)

	// ActionSend skips housekeeping
	_, err = f.db.CommitDomainSend(d.ID)
	require.NoError(t, err)
	_, err = f.sch.Run(ctx, drip.ActionSend)
	require.NoError(t, err)

	got, err = f.db.GetDomain(d.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.DailySent)
}

func TestRunSkipsExhaustedSequences(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	f.addDomain(t, true)
	c := f.addCampaign(t, 50, drip.SequenceStep{Channel: drip.ChannelEmail, WaitHours: 48})

	lead := f.addLead(t, c.ID, drip.StatusInSequence)
	ok, err := f.db.AdvanceLeadStep(lead.ID, 0)
	require.NoError(t, err)
	require.True(t, ok)

	// current_step == len(steps): nothing left to send
	sum, err := f.sch.Run(ctx, drip.ActionFull)
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Dispatched)
}

func TestRunStopsRetryingExhaustedStep(t *testing.T) {
	provider := &countingProvider{verdict: executor.VerdictTimeout}
	f := setupWith(t, executor.Config{MaxAttempts: 2, RetryBackoff: time.Millisecond}, provider)
	ctx := context.Background()

	f.addDomain(t, true)
	c := f.addCampaign(t, 50, drip.SequenceStep{Channel: drip.ChannelEmail, WaitHours: 48})
	lead := f.addLead(t, c.ID, drip.StatusQualified)

	// first run dispatches the step, second run picks it up as a due retry
	// and hits the attempt bound
	_, err := f.sch.Run(ctx, drip.ActionFull)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	_, err = f.sch.Run(ctx, drip.ActionFull)
	require.NoError(t, err)
	require.Equal(t, 2, provider.calls)

	// the lead is still due at the same step, but the spent attempt counter
	// keeps later runs from starting a fresh retry cycle
	time.Sleep(5 * time.Millisecond)
	sum, err := f.sch.Run(ctx, drip.ActionFull)
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Dispatched)
	assert.Equal(t, 2, provider.calls)

	got, err := f.db.GetLead(lead.ID)
	require.NoError(t, err)
	assert.Equal(t, drip.StatusQualified, got.Status)
}
