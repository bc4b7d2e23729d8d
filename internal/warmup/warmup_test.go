package warmup

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/relaypoint/drip"
	"github.com/relaypoint/drip/internal/dao"
	"github.com/relaypoint/drip/tools"
	"github.com/rs/xid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (*Ramp, dao.DAO) {
	t.Helper()
	db, err := dao.NewSQLite(filepath.Join(t.TempDir(), "warmup_test.sqlite"))
	require.NoError(t, err)
	lc := tools.LoggerCloner(logrus.New())
	return New(Config{RampDays: 14, BounceThreshold: 5, MinDaily: 10}, db, lc), db
}

func warmingDomain(db dao.DAO, t *testing.T, startedDaysAgo int, bounces int) drip.SendingDomain {
	t.Helper()
	started := time.Now().In(time.UTC).Add(-time.Duration(startedDaysAgo) * 24 * time.Hour)
	d := drip.SendingDomain{
		ID:              xid.New().String(),
		Domain:          xid.New().String() + ".example.com",
		DNSVerified:     true,
		WarmupStartedAt: &started,
		WarmupBounces:   bounces,
		IsActive:        true,
		DailyLimit:      10,
		ProductionLimit: 500,
	}
	require.NoError(t, db.AddDomain(d))
	return d
}

func TestDailyLimitForRamp(t *testing.T) {
	ramp, _ := setup(t)

	started := time.Now()
	d := drip.SendingDomain{WarmupStartedAt: &started, ProductionLimit: 500}

	prev := 0
	for day := 0; day < 20; day++ {
		at := started.Add(time.Duration(day) * 24 * time.Hour)
		limit := ramp.DailyLimitFor(d, at)

		assert.GreaterOrEqual(t, limit, 10, "day %d below floor", day)
		assert.LessOrEqual(t, limit, 500, "day %d above ceiling", day)
		assert.GreaterOrEqual(t, limit, prev, "ramp must be monotone, day %d", day)
		prev = limit
	}

	assert.Equal(t, 10, ramp.DailyLimitFor(d, started))
	assert.Equal(t, 500, ramp.DailyLimitFor(d, started.Add(14*24*time.Hour)))
}

func TestRecomputeFinishesRamp(t *testing.T) {
	ramp, db := setup(t)

	d := warmingDomain(db, t, 15, 2)

	require.NoError(t, ramp.Recompute(context.Background(), time.Now()))

	got, err := db.GetDomain(d.ID)
	require.NoError(t, err)
	assert.True(t, got.WarmupDone)
	assert.Equal(t, 500, got.DailyLimit)
	assert.Equal(t, 0, got.WarmupBounces)
	assert.True(t, got.ProductionEligible())
}

func TestRecomputeRestartsOnBounces(t *testing.T) {
	ramp, db := setup(t)

	d := warmingDomain(db, t, 10, 6)

	now := time.Now()
	require.NoError(t, ramp.Recompute(context.Background(), now))

	got, err := db.GetDomain(d.ID)
	require.NoError(t, err)
	assert.False(t, got.WarmupDone)
	assert.Equal(t, 0, got.WarmupBounces)
	assert.Equal(t, 10, got.DailyLimit, "restart goes back to the day one volume")
	require.NotNil(t, got.WarmupStartedAt)
	assert.WithinDuration(t, now, *got.WarmupStartedAt, time.Second)
}

func TestRecomputeRefreshesLimit(t *testing.T) {
	ramp, db := setup(t)

	d := warmingDomain(db, t, 7, 0)

	require.NoError(t, ramp.Recompute(context.Background(), time.Now()))

	got, err := db.GetDomain(d.ID)
	require.NoError(t, err)
	assert.False(t, got.WarmupDone)
	assert.Greater(t, got.DailyLimit, 10, "a week in the limit must have ramped up")
	assert.Less(t, got.DailyLimit, 500)
}

func TestRecordBounceDemotesProductionDomain(t *testing.T) {
	ramp, db := setup(t)

	started := time.Now().In(time.UTC).Add(-30 * 24 * time.Hour)
	d := drip.SendingDomain{
		ID:              xid.New().String(),
		Domain:          "prod.example.com",
		DNSVerified:     true,
		WarmupStartedAt: &started,
		WarmupDone:      true,
		WarmupBounces:   5,
		IsActive:        true,
		DailyLimit:      500,
		ProductionLimit: 500,
	}
	require.NoError(t, db.AddDomain(d))

	// the sixth bounce crosses the threshold
	require.NoError(t, ramp.RecordBounce(context.Background(), d.ID, time.Now()))

	got, err := db.GetDomain(d.ID)
	require.NoError(t, err)
	assert.False(t, got.WarmupDone, "a production domain over the threshold is demoted")
	assert.Equal(t, 10, got.DailyLimit)
	assert.False(t, got.ProductionEligible())
}

func TestForceActivate(t *testing.T) {
	ramp, db := setup(t)

	d := warmingDomain(db, t, 2, 0)

	ok, err := ramp.ForceActivate(context.Background(), d.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := db.GetDomain(d.ID)
	require.NoError(t, err)
	assert.True(t, got.WarmupDone)
	assert.Equal(t, 500, got.DailyLimit)

	ok, err = ramp.ForceActivate(context.Background(), d.ID)
	require.NoError(t, err)
	assert.False(t, ok, "already done")

	// the override never bypasses reputation protection
	for i := 0; i < 6; i++ {
		require.NoError(t, ramp.RecordBounce(context.Background(), d.ID, time.Now()))
	}
	got, err = db.GetDomain(d.ID)
	require.NoError(t, err)
	assert.False(t, got.WarmupDone, "force activated domain still demotes on bounces")
}
