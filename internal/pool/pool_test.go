package pool

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

func setup(t *testing.T) (*Pool, dao.DAO) {
	t.Helper()
	db, err := dao.NewSQLite(filepath.Join(t.TempDir(), "pool_test.sqlite"))
	require.NoError(t, err)
	lc := tools.LoggerCloner(logrus.New())
	return New(Config{NonDLCFraction: 0.2}, db, lc, nil), db
}

func addDomain(db dao.DAO, t *testing.T, dailyLimit, dailySent int, productionEligible bool) drip.SendingDomain {
	t.Helper()
	started := time.Now().In(time.UTC).Add(-30 * 24 * time.Hour)
	d := drip.SendingDomain{
		ID:              xid.New().String(),
		Domain:          xid.New().String() + ".example.com",
		DNSVerified:     true,
		WarmupStartedAt: &started,
		WarmupDone:      productionEligible,
		IsActive:        true,
		DailyLimit:      dailyLimit,
		ProductionLimit: dailyLimit,
		DailySent:       dailySent,
	}
	require.NoError(t, db.AddDomain(d))
	return d
}

func addPhone(db dao.DAO, t *testing.T, is10DLC bool, dailyLimit, dailySent int) drip.PhoneNumber {
	t.Helper()
	id := xid.New().String()
	p := drip.PhoneNumber{
		ID:         id,
		Number:     "+1555" + id[len(id)-7:],
		Is10DLC:    is10DLC,
		IsActive:   true,
		DailyLimit: dailyLimit,
		DailySent:  dailySent,
	}
	require.NoError(t, db.AddPhone(p))
	return p
}

func TestReserveSMSOnlyMode(t *testing.T) {
	p, db := setup(t)
	ctx := context.Background()

	// a warming domain exists but nothing is production eligible
	addDomain(db, t, 100, 0, false)

	_, err := p.Reserve(ctx, drip.ChannelEmail, 1)
	assert.ErrorIs(t, err, ErrSMSOnly)
}

func TestReserveNoCapacity(t *testing.T) {
	p, db := setup(t)
	ctx := context.Background()

	addDomain(db, t, 10, 10, true)

	_, err := p.Reserve(ctx, drip.ChannelEmail, 1)
	assert.ErrorIs(t, err, ErrNoCapacity)
}

func TestReserveAndCommitDomain(t *testing.T) {
	p, db := setup(t)
	ctx := context.Background()

	d := addDomain(db, t, 10, 9, true)

	rr, err := p.Reserve(ctx, drip.ChannelEmail, 1)
	require.NoError(t, err)
	require.Len(t, rr, 1)
	assert.Equal(t, d.ID, rr[0].ResourceID)
	assert.Equal(t, d.Domain, rr[0].Identity)

	// the last unit is held in process, a second reserve sees no headroom
	_, err = p.Reserve(ctx, drip.ChannelEmail, 1)
	assert.ErrorIs(t, err, ErrNoCapacity)

	require.NoError(t, p.Commit(ctx, rr[0]))

	got, err := db.GetDomain(d.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, got.DailySent)

	// double settle is rejected
	assert.Error(t, p.Commit(ctx, rr[0]))
}

func TestCommitQuotaExhausted(t *testing.T) {
	p, db := setup(t)
	ctx := context.Background()

	d := addDomain(db, t, 10, 9, true)

	rr, err := p.Reserve(ctx, drip.ChannelEmail, 1)
	require.NoError(t, err)

	// a concurrent process consumed the last unit between reserve and commit
	ok, err := db.CommitDomainSend(d.ID)
	require.NoError(t, err)
	require.True(t, ok)

	err = p.Commit(ctx, rr[0])
	assert.ErrorIs(t, err, ErrQuotaExhausted)

	got, err := db.GetDomain(d.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, got.DailySent, "the lost commit must not increment")
}

func TestReleaseReturnsCapacity(t *testing.T) {
	p, db := setup(t)
	ctx := context.Background()

	addDomain(db, t, 10, 9, true)

	rr, err := p.Reserve(ctx, drip.ChannelEmail, 1)
	require.NoError(t, err)

	p.Release(ctx, rr[0])

	rr, err = p.Reserve(ctx, drip.ChannelEmail, 1)
	require.NoError(t, err)
	require.Len(t, rr, 1)
}

func TestReservePhonesPrefers10DLC(t *testing.T) {
	p, db := setup(t)
	ctx := context.Background()

	registered := addPhone(db, t, true, 100, 0)
	addPhone(db, t, false, 100, 0)

	rr, err := p.Reserve(ctx, drip.ChannelSMS, 1)
	require.NoError(t, err)
	require.Len(t, rr, 1)
	assert.Equal(t, registered.ID, rr[0].ResourceID)
}

func TestReserveNon10DLCFractionCap(t *testing.T) {
	p, db := setup(t)
	ctx := context.Background()

	// 100 * 0.2 = 20 effective, 19 used leaves one unit
	ph := addPhone(db, t, false, 100, 19)

	rr, err := p.Reserve(ctx, drip.ChannelSMS, 1)
	require.NoError(t, err)
	require.Len(t, rr, 1)
	assert.Equal(t, ph.ID, rr[0].ResourceID)

	require.NoError(t, p.Commit(ctx, rr[0]))

	// the fraction cap is exhausted even though daily_limit has headroom
	_, err = p.Reserve(ctx, drip.ChannelSMS, 1)
	assert.ErrorIs(t, err, ErrNoCapacity)
}

func TestReserveCountSpansResources(t *testing.T) {
	p, db := setup(t)
	ctx := context.Background()

	addDomain(db, t, 10, 9, true)
	addDomain(db, t, 10, 8, true)

	rr, err := p.Reserve(ctx, drip.ChannelEmail, 3)
	require.NoError(t, err)
	assert.Len(t, rr, 3)
}
