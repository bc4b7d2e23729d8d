package rollup

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

func setup(t *testing.T) (*Rollup, dao.DAO) {
	t.Helper()
	db, err := dao.NewSQLite(filepath.Join(t.TempDir(), "rollup_test.sqlite"))
	require.NoError(t, err)
	lc := tools.LoggerCloner(logrus.New())
	return New(db, lc, time.UTC), db
}

func addLead(db dao.DAO, t *testing.T, status drip.Status, createdAt time.Time) drip.Lead {
	t.Helper()
	l := drip.Lead{
		ID:        xid.New().String(),
		Email:     "lead@example.com",
		Status:    status,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
	require.NoError(t, db.AddLead(l))
	return l
}

func TestRecomputeDay(t *testing.T) {
	r, db := setup(t)
	now := time.Now().In(time.UTC)

	addLead(db, t, drip.StatusNew, now)
	addLead(db, t, drip.StatusQualified, now)
	converted := addLead(db, t, drip.StatusEngaged, now)
	_, err := db.TransitionLead(converted.ID, drip.StatusEngaged, drip.StatusConverted)
	require.NoError(t, err)

	// yesterday's lead does not count towards today
	addLead(db, t, drip.StatusNew, now.Add(-26*time.Hour))

	for i, status := range []drip.MessageStatus{drip.MessageSent, drip.MessageSent, drip.MessageFailed} {
		ok, err := db.ClaimMessage(drip.Message{
			ID:         xid.New().String(),
			LeadID:     xid.New().String(),
			Channel:    drip.ChannelEmail,
			Step:       i + 1,
			ResourceID: "d1",
			Status:     status,
			CreatedAt:  now,
		})
		require.NoError(t, err)
		require.True(t, ok)
	}

	require.NoError(t, r.RecomputeDay(context.Background(), now))

	day := drip.BusinessDay(now, time.UTC)
	m, err := db.GetDailyMetrics(day)
	require.NoError(t, err)

	assert.Equal(t, 3, m.Imported)
	assert.Equal(t, 1, m.Qualified)
	assert.Equal(t, 2, m.Sent, "failed messages do not count as sent")
	assert.Equal(t, 1, m.Converted)
}

func TestRecomputeDayPreservesTracking(t *testing.T) {
	r, db := setup(t)
	now := time.Now().In(time.UTC)
	day := drip.BusinessDay(now, time.UTC)

	// opened and clicked come from the tracking pipeline, not from here
	require.NoError(t, db.UpsertDailyMetrics(drip.DailyMetrics{Day: day, Opened: 12, Clicked: 4}))

	addLead(db, t, drip.StatusNew, now)
	require.NoError(t, r.RecomputeDay(context.Background(), now))

	m, err := db.GetDailyMetrics(day)
	require.NoError(t, err)
	assert.Equal(t, 1, m.Imported)
	assert.Equal(t, 12, m.Opened)
	assert.Equal(t, 4, m.Clicked)
}

func TestRecomputeDayIsRepeatable(t *testing.T) {
	r, db := setup(t)
	now := time.Now().In(time.UTC)

	addLead(db, t, drip.StatusNew, now)

	require.NoError(t, r.RecomputeDay(context.Background(), now))
	require.NoError(t, r.RecomputeDay(context.Background(), now))

	m, err := db.GetDailyMetrics(drip.BusinessDay(now, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 1, m.Imported, "recompute replaces, never accumulates")
}
