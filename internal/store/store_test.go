package store

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

func setup(t *testing.T) (*Store, dao.DAO) {
	t.Helper()
	db, err := dao.NewSQLite(filepath.Join(t.TempDir(), "store_test.sqlite"))
	require.NoError(t, err)
	lc := tools.LoggerCloner(logrus.New())
	return New(db, lc), db
}

func addLead(db dao.DAO, t *testing.T, status drip.Status) drip.Lead {
	t.Helper()
	now := time.Now().In(time.UTC)
	l := drip.Lead{
		ID:        xid.New().String(),
		Email:     "lead@example.com",
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, db.AddLead(l))
	return l
}

func TestTransition(t *testing.T) {
	st, db := setup(t)
	ctx := context.Background()

	lead := addLead(db, t, drip.StatusNew)

	ok, err := st.Transition(ctx, lead.ID, drip.StatusScoring)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := db.GetLead(lead.ID)
	require.NoError(t, err)
	assert.Equal(t, drip.StatusScoring, got.Status)

	// edge missing from the transition table is an error
	_, err = st.Transition(ctx, lead.ID, drip.StatusConverted)
	assert.ErrorIs(t, err, ErrIllegalTransition)
}

func TestTransitionTerminalAbsorbs(t *testing.T) {
	st, db := setup(t)
	ctx := context.Background()

	lead := addLead(db, t, drip.StatusUnsubscribed)

	// terminal leads absorb everything silently, even illegal edges
	ok, err := st.Transition(ctx, lead.ID, drip.StatusReplied)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := db.GetLead(lead.ID)
	require.NoError(t, err)
	assert.Equal(t, drip.StatusUnsubscribed, got.Status)
}

func TestBeginSequence(t *testing.T) {
	st, db := setup(t)
	ctx := context.Background()

	lead := addLead(db, t, drip.StatusQualified)

	ok, err := st.BeginSequence(ctx, lead.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	// already in sequence reports true without a write
	ok, err = st.BeginSequence(ctx, lead.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	// anything else reports false
	other := addLead(db, t, drip.StatusNew)
	ok, err = st.BeginSequence(ctx, other.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestApplyWebhook(t *testing.T) {
	st, db := setup(t)
	ctx := context.Background()

	lead := addLead(db, t, drip.StatusInSequence)

	applied, err := st.ApplyWebhook(ctx, drip.WebhookEvent{
		EventID: "evt-1", Kind: drip.WebhookReply, LeadID: lead.ID,
	})
	require.NoError(t, err)
	assert.True(t, applied)

	got, err := db.GetLead(lead.ID)
	require.NoError(t, err)
	assert.Equal(t, drip.StatusReplied, got.Status)

	// redelivery of the same event id is a no-op
	applied, err = st.ApplyWebhook(ctx, drip.WebhookEvent{
		EventID: "evt-1", Kind: drip.WebhookReply, LeadID: lead.ID,
	})
	require.NoError(t, err)
	assert.False(t, applied)

	got, err = db.GetLead(lead.ID)
	require.NoError(t, err)
	assert.Equal(t, drip.StatusReplied, got.Status)
}

func TestApplyWebhookTerminalLead(t *testing.T) {
	st, db := setup(t)
	ctx := context.Background()

	lead := addLead(db, t, drip.StatusConverted)

	// a bounce after conversion must not resurrect or move the lead
	applied, err := st.ApplyWebhook(ctx, drip.WebhookEvent{
		EventID: "evt-2", Kind: drip.WebhookBounce, LeadID: lead.ID,
	})
	require.NoError(t, err)
	assert.False(t, applied)

	got, err := db.GetLead(lead.ID)
	require.NoError(t, err)
	assert.Equal(t, drip.StatusConverted, got.Status)
}

func TestApplyWebhookStaleEdge(t *testing.T) {
	st, db := setup(t)
	ctx := context.Background()

	// a reply webhook for a lead still in scoring does not apply
	lead := addLead(db, t, drip.StatusScoring)

	applied, err := st.ApplyWebhook(ctx, drip.WebhookEvent{
		EventID: "evt-3", Kind: drip.WebhookReply, LeadID: lead.ID,
	})
	require.NoError(t, err)
	assert.False(t, applied)

	got, err := db.GetLead(lead.ID)
	require.NoError(t, err)
	assert.Equal(t, drip.StatusScoring, got.Status)
}

func TestApplyWebhookUnknownKind(t *testing.T) {
	st, _ := setup(t)

	_, err := st.ApplyWebhook(context.Background(), drip.WebhookEvent{
		EventID: "evt-4", Kind: "opened", LeadID: "l1",
	})
	assert.Error(t, err)
}

func TestApplyWebhookUnsubscribe(t *testing.T) {
	st, db := setup(t)
	ctx := context.Background()

	lead := addLead(db, t, drip.StatusInSequence)

	applied, err := st.ApplyWebhook(ctx, drip.WebhookEvent{
		EventID: "evt-5", Kind: drip.WebhookUnsubscribe, LeadID: lead.ID,
	})
	require.NoError(t, err)
	assert.True(t, applied)

	got, err := db.GetLead(lead.ID)
	require.NoError(t, err)
	assert.Equal(t, drip.StatusUnsubscribed, got.Status)
	assert.True(t, got.Status.Terminal())
}
