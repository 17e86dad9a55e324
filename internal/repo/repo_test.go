package repo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"specline/internal/db"
	"specline/internal/domain"
	"specline/internal/events"
	"specline/internal/migrate"
)

func newTestRepo(t *testing.T) (Repo, events.Writer) {
	t.Helper()
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(ctx, conn))
	now := func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	return Repo{DB: conn}, events.Writer{DB: conn, Now: now}
}

func TestIssueRecordLifecycle(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRepo(t)

	_, err := r.GetIssueRecord(ctx, "p@v1")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	rec := domain.IssueRecord{SpecID: "p@v1", ProjectID: "p", Version: 1, ExternalID: "42", URL: "https://example.test/42", CreatedAt: "2025-01-01T00:00:00Z"}
	tx, err := r.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, r.InsertIssueRecordTx(ctx, tx, rec))
	require.NoError(t, tx.Commit())

	got, err := r.GetIssueRecord(ctx, "p@v1")
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	tx, err = r.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	assert.Error(t, r.InsertIssueRecordTx(ctx, tx, rec))
	require.NoError(t, tx.Rollback())

	list, err := r.ListIssueRecords(ctx, "p")
	require.NoError(t, err)
	assert.Len(t, list, 1)
	list, err = r.ListIssueRecords(ctx, "other")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestEventPaging(t *testing.T) {
	ctx := context.Background()
	r, w := newTestRepo(t)
	for _, typ := range []string{events.SpecIngested, events.SpecSuperseded, events.SpecApproved} {
		require.NoError(t, w.AppendNow(ctx, typ, "p", events.EntitySpec, "p@v1", "tester", events.EventPayload{"k": typ}))
	}
	require.NoError(t, w.AppendNow(ctx, events.SpecIngested, "q", events.EntitySpec, "q@v1", "tester", nil))

	latest, err := r.LatestEvents(ctx, 2, "p", "", "", "")
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, events.SpecApproved, latest[0].Type)
	assert.Equal(t, events.SpecSuperseded, latest[1].Type)

	older, err := r.LatestEventsFrom(ctx, 10, latest[1].ID, "p", "", "", "")
	require.NoError(t, err)
	require.Len(t, older, 1)
	assert.Equal(t, events.SpecIngested, older[0].Type)
	assert.JSONEq(t, `{"k":"spec.ingested"}`, older[0].Payload)

	after, err := r.EventsAfter(ctx, 10, older[0].ID, "")
	require.NoError(t, err)
	assert.Len(t, after, 3)

	maxID, err := r.LatestEventID(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, after[len(after)-1].ID, maxID)
	pID, err := r.LatestEventID(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, latest[0].ID, pID)
}

func TestWebhookCursor(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRepo(t)
	key := WebhookKey("https://hooks.test/a", []string{events.SpecApproved})
	assert.NotEqual(t, key, WebhookKey("https://hooks.test/b", []string{events.SpecApproved}))

	_, err := r.GetWebhookCursor(ctx, key)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, r.SetWebhookCursor(ctx, key, 7))
	require.NoError(t, r.SetWebhookCursor(ctx, key, 9))
	got, err := r.GetWebhookCursor(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(9), got)
}
