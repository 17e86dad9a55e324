package lifecycle

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"specline/internal/db"
	"specline/internal/domain"
	"specline/internal/events"
	"specline/internal/migrate"
	"specline/internal/repo"
	"specline/internal/specstore"
)

func newTestMachine(t *testing.T) Machine {
	t.Helper()
	ctx := context.Background()
	ws := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: ws})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(ctx, conn))
	now := func() time.Time { return time.Date(2025, 2, 2, 0, 0, 0, 0, time.UTC) }
	store := specstore.New(filepath.Join(ws, "projects"))
	store.Now = now
	return Machine{Store: store, DB: conn, Repo: repo.Repo{DB: conn}, Events: events.Writer{DB: conn, Now: now}, Now: now}
}

func TestTransitionTable(t *testing.T) {
	to, err := Transition(domain.StatusPending, domain.ActionApprove)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, to)

	to, err = Transition(domain.StatusPending, domain.ActionReject)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRejected, to)

	for _, from := range []domain.Status{domain.StatusApproved, domain.StatusRejected} {
		for _, action := range []domain.Action{domain.ActionApprove, domain.ActionReject} {
			_, err := Transition(from, action)
			assert.ErrorIs(t, err, domain.ErrInvalidTransition, "%s/%s", from, action)
		}
	}

	_, err = Transition(domain.StatusPending, domain.Action("publish"))
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestEnsureNamesSpec(t *testing.T) {
	err := Ensure(domain.Spec{ID: "p@v3", Status: domain.StatusApproved}, domain.ActionReject)
	var te *domain.TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "p@v3", te.SpecID)
}

func TestCurrentResolvesTombstones(t *testing.T) {
	ctx := context.Background()
	m := newTestMachine(t)
	spec, err := m.Store.CreatePending(ctx, "p", "T", "body")
	require.NoError(t, err)

	status, err := m.Current(ctx, spec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, status)

	require.NoError(t, m.CommitRejected(ctx, spec, "not now"))
	status, err = m.Current(ctx, spec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRejected, status)

	_, err = m.Current(ctx, "p@v9")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = m.Load(ctx, spec.ID, domain.ActionApprove)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	_, err = m.Load(ctx, "p@v9", domain.ActionApprove)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCommitApprovedWritesEventAndHistory(t *testing.T) {
	ctx := events.WithActor(context.Background(), "reviewer")
	m := newTestMachine(t)
	spec, err := m.Store.CreatePending(ctx, "p", "Feature", "body")
	require.NoError(t, err)

	rec := domain.IssueRecord{SpecID: spec.ID, ProjectID: "p", Version: 1, ExternalID: "7", URL: "https://issues.test/7"}
	require.NoError(t, m.PersistIssue(ctx, rec))
	got, err := m.IssueFor(ctx, spec.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "2025-02-02T00:00:00Z", got.CreatedAt)

	approved, err := m.CommitApproved(ctx, spec, rec)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, approved.Status)

	evts, err := m.Repo.LatestEvents(ctx, 10, "p", events.SpecApproved, "", "")
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, "reviewer", evts[0].ActorID)
	assert.Equal(t, spec.ID, evts[0].EntityID)

	_, err = m.CommitApproved(ctx, approved, rec)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestRecordPublishFailure(t *testing.T) {
	ctx := context.Background()
	m := newTestMachine(t)
	spec := domain.Spec{ID: "p@v1", ProjectID: "p", Version: 1}
	m.RecordPublishFailure(ctx, spec, &domain.ExternalServiceError{Service: "github", Kind: domain.ExternalAuth, StatusCode: 401, Err: errors.New("bad credentials")})

	evts, err := m.Repo.LatestEvents(ctx, 10, "p", events.SpecPublishFailed, "", "")
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, events.SystemActor, evts[0].ActorID)
	assert.Contains(t, evts[0].Payload, `"kind":"auth"`)
}
