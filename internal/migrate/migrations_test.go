package migrate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"specline/internal/db"
)

func TestMigrateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()

	before, err := Current(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, 0, before)

	require.NoError(t, Migrate(ctx, conn))
	require.NoError(t, Migrate(ctx, conn))

	latest, err := Latest()
	require.NoError(t, err)
	got, err := Current(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, latest, got)

	for _, table := range []string{"issue_records", "events", "webhook_cursors"} {
		var n int
		require.NoError(t, conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&n))
		assert.Equal(t, 1, n, table)
	}
}
