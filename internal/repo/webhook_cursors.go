package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

// WebhookKey derives a stable cursor key for a webhook target so that
// reordering the config does not replay or skip deliveries.
func WebhookKey(url string, events []string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(url) + "\n" + strings.Join(events, ",")))
	return hex.EncodeToString(sum[:])
}

// GetWebhookCursor returns the last delivered event id for a hook.
func (r Repo) GetWebhookCursor(ctx context.Context, key string) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT last_event_id FROM webhook_cursors WHERE hook_key=?`, key).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	return id, err
}

// SetWebhookCursor records delivery progress for a hook.
func (r Repo) SetWebhookCursor(ctx context.Context, key string, eventID int64) error {
	if key == "" {
		return errors.New("hook key required")
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO webhook_cursors(hook_key,last_event_id,updated_at) VALUES (?,?,?)
ON CONFLICT(hook_key) DO UPDATE SET last_event_id=excluded.last_event_id, updated_at=excluded.updated_at`,
		key, eventID, time.Now().UTC().Format(time.RFC3339))
	return err
}
