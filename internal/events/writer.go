package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Lifecycle event types recorded in the audit log.
const (
	SpecIngested      = "spec.ingested"
	SpecSuperseded    = "spec.superseded"
	SpecApproved      = "spec.approved"
	SpecRejected      = "spec.rejected"
	SpecPublishFailed = "spec.publish_failed"
	SpecMigrated      = "spec.migrated"
)

const EntitySpec = "spec"

// Types lists every event type, in lifecycle order.
var Types = []string{SpecIngested, SpecSuperseded, SpecApproved, SpecRejected, SpecPublishFailed, SpecMigrated}

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append records an event inside tx so it commits or rolls back with the
// mutation it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, projectID, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(projectID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

// AppendNow records an event that is not tied to another write.
func (w Writer) AppendNow(ctx context.Context, evtType, projectID, entityKind, entityID, actorID string, payload EventPayload) error {
	tx, err := w.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := w.Append(ctx, tx, evtType, projectID, entityKind, entityID, actorID, payload); err != nil {
		return err
	}
	return tx.Commit()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
