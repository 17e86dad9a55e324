package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"specline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = domain.ErrNotFound

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

const issueRecordColumns = `spec_id,project_id,version,external_id,url,created_at`

func scanIssueRecord(row interface{ Scan(...any) error }) (domain.IssueRecord, error) {
	var rec domain.IssueRecord
	err := row.Scan(&rec.SpecID, &rec.ProjectID, &rec.Version, &rec.ExternalID, &rec.URL, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, ErrNotFound
	}
	return rec, err
}

// InsertIssueRecordTx stores the receipt of a published spec. A second insert
// for the same spec fails on the primary key.
func (r Repo) InsertIssueRecordTx(ctx context.Context, tx *sql.Tx, rec domain.IssueRecord) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO issue_records(`+issueRecordColumns+`) VALUES (?,?,?,?,?,?)`,
		rec.SpecID, rec.ProjectID, rec.Version, rec.ExternalID, rec.URL, rec.CreatedAt)
	return err
}

func (r Repo) GetIssueRecord(ctx context.Context, specID string) (domain.IssueRecord, error) {
	return scanIssueRecord(r.DB.QueryRowContext(ctx, `SELECT `+issueRecordColumns+` FROM issue_records WHERE spec_id=?`, specID))
}

// ListIssueRecords returns records ordered by version; all projects when
// projectID is empty.
func (r Repo) ListIssueRecords(ctx context.Context, projectID string) ([]domain.IssueRecord, error) {
	query := `SELECT ` + issueRecordColumns + ` FROM issue_records`
	var args []any
	if projectID != "" {
		query += ` WHERE project_id=?`
		args = append(args, projectID)
	}
	query += ` ORDER BY project_id, version`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.IssueRecord
	for rows.Next() {
		rec, err := scanIssueRecord(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

func scanEvents(rows *sql.Rows) ([]domain.Event, error) {
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var projectID, entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &projectID, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		e.ProjectID = projectID.String
		e.EntityID = entityID.String
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) LatestEvents(ctx context.Context, limit int, projectID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, projectID, evtType, entityKind, entityID)
}

// LatestEventsFrom pages backwards through the audit log, newest first,
// starting strictly below cursor when cursor > 0.
func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, projectID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	clauses := []string{"1=1"}
	var args []any
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,project_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// EventsAfter pages forwards through the audit log, oldest first. An empty
// projectID spans all projects.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, projectID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,project_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// LatestEventID returns the most recent event ID, optionally scoped to a project.
func (r Repo) LatestEventID(ctx context.Context, projectID string) (int64, error) {
	query := `SELECT COALESCE(MAX(id),0) FROM events`
	var args []any
	if projectID != "" {
		query += ` WHERE project_id=?`
		args = append(args, projectID)
	}
	var id int64
	err := r.DB.QueryRowContext(ctx, query, args...).Scan(&id)
	return id, err
}
