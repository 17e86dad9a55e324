// Package lifecycle owns the legal status transitions of a spec and commits
// them to storage together with their audit events.
package lifecycle

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"specline/internal/domain"
	"specline/internal/events"
	"specline/internal/repo"
	"specline/internal/specstore"
)

// Transition returns the status reached by applying action to a spec in from.
func Transition(from domain.Status, action domain.Action) (domain.Status, error) {
	switch from {
	case domain.StatusPending:
		switch action {
		case domain.ActionApprove:
			return domain.StatusApproved, nil
		case domain.ActionReject:
			return domain.StatusRejected, nil
		}
		return "", &domain.ValidationError{Field: "action", Msg: fmt.Sprintf("unknown action %q", action)}
	case domain.StatusApproved, domain.StatusRejected:
		return "", &domain.TransitionError{From: from, Action: action}
	default:
		return "", &domain.ValidationError{Field: "status", Msg: fmt.Sprintf("unknown status %q", from)}
	}
}

// Ensure checks that action is legal for spec, filling in the spec id on the
// returned error.
func Ensure(spec domain.Spec, action domain.Action) error {
	_, err := Transition(spec.Status, action)
	var te *domain.TransitionError
	if errors.As(err, &te) {
		te.SpecID = spec.ID
	}
	return err
}

type Machine struct {
	Store  *specstore.Store
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Now    func() time.Time
	Logger *slog.Logger
}

func (m Machine) now() time.Time {
	if m.Now == nil {
		return time.Now()
	}
	return m.Now()
}

func (m Machine) logger() *slog.Logger {
	if m.Logger == nil {
		return slog.Default()
	}
	return m.Logger
}

// Current resolves the live status of specID. Allocated versions that no
// longer exist in storage were rejected or superseded and report
// StatusRejected.
func (m Machine) Current(ctx context.Context, specID string) (domain.Status, error) {
	spec, err := m.Store.Get(ctx, specID)
	if err == nil {
		return spec.Status, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return "", err
	}
	tomb, err := m.Store.Tombstoned(ctx, specID)
	if err != nil {
		return "", err
	}
	if tomb {
		return domain.StatusRejected, nil
	}
	return "", domain.ErrNotFound
}

// Load returns the stored spec, or a TransitionError for tombstoned ids so
// callers can tell "gone" from "never existed".
func (m Machine) Load(ctx context.Context, specID string, action domain.Action) (domain.Spec, error) {
	spec, err := m.Store.Get(ctx, specID)
	if err == nil {
		return spec, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.Spec{}, err
	}
	status, cerr := m.Current(ctx, specID)
	if cerr != nil {
		return domain.Spec{}, cerr
	}
	return domain.Spec{}, &domain.TransitionError{SpecID: specID, From: status, Action: action}
}

// IssueFor returns the issue record of a spec, or nil when none was persisted.
func (m Machine) IssueFor(ctx context.Context, specID string) (*domain.IssueRecord, error) {
	rec, err := m.Repo.GetIssueRecord(ctx, specID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, &domain.StorageError{Op: "read issue record", Path: specID, Err: err}
	}
	return &rec, nil
}

// PersistIssue stores the receipt of a successful publish. It must succeed
// before CommitApproved runs.
func (m Machine) PersistIssue(ctx context.Context, rec domain.IssueRecord) error {
	if rec.CreatedAt == "" {
		rec.CreatedAt = m.now().UTC().Format(time.RFC3339)
	}
	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return &domain.StorageError{Op: "begin", Err: err}
	}
	defer tx.Rollback()
	if err := m.Repo.InsertIssueRecordTx(ctx, tx, rec); err != nil {
		return &domain.StorageError{Op: "insert issue record", Path: rec.SpecID, Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &domain.StorageError{Op: "commit issue record", Path: rec.SpecID, Err: err}
	}
	return nil
}

// CommitApproved finalizes a published spec into approved history.
func (m Machine) CommitApproved(ctx context.Context, spec domain.Spec, rec domain.IssueRecord) (domain.Spec, error) {
	if err := Ensure(spec, domain.ActionApprove); err != nil {
		return domain.Spec{}, err
	}
	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Spec{}, &domain.StorageError{Op: "begin", Err: err}
	}
	defer tx.Rollback()
	if err := m.Events.Append(ctx, tx, events.SpecApproved, spec.ProjectID, events.EntitySpec, spec.ID, events.ActorFrom(ctx), events.EventPayload{
		"version":     spec.Version,
		"title":       spec.Title,
		"external_id": rec.ExternalID,
		"url":         rec.URL,
	}); err != nil {
		return domain.Spec{}, &domain.StorageError{Op: "append event", Path: spec.ID, Err: err}
	}
	approved, err := m.Store.FinalizeApproved(ctx, spec.ID)
	if err != nil {
		return domain.Spec{}, err
	}
	if err := tx.Commit(); err != nil {
		// Storage already moved; only the audit row is lost.
		m.logger().Error("commit approved event", "spec_id", spec.ID, "error", err)
	}
	return approved, nil
}

// CommitRejected deletes a pending spec. Its version stays allocated.
func (m Machine) CommitRejected(ctx context.Context, spec domain.Spec, reason string) error {
	if err := Ensure(spec, domain.ActionReject); err != nil {
		return err
	}
	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return &domain.StorageError{Op: "begin", Err: err}
	}
	defer tx.Rollback()
	payload := events.EventPayload{"version": spec.Version, "title": spec.Title}
	if reason != "" {
		payload["reason"] = reason
	}
	if err := m.Events.Append(ctx, tx, events.SpecRejected, spec.ProjectID, events.EntitySpec, spec.ID, events.ActorFrom(ctx), payload); err != nil {
		return &domain.StorageError{Op: "append event", Path: spec.ID, Err: err}
	}
	if err := m.Store.Delete(ctx, spec.ID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		m.logger().Error("commit rejected event", "spec_id", spec.ID, "error", err)
	}
	return nil
}

// RecordPublishFailure notes a failed publish in the audit log. Failures to
// record are logged, not returned.
func (m Machine) RecordPublishFailure(ctx context.Context, spec domain.Spec, cause error) {
	payload := events.EventPayload{"version": spec.Version, "error": cause.Error()}
	var ext *domain.ExternalServiceError
	if errors.As(cause, &ext) {
		payload["service"] = ext.Service
		payload["kind"] = ext.Kind
		if ext.StatusCode != 0 {
			payload["status_code"] = ext.StatusCode
		}
	}
	if err := m.Events.AppendNow(ctx, events.SpecPublishFailed, spec.ProjectID, events.EntitySpec, spec.ID, events.ActorFrom(ctx), payload); err != nil {
		m.logger().Warn("record publish failure", "spec_id", spec.ID, "error", err)
	}
}
