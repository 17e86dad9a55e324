package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// Terminal reports whether no further transitions are legal from s.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusRejected
}

type Action string

const (
	ActionApprove Action = "approve"
	ActionReject  Action = "reject"

	// ActionSupersede marks a lock held by draft ingest while it replaces a
	// pending spec. It is not a lifecycle transition.
	ActionSupersede Action = "supersede"
)

// Spec is one version of a project's specification lineage.
type Spec struct {
	ID         string   `json:"id"`
	ProjectID  string   `json:"project_id"`
	Version    int      `json:"version"`
	Status     Status   `json:"status" enum:"pending,approved,rejected"`
	Title      string   `json:"title"`
	Content    string   `json:"content"`
	SizeBytes  int64    `json:"size_bytes"`
	CreatedAt  string   `json:"created_at" format:"date-time"`
	Advisories []string `json:"advisories,omitempty"`
}

// IssueRecord is the local receipt of a published work order.
type IssueRecord struct {
	SpecID     string `json:"spec_id"`
	ProjectID  string `json:"project_id"`
	Version    int    `json:"version"`
	ExternalID string `json:"external_id"`
	URL        string `json:"url"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

// Badge summarizes the pending spec of a project for presentation.
type Badge struct {
	ProjectID string `json:"project_id"`
	SpecID    string `json:"spec_id"`
	Title     string `json:"title"`
	Version   int    `json:"version"`
	SizeBytes int64  `json:"size_bytes"`
	Oversized bool   `json:"oversized"`
}

// ApprovalAttempt exists only while an approve or reject call is in flight.
type ApprovalAttempt struct {
	ID        string
	SpecID    string
	Action    Action
	StartedAt time.Time
	Outcome   string
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

const specIDVersionSep = "@v"

// FormatSpecID builds the stable identity of a spec version, e.g. "billing@v3".
func FormatSpecID(projectID string, version int) string {
	return projectID + specIDVersionSep + strconv.Itoa(version)
}

// ParseSpecID splits a spec id into its project and version.
func ParseSpecID(id string) (string, int, error) {
	idx := strings.LastIndex(id, specIDVersionSep)
	if idx <= 0 {
		return "", 0, &ValidationError{Field: "spec_id", Msg: fmt.Sprintf("malformed spec id %q", id)}
	}
	v, err := strconv.Atoi(id[idx+len(specIDVersionSep):])
	if err != nil || v < 1 {
		return "", 0, &ValidationError{Field: "spec_id", Msg: fmt.Sprintf("malformed spec version in %q", id)}
	}
	return id[:idx], v, nil
}
