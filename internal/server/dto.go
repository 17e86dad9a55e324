package server

import (
	"encoding/json"

	"specline/internal/domain"
	"specline/internal/engine"
)

type SpecResponse struct {
	ID         string   `json:"id" example:"billing@v3"`
	ProjectID  string   `json:"project_id" example:"billing"`
	Version    int      `json:"version" example:"3"`
	Status     string   `json:"status" enum:"pending,approved,rejected"`
	Title      string   `json:"title"`
	Content    string   `json:"content"`
	SizeBytes  int64    `json:"size_bytes"`
	CreatedAt  string   `json:"created_at" format:"date-time"`
	Advisories []string `json:"advisories,omitempty"`
}

type IssueResponse struct {
	SpecID     string `json:"spec_id"`
	ProjectID  string `json:"project_id"`
	Version    int    `json:"version"`
	ExternalID string `json:"external_id" example:"128"`
	URL        string `json:"url" format:"uri"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

type SpecDetailResponse struct {
	Spec  SpecResponse   `json:"spec"`
	Issue *IssueResponse `json:"issue,omitempty"`
}

type ApproveResponse struct {
	Spec  SpecResponse  `json:"spec"`
	Issue IssueResponse `json:"issue"`
}

type BadgeResponse struct {
	ProjectID string `json:"project_id"`
	SpecID    string `json:"spec_id"`
	Title     string `json:"title"`
	Version   int    `json:"version"`
	SizeBytes int64  `json:"size_bytes"`
	Oversized bool   `json:"oversized"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type specList struct {
	Items []SpecResponse `json:"items"`
}

type projectList struct {
	Items []string `json:"items"`
}

type IngestRequest struct {
	Title   string `json:"title,omitempty" doc:"Defaults to the first level-one heading of the content"`
	Content string `json:"content" doc:"Markdown body, stored byte-for-byte"`
}

type RejectRequest struct {
	Confirm bool   `json:"confirm" doc:"Must be true; rejection deletes the draft permanently"`
	Reason  string `json:"reason,omitempty"`
}

// Conversion helpers

func specResponse(s domain.Spec) SpecResponse {
	return SpecResponse{
		ID:         s.ID,
		ProjectID:  s.ProjectID,
		Version:    s.Version,
		Status:     string(s.Status),
		Title:      s.Title,
		Content:    s.Content,
		SizeBytes:  s.SizeBytes,
		CreatedAt:  s.CreatedAt,
		Advisories: s.Advisories,
	}
}

func issueResponse(r domain.IssueRecord) IssueResponse {
	return IssueResponse(r)
}

func badgeResponse(b domain.Badge) BadgeResponse {
	return BadgeResponse(b)
}

func specDetailResponse(v engine.SpecView) SpecDetailResponse {
	res := SpecDetailResponse{Spec: specResponse(v.Spec)}
	if v.Issue != nil {
		issue := issueResponse(*v.Issue)
		res.Issue = &issue
	}
	return res
}

func mapSpecs(items []domain.Spec) []SpecResponse {
	res := make([]SpecResponse, 0, len(items))
	for _, s := range items {
		res = append(res, specResponse(s))
	}
	return res
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ProjectID:  e.ProjectID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	out := map[string]any{}
	if raw == "" {
		return out
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]any{"raw": raw}
	}
	return out
}
