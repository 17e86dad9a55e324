package speclinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Specline HTTP API client.
type Client struct {
	BaseURL     string
	ProjectID   string
	BearerToken string

	// ActorID is sent as X-Actor-Id; servers honor it only in anonymous mode.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   30 * time.Second,
	}
}

// Spec is one version of a project's spec.
type Spec struct {
	ID         string   `json:"id"`
	ProjectID  string   `json:"project_id"`
	Version    int      `json:"version"`
	Status     string   `json:"status"`
	Title      string   `json:"title"`
	Content    string   `json:"content"`
	SizeBytes  int64    `json:"size_bytes"`
	CreatedAt  string   `json:"created_at"`
	Advisories []string `json:"advisories,omitempty"`
}

// Issue is the work order created when a spec was approved.
type Issue struct {
	SpecID     string `json:"spec_id"`
	ProjectID  string `json:"project_id"`
	Version    int    `json:"version"`
	ExternalID string `json:"external_id"`
	URL        string `json:"url"`
	CreatedAt  string `json:"created_at"`
}

// SpecDetail is a spec plus its issue, when approved.
type SpecDetail struct {
	Spec  Spec   `json:"spec"`
	Issue *Issue `json:"issue,omitempty"`
}

// Approval is the result of a successful approve call.
type Approval struct {
	Spec  Spec  `json:"spec"`
	Issue Issue `json:"issue"`
}

// Badge summarizes the pending spec.
type Badge struct {
	ProjectID string `json:"project_id"`
	SpecID    string `json:"spec_id"`
	Title     string `json:"title"`
	Version   int    `json:"version"`
	SizeBytes int64  `json:"size_bytes"`
	Oversized bool   `json:"oversized"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsConcurrentModification reports a refused overlapping approve or reject.
// Waiting and retrying is safe.
func (e *APIError) IsConcurrentModification() bool { return e.Code == "concurrent_modification" }

// IsConfirmationRequired reports a reject sent without confirm=true.
func (e *APIError) IsConfirmationRequired() bool { return e.Code == "confirmation_required" }

// IsExternalService reports that publishing failed; the spec is still pending.
func (e *APIError) IsExternalService() bool { return e.Code == "external_service_error" }

// IsInvalidTransition reports an action on a spec that is no longer pending.
func (e *APIError) IsInvalidTransition() bool { return e.Code == "invalid_transition" }

// Ingest stores content as the project's pending spec. An empty title is
// derived from the first level-one heading.
func (c *Client) Ingest(ctx context.Context, title, content string) (Spec, error) {
	body := map[string]any{
		"content": content,
	}
	if title != "" {
		body["title"] = title
	}
	var resp Spec
	err := c.do(ctx, http.MethodPost, c.projectPath("specs"), body, &resp)
	return resp, err
}

// Badge returns the pending badge, or nil when nothing is pending.
func (c *Client) Badge(ctx context.Context) (*Badge, error) {
	var resp Badge
	status, err := c.doStatus(ctx, http.MethodGet, c.projectPath("badge"), nil, &resp)
	if err != nil || status == http.StatusNoContent {
		return nil, err
	}
	return &resp, nil
}

// ListSpecs returns approved history followed by the pending spec.
func (c *Client) ListSpecs(ctx context.Context) ([]Spec, error) {
	var resp struct {
		Items []Spec `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, c.projectPath("specs"), nil, &resp)
	return resp.Items, err
}

// GetSpec fetches a spec by id.
func (c *Client) GetSpec(ctx context.Context, specID string) (SpecDetail, error) {
	var resp SpecDetail
	err := c.do(ctx, http.MethodGet, c.specPath(specID, ""), nil, &resp)
	return resp, err
}

// Approve publishes the pending spec.
func (c *Client) Approve(ctx context.Context, specID string) (Approval, error) {
	var resp Approval
	err := c.do(ctx, http.MethodPost, c.specPath(specID, "approve"), nil, &resp)
	return resp, err
}

// Reject permanently deletes the pending spec. confirm must be true.
func (c *Client) Reject(ctx context.Context, specID string, confirm bool, reason string) error {
	body := map[string]any{"confirm": confirm}
	if reason != "" {
		body["reason"] = reason
	}
	return c.do(ctx, http.MethodPost, c.specPath(specID, "reject"), body, nil)
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := c.projectPath("events")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	_, err := c.doStatus(ctx, method, endpoint, body, out)
	return err
}

func (c *Client) doStatus(ctx context.Context, method, endpoint string, body any, out any) (int, error) {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return 0, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	if c.ActorID != "" {
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, newAPIError(resp.StatusCode, b)
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return resp.StatusCode, json.NewDecoder(resp.Body).Decode(out)
	}
	return resp.StatusCode, nil
}

func newAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Body: string(body)}
	var env struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &env) == nil {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
		apiErr.Details = env.Error.Details
	}
	return apiErr
}

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	return fmt.Sprintf("v0/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) specPath(specID, action string) string {
	p := fmt.Sprintf("v0/specs/%s", url.PathEscape(specID))
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
