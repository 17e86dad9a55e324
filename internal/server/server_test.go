package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"specline/internal/config"
	"specline/internal/db"
	"specline/internal/domain"
	"specline/internal/engine"
	"specline/internal/migrate"
	"specline/internal/publisher"
)

type testServer struct {
	URL     string
	Engine  engine.Engine
	Failing *atomic.Bool
	client  *http.Client
	close   func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, auth AuthConfig) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	failing := &atomic.Bool{}
	pub := publisher.Func(func(ctx context.Context, spec domain.Spec) (domain.IssueRecord, error) {
		if failing.Load() {
			return domain.IssueRecord{}, &domain.ExternalServiceError{Service: "github", Kind: domain.ExternalStatus, StatusCode: 503, Err: errors.New("unavailable")}
		}
		return domain.IssueRecord{ExternalID: "42", URL: "https://issues.test/42"}, nil
	})
	e := engine.New(conn, cfg, cfg.SpecsRoot(workspace), engine.Options{Publisher: pub})
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: auth})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:     "http://" + ln.Addr().String(),
		Engine:  e,
		Failing: failing,
		client:  &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func anonymous() AuthConfig { return AuthConfig{AllowAnonymous: true} }

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func errorCode(t *testing.T, body []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(body))
	}
	return env.Error.Code
}

func ingest(t *testing.T, srv *testServer, project, content string) SpecResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects/"+project+"/specs", map[string]any{
		"content": content,
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("ingest status %d: %s", res.StatusCode, string(data))
	}
	var spec SpecResponse
	if err := json.Unmarshal(data, &spec); err != nil {
		t.Fatalf("unmarshal spec: %v", err)
	}
	return spec
}

func TestIngestApproveFlow(t *testing.T) {
	srv, cleanup := newTestServer(t, anonymous())
	defer cleanup()
	client := srv.Client()

	spec := ingest(t, srv, "billing", "# Invoices\n\nbody\n")
	if spec.ID != "billing@v1" || spec.Title != "Invoices" || spec.Status != "pending" {
		t.Fatalf("unexpected spec: %+v", spec)
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/billing/badge", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("badge status %d: %s", res.StatusCode, string(data))
	}
	var b BadgeResponse
	_ = json.Unmarshal(data, &b)
	if b.SpecID != spec.ID || b.Title != "Invoices" {
		t.Fatalf("unexpected badge: %+v", b)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/specs/"+spec.ID+"/approve", nil, map[string]string{"X-Actor-Id": "reviewer"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve status %d: %s", res.StatusCode, string(data))
	}
	var approved ApproveResponse
	if err := json.Unmarshal(data, &approved); err != nil {
		t.Fatalf("unmarshal approve: %v", err)
	}
	if approved.Spec.Status != "approved" || approved.Issue.ExternalID != "42" {
		t.Fatalf("unexpected approve response: %+v", approved)
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/billing/badge", nil, nil)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("expected empty badge after approve, got %d", res.StatusCode)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/specs/"+spec.ID+"/approve", nil, nil)
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "invalid_transition" {
		t.Fatalf("expected invalid_transition, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/specs/"+spec.ID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get spec status %d: %s", res.StatusCode, string(data))
	}
	var detail SpecDetailResponse
	_ = json.Unmarshal(data, &detail)
	if detail.Issue == nil || detail.Issue.URL != "https://issues.test/42" {
		t.Fatalf("expected issue record, got %+v", detail)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/billing/events?type=spec.approved", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var evts paginatedEvents
	_ = json.Unmarshal(data, &evts)
	if len(evts.Items) != 1 || evts.Items[0].ActorID != "reviewer" {
		t.Fatalf("unexpected events: %+v", evts)
	}
}

func TestRejectRequiresConfirmation(t *testing.T) {
	srv, cleanup := newTestServer(t, anonymous())
	defer cleanup()
	client := srv.Client()
	spec := ingest(t, srv, "billing", "draft")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/specs/"+spec.ID+"/reject", map[string]any{"confirm": false}, nil)
	if res.StatusCode != http.StatusPreconditionRequired || errorCode(t, data) != "confirmation_required" {
		t.Fatalf("expected 428, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/specs/"+spec.ID+"/reject", map[string]any{"confirm": true, "reason": "scope"}, nil)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("reject status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/specs/"+spec.ID, nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 after reject, got %d %s", res.StatusCode, string(data))
	}

	next := ingest(t, srv, "billing", "second attempt")
	if next.Version != 2 {
		t.Fatalf("expected version 2 after reject, got %d", next.Version)
	}
}

func TestPublishFailureKeepsPending(t *testing.T) {
	srv, cleanup := newTestServer(t, anonymous())
	defer cleanup()
	client := srv.Client()
	spec := ingest(t, srv, "billing", "draft")

	srv.Failing.Store(true)
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/specs/"+spec.ID+"/approve", nil, nil)
	if res.StatusCode != http.StatusBadGateway || errorCode(t, data) != "external_service_error" {
		t.Fatalf("expected 502, got %d %s", res.StatusCode, string(data))
	}
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	_ = json.Unmarshal(data, &env)
	if env.Error.Details["service"] != "github" || env.Error.Details["status_code"] != float64(503) {
		t.Fatalf("unexpected details: %+v", env.Error.Details)
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/billing/badge", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected spec still pending, badge status %d", res.StatusCode)
	}

	srv.Failing.Store(false)
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/specs/"+spec.ID+"/approve", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("retry approve status %d: %s", res.StatusCode, string(data))
	}
}

func TestSupersededSpecCannotBeApproved(t *testing.T) {
	srv, cleanup := newTestServer(t, anonymous())
	defer cleanup()
	first := ingest(t, srv, "billing", "one")
	second := ingest(t, srv, "billing", "two")

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/specs/"+first.ID+"/approve", nil, nil)
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "invalid_transition" {
		t.Fatalf("expected invalid_transition, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects/billing/specs", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(data))
	}
	var list specList
	_ = json.Unmarshal(data, &list)
	if len(list.Items) != 1 || list.Items[0].ID != second.ID {
		t.Fatalf("unexpected list: %+v", list)
	}
}

func TestConcurrentApproveConflict(t *testing.T) {
	srv, cleanup := newTestServer(t, anonymous())
	defer cleanup()
	spec := ingest(t, srv, "billing", "draft")

	_, release, err := srv.Engine.Approvals.TryAcquire(spec.ID, domain.ActionApprove)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/specs/"+spec.ID+"/approve", nil, nil)
	release()
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "concurrent_modification" {
		t.Fatalf("expected concurrent_modification, got %d %s", res.StatusCode, string(data))
	}
}

func TestValidationErrors(t *testing.T) {
	srv, cleanup := newTestServer(t, anonymous())
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/billing/specs", map[string]any{"content": "   "}, nil)
	if res.StatusCode != http.StatusUnprocessableEntity || errorCode(t, data) != "validation_failed" {
		t.Fatalf("expected 422 for empty content, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/specs/not-a-spec-id", nil, nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for malformed id, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/specs/billing@v9", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown id, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/billing/events?cursor=abc", nil, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad cursor, got %d %s", res.StatusCode, string(data))
	}
}

func TestRequestBodyLimit(t *testing.T) {
	srv, cleanup := newTestServer(t, anonymous())
	defer cleanup()
	client := srv.Client()

	large := "# Large\n\n" + strings.Repeat("x", 2<<20)
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/billing/specs", map[string]any{"content": large}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201 for a 2 MiB draft, got %d %s", res.StatusCode, string(data))
	}
	var spec SpecResponse
	if err := json.Unmarshal(data, &spec); err != nil {
		t.Fatalf("unmarshal spec: %v", err)
	}
	if len(spec.Advisories) == 0 {
		t.Fatalf("expected an oversize advisory, got %+v", spec.Advisories)
	}

	tooLarge := strings.Repeat("x", maxBodyBytes)
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/billing/specs", map[string]any{"content": tooLarge}, nil)
	if res.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "request_entity_too_large" {
		t.Fatalf("unexpected code %q", code)
	}
}

func TestAuthRequired(t *testing.T) {
	secret := "test-secret"
	srv, cleanup := newTestServer(t, AuthConfig{JWTSecret: secret})
	defer cleanup()
	client := srv.Client()

	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should be public, got %d", res.StatusCode)
	}
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects", nil, map[string]string{"X-Actor-Id": "someone"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects", nil, map[string]string{"Authorization": "Bearer nope"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", res.StatusCode)
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "alice",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	headers := map[string]string{"Authorization": "Bearer " + token}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/billing/specs", map[string]any{"content": "# A\n"}, headers)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("ingest with token: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/billing/events?type=spec.ingested", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events with token: %d %s", res.StatusCode, string(data))
	}
	var evts paginatedEvents
	_ = json.Unmarshal(data, &evts)
	if len(evts.Items) != 1 || evts.Items[0].ActorID != "alice" {
		t.Fatalf("expected event attributed to alice, got %+v", evts.Items)
	}
}

func TestEventsPagination(t *testing.T) {
	srv, cleanup := newTestServer(t, anonymous())
	defer cleanup()
	for i := 0; i < 3; i++ {
		ingest(t, srv, "billing", "draft")
	}
	// 3 ingested + 2 superseded
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects/billing/events?limit=2", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var page paginatedEvents
	_ = json.Unmarshal(data, &page)
	if len(page.Items) != 2 || page.NextCursor == "" {
		t.Fatalf("unexpected first page: %+v", page)
	}
	seen := len(page.Items)
	for page.NextCursor != "" {
		res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects/billing/events?limit=2&cursor="+page.NextCursor, nil, nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("events status %d: %s", res.StatusCode, string(data))
		}
		page = paginatedEvents{}
		_ = json.Unmarshal(data, &page)
		seen += len(page.Items)
	}
	if seen != 5 {
		t.Fatalf("expected 5 events across pages, got %d", seen)
	}
}

func TestBadgeStream(t *testing.T) {
	srv, cleanup := newTestServer(t, anonymous())
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v0/projects/billing/badge/stream", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer res.Body.Close()
	if ct := res.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("unexpected content type %q", ct)
	}
	reader := bufio.NewReader(res.Body)
	nextEvent := func() string {
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				t.Fatalf("read stream: %v", err)
			}
			if strings.HasPrefix(line, "event: ") {
				return strings.TrimSpace(strings.TrimPrefix(line, "event: "))
			}
		}
	}
	if got := nextEvent(); got != "cleared" {
		t.Fatalf("expected initial cleared event, got %q", got)
	}
	ingest(t, srv, "billing", "# Streamed\n")
	if got := nextEvent(); got != "badge" {
		t.Fatalf("expected badge event, got %q", got)
	}
}
