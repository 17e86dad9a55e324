package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"specline/internal/domain"
)

var testSpec = domain.Spec{
	ID:        "billing@v3",
	ProjectID: "billing",
	Version:   3,
	Status:    domain.StatusPending,
	Title:     "Invoice export",
	Content:   "# Invoice export\n\nExport invoices as CSV.\n",
}

func TestGitHubPublishCreatesIssue(t *testing.T) {
	var got Issue
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/repos/acme/app/issues", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "application/vnd.github+json", r.Header.Get("Accept"))
		assert.Equal(t, IdempotencyKey(testSpec.ID), r.Header.Get("Idempotency-Key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"number": 128, "html_url": "https://github.com/acme/app/issues/128"}`))
	}))
	defer server.Close()

	gh := NewGitHub("tok", "acme", "app", Options{TitlePrefix: "[spec] "})
	gh.BaseURL = server.URL
	rec, err := gh.Publish(context.Background(), testSpec)
	require.NoError(t, err)

	assert.Equal(t, "[spec] Invoice export", got.Title)
	assert.Equal(t, testSpec.Content, got.Body)
	assert.Equal(t, []string{DefaultLabel}, got.Labels)
	assert.Equal(t, "128", rec.ExternalID)
	assert.Equal(t, "https://github.com/acme/app/issues/128", rec.URL)
	assert.Equal(t, testSpec.ID, rec.SpecID)
	assert.Equal(t, 3, rec.Version)
}

func TestGitHubPublishClassifiesFailures(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		kind   string
	}{
		{"unauthorized", http.StatusUnauthorized, `{"message":"Bad credentials"}`, domain.ExternalAuth},
		{"forbidden", http.StatusForbidden, `{"message":"Resource not accessible"}`, domain.ExternalAuth},
		{"unprocessable", http.StatusUnprocessableEntity, `{"message":"Validation Failed"}`, domain.ExternalStatus},
		{"garbage", http.StatusCreated, `not json`, domain.ExternalDecode},
		{"no number", http.StatusCreated, `{}`, domain.ExternalDecode},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer server.Close()
			gh := NewGitHub("tok", "acme", "app", Options{})
			gh.BaseURL = server.URL

			_, err := gh.Publish(context.Background(), testSpec)
			require.ErrorIs(t, err, domain.ErrExternalService)
			var ext *domain.ExternalServiceError
			require.True(t, errors.As(err, &ext))
			assert.Equal(t, tc.kind, ext.Kind)
			assert.Equal(t, "github", ext.Service)
		})
	}
}

func TestGitHubPublishTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	gh := NewGitHub("tok", "acme", "app", Options{})
	gh.BaseURL = server.URL
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := gh.Publish(ctx, testSpec)
	var ext *domain.ExternalServiceError
	require.True(t, errors.As(err, &ext), "got %v", err)
	assert.Equal(t, domain.ExternalTimeout, ext.Kind)
}

func TestGitHubPublishUnreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	gh := NewGitHub("tok", "acme", "app", Options{})
	gh.BaseURL = url
	_, err := gh.Publish(context.Background(), testSpec)
	var ext *domain.ExternalServiceError
	require.True(t, errors.As(err, &ext))
	assert.Equal(t, domain.ExternalNetwork, ext.Kind)
}

func TestHTTPPublishSendsExactBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var raw map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&raw))
		assert.Len(t, raw, 3)
		assert.Equal(t, "Invoice export", raw["title"])
		assert.Equal(t, []any{"feature"}, raw["labels"])
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"external_id": 991, "url": "https://tracker.test/991"}`))
	}))
	defer server.Close()

	h := &HTTP{URL: server.URL, Token: "secret", Options: Options{Label: "feature"}}
	rec, err := h.Publish(context.Background(), testSpec)
	require.NoError(t, err)
	assert.Equal(t, "991", rec.ExternalID)
	assert.Equal(t, "https://tracker.test/991", rec.URL)
}

func TestHTTPPublishRequiresExternalID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"url": "https://tracker.test/x"}`))
	}))
	defer server.Close()

	_, err := (&HTTP{URL: server.URL}).Publish(context.Background(), testSpec)
	var ext *domain.ExternalServiceError
	require.True(t, errors.As(err, &ext))
	assert.Equal(t, domain.ExternalDecode, ext.Kind)
}

func TestMisconfiguredPublishersFailAsExternal(t *testing.T) {
	for name, pub := range map[string]Publisher{
		"github": NewGitHub("tok", "", "app", Options{}),
		"http":   &HTTP{},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := pub.Publish(context.Background(), testSpec)
			var ext *domain.ExternalServiceError
			require.True(t, errors.As(err, &ext), "got %v", err)
			assert.Equal(t, domain.ExternalConfig, ext.Kind)
			assert.Equal(t, name, ext.Service)
			assert.NotErrorIs(t, err, domain.ErrValidation)
		})
	}
}

func TestIdempotencyKeyIsStable(t *testing.T) {
	assert.Equal(t, IdempotencyKey("p@v1"), IdempotencyKey("p@v1"))
	assert.NotEqual(t, IdempotencyKey("p@v1"), IdempotencyKey("p@v2"))
}

func TestLocalPublisher(t *testing.T) {
	rec, err := Local{}.Publish(context.Background(), testSpec)
	require.NoError(t, err)
	assert.Equal(t, testSpec.ID, rec.SpecID)
	assert.Contains(t, rec.ExternalID, "local-")
}
