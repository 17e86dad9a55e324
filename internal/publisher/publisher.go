// Package publisher turns an approved spec into an external work order.
// Publishers never retry on their own: a failed publish leaves the spec
// pending and the caller decides whether to try again.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"specline/internal/domain"
)

const (
	DefaultLabel   = "ai-feature"
	DefaultTimeout = 30 * time.Second

	maxErrorBody = 4096
)

// Publisher creates the external issue for a spec.
type Publisher interface {
	Publish(ctx context.Context, spec domain.Spec) (domain.IssueRecord, error)
}

// Func adapts a function to Publisher.
type Func func(ctx context.Context, spec domain.Spec) (domain.IssueRecord, error)

func (f Func) Publish(ctx context.Context, spec domain.Spec) (domain.IssueRecord, error) {
	return f(ctx, spec)
}

// Issue is the body sent to the issue tracker.
type Issue struct {
	Title  string   `json:"title"`
	Body   string   `json:"body"`
	Labels []string `json:"labels"`
}

// Options shape the issue built from a spec.
type Options struct {
	Label       string
	TitlePrefix string
}

func (o Options) issue(spec domain.Spec) Issue {
	label := o.Label
	if label == "" {
		label = DefaultLabel
	}
	return Issue{
		Title:  o.TitlePrefix + spec.Title,
		Body:   spec.Content,
		Labels: []string{label},
	}
}

var idempotencyNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("specline:publish"))

// IdempotencyKey is stable for a spec id so receivers that honour the header
// can collapse duplicate deliveries.
func IdempotencyKey(specID string) string {
	return uuid.NewSHA1(idempotencyNamespace, []byte(specID)).String()
}

func record(spec domain.Spec, externalID, url string) domain.IssueRecord {
	return domain.IssueRecord{
		SpecID:     spec.ID,
		ProjectID:  spec.ProjectID,
		Version:    spec.Version,
		ExternalID: externalID,
		URL:        url,
	}
}

// transportError classifies a failed round trip.
func transportError(service string, err error) error {
	kind := domain.ExternalNetwork
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		kind = domain.ExternalTimeout
	}
	return &domain.ExternalServiceError{Service: service, Kind: kind, Err: err}
}

// statusError classifies a non-2xx response.
func statusError(service string, res *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
	kind := domain.ExternalStatus
	if res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden {
		kind = domain.ExternalAuth
	}
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = http.StatusText(res.StatusCode)
	}
	return &domain.ExternalServiceError{Service: service, Kind: kind, StatusCode: res.StatusCode, Err: errors.New(msg)}
}

func decodeError(service string, err error) error {
	return &domain.ExternalServiceError{Service: service, Kind: domain.ExternalDecode, Err: err}
}

// Local records approvals without contacting any tracker. The external id is
// derived from the spec id.
type Local struct{}

func (Local) Publish(ctx context.Context, spec domain.Spec) (domain.IssueRecord, error) {
	if err := ctx.Err(); err != nil {
		return domain.IssueRecord{}, transportError("local", err)
	}
	return record(spec, fmt.Sprintf("local-%s", IdempotencyKey(spec.ID)[:8]), ""), nil
}
