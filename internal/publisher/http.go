package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"specline/internal/domain"
)

const httpService = "http"

// HTTP posts the issue body to a generic endpoint that answers with
// {"external_id": "...", "url": "..."}.
type HTTP struct {
	URL        string
	Token      string
	HTTPClient *http.Client
	Options    Options
}

type httpReceipt struct {
	ExternalID json.RawMessage `json:"external_id"`
	URL        string          `json:"url"`
}

func (h *HTTP) Publish(ctx context.Context, spec domain.Spec) (domain.IssueRecord, error) {
	if h.URL == "" {
		return domain.IssueRecord{}, &domain.ExternalServiceError{Service: httpService, Kind: domain.ExternalConfig, Err: errors.New("url is required")}
	}
	data, err := json.Marshal(h.Options.issue(spec))
	if err != nil {
		return domain.IssueRecord{}, fmt.Errorf("marshal issue: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(data))
	if err != nil {
		return domain.IssueRecord{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Idempotency-Key", IdempotencyKey(spec.ID))
	if h.Token != "" {
		req.Header.Set("Authorization", "Bearer "+h.Token)
	}
	client := h.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	res, err := client.Do(req)
	if err != nil {
		return domain.IssueRecord{}, transportError(httpService, err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return domain.IssueRecord{}, statusError(httpService, res)
	}
	body, err := io.ReadAll(io.LimitReader(res.Body, maxResponseSize))
	if err != nil {
		return domain.IssueRecord{}, transportError(httpService, err)
	}
	var receipt httpReceipt
	if err := json.Unmarshal(body, &receipt); err != nil {
		return domain.IssueRecord{}, decodeError(httpService, err)
	}
	id, err := externalID(receipt.ExternalID)
	if err != nil {
		return domain.IssueRecord{}, decodeError(httpService, err)
	}
	return record(spec, id, receipt.URL), nil
}

// externalID accepts either a JSON string or number.
func externalID(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", errors.New("response missing external_id")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return "", errors.New("response has empty external_id")
		}
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("external_id: %w", err)
	}
	return n.String(), nil
}
