package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"specline/internal/domain"
)

const (
	DefaultGitHubAPI = "https://api.github.com"
	githubService    = "github"
	maxResponseSize  = 1 << 20
)

// GitHub publishes specs as issues in a single repository.
type GitHub struct {
	Token      string
	Owner      string
	Repo       string
	BaseURL    string
	HTTPClient *http.Client
	Options    Options
}

func NewGitHub(token, owner, repo string, opts Options) *GitHub {
	return &GitHub{
		Token:      token,
		Owner:      owner,
		Repo:       repo,
		BaseURL:    DefaultGitHubAPI,
		HTTPClient: &http.Client{Timeout: DefaultTimeout},
		Options:    opts,
	}
}

type githubIssue struct {
	Number  int    `json:"number"`
	HTMLURL string `json:"html_url"`
}

func (g *GitHub) Publish(ctx context.Context, spec domain.Spec) (domain.IssueRecord, error) {
	if g.Owner == "" || g.Repo == "" {
		return domain.IssueRecord{}, &domain.ExternalServiceError{Service: githubService, Kind: domain.ExternalConfig, Err: errors.New("owner and repo are required")}
	}
	data, err := json.Marshal(g.Options.issue(spec))
	if err != nil {
		return domain.IssueRecord{}, fmt.Errorf("marshal issue: %w", err)
	}
	base := strings.TrimRight(g.BaseURL, "/")
	if base == "" {
		base = DefaultGitHubAPI
	}
	url := base + "/repos/" + g.Owner + "/" + g.Repo + "/issues"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return domain.IssueRecord{}, fmt.Errorf("build request: %w", err)
	}
	if g.Token != "" {
		req.Header.Set("Authorization", "Bearer "+g.Token)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	req.Header.Set("Idempotency-Key", IdempotencyKey(spec.ID))

	client := g.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	res, err := client.Do(req)
	if err != nil {
		return domain.IssueRecord{}, transportError(githubService, err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return domain.IssueRecord{}, statusError(githubService, res)
	}
	body, err := io.ReadAll(io.LimitReader(res.Body, maxResponseSize))
	if err != nil {
		return domain.IssueRecord{}, transportError(githubService, err)
	}
	var issue githubIssue
	if err := json.Unmarshal(body, &issue); err != nil {
		return domain.IssueRecord{}, decodeError(githubService, err)
	}
	if issue.Number == 0 {
		return domain.IssueRecord{}, decodeError(githubService, errors.New("response missing issue number"))
	}
	return record(spec, strconv.Itoa(issue.Number), issue.HTMLURL), nil
}
