package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"specline/internal/config"
	"specline/internal/domain"
	"specline/internal/engine"
	"specline/internal/repo"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
	defaultWebhookRetry    = 30 * time.Second
)

// WebhookDispatcher posts lifecycle events to the configured webhooks. Each
// hook keeps its own cursor in the ledger, so restarts resume where delivery
// stopped instead of replaying history.
type WebhookDispatcher struct {
	Engine   engine.Engine
	Webhooks []config.WebhookConfig
	Interval time.Duration

	// MaxRetry bounds the time spent retrying one event before the batch is
	// abandoned until the next tick.
	MaxRetry time.Duration
	Client   *http.Client
	Logger   *slog.Logger
}

// NewWebhookDispatcher returns nil when no webhook is active.
func NewWebhookDispatcher(e engine.Engine) *WebhookDispatcher {
	if e.Config == nil {
		return nil
	}
	var hooks []config.WebhookConfig
	for _, hook := range e.Config.Webhooks {
		if hook.Active() {
			hooks = append(hooks, hook)
		}
	}
	if len(hooks) == 0 {
		return nil
	}
	logger := e.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookDispatcher{
		Engine:   e,
		Webhooks: hooks,
		Interval: defaultWebhookInterval,
		MaxRetry: defaultWebhookRetry,
		Client:   &http.Client{Timeout: defaultWebhookTimeout},
		Logger:   logger.With("component", "webhooks"),
	}
}

// Run delivers events until ctx is done.
func (d *WebhookDispatcher) Run(ctx context.Context) error {
	interval := d.Interval
	if interval <= 0 {
		interval = defaultWebhookInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		d.DispatchAll(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// DispatchAll runs one delivery pass over every hook.
func (d *WebhookDispatcher) DispatchAll(ctx context.Context) {
	for _, hook := range d.Webhooks {
		if ctx.Err() != nil {
			return
		}
		d.dispatchWebhook(ctx, hook)
	}
}

func (d *WebhookDispatcher) dispatchWebhook(ctx context.Context, hook config.WebhookConfig) {
	key := repo.WebhookKey(hook.URL, hook.Events)
	log := d.Logger.With("url", hook.URL)
	cursor, err := d.cursorFor(ctx, key)
	if err != nil {
		log.Error("webhook cursor unavailable", "error", err)
		return
	}
	evts, err := d.Engine.Repo.EventsAfter(ctx, defaultWebhookBatch, cursor, "")
	if err != nil {
		log.Error("fetch events failed", "error", err)
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range evts {
		if filter.match(evt.Type) {
			err := d.deliver(ctx, hook, evt)
			var perm *permanentStatus
			switch {
			case errors.As(err, &perm):
				// Refused by the receiver; skip it.
				log.Warn("webhook event dropped", "event_id", evt.ID, "type", evt.Type, "error", err)
			case err != nil:
				log.Warn("webhook delivery failed", "event_id", evt.ID, "type", evt.Type, "error", err)
				return
			default:
				log.Debug("webhook delivered", "event_id", evt.ID, "type", evt.Type)
			}
		}
		if err := d.Engine.Repo.SetWebhookCursor(ctx, key, evt.ID); err != nil {
			log.Error("persist webhook cursor", "error", err)
			return
		}
	}
}

// cursorFor starts new hooks at the current end of the log.
func (d *WebhookDispatcher) cursorFor(ctx context.Context, key string) (int64, error) {
	cur, err := d.Engine.Repo.GetWebhookCursor(ctx, key)
	if err == nil {
		return cur, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return 0, err
	}
	cur, err = d.Engine.Repo.LatestEventID(ctx, "")
	if err != nil {
		return 0, err
	}
	if err := d.Engine.Repo.SetWebhookCursor(ctx, key, cur); err != nil {
		return 0, err
	}
	return cur, nil
}

func (d *WebhookDispatcher) deliver(ctx context.Context, hook config.WebhookConfig, evt domain.Event) error {
	data, err := json.Marshal(newWebhookEvent(evt))
	if err != nil {
		return err
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxElapsedTime = d.MaxRetry
	op := func() error {
		err := d.post(ctx, hook, evt, data)
		var perm *permanentStatus
		if errors.As(err, &perm) {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.Retry(op, backoff.WithContext(policy, ctx))
}

type permanentStatus struct {
	status int
	body   string
}

func (e *permanentStatus) Error() string {
	return fmt.Sprintf("status %d: %s", e.status, e.body)
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	ProjectID  string          `json:"project_id"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
	PayloadRaw string          `json:"payload_raw,omitempty"`
}

func newWebhookEvent(evt domain.Event) webhookEvent {
	payload := json.RawMessage([]byte("{}"))
	var raw string
	if evt.Payload != "" {
		if json.Valid([]byte(evt.Payload)) {
			payload = json.RawMessage([]byte(evt.Payload))
		} else {
			raw = evt.Payload
		}
	}
	return webhookEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		ProjectID:  evt.ProjectID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
		PayloadRaw: raw,
	}
}

// Signature returns the X-Specline-Signature value for body.
func Signature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (d *WebhookDispatcher) post(ctx context.Context, hook config.WebhookConfig, evt domain.Event, data []byte) error {
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Specline-Event", evt.Type)
	req.Header.Set("X-Specline-Delivery", fmt.Sprintf("%d", evt.ID))
	req.Header.Set("X-Specline-Project", evt.ProjectID)
	if secret := strings.TrimSpace(hook.Secret); secret != "" {
		req.Header.Set("X-Specline-Signature", Signature(secret, data))
	}
	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode >= 200 && res.StatusCode < 300 {
		return nil
	}
	bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
	msg := strings.TrimSpace(string(bodyBytes))
	if res.StatusCode >= 400 && res.StatusCode < 500 && res.StatusCode != http.StatusTooManyRequests {
		return &permanentStatus{status: res.StatusCode, body: msg}
	}
	return fmt.Errorf("status %d: %s", res.StatusCode, msg)
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
