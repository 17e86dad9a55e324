// Package approval serializes approve and reject calls per spec and drives
// the publish-then-commit protocol.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"specline/internal/domain"
	"specline/internal/lifecycle"
	"specline/internal/metrics"
	"specline/internal/publisher"
)

const DefaultPublishTimeout = 20 * time.Second

// Attempt outcomes, used for logs and metrics.
const (
	OutcomeSuccess              = "success"
	OutcomeConcurrent           = "concurrent"
	OutcomeInvalidTransition    = "invalid_transition"
	OutcomeNotFound             = "not_found"
	OutcomeValidation           = "validation"
	OutcomeConfirmationRequired = "confirmation_required"
	OutcomeExternal             = "external_error"
	OutcomeStorage              = "storage_error"
)

type Coordinator struct {
	Machine        lifecycle.Machine
	Publisher      publisher.Publisher
	PublishTimeout time.Duration
	Metrics        metrics.Recorder
	Logger         *slog.Logger
	Now            func() time.Time

	mu       sync.Mutex
	inflight map[string]*domain.ApprovalAttempt
}

func New(m lifecycle.Machine, p publisher.Publisher) *Coordinator {
	return &Coordinator{
		Machine:        m,
		Publisher:      p,
		PublishTimeout: DefaultPublishTimeout,
		Metrics:        metrics.Nop{},
		Logger:         slog.Default(),
		Now:            time.Now,
	}
}

func (c *Coordinator) now() time.Time {
	if c.Now == nil {
		return time.Now()
	}
	return c.Now()
}

func (c *Coordinator) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

func (c *Coordinator) recorder() metrics.Recorder {
	if c.Metrics == nil {
		return metrics.Nop{}
	}
	return c.Metrics
}

// TryAcquire takes the single-flight lock for specID without waiting. The
// returned release func must be called exactly once.
func (c *Coordinator) TryAcquire(specID string, action domain.Action) (*domain.ApprovalAttempt, func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inflight == nil {
		c.inflight = map[string]*domain.ApprovalAttempt{}
	}
	if cur, busy := c.inflight[specID]; busy {
		return nil, nil, fmt.Errorf("spec %s: %s in flight: %w", specID, cur.Action, domain.ErrConcurrentModification)
	}
	att := &domain.ApprovalAttempt{
		ID:        uuid.NewString(),
		SpecID:    specID,
		Action:    action,
		StartedAt: c.now(),
	}
	c.inflight[specID] = att
	var once sync.Once
	release := func() {
		once.Do(func() {
			c.mu.Lock()
			if c.inflight[specID] == att {
				delete(c.inflight, specID)
			}
			c.mu.Unlock()
		})
	}
	return att, release, nil
}

// InFlight returns a copy of the running attempt for specID, if any.
func (c *Coordinator) InFlight(specID string) (domain.ApprovalAttempt, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	att, ok := c.inflight[specID]
	if !ok {
		return domain.ApprovalAttempt{}, false
	}
	return *att, true
}

// Guard holds the lock of a pending spec while ingest supersedes it. It has
// the shape of specstore.Guard. A spec whose issue is already published is
// half approved and cannot be superseded; approve or recover completes it.
func (c *Coordinator) Guard(ctx context.Context, old domain.Spec) (func(), error) {
	_, release, err := c.TryAcquire(old.ID, domain.ActionSupersede)
	if err != nil {
		return nil, err
	}
	existing, err := c.Machine.IssueFor(ctx, old.ID)
	if err != nil {
		release()
		return nil, err
	}
	if existing != nil {
		release()
		c.logger().Warn("supersede refused: issue already published", "spec_id", old.ID, "external_id", existing.ExternalID)
		return nil, &domain.TransitionError{SpecID: old.ID, From: domain.StatusApproved, Action: domain.ActionSupersede}
	}
	return release, nil
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, domain.ErrConcurrentModification):
		return OutcomeConcurrent
	case errors.Is(err, domain.ErrInvalidTransition):
		return OutcomeInvalidTransition
	case errors.Is(err, domain.ErrNotFound):
		return OutcomeNotFound
	case errors.Is(err, domain.ErrValidation):
		return OutcomeValidation
	case errors.Is(err, domain.ErrConfirmationRequired):
		return OutcomeConfirmationRequired
	case errors.Is(err, domain.ErrExternalService):
		return OutcomeExternal
	default:
		return OutcomeStorage
	}
}

func (c *Coordinator) finish(att *domain.ApprovalAttempt, specID string, action domain.Action, err error) {
	outcome := outcomeOf(err)
	if att != nil {
		att.Outcome = outcome
	}
	c.recorder().ObserveAttempt(string(action), outcome)
	log := c.logger().With("spec_id", specID, "action", string(action), "outcome", outcome)
	if att != nil {
		log = log.With("attempt_id", att.ID, "duration", c.now().Sub(att.StartedAt))
	}
	switch outcome {
	case OutcomeSuccess:
		log.Info("attempt finished")
	case OutcomeExternal, OutcomeStorage:
		log.Error("attempt failed", "error", err)
	default:
		log.Warn("attempt refused", "error", err)
	}
}

// Approve publishes the pending spec and moves it into approved history. The
// call runs to completion even if ctx is cancelled; only the publish step is
// bounded, by PublishTimeout.
func (c *Coordinator) Approve(ctx context.Context, specID string) (spec domain.Spec, rec domain.IssueRecord, err error) {
	ctx = context.WithoutCancel(ctx)
	var att *domain.ApprovalAttempt
	defer func() { c.finish(att, specID, domain.ActionApprove, err) }()

	if _, _, err = domain.ParseSpecID(specID); err != nil {
		return domain.Spec{}, domain.IssueRecord{}, err
	}
	att, release, err := c.TryAcquire(specID, domain.ActionApprove)
	if err != nil {
		return domain.Spec{}, domain.IssueRecord{}, err
	}
	defer release()

	spec, err = c.Machine.Load(ctx, specID, domain.ActionApprove)
	if err != nil {
		return domain.Spec{}, domain.IssueRecord{}, err
	}
	if err = lifecycle.Ensure(spec, domain.ActionApprove); err != nil {
		return domain.Spec{}, domain.IssueRecord{}, err
	}

	existing, err := c.Machine.IssueFor(ctx, specID)
	if err != nil {
		return domain.Spec{}, domain.IssueRecord{}, err
	}
	if existing != nil {
		// Published by an earlier attempt that did not finish its commit.
		c.logger().Info("issue already recorded, resuming commit", "spec_id", specID, "external_id", existing.ExternalID)
		rec = *existing
	} else {
		rec, err = c.publish(ctx, spec)
		if err != nil {
			c.Machine.RecordPublishFailure(ctx, spec, err)
			return domain.Spec{}, domain.IssueRecord{}, err
		}
		rec.CreatedAt = c.now().UTC().Format(time.RFC3339)
		if err = c.Machine.PersistIssue(ctx, rec); err != nil {
			// The external issue exists but is not recorded; a retry will
			// publish again under the same idempotency key.
			c.logger().Error("issue published but not recorded", "spec_id", specID, "external_id", rec.ExternalID, "url", rec.URL, "error", err)
			return domain.Spec{}, domain.IssueRecord{}, err
		}
	}

	spec, err = c.Machine.CommitApproved(ctx, spec, rec)
	if err != nil {
		return domain.Spec{}, domain.IssueRecord{}, err
	}
	return spec, rec, nil
}

func (c *Coordinator) publish(ctx context.Context, spec domain.Spec) (domain.IssueRecord, error) {
	if c.Publisher == nil {
		return domain.IssueRecord{}, &domain.ExternalServiceError{Service: "publisher", Kind: domain.ExternalNetwork, Err: errors.New("no publisher configured")}
	}
	timeout := c.PublishTimeout
	if timeout <= 0 {
		timeout = DefaultPublishTimeout
	}
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	rec, err := c.Publisher.Publish(pctx, spec)
	if err != nil && !errors.Is(err, domain.ErrExternalService) {
		kind := domain.ExternalNetwork
		if errors.Is(pctx.Err(), context.DeadlineExceeded) {
			kind = domain.ExternalTimeout
		}
		err = &domain.ExternalServiceError{Service: "publisher", Kind: kind, Err: err}
	}
	outcome := OutcomeSuccess
	if err != nil {
		outcome = outcomeOf(err)
	}
	c.recorder().ObservePublish(outcome, time.Since(start))
	if err != nil {
		return domain.IssueRecord{}, err
	}
	rec.SpecID, rec.ProjectID, rec.Version = spec.ID, spec.ProjectID, spec.Version
	return rec, nil
}

// Reject permanently deletes the pending spec. It refuses to act unless
// confirmed is true.
func (c *Coordinator) Reject(ctx context.Context, specID string, confirmed bool, reason string) (err error) {
	ctx = context.WithoutCancel(ctx)
	var att *domain.ApprovalAttempt
	defer func() { c.finish(att, specID, domain.ActionReject, err) }()

	if _, _, err = domain.ParseSpecID(specID); err != nil {
		return err
	}
	if !confirmed {
		return fmt.Errorf("reject %s: %w", specID, domain.ErrConfirmationRequired)
	}
	att, release, err := c.TryAcquire(specID, domain.ActionReject)
	if err != nil {
		return err
	}
	defer release()

	spec, err := c.Machine.Load(ctx, specID, domain.ActionReject)
	if err != nil {
		return err
	}
	if err = lifecycle.Ensure(spec, domain.ActionReject); err != nil {
		return err
	}
	existing, err := c.Machine.IssueFor(ctx, specID)
	if err != nil {
		return err
	}
	if existing != nil {
		return &domain.TransitionError{SpecID: specID, From: domain.StatusApproved, Action: domain.ActionReject}
	}
	return c.Machine.CommitRejected(ctx, spec, reason)
}
