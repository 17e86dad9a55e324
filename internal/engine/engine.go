package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	"specline/internal/approval"
	"specline/internal/badge"
	"specline/internal/config"
	"specline/internal/domain"
	"specline/internal/events"
	"specline/internal/lifecycle"
	"specline/internal/metrics"
	"specline/internal/publisher"
	"specline/internal/repo"
	"specline/internal/specstore"
)

const UntitledSpec = "Untitled Spec"

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Config    *config.Config
	Store     *specstore.Store
	Lifecycle lifecycle.Machine
	Approvals *approval.Coordinator
	Badges    badge.Projector
	Metrics   metrics.Recorder
	Logger    *slog.Logger
	Now       func() time.Time
}

// Options carries the collaborators that vary between the CLI, the server
// and tests.
type Options struct {
	Publisher publisher.Publisher
	Metrics   metrics.Recorder
	Logger    *slog.Logger
	Now       func() time.Time
}

// New wires an engine over an already migrated database and a spec store
// rooted at storeRoot.
func New(db *sql.DB, cfg *config.Config, storeRoot string, opts Options) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nop{}
	}
	if opts.Publisher == nil {
		opts.Publisher = publisher.Local{}
	}
	store := specstore.New(storeRoot)
	store.Now = opts.Now
	r := repo.Repo{DB: db}
	w := events.Writer{DB: db, Now: opts.Now}
	machine := lifecycle.Machine{Store: store, DB: db, Repo: r, Events: w, Now: opts.Now, Logger: opts.Logger}
	coord := approval.New(machine, opts.Publisher)
	coord.PublishTimeout = cfg.Publisher.Timeout()
	coord.Metrics = opts.Metrics
	coord.Logger = opts.Logger
	coord.Now = opts.Now
	return Engine{
		DB:        db,
		Repo:      r,
		Events:    w,
		Config:    cfg,
		Store:     store,
		Lifecycle: machine,
		Approvals: coord,
		Badges:    badge.Projector{Store: store, WarnSizeBytes: cfg.Specs.WarnSizeBytes},
		Metrics:   opts.Metrics,
		Logger:    opts.Logger,
		Now:       opts.Now,
	}
}

func (e Engine) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}

func (e Engine) recorder() metrics.Recorder {
	if e.Metrics == nil {
		return metrics.Nop{}
	}
	return e.Metrics
}

// NormalizeProject maps free-form project names onto store slugs.
func NormalizeProject(projectID string) (string, error) {
	slug := specstore.SanitizeSlug(projectID)
	if slug == "" {
		return "", &domain.ValidationError{Field: "project_id", Msg: fmt.Sprintf("%q does not contain any usable characters", projectID)}
	}
	return slug, nil
}

var headingPattern = regexp.MustCompile(`^#\s+(.+)$`)

// ExtractTitle returns the first level-one markdown heading of content, or
// UntitledSpec.
func ExtractTitle(content string) string {
	for _, line := range strings.Split(content, "\n") {
		if m := headingPattern.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
			if title := strings.TrimSpace(m[1]); title != "" {
				return title
			}
		}
	}
	return UntitledSpec
}

// IngestDraft stores content as the project's new pending spec, superseding
// any previous draft. Oversized content is accepted with an advisory.
func (e Engine) IngestDraft(ctx context.Context, projectID, title, content string) (domain.Spec, error) {
	return e.ingest(ctx, projectID, title, content, events.SpecIngested, nil)
}

func (e Engine) ingest(ctx context.Context, projectID, title, content, evtType string, extra events.EventPayload) (domain.Spec, error) {
	project, err := NormalizeProject(projectID)
	if err != nil {
		return domain.Spec{}, err
	}
	if strings.TrimSpace(content) == "" {
		return domain.Spec{}, &domain.ValidationError{Field: "content", Msg: "must not be empty"}
	}
	title = strings.TrimSpace(title)
	if title == "" {
		title = ExtractTitle(content)
	}

	spec, superseded, err := e.Store.CreatePendingGuarded(ctx, project, title, content, e.Approvals.Guard)
	if err != nil {
		return domain.Spec{}, err
	}
	log := e.logger().With("project_id", project, "spec_id", spec.ID)
	if e.Badges.Oversized(spec.SizeBytes) {
		advisory := fmt.Sprintf("content is %d bytes, above the %d byte advisory limit", spec.SizeBytes, e.Config.Specs.WarnSizeBytes)
		spec.Advisories = append(spec.Advisories, advisory)
		log.Warn("oversized draft accepted", "size_bytes", spec.SizeBytes)
	}
	e.recorder().ObserveIngest(len(spec.Advisories) > 0)

	if err := e.appendIngestEvents(ctx, spec, superseded, evtType, extra); err != nil {
		log.Error("record ingest events", "error", err)
	}
	if superseded != nil {
		log.Info("draft superseded", "superseded_id", superseded.ID)
	}
	log.Info("draft ingested", "version", spec.Version, "size_bytes", spec.SizeBytes)
	return spec, nil
}

func (e Engine) appendIngestEvents(ctx context.Context, spec domain.Spec, superseded *domain.Spec, evtType string, extra events.EventPayload) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	actor := events.ActorFrom(ctx)
	if superseded != nil {
		if err := e.Events.Append(ctx, tx, events.SpecSuperseded, spec.ProjectID, events.EntitySpec, superseded.ID, actor, events.EventPayload{
			"version":       superseded.Version,
			"superseded_by": spec.ID,
		}); err != nil {
			return err
		}
	}
	payload := events.EventPayload{
		"version":    spec.Version,
		"title":      spec.Title,
		"size_bytes": spec.SizeBytes,
	}
	if len(spec.Advisories) > 0 {
		payload["advisories"] = spec.Advisories
	}
	for k, v := range extra {
		payload[k] = v
	}
	if err := e.Events.Append(ctx, tx, evtType, spec.ProjectID, events.EntitySpec, spec.ID, actor, payload); err != nil {
		return err
	}
	return tx.Commit()
}

// PendingBadge projects the project's pending spec; nil when there is none.
func (e Engine) PendingBadge(ctx context.Context, projectID string) (*domain.Badge, error) {
	project, err := NormalizeProject(projectID)
	if err != nil {
		return nil, err
	}
	return e.Badges.Pending(ctx, project)
}

// ApproveResult is the outcome of a successful approval.
type ApproveResult struct {
	Spec  domain.Spec        `json:"spec"`
	Issue domain.IssueRecord `json:"issue"`
}

func (e Engine) Approve(ctx context.Context, specID string) (ApproveResult, error) {
	spec, rec, err := e.Approvals.Approve(ctx, specID)
	if err != nil {
		return ApproveResult{}, err
	}
	return ApproveResult{Spec: spec, Issue: rec}, nil
}

func (e Engine) Reject(ctx context.Context, specID string, confirmed bool, reason string) error {
	return e.Approvals.Reject(ctx, specID, confirmed, reason)
}

// SpecView is a spec together with its issue record, when published.
type SpecView struct {
	Spec  domain.Spec         `json:"spec"`
	Issue *domain.IssueRecord `json:"issue,omitempty"`
}

// GetSpec loads a spec by id. Rejected and superseded ids are not found.
func (e Engine) GetSpec(ctx context.Context, specID string) (SpecView, error) {
	spec, err := e.Store.Get(ctx, specID)
	if errors.Is(err, domain.ErrNotFound) {
		if tomb, terr := e.Store.Tombstoned(ctx, specID); terr == nil && tomb {
			return SpecView{}, fmt.Errorf("spec %s was rejected or superseded: %w", specID, domain.ErrNotFound)
		}
		return SpecView{}, fmt.Errorf("spec %s: %w", specID, domain.ErrNotFound)
	}
	if err != nil {
		return SpecView{}, err
	}
	if e.Badges.Oversized(spec.SizeBytes) {
		spec.Advisories = append(spec.Advisories, fmt.Sprintf("content is %d bytes, above the %d byte advisory limit", spec.SizeBytes, e.Config.Specs.WarnSizeBytes))
	}
	rec, err := e.Lifecycle.IssueFor(ctx, specID)
	if err != nil {
		return SpecView{}, err
	}
	return SpecView{Spec: spec, Issue: rec}, nil
}

func (e Engine) ListVersions(ctx context.Context, projectID string) ([]domain.Spec, error) {
	project, err := NormalizeProject(projectID)
	if err != nil {
		return nil, err
	}
	return e.Store.ListVersions(ctx, project)
}

func (e Engine) IssueFor(ctx context.Context, specID string) (*domain.IssueRecord, error) {
	if _, _, err := domain.ParseSpecID(specID); err != nil {
		return nil, err
	}
	return e.Lifecycle.IssueFor(ctx, specID)
}

// Projects lists the projects known to the store.
func (e Engine) Projects(ctx context.Context) ([]string, error) {
	return e.Store.Projects(ctx)
}

// RecoverReport lists what Recover did.
type RecoverReport struct {
	Resumed []ApproveResult `json:"resumed"`
	Failed  []string        `json:"failed,omitempty"`
}

// Recover finishes approvals that published an issue but stopped before the
// spec moved to approved history.
func (e Engine) Recover(ctx context.Context) (RecoverReport, error) {
	var report RecoverReport
	projects, err := e.Store.Projects(ctx)
	if err != nil {
		return report, err
	}
	var errs []error
	for _, project := range projects {
		pending, err := e.Store.GetPending(ctx, project)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", project, err))
			continue
		}
		if pending == nil {
			continue
		}
		rec, err := e.Lifecycle.IssueFor(ctx, pending.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", pending.ID, err))
			continue
		}
		if rec == nil {
			continue
		}
		res, err := e.Approve(ctx, pending.ID)
		if err != nil {
			report.Failed = append(report.Failed, pending.ID)
			errs = append(errs, fmt.Errorf("%s: %w", pending.ID, err))
			continue
		}
		e.logger().Info("recovered approval", "spec_id", pending.ID, "external_id", rec.ExternalID)
		report.Resumed = append(report.Resumed, res)
	}
	return report, errors.Join(errs...)
}

// MigrateLegacy imports a single-file pending spec written by older tooling
// as a new pending version, then removes the legacy file. It returns nil
// when there is nothing to migrate.
func (e Engine) MigrateLegacy(ctx context.Context, projectID, path string) (*domain.Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, &domain.StorageError{Op: "read legacy spec", Path: path, Err: err}
	}
	spec, err := e.ingest(ctx, projectID, "", string(data), events.SpecMigrated, events.EventPayload{"legacy_path": path})
	if err != nil {
		return nil, err
	}
	if err := os.Remove(path); err != nil {
		e.logger().Warn("legacy spec imported but not removed", "path", path, "error", err)
	}
	return &spec, nil
}
