package app

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"strings"

	"specline/internal/config"
	"specline/internal/db"
	"specline/internal/engine"
	"specline/internal/migrate"
	"specline/internal/publisher"
)

// Workspace bundles everything a command needs to operate on one workspace.
type Workspace struct {
	Path   string
	DB     *sql.DB
	Config *config.Config
	Engine engine.Engine
}

func (w *Workspace) Close() error {
	if w == nil || w.DB == nil {
		return nil
	}
	return w.DB.Close()
}

// Open loads specline.yml (defaults when absent), opens and migrates the
// ledger, and wires an engine. opts.Publisher, when nil, is built from the
// config.
func Open(ctx context.Context, workspace string, opts engine.Options) (*Workspace, error) {
	if workspace == "" {
		workspace = "."
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if opts.Publisher == nil {
		pub, err := NewPublisher(cfg.Publisher)
		if err != nil {
			conn.Close()
			return nil, err
		}
		opts.Publisher = pub
	}
	return &Workspace{
		Path:   workspace,
		DB:     conn,
		Config: cfg,
		Engine: engine.New(conn, cfg, cfg.SpecsRoot(workspace), opts),
	}, nil
}

// NewPublisher builds the publisher selected by config. Kind "none" keeps
// work orders local, which is useful before a tracker is configured.
func NewPublisher(cfg config.PublisherConfig) (publisher.Publisher, error) {
	opts := publisher.Options{Label: cfg.Label, TitlePrefix: cfg.TitlePrefix}
	client := &http.Client{Timeout: cfg.Timeout()}
	switch cfg.Kind {
	case config.PublisherGitHub:
		token := cfg.Token()
		if token == "" {
			return nil, fmt.Errorf("publisher github: environment variable %s is empty", cfg.GitHub.TokenEnv)
		}
		gh := publisher.NewGitHub(token, cfg.GitHub.Owner, cfg.GitHub.Repo, opts)
		if cfg.GitHub.BaseURL != "" {
			gh.BaseURL = cfg.GitHub.BaseURL
		}
		gh.HTTPClient = client
		return gh, nil
	case config.PublisherHTTP:
		return &publisher.HTTP{URL: cfg.HTTP.URL, Token: cfg.Token(), HTTPClient: client, Options: opts}, nil
	case config.PublisherNone, "":
		return publisher.Local{}, nil
	default:
		return nil, fmt.Errorf("unknown publisher kind %q", cfg.Kind)
	}
}

// ResolveProject picks the active project. It prefers the override, then
// the only project present in the store.
func ResolveProject(ctx context.Context, e engine.Engine, override string) (string, error) {
	if strings.TrimSpace(override) != "" {
		return engine.NormalizeProject(override)
	}
	projects, err := e.Projects(ctx)
	if err != nil {
		return "", err
	}
	if len(projects) == 1 {
		return projects[0], nil
	}
	return "", fmt.Errorf("project not specified; use --project")
}
