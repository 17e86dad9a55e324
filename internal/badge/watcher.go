package badge

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"specline/internal/domain"
)

// WatcherConfig configures a badge watcher for one project.
type WatcherConfig struct {
	ProjectID string

	// Debounce is how long to collect filesystem events before re-projecting.
	Debounce time.Duration

	Logger *slog.Logger
}

// Update carries the current projection; Badge is nil when nothing is pending.
type Update struct {
	Badge *domain.Badge
	Err   error
}

// Watcher re-projects a project's badge whenever its pending slot changes.
// Identical consecutive projections are emitted once.
type Watcher struct {
	config    WatcherConfig
	projector Projector
	logger    *slog.Logger
	updates   chan Update
}

func NewWatcher(p Projector, config WatcherConfig) *Watcher {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if config.Debounce <= 0 {
		config.Debounce = 100 * time.Millisecond
	}
	return &Watcher{
		config:    config,
		projector: p,
		logger:    logger.With("project_id", config.ProjectID),
		updates:   make(chan Update, 1),
	}
}

// Updates returns the channel of projections. It is closed when Run returns.
func (w *Watcher) Updates() <-chan Update {
	return w.updates
}

// Run emits the current badge, then one update per observed change, until
// ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	defer close(w.updates)

	// Only the store root is created here; the project's own tree appears
	// with its first ingest and is picked up level by level.
	pending := w.projector.Store.PendingDir(w.config.ProjectID)
	specs := filepath.Dir(pending)
	chain := []string{w.projector.Store.Root, filepath.Dir(specs), specs, pending}
	if err := os.MkdirAll(chain[0], 0o755); err != nil {
		return fmt.Errorf("prepare store root: %w", err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fsw.Close()
	watched := 0
	watchChain := func() error {
		for watched < len(chain) {
			dir := chain[watched]
			if _, err := os.Stat(dir); err != nil {
				return nil
			}
			if err := fsw.Add(dir); err != nil {
				return fmt.Errorf("watch %s: %w", dir, err)
			}
			watched++
		}
		return nil
	}
	if err := watchChain(); err != nil {
		return err
	}
	w.logger.Debug("badge watcher started", "dir", pending, "debounce", w.config.Debounce)

	var last *domain.Badge
	emitted := false
	project := func() bool {
		b, err := w.projector.Pending(ctx, w.config.ProjectID)
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			w.logger.Warn("badge projection failed", "error", err)
			return w.send(ctx, Update{Err: err})
		}
		if emitted && Same(last, b) {
			return true
		}
		last, emitted = b, true
		return w.send(ctx, Update{Badge: b})
	}
	if !project() {
		return nil
	}

	ticker := time.NewTicker(w.config.Debounce)
	defer ticker.Stop()
	dirty := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if evt.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				dirty = true
			}
			if evt.Op&fsnotify.Create != 0 && watched < len(chain) {
				if err := watchChain(); err != nil {
					w.logger.Warn("badge watcher cannot follow project tree", "error", err)
				}
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("badge watcher error", "error", err)
		case <-ticker.C:
			if !dirty {
				continue
			}
			dirty = false
			if !project() {
				return nil
			}
		}
	}
}

func (w *Watcher) send(ctx context.Context, u Update) bool {
	select {
	case w.updates <- u:
		return true
	case <-ctx.Done():
		return false
	}
}
