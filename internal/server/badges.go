package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"time"

	"github.com/go-chi/chi/v5"

	"specline/internal/badge"
	"specline/internal/engine"
)

const streamHeartbeat = 15 * time.Second

// registerBadges mounts the badge routes directly on chi: the snapshot
// answers 204 when nothing is pending and the stream is server-sent events.
func registerBadges(r chi.Router, basePath string, e engine.Engine, logger *slog.Logger) {
	r.Get(path.Join(basePath, "projects/{project_id}/badge"), func(w http.ResponseWriter, req *http.Request) {
		b, err := e.PendingBadge(req.Context(), chi.URLParam(req, "project_id"))
		if err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		if b == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		respondJSON(w, http.StatusOK, badgeResponse(*b))
	})

	r.Get(path.Join(basePath, "projects/{project_id}/badge/stream"), func(w http.ResponseWriter, req *http.Request) {
		projectID, err := engine.NormalizeProject(chi.URLParam(req, "project_id"))
		if err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			respondStatusError(w, newAPIError(http.StatusInternalServerError, "", "streaming unsupported", nil))
			return
		}
		log := logger.With("project_id", projectID)
		if p, ok := principalFromContext(req.Context()); ok {
			log = log.With("actor_id", p.ActorID)
		}

		ctx, cancel := context.WithCancel(req.Context())
		defer cancel()
		watcher := badge.NewWatcher(e.Badges, badge.WatcherConfig{ProjectID: projectID, Logger: logger})
		done := make(chan error, 1)
		go func() { done <- watcher.Run(ctx) }()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()
		log.Debug("badge stream opened")

		heartbeat := time.NewTicker(streamHeartbeat)
		defer heartbeat.Stop()
		for {
			select {
			case u, ok := <-watcher.Updates():
				if !ok {
					if err := <-done; err != nil {
						log.Error("badge watcher stopped", "error", err)
					}
					return
				}
				if err := writeBadgeEvent(w, u); err != nil {
					log.Debug("badge stream closed", "error", err)
					return
				}
				flusher.Flush()
			case <-heartbeat.C:
				if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	})
}

func writeBadgeEvent(w http.ResponseWriter, u badge.Update) error {
	switch {
	case u.Err != nil:
		data, _ := json.Marshal(map[string]string{"message": u.Err.Error()})
		_, err := fmt.Fprintf(w, "event: error\ndata: %s\n\n", data)
		return err
	case u.Badge == nil:
		_, err := fmt.Fprint(w, "event: cleared\ndata: {}\n\n")
		return err
	default:
		data, err := json.Marshal(badgeResponse(*u.Badge))
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(w, "event: badge\ndata: %s\n\n", data)
		return err
	}
}
