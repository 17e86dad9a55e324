// Package badge projects the pending spec of a project into the summary shown
// next to the project in review UIs.
package badge

import (
	"context"

	"specline/internal/domain"
	"specline/internal/specstore"
)

// DefaultWarnSizeBytes is the advisory content size threshold.
const DefaultWarnSizeBytes = 50 * 1024

// Projector reads the store on every call; it holds no cache, so a badge can
// never outlive the spec it describes.
type Projector struct {
	Store         *specstore.Store
	WarnSizeBytes int64
}

func (p Projector) threshold() int64 {
	if p.WarnSizeBytes <= 0 {
		return DefaultWarnSizeBytes
	}
	return p.WarnSizeBytes
}

// Oversized reports whether size exceeds the advisory threshold.
func (p Projector) Oversized(size int64) bool {
	return size > p.threshold()
}

// Pending returns the badge for the project's pending spec, or nil.
func (p Projector) Pending(ctx context.Context, projectID string) (*domain.Badge, error) {
	spec, err := p.Store.GetPending(ctx, projectID)
	if err != nil || spec == nil {
		return nil, err
	}
	return &domain.Badge{
		ProjectID: spec.ProjectID,
		SpecID:    spec.ID,
		Title:     spec.Title,
		Version:   spec.Version,
		SizeBytes: spec.SizeBytes,
		Oversized: p.Oversized(spec.SizeBytes),
	}, nil
}

// Same reports whether two projections are identical.
func Same(a, b *domain.Badge) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
