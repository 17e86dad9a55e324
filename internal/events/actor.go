package events

import "context"

// SystemActor is recorded when no caller identity is attached to a context.
const SystemActor = "system"

type actorKey struct{}

// WithActor attaches the id recorded as actor_id on events written for ctx.
func WithActor(ctx context.Context, actorID string) context.Context {
	if actorID == "" {
		return ctx
	}
	return context.WithValue(ctx, actorKey{}, actorID)
}

// ActorFrom returns the actor attached to ctx, or SystemActor.
func ActorFrom(ctx context.Context) string {
	if v, ok := ctx.Value(actorKey{}).(string); ok && v != "" {
		return v
	}
	return SystemActor
}
