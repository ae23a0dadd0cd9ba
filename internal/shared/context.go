package shared

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

const actorContextKey contextKey = "actor"

// Actor identifies the authenticated caller of a request. Identity is
// asserted by the upstream gateway; this service only carries it through.
type Actor struct {
	UserID   uuid.UUID
	TenantID uuid.UUID
}

// ContextWithActor stores the actor in the context.
func ContextWithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorContextKey, actor)
}

// ActorFromContext retrieves the actor, if any, from the context.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(actorContextKey).(Actor)
	return actor, ok
}
