package shared

import "context"

type actorContextKey struct{}

// ContextWithActor stores the authenticated actor id in context. The id comes
// from the identity layer and is only used to stamp created_by/updated_by.
func ContextWithActor(ctx context.Context, actorID int64) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actorID)
}

// ActorFromContext extracts the actor id from context, zero when absent.
func ActorFromContext(ctx context.Context) int64 {
	id, _ := ctx.Value(actorContextKey{}).(int64)
	return id
}
