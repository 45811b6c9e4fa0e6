package audit

import "context"

type contextKey string

const (
	ctxActorType     contextKey = "audit_actor_type"
	ctxActorID       contextKey = "audit_actor_id"
	ctxCorrelationID contextKey = "audit_correlation_id"
	ctxRequestID     contextKey = "audit_request_id"
)

// WithActor attaches the acting party to the context.
func WithActor(ctx context.Context, actorType, actorID string) context.Context {
	ctx = context.WithValue(ctx, ctxActorType, actorType)
	return context.WithValue(ctx, ctxActorID, actorID)
}

// WithCorrelationID groups entries written for one business operation (usually a trade ID).
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxCorrelationID, id)
}

// WithRequestID attaches the HTTP request ID.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxRequestID, id)
}

// ActorFromContext returns the actor type and ID, defaulting to system.
func ActorFromContext(ctx context.Context) (actorType, actorID string) {
	actorType, actorID, _, _ = actorFromCtx(ctx)
	return
}

func actorFromCtx(ctx context.Context) (actorType, actorID, correlationID, requestID string) {
	if v, ok := ctx.Value(ctxActorType).(string); ok && v != "" {
		actorType = v
	} else {
		actorType = ActorSystem
	}
	if v, ok := ctx.Value(ctxActorID).(string); ok {
		actorID = v
	}
	if v, ok := ctx.Value(ctxCorrelationID).(string); ok {
		correlationID = v
	}
	if v, ok := ctx.Value(ctxRequestID).(string); ok {
		requestID = v
	}
	return
}
