package services

import "context"

type contextKey string

const (
	modeKey      contextKey = "mode"
	jobIDKey     contextKey = "job_id"
	requestIDKey contextKey = "request_id"
)

// WithMode annotates context with the active media mode ("video" or "image").
func WithMode(ctx context.Context, mode string) context.Context {
	if mode == "" {
		return ctx
	}
	return context.WithValue(ctx, modeKey, mode)
}

// ModeFromContext returns the media mode if present.
func ModeFromContext(ctx context.Context) (string, bool) {
	if v, ok := ctx.Value(modeKey).(string); ok && v != "" {
		return v, true
	}
	return "", false
}

// WithJobID annotates context with a preload job identifier.
func WithJobID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, jobIDKey, id)
}

// JobIDFromContext extracts the preload job identifier if present.
func JobIDFromContext(ctx context.Context) (string, bool) {
	if v, ok := ctx.Value(jobIDKey).(string); ok && v != "" {
		return v, true
	}
	return "", false
}

// WithRequestID annotates context with a correlation identifier.
func WithRequestID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFromContext extracts the correlation identifier if present.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	if v, ok := ctx.Value(requestIDKey).(string); ok && v != "" {
		return v, true
	}
	return "", false
}
