// Package notifications delivers daemon events to ntfy.
//
// NewService returns a no-op implementation when no topic is configured, so
// callers publish unconditionally. Only events that need a human (VRAM
// fallback, recovery, encodes that will not be retried) are sent.
package notifications
