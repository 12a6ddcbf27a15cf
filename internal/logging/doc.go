// Package logging assembles structured slog loggers and formatting helpers used
// across reel.
//
// It owns the configurable console/JSON handlers, centralizes level and output
// plumbing, and exposes context-aware helpers so daemon and preload code can
// tag log lines with the active mode, preload job IDs, and correlation IDs.
// The package also provides a no-op logger for tests and wiring code that
// cannot fail.
package logging
