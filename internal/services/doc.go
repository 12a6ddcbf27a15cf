// Package services defines shared utilities consumed by the rotation daemon,
// the preload pipeline, and the external tool wrappers.
//
// Key responsibilities:
//   - Context helpers that stamp media modes, preload job IDs, and correlation
//     identifiers for logging.
//   - Structured error markers plus the Wrap helper that classify failures as
//     retryable or permanent.
//
// Use these helpers when wiring new subsystems so error handling and
// observability stay uniform.
package services
