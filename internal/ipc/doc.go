// Package ipc exposes the daemon over JSON-RPC on a Unix socket and ships the
// matching client used by the CLI.
//
// Requests and responses reuse the daemon's own JSON-tagged types so the CLI
// can render them without a translation layer. Errors cross the socket as
// plain strings.
package ipc
