// Package preflight provides readiness checks for the filesystem paths and
// session environment reel depends on.
//
// The daemon runs RunAll at startup and logs each failure as a warning; the
// CLI "reel deps" command prints the same results next to the binary report
// from CheckSystemDeps. Nothing here is fatal on its own.
package preflight
