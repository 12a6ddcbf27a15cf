// Package logs reads the daemon log for `reel logs`.
//
// Tail returns the last lines of a file or everything appended after an
// offset, optionally polling until new lines arrive. Memory stays bounded by
// the requested line count.
package logs
