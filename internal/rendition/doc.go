// Package rendition maps source videos to display-sized renditions stored in a
// byte-bounded cache directory.
//
// Each rendition is keyed by source path, target dimensions, frame rate and
// encoder. Entries are tracked in memory and written through to a SQLite index
// (index.db inside the cache directory) so the cache survives restarts.
//
// # Size Management
//
// After every Insert the least-recently-used entries are evicted until the
// total size fits the configured budget (ties broken by insertion order).
// Entries pinned with Acquire are skipped until they are released. A single
// rendition larger than the whole budget is deleted immediately and the
// original source keeps being served.
//
// Reconcile runs at startup to drop index rows whose files vanished, delete
// orphaned renditions and leftover ".part" files, and re-apply the budget.
package rendition
