// Package preload encodes upcoming rotation candidates in the background so a
// rendition is usually cache-resident by the time it is selected.
//
// A Queue periodically asks its CandidateSource for the top-ranked items,
// skips those already cached or settled, and hands the rest to a fixed pool
// of workers. At most Count jobs are queued or running at any time, and
// encoder launches are paced by a token-bucket limiter. Cancelling a job stops
// ffmpeg gracefully; partial output is never inserted into the cache.
package preload
