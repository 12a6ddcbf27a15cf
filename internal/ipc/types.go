package ipc

import (
	"reel/internal/daemon"
	"reel/internal/preload"
	"reel/internal/rendition"
	"reel/internal/rotation"
)

// NextRequest advances the active pool.
type NextRequest struct{}

// ShowResponse describes the wallpaper that is now on screen.
type ShowResponse struct {
	Shown daemon.Shown `json:"shown"`
}

// SwitchRequest activates a mode.
type SwitchRequest struct {
	Mode string `json:"mode"`
}

// ResetRequest rescans one mode's directory.
type ResetRequest struct {
	Mode string `json:"mode"`
}

// ResetResponse reports how the pool changed.
type ResetResponse struct {
	Mode    rotation.Mode             `json:"mode"`
	Summary rotation.ReconcileSummary `json:"summary"`
}

// StatusRequest fetches daemon status.
type StatusRequest struct{}

// StatusResponse is the daemon status plus the serving process id.
type StatusResponse struct {
	daemon.Status
	PID int `json:"pid"`
}

// PoolRequest fetches one pool's weight listing.
type PoolRequest struct {
	Mode string `json:"mode"`
}

// PoolResponse carries the pool listing.
type PoolResponse struct {
	Pool daemon.Pool `json:"pool"`
}

// StopRequest asks the daemon process to exit.
type StopRequest struct{}

// StopResponse acknowledges a stop request.
type StopResponse struct {
	Stopping bool `json:"stopping"`
}

// CacheStatsRequest fetches rendition cache usage.
type CacheStatsRequest struct{}

// CacheStatsResponse carries cache usage and entries.
type CacheStatsResponse struct {
	Stats   rendition.Stats   `json:"stats"`
	Entries []rendition.Entry `json:"entries"`
	Preload []preload.Job     `json:"preload,omitempty"`
}

// CachePruneRequest removes every rendition not currently playing.
type CachePruneRequest struct{}

// CachePruneResponse reports what prune removed.
type CachePruneResponse struct {
	Result rendition.PruneResult `json:"result"`
}

// CacheWarmRequest asks the preload queue to run now.
type CacheWarmRequest struct{}

// CacheWarmResponse reports how many encodes were queued.
type CacheWarmResponse struct {
	Queued int `json:"queued"`
}
