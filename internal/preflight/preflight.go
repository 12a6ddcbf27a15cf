package preflight

import (
	"context"

	"reel/internal/config"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// RunAll executes all applicable preflight checks for the given config.
func RunAll(ctx context.Context, cfg *config.Config) []Result {
	if cfg == nil {
		return nil
	}

	var results []Result
	if cfg.Paths.VideoDir != "" {
		results = append(results, CheckDirectoryReadable("Video directory", cfg.Paths.VideoDir))
	}
	if cfg.Paths.ImageDir != "" {
		results = append(results, CheckDirectoryReadable("Image directory", cfg.Paths.ImageDir))
	}
	results = append(results, CheckDirectoryAccess("State directory", cfg.Paths.StateDir))
	if cfg.VideoOptimization.Enabled {
		results = append(results, CheckDirectoryAccess("Cache directory", cfg.VideoOptimization.CacheDir))
	}
	if ctx.Err() != nil {
		return results
	}
	results = append(results, CheckWaylandSession())
	return results
}

// Failed filters results down to failed checks.
func Failed(results []Result) []Result {
	var out []Result
	for _, r := range results {
		if !r.Passed {
			out = append(out, r)
		}
	}
	return out
}
