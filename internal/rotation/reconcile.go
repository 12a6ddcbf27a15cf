package rotation

import (
	"sort"
	"time"
)

// InitialWeight seeds a never-seen file from its modification time. The newest
// file in the scan gets base+20 and the oldest base-20, linear in between. A
// zero span (one file, or identical timestamps) yields base+20.
func InitialWeight(t, newest, oldest time.Time, base float64) float64 {
	span := newest.Sub(oldest)
	if span <= 0 {
		return base + 20
	}
	ratio := float64(newest.Sub(t)) / float64(span)
	ratio = min(max(ratio, 0), 1)
	return (base + 20) - 40*ratio
}

// Reconcile merges a fresh directory scan into an existing pool. Items whose
// path survives keep their weight and streak with ModTime refreshed; vanished
// items are dropped; new items get their age weight when the previous pool
// was empty, otherwise the midpoint of their age weight and the previous
// pool's mean. The result is ordered by path and the inputs are not modified.
func Reconcile(existing []Item, scanned []FileInfo, base float64) []Item {
	if len(scanned) == 0 {
		return nil
	}

	byPath := make(map[string]Item, len(existing))
	for _, item := range existing {
		byPath[item.Path] = item
	}
	poolMean := meanWeight(existing)

	newest, oldest := scanned[0].ModTime, scanned[0].ModTime
	for _, f := range scanned[1:] {
		if f.ModTime.After(newest) {
			newest = f.ModTime
		}
		if f.ModTime.Before(oldest) {
			oldest = f.ModTime
		}
	}

	seen := make(map[string]struct{}, len(scanned))
	out := make([]Item, 0, len(scanned))
	for _, f := range scanned {
		if _, dup := seen[f.Path]; dup {
			continue
		}
		seen[f.Path] = struct{}{}

		if prev, ok := byPath[f.Path]; ok {
			prev.ModTime = f.ModTime
			out = append(out, prev)
			continue
		}
		weight := InitialWeight(f.ModTime, newest, oldest, base)
		if len(existing) > 0 {
			weight = (weight + poolMean) / 2
		}
		out = append(out, Item{Path: f.Path, Weight: weight, ModTime: f.ModTime})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// ReconcileSummary counts what a rescan changed.
type ReconcileSummary struct {
	Kept       int   `json:"kept"`
	Added      int   `json:"added"`
	Removed    int   `json:"removed"`
	PersistErr error `json:"-"`
}

func summarize(before, after []Item) ReconcileSummary {
	prev := make(map[string]struct{}, len(before))
	for _, item := range before {
		prev[item.Path] = struct{}{}
	}
	var summary ReconcileSummary
	for _, item := range after {
		if _, ok := prev[item.Path]; ok {
			summary.Kept++
			delete(prev, item.Path)
			continue
		}
		summary.Added++
	}
	summary.Removed = len(prev)
	return summary
}
