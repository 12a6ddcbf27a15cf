package main

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"reel/internal/daemon"
	"reel/internal/ipc"
	"reel/internal/preload"
	"reel/internal/rendition"
)

func newCacheCommand(ctx *commandContext) *cobra.Command {
	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and manage the video rendition cache",
	}
	cacheCmd.AddCommand(newCacheStatsCommand(ctx))
	cacheCmd.AddCommand(newCachePruneCommand(ctx))
	cacheCmd.AddCommand(newCacheWarmCommand(ctx))
	return cacheCmd
}

type cacheStatsView struct {
	Stats   rendition.Stats   `json:"stats"`
	Entries []rendition.Entry `json:"entries"`
	Preload []preload.Job     `json:"preload,omitempty"`
}

func newCacheStatsCommand(ctx *commandContext) *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show cache usage and cached renditions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var view cacheStatsView
			err := ctx.withBackend(cmd,
				func(client *ipc.Client) error {
					resp, err := client.CacheStats()
					if err != nil {
						return err
					}
					view = cacheStatsView{Stats: resp.Stats, Entries: resp.Entries, Preload: resp.Preload}
					return nil
				},
				func(_ context.Context, d *daemon.Daemon) error {
					stats, entries, err := d.CacheStats()
					if err != nil {
						return err
					}
					view = cacheStatsView{Stats: stats, Entries: entries}
					return nil
				},
			)
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(cmd, view)
			}
			renderCacheStats(cmd.OutOrStdout(), view, time.Now())
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

func renderCacheStats(out io.Writer, view cacheStatsView, now time.Time) {
	s := view.Stats
	fmt.Fprintf(out, "Cache directory: %s\n", s.Dir)
	fmt.Fprintf(out, "Used: %s of %s budget (%d renditions, %d playing)\n",
		humanize.IBytes(uint64(max(s.TotalBytes, 0))), humanize.IBytes(uint64(max(s.BudgetBytes, 0))), s.Entries, s.Pinned)
	if s.TotalFSBytes > 0 {
		fmt.Fprintf(out, "Filesystem free: %s of %s (%.0f%%)\n",
			humanize.IBytes(s.FreeBytes), humanize.IBytes(s.TotalFSBytes), s.FreeRatio*100)
	}
	if len(view.Entries) > 0 {
		rows := make([][]string, 0, len(view.Entries))
		for _, entry := range view.Entries {
			rows = append(rows, []string{
				filepath.Base(entry.Source),
				fmt.Sprintf("%dx%d@%d", entry.Width, entry.Height, entry.FPS),
				entry.Encoder,
				humanize.IBytes(uint64(max(entry.SizeBytes, 0))),
				humanize.RelTime(entry.LastUsed, now, "ago", "from now"),
			})
		}
		fmt.Fprint(out, renderTable(
			[]string{"Source", "Target", "Encoder", "Size", "Last used"},
			rows,
			[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
		))
		fmt.Fprintln(out)
	}
	if len(view.Preload) > 0 {
		rows := make([][]string, 0, len(view.Preload))
		for _, job := range view.Preload {
			rows = append(rows, []string{filepath.Base(job.Source), string(job.State), job.Error})
		}
		fmt.Fprint(out, renderTable([]string{"Preloading", "State", "Error"}, rows, nil))
		fmt.Fprintln(out)
	}
}

func newCachePruneCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Delete every cached rendition that is not playing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var result rendition.PruneResult
			err := ctx.withBackend(cmd,
				func(client *ipc.Client) error {
					resp, err := client.CachePrune()
					if err == nil {
						result = resp.Result
					}
					return err
				},
				func(runCtx context.Context, d *daemon.Daemon) (err error) {
					result, err = d.PruneCache(runCtx)
					return err
				},
			)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d renditions, freed %s", result.Removed, humanize.IBytes(uint64(max(result.FreedBytes, 0))))
			if result.Pinned > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), " (%d playing, kept)", result.Pinned)
			}
			fmt.Fprintln(cmd.OutOrStdout())
			return nil
		},
	}
}

func newCacheWarmCommand(ctx *commandContext) *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "warm",
		Short: "Encode renditions for the next videos in the rotation",
		Long: `Encode renditions for the videos most likely to play next.

With a daemon running this asks its preload queue to run immediately and
returns. Without one, the encodes run here with a progress bar.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			return ctx.withBackend(cmd,
				func(client *ipc.Client) error {
					resp, err := client.CacheWarm()
					if err != nil {
						return err
					}
					fmt.Fprintf(out, "Queued %d encodes on the daemon\n", resp.Queued)
					return nil
				},
				func(runCtx context.Context, d *daemon.Daemon) error {
					n := count
					if n <= 0 {
						n = ctx.config.VideoOptimization.PreloadCount
					}
					var bar *progressbar.ProgressBar
					failures := 0
					encoded, err := d.WarmCache(runCtx, n, func(p daemon.WarmProgress) {
						if bar == nil {
							bar = progressbar.NewOptions(p.Total,
								progressbar.OptionSetWriter(cmd.ErrOrStderr()),
								progressbar.OptionSetDescription("encoding"),
								progressbar.OptionShowCount(),
								progressbar.OptionClearOnFinish(),
							)
						}
						_ = bar.Add(1)
						if p.Err != nil {
							failures++
							fmt.Fprintf(cmd.ErrOrStderr(), "\n%s: %v\n", filepath.Base(p.Source), p.Err)
						}
					})
					if bar != nil {
						_ = bar.Finish()
					}
					if err != nil {
						return err
					}
					fmt.Fprintf(out, "Encoded %d renditions (%d failed)\n", encoded, failures)
					return nil
				},
			)
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 0, "Number of upcoming videos to encode (default preload_count)")
	return cmd
}
