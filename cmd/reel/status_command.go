package main

import (
	"cmp"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"reel/internal/daemon"
	"reel/internal/ipc"
	"reel/internal/rotation"
)

type statusView struct {
	Status ipc.StatusResponse `json:"status"`
	Pool   daemon.Pool        `json:"pool"`
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var modeFlag string
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the active mode and the weight pool",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var view statusView
			poolFor := func(active rotation.Mode) (rotation.Mode, error) {
				if modeFlag == "" {
					return active, nil
				}
				return rotation.ParseMode(modeFlag)
			}
			err := ctx.withBackend(cmd,
				func(client *ipc.Client) error {
					status, err := client.Status()
					if err != nil {
						return err
					}
					mode, err := poolFor(status.Mode)
					if err != nil {
						return err
					}
					pool, err := client.Pool(string(mode))
					if err != nil {
						return err
					}
					view = statusView{Status: *status, Pool: pool.Pool}
					return nil
				},
				func(runCtx context.Context, d *daemon.Daemon) error {
					status := d.Status(runCtx)
					mode, err := poolFor(status.Mode)
					if err != nil {
						return err
					}
					pool, err := d.Pool(mode)
					if err != nil {
						return err
					}
					view = statusView{Status: ipc.StatusResponse{Status: status}, Pool: pool}
					return nil
				},
			)
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(cmd, view)
			}
			renderStatus(cmd.OutOrStdout(), view, shouldColorize(cmd.OutOrStdout()))
			return nil
		},
	}
	cmd.Flags().StringVarP(&modeFlag, "mode", "m", "", "Pool to list: video or picture (default active mode)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

func renderStatus(out io.Writer, view statusView, colorize bool) {
	status := view.Status
	for _, line := range renderSectionHeader("Daemon", colorize) {
		fmt.Fprintln(out, line)
	}
	if status.Running {
		fmt.Fprintln(out, renderStatusLine("Daemon", statusOK, fmt.Sprintf("Running (pid %d)", status.PID), colorize))
	} else {
		fmt.Fprintln(out, renderStatusLine("Daemon", statusInfo, "Not running", colorize))
	}
	modeDetail := string(status.Mode)
	if status.VRAMFallback {
		modeDetail += " (VRAM fallback)"
	}
	fmt.Fprintln(out, renderStatusLine("Mode", statusInfo, modeDetail, colorize))
	if status.Current != nil {
		fmt.Fprintln(out, renderStatusLine("Showing", statusOK, filepath.Base(status.Current.Source), colorize))
	}
	if status.LastError != "" {
		fmt.Fprintln(out, renderStatusLine("Last error", statusWarn, fmt.Sprintf("[%s] %s", status.LastErrorKey, status.LastError), colorize))
	}
	if status.Profile != nil {
		p := status.Profile
		fmt.Fprintln(out, renderStatusLine("Target", statusInfo,
			fmt.Sprintf("%dx%d@%dfps via %s", p.Width, p.Height, p.FPS, p.Encoder), colorize))
	}
	if status.Cache != nil {
		c := status.Cache
		fmt.Fprintln(out, renderStatusLine("Cache", statusInfo,
			fmt.Sprintf("%d renditions, %s of %s", c.Entries, humanize.IBytes(uint64(c.TotalBytes)), humanize.IBytes(uint64(c.BudgetBytes))), colorize))
	}
	fmt.Fprintln(out)

	pool := view.Pool
	for _, line := range renderSectionHeader(fmt.Sprintf("%s pool (%s)", pool.Mode, pool.Dir), colorize) {
		fmt.Fprintln(out, line)
	}
	if pool.PersistError != "" {
		fmt.Fprintln(out, renderStatusLine("Snapshot", statusWarn, pool.PersistError, colorize))
	}
	if len(pool.Items) == 0 {
		fmt.Fprintln(out, "Pool is empty")
		return
	}
	fmt.Fprint(out, renderTable(
		[]string{"#", "File", "Weight", "Skips", "Last shown"},
		poolRows(pool.Items, time.Now()),
		[]columnAlignment{alignRight, alignLeft, alignRight, alignRight, alignLeft},
	))
	fmt.Fprintln(out)
	s := pool.Stats
	fmt.Fprintf(out, "%d items, weight min %.3f / avg %.3f / max %.3f, round %d\n", s.Count, s.Min, s.Avg, s.Max, s.Generation)
}

// poolRows lists items heaviest first; ties keep path order.
func poolRows(items []rotation.Item, now time.Time) [][]string {
	sorted := slices.Clone(items)
	slices.SortStableFunc(sorted, func(a, b rotation.Item) int {
		if c := cmp.Compare(b.Weight, a.Weight); c != 0 {
			return c
		}
		return cmp.Compare(a.Path, b.Path)
	})
	rows := make([][]string, 0, len(sorted))
	for i, item := range sorted {
		last := "never"
		if !item.LastSelectedAt.IsZero() {
			last = humanize.RelTime(item.LastSelectedAt, now, "ago", "from now")
		}
		rows = append(rows, []string{
			strconv.Itoa(i + 1),
			filepath.Base(item.Path),
			strconv.FormatFloat(item.Weight, 'f', 3, 64),
			strconv.Itoa(item.SkipStreak),
			last,
		})
	}
	return rows
}
