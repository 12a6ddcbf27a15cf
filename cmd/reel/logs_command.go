package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"reel/internal/logs"
)

const logFollowWait = 5 * time.Second

func newLogsCommand(ctx *commandContext) *cobra.Command {
	var follow bool
	var lines int
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show the daemon log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			path := filepath.Join(cfg.Paths.LogDir, "reel.log")
			out := cmd.OutOrStdout()
			runCtx := cmd.Context()
			if runCtx == nil {
				runCtx = context.Background()
			}

			opts := logs.TailOptions{Offset: -1, Limit: lines}
			if lines <= 0 {
				opts = logs.TailOptions{Offset: 0}
			}
			for {
				result, err := logs.Tail(runCtx, path, opts)
				if err != nil {
					if errors.Is(err, context.Canceled) {
						return nil
					}
					return err
				}
				for _, line := range result.Lines {
					fmt.Fprintln(out, line)
				}
				if !follow {
					return nil
				}
				opts = logs.TailOptions{Offset: result.Offset, Follow: true, Wait: logFollowWait}
			}
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Follow log output")
	cmd.Flags().IntVarP(&lines, "lines", "n", 20, "Number of lines to show (0 for all)")
	return cmd
}
