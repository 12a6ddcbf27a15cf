package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"reel/internal/daemon"
	"reel/internal/daemonctl"
	"reel/internal/ipc"
	"reel/internal/rotation"
)

const (
	daemonStartTimeout = 10 * time.Second
	daemonStopGrace    = 5 * time.Second
)

func newControlCommands(ctx *commandContext) []*cobra.Command {
	nextCmd := &cobra.Command{
		Use:   "next",
		Short: "Show the next wallpaper in the active mode",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var shown daemon.Shown
			err := ctx.withBackend(cmd,
				func(client *ipc.Client) error {
					resp, err := client.Next()
					if err == nil {
						shown = resp.Shown
					}
					return err
				},
				func(runCtx context.Context, d *daemon.Daemon) (err error) {
					shown, err = d.Next(runCtx)
					return err
				},
			)
			if err != nil {
				return err
			}
			printShown(cmd.OutOrStdout(), shown)
			return nil
		},
	}

	return []*cobra.Command{
		nextCmd,
		newSwitchCommand(ctx, "video", "Switch to video wallpapers", rotation.ModeVideo),
		newSwitchCommand(ctx, "picture", "Switch to picture wallpapers", rotation.ModeImage),
		newResetCommand(ctx),
		newStartCommand(ctx),
		newStopCommand(ctx),
	}
}

func newSwitchCommand(ctx *commandContext, use, short string, mode rotation.Mode) *cobra.Command {
	return &cobra.Command{
		Use:     use,
		Short:   short,
		Args:    cobra.NoArgs,
		Aliases: aliasesFor(mode),
		RunE: func(cmd *cobra.Command, _ []string) error {
			var shown daemon.Shown
			err := ctx.withBackend(cmd,
				func(client *ipc.Client) error {
					resp, err := client.Switch(string(mode))
					if err == nil {
						shown = resp.Shown
					}
					return err
				},
				func(runCtx context.Context, d *daemon.Daemon) (err error) {
					shown, err = d.SwitchMode(runCtx, mode)
					return err
				},
			)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Mode: %s\n", mode)
			printShown(cmd.OutOrStdout(), shown)
			return nil
		},
	}
}

func aliasesFor(mode rotation.Mode) []string {
	if mode == rotation.ModeImage {
		return []string{"image", "static"}
	}
	return nil
}

func newResetCommand(ctx *commandContext) *cobra.Command {
	var modeFlag string
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Rescan media directories and merge changes into the weight pools",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			modes, err := modesFromFlag(modeFlag)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			return ctx.withBackend(cmd,
				func(client *ipc.Client) error {
					for _, mode := range modes {
						resp, err := client.Reset(string(mode))
						if err != nil {
							return err
						}
						printReset(out, mode, resp.Summary)
					}
					return nil
				},
				func(runCtx context.Context, d *daemon.Daemon) error {
					for _, mode := range modes {
						summary, err := d.Reset(runCtx, mode)
						if err != nil {
							return err
						}
						printReset(out, mode, summary)
					}
					return nil
				},
			)
		},
	}
	cmd.Flags().StringVarP(&modeFlag, "mode", "m", "", "Pool to rescan: video or picture (default both)")
	return cmd
}

func newStartCommand(ctx *commandContext) *cobra.Command {
	var diagnostic bool
	return &cobra.Command{
		Use:   "start",
		Short: "Start the reel daemon in the background",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			executable, err := os.Executable()
			if err != nil {
				return fmt.Errorf("resolve executable: %w", err)
			}
			result, err := daemonctl.EnsureStarted(ctx.socketPath(), executable, daemonctl.LaunchOptions{
				SocketPath: ctx.socketOverride(),
				ConfigPath: ctx.configOverride(),
				Diagnostic: diagnostic,
			}, daemonStartTimeout)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !result.Launched {
				fmt.Fprintf(out, "Daemon already running (pid %d)\n", result.PID)
				return nil
			}
			fmt.Fprintf(out, "Daemon started (pid %d)\n", result.PID)
			return nil
		},
	}
}

func newStopCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the reel daemon (the current wallpaper stays on screen)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			pidPath := ""
			if cfg, err := ctx.ensureConfig(); err == nil {
				pidPath = cfg.PIDPath()
			}
			result, err := daemonctl.StopAndTerminate(ctx.socketPath(), pidPath, daemonStopGrace)
			if errors.Is(err, daemonctl.ErrDaemonNotRunning) {
				fmt.Fprintln(out, "Daemon is not running")
				return nil
			}
			if err != nil {
				return err
			}
			if result.ForcedKill {
				fmt.Fprintf(out, "Daemon did not exit in time; killed pid %d\n", result.PID)
				return nil
			}
			fmt.Fprintln(out, "Daemon stopped")
			return nil
		},
	}
}

func modesFromFlag(value string) ([]rotation.Mode, error) {
	if strings.TrimSpace(value) == "" {
		return []rotation.Mode{rotation.ModeVideo, rotation.ModeImage}, nil
	}
	mode, err := rotation.ParseMode(value)
	if err != nil {
		return nil, err
	}
	return []rotation.Mode{mode}, nil
}

func printShown(out io.Writer, shown daemon.Shown) {
	fmt.Fprintf(out, "Showing %s (weight %.3f)\n", filepath.Base(shown.Source), shown.Weight)
	if shown.Rendition {
		fmt.Fprintf(out, "  rendition: %s\n", shown.Played)
	}
	if shown.Reshuffled > 0 {
		fmt.Fprintf(out, "  reshuffled %d items this round\n", shown.Reshuffled)
	}
}

func printReset(out io.Writer, mode rotation.Mode, summary rotation.ReconcileSummary) {
	fmt.Fprintf(out, "%s pool: %d kept, %d added, %d removed\n", mode, summary.Kept, summary.Added, summary.Removed)
}
