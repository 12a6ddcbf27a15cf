package main

import (
	"github.com/spf13/cobra"

	"reel/internal/daemonrun"
)

func newDaemonRunCommand(ctx *commandContext) *cobra.Command {
	var diagnostic bool
	var development bool
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the reel daemon in the foreground",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			return daemonrun.Run(cmd.Context(), cfg, daemonrun.Options{
				LogLevel:    ctx.logLevel(cfg),
				Development: development,
				Diagnostic:  diagnostic,
				SocketPath:  ctx.socketOverride(),
			})
		},
	}
	cmd.Flags().BoolVar(&diagnostic, "diagnostic", false, "Also write DEBUG logs to log_dir/debug")
	cmd.Flags().BoolVar(&development, "development", false, "Include source locations in log output")
	return cmd
}
