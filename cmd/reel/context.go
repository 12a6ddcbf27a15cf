package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"reel/internal/config"
	"reel/internal/daemon"
	"reel/internal/ipc"
	"reel/internal/logging"
)

type commandContext struct {
	socketFlag   *string
	configFlag   *string
	logLevelFlag *string

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(socketFlag, configFlag, logLevelFlag *string) *commandContext {
	return &commandContext{
		socketFlag:   socketFlag,
		configFlag:   configFlag,
		logLevelFlag: logLevelFlag,
	}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, _, _, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

func (c *commandContext) socketOverride() string {
	if c.socketFlag == nil {
		return ""
	}
	return strings.TrimSpace(*c.socketFlag)
}

func (c *commandContext) configOverride() string {
	if c.configFlag == nil {
		return ""
	}
	return strings.TrimSpace(*c.configFlag)
}

func (c *commandContext) socketPath() string {
	if socket := c.socketOverride(); socket != "" {
		return socket
	}
	if cfg, err := c.ensureConfig(); err == nil {
		return cfg.SocketPath()
	}
	return ""
}

func (c *commandContext) logLevel(cfg *config.Config) string {
	if c.logLevelFlag != nil {
		if level := strings.TrimSpace(*c.logLevelFlag); level != "" {
			return level
		}
	}
	if cfg != nil {
		return cfg.Logging.Level
	}
	return ""
}

// dialClient connects to the daemon socket.
func (c *commandContext) dialClient() (*ipc.Client, error) {
	socket := c.socketPath()
	if socket == "" {
		return nil, errors.New("connect to daemon: no socket path")
	}
	return ipc.Dial(socket)
}

// withBackend runs remote against the daemon when one answers on the socket,
// otherwise opens the state directory in-process and runs local.
func (c *commandContext) withBackend(cmd *cobra.Command, remote func(*ipc.Client) error, local func(context.Context, *daemon.Daemon) error) error {
	if client, err := c.dialClient(); err == nil {
		defer client.Close()
		return remote(client)
	}

	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	logger, err := c.newCLILogger(cfg)
	if err != nil {
		return err
	}
	d, err := daemon.New(cfg, logger, daemon.Options{})
	if err != nil {
		return err
	}
	defer d.Close()

	runCtx := cmd.Context()
	if runCtx == nil {
		runCtx = context.Background()
	}
	if err := d.Open(runCtx); err != nil {
		if errors.Is(err, daemon.ErrLocked) {
			return fmt.Errorf("reel daemon holds %s but its socket %s is not answering; restart it", cfg.LockPath(), c.socketPath())
		}
		return err
	}
	return local(runCtx, d)
}

// newCLILogger logs warnings and above to stderr for in-process commands.
func (c *commandContext) newCLILogger(cfg *config.Config) (*slog.Logger, error) {
	level := "warn"
	if c.logLevelFlag != nil && strings.TrimSpace(*c.logLevelFlag) != "" {
		level = *c.logLevelFlag
	}
	return logging.New(logging.Options{
		Level:            level,
		Format:           cfg.Logging.Format,
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	})
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
