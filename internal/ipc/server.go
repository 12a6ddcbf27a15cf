package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"os"
	"sync"

	"reel/internal/daemon"
	"reel/internal/logging"
	"reel/internal/rotation"
)

// Server exposes daemon control via JSON-RPC over a Unix domain socket.
type Server struct {
	path      string
	daemon    *daemon.Daemon
	logger    *slog.Logger
	listener  net.Listener
	rpcServer *rpc.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer configures the IPC server at the given socket path.
func NewServer(ctx context.Context, path string, d *daemon.Daemon, logger *slog.Logger) (*Server, error) {
	if d == nil {
		return nil, errors.New("ipc server requires daemon")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	if err := os.RemoveAll(path); err != nil {
		return nil, fmt.Errorf("remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on socket: %w", err)
	}

	rpcServer := rpc.NewServer()
	srv := &service{daemon: d, logger: logging.NewComponentLogger(logger, "ipc"), ctx: ctx}
	if err := rpcServer.RegisterName("Reel", srv); err != nil {
		listener.Close()
		return nil, fmt.Errorf("register rpc service: %w", err)
	}

	serverCtx, cancel := context.WithCancel(ctx)
	return &Server{
		path:      path,
		daemon:    d,
		logger:    logger,
		listener:  listener,
		rpcServer: rpcServer,
		ctx:       serverCtx,
		cancel:    cancel,
	}, nil
}

// Serve starts accepting RPC connections until the context is canceled.
func (s *Server) Serve() {
	s.logger.Debug("IPC server listening", logging.String("socket", s.path))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := s.listener.Accept()
			if err != nil {
				select {
				case <-s.ctx.Done():
					return
				default:
				}
				if errors.Is(err, net.ErrClosed) {
					return
				}
				s.logger.Warn("accept failed",
					logging.Error(err),
					logging.String(logging.FieldEventType, "ipc_accept_failed"),
					logging.String(logging.FieldImpact, "reel commands may fail to reach the daemon"),
					logging.String(logging.FieldErrorHint, "check socket permissions and restart the daemon if needed"))
				continue
			}
			s.wg.Add(1)
			go func(c net.Conn) {
				defer s.wg.Done()
				s.rpcServer.ServeCodec(jsonrpc.NewServerCodec(c))
			}(conn)
		}
	}()
}

// Close stops the server and removes the socket file.
func (s *Server) Close() {
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
	if err := os.RemoveAll(s.path); err != nil {
		s.logger.Warn("failed to remove socket",
			logging.String("socket", s.path),
			logging.Error(err),
			logging.String(logging.FieldEventType, "ipc_socket_cleanup_failed"),
			logging.String(logging.FieldImpact, "a stale socket makes the CLI wait for the dial timeout"),
			logging.String(logging.FieldErrorHint, "remove the socket file manually"))
	}
}

type service struct {
	daemon *daemon.Daemon
	logger *slog.Logger
	ctx    context.Context
}

func (s *service) Next(_ NextRequest, resp *ShowResponse) error {
	shown, err := s.daemon.Next(s.ctx)
	if err != nil {
		return err
	}
	resp.Shown = shown
	return nil
}

func (s *service) Switch(req SwitchRequest, resp *ShowResponse) error {
	mode, err := rotation.ParseMode(req.Mode)
	if err != nil {
		return err
	}
	s.logger.Debug("mode switch requested", logging.String(logging.FieldMode, string(mode)))
	shown, err := s.daemon.SwitchMode(s.ctx, mode)
	if err != nil {
		return err
	}
	resp.Shown = shown
	return nil
}

func (s *service) Reset(req ResetRequest, resp *ResetResponse) error {
	mode, err := rotation.ParseMode(req.Mode)
	if err != nil {
		return err
	}
	summary, err := s.daemon.Reset(s.ctx, mode)
	if err != nil {
		return err
	}
	resp.Mode = mode
	resp.Summary = summary
	s.logger.Info("pool rescanned via IPC",
		logging.String(logging.FieldEventType, "pool_reset"),
		logging.String(logging.FieldMode, string(mode)),
		logging.Int("added", summary.Added),
		logging.Int("removed", summary.Removed))
	return nil
}

func (s *service) Status(_ StatusRequest, resp *StatusResponse) error {
	resp.Status = s.daemon.Status(s.ctx)
	resp.PID = os.Getpid()
	return nil
}

func (s *service) Pool(req PoolRequest, resp *PoolResponse) error {
	mode, err := rotation.ParseMode(req.Mode)
	if err != nil {
		return err
	}
	pool, err := s.daemon.Pool(mode)
	if err != nil {
		return err
	}
	resp.Pool = pool
	return nil
}

func (s *service) Stop(_ StopRequest, resp *StopResponse) error {
	s.logger.Info("daemon stop requested via IPC", logging.String(logging.FieldEventType, "daemon_stop"))
	s.daemon.RequestStop()
	resp.Stopping = true
	return nil
}

func (s *service) CacheStats(_ CacheStatsRequest, resp *CacheStatsResponse) error {
	stats, entries, err := s.daemon.CacheStats()
	if err != nil {
		return err
	}
	resp.Stats = stats
	resp.Entries = entries
	resp.Preload = s.daemon.PreloadJobs()
	return nil
}

func (s *service) CachePrune(_ CachePruneRequest, resp *CachePruneResponse) error {
	result, err := s.daemon.PruneCache(s.ctx)
	if err != nil {
		return err
	}
	resp.Result = result
	s.logger.Info("rendition cache pruned via IPC",
		logging.String(logging.FieldEventType, "cache_prune"),
		logging.Int("removed", result.Removed),
		logging.Int64("freed_bytes", result.FreedBytes))
	return nil
}

func (s *service) CacheWarm(_ CacheWarmRequest, resp *CacheWarmResponse) error {
	queued, err := s.daemon.TriggerPreload(s.ctx)
	if err != nil {
		return err
	}
	resp.Queued = queued
	return nil
}
