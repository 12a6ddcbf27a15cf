package daemon

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pilebones/go-udev/netlink"

	"reel/internal/logging"
)

const hotplugSettle = 2 * time.Second

// hotplugMonitor listens for DRM connector events on the udev netlink socket
// and invokes the handler once a burst of events has settled.
type hotplugMonitor struct {
	logger  *slog.Logger
	handler func(ctx context.Context) error
	settle  time.Duration

	mu      sync.Mutex
	conn    *netlink.UEventConn
	quit    chan struct{}
	timer   *time.Timer
	running bool
}

func newHotplugMonitor(logger *slog.Logger, handler func(ctx context.Context) error) *hotplugMonitor {
	return &hotplugMonitor{
		logger:  logging.NewComponentLogger(logger, "hotplug"),
		handler: handler,
		settle:  hotplugSettle,
	}
}

// Start connects to the netlink socket. Failure is logged and non-fatal.
func (m *hotplugMonitor) Start(ctx context.Context) error {
	if m == nil {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}

	conn := new(netlink.UEventConn)
	if err := conn.Connect(netlink.UdevEvent); err != nil {
		logging.WarnWithContext(m.logger, "failed to connect to netlink socket; display changes need a restart", "netlink_connect_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "ensure the daemon may open netlink sockets or set hotplug.enabled = false"),
			logging.String(logging.FieldImpact, "renditions keep the old display size after a monitor change"),
		)
		return nil
	}

	m.conn = conn
	m.quit = make(chan struct{})
	m.running = true
	quit := m.quit
	go m.monitorLoop(ctx, conn, quit)

	m.logger.Info("hotplug monitor started", logging.String(logging.FieldEventType, "hotplug_monitor_started"))
	return nil
}

// Stop closes the socket and drops any pending refresh.
func (m *hotplugMonitor) Stop() {
	if m == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if !m.running {
		return
	}
	close(m.quit)
	m.quit = nil
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.running = false
	m.logger.Info("hotplug monitor stopped", logging.String(logging.FieldEventType, "hotplug_monitor_stopped"))
}

// Running reports whether the monitor is active.
func (m *hotplugMonitor) Running() bool {
	if m == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *hotplugMonitor) monitorLoop(ctx context.Context, conn *netlink.UEventConn, quit <-chan struct{}) {
	queue := make(chan netlink.UEvent)
	errs := make(chan error)
	monitorQuit := conn.Monitor(queue, errs, buildDRMMatcher())

	for {
		select {
		case <-ctx.Done():
			close(monitorQuit)
			return
		case <-quit:
			close(monitorQuit)
			return
		case uevent := <-queue:
			m.handleEvent(ctx, uevent)
		case err := <-errs:
			logging.WarnWithContext(m.logger, "netlink monitor error", "netlink_monitor_error",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check kernel netlink subsystem"),
				logging.String(logging.FieldImpact, "display changes may be missed"),
			)
		}
	}
}

// buildDRMMatcher matches connector change events: SUBSYSTEM=drm, HOTPLUG=1, ACTION=change.
func buildDRMMatcher() netlink.Matcher {
	action := "change"
	rules := &netlink.RuleDefinitions{}
	rules.AddRule(netlink.RuleDefinition{
		Action: &action,
		Env: map[string]string{
			"SUBSYSTEM": "drm",
			"HOTPLUG":   "1",
		},
	})
	return rules
}

// handleEvent schedules the handler after the settle delay, collapsing bursts
// into one refresh. A zero settle delay runs the handler inline.
func (m *hotplugMonitor) handleEvent(ctx context.Context, uevent netlink.UEvent) {
	m.logger.Debug("drm hotplug event",
		logging.String("action", string(uevent.Action)),
		logging.String("kobj", uevent.KObj),
	)
	if m.handler == nil {
		return
	}
	if m.settle <= 0 {
		m.fire(ctx)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timer != nil {
		m.timer.Reset(m.settle)
		return
	}
	m.timer = time.AfterFunc(m.settle, func() {
		m.mu.Lock()
		m.timer = nil
		m.mu.Unlock()
		m.fire(ctx)
	})
}

func (m *hotplugMonitor) fire(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	m.logger.Info("display configuration changed", logging.String(logging.FieldEventType, "display_hotplug"))
	if err := m.handler(ctx); err != nil {
		logging.WarnWithContext(m.logger, "display refresh failed", "display_refresh_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check hyprctl monitors -j output"),
			logging.String(logging.FieldImpact, "renditions keep the previous target size"),
		)
	}
}
