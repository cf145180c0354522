package eventing

import (
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/koron/go-ssdp"

	"avbridge.app/avbridge/internal/discovery"
)

// PresenceFunc is called when a watched device announces itself (alive true,
// location set) or says goodbye (alive false).
type PresenceFunc func(alive bool, location string)

// startMonitor and closeMonitor are swappable for tests.
var (
	startMonitor = func(m *ssdp.Monitor) error { return m.Start() }
	closeMonitor = func(m *ssdp.Monitor) error { return m.Close() }
)

// Updater watches SSDP alive/byebye multicasts on one source interface and
// dispatches presence changes to per-UDN handlers.
type Updater struct {
	iface   string
	monitor *ssdp.Monitor
	logger  *slog.Logger

	mu       sync.Mutex
	handlers map[string]PresenceFunc

	closeOnce sync.Once

	// refs is managed by the registry under its own lock.
	refs int
}

func newUpdater(iface string, logger *slog.Logger) (*Updater, error) {
	if iface != "" {
		ifi, err := net.InterfaceByName(iface)
		if err != nil {
			return nil, fmt.Errorf("interface %s: %w", iface, err)
		}
		// Scoping is process-global in go-ssdp; the registry keys updaters
		// by interface so only one setting is active at a time.
		ssdp.Interfaces = []net.Interface{*ifi}
	}

	u := &Updater{
		iface:    iface,
		logger:   logger,
		handlers: map[string]PresenceFunc{},
	}
	u.monitor = &ssdp.Monitor{
		Alive: u.onAlive,
		Bye:   u.onBye,
	}
	if err := startMonitor(u.monitor); err != nil {
		return nil, fmt.Errorf("start ssdp monitor: %w", err)
	}
	return u, nil
}

// Watch dispatches presence changes for udn to fn, replacing any previous
// handler for that UDN.
func (u *Updater) Watch(udn string, fn PresenceFunc) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.handlers[udn] = fn
}

// Unwatch stops dispatching for udn.
func (u *Updater) Unwatch(udn string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.handlers, udn)
}

func (u *Updater) onAlive(m *ssdp.AliveMessage) {
	u.dispatch(discovery.UDNFromUSN(m.USN), true, m.Location)
}

func (u *Updater) onBye(m *ssdp.ByeMessage) {
	u.dispatch(discovery.UDNFromUSN(m.USN), false, "")
}

func (u *Updater) dispatch(udn string, alive bool, location string) {
	if udn == "" {
		return
	}
	u.mu.Lock()
	fn, ok := u.handlers[udn]
	u.mu.Unlock()
	if !ok {
		return
	}
	u.logger.Debug("device_presence", "udn", udn, "alive", alive, "location", location)
	fn(alive, location)
}

func (u *Updater) close() {
	u.closeOnce.Do(func() {
		if err := closeMonitor(u.monitor); err != nil {
			u.logger.Warn("ssdp_monitor_close_failed", "iface", u.iface, "error", err)
		}
	})
}
