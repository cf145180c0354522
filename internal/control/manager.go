// Package control owns renderer sessions: one per device, opened on demand,
// refreshed in the background, and torn down together on shutdown.
package control

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"avbridge.app/avbridge/internal/devices"
	"avbridge.app/avbridge/internal/domain"
	"avbridge.app/avbridge/internal/eventing"
	"avbridge.app/avbridge/internal/renderer"
)

const (
	defaultPollInterval = 10 * time.Second
	refreshTimeout      = 5 * time.Second
)

var errManagerClosed = errors.New("control manager is closed")

// Manager opens and tracks renderer sessions keyed by device UDN.
type Manager struct {
	devices    *devices.Manager
	registry   *eventing.Registry
	listenAddr eventing.ListenAddr
	iface      string
	pollEvery  time.Duration
	logger     *slog.Logger

	pollCancel context.CancelFunc
	pollDone   chan struct{}
	closeOnce  sync.Once
	closeErr   error

	mu       sync.Mutex
	sessions map[string]*renderer.Session
	closed   bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithListenAddr selects the shared notify endpoint for all sessions.
func WithListenAddr(addr eventing.ListenAddr) Option {
	return func(m *Manager) { m.listenAddr = addr }
}

// WithInterface scopes presence monitoring to one network interface.
func WithInterface(iface string) Option {
	return func(m *Manager) { m.iface = iface }
}

// WithPollInterval overrides the background refresh cadence.
func WithPollInterval(every time.Duration) Option {
	return func(m *Manager) { m.pollEvery = every }
}

// WithLogger sets the manager's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

func NewManager(devs *devices.Manager, registry *eventing.Registry, opts ...Option) *Manager {
	pollCtx, pollCancel := context.WithCancel(context.Background())
	m := &Manager{
		devices:    devs,
		registry:   registry,
		pollEvery:  defaultPollInterval,
		logger:     slog.New(slog.DiscardHandler),
		pollCancel: pollCancel,
		pollDone:   make(chan struct{}),
		sessions:   map[string]*renderer.Session{},
	}
	for _, opt := range opts {
		opt(m)
	}
	go m.runPollLoop(pollCtx)
	return m
}

// OpenSession connects to the renderer at location and returns its session.
// A second open for the same device returns the existing session.
func (m *Manager) OpenSession(ctx context.Context, location string) (*renderer.Session, error) {
	handle, err := m.devices.Connect(ctx, location)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, errManagerClosed
	}
	if sess, ok := m.sessions[handle.UDN]; ok {
		m.mu.Unlock()
		return sess, nil
	}
	m.mu.Unlock()

	sess, err := renderer.NewSession(ctx, handle, m.registry,
		renderer.WithListenAddr(m.listenAddr),
		renderer.WithInterface(m.iface),
		renderer.WithSessionLogger(m.logger),
	)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		sess.Close(ctx)
		return nil, errManagerClosed
	}
	if existing, ok := m.sessions[handle.UDN]; ok {
		// Lost the race to another opener; keep theirs.
		m.mu.Unlock()
		sess.Close(ctx)
		return existing, nil
	}
	m.sessions[handle.UDN] = sess
	m.mu.Unlock()

	m.logger.Info("renderer_session_opened", "udn", handle.UDN, "name", handle.FriendlyName)
	sess.Refresh(ctx)
	return sess, nil
}

// OpenSessionByUDN locates a renderer by UDN via discovery and opens its
// session.
func (m *Manager) OpenSessionByUDN(ctx context.Context, udn string) (*renderer.Session, error) {
	if sess, ok := m.Session(udn); ok {
		return sess, nil
	}
	handle, err := m.devices.ReconnectByDiscovery(ctx, udn)
	if err != nil {
		return nil, err
	}
	return m.OpenSession(ctx, handle.Location())
}

// Session returns the open session for a UDN, if any.
func (m *Manager) Session(udn string) (*renderer.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[udn]
	return sess, ok
}

// Cast resolves nothing itself; it points an open (or newly opened) renderer
// at already-resolved media.
func (m *Manager) Cast(ctx context.Context, location string, media domain.PlayableMedia, title string) error {
	sess, err := m.OpenSession(ctx, location)
	if err != nil {
		return err
	}
	return sess.PlayMedia(ctx, media, title)
}

// CloseSession tears down one session and releases its device handle.
func (m *Manager) CloseSession(ctx context.Context, udn string) {
	m.mu.Lock()
	sess, ok := m.sessions[udn]
	delete(m.sessions, udn)
	m.mu.Unlock()
	if !ok {
		return
	}
	sess.Close(ctx)
	m.devices.Release(udn)
	m.logger.Info("renderer_session_closed", "udn", udn)
}

// Close stops the poll loop and tears down every session and the shared
// eventing infrastructure. Safe to call more than once.
func (m *Manager) Close(ctx context.Context) error {
	m.closeOnce.Do(func() {
		m.pollCancel()
		<-m.pollDone

		m.mu.Lock()
		m.closed = true
		sessions := make([]*renderer.Session, 0, len(m.sessions))
		for _, sess := range m.sessions {
			sessions = append(sessions, sess)
		}
		m.sessions = map[string]*renderer.Session{}
		m.mu.Unlock()

		g, gctx := errgroup.WithContext(ctx)
		for _, sess := range sessions {
			g.Go(func() error {
				sess.Close(gctx)
				return nil
			})
		}
		g.Wait()

		m.closeErr = m.registry.ReleaseAll(ctx)
	})
	return m.closeErr
}

func (m *Manager) runPollLoop(ctx context.Context) {
	defer close(m.pollDone)
	ticker := time.NewTicker(m.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.refreshAll(ctx)
		}
	}
}

func (m *Manager) refreshAll(ctx context.Context) {
	m.mu.Lock()
	sessions := make([]*renderer.Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.mu.Unlock()

	for _, sess := range sessions {
		refreshCtx, cancel := context.WithTimeout(ctx, refreshTimeout)
		sess.Refresh(refreshCtx)
		cancel()
	}
}
