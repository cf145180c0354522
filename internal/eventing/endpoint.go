package eventing

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"avbridge.app/avbridge/internal/domain"
	"avbridge.app/avbridge/internal/upnp"
)

const notifyPath = "/notify"

// NotifyHandler receives the parsed variables of one NOTIFY request.
type NotifyHandler func(vars map[string]string)

// Endpoint is a bound HTTP listener receiving NOTIFY callbacks and
// dispatching them to per-subscription handlers keyed by SID.
type Endpoint struct {
	addr     ListenAddr
	listener net.Listener
	server   *http.Server
	logger   *slog.Logger

	mu       sync.Mutex
	handlers map[string]NotifyHandler

	closeOnce sync.Once

	// refs is managed by the registry under its own lock.
	refs int
}

// newEndpoint binds the listener eagerly so address conflicts surface at
// acquire time, not at first subscription.
func newEndpoint(addr ListenAddr, logger *slog.Logger) (*Endpoint, error) {
	bind := net.JoinHostPort(addr.Host, strconv.Itoa(addr.Port))
	listener, err := net.Listen("tcp", bind)
	if err != nil {
		return nil, domain.BindError(fmt.Sprintf("listen on %s", bind), err)
	}

	ep := &Endpoint{
		addr:     addr,
		listener: listener,
		logger:   logger,
		handlers: map[string]NotifyHandler{},
	}
	ep.server = &http.Server{Handler: ep}
	go func() {
		if err := ep.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.Warn("event_endpoint_serve_failed", "error", err)
		}
	}()
	return ep, nil
}

// BoundAddr is the address the listener actually bound, with the real port
// when an ephemeral one was requested.
func (ep *Endpoint) BoundAddr() string {
	return ep.listener.Addr().String()
}

// CallbackURL builds the callback to hand to a device at targetHost. A
// configured override wins; otherwise the URL uses the local IP that routes
// to the target and the bound port.
func (ep *Endpoint) CallbackURL(targetHost string) (string, error) {
	if ep.addr.CallbackURL != "" {
		return ep.addr.CallbackURL, nil
	}

	_, port, err := net.SplitHostPort(ep.BoundAddr())
	if err != nil {
		return "", fmt.Errorf("split bound address: %w", err)
	}

	host := ep.addr.Host
	if host == "" {
		host, err = localIPFor(targetHost)
		if err != nil {
			return "", err
		}
	}
	return (&url.URL{
		Scheme: "http",
		Host:   net.JoinHostPort(host, port),
		Path:   notifyPath,
	}).String(), nil
}

// localIPFor finds the local source IP a connection toward host would use.
// No packets are sent; UDP connect only selects a route.
func localIPFor(host string) (string, error) {
	conn, err := net.Dial("udp", net.JoinHostPort(host, "80"))
	if err != nil {
		return "", fmt.Errorf("route to %s: %w", host, err)
	}
	defer conn.Close()
	localAddr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "", fmt.Errorf("unexpected local address %v", conn.LocalAddr())
	}
	return localAddr.IP.String(), nil
}

// Register routes NOTIFY requests carrying sid to handler.
func (ep *Endpoint) Register(sid string, handler NotifyHandler) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.handlers[sid] = handler
}

// Unregister stops routing for sid.
func (ep *Endpoint) Unregister(sid string) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	delete(ep.handlers, sid)
}

func (ep *Endpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != "NOTIFY" {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sid := r.Header.Get("SID")
	ep.mu.Lock()
	handler, known := ep.handlers[sid]
	ep.mu.Unlock()
	if !known {
		// Stale subscription on the device side; 412 tells it to stop.
		ep.logger.Debug("notify_unknown_sid", "sid", sid)
		w.WriteHeader(http.StatusPreconditionFailed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "read failed", http.StatusBadRequest)
		return
	}
	vars, err := upnp.ParsePropertySet(body)
	if err != nil {
		ep.logger.Debug("notify_parse_failed", "sid", sid, "error", err)
		http.Error(w, "bad property set", http.StatusBadRequest)
		return
	}

	w.WriteHeader(http.StatusOK)
	handler(vars)
}

func (ep *Endpoint) close() {
	ep.closeOnce.Do(func() {
		ep.server.Close()
	})
}
