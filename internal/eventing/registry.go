// Package eventing owns the shared infrastructure for UPnP event delivery:
// local HTTP endpoints that receive NOTIFY callbacks and SSDP monitors that
// watch device presence. Both are shared across sessions, refcounted, and
// torn down together on shutdown.
package eventing

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// ListenAddr identifies one shared notify endpoint. Sessions asking for the
// same address share the same listener.
type ListenAddr struct {
	// Host is the local IP to bind. Empty binds all interfaces.
	Host string
	// Port is the TCP port to bind. Zero picks an ephemeral port.
	Port int
	// CallbackURL overrides the advertised callback. Empty derives it from
	// the bound address and the target device's network.
	CallbackURL string
}

// Registry hands out shared endpoints and updaters. One mutex guards both
// maps so acquire and release stay consistent across the two kinds.
type Registry struct {
	mu        sync.Mutex
	endpoints map[ListenAddr]*Endpoint
	updaters  map[string]*Updater

	logger *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Registry{
		endpoints: map[ListenAddr]*Endpoint{},
		updaters:  map[string]*Updater{},
		logger:    logger,
	}
}

// Endpoint returns the shared endpoint for addr, creating and binding it on
// first use. Every successful call must be paired with ReleaseEndpoint.
func (r *Registry) Endpoint(addr ListenAddr) (*Endpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ep, ok := r.endpoints[addr]; ok {
		ep.refs++
		return ep, nil
	}

	ep, err := newEndpoint(addr, r.logger)
	if err != nil {
		return nil, err
	}
	ep.refs = 1
	r.endpoints[addr] = ep
	r.logger.Debug("event_endpoint_created", "bound", ep.BoundAddr())
	return ep, nil
}

// ReleaseEndpoint drops one reference; the endpoint closes when the last
// reference goes.
func (r *Registry) ReleaseEndpoint(addr ListenAddr) {
	r.mu.Lock()
	ep, ok := r.endpoints[addr]
	if ok {
		ep.refs--
		if ep.refs <= 0 {
			delete(r.endpoints, addr)
		} else {
			ep = nil
		}
	}
	r.mu.Unlock()

	if ep != nil && ok {
		ep.close()
		r.logger.Debug("event_endpoint_closed", "bound", ep.BoundAddr())
	}
}

// Updater returns the shared presence updater for a source interface (by
// name, or "" for all interfaces). Pair with ReleaseUpdater.
func (r *Registry) Updater(iface string) (*Updater, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if u, ok := r.updaters[iface]; ok {
		u.refs++
		return u, nil
	}

	u, err := newUpdater(iface, r.logger)
	if err != nil {
		return nil, err
	}
	u.refs = 1
	r.updaters[iface] = u
	r.logger.Debug("presence_updater_created", "iface", iface)
	return u, nil
}

// ReleaseUpdater drops one reference; the updater stops when the last
// reference goes.
func (r *Registry) ReleaseUpdater(iface string) {
	r.mu.Lock()
	u, ok := r.updaters[iface]
	if ok {
		u.refs--
		if u.refs <= 0 {
			delete(r.updaters, iface)
		} else {
			u = nil
		}
	}
	r.mu.Unlock()

	if u != nil && ok {
		u.close()
		r.logger.Debug("presence_updater_closed", "iface", iface)
	}
}

// ReleaseAll tears down every endpoint and updater regardless of refcounts.
// Safe to call more than once; the second call finds nothing to do.
func (r *Registry) ReleaseAll(ctx context.Context) error {
	r.mu.Lock()
	endpoints := make([]*Endpoint, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		endpoints = append(endpoints, ep)
	}
	updaters := make([]*Updater, 0, len(r.updaters))
	for _, u := range r.updaters {
		updaters = append(updaters, u)
	}
	r.endpoints = map[ListenAddr]*Endpoint{}
	r.updaters = map[string]*Updater{}
	r.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	for _, ep := range endpoints {
		g.Go(func() error {
			ep.close()
			return nil
		})
	}
	for _, u := range updaters {
		g.Go(func() error {
			u.close()
			return nil
		})
	}
	err := g.Wait()
	if len(endpoints)+len(updaters) > 0 {
		r.logger.Info("eventing_released", "endpoints", len(endpoints), "updaters", len(updaters))
	}
	return err
}
