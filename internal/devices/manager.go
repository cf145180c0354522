// Package devices maintains connections to UPnP devices: it fetches and
// parses device descriptions, discovers each service's action set, and hands
// out deduplicated handles keyed by UDN.
package devices

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"

	"avbridge.app/avbridge/internal/domain"
	"avbridge.app/avbridge/internal/upnp"
)

const (
	DefaultConnectTimeout = 10 * time.Second

	maxDescriptionBytes = 2 << 20
	findTimeoutMS       = 3000
)

// avServiceTypes are the services whose SCPDs are fetched for capability
// gating. Other services stay listed on the handle but without action sets.
var avServiceTypes = map[string]bool{
	upnp.ServiceTypeAVTransport:       true,
	upnp.ServiceTypeRenderingControl:  true,
	upnp.ServiceTypeContentDirectory:  true,
	upnp.ServiceTypeConnectionManager: true,
}

// Finder locates a device's description URL by UDN, typically via SSDP.
type Finder interface {
	FindByUDN(ctx context.Context, udn string, timeoutMS int) (string, error)
}

type serviceEndpoint struct {
	serviceType string
	controlURL  string
	eventSubURL string
	actions     map[string]struct{}
}

// Handle is a connected device. Handles are shared; all fields are set at
// connect time and only the description location may change afterwards.
type Handle struct {
	UDN          string
	DeviceType   string
	FriendlyName string
	Manufacturer string
	ModelName    string

	mu       sync.Mutex
	location string
	baseURL  *url.URL
	iconURL  string
	services map[string]*serviceEndpoint

	soap *upnp.SOAPClient
}

// Location returns the current root description URL.
func (h *Handle) Location() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.location
}

// USN is the composite unique service name for the device's root type.
func (h *Handle) USN() string {
	return h.UDN + "::" + h.DeviceType
}

// Icon returns the device's icon URL, already absolute, or "".
func (h *Handle) Icon() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.iconURL
}

// HasService reports whether the device advertises the given service type.
func (h *Handle) HasService(serviceType string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.services[serviceType]
	return ok
}

// HasAction reports whether the given service declares the action in its SCPD.
func (h *Handle) HasAction(serviceType, action string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	svc, ok := h.services[serviceType]
	if !ok {
		return false
	}
	_, ok = svc.actions[action]
	return ok
}

// EventURL returns the absolute event subscription URL for a service, or "".
func (h *Handle) EventURL(serviceType string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	svc, ok := h.services[serviceType]
	if !ok {
		return ""
	}
	return svc.eventSubURL
}

// AbsoluteURL resolves a device-relative reference against the description
// location.
func (h *Handle) AbsoluteURL(ref string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return upnp.ResolveURL(h.baseURL, ref)
}

// Invoke posts a SOAP action to the named service's control URL.
func (h *Handle) Invoke(ctx context.Context, serviceType, action string, args []upnp.Arg) (map[string]string, error) {
	h.mu.Lock()
	svc, ok := h.services[serviceType]
	h.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("device %s has no %s service", h.UDN, serviceType)
	}
	return h.soap.Invoke(ctx, svc.controlURL, serviceType, action, args)
}

func (h *Handle) update(location string, baseURL *url.URL, iconURL string, services map[string]*serviceEndpoint) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.location = location
	h.baseURL = baseURL
	h.iconURL = iconURL
	h.services = services
}

// Manager connects to devices and deduplicates handles by UDN.
type Manager struct {
	mu      sync.Mutex
	handles map[string]*Handle

	fetchClient *http.Client
	soap        *upnp.SOAPClient
	finder      Finder
	logger      *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithFinder sets the discovery collaborator used by ReconnectByDiscovery.
func WithFinder(f Finder) Option {
	return func(m *Manager) { m.finder = f }
}

// WithLogger sets the manager's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithFetchClient overrides the HTTP client used for description and SCPD
// fetches.
func WithFetchClient(client *http.Client) Option {
	return func(m *Manager) { m.fetchClient = client }
}

// WithControlClient overrides the HTTP client used for SOAP control calls.
func WithControlClient(client *http.Client) Option {
	return func(m *Manager) { m.soap = upnp.NewSOAPClient(client) }
}

func NewManager(opts ...Option) *Manager {
	m := &Manager{
		handles: map[string]*Handle{},
		logger:  slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.fetchClient == nil {
		m.fetchClient = defaultFetchClient()
	}
	if m.soap == nil {
		// Control calls are not idempotent, so no retrying transport here.
		client := cleanhttp.DefaultPooledClient()
		client.Timeout = DefaultConnectTimeout
		m.soap = upnp.NewSOAPClient(client)
	}
	return m
}

// Descriptions and SCPDs are plain GETs, safe to retry.
func defaultFetchClient() *http.Client {
	retry := retryablehttp.NewClient()
	retry.RetryMax = 2
	retry.RetryWaitMin = 200 * time.Millisecond
	retry.RetryWaitMax = time.Second
	retry.Logger = nil
	retry.HTTPClient.Timeout = DefaultConnectTimeout
	return retry.StandardClient()
}

// Connect fetches the description at location and returns a handle for the
// device. Connecting to an already-known UDN refreshes the existing handle in
// place and returns it.
func (m *Manager) Connect(ctx context.Context, location string) (*Handle, error) {
	baseURL, err := url.Parse(location)
	if err != nil {
		return nil, domain.ConnectError(fmt.Sprintf("invalid description location %q", location), err)
	}

	data, err := m.fetch(ctx, location)
	if err != nil {
		return nil, domain.ConnectError("fetch device description", err)
	}
	desc, err := upnp.ParseDeviceDesc(data)
	if err != nil {
		return nil, domain.ConnectError("parse device description", err)
	}

	services, err := m.loadServices(ctx, baseURL, desc)
	if err != nil {
		return nil, domain.ConnectError("load service descriptions", err)
	}

	iconURL := ""
	if len(desc.Device.IconList) > 0 {
		iconURL = upnp.ResolveURL(baseURL, desc.Device.IconList[0].URL)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.handles[desc.Device.UDN]; ok {
		existing.update(location, baseURL, iconURL, services)
		m.logger.Debug("device_refreshed", "udn", desc.Device.UDN, "location", location)
		return existing, nil
	}

	handle := &Handle{
		UDN:          desc.Device.UDN,
		DeviceType:   desc.Device.DeviceType,
		FriendlyName: desc.Device.FriendlyName,
		Manufacturer: desc.Device.Manufacturer,
		ModelName:    desc.Device.ModelName,
		location:     location,
		baseURL:      baseURL,
		iconURL:      iconURL,
		services:     services,
		soap:         m.soap,
	}
	m.handles[handle.UDN] = handle
	m.logger.Info("device_connected",
		"udn", handle.UDN,
		"name", handle.FriendlyName,
		"type", handle.DeviceType,
		"location", location)
	return handle, nil
}

// ReconnectByDiscovery locates a known-but-lost device by UDN via the finder
// and connects to whatever location it answers from.
func (m *Manager) ReconnectByDiscovery(ctx context.Context, udn string) (*Handle, error) {
	if m.finder == nil {
		return nil, domain.ConnectError("no discovery finder configured", nil)
	}
	location, err := m.finder.FindByUDN(ctx, udn, findTimeoutMS)
	if err != nil {
		return nil, domain.ConnectError("discovery search", err)
	}
	if location == "" {
		return nil, domain.DeviceNotFoundError(fmt.Sprintf("device %s did not answer discovery", udn))
	}
	return m.Connect(ctx, location)
}

// Get returns the handle for a UDN, if connected.
func (m *Manager) Get(udn string) (*Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handles[udn]
	return h, ok
}

// Release drops the handle for a UDN.
func (m *Manager) Release(udn string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.handles[udn]; ok {
		delete(m.handles, udn)
		m.logger.Debug("device_released", "udn", udn)
	}
}

// Handles returns all connected handles, ordered by UDN.
func (m *Manager) Handles() []*Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Handle, 0, len(m.handles))
	for _, h := range m.handles {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UDN < out[j].UDN })
	return out
}

func (m *Manager) loadServices(ctx context.Context, baseURL *url.URL, desc *upnp.DeviceDesc) (map[string]*serviceEndpoint, error) {
	services := map[string]*serviceEndpoint{}
	for _, svc := range desc.Services() {
		if _, dup := services[svc.ServiceType]; dup {
			continue
		}
		endpoint := &serviceEndpoint{
			serviceType: svc.ServiceType,
			controlURL:  upnp.ResolveURL(baseURL, svc.ControlURL),
			eventSubURL: upnp.ResolveURL(baseURL, svc.EventSubURL),
		}
		if avServiceTypes[svc.ServiceType] {
			scpdURL := upnp.ResolveURL(baseURL, svc.SCPDURL)
			data, err := m.fetch(ctx, scpdURL)
			if err != nil {
				return nil, fmt.Errorf("fetch SCPD for %s: %w", svc.ServiceType, err)
			}
			scpd, err := upnp.ParseSCPD(data)
			if err != nil {
				return nil, fmt.Errorf("parse SCPD for %s: %w", svc.ServiceType, err)
			}
			endpoint.actions = scpd.ActionNames()
		}
		services[svc.ServiceType] = endpoint
	}
	return services, nil
}

func (m *Manager) fetch(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := m.fetchClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: unexpected status %s", rawURL, resp.Status)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxDescriptionBytes))
}
