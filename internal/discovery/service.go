package discovery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/koron/go-ssdp"

	"avbridge.app/avbridge/internal/upnp"
)

const (
	defaultTimeoutMS = 2500
	minSearchSeconds = 1
	maxSearchSeconds = 5
)

// searchSSDP is swappable for tests.
var searchSSDP = ssdp.Search

// Found is one SSDP search response, normalized.
type Found struct {
	UDN        string
	USN        string
	DeviceType string
	Location   string
	Server     string
}

// Service issues SSDP M-SEARCH queries and normalizes the responses.
type Service struct {
	localAddr string
}

// NewService returns a searcher bound to localAddr ("" means all interfaces).
func NewService(localAddr string) *Service {
	return &Service{localAddr: localAddr}
}

// Search queries for devices of the given type and returns responses deduped
// by UDN. searchTarget is an SSDP ST value such as a device type URN,
// "upnp:rootdevice", or "uuid:<udn>".
func (s *Service) Search(ctx context.Context, searchTarget string, timeoutMS int) ([]Found, error) {
	if searchTarget == "" {
		return nil, errors.New("search target is required")
	}
	if timeoutMS <= 0 {
		timeoutMS = defaultTimeoutMS
	}

	type result struct {
		services []ssdp.Service
		err      error
	}
	resultCh := make(chan result, 1)

	go func() {
		services, err := searchSSDP(searchTarget, timeoutToWaitSeconds(timeoutMS), s.localAddr)
		resultCh <- result{services: services, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-resultCh:
		if res.err != nil {
			return nil, fmt.Errorf("ssdp search %s: %w", searchTarget, res.err)
		}
		return normalizeResponses(res.services), nil
	}
}

// FindByUDN searches for a single device by its UDN and returns its
// description location. An empty location with nil error means no response.
func (s *Service) FindByUDN(ctx context.Context, udn string, timeoutMS int) (string, error) {
	found, err := s.Search(ctx, udn, timeoutMS)
	if err != nil {
		return "", err
	}
	for _, f := range found {
		if f.UDN == udn {
			return f.Location, nil
		}
	}
	return "", nil
}

// SearchRenderers is Search scoped to MediaRenderer devices.
func (s *Service) SearchRenderers(ctx context.Context, timeoutMS int) ([]Found, error) {
	return s.Search(ctx, upnp.DeviceTypeMediaRenderer, timeoutMS)
}

// SearchServers is Search scoped to MediaServer devices.
func (s *Service) SearchServers(ctx context.Context, timeoutMS int) ([]Found, error) {
	return s.Search(ctx, upnp.DeviceTypeMediaServer, timeoutMS)
}

func timeoutToWaitSeconds(timeoutMS int) int {
	seconds := int(time.Duration(timeoutMS) * time.Millisecond / time.Second)
	if seconds < minSearchSeconds {
		return minSearchSeconds
	}
	if seconds > maxSearchSeconds {
		return maxSearchSeconds
	}
	return seconds
}

func normalizeResponses(services []ssdp.Service) []Found {
	byUDN := make(map[string]Found, len(services))
	for _, svc := range services {
		location := strings.TrimSpace(svc.Location)
		if location == "" {
			continue
		}
		usn := strings.TrimSpace(svc.USN)
		found := Found{
			UDN:        UDNFromUSN(usn),
			USN:        usn,
			DeviceType: strings.TrimSpace(svc.Type),
			Location:   location,
			Server:     strings.TrimSpace(svc.Server),
		}
		if found.UDN == "" {
			continue
		}
		// Devices answer once per advertised service; one entry per device.
		if _, seen := byUDN[found.UDN]; !seen {
			byUDN[found.UDN] = found
		}
	}

	out := make([]Found, 0, len(byUDN))
	for _, f := range byUDN {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UDN < out[j].UDN })
	return out
}

// UDNFromUSN extracts the uuid:... prefix of a USN header value. A bare UDN
// passes through unchanged.
func UDNFromUSN(usn string) string {
	udn, _, _ := strings.Cut(usn, "::")
	return strings.TrimSpace(udn)
}
