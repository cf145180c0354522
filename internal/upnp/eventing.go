package upnp

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
)

// Subscription is the device side of a GENA subscription: the SID the device
// assigned and the timeout it actually granted.
type Subscription struct {
	SID     string
	Timeout time.Duration
}

// EventClient speaks the GENA SUBSCRIBE/UNSUBSCRIBE verbs against a service's
// event subscription URL.
type EventClient struct {
	httpClient *http.Client
}

func NewEventClient(client *http.Client) *EventClient {
	if client == nil {
		client = cleanhttp.DefaultPooledClient()
	}
	return &EventClient{httpClient: client}
}

// Subscribe opens a new subscription delivering NOTIFY requests to callbackURL.
func (c *EventClient) Subscribe(ctx context.Context, eventSubURL, callbackURL string, timeout time.Duration) (*Subscription, error) {
	req, err := http.NewRequestWithContext(ctx, "SUBSCRIBE", eventSubURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build subscribe request: %w", err)
	}
	req.Header.Set("CALLBACK", "<"+callbackURL+">")
	req.Header.Set("NT", "upnp:event")
	req.Header.Set("TIMEOUT", formatTimeout(timeout))
	return c.doSubscribe(req)
}

// Renew extends an existing subscription by SID.
func (c *EventClient) Renew(ctx context.Context, eventSubURL, sid string, timeout time.Duration) (*Subscription, error) {
	req, err := http.NewRequestWithContext(ctx, "SUBSCRIBE", eventSubURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build renew request: %w", err)
	}
	req.Header.Set("SID", sid)
	req.Header.Set("TIMEOUT", formatTimeout(timeout))
	return c.doSubscribe(req)
}

// Unsubscribe tears down a subscription by SID.
func (c *EventClient) Unsubscribe(ctx context.Context, eventSubURL, sid string) error {
	req, err := http.NewRequestWithContext(ctx, "UNSUBSCRIBE", eventSubURL, nil)
	if err != nil {
		return fmt.Errorf("build unsubscribe request: %w", err)
	}
	req.Header.Set("SID", sid)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("unsubscribe: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unsubscribe: unexpected status %s", resp.Status)
	}
	return nil
}

func (c *EventClient) doSubscribe(req *http.Request) (*Subscription, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("subscribe: unexpected status %s", resp.Status)
	}

	sid := resp.Header.Get("SID")
	if sid == "" {
		return nil, fmt.Errorf("subscribe: response missing SID header")
	}
	granted, err := ParseTimeout(resp.Header.Get("TIMEOUT"))
	if err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	return &Subscription{SID: sid, Timeout: granted}, nil
}

func formatTimeout(d time.Duration) string {
	return "Second-" + strconv.Itoa(int(d/time.Second))
}

// ParseTimeout parses a GENA TIMEOUT header value such as "Second-1800".
func ParseTimeout(value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	rest, ok := strings.CutPrefix(strings.ToLower(value), "second-")
	if !ok {
		return 0, fmt.Errorf("malformed timeout header %q", value)
	}
	secs, err := strconv.Atoi(rest)
	if err != nil || secs <= 0 {
		return 0, fmt.Errorf("malformed timeout header %q", value)
	}
	return time.Duration(secs) * time.Second, nil
}

// PropertySet is the body of a GENA NOTIFY request.
type PropertySet struct {
	XMLName    xml.Name   `xml:"urn:schemas-upnp-org:event-1-0 propertyset"`
	Properties []Property `xml:"property"`
}

type Property struct {
	Variables []Variable `xml:",any"`
}

type Variable struct {
	XMLName xml.Name
	Value   string `xml:",chardata"`
}

// ParsePropertySet parses a NOTIFY body into flat name/value pairs.
func ParsePropertySet(data []byte) (map[string]string, error) {
	var set PropertySet
	if err := xml.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("parse property set: %w", err)
	}
	out := map[string]string{}
	for _, p := range set.Properties {
		for _, v := range p.Variables {
			out[v.XMLName.Local] = v.Value
		}
	}
	return out, nil
}
