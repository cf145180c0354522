package upnp

import (
	"encoding/xml"
	"fmt"
	"net/url"
	"strings"
)

const (
	DeviceTypeMediaRenderer = "urn:schemas-upnp-org:device:MediaRenderer:1"
	DeviceTypeMediaServer   = "urn:schemas-upnp-org:device:MediaServer:1"

	ServiceTypeAVTransport       = "urn:schemas-upnp-org:service:AVTransport:1"
	ServiceTypeRenderingControl  = "urn:schemas-upnp-org:service:RenderingControl:1"
	ServiceTypeContentDirectory  = "urn:schemas-upnp-org:service:ContentDirectory:1"
	ServiceTypeConnectionManager = "urn:schemas-upnp-org:service:ConnectionManager:1"
)

type SpecVersion struct {
	Major int `xml:"major"`
	Minor int `xml:"minor"`
}

type Icon struct {
	Mimetype string `xml:"mimetype"`
	Width    int    `xml:"width"`
	Height   int    `xml:"height"`
	Depth    int    `xml:"depth"`
	URL      string `xml:"url"`
}

type Service struct {
	ServiceType string `xml:"serviceType"`
	ServiceID   string `xml:"serviceId"`
	SCPDURL     string `xml:"SCPDURL"`
	ControlURL  string `xml:"controlURL"`
	EventSubURL string `xml:"eventSubURL"`
}

type Device struct {
	DeviceType   string    `xml:"deviceType"`
	FriendlyName string    `xml:"friendlyName"`
	Manufacturer string    `xml:"manufacturer"`
	ModelName    string    `xml:"modelName"`
	UDN          string    `xml:"UDN"`
	IconList     []Icon    `xml:"iconList>icon"`
	ServiceList  []Service `xml:"serviceList>service"`

	// Embedded devices; some renderers hang their AV services off a
	// sub-device rather than the root.
	DeviceList []Device `xml:"deviceList>device"`
}

type DeviceDesc struct {
	XMLName     xml.Name    `xml:"root"`
	SpecVersion SpecVersion `xml:"specVersion"`
	Device      Device      `xml:"device"`
}

func ParseDeviceDesc(data []byte) (*DeviceDesc, error) {
	var desc DeviceDesc
	if err := xml.Unmarshal(data, &desc); err != nil {
		return nil, fmt.Errorf("parse device description: %w", err)
	}
	if strings.TrimSpace(desc.Device.UDN) == "" {
		return nil, fmt.Errorf("device description has no UDN")
	}
	return &desc, nil
}

// Services returns the service list of the root device plus every embedded
// device, in document order.
func (d *DeviceDesc) Services() []Service {
	return collectServices(&d.Device)
}

func collectServices(dev *Device) []Service {
	out := append([]Service{}, dev.ServiceList...)
	for i := range dev.DeviceList {
		out = append(out, collectServices(&dev.DeviceList[i])...)
	}
	return out
}

type SCPDAction struct {
	Name      string         `xml:"name"`
	Arguments []SCPDArgument `xml:"argumentList>argument"`
}

type SCPDArgument struct {
	Name            string `xml:"name"`
	Direction       string `xml:"direction"`
	RelatedStateVar string `xml:"relatedStateVariable"`
}

type StateVariable struct {
	SendEvents string `xml:"sendEvents,attr"`
	Name       string `xml:"name"`
	DataType   string `xml:"dataType"`
}

type SCPD struct {
	XMLName           xml.Name        `xml:"scpd"`
	SpecVersion       SpecVersion     `xml:"specVersion"`
	ActionList        []SCPDAction    `xml:"actionList>action"`
	ServiceStateTable []StateVariable `xml:"serviceStateTable>stateVariable"`
}

func ParseSCPD(data []byte) (*SCPD, error) {
	var scpd SCPD
	if err := xml.Unmarshal(data, &scpd); err != nil {
		return nil, fmt.Errorf("parse SCPD: %w", err)
	}
	return &scpd, nil
}

// ActionNames returns the set of action names the service declares.
func (s *SCPD) ActionNames() map[string]struct{} {
	out := make(map[string]struct{}, len(s.ActionList))
	for _, a := range s.ActionList {
		out[a.Name] = struct{}{}
	}
	return out
}

// ResolveURL resolves a possibly-relative reference from a device description
// against the description's own URL.
func ResolveURL(base *url.URL, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" || base == nil {
		return ref
	}
	parsed, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(parsed).String()
}
