package diagnostics

import "net"

var listInterfaces = net.Interfaces

type InterfaceStatus struct {
	Name      string   `json:"name"`
	Up        bool     `json:"up"`
	Multicast bool     `json:"multicast"`
	Addresses []string `json:"addresses,omitempty"`
}

// NetworkReport describes which interfaces can carry SSDP multicast, the
// first thing to check when discovery finds nothing.
type NetworkReport struct {
	Interfaces   []InterfaceStatus `json:"interfaces"`
	AnyMulticast bool              `json:"any_multicast"`
}

func DetectNetwork() NetworkReport {
	report := NetworkReport{}

	interfaces, err := listInterfaces()
	if err != nil {
		return report
	}

	for _, ifi := range interfaces {
		status := InterfaceStatus{
			Name:      ifi.Name,
			Up:        ifi.Flags&net.FlagUp != 0,
			Multicast: ifi.Flags&net.FlagMulticast != 0,
		}
		if addrs, err := ifi.Addrs(); err == nil {
			for _, addr := range addrs {
				status.Addresses = append(status.Addresses, addr.String())
			}
		}
		if status.Up && status.Multicast && ifi.Flags&net.FlagLoopback == 0 {
			report.AnyMulticast = true
		}
		report.Interfaces = append(report.Interfaces, status)
	}

	return report
}
