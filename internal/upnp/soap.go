package upnp

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/hashicorp/go-cleanhttp"
)

const soapEnvelopeNS = "http://schemas.xmlsoap.org/soap/envelope/"

// Arg is one named SOAP action argument. Order matters to some devices, so
// arguments travel as a slice rather than a map.
type Arg struct {
	Name  string
	Value string
}

// UPnPError is the errorCode/errorDescription pair carried inside a SOAP
// fault's UPnPError detail element.
type UPnPError struct {
	Code        int    `xml:"errorCode"`
	Description string `xml:"errorDescription"`
}

func (e *UPnPError) Error() string {
	return fmt.Sprintf("upnp error %d: %s", e.Code, e.Description)
}

// SOAPClient invokes control actions against a device's control URLs.
type SOAPClient struct {
	httpClient *http.Client
}

func NewSOAPClient(client *http.Client) *SOAPClient {
	if client == nil {
		client = cleanhttp.DefaultPooledClient()
	}
	return &SOAPClient{httpClient: client}
}

// Invoke posts a SOAP action and returns the response arguments keyed by
// element name. SOAP faults come back as an error, unwrapping to *UPnPError
// when the fault carries one.
func (c *SOAPClient) Invoke(ctx context.Context, controlURL, serviceType, action string, args []Arg) (map[string]string, error) {
	body := buildEnvelope(serviceType, action, args)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, controlURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", action, err)
	}
	req.Header.Set("Content-Type", `text/xml; charset="utf-8"`)
	req.Header.Set("SOAPAction", fmt.Sprintf("%q", serviceType+"#"+action))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("invoke %s: %w", action, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", action, err)
	}

	if resp.StatusCode != http.StatusOK {
		if upnpErr := parseFault(data); upnpErr != nil {
			return nil, fmt.Errorf("invoke %s: %w", action, upnpErr)
		}
		return nil, fmt.Errorf("invoke %s: unexpected status %s", action, resp.Status)
	}
	return parseActionResponse(data, action)
}

func buildEnvelope(serviceType, action string, args []Arg) []byte {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	buf.WriteString(`<s:Envelope xmlns:s="` + soapEnvelopeNS + `" s:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/">`)
	buf.WriteString(`<s:Body>`)
	fmt.Fprintf(&buf, `<u:%s xmlns:u="%s">`, action, serviceType)
	for _, a := range args {
		buf.WriteString("<" + a.Name + ">")
		xml.EscapeText(&buf, []byte(a.Value))
		buf.WriteString("</" + a.Name + ">")
	}
	fmt.Fprintf(&buf, `</u:%s>`, action)
	buf.WriteString(`</s:Body></s:Envelope>`)
	return buf.Bytes()
}

// parseActionResponse pulls the child elements of the <ActionNameResponse>
// element out of a SOAP envelope.
func parseActionResponse(data []byte, action string) (map[string]string, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	want := action + "Response"
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil, fmt.Errorf("no %s element in response", want)
		}
		if err != nil {
			return nil, fmt.Errorf("parse %s response: %w", action, err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != want {
			continue
		}
		out := map[string]string{}
		for {
			tok, err := dec.Token()
			if err != nil {
				return nil, fmt.Errorf("parse %s response: %w", action, err)
			}
			switch t := tok.(type) {
			case xml.StartElement:
				var value string
				if err := dec.DecodeElement(&value, &t); err != nil {
					return nil, fmt.Errorf("parse %s argument %s: %w", action, t.Name.Local, err)
				}
				out[t.Name.Local] = value
			case xml.EndElement:
				if t.Name.Local == want {
					return out, nil
				}
			}
		}
	}
}

func parseFault(data []byte) *UPnPError {
	var fault struct {
		XMLName xml.Name
		Body    struct {
			Fault struct {
				FaultString string `xml:"faultstring"`
				Detail      struct {
					UPnPError UPnPError `xml:"UPnPError"`
				} `xml:"detail"`
			} `xml:"Fault"`
		} `xml:"Body"`
	}
	if err := xml.Unmarshal(data, &fault); err != nil {
		return nil
	}
	if fault.Body.Fault.Detail.UPnPError.Code == 0 &&
		strings.TrimSpace(fault.Body.Fault.Detail.UPnPError.Description) == "" {
		return nil
	}
	return &fault.Body.Fault.Detail.UPnPError
}
