package devices

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"avbridge.app/avbridge/internal/domain"
	"avbridge.app/avbridge/internal/upnp"
)

const avtSCPD = `<?xml version="1.0"?>
<scpd xmlns="urn:schemas-upnp-org:service-1-0">
  <actionList>
    <action><name>Play</name></action>
    <action><name>Stop</name></action>
    <action><name>SetAVTransportURI</name></action>
  </actionList>
</scpd>`

const rcsSCPD = `<?xml version="1.0"?>
<scpd xmlns="urn:schemas-upnp-org:service-1-0">
  <actionList>
    <action><name>GetVolume</name></action>
    <action><name>SetVolume</name></action>
  </actionList>
</scpd>`

func newDeviceServer(t *testing.T, udn string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/desc.xml", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<?xml version="1.0"?>
<root xmlns="urn:schemas-upnp-org:device-1-0">
  <device>
    <deviceType>urn:schemas-upnp-org:device:MediaRenderer:1</deviceType>
    <friendlyName>Test Renderer</friendlyName>
    <UDN>%s</UDN>
    <iconList>
      <icon><mimetype>image/png</mimetype><url>/icon.png</url></icon>
    </iconList>
    <serviceList>
      <service>
        <serviceType>urn:schemas-upnp-org:service:AVTransport:1</serviceType>
        <serviceId>urn:upnp-org:serviceId:AVTransport</serviceId>
        <SCPDURL>/avt.xml</SCPDURL>
        <controlURL>/avt/control</controlURL>
        <eventSubURL>/avt/event</eventSubURL>
      </service>
      <service>
        <serviceType>urn:schemas-upnp-org:service:RenderingControl:1</serviceType>
        <serviceId>urn:upnp-org:serviceId:RenderingControl</serviceId>
        <SCPDURL>/rcs.xml</SCPDURL>
        <controlURL>/rcs/control</controlURL>
        <eventSubURL>/rcs/event</eventSubURL>
      </service>
    </serviceList>
  </device>
</root>`, udn)
	})
	mux.HandleFunc("/avt.xml", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, avtSCPD)
	})
	mux.HandleFunc("/rcs.xml", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, rcsSCPD)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestManager(srv *httptest.Server, opts ...Option) *Manager {
	opts = append([]Option{
		WithFetchClient(srv.Client()),
		WithControlClient(srv.Client()),
	}, opts...)
	return NewManager(opts...)
}

func TestConnectBuildsHandle(t *testing.T) {
	srv := newDeviceServer(t, "uuid:r1")
	mgr := newTestManager(srv)

	handle, err := mgr.Connect(context.Background(), srv.URL+"/desc.xml")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if handle.UDN != "uuid:r1" {
		t.Errorf("UDN = %q", handle.UDN)
	}
	if handle.FriendlyName != "Test Renderer" {
		t.Errorf("FriendlyName = %q", handle.FriendlyName)
	}
	if want := "uuid:r1::urn:schemas-upnp-org:device:MediaRenderer:1"; handle.USN() != want {
		t.Errorf("USN = %q, want %q", handle.USN(), want)
	}
	if !handle.HasService(upnp.ServiceTypeAVTransport) {
		t.Error("AVTransport service missing")
	}
	if !handle.HasAction(upnp.ServiceTypeAVTransport, "Play") {
		t.Error("Play action missing")
	}
	if handle.HasAction(upnp.ServiceTypeAVTransport, "Pause") {
		t.Error("Pause should not be declared")
	}
	if handle.HasAction(upnp.ServiceTypeContentDirectory, "Browse") {
		t.Error("absent service must gate actions off")
	}
	if want := srv.URL + "/avt/event"; handle.EventURL(upnp.ServiceTypeAVTransport) != want {
		t.Errorf("EventURL = %q, want %q", handle.EventURL(upnp.ServiceTypeAVTransport), want)
	}
	if want := srv.URL + "/icon.png"; handle.Icon() != want {
		t.Errorf("Icon = %q, want %q", handle.Icon(), want)
	}
	if want := srv.URL + "/media/1.mp3"; handle.AbsoluteURL("/media/1.mp3") != want {
		t.Errorf("AbsoluteURL = %q, want %q", handle.AbsoluteURL("/media/1.mp3"), want)
	}
}

func TestConnectDedupesByUDN(t *testing.T) {
	first := newDeviceServer(t, "uuid:r1")
	second := newDeviceServer(t, "uuid:r1")
	mgr := newTestManager(first)

	h1, err := mgr.Connect(context.Background(), first.URL+"/desc.xml")
	if err != nil {
		t.Fatalf("Connect first: %v", err)
	}
	h2, err := mgr.Connect(context.Background(), second.URL+"/desc.xml")
	if err != nil {
		t.Fatalf("Connect second: %v", err)
	}
	if h1 != h2 {
		t.Fatal("same UDN must return the same handle")
	}
	if h1.Location() != second.URL+"/desc.xml" {
		t.Errorf("Location = %q, want updated to %q", h1.Location(), second.URL+"/desc.xml")
	}
	if got := len(mgr.Handles()); got != 1 {
		t.Errorf("Handles() length = %d, want 1", got)
	}
}

func TestConnectFetchFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	mgr := newTestManager(srv)
	_, err := mgr.Connect(context.Background(), srv.URL+"/desc.xml")
	if err == nil {
		t.Fatal("expected error")
	}
	if !domain.HasCode(err, domain.CodeConnect) {
		t.Errorf("error %v does not carry %s", err, domain.CodeConnect)
	}
}

type fakeFinder struct {
	location string
	err      error
	calls    int
}

func (f *fakeFinder) FindByUDN(ctx context.Context, udn string, timeoutMS int) (string, error) {
	f.calls++
	return f.location, f.err
}

func TestReconnectByDiscovery(t *testing.T) {
	srv := newDeviceServer(t, "uuid:r1")
	finder := &fakeFinder{location: srv.URL + "/desc.xml"}
	mgr := newTestManager(srv, WithFinder(finder))

	handle, err := mgr.ReconnectByDiscovery(context.Background(), "uuid:r1")
	if err != nil {
		t.Fatalf("ReconnectByDiscovery: %v", err)
	}
	if handle.UDN != "uuid:r1" {
		t.Errorf("UDN = %q", handle.UDN)
	}
	if finder.calls != 1 {
		t.Errorf("finder calls = %d, want 1", finder.calls)
	}
}

func TestReconnectByDiscoveryNotFound(t *testing.T) {
	srv := newDeviceServer(t, "uuid:r1")
	mgr := newTestManager(srv, WithFinder(&fakeFinder{location: ""}))

	_, err := mgr.ReconnectByDiscovery(context.Background(), "uuid:gone")
	if err == nil {
		t.Fatal("expected error")
	}
	if !domain.HasCode(err, domain.CodeDeviceNotFound) {
		t.Errorf("error %v does not carry %s", err, domain.CodeDeviceNotFound)
	}
}

func TestRelease(t *testing.T) {
	srv := newDeviceServer(t, "uuid:r1")
	mgr := newTestManager(srv)

	if _, err := mgr.Connect(context.Background(), srv.URL+"/desc.xml"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	mgr.Release("uuid:r1")
	if _, ok := mgr.Get("uuid:r1"); ok {
		t.Error("handle still present after release")
	}
	mgr.Release("uuid:r1") // second release is a no-op
}
