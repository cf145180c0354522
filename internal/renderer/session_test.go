package renderer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"avbridge.app/avbridge/internal/devices"
	"avbridge.app/avbridge/internal/domain"
	"avbridge.app/avbridge/internal/eventing"
)

var soapActionRe = regexp.MustCompile(`#(\w+)"$`)

type fakeRenderer struct {
	mu             sync.Mutex
	transportState string
	soapActions    []string
	subscribes     int
	renews         int
	failActions    map[string]bool
	grantedTimeout string
	withSeek       bool
	down           bool

	srv *httptest.Server
}

func newFakeRenderer(t *testing.T) *fakeRenderer {
	t.Helper()
	f := &fakeRenderer{
		transportState: "STOPPED",
		failActions:    map[string]bool{},
		grantedTimeout: "Second-1800",
		withSeek:       true,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/desc.xml", f.serveDesc)
	mux.HandleFunc("/avt.xml", f.serveAVTSCPD)
	mux.HandleFunc("/rcs.xml", f.serveRCSSCPD)
	mux.HandleFunc("/avt/control", f.serveControl)
	mux.HandleFunc("/rcs/control", f.serveControl)
	mux.HandleFunc("/avt/event", f.serveEvent)
	mux.HandleFunc("/rcs/event", f.serveEvent)

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeRenderer) serveDesc(w http.ResponseWriter, r *http.Request) {
	fmt.Fprint(w, `<?xml version="1.0"?>
<root xmlns="urn:schemas-upnp-org:device-1-0">
  <device>
    <deviceType>urn:schemas-upnp-org:device:MediaRenderer:1</deviceType>
    <friendlyName>Fake Renderer</friendlyName>
    <UDN>uuid:fake-r1</UDN>
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
</root>`)
}

func (f *fakeRenderer) serveAVTSCPD(w http.ResponseWriter, r *http.Request) {
	actions := []string{"Play", "Pause", "Stop", "SetAVTransportURI", "GetTransportInfo", "GetPositionInfo"}
	if f.withSeek {
		actions = append(actions, "Seek")
	}
	fmt.Fprint(w, `<?xml version="1.0"?><scpd xmlns="urn:schemas-upnp-org:service-1-0"><actionList>`)
	for _, a := range actions {
		fmt.Fprintf(w, "<action><name>%s</name></action>", a)
	}
	fmt.Fprint(w, `</actionList></scpd>`)
}

func (f *fakeRenderer) serveRCSSCPD(w http.ResponseWriter, r *http.Request) {
	fmt.Fprint(w, `<?xml version="1.0"?><scpd xmlns="urn:schemas-upnp-org:service-1-0"><actionList>
<action><name>GetVolume</name></action>
<action><name>SetVolume</name></action>
<action><name>GetMute</name></action>
<action><name>SetMute</name></action>
</actionList></scpd>`)
}

func (f *fakeRenderer) serveControl(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	down := f.down
	f.mu.Unlock()
	if down {
		// Drop the connection without a response, like an unplugged device.
		if conn, _, err := w.(http.Hijacker).Hijack(); err == nil {
			conn.Close()
		}
		return
	}

	io.Copy(io.Discard, r.Body)
	match := soapActionRe.FindStringSubmatch(r.Header.Get("SOAPAction"))
	if match == nil {
		http.Error(w, "no action", http.StatusBadRequest)
		return
	}
	action := match[1]

	f.mu.Lock()
	f.soapActions = append(f.soapActions, action)
	fail := f.failActions[action]
	state := f.transportState
	f.mu.Unlock()

	if fail {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/"><s:Body><s:Fault>
<faultstring>UPnPError</faultstring>
<detail><UPnPError xmlns="urn:schemas-upnp-org:control-1-0"><errorCode>701</errorCode><errorDescription>Transition not available</errorDescription></UPnPError></detail>
</s:Fault></s:Body></s:Envelope>`)
		return
	}

	payload := ""
	switch action {
	case "GetTransportInfo":
		payload = "<CurrentTransportState>" + state + "</CurrentTransportState>"
	case "GetPositionInfo":
		payload = "<TrackDuration>0:03:20</TrackDuration><RelTime>0:01:05</RelTime><TrackMetaData></TrackMetaData>"
	case "GetVolume":
		payload = "<CurrentVolume>30</CurrentVolume>"
	case "GetMute":
		payload = "<CurrentMute>0</CurrentMute>"
	case "Play":
		f.mu.Lock()
		f.transportState = "PLAYING"
		f.mu.Unlock()
	case "Stop":
		f.mu.Lock()
		f.transportState = "STOPPED"
		f.mu.Unlock()
	}
	fmt.Fprintf(w, `<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/"><s:Body><u:%sResponse xmlns:u="urn:x">%s</u:%sResponse></s:Body></s:Envelope>`, action, payload, action)
}

func (f *fakeRenderer) serveEvent(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case "SUBSCRIBE":
		f.mu.Lock()
		if r.Header.Get("SID") != "" {
			f.renews++
		} else {
			f.subscribes++
		}
		granted := f.grantedTimeout
		f.mu.Unlock()
		w.Header().Set("SID", "uuid:sub-"+strings.TrimPrefix(r.URL.Path, "/"))
		w.Header().Set("TIMEOUT", granted)
	case "UNSUBSCRIBE":
		w.WriteHeader(http.StatusOK)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (f *fakeRenderer) actions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.soapActions...)
}

func (f *fakeRenderer) counts() (subscribes, renews int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribes, f.renews
}

func (f *fakeRenderer) setTransportState(state string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transportState = state
}

func (f *fakeRenderer) setDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = down
}

func newTestSession(t *testing.T, f *fakeRenderer, opts ...SessionOption) *Session {
	t.Helper()
	mgr := devices.NewManager(
		devices.WithFetchClient(f.srv.Client()),
		devices.WithControlClient(f.srv.Client()),
	)
	handle, err := mgr.Connect(context.Background(), f.srv.URL+"/desc.xml")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	registry := eventing.NewRegistry(nil)
	t.Cleanup(func() { registry.ReleaseAll(context.Background()) })

	opts = append([]SessionOption{
		WithListenAddr(eventing.ListenAddr{Host: "127.0.0.1"}),
	}, opts...)
	sess, err := NewSession(context.Background(), handle, registry, opts...)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	t.Cleanup(func() { sess.Close(context.Background()) })
	return sess
}

func TestSessionSubscribesBothServices(t *testing.T) {
	f := newFakeRenderer(t)
	sess := newTestSession(t, f)

	subscribes, _ := f.counts()
	if subscribes != 2 {
		t.Errorf("subscribes = %d, want 2 (AVTransport and RenderingControl)", subscribes)
	}

	want := domain.FeaturePlay | domain.FeaturePause | domain.FeatureStop |
		domain.FeatureSeek | domain.FeaturePlayMedia |
		domain.FeatureVolume | domain.FeatureMute
	if sess.Features() != want {
		t.Errorf("Features = %b, want %b", sess.Features(), want)
	}
}

func TestRefreshStateMapping(t *testing.T) {
	f := newFakeRenderer(t)
	sess := newTestSession(t, f)

	cases := []struct {
		transport string
		want      domain.PlaybackState
	}{
		{"PLAYING", domain.StatePlaying},
		{"PAUSED_PLAYBACK", domain.StatePaused},
		{"STOPPED", domain.StateIdle},
		{"NO_MEDIA_PRESENT", domain.StateIdle},
	}
	for _, tc := range cases {
		f.setTransportState(tc.transport)
		sess.Refresh(context.Background())
		if got := sess.State(); got != tc.want {
			t.Errorf("state for %s = %v, want %v", tc.transport, got, tc.want)
		}
	}

	snap := sess.Snapshot()
	if snap.Volume != 30 {
		t.Errorf("Volume = %d, want 30", snap.Volume)
	}
	if snap.MediaDuration != 3*time.Minute+20*time.Second {
		t.Errorf("MediaDuration = %v", snap.MediaDuration)
	}
	if snap.MediaPosition != time.Minute+5*time.Second {
		t.Errorf("MediaPosition = %v", snap.MediaPosition)
	}
}

func TestRenewalAtHalfGrantedTimeout(t *testing.T) {
	f := newFakeRenderer(t)

	base := time.Now()
	current := base
	var clockMu sync.Mutex
	now := func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return current
	}
	advance := func(d time.Duration) {
		clockMu.Lock()
		current = current.Add(d)
		clockMu.Unlock()
	}

	sess := newTestSession(t, f, WithNow(now))

	// Granted 1800s, so renewal is due 900s after subscribing.
	advance(899 * time.Second)
	sess.Refresh(context.Background())
	if _, renews := f.counts(); renews != 0 {
		t.Fatalf("renews = %d before the deadline, want 0", renews)
	}

	advance(1 * time.Second)
	sess.Refresh(context.Background())
	if _, renews := f.counts(); renews != 2 {
		t.Fatalf("renews = %d at the deadline, want 2", renews)
	}
}

func TestCommandGatingNoOp(t *testing.T) {
	f := newFakeRenderer(t)
	f.withSeek = false
	sess := newTestSession(t, f)

	if sess.Features().Has(domain.FeatureSeek) {
		t.Fatal("Seek should not be supported")
	}

	before := len(f.actions())
	if err := sess.Seek(context.Background(), 30*time.Second); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	if len(f.actions()) != before {
		t.Error("unsupported Seek still reached the device")
	}
}

func TestPlayMediaSequence(t *testing.T) {
	f := newFakeRenderer(t)
	sess := newTestSession(t, f)

	f.setTransportState("PLAYING")
	sess.Refresh(context.Background())
	f.mu.Lock()
	f.soapActions = nil
	f.mu.Unlock()

	err := sess.PlayMedia(context.Background(), domain.PlayableMedia{
		URL:      "http://10.0.0.9/track.mp3",
		MIMEType: "audio/mpeg",
	}, "Track")
	if err != nil {
		t.Fatalf("PlayMedia: %v", err)
	}

	got := f.actions()
	want := []string{"Stop", "SetAVTransportURI", "GetTransportInfo", "Play"}
	if len(got) != len(want) {
		t.Fatalf("actions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("actions = %v, want %v", got, want)
		}
	}
	if sess.State() != domain.StatePlaying {
		t.Errorf("state after PlayMedia = %v", sess.State())
	}
}

func TestPlayMediaStopFailureSwallowed(t *testing.T) {
	f := newFakeRenderer(t)
	sess := newTestSession(t, f)

	f.setTransportState("PLAYING")
	sess.Refresh(context.Background())
	f.mu.Lock()
	f.failActions["Stop"] = true
	f.soapActions = nil
	f.mu.Unlock()

	err := sess.PlayMedia(context.Background(), domain.PlayableMedia{
		URL:      "http://10.0.0.9/track.mp3",
		MIMEType: "audio/mpeg",
	}, "Track")
	if err != nil {
		t.Fatalf("PlayMedia should survive a failing Stop: %v", err)
	}
}

func TestPlayMediaURIFailurePropagates(t *testing.T) {
	f := newFakeRenderer(t)
	sess := newTestSession(t, f)

	f.mu.Lock()
	f.failActions["SetAVTransportURI"] = true
	f.mu.Unlock()

	err := sess.PlayMedia(context.Background(), domain.PlayableMedia{
		URL:      "http://10.0.0.9/track.mp3",
		MIMEType: "audio/mpeg",
	}, "Track")
	if err == nil {
		t.Fatal("expected SetAVTransportURI failure to propagate")
	}
}

func TestPlayMediaSkipsPlayWhenAlreadyPlaying(t *testing.T) {
	f := newFakeRenderer(t)
	sess := newTestSession(t, f)

	// Device starts playing on its own after the URI is set.
	f.setTransportState("PLAYING")
	f.mu.Lock()
	f.soapActions = nil
	f.mu.Unlock()

	err := sess.PlayMedia(context.Background(), domain.PlayableMedia{
		URL:      "http://10.0.0.9/track.mp3",
		MIMEType: "audio/mpeg",
	}, "Track")
	if err != nil {
		t.Fatalf("PlayMedia: %v", err)
	}
	for _, action := range f.actions() {
		if action == "Play" {
			t.Error("Play sent although transport already playing")
		}
	}
}

func TestRefreshRecoversAvailability(t *testing.T) {
	f := newFakeRenderer(t)
	sess := newTestSession(t, f)

	f.setDown(true)
	sess.Refresh(context.Background())
	if sess.State() != domain.StateOff {
		t.Fatalf("state while device down = %v, want off", sess.State())
	}

	f.setDown(false)
	f.setTransportState("PLAYING")
	sess.Refresh(context.Background())
	if sess.State() != domain.StatePlaying {
		t.Errorf("state after device answers again = %v, want playing", sess.State())
	}
}

func TestRefreshResubscribesAfterBye(t *testing.T) {
	f := newFakeRenderer(t)
	sess := newTestSession(t, f)

	before, _ := f.counts()
	sess.onPresence(false, "")
	if sess.State() != domain.StateOff {
		t.Fatalf("state after byebye = %v, want off", sess.State())
	}

	// The device still answers polls; the next refresh must bring the
	// session back and replace the discarded subscriptions.
	sess.Refresh(context.Background())
	if sess.State() == domain.StateOff {
		t.Error("session still off although the device answers")
	}
	after, _ := f.counts()
	if after != before+2 {
		t.Errorf("subscribes = %d after recovery, want %d", after, before+2)
	}
}

func TestRefreshFaultKeepsAvailable(t *testing.T) {
	f := newFakeRenderer(t)
	sess := newTestSession(t, f)

	f.mu.Lock()
	f.failActions["GetTransportInfo"] = true
	f.mu.Unlock()

	sess.Refresh(context.Background())
	if sess.State() == domain.StateOff {
		t.Error("a UPnP fault from a reachable device marked the session off")
	}
}

func TestPresenceByeMarksOff(t *testing.T) {
	f := newFakeRenderer(t)
	sess := newTestSession(t, f)

	sess.onPresence(false, "")
	if sess.State() != domain.StateOff {
		t.Errorf("state after byebye = %v, want off", sess.State())
	}

	sess.onPresence(true, f.srv.URL+"/desc.xml")
	if sess.State() == domain.StateOff {
		t.Error("state still off after alive")
	}
}

func TestOnNotifyLastChange(t *testing.T) {
	f := newFakeRenderer(t)
	sess := newTestSession(t, f)

	sess.onNotify(map[string]string{
		"LastChange": `<Event xmlns="urn:schemas-upnp-org:metadata-1-0/AVT/">
<InstanceID val="0">
<TransportState val="PAUSED_PLAYBACK"/>
<Volume channel="Master" val="55"/>
</InstanceID>
</Event>`,
	})

	snap := sess.Snapshot()
	if snap.State != domain.StatePaused {
		t.Errorf("state = %v, want paused", snap.State)
	}
	if snap.Volume != 55 {
		t.Errorf("volume = %d, want 55", snap.Volume)
	}
}

func TestParseTrackTime(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"0:03:20", 3*time.Minute + 20*time.Second},
		{"1:02:03", time.Hour + 2*time.Minute + 3*time.Second},
		{"0:00:01.500", 1500 * time.Millisecond},
		{"NOT_IMPLEMENTED", 0},
		{"", 0},
	}
	for _, tc := range cases {
		if got := parseTrackTime(tc.in); got != tc.want {
			t.Errorf("parseTrackTime(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestFormatTrackTime(t *testing.T) {
	if got := formatTrackTime(3*time.Minute + 5*time.Second); got != "0:03:05" {
		t.Errorf("formatTrackTime = %q", got)
	}
	if got := formatTrackTime(2*time.Hour + 30*time.Second); got != "2:00:30" {
		t.Errorf("formatTrackTime = %q", got)
	}
}
