// Package renderer drives playback on a connected MediaRenderer: it tracks
// transport state, keeps event subscriptions alive, and executes
// capability-gated playback commands.
package renderer

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"avbridge.app/avbridge/internal/devices"
	"avbridge.app/avbridge/internal/didl"
	"avbridge.app/avbridge/internal/domain"
	"avbridge.app/avbridge/internal/eventing"
	"avbridge.app/avbridge/internal/upnp"
)

const (
	// requestedSubTimeout is what we ask for; devices may grant less or more.
	requestedSubTimeout = 1800 * time.Second

	transitionPollInterval = 200 * time.Millisecond
	transitionPollMax      = 25
)

type subscription struct {
	serviceType string
	eventSubURL string
	sid         string
}

// Session is the control-point side of one renderer. All state is guarded by
// mu; refreshes and commands may run concurrently from different callers.
type Session struct {
	handle   *devices.Handle
	events   *upnp.EventClient
	registry *eventing.Registry

	listenAddr eventing.ListenAddr
	iface      string
	logger     *slog.Logger
	now        func() time.Time

	mu            sync.Mutex
	available     bool
	features      domain.Feature
	state         domain.PlaybackState
	volume        int
	muted         bool
	mediaTitle    string
	mediaDuration time.Duration
	mediaPosition time.Duration

	subs    []*subscription
	renewAt time.Time

	endpoint *eventing.Endpoint
	updater  *eventing.Updater

	closeOnce sync.Once
}

// Snapshot is the externally visible session state.
type Snapshot struct {
	State         domain.PlaybackState `json:"state"`
	Features      domain.Feature       `json:"-"`
	Volume        int                  `json:"volume"`
	Muted         bool                 `json:"muted"`
	MediaTitle    string               `json:"media_title,omitempty"`
	MediaDuration time.Duration        `json:"-"`
	MediaPosition time.Duration        `json:"-"`
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithListenAddr selects the shared notify endpoint for this session.
func WithListenAddr(addr eventing.ListenAddr) SessionOption {
	return func(s *Session) { s.listenAddr = addr }
}

// WithInterface scopes presence monitoring to one network interface.
func WithInterface(iface string) SessionOption {
	return func(s *Session) { s.iface = iface }
}

// WithSessionLogger sets the session's logger.
func WithSessionLogger(logger *slog.Logger) SessionOption {
	return func(s *Session) { s.logger = logger }
}

// WithEventClient overrides the GENA client, for tests.
func WithEventClient(client *upnp.EventClient) SessionOption {
	return func(s *Session) { s.events = client }
}

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) SessionOption {
	return func(s *Session) { s.now = now }
}

// NewSession acquires the shared eventing infrastructure, derives the
// feature set from the device's declared actions, subscribes to its evented
// services, and starts watching its presence announcements.
func NewSession(ctx context.Context, handle *devices.Handle, registry *eventing.Registry, opts ...SessionOption) (*Session, error) {
	s := &Session{
		handle:    handle,
		registry:  registry,
		logger:    slog.New(slog.DiscardHandler),
		now:       time.Now,
		available: true,
		state:     domain.StateIdle,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.events == nil {
		s.events = upnp.NewEventClient(nil)
	}
	s.features = deriveFeatures(handle)

	endpoint, err := registry.Endpoint(s.listenAddr)
	if err != nil {
		return nil, err
	}
	s.endpoint = endpoint

	updater, err := registry.Updater(s.iface)
	if err != nil {
		registry.ReleaseEndpoint(s.listenAddr)
		return nil, domain.ConnectError("start presence updater", err)
	}
	s.updater = updater
	updater.Watch(handle.UDN, s.onPresence)

	s.mu.Lock()
	err = s.subscribeLocked(ctx)
	s.mu.Unlock()
	if err != nil {
		// Eventing is best effort; polling still works without it.
		s.logger.Warn("event_subscribe_failed", "udn", handle.UDN, "error", err)
	}
	return s, nil
}

func deriveFeatures(handle *devices.Handle) domain.Feature {
	var f domain.Feature
	avt := upnp.ServiceTypeAVTransport
	rcs := upnp.ServiceTypeRenderingControl
	if handle.HasAction(avt, "Play") {
		f |= domain.FeaturePlay
	}
	if handle.HasAction(avt, "Pause") {
		f |= domain.FeaturePause
	}
	if handle.HasAction(avt, "Stop") {
		f |= domain.FeatureStop
	}
	if handle.HasAction(avt, "Seek") {
		f |= domain.FeatureSeek
	}
	if handle.HasAction(avt, "Previous") {
		f |= domain.FeaturePrevious
	}
	if handle.HasAction(avt, "Next") {
		f |= domain.FeatureNext
	}
	if handle.HasAction(avt, "SetAVTransportURI") {
		f |= domain.FeaturePlayMedia
	}
	if handle.HasAction(rcs, "SetVolume") {
		f |= domain.FeatureVolume
	}
	if handle.HasAction(rcs, "SetMute") {
		f |= domain.FeatureMute
	}
	return f
}

// Features returns the capability set derived at connect time.
func (s *Session) Features() domain.Feature {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.features
}

// State returns the current playback state.
func (s *Session) State() domain.PlaybackState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

func (s *Session) stateLocked() domain.PlaybackState {
	if !s.available {
		return domain.StateOff
	}
	return s.state
}

// Snapshot returns a copy of the visible session state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		State:         s.stateLocked(),
		Features:      s.features,
		Volume:        s.volume,
		Muted:         s.muted,
		MediaTitle:    s.mediaTitle,
		MediaDuration: s.mediaDuration,
		MediaPosition: s.mediaPosition,
	}
}

// Refresh polls the device and updates the whole session state in one pass:
// subscription renewal first, then transport state, position, and volume. The
// state fetch doubles as the availability probe, so an unavailable session
// comes back as soon as the device answers again.
func (s *Session) Refresh(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.subs) > 0 && !s.now().Before(s.renewAt) {
		if err := s.renewLocked(ctx); err != nil {
			s.logger.Warn("event_renew_failed", "udn", s.handle.UDN, "error", err)
			s.dropSubsLocked(ctx)
			if err := s.subscribeLocked(ctx); err != nil {
				s.logger.Warn("event_resubscribe_failed", "udn", s.handle.UDN, "error", err)
			}
		}
	}

	out, err := s.handle.Invoke(ctx, upnp.ServiceTypeAVTransport, "GetTransportInfo", []upnp.Arg{
		{Name: "InstanceID", Value: "0"},
	})
	if err != nil {
		var actionErr *upnp.UPnPError
		if errors.As(err, &actionErr) {
			// A fault is still an answer; reachability is not in doubt.
			s.logger.Debug("transport_info_fault", "udn", s.handle.UDN, "code", actionErr.Code)
			return
		}
		if s.available {
			s.logger.Debug("transport_info_failed", "udn", s.handle.UDN, "error", err)
		}
		s.available = false
		return
	}

	if !s.available {
		s.logger.Info("renderer_reachable", "udn", s.handle.UDN)
	}
	s.available = true
	if len(s.subs) == 0 {
		// Covers both a failed initial subscribe and subscriptions the
		// device forgot while it was away.
		if err := s.subscribeLocked(ctx); err != nil {
			s.logger.Warn("event_resubscribe_failed", "udn", s.handle.UDN, "error", err)
		}
	}
	s.applyTransportStateLocked(out["CurrentTransportState"])

	if s.handle.HasAction(upnp.ServiceTypeAVTransport, "GetPositionInfo") {
		if pos, err := s.handle.Invoke(ctx, upnp.ServiceTypeAVTransport, "GetPositionInfo", []upnp.Arg{
			{Name: "InstanceID", Value: "0"},
		}); err == nil {
			s.mediaTitle = titleFromMetadata(pos["TrackMetaData"])
			s.mediaDuration = parseTrackTime(pos["TrackDuration"])
			s.mediaPosition = parseTrackTime(pos["RelTime"])
		}
	}

	if s.features.Has(domain.FeatureVolume) {
		if vol, err := s.handle.Invoke(ctx, upnp.ServiceTypeRenderingControl, "GetVolume", []upnp.Arg{
			{Name: "InstanceID", Value: "0"},
			{Name: "Channel", Value: "Master"},
		}); err == nil {
			if n, err := strconv.Atoi(vol["CurrentVolume"]); err == nil {
				s.volume = n
			}
		}
	}
	if s.features.Has(domain.FeatureMute) {
		if mute, err := s.handle.Invoke(ctx, upnp.ServiceTypeRenderingControl, "GetMute", []upnp.Arg{
			{Name: "InstanceID", Value: "0"},
			{Name: "Channel", Value: "Master"},
		}); err == nil {
			s.muted = mute["CurrentMute"] == "1" || strings.EqualFold(mute["CurrentMute"], "true")
		}
	}
}

func (s *Session) applyTransportStateLocked(transportState string) {
	switch transportState {
	case "":
		// Device answered but gave no state.
		s.state = domain.StateOn
	case "PLAYING", "TRANSITIONING":
		s.state = domain.StatePlaying
	case "PAUSED_PLAYBACK", "PAUSED_RECORDING":
		s.state = domain.StatePaused
	default:
		s.state = domain.StateIdle
	}
}

// Play starts playback. A no-op when the device does not declare the action.
func (s *Session) Play(ctx context.Context) error {
	return s.command(ctx, domain.FeaturePlay, upnp.ServiceTypeAVTransport, "Play", []upnp.Arg{
		{Name: "InstanceID", Value: "0"},
		{Name: "Speed", Value: "1"},
	})
}

// Pause pauses playback.
func (s *Session) Pause(ctx context.Context) error {
	return s.command(ctx, domain.FeaturePause, upnp.ServiceTypeAVTransport, "Pause", []upnp.Arg{
		{Name: "InstanceID", Value: "0"},
	})
}

// Stop stops playback.
func (s *Session) Stop(ctx context.Context) error {
	return s.command(ctx, domain.FeatureStop, upnp.ServiceTypeAVTransport, "Stop", []upnp.Arg{
		{Name: "InstanceID", Value: "0"},
	})
}

// Next skips to the next track.
func (s *Session) Next(ctx context.Context) error {
	return s.command(ctx, domain.FeatureNext, upnp.ServiceTypeAVTransport, "Next", []upnp.Arg{
		{Name: "InstanceID", Value: "0"},
	})
}

// Previous skips to the previous track.
func (s *Session) Previous(ctx context.Context) error {
	return s.command(ctx, domain.FeaturePrevious, upnp.ServiceTypeAVTransport, "Previous", []upnp.Arg{
		{Name: "InstanceID", Value: "0"},
	})
}

// Seek jumps to an absolute position in the current track.
func (s *Session) Seek(ctx context.Context, position time.Duration) error {
	return s.command(ctx, domain.FeatureSeek, upnp.ServiceTypeAVTransport, "Seek", []upnp.Arg{
		{Name: "InstanceID", Value: "0"},
		{Name: "Unit", Value: "REL_TIME"},
		{Name: "Target", Value: formatTrackTime(position)},
	})
}

// SetVolume sets the master volume (device units, typically 0-100).
func (s *Session) SetVolume(ctx context.Context, volume int) error {
	return s.command(ctx, domain.FeatureVolume, upnp.ServiceTypeRenderingControl, "SetVolume", []upnp.Arg{
		{Name: "InstanceID", Value: "0"},
		{Name: "Channel", Value: "Master"},
		{Name: "DesiredVolume", Value: strconv.Itoa(volume)},
	})
}

// SetMute mutes or unmutes the master channel.
func (s *Session) SetMute(ctx context.Context, muted bool) error {
	desired := "0"
	if muted {
		desired = "1"
	}
	return s.command(ctx, domain.FeatureMute, upnp.ServiceTypeRenderingControl, "SetMute", []upnp.Arg{
		{Name: "InstanceID", Value: "0"},
		{Name: "Channel", Value: "Master"},
		{Name: "DesiredMute", Value: desired},
	})
}

// command runs one gated best-effort action: unsupported actions are no-ops,
// transient transport failures are logged and swallowed, anything else comes
// back to the caller.
func (s *Session) command(ctx context.Context, feature domain.Feature, serviceType, action string, args []upnp.Arg) error {
	s.mu.Lock()
	supported := s.features.Has(feature)
	s.mu.Unlock()
	if !supported {
		s.logger.Debug("command_unsupported", "udn", s.handle.UDN, "action", action)
		return nil
	}

	_, err := s.handle.Invoke(ctx, serviceType, action, args)
	if err != nil {
		if isTransientNetworkError(err) {
			s.logger.Warn("command_failed", "udn", s.handle.UDN, "action", action, "error", err)
			return nil
		}
		return err
	}
	return nil
}

// PlayMedia points the renderer at new media and starts playback: stop
// whatever is playing, set the transport URI with DIDL metadata, wait for the
// transport to settle, then play unless it started on its own. The stop step
// is best effort; URI set and play failures are the caller's problem.
func (s *Session) PlayMedia(ctx context.Context, media domain.PlayableMedia, title string) error {
	s.mu.Lock()
	features := s.features
	state := s.stateLocked()
	s.mu.Unlock()

	if !features.Has(domain.FeaturePlayMedia) {
		return fmt.Errorf("device %s cannot set a transport URI", s.handle.UDN)
	}

	if features.Has(domain.FeatureStop) && (state == domain.StatePlaying || state == domain.StatePaused) {
		if err := s.Stop(ctx); err != nil {
			s.logger.Debug("play_media_stop_failed", "udn", s.handle.UDN, "error", err)
		}
	}

	metadata := didl.PlaybackMetadata(media.URL, title, media.MIMEType)
	if _, err := s.handle.Invoke(ctx, upnp.ServiceTypeAVTransport, "SetAVTransportURI", []upnp.Arg{
		{Name: "InstanceID", Value: "0"},
		{Name: "CurrentURI", Value: media.URL},
		{Name: "CurrentURIMetaData", Value: metadata},
	}); err != nil {
		return fmt.Errorf("set transport uri: %w", err)
	}

	settled, err := s.waitForStableTransport(ctx)
	if err != nil {
		return err
	}
	if settled == "PLAYING" {
		return nil
	}

	if _, err := s.handle.Invoke(ctx, upnp.ServiceTypeAVTransport, "Play", []upnp.Arg{
		{Name: "InstanceID", Value: "0"},
		{Name: "Speed", Value: "1"},
	}); err != nil {
		return fmt.Errorf("play: %w", err)
	}

	s.mu.Lock()
	s.state = domain.StatePlaying
	s.mu.Unlock()
	return nil
}

// waitForStableTransport polls until the transport leaves TRANSITIONING and
// returns the settled state.
func (s *Session) waitForStableTransport(ctx context.Context) (string, error) {
	for i := 0; i < transitionPollMax; i++ {
		out, err := s.handle.Invoke(ctx, upnp.ServiceTypeAVTransport, "GetTransportInfo", []upnp.Arg{
			{Name: "InstanceID", Value: "0"},
		})
		if err != nil {
			return "", fmt.Errorf("wait for transport: %w", err)
		}
		state := out["CurrentTransportState"]
		if state != "TRANSITIONING" {
			return state, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(transitionPollInterval):
		}
	}
	return "", errors.New("transport stuck in TRANSITIONING")
}

// subscribeLocked opens a subscription on every evented AV service and sets
// the renewal deadline at half the smallest granted timeout.
func (s *Session) subscribeLocked(ctx context.Context) error {
	deviceHost, err := s.deviceHost()
	if err != nil {
		return err
	}
	callback, err := s.endpoint.CallbackURL(deviceHost)
	if err != nil {
		return err
	}

	var minGranted time.Duration
	for _, serviceType := range []string{upnp.ServiceTypeAVTransport, upnp.ServiceTypeRenderingControl} {
		eventSubURL := s.handle.EventURL(serviceType)
		if eventSubURL == "" {
			continue
		}
		sub, err := s.events.Subscribe(ctx, eventSubURL, callback, requestedSubTimeout)
		if err != nil {
			s.dropSubsLocked(ctx)
			return fmt.Errorf("subscribe %s: %w", serviceType, err)
		}
		s.subs = append(s.subs, &subscription{
			serviceType: serviceType,
			eventSubURL: eventSubURL,
			sid:         sub.SID,
		})
		s.endpoint.Register(sub.SID, s.onNotify)
		if minGranted == 0 || sub.Timeout < minGranted {
			minGranted = sub.Timeout
		}
		s.logger.Debug("event_subscribed",
			"udn", s.handle.UDN,
			"service", serviceType,
			"sid", sub.SID,
			"granted", sub.Timeout)
	}
	if len(s.subs) == 0 {
		return nil
	}
	s.renewAt = s.now().Add(minGranted / 2)
	return nil
}

func (s *Session) renewLocked(ctx context.Context) error {
	var minGranted time.Duration
	for _, sub := range s.subs {
		renewed, err := s.events.Renew(ctx, sub.eventSubURL, sub.sid, requestedSubTimeout)
		if err != nil {
			return fmt.Errorf("renew %s: %w", sub.serviceType, err)
		}
		if minGranted == 0 || renewed.Timeout < minGranted {
			minGranted = renewed.Timeout
		}
	}
	s.renewAt = s.now().Add(minGranted / 2)
	return nil
}

func (s *Session) dropSubsLocked(ctx context.Context) {
	for _, sub := range s.subs {
		s.endpoint.Unregister(sub.sid)
		if err := s.events.Unsubscribe(ctx, sub.eventSubURL, sub.sid); err != nil {
			s.logger.Debug("event_unsubscribe_failed", "sid", sub.sid, "error", err)
		}
	}
	s.subs = nil
	s.renewAt = time.Time{}
}

// onNotify applies evented variables. AVTransport and RenderingControl wrap
// their variables in a LastChange document.
func (s *Session) onNotify(vars map[string]string) {
	if lastChange, ok := vars["LastChange"]; ok {
		if inner, err := parseLastChange(lastChange); err == nil {
			for k, v := range inner {
				vars[k] = v
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if state, ok := vars["TransportState"]; ok {
		s.applyTransportStateLocked(state)
	}
	if vol, ok := vars["Volume"]; ok {
		if n, err := strconv.Atoi(vol); err == nil {
			s.volume = n
		}
	}
	if mute, ok := vars["Mute"]; ok {
		s.muted = mute == "1" || strings.EqualFold(mute, "true")
	}
}

// onPresence reacts to SSDP announcements: byebye marks the session
// unavailable and discards stale SIDs, alive brings it back and resubscribes.
func (s *Session) onPresence(alive bool, location string) {
	s.mu.Lock()
	wasAvailable := s.available
	s.available = alive
	if !alive {
		// The device forgot our subscriptions with the rest of its state.
		for _, sub := range s.subs {
			s.endpoint.Unregister(sub.sid)
		}
		s.subs = nil
		s.renewAt = time.Time{}
	}
	s.mu.Unlock()

	if alive && !wasAvailable {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), devices.DefaultConnectTimeout)
			defer cancel()
			s.mu.Lock()
			defer s.mu.Unlock()
			if err := s.subscribeLocked(ctx); err != nil {
				s.logger.Warn("event_resubscribe_failed", "udn", s.handle.UDN, "error", err)
			}
		}()
	}
}

// Close unsubscribes and returns the shared eventing infrastructure.
func (s *Session) Close(ctx context.Context) {
	s.closeOnce.Do(func() {
		s.updater.Unwatch(s.handle.UDN)

		s.mu.Lock()
		s.dropSubsLocked(ctx)
		s.mu.Unlock()

		s.registry.ReleaseUpdater(s.iface)
		s.registry.ReleaseEndpoint(s.listenAddr)
	})
}

func (s *Session) deviceHost() (string, error) {
	parsed, err := url.Parse(s.handle.Location())
	if err != nil {
		return "", fmt.Errorf("parse device location: %w", err)
	}
	return parsed.Hostname(), nil
}

// parseLastChange extracts variable values from an AVT/RCS LastChange event
// document, where each variable is an element with a val attribute.
func parseLastChange(doc string) (map[string]string, error) {
	dec := xml.NewDecoder(strings.NewReader(doc))
	out := map[string]string{}
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		for _, attr := range start.Attr {
			if attr.Name.Local == "val" {
				out[start.Name.Local] = attr.Value
			}
		}
	}
}

func parseTrackTime(value string) time.Duration {
	parts := strings.Split(strings.TrimSpace(value), ":")
	if len(parts) != 3 {
		return 0
	}
	hours, err1 := strconv.Atoi(parts[0])
	minutes, err2 := strconv.Atoi(parts[1])
	seconds, err3 := strconv.ParseFloat(parts[2], 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return 0
	}
	return time.Duration(hours)*time.Hour +
		time.Duration(minutes)*time.Minute +
		time.Duration(seconds*float64(time.Second))
}

func formatTrackTime(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int(d / time.Second)
	return fmt.Sprintf("%d:%02d:%02d", total/3600, (total/60)%60, total%60)
}

func titleFromMetadata(metadata string) string {
	if strings.TrimSpace(metadata) == "" || metadata == "NOT_IMPLEMENTED" {
		return ""
	}
	objects, err := didl.Parse([]byte(metadata))
	if err != nil || len(objects) == 0 {
		return ""
	}
	return objects[0].Title
}

func isTransientNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"timeout",
		"temporar",
		"connection reset",
		"connection refused",
		"broken pipe",
		"unexpected eof",
		"i/o timeout",
		"network is unreachable",
		"no route to host",
	}
	for _, pattern := range transientPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
