package didl

import (
	"strings"
	"testing"

	"avbridge.app/avbridge/internal/domain"
)

const browseResult = `<?xml version="1.0"?>
<DIDL-Lite xmlns="urn:schemas-upnp-org:metadata-1-0/DIDL-Lite/"
           xmlns:dc="http://purl.org/dc/elements/1.1/"
           xmlns:upnp="urn:schemas-upnp-org:metadata-1-0/upnp/">
  <container id="5" parentID="0" restricted="1" childCount="12">
    <dc:title>Music</dc:title>
    <upnp:class>object.container.storageFolder</upnp:class>
  </container>
  <item id="18" parentID="5" restricted="1">
    <dc:title>Song A</dc:title>
    <upnp:class>object.item.audioItem.musicTrack</upnp:class>
    <upnp:albumArtURI>/art/18.jpg</upnp:albumArtURI>
    <res protocolInfo="http-get:*:audio/mpeg:*" duration="0:03:20">/media/18.mp3</res>
  </item>
  <container id="6" parentID="0" restricted="1">
    <dc:title>Photos</dc:title>
    <upnp:class>object.container.album.photoAlbum</upnp:class>
  </container>
</DIDL-Lite>`

func TestParsePreservesDocumentOrder(t *testing.T) {
	objects, err := Parse([]byte(browseResult))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(objects) != 3 {
		t.Fatalf("got %d objects, want 3", len(objects))
	}

	wantIDs := []string{"5", "18", "6"}
	for i, want := range wantIDs {
		if objects[i].ID != want {
			t.Errorf("objects[%d].ID = %q, want %q", i, objects[i].ID, want)
		}
	}
	if !objects[0].Container || objects[1].Container || !objects[2].Container {
		t.Error("container flags wrong")
	}
	if objects[0].Title != "Music" {
		t.Errorf("Title = %q", objects[0].Title)
	}
	if objects[1].Resources[0].URI != "/media/18.mp3" {
		t.Errorf("resource URI = %q", objects[1].Resources[0].URI)
	}
	if objects[1].AlbumArtURI != "/art/18.jpg" {
		t.Errorf("AlbumArtURI = %q", objects[1].AlbumArtURI)
	}
}

func TestParseRejectsNonDIDLRoot(t *testing.T) {
	if _, err := Parse([]byte(`<html></html>`)); err == nil {
		t.Fatal("expected error for non DIDL-Lite root")
	}
}

func TestDeclaredChildCount(t *testing.T) {
	cases := []struct {
		in   string
		want int
	}{
		{"12", 12},
		{"0", 0},
		{"", 0},
		{"lots", 0},
		{"-3", 0},
	}
	for _, tc := range cases {
		obj := Object{ChildCount: tc.in}
		if got := obj.DeclaredChildCount(); got != tc.want {
			t.Errorf("DeclaredChildCount(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestCanExpand(t *testing.T) {
	declared := Object{ChildCount: "3"}
	if !declared.CanExpand(0) {
		t.Error("declared child count should allow expansion")
	}
	empty := Object{}
	if empty.CanExpand(0) {
		t.Error("no children and no declared count should not expand")
	}
	if !empty.CanExpand(2) {
		t.Error("fetched children should allow expansion")
	}
}

func TestMIMETypeFromProtocolInfo(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"http-get:*:audio/mpeg:*", "audio/mpeg"},
		{"http-get:*:video/mp4:DLNA.ORG_PN=AVC_MP4", "video/mp4"},
		{"bad", ""},
		{"", ""},
	}
	for _, tc := range cases {
		if got := MIMETypeFromProtocolInfo(tc.in); got != tc.want {
			t.Errorf("MIMETypeFromProtocolInfo(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestThumbnail(t *testing.T) {
	art := Object{
		AlbumArtURI: "/art/1.jpg",
		Resources:   []Resource{{ProtocolInfo: "http-get:*:image/png:*", URI: "/res/1.png"}},
	}
	if got := art.Thumbnail(); got != "/art/1.jpg" {
		t.Errorf("Thumbnail = %q, want albumArtURI preferred", got)
	}

	imageRes := Object{
		Resources: []Resource{
			{ProtocolInfo: "http-get:*:audio/mpeg:*", URI: "/res/1.mp3"},
			{ProtocolInfo: "http-get:*:image/jpeg:*", URI: "/res/1.jpg"},
		},
	}
	if got := imageRes.Thumbnail(); got != "/res/1.jpg" {
		t.Errorf("Thumbnail = %q, want image resource", got)
	}

	none := Object{Resources: []Resource{{ProtocolInfo: "http-get:*:audio/mpeg:*", URI: "/x"}}}
	if got := none.Thumbnail(); got != "" {
		t.Errorf("Thumbnail = %q, want empty", got)
	}
}

func TestClassProjection(t *testing.T) {
	if c, ok := ClassFor("object.item.audioItem.musicTrack"); !ok || c != domain.MediaClassMusic {
		t.Errorf("musicTrack class = %v, %v", c, ok)
	}
	if c, ok := ClassFor("object.container.storageFolder"); !ok || c != domain.MediaClassDirectory {
		t.Errorf("storageFolder class = %v, %v", c, ok)
	}
	if _, ok := ClassFor("object.container.vendorSpecial"); ok {
		t.Error("unlisted class should miss")
	}
	if got := FallbackClass(true); got != domain.MediaClassDirectory {
		t.Errorf("FallbackClass(true) = %v", got)
	}
	if got := FallbackClass(false); got != domain.MediaClassURL {
		t.Errorf("FallbackClass(false) = %v", got)
	}
	if mt, ok := TypeFor("object.container.epgContainer"); !ok || mt != domain.MediaTypeTVShow {
		t.Errorf("epgContainer type = %v, %v", mt, ok)
	}
}

func TestPlaybackMetadata(t *testing.T) {
	meta := PlaybackMetadata("http://10.0.0.5/a.mp3?x=1&y=2", "Song & Dance", "audio/mpeg")
	if !strings.Contains(meta, "object.item.audioItem.musicTrack") {
		t.Errorf("audio class missing: %s", meta)
	}
	if !strings.Contains(meta, "Song &amp; Dance") {
		t.Errorf("title not escaped: %s", meta)
	}
	if !strings.Contains(meta, `protocolInfo="http-get:*:audio/mpeg:*"`) {
		t.Errorf("protocolInfo wrong: %s", meta)
	}
	if _, err := Parse([]byte(meta)); err != nil {
		t.Fatalf("generated metadata does not parse back: %v", err)
	}

	video := PlaybackMetadata("http://x/v.mp4", "", "video/mp4")
	if !strings.Contains(video, "object.item.videoItem") {
		t.Errorf("video class missing: %s", video)
	}
}
