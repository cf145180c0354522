// Package didl parses DIDL-Lite documents returned by ContentDirectory
// services and projects them onto the browse-tree vocabulary.
package didl

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Resource is a <res> element: a URI plus the protocolInfo describing how to
// fetch and decode it.
type Resource struct {
	ProtocolInfo string `xml:"protocolInfo,attr"`
	Duration     string `xml:"duration,attr"`
	Size         string `xml:"size,attr"`
	URI          string `xml:",chardata"`
}

// Object is a DIDL-Lite container or item, flattened to the fields the
// resolver consumes.
type Object struct {
	ID          string
	ParentID    string
	Class       string
	Title       string
	ChildCount  string
	AlbumArtURI string
	Resources   []Resource
	Container   bool
}

// DeclaredChildCount parses the @childCount attribute; absent or unparseable
// counts as zero.
func (o *Object) DeclaredChildCount() int {
	n, err := strconv.Atoi(strings.TrimSpace(o.ChildCount))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

type rawObject struct {
	ID          string     `xml:"id,attr"`
	ParentID    string     `xml:"parentID,attr"`
	ChildCount  string     `xml:"childCount,attr"`
	Title       string     `xml:"title"`
	Class       string     `xml:"class"`
	AlbumArtURI string     `xml:"albumArtURI"`
	Resources   []Resource `xml:"res"`
}

// Parse decodes a DIDL-Lite document, preserving the document order of
// containers and items.
func Parse(data []byte) ([]Object, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	var out []Object
	depth := 0
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse didl-lite: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if depth == 0 {
				if t.Name.Local != "DIDL-Lite" {
					return nil, fmt.Errorf("parse didl-lite: unexpected root element %q", t.Name.Local)
				}
				depth++
				continue
			}
			if t.Name.Local != "container" && t.Name.Local != "item" {
				if err := dec.Skip(); err != nil {
					return nil, fmt.Errorf("parse didl-lite: %w", err)
				}
				continue
			}
			var raw rawObject
			if err := dec.DecodeElement(&raw, &t); err != nil {
				return nil, fmt.Errorf("parse didl-lite %s: %w", t.Name.Local, err)
			}
			out = append(out, Object{
				ID:          raw.ID,
				ParentID:    raw.ParentID,
				Class:       raw.Class,
				Title:       raw.Title,
				ChildCount:  raw.ChildCount,
				AlbumArtURI: raw.AlbumArtURI,
				Resources:   raw.Resources,
				Container:   t.Name.Local == "container",
			})
		case xml.EndElement:
			if t.Name.Local == "DIDL-Lite" {
				return out, nil
			}
		}
	}
	return out, nil
}

// PlaybackMetadata renders the minimal DIDL-Lite document renderers expect in
// CurrentURIMetaData when a transport URI is set directly.
func PlaybackMetadata(uri, title, mimeType string) string {
	class := "object.item.videoItem"
	switch {
	case strings.HasPrefix(mimeType, "audio/"):
		class = "object.item.audioItem.musicTrack"
	case strings.HasPrefix(mimeType, "image/"):
		class = "object.item.imageItem.photo"
	}
	if title == "" {
		title = "Media"
	}

	var buf bytes.Buffer
	buf.WriteString(`<DIDL-Lite xmlns="urn:schemas-upnp-org:metadata-1-0/DIDL-Lite/"` +
		` xmlns:dc="http://purl.org/dc/elements/1.1/"` +
		` xmlns:upnp="urn:schemas-upnp-org:metadata-1-0/upnp/">` +
		`<item id="0" parentID="-1" restricted="1">`)
	buf.WriteString("<dc:title>")
	xml.EscapeText(&buf, []byte(title))
	buf.WriteString("</dc:title>")
	buf.WriteString("<upnp:class>" + class + "</upnp:class>")
	fmt.Fprintf(&buf, `<res protocolInfo="http-get:*:%s:*">`, mimeType)
	xml.EscapeText(&buf, []byte(uri))
	buf.WriteString("</res></item></DIDL-Lite>")
	return buf.String()
}
