// Package server exposes MediaServer content hierarchies: a ContentDirectory
// client plus the resolver that turns media identifiers into browse trees and
// playable URLs.
package server

import (
	"context"
	"fmt"

	"avbridge.app/avbridge/internal/devices"
	"avbridge.app/avbridge/internal/didl"
	"avbridge.app/avbridge/internal/upnp"
)

// RootObjectID is the well-known ObjectID of a ContentDirectory root.
const RootObjectID = "0"

// Metadata filters per operation; only what each response needs.
const (
	browseFilter  = "id,upnp:class,dc:title,res,@childCount,upnp:albumArtURI"
	resolveFilter = "id,upnp:class,res"
	pathFilter    = "id,upnp:class,dc:title"
)

// sortCriteria orders child listings the way a human expects a library.
const sortCriteria = "+upnp:class,+upnp:originalTrackNumber,+dc:title"

// Directory is a ContentDirectory client bound to one device.
type Directory struct {
	handle *devices.Handle
}

func NewDirectory(handle *devices.Handle) *Directory {
	return &Directory{handle: handle}
}

// BrowseMetadata fetches the metadata of a single object.
func (d *Directory) BrowseMetadata(ctx context.Context, objectID, filter string) (*didl.Object, error) {
	objects, err := d.browse(ctx, objectID, "BrowseMetadata", filter, "")
	if err != nil {
		return nil, err
	}
	if len(objects) == 0 {
		return nil, fmt.Errorf("object %s: empty metadata result", objectID)
	}
	return &objects[0], nil
}

// BrowseChildren fetches the direct children of a container, sorted.
func (d *Directory) BrowseChildren(ctx context.Context, objectID, filter string) ([]didl.Object, error) {
	return d.browse(ctx, objectID, "BrowseDirectChildren", filter, sortCriteria)
}

func (d *Directory) browse(ctx context.Context, objectID, flag, filter, sort string) ([]didl.Object, error) {
	out, err := d.handle.Invoke(ctx, upnp.ServiceTypeContentDirectory, "Browse", []upnp.Arg{
		{Name: "ObjectID", Value: objectID},
		{Name: "BrowseFlag", Value: flag},
		{Name: "Filter", Value: filter},
		{Name: "StartingIndex", Value: "0"},
		{Name: "RequestedCount", Value: "0"},
		{Name: "SortCriteria", Value: sort},
	})
	if err != nil {
		return nil, err
	}
	return didl.Parse([]byte(out["Result"]))
}

// Search runs a ContentDirectory search below a container.
func (d *Directory) Search(ctx context.Context, containerID, criteria, filter string) ([]didl.Object, error) {
	out, err := d.handle.Invoke(ctx, upnp.ServiceTypeContentDirectory, "Search", []upnp.Arg{
		{Name: "ContainerID", Value: containerID},
		{Name: "SearchCriteria", Value: criteria},
		{Name: "Filter", Value: filter},
		{Name: "StartingIndex", Value: "0"},
		{Name: "RequestedCount", Value: "0"},
		{Name: "SortCriteria", Value: ""},
	})
	if err != nil {
		return nil, err
	}
	return didl.Parse([]byte(out["Result"]))
}
