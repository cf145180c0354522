package server

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"avbridge.app/avbridge/internal/devices"
	"avbridge.app/avbridge/internal/didl"
	"avbridge.app/avbridge/internal/domain"
)

// Identifier actions.
const (
	ActionObject = "object"
	ActionPath   = "path"
	ActionSearch = "search"
)

const pathSep = "/"

// Source is one registered media server.
type Source struct {
	ID        string
	Name      string
	Directory *Directory
	handle    *devices.Handle
}

// Resolver routes media identifiers of the form {server}/{action}/{params}
// to registered sources, resolving them to playable media or browse trees.
type Resolver struct {
	mu      sync.Mutex
	sources map[string]*Source
	order   []string

	logger *slog.Logger
}

func NewResolver(logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Resolver{
		sources: map[string]*Source{},
		logger:  logger,
	}
}

// Register adds a media server under serverID. Re-registering an ID replaces
// the source but keeps its position as the registration order decides which
// server is the default.
func (r *Resolver) Register(serverID string, handle *devices.Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sources[serverID]; !ok {
		r.order = append(r.order, serverID)
	}
	r.sources[serverID] = &Source{
		ID:        serverID,
		Name:      handle.FriendlyName,
		Directory: NewDirectory(handle),
		handle:    handle,
	}
	r.logger.Info("media_server_registered", "server_id", serverID, "udn", handle.UDN)
}

// Unregister removes a media server.
func (r *Resolver) Unregister(serverID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sources[serverID]; !ok {
		return
	}
	delete(r.sources, serverID)
	for i, id := range r.order {
		if id == serverID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.logger.Info("media_server_unregistered", "server_id", serverID)
}

func (r *Resolver) snapshot() []*Source {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Source, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.sources[id])
	}
	return out
}

func (r *Resolver) source(serverID string) (*Source, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	src, ok := r.sources[serverID]
	return src, ok
}

// ParseIdentifier splits an identifier into server, action, and parameters.
// A lone server segment is valid; a server plus action with no parameters is
// not; unknown actions are rejected.
func ParseIdentifier(identifier string) (serverID, action, params string, err error) {
	if identifier == "" {
		return "", "", "", nil
	}

	parts := strings.SplitN(identifier, pathSep, 3)
	switch len(parts) {
	case 1:
		return parts[0], "", "", nil
	case 2:
		return "", "", "", domain.BrowseError(fmt.Sprintf("invalid identifier %q: missing parameters", identifier), nil)
	}

	serverID, action, params = parts[0], parts[1], parts[2]
	if action != ActionObject && action != ActionPath && action != ActionSearch {
		return "", "", "", domain.BrowseError(fmt.Sprintf("invalid action %q in identifier %q", action, identifier), nil)
	}
	return serverID, action, params, nil
}

// Resolve turns an identifier into a playable URL and MIME type.
func (r *Resolver) Resolve(ctx context.Context, identifier string) (domain.PlayableMedia, error) {
	r.logger.Debug("resolve_media", "identifier", identifier)

	sources := r.snapshot()
	if len(sources) == 0 {
		return domain.PlayableMedia{}, domain.UnresolvableError("no servers available", nil)
	}

	serverID, action, params, err := ParseIdentifier(identifier)
	if err != nil {
		return domain.PlayableMedia{}, domain.UnresolvableError(fmt.Sprintf("invalid identifier %q", identifier), err)
	}

	if serverID == "" {
		serverID = sources[0].ID
	}
	src, ok := r.source(serverID)
	if !ok {
		return domain.PlayableMedia{}, domain.UnresolvableError(fmt.Sprintf("unknown server %q", serverID), nil)
	}

	switch action {
	case ActionSearch:
		return r.resolveSearch(ctx, src, params)
	case ActionObject:
		return r.resolveObject(ctx, src, params)
	case ActionPath:
		objectID, err := r.resolvePath(ctx, src, params)
		if err != nil {
			return domain.PlayableMedia{}, err
		}
		return r.resolveObject(ctx, src, objectID)
	}
	return domain.PlayableMedia{}, domain.UnresolvableError(fmt.Sprintf("invalid identifier %q", identifier), nil)
}

func (r *Resolver) resolveObject(ctx context.Context, src *Source, objectID string) (domain.PlayableMedia, error) {
	object, err := src.Directory.BrowseMetadata(ctx, objectID, resolveFilter)
	if err != nil {
		return domain.PlayableMedia{}, domain.UnresolvableError("invalid object or server", err)
	}
	return r.mediaFromObject(src, object)
}

func (r *Resolver) resolveSearch(ctx context.Context, src *Source, criteria string) (domain.PlayableMedia, error) {
	objects, err := src.Directory.Search(ctx, RootObjectID, criteria, resolveFilter)
	if err != nil {
		return domain.PlayableMedia{}, domain.UnresolvableError("search failed", err)
	}
	if len(objects) == 0 {
		return domain.PlayableMedia{}, domain.UnresolvableError(fmt.Sprintf("nothing found for %s", criteria), nil)
	}
	if len(objects) > 1 {
		r.logger.Debug("search_multiple_matches", "criteria", criteria, "count", len(objects))
	}
	return r.mediaFromObject(src, &objects[0])
}

func (r *Resolver) mediaFromObject(src *Source, object *didl.Object) (domain.PlayableMedia, error) {
	if len(object.Resources) == 0 {
		return domain.PlayableMedia{}, domain.UnresolvableError("object has no resources", nil)
	}
	resource := object.Resources[0]
	mimeType := didl.MIMETypeFromProtocolInfo(resource.ProtocolInfo)
	if resource.URI == "" || mimeType == "" {
		return domain.PlayableMedia{}, domain.UnresolvableError("object resource has no URI or MIME type", nil)
	}

	media := domain.PlayableMedia{
		URL:      src.handle.AbsoluteURL(resource.URI),
		MIMEType: mimeType,
	}
	r.logger.Debug("resolved_media", "url", media.URL, "mime_type", media.MIMEType)
	return media, nil
}

// resolvePath walks a title path from the root, one search per segment. Each
// segment must match exactly one object.
func (r *Resolver) resolvePath(ctx context.Context, src *Source, path string) (string, error) {
	objectID := RootObjectID
	for _, segment := range strings.Split(path, pathSep) {
		criteria := fmt.Sprintf(`@parentID="%s" and dc:title="%s"`, objectID, segment)
		objects, err := src.Directory.Search(ctx, objectID, criteria, pathFilter)
		if err != nil {
			return "", domain.UnresolvableError("path search failed", err)
		}
		if len(objects) == 0 {
			return "", domain.UnresolvableError(fmt.Sprintf("nothing found for %s in %s", segment, path), nil)
		}
		if len(objects) > 1 {
			return "", domain.UnresolvableError(fmt.Sprintf("too many items found for %s in %s", segment, path), nil)
		}
		objectID = objects[0].ID
	}
	return objectID, nil
}

// Browse returns the browse tree node for an identifier, with one level of
// children.
func (r *Resolver) Browse(ctx context.Context, identifier string) (*domain.BrowseNode, error) {
	r.logger.Debug("browse_media", "identifier", identifier)

	sources := r.snapshot()
	if len(sources) == 0 {
		return nil, domain.BrowseError("no servers available", nil)
	}

	serverID, action, params, err := ParseIdentifier(identifier)
	if err != nil {
		return nil, err
	}

	if serverID == "" && action == "" && len(sources) > 1 {
		return r.allServersRoot(sources), nil
	}

	if serverID == "" {
		serverID = sources[0].ID
	}
	src, ok := r.source(serverID)
	if !ok {
		return nil, domain.BrowseError(fmt.Sprintf("unknown server %q", serverID), nil)
	}

	switch action {
	case "":
		node, err := r.browseObject(ctx, src, RootObjectID)
		if err != nil {
			return nil, err
		}
		// The device calls its root "root"; the server ID reads better.
		node.Title = serverID
		return node, nil
	case ActionObject:
		return r.browseObject(ctx, src, params)
	case ActionPath:
		objectID, err := r.resolvePath(ctx, src, params)
		if err != nil {
			return nil, err
		}
		return r.browseObject(ctx, src, objectID)
	case ActionSearch:
		return r.browseSearch(ctx, src, params)
	}
	return nil, domain.BrowseError(fmt.Sprintf("invalid identifier %q", identifier), nil)
}

// allServersRoot is the synthetic node listing every registered server.
func (r *Resolver) allServersRoot(sources []*Source) *domain.BrowseNode {
	root := &domain.BrowseNode{
		Identifier:    "",
		Title:         "Media Servers",
		MediaClass:    domain.MediaClassDirectory,
		CanExpand:     true,
		ChildrenClass: domain.MediaClassDirectory,
	}
	for _, src := range sources {
		root.Children = append(root.Children, &domain.BrowseNode{
			Identifier:    src.ID + "/object/" + RootObjectID,
			Title:         src.Name,
			MediaClass:    domain.MediaClassDirectory,
			CanExpand:     true,
			ChildrenClass: domain.MediaClassDirectory,
			Thumbnail:     src.handle.Icon(),
		})
	}
	return root
}

func (r *Resolver) browseObject(ctx context.Context, src *Source, objectID string) (*domain.BrowseNode, error) {
	object, err := src.Directory.BrowseMetadata(ctx, objectID, browseFilter)
	if err != nil {
		return nil, domain.BrowseError("invalid object or server", err)
	}
	children, err := src.Directory.BrowseChildren(ctx, objectID, browseFilter)
	if err != nil {
		return nil, domain.BrowseError("invalid object or server", err)
	}
	return r.toBrowseNode(src, object, children), nil
}

func (r *Resolver) browseSearch(ctx context.Context, src *Source, criteria string) (*domain.BrowseNode, error) {
	objects, err := src.Directory.Search(ctx, RootObjectID, criteria, browseFilter)
	if err != nil {
		return nil, domain.BrowseError("search failed", err)
	}
	node := &domain.BrowseNode{
		Identifier: src.ID + "/" + ActionSearch + "/" + criteria,
		Title:      "Search results",
		MediaClass: domain.MediaClassDirectory,
		CanExpand:  len(objects) > 0,
	}
	for i := range objects {
		node.Children = append(node.Children, r.toBrowseNode(src, &objects[i], nil))
	}
	calculateChildrenClass(node)
	return node, nil
}

// toBrowseNode projects a DIDL-Lite object (and one fetched level of
// children) onto the browse-tree vocabulary.
func (r *Resolver) toBrowseNode(src *Source, object *didl.Object, children []didl.Object) *domain.BrowseNode {
	class, ok := didl.ClassFor(object.Class)
	if !ok {
		class = didl.FallbackClass(object.Container)
	}
	mediaType, _ := didl.TypeFor(object.Class)

	node := &domain.BrowseNode{
		Identifier: src.ID + "/" + ActionObject + "/" + object.ID,
		Title:      object.Title,
		MediaClass: class,
		MediaType:  mediaType,
		CanPlay:    object.CanPlay(),
		CanExpand:  object.CanExpand(len(children)),
	}
	if thumbnail := object.Thumbnail(); thumbnail != "" {
		node.Thumbnail = src.handle.AbsoluteURL(thumbnail)
	}
	for i := range children {
		node.Children = append(node.Children, r.toBrowseNode(src, &children[i], nil))
	}
	calculateChildrenClass(node)
	return node
}

// calculateChildrenClass advertises a uniform children class when every
// child shares one.
func calculateChildrenClass(node *domain.BrowseNode) {
	if len(node.Children) == 0 {
		return
	}
	class := node.Children[0].MediaClass
	for _, child := range node.Children[1:] {
		if child.MediaClass != class {
			return
		}
	}
	node.ChildrenClass = class
}
