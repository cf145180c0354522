package didl

import (
	"strings"

	"avbridge.app/avbridge/internal/domain"
)

// mediaClassByUPnPClass maps a upnp:class value to a browse-tree media class.
// Exact match only; unlisted classes fall back per FallbackClass.
var mediaClassByUPnPClass = map[string]domain.MediaClass{
	"object":                                          domain.MediaClassURL,
	"object.item":                                     domain.MediaClassURL,
	"object.item.imageItem":                           domain.MediaClassImage,
	"object.item.imageItem.photo":                     domain.MediaClassImage,
	"object.item.audioItem":                           domain.MediaClassMusic,
	"object.item.audioItem.musicTrack":                domain.MediaClassMusic,
	"object.item.audioItem.audioBroadcast":            domain.MediaClassMusic,
	"object.item.audioItem.audioBook":                 domain.MediaClassPodcast,
	"object.item.videoItem":                           domain.MediaClassVideo,
	"object.item.videoItem.movie":                     domain.MediaClassMovie,
	"object.item.videoItem.videoBroadcast":            domain.MediaClassTVShow,
	"object.item.videoItem.musicVideoClip":            domain.MediaClassVideo,
	"object.item.playlistItem":                        domain.MediaClassTrack,
	"object.item.textItem":                            domain.MediaClassURL,
	"object.item.bookmarkItem":                        domain.MediaClassURL,
	"object.item.epgItem":                             domain.MediaClassEpisode,
	"object.item.epgItem.audioProgram":                domain.MediaClassMusic,
	"object.item.epgItem.videoProgram":                domain.MediaClassVideo,
	"object.container":                                domain.MediaClassDirectory,
	"object.container.person":                         domain.MediaClassArtist,
	"object.container.person.musicArtist":             domain.MediaClassArtist,
	"object.container.playlistContainer":              domain.MediaClassPlaylist,
	"object.container.album":                          domain.MediaClassAlbum,
	"object.container.album.musicAlbum":               domain.MediaClassAlbum,
	"object.container.album.photoAlbum":               domain.MediaClassAlbum,
	"object.container.genre":                          domain.MediaClassGenre,
	"object.container.genre.musicGenre":               domain.MediaClassGenre,
	"object.container.genre.movieGenre":               domain.MediaClassGenre,
	"object.container.channelGroup":                   domain.MediaClassChannel,
	"object.container.channelGroup.audioChannelGroup": domain.MediaClassChannel,
	"object.container.channelGroup.videoChannelGroup": domain.MediaClassChannel,
	"object.container.epgContainer":                   domain.MediaClassDirectory,
	"object.container.storageSystem":                  domain.MediaClassDirectory,
	"object.container.storageVolume":                  domain.MediaClassDirectory,
	"object.container.storageFolder":                  domain.MediaClassDirectory,
	"object.container.bookmarkFolder":                 domain.MediaClassDirectory,
}

// mediaTypeByUPnPClass maps a upnp:class value to a content-type label.
var mediaTypeByUPnPClass = map[string]domain.MediaType{
	"object":                                          domain.MediaTypeURL,
	"object.item":                                     domain.MediaTypeURL,
	"object.item.imageItem":                           domain.MediaTypeImage,
	"object.item.imageItem.photo":                     domain.MediaTypeImage,
	"object.item.audioItem":                           domain.MediaTypeMusic,
	"object.item.audioItem.musicTrack":                domain.MediaTypeMusic,
	"object.item.audioItem.audioBroadcast":            domain.MediaTypeMusic,
	"object.item.audioItem.audioBook":                 domain.MediaTypePodcast,
	"object.item.videoItem":                           domain.MediaTypeVideo,
	"object.item.videoItem.movie":                     domain.MediaTypeMovie,
	"object.item.videoItem.videoBroadcast":            domain.MediaTypeVideo,
	"object.item.videoItem.musicVideoClip":            domain.MediaTypeVideo,
	"object.item.playlistItem":                        domain.MediaTypePlaylist,
	"object.item.textItem":                            domain.MediaTypeURL,
	"object.item.bookmarkItem":                        domain.MediaTypeURL,
	"object.item.epgItem":                             domain.MediaTypeEpisode,
	"object.item.epgItem.audioProgram":                domain.MediaTypeEpisode,
	"object.item.epgItem.videoProgram":                domain.MediaTypeEpisode,
	"object.container":                                domain.MediaTypePlaylist,
	"object.container.person":                         domain.MediaTypeArtist,
	"object.container.person.musicArtist":             domain.MediaTypeArtist,
	"object.container.playlistContainer":              domain.MediaTypePlaylist,
	"object.container.album":                          domain.MediaTypeAlbum,
	"object.container.album.musicAlbum":               domain.MediaTypeAlbum,
	"object.container.album.photoAlbum":               domain.MediaTypeAlbum,
	"object.container.genre":                          domain.MediaTypeGenre,
	"object.container.genre.musicGenre":               domain.MediaTypeGenre,
	"object.container.genre.movieGenre":               domain.MediaTypeGenre,
	"object.container.channelGroup":                   domain.MediaTypeChannels,
	"object.container.channelGroup.audioChannelGroup": domain.MediaTypeChannels,
	"object.container.channelGroup.videoChannelGroup": domain.MediaTypeChannels,
	"object.container.epgContainer":                   domain.MediaTypeTVShow,
	"object.container.storageSystem":                  domain.MediaTypePlaylist,
	"object.container.storageVolume":                  domain.MediaTypePlaylist,
	"object.container.storageFolder":                  domain.MediaTypePlaylist,
	"object.container.bookmarkFolder":                 domain.MediaTypePlaylist,
}

// ClassFor looks up the media class for a upnp:class value.
func ClassFor(upnpClass string) (domain.MediaClass, bool) {
	c, ok := mediaClassByUPnPClass[upnpClass]
	return c, ok
}

// FallbackClass is the media class for upnp:class values outside the table.
func FallbackClass(container bool) domain.MediaClass {
	if container {
		return domain.MediaClassDirectory
	}
	return domain.MediaClassURL
}

// TypeFor looks up the content-type label for a upnp:class value.
func TypeFor(upnpClass string) (domain.MediaType, bool) {
	t, ok := mediaTypeByUPnPClass[upnpClass]
	return t, ok
}

// MIMETypeFromProtocolInfo extracts the content-format field of a protocolInfo
// string. The format is four colon-separated fields with the MIME type third.
// Malformed values yield "".
func MIMETypeFromProtocolInfo(protocolInfo string) string {
	parts := strings.Split(protocolInfo, ":")
	if len(parts) < 3 {
		return ""
	}
	return parts[2]
}

// Thumbnail picks an image URL for an object: albumArtURI when present,
// otherwise the first resource advertising an image protocolInfo.
func (o *Object) Thumbnail() string {
	if o.AlbumArtURI != "" {
		return o.AlbumArtURI
	}
	for _, res := range o.Resources {
		if strings.HasPrefix(res.ProtocolInfo, "http-get:*:image/") {
			return res.URI
		}
	}
	return ""
}

// CanPlay reports whether the object has at least one resource.
func (o *Object) CanPlay() bool {
	return len(o.Resources) > 0
}

// CanExpand reports whether the object can be browsed further: either children
// were actually fetched, or the object declares a positive child count.
func (o *Object) CanExpand(fetchedChildren int) bool {
	return fetchedChildren > 0 || o.DeclaredChildCount() > 0
}
