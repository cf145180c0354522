package domain

// MediaClass is the coarse classification used to shape a browse tree.
type MediaClass string

const (
	MediaClassDirectory MediaClass = "directory"
	MediaClassAlbum     MediaClass = "album"
	MediaClassArtist    MediaClass = "artist"
	MediaClassChannel   MediaClass = "channel"
	MediaClassEpisode   MediaClass = "episode"
	MediaClassGenre     MediaClass = "genre"
	MediaClassImage     MediaClass = "image"
	MediaClassMovie     MediaClass = "movie"
	MediaClassMusic     MediaClass = "music"
	MediaClassPlaylist  MediaClass = "playlist"
	MediaClassPodcast   MediaClass = "podcast"
	MediaClassTrack     MediaClass = "track"
	MediaClassTVShow    MediaClass = "tvshow"
	MediaClassURL       MediaClass = "url"
	MediaClassVideo     MediaClass = "video"
)

// MediaType is the content-type vocabulary surfaced to hosts alongside the
// media class.
type MediaType string

const (
	MediaTypeAlbum    MediaType = "album"
	MediaTypeArtist   MediaType = "artist"
	MediaTypeChannels MediaType = "channels"
	MediaTypeEpisode  MediaType = "episode"
	MediaTypeGenre    MediaType = "genre"
	MediaTypeImage    MediaType = "image"
	MediaTypeMovie    MediaType = "movie"
	MediaTypeMusic    MediaType = "music"
	MediaTypePlaylist MediaType = "playlist"
	MediaTypePodcast  MediaType = "podcast"
	MediaTypeTVShow   MediaType = "tvshow"
	MediaTypeURL      MediaType = "url"
	MediaTypeVideo    MediaType = "video"
)

// PlaybackState is the renderer state surfaced to hosts. Off means the device
// is unreachable; On means reachable but the transport state is unknown.
type PlaybackState string

const (
	StateOff     PlaybackState = "off"
	StateOn      PlaybackState = "on"
	StateIdle    PlaybackState = "idle"
	StatePlaying PlaybackState = "playing"
	StatePaused  PlaybackState = "paused"
)

// Feature is a bitmask of renderer capabilities derived from the action set a
// device declares in its service descriptions.
type Feature uint16

const (
	FeatureVolume Feature = 1 << iota
	FeatureMute
	FeaturePlay
	FeaturePause
	FeatureStop
	FeatureSeek
	FeaturePrevious
	FeatureNext
	FeaturePlayMedia
)

func (f Feature) Has(want Feature) bool {
	return f&want == want
}

// PlayableMedia is the result of resolving a media identifier to something a
// renderer can be pointed at.
type PlayableMedia struct {
	URL      string `json:"url"`
	MIMEType string `json:"mime_type"`
}

// BrowseNode is one node of a browse tree, projected from a DIDL-Lite object.
type BrowseNode struct {
	Identifier    string        `json:"identifier"`
	Title         string        `json:"title"`
	MediaClass    MediaClass    `json:"media_class"`
	MediaType     MediaType     `json:"media_type,omitempty"`
	CanPlay       bool          `json:"can_play"`
	CanExpand     bool          `json:"can_expand"`
	Thumbnail     string        `json:"thumbnail,omitempty"`
	ChildrenClass MediaClass    `json:"children_class,omitempty"`
	Children      []*BrowseNode `json:"children,omitempty"`
}
