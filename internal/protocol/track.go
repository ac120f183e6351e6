package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

type TrackInfo struct {
	Identifier string `json:"identifier"`
	IsSeekable bool   `json:"isSeekable"`
	Author     string `json:"author"`
	Length     int64  `json:"length"`
	IsStream   bool   `json:"isStream"`
	Position   int64  `json:"position"`
	Title      string `json:"title"`
	URI        string `json:"uri,omitempty"`
	ArtworkURL string `json:"artworkUrl,omitempty"`
	ISRC       string `json:"isrc,omitempty"`
	SourceName string `json:"sourceName"`
}

// Track is a playable item as returned by the node. Encoded is the opaque
// base64 blob the node needs to play it again.
type Track struct {
	Encoded    string          `json:"encoded"`
	Info       TrackInfo       `json:"info"`
	PluginInfo json.RawMessage `json:"pluginInfo,omitempty"`
	UserData   map[string]any  `json:"userData,omitempty"`
}

func (t *Track) Duration() time.Duration {
	if t == nil {
		return 0
	}
	return time.Duration(t.Info.Length) * time.Millisecond
}

func (t *Track) String() string {
	if t == nil {
		return "<nil>"
	}
	if t.Info.Author == "" {
		return t.Info.Title
	}
	return fmt.Sprintf("%s - %s", t.Info.Author, t.Info.Title)
}

type LoadType string

const (
	LoadTypeTrack    LoadType = "track"
	LoadTypePlaylist LoadType = "playlist"
	LoadTypeSearch   LoadType = "search"
	LoadTypeEmpty    LoadType = "empty"
	LoadTypeError    LoadType = "error"
)

type Severity string

const (
	SeverityCommon     Severity = "common"
	SeveritySuspicious Severity = "suspicious"
	SeverityFault      Severity = "fault"
)

type Exception struct {
	Message         string   `json:"message"`
	Severity        Severity `json:"severity"`
	Cause           string   `json:"cause"`
	CauseStackTrace string   `json:"causeStackTrace,omitempty"`
}

func (e Exception) Error() string {
	return fmt.Sprintf("%s (%s): %s", e.Message, e.Severity, e.Cause)
}

type PlaylistInfo struct {
	Name          string `json:"name"`
	SelectedTrack int    `json:"selectedTrack"`
}

type Playlist struct {
	Info       PlaylistInfo    `json:"info"`
	PluginInfo json.RawMessage `json:"pluginInfo,omitempty"`
	Tracks     []*Track        `json:"tracks"`
}

// LoadResult is the decoded /loadtracks response. Exactly one of Track,
// Playlist, Tracks or Exception is populated depending on LoadType.
type LoadResult struct {
	LoadType  LoadType
	Track     *Track
	Playlist  *Playlist
	Tracks    []*Track
	Exception *Exception
}

// All flattens the result into the list of tracks it carries.
func (r *LoadResult) All() []*Track {
	switch r.LoadType {
	case LoadTypeTrack:
		if r.Track != nil {
			return []*Track{r.Track}
		}
	case LoadTypePlaylist:
		if r.Playlist != nil {
			return r.Playlist.Tracks
		}
	case LoadTypeSearch:
		return r.Tracks
	}
	return nil
}

func (r *LoadResult) UnmarshalJSON(b []byte) error {
	var raw struct {
		LoadType LoadType        `json:"loadType"`
		Data     json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	r.LoadType = raw.LoadType
	switch raw.LoadType {
	case LoadTypeTrack:
		r.Track = &Track{}
		return json.Unmarshal(raw.Data, r.Track)
	case LoadTypePlaylist:
		r.Playlist = &Playlist{}
		return json.Unmarshal(raw.Data, r.Playlist)
	case LoadTypeSearch:
		return json.Unmarshal(raw.Data, &r.Tracks)
	case LoadTypeError:
		r.Exception = &Exception{}
		return json.Unmarshal(raw.Data, r.Exception)
	case LoadTypeEmpty:
		return nil
	default:
		return fmt.Errorf("unknown load type %q", raw.LoadType)
	}
}
