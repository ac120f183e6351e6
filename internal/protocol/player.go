package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// VoiceState is the Discord voice credential triple the node needs to join
// a voice channel on the bot's behalf.
type VoiceState struct {
	Token     string `json:"token"`
	Endpoint  string `json:"endpoint"`
	SessionID string `json:"sessionId"`
}

func (v VoiceState) Complete() bool {
	return v.Token != "" && v.Endpoint != "" && v.SessionID != ""
}

type Player struct {
	GuildID string      `json:"guildId"`
	Track   *Track      `json:"track"`
	Volume  int         `json:"volume"`
	Paused  bool        `json:"paused"`
	State   PlayerState `json:"state"`
	Voice   VoiceState  `json:"voice"`
	Filters Filters     `json:"filters"`
}

// PlayerResponse is a player resource as returned by a PATCH. Some servers
// piggyback pending events on it.
type PlayerResponse struct {
	Player
	Events []json.RawMessage `json:"events,omitempty"`
}

// UpdatePlayerTrack selects what the player should play. A nil Encoded is
// sent as JSON null and stops playback.
type UpdatePlayerTrack struct {
	Encoded    *string        `json:"encoded"`
	Identifier string         `json:"identifier,omitempty"`
	UserData   map[string]any `json:"userData,omitempty"`
}

type UpdatePlayer struct {
	Track    *UpdatePlayerTrack `json:"track,omitempty"`
	Position *int64             `json:"position,omitempty"`
	EndTime  *int64             `json:"endTime,omitempty"`
	Volume   *int               `json:"volume,omitempty"`
	Paused   *bool              `json:"paused,omitempty"`
	Filters  *Filters           `json:"filters,omitempty"`
	Voice    *VoiceState        `json:"voice,omitempty"`
}

func PlayTrack(encoded string) *UpdatePlayerTrack {
	return &UpdatePlayerTrack{Encoded: &encoded}
}

func StopTrack() *UpdatePlayerTrack {
	return &UpdatePlayerTrack{}
}

type SessionUpdate struct {
	Resuming *bool `json:"resuming,omitempty"`
	Timeout  *int  `json:"timeout,omitempty"`
}

type Session struct {
	Resuming bool `json:"resuming"`
	Timeout  int  `json:"timeout"`
}

func Ptr[T any](v T) *T {
	return &v
}

// Filters is forwarded to the node verbatim. Keys follow the node's filter
// names (volume, equalizer, timescale, ...).
type Filters map[string]any

const (
	MinVolumeFilter = 0.0
	MaxVolumeFilter = 5.0
)

// Merge returns a copy of f with every key of other applied on top. A nil
// value in other removes the key.
func (f Filters) Merge(other Filters) Filters {
	out := make(Filters, len(f)+len(other))
	for k, v := range f {
		out[k] = v
	}
	for k, v := range other {
		if v == nil {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}

func (f Filters) Validate() error {
	raw, ok := f["volume"]
	if !ok || raw == nil {
		return nil
	}

	var vol float64
	switch v := raw.(type) {
	case float64:
		vol = v
	case float32:
		vol = float64(v)
	case int:
		vol = float64(v)
	case int64:
		vol = float64(v)
	case json.Number:
		parsed, err := v.Float64()
		if err != nil {
			return fmt.Errorf("volume filter: %w", err)
		}
		vol = parsed
	default:
		return fmt.Errorf("volume filter has type %T", raw)
	}

	if vol < MinVolumeFilter || vol > MaxVolumeFilter {
		return fmt.Errorf("volume filter %.2f outside [%.0f, %.0f]", vol, MinVolumeFilter, MaxVolumeFilter)
	}
	return nil
}

type Version struct {
	Semver     string `json:"semver"`
	Major      int    `json:"major"`
	Minor      int    `json:"minor"`
	Patch      int    `json:"patch"`
	PreRelease string `json:"preRelease,omitempty"`
	Build      string `json:"build,omitempty"`
}

type Git struct {
	Branch     string `json:"branch"`
	Commit     string `json:"commit"`
	CommitTime int64  `json:"commitTime"`
}

type Plugin struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type Info struct {
	Version        Version  `json:"version"`
	BuildTime      int64    `json:"buildTime"`
	Git            Git      `json:"git"`
	JVM            string   `json:"jvm"`
	Lavaplayer     string   `json:"lavaplayer"`
	SourceManagers []string `json:"sourceManagers"`
	Filters        []string `json:"filters"`
	Plugins        []Plugin `json:"plugins"`
}

// ErrorResponse is the body the node sends with a non-2xx status.
type ErrorResponse struct {
	Timestamp int64  `json:"timestamp"`
	Status    int    `json:"status"`
	Error     string `json:"error"`
	Message   string `json:"message"`
	Path      string `json:"path"`
	Trace     string `json:"trace,omitempty"`
}

func (e ErrorResponse) Time() time.Time {
	return time.UnixMilli(e.Timestamp)
}
