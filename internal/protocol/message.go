package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

type Op string

const (
	OpReady             Op = "ready"
	OpStats             Op = "stats"
	OpPlayerUpdate      Op = "playerUpdate"
	OpEvent             Op = "event"
	OpConfigureResuming Op = "configureResuming"
)

type EventType string

const (
	EventTrackStart      EventType = "TrackStartEvent"
	EventTrackEnd        EventType = "TrackEndEvent"
	EventTrackException  EventType = "TrackExceptionEvent"
	EventTrackStuck      EventType = "TrackStuckEvent"
	EventWebSocketClosed EventType = "WebSocketClosedEvent"
)

var ErrMissingOp = errors.New("message has no op")

// Message is any inbound payload: *Ready, *StatsMessage, *PlayerUpdate or Event.
type Message interface {
	Op() Op
}

type Ready struct {
	Resumed   bool   `json:"resumed"`
	SessionID string `json:"sessionId"`
}

func (Ready) Op() Op { return OpReady }

type StatsMessage struct {
	Stats
}

func (StatsMessage) Op() Op { return OpStats }

type PlayerState struct {
	Time      int64 `json:"time"`
	Position  int64 `json:"position"`
	Connected bool  `json:"connected"`
	Ping      int   `json:"ping"`
}

type PlayerUpdate struct {
	GuildID string      `json:"guildId"`
	State   PlayerState `json:"state"`
}

func (PlayerUpdate) Op() Op { return OpPlayerUpdate }

// Event is a per-guild domain event delivered over the socket or embedded in
// a REST response.
type Event interface {
	Message
	Type() EventType
	Guild() string
}

type eventBase struct {
	GuildID string `json:"guildId"`
}

func (eventBase) Op() Op           { return OpEvent }
func (e eventBase) Guild() string { return e.GuildID }

type TrackStart struct {
	eventBase
	Track *Track `json:"track"`
}

func (TrackStart) Type() EventType { return EventTrackStart }

type TrackEnd struct {
	eventBase
	Track  *Track    `json:"track"`
	Reason EndReason `json:"reason"`
}

func (TrackEnd) Type() EventType { return EventTrackEnd }

type TrackException struct {
	eventBase
	Track     *Track    `json:"track"`
	Exception Exception `json:"exception"`
}

func (TrackException) Type() EventType { return EventTrackException }

type TrackStuck struct {
	eventBase
	Track       *Track `json:"track"`
	ThresholdMs int64  `json:"thresholdMs"`
}

func (TrackStuck) Type() EventType { return EventTrackStuck }

type WebSocketClosed struct {
	eventBase
	Code     int    `json:"code"`
	Reason   string `json:"reason"`
	ByRemote bool   `json:"byRemote"`
}

func (WebSocketClosed) Type() EventType { return EventWebSocketClosed }

type EndReason string

const (
	EndReasonFinished   EndReason = "finished"
	EndReasonLoadFailed EndReason = "loadFailed"
	EndReasonStopped    EndReason = "stopped"
	EndReasonReplaced   EndReason = "replaced"
	EndReasonCleanup    EndReason = "cleanup"
)

// MayStartNext reports whether the client should advance the queue.
func (r EndReason) MayStartNext() bool {
	return r == EndReasonFinished || r == EndReasonLoadFailed
}

// UnmarshalText accepts both "loadFailed" and the older "LOAD_FAILED" spelling.
func (r *EndReason) UnmarshalText(b []byte) error {
	norm := strings.ToLower(strings.ReplaceAll(string(b), "_", ""))
	for _, known := range []EndReason{EndReasonFinished, EndReasonLoadFailed, EndReasonStopped, EndReasonReplaced, EndReasonCleanup} {
		if strings.ToLower(string(known)) == norm {
			*r = known
			return nil
		}
	}
	*r = EndReason(b)
	return nil
}

type envelope struct {
	Op      Op        `json:"op"`
	Type    EventType `json:"type"`
	GuildID string    `json:"guildId"`
}

// ParseMessage decodes one inbound frame. Anything carrying both a type and a
// guild id is treated as an event regardless of op.
func ParseMessage(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	if env.Type != "" && env.GuildID != "" {
		return ParseEvent(data)
	}

	var msg Message
	switch env.Op {
	case OpReady:
		msg = &Ready{}
	case OpStats:
		msg = &StatsMessage{}
	case OpPlayerUpdate:
		msg = &PlayerUpdate{}
	case "":
		return nil, ErrMissingOp
	default:
		return nil, fmt.Errorf("unknown op %q", env.Op)
	}

	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Op, err)
	}
	return msg, nil
}

func ParseEvent(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}

	var ev Event
	switch env.Type {
	case EventTrackStart:
		ev = &TrackStart{}
	case EventTrackEnd:
		ev = &TrackEnd{}
	case EventTrackException:
		ev = &TrackException{}
	case EventTrackStuck:
		ev = &TrackStuck{}
	case EventWebSocketClosed:
		ev = &WebSocketClosed{}
	default:
		return nil, fmt.Errorf("unknown event type %q", env.Type)
	}

	if err := json.Unmarshal(data, ev); err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Type, err)
	}
	return ev, nil
}

type ConfigureResuming struct {
	Op      Op     `json:"op"`
	Key     string `json:"key"`
	Timeout int    `json:"timeout"`
}
