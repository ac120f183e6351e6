package lavalink

import (
	"sync"

	"github.com/hxnx/lavanode/internal/protocol"
	"github.com/hxnx/lavanode/internal/queue"
)

type EventKind string

const (
	KindNodeReady     EventKind = "node.ready"
	KindNodeStats     EventKind = "node.stats"
	KindNodeReconnect EventKind = "node.reconnect"
	KindNodeClosed    EventKind = "node.closed"
	KindNodeError     EventKind = "node.error"

	KindPlayerCreate     EventKind = "player.create"
	KindPlayerDestroy    EventKind = "player.destroy"
	KindPlayerState      EventKind = "player.state"
	KindPlayerUpdate     EventKind = "player.update"
	KindPlayerConnection EventKind = "player.connection"
	KindPlayerMove       EventKind = "player.move"
	KindQueueEnd         EventKind = "player.queueEnd"

	KindTrackStart EventKind = "track.start"
	KindTrackEnd   EventKind = "track.end"
	KindTrackError EventKind = "track.error"
	KindTrackStuck EventKind = "track.stuck"

	KindWebSocketClosed EventKind = "ws.closed"

	KindVoiceState   EventKind = "voice.state"
	KindVoiceServer  EventKind = "voice.server"
	KindVoiceConnect EventKind = "voice.connect"
)

// Event is implemented by every event struct in this package. Switch on the
// concrete type to handle them.
type Event interface {
	Kind() EventKind
}

type NodeEvent interface {
	Event
	NodeName() string
}

type PlayerEvent interface {
	Event
	Guild() string
}

type TrackEvent interface {
	PlayerEvent
	isTrackEvent()
}

type VoiceEvent interface {
	Event
	Guild() string
	isVoiceEvent()
}

type NodeReadyEvent struct {
	Node      string
	SessionID string
	Resumed   bool
}

type NodeStatsEvent struct {
	Node  string
	Stats protocol.Stats
}

type NodeReconnectEvent struct {
	Node    string
	Attempt int
}

// NodeClosedEvent is emitted whenever the socket goes away. Code
// CloseReconnectExhausted marks the terminal close after the last retry.
type NodeClosedEvent struct {
	Node   string
	Code   int
	Reason string
}

func (e NodeClosedEvent) Terminal() bool {
	return e.Code == CloseReconnectExhausted && e.Reason == ReasonReconnectExhausted
}

type NodeErrorEvent struct {
	Node string
	Err  error
}

func (NodeReadyEvent) Kind() EventKind     { return KindNodeReady }
func (NodeStatsEvent) Kind() EventKind     { return KindNodeStats }
func (NodeReconnectEvent) Kind() EventKind { return KindNodeReconnect }
func (NodeClosedEvent) Kind() EventKind    { return KindNodeClosed }
func (NodeErrorEvent) Kind() EventKind     { return KindNodeError }

func (e NodeReadyEvent) NodeName() string     { return e.Node }
func (e NodeStatsEvent) NodeName() string     { return e.Node }
func (e NodeReconnectEvent) NodeName() string { return e.Node }
func (e NodeClosedEvent) NodeName() string    { return e.Node }
func (e NodeErrorEvent) NodeName() string     { return e.Node }

type PlayerCreateEvent struct {
	GuildID string
	Node    string
}

type PlayerDestroyEvent struct {
	GuildID string
	Result  BestEffort
}

type PlayerStateEvent struct {
	GuildID string
	Old     PlayerState
	New     PlayerState
}

type PlayerUpdateEvent struct {
	GuildID string
	State   protocol.PlayerState
}

type PlayerConnectionEvent struct {
	GuildID   string
	Connected bool
}

type PlayerMoveEvent struct {
	GuildID string
	From    string
	To      string
}

// QueueEndEvent fires when a track ends and nothing is left to play.
type QueueEndEvent struct {
	GuildID string
	Last    *queue.Track
}

type WebSocketClosedEvent struct {
	GuildID  string
	Code     int
	Reason   string
	ByRemote bool
}

func (PlayerCreateEvent) Kind() EventKind     { return KindPlayerCreate }
func (PlayerDestroyEvent) Kind() EventKind    { return KindPlayerDestroy }
func (PlayerStateEvent) Kind() EventKind      { return KindPlayerState }
func (PlayerUpdateEvent) Kind() EventKind     { return KindPlayerUpdate }
func (PlayerConnectionEvent) Kind() EventKind { return KindPlayerConnection }
func (PlayerMoveEvent) Kind() EventKind       { return KindPlayerMove }
func (QueueEndEvent) Kind() EventKind         { return KindQueueEnd }
func (WebSocketClosedEvent) Kind() EventKind  { return KindWebSocketClosed }

func (e PlayerCreateEvent) Guild() string     { return e.GuildID }
func (e PlayerDestroyEvent) Guild() string    { return e.GuildID }
func (e PlayerStateEvent) Guild() string      { return e.GuildID }
func (e PlayerUpdateEvent) Guild() string     { return e.GuildID }
func (e PlayerConnectionEvent) Guild() string { return e.GuildID }
func (e PlayerMoveEvent) Guild() string       { return e.GuildID }
func (e QueueEndEvent) Guild() string         { return e.GuildID }
func (e WebSocketClosedEvent) Guild() string  { return e.GuildID }

type TrackStartEvent struct {
	GuildID string
	Track   *queue.Track
}

type TrackEndEvent struct {
	GuildID string
	Track   *queue.Track
	Reason  protocol.EndReason
}

type TrackErrorEvent struct {
	GuildID   string
	Track     *queue.Track
	Exception protocol.Exception
}

type TrackStuckEvent struct {
	GuildID     string
	Track       *queue.Track
	ThresholdMs int64
}

func (TrackStartEvent) Kind() EventKind { return KindTrackStart }
func (TrackEndEvent) Kind() EventKind   { return KindTrackEnd }
func (TrackErrorEvent) Kind() EventKind { return KindTrackError }
func (TrackStuckEvent) Kind() EventKind { return KindTrackStuck }

func (e TrackStartEvent) Guild() string { return e.GuildID }
func (e TrackEndEvent) Guild() string   { return e.GuildID }
func (e TrackErrorEvent) Guild() string { return e.GuildID }
func (e TrackStuckEvent) Guild() string { return e.GuildID }

func (TrackStartEvent) isTrackEvent() {}
func (TrackEndEvent) isTrackEvent()   {}
func (TrackErrorEvent) isTrackEvent() {}
func (TrackStuckEvent) isTrackEvent() {}

type VoiceStateEvent struct {
	GuildID   string
	ChannelID string
	SessionID string
}

type VoiceServerEvent struct {
	GuildID  string
	Endpoint string
}

// VoiceConnectEvent is emitted after complete voice credentials were
// forwarded to a node.
type VoiceConnectEvent struct {
	GuildID string
	Node    string
}

func (VoiceStateEvent) Kind() EventKind   { return KindVoiceState }
func (VoiceServerEvent) Kind() EventKind  { return KindVoiceServer }
func (VoiceConnectEvent) Kind() EventKind { return KindVoiceConnect }

func (e VoiceStateEvent) Guild() string   { return e.GuildID }
func (e VoiceServerEvent) Guild() string  { return e.GuildID }
func (e VoiceConnectEvent) Guild() string { return e.GuildID }

func (VoiceStateEvent) isVoiceEvent()   {}
func (VoiceServerEvent) isVoiceEvent()  {}
func (VoiceConnectEvent) isVoiceEvent() {}

// Emitter fans events out to subscribers in subscription order. Handlers run
// synchronously on the emitting goroutine.
type Emitter[E any] struct {
	mu     sync.RWMutex
	nextID uint64
	subs   []subscription[E]
}

type subscription[E any] struct {
	id uint64
	fn func(E)
}

// Subscribe registers fn and returns a func that removes it.
func (e *Emitter[E]) Subscribe(fn func(E)) func() {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.subs = append(e.subs, subscription[E]{id: id, fn: fn})
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			for i, s := range e.subs {
				if s.id == id {
					e.subs = append(e.subs[:i:i], e.subs[i+1:]...)
					return
				}
			}
		})
	}
}

func (e *Emitter[E]) Emit(ev E) {
	e.mu.RLock()
	subs := make([]subscription[E], len(e.subs))
	copy(subs, e.subs)
	e.mu.RUnlock()

	for _, s := range subs {
		s.fn(ev)
	}
}

func (e *Emitter[E]) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.subs)
}
