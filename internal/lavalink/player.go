package lavalink

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hxnx/lavanode/internal/protocol"
	"github.com/hxnx/lavanode/internal/queue"
	"go.uber.org/zap"
)

const (
	DefaultVolume = 100
	MinVolume     = 0
	MaxVolume     = 1000
)

type PlayerState int

const (
	PlayerIdle PlayerState = iota
	PlayerPlaying
	PlayerPaused
)

func (s PlayerState) String() string {
	switch s {
	case PlayerIdle:
		return "IDLE"
	case PlayerPlaying:
		return "PLAYING"
	case PlayerPaused:
		return "PAUSED"
	default:
		return fmt.Sprintf("PlayerState(%d)", int(s))
	}
}

// voiceReconnectCodes are voice gateway close codes after which rejoining
// the channel is expected to succeed.
var voiceReconnectCodes = map[int]bool{
	4006: true, // session no longer valid
	4009: true, // session timed out
	4015: true, // voice server crashed
}

type PlayerOptions struct {
	GuildID        string
	VoiceChannelID string
	TextChannelID  string
	SelfMute       bool
	SelfDeaf       bool
	// Volume is the starting volume; nil means DefaultVolume.
	Volume *int

	// Node pins the player to a node by name. Group restricts best-node
	// selection. Both are ignored when the guild already has a player.
	Node  string
	Group string

	QueueSize   int
	HistorySize int
}

type PlayOptions struct {
	// NoReplace leaves the current track playing if there is one. The
	// player then keeps reporting that track as current.
	NoReplace bool
	StartTime time.Duration
	EndTime   time.Duration
	Volume    *int
	Paused    bool
}

// Player controls playback for one guild. It is owned by exactly one node.
type Player struct {
	guildID   string
	connector *Connector
	queue     *queue.Queue
	log       *zap.Logger
	events    Emitter[PlayerEvent]

	mu             sync.RWMutex
	node           *Node
	voiceChannelID string
	textChannelID  string
	selfMute       bool
	selfDeaf       bool
	playing        bool
	paused         bool
	volume         int
	position       int64
	timestamp      time.Time
	connected      bool
	ping           int
	filters        protocol.Filters
	destroyed      bool
}

func newPlayer(n *Node, opts PlayerOptions) *Player {
	var qopts []queue.Option
	if opts.QueueSize > 0 {
		qopts = append(qopts, queue.WithMaxSize(opts.QueueSize))
	}
	if opts.HistorySize > 0 {
		qopts = append(qopts, queue.WithHistory(opts.HistorySize))
	}

	volume := DefaultVolume
	if opts.Volume != nil {
		volume = clampVolume(*opts.Volume)
	}

	return &Player{
		guildID:        opts.GuildID,
		connector:      n.connector,
		queue:          queue.New(qopts...),
		log:            n.log.With(zap.String("guild", opts.GuildID)),
		node:           n,
		voiceChannelID: opts.VoiceChannelID,
		textChannelID:  opts.TextChannelID,
		selfMute:       opts.SelfMute,
		selfDeaf:       opts.SelfDeaf,
		volume:         volume,
		filters:        protocol.Filters{},
		timestamp:      time.Now(),
	}
}

func clampVolume(v int) int {
	return min(max(v, MinVolume), MaxVolume)
}

func (p *Player) GuildID() string     { return p.guildID }
func (p *Player) Queue() *queue.Queue { return p.queue }

// Current is the track the player was last told to play.
func (p *Player) Current() *queue.Track {
	return p.queue.Current()
}

func (p *Player) Node() *Node {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.node
}

func (p *Player) VoiceChannelID() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.voiceChannelID
}

func (p *Player) SetVoiceChannel(channelID string) {
	p.mu.Lock()
	p.voiceChannelID = channelID
	p.mu.Unlock()
}

func (p *Player) TextChannelID() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.textChannelID
}

func (p *Player) SetTextChannel(channelID string) {
	p.mu.Lock()
	p.textChannelID = channelID
	p.mu.Unlock()
}

func (p *Player) State() PlayerState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stateLocked()
}

func (p *Player) stateLocked() PlayerState {
	switch {
	case !p.playing:
		return PlayerIdle
	case p.paused:
		return PlayerPaused
	default:
		return PlayerPlaying
	}
}

func (p *Player) Playing() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.playing
}

func (p *Player) Paused() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.paused
}

func (p *Player) Volume() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.volume
}

// Connected reports what the node last said about its voice connection.
func (p *Player) Connected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connected
}

func (p *Player) Ping() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.ping
}

func (p *Player) Filters() protocol.Filters {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.filters.Merge(nil)
}

func (p *Player) Destroyed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.destroyed
}

// Position estimates the playback position from the last snapshot plus the
// time elapsed since, when playing.
func (p *Player) Position() time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return time.Duration(p.positionLocked(time.Now())) * time.Millisecond
}

func (p *Player) positionLocked(now time.Time) int64 {
	pos := p.position
	if p.playing && !p.paused {
		pos += now.Sub(p.timestamp).Milliseconds()
	}
	if cur := p.queue.Current(); cur != nil && !cur.Info.IsStream && cur.Info.Length > 0 {
		pos = min(pos, cur.Info.Length)
	}
	return max(pos, 0)
}

func (p *Player) RepeatMode() queue.LoopMode {
	return p.queue.Loop()
}

func (p *Player) SetRepeatMode(mode queue.LoopMode) {
	p.queue.SetLoop(mode)
}

// SetTrackRepeat turns track repeat on or off. Turning it on replaces queue
// repeat.
func (p *Player) SetTrackRepeat(on bool) {
	p.setRepeat(queue.LoopTrack, on)
}

// SetQueueRepeat turns queue repeat on or off. Turning it on replaces track
// repeat.
func (p *Player) SetQueueRepeat(on bool) {
	p.setRepeat(queue.LoopQueue, on)
}

func (p *Player) setRepeat(mode queue.LoopMode, on bool) {
	switch {
	case on:
		p.queue.SetLoop(mode)
	case p.queue.Loop() == mode:
		p.queue.SetLoop(queue.LoopNone)
	}
}

func (p *Player) TrackRepeat() bool { return p.queue.Loop() == queue.LoopTrack }
func (p *Player) QueueRepeat() bool { return p.queue.Loop() == queue.LoopQueue }

func (p *Player) Subscribe(fn func(PlayerEvent)) func() {
	return p.events.Subscribe(fn)
}

func (p *Player) emit(ev PlayerEvent) {
	p.events.Emit(ev)
	p.connector.emit(ev)
}

// transition applies fn under the lock and emits PlayerStateEvent when the
// derived state changed.
func (p *Player) transition(fn func()) {
	p.mu.Lock()
	old := p.stateLocked()
	fn()
	next := p.stateLocked()
	p.mu.Unlock()

	if old != next {
		p.emit(PlayerStateEvent{GuildID: p.guildID, Old: old, New: next})
	}
}

func (p *Player) owner() (*Node, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.destroyed {
		return nil, ErrPlayerDestroyed
	}
	return p.node, nil
}

func (p *Player) patch(ctx context.Context, update protocol.UpdatePlayer, noReplace bool) (*Node, *protocol.PlayerResponse, error) {
	node, err := p.owner()
	if err != nil {
		return nil, nil, err
	}
	resp, err := node.updatePlayer(ctx, p.guildID, update, noReplace)
	return node, resp, err
}

// Play starts track and makes it the queue's current track.
func (p *Player) Play(ctx context.Context, track *queue.Track, opts PlayOptions) error {
	if track == nil {
		return queue.ErrNilTrack
	}

	update := protocol.UpdatePlayer{Track: protocol.PlayTrack(track.Encoded)}
	if len(track.UserData) > 0 {
		update.Track.UserData = track.UserData
	}
	var start int64
	if opts.StartTime > 0 {
		start = opts.StartTime.Milliseconds()
		update.Position = protocol.Ptr(start)
	}
	if opts.EndTime > 0 {
		update.EndTime = protocol.Ptr(opts.EndTime.Milliseconds())
	}
	volume := -1
	if opts.Volume != nil {
		volume = clampVolume(*opts.Volume)
		update.Volume = protocol.Ptr(volume)
	}
	if opts.Paused {
		update.Paused = protocol.Ptr(true)
	}

	wasPlaying := p.Playing() && p.queue.Current() != nil

	node, resp, err := p.patch(ctx, update, opts.NoReplace)
	if err != nil {
		return err
	}

	if opts.NoReplace && wasPlaying && !respondedWith(resp, track) {
		// The node kept its track; only the volume went through.
		if volume >= 0 {
			p.mu.Lock()
			p.volume = volume
			p.mu.Unlock()
		}
		p.log.Debug("current track kept", zap.String("track", track.Info.Title))
		node.redispatch(resp)
		return nil
	}

	p.queue.SetCurrent(track)
	p.transition(func() {
		p.playing = true
		p.paused = opts.Paused
		p.position = start
		p.timestamp = time.Now()
		if volume >= 0 {
			p.volume = volume
		}
	})
	p.log.Debug("playing", zap.String("track", track.Info.Title))
	node.redispatch(resp)
	return nil
}

func respondedWith(resp *protocol.PlayerResponse, track *queue.Track) bool {
	return resp != nil && resp.Track != nil && resp.Track.Encoded == track.Encoded
}

// Stop ends playback. Local state is reset even when the node could not be
// told.
func (p *Player) Stop(ctx context.Context) BestEffort {
	var result BestEffort

	node, resp, err := p.patch(ctx, protocol.UpdatePlayer{Track: protocol.StopTrack()}, false)
	result.Record("stop track", err)
	if err != nil {
		p.log.Warn("stop failed", zap.Error(err))
	}

	p.queue.ClearCurrent()
	p.transition(func() {
		p.playing = false
		p.paused = false
		p.position = 0
		p.timestamp = time.Now()
	})
	if node != nil {
		node.redispatch(resp)
	}
	return result
}

func (p *Player) Pause(ctx context.Context, pause bool) error {
	node, resp, err := p.patch(ctx, protocol.UpdatePlayer{Paused: protocol.Ptr(pause)}, false)
	if err != nil {
		return err
	}

	p.transition(func() {
		now := time.Now()
		p.position = p.positionLocked(now)
		p.timestamp = now
		p.paused = pause
	})
	node.redispatch(resp)
	return nil
}

// Seek moves to position, clamped to the current track's length.
func (p *Player) Seek(ctx context.Context, position time.Duration) error {
	cur := p.queue.Current()
	if cur == nil {
		return ErrNoCurrentTrack
	}
	if !cur.Info.IsSeekable {
		return ErrNotSeekable
	}

	pos := max(position.Milliseconds(), 0)
	if cur.Info.Length > 0 {
		pos = min(pos, cur.Info.Length)
	}

	node, resp, err := p.patch(ctx, protocol.UpdatePlayer{Position: protocol.Ptr(pos)}, false)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.position = pos
	p.timestamp = time.Now()
	p.mu.Unlock()
	node.redispatch(resp)
	return nil
}

// SetVolume clamps v to [0, 1000].
func (p *Player) SetVolume(ctx context.Context, v int) error {
	v = clampVolume(v)
	node, resp, err := p.patch(ctx, protocol.UpdatePlayer{Volume: protocol.Ptr(v)}, false)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.volume = v
	p.mu.Unlock()
	node.redispatch(resp)
	return nil
}

// SetFilters merges f into the active filters. A nil value removes a
// filter.
func (p *Player) SetFilters(ctx context.Context, f protocol.Filters) error {
	if err := f.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrFilterOutOfRange, err)
	}

	p.mu.RLock()
	merged := p.filters.Merge(f)
	p.mu.RUnlock()

	return p.applyFilters(ctx, merged)
}

func (p *Player) ClearFilters(ctx context.Context) error {
	return p.applyFilters(ctx, protocol.Filters{})
}

func (p *Player) applyFilters(ctx context.Context, filters protocol.Filters) error {
	node, resp, err := p.patch(ctx, protocol.UpdatePlayer{Filters: &filters}, false)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.filters = filters
	p.mu.Unlock()
	node.redispatch(resp)
	return nil
}

// Skip stops the current track and plays whatever the repeat mode and queue
// yield next. It returns the new track, or nil when the player went idle.
func (p *Player) Skip(ctx context.Context) (*queue.Track, error) {
	if !p.Playing() {
		return nil, nil
	}

	finished := p.queue.Current()
	p.Stop(ctx)

	next := p.nextToPlay(finished)
	if next == nil {
		return nil, nil
	}
	if err := p.Play(ctx, next, PlayOptions{}); err != nil {
		return nil, err
	}
	return next, nil
}

// nextToPlay decides what follows finished. Track repeat replays it, queue
// repeat sends it to the back of the queue, otherwise the queue head is
// taken. It returns nil when nothing is left.
func (p *Player) nextToPlay(finished *queue.Track) *queue.Track {
	switch p.queue.Loop() {
	case queue.LoopTrack:
		if finished != nil {
			return finished
		}
	case queue.LoopQueue:
		if finished != nil {
			if err := p.queue.Add(finished); err != nil {
				p.log.Warn("cannot recycle track", zap.Error(err))
			}
		}
	}

	next, ok := p.queue.NextTrack()
	if !ok {
		return nil
	}
	return next
}

func (p *Player) handleTrackEnd(ctx context.Context, ev *protocol.TrackEnd) {
	p.emit(TrackEndEvent{GuildID: p.guildID, Track: ev.Track, Reason: ev.Reason})

	if !ev.Reason.MayStartNext() || !p.Playing() {
		return
	}

	finished := p.queue.Current()
	if finished != nil && ev.Track != nil && finished.Encoded != ev.Track.Encoded {
		// A newer track already replaced the one that ended.
		return
	}
	if finished == nil {
		finished = ev.Track
	}

	next := p.nextToPlay(finished)
	if next == nil {
		p.idle()
		p.emit(QueueEndEvent{GuildID: p.guildID, Last: finished})
		return
	}
	if err := p.Play(ctx, next, PlayOptions{}); err != nil {
		p.log.Error("cannot play next track", zap.Error(err))
		p.idle()
	}
}

func (p *Player) idle() {
	p.queue.ClearCurrent()
	p.transition(func() {
		p.playing = false
		p.paused = false
		p.position = 0
		p.timestamp = time.Now()
	})
}

func (p *Player) skipAfterFailure(ctx context.Context, cause string) {
	if !p.Playing() {
		return
	}
	if _, err := p.Skip(ctx); err != nil {
		p.log.Warn("skip failed", zap.String("cause", cause), zap.Error(err))
	}
}

func (p *Player) handleVoiceClosed(ev *protocol.WebSocketClosed) {
	p.emit(WebSocketClosedEvent{GuildID: p.guildID, Code: ev.Code, Reason: ev.Reason, ByRemote: ev.ByRemote})

	if !voiceReconnectCodes[ev.Code] {
		return
	}
	p.log.Info("rejoining voice", zap.Int("code", ev.Code))
	if err := p.Connect(); err != nil {
		p.log.Warn("voice rejoin failed", zap.Error(err))
	}
}

// update applies a playerUpdate frame from the node.
func (p *Player) update(state protocol.PlayerState) {
	p.mu.Lock()
	p.position = state.Position
	p.timestamp = time.Now()
	p.ping = state.Ping
	changed := p.connected != state.Connected
	p.connected = state.Connected
	p.mu.Unlock()

	p.emit(PlayerUpdateEvent{GuildID: p.guildID, State: state})
	if changed {
		p.emit(PlayerConnectionEvent{GuildID: p.guildID, Connected: state.Connected})
	}
}

// Connect asks Discord to join the player's voice channel.
func (p *Player) Connect() error {
	p.mu.RLock()
	channelID, mute, deaf := p.voiceChannelID, p.selfMute, p.selfDeaf
	p.mu.RUnlock()

	if channelID == "" {
		return ErrNoVoiceChannel
	}
	return p.connector.SendVoiceUpdate(p.guildID, channelID, mute, deaf)
}

// Disconnect asks Discord to leave the voice channel.
func (p *Player) Disconnect() error {
	p.mu.RLock()
	mute, deaf := p.selfMute, p.selfDeaf
	p.mu.RUnlock()

	return p.connector.SendVoiceUpdate(p.guildID, "", mute, deaf)
}

// Destroy tears the player down. It always completes; the result lists what
// failed on the way.
func (p *Player) Destroy(ctx context.Context, clearQueue bool) BestEffort {
	var result BestEffort

	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return result
	}
	p.destroyed = true
	node := p.node
	p.mu.Unlock()

	result.Record("voice disconnect", p.Disconnect())
	if node != nil {
		result.Record("destroy player", node.destroyPlayer(ctx, p.guildID))
	}

	p.queue.ClearCurrent()
	if clearQueue {
		p.queue.Clear()
	}
	p.transition(func() {
		p.playing = false
		p.paused = false
		p.position = 0
		p.connected = false
	})

	if node != nil {
		node.removePlayer(p)
	}
	p.mu.Lock()
	p.node = nil
	p.mu.Unlock()
	p.connector.forgetVoice(p.guildID)

	for _, f := range result.Failures {
		p.log.Warn("destroy cleanup failed", zap.String("op", f.Op), zap.Error(f.Err))
	}
	p.emit(PlayerDestroyEvent{GuildID: p.guildID, Result: result})
	return result
}

// Move hands the player to another node, carrying voice, track and
// position over.
func (p *Player) Move(ctx context.Context, target *Node) error {
	if target == nil {
		return ErrUnknownNode
	}
	source, err := p.owner()
	if err != nil {
		return err
	}
	if source == target {
		return nil
	}
	if _, err := target.session(); err != nil {
		return err
	}
	if err := target.adopt(p); err != nil {
		return err
	}

	update := p.snapshotUpdate()
	voice, hasVoice := p.connector.voiceFor(p.guildID)
	if hasVoice {
		update.Voice = &voice
	}

	resp, err := target.updatePlayer(ctx, p.guildID, update, false)
	if err != nil {
		target.removePlayer(p)
		return err
	}

	p.mu.Lock()
	p.node = target
	p.timestamp = time.Now()
	p.mu.Unlock()
	source.removePlayer(p)
	if hasVoice {
		p.connector.rememberVoice(p.guildID, target.Name(), voice)
	}

	if err := source.destroyPlayer(ctx, p.guildID); err != nil && !errors.Is(err, ErrNodeNotConnected) {
		p.log.Warn("cannot remove player from previous node", zap.String("from", source.Name()), zap.Error(err))
	}

	p.log.Info("player moved", zap.String("from", source.Name()), zap.String("to", target.Name()))
	p.emit(PlayerMoveEvent{GuildID: p.guildID, From: source.Name(), To: target.Name()})
	target.redispatch(resp)
	return nil
}

// snapshotUpdate describes the player's local state as a single PATCH.
func (p *Player) snapshotUpdate() protocol.UpdatePlayer {
	p.mu.RLock()
	defer p.mu.RUnlock()

	filters := p.filters.Merge(nil)
	update := protocol.UpdatePlayer{
		Volume:  protocol.Ptr(p.volume),
		Paused:  protocol.Ptr(p.paused),
		Filters: &filters,
	}
	if cur := p.queue.Current(); cur != nil && p.playing {
		update.Track = protocol.PlayTrack(cur.Encoded)
		update.Position = protocol.Ptr(p.positionLocked(time.Now()))
	}
	return update
}

// resync pushes local state to a node that lost its session.
func (p *Player) resync(ctx context.Context) error {
	node, err := p.owner()
	if err != nil {
		return nil
	}

	update := p.snapshotUpdate()
	if voice, ok := p.connector.voiceFor(p.guildID); ok {
		update.Voice = &voice
		p.connector.rememberVoice(p.guildID, node.Name(), voice)
	}

	resp, err := node.updatePlayer(ctx, p.guildID, update, false)
	if err != nil {
		return err
	}
	node.redispatch(resp)
	return nil
}

// restore applies persisted settings without talking to the node.
func (p *Player) restore(volume int, filters protocol.Filters) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.volume = clampVolume(volume)
	if filters != nil {
		p.filters = filters.Merge(nil)
	}
}
