package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hxnx/lavanode/internal/lavalink"
	"github.com/hxnx/lavanode/internal/protocol"
	"github.com/hxnx/lavanode/internal/queue"
	"github.com/hxnx/lavanode/internal/store"
	"go.uber.org/zap"
)

const queuePageSize = 10

var (
	ErrNotInVoice = errors.New("join a voice channel first")
	ErrNoPlayer   = errors.New("nothing is playing in this server")
	ErrNoResults  = errors.New("no results found")
)

// SettingsStore keeps per-guild defaults between restarts.
type SettingsStore interface {
	GetSettings(ctx context.Context, guildID string, def store.Settings) (store.Settings, error)
	SetSettings(ctx context.Context, guildID string, settings store.Settings) error
}

type Defaults struct {
	Volume      int
	QueueSize   int
	HistorySize int
	Source      string
}

// Music runs the /music subcommands against a Lavalink client.
type Music struct {
	client   *lavalink.Client
	settings SettingsStore
	defaults Defaults
	log      *zap.Logger
}

func NewMusic(client *lavalink.Client, settings SettingsStore, defaults Defaults, log *zap.Logger) *Music {
	if log == nil {
		log = zap.NewNop()
	}
	return &Music{client: client, settings: settings, defaults: defaults, log: log}
}

// PlayRequest is what /music play needs from the interaction.
type PlayRequest struct {
	GuildID        string
	VoiceChannelID string
	TextChannelID  string
	Query          string
}

func (m *Music) guildSettings(ctx context.Context, guildID string) store.Settings {
	def := store.Settings{Volume: m.defaults.Volume, Source: m.defaults.Source}
	if m.settings == nil {
		return def
	}
	s, err := m.settings.GetSettings(ctx, guildID, def)
	if err != nil {
		m.log.Warn("cannot load guild settings", zap.String("guild", guildID), zap.Error(err))
		return def
	}
	return s
}

func (m *Music) saveSettings(ctx context.Context, guildID string, update func(*store.Settings)) {
	if m.settings == nil {
		return
	}
	s := m.guildSettings(ctx, guildID)
	update(&s)
	if err := m.settings.SetSettings(ctx, guildID, s); err != nil {
		m.log.Warn("cannot save guild settings", zap.String("guild", guildID), zap.Error(err))
	}
}

func (m *Music) player(guildID string) (*lavalink.Player, error) {
	p, ok := m.client.Players.Get(guildID)
	if !ok {
		return nil, ErrNoPlayer
	}
	return p, nil
}

func (m *Music) Play(ctx context.Context, req PlayRequest) (string, error) {
	if req.VoiceChannelID == "" {
		return "", ErrNotInVoice
	}

	settings := m.guildSettings(ctx, req.GuildID)
	res, err := m.client.LoadTracks(ctx, req.Query, lavalink.LoadOptions{Source: settings.Source})
	if err != nil {
		return "", err
	}
	tracks, label, err := pickTracks(res)
	if err != nil {
		return "", err
	}

	p, ok := m.client.Players.Get(req.GuildID)
	join := !ok
	if !ok {
		p, err = m.client.Players.Create(ctx, lavalink.PlayerOptions{
			GuildID:        req.GuildID,
			VoiceChannelID: req.VoiceChannelID,
			TextChannelID:  req.TextChannelID,
			SelfDeaf:       true,
			Volume:         protocol.Ptr(settings.Volume),
			QueueSize:      m.defaults.QueueSize,
			HistorySize:    m.defaults.HistorySize,
		})
		if err != nil {
			return "", err
		}
		p.SetRepeatMode(settings.Loop)
	}
	p.SetTextChannel(req.TextChannelID)

	if p.VoiceChannelID() != req.VoiceChannelID {
		p.SetVoiceChannel(req.VoiceChannelID)
		join = true
	}
	if join {
		if err := p.Connect(); err != nil {
			return "", err
		}
	}

	if err := p.Queue().Add(tracks...); err != nil {
		return "", err
	}
	if p.Playing() {
		return fmt.Sprintf("Queued %s (%d in queue).", label, p.Queue().Len()), nil
	}

	next, ok := p.Queue().NextTrack()
	if !ok {
		return "", ErrNoResults
	}
	vol := p.Volume()
	if err := p.Play(ctx, next, lavalink.PlayOptions{Volume: &vol}); err != nil {
		p.Queue().Requeue()
		return "", err
	}
	if len(tracks) > 1 {
		return fmt.Sprintf("Now playing **%s**, added %s.", next, label), nil
	}
	return fmt.Sprintf("Now playing **%s**.", next), nil
}

// pickTracks chooses what a load result adds to the queue: the whole
// playlist, the single track, or the first search hit.
func pickTracks(res *protocol.LoadResult) ([]*queue.Track, string, error) {
	switch res.LoadType {
	case protocol.LoadTypeError:
		if res.Exception != nil {
			return nil, "", fmt.Errorf("cannot load track: %s", res.Exception.Message)
		}
		return nil, "", errors.New("cannot load track")
	case protocol.LoadTypePlaylist:
		tracks := res.All()
		if len(tracks) == 0 {
			return nil, "", ErrNoResults
		}
		return tracks, fmt.Sprintf("%d tracks from **%s**", len(tracks), res.Playlist.Info.Name), nil
	}

	tracks := res.All()
	if len(tracks) == 0 {
		return nil, "", ErrNoResults
	}
	return tracks[:1], fmt.Sprintf("**%s**", tracks[0]), nil
}

func (m *Music) Skip(ctx context.Context, guildID string) (string, error) {
	p, err := m.player(guildID)
	if err != nil {
		return "", err
	}
	if p.Current() == nil {
		return "", ErrNoPlayer
	}

	next, err := p.Skip(ctx)
	if err != nil {
		return "", err
	}
	if next == nil {
		return "Skipped. The queue is empty.", nil
	}
	return fmt.Sprintf("Skipped. Now playing **%s**.", next), nil
}

func (m *Music) Stop(ctx context.Context, guildID string) (string, error) {
	p, err := m.player(guildID)
	if err != nil {
		return "", err
	}

	p.Queue().Clear()
	if res := p.Stop(ctx); !res.OK() {
		m.log.Warn("stop incomplete", zap.String("guild", guildID), zap.Error(res.Err()))
	}
	return "Stopped and cleared the queue.", nil
}

// Pause toggles pause.
func (m *Music) Pause(ctx context.Context, guildID string) (string, error) {
	p, err := m.player(guildID)
	if err != nil {
		return "", err
	}
	if p.Current() == nil {
		return "", ErrNoPlayer
	}

	pause := !p.Paused()
	if err := p.Pause(ctx, pause); err != nil {
		return "", err
	}
	if pause {
		return "Paused.", nil
	}
	return "Resumed.", nil
}

func (m *Music) Loop(ctx context.Context, guildID, mode string) (string, error) {
	loop, err := queue.ParseLoopMode(mode)
	if err != nil {
		return "", err
	}

	if p, ok := m.client.Players.Get(guildID); ok {
		p.SetRepeatMode(loop)
	}
	m.saveSettings(ctx, guildID, func(s *store.Settings) { s.Loop = loop })
	return fmt.Sprintf("Loop mode set to %s.", loop), nil
}

func (m *Music) Volume(ctx context.Context, guildID string, volume int) (string, error) {
	if volume < lavalink.MinVolume || volume > lavalink.MaxVolume {
		return "", fmt.Errorf("volume must be between %d and %d", lavalink.MinVolume, lavalink.MaxVolume)
	}

	if p, ok := m.client.Players.Get(guildID); ok {
		if err := p.SetVolume(ctx, volume); err != nil {
			return "", err
		}
	}
	m.saveSettings(ctx, guildID, func(s *store.Settings) { s.Volume = volume })
	return fmt.Sprintf("Volume set to %d.", volume), nil
}

// Queue renders the current track and the first page of the queue.
func (m *Music) Queue(_ context.Context, guildID string) (string, error) {
	p, err := m.player(guildID)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	if cur := p.Current(); cur != nil {
		fmt.Fprintf(&b, "Now playing: **%s** [%s/%s]\n", cur, formatDuration(p.Position()), formatTrackLength(cur))
	}

	tracks := p.Queue().Tracks()
	if len(tracks) == 0 {
		b.WriteString("The queue is empty.")
		return b.String(), nil
	}

	for i, t := range tracks {
		if i == queuePageSize {
			fmt.Fprintf(&b, "...and %d more\n", len(tracks)-queuePageSize)
			break
		}
		fmt.Fprintf(&b, "%d. %s [%s]\n", i+1, t, formatTrackLength(t))
	}
	fmt.Fprintf(&b, "Loop: %s, total %s", p.RepeatMode(), formatDuration(p.Queue().Duration()))
	return b.String(), nil
}

func (m *Music) Leave(ctx context.Context, guildID string) (string, error) {
	p, err := m.player(guildID)
	if err != nil {
		return "", err
	}
	if res := p.Destroy(ctx, true); !res.OK() {
		m.log.Warn("destroy incomplete", zap.String("guild", guildID), zap.Error(res.Err()))
	}
	return "Left the voice channel.", nil
}

// Nodes lists every node with its state, load and penalty.
func (m *Music) Nodes(_ context.Context) (string, error) {
	nodes := m.client.Nodes.All()
	if len(nodes) == 0 {
		return "", lavalink.ErrNoAvailableNodes
	}

	var b strings.Builder
	for _, n := range nodes {
		fmt.Fprintf(&b, "**%s** %s", n.Name(), n.State())
		if g := n.Group(); g != "" {
			fmt.Fprintf(&b, " group=%s", g)
		}
		if st := n.Stats(); st != nil {
			fmt.Fprintf(&b, " players=%d/%d uptime=%s", st.PlayingPlayers, st.Players,
				formatDuration(time.Duration(st.Uptime)*time.Millisecond))
		}
		fmt.Fprintf(&b, " penalty=%.1f\n", n.Penalty())
	}
	return strings.TrimSuffix(b.String(), "\n"), nil
}

func formatTrackLength(t *queue.Track) string {
	if t.Info.IsStream {
		return "live"
	}
	return formatDuration(t.Duration())
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := int(d / time.Hour)
	m := int(d % time.Hour / time.Minute)
	s := int(d % time.Minute / time.Second)
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}
