package discord

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/hxnx/lavanode/internal/lavalink"
	"github.com/hxnx/lavanode/internal/logger"
	"go.uber.org/zap"
)

const handshakeTimeout = 10 * time.Second

var ErrNoShard = errors.New("no gateway session for guild")

// VoiceGateway is the slice of a gateway session used to send op 4.
type VoiceGateway interface {
	ChannelVoiceJoinManual(gID, cID string, mute, deaf bool) error
}

// VoiceHandler receives the voice events the Lavalink handshake needs.
type VoiceHandler interface {
	HandleVoiceStateUpdate(ctx context.Context, u lavalink.VoiceStateUpdate) error
	HandleVoiceServerUpdate(ctx context.Context, u lavalink.VoiceServerUpdate) error
}

// Bridge connects discordgo shard sessions to the Lavalink connector: it
// sends voice join/leave requests on the right shard and forwards the
// resulting gateway events.
type Bridge struct {
	shards  []VoiceGateway
	handler VoiceHandler
	log     *zap.Logger
}

func NewBridge(handler VoiceHandler, shards ...VoiceGateway) *Bridge {
	return &Bridge{
		shards:  shards,
		handler: handler,
		log:     logger.Named("discord"),
	}
}

// Attach registers the voice handlers on every session.
func (b *Bridge) Attach(sessions []*discordgo.Session) {
	for _, s := range sessions {
		s.AddHandler(b.onVoiceStateUpdate)
		s.AddHandler(b.onVoiceServerUpdate)
	}
}

var _ lavalink.VoiceSender = (*Bridge)(nil)

// SendVoiceUpdate asks Discord to move the bot into channelID, or out of
// voice when channelID is empty.
func (b *Bridge) SendVoiceUpdate(guildID, channelID string, selfMute, selfDeaf bool) error {
	shard, err := b.shardFor(guildID)
	if err != nil {
		return err
	}
	if err := shard.ChannelVoiceJoinManual(guildID, channelID, selfMute, selfDeaf); err != nil {
		return fmt.Errorf("voice update for %s: %w", guildID, err)
	}
	return nil
}

func (b *Bridge) shardFor(guildID string) (VoiceGateway, error) {
	if len(b.shards) == 0 {
		return nil, ErrNoShard
	}
	idx, err := ShardFor(guildID, len(b.shards))
	if err != nil {
		return nil, err
	}
	return b.shards[idx], nil
}

// ShardFor returns the shard a guild is served on.
func ShardFor(guildID string, shardCount int) (int, error) {
	if shardCount <= 1 {
		return 0, nil
	}
	id, err := strconv.ParseUint(guildID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid guild id %q: %w", guildID, err)
	}
	return int((id >> 22) % uint64(shardCount)), nil
}

func (b *Bridge) onVoiceStateUpdate(_ *discordgo.Session, v *discordgo.VoiceStateUpdate) {
	if v == nil || v.VoiceState == nil {
		return
	}
	b.HandleVoiceState(v.VoiceState)
}

func (b *Bridge) onVoiceServerUpdate(_ *discordgo.Session, v *discordgo.VoiceServerUpdate) {
	if v == nil {
		return
	}
	b.HandleVoiceServer(v)
}

func (b *Bridge) HandleVoiceState(vs *discordgo.VoiceState) {
	if vs.GuildID == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
	defer cancel()

	err := b.handler.HandleVoiceStateUpdate(ctx, lavalink.VoiceStateUpdate{
		GuildID:   vs.GuildID,
		ChannelID: vs.ChannelID,
		UserID:    vs.UserID,
		SessionID: vs.SessionID,
	})
	if err != nil {
		b.log.Warn("voice state not forwarded", zap.String("guild", vs.GuildID), zap.Error(err))
	}
}

func (b *Bridge) HandleVoiceServer(v *discordgo.VoiceServerUpdate) {
	ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
	defer cancel()

	err := b.handler.HandleVoiceServerUpdate(ctx, lavalink.VoiceServerUpdate{
		GuildID:  v.GuildID,
		Token:    v.Token,
		Endpoint: v.Endpoint,
	})
	if err != nil {
		b.log.Warn("voice server not forwarded", zap.String("guild", v.GuildID), zap.Error(err))
	}
}
