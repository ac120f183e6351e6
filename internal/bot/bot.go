package bot

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/hxnx/lavanode/config"
	"github.com/hxnx/lavanode/internal/commands"
	"github.com/hxnx/lavanode/internal/database"
	"github.com/hxnx/lavanode/internal/discord"
	"github.com/hxnx/lavanode/internal/lavalink"
	"github.com/hxnx/lavanode/internal/logger"
	"github.com/hxnx/lavanode/internal/redis"
	"github.com/hxnx/lavanode/internal/store"
	"go.uber.org/zap"
)

const (
	startTimeout    = 30 * time.Second
	shutdownTimeout = 15 * time.Second
)

type Bot struct {
	config       *config.Config
	log          *zap.Logger
	sessions     []*discordgo.Session
	client       *lavalink.Client
	bridge       *discord.Bridge
	music        *commands.Music
	started      bool
	presenceStop chan struct{}
	unsubscribe  []func()
}

func New(cfg *config.Config) (*Bot, error) {
	log := logger.Named("bot")

	var clientOpts []lavalink.ClientOption
	var settings commands.SettingsStore

	if cfg.DatabaseEnabled() {
		if err := database.Initialize(cfg.GetDBConfig()); err != nil {
			log.Warn("database initialization failed, player sessions will not be kept", zap.Error(err))
		} else {
			clientOpts = append(clientOpts, lavalink.WithPlayerStore(database.NewPlayerRepositoryFromDefault()))
		}
	}

	if cfg.RedisEnabled() {
		if _, err := redis.Init(cfg.GetRedisConfig()); err != nil {
			log.Warn("redis initialization failed, queues will not be kept", zap.Error(err))
		} else {
			queues := store.NewQueueStoreFromDefault(cfg.Redis.QueueTTL)
			clientOpts = append(clientOpts, lavalink.WithQueueStore(queues))
			settings = queues
		}
	}

	sessions, err := openSessions(cfg, log)
	if err != nil {
		return nil, err
	}

	nodes, err := cfg.NodeConfigs()
	if err != nil {
		return nil, err
	}

	clientOpts = append(clientOpts, lavalink.WithConnectorOptions(lavalink.WithLogger(logger.Named("lavalink"))))
	client, err := lavalink.NewClient(lavalink.ClientConfig{
		UserID:        cfg.ApplicationID,
		ClientName:    cfg.Lavalink.ClientName,
		Nodes:         nodes,
		DefaultSource: cfg.Lavalink.DefaultSource,
	}, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create lavalink client: %w", err)
	}

	shards := make([]discord.VoiceGateway, len(sessions))
	for i, s := range sessions {
		shards[i] = s
	}
	bridge := discord.NewBridge(client, shards...)
	client.SetVoiceSender(bridge)

	music := commands.NewMusic(client, settings, commands.Defaults{
		Volume:      cfg.DefaultVolume,
		QueueSize:   cfg.MaxQueueSize,
		HistorySize: cfg.QueueHistorySize,
		Source:      cfg.Lavalink.DefaultSource,
	}, logger.Named("commands"))

	return &Bot{
		config:   cfg,
		log:      log,
		sessions: sessions,
		client:   client,
		bridge:   bridge,
		music:    music,
	}, nil
}

func openSessions(cfg *config.Config, log *zap.Logger) ([]*discordgo.Session, error) {
	shardCount := cfg.ShardCount
	if shardCount < 1 {
		s, err := discordgo.New("Bot " + cfg.DiscordToken)
		if err != nil {
			return nil, err
		}

		if gw, err := s.GatewayBot(); err == nil && gw.Shards > 0 {
			shardCount = gw.Shards
		} else {
			log.Warn("failed to auto-detect shard count, defaulting to 1", zap.Error(err))
			shardCount = 1
		}
	}

	sessions := make([]*discordgo.Session, 0, shardCount)
	for shard := 0; shard < shardCount; shard++ {
		s, err := discordgo.New("Bot " + cfg.DiscordToken)
		if err != nil {
			return nil, err
		}

		s.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates

		if shardCount > 1 {
			s.Identify.Shard = &[2]int{shard, shardCount}
			s.ShardID = shard
			s.ShardCount = shardCount
		}

		sessions = append(sessions, s)
	}
	return sessions, nil
}

// Client exposes the Lavalink client, mainly for the CLI.
func (b *Bot) Client() *lavalink.Client {
	return b.client
}

func (b *Bot) Start() error {
	if b.started {
		return nil
	}

	if len(b.sessions) == 0 {
		return nil
	}

	b.bridge.Attach(b.sessions)
	for _, s := range b.sessions {
		b.registerHandlers(s)
		b.music.AddHandlers(s)
	}
	b.subscribe()

	if _, err := commands.RegisterCommands(b.sessions[0], b.config.ApplicationID, b.config.GuildID, b.log); err != nil {
		b.log.Warn("failed to register slash commands", zap.Error(err))
	}

	for _, s := range b.sessions {
		if err := s.Open(); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), startTimeout)
	defer cancel()

	if err := b.client.ConnectAll(ctx); err != nil {
		// Nodes keep retrying in the background.
		b.log.Error("no lavalink node connected", zap.Error(err))
	} else {
		n, err := b.client.Restore(ctx)
		if err != nil {
			b.log.Warn("some players were not restored", zap.Error(err))
		}
		if n > 0 {
			b.log.Info("players restored", zap.Int("count", n))
		}
	}

	b.startPresenceUpdater()
	b.started = true
	b.log.Info("bot session opened", zap.Int("shards", len(b.sessions)))
	return nil
}

func (b *Bot) registerHandlers(s *discordgo.Session) {
	s.AddHandler(func(s *discordgo.Session, r *discordgo.Ready) {
		if s.State != nil && s.State.User != nil {
			b.log.Info("bot ready", zap.String("user", s.State.User.Username), zap.Int("shard", s.ShardID))
		} else {
			b.log.Info("bot ready", zap.Int("shard", s.ShardID))
		}
		b.updatePresence()
	})
}

// subscribe wires Lavalink events to logs, channel notices and persistence.
func (b *Bot) subscribe() {
	b.unsubscribe = append(b.unsubscribe,
		lavalink.On(b.client, func(e lavalink.NodeReadyEvent) {
			b.log.Info("lavalink node ready", zap.String("node", e.Node), zap.Bool("resumed", e.Resumed))
		}),
		lavalink.On(b.client, func(e lavalink.NodeClosedEvent) {
			if e.Terminal() {
				b.log.Error("lavalink node gave up reconnecting", zap.String("node", e.Node))
				return
			}
			b.log.Warn("lavalink node closed", zap.String("node", e.Node), zap.Int("code", e.Code), zap.String("reason", e.Reason))
		}),
		lavalink.On(b.client, func(e lavalink.NodeErrorEvent) {
			b.log.Warn("lavalink node error", zap.String("node", e.Node), zap.Error(e.Err))
		}),
		lavalink.On(b.client, func(e lavalink.TrackStartEvent) {
			b.notify(e.GuildID, fmt.Sprintf("Now playing **%s**.", e.Track))
			b.persist(e.GuildID)
		}),
		lavalink.On(b.client, func(e lavalink.TrackErrorEvent) {
			b.log.Warn("track failed", zap.String("guild", e.GuildID), zap.String("error", e.Exception.Message))
			b.notify(e.GuildID, fmt.Sprintf("Could not play **%s**: %s", e.Track, e.Exception.Message))
		}),
		lavalink.On(b.client, func(e lavalink.QueueEndEvent) {
			b.notify(e.GuildID, "The queue has ended.")
			b.persist(e.GuildID)
		}),
	)
}

func (b *Bot) persist(guildID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := b.client.Persist(ctx, guildID); err != nil {
			b.log.Warn("failed to persist player", zap.String("guild", guildID), zap.Error(err))
		}
	}()
}

// notify posts content in the player's text channel.
func (b *Bot) notify(guildID, content string) {
	p, ok := b.client.Players.Get(guildID)
	if !ok || p.TextChannelID() == "" {
		return
	}
	idx, err := discord.ShardFor(guildID, len(b.sessions))
	if err != nil {
		return
	}
	channelID := p.TextChannelID()
	go func() {
		if _, err := b.sessions[idx].ChannelMessageSend(channelID, content); err != nil {
			b.log.Debug("failed to send notice", zap.String("guild", guildID), zap.Error(err))
		}
	}()
}

func (b *Bot) Stop() error {
	if !b.started {
		return nil
	}

	b.started = false
	b.stopPresenceUpdater()
	for _, unsubscribe := range b.unsubscribe {
		unsubscribe()
	}
	b.unsubscribe = nil

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if res := b.client.Shutdown(ctx); !res.OK() {
		b.log.Warn("lavalink shutdown incomplete", zap.Error(res.Err()))
	}

	for _, s := range b.sessions {
		if err := s.Close(); err != nil {
			return err
		}
	}

	if err := database.Close(); err != nil {
		b.log.Warn("failed to close database", zap.Error(err))
	}

	if err := redis.Close(); err != nil {
		b.log.Warn("failed to close redis", zap.Error(err))
	}

	b.log.Info("bot session closed", zap.Int("shards", len(b.sessions)))
	return nil
}
