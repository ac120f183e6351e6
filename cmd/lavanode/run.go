package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hxnx/lavanode/config"
	"github.com/hxnx/lavanode/internal/bot"
	"github.com/hxnx/lavanode/internal/logger"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const envHelp = `Required environment variables:
  DISCORD_TOKEN           Discord bot token
  DISCORD_APPLICATION_ID  Discord application id, also sent to Lavalink as User-Id
  LAVALINK_NODES          Comma-separated node URLs: ws[s]://:password@host:port?name=n&group=g&priority=p

Optional:
  DISCORD_GUILD_ID        Register commands on one guild only (development)
  SHARD_COUNT             Number of shards (0 = auto-detect)
  LAVALINK_*              Client name, resume, reconnect interval/tries, timeouts, REST rate
  DEFAULT_VOLUME, MAX_QUEUE_SIZE, QUEUE_HISTORY_SIZE
  LOG_LEVEL, LOG_FILE, LOG_MAX_SIZE, LOG_MAX_BACKUPS, LOG_MAX_AGE, LOG_COMPRESS
  DB_HOST, DB_PORT, DB_USER, DB_PASSWORD, DB_NAME, DB_SSLMODE
  REDIS_HOST, REDIS_PORT, REDIS_PASSWORD, REDIS_DB, REDIS_QUEUE_TTL`

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the bot",
	Long:  "Start the bot and connect to every configured Lavalink node.\n\n" + envHelp,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBot()
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runBot() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w\n\n%s", err, envHelp)
	}

	if err := logger.Init(cfg.LoggerConfig()); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	log := logger.Named("main")
	mode := "production"
	if cfg.IsDevelopment() {
		mode = "development"
	}
	log.Info("configuration loaded",
		zap.String("mode", mode),
		zap.String("guild", cfg.GuildID),
		zap.Int("shards", cfg.ShardCount),
		zap.Int("nodes", len(cfg.Lavalink.Nodes)),
		zap.Int("default_volume", cfg.DefaultVolume),
		zap.Int("max_queue_size", cfg.MaxQueueSize),
		zap.Bool("database", cfg.DatabaseEnabled()),
		zap.Bool("redis", cfg.RedisEnabled()),
	)

	b, err := bot.New(cfg)
	if err != nil {
		return fmt.Errorf("create bot: %w", err)
	}

	if err := b.Start(); err != nil {
		return fmt.Errorf("start bot: %w", err)
	}
	log.Info("bot is running, press CTRL+C to exit")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	return b.Stop()
}
