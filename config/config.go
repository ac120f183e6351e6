package config

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/hxnx/lavanode/internal/database"
	"github.com/hxnx/lavanode/internal/lavalink"
	"github.com/hxnx/lavanode/internal/logger"
	"github.com/hxnx/lavanode/internal/redis"
	"github.com/joho/godotenv"
)

type Config struct {
	DiscordToken  string `env:"DISCORD_TOKEN"`
	ApplicationID string `env:"DISCORD_APPLICATION_ID"`

	GuildID string `env:"DISCORD_GUILD_ID"`

	ShardCount int `env:"SHARD_COUNT" envDefault:"0"`

	DefaultVolume    int `env:"DEFAULT_VOLUME" envDefault:"100"`
	MaxQueueSize     int `env:"MAX_QUEUE_SIZE" envDefault:"1000"`
	QueueHistorySize int `env:"QUEUE_HISTORY_SIZE" envDefault:"50"`

	Lavalink LavalinkConfig
	Log      LogConfig

	DB    DBConfig    `envPrefix:"DB_"`
	Redis RedisConfig `envPrefix:"REDIS_"`
}

type LavalinkConfig struct {
	// Nodes holds node URLs: ws[s]://:password@host:port?name=n&group=g&priority=p
	Nodes             []string      `env:"LAVALINK_NODES" envSeparator:","`
	ClientName        string        `env:"LAVALINK_CLIENT_NAME" envDefault:"lavanode"`
	Version           int           `env:"LAVALINK_VERSION" envDefault:"4"`
	Resume            bool          `env:"LAVALINK_RESUME" envDefault:"false"`
	ResumeKey         string        `env:"LAVALINK_RESUME_KEY"`
	ResumeTimeout     time.Duration `env:"LAVALINK_RESUME_TIMEOUT" envDefault:"60s"`
	ReconnectInterval time.Duration `env:"LAVALINK_RECONNECT_INTERVAL" envDefault:"5s"`
	ReconnectTries    int           `env:"LAVALINK_RECONNECT_TRIES" envDefault:"5"`
	ConnectTimeout    time.Duration `env:"LAVALINK_CONNECT_TIMEOUT" envDefault:"30s"`
	RESTRate          float64       `env:"LAVALINK_REST_RATE" envDefault:"0"`
	DefaultSource     string        `env:"LAVALINK_DEFAULT_SOURCE" envDefault:"ytsearch"`
}

type LogConfig struct {
	Level      string `env:"LOG_LEVEL" envDefault:"info"`
	File       string `env:"LOG_FILE"`
	MaxSize    int    `env:"LOG_MAX_SIZE" envDefault:"100"`
	MaxBackups int    `env:"LOG_MAX_BACKUPS" envDefault:"3"`
	MaxAge     int    `env:"LOG_MAX_AGE" envDefault:"28"`
	Compress   bool   `env:"LOG_COMPRESS" envDefault:"true"`
}

type DBConfig struct {
	Host     string `env:"HOST"`
	Port     int    `env:"PORT" envDefault:"5432"`
	User     string `env:"USER"`
	Password string `env:"PASSWORD"`
	Name     string `env:"NAME"`
	SSLMode  string `env:"SSLMODE" envDefault:"disable"`
}

type RedisConfig struct {
	Host     string `env:"HOST"`
	Port     int    `env:"PORT" envDefault:"6379"`
	Password string `env:"PASSWORD"`
	DB       int    `env:"DB" envDefault:"0"`
	// QueueTTL expires saved queues; zero keeps them forever.
	QueueTTL time.Duration `env:"QUEUE_TTL" envDefault:"24h"`
}

// Load reads .env (if present) and the environment, then validates.
func Load() (*Config, error) {
	cfg, err := Parse()
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Parse is Load without validation, for tools that only need part of the
// configuration.
func Parse() (*Config, error) {
	_ = godotenv.Load()

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.DiscordToken == "" {
		return errors.New("DISCORD_TOKEN is required")
	}

	if c.ApplicationID == "" {
		return errors.New("DISCORD_APPLICATION_ID is required")
	}

	if c.DefaultVolume < 0 || c.DefaultVolume > 1000 {
		return errors.New("DEFAULT_VOLUME must be between 0 and 1000")
	}

	if c.MaxQueueSize < 1 {
		return errors.New("MAX_QUEUE_SIZE must be at least 1")
	}

	if c.Lavalink.ReconnectTries < 0 {
		return errors.New("LAVALINK_RECONNECT_TRIES must not be negative")
	}

	if len(c.Lavalink.Nodes) == 0 {
		return errors.New("LAVALINK_NODES is required")
	}

	if _, err := c.NodeConfigs(); err != nil {
		return err
	}

	return nil
}

func (c *Config) IsDevelopment() bool {
	return c.GuildID != ""
}

// NodeConfigs parses every LAVALINK_NODES entry, filling in the shared
// connection settings.
func (c *Config) NodeConfigs() ([]lavalink.NodeConfig, error) {
	nodes := make([]lavalink.NodeConfig, 0, len(c.Lavalink.Nodes))
	seen := make(map[string]bool, len(c.Lavalink.Nodes))

	for i, raw := range c.Lavalink.Nodes {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}

		nc, err := ParseNodeURL(raw)
		if err != nil {
			return nil, fmt.Errorf("LAVALINK_NODES[%d]: %w", i, err)
		}
		if nc.Name == "" {
			nc.Name = fmt.Sprintf("node-%d", i+1)
		}
		if seen[nc.Name] {
			return nil, fmt.Errorf("LAVALINK_NODES[%d]: duplicate node name %q", i, nc.Name)
		}
		seen[nc.Name] = true

		nc.Version = c.Lavalink.Version
		nc.Resume = c.Lavalink.Resume
		nc.ResumeKey = c.Lavalink.ResumeKey
		nc.ResumeTimeout = c.Lavalink.ResumeTimeout
		nc.ReconnectInterval = c.Lavalink.ReconnectInterval
		nc.ReconnectTries = c.Lavalink.ReconnectTries
		nc.ConnectTimeout = c.Lavalink.ConnectTimeout
		nc.RESTRate = c.Lavalink.RESTRate
		nodes = append(nodes, nc)
	}

	if len(nodes) == 0 {
		return nil, errors.New("LAVALINK_NODES has no usable entries")
	}
	return nodes, nil
}

// ParseNodeURL turns ws[s]://:password@host:port?name=&group=&priority=
// into a node config. The port defaults to 2333.
func ParseNodeURL(raw string) (lavalink.NodeConfig, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return lavalink.NodeConfig{}, fmt.Errorf("invalid node url: %w", err)
	}

	var nc lavalink.NodeConfig
	switch u.Scheme {
	case "ws":
	case "wss":
		nc.Secure = true
	default:
		return lavalink.NodeConfig{}, fmt.Errorf("node url scheme must be ws or wss, got %q", u.Scheme)
	}

	if u.Hostname() == "" {
		return lavalink.NodeConfig{}, errors.New("node url has no host")
	}
	port := u.Port()
	if port == "" {
		port = "2333"
	}
	nc.Host = u.Hostname() + ":" + port
	if strings.Contains(u.Hostname(), ":") {
		nc.Host = "[" + u.Hostname() + "]:" + port
	}

	if u.User != nil {
		if pw, ok := u.User.Password(); ok {
			nc.Password = pw
		} else {
			nc.Password = u.User.Username()
		}
	}

	q := u.Query()
	nc.Name = q.Get("name")
	nc.Group = q.Get("group")
	if p := q.Get("priority"); p != "" {
		prio, err := strconv.Atoi(p)
		if err != nil {
			return lavalink.NodeConfig{}, fmt.Errorf("invalid node priority %q", p)
		}
		nc.Priority = prio
	}

	return nc, nil
}

func (c *Config) LoggerConfig() logger.Config {
	return logger.Config{
		Level:      logger.Level(c.Log.Level),
		OutputPath: c.Log.File,
		MaxSize:    c.Log.MaxSize,
		MaxBackups: c.Log.MaxBackups,
		MaxAge:     c.Log.MaxAge,
		Compress:   c.Log.Compress,
	}
}

// DatabaseEnabled reports whether player sessions go to Postgres.
func (c *Config) DatabaseEnabled() bool {
	return c.DB.Host != ""
}

func (c *Config) GetDBConfig() *database.Config {
	return &database.Config{
		Host:     c.DB.Host,
		Port:     c.DB.Port,
		User:     c.DB.User,
		Password: c.DB.Password,
		DBName:   c.DB.Name,
		SSLMode:  c.DB.SSLMode,
	}
}

// RedisEnabled reports whether queues are kept in Redis.
func (c *Config) RedisEnabled() bool {
	return c.Redis.Host != ""
}

func (c *Config) GetRedisConfig() redis.Config {
	return redis.Config{
		Host:     c.Redis.Host,
		Port:     c.Redis.Port,
		Password: c.Redis.Password,
		DB:       c.Redis.DB,
	}
}
