package database

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/hxnx/lavanode/internal/logger"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

var (
	db   *sql.DB
	once sync.Once
)

type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

func (cfg *Config) ConnectionString() string {
	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.DBName, cfg.SSLMode,
	)

	if cfg.Password != "" {
		connStr += fmt.Sprintf(" password=%s", cfg.Password)
	}
	return connStr
}

// Initialize opens the shared pool, pings it and applies migrations. Only
// the first call has an effect.
func Initialize(cfg *Config) error {
	var initError error

	once.Do(func() {
		conn, err := sql.Open("postgres", cfg.ConnectionString())
		if err != nil {
			initError = fmt.Errorf("failed to open database: %w", err)
			return
		}

		conn.SetMaxOpenConns(25)
		conn.SetMaxIdleConns(5)
		conn.SetConnMaxLifetime(5 * time.Minute)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := conn.PingContext(ctx); err != nil {
			_ = conn.Close()
			initError = fmt.Errorf("failed to ping database: %w", err)
			return
		}

		if err := Migrate(ctx, conn); err != nil {
			_ = conn.Close()
			initError = fmt.Errorf("failed to run migrations: %w", err)
			return
		}

		db = conn
		logger.Named("database").Info("database connection established",
			zap.String("host", cfg.Host), zap.String("db", cfg.DBName))
	})

	return initError
}

var migrations = []string{
	`
	CREATE TABLE IF NOT EXISTS player_sessions (
		guild_id TEXT PRIMARY KEY,
		node TEXT NOT NULL DEFAULT '',
		voice_channel_id TEXT NOT NULL DEFAULT '',
		text_channel_id TEXT NOT NULL DEFAULT '',
		volume INTEGER NOT NULL DEFAULT 100,
		paused BOOLEAN NOT NULL DEFAULT FALSE,
		position_ms BIGINT NOT NULL DEFAULT 0,
		filters JSONB NOT NULL DEFAULT '{}',
		loop_mode TEXT NOT NULL DEFAULT 'none',
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	`,
}

// Migrate applies every registered migration. They are idempotent.
func Migrate(ctx context.Context, conn *sql.DB) error {
	for _, m := range migrations {
		if _, err := conn.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("failed to execute migration: %w\nQuery: %s", err, m)
		}
	}
	logger.Named("database").Debug("database migrations completed", zap.Int("count", len(migrations)))
	return nil
}

func GetDB() *sql.DB {
	return db
}

func Close() error {
	if db != nil {
		return db.Close()
	}
	return nil
}
