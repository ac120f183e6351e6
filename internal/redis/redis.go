package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hxnx/lavanode/internal/logger"
	redislib "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	client *redislib.Client
	once   sync.Once
)

const (
	pingAttempts = 5
	pingTimeout  = 3 * time.Second
)

type Config struct {
	Host     string
	Port     int
	Password string
	DB       int
}

func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Init creates the shared client and waits for the server to answer a
// ping, backing off between attempts. Only the first call dials.
func Init(cfg Config) (*redislib.Client, error) {
	var initErr error

	once.Do(func() {
		c := redislib.NewClient(&redislib.Options{
			Addr:     cfg.Addr(),
			Password: cfg.Password,
			DB:       cfg.DB,
		})

		if err := waitReady(c, pingAttempts, 200*time.Millisecond); err != nil {
			_ = c.Close()
			initErr = err
			return
		}

		client = c
		logger.Named("redis").Info("redis connection established", zap.String("addr", cfg.Addr()), zap.Int("db", cfg.DB))
	})

	if client == nil && initErr == nil {
		return nil, fmt.Errorf("redis client not initialized")
	}

	return client, initErr
}

func waitReady(c *redislib.Client, attempts int, backoff time.Duration) error {
	log := logger.Named("redis")

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
		err = c.Ping(ctx).Err()
		cancel()

		if err == nil {
			return nil
		}

		log.Warn("redis ping failed", zap.Int("attempt", attempt), zap.Error(err))
		if attempt < attempts {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	return fmt.Errorf("redis ping after %d attempts: %w", attempts, err)
}

func Client() *redislib.Client {
	return client
}

func Close() error {
	if client == nil {
		return nil
	}
	return client.Close()
}
