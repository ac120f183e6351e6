package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/hxnx/lavanode/internal/queue"
	internalredis "github.com/hxnx/lavanode/internal/redis"
	redislib "github.com/redis/go-redis/v9"
)

var (
	ErrNoClient      = errors.New("redis client is nil")
	ErrGuildRequired = errors.New("guild id is required")
)

const (
	queueKeyPrefix    = "lavanode:queue:"
	settingsKeyPrefix = "lavanode:settings:"
)

// Settings are per-guild defaults applied when a player is created.
type Settings struct {
	Volume int
	Loop   queue.LoopMode
	// Source is the search prefix for plain queries, e.g. "scsearch".
	Source string
}

// QueueStore keeps queue snapshots and guild settings in Redis.
type QueueStore struct {
	client *redislib.Client
	ttl    time.Duration
}

func NewQueueStore(client *redislib.Client, ttl time.Duration) *QueueStore {
	return &QueueStore{client: client, ttl: ttl}
}

// NewQueueStoreFromDefault uses the shared client from internal/redis.
func NewQueueStoreFromDefault(ttl time.Duration) *QueueStore {
	return &QueueStore{client: internalredis.Client(), ttl: ttl}
}

func (s *QueueStore) ensureClient() error {
	if s.client != nil {
		return nil
	}

	s.client = internalredis.Client()
	if s.client == nil {
		return ErrNoClient
	}

	return nil
}

func (s *QueueStore) SaveQueue(ctx context.Context, guildID string, snap queue.Snapshot) error {
	if err := s.ensureClient(); err != nil {
		return err
	}
	if guildID == "" {
		return ErrGuildRequired
	}

	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode queue: %w", err)
	}

	return s.client.Set(ctx, queueKey(guildID), payload, s.ttl).Err()
}

// LoadQueue returns nil and no error when the guild has no saved queue.
func (s *QueueStore) LoadQueue(ctx context.Context, guildID string) (*queue.Snapshot, error) {
	if err := s.ensureClient(); err != nil {
		return nil, err
	}
	if guildID == "" {
		return nil, ErrGuildRequired
	}

	raw, err := s.client.Get(ctx, queueKey(guildID)).Bytes()
	if errors.Is(err, redislib.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var snap queue.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("decode queue %s: %w", guildID, err)
	}
	return &snap, nil
}

func (s *QueueStore) DeleteQueue(ctx context.Context, guildID string) error {
	if err := s.ensureClient(); err != nil {
		return err
	}
	if guildID == "" {
		return ErrGuildRequired
	}

	return s.client.Del(ctx, queueKey(guildID)).Err()
}

// GetSettings returns the stored settings merged over def.
func (s *QueueStore) GetSettings(ctx context.Context, guildID string, def Settings) (Settings, error) {
	if err := s.ensureClient(); err != nil {
		return def, err
	}
	if guildID == "" {
		return def, ErrGuildRequired
	}

	data, err := s.client.HGetAll(ctx, settingsKey(guildID)).Result()
	if err != nil {
		return def, err
	}

	settings := def
	if v, ok := data["volume"]; ok && v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			settings.Volume = parsed
		}
	}
	if v, ok := data["loop"]; ok && v != "" {
		if mode, err := queue.ParseLoopMode(v); err == nil {
			settings.Loop = mode
		}
	}
	if v, ok := data["source"]; ok && v != "" {
		settings.Source = v
	}

	return settings, nil
}

func (s *QueueStore) SetSettings(ctx context.Context, guildID string, settings Settings) error {
	if err := s.ensureClient(); err != nil {
		return err
	}
	if guildID == "" {
		return ErrGuildRequired
	}

	values := map[string]interface{}{
		"volume": strconv.Itoa(settings.Volume),
		"loop":   settings.Loop.String(),
		"source": settings.Source,
	}

	return s.client.HSet(ctx, settingsKey(guildID), values).Err()
}

func queueKey(guildID string) string {
	return queueKeyPrefix + guildID
}

func settingsKey(guildID string) string {
	return settingsKeyPrefix + guildID
}
