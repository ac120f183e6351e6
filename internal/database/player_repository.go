package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hxnx/lavanode/internal/lavalink"
	"github.com/hxnx/lavanode/internal/protocol"
	"github.com/hxnx/lavanode/internal/queue"
)

const playerRepoTimeout = 2 * time.Second

// PlayerRepository stores player sessions in the player_sessions table.
// A nil repository or one without a pool is a no-op.
type PlayerRepository struct {
	db *sql.DB
}

func NewPlayerRepository(db *sql.DB) *PlayerRepository {
	return &PlayerRepository{db: db}
}

func NewPlayerRepositoryFromDefault() *PlayerRepository {
	return &PlayerRepository{db: GetDB()}
}

var _ lavalink.PlayerStore = (*PlayerRepository)(nil)

func (r *PlayerRepository) SavePlayer(ctx context.Context, rec lavalink.PlayerRecord) error {
	if r == nil || r.db == nil {
		return nil
	}
	if rec.GuildID == "" {
		return errors.New("guild id is required")
	}

	filters, err := json.Marshal(rec.Filters)
	if err != nil {
		return fmt.Errorf("encode filters: %w", err)
	}
	if rec.Filters == nil {
		filters = []byte("{}")
	}
	updatedAt := rec.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	ctx, cancel := context.WithTimeout(ctx, playerRepoTimeout)
	defer cancel()

	const query = `
		INSERT INTO player_sessions (guild_id, node, voice_channel_id, text_channel_id,
			volume, paused, position_ms, filters, loop_mode, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (guild_id)
		DO UPDATE SET
			node = EXCLUDED.node,
			voice_channel_id = EXCLUDED.voice_channel_id,
			text_channel_id = EXCLUDED.text_channel_id,
			volume = EXCLUDED.volume,
			paused = EXCLUDED.paused,
			position_ms = EXCLUDED.position_ms,
			filters = EXCLUDED.filters,
			loop_mode = EXCLUDED.loop_mode,
			updated_at = EXCLUDED.updated_at;
	`

	_, err = r.db.ExecContext(ctx, query,
		rec.GuildID, rec.Node, rec.VoiceChannelID, rec.TextChannelID,
		rec.Volume, rec.Paused, rec.Position.Milliseconds(), filters, rec.Loop.String(), updatedAt,
	)
	return err
}

func (r *PlayerRepository) ListPlayers(ctx context.Context) ([]lavalink.PlayerRecord, error) {
	if r == nil || r.db == nil {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, playerRepoTimeout)
	defer cancel()

	const query = `
		SELECT guild_id, node, voice_channel_id, text_channel_id, volume, paused,
			position_ms, filters, loop_mode, updated_at
		FROM player_sessions
		ORDER BY updated_at
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []lavalink.PlayerRecord
	for rows.Next() {
		var (
			rec        lavalink.PlayerRecord
			positionMs int64
			filters    []byte
			loop       string
		)
		if err := rows.Scan(&rec.GuildID, &rec.Node, &rec.VoiceChannelID, &rec.TextChannelID,
			&rec.Volume, &rec.Paused, &positionMs, &filters, &loop, &rec.UpdatedAt); err != nil {
			return nil, err
		}

		rec.Position = time.Duration(positionMs) * time.Millisecond
		if len(filters) > 0 {
			var f protocol.Filters
			if err := json.Unmarshal(filters, &f); err != nil {
				return nil, fmt.Errorf("decode filters for %s: %w", rec.GuildID, err)
			}
			if len(f) > 0 {
				rec.Filters = f
			}
		}
		if mode, err := queue.ParseLoopMode(loop); err == nil {
			rec.Loop = mode
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (r *PlayerRepository) DeletePlayer(ctx context.Context, guildID string) error {
	if r == nil || r.db == nil {
		return nil
	}
	if guildID == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, playerRepoTimeout)
	defer cancel()

	const query = `
		DELETE FROM player_sessions
		WHERE guild_id = $1
	`

	_, err := r.db.ExecContext(ctx, query, guildID)
	return err
}
