package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hxnx/lavanode/internal/protocol"
	"github.com/hxnx/lavanode/internal/queue"
	redislib "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, ttl time.Duration) (*QueueStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c := redislib.NewClient(&redislib.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = c.Close() })
	return NewQueueStore(c, ttl), mr
}

func track(id string) *queue.Track {
	return &protocol.Track{
		Encoded: "enc-" + id,
		Info:    protocol.TrackInfo{Identifier: id, Title: id, Length: 1000},
	}
}

func TestQueueSnapshotRoundTrip(t *testing.T) {
	s, _ := newTestStore(t, 0)
	ctx := context.Background()

	q := queue.New()
	require.NoError(t, q.Add(track("a"), track("b"), track("c")))
	q.NextTrack()
	q.SetLoop(queue.LoopQueue)

	require.NoError(t, s.SaveQueue(ctx, "g1", q.Save()))

	snap, err := s.LoadQueue(ctx, "g1")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, "enc-a", snap.Current.Encoded)
	require.Len(t, snap.Tracks, 2)
	assert.Equal(t, "enc-b", snap.Tracks[0].Encoded)
	assert.Equal(t, queue.LoopQueue, snap.Loop)

	restored := queue.New()
	require.NoError(t, restored.Load(*snap))
	assert.Equal(t, 2, restored.Len())

	require.NoError(t, s.DeleteQueue(ctx, "g1"))
	snap, err = s.LoadQueue(ctx, "g1")
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestQueueSnapshotExpires(t *testing.T) {
	s, mr := newTestStore(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, s.SaveQueue(ctx, "g1", queue.Snapshot{}))
	assert.Equal(t, time.Minute, mr.TTL(queueKey("g1")))

	mr.FastForward(2 * time.Minute)
	snap, err := s.LoadQueue(ctx, "g1")
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestLoadQueueCorrupt(t *testing.T) {
	s, mr := newTestStore(t, 0)
	require.NoError(t, mr.Set(queueKey("g1"), "{not json"))

	_, err := s.LoadQueue(context.Background(), "g1")
	assert.ErrorContains(t, err, "decode queue g1")
}

func TestGuildRequired(t *testing.T) {
	s, _ := newTestStore(t, 0)
	ctx := context.Background()

	assert.ErrorIs(t, s.SaveQueue(ctx, "", queue.Snapshot{}), ErrGuildRequired)
	_, err := s.LoadQueue(ctx, "")
	assert.ErrorIs(t, err, ErrGuildRequired)
	assert.ErrorIs(t, s.DeleteQueue(ctx, ""), ErrGuildRequired)
	assert.ErrorIs(t, s.SetSettings(ctx, "", Settings{}), ErrGuildRequired)
}

func TestSettings(t *testing.T) {
	s, mr := newTestStore(t, 0)
	ctx := context.Background()
	def := Settings{Volume: 100, Source: "ytsearch"}

	got, err := s.GetSettings(ctx, "g1", def)
	require.NoError(t, err)
	assert.Equal(t, def, got)

	require.NoError(t, s.SetSettings(ctx, "g1", Settings{Volume: 40, Loop: queue.LoopTrack, Source: "scsearch"}))
	got, err = s.GetSettings(ctx, "g1", def)
	require.NoError(t, err)
	assert.Equal(t, Settings{Volume: 40, Loop: queue.LoopTrack, Source: "scsearch"}, got)

	// Garbage fields fall back to the defaults.
	mr.HSet(settingsKey("g2"), "volume", "loud", "loop", "sometimes")
	got, err = s.GetSettings(ctx, "g2", def)
	require.NoError(t, err)
	assert.Equal(t, def, got)
}
