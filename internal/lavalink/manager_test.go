package lavalink

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hxnx/lavanode/internal/protocol"
	"github.com/hxnx/lavanode/internal/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type memoryQueues struct {
	mu      sync.Mutex
	snaps   map[string]queue.Snapshot
	deleted []string
}

func (m *memoryQueues) SaveQueue(_ context.Context, guildID string, snap queue.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snaps == nil {
		m.snaps = make(map[string]queue.Snapshot)
	}
	m.snaps[guildID] = snap
	return nil
}

func (m *memoryQueues) LoadQueue(_ context.Context, guildID string) (*queue.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.snaps[guildID]
	if !ok {
		return nil, nil
	}
	return &snap, nil
}

func (m *memoryQueues) DeleteQueue(_ context.Context, guildID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snaps, guildID)
	m.deleted = append(m.deleted, guildID)
	return nil
}

type memoryPlayers struct {
	mu      sync.Mutex
	records map[string]PlayerRecord
}

func (m *memoryPlayers) SavePlayer(_ context.Context, rec PlayerRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.records == nil {
		m.records = make(map[string]PlayerRecord)
	}
	m.records[rec.GuildID] = rec
	return nil
}

func (m *memoryPlayers) ListPlayers(context.Context) ([]PlayerRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []PlayerRecord
	for _, r := range m.records {
		out = append(out, r)
	}
	return out, nil
}

func (m *memoryPlayers) DeletePlayer(_ context.Context, guildID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, guildID)
	return nil
}

func newTestClient(t *testing.T, f *fakeLavalink, opts ...ClientOption) (*Client, *fakeVoice) {
	t.Helper()
	voice := &fakeVoice{}
	opts = append(opts, WithConnectorOptions(WithLogger(zap.NewNop()), WithVoiceSender(voice)))
	c, err := NewClient(ClientConfig{
		UserID:        testUserID,
		ClientName:    "lavanode-test",
		DefaultSource: "ytsearch",
		Nodes: []NodeConfig{{
			Name:              "main",
			Host:              f.host(),
			Password:          testPassword,
			ReconnectInterval: time.Hour,
		}},
	}, opts...)
	require.NoError(t, err)
	return c, voice
}

func TestNewClientRequiresUser(t *testing.T) {
	_, err := NewClient(ClientConfig{})
	assert.Error(t, err)
}

func TestClientConnectAll(t *testing.T) {
	good := newFakeLavalink(t)
	bad := newFakeLavalink(t)
	bad.setRefuse(true)

	c, _ := newTestClient(t, good)
	_, err := c.Nodes.Add(NodeConfig{Name: "bad", Host: bad.host(), ReconnectInterval: time.Hour})
	require.NoError(t, err)

	require.NoError(t, c.ConnectAll(context.Background()))
	assert.Len(t, c.Nodes.Connected(), 1)

	best, err := c.Nodes.Best("")
	require.NoError(t, err)
	assert.Equal(t, "main", best.Name())

	res := c.DisconnectAll(context.Background())
	assert.True(t, res.OK(), res.Err())
	assert.Empty(t, c.Nodes.Connected())
}

func TestClientConnectAllFails(t *testing.T) {
	f := newFakeLavalink(t)
	f.setRefuse(true)
	c, _ := newTestClient(t, f)

	err := c.ConnectAll(context.Background())
	assert.ErrorIs(t, err, ErrNoAvailableNodes)
}

func TestOnFiltersByType(t *testing.T) {
	f := newFakeLavalink(t)
	c, _ := newTestClient(t, f)
	markConnected(c.Nodes.All()[0], "s1")

	var created []PlayerCreateEvent
	unsubscribe := On(c, func(e PlayerCreateEvent) {
		created = append(created, e)
	})

	_, err := c.Players.Create(context.Background(), PlayerOptions{GuildID: "g1"})
	require.NoError(t, err)
	unsubscribe()
	_, err = c.Players.Create(context.Background(), PlayerOptions{GuildID: "g2"})
	require.NoError(t, err)

	require.Len(t, created, 1)
	assert.Equal(t, "g1", created[0].GuildID)
	assert.Equal(t, "main", created[0].Node)
}

func TestIdentifier(t *testing.T) {
	tests := []struct {
		query, source, want string
	}{
		{"never gonna give you up", "ytsearch", "ytsearch:never gonna give you up"},
		{"lofi", "scsearch:", "scsearch:lofi"},
		{"https://youtu.be/dQw4w9WgXcQ", "ytsearch", "https://youtu.be/dQw4w9WgXcQ"},
		{"ytmsearch:city pop", "ytsearch", "ytmsearch:city pop"},
		{"plain", "", "plain"},
		{"artist: song", "ytsearch", "ytsearch:artist: song"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, identifier(tt.query, tt.source), tt.query)
	}
}

func TestClientLoadTracks(t *testing.T) {
	f := newFakeLavalink(t)
	c, _ := newTestClient(t, f)
	markConnected(c.Nodes.All()[0], "s1")

	res, err := c.LoadTracks(context.Background(), "  lofi  ", LoadOptions{})
	require.NoError(t, err)
	assert.Equal(t, protocol.LoadTypeSearch, res.LoadType)
	require.Len(t, res.Tracks, 1)
	assert.Equal(t, "enc-ytsearch:lofi", res.Tracks[0].Encoded)

	res, err = c.LoadTracks(context.Background(), "lofi", LoadOptions{Node: "main", Source: "scsearch"})
	require.NoError(t, err)
	assert.Equal(t, "enc-scsearch:lofi", res.Tracks[0].Encoded)

	_, err = c.LoadTracks(context.Background(), "lofi", LoadOptions{Node: "nope"})
	assert.ErrorIs(t, err, ErrUnknownNode)
	_, err = c.LoadTracks(context.Background(), " ", LoadOptions{})
	assert.Error(t, err)
}

func TestClientPersistAndRestore(t *testing.T) {
	f := newFakeLavalink(t)
	queues := &memoryQueues{}
	players := &memoryPlayers{}

	c, _ := newTestClient(t, f, WithQueueStore(queues), WithPlayerStore(players))
	markConnected(c.Nodes.All()[0], "s1")

	ctx := context.Background()
	p, err := c.Players.Create(ctx, PlayerOptions{GuildID: "g1", VoiceChannelID: "v1", TextChannelID: "t1"})
	require.NoError(t, err)
	require.NoError(t, p.Queue().Add(testTrack("b", 1000), testTrack("c", 1000)))
	require.NoError(t, p.Play(ctx, testTrack("a", 180000), PlayOptions{StartTime: 30 * time.Second}))
	require.NoError(t, p.SetVolume(ctx, 55))
	p.SetQueueRepeat(true)

	require.NoError(t, c.Persist(ctx, "g1"))
	require.Contains(t, players.records, "g1")
	assert.Equal(t, 55, players.records["g1"].Volume)
	assert.Equal(t, queue.LoopQueue, players.records["g1"].Loop)

	// A new process with the same stores picks the player back up.
	f2 := newFakeLavalink(t)
	restored, voice := newTestClient(t, f2, WithQueueStore(queues), WithPlayerStore(players))
	markConnected(restored.Nodes.All()[0], "s9")

	n, err := restored.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rp, ok := restored.Players.Get("g1")
	require.True(t, ok)
	assert.Equal(t, "enc-a", rp.Current().Encoded)
	assert.Equal(t, 2, rp.Queue().Len())
	assert.Equal(t, 55, rp.Volume())
	assert.True(t, rp.QueueRepeat())
	assert.Equal(t, "t1", rp.TextChannelID())
	assert.Equal(t, []voiceCall{{GuildID: "g1", ChannelID: "v1"}}, voice.recorded())

	calls := f2.patchCalls()
	require.NotEmpty(t, calls)
	last := calls[len(calls)-1]
	assert.Equal(t, "enc-a", encodedOf(t, last))
	assert.GreaterOrEqual(t, last.Body["position"], float64(30000))

	// Destroying forgets the stored state.
	restored.Players.Destroy(ctx, "g1")
	assert.Empty(t, players.records)
	assert.Contains(t, queues.deleted, "g1")
}

func TestClientPersistUnknownGuild(t *testing.T) {
	f := newFakeLavalink(t)
	c, _ := newTestClient(t, f, WithPlayerStore(&memoryPlayers{}))
	assert.NoError(t, c.Persist(context.Background(), "nope"))

	res := c.PersistAll(context.Background())
	assert.True(t, res.OK())
}

func TestClientShutdownKeepsRecords(t *testing.T) {
	f := newFakeLavalink(t)
	queues := &memoryQueues{}
	players := &memoryPlayers{}
	c, voice := newTestClient(t, f, WithQueueStore(queues), WithPlayerStore(players))
	require.NoError(t, c.ConnectAll(context.Background()))

	ctx := context.Background()
	p, err := c.Players.Create(ctx, PlayerOptions{GuildID: "g1", VoiceChannelID: "v1"})
	require.NoError(t, err)
	require.NoError(t, p.Play(ctx, testTrack("a", 1000), PlayOptions{}))

	res := c.Shutdown(ctx)
	assert.True(t, res.OK(), res.Err())

	assert.Empty(t, c.Players.All())
	assert.Contains(t, players.records, "g1")
	assert.Contains(t, queues.snaps, "g1")
	assert.Empty(t, queues.deleted)
	assert.Equal(t, []voiceCall{{GuildID: "g1", ChannelID: ""}}, voice.recorded())
}
