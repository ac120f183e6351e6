package lavalink

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hxnx/lavanode/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

func TestNodeConnect(t *testing.T) {
	f := newFakeLavalink(t)
	c, events := newTestConnector(t, &fakeVoice{})
	n := addTestNode(t, c, "main", f)

	require.NoError(t, n.Connect(context.Background()))

	assert.Equal(t, NodeConnected, n.State())
	assert.Equal(t, "session-1", n.SessionID())
	assert.Equal(t, 1, events.count(KindNodeReady))

	h := f.lastHeaders()
	assert.Equal(t, testPassword, h.Get("Authorization"))
	assert.Equal(t, testUserID, h.Get("User-Id"))
	assert.Equal(t, "lavanode-test", h.Get("Client-Name"))
	assert.Empty(t, h.Get("Resume-Key"))

	// Already connected.
	require.NoError(t, n.Connect(context.Background()))
	assert.Equal(t, 1, f.connectCount())
}

func TestNodeResumeConfiguration(t *testing.T) {
	f := newFakeLavalink(t)
	c, _ := newTestConnector(t, &fakeVoice{})
	n, err := c.AddNode(NodeConfig{Name: "main", Host: f.host(), Password: testPassword, Resume: true})
	require.NoError(t, err)

	require.NotEmpty(t, n.Config().ResumeKey)
	require.NoError(t, n.Connect(context.Background()))

	assert.Equal(t, n.Config().ResumeKey, f.lastHeaders().Get("Resume-Key"))
	assert.Eventually(t, func() bool {
		ops := f.receivedOps()
		return len(ops) == 1 && ops[0] == string(protocol.OpConfigureResuming)
	}, waitFor, tick)
}

func TestNodeReconnectAttemptsExceeded(t *testing.T) {
	f := newFakeLavalink(t)
	f.setRefuse(true)
	c, events := newTestConnector(t, &fakeVoice{})
	n := addTestNode(t, c, "main", f)

	err := n.Connect(context.Background())
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, "dial", connErr.Op)

	terminal := func() int {
		count := 0
		for _, ev := range events.all() {
			if closed, ok := ev.(NodeClosedEvent); ok && closed.Terminal() {
				count++
			}
		}
		return count
	}

	require.Eventually(t, func() bool { return terminal() == 1 }, waitFor, tick)
	assert.Equal(t, NodeDisconnected, n.State())

	var attempts []int
	for _, ev := range events.all() {
		if r, ok := ev.(NodeReconnectEvent); ok {
			attempts = append(attempts, r.Attempt)
		}
	}
	assert.Equal(t, []int{1, 2}, attempts)

	// Nothing else is scheduled after giving up.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, terminal())
	assert.Equal(t, NodeDisconnected, n.State())
}

func TestNodeReconnectsAfterDrop(t *testing.T) {
	f := newFakeLavalink(t)
	c, events := newTestConnector(t, &fakeVoice{})
	n := addTestNode(t, c, "main", f)
	require.NoError(t, n.Connect(context.Background()))

	f.dropLatest()

	require.Eventually(t, func() bool {
		return n.SessionID() == "session-2" && events.count(KindNodeReady) == 2
	}, waitFor, tick)
	assert.Equal(t, NodeConnected, n.State())
	assert.Equal(t, 1, events.count(KindNodeReconnect))
}

func TestNodeReadyTimeout(t *testing.T) {
	f := newFakeLavalink(t)
	f.withhold = true
	c, _ := newTestConnector(t, &fakeVoice{})
	n, err := c.AddNode(NodeConfig{
		Name:              "main",
		Host:              f.host(),
		ConnectTimeout:    50 * time.Millisecond,
		ReconnectInterval: time.Hour,
		ReconnectTries:    1,
	})
	require.NoError(t, err)

	err = n.Connect(context.Background())
	assert.ErrorIs(t, err, ErrReadyTimeout)
	assert.Eventually(t, func() bool { return n.State() == NodeReconnecting }, waitFor, tick)

	// Disconnect cancels the pending attempt.
	n.Disconnect(context.Background(), websocket.CloseNormalClosure, "bye")
	assert.Equal(t, NodeDisconnected, n.State())
}

func TestNodeStatsAndPlayerUpdate(t *testing.T) {
	f := newFakeLavalink(t)
	c, events := newTestConnector(t, &fakeVoice{})
	n := addTestNode(t, c, "main", f)
	require.NoError(t, n.Connect(context.Background()))

	p, err := n.CreatePlayer(PlayerOptions{GuildID: "g1"})
	require.NoError(t, err)

	f.send(t, map[string]any{
		"op":      "stats",
		"players": 2,
		"cpu":     map[string]any{"cores": 4, "systemLoad": 0.5, "lavalinkLoad": 0.1},
		"frameStats": map[string]any{
			"sent": 6000, "nulled": 10, "deficit": -1,
		},
	})
	f.send(t, map[string]any{
		"op":      "playerUpdate",
		"guildId": "g1",
		"state":   map[string]any{"time": 1, "position": 1500, "connected": true, "ping": 42},
	})

	require.Eventually(t, func() bool { return events.count(KindPlayerConnection) == 1 }, waitFor, tick)
	assert.True(t, p.Connected())
	stats := n.Stats()
	require.NotNil(t, stats)
	assert.Equal(t, 2, stats.Players)
	assert.Greater(t, n.Penalty(), 0.0)
	assert.Equal(t, 42, p.Ping())
	assert.Equal(t, 1, events.count(KindNodeStats))
}

func TestNodeMalformedMessage(t *testing.T) {
	f := newFakeLavalink(t)
	c, events := newTestConnector(t, &fakeVoice{})
	n := addTestNode(t, c, "main", f)
	require.NoError(t, n.Connect(context.Background()))

	f.send(t, map[string]any{"op": "bogus"})

	require.Eventually(t, func() bool { return events.count(KindNodeError) == 1 }, waitFor, tick)
	for _, ev := range events.all() {
		if e, ok := ev.(NodeErrorEvent); ok {
			var pe *ProtocolError
			assert.True(t, errors.As(e.Err, &pe))
		}
	}
	assert.Equal(t, NodeConnected, n.State())
}

func TestNodeSendRequiresConnection(t *testing.T) {
	f := newFakeLavalink(t)
	c, _ := newTestConnector(t, &fakeVoice{})
	n := addTestNode(t, c, "main", f)

	err := n.Send(map[string]any{"op": "ping"})
	assert.ErrorIs(t, err, ErrNodeNotConnected)

	require.NoError(t, n.Connect(context.Background()))
	assert.NoError(t, n.Send(map[string]any{"op": "ping"}))
}

func TestNodeDisconnectDestroysPlayers(t *testing.T) {
	f := newFakeLavalink(t)
	voice := &fakeVoice{}
	c, events := newTestConnector(t, voice)
	n := addTestNode(t, c, "main", f)
	require.NoError(t, n.Connect(context.Background()))

	_, err := n.CreatePlayer(PlayerOptions{GuildID: "g1", VoiceChannelID: "v1"})
	require.NoError(t, err)
	_, err = n.CreatePlayer(PlayerOptions{GuildID: "g2", VoiceChannelID: "v2"})
	require.NoError(t, err)

	res := n.Disconnect(context.Background(), websocket.CloseNormalClosure, "shutdown")
	assert.True(t, res.OK(), res.Err())

	assert.Equal(t, NodeDisconnected, n.State())
	assert.Empty(t, n.SessionID())
	assert.Empty(t, n.Players())
	assert.ElementsMatch(t, []string{"g1", "g2"}, f.deleteCalls())
	assert.Len(t, voice.recorded(), 2)
	assert.Equal(t, 2, events.count(KindPlayerDestroy))

	var closed []NodeClosedEvent
	for _, ev := range events.all() {
		if e, ok := ev.(NodeClosedEvent); ok {
			closed = append(closed, e)
		}
	}
	require.Len(t, closed, 1)
	assert.Equal(t, websocket.CloseNormalClosure, closed[0].Code)
	assert.False(t, closed[0].Terminal())

	// No reconnect follows an explicit disconnect.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, events.count(KindNodeReconnect))
	assert.Equal(t, 1, f.connectCount())
}

func TestNodeDisconnectWhenIdle(t *testing.T) {
	f := newFakeLavalink(t)
	c, events := newTestConnector(t, &fakeVoice{})
	n := addTestNode(t, c, "main", f)

	res := n.Disconnect(context.Background(), websocket.CloseNormalClosure, "")
	assert.True(t, res.OK())
	assert.Empty(t, events.all())
}

func TestNodeRedispatchesRESTEvents(t *testing.T) {
	f := newFakeLavalink(t)
	c, events := newTestConnector(t, &fakeVoice{})
	n := addTestNode(t, c, "main", f)
	markConnected(n, "s1")

	p, err := n.CreatePlayer(PlayerOptions{GuildID: "g1"})
	require.NoError(t, err)

	f.queueEvents(map[string]any{
		"op": "event", "type": "TrackStartEvent", "guildId": "g1",
		"track": testTrack("a", 1000),
	})
	require.NoError(t, p.Play(context.Background(), testTrack("a", 1000), PlayOptions{}))

	assert.Equal(t, 1, events.count(KindTrackStart))
}

func TestNodeStateString(t *testing.T) {
	assert.Equal(t, "RECONNECTING", NodeReconnecting.String())
	assert.Equal(t, "NodeState(9)", NodeState(9).String())
}
