package lavalink

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hxnx/lavanode/internal/protocol"
	"github.com/hxnx/lavanode/internal/queue"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testUserID   = "100000000000000001"
	testPassword = "youshallnotpass"
)

type patchCall struct {
	Session   string
	Guild     string
	NoReplace string
	Body      map[string]any
}

// fakeLavalink serves just enough of the v4 API for the client: the
// websocket, player PATCH/DELETE and session PATCH.
type fakeLavalink struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu         sync.Mutex
	writeMu    sync.Mutex
	sessions   int
	conns      []*websocket.Conn
	headers    []http.Header
	received   []map[string]any
	patches    []patchCall
	deletes    []string
	refuse     bool
	withhold   bool
	respEvents []json.RawMessage
	// playing is reported as the player's track in PATCH responses.
	playing *protocol.Track
}

func newFakeLavalink(t *testing.T) *fakeLavalink {
	t.Helper()

	f := &fakeLavalink{}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v4/websocket", f.serveWS)
	mux.HandleFunc("PATCH /v4/sessions/{session}/players/{guild}", f.servePatch)
	mux.HandleFunc("DELETE /v4/sessions/{session}/players/{guild}", f.serveDelete)
	mux.HandleFunc("PATCH /v4/sessions/{session}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"resuming":true,"timeout":60}`))
	})
	mux.HandleFunc("GET /v4/loadtracks", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"loadType": "search",
			"data": []any{map[string]any{
				"encoded": "enc-" + r.URL.Query().Get("identifier"),
				"info":    map[string]any{"identifier": r.URL.Query().Get("identifier"), "title": "result"},
			}},
		})
	})

	f.srv = httptest.NewServer(mux)
	t.Cleanup(func() {
		f.closeAll()
		f.srv.Close()
	})
	return f
}

func (f *fakeLavalink) host() string {
	return strings.TrimPrefix(f.srv.URL, "http://")
}

func (f *fakeLavalink) serveWS(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.headers = append(f.headers, r.Header.Clone())
	refuse, withhold := f.refuse, f.withhold
	f.mu.Unlock()

	if refuse {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	f.mu.Lock()
	f.sessions++
	sessionID := fmt.Sprintf("session-%d", f.sessions)
	f.conns = append(f.conns, conn)
	f.mu.Unlock()

	if !withhold {
		f.writeTo(conn, map[string]any{"op": "ready", "resumed": false, "sessionId": sessionID})
	}

	go func() {
		for {
			var msg map[string]any
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			f.mu.Lock()
			f.received = append(f.received, msg)
			f.mu.Unlock()
		}
	}()
}

func (f *fakeLavalink) servePatch(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)

	f.mu.Lock()
	f.patches = append(f.patches, patchCall{
		Session:   r.PathValue("session"),
		Guild:     r.PathValue("guild"),
		NoReplace: r.URL.Query().Get("noReplace"),
		Body:      body,
	})
	events := f.respEvents
	f.respEvents = nil
	playing := f.playing
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"guildId": r.PathValue("guild"),
		"track":   playing,
		"volume":  100,
		"paused":  false,
		"events":  events,
	})
}

func (f *fakeLavalink) serveDelete(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.deletes = append(f.deletes, r.PathValue("guild"))
	f.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (f *fakeLavalink) writeTo(conn *websocket.Conn, v any) {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	_ = conn.WriteJSON(v)
}

// send writes v on the most recent connection.
func (f *fakeLavalink) send(t *testing.T, v any) {
	t.Helper()
	f.mu.Lock()
	require.NotEmpty(t, f.conns)
	conn := f.conns[len(f.conns)-1]
	f.mu.Unlock()
	f.writeTo(conn, v)
}

// dropLatest closes the most recent connection without a close frame.
func (f *fakeLavalink) dropLatest() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.conns) > 0 {
		_ = f.conns[len(f.conns)-1].Close()
	}
}

func (f *fakeLavalink) closeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.conns {
		_ = c.Close()
	}
}

func (f *fakeLavalink) setRefuse(v bool) {
	f.mu.Lock()
	f.refuse = v
	f.mu.Unlock()
}

func (f *fakeLavalink) setPlaying(t *protocol.Track) {
	f.mu.Lock()
	f.playing = t
	f.mu.Unlock()
}

func (f *fakeLavalink) queueEvents(events ...any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ev := range events {
		raw, _ := json.Marshal(ev)
		f.respEvents = append(f.respEvents, raw)
	}
}

func (f *fakeLavalink) patchCalls() []patchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]patchCall(nil), f.patches...)
}

func (f *fakeLavalink) deleteCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deletes...)
}

func (f *fakeLavalink) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions
}

func (f *fakeLavalink) receivedOps() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ops []string
	for _, m := range f.received {
		if op, ok := m["op"].(string); ok {
			ops = append(ops, op)
		}
	}
	return ops
}

func (f *fakeLavalink) lastHeaders() http.Header {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.headers) == 0 {
		return nil
	}
	return f.headers[len(f.headers)-1]
}

type voiceCall struct {
	GuildID   string
	ChannelID string
	SelfMute  bool
	SelfDeaf  bool
}

type fakeVoice struct {
	mu    sync.Mutex
	calls []voiceCall
	err   error
}

func (v *fakeVoice) SendVoiceUpdate(guildID, channelID string, selfMute, selfDeaf bool) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls = append(v.calls, voiceCall{GuildID: guildID, ChannelID: channelID, SelfMute: selfMute, SelfDeaf: selfDeaf})
	return v.err
}

func (v *fakeVoice) recorded() []voiceCall {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]voiceCall(nil), v.calls...)
}

// eventLog records every event a connector emits.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) add(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) all() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

func (l *eventLog) count(kind EventKind) int {
	n := 0
	for _, ev := range l.all() {
		if ev.Kind() == kind {
			n++
		}
	}
	return n
}

func newTestConnector(t *testing.T, voice VoiceSender) (*Connector, *eventLog) {
	t.Helper()
	c := NewConnector(testUserID, "lavanode-test", WithLogger(zap.NewNop()), WithVoiceSender(voice))
	log := &eventLog{}
	c.Subscribe(log.add)
	return c, log
}

func addTestNode(t *testing.T, c *Connector, name string, f *fakeLavalink) *Node {
	t.Helper()
	n, err := c.AddNode(NodeConfig{
		Name:              name,
		Host:              f.host(),
		Password:          testPassword,
		ReconnectInterval: 10 * time.Millisecond,
		ReconnectTries:    2,
		ConnectTimeout:    2 * time.Second,
	})
	require.NoError(t, err)
	return n
}

// markConnected puts n in the connected state without a socket so REST
// calls go through.
func markConnected(n *Node, sessionID string) {
	n.mu.Lock()
	n.state = NodeConnected
	n.sessionID = sessionID
	n.mu.Unlock()
}

func setStats(n *Node, stats *protocol.Stats) {
	n.mu.Lock()
	n.stats = stats
	n.mu.Unlock()
}

func testTrack(id string, length int64) *queue.Track {
	return &protocol.Track{
		Encoded: "enc-" + id,
		Info: protocol.TrackInfo{
			Identifier: id,
			Title:      id,
			Length:     length,
			IsSeekable: true,
		},
	}
}

func eventFrame(t *testing.T, guildID string, eventType protocol.EventType, fields map[string]any) []byte {
	t.Helper()
	msg := map[string]any{"op": "event", "type": eventType, "guildId": guildID}
	for k, v := range fields {
		msg[k] = v
	}
	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	return raw
}
