package lavalink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/hxnx/lavanode/internal/protocol"
	"github.com/hxnx/lavanode/internal/rest"
	"go.uber.org/zap"
)

const (
	DefaultVersion           = 4
	DefaultReconnectInterval = 5 * time.Second
	DefaultReconnectTries    = 5
	DefaultConnectTimeout    = 30 * time.Second
	DefaultResumeTimeout     = 60 * time.Second

	requestTimeout = 10 * time.Second
	writeWait      = 5 * time.Second
)

type NodeState int32

const (
	NodeDisconnected NodeState = iota
	NodeConnecting
	NodeConnected
	NodeDisconnecting
	NodeReconnecting
)

func (s NodeState) String() string {
	switch s {
	case NodeDisconnected:
		return "DISCONNECTED"
	case NodeConnecting:
		return "CONNECTING"
	case NodeConnected:
		return "CONNECTED"
	case NodeDisconnecting:
		return "DISCONNECTING"
	case NodeReconnecting:
		return "RECONNECTING"
	default:
		return fmt.Sprintf("NodeState(%d)", int32(s))
	}
}

type NodeConfig struct {
	Name     string
	Group    string
	Host     string // host:port
	Password string
	Secure   bool
	Version  int

	// Resume asks the node to keep the session alive across reconnects.
	Resume        bool
	ResumeKey     string
	ResumeTimeout time.Duration

	ReconnectInterval time.Duration
	ReconnectTries    int
	ConnectTimeout    time.Duration

	// Priority is compared before penalty when picking a node; lower wins.
	Priority int
	// RESTRate caps REST requests per second. Zero means unlimited.
	RESTRate float64
}

func (c NodeConfig) withDefaults() NodeConfig {
	if c.Version <= 0 {
		c.Version = DefaultVersion
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = DefaultReconnectInterval
	}
	if c.ReconnectTries < 0 {
		c.ReconnectTries = 0
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.ResumeTimeout <= 0 {
		c.ResumeTimeout = DefaultResumeTimeout
	}
	if c.Resume && c.ResumeKey == "" {
		c.ResumeKey = uuid.NewString()
	}
	return c
}

func (c NodeConfig) validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidNodeConfig)
	}
	if c.Host == "" {
		return fmt.Errorf("%w: node %s has no host", ErrInvalidNodeConfig, c.Name)
	}
	return nil
}

// Node is one Lavalink server and the socket to it. It owns the players
// routed through it.
type Node struct {
	cfg       NodeConfig
	connector *Connector
	rest      *rest.Client
	dialer    *websocket.Dialer
	log       *zap.Logger
	events    Emitter[NodeEvent]

	mu             sync.RWMutex
	state          NodeState
	conn           *websocket.Conn
	ready          chan struct{}
	sessionID      string
	lastSessionID  string
	stats          *protocol.Stats
	players        map[string]*Player
	attempts       int
	reconnectTimer *time.Timer

	writeMu sync.Mutex
}

func newNode(cfg NodeConfig, c *Connector) *Node {
	cfg = cfg.withDefaults()
	log := c.log.With(zap.String("node", cfg.Name))

	burst := int(cfg.RESTRate)
	restOpts := []rest.Option{
		rest.WithLogger(log),
		rest.WithUserAgent(c.clientName),
		rest.WithRateLimit(cfg.RESTRate, max(burst, 1)),
	}
	if c.httpClient != nil {
		restOpts = append(restOpts, rest.WithHTTPClient(c.httpClient))
	}

	return &Node{
		cfg:       cfg,
		connector: c,
		rest:      rest.New(cfg.Host, cfg.Password, cfg.Secure, cfg.Version, restOpts...),
		dialer:    c.dialer,
		log:       log,
		players:   make(map[string]*Player),
	}
}

func (n *Node) Name() string       { return n.cfg.Name }
func (n *Node) Group() string      { return n.cfg.Group }
func (n *Node) Priority() int      { return n.cfg.Priority }
func (n *Node) Config() NodeConfig { return n.cfg }
func (n *Node) REST() *rest.Client { return n.rest }

func (n *Node) State() NodeState {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state
}

func (n *Node) Connected() bool {
	return n.State() == NodeConnected
}

func (n *Node) SessionID() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.sessionID
}

// Stats returns a copy of the last stats frame, or nil before the first one.
func (n *Node) Stats() *protocol.Stats {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.stats == nil {
		return nil
	}
	s := *n.stats
	if s.FrameStats != nil {
		fs := *s.FrameStats
		s.FrameStats = &fs
	}
	return &s
}

func (n *Node) Penalty() float64 {
	return Penalty(n.Stats())
}

func (n *Node) Subscribe(fn func(NodeEvent)) func() {
	return n.events.Subscribe(fn)
}

func (n *Node) emit(ev NodeEvent) {
	n.events.Emit(ev)
	n.connector.emit(ev)
}

func (n *Node) emitError(err error) {
	n.log.Warn("node error", zap.Error(err))
	n.emit(NodeErrorEvent{Node: n.cfg.Name, Err: err})
}

func (n *Node) wsURL() string {
	scheme := "ws"
	if n.cfg.Secure {
		scheme = "wss"
	}
	u := url.URL{
		Scheme: scheme,
		Host:   strings.TrimSuffix(n.cfg.Host, "/"),
		Path:   fmt.Sprintf("/v%d/websocket", n.cfg.Version),
	}
	return u.String()
}

func (n *Node) headers(lastSession string) http.Header {
	h := http.Header{}
	h.Set("Authorization", n.cfg.Password)
	h.Set("User-Id", n.connector.userID)
	h.Set("Client-Name", n.connector.clientName)
	if n.cfg.Resume {
		h.Set("Resume-Key", n.cfg.ResumeKey)
		if lastSession != "" {
			h.Set("Session-Id", lastSession)
		}
	}
	return h
}

// Connect opens the socket and waits for the node's ready op. A failed
// attempt schedules a reconnect while tries remain.
func (n *Node) Connect(ctx context.Context) error {
	return n.connect(ctx, true)
}

func (n *Node) reconnect() {
	if err := n.connect(context.Background(), false); err != nil {
		n.log.Warn("reconnect failed", zap.Error(err))
	}
}

func (n *Node) connect(ctx context.Context, manual bool) error {
	n.mu.Lock()
	n.stopReconnectLocked()
	switch n.state {
	case NodeConnected:
		n.mu.Unlock()
		return nil
	case NodeConnecting, NodeDisconnecting:
		n.mu.Unlock()
		return &ConnectionError{Node: n.cfg.Name, Op: "connect", Err: ErrConnectInProgress}
	}
	if manual {
		n.attempts = 0
	}
	n.state = NodeConnecting
	var lastSession string
	if n.cfg.Resume {
		lastSession = n.lastSessionID
	}
	n.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, n.cfg.ConnectTimeout)
	defer cancel()

	n.log.Debug("connecting", zap.String("url", n.wsURL()))
	conn, resp, err := n.dialer.DialContext(ctx, n.wsURL(), n.headers(lastSession))
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		connErr := &ConnectionError{Node: n.cfg.Name, Op: "dial", Err: err}
		n.emitError(connErr)
		n.scheduleReconnect()
		return connErr
	}

	ready := make(chan struct{})
	n.mu.Lock()
	n.conn = conn
	n.ready = ready
	n.mu.Unlock()

	if n.cfg.Resume {
		msg := protocol.ConfigureResuming{
			Op:      protocol.OpConfigureResuming,
			Key:     n.cfg.ResumeKey,
			Timeout: int(n.cfg.ResumeTimeout.Seconds()),
		}
		if err := n.write(conn, msg); err != nil {
			n.emitError(&ConnectionError{Node: n.cfg.Name, Op: "configure resuming", Err: err})
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		n.readLoop(conn)
	}()

	select {
	case <-ready:
		return nil
	case <-done:
		return &ConnectionError{Node: n.cfg.Name, Op: "ready", Err: ErrConnectionClosed}
	case <-ctx.Done():
		// The read loop sees the close and schedules the reconnect.
		_ = conn.Close()
		err := ctx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			err = ErrReadyTimeout
		}
		return &ConnectionError{Node: n.cfg.Name, Op: "ready", Err: err}
	}
}

func (n *Node) stopReconnectLocked() {
	if n.reconnectTimer != nil {
		n.reconnectTimer.Stop()
		n.reconnectTimer = nil
	}
}

// scheduleReconnect arms the next attempt, or gives up once ReconnectTries
// attempts were made since the last ready.
func (n *Node) scheduleReconnect() {
	n.mu.Lock()
	if n.state == NodeDisconnecting {
		n.mu.Unlock()
		return
	}
	if n.attempts >= n.cfg.ReconnectTries {
		n.stopReconnectLocked()
		n.state = NodeDisconnected
		n.mu.Unlock()

		n.log.Error("giving up on node", zap.Int("tries", n.cfg.ReconnectTries))
		n.emit(NodeClosedEvent{Node: n.cfg.Name, Code: CloseReconnectExhausted, Reason: ReasonReconnectExhausted})
		return
	}
	n.attempts++
	attempt := n.attempts
	n.state = NodeReconnecting
	n.mu.Unlock()

	n.log.Info("scheduling reconnect", zap.Int("attempt", attempt), zap.Duration("interval", n.cfg.ReconnectInterval))
	n.emit(NodeReconnectEvent{Node: n.cfg.Name, Attempt: attempt})

	n.mu.Lock()
	if n.state == NodeReconnecting && n.reconnectTimer == nil {
		n.reconnectTimer = time.AfterFunc(n.cfg.ReconnectInterval, n.reconnect)
	}
	n.mu.Unlock()
}

func (n *Node) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			n.handleClose(conn, err)
			return
		}
		n.handleMessage(data)
	}
}

// handleClose runs once per connection. Closes we initiated in Disconnect
// have already detached the socket and are ignored here.
func (n *Node) handleClose(conn *websocket.Conn, err error) {
	code, reason := websocket.CloseAbnormalClosure, err.Error()
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		code, reason = closeErr.Code, closeErr.Text
	}

	n.mu.Lock()
	if n.conn != conn {
		n.mu.Unlock()
		return
	}
	n.conn = nil
	n.ready = nil
	n.sessionID = ""
	n.mu.Unlock()
	_ = conn.Close()

	n.log.Warn("connection closed", zap.Int("code", code), zap.String("reason", reason))
	n.emit(NodeClosedEvent{Node: n.cfg.Name, Code: code, Reason: reason})
	n.scheduleReconnect()
}

func (n *Node) handleMessage(data []byte) {
	msg, err := protocol.ParseMessage(data)
	if err != nil {
		n.emitError(&ProtocolError{Node: n.cfg.Name, Payload: data, Err: err})
		return
	}

	switch m := msg.(type) {
	case *protocol.Ready:
		n.handleReady(*m)
	case *protocol.StatsMessage:
		stats := m.Stats
		n.mu.Lock()
		n.stats = &stats
		n.mu.Unlock()
		n.emit(NodeStatsEvent{Node: n.cfg.Name, Stats: stats})
	case *protocol.PlayerUpdate:
		if p := n.Player(m.GuildID); p != nil {
			p.update(m.State)
		}
	case protocol.Event:
		n.handleEventDispatch(m)
	}
}

func (n *Node) handleReady(m protocol.Ready) {
	n.mu.Lock()
	n.sessionID = m.SessionID
	n.lastSessionID = m.SessionID
	n.state = NodeConnected
	n.attempts = 0
	ready := n.ready
	n.ready = nil
	n.mu.Unlock()

	n.log.Info("node ready", zap.String("session", m.SessionID), zap.Bool("resumed", m.Resumed))
	n.emit(NodeReadyEvent{Node: n.cfg.Name, SessionID: m.SessionID, Resumed: m.Resumed})

	if ready != nil {
		close(ready)
	}

	go n.afterReady(m)
}

// afterReady configures session resuming and, on a fresh session, pushes
// every player's voice and track state to the node again.
func (n *Node) afterReady(m protocol.Ready) {
	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.ConnectTimeout)
	defer cancel()

	if n.cfg.Resume {
		update := protocol.SessionUpdate{
			Resuming: protocol.Ptr(true),
			Timeout:  protocol.Ptr(int(n.cfg.ResumeTimeout.Seconds())),
		}
		if _, err := n.rest.UpdateSession(ctx, m.SessionID, update); err != nil {
			n.emitError(&TransportError{Node: n.cfg.Name, Op: "update session", Err: err})
		}
	}

	if m.Resumed {
		return
	}
	for _, p := range n.Players() {
		if err := p.resync(ctx); err != nil {
			n.emitError(err)
		}
	}
}

func (n *Node) write(conn *websocket.Conn, v any) error {
	n.writeMu.Lock()
	defer n.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(v)
}

// Send writes v as JSON on the socket. It fails right away unless the node
// is connected.
func (n *Node) Send(v any) error {
	n.mu.RLock()
	conn, state := n.conn, n.state
	n.mu.RUnlock()

	if conn == nil || state != NodeConnected {
		return &ConnectionError{Node: n.cfg.Name, Op: "send", Err: ErrNodeNotConnected}
	}
	if err := n.write(conn, v); err != nil {
		return &ConnectionError{Node: n.cfg.Name, Op: "send", Err: err}
	}
	return nil
}

// Disconnect closes the socket after destroying every player on the node.
// A pending reconnect is cancelled either way.
func (n *Node) Disconnect(ctx context.Context, code int, reason string) BestEffort {
	var result BestEffort

	n.mu.Lock()
	n.stopReconnectLocked()
	switch n.state {
	case NodeReconnecting:
		n.state = NodeDisconnected
		n.mu.Unlock()
		return result
	case NodeConnected:
	default:
		n.mu.Unlock()
		return result
	}
	n.state = NodeDisconnecting
	n.mu.Unlock()

	for _, p := range n.Players() {
		result.Merge(p.Destroy(ctx, true))
	}

	n.mu.Lock()
	conn := n.conn
	n.conn = nil
	n.ready = nil
	n.sessionID = ""
	n.lastSessionID = ""
	n.state = NodeDisconnected
	n.mu.Unlock()

	if conn != nil {
		n.writeMu.Lock()
		err := conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
		n.writeMu.Unlock()
		result.Record("close frame", err)
		result.Record("close socket", conn.Close())
	}

	for _, f := range result.Failures {
		n.log.Warn("disconnect cleanup failed", zap.String("op", f.Op), zap.Error(f.Err))
	}
	n.emit(NodeClosedEvent{Node: n.cfg.Name, Code: code, Reason: reason})
	return result
}

func (n *Node) Player(guildID string) *Player {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.players[guildID]
}

// Players returns the node's players ordered by guild id.
func (n *Node) Players() []*Player {
	n.mu.RLock()
	out := make([]*Player, 0, len(n.players))
	for _, p := range n.players {
		out = append(out, p)
	}
	n.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].guildID < out[j].guildID })
	return out
}

// CreatePlayer returns the node's player for the guild, creating it if
// needed. Use Connector.CreatePlayer to keep one player per guild across
// nodes.
func (n *Node) CreatePlayer(opts PlayerOptions) (*Player, error) {
	if opts.GuildID == "" {
		return nil, ErrGuildRequired
	}

	n.mu.Lock()
	if p, ok := n.players[opts.GuildID]; ok {
		n.mu.Unlock()
		return p, nil
	}
	p := newPlayer(n, opts)
	n.players[opts.GuildID] = p
	n.mu.Unlock()

	n.log.Debug("player created", zap.String("guild", opts.GuildID))
	p.emit(PlayerCreateEvent{GuildID: opts.GuildID, Node: n.cfg.Name})
	return p, nil
}

func (n *Node) adopt(p *Player) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if existing, ok := n.players[p.guildID]; ok && existing != p {
		return ErrPlayerExists
	}
	n.players[p.guildID] = p
	return nil
}

func (n *Node) removePlayer(p *Player) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.players[p.guildID] == p {
		delete(n.players, p.guildID)
	}
}

func (n *Node) session() (string, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	// Players are still torn down while the node is disconnecting.
	if n.state != NodeConnected && n.state != NodeDisconnecting {
		return "", &ConnectionError{Node: n.cfg.Name, Op: "session", Err: ErrNodeNotConnected}
	}
	if n.sessionID == "" {
		return "", &ConnectionError{Node: n.cfg.Name, Op: "session", Err: ErrNoSession}
	}
	return n.sessionID, nil
}

func (n *Node) updatePlayer(ctx context.Context, guildID string, update protocol.UpdatePlayer, noReplace bool) (*protocol.PlayerResponse, error) {
	sessionID, err := n.session()
	if err != nil {
		return nil, err
	}
	resp, err := n.rest.UpdatePlayer(ctx, sessionID, guildID, update, noReplace)
	if err != nil {
		return nil, &TransportError{Node: n.cfg.Name, Op: "update player", Err: err}
	}
	return resp, nil
}

func (n *Node) destroyPlayer(ctx context.Context, guildID string) error {
	sessionID, err := n.session()
	if err != nil {
		return err
	}
	if err := n.rest.DestroyPlayer(ctx, sessionID, guildID); err != nil {
		return &TransportError{Node: n.cfg.Name, Op: "destroy player", Err: err}
	}
	return nil
}

// handleVoiceUpdate forwards complete voice credentials for a guild. It does
// not need a local player.
func (n *Node) handleVoiceUpdate(ctx context.Context, guildID string, voice protocol.VoiceState) error {
	resp, err := n.updatePlayer(ctx, guildID, protocol.UpdatePlayer{Voice: &voice}, false)
	if err != nil {
		return err
	}
	n.redispatch(resp)
	return nil
}

// redispatch feeds events embedded in a REST response through the same path
// as socket events.
func (n *Node) redispatch(resp *protocol.PlayerResponse) {
	if resp == nil {
		return
	}
	for _, raw := range resp.Events {
		ev, err := protocol.ParseEvent(raw)
		if err != nil {
			n.emitError(&ProtocolError{Node: n.cfg.Name, Payload: raw, Err: err})
			continue
		}
		n.handleEventDispatch(ev)
	}
}

func (n *Node) handleEventDispatch(ev protocol.Event) {
	p := n.Player(ev.Guild())
	if p == nil {
		n.log.Debug("event for unknown player", zap.String("guild", ev.Guild()), zap.String("type", string(ev.Type())))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	switch e := ev.(type) {
	case *protocol.TrackStart:
		p.emit(TrackStartEvent{GuildID: p.guildID, Track: e.Track})
	case *protocol.TrackEnd:
		p.handleTrackEnd(ctx, e)
	case *protocol.TrackException:
		p.emit(TrackErrorEvent{GuildID: p.guildID, Track: e.Track, Exception: e.Exception})
		p.skipAfterFailure(ctx, "track exception")
	case *protocol.TrackStuck:
		p.emit(TrackStuckEvent{GuildID: p.guildID, Track: e.Track, ThresholdMs: e.ThresholdMs})
		p.skipAfterFailure(ctx, "track stuck")
	case *protocol.WebSocketClosed:
		p.handleVoiceClosed(e)
	}
}

// LoadTracks resolves an identifier or search query on this node.
func (n *Node) LoadTracks(ctx context.Context, identifier string) (*protocol.LoadResult, error) {
	res, err := n.rest.LoadTracks(ctx, identifier)
	if err != nil {
		return nil, &TransportError{Node: n.cfg.Name, Op: "load tracks", Err: err}
	}
	return res, nil
}

func (n *Node) Info(ctx context.Context) (*protocol.Info, error) {
	info, err := n.rest.Info(ctx)
	if err != nil {
		return nil, &TransportError{Node: n.cfg.Name, Op: "info", Err: err}
	}
	return info, nil
}

// MarshalJSON reports a summary of the node, used by status output.
func (n *Node) MarshalJSON() ([]byte, error) {
	n.mu.RLock()
	players := len(n.players)
	n.mu.RUnlock()

	return json.Marshal(struct {
		Name    string  `json:"name"`
		Group   string  `json:"group,omitempty"`
		State   string  `json:"state"`
		Session string  `json:"sessionId,omitempty"`
		Players int     `json:"players"`
		Penalty float64 `json:"penalty"`
	}{
		Name:    n.cfg.Name,
		Group:   n.cfg.Group,
		State:   n.State().String(),
		Session: n.SessionID(),
		Players: players,
		Penalty: n.Penalty(),
	})
}
