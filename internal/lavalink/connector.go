package lavalink

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/hxnx/lavanode/internal/logger"
	"github.com/hxnx/lavanode/internal/protocol"
	"go.uber.org/zap"
)

// VoiceSender transmits a voice channel join or leave (gateway op 4) for
// the bot. An empty channelID leaves.
type VoiceSender interface {
	SendVoiceUpdate(guildID, channelID string, selfMute, selfDeaf bool) error
}

// VoiceStateUpdate is the part of a Discord voice state the handshake
// needs. An empty ChannelID means the user left voice.
type VoiceStateUpdate struct {
	GuildID   string
	ChannelID string
	UserID    string
	SessionID string
}

// VoiceServerUpdate carries the voice server credentials. An empty
// Endpoint means the server is gone and a new one will follow.
type VoiceServerUpdate struct {
	GuildID  string
	Token    string
	Endpoint string
}

type voiceState struct {
	sessionID string
	channelID string
}

type voiceServer struct {
	token    string
	endpoint string
}

type sentVoice struct {
	node  string
	voice protocol.VoiceState
}

type ConnectorOption func(*Connector)

func WithLogger(l *zap.Logger) ConnectorOption {
	return func(c *Connector) {
		if l != nil {
			c.log = l
		}
	}
}

func WithVoiceSender(v VoiceSender) ConnectorOption {
	return func(c *Connector) {
		c.voice = v
	}
}

func WithHTTPClient(hc *http.Client) ConnectorOption {
	return func(c *Connector) {
		c.httpClient = hc
	}
}

func WithDialer(d *websocket.Dialer) ConnectorOption {
	return func(c *Connector) {
		if d != nil {
			c.dialer = d
		}
	}
}

// Connector owns the node pool and correlates Discord voice events into
// complete voice credentials for Lavalink.
type Connector struct {
	userID     string
	clientName string
	log        *zap.Logger
	httpClient *http.Client
	dialer     *websocket.Dialer
	events     Emitter[Event]

	mu           sync.RWMutex
	voice        VoiceSender
	nodes        map[string]*Node
	voiceStates  map[string]voiceState
	voiceServers map[string]voiceServer
	sent         map[string]sentVoice
}

// NewConnector creates an empty pool. userID is the bot's Discord user id
// and clientName identifies the library to the nodes.
func NewConnector(userID, clientName string, opts ...ConnectorOption) *Connector {
	dialer := *websocket.DefaultDialer
	c := &Connector{
		userID:       userID,
		clientName:   clientName,
		log:          logger.Named("lavalink"),
		dialer:       &dialer,
		nodes:        make(map[string]*Node),
		voiceStates:  make(map[string]voiceState),
		voiceServers: make(map[string]voiceServer),
		sent:         make(map[string]sentVoice),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Connector) UserID() string { return c.userID }

// SetVoiceSender binds the gateway side once the Discord session exists.
func (c *Connector) SetVoiceSender(v VoiceSender) {
	c.mu.Lock()
	c.voice = v
	c.mu.Unlock()
}

func (c *Connector) Subscribe(fn func(Event)) func() {
	return c.events.Subscribe(fn)
}

func (c *Connector) emit(ev Event) {
	c.events.Emit(ev)
}

// AddNode registers a node. It does not connect.
func (c *Connector) AddNode(cfg NodeConfig) (*Node, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.nodes[cfg.Name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeExists, cfg.Name)
	}
	n := newNode(cfg, c)
	c.nodes[cfg.Name] = n
	c.log.Info("node added", zap.String("node", cfg.Name), zap.String("host", cfg.Host))
	return n, nil
}

// RemoveNode disconnects a node, destroying its players, and forgets it.
func (c *Connector) RemoveNode(ctx context.Context, name string) (BestEffort, error) {
	n, ok := c.Node(name)
	if !ok {
		return BestEffort{}, fmt.Errorf("%w: %s", ErrUnknownNode, name)
	}

	// Disconnect only cleans up players on a live socket, so destroy them
	// here whatever the node's state.
	var result BestEffort
	for _, p := range n.Players() {
		result.Merge(p.Destroy(ctx, true))
	}
	result.Merge(n.Disconnect(ctx, websocket.CloseNormalClosure, "node removed"))

	c.mu.Lock()
	delete(c.nodes, name)
	for guildID, s := range c.sent {
		if s.node == name {
			delete(c.sent, guildID)
		}
	}
	c.mu.Unlock()
	return result, nil
}

func (c *Connector) Node(name string) (*Node, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n, ok := c.nodes[name]
	return n, ok
}

// Nodes returns every registered node ordered by name.
func (c *Connector) Nodes() []*Node {
	c.mu.RLock()
	out := make([]*Node, 0, len(c.nodes))
	for _, n := range c.nodes {
		out = append(out, n)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// owner returns the node holding guildID's player, if any.
func (c *Connector) owner(guildID string) *Node {
	for _, n := range c.Nodes() {
		if n.Player(guildID) != nil {
			return n
		}
	}
	return nil
}

// GetBestNode picks the node for guildID. A node that already owns the
// guild's player always wins; otherwise connected nodes in group are ranked
// by priority, then penalty.
func (c *Connector) GetBestNode(guildID, group string) (*Node, error) {
	if guildID != "" {
		if n := c.owner(guildID); n != nil {
			return n, nil
		}
	}

	type candidate struct {
		node    *Node
		penalty float64
	}
	var candidates []candidate
	for _, n := range c.Nodes() {
		if !n.Connected() {
			continue
		}
		if group != "" && n.Group() != group {
			continue
		}
		candidates = append(candidates, candidate{node: n, penalty: n.Penalty()})
	}
	if len(candidates) == 0 {
		if group != "" {
			return nil, fmt.Errorf("%w in group %q", ErrNoAvailableNodes, group)
		}
		return nil, ErrNoAvailableNodes
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.node.Priority() != b.node.Priority() {
			return a.node.Priority() < b.node.Priority()
		}
		return a.penalty < b.penalty
	})
	return candidates[0].node, nil
}

// CreatePlayer returns the guild's player, creating it on the node chosen
// by name, then group, then best penalty.
func (c *Connector) CreatePlayer(ctx context.Context, opts PlayerOptions) (*Player, error) {
	if opts.GuildID == "" {
		return nil, ErrGuildRequired
	}
	if p, ok := c.Player(opts.GuildID); ok {
		return p, nil
	}

	var node *Node
	if opts.Node != "" {
		n, ok := c.Node(opts.Node)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownNode, opts.Node)
		}
		node = n
	} else {
		n, err := c.GetBestNode("", opts.Group)
		if err != nil {
			return nil, err
		}
		node = n
	}

	p, err := node.CreatePlayer(opts)
	if err != nil {
		return nil, err
	}

	// The bot may already sit in the channel from before the player existed.
	if err := c.tryConnection(ctx, opts.GuildID); err != nil {
		c.log.Warn("voice update failed", zap.String("guild", opts.GuildID), zap.Error(err))
	}
	return p, nil
}

func (c *Connector) Player(guildID string) (*Player, bool) {
	if n := c.owner(guildID); n != nil {
		if p := n.Player(guildID); p != nil {
			return p, true
		}
	}
	return nil, false
}

func (c *Connector) Players() []*Player {
	var out []*Player
	for _, n := range c.Nodes() {
		out = append(out, n.Players()...)
	}
	return out
}

// HandleVoiceStateUpdate stores the bot's voice session. Updates for other
// users are ignored.
func (c *Connector) HandleVoiceStateUpdate(ctx context.Context, u VoiceStateUpdate) error {
	if u.GuildID == "" || u.UserID != c.userID {
		return nil
	}

	c.mu.Lock()
	if u.ChannelID == "" {
		delete(c.voiceStates, u.GuildID)
		delete(c.voiceServers, u.GuildID)
		delete(c.sent, u.GuildID)
	} else {
		c.voiceStates[u.GuildID] = voiceState{sessionID: u.SessionID, channelID: u.ChannelID}
	}
	c.mu.Unlock()

	if p, ok := c.Player(u.GuildID); ok {
		p.SetVoiceChannel(u.ChannelID)
	}
	c.emit(VoiceStateEvent{GuildID: u.GuildID, ChannelID: u.ChannelID, SessionID: u.SessionID})

	if u.ChannelID == "" {
		return nil
	}
	return c.tryConnection(ctx, u.GuildID)
}

func (c *Connector) HandleVoiceServerUpdate(ctx context.Context, u VoiceServerUpdate) error {
	if u.GuildID == "" {
		return nil
	}

	c.mu.Lock()
	if u.Endpoint == "" {
		delete(c.voiceServers, u.GuildID)
	} else {
		c.voiceServers[u.GuildID] = voiceServer{token: u.Token, endpoint: u.Endpoint}
	}
	c.mu.Unlock()

	c.emit(VoiceServerEvent{GuildID: u.GuildID, Endpoint: u.Endpoint})

	if u.Endpoint == "" {
		return nil
	}
	return c.tryConnection(ctx, u.GuildID)
}

// voiceFor returns the guild's credentials once both halves arrived.
func (c *Connector) voiceFor(guildID string) (protocol.VoiceState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	state, ok := c.voiceStates[guildID]
	if !ok {
		return protocol.VoiceState{}, false
	}
	server, ok := c.voiceServers[guildID]
	if !ok {
		return protocol.VoiceState{}, false
	}
	return protocol.VoiceState{
		Token:     server.token,
		Endpoint:  server.endpoint,
		SessionID: state.sessionID,
	}, true
}

func (c *Connector) rememberVoice(guildID, node string, voice protocol.VoiceState) {
	c.mu.Lock()
	c.sent[guildID] = sentVoice{node: node, voice: voice}
	c.mu.Unlock()
}

func (c *Connector) forgetVoice(guildID string) {
	c.mu.Lock()
	delete(c.sent, guildID)
	c.mu.Unlock()
}

// tryConnection forwards the guild's voice credentials to its node once
// both halves are known. Credentials already sent to the same node are not
// sent again.
func (c *Connector) tryConnection(ctx context.Context, guildID string) error {
	voice, ok := c.voiceFor(guildID)
	if !ok {
		return nil
	}

	node, err := c.GetBestNode(guildID, "")
	if err != nil {
		return err
	}

	c.mu.Lock()
	if last, ok := c.sent[guildID]; ok && last.node == node.Name() && last.voice == voice {
		c.mu.Unlock()
		return nil
	}
	c.sent[guildID] = sentVoice{node: node.Name(), voice: voice}
	c.mu.Unlock()

	if err := node.handleVoiceUpdate(ctx, guildID, voice); err != nil {
		c.forgetVoice(guildID)
		return err
	}

	c.log.Debug("voice forwarded", zap.String("guild", guildID), zap.String("node", node.Name()))
	c.emit(VoiceConnectEvent{GuildID: guildID, Node: node.Name()})
	return nil
}

// SendVoiceUpdate asks the gateway to join channelID, or leave when it is
// empty.
func (c *Connector) SendVoiceUpdate(guildID, channelID string, selfMute, selfDeaf bool) error {
	c.mu.RLock()
	sender := c.voice
	c.mu.RUnlock()

	if sender == nil {
		return ErrNoVoiceSender
	}
	return sender.SendVoiceUpdate(guildID, channelID, selfMute, selfDeaf)
}
