package lavalink

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hxnx/lavanode/internal/protocol"
	"github.com/hxnx/lavanode/internal/queue"
	"go.uber.org/zap"
)

// NodeManager groups the node-level operations of a Client.
type NodeManager struct {
	c *Connector
}

func (m *NodeManager) Add(cfg NodeConfig) (*Node, error) {
	return m.c.AddNode(cfg)
}

func (m *NodeManager) Remove(ctx context.Context, name string) (BestEffort, error) {
	return m.c.RemoveNode(ctx, name)
}

func (m *NodeManager) Get(name string) (*Node, bool) {
	return m.c.Node(name)
}

func (m *NodeManager) All() []*Node {
	return m.c.Nodes()
}

func (m *NodeManager) Best(group string) (*Node, error) {
	return m.c.GetBestNode("", group)
}

// Connected returns the nodes that currently hold a session.
func (m *NodeManager) Connected() []*Node {
	var out []*Node
	for _, n := range m.c.Nodes() {
		if n.Connected() {
			out = append(out, n)
		}
	}
	return out
}

// ConnectAll connects every node concurrently. It fails only when no node
// could connect.
func (m *NodeManager) ConnectAll(ctx context.Context) error {
	nodes := m.c.Nodes()
	if len(nodes) == 0 {
		return ErrNoAvailableNodes
	}

	errs := make(chan error, len(nodes))
	for _, n := range nodes {
		go func(n *Node) {
			errs <- n.Connect(ctx)
		}(n)
	}

	var failures []error
	for range nodes {
		if err := <-errs; err != nil {
			failures = append(failures, err)
		}
	}
	if len(failures) == len(nodes) {
		return fmt.Errorf("%w: %w", ErrNoAvailableNodes, errors.Join(failures...))
	}
	for _, err := range failures {
		m.c.log.Warn("node failed to connect", zap.Error(err))
	}
	return nil
}

func (m *NodeManager) DisconnectAll(ctx context.Context) BestEffort {
	var result BestEffort
	for _, n := range m.c.Nodes() {
		result.Merge(n.Disconnect(ctx, websocket.CloseNormalClosure, "client shutdown"))
	}
	return result
}

// PlayerManager groups the player-level operations of a Client.
type PlayerManager struct {
	c *Connector
}

func (m *PlayerManager) Create(ctx context.Context, opts PlayerOptions) (*Player, error) {
	return m.c.CreatePlayer(ctx, opts)
}

func (m *PlayerManager) Get(guildID string) (*Player, bool) {
	return m.c.Player(guildID)
}

func (m *PlayerManager) All() []*Player {
	return m.c.Players()
}

func (m *PlayerManager) Destroy(ctx context.Context, guildID string) BestEffort {
	p, ok := m.c.Player(guildID)
	if !ok {
		return BestEffort{}
	}
	return p.Destroy(ctx, true)
}

// PlayerRecord is the persisted form of a player's settings.
type PlayerRecord struct {
	GuildID        string
	Node           string
	VoiceChannelID string
	TextChannelID  string
	Volume         int
	Paused         bool
	Position       time.Duration
	Filters        protocol.Filters
	Loop           queue.LoopMode
	UpdatedAt      time.Time
}

// QueueStore persists queue snapshots per guild. LoadQueue returns nil and
// no error when nothing was saved.
type QueueStore interface {
	SaveQueue(ctx context.Context, guildID string, snap queue.Snapshot) error
	LoadQueue(ctx context.Context, guildID string) (*queue.Snapshot, error)
	DeleteQueue(ctx context.Context, guildID string) error
}

type PlayerStore interface {
	SavePlayer(ctx context.Context, rec PlayerRecord) error
	ListPlayers(ctx context.Context) ([]PlayerRecord, error)
	DeletePlayer(ctx context.Context, guildID string) error
}

type ClientConfig struct {
	UserID     string
	ClientName string
	Nodes      []NodeConfig
	// DefaultSource prefixes plain search queries, e.g. "ytsearch".
	DefaultSource string
}

type ClientOption func(*Client)

func WithConnectorOptions(opts ...ConnectorOption) ClientOption {
	return func(c *Client) {
		c.connectorOpts = append(c.connectorOpts, opts...)
	}
}

func WithQueueStore(s QueueStore) ClientOption {
	return func(c *Client) {
		c.queues = s
	}
}

func WithPlayerStore(s PlayerStore) ClientOption {
	return func(c *Client) {
		c.players = s
	}
}

// Client is the entry point for bots: a Connector plus node and player
// managers and optional persistence.
type Client struct {
	*Connector
	Nodes   *NodeManager
	Players *PlayerManager

	defaultSource string
	connectorOpts []ConnectorOption
	queues        QueueStore
	players       PlayerStore
	closing       atomic.Bool
}

func NewClient(cfg ClientConfig, opts ...ClientOption) (*Client, error) {
	if cfg.UserID == "" {
		return nil, errors.New("lavalink: user id is required")
	}

	c := &Client{defaultSource: cfg.DefaultSource}
	for _, opt := range opts {
		opt(c)
	}

	c.Connector = NewConnector(cfg.UserID, cfg.ClientName, c.connectorOpts...)
	c.Nodes = &NodeManager{c: c.Connector}
	c.Players = &PlayerManager{c: c.Connector}

	for _, nc := range cfg.Nodes {
		if _, err := c.AddNode(nc); err != nil {
			return nil, err
		}
	}

	if c.queues != nil || c.players != nil {
		c.Subscribe(func(ev Event) {
			if d, ok := ev.(PlayerDestroyEvent); ok {
				c.forget(d.GuildID)
			}
		})
	}
	return c, nil
}

// On subscribes fn to events of type T only.
func On[T Event](c *Client, fn func(T)) func() {
	return c.Subscribe(func(ev Event) {
		if t, ok := ev.(T); ok {
			fn(t)
		}
	})
}

func (c *Client) ConnectAll(ctx context.Context) error {
	return c.Nodes.ConnectAll(ctx)
}

func (c *Client) DisconnectAll(ctx context.Context) BestEffort {
	return c.Nodes.DisconnectAll(ctx)
}

// Shutdown persists every player and disconnects all nodes. Stored records
// are kept so a later Restore picks the players back up.
func (c *Client) Shutdown(ctx context.Context) BestEffort {
	c.closing.Store(true)
	result := c.PersistAll(ctx)
	result.Merge(c.DisconnectAll(ctx))
	return result
}

type LoadOptions struct {
	// Node resolves on a specific node instead of the best one.
	Node string
	// Source overrides the client's default search prefix.
	Source string
}

// LoadTracks resolves query. URLs and prefixed queries ("scsearch:...") go
// through unchanged; anything else becomes a search on the chosen source.
func (c *Client) LoadTracks(ctx context.Context, query string, opts LoadOptions) (*protocol.LoadResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errors.New("lavalink: empty query")
	}

	var node *Node
	if opts.Node != "" {
		n, ok := c.Node(opts.Node)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownNode, opts.Node)
		}
		node = n
	} else {
		n, err := c.GetBestNode("", "")
		if err != nil {
			return nil, err
		}
		node = n
	}

	source := opts.Source
	if source == "" {
		source = c.defaultSource
	}
	return node.LoadTracks(ctx, identifier(query, source))
}

func identifier(query, source string) string {
	if source == "" || isURL(query) || hasSearchPrefix(query) {
		return query
	}
	return strings.TrimSuffix(source, ":") + ":" + query
}

func isURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func hasSearchPrefix(s string) bool {
	prefix, _, ok := strings.Cut(s, ":")
	return ok && strings.HasSuffix(prefix, "search") && !strings.Contains(prefix, " ")
}

// Persist stores the guild's queue and player settings.
func (c *Client) Persist(ctx context.Context, guildID string) error {
	p, ok := c.Player(guildID)
	if !ok {
		return nil
	}

	if c.queues != nil {
		if err := c.queues.SaveQueue(ctx, guildID, p.Queue().Save()); err != nil {
			return fmt.Errorf("save queue %s: %w", guildID, err)
		}
	}
	if c.players != nil {
		rec := PlayerRecord{
			GuildID:        guildID,
			VoiceChannelID: p.VoiceChannelID(),
			TextChannelID:  p.TextChannelID(),
			Volume:         p.Volume(),
			Paused:         p.Paused(),
			Position:       p.Position(),
			Filters:        p.Filters(),
			Loop:           p.RepeatMode(),
			UpdatedAt:      time.Now().UTC(),
		}
		if n := p.Node(); n != nil {
			rec.Node = n.Name()
		}
		if err := c.players.SavePlayer(ctx, rec); err != nil {
			return fmt.Errorf("save player %s: %w", guildID, err)
		}
	}
	return nil
}

// PersistAll stores every player. Failures are collected, not fatal.
func (c *Client) PersistAll(ctx context.Context) BestEffort {
	var result BestEffort
	for _, p := range c.Players.All() {
		result.Record("persist "+p.GuildID(), c.Persist(ctx, p.GuildID()))
	}
	return result
}

// Restore recreates players from the player store, reloads their queues,
// rejoins voice and resumes the current track. It returns how many players
// came back.
func (c *Client) Restore(ctx context.Context) (int, error) {
	if c.players == nil {
		return 0, nil
	}
	records, err := c.players.ListPlayers(ctx)
	if err != nil {
		return 0, fmt.Errorf("list players: %w", err)
	}

	var (
		restored int
		errs     []error
	)
	for _, rec := range records {
		if err := c.restoreOne(ctx, rec); err != nil {
			errs = append(errs, fmt.Errorf("restore %s: %w", rec.GuildID, err))
			continue
		}
		restored++
	}
	return restored, errors.Join(errs...)
}

func (c *Client) restoreOne(ctx context.Context, rec PlayerRecord) error {
	opts := PlayerOptions{
		GuildID:        rec.GuildID,
		VoiceChannelID: rec.VoiceChannelID,
		TextChannelID:  rec.TextChannelID,
		Volume:         protocol.Ptr(rec.Volume),
	}
	if _, ok := c.Node(rec.Node); ok {
		opts.Node = rec.Node
	}

	p, err := c.CreatePlayer(ctx, opts)
	if err != nil {
		return err
	}
	p.restore(rec.Volume, rec.Filters)

	if c.queues != nil {
		snap, err := c.queues.LoadQueue(ctx, rec.GuildID)
		if err != nil {
			return err
		}
		if snap != nil {
			if err := p.Queue().Load(*snap); err != nil {
				return err
			}
		}
	}
	p.SetRepeatMode(rec.Loop)

	if rec.VoiceChannelID != "" {
		if err := p.Connect(); err != nil {
			c.log.Warn("cannot rejoin voice", zap.String("guild", rec.GuildID), zap.Error(err))
		}
	}

	cur := p.Current()
	if cur == nil {
		return nil
	}
	vol := p.Volume()
	return p.Play(ctx, cur, PlayOptions{StartTime: rec.Position, Paused: rec.Paused, Volume: &vol})
}

func (c *Client) forget(guildID string) {
	if c.closing.Load() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	if c.queues != nil {
		if err := c.queues.DeleteQueue(ctx, guildID); err != nil {
			c.log.Warn("cannot delete stored queue", zap.String("guild", guildID), zap.Error(err))
		}
	}
	if c.players != nil {
		if err := c.players.DeletePlayer(ctx, guildID); err != nil {
			c.log.Warn("cannot delete stored player", zap.String("guild", guildID), zap.Error(err))
		}
	}
}
