// Package rest is a thin client over the Lavalink v4 HTTP API. It holds no
// player state; every call maps to exactly one request.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hxnx/lavanode/internal/logger"
	"github.com/hxnx/lavanode/internal/protocol"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const defaultTimeout = 10 * time.Second

var (
	ErrSessionRequired = errors.New("session id is required")
	ErrGuildRequired   = errors.New("guild id is required")
)

// Error is returned for any non-2xx response.
type Error struct {
	Method string
	Path   string
	Status int
	Body   *protocol.ErrorResponse
}

func (e *Error) Error() string {
	if e.Body != nil && e.Body.Message != "" {
		return fmt.Sprintf("lavalink %s %s: %d %s", e.Method, e.Path, e.Status, e.Body.Message)
	}
	return fmt.Sprintf("lavalink %s %s: %d %s", e.Method, e.Path, e.Status, http.StatusText(e.Status))
}

func (e *Error) StatusCode() int {
	return e.Status
}

type Client struct {
	root     string
	base     string
	password string
	agent    string
	http     *http.Client
	limiter  *rate.Limiter
	log      *zap.Logger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithRateLimit paces outgoing requests. A non-positive rps disables pacing.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

func WithUserAgent(agent string) Option {
	return func(c *Client) {
		c.agent = agent
	}
}

// New builds a client for host ("host:port"). version is the API major
// version used as path prefix.
func New(host, password string, secure bool, version int, opts ...Option) *Client {
	scheme := "http"
	if secure {
		scheme = "https"
	}
	if version <= 0 {
		version = 4
	}

	root := fmt.Sprintf("%s://%s", scheme, strings.TrimSuffix(host, "/"))
	c := &Client{
		root:     root,
		base:     fmt.Sprintf("%s/v%d", root, version),
		password: password,
		http:     &http.Client{Timeout: defaultTimeout},
		log:      logger.Named("rest"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) BaseURL() string {
	return c.base
}

func (c *Client) LoadTracks(ctx context.Context, identifier string) (*protocol.LoadResult, error) {
	var res protocol.LoadResult
	q := url.Values{"identifier": {identifier}}
	if err := c.do(ctx, http.MethodGet, c.base, "/loadtracks", q, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) DecodeTrack(ctx context.Context, encoded string) (*protocol.Track, error) {
	var track protocol.Track
	q := url.Values{"encodedTrack": {encoded}}
	if err := c.do(ctx, http.MethodGet, c.base, "/decodetrack", q, nil, &track); err != nil {
		return nil, err
	}
	return &track, nil
}

func (c *Client) DecodeTracks(ctx context.Context, encoded []string) ([]*protocol.Track, error) {
	var tracks []*protocol.Track
	if err := c.do(ctx, http.MethodPost, c.base, "/decodetracks", nil, encoded, &tracks); err != nil {
		return nil, err
	}
	return tracks, nil
}

// EncodeTrack asks the node to build the opaque blob for info. Only nodes
// with an encoding plugin expose this route.
func (c *Client) EncodeTrack(ctx context.Context, info protocol.TrackInfo) (string, error) {
	var out struct {
		Encoded string `json:"encoded"`
	}
	if err := c.do(ctx, http.MethodPost, c.base, "/encodetrack", nil, info, &out); err != nil {
		return "", err
	}
	return out.Encoded, nil
}

func (c *Client) Info(ctx context.Context) (*protocol.Info, error) {
	var info protocol.Info
	if err := c.do(ctx, http.MethodGet, c.base, "/info", nil, nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *Client) Stats(ctx context.Context) (*protocol.Stats, error) {
	var stats protocol.Stats
	if err := c.do(ctx, http.MethodGet, c.base, "/stats", nil, nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// Version returns the plain-text server version. The route is not versioned.
func (c *Client) Version(ctx context.Context) (string, error) {
	var buf bytes.Buffer
	if err := c.do(ctx, http.MethodGet, c.root, "/version", nil, nil, &buf); err != nil {
		return "", err
	}
	return strings.TrimSpace(buf.String()), nil
}

func (c *Client) Players(ctx context.Context, sessionID string) ([]protocol.Player, error) {
	if sessionID == "" {
		return nil, ErrSessionRequired
	}
	var players []protocol.Player
	if err := c.do(ctx, http.MethodGet, c.base, "/sessions/"+sessionID+"/players", nil, nil, &players); err != nil {
		return nil, err
	}
	return players, nil
}

func (c *Client) GetPlayer(ctx context.Context, sessionID, guildID string) (*protocol.Player, error) {
	path, err := playerPath(sessionID, guildID)
	if err != nil {
		return nil, err
	}
	var player protocol.Player
	if err := c.do(ctx, http.MethodGet, c.base, path, nil, nil, &player); err != nil {
		return nil, err
	}
	return &player, nil
}

func (c *Client) UpdatePlayer(ctx context.Context, sessionID, guildID string, update protocol.UpdatePlayer, noReplace bool) (*protocol.PlayerResponse, error) {
	path, err := playerPath(sessionID, guildID)
	if err != nil {
		return nil, err
	}
	q := url.Values{"noReplace": {strconv.FormatBool(noReplace)}}
	var res protocol.PlayerResponse
	if err := c.do(ctx, http.MethodPatch, c.base, path, q, update, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) DestroyPlayer(ctx context.Context, sessionID, guildID string) error {
	path, err := playerPath(sessionID, guildID)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodDelete, c.base, path, nil, nil, nil)
}

func (c *Client) UpdateSession(ctx context.Context, sessionID string, update protocol.SessionUpdate) (*protocol.Session, error) {
	if sessionID == "" {
		return nil, ErrSessionRequired
	}
	var session protocol.Session
	if err := c.do(ctx, http.MethodPatch, c.base, "/sessions/"+sessionID, nil, update, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

func playerPath(sessionID, guildID string) (string, error) {
	if sessionID == "" {
		return "", ErrSessionRequired
	}
	if guildID == "" {
		return "", ErrGuildRequired
	}
	return "/sessions/" + sessionID + "/players/" + guildID, nil
}

func (c *Client) do(ctx context.Context, method, base, path string, query url.Values, body, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	endpoint := base + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s body: %w", path, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", c.password)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.agent != "" {
		req.Header.Set("User-Agent", c.agent)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("lavalink %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	c.log.Debug("rest request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("took", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &Error{Method: method, Path: path, Status: resp.StatusCode}
		var errBody protocol.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&errBody); err == nil {
			apiErr.Body = &errBody
		}
		return apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}

	if buf, ok := out.(*bytes.Buffer); ok {
		_, err := buf.ReadFrom(resp.Body)
		return err
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
