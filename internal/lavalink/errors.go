package lavalink

import (
	"errors"
	"fmt"

	"github.com/hxnx/lavanode/internal/rest"
)

var (
	ErrNoAvailableNodes  = errors.New("no available nodes")
	ErrNodeNotConnected  = errors.New("node is not connected")
	ErrNoSession         = errors.New("node has no session")
	ErrConnectInProgress = errors.New("node connect already in progress")
	ErrReadyTimeout      = errors.New("timed out waiting for ready")
	ErrConnectionClosed  = errors.New("connection closed before ready")
	ErrNodeExists        = errors.New("node already registered")
	ErrUnknownNode       = errors.New("unknown node")
	ErrInvalidNodeConfig = errors.New("invalid node config")

	ErrNoCurrentTrack   = errors.New("no track is playing")
	ErrNotSeekable      = errors.New("track is not seekable")
	ErrNoVoiceChannel   = errors.New("player has no voice channel")
	ErrFilterOutOfRange = errors.New("filter value out of range")
	ErrPlayerDestroyed  = errors.New("player has been destroyed")
	ErrPlayerExists     = errors.New("node already owns a player for this guild")
	ErrNoVoiceSender    = errors.New("no voice sender configured")
	ErrGuildRequired    = errors.New("guild id is required")
)

// CloseReconnectExhausted is the close code reported once a node gives up
// reconnecting.
const (
	CloseReconnectExhausted  = 1011
	ReasonReconnectExhausted = "Reconnect attempts exceeded"
)

// ConnectionError means the node socket is missing, failed to open or never
// became ready.
type ConnectionError struct {
	Node string
	Op   string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("node %s: %s: %v", e.Node, e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// TransportError wraps a failed REST call.
type TransportError struct {
	Node string
	Op   string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("node %s: %s: %v", e.Node, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// StatusCode returns the HTTP status when the node answered, 0 otherwise.
func (e *TransportError) StatusCode() int {
	var re *rest.Error
	if errors.As(e.Err, &re) {
		return re.StatusCode()
	}
	return 0
}

// ProtocolError is reported through NodeErrorEvent when an inbound frame
// cannot be decoded. The connection stays open.
type ProtocolError struct {
	Node    string
	Payload []byte
	Err     error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("node %s: malformed message: %v", e.Node, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }
