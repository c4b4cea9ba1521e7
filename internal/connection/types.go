package connection

import (
	"errors"
	"time"

	"github.com/quantpaper/tradesync/internal/retry"
)

// Errors
var (
	ErrNotConnected    = errors.New("not connected")
	ErrAlreadyClosed   = errors.New("already closed")
	ErrStaleConnection = errors.New("connection stale (no pong)")
	ErrConnectionLost  = errors.New("connection lost")
	ErrUnavailable     = errors.New("connection unavailable, reconnect attempts exhausted")
)

// State is the lifecycle state of the shared push connection.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosing
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// StateChange is emitted to watchers on every connection state
// transition.
type StateChange struct {
	State   State
	Attempt int   // reconnect attempt count at the time of the change
	Err     error // last connection error, nil on clean transitions

	// Terminal is set when automatic reconnection has been exhausted
	// and a manual Connect is required.
	Terminal bool
}

// TimestampedMessage wraps raw frame bytes with the local receive time.
type TimestampedMessage struct {
	Data       []byte
	ReceivedAt time.Time
}

// Outbound command types.
const (
	CmdSubscribe   = "SUBSCRIBE_MARKET_DATA"
	CmdUnsubscribe = "UNSUBSCRIBE_MARKET_DATA"
	CmdPing        = "PING"
)

// Command is an outbound message on the push connection.
type Command struct {
	Type    string   `json:"type"`
	Symbols []string `json:"symbols,omitempty"`
}

// ClientConfig configures a single WebSocket client.
type ClientConfig struct {
	URL              string        // fully built URL, including auth query params
	HandshakeTimeout time.Duration // dial deadline
	WriteTimeout     time.Duration // write deadline for sends

	// PongTimeout enables stale-connection detection when > 0: the
	// client pings the transport and surfaces ErrStaleConnection if
	// nothing comes back in time. 0 disables the check and leaves
	// liveness to the transport.
	PongTimeout time.Duration

	BufferSize int // inbound message channel capacity
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		PongTimeout:      0,
		BufferSize:       1024,
	}
}

// ManagerConfig configures the connection manager.
type ManagerConfig struct {
	URL          string        // push endpoint, ws:// or wss://
	Retry        retry.Profile // connection retry profile (distinct from REST)
	PingInterval time.Duration // application-level PING cadence
	PongTimeout  time.Duration // see ClientConfig.PongTimeout
	WriteTimeout time.Duration
	BufferSize   int
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Retry:        retry.ConnectionProfile(),
		PingInterval: 30 * time.Second,
		PongTimeout:  0,
		WriteTimeout: 5 * time.Second,
		BufferSize:   1024,
	}
}

// ManagerStats is a point-in-time view of the manager.
type ManagerStats struct {
	State       State
	Attempts    int
	Unavailable bool
	LastError   string
	Received    int64
	ParseErrors int64
}
