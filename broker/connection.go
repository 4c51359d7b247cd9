package broker

import (
	"encoding/json"
	"strings"
	"sync/atomic"
	"time"

	"github.com/givebridge/realtime/auth"
)

// Sender is the transport side of a connection. Implementations must be
// safe for concurrent use; Send never blocks on a slow client.
type Sender interface {
	Send(data []byte) error
	Close() error
}

// DeviceKind classifies the client device from its user-agent string.
type DeviceKind string

const (
	DeviceWeb    DeviceKind = "web"
	DeviceMobile DeviceKind = "mobile"
)

// State tracks a connection through its lifecycle. Transitions are linear;
// Disconnected is terminal.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateRegistered
	StateActive
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateRegistered:
		return "registered"
	case StateActive:
		return "active"
	case StateDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// Envelope is the wire format for every message in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Connection represents one live transport session belonging to an
// identity. An identity may own many connections concurrently, one per
// device or tab. Created by the broker on successful authentication and
// owned exclusively by the Registry afterwards.
type Connection struct {
	SessionID string
	Identity  *auth.Identity
	Device    DeviceKind
	UserAgent string

	ConnectedAt time.Time

	sender     Sender
	state      atomic.Int32
	lastActive atomic.Int64 // unix nanos
}

// NewConnection creates a connection in the Connecting state.
func NewConnection(sessionID string, sender Sender, userAgent string) *Connection {
	c := &Connection{
		SessionID:   sessionID,
		Device:      classifyDevice(userAgent),
		UserAgent:   userAgent,
		ConnectedAt: time.Now(),
		sender:      sender,
	}
	c.lastActive.Store(time.Now().UnixNano())
	return c
}

// Touch updates the connection's last-activity timestamp.
func (c *Connection) Touch() {
	c.lastActive.Store(time.Now().UnixNano())
}

// LastActive returns the time of the last inbound event.
func (c *Connection) LastActive() time.Time {
	return time.Unix(0, c.lastActive.Load())
}

// State returns the connection's lifecycle state.
func (c *Connection) State() State {
	return State(c.state.Load())
}

func (c *Connection) setState(s State) {
	c.state.Store(int32(s))
}

// SendEvent marshals and delivers an event envelope to this connection.
func (c *Connection) SendEvent(event string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(Envelope{Event: event, Data: payload})
	if err != nil {
		return err
	}
	return c.sender.Send(raw)
}

// SendError sends an `error` event naming the failed event type and reason
// so clients can tell "not authorized" from "rate limited" from "server
// fault".
func (c *Connection) SendError(code ErrorCode, message, event string) {
	_ = c.SendEvent("error", map[string]interface{}{
		"code":    code,
		"message": message,
		"event":   event,
	})
}

// Close closes the underlying transport.
func (c *Connection) Close() error {
	return c.sender.Close()
}

func classifyDevice(userAgent string) DeviceKind {
	ua := strings.ToLower(userAgent)
	for _, marker := range []string{"mobile", "android", "iphone", "ipad", "okhttp", "darwin"} {
		if strings.Contains(ua, marker) {
			return DeviceMobile
		}
	}
	return DeviceWeb
}
