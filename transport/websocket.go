// Package transport binds the broker to its client-facing transports: a
// WebSocket endpoint with ping/pong heartbeat and an SSE fallback stream
// with an HTTP inbound path. The bearer credential always arrives in the
// connection handshake (query param or Authorization header), never in a
// later message.
package transport

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/givebridge/realtime/broker"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

const (
	tokenLocal     = "realtime.token"
	userAgentLocal = "realtime.ua"

	// sendBuffer is the per-connection outbound queue. A client that cannot
	// drain it has its frames dropped rather than stalling broadcasts.
	sendBuffer = 256
)

// Config wires the transport endpoints.
type Config struct {
	Broker *broker.Broker
	// AllowedOrigins lists origins permitted to connect cross-origin.
	// Empty allows any origin.
	AllowedOrigins []string
	// HeartbeatTimeout is how long the socket may stay silent before the
	// ping/pong heartbeat declares it dead.
	HeartbeatTimeout time.Duration
}

func (c Config) heartbeat() time.Duration {
	if c.HeartbeatTimeout > 0 {
		return c.HeartbeatTimeout
	}
	return 60 * time.Second
}

func (c Config) originAllowed(origin string) bool {
	if len(c.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range c.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// bearerToken extracts the connection credential from the handshake.
func bearerToken(c *fiber.Ctx) string {
	if token := c.Query("token"); token != "" {
		return token
	}
	return c.Get(fiber.HeaderAuthorization)
}

// UpgradeMiddleware gates WebSocket upgrade requests: it enforces the
// origin allowlist and stashes the handshake credential for the upgraded
// handler, where the original request is no longer available.
func UpgradeMiddleware(cfg Config) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		if origin := c.Get(fiber.HeaderOrigin); origin != "" && !cfg.originAllowed(origin) {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error": "origin not allowed",
			})
		}
		c.Locals(tokenLocal, bearerToken(c))
		c.Locals(userAgentLocal, c.Get(fiber.HeaderUserAgent))
		return c.Next()
	}
}

// wsClient adapts one WebSocket to the broker.Sender contract. Writes are
// funneled through a buffered channel and a single write pump; a full
// buffer drops the frame instead of blocking the broadcaster.
type wsClient struct {
	conn   *websocket.Conn
	send   chan []byte
	mu     sync.Mutex
	closed bool
}

func newWSClient(conn *websocket.Conn) *wsClient {
	return &wsClient{
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}
}

// Send queues a frame for delivery. Never blocks.
func (c *wsClient) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- data:
		return nil
	default:
		return errors.New("send buffer full")
	}
}

// Close shuts the outbound queue; the write pump closes the socket.
func (c *wsClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	return nil
}

// writePump drains the send queue onto the socket and keeps the heartbeat
// alive with periodic pings.
func (c *wsClient) writePump(pingPeriod time.Duration) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// WebSocketHandler returns the upgraded connection handler. Lifecycle per
// socket: authenticate from the handshake credential, register with the
// broker, pump inbound frames in arrival order, disconnect on close. An
// authentication failure sends one error frame and terminates the
// transport without registering.
func WebSocketHandler(cfg Config) fiber.Handler {
	heartbeat := cfg.heartbeat()
	pingPeriod := heartbeat * 9 / 10

	return websocket.New(func(c *websocket.Conn) {
		token, _ := c.Locals(tokenLocal).(string)
		userAgent, _ := c.Locals(userAgentLocal).(string)

		client := newWSClient(c)
		go client.writePump(pingPeriod)

		conn, err := cfg.Broker.Connect(context.Background(), client, token, userAgent)
		if err != nil {
			sendConnectError(client, err)
			_ = client.Close()
			return
		}
		defer func() {
			cfg.Broker.Disconnect(conn.SessionID)
			_ = client.Close()
		}()

		_ = c.SetReadDeadline(time.Now().Add(heartbeat))
		c.SetPongHandler(func(string) error {
			return c.SetReadDeadline(time.Now().Add(heartbeat))
		})

		for {
			_, raw, err := c.ReadMessage()
			if err != nil {
				return
			}
			_ = c.SetReadDeadline(time.Now().Add(heartbeat))
			cfg.Broker.HandleInbound(conn, raw)
		}
	})
}

// sendConnectError delivers the single fatal error frame a rejected
// connection receives before its transport closes.
func sendConnectError(sender broker.Sender, err error) {
	code := broker.CodeUnauthenticated
	message := "invalid or missing credential"
	var brokerErr *broker.Error
	if errors.As(err, &brokerErr) {
		code = brokerErr.Code
		message = brokerErr.Message
	}
	frame := []byte(`{"event":"error","data":{"code":"` + string(code) + `","message":"` + message + `"}}`)
	if err := sender.Send(frame); err != nil {
		log.Printf("transport: connect error frame dropped: %v", err)
	}
}
