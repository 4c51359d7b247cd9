package transport

import (
	"bufio"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/givebridge/realtime/broker"
	"github.com/gofiber/fiber/v2"
)

const sessionHeader = "X-Realtime-Session"

// sseClient adapts a one-directional SSE stream to the broker.Sender
// contract. Inbound events arrive separately through the POST fallback.
type sseClient struct {
	ch     chan []byte
	mu     sync.Mutex
	closed bool
}

func newSSEClient() *sseClient {
	return &sseClient{ch: make(chan []byte, sendBuffer)}
}

func (c *sseClient) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("stream closed")
	}
	select {
	case c.ch <- data:
		return nil
	default:
		return errors.New("send buffer full")
	}
}

func (c *sseClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.ch)
	}
	return nil
}

// SSEHandler returns the fallback streaming endpoint for clients that
// cannot hold a WebSocket. The credential arrives in the handshake exactly
// like the WebSocket path; the stream carries the same envelopes, framed
// as SSE `message` events, plus periodic heartbeat comments.
func SSEHandler(cfg Config) fiber.Handler {
	heartbeat := cfg.heartbeat()

	return func(c *fiber.Ctx) error {
		if origin := c.Get(fiber.HeaderOrigin); origin != "" && !cfg.originAllowed(origin) {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error": "origin not allowed",
			})
		}

		client := newSSEClient()
		conn, err := cfg.Broker.Connect(c.Context(), client, bearerToken(c), c.Get(fiber.HeaderUserAgent))
		if err != nil {
			_ = client.Close()
			var brokerErr *broker.Error
			if errors.As(err, &brokerErr) {
				return c.Status(fiber.StatusUnauthorized).JSON(brokerErr)
			}
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
		}

		c.Set(fiber.HeaderContentType, "text/event-stream")
		c.Set(fiber.HeaderCacheControl, "no-cache")
		c.Set(fiber.HeaderConnection, "keep-alive")
		c.Set(sessionHeader, conn.SessionID)

		sessionID := conn.SessionID
		c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
			defer func() {
				cfg.Broker.Disconnect(sessionID)
				_ = client.Close()
			}()

			ticker := time.NewTicker(heartbeat / 2)
			defer ticker.Stop()

			for {
				select {
				case data, ok := <-client.ch:
					if !ok {
						return
					}
					if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
						return
					}
					if err := w.Flush(); err != nil {
						return
					}
				case <-ticker.C:
					if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
						return
					}
					if err := w.Flush(); err != nil {
						return
					}
				}
			}
		})
		return nil
	}
}

// SSEInboundHandler returns the POST endpoint fallback clients use to send
// events upstream. The session id issued by the stream handshake names the
// connection; events run through the same router pipeline as WebSocket
// frames, so replies and errors come back on the stream.
func SSEInboundHandler(cfg Config) fiber.Handler {
	return func(c *fiber.Ctx) error {
		sessionID := c.Get(sessionHeader)
		if sessionID == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "missing session header",
			})
		}
		conn, ok := cfg.Broker.Registry.ConnectionBySession(sessionID)
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "unknown session",
			})
		}
		cfg.Broker.HandleInbound(conn, c.Body())
		return c.SendStatus(fiber.StatusAccepted)
	}
}
