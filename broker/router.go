package broker

import (
	"encoding/json"
	"errors"
	"log"
	"sync"
)

// Context carries one inbound event through its handler.
type Context struct {
	Conn   *Connection
	Event  string
	Data   json.RawMessage
	Broker *Broker
}

// Bind unmarshals the event payload into v. Returns a BadPayload broker
// error on malformed JSON so handlers can pass it straight back.
func (c *Context) Bind(v interface{}) error {
	if len(c.Data) == 0 {
		return NewError(CodeBadPayload, "missing payload")
	}
	if err := json.Unmarshal(c.Data, v); err != nil {
		return NewError(CodeBadPayload, "malformed payload")
	}
	return nil
}

// Reply sends an event back to the calling connection.
func (c *Context) Reply(event string, data interface{}) error {
	return c.Conn.SendEvent(event, data)
}

// HandlerFunc processes one inbound event.
type HandlerFunc func(ctx *Context) error

// Registration maps an event name to its handler and declarative policy.
// Immutable after startup: every registration happens before the broker
// starts accepting connections.
type Registration struct {
	Name         string
	Handler      HandlerFunc
	RequireAuth  bool
	AllowedRoles []string
	RateLimit    *Policy
}

// Router dispatches inbound events to registered handlers, enforcing the
// handler's auth requirement, role allow-list, and rate-limit policy
// uniformly before invocation.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]Registration

	limiter *RateLimiter
	metrics *Metrics
	broker  *Broker
}

// NewRouter creates an event router.
func NewRouter(limiter *RateLimiter, metrics *Metrics, broker *Broker) *Router {
	return &Router{
		handlers: make(map[string]Registration),
		limiter:  limiter,
		metrics:  metrics,
		broker:   broker,
	}
}

// Register adds a handler registration. Registering the same name twice
// replaces the earlier handler.
func (r *Router) Register(reg Registration) {
	r.mu.Lock()
	r.handlers[reg.Name] = reg
	r.mu.Unlock()
}

// Handlers returns the registered event names.
func (r *Router) Handlers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	return names
}

// Dispatch runs one inbound event through the pipeline: lookup, activity
// touch, auth check, role check, rate check, invoke. Handler panics are
// caught and converted to an InternalError reply; one failing invocation
// never affects other connections or later events on the same connection.
func (r *Router) Dispatch(conn *Connection, event string, data json.RawMessage) {
	r.mu.RLock()
	reg, ok := r.handlers[event]
	r.mu.RUnlock()

	if !ok {
		conn.SendError(CodeUnknownEvent, "unknown event: "+event, event)
		return
	}

	conn.Touch()

	if reg.RequireAuth && conn.Identity == nil {
		conn.SendError(CodeAuthRequired, "authentication required", event)
		return
	}

	if len(reg.AllowedRoles) > 0 {
		allowed := false
		if conn.Identity != nil {
			for _, role := range reg.AllowedRoles {
				if conn.Identity.Role == role {
					allowed = true
					break
				}
			}
		}
		if !allowed {
			conn.SendError(CodeForbidden, "role not permitted for "+event, event)
			return
		}
	}

	if reg.RateLimit != nil && conn.Identity != nil {
		if !r.limiter.Allow(conn.Identity.ID, event, *reg.RateLimit) {
			r.metrics.RecordRateLimited()
			conn.SendError(CodeRateLimited, "rate limit exceeded for "+event, event)
			return
		}
	}

	if err := r.invoke(reg, conn, event, data); err != nil {
		var brokerErr *Error
		if errors.As(err, &brokerErr) && brokerErr.Code != CodeInternal {
			// Coded failures are client errors, replied as-is and not
			// counted against the error metric.
			conn.SendError(brokerErr.Code, brokerErr.Message, event)
			return
		}
		r.metrics.RecordError()
		conn.SendError(CodeInternal, "internal error", event)
		return
	}

	r.metrics.RecordEvent(event)
}

// invoke runs the handler with panic isolation.
func (r *Router) invoke(reg Registration, conn *Connection, event string, data json.RawMessage) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("router: handler %s panicked: %v", event, rec)
			err = NewError(CodeInternal, "handler panic")
		}
	}()
	err = reg.Handler(&Context{
		Conn:   conn,
		Event:  event,
		Data:   data,
		Broker: r.broker,
	})
	if err != nil {
		var brokerErr *Error
		if !errors.As(err, &brokerErr) {
			log.Printf("router: handler %s failed: %v", event, err)
		}
	}
	return err
}
