// Package broker implements the real-time event distribution core: an
// authenticated multi-tenant publish/subscribe layer that multiplexes
// long-lived client connections into role-, organization-, and user-scoped
// broadcast channels, coordinates state across process instances through a
// shared external store, and enforces per-identity rate limits on inbound
// events before dispatching them to registered handlers.
//
// Data flows one direction inbound (transport -> identity gate -> router ->
// handler) and one direction outbound (domain event -> registry/channels ->
// targeted or broadcast delivery). Inbound events from the same connection
// are processed in arrival order by the transport's read loop; events from
// different connections run concurrently and broadcasts interleave without
// a global ordering guarantee.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/givebridge/realtime/auth"
	"github.com/givebridge/realtime/store"
	"github.com/google/uuid"
)

// Pinger is implemented by stores that can report connectivity. The
// in-memory fallback does not implement it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config holds broker tuning. Zero values fall back to the defaults below.
type Config struct {
	// HeartbeatTimeout is how long a transport may stay silent before its
	// ping/pong heartbeat declares it dead.
	HeartbeatTimeout time.Duration
	// ReapInterval is how often the stale-connection reaper runs.
	ReapInterval time.Duration
	// ReapThreshold is the inactivity age at which a connection is reaped.
	ReapThreshold time.Duration
	// StatsInterval is how often aggregate statistics are logged.
	StatsInterval time.Duration
	// StoreCheckInterval is how often shared-store health is probed.
	StoreCheckInterval time.Duration
	// DefaultRateLimit applies to handlers registered without an explicit
	// policy but flagged for limiting.
	DefaultRateLimit Policy
	// HistoryLength caps the rolling per-channel message log.
	HistoryLength int64
	// RelayChannel is the pub/sub channel used for cross-process fan-out.
	RelayChannel string
}

// DefaultConfig returns the default broker configuration.
func DefaultConfig() Config {
	return Config{
		HeartbeatTimeout:   60 * time.Second,
		ReapInterval:       5 * time.Minute,
		ReapThreshold:      30 * time.Minute,
		StatsInterval:      10 * time.Minute,
		StoreCheckInterval: time.Minute,
		DefaultRateLimit:   Policy{MaxRequests: 60, Window: time.Minute},
		HistoryLength:      100,
		RelayChannel:       "realtime:events",
	}
}

// relayEnvelope is the cross-process fan-out frame published to the shared
// pub/sub channel. Exactly one of Channel or IdentityID is set.
type relayEnvelope struct {
	Origin     string          `json:"origin"`
	Channel    string          `json:"channel,omitempty"`
	IdentityID string          `json:"identityId,omitempty"`
	Exclude    string          `json:"exclude,omitempty"`
	Event      string          `json:"event"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// Broker wires the identity gate, connection registry, channel manager,
// rate limiter, and event router, and owns the connection lifecycle:
// accept -> authenticate -> register -> join channels -> route events ->
// cleanup on disconnect.
type Broker struct {
	cfg      Config
	verifier *auth.Verifier

	Registry *Registry
	Channels *ChannelManager
	Limiter  *RateLimiter
	Router   *Router
	Metrics  *Metrics

	storageMu sync.RWMutex
	storage   store.Storage
	pubsub    store.PubSub
	// shared keeps the externally provided store for health probes after a
	// degraded-mode swap.
	shared store.Storage

	degraded atomic.Bool
	procID   string

	done     chan struct{}
	wg       sync.WaitGroup
	shutdown sync.Once
}

// New creates a broker. A nil storage or pubsub selects the in-memory
// single-process implementations.
func New(cfg Config, verifier *auth.Verifier, storage store.Storage, pubsub store.PubSub) *Broker {
	def := DefaultConfig()
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = def.ReapInterval
	}
	if cfg.ReapThreshold <= 0 {
		cfg.ReapThreshold = def.ReapThreshold
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = def.StatsInterval
	}
	if cfg.StoreCheckInterval <= 0 {
		cfg.StoreCheckInterval = def.StoreCheckInterval
	}
	if cfg.DefaultRateLimit.MaxRequests <= 0 {
		cfg.DefaultRateLimit = def.DefaultRateLimit
	}
	if cfg.HistoryLength <= 0 {
		cfg.HistoryLength = def.HistoryLength
	}
	if cfg.RelayChannel == "" {
		cfg.RelayChannel = def.RelayChannel
	}
	if storage == nil {
		storage = store.NewMemoryStorage()
	}
	if pubsub == nil {
		pubsub = store.NewMemoryPubSub()
	}

	b := &Broker{
		cfg:      cfg,
		verifier: verifier,
		storage:  storage,
		pubsub:   pubsub,
		shared:   storage,
		procID:   uuid.NewString(),
		done:     make(chan struct{}),
	}
	b.Registry = NewRegistry(storage)
	b.Channels = NewChannelManager(b.Registry)
	b.Limiter = NewRateLimiter(storage)
	b.Metrics = NewMetrics()
	b.Router = NewRouter(b.Limiter, b.Metrics, b)
	b.Registry.OnStatusChange(b.statusChanged)
	b.registerBuiltins()
	return b
}

// Config returns the broker's effective configuration.
func (b *Broker) Config() Config {
	return b.cfg
}

// Degraded reports whether the broker fell back to single-process mode.
func (b *Broker) Degraded() bool {
	return b.degraded.Load()
}

// Initialize probes the shared store and starts background maintenance.
// Store unavailability never aborts startup: the broker logs a warning and
// falls back to local-only state, losing cross-process visibility but
// staying internally consistent. There is no automatic re-sync once the
// store recovers; reconnecting processes may see a stale registry until
// those connections churn.
func (b *Broker) Initialize(ctx context.Context) error {
	if pinger, ok := b.shared.(Pinger); ok {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := pinger.Ping(pingCtx)
		cancel()
		if err != nil {
			log.Printf("broker: shared store unreachable, running in single-process mode: %v", err)
			b.degrade()
		}
	}

	if !b.degraded.Load() {
		if err := b.pubsub.Subscribe(b.cfg.RelayChannel, b.handleRelay); err != nil {
			log.Printf("broker: relay subscribe failed, running in single-process mode: %v", err)
			b.degrade()
		}
	}
	if b.degraded.Load() {
		// Memory pub/sub loops publishes back locally; the origin check in
		// handleRelay keeps deliveries single-sided.
		_ = b.pubsub.Subscribe(b.cfg.RelayChannel, b.handleRelay)
	}

	b.startLoop(b.cfg.ReapInterval, b.reapStale)
	b.startLoop(b.cfg.StoreCheckInterval, b.checkStore)
	b.startLoop(b.cfg.StatsInterval, b.logStats)
	return nil
}

// degrade swaps every store-backed component onto in-memory state.
func (b *Broker) degrade() {
	mem := store.NewMemoryStorage()
	b.storageMu.Lock()
	b.storage = mem
	b.pubsub = store.NewMemoryPubSub()
	b.storageMu.Unlock()
	b.Registry.setStorage(mem)
	b.Limiter.setStorage(mem)
	b.degraded.Store(true)
}

func (b *Broker) getStorage() store.Storage {
	b.storageMu.RLock()
	defer b.storageMu.RUnlock()
	return b.storage
}

func (b *Broker) getPubSub() store.PubSub {
	b.storageMu.RLock()
	defer b.storageMu.RUnlock()
	return b.pubsub
}

// Connect authenticates a new transport session and brings it to the
// Active state: verified identity, registered connection, default channels
// joined, welcome ack sent. Authentication failures are fatal to the
// transport and returned as coded errors; the caller closes the socket.
func (b *Broker) Connect(ctx context.Context, sender Sender, token, userAgent string) (*Connection, error) {
	conn := NewConnection(uuid.NewString(), sender, userAgent)
	conn.setState(StateAuthenticating)

	authCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	ident, err := b.verifier.Verify(authCtx, token)
	if err != nil {
		if errors.Is(err, auth.ErrIdentityNotFound) {
			return nil, ErrIdentityNotFound
		}
		return nil, ErrUnauthenticated
	}
	conn.Identity = ident

	b.Registry.Register(conn)
	conn.setState(StateRegistered)

	channels := b.Channels.JoinDefaultChannels(conn)
	conn.setState(StateActive)

	_ = conn.SendEvent("connected", map[string]interface{}{
		"userId":      ident.ID,
		"sessionId":   conn.SessionID,
		"connectedAt": conn.ConnectedAt.UnixMilli(),
		"channels":    channels,
	})
	return conn, nil
}

// HandleInbound decodes one inbound frame and dispatches it. Unknown or
// malformed frames yield an explicit error reply, never a silent drop.
func (b *Broker) HandleInbound(conn *Connection, raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Event == "" {
		conn.SendError(CodeBadPayload, "malformed event envelope", "")
		return
	}
	b.Router.Dispatch(conn, env.Event, env.Data)
}

// Disconnect tears down a transport session: unregisters the connection
// and, when the identity's last connection is gone, removes it from every
// channel. Safe to call for unknown or already-removed sessions.
func (b *Broker) Disconnect(sessionID string) {
	conn, offline := b.Registry.Unregister(sessionID)
	if conn == nil {
		return
	}
	conn.setState(StateDisconnected)
	if offline {
		b.Channels.RemoveIdentityFromAllChannels(conn.Identity.ID)
	}
}

// BroadcastToChannel delivers an event to local channel members and relays
// it to other process instances. Returns the local delivery count.
func (b *Broker) BroadcastToChannel(channelID, event string, data interface{}, excludeIdentityID string) int {
	delivered := b.Channels.BroadcastToChannel(channelID, event, data, excludeIdentityID)
	b.relay(relayEnvelope{
		Channel: channelID,
		Exclude: excludeIdentityID,
		Event:   event,
	}, data)
	return delivered
}

// DeliverToIdentity sends an event to every device of one identity, across
// all process instances.
func (b *Broker) DeliverToIdentity(identityID, event string, data interface{}) int {
	delivered := b.Registry.DeliverToIdentity(identityID, event, data)
	b.relay(relayEnvelope{
		IdentityID: identityID,
		Event:      event,
	}, data)
	return delivered
}

// PublishDomainEvent is the entry point for the business tier: an already
// decided domain event is re-broadcast to the given channels. The broker
// never reads or writes the business system of record.
func (b *Broker) PublishDomainEvent(event string, data interface{}, channels ...string) {
	for _, ch := range channels {
		b.BroadcastToChannel(ch, event, data, "")
	}
}

// relay publishes a fan-out frame to the shared pub/sub channel.
// Fire-and-forget: failures degrade cross-process sync only.
func (b *Broker) relay(env relayEnvelope, data interface{}) {
	payload, err := json.Marshal(data)
	if err != nil {
		log.Printf("broker: relay encode failed for %s: %v", env.Event, err)
		return
	}
	env.Origin = b.procID
	env.Data = payload

	frame, err := json.Marshal(env)
	if err != nil {
		return
	}
	if err := b.getPubSub().Publish(b.cfg.RelayChannel, frame); err != nil {
		log.Printf("broker: relay publish failed for %s: %v", env.Event, err)
	}
}

// handleRelay delivers frames published by other process instances (or the
// business tier) to local connections.
func (b *Broker) handleRelay(msg []byte) {
	var env relayEnvelope
	if err := json.Unmarshal(msg, &env); err != nil {
		log.Printf("broker: malformed relay frame: %v", err)
		return
	}
	if env.Origin == b.procID {
		return
	}
	switch {
	case env.Channel != "":
		b.Channels.BroadcastToChannel(env.Channel, env.Event, env.Data, env.Exclude)
	case env.IdentityID != "":
		b.Registry.DeliverToIdentity(env.IdentityID, env.Event, env.Data)
	}
}

// statusChanged broadcasts an identity's online/offline transition to its
// organization channel (or role channel when it has no organization),
// excluding the identity's own devices.
func (b *Broker) statusChanged(ident *auth.Identity, online bool) {
	status := "online"
	if !online {
		status = "offline"
	}
	channel := RoleChannelPrefix + ident.Role
	if ident.OrgID != "" {
		channel = OrgChannelPrefix + ident.OrgID
	}
	b.BroadcastToChannel(channel, "user_status_change", map[string]interface{}{
		"userId": ident.ID,
		"name":   ident.Name,
		"status": status,
		"at":     time.Now().UnixMilli(),
	}, ident.ID)
}

// startLoop runs fn on a fixed interval until shutdown.
func (b *Broker) startLoop(interval time.Duration, fn func()) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fn()
			case <-b.done:
				return
			}
		}
	}()
}

// reapStale removes connections idle past the threshold, applying the same
// cleanup path as an explicit disconnect.
func (b *Broker) reapStale() {
	reaped := b.Registry.ReapStale(b.cfg.ReapThreshold)
	for _, conn := range reaped {
		conn.setState(StateDisconnected)
		_ = conn.Close()
		if !b.Registry.IsOnline(conn.Identity.ID) {
			b.Channels.RemoveIdentityFromAllChannels(conn.Identity.ID)
		}
	}
	if len(reaped) > 0 {
		log.Printf("broker: reaped %d stale connections", len(reaped))
	}
}

// checkStore probes shared-store health. Unavailability is a degraded-mode
// condition, logged and retried here; it is never escalated to clients.
// Recovery is logged only: local-only state accumulated while degraded is
// not re-synced.
func (b *Broker) checkStore() {
	pinger, ok := b.shared.(Pinger)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	err := pinger.Ping(ctx)
	cancel()

	switch {
	case err != nil && !b.degraded.Load():
		log.Printf("broker: shared store unreachable, falling back to single-process mode: %v", err)
		b.degrade()
	case err == nil && b.degraded.Load():
		log.Printf("broker: shared store reachable again; staying in single-process mode until restart")
	}
}

// logStats logs aggregate statistics, refreshes replicated presence TTLs,
// and prunes expired in-memory keys.
func (b *Broker) logStats() {
	reg := b.Registry.Stats()
	ch := b.Channels.Stats()
	ev := b.Metrics.Snapshot()
	log.Printf("broker: stats connections=%d identities=%d channels=%d memberships=%d events=%d errors=%d rate_limited=%d degraded=%t",
		reg.Connections, reg.Identities, ch.Channels, ch.Memberships,
		ev.TotalEvents, ev.Errors, ev.RateLimited, b.degraded.Load())

	b.Registry.RefreshPresence()
	if mem, ok := b.getStorage().(*store.MemoryStorage); ok {
		mem.PruneExpired()
	}
}

// Shutdown forcibly closes every transport, flushes replicated presence
// state, and stops background maintenance.
func (b *Broker) Shutdown() {
	b.shutdown.Do(func() {
		close(b.done)
		b.wg.Wait()

		for _, conn := range b.Registry.Snapshot() {
			b.Disconnect(conn.SessionID)
			_ = conn.Close()
		}
		if mem, ok := b.getStorage().(*store.MemoryStorage); ok {
			mem.Close()
		}
		log.Printf("broker: shut down")
	})
}

// appendHistory stores a channel message in the rolling shared-store log.
func (b *Broker) appendHistory(channelID string, entry []byte) {
	if err := b.getStorage().AppendLog(historyKeyPrefix+channelID, entry, b.cfg.HistoryLength); err != nil {
		log.Printf("broker: history append failed for %s: %v", channelID, err)
	}
}

// readHistory reads back up to n entries of a channel's rolling log.
func (b *Broker) readHistory(channelID string, n int64) ([][]byte, error) {
	if n <= 0 || n > b.cfg.HistoryLength {
		n = b.cfg.HistoryLength
	}
	return b.getStorage().ReadLog(historyKeyPrefix+channelID, n)
}
