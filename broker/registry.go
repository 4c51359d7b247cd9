package broker

import (
	"log"
	"sync"
	"time"

	"github.com/givebridge/realtime/auth"
	"github.com/givebridge/realtime/store"
	"github.com/vmihailenco/msgpack/v5"
)

const presenceKeyPrefix = "presence:"

// presenceTTL bounds how long a replicated presence record outlives its
// writer. Records are refreshed by the broker's maintenance pass.
const presenceTTL = time.Hour

// PresenceSession is one transport session inside a replicated presence record.
type PresenceSession struct {
	SessionID   string     `msgpack:"sid"`
	Device      DeviceKind `msgpack:"dev"`
	UserAgent   string     `msgpack:"ua"`
	ConnectedAt time.Time  `msgpack:"at"`
}

// PresenceRecord is the per-identity connection list replicated to the
// shared store for cross-process online/offline queries. Best-effort only:
// the local table is always authoritative.
type PresenceRecord struct {
	IdentityID string            `msgpack:"id"`
	Role       string            `msgpack:"role"`
	OrgID      string            `msgpack:"org,omitempty"`
	Sessions   []PresenceSession `msgpack:"sessions"`
	UpdatedAt  time.Time         `msgpack:"up"`
}

// RegistryStats is a snapshot of the local connection table.
type RegistryStats struct {
	Connections int                `json:"connections"`
	Identities  int                `json:"identities"`
	ByRole      map[string]int     `json:"byRole"`
	ByDevice    map[DeviceKind]int `json:"byDevice"`
}

// Registry tracks every live connection per identity for this process and
// replicates the table to the shared store for cross-process visibility.
// The in-memory table is the source of truth for local delivery; the
// shared-store copy is fire-and-forget.
type Registry struct {
	mu         sync.RWMutex
	byIdentity map[string][]*Connection
	bySession  map[string]*Connection

	storageMu sync.RWMutex
	storage   store.Storage

	// onStatus fires outside the table lock when an identity transitions
	// online or offline.
	onStatus func(ident *auth.Identity, online bool)
}

// NewRegistry creates a connection registry replicating to the given store.
func NewRegistry(storage store.Storage) *Registry {
	return &Registry{
		byIdentity: make(map[string][]*Connection),
		bySession:  make(map[string]*Connection),
		storage:    storage,
	}
}

// OnStatusChange sets the callback invoked when an identity goes online or
// offline. Must be set before the registry starts receiving connections.
func (r *Registry) OnStatusChange(fn func(ident *auth.Identity, online bool)) {
	r.onStatus = fn
}

func (r *Registry) getStorage() store.Storage {
	r.storageMu.RLock()
	defer r.storageMu.RUnlock()
	return r.storage
}

func (r *Registry) setStorage(s store.Storage) {
	r.storageMu.Lock()
	r.storage = s
	r.storageMu.Unlock()
}

// Register appends a connection to its identity's list, replicates the
// list to the shared store, and fires the online status change when this
// is the identity's first connection.
func (r *Registry) Register(conn *Connection) {
	id := conn.Identity.ID

	r.mu.Lock()
	wasOnline := len(r.byIdentity[id]) > 0
	r.byIdentity[id] = append(r.byIdentity[id], conn)
	r.bySession[conn.SessionID] = conn
	record := r.presenceRecordLocked(id)
	r.mu.Unlock()

	r.persistPresence(record)

	if !wasOnline && r.onStatus != nil {
		r.onStatus(conn.Identity, true)
	}
}

// Unregister removes the connection with the given session id. When the
// identity's last connection is removed, the identity is dropped from the
// table, its presence record deleted, and the offline status change fired.
// Returns the removed connection (nil when unknown) and whether the
// identity went offline.
func (r *Registry) Unregister(sessionID string) (*Connection, bool) {
	r.mu.Lock()
	conn, ok := r.bySession[sessionID]
	if !ok {
		r.mu.Unlock()
		return nil, false
	}
	delete(r.bySession, sessionID)

	id := conn.Identity.ID
	list := r.byIdentity[id]
	for i, c := range list {
		if c.SessionID == sessionID {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}

	offline := len(list) == 0
	var record *PresenceRecord
	if offline {
		delete(r.byIdentity, id)
	} else {
		r.byIdentity[id] = list
		record = r.presenceRecordLocked(id)
	}
	r.mu.Unlock()

	if offline {
		if err := r.getStorage().Delete(presenceKeyPrefix + id); err != nil {
			log.Printf("registry: presence delete failed for %s: %v", id, err)
		}
	} else {
		r.persistPresence(record)
	}

	if offline && r.onStatus != nil {
		r.onStatus(conn.Identity, false)
	}
	return conn, offline
}

// ConnectionsFor returns the live connections of an identity.
func (r *Registry) ConnectionsFor(identityID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := r.byIdentity[identityID]
	out := make([]*Connection, len(list))
	copy(out, list)
	return out
}

// ConnectionBySession returns the connection owning a transport session.
func (r *Registry) ConnectionBySession(sessionID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.bySession[sessionID]
	return conn, ok
}

// IsOnline reports whether an identity has at least one live connection in
// this process.
func (r *Registry) IsOnline(identityID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byIdentity[identityID]) > 0
}

// Touch updates last-activity for the session's connection.
func (r *Registry) Touch(sessionID string) {
	r.mu.RLock()
	conn, ok := r.bySession[sessionID]
	r.mu.RUnlock()
	if ok {
		conn.Touch()
	}
}

// DeliverToIdentity sends an event to every live connection of an identity
// and returns the number of connections written to.
func (r *Registry) DeliverToIdentity(identityID, event string, data interface{}) int {
	conns := r.ConnectionsFor(identityID)
	delivered := 0
	for _, conn := range conns {
		if err := conn.SendEvent(event, data); err == nil {
			delivered++
		}
	}
	return delivered
}

// Stats returns aggregate counts over the local table.
func (r *Registry) Stats() RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := RegistryStats{
		Identities: len(r.byIdentity),
		ByRole:     make(map[string]int),
		ByDevice:   make(map[DeviceKind]int),
	}
	for _, conn := range r.bySession {
		stats.Connections++
		stats.ByRole[conn.Identity.Role]++
		stats.ByDevice[conn.Device]++
	}
	return stats
}

// ReapStale removes connections whose last activity exceeds the threshold,
// applying the same cleanup and status broadcast as Unregister. The stale
// set is snapshotted first so no lock is held across the removals.
func (r *Registry) ReapStale(threshold time.Duration) []*Connection {
	cutoff := time.Now().Add(-threshold)

	r.mu.RLock()
	var stale []*Connection
	for _, conn := range r.bySession {
		if conn.LastActive().Before(cutoff) {
			stale = append(stale, conn)
		}
	}
	r.mu.RUnlock()

	for _, conn := range stale {
		r.Unregister(conn.SessionID)
	}
	return stale
}

// Snapshot returns every live connection. Used by shutdown and maintenance;
// callers mutate only after the lock is released.
func (r *Registry) Snapshot() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, 0, len(r.bySession))
	for _, conn := range r.bySession {
		out = append(out, conn)
	}
	return out
}

// RefreshPresence re-persists every identity's presence record so TTLs do
// not lapse under long-lived connections.
func (r *Registry) RefreshPresence() {
	r.mu.RLock()
	records := make([]*PresenceRecord, 0, len(r.byIdentity))
	for id := range r.byIdentity {
		records = append(records, r.presenceRecordLocked(id))
	}
	r.mu.RUnlock()

	for _, rec := range records {
		r.persistPresence(rec)
	}
}

// presenceRecordLocked builds the replication record for an identity.
// Caller holds r.mu.
func (r *Registry) presenceRecordLocked(identityID string) *PresenceRecord {
	list := r.byIdentity[identityID]
	if len(list) == 0 {
		return nil
	}
	rec := &PresenceRecord{
		IdentityID: identityID,
		Role:       list[0].Identity.Role,
		OrgID:      list[0].Identity.OrgID,
		UpdatedAt:  time.Now(),
	}
	for _, conn := range list {
		rec.Sessions = append(rec.Sessions, PresenceSession{
			SessionID:   conn.SessionID,
			Device:      conn.Device,
			UserAgent:   conn.UserAgent,
			ConnectedAt: conn.ConnectedAt,
		})
	}
	return rec
}

// persistPresence replicates a presence record to the shared store.
// Failures degrade cross-process visibility only and are never escalated.
func (r *Registry) persistPresence(rec *PresenceRecord) {
	if rec == nil {
		return
	}
	data, err := msgpack.Marshal(rec)
	if err != nil {
		log.Printf("registry: presence encode failed for %s: %v", rec.IdentityID, err)
		return
	}
	if err := r.getStorage().Set(presenceKeyPrefix+rec.IdentityID, data, presenceTTL); err != nil {
		log.Printf("registry: presence replicate failed for %s: %v", rec.IdentityID, err)
	}
}

// LookupPresence reads another process's presence record from the shared
// store. Returns store.ErrNotFound when the identity is offline everywhere.
func (r *Registry) LookupPresence(identityID string) (*PresenceRecord, error) {
	data, err := r.getStorage().Get(presenceKeyPrefix + identityID)
	if err != nil {
		return nil, err
	}
	var rec PresenceRecord
	if err := msgpack.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}
