package broker

import (
	"regexp"
	"sync"
	"time"

	"github.com/givebridge/realtime/auth"
)

// Channel id prefixes for the default channels every identity joins at
// connect time.
const (
	RoleChannelPrefix = "role:"
	OrgChannelPrefix  = "org:"
	UserChannelPrefix = "user:"
)

var channelIDPattern = regexp.MustCompile(`^[A-Za-z0-9:_-]{1,128}$`)

// ChannelStats is a snapshot of the channel table.
type ChannelStats struct {
	Channels    int `json:"channels"`
	Memberships int `json:"memberships"`
}

// ChannelManager tracks membership in broadcast channels keyed by role,
// organization, or ad-hoc topic. Membership is per identity, not per
// transport session, so multi-device users receive room broadcasts on every
// active device without duplicate bookkeeping.
type ChannelManager struct {
	mu         sync.RWMutex
	members    map[string]map[string]struct{} // channel -> identity set
	byIdentity map[string]map[string]struct{} // identity -> channel set
	created    map[string]time.Time

	registry *Registry
}

// NewChannelManager creates a channel manager delivering through the registry.
func NewChannelManager(registry *Registry) *ChannelManager {
	return &ChannelManager{
		members:    make(map[string]map[string]struct{}),
		byIdentity: make(map[string]map[string]struct{}),
		created:    make(map[string]time.Time),
		registry:   registry,
	}
}

// Join enrolls a connection's identity into a channel. Joining twice is a
// no-op; a malformed id fails with InvalidChannel.
func (m *ChannelManager) Join(conn *Connection, channelID string) error {
	if !channelIDPattern.MatchString(channelID) {
		return ErrInvalidChannel
	}
	m.joinIdentity(conn.Identity.ID, channelID)
	return nil
}

func (m *ChannelManager) joinIdentity(identityID, channelID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.members[channelID] == nil {
		m.members[channelID] = make(map[string]struct{})
		m.created[channelID] = time.Now()
	}
	m.members[channelID][identityID] = struct{}{}

	if m.byIdentity[identityID] == nil {
		m.byIdentity[identityID] = make(map[string]struct{})
	}
	m.byIdentity[identityID][channelID] = struct{}{}
}

// Leave removes a connection's identity from a channel.
func (m *ChannelManager) Leave(conn *Connection, channelID string) error {
	if !channelIDPattern.MatchString(channelID) {
		return ErrInvalidChannel
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.leaveLocked(conn.Identity.ID, channelID)
	return nil
}

// leaveLocked removes a membership and drops empty channels. Caller holds m.mu.
func (m *ChannelManager) leaveLocked(identityID, channelID string) {
	if set, ok := m.members[channelID]; ok {
		delete(set, identityID)
		if len(set) == 0 {
			delete(m.members, channelID)
			delete(m.created, channelID)
		}
	}
	if set, ok := m.byIdentity[identityID]; ok {
		delete(set, channelID)
		if len(set) == 0 {
			delete(m.byIdentity, identityID)
		}
	}
}

// DefaultChannels returns the channels an identity is automatically
// enrolled in: its role channel, its organization channel when it has one,
// and a private per-identity channel.
func DefaultChannels(ident *auth.Identity) []string {
	channels := []string{
		RoleChannelPrefix + ident.Role,
		UserChannelPrefix + ident.ID,
	}
	if ident.OrgID != "" {
		channels = append(channels, OrgChannelPrefix+ident.OrgID)
	}
	return channels
}

// JoinDefaultChannels enrolls an identity into its default channels at
// connect time and returns the joined channel list for the welcome ack.
func (m *ChannelManager) JoinDefaultChannels(conn *Connection) []string {
	channels := DefaultChannels(conn.Identity)
	for _, ch := range channels {
		m.joinIdentity(conn.Identity.ID, ch)
	}
	return channels
}

// BroadcastToChannel delivers an event to every member connection of a
// channel, optionally excluding every connection owned by one identity
// (the sender). Returns the number of connections written to. The member
// set is snapshotted before delivery so no lock is held across sends.
func (m *ChannelManager) BroadcastToChannel(channelID, event string, data interface{}, excludeIdentityID string) int {
	m.mu.RLock()
	set := m.members[channelID]
	ids := make([]string, 0, len(set))
	for id := range set {
		if id != excludeIdentityID {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()

	delivered := 0
	for _, id := range ids {
		delivered += m.registry.DeliverToIdentity(id, event, data)
	}
	return delivered
}

// MembersOf returns the identity ids enrolled in a channel.
func (m *ChannelManager) MembersOf(channelID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := m.members[channelID]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// IsMember reports whether an identity is enrolled in a channel.
func (m *ChannelManager) IsMember(identityID, channelID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.members[channelID][identityID]
	return ok
}

// ChannelsOf returns the channels an identity is enrolled in.
func (m *ChannelManager) ChannelsOf(identityID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := m.byIdentity[identityID]
	out := make([]string, 0, len(set))
	for ch := range set {
		out = append(out, ch)
	}
	return out
}

// Stats returns total channel and membership counts.
func (m *ChannelManager) Stats() ChannelStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := ChannelStats{Channels: len(m.members)}
	for _, set := range m.members {
		stats.Memberships += len(set)
	}
	return stats
}

// RemoveIdentityFromAllChannels drops every membership of an identity.
// Called on full disconnect, after the identity's last connection is gone.
func (m *ChannelManager) RemoveIdentityFromAllChannels(identityID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for channelID := range m.byIdentity[identityID] {
		m.leaveLocked(identityID, channelID)
	}
}
