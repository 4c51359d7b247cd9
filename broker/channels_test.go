package broker

import (
	"errors"
	"sort"
	"strings"
	"testing"

	"github.com/givebridge/realtime/auth"
	"github.com/givebridge/realtime/store"
)

func TestChannelJoinIdempotent(t *testing.T) {
	reg := NewRegistry(store.NewMemoryStorage())
	cm := NewChannelManager(reg)

	conn, _ := newTestConn("u1", RoleDonor, "", "Mozilla/5.0")
	if err := cm.Join(conn, "room-1"); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	if err := cm.Join(conn, "room-1"); err != nil {
		t.Fatalf("Repeated join failed: %v", err)
	}

	if members := cm.MembersOf("room-1"); len(members) != 1 || members[0] != "u1" {
		t.Errorf("Expected single membership, got %v", members)
	}
	if !cm.IsMember("u1", "room-1") {
		t.Error("Expected u1 to be a member of room-1")
	}
}

func TestChannelJoinInvalidID(t *testing.T) {
	reg := NewRegistry(store.NewMemoryStorage())
	cm := NewChannelManager(reg)
	conn, _ := newTestConn("u1", RoleDonor, "", "Mozilla/5.0")

	for _, bad := range []string{"", "has space", "emoji🎉", strings.Repeat("a", 129)} {
		if err := cm.Join(conn, bad); !errors.Is(err, ErrInvalidChannel) {
			t.Errorf("Expected ErrInvalidChannel for %q, got %v", bad, err)
		}
	}
}

func TestChannelLeaveDropsEmptyChannel(t *testing.T) {
	reg := NewRegistry(store.NewMemoryStorage())
	cm := NewChannelManager(reg)
	conn, _ := newTestConn("u1", RoleDonor, "", "Mozilla/5.0")

	_ = cm.Join(conn, "room-1")
	if err := cm.Leave(conn, "room-1"); err != nil {
		t.Fatalf("Leave failed: %v", err)
	}

	stats := cm.Stats()
	if stats.Channels != 0 || stats.Memberships != 0 {
		t.Errorf("Expected empty channel table, got %+v", stats)
	}
	if cm.IsMember("u1", "room-1") {
		t.Error("Expected membership gone after leave")
	}
}

func TestDefaultChannels(t *testing.T) {
	withOrg := DefaultChannels(&auth.Identity{ID: "u1", Role: RoleVolunteer, OrgID: "org-3"})
	sort.Strings(withOrg)
	want := []string{"org:org-3", "role:volunteer", "user:u1"}
	if len(withOrg) != 3 {
		t.Fatalf("Expected 3 default channels, got %v", withOrg)
	}
	for i, ch := range want {
		if withOrg[i] != ch {
			t.Errorf("Expected channel %q, got %q", ch, withOrg[i])
		}
	}

	withoutOrg := DefaultChannels(&auth.Identity{ID: "u2", Role: RoleDonor})
	if len(withoutOrg) != 2 {
		t.Errorf("Expected 2 default channels without an org, got %v", withoutOrg)
	}
}

func TestJoinDefaultChannels(t *testing.T) {
	reg := NewRegistry(store.NewMemoryStorage())
	cm := NewChannelManager(reg)
	conn, _ := newTestConn("u1", RoleVolunteer, "org-3", "Mozilla/5.0")

	channels := cm.JoinDefaultChannels(conn)
	if len(channels) != 3 {
		t.Fatalf("Expected 3 joined channels, got %v", channels)
	}
	for _, ch := range channels {
		if !cm.IsMember("u1", ch) {
			t.Errorf("Expected membership in %q", ch)
		}
	}
}

func TestBroadcastExcludesSender(t *testing.T) {
	reg := NewRegistry(store.NewMemoryStorage())
	cm := NewChannelManager(reg)

	// The sender has two devices; neither may receive its own broadcast
	senderWeb, senderWebSender := newTestConn("u1", RoleDonor, "", "Mozilla/5.0")
	senderMobile, senderMobileSender := newTestConn("u1", RoleDonor, "", "iphone")
	other, otherSender := newTestConn("u2", RoleDonor, "", "Mozilla/5.0")
	for _, c := range []*Connection{senderWeb, senderMobile, other} {
		reg.Register(c)
		_ = cm.Join(c, "room-1")
	}

	delivered := cm.BroadcastToChannel("room-1", "message", map[string]string{"body": "hi"}, "u1")
	if delivered != 1 {
		t.Fatalf("Expected delivery to 1 connection, got %d", delivered)
	}
	if n := otherSender.countEvent(t, "message"); n != 1 {
		t.Errorf("Expected 1 message for the other member, got %d", n)
	}
	if senderWebSender.countEvent(t, "message") != 0 || senderMobileSender.countEvent(t, "message") != 0 {
		t.Error("Sender devices must not receive their own broadcast")
	}
}

func TestBroadcastReachesAllDevices(t *testing.T) {
	reg := NewRegistry(store.NewMemoryStorage())
	cm := NewChannelManager(reg)

	web, webSender := newTestConn("u1", RoleDonor, "", "Mozilla/5.0")
	mobile, mobileSender := newTestConn("u1", RoleDonor, "", "android")
	reg.Register(web)
	reg.Register(mobile)
	_ = cm.Join(web, "room-1")

	// Membership is per identity: the mobile device gets room broadcasts
	// even though only the web session joined
	delivered := cm.BroadcastToChannel("room-1", "message", nil, "")
	if delivered != 2 {
		t.Fatalf("Expected delivery to both devices, got %d", delivered)
	}
	if webSender.countEvent(t, "message") != 1 || mobileSender.countEvent(t, "message") != 1 {
		t.Error("Expected the broadcast on every device of the member identity")
	}
}

func TestRemoveIdentityFromAllChannels(t *testing.T) {
	reg := NewRegistry(store.NewMemoryStorage())
	cm := NewChannelManager(reg)
	conn, _ := newTestConn("u1", RoleDonor, "org-1", "Mozilla/5.0")

	cm.JoinDefaultChannels(conn)
	_ = cm.Join(conn, "room-1")

	cm.RemoveIdentityFromAllChannels("u1")
	if channels := cm.ChannelsOf("u1"); len(channels) != 0 {
		t.Errorf("Expected no memberships left, got %v", channels)
	}
	stats := cm.Stats()
	if stats.Memberships != 0 {
		t.Errorf("Expected zero memberships, got %d", stats.Memberships)
	}
}
