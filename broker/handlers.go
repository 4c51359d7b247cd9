package broker

import (
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

const historyKeyPrefix = "history:"

// Platform roles. Connections carry exactly one.
const (
	RoleAdmin     = "admin"
	RoleNGOAdmin  = "ngo_admin"
	RoleDonor     = "donor"
	RoleVolunteer = "volunteer"
)

// ChatMessage is one stored entry of a channel's rolling message log.
type ChatMessage struct {
	Channel  string `msgpack:"ch" json:"channel"`
	FromID   string `msgpack:"from" json:"fromId"`
	FromName string `msgpack:"name" json:"fromName"`
	Body     string `msgpack:"body" json:"body"`
	SentAt   int64  `msgpack:"at" json:"sentAt"`
}

// registerBuiltins wires the broker's event handlers. Each one is a thin
// adapter onto registry and channel primitives: handlers move
// already-computed payloads to the right audience and never touch the
// business system of record.
func (b *Broker) registerBuiltins() {
	defaultLimit := b.cfg.DefaultRateLimit

	b.Router.Register(Registration{
		Name:    "ping",
		Handler: handlePing,
	})
	b.Router.Register(Registration{
		Name:        "user_status_change",
		Handler:     handleStatusChange,
		RequireAuth: true,
		RateLimit:   &defaultLimit,
	})
	b.Router.Register(Registration{
		Name:        "join_room",
		Handler:     handleJoinRoom,
		RequireAuth: true,
		RateLimit:   &defaultLimit,
	})
	b.Router.Register(Registration{
		Name:        "leave_room",
		Handler:     handleLeaveRoom,
		RequireAuth: true,
		RateLimit:   &defaultLimit,
	})
	b.Router.Register(Registration{
		Name:        "send_message",
		Handler:     handleSendMessage,
		RequireAuth: true,
		RateLimit:   &Policy{MaxRequests: 30, Window: time.Minute},
	})
	b.Router.Register(Registration{
		Name:        "get_message_history",
		Handler:     handleMessageHistory,
		RequireAuth: true,
		RateLimit:   &defaultLimit,
	})
	b.Router.Register(Registration{
		Name:         "dashboard_metrics_request",
		Handler:      handleDashboardMetrics,
		RequireAuth:  true,
		AllowedRoles: []string{RoleAdmin, RoleNGOAdmin},
		RateLimit:    &Policy{MaxRequests: 12, Window: time.Minute},
	})
	b.Router.Register(Registration{
		Name:        "mark_notification_read",
		Handler:     handleMarkNotificationRead,
		RequireAuth: true,
		RateLimit:   &defaultLimit,
	})

	// Domain relays: the business tier (or an operator client) announces an
	// already-decided event and the broker re-broadcasts it to the relevant
	// role and organization channels.
	b.Router.Register(Registration{
		Name:         "program_updated",
		Handler:      relayToAudience("program_updated", RoleDonor, RoleVolunteer),
		RequireAuth:  true,
		AllowedRoles: []string{RoleAdmin, RoleNGOAdmin},
		RateLimit:    &Policy{MaxRequests: 20, Window: time.Minute},
	})
	b.Router.Register(Registration{
		Name:         "donation_completed",
		Handler:      handleDonationCompleted,
		RequireAuth:  true,
		AllowedRoles: []string{RoleAdmin, RoleNGOAdmin},
		RateLimit:    &Policy{MaxRequests: 60, Window: time.Minute},
	})
	b.Router.Register(Registration{
		Name:         "volunteer_application",
		Handler:      relayToAudience("volunteer_application", RoleNGOAdmin),
		RequireAuth:  true,
		AllowedRoles: []string{RoleVolunteer, RoleAdmin},
		RateLimit:    &Policy{MaxRequests: 10, Window: time.Minute},
	})
	b.Router.Register(Registration{
		Name:         "emergency_alert",
		Handler:      relayToAudience("emergency_alert", RoleAdmin, RoleNGOAdmin, RoleDonor, RoleVolunteer),
		RequireAuth:  true,
		AllowedRoles: []string{RoleAdmin, RoleNGOAdmin},
		RateLimit:    &Policy{MaxRequests: 5, Window: time.Minute},
	})
}

func handlePing(ctx *Context) error {
	return ctx.Reply("pong", map[string]interface{}{
		"ts": time.Now().UnixMilli(),
	})
}

func handleStatusChange(ctx *Context) error {
	var req struct {
		Status string `json:"status"`
	}
	if err := ctx.Bind(&req); err != nil {
		return err
	}
	if req.Status == "" {
		return NewError(CodeBadPayload, "status is required")
	}

	ident := ctx.Conn.Identity
	channel := RoleChannelPrefix + ident.Role
	if ident.OrgID != "" {
		channel = OrgChannelPrefix + ident.OrgID
	}
	ctx.Broker.BroadcastToChannel(channel, "user_status_change", map[string]interface{}{
		"userId": ident.ID,
		"name":   ident.Name,
		"status": req.Status,
		"at":     time.Now().UnixMilli(),
	}, ident.ID)
	return nil
}

func handleJoinRoom(ctx *Context) error {
	var req struct {
		Room string `json:"room"`
	}
	if err := ctx.Bind(&req); err != nil {
		return err
	}
	if err := ctx.Broker.Channels.Join(ctx.Conn, req.Room); err != nil {
		return err
	}
	ctx.Broker.BroadcastToChannel(req.Room, "user_joined", map[string]interface{}{
		"room":   req.Room,
		"userId": ctx.Conn.Identity.ID,
		"name":   ctx.Conn.Identity.Name,
	}, ctx.Conn.Identity.ID)
	return ctx.Reply("room_joined", map[string]interface{}{
		"room": req.Room,
	})
}

func handleLeaveRoom(ctx *Context) error {
	var req struct {
		Room string `json:"room"`
	}
	if err := ctx.Bind(&req); err != nil {
		return err
	}
	if err := ctx.Broker.Channels.Leave(ctx.Conn, req.Room); err != nil {
		return err
	}
	ctx.Broker.BroadcastToChannel(req.Room, "user_left", map[string]interface{}{
		"room":   req.Room,
		"userId": ctx.Conn.Identity.ID,
	}, ctx.Conn.Identity.ID)
	return ctx.Reply("room_left", map[string]interface{}{
		"room": req.Room,
	})
}

func handleSendMessage(ctx *Context) error {
	var req struct {
		Room    string `json:"room"`
		Message string `json:"message"`
	}
	if err := ctx.Bind(&req); err != nil {
		return err
	}
	if req.Message == "" {
		return NewError(CodeBadPayload, "message is required")
	}
	if !channelIDPattern.MatchString(req.Room) {
		return ErrInvalidChannel
	}
	if !ctx.Broker.Channels.IsMember(ctx.Conn.Identity.ID, req.Room) {
		return ErrNotAMember
	}

	msg := ChatMessage{
		Channel:  req.Room,
		FromID:   ctx.Conn.Identity.ID,
		FromName: ctx.Conn.Identity.Name,
		Body:     req.Message,
		SentAt:   time.Now().UnixMilli(),
	}
	ctx.Broker.BroadcastToChannel(req.Room, "message", msg, msg.FromID)

	if entry, err := msgpack.Marshal(msg); err == nil {
		ctx.Broker.appendHistory(req.Room, entry)
	}

	return ctx.Reply("message_sent", map[string]interface{}{
		"room":   req.Room,
		"sentAt": msg.SentAt,
	})
}

func handleMessageHistory(ctx *Context) error {
	var req struct {
		Room  string `json:"room"`
		Limit int64  `json:"limit"`
	}
	if err := ctx.Bind(&req); err != nil {
		return err
	}
	if !channelIDPattern.MatchString(req.Room) {
		return ErrInvalidChannel
	}
	if !ctx.Broker.Channels.IsMember(ctx.Conn.Identity.ID, req.Room) {
		return ErrNotAMember
	}

	entries, err := ctx.Broker.readHistory(req.Room, req.Limit)
	if err != nil {
		return err
	}
	messages := make([]ChatMessage, 0, len(entries))
	for _, entry := range entries {
		var msg ChatMessage
		if err := msgpack.Unmarshal(entry, &msg); err == nil {
			messages = append(messages, msg)
		}
	}
	return ctx.Reply("message_history", map[string]interface{}{
		"room":     req.Room,
		"messages": messages,
	})
}

func handleDashboardMetrics(ctx *Context) error {
	return ctx.Reply("dashboard_metrics", map[string]interface{}{
		"connections": ctx.Broker.Registry.Stats(),
		"channels":    ctx.Broker.Channels.Stats(),
		"events":      ctx.Broker.Metrics.Snapshot(),
		"degraded":    ctx.Broker.Degraded(),
	})
}

func handleMarkNotificationRead(ctx *Context) error {
	var req struct {
		NotificationID string `json:"notificationId"`
	}
	if err := ctx.Bind(&req); err != nil {
		return err
	}
	if req.NotificationID == "" {
		return NewError(CodeBadPayload, "notificationId is required")
	}
	// Echo the ack to every device of the identity so unread badges stay
	// in sync.
	ctx.Broker.DeliverToIdentity(ctx.Conn.Identity.ID, "notification_read", map[string]interface{}{
		"notificationId": req.NotificationID,
		"readAt":         time.Now().UnixMilli(),
	})
	return nil
}

// relayToAudience builds a relay handler that re-broadcasts the inbound
// payload under the same event name to the given role channels, plus the
// organization channel named in the payload (or the sender's own).
func relayToAudience(event string, roles ...string) HandlerFunc {
	return func(ctx *Context) error {
		var req struct {
			OrgID string `json:"orgId"`
		}
		// The payload is forwarded verbatim; orgId is the only field the
		// relay itself inspects.
		_ = ctx.Bind(&req)

		orgID := req.OrgID
		if orgID == "" {
			orgID = ctx.Conn.Identity.OrgID
		}

		channels := make([]string, 0, len(roles)+1)
		for _, role := range roles {
			channels = append(channels, RoleChannelPrefix+role)
		}
		if orgID != "" {
			channels = append(channels, OrgChannelPrefix+orgID)
		}
		for _, ch := range channels {
			ctx.Broker.BroadcastToChannel(ch, event, ctx.Data, ctx.Conn.Identity.ID)
		}
		return nil
	}
}

func handleDonationCompleted(ctx *Context) error {
	var req struct {
		OrgID   string `json:"orgId"`
		DonorID string `json:"donorId"`
	}
	if err := ctx.Bind(&req); err != nil {
		return err
	}

	orgID := req.OrgID
	if orgID == "" {
		orgID = ctx.Conn.Identity.OrgID
	}
	if orgID != "" {
		ctx.Broker.BroadcastToChannel(OrgChannelPrefix+orgID, "donation_completed", ctx.Data, ctx.Conn.Identity.ID)
	}
	if req.DonorID != "" {
		ctx.Broker.DeliverToIdentity(req.DonorID, "donation_completed", ctx.Data)
	}
	return nil
}
