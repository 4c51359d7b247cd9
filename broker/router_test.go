package broker

import (
	"testing"
	"time"
)

func TestDispatchUnknownEvent(t *testing.T) {
	b, _ := newTestBroker(t)
	conn, sender := newTestConn("u1", RoleDonor, "", "Mozilla/5.0")

	dispatch(t, b, conn, "no_such_event", nil)

	if code := sender.lastErrorCode(t); code != CodeUnknownEvent {
		t.Errorf("Expected %s, got %s", CodeUnknownEvent, code)
	}
	snap := b.Metrics.Snapshot()
	if snap.TotalEvents != 0 || snap.Errors != 0 {
		t.Errorf("Unknown events must not move the counters: %+v", snap)
	}
}

func TestDispatchAuthRequired(t *testing.T) {
	b, _ := newTestBroker(t)
	conn, sender := newTestConn("u1", RoleDonor, "", "Mozilla/5.0")
	conn.Identity = nil

	dispatch(t, b, conn, "join_room", map[string]string{"room": "room-1"})

	if code := sender.lastErrorCode(t); code != CodeAuthRequired {
		t.Errorf("Expected %s, got %s", CodeAuthRequired, code)
	}
}

func TestDispatchForbiddenRole(t *testing.T) {
	b, _ := newTestBroker(t)
	conn, sender := newTestConn("u1", RoleDonor, "", "Mozilla/5.0")

	dispatch(t, b, conn, "dashboard_metrics_request", nil)

	if code := sender.lastErrorCode(t); code != CodeForbidden {
		t.Errorf("Expected %s, got %s", CodeForbidden, code)
	}
	if snap := b.Metrics.Snapshot(); snap.TotalEvents != 0 {
		t.Errorf("Forbidden events must not count as dispatched: %+v", snap)
	}
}

func TestDispatchAllowedRole(t *testing.T) {
	b, _ := newTestBroker(t)
	conn, sender := newTestConn("u1", RoleNGOAdmin, "org-1", "Mozilla/5.0")

	dispatch(t, b, conn, "dashboard_metrics_request", nil)

	if _, ok := sender.findEvent(t, "dashboard_metrics"); !ok {
		t.Fatal("Expected a dashboard_metrics reply")
	}
	snap := b.Metrics.Snapshot()
	if snap.PerEvent["dashboard_metrics_request"] != 1 {
		t.Errorf("Expected the event counted once, got %+v", snap.PerEvent)
	}
}

func TestDispatchRateLimited(t *testing.T) {
	b, _ := newTestBroker(t)
	b.Router.Register(Registration{
		Name:        "limited",
		Handler:     func(ctx *Context) error { return nil },
		RequireAuth: true,
		RateLimit:   &Policy{MaxRequests: 1, Window: time.Minute},
	})
	conn, sender := newTestConn("u1", RoleDonor, "", "Mozilla/5.0")

	dispatch(t, b, conn, "limited", nil)
	dispatch(t, b, conn, "limited", nil)

	if code := sender.lastErrorCode(t); code != CodeRateLimited {
		t.Errorf("Expected %s, got %s", CodeRateLimited, code)
	}
	snap := b.Metrics.Snapshot()
	if snap.RateLimited != 1 {
		t.Errorf("Expected 1 rate-limit rejection recorded, got %d", snap.RateLimited)
	}
	if snap.PerEvent["limited"] != 1 {
		t.Errorf("Expected only the first call counted, got %+v", snap.PerEvent)
	}
}

func TestDispatchPanicIsolation(t *testing.T) {
	b, _ := newTestBroker(t)
	b.Router.Register(Registration{
		Name:    "explode",
		Handler: func(ctx *Context) error { panic("boom") },
	})
	conn, sender := newTestConn("u1", RoleDonor, "", "Mozilla/5.0")

	dispatch(t, b, conn, "explode", nil)

	if code := sender.lastErrorCode(t); code != CodeInternal {
		t.Errorf("Expected %s after a handler panic, got %s", CodeInternal, code)
	}
	if snap := b.Metrics.Snapshot(); snap.Errors != 1 {
		t.Errorf("Expected 1 error recorded, got %d", snap.Errors)
	}

	// The connection keeps working after a panicking handler
	dispatch(t, b, conn, "ping", nil)
	if _, ok := sender.findEvent(t, "pong"); !ok {
		t.Error("Expected the connection to survive the panic")
	}
}

func TestDispatchCodedHandlerError(t *testing.T) {
	b, _ := newTestBroker(t)
	b.Router.Register(Registration{
		Name:    "picky",
		Handler: func(ctx *Context) error { return NewError(CodeBadPayload, "nope") },
	})
	conn, sender := newTestConn("u1", RoleDonor, "", "Mozilla/5.0")

	dispatch(t, b, conn, "picky", nil)

	if code := sender.lastErrorCode(t); code != CodeBadPayload {
		t.Errorf("Expected %s, got %s", CodeBadPayload, code)
	}
	// Client errors are replied, not counted as faults
	if snap := b.Metrics.Snapshot(); snap.Errors != 0 {
		t.Errorf("Expected no error recorded for a coded client error, got %d", snap.Errors)
	}
}

func TestDispatchTouchesConnection(t *testing.T) {
	b, _ := newTestBroker(t)
	conn, _ := newTestConn("u1", RoleDonor, "", "Mozilla/5.0")
	conn.lastActive.Store(time.Now().Add(-time.Hour).UnixNano())

	dispatch(t, b, conn, "ping", nil)

	if time.Since(conn.LastActive()) > time.Minute {
		t.Error("Expected dispatch to refresh last activity")
	}
}
