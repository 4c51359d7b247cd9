package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/givebridge/realtime/auth"
	"github.com/givebridge/realtime/store"
)

// testSender captures outbound frames for assertions.
type testSender struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func (s *testSender) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("sender closed")
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	s.frames = append(s.frames, cp)
	return nil
}

func (s *testSender) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// envelopes decodes every captured frame.
func (s *testSender) envelopes(t *testing.T) []Envelope {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Envelope, 0, len(s.frames))
	for _, frame := range s.frames {
		var env Envelope
		if err := json.Unmarshal(frame, &env); err != nil {
			t.Fatalf("Malformed outbound frame %q: %v", frame, err)
		}
		out = append(out, env)
	}
	return out
}

// findEvent returns the first captured envelope with the given event name.
func (s *testSender) findEvent(t *testing.T, event string) (Envelope, bool) {
	t.Helper()
	for _, env := range s.envelopes(t) {
		if env.Event == event {
			return env, true
		}
	}
	return Envelope{}, false
}

// countEvent returns how many captured frames carry the given event name.
func (s *testSender) countEvent(t *testing.T, event string) int {
	t.Helper()
	n := 0
	for _, env := range s.envelopes(t) {
		if env.Event == event {
			n++
		}
	}
	return n
}

// lastErrorCode decodes the most recent `error` frame's code, failing the
// test when none was sent.
func (s *testSender) lastErrorCode(t *testing.T) ErrorCode {
	t.Helper()
	envs := s.envelopes(t)
	for i := len(envs) - 1; i >= 0; i-- {
		if envs[i].Event != "error" {
			continue
		}
		var body struct {
			Code ErrorCode `json:"code"`
		}
		if err := json.Unmarshal(envs[i].Data, &body); err != nil {
			t.Fatalf("Malformed error payload %q: %v", envs[i].Data, err)
		}
		return body.Code
	}
	t.Fatal("Expected an error frame, got none")
	return ""
}

var sessionSeq atomic.Int64

// newTestConn builds an authenticated connection outside the broker's
// connect flow, for registry, channel, and router tests.
func newTestConn(id, role, org, userAgent string) (*Connection, *testSender) {
	s := &testSender{}
	conn := NewConnection(fmt.Sprintf("sess-%d", sessionSeq.Add(1)), s, userAgent)
	conn.Identity = &auth.Identity{ID: id, Role: role, OrgID: org, Name: "Name " + id}
	return conn, s
}

func newTestBroker(t *testing.T) (*Broker, *auth.Verifier) {
	t.Helper()
	v := auth.NewVerifier("test-secret", "givebridge", nil)
	b := New(Config{}, v, store.NewMemoryStorage(), store.NewMemoryPubSub())
	t.Cleanup(b.Shutdown)
	return b, v
}

// connect runs the broker's full connect flow for an identity.
func connect(t *testing.T, b *Broker, v *auth.Verifier, ident *auth.Identity, userAgent string) (*Connection, *testSender) {
	t.Helper()
	token, err := v.IssueToken(ident, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}
	s := &testSender{}
	conn, err := b.Connect(context.Background(), s, token, userAgent)
	if err != nil {
		t.Fatalf("Connect failed for %s: %v", ident.ID, err)
	}
	return conn, s
}

// dispatch marshals a payload and routes it as an inbound event.
func dispatch(t *testing.T, b *Broker, conn *Connection, event string, payload interface{}) {
	t.Helper()
	var data json.RawMessage
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("Payload marshal failed: %v", err)
		}
		data = raw
	}
	b.Router.Dispatch(conn, event, data)
}
