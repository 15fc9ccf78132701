package socket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/sirupsen/logrus/hooks/test"

	"kanban/domain"
)

// testServer accepts sockets, records inbound frames and lets tests push
// frames or drop connections.
type testServer struct {
	t      *testing.T
	srv    *httptest.Server
	mu     sync.Mutex
	conns  []*websocket.Conn
	frames []frame
	tokens []string
	reject bool
	joined chan frame
}

func newTestServer(t *testing.T) *testServer {
	ts := &testServer{t: t, joined: make(chan frame, 32)}
	ts.srv = httptest.NewServer(http.HandlerFunc(ts.handle))
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *testServer) url() string {
	return "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/ws"
}

func (ts *testServer) handle(w http.ResponseWriter, r *http.Request) {
	ts.mu.Lock()
	reject := ts.reject
	ts.tokens = append(ts.tokens, r.URL.Query().Get("token"))
	ts.mu.Unlock()
	if reject {
		http.Error(w, "bad token", http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	ts.mu.Lock()
	ts.conns = append(ts.conns, conn)
	ts.mu.Unlock()
	for {
		_, data, err := conn.Read(context.Background())
		if err != nil {
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		ts.mu.Lock()
		ts.frames = append(ts.frames, f)
		ts.mu.Unlock()
		ts.joined <- f
	}
}

func (ts *testServer) latest() *websocket.Conn {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if len(ts.conns) == 0 {
		return nil
	}
	return ts.conns[len(ts.conns)-1]
}

func (ts *testServer) push(event string, payload any) {
	ts.t.Helper()
	data, _ := json.Marshal(payload)
	msg, _ := json.Marshal(frame{Event: event, Data: data})
	if err := ts.latest().Write(context.Background(), websocket.MessageText, msg); err != nil {
		ts.t.Fatalf("push: %v", err)
	}
}

func (ts *testServer) dropAll() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for _, c := range ts.conns {
		_ = c.CloseNow()
	}
}

func expectFrame(t *testing.T, ch <-chan frame, event, boardID string) {
	t.Helper()
	select {
	case f := <-ch:
		var id string
		if err := json.Unmarshal(f.Data, &id); err != nil {
			t.Fatalf("decode frame data: %v", err)
		}
		if f.Event != event || id != boardID {
			t.Fatalf("unexpected frame %s %s", f.Event, id)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", event)
	}
}

func testConfig(ts *testServer) Config {
	logger, _ := test.NewNullLogger()
	return Config{
		URL:         ts.url(),
		Token:       "tok",
		MaxAttempts: 3,
		Backoff:     10 * time.Millisecond,
		MaxBackoff:  20 * time.Millisecond,
		Logger:      logger,
	}
}

func TestJoinLeaveAndDispatch(t *testing.T) {
	ts := newTestServer(t)
	c := New(testConfig(ts))
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	got := make(chan json.RawMessage, 1)
	off := c.On(domain.TaskUpdated, func(data json.RawMessage) { got <- data })

	if err := c.Join(context.Background(), "b1"); err != nil {
		t.Fatalf("join: %v", err)
	}
	expectFrame(t, ts.joined, domain.BoardJoin, "b1")

	ts.push(domain.TaskUpdated, domain.TaskUpdatedEventData{BoardID: "b1", Task: domain.Task{ID: "t1"}})
	select {
	case data := <-got:
		var p domain.TaskUpdatedEventData
		if err := json.Unmarshal(data, &p); err != nil || p.Task.ID != "t1" {
			t.Fatalf("unexpected payload %s: %v", data, err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("handler not called")
	}

	off()
	ts.push(domain.TaskUpdated, domain.TaskUpdatedEventData{BoardID: "b1"})
	if err := c.Leave(context.Background(), "b1"); err != nil {
		t.Fatalf("leave: %v", err)
	}
	expectFrame(t, ts.joined, domain.BoardLeave, "b1")
	select {
	case <-got:
		t.Fatalf("removed handler was called")
	default:
	}
	if len(c.Rooms()) != 0 {
		t.Fatalf("expected no rooms after leave, got %v", c.Rooms())
	}

	ts.mu.Lock()
	token := ts.tokens[0]
	ts.mu.Unlock()
	if token != "tok" {
		t.Fatalf("expected token in query, got %q", token)
	}
}

func TestReconnectRejoinsRooms(t *testing.T) {
	ts := newTestServer(t)
	c := New(testConfig(ts))
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	reconnected := make(chan struct{}, 1)
	c.OnReconnect(func() { reconnected <- struct{}{} })

	if err := c.Join(context.Background(), "b1"); err != nil {
		t.Fatalf("join: %v", err)
	}
	expectFrame(t, ts.joined, domain.BoardJoin, "b1")

	ts.dropAll()
	expectFrame(t, ts.joined, domain.BoardJoin, "b1")
	select {
	case <-reconnected:
	case <-time.After(2 * time.Second):
		t.Fatalf("reconnect hook not called")
	}
}

func TestReconnectGivesUpAfterMaxAttempts(t *testing.T) {
	ts := newTestServer(t)
	c := New(testConfig(ts))
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	ts.srv.Listener.Close()
	ts.dropAll()

	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("connection did not give up")
	}
	if !errors.Is(c.Err(), domain.ErrNetwork) {
		t.Fatalf("expected network error, got %v", c.Err())
	}
}

func TestUnauthorizedHandshakeIsNotRetried(t *testing.T) {
	ts := newTestServer(t)
	ts.reject = true
	c := New(testConfig(ts))
	if err := c.Connect(context.Background()); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if len(ts.tokens) != 1 {
		t.Fatalf("expected a single attempt, got %d", len(ts.tokens))
	}
}

func TestConnectRetriesAfterFailedDial(t *testing.T) {
	ts := newTestServer(t)
	ts.reject = true
	c := New(testConfig(ts))
	if err := c.Join(context.Background(), "b1"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := c.Connect(context.Background()); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}

	ts.mu.Lock()
	ts.reject = false
	ts.mu.Unlock()
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("second connect: %v", err)
	}
	defer c.Close()
	expectFrame(t, ts.joined, domain.BoardJoin, "b1")
	if c.Err() != nil {
		t.Fatalf("expected the earlier failure to be cleared, got %v", c.Err())
	}
	if err := c.Connect(context.Background()); err == nil {
		t.Fatalf("expected connect on a live socket to fail")
	}
}

func TestEmitWhileDisconnected(t *testing.T) {
	c := New(Config{URL: "ws://127.0.0.1:1/ws"})
	if err := c.Emit(context.Background(), domain.BoardJoin, "b1"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := c.Join(context.Background(), "b1"); err != nil {
		t.Fatalf("join while disconnected should be deferred: %v", err)
	}
	if rooms := c.Rooms(); len(rooms) != 1 || rooms[0] != "b1" {
		t.Fatalf("expected remembered room, got %v", rooms)
	}
}

func TestExponentialBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		lo, hi  time.Duration
	}{
		{1, 640 * time.Millisecond, 960 * time.Millisecond},
		{2, 1280 * time.Millisecond, 1920 * time.Millisecond},
		{10, 4 * time.Second, 6 * time.Second},
	}
	for _, tt := range tests {
		got := exponentialBackoff(tt.attempt, DefaultBackoff, DefaultMaxBackoff)
		if got < tt.lo || got > tt.hi {
			t.Fatalf("attempt %d: backoff %v outside [%v, %v]", tt.attempt, got, tt.lo, tt.hi)
		}
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	if cfg.MaxAttempts != 5 || cfg.Backoff != 800*time.Millisecond || cfg.Logger == nil {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestJoinsAreCounted(t *testing.T) {
	ts := newTestServer(t)
	c := New(testConfig(ts))
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()
	ctx := context.Background()

	_ = c.Join(ctx, "b1")
	_ = c.Join(ctx, "b1")
	expectFrame(t, ts.joined, domain.BoardJoin, "b1")

	_ = c.Leave(ctx, "b1")
	if rooms := c.Rooms(); len(rooms) != 1 {
		t.Fatalf("room must stay joined while a joiner remains: %v", rooms)
	}
	_ = c.Leave(ctx, "b1")
	expectFrame(t, ts.joined, domain.BoardLeave, "b1")
	if err := c.Leave(ctx, "b1"); err != nil {
		t.Fatalf("extra leave must be harmless: %v", err)
	}
}
