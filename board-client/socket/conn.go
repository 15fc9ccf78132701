// Package socket owns the client's realtime connection. The connection is an
// explicit object with its own reconnection policy; nothing here is global.
package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/coder/websocket"
	log "github.com/sirupsen/logrus"

	"kanban/domain"
)

const (
	DefaultMaxAttempts = 5
	DefaultBackoff     = 800 * time.Millisecond
	DefaultMaxBackoff  = 5 * time.Second

	writeTimeout = 5 * time.Second
)

var (
	ErrUnauthorized = errors.New("socket handshake rejected")
	ErrClosed       = errors.New("socket closed")
)

// Config is the reconnection policy and endpoint of a Conn.
type Config struct {
	URL         string
	Token       string
	MaxAttempts int
	Backoff     time.Duration
	MaxBackoff  time.Duration
	Logger      log.FieldLogger
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.Backoff <= 0 {
		c.Backoff = DefaultBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.Logger == nil {
		c.Logger = log.StandardLogger()
	}
	return c
}

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Conn is a board event connection. Joined rooms survive reconnects: every
// successful dial re-emits board:join for each of them. Joins are counted, so
// a room is left only when every joiner has left it.
type Conn struct {
	cfg Config
	log log.FieldLogger

	mu          sync.Mutex
	ws          *websocket.Conn
	rooms       map[string]int
	handlers    map[string]map[int]func(json.RawMessage)
	onReconnect map[int]func()
	nextID      int
	cancel      context.CancelFunc
	done        chan struct{}
	closing     bool
	err         error
}

func New(cfg Config) *Conn {
	cfg = cfg.withDefaults()
	return &Conn{
		cfg:         cfg,
		log:         cfg.Logger.WithField("component", "socket"),
		rooms:       make(map[string]int),
		handlers:    make(map[string]map[int]func(json.RawMessage)),
		onReconnect: make(map[int]func()),
	}
}

// Connect dials the server and starts reading in the background. It returns
// once the first connection is up or the policy is exhausted. A connection
// that stopped on its own, including a failed Connect, may be connected again.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.done != nil {
		if !stopped(c.done) {
			c.mu.Unlock()
			return errors.New("socket already connected")
		}
		if c.closing {
			c.mu.Unlock()
			return ErrClosed
		}
		c.err = nil
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.done = make(chan struct{})
	c.mu.Unlock()

	ws, err := c.dial(ctx)
	if err != nil {
		cancel()
		c.finish(err)
		close(c.done)
		return err
	}
	go c.run(runCtx, ws)
	return nil
}

func (c *Conn) run(ctx context.Context, ws *websocket.Conn) {
	defer close(c.done)
	for {
		err := c.readLoop(ctx, ws)
		c.detach(ws)
		if ctx.Err() != nil || c.isClosing() {
			c.finish(ErrClosed)
			return
		}
		c.log.WithError(err).Warn("socket disconnected, reconnecting")
		ws, err = c.dial(ctx)
		if err != nil {
			c.log.WithError(err).Error("socket reconnect failed")
			c.finish(err)
			return
		}
		c.mu.Lock()
		hooks := make([]func(), 0, len(c.onReconnect))
		for _, fn := range c.onReconnect {
			hooks = append(hooks, fn)
		}
		c.mu.Unlock()
		for _, fn := range hooks {
			fn()
		}
	}
}

func (c *Conn) dialURL() (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", err
	}
	if c.cfg.Token != "" {
		q := u.Query()
		q.Set("token", c.cfg.Token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (c *Conn) dial(ctx context.Context) (*websocket.Conn, error) {
	target, err := c.dialURL()
	if err != nil {
		return nil, fmt.Errorf("socket url: %w", err)
	}
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		ws, resp, err := websocket.Dial(ctx, target, nil)
		if err == nil {
			c.attach(ctx, ws)
			return ws, nil
		}
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, ErrUnauthorized
		}
		lastErr = err
		if attempt == c.cfg.MaxAttempts {
			break
		}
		delay := exponentialBackoff(attempt, c.cfg.Backoff, c.cfg.MaxBackoff)
		c.log.WithError(err).WithFields(log.Fields{"attempt": attempt, "retry_in": delay.String()}).Debug("socket dial failed")
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, domain.NetworkError{Op: fmt.Sprintf("socket dial (%d attempts)", c.cfg.MaxAttempts), Err: lastErr}
}

func (c *Conn) attach(ctx context.Context, ws *websocket.Conn) {
	c.mu.Lock()
	c.ws = ws
	rooms := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		rooms = append(rooms, id)
	}
	c.mu.Unlock()
	for _, id := range rooms {
		if err := c.write(ctx, ws, domain.BoardJoin, id); err != nil {
			c.log.WithError(err).WithField("board_id", id).Warn("rejoin failed")
		}
	}
}

func (c *Conn) detach(ws *websocket.Conn) {
	c.mu.Lock()
	if c.ws == ws {
		c.ws = nil
	}
	c.mu.Unlock()
	_ = ws.CloseNow()
}

func (c *Conn) finish(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
}

func (c *Conn) readLoop(ctx context.Context, ws *websocket.Conn) error {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return err
		}
		var f frame
		if err := sonic.ConfigStd.Unmarshal(data, &f); err != nil {
			c.log.WithError(err).Warn("malformed frame")
			continue
		}
		c.dispatch(f)
	}
}

func (c *Conn) dispatch(f frame) {
	c.mu.Lock()
	hs := make([]func(json.RawMessage), 0, len(c.handlers[f.Event]))
	for _, h := range c.handlers[f.Event] {
		hs = append(hs, h)
	}
	c.mu.Unlock()
	for _, h := range hs {
		h(f.Data)
	}
}

// On registers h for event and returns a func that removes it.
func (c *Conn) On(event string, h func(data json.RawMessage)) (off func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	if c.handlers[event] == nil {
		c.handlers[event] = make(map[int]func(json.RawMessage))
	}
	c.handlers[event][id] = h
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.handlers[event], id)
		if len(c.handlers[event]) == 0 {
			delete(c.handlers, event)
		}
	}
}

// OnReconnect registers fn to run after every successful re-dial. Events
// pushed while disconnected are lost, so callers usually refetch here.
func (c *Conn) OnReconnect(fn func()) (off func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.onReconnect[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.onReconnect, id)
	}
}

// Join remembers the room and asks the server to join it. While
// disconnected the join is sent on the next successful dial.
func (c *Conn) Join(ctx context.Context, boardID string) error {
	c.mu.Lock()
	c.rooms[boardID]++
	first := c.rooms[boardID] == 1
	ws := c.ws
	c.mu.Unlock()
	if ws == nil || !first {
		return nil
	}
	return c.write(ctx, ws, domain.BoardJoin, boardID)
}

// Leave drops one join of the room and tells the server once none remain.
func (c *Conn) Leave(ctx context.Context, boardID string) error {
	c.mu.Lock()
	n, ok := c.rooms[boardID]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	if n > 1 {
		c.rooms[boardID] = n - 1
		c.mu.Unlock()
		return nil
	}
	delete(c.rooms, boardID)
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return nil
	}
	return c.write(ctx, ws, domain.BoardLeave, boardID)
}

// Rooms returns the joined board IDs.
func (c *Conn) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		out = append(out, id)
	}
	return out
}

// Emit sends an arbitrary event. It fails when not connected.
func (c *Conn) Emit(ctx context.Context, event string, payload any) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return ErrClosed
	}
	return c.write(ctx, ws, event, payload)
}

func (c *Conn) write(ctx context.Context, ws *websocket.Conn, event string, payload any) error {
	data, err := sonic.ConfigStd.Marshal(payload)
	if err != nil {
		return err
	}
	msg, err := sonic.ConfigStd.Marshal(frame{Event: event, Data: data})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return ws.Write(ctx, websocket.MessageText, msg)
}

// Done is closed when the connection stops for good.
func (c *Conn) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Err reports why the connection stopped.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func stopped(done chan struct{}) bool {
	select {
	case <-done:
		return true
	default:
		return false
	}
}

func (c *Conn) isClosing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing
}

// Close stops reconnecting and closes the socket.
func (c *Conn) Close() error {
	c.mu.Lock()
	cancel, ws, done := c.cancel, c.ws, c.done
	c.closing = true
	c.mu.Unlock()
	if cancel == nil {
		return nil
	}
	if ws != nil {
		_ = ws.Close(websocket.StatusNormalClosure, "")
	}
	cancel()
	<-done
	return nil
}

func exponentialBackoff(attempt int, initial, max time.Duration) time.Duration {
	if attempt <= 0 {
		return initial
	}
	backoff := float64(initial) * math.Pow(2, float64(attempt-1))
	if backoff > float64(max) {
		backoff = float64(max)
	}
	jitter := 0.2 * backoff
	return time.Duration(backoff + (rand.Float64()-0.5)*2*jitter)
}
