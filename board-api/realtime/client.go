package realtime

import (
	"sync"

	"github.com/google/uuid"
)

// Client is one socket connection. Frames for it are queued on a bounded
// buffer drained by the hub's writer goroutine.
type Client struct {
	ID   string
	User Identity

	send     chan []byte
	done     chan struct{}
	kickOnce sync.Once
}

func newClient(user Identity, buffer int) *Client {
	if buffer <= 0 {
		buffer = defaultSendBuffer
	}
	return &Client{
		ID:   uuid.NewString(),
		User: user,
		send: make(chan []byte, buffer),
		done: make(chan struct{}),
	}
}

// enqueue reports false when the send queue is full.
func (c *Client) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// kick asks the writer to close the connection.
func (c *Client) kick() {
	c.kickOnce.Do(func() { close(c.done) })
}

// Kicked is closed once the client has been scheduled for disconnect.
func (c *Client) Kicked() <-chan struct{} { return c.done }
