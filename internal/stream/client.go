package stream

import (
	"sync"
	"sync/atomic"

	"backend-fieldtrack/internal/metrics"
)

const defaultClientBuffer = 64

var clientIDCounter atomic.Uint64

// Client is the outbound half of one connection. Its queue is bounded: when
// a slow consumer lets it fill up, the oldest message is discarded so that
// the newest position always gets through.
type Client struct {
	id   uint64
	send chan []byte

	mu      sync.Mutex
	closed  bool
	dropped atomic.Uint64
}

func NewClient(buffer int) *Client {
	if buffer <= 0 {
		buffer = defaultClientBuffer
	}
	return &Client{
		id:   clientIDCounter.Add(1),
		send: make(chan []byte, buffer),
	}
}

func (c *Client) ID() uint64 { return c.id }

// Send is drained by the connection's writer. It is closed by Close.
func (c *Client) Send() <-chan []byte { return c.send }

// Dropped reports how many messages were discarded for this client.
func (c *Client) Dropped() uint64 { return c.dropped.Load() }

// Enqueue never blocks. It returns false once the client is closed.
func (c *Client) Enqueue(msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	for {
		select {
		case c.send <- msg:
			return true
		default:
		}
		select {
		case <-c.send:
			c.dropped.Add(1)
			metrics.ObserverDrops.Inc()
		default:
		}
	}
}

// Close is idempotent.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}
