package realtime

import (
	"sync"

	v1 "qamanager/shared/contracts/realtime/v1"
)

// Client is one connected websocket session.
//
// Send is never closed by the server so concurrent broadcasters cannot panic;
// done signals the session goroutines to stop.
type Client struct {
	SessionID string
	Subject   string
	Send      chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(sessionID, subject string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 16
	}
	return &Client{
		SessionID: sessionID,
		Subject:   subject,
		Send:      make(chan v1.Envelope, sendQueueSize),
		done:      make(chan struct{}),
	}
}

// Done is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close signals the client goroutines to stop (idempotent).
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// offer queues env without blocking. A full queue drops the oldest pending
// snapshot first: only the newest account list matters to a slow reader.
func (c *Client) offer(env v1.Envelope) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	for range 2 {
		select {
		case c.Send <- env:
			return true
		default:
		}
		select {
		case <-c.Send:
		default:
		}
	}
	return false
}
