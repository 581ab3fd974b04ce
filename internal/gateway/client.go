package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/knothq/gated/internal/presence"
	"github.com/knothq/gated/internal/protocol"
)

const writeTimeout = 10 * time.Second

// client is one authenticated WebSocket connection. All outbound traffic
// goes through the queue so the writer goroutine is the only conn writer
// after the handshake; queuedBytes tracks the backlog for backpressure.
// The advertised maxBufferedBytes byte budget is the only backpressure
// limit; the queue itself holds as many frames as fit in it.
type client struct {
	conn   *websocket.Conn
	logger *slog.Logger
	info   protocol.ClientInfo

	presenceKey string

	mu          sync.Mutex
	queue       [][]byte
	queuedBytes int64
	wake        chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

func newClient(conn *websocket.Conn, logger *slog.Logger, info protocol.ClientInfo) *client {
	return &client{
		conn:        conn,
		logger:      logger,
		info:        info,
		presenceKey: presence.ClientKey(info.ID, info.InstanceID),
		wake:        make(chan struct{}, 1),
		closed:      make(chan struct{}),
	}
}

func (c *client) startWriter() {
	go c.writeLoop()
}

func (c *client) writeLoop() {
	for {
		c.mu.Lock()
		var data []byte
		if len(c.queue) > 0 {
			data = c.queue[0]
		}
		c.mu.Unlock()

		if data == nil {
			select {
			case <-c.closed:
				return
			case <-c.wake:
			}
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := c.conn.Write(ctx, websocket.MessageText, data)
		cancel()
		// Pop after the write so an empty queue means everything queued
		// so far is on the wire; closeAfterFlush relies on that.
		c.mu.Lock()
		c.queue = c.queue[1:]
		c.queuedBytes -= int64(len(data))
		c.mu.Unlock()
		if err != nil {
			c.close(websocket.StatusNormalClosure, "")
			return
		}
	}
}

// closeAfterFlush gives the writer a moment to drain queued frames, then
// closes. Used when a final error response must reach the peer before the
// close frame.
func (c *client) closeAfterFlush(code websocket.StatusCode, reason string) {
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		empty := len(c.queue) == 0
		c.mu.Unlock()
		if empty {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	c.close(code, reason)
}

// enqueue queues a marshaled frame for delivery and reports whether it was
// accepted. When the backlog would exceed maxBufferedBytes, droppable
// frames are skipped and anything else closes the connection as a slow
// consumer.
func (c *client) enqueue(data []byte, droppable bool) bool {
	size := int64(len(data))
	c.mu.Lock()
	if c.queuedBytes+size > protocol.MaxBufferedBytes {
		queued := c.queuedBytes
		c.mu.Unlock()
		c.overflow(droppable, queued)
		return false
	}
	c.queue = append(c.queue, data)
	c.queuedBytes += size
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
	return true
}

func (c *client) overflow(droppable bool, queuedBytes int64) {
	if droppable {
		return
	}
	c.logger.Warn("closing slow consumer",
		"client_id", c.info.ID,
		"queued_bytes", queuedBytes,
	)
	c.close(websocket.StatusPolicyViolation, protocol.CloseSlowConsumer)
}

func (c *client) close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.Close(code, reason)
	})
}
