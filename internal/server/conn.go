package server

import (
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/xqserver/xqserver/internal/mailbox"
)

const defaultSendQueueSize = 256

// conn is one accepted connection's writer-side state: a dedicated
// writePump goroutine drains sendCh so that exactly one goroutine ever
// calls net.Conn.Write for this socket, no matter how many dispatch
// workers or mailbox deliveries target it concurrently.
type conn struct {
	handle       mailbox.Handle
	netConn      net.Conn
	sendCh       chan []byte
	closeCh      chan struct{}
	closeOnce    sync.Once
	writeTimeout time.Duration
	logger       *slog.Logger
}

func newConn(handle mailbox.Handle, nc net.Conn, queueSize int, writeTimeout time.Duration, logger *slog.Logger) *conn {
	if queueSize <= 0 {
		queueSize = defaultSendQueueSize
	}
	return &conn{
		handle:       handle,
		netConn:      nc,
		sendCh:       make(chan []byte, queueSize),
		closeCh:      make(chan struct{}),
		writeTimeout: writeTimeout,
		logger:       logger,
	}
}

// enqueue offers framed to the send queue. A full queue marks the
// connection for disconnection rather than blocking the caller — a slow
// reader must not stall a dispatch worker or the mailbox pump.
func (c *conn) enqueue(framed []byte) bool {
	select {
	case c.sendCh <- framed:
		return true
	default:
		c.logger.Warn("send queue full, disconnecting slow client", "handle", c.handle)
		c.closeAsync()
		return false
	}
}

func (c *conn) closeAsync() {
	c.closeOnce.Do(func() {
		close(c.closeCh)
	})
}

// writePump drains sendCh to the socket until the connection closes.
func (c *conn) writePump() {
	for {
		select {
		case framed, ok := <-c.sendCh:
			if !ok {
				return
			}
			if c.writeTimeout > 0 {
				if err := c.netConn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
					c.logger.Warn("set write deadline failed", "handle", c.handle, "error", err)
					return
				}
			}
			if _, err := c.netConn.Write(framed); err != nil {
				c.logger.Warn("write failed", "handle", c.handle, "error", err)
				return
			}
		case <-c.closeCh:
			return
		}
	}
}
