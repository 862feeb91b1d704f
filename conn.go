package irkd

import (
	"fmt"
	"net"
	"sync"
	"time"

	"gopkg.in/irc.v3"
)

// ircConn is a generic IRC connection. It's similar to net.Conn but focuses
// on reading and writing IRC messages.
type ircConn interface {
	ReadMessage() (*irc.Message, error)
	WriteMessage(*irc.Message) error
	Close() error
	SetWriteDeadline(time.Time) error
	SetReadDeadline(time.Time) error
}

func newNetIRCConn(c net.Conn) ircConn {
	type netConn net.Conn
	return struct {
		*irc.Conn
		netConn
	}{irc.NewConn(c), c}
}

// conn wraps an ircConn with a buffered outgoing queue drained by a single
// writer goroutine. All writes to the socket go through that goroutine, so
// they are serialised no matter how many channel pacers feed the queue.
type conn struct {
	conn         ircConn
	logger       Logger
	writeTimeout time.Duration

	lock     sync.Mutex
	outgoing chan<- *irc.Message
	closed   bool
}

func newConn(ic ircConn, logger Logger, writeTimeout time.Duration) *conn {
	outgoing := make(chan *irc.Message, 64)
	c := &conn{
		conn:         ic,
		logger:       logger,
		writeTimeout: writeTimeout,
		outgoing:     outgoing,
	}

	go func() {
		for msg := range outgoing {
			c.logger.Debugf("sent: %v", msg)
			c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.conn.WriteMessage(msg); err != nil {
				c.logger.Printf("failed to write message: %v", err)
				break
			}
		}
		if err := c.conn.Close(); err != nil && !isErrClosed(err) {
			c.logger.Printf("failed to close connection: %v", err)
		}
		// Drain the outgoing channel to prevent SendMessage from blocking
		for range outgoing {
			// This space is intentionally left blank
		}
	}()

	return c
}

func (c *conn) isClosed() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.closed
}

// Close closes the connection. It is safe to call from any goroutine.
func (c *conn) Close() error {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.closed {
		return fmt.Errorf("connection already closed")
	}

	err := c.conn.Close()
	c.closed = true
	close(c.outgoing)
	return err
}

func (c *conn) ReadMessage() (*irc.Message, error) {
	msg, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}

	c.logger.Debugf("received: %v", msg)
	return msg, nil
}

func (c *conn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// SendMessage queues a new outgoing message. It is safe to call from any
// goroutine.
//
// If the connection is closed before the message is sent, SendMessage
// silently drops the message.
func (c *conn) SendMessage(msg *irc.Message) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.closed {
		return
	}
	c.outgoing <- msg
}
