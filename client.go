package main

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// sendBufferSize bounds queued outbound frames per connection. A client that
// cannot drain this many frames is treated as broken.
const sendBufferSize = 256

var errClientClosed = errors.New("client connection closed")
var errSendBufferFull = errors.New("client send buffer full")

// wsClient wraps a WebSocket connection behind the dispatcher connection
// contract. Writes are funnelled through a buffered channel drained by a
// single write pump so broadcasts never contend on the socket.
type wsClient struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once

	pingInterval time.Duration
	pongTimeout  time.Duration
}

func newWSClient(conn *websocket.Conn, maxPayloadBytes int64, pingInterval, pongTimeout time.Duration) *wsClient {
	c := &wsClient{
		conn:         conn,
		send:         make(chan []byte, sendBufferSize),
		done:         make(chan struct{}),
		pingInterval: pingInterval,
		pongTimeout:  pongTimeout,
	}
	conn.SetReadLimit(maxPayloadBytes)
	conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	return c
}

// Send enqueues a frame without blocking. A full buffer fails the send so a
// stalled peer cannot hold up a broadcast pass.
func (c *wsClient) Send(payload []byte) error {
	select {
	case <-c.done:
		return errClientClosed
	default:
	}
	select {
	case c.send <- payload:
		return nil
	case <-c.done:
		return errClientClosed
	default:
		return errSendBufferFull
	}
}

// Receive blocks for the next text frame. Inbound traffic of any kind resets
// the read deadline, so an active player is never timed out by the transport.
func (c *wsClient) Receive() ([]byte, error) {
	c.conn.SetReadDeadline(time.Now().Add(c.pongTimeout))
	_, payload, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return payload, nil
}

// Close shuts the connection down exactly once; safe from any goroutine.
func (c *wsClient) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// writePump drains the send buffer onto the socket and emits keepalive pings.
// It owns all writes to the underlying connection.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		c.Close()
	}()
	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(time.Second))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case payload := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, []byte{}); err != nil {
				return
			}
		}
	}
}
