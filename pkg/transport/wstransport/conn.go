// Package wstransport carries envelopes over WebSocket, one complete JSON envelope
// per text frame.
package wstransport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/thingsplode/thingsplode-synapse-sub000/pkg/envelope"
	"github.com/thingsplode/thingsplode-synapse-sub000/pkg/transport"
)

const logPrefix = "wstransport:conn"

const (
	defaultWriteWait = 10 * time.Second
	closeWait        = time.Second
)

// conn adapts a websocket connection to transport.Channel.
type conn struct {
	ws        *websocket.Conn
	writeWait time.Duration

	writeMu sync.Mutex
	closed  atomic.Bool
	once    sync.Once
}

func newConn(ws *websocket.Conn, writeWait time.Duration) *conn {
	if writeWait <= 0 {
		writeWait = defaultWriteWait
	}
	return &conn{ws: ws, writeWait: writeWait}
}

// Write sends env as one text frame. Concurrent writers are serialized.
func (c *conn) Write(ctx context.Context, env *envelope.Envelope) error {
	if c.closed.Load() {
		return transport.ErrClosed
	}
	data, err := envelope.Encode(env)
	if err != nil {
		return fmt.Errorf("%s - %w", logPrefix, err)
	}

	deadline := time.Now().Add(c.writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(deadline)
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		if c.closed.Load() {
			return transport.ErrClosed
		}
		return fmt.Errorf("%s - write failed: %w", logPrefix, err)
	}
	return nil
}

// Read returns the next envelope. Binary frames and frames that do not decode are
// skipped with a warning.
func (c *conn) Read(ctx context.Context) (*envelope.Envelope, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			if c.closed.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, transport.ErrClosed
			}
			return nil, fmt.Errorf("%s - read failed: %w", logPrefix, err)
		}
		if kind != websocket.TextMessage {
			slog.Warn(fmt.Sprintf("%s - Skipping non-text frame (type %d) from %s", logPrefix, kind, c.ws.RemoteAddr()))
			continue
		}
		env, err := envelope.Decode(data)
		if err != nil {
			slog.Warn(fmt.Sprintf("%s - Skipping invalid envelope from %s: %v", logPrefix, c.ws.RemoteAddr(), err))
			continue
		}
		return env, nil
	}
}

// Close sends a close frame and releases the socket. It is safe to call more than once.
func (c *conn) Close() error {
	var err error
	c.once.Do(func() {
		c.closed.Store(true)
		c.writeMu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWait))
		c.writeMu.Unlock()
		if cerr := c.ws.Close(); cerr != nil && !errors.Is(cerr, websocket.ErrCloseSent) {
			err = cerr
		}
	})
	return err
}
