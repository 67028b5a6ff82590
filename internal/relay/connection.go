package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/example/tree-sync-engine/internal/types"
	"github.com/example/tree-sync-engine/internal/wire"
)

var errSendBufferFull = errors.New("send buffer full")

type connectionOptions struct {
	heartbeatInterval  time.Duration
	heartbeatTolerance int
	sendBufferSize     int
	writeTimeout       time.Duration
	maxMessageSize     int64
}

// FrameHandler processes one decoded frame read from a connection.
type FrameHandler func(ctx context.Context, c *Connection, f wire.Frame) error

// Connection represents an upgraded WebSocket session bound to one
// document.
type Connection struct {
	conn      *websocket.Conn
	identity  Identity
	document  types.DocumentID
	logger    zerolog.Logger
	send      chan []byte
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	opts    connectionOptions
	onClose func()
}

func newConnection(conn *websocket.Conn, id Identity, doc types.DocumentID, logger zerolog.Logger, opts connectionOptions, onClose func()) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &Connection{
		conn:     conn,
		identity: id,
		document: doc,
		logger:   logger,
		send:     make(chan []byte, opts.sendBufferSize),
		ctx:      ctx,
		cancel:   cancel,
		opts:     opts,
		onClose:  onClose,
	}
}

// Document returns the bound document identifier.
func (c *Connection) Document() types.DocumentID { return c.document }

// Client returns the authenticated client identifier.
func (c *Connection) Client() types.ClientID { return c.identity.Client }

// Context is cancelled when the connection closes.
func (c *Connection) Context() context.Context { return c.ctx }

// Send encodes and enqueues a frame.
func (c *Connection) Send(f wire.Frame) error {
	data, err := wire.EncodeFrame(f)
	if err != nil {
		return err
	}
	return c.SendBinary(data)
}

// SendBinary enqueues a binary payload for the writer goroutine. A full
// buffer closes the connection.
func (c *Connection) SendBinary(payload []byte) error {
	select {
	case c.send <- payload:
		sendQueueDepth.WithLabelValues(string(c.document)).Set(float64(len(c.send)))
		return nil
	case <-c.ctx.Done():
		return c.ctx.Err()
	default:
		c.logger.Warn().Msg("send buffer full; closing connection")
		c.closeWithFrame(websocket.CloseTryAgainLater, "backpressure")
		c.Close()
		return errSendBufferFull
	}
}

// Run pumps frames until the connection is closed.
func (c *Connection) Run(handle FrameHandler) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writeLoop()
	}()

	if err := c.readLoop(handle); err != nil {
		c.logger.Debug().Err(err).Msg("read loop exited")
	}
	c.Close()
	wg.Wait()
}

// Close tears the connection down. It is safe to call more than once.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.conn.Close()
		if c.onClose != nil {
			c.onClose()
		}
	})
}

func (c *Connection) pongWait() time.Duration {
	if c.opts.heartbeatInterval <= 0 {
		return 0
	}
	return c.opts.heartbeatInterval * time.Duration(c.opts.heartbeatTolerance)
}

func (c *Connection) readLoop(handle FrameHandler) error {
	if c.opts.maxMessageSize > 0 {
		c.conn.SetReadLimit(c.opts.maxMessageSize)
	}
	if wait := c.pongWait(); wait > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(wait))
		c.conn.SetPongHandler(func(string) error {
			return c.conn.SetReadDeadline(time.Now().Add(wait))
		})
	}

	for {
		kind, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		if kind != websocket.BinaryMessage {
			c.closeWithFrame(websocket.CloseUnsupportedData, "text frames not supported")
			return fmt.Errorf("text frames unsupported")
		}

		f, err := wire.DecodeFrame(payload)
		if err != nil {
			c.closeWithFrame(websocket.ClosePolicyViolation, "malformed frame")
			return err
		}
		if err := handle(c.ctx, c, f); err != nil {
			c.closeWithFrame(websocket.CloseInternalServerErr, "handler error")
			return err
		}
	}
}

func (c *Connection) writeLoop() {
	var ping <-chan time.Time
	if c.opts.heartbeatInterval > 0 {
		ticker := time.NewTicker(c.opts.heartbeatInterval)
		defer ticker.Stop()
		ping = ticker.C
	}
	for {
		select {
		case <-c.ctx.Done():
			return
		case payload := <-c.send:
			sendQueueDepth.WithLabelValues(string(c.document)).Set(float64(len(c.send)))
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.writeTimeout))
			if err := c.conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
				c.logger.Debug().Err(err).Msg("write loop error")
				c.Close()
				return
			}
		case <-ping:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.writeTimeout)); err != nil {
				c.logger.Debug().Err(err).Msg("heartbeat ping failed")
				c.Close()
				return
			}
		}
	}
}

func (c *Connection) closeWithFrame(code int, reason string) {
	if len(reason) > 123 {
		reason = reason[:123]
	}
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(c.opts.writeTimeout))
}
