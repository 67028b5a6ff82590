package sequencer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/example/tree-sync-engine/internal/types"
	"github.com/example/tree-sync-engine/internal/wire"
)

const writeTimeout = 5 * time.Second

// WSClient talks to a relay over a websocket. Sequenced edits received from
// the relay are pushed into the inbox from the client's read goroutine.
type WSClient struct {
	conn   *websocket.Conn
	logger zerolog.Logger
	inbox  chan<- types.SequencedEdit

	writeMu sync.Mutex
	lastSeq atomic.Uint64
	done    chan struct{}
	closed  atomic.Bool
}

// DialWS connects to a relay endpoint and requests every edit after fromSeq.
// token is sent as a bearer token.
func DialWS(ctx context.Context, url, token string, fromSeq uint64, inbox chan<- types.SequencedEdit, logger zerolog.Logger) (*WSClient, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	c := &WSClient{
		conn:   conn,
		logger: logger.With().Str("component", "ws_client").Logger(),
		inbox:  inbox,
		done:   make(chan struct{}),
	}
	c.lastSeq.Store(fromSeq)
	go c.readLoop()
	if err := c.RequestCatchUp(fromSeq); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

// Submit sends an edit to the relay for sequencing.
func (c *WSClient) Submit(_ context.Context, edit types.Edit) error {
	return c.write(wire.Frame{Kind: wire.FrameSubmit, Edit: &edit})
}

// RequestCatchUp asks the relay to resend every edit after fromSeq.
func (c *WSClient) RequestCatchUp(fromSeq uint64) error {
	return c.write(wire.Frame{Kind: wire.FrameCatchUp, FromSeq: fromSeq})
}

// LastSeq is the highest sequence number received.
func (c *WSClient) LastSeq() uint64 {
	return c.lastSeq.Load()
}

// Done is closed when the read loop stops.
func (c *WSClient) Done() <-chan struct{} {
	return c.done
}

func (c *WSClient) write(f wire.Frame) error {
	if c.closed.Load() {
		return ErrClosed
	}
	data, err := wire.EncodeFrame(f)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (c *WSClient) readLoop() {
	defer close(c.done)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !c.closed.Load() && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				c.logger.Warn().Err(err).Msg("read error")
			}
			return
		}
		f, err := wire.DecodeFrame(data)
		if err != nil {
			c.logger.Warn().Err(err).Msg("failed to decode frame")
			continue
		}
		switch f.Kind {
		case wire.FrameSequenced:
			if f.Sequenced == nil {
				continue
			}
			if f.Sequenced.Seq > c.lastSeq.Load() {
				c.lastSeq.Store(f.Sequenced.Seq)
			}
			c.inbox <- *f.Sequenced
		case wire.FrameError:
			c.logger.Warn().Str("error", f.Error).Msg("relay rejected request")
		}
	}
}

// Close sends a close frame and waits for the read loop to stop.
func (c *WSClient) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.writeMu.Lock()
	err := c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeTimeout))
	c.writeMu.Unlock()
	closeErr := c.conn.Close()
	<-c.done
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		return err
	}
	return closeErr
}
