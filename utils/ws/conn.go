package ws

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// CloseCodeUnknown is reported when the peer vanished without a close frame.
const CloseCodeUnknown = -1

// Conn is one websocket connection. It owns a read pump that decompresses
// zlib-stream binary frames and delivers whole messages on a channel; the
// channel closes when the connection dies, after which CloseCode reports how.
type Conn struct {
	// Timeout bounds each read; zero means no read deadline.
	Timeout time.Duration

	dialer websocket.Dialer

	mu        sync.Mutex
	ws        *websocket.Conn
	msgs      chan []byte
	closeCode int
	closeErr  error
}

// NewConn returns an unconnected Conn with the given read timeout.
func NewConn(timeout time.Duration) *Conn {
	return &Conn{
		Timeout: timeout,
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 30 * time.Second,
		},
		closeCode: CloseCodeUnknown,
	}
}

// Dial connects to addr and starts the read pump.
func (c *Conn) Dial(ctx context.Context, addr string) error {
	ws, _, err := c.dialer.DialContext(ctx, addr, nil)
	if err != nil {
		return errors.Wrap(err, "failed to dial websocket")
	}

	c.mu.Lock()
	c.ws = ws
	c.msgs = make(chan []byte)
	c.closeCode = CloseCodeUnknown
	c.closeErr = nil
	c.mu.Unlock()

	go c.readPump(ws, c.msgs, NewInflator())
	return nil
}

// Messages returns the channel whole decoded messages arrive on. It is
// closed once the connection is gone.
func (c *Conn) Messages() <-chan []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.msgs
}

func (c *Conn) readPump(ws *websocket.Conn, msgs chan<- []byte, infl *Inflator) {
	defer close(msgs)

	for {
		if c.Timeout > 0 {
			ws.SetReadDeadline(time.Now().Add(c.Timeout))
		}

		kind, frame, err := ws.ReadMessage()
		if err != nil {
			c.recordClose(err)
			return
		}

		data := frame
		if kind == websocket.BinaryMessage {
			infl.Write(frame)
			if !infl.CanFlush() {
				continue
			}
			data, err = infl.Flush()
			if err != nil {
				WSError(err)
				c.recordClose(err)
				return
			}
		}

		msgs <- data
	}
}

func (c *Conn) recordClose(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closeErr = err

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		c.closeCode = closeErr.Code
	}
}

// CloseCode returns the close code of the last disconnect, or
// CloseCodeUnknown if none was received.
func (c *Conn) CloseCode() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode
}

// CloseErr returns the error that ended the read pump.
func (c *Conn) CloseErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// Send writes one text message.
func (c *Conn) Send(ctx context.Context, data []byte) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()

	if ws == nil {
		return errors.New("websocket is not connected")
	}

	if deadline, ok := ctx.Deadline(); ok {
		ws.SetWriteDeadline(deadline)
	} else {
		ws.SetWriteDeadline(time.Now().Add(30 * time.Second))
	}

	return errors.Wrap(
		ws.WriteMessage(websocket.TextMessage, data),
		"failed to send websocket message")
}

// Close sends a close frame with the given code and tears the connection
// down. It is safe to call on an unconnected or already closed Conn.
func (c *Conn) Close(code int) error {
	c.mu.Lock()
	ws := c.ws
	c.ws = nil
	c.mu.Unlock()

	if ws == nil {
		return nil
	}

	frame := websocket.FormatCloseMessage(code, "")
	deadline := time.Now().Add(5 * time.Second)

	ws.SetWriteDeadline(deadline)
	if err := ws.WriteControl(websocket.CloseMessage, frame, deadline); err != nil {
		ws.Close()
		return errors.Wrap(err, "failed to send close frame")
	}

	return errors.Wrap(ws.Close(), "failed to close websocket")
}
