// Package ws wraps a gorilla websocket connection with the gateway's
// transport concerns: zlib-stream inflation, payload envelopes, and send and
// dial throttling.
package ws

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/pkg/errors"
	"github.com/wetrill/tern/internal/ratelimit"
	"github.com/wetrill/tern/utils/json"
)

// WSError is called on non-fatal websocket errors. It can be swapped for
// custom reporting.
var WSError = func(err error) {
	log.Println("tern/ws error:", err)
}

// WSDebug can be swapped to trace the transport.
var WSDebug = func(v ...interface{}) {}

// Websocket is a reconnectable throttled connection. The zero value is not
// usable; use NewWebsocket.
type Websocket struct {
	// Timeout bounds individual reads on each connection.
	Timeout time.Duration
	// SendLimiter throttles outgoing payloads.
	SendLimiter *ratelimit.TimePer
	// DialLimiter throttles connects across reconnects.
	DialLimiter *rate.Limiter

	mu   sync.Mutex
	conn *Conn
}

// NewWebsocket returns a Websocket with the default throttlers and a 30
// second read timeout.
func NewWebsocket() *Websocket {
	return &Websocket{
		Timeout:     30 * time.Second,
		SendLimiter: NewSendLimiter(),
		DialLimiter: NewDialLimiter(),
	}
}

// Dial throttles, connects to addr, and returns the channel the new
// connection's messages arrive on.
func (w *Websocket) Dial(ctx context.Context, addr string) (<-chan []byte, error) {
	if err := w.DialLimiter.Wait(ctx); err != nil {
		return nil, errors.Wrap(err, "dial limited")
	}

	WSDebug("dialing", addr)

	conn := NewConn(w.Timeout)
	if err := conn.Dial(ctx, addr); err != nil {
		return nil, err
	}

	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()

	return conn.Messages(), nil
}

// Send throttles and writes one payload envelope.
func (w *Websocket) Send(ctx context.Context, op SendOp) error {
	data, err := json.Marshal(op)
	if err != nil {
		return errors.Wrap(err, "failed to encode payload")
	}
	return w.SendRaw(ctx, data)
}

// SendRaw throttles and writes raw bytes as one text message.
func (w *Websocket) SendRaw(ctx context.Context, data []byte) error {
	if err := w.SendLimiter.Acquire(ctx); err != nil {
		return errors.Wrap(err, "send limited")
	}

	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()

	if conn == nil {
		return errors.New("websocket is not connected")
	}
	return conn.Send(ctx, data)
}

// Close closes the current connection with the given close code. It is a
// no-op when not connected.
func (w *Websocket) Close(code int) error {
	w.mu.Lock()
	conn := w.conn
	w.conn = nil
	w.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Close(code)
}

// CloseCode returns the close code of the last disconnect, or
// CloseCodeUnknown.
func (w *Websocket) CloseCode() int {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()

	if conn == nil {
		return CloseCodeUnknown
	}
	return conn.CloseCode()
}

// SendPer returns the send limiter's window length.
func (w *Websocket) SendPer() time.Duration {
	return w.SendLimiter.Per()
}
