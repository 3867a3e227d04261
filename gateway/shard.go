package gateway

import (
	"context"
	"math/rand"
	"runtime"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"

	"github.com/wetrill/tern/internal/backoff"
	"github.com/wetrill/tern/utils/handler"
	"github.com/wetrill/tern/utils/json"
	"github.com/wetrill/tern/utils/ws"
)

// CloseCodeResume is the custom close code sent when disconnecting with the
// intent to resume, so the server does not treat the session as final.
const CloseCodeResume = 999

// ErrShardClosed is returned by Connect on a shard that failed fatally or
// was closed for good.
var ErrShardClosed = errors.New("shard is closed")

// State is a shard's connection state.
type State uint32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAwaitingHello
	StateIdentifying
	StateResuming
	StateReady
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAwaitingHello:
		return "awaiting hello"
	case StateIdentifying:
		return "identifying"
	case StateResuming:
		return "resuming"
	case StateReady:
		return "ready"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is the resumable identity of one gateway connection.
type Session struct {
	ID        string
	ResumeURL string
}

// IdentifyThrottler admits IDENTIFY payloads under the server's session
// start concurrency. The shard manager hands each shard its bucket's
// throttler.
type IdentifyThrottler interface {
	Acquire(ctx context.Context) error
}

// Shard is one gateway connection: it performs the HELLO handshake, keeps
// the heartbeat alive, fans dispatches out, and follows the close-code
// policy on disconnects. Configuration fields must not be changed after
// Connect.
type Shard struct {
	// ID and Count are the shard's position in the [id, count] identify
	// pair.
	ID    int
	Count int
	// Token is the bot token, without the "Bot " prefix.
	Token string
	// Intents is the event intents bitfield sent with IDENTIFY.
	Intents Intents
	// ShouldReconnect permits automatic reconnects on recoverable close
	// codes.
	ShouldReconnect bool
	// GatewayAddr is the endpoint dialed for fresh connections. The shard
	// manager sets it to the URL GET /gateway/bot returns.
	GatewayAddr string
	// Log receives connection lifecycle lines.
	Log zerolog.Logger
	// IdentifyThrottler gates IDENTIFY; nil means unthrottled.
	IdentifyThrottler IdentifyThrottler
	// OnFatal observes terminal failures. The shard manager installs its
	// own observer here.
	OnFatal func(err error)

	// OpDispatcher fans every payload out by opcode.
	OpDispatcher *handler.Dispatcher[ws.OpCode, json.Raw]
	// EventDispatcher fans DISPATCH payloads out by event name.
	EventDispatcher *handler.Dispatcher[string, json.Raw]
	// Lifecycle carries the typed connect, disconnect and ready events.
	Lifecycle *handler.TypedDispatcher

	socket *ws.Websocket

	state atomic.Uint32
	seq   atomic.Int64 // -1 until the first dispatch

	mu         sync.Mutex
	connected  bool
	closed     bool
	session    *Session
	hbInterval time.Duration
	readCancel context.CancelFunc
	hbCancel   context.CancelFunc

	ackMu sync.Mutex
	ack   chan struct{}
}

// NewShard returns an unconnected shard identifying as id of count.
func NewShard(token string, id, count int, intents Intents) *Shard {
	s := &Shard{
		ID:              id,
		Count:           count,
		Token:           token,
		Intents:         intents,
		ShouldReconnect: true,
		GatewayAddr:     URL,
		Log:             zerolog.Nop(),
		OpDispatcher:    handler.New[ws.OpCode, json.Raw](),
		EventDispatcher: handler.New[string, json.Raw](),
		Lifecycle:       handler.NewTyped(),
		socket:          ws.NewWebsocket(),
	}
	s.seq.Store(-1)
	return s
}

// Socket exposes the underlying throttled websocket.
func (s *Shard) Socket() *ws.Websocket {
	return s.socket
}

// State returns the current connection state.
func (s *Shard) State() State {
	return State(s.state.Load())
}

// Session returns a copy of the current session, or nil.
func (s *Shard) Session() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session == nil {
		return nil
	}
	session := *s.session
	return &session
}

// Sequence returns the last seen dispatch sequence, or -1.
func (s *Shard) Sequence() int64 {
	return s.seq.Load()
}

// Connect opens the websocket and starts the read pump. With a session
// present it dials the session's resume URL, and the HELLO handler sends
// RESUME instead of IDENTIFY. Connect is a no-op on a connected shard.
func (s *Shard) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrShardClosed
	}
	if s.connected {
		s.mu.Unlock()
		return nil
	}
	session := s.session
	s.mu.Unlock()

	s.state.Store(uint32(StateConnecting))

	addr := s.GatewayAddr
	if session != nil && session.ResumeURL != "" {
		addr = session.ResumeURL
	}

	msgs, err := s.socket.Dial(ctx, AddGatewayParams(addr))
	if err != nil {
		s.state.Store(uint32(StateDisconnected))
		return err
	}

	readCtx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.connected = true
	s.readCancel = cancel
	s.mu.Unlock()

	s.state.Store(uint32(StateAwaitingHello))
	s.Log.Info().
		Int("shard", s.ID).
		Bool("resuming", session != nil).
		Msg("gateway connected")

	s.Lifecycle.Dispatch(ConnectEvent{ShardID: s.ID})

	go s.readLoop(readCtx, msgs)
	return nil
}

// readLoop drains one connection's messages. When the channel closes
// underneath it, the websocket is gone and the close code decides what
// happens next.
func (s *Shard) readLoop(ctx context.Context, msgs <-chan []byte) {
	for data := range msgs {
		s.handleMessage(ctx, data)
	}

	if ctx.Err() != nil {
		// Intentional teardown by Disconnect.
		return
	}

	code := s.socket.CloseCode()
	go s.handleClose(code)
}

func (s *Shard) handleMessage(ctx context.Context, data []byte) {
	var op ws.Op
	if err := json.Unmarshal(data, &op); err != nil {
		ws.WSError(errors.Wrap(err, "failed to decode payload"))
		return
	}

	if op.Sequence != nil {
		s.seq.Store(*op.Sequence)
	}

	s.OpDispatcher.Dispatch(op.Code, op.Data)

	switch op.Code {
	case HelloOp:
		s.handleHello(ctx, op.Data)

	case DispatchOp:
		s.handleDispatch(op)

	case ReconnectOp:
		s.Log.Info().Int("shard", s.ID).Msg("server requested reconnect")
		go s.reconnect(true)

	case InvalidSessionOp:
		var resumable bool
		json.Unmarshal(op.Data, &resumable)

		s.Log.Warn().
			Int("shard", s.ID).
			Bool("resumable", resumable).
			Msg("session invalidated")

		if s.ShouldReconnect {
			go s.reconnect(resumable)
		} else {
			go s.Disconnect(false)
		}

	case HeartbeatAckOp:
		s.ackHeartbeat()
	}
}

func (s *Shard) handleHello(ctx context.Context, data json.Raw) {
	var hello HelloData
	if err := json.Unmarshal(data, &hello); err != nil {
		ws.WSError(errors.Wrap(err, "failed to decode HELLO"))
		return
	}

	interval := time.Duration(hello.HeartbeatInterval * float64(time.Millisecond))

	hbCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	// A repeated HELLO on the same connection replaces the heartbeat task;
	// at most one runs per shard.
	if s.hbCancel != nil {
		s.hbCancel()
	}
	s.hbInterval = interval
	s.hbCancel = cancel
	session := s.session
	s.mu.Unlock()

	go s.heartbeatLoop(hbCtx, interval)

	var err error
	if session != nil {
		err = s.resume(ctx, session)
	} else {
		err = s.identify(ctx)
	}
	if err != nil && ctx.Err() == nil {
		ws.WSError(err)
	}
}

func (s *Shard) identify(ctx context.Context) error {
	s.state.Store(uint32(StateIdentifying))

	if s.IdentifyThrottler != nil {
		if err := s.IdentifyThrottler.Acquire(ctx); err != nil {
			return errors.Wrap(err, "identify throttled")
		}
	}

	s.Log.Debug().Int("shard", s.ID).Msg("identifying")

	return s.socket.Send(ctx, ws.SendOp{
		Code: IdentifyOp,
		Data: IdentifyData{
			Token:   s.Token,
			Intents: s.Intents,
			Shard:   [2]int{s.ID, s.Count},
			Properties: IdentifyProperties{
				OS:      runtime.GOOS,
				Browser: "tern",
				Device:  "tern",
			},
		},
	})
}

func (s *Shard) resume(ctx context.Context, session *Session) error {
	if session == nil {
		return ErrMissingSession
	}

	s.state.Store(uint32(StateResuming))

	seq := s.seq.Load()
	if seq < 0 {
		seq = 0
	}

	s.Log.Debug().
		Int("shard", s.ID).
		Int64("seq", seq).
		Msg("resuming session")

	return s.socket.Send(ctx, ws.SendOp{
		Code: ResumeOp,
		Data: ResumeData{
			Token:     s.Token,
			SessionID: session.ID,
			Sequence:  seq,
		},
	})
}

func (s *Shard) handleDispatch(op ws.Op) {
	switch op.Type {
	case "READY":
		var ready ReadyData
		if err := json.Unmarshal(op.Data, &ready); err != nil {
			ws.WSError(errors.Wrap(err, "failed to decode READY"))
			break
		}

		s.mu.Lock()
		s.session = &Session{ID: ready.SessionID, ResumeURL: ready.ResumeGatewayURL}
		s.mu.Unlock()

		s.state.Store(uint32(StateReady))
		s.Log.Info().
			Int("shard", s.ID).
			Str("session", ready.SessionID).
			Msg("shard ready")

		s.Lifecycle.Dispatch(ReadyEvent{ShardID: s.ID, SessionID: ready.SessionID})

	case "RESUMED":
		s.state.Store(uint32(StateReady))
		s.Log.Info().Int("shard", s.ID).Msg("session resumed")
	}

	s.EventDispatcher.Dispatch(op.Type, op.Data)
}

// heartbeatLoop keeps the connection alive. The first beat waits a random
// fraction of the interval so a fleet of shards does not pulse in sync; a
// beat whose ACK does not arrive within one interval triggers a
// reconnect-with-resume.
func (s *Shard) heartbeatLoop(ctx context.Context, interval time.Duration) {
	timer := time.NewTimer(time.Duration(rand.Float64() * float64(interval)))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if err := s.sendHeartbeat(ctx); err != nil {
			if ctx.Err() == nil {
				ws.WSError(err)
			}
			return
		}

		ack := s.armAck()
		ackTimeout := time.NewTimer(interval)

		select {
		case <-ctx.Done():
			ackTimeout.Stop()
			return
		case <-ack:
			ackTimeout.Stop()
		case <-ackTimeout.C:
			s.Log.Warn().Int("shard", s.ID).Msg("heartbeat ack missed, resuming")
			go s.reconnect(true)
			return
		}

		timer.Reset(interval)
	}
}

func (s *Shard) sendHeartbeat(ctx context.Context) error {
	var d interface{}
	if seq := s.seq.Load(); seq >= 0 {
		d = seq
	}
	return s.socket.Send(ctx, ws.SendOp{Code: HeartbeatOp, Data: d})
}

func (s *Shard) armAck() <-chan struct{} {
	s.ackMu.Lock()
	defer s.ackMu.Unlock()

	s.ack = make(chan struct{})
	return s.ack
}

func (s *Shard) ackHeartbeat() {
	s.ackMu.Lock()
	defer s.ackMu.Unlock()

	if s.ack != nil {
		close(s.ack)
		s.ack = nil
	}
}

// Disconnect tears the connection down. With keepSession the socket is
// closed with CloseCodeResume and the session survives for a later RESUME;
// without it the session and sequence are cleared and the close is final.
// Disconnect is idempotent.
func (s *Shard) Disconnect(keepSession bool) {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return
	}
	s.connected = false

	if s.readCancel != nil {
		s.readCancel()
		s.readCancel = nil
	}
	if s.hbCancel != nil {
		s.hbCancel()
		s.hbCancel = nil
	}
	if !keepSession {
		s.session = nil
	}
	s.mu.Unlock()

	// Release any beat still waiting on its ACK.
	s.ackHeartbeat()

	code := websocket.CloseNormalClosure
	if keepSession {
		code = CloseCodeResume
	}
	if err := s.socket.Close(code); err != nil {
		ws.WSDebug("close error:", err)
	}

	if !keepSession {
		s.seq.Store(-1)
	}

	s.state.Store(uint32(StateDisconnected))
	s.Log.Info().
		Int("shard", s.ID).
		Bool("resuming", keepSession).
		Msg("gateway disconnected")

	s.Lifecycle.Dispatch(DisconnectEvent{ShardID: s.ID, Resuming: keepSession})
}

// Close disconnects for good; Connect afterwards returns ErrShardClosed.
// It is idempotent.
func (s *Shard) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.Disconnect(false)
	s.state.Store(uint32(StateClosed))
}

// reconnect tears the connection down and dials again, backing off between
// failed attempts until the shard connects or is closed.
func (s *Shard) reconnect(keepSession bool) {
	s.Disconnect(keepSession)
	s.state.Store(uint32(StateReconnecting))

	bo := backoff.New(time.Second, time.Minute)

	for {
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		err := s.Connect(ctx)
		cancel()

		if err == nil || errors.Is(err, ErrShardClosed) {
			return
		}

		wait := bo.Next()
		s.Log.Warn().
			Int("shard", s.ID).
			Err(err).
			Dur("backoff", wait).
			Msg("reconnect failed")
		time.Sleep(wait)
	}
}

// handleClose reacts to the close code of a connection that died underneath
// the read loop.
func (s *Shard) handleClose(code int) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}

	act := closeActionFor(code, s.ShouldReconnect)

	s.Log.Warn().
		Int("shard", s.ID).
		Int("code", code).
		Bool("reconnect", act.reconnect).
		Msg("gateway connection closed")

	if !act.reconnect {
		s.fail(act.fatal)
		return
	}

	if act.sleepSendPeriod {
		// Closed for flooding; let the send window drain before dialing.
		time.Sleep(s.socket.SendPer())
	}

	s.reconnect(act.keepSession)
}

// fail shuts the shard down permanently and surfaces err to the observer.
func (s *Shard) fail(err error) {
	s.Close()

	if s.OnFatal != nil {
		s.OnFatal(err)
	} else {
		ws.WSError(err)
	}
}
