package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/wetrill/tern/utils/handler"
)

// mockGateway serves scripted websocket connections. The script receives the
// 1-based connection number.
func mockGateway(t *testing.T, script func(n int, c *websocket.Conn)) (addr string, stop func()) {
	t.Helper()

	var conns int32
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Error("upgrade:", err)
			return
		}
		script(int(atomic.AddInt32(&conns, 1)), c)
	}))

	return "ws" + strings.TrimPrefix(srv.URL, "http"), srv.Close
}

func testShard(addr string) *Shard {
	s := NewShard("token", 0, 1, IntentGuilds)
	s.GatewayAddr = addr
	// Reconnects in tests must not wait out the 5 second dial window.
	s.Socket().DialLimiter = rate.NewLimiter(rate.Inf, 1)
	return s
}

func sendHello(t *testing.T, c *websocket.Conn, intervalMS float64) {
	t.Helper()
	err := c.WriteJSON(map[string]interface{}{
		"op": 10,
		"d":  map[string]interface{}{"heartbeat_interval": intervalMS},
	})
	if err != nil {
		t.Error("send HELLO:", err)
	}
}

// awaitOp reads until a payload with the wanted op arrives, acking any
// heartbeats on the way.
func awaitOp(t *testing.T, c *websocket.Conn, want int) map[string]interface{} {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	c.SetReadDeadline(deadline)

	for {
		var payload map[string]interface{}
		if err := c.ReadJSON(&payload); err != nil {
			t.Fatalf("awaiting op %d: %v", want, err)
		}

		op := int(payload["op"].(float64))
		if op == 1 {
			c.WriteJSON(map[string]interface{}{"op": 11})
			if want != 1 {
				continue
			}
		}
		if op == want {
			return payload
		}
	}
}

func sendReady(t *testing.T, c *websocket.Conn, sessionID, resumeURL string, seq int) {
	t.Helper()
	err := c.WriteJSON(map[string]interface{}{
		"op": 0,
		"t":  "READY",
		"s":  seq,
		"d": map[string]interface{}{
			"v":                  10,
			"session_id":         sessionID,
			"resume_gateway_url": resumeURL,
		},
	})
	if err != nil {
		t.Error("send READY:", err)
	}
}

func closeWithCode(c *websocket.Conn, code int) {
	deadline := time.Now().Add(time.Second)
	c.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""), deadline)
	c.Close()
}

func waitForState(t *testing.T, s *Shard, want State) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("shard state is %v, want %v", s.State(), want)
}

func TestShardIdentify(t *testing.T) {
	identify := make(chan map[string]interface{}, 1)

	addr, stop := mockGateway(t, func(n int, c *websocket.Conn) {
		sendHello(t, c, 60000)
		payload := awaitOp(t, c, 2)
		identify <- payload
		sendReady(t, c, "sess", "", 1)
	})
	defer stop()

	s := testShard(addr)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.Connect(ctx); err != nil {
		t.Fatal("connect:", err)
	}
	defer s.Close()

	payload := <-identify
	d := payload["d"].(map[string]interface{})
	if d["token"] != "token" {
		t.Error("identify token =", d["token"])
	}
	if shard := d["shard"].([]interface{}); int(shard[0].(float64)) != 0 || int(shard[1].(float64)) != 1 {
		t.Error("identify shard =", shard)
	}
	if int(d["intents"].(float64)) != int(IntentGuilds) {
		t.Error("identify intents =", d["intents"])
	}

	waitForState(t, s, StateReady)

	session := s.Session()
	if session == nil || session.ID != "sess" {
		t.Fatal("session not captured:", session)
	}
	if s.Sequence() != 1 {
		t.Error("sequence =", s.Sequence())
	}
}

func TestShardResumeAfterClose(t *testing.T) {
	resume := make(chan map[string]interface{}, 1)

	var addr string
	var stop func()
	addr, stop = mockGateway(t, func(n int, c *websocket.Conn) {
		switch n {
		case 1:
			sendHello(t, c, 60000)
			awaitOp(t, c, 2)
			sendReady(t, c, "S", addr, 3)
			// Recoverable close; the shard must come back with RESUME.
			time.Sleep(50 * time.Millisecond)
			closeWithCode(c, CloseUnknownError)
		case 2:
			sendHello(t, c, 60000)
			payload := awaitOp(t, c, 6)
			resume <- payload
			c.WriteJSON(map[string]interface{}{"op": 0, "t": "RESUMED", "s": 4, "d": map[string]interface{}{}})
		}
	})
	defer stop()

	s := testShard(addr)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.Connect(ctx); err != nil {
		t.Fatal("connect:", err)
	}
	defer s.Close()

	select {
	case payload := <-resume:
		d := payload["d"].(map[string]interface{})
		if d["session_id"] != "S" {
			t.Error("resumed session =", d["session_id"])
		}
		if int(d["seq"].(float64)) != 3 {
			t.Error("resumed seq =", d["seq"])
		}
	case <-time.After(5 * time.Second):
		t.Fatal("shard never resumed")
	}

	waitForState(t, s, StateReady)
}

func TestShardFatalClose(t *testing.T) {
	addr, stop := mockGateway(t, func(n int, c *websocket.Conn) {
		sendHello(t, c, 60000)
		awaitOp(t, c, 2)
		closeWithCode(c, CloseDisallowedIntents)
	})
	defer stop()

	s := testShard(addr)
	fatal := make(chan error, 1)
	s.OnFatal = func(err error) { fatal <- err }

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.Connect(ctx); err != nil {
		t.Fatal("connect:", err)
	}

	select {
	case err := <-fatal:
		var intentErr *IntentError
		if !errors.As(err, &intentErr) {
			t.Fatal("expected IntentError, got", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("fatal close not observed")
	}

	waitForState(t, s, StateClosed)

	if s.Session() != nil {
		t.Error("session survived a fatal close")
	}
	if err := s.Connect(ctx); err != ErrShardClosed {
		t.Error("Connect on closed shard:", err)
	}
}

func TestShardHeartbeat(t *testing.T) {
	beats := make(chan int64, 4)

	addr, stop := mockGateway(t, func(n int, c *websocket.Conn) {
		sendHello(t, c, 300)
		c.SetReadDeadline(time.Now().Add(5 * time.Second))

		for {
			var payload map[string]interface{}
			if err := c.ReadJSON(&payload); err != nil {
				return
			}
			switch int(payload["op"].(float64)) {
			case 1:
				var seq int64 = -1
				if v, ok := payload["d"].(float64); ok {
					seq = int64(v)
				}
				beats <- seq
				c.WriteJSON(map[string]interface{}{"op": 11})
			case 2:
				sendReady(t, c, "sess", "", 9)
			}
		}
	})
	defer stop()

	s := testShard(addr)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.Connect(ctx); err != nil {
		t.Fatal("connect:", err)
	}
	defer s.Close()

	// First beat arrives within jitter + interval, then one per interval.
	for i := 0; i < 2; i++ {
		select {
		case <-beats:
		case <-time.After(2 * time.Second):
			t.Fatalf("heartbeat %d never arrived", i)
		}
	}
}

func TestShardDuplicateHelloReplacesHeartbeat(t *testing.T) {
	beats := make(chan struct{}, 16)

	addr, stop := mockGateway(t, func(n int, c *websocket.Conn) {
		sendHello(t, c, 200)
		c.SetReadDeadline(time.Now().Add(10 * time.Second))

		for {
			var payload map[string]interface{}
			if err := c.ReadJSON(&payload); err != nil {
				return
			}
			switch int(payload["op"].(float64)) {
			case 1:
				beats <- struct{}{}
				c.WriteJSON(map[string]interface{}{"op": 11})
			case 2:
				sendReady(t, c, "sess", "", 1)
				// A late second HELLO must replace the running heartbeat
				// task, not start another one beside it.
				time.Sleep(150 * time.Millisecond)
				sendHello(t, c, 60000)
			}
		}
	})
	defer stop()

	s := testShard(addr)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.Connect(ctx); err != nil {
		t.Fatal("connect:", err)
	}
	defer s.Close()

	// Before the second HELLO the 200ms loop lands at most one beat. Were it
	// still alive afterwards the count would keep growing every 200ms; the
	// 60s replacement stops it.
	count := 0
	deadline := time.After(time.Second)
	for done := false; !done; {
		select {
		case <-beats:
			count++
		case <-deadline:
			done = true
		}
	}
	if count > 2 {
		t.Error("heartbeats kept the old interval after a new HELLO:", count)
	}
}

func TestShardDisconnectIdempotent(t *testing.T) {
	addr, stop := mockGateway(t, func(n int, c *websocket.Conn) {
		sendHello(t, c, 60000)
		awaitOp(t, c, 2)
		sendReady(t, c, "sess", "", 1)
		c.SetReadDeadline(time.Now().Add(5 * time.Second))
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer stop()

	s := testShard(addr)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.Connect(ctx); err != nil {
		t.Fatal("connect:", err)
	}
	waitForState(t, s, StateReady)

	disconnects := make(chan struct{}, 4)
	s.Lifecycle.AddListener(KindDisconnect, func(handler.Event) {
		disconnects <- struct{}{}
	})

	s.Disconnect(false)
	s.Disconnect(false)

	select {
	case <-disconnects:
	case <-time.After(2 * time.Second):
		t.Fatal("no disconnect event")
	}
	select {
	case <-disconnects:
		t.Fatal("second Disconnect fired again")
	case <-time.After(100 * time.Millisecond):
	}

	if s.Session() != nil {
		t.Error("session survived Disconnect(false)")
	}
	if s.Sequence() != -1 {
		t.Error("sequence =", s.Sequence())
	}
}
