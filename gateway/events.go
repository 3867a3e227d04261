package gateway

import "github.com/wetrill/tern/utils/handler"

// Lifecycle event kinds.
const (
	KindConnect    handler.Kind = "connect"
	KindDisconnect handler.Kind = "disconnect"
	KindReady      handler.Kind = "ready"
)

// ConnectEvent fires when a shard's websocket opens, before the handshake.
type ConnectEvent struct {
	ShardID int
}

func (ConnectEvent) Kinds() []handler.Kind {
	return []handler.Kind{KindConnect, handler.KindAny}
}

// DisconnectEvent fires when a shard's websocket is torn down. Resuming
// reports whether the session survived for a later RESUME.
type DisconnectEvent struct {
	ShardID  int
	Resuming bool
}

func (DisconnectEvent) Kinds() []handler.Kind {
	return []handler.Kind{KindDisconnect, handler.KindAny}
}

// ReadyEvent fires when a shard finishes its handshake with READY.
type ReadyEvent struct {
	ShardID   int
	SessionID string
}

func (ReadyEvent) Kinds() []handler.Kind {
	return []handler.Kind{KindReady, handler.KindAny}
}
