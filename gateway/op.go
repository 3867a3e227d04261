package gateway

import "github.com/wetrill/tern/utils/ws"

// Gateway opcodes. The client consumes Dispatch, Reconnect, InvalidSession,
// Hello and HeartbeatAck, and emits Heartbeat, Identify and Resume.
const (
	DispatchOp            ws.OpCode = 0
	HeartbeatOp           ws.OpCode = 1
	IdentifyOp            ws.OpCode = 2
	PresenceUpdateOp      ws.OpCode = 3
	VoiceStateUpdateOp    ws.OpCode = 4
	ResumeOp              ws.OpCode = 6
	ReconnectOp           ws.OpCode = 7
	RequestGuildMembersOp ws.OpCode = 8
	InvalidSessionOp      ws.OpCode = 9
	HelloOp               ws.OpCode = 10
	HeartbeatAckOp        ws.OpCode = 11
)

// HelloData is the op 10 payload.
type HelloData struct {
	HeartbeatInterval float64 `json:"heartbeat_interval"` // milliseconds
}

// IdentifyProperties describes the connecting client.
type IdentifyProperties struct {
	OS      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}

// IdentifyData is the op 2 payload.
type IdentifyData struct {
	Token      string             `json:"token"`
	Intents    Intents            `json:"intents"`
	Shard      [2]int             `json:"shard"`
	Properties IdentifyProperties `json:"properties"`
}

// ResumeData is the op 6 payload.
type ResumeData struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Sequence  int64  `json:"seq"`
}

// ReadyData is the subset of the READY dispatch the connection logic needs.
type ReadyData struct {
	Version          int    `json:"v"`
	SessionID        string `json:"session_id"`
	ResumeGatewayURL string `json:"resume_gateway_url"`
}
