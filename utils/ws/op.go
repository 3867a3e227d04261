package ws

import "github.com/wetrill/tern/utils/json"

// OpCode is a gateway operation code.
type OpCode int

// Op is the gateway payload envelope. Sequence and Type are only present on
// dispatches.
type Op struct {
	Code     OpCode   `json:"op"`
	Data     json.Raw `json:"d,omitempty"`
	Sequence *int64   `json:"s,omitempty"`
	Type     string   `json:"t,omitempty"`
}

// SendOp is the outgoing envelope; Data may be any encodable value,
// including nil.
type SendOp struct {
	Code OpCode      `json:"op"`
	Data interface{} `json:"d"`
}
