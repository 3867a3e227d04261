package gateway

// closeAction is the decision for one close code.
type closeAction struct {
	reconnect   bool
	keepSession bool
	// sleepSendPeriod delays the reconnect by the send limiter's window;
	// set for 4008, where we were closed for flooding.
	sleepSendPeriod bool
	// fatal is the error surfaced when reconnect is false.
	fatal error
}

// Close codes the gateway sends.
const (
	CloseUnknownError         = 4000
	CloseUnknownOpcode        = 4001
	CloseDecodeError          = 4002
	CloseNotAuthenticated     = 4003
	CloseAuthenticationFailed = 4004
	CloseAlreadyAuthenticated = 4005
	CloseInvalidSequence      = 4007
	CloseRateLimited          = 4008
	CloseSessionTimedOut      = 4009
	CloseInvalidShard         = 4010
	CloseShardingRequired     = 4011
	CloseInvalidAPIVersion    = 4012
	CloseInvalidIntents       = 4013
	CloseDisallowedIntents    = 4014
)

// closeActionFor maps a close code to the shard's next move.
func closeActionFor(code int, shouldReconnect bool) closeAction {
	fresh := closeAction{reconnect: true}
	keep := closeAction{reconnect: true, keepSession: true}

	fatal := func(err error) closeAction {
		return closeAction{fatal: err}
	}

	switch {
	case code < 2000:
		// Transport-level close, not a protocol verdict.
		return fresh

	case code == CloseUnknownError:
		return keep

	case code == CloseUnknownOpcode,
		code == CloseDecodeError,
		code == CloseAlreadyAuthenticated:
		// We sent something wrong; retrying with a clean session is safe if
		// the application wants reconnects at all.
		if shouldReconnect {
			return fresh
		}
		return fatal(&CloseError{Code: code, Reason: "protocol violation"})

	case code == CloseNotAuthenticated,
		code == CloseInvalidSequence,
		code == CloseSessionTimedOut:
		return fresh

	case code == CloseAuthenticationFailed:
		return fatal(&AuthenticationError{CloseError{Code: code, Reason: "invalid token"}})

	case code == CloseRateLimited:
		keep.sleepSendPeriod = true
		return keep

	case code == CloseInvalidShard:
		return fatal(&ShardingError{CloseError{Code: code, Reason: "invalid shard"}})

	case code == CloseShardingRequired:
		return fatal(&ShardingError{CloseError{Code: code, Reason: "sharding required"}})

	case code == CloseInvalidAPIVersion:
		return fatal(&CloseError{Code: code, Reason: "invalid API version"})

	case code == CloseInvalidIntents:
		return fatal(&IntentError{CloseError{Code: code, Reason: "invalid intents"}})

	case code == CloseDisallowedIntents:
		return fatal(&IntentError{CloseError{Code: code, Reason: "disallowed intents"}})

	default:
		return fatal(&CloseError{Code: code, Reason: "unexpected close"})
	}
}
