package gateway

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrMissingSession is returned when a RESUME is attempted without a
// session.
var ErrMissingSession = errors.New("cannot resume without a session")

// ErrNoSessionStarts is returned by the shard manager when the bot has no
// identifies left in the current window.
var ErrNoSessionStarts = errors.New("no session starts remaining, try again later")

// CloseError is a fatal gateway failure, usually a close code the shard must
// not reconnect from.
type CloseError struct {
	Code   int
	Reason string
}

func (err *CloseError) Error() string {
	if err.Code == 0 {
		return "gateway error: " + err.Reason
	}
	return fmt.Sprintf("gateway error (close code %d): %s", err.Code, err.Reason)
}

// AuthenticationError is close code 4004: the token was rejected.
type AuthenticationError struct{ CloseError }

func (err *AuthenticationError) Error() string {
	return "authentication failed: " + err.CloseError.Error()
}

// ShardingError is close code 4010 or 4011: the shard setup is invalid or
// sharding is mandatory.
type ShardingError struct{ CloseError }

func (err *ShardingError) Error() string {
	return "sharding error: " + err.CloseError.Error()
}

// IntentError is close code 4013 or 4014: invalid or disallowed intents.
type IntentError struct{ CloseError }

func (err *IntentError) Error() string {
	return "intent error: " + err.CloseError.Error()
}
