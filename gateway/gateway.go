// Package gateway implements one Discord gateway shard: the websocket state
// machine handling HELLO, IDENTIFY and RESUME, heartbeat liveness, dispatch
// fan-out, and close-code driven reconnects.
package gateway

import (
	"context"
	"net/url"

	"github.com/pkg/errors"

	"github.com/wetrill/tern/api"
)

// URL is the default gateway endpoint.
const URL = "wss://gateway.discord.gg"

// Version is the gateway protocol version.
const Version = "10"

// AddGatewayParams returns addr with the canonical query the shard requires:
// protocol version, JSON encoding and zlib stream compression.
func AddGatewayParams(addr string) string {
	u, err := url.Parse(addr)
	if err != nil {
		// Let the dialer surface the malformed address.
		return addr
	}

	q := u.Query()
	q.Set("v", Version)
	q.Set("encoding", "json")
	q.Set("compress", "zlib-stream")
	u.RawQuery = q.Encode()

	return u.String()
}

// SessionStartLimit describes the identify budget of GET /gateway/bot.
type SessionStartLimit struct {
	Total          int `json:"total"`
	Remaining      int `json:"remaining"`
	ResetAfter     int `json:"reset_after"` // milliseconds
	MaxConcurrency int `json:"max_concurrency"`
}

// BotData is the GET /gateway/bot response.
type BotData struct {
	URL        string             `json:"url"`
	Shards     int                `json:"shards"`
	StartLimit *SessionStartLimit `json:"session_start_limit"`
}

// BotURL fetches the gateway URL, recommended shard count and session start
// limit for the client's bot token.
func BotURL(ctx context.Context, c *api.Client) (*BotData, error) {
	var data BotData
	if err := c.RequestJSON(ctx, &data, api.NewRoute("GET", "/gateway/bot")); err != nil {
		return nil, err
	}
	if data.StartLimit == nil {
		return nil, errors.New("gateway endpoint returned no session_start_limit")
	}
	return &data, nil
}
