// Package api implements the Discord REST client: route formatting, the
// dynamic rate-limit bucket cache, and the retrying request pipeline.
package api

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/schema"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/wetrill/tern"
	"github.com/wetrill/tern/api/rate"
	"github.com/wetrill/tern/internal/ratelimit"
	"github.com/wetrill/tern/utils/json"
)

// BaseEndpoint is the Discord API origin.
const BaseEndpoint = "https://discord.com/api"

// Version is the REST API version.
const Version = "10"

// BaseURL is the versioned API root.
const BaseURL = BaseEndpoint + "/v" + Version

// UserAgent is sent with every request, as the API terms require.
const UserAgent = "DiscordBot (https://github.com/wetrill/tern, v" + tern.Version + ")"

// MaxRetries bounds the attempts one Request makes before giving up on
// transient failures.
const MaxRetries = 5

var (
	// ErrGETWithBody is returned for a GET request carrying a body.
	ErrGETWithBody = errors.New("GET requests cannot have a body")
	// ErrAuthInHeaders is returned when Authorization is passed as a plain
	// header instead of through WithAuth or the client credentials.
	ErrAuthInHeaders = errors.New("Authorization must be set with WithAuth, not a header")
	// ErrMaxRetries is returned once every retry slot is spent on 429s and
	// transient server errors.
	ErrMaxRetries = errors.New("max request retries reached")
)

var queryEncoder = func() *schema.Encoder {
	enc := schema.NewEncoder()
	enc.SetAliasTag("schema")
	return enc
}()

// Client issues REST requests under Discord's rate limits. The zero value is
// not usable; use NewClient. Clients are safe for concurrent use.
type Client struct {
	// HTTP is the underlying HTTP client, shared by all requests.
	HTTP *http.Client
	// BaseURL is the API root requests are made against.
	BaseURL string
	// Auth is the default credentials, overridable per call with WithAuth.
	Auth Auth
	// Log receives debug lines for throttling, migration and retries.
	Log zerolog.Logger
	// RetryDelay returns the sleep before retrying attempt (zero-based)
	// after a 500 or 502.
	RetryDelay func(attempt int) time.Duration

	global  *ratelimit.Gate
	buckets *rate.Registry
}

// NewClient returns a client authenticating with auth and a bucket lag of
// rate.DefaultLag.
func NewClient(auth Auth) *Client {
	return NewClientWithLag(auth, rate.DefaultLag)
}

// NewClientWithLag returns a client whose buckets pad every reset_after
// with lag.
func NewClientWithLag(auth Auth, lag time.Duration) *Client {
	return &Client{
		HTTP:    &http.Client{Timeout: 30 * time.Second},
		BaseURL: BaseURL,
		Auth:    auth,
		Log:     zerolog.Nop(),
		RetryDelay: func(attempt int) time.Duration {
			return time.Duration(2*attempt+1) * time.Second
		},
		global:  ratelimit.NewGate(),
		buckets: rate.NewRegistry(lag),
	}
}

// GlobalGate exposes the global rate-limit gate. The gateway shares it when
// a gateway-side payload declares a global pause.
func (c *Client) GlobalGate() *ratelimit.Gate {
	return c.global
}

// Buckets exposes the bucket registry.
func (c *Client) Buckets() *rate.Registry {
	return c.buckets
}

// RequestJSON performs the request and decodes the response body into v.
// A 204 or empty body leaves v untouched.
func (c *Client) RequestJSON(ctx context.Context, v interface{}, r Route, opts ...RequestOption) error {
	body, err := c.Request(ctx, r, opts...)
	if err != nil {
		return err
	}
	if len(body) == 0 || v == nil {
		return nil
	}
	return errors.Wrap(json.Unmarshal(body, v), "failed to decode response")
}

// Request performs the request and returns the raw response body. Transient
// failures (429, 500, 502, bucket migration) are absorbed up to MaxRetries;
// other statuses surface as the typed errors of this package.
func (c *Client) Request(ctx context.Context, r Route, opts ...RequestOption) ([]byte, error) {
	cfg, err := newRequestConfig(r, opts)
	if err != nil {
		return nil, err
	}

	local := r.LocalBucket()
	bucket, key := c.buckets.Get(local)

	var lastStatus int

	for attempt := 0; attempt < MaxRetries; attempt++ {
		if err := c.global.Wait(ctx); err != nil {
			return nil, err
		}
		if err := bucket.Lock(ctx); err != nil {
			return nil, err
		}
		if err := bucket.Acquire(ctx, true); err != nil {
			bucket.Unlock()
			return nil, err
		}

		status, respHeader, body, err := c.do(ctx, r, cfg)
		if err != nil {
			bucket.Unlock()
			return nil, err
		}

		bucket.UpdateFrom(respHeader)

		// The response may reveal that the route belongs to a different
		// bucket than assumed; refile it before interpreting the status.
		// Migration is silent and does not consume a retry slot.
		if hash := bucket.Hash(); hash != "" && rate.CompositeKey(hash, local) != key {
			moved, newKey := c.buckets.Migrate(local, key, bucket)
			bucket.Unlock()

			c.Log.Debug().
				Str("local", local).
				Str("from", key).
				Str("to", newKey).
				Msg("bucket migrated")

			bucket, key = moved, newKey
			if err := bucket.Acquire(ctx, true); err != nil {
				return nil, err
			}
		} else {
			bucket.Unlock()
		}

		lastStatus = status

		switch {
		case status == http.StatusNoContent:
			return nil, nil

		case status >= 200 && status < 300:
			return body, nil

		case status == http.StatusTooManyRequests:
			retryAfter := headerSeconds(respHeader, "Retry-After")

			if respHeader.Get(rate.HeaderGlobal) != "" {
				c.Log.Warn().
					Dur("retry_after", retryAfter).
					Msg("globally rate limited")

				c.global.LockFor(retryAfter)
				if err := c.global.Wait(ctx); err != nil {
					return nil, err
				}
			} else {
				c.Log.Warn().
					Str("bucket", key).
					Dur("retry_after", retryAfter).
					Msg("bucket rate limited")

				bucket.LockFor(retryAfter)
				if err := bucket.Acquire(ctx, false); err != nil {
					return nil, err
				}
			}

		case status == http.StatusInternalServerError || status == http.StatusBadGateway:
			c.Log.Warn().
				Int("status", status).
				Int("attempt", attempt).
				Msg("transient server error, retrying")

			if err := sleep(ctx, c.RetryDelay(attempt)); err != nil {
				return nil, err
			}

		default:
			return nil, typedStatusError(status, body)
		}
	}

	return nil, errors.Wrapf(ErrMaxRetries, "status %d after %d attempts", lastStatus, MaxRetries)
}

// do performs one HTTP round-trip, returning the status, headers and fully
// read body.
func (c *Client) do(ctx context.Context, r Route, cfg *requestConfig) (int, http.Header, []byte, error) {
	var body io.Reader
	if cfg.body != nil {
		body = bytes.NewReader(cfg.body)
	}

	req, err := http.NewRequestWithContext(ctx, r.Method(), c.BaseURL+r.FormattedURL(), body)
	if err != nil {
		return 0, nil, nil, errors.Wrap(err, "failed to build request")
	}

	req.Header.Set("User-Agent", UserAgent)
	for name, values := range cfg.headers {
		req.Header[name] = values
	}
	if auth := cfg.auth(c.Auth); !auth.IsZero() {
		req.Header.Set("Authorization", auth.String())
	}
	if cfg.contentType != "" {
		req.Header.Set("Content-Type", cfg.contentType)
	}
	if len(cfg.query) > 0 {
		req.URL.RawQuery = cfg.query.Encode()
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return 0, nil, nil, errors.Wrap(err, "request failed")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, nil, errors.Wrap(err, "failed to read response body")
	}

	return resp.StatusCode, resp.Header, respBody, nil
}

type requestConfig struct {
	body        []byte
	contentType string
	headers     http.Header
	query       url.Values
	callAuth    *Auth
}

func newRequestConfig(r Route, opts []RequestOption) (*requestConfig, error) {
	cfg := &requestConfig{headers: make(http.Header)}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	if strings.EqualFold(r.Method(), "GET") && cfg.body != nil {
		return nil, ErrGETWithBody
	}
	if cfg.headers.Get("Authorization") != "" {
		return nil, ErrAuthInHeaders
	}
	return cfg, nil
}

func (cfg *requestConfig) auth(fallback Auth) Auth {
	if cfg.callAuth != nil {
		return *cfg.callAuth
	}
	return fallback
}

// RequestOption mutates one request.
type RequestOption func(*requestConfig) error

// WithJSONBody encodes v as the request body.
func WithJSONBody(v interface{}) RequestOption {
	return func(cfg *requestConfig) error {
		body, err := json.Marshal(v)
		if err != nil {
			return errors.Wrap(err, "failed to encode body")
		}
		cfg.body = body
		cfg.contentType = "application/json"
		return nil
	}
}

// WithBody uses raw bytes as the request body.
func WithBody(body []byte, contentType string) RequestOption {
	return func(cfg *requestConfig) error {
		cfg.body = body
		cfg.contentType = contentType
		return nil
	}
}

// WithQuery merges values into the URL query.
func WithQuery(values url.Values) RequestOption {
	return func(cfg *requestConfig) error {
		if cfg.query == nil {
			cfg.query = make(url.Values)
		}
		for name, vs := range values {
			cfg.query[name] = append(cfg.query[name], vs...)
		}
		return nil
	}
}

// WithQuerySchema encodes the struct v into the URL query using its schema
// tags.
func WithQuerySchema(v interface{}) RequestOption {
	return func(cfg *requestConfig) error {
		if cfg.query == nil {
			cfg.query = make(url.Values)
		}
		return errors.Wrap(queryEncoder.Encode(v, cfg.query), "failed to encode query")
	}
}

// WithHeaders merges extra headers into the request.
func WithHeaders(h http.Header) RequestOption {
	return func(cfg *requestConfig) error {
		for name, values := range h {
			cfg.headers[name] = append(cfg.headers[name], values...)
		}
		return nil
	}
}

// WithAuth overrides the client credentials for this request.
func WithAuth(auth Auth) RequestOption {
	return func(cfg *requestConfig) error {
		cfg.callAuth = &auth
		return nil
	}
}

func headerSeconds(h http.Header, name string) time.Duration {
	secs, err := strconv.ParseFloat(h.Get(name), 64)
	if err != nil {
		return 0
	}
	return time.Duration(secs * float64(time.Second))
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
