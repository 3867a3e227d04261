// Package shard implements the multi-shard gateway manager: it sizes the
// fleet from GET /gateway/bot, throttles IDENTIFYs under the server's
// concurrency buckets, aggregates every shard's events, and rescales the
// fleet without downtime.
package shard

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/wetrill/tern/api"
	"github.com/wetrill/tern/gateway"
	"github.com/wetrill/tern/internal/ratelimit"
	"github.com/wetrill/tern/utils/handler"
	"github.com/wetrill/tern/utils/json"
	"github.com/wetrill/tern/utils/ws"
)

// IdentifyWindow is the server's session start window length.
const IdentifyWindow = 5 * time.Second

// ErrRescaling is returned by Rescale while another rescale is in flight.
var ErrRescaling = errors.New("a rescale is already in progress")

// ErrNotStarted is returned by Rescale before Start has succeeded.
var ErrNotStarted = errors.New("manager has not been started")

// Manager bootstraps and owns a fleet of gateway shards. Configuration
// fields must be set before Start.
type Manager struct {
	// Client is the REST client used for GET /gateway/bot.
	Client *api.Client
	// Token is the bot token shared by all shards.
	Token string
	// Intents is the intents bitfield shared by all shards.
	Intents gateway.Intents
	// ShardIDs optionally pins the shard IDs to run; it defaults to
	// [0, recommended count).
	ShardIDs []int
	// ShardCount overrides the total shard count sent with IDENTIFY; it
	// defaults to the recommended count.
	ShardCount int
	// ShouldReconnect is handed to every shard.
	ShouldReconnect bool
	// Log receives fleet lifecycle lines.
	Log zerolog.Logger
	// OnShardError observes a shard's fatal failure.
	OnShardError func(shardID int, err error)

	// OpDispatcher aggregates every shard's payloads by opcode.
	OpDispatcher *handler.Dispatcher[ws.OpCode, json.Raw]
	// EventDispatcher aggregates every shard's dispatches by event name.
	EventDispatcher *handler.Dispatcher[string, json.Raw]
	// Lifecycle aggregates every shard's typed lifecycle events.
	Lifecycle *handler.TypedDispatcher

	mu             sync.Mutex
	started        bool
	rescaling      bool
	gatewayAddr    string
	maxConcurrency int
	limiters       map[int]*ratelimit.TimePer
	shards         []*gateway.Shard
	pending        []*gateway.Shard
}

// NewManager returns an unstarted manager.
func NewManager(client *api.Client, token string, intents gateway.Intents) *Manager {
	return &Manager{
		Client:          client,
		Token:           token,
		Intents:         intents,
		ShouldReconnect: true,
		Log:             zerolog.Nop(),
		OpDispatcher:    handler.New[ws.OpCode, json.Raw](),
		EventDispatcher: handler.New[string, json.Raw](),
		Lifecycle:       handler.NewTyped(),
		limiters:        make(map[int]*ratelimit.TimePer),
	}
}

// Start fetches the gateway bot data, builds the fleet, and connects every
// shard concurrently. It fails without connecting anything when the session
// start budget is exhausted.
func (m *Manager) Start(ctx context.Context) error {
	data, err := gateway.BotURL(ctx, m.Client)
	if err != nil {
		return errors.Wrap(err, "failed to fetch gateway bot data")
	}

	if data.StartLimit.Remaining == 0 {
		return errors.Wrapf(gateway.ErrNoSessionStarts,
			"resets in %dms", data.StartLimit.ResetAfter)
	}

	m.mu.Lock()
	m.maxConcurrency = data.StartLimit.MaxConcurrency
	m.mu.Unlock()

	ids := m.ShardIDs
	if len(ids) == 0 {
		ids = make([]int, data.Shards)
		for i := range ids {
			ids[i] = i
		}
	}

	count := m.ShardCount
	if count == 0 {
		count = data.Shards
	}

	m.Log.Info().
		Int("shards", len(ids)).
		Int("count", count).
		Int("max_concurrency", data.StartLimit.MaxConcurrency).
		Msg("starting shards")

	m.mu.Lock()
	m.gatewayAddr = data.URL
	m.mu.Unlock()

	shards := make([]*gateway.Shard, len(ids))
	for i, id := range ids {
		shards[i] = m.newShard(id, count)
	}

	if err := connectAll(ctx, shards); err != nil {
		closeAll(shards)
		return err
	}

	m.mu.Lock()
	m.shards = shards
	m.started = true
	m.mu.Unlock()

	return nil
}

// Shards returns the current fleet.
func (m *Manager) Shards() []*gateway.Shard {
	m.mu.Lock()
	defer m.mu.Unlock()

	shards := make([]*gateway.Shard, len(m.shards))
	copy(shards, m.shards)
	return shards
}

// IdentifyLimiter returns the identify throttler of the shard's concurrency
// bucket. Shards whose IDs are congruent modulo max_concurrency share one
// limiter.
func (m *Manager) IdentifyLimiter(shardID int) *ratelimit.TimePer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identifyLimiterLocked(shardID)
}

func (m *Manager) identifyLimiterLocked(shardID int) *ratelimit.TimePer {
	concurrency := m.maxConcurrency
	if concurrency < 1 {
		concurrency = 1
	}

	key := shardID % concurrency
	limiter, ok := m.limiters[key]
	if !ok {
		limiter = ratelimit.NewTimePer(concurrency, IdentifyWindow)
		m.limiters[key] = limiter
	}
	return limiter
}

// newShard builds one shard wired into the manager: identify throttling,
// event relaying, and failure observation.
func (m *Manager) newShard(id, count int) *gateway.Shard {
	sh := gateway.NewShard(m.Token, id, count, m.Intents)
	sh.ShouldReconnect = m.ShouldReconnect
	sh.Log = m.Log.With().Int("shard", id).Logger()

	m.mu.Lock()
	sh.IdentifyThrottler = m.identifyLimiterLocked(id)
	if m.gatewayAddr != "" {
		sh.GatewayAddr = m.gatewayAddr
	}
	m.mu.Unlock()

	sh.OnFatal = func(err error) {
		m.Log.Error().Int("shard", id).Err(err).Msg("shard failed")
		if m.OnShardError != nil {
			m.OnShardError(id, err)
		}
	}

	sh.OpDispatcher.AddHandler(func(op ws.OpCode, d json.Raw) {
		m.OpDispatcher.Dispatch(op, d)
	})
	sh.EventDispatcher.AddHandler(func(t string, d json.Raw) {
		m.EventDispatcher.Dispatch(t, d)
	})
	sh.Lifecycle.AddListener(handler.KindAny, func(ev handler.Event) {
		m.Lifecycle.Dispatch(ev)
	})

	return sh
}

// Rescale replaces the fleet with count shards. The replacements connect
// first, under the same identify concurrency ceiling as everything else;
// only once all of them are up are the old shards retired. On failure the
// replacements are torn down and the current fleet stays untouched. One
// rescale runs at a time.
func (m *Manager) Rescale(ctx context.Context, count int) error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return ErrNotStarted
	}
	if m.rescaling {
		m.mu.Unlock()
		return ErrRescaling
	}
	m.rescaling = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.rescaling = false
		m.pending = nil
		m.mu.Unlock()
	}()

	m.Log.Info().Int("count", count).Msg("rescaling shards")

	pending := make([]*gateway.Shard, count)
	for id := 0; id < count; id++ {
		pending[id] = m.newShard(id, count)
	}

	m.mu.Lock()
	m.pending = pending
	m.mu.Unlock()

	if err := connectAll(ctx, pending); err != nil {
		closeAll(pending)
		return errors.Wrap(err, "rescale failed")
	}

	m.mu.Lock()
	old := m.shards
	m.shards = pending
	m.pending = nil
	m.mu.Unlock()

	closeAll(old)

	m.Log.Info().Int("count", count).Msg("rescale complete")
	return nil
}

// Close disconnects every current and pending shard. It is idempotent.
func (m *Manager) Close() {
	m.mu.Lock()
	shards := m.shards
	pending := m.pending
	m.shards = nil
	m.pending = nil
	m.started = false
	m.mu.Unlock()

	closeAll(shards)
	closeAll(pending)
}

func connectAll(ctx context.Context, shards []*gateway.Shard) error {
	var wg sync.WaitGroup
	errs := make([]error, len(shards))

	for i, sh := range shards {
		wg.Add(1)
		go func(i int, sh *gateway.Shard) {
			defer wg.Done()
			errs[i] = sh.Connect(ctx)
		}(i, sh)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return errors.Wrapf(err, "shard %d failed to connect", shards[i].ID)
		}
	}
	return nil
}

func closeAll(shards []*gateway.Shard) {
	for _, sh := range shards {
		sh.Close()
	}
}
