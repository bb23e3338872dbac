// Package hub multiplexes logical per-entity subscriptions over one
// resilient push connection.
//
// The hub owns the single upstream connection and runs it on its own
// goroutine: dial with exponential backoff, announce the keys that have
// listeners, then read and dispatch inbound events sequentially. All
// listener-map and connection-state mutation happens under one mutex;
// inbound events for a key are therefore delivered to its listeners in
// arrival order, with no ordering promise across keys.
//
// The connection state machine is
//
//	DISCONNECTED -> CONNECTING -> CONNECTED -> (drop) -> CONNECTING -> ...
//
// with FAILED reached only after MaxRetries consecutive dial failures.
// A drop never clears subscriptions: on reconnect the hub re-announces
// every key that still has a listener before accepting new pushes for it.
// Any Subscribe call while FAILED resets the retry budget and kicks the
// dial loop awake.
//
// Transport errors are never surfaced per-call; they reach listeners only
// through the advisory onError callback, which may fire once per failed
// retry while the hub keeps trying.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/freightoptimization/tracking/internal/cache"
	"github.com/freightoptimization/tracking/internal/domain"
	"github.com/freightoptimization/tracking/internal/metrics"
)

// ErrConnection is the transport-level failure reported to onError
// callbacks; it drives the retry state machine and is never returned from
// Subscribe itself.
var ErrConnection = errors.New("push connection error")

// ErrAlreadyStarted is returned by Start when the hub is running.
var ErrAlreadyStarted = errors.New("hub already started")

// State is the hub's connection state.
type State int

// Connection states.
const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateFailed
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Config tunes the reconnect behavior.
type Config struct {
	// MaxRetries is the number of consecutive dial failures tolerated
	// before the hub parks in FAILED.
	MaxRetries int
	// BaseDelay is the first backoff delay; it doubles per consecutive
	// failure up to MaxDelay.
	BaseDelay time.Duration
	// MaxDelay caps the backoff.
	MaxDelay time.Duration
}

// DefaultConfig returns the standard retry tuning: five attempts, one
// second base delay, five second cap.
func DefaultConfig() Config {
	return Config{MaxRetries: 5, BaseDelay: time.Second, MaxDelay: 5 * time.Second}
}

// UpdateFunc receives position updates for a subscribed entity.
type UpdateFunc func(domain.PositionSample)

// ErrorFunc receives advisory transport errors. It may be invoked
// multiple times (e.g. once per failed retry); it is never a one-shot
// termination signal.
type ErrorFunc func(error)

// UnsubscribeFunc removes the listener it was returned for. Idempotent.
type UnsubscribeFunc func()

// LoadStatusFunc receives load_status push events.
type LoadStatusFunc func(LoadStatusEvent)

type listener struct {
	onUpdate UpdateFunc
	onError  ErrorFunc
}

// Hub is the subscription multiplexer. Construct with New, then Start.
// Multiple independent hubs may coexist; there is no package-global
// connection state.
type Hub struct {
	transport Transport
	cache     *cache.PositionCache
	cfg       Config
	logger    zerolog.Logger

	mu            sync.Mutex
	state         State
	conn          Conn
	retries       int
	listeners     map[cache.Key]map[int]listener
	loadListeners map[int]LoadStatusFunc
	nextToken     int
	running       bool

	wake   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Hub over the given transport. cache may be nil to
// disable write-through; cfg zero values fall back to DefaultConfig.
func New(transport Transport, c *cache.PositionCache, cfg Config) *Hub {
	def := DefaultConfig()
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	return &Hub{
		transport:     transport,
		cache:         c,
		cfg:           cfg,
		logger:        log.With().Str("component", "subscription_hub").Logger(),
		state:         StateDisconnected,
		listeners:     make(map[cache.Key]map[int]listener),
		loadListeners: make(map[int]LoadStatusFunc),
		wake:          make(chan struct{}, 1),
	}
}

// State returns the current connection state.
func (h *Hub) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Start launches the connection loop. It returns ErrAlreadyStarted if the
// hub is running. Stop (or canceling ctx) ends the loop.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return ErrAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(ctx)
	h.running = true
	h.cancel = cancel
	h.done = make(chan struct{})
	h.mu.Unlock()

	go h.run(runCtx)
	return nil
}

// Stop tears down the connection and stops the loop. Listener bookkeeping
// survives a Stop/Start cycle.
func (h *Hub) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	cancel, conn, done := h.cancel, h.conn, h.done
	h.mu.Unlock()

	cancel()
	if conn != nil {
		conn.Close()
	}
	<-done
}

// Subscribe registers a listener for (entityType, entityID) updates and
// returns its unsubscribe function. The first listener for a key triggers
// an upstream subscribe message once connected (queued while connecting);
// removing the last listener sends the upstream unsubscribe and drops the
// key. onError may be nil.
func (h *Hub) Subscribe(entityID string, entityType domain.EntityType, onUpdate UpdateFunc, onError ErrorFunc) UnsubscribeFunc {
	key := cache.Key{EntityID: entityID, EntityType: entityType}

	h.mu.Lock()
	token := h.nextToken
	h.nextToken++
	set, ok := h.listeners[key]
	if !ok {
		set = make(map[int]listener)
		h.listeners[key] = set
	}
	set[token] = listener{onUpdate: onUpdate, onError: onError}
	first := len(set) == 1
	conn, state := h.conn, h.state
	if state == StateFailed {
		// A new subscription resets the retry budget and revives the loop.
		h.retries = 0
	}
	metrics.ActiveSubscriptions.Set(float64(len(h.listeners)))
	h.mu.Unlock()

	if state == StateFailed {
		select {
		case h.wake <- struct{}{}:
		default:
		}
	}
	if first && state == StateConnected && conn != nil {
		h.send(conn, controlMessage{Op: opSubscribe, EntityID: entityID, EntityType: entityType})
	}

	var once sync.Once
	return func() {
		once.Do(func() { h.removeListener(key, token) })
	}
}

// SubscribeLoadStatus registers a listener for load_status push events and
// returns its unsubscribe function. Load status rides the shared channel;
// no upstream control message is involved.
func (h *Hub) SubscribeLoadStatus(fn LoadStatusFunc) UnsubscribeFunc {
	h.mu.Lock()
	token := h.nextToken
	h.nextToken++
	h.loadListeners[token] = fn
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.loadListeners, token)
			h.mu.Unlock()
		})
	}
}

// removeListener drops one listener; when its key empties the upstream is
// told to stop sending for that key.
func (h *Hub) removeListener(key cache.Key, token int) {
	h.mu.Lock()
	set, ok := h.listeners[key]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(set, token)
	last := len(set) == 0
	if last {
		delete(h.listeners, key)
	}
	conn, state := h.conn, h.state
	metrics.ActiveSubscriptions.Set(float64(len(h.listeners)))
	h.mu.Unlock()

	if last && state == StateConnected && conn != nil {
		h.send(conn, controlMessage{Op: opUnsubscribe, EntityID: key.EntityID, EntityType: key.EntityType})
	}
}

// run is the connection loop: dial with backoff, resubscribe, then read
// until the connection drops. Exactly one run goroutine exists per
// started hub.
func (h *Hub) run(ctx context.Context) {
	defer func() {
		h.mu.Lock()
		h.running = false
		h.conn = nil
		h.setStateLocked(StateDisconnected)
		h.mu.Unlock()
		close(h.done)
	}()

	attempts := 0
	for {
		if ctx.Err() != nil {
			return
		}

		h.mu.Lock()
		h.setStateLocked(StateConnecting)
		h.mu.Unlock()

		if attempts > 0 {
			metrics.HubReconnects.Inc()
		}
		attempts++

		conn, err := h.transport.Dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			h.mu.Lock()
			h.retries++
			retries := h.retries
			h.mu.Unlock()

			connErr := fmt.Errorf("%w: dial attempt %d: %v", ErrConnection, retries, err)
			h.logger.Warn().Err(err).Int("attempt", retries).Msg("push connection attempt failed")
			h.notifyError(connErr)

			if retries >= h.cfg.MaxRetries {
				h.mu.Lock()
				h.setStateLocked(StateFailed)
				h.mu.Unlock()
				h.logger.Error().Int("attempts", retries).Msg("push connection failed, waiting for new subscribers")
				select {
				case <-ctx.Done():
					return
				case <-h.wake:
				}
				continue
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(h.backoff(retries)):
			}
			continue
		}

		h.mu.Lock()
		h.conn = conn
		h.retries = 0
		h.setStateLocked(StateConnected)
		keys := make([]cache.Key, 0, len(h.listeners))
		for k := range h.listeners {
			keys = append(keys, k)
		}
		h.mu.Unlock()

		h.logger.Info().Int("subscriptions", len(keys)).Msg("push connection established")

		// The upstream forgets subscriptions across a reconnect, so every
		// live key is re-announced before any new push is dispatched.
		resubOK := true
		for _, k := range keys {
			if err := h.send(conn, controlMessage{Op: opSubscribe, EntityID: k.EntityID, EntityType: k.EntityType}); err != nil {
				resubOK = false
				break
			}
		}

		if resubOK {
			h.readLoop(ctx, conn)
		}

		conn.Close()
		h.mu.Lock()
		h.conn = nil
		h.mu.Unlock()
	}
}

// readLoop processes inbound events sequentially until the connection
// drops.
func (h *Hub) readLoop(ctx context.Context, conn Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				h.logger.Warn().Err(err).Msg("push connection dropped")
				h.notifyError(fmt.Errorf("%w: %v", ErrConnection, err))
			}
			return
		}
		h.dispatch(data)
	}
}

// dispatch decodes one inbound frame and fans it out. Position updates
// are written through to the cache before listener delivery so that
// subsequent latest-position reads are warm. A panicking listener is
// logged and must not prevent delivery to its siblings.
func (h *Hub) dispatch(data []byte) {
	var ev pushEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		h.logger.Warn().Err(err).Msg("dropping malformed push frame")
		return
	}

	switch ev.Event {
	case eventPositionUpdate:
		h.dispatchPosition(ev)
	case eventLoadStatus:
		h.dispatchLoadStatus(ev)
	default:
		h.logger.Debug().Str("event", ev.Event).Msg("ignoring unknown push event")
	}
}

func (h *Hub) dispatchPosition(ev pushEvent) {
	entityType, entityID, err := domain.ParseEntityKey(ev.Key)
	if err != nil {
		h.logger.Warn().Err(err).Str("key", ev.Key).Msg("dropping push frame with bad key")
		return
	}

	var sample domain.PositionSample
	if err := json.Unmarshal(ev.Payload, &sample); err != nil {
		h.logger.Warn().Err(err).Str("key", ev.Key).Msg("dropping push frame with bad payload")
		return
	}
	if sample.EntityID == "" {
		sample.EntityID = entityID
	}
	if sample.EntityType == "" {
		sample.EntityType = entityType
	}

	if h.cache != nil {
		h.cache.Put(sample)
	}

	h.mu.Lock()
	set := h.listeners[cache.Key{EntityID: entityID, EntityType: entityType}]
	targets := make([]listener, 0, len(set))
	for _, l := range set {
		targets = append(targets, l)
	}
	h.mu.Unlock()

	start := time.Now()
	for _, l := range targets {
		h.safeUpdate(l.onUpdate, sample)
	}
	metrics.DispatchSeconds.Observe(time.Since(start).Seconds())
}

func (h *Hub) dispatchLoadStatus(ev pushEvent) {
	h.mu.Lock()
	targets := make([]LoadStatusFunc, 0, len(h.loadListeners))
	for _, fn := range h.loadListeners {
		targets = append(targets, fn)
	}
	h.mu.Unlock()

	event := LoadStatusEvent{LoadID: ev.LoadID, Status: ev.Status, Details: ev.Details}
	for _, fn := range targets {
		h.safeLoadStatus(fn, event)
	}
}

// notifyError fans a connection error out to every registered onError
// callback.
func (h *Hub) notifyError(err error) {
	h.mu.Lock()
	targets := make([]ErrorFunc, 0)
	for _, set := range h.listeners {
		for _, l := range set {
			if l.onError != nil {
				targets = append(targets, l.onError)
			}
		}
	}
	h.mu.Unlock()

	for _, fn := range targets {
		h.safeError(fn, err)
	}
}

func (h *Hub) safeUpdate(fn UpdateFunc, sample domain.PositionSample) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error().Interface("panic", r).Str("key", sample.Key()).Msg("listener panicked on update")
		}
	}()
	fn(sample)
}

func (h *Hub) safeError(fn ErrorFunc, err error) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error().Interface("panic", r).Msg("listener panicked on error")
		}
	}()
	fn(err)
}

func (h *Hub) safeLoadStatus(fn LoadStatusFunc, ev LoadStatusEvent) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error().Interface("panic", r).Str("load_id", ev.LoadID).Msg("listener panicked on load status")
		}
	}()
	fn(ev)
}

// send writes one control message, logging failures. A write failure will
// also surface as a read error and drive reconnection.
func (h *Hub) send(conn Conn, msg controlMessage) error {
	if err := conn.WriteJSON(msg); err != nil {
		h.logger.Warn().Err(err).Str("op", msg.Op).Str("entity_id", msg.EntityID).Msg("control message write failed")
		return err
	}
	return nil
}

// backoff returns the delay before the given (1-based) consecutive retry.
func (h *Hub) backoff(attempt int) time.Duration {
	d := h.cfg.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= h.cfg.MaxDelay {
			return h.cfg.MaxDelay
		}
	}
	if d > h.cfg.MaxDelay {
		return h.cfg.MaxDelay
	}
	return d
}

// setStateLocked records a state transition; callers hold h.mu.
func (h *Hub) setStateLocked(s State) {
	if h.state != s {
		h.logger.Debug().Str("from", h.state.String()).Str("to", s.String()).Msg("hub state change")
	}
	h.state = s
	metrics.HubState.Set(float64(s))
}
