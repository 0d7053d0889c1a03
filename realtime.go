package atelier

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the realtime connection.
type RealtimeConfig struct {
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	AuthTimeout          time.Duration
	WriteTimeout         time.Duration
	Logger               *zap.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 3 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.AuthTimeout == 0 {
		c.AuthTimeout = 10 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// ConnState is the lifecycle state of the logical socket.
type ConnState string

const (
	StateDisconnected  ConnState = "disconnected"
	StateConnecting    ConnState = "connecting"
	StateOpen          ConnState = "open"
	StateAuthenticated ConnState = "authenticated"
	StateClosing       ConnState = "closing"
)

// ============================================================================
// Dispatcher
// ============================================================================

// FrameHandler consumes one decoded inbound frame. Handlers run synchronously
// on the read-loop goroutine so state transitions apply in arrival order;
// they must not block.
type FrameHandler func(*Frame)

// StateHandler observes connection state changes. reason is empty except on
// error-driven transitions.
type StateHandler func(state ConnState, reason string)

// Dispatcher is the typed publish/subscribe bus between the socket and its
// consumers. Stores subscribe to frame kinds; UI bridges subscribe to state
// changes; nobody holds the socket directly.
type Dispatcher struct {
	mu     sync.RWMutex
	nextID int
	frames map[FrameKind]map[int]FrameHandler
	all    map[int]FrameHandler
	states map[int]StateHandler
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		frames: make(map[FrameKind]map[int]FrameHandler),
		all:    make(map[int]FrameHandler),
		states: make(map[int]StateHandler),
	}
}

// Subscription cancels a single handler registration. Cancelling never
// touches the socket: other subscribers stay live.
type Subscription struct {
	once   sync.Once
	cancel func()
}

// Cancel removes the handler. Safe to call more than once.
func (s *Subscription) Cancel() {
	if s == nil {
		return
	}
	s.once.Do(s.cancel)
}

// On registers a handler for one frame kind.
func (d *Dispatcher) On(kind FrameKind, h FrameHandler) *Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	id := d.nextID
	if d.frames[kind] == nil {
		d.frames[kind] = make(map[int]FrameHandler)
	}
	d.frames[kind][id] = h
	return &Subscription{cancel: func() {
		d.mu.Lock()
		delete(d.frames[kind], id)
		d.mu.Unlock()
	}}
}

// OnAny registers a handler for every frame, unknown kinds included.
func (d *Dispatcher) OnAny(h FrameHandler) *Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	id := d.nextID
	d.all[id] = h
	return &Subscription{cancel: func() {
		d.mu.Lock()
		delete(d.all, id)
		d.mu.Unlock()
	}}
}

// OnStateChange registers a connection state observer.
func (d *Dispatcher) OnStateChange(h StateHandler) *Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	id := d.nextID
	d.states[id] = h
	return &Subscription{cancel: func() {
		d.mu.Lock()
		delete(d.states, id)
		d.mu.Unlock()
	}}
}

// Dispatch fans a frame out to subscribers, in order, swallowing panics in
// user callbacks so one bad handler cannot kill the read loop.
func (d *Dispatcher) Dispatch(f *Frame) {
	d.mu.RLock()
	handlers := make([]FrameHandler, 0, len(d.frames[f.Kind])+len(d.all))
	for _, h := range d.frames[f.Kind] {
		handlers = append(handlers, h)
	}
	for _, h := range d.all {
		handlers = append(handlers, h)
	}
	d.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() { recover() }()
			h(f)
		}()
	}
}

func (d *Dispatcher) emitState(state ConnState, reason string) {
	d.mu.RLock()
	handlers := make([]StateHandler, 0, len(d.states))
	for _, h := range d.states {
		handlers = append(handlers, h)
	}
	d.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }()
			h(state, reason)
		}()
	}
}

// ============================================================================
// Reconnector
// ============================================================================

// reconnector owns the backoff schedule. The reconnect loop reads it from
// the dead read-loop goroutine while a successful Connect (possibly launched
// by the visibility trigger) resets it, so it carries its own lock.
type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int

	mu      sync.Mutex
	attempt int
}

func newReconnector(cfg *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   cfg.ReconnectBaseDelay,
		maxDelay:    cfg.ReconnectMaxDelay,
		maxAttempts: cfg.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempt < r.maxAttempts
}

// nextDelay returns base·2^attempt capped at maxDelay, then counts the
// attempt. Delays strictly increase until the cap.
func (r *reconnector) nextDelay() (time.Duration, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt)),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay, r.attempt
}

func (r *reconnector) reset() {
	r.mu.Lock()
	r.attempt = 0
	r.mu.Unlock()
}

// ============================================================================
// Conn
// ============================================================================

// Conn owns the one logical socket of a session: connect, authentication
// handshake, reconnection with backoff, and frame transmission. It is a
// constructed value, not a process-wide singleton, so tests can run
// independent instances side by side.
type Conn struct {
	baseURL    string
	cfg        *RealtimeConfig
	log        *zap.Logger
	dispatcher *Dispatcher
	recon      *reconnector

	mu               sync.Mutex
	ws               *websocket.Conn
	state            ConnState
	intentionalClose bool
	cancelFn         context.CancelFunc
	username         string
	lastErr          string
}

// NewConn creates a connection manager bound to a dispatcher. Call Connect
// to establish the socket.
func NewConn(baseURL string, cfg *RealtimeConfig, dispatcher *Dispatcher) *Conn {
	c := *cfg
	c.defaults()
	return &Conn{
		baseURL:    strings.TrimRight(baseURL, "/"),
		cfg:        &c,
		log:        c.Logger,
		dispatcher: dispatcher,
		recon:      newReconnector(&c),
	}
}

// State returns the current connection state.
func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == "" {
		return StateDisconnected
	}
	return c.state
}

// Username returns the authenticated username, empty before the handshake.
func (c *Conn) Username() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.username
}

// LastError returns the reason for the most recent disconnect.
func (c *Conn) LastError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

func (c *Conn) setState(state ConnState, reason string) {
	c.mu.Lock()
	c.state = state
	if reason != "" {
		c.lastErr = reason
	}
	c.mu.Unlock()
	c.dispatcher.emitState(state, reason)
}

func (c *Conn) wsURL() string {
	u := strings.Replace(c.baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + "/ws?token=" + c.cfg.Token
}

// Connect establishes the socket and performs the authentication handshake:
// the server must emit a connection_established frame within AuthTimeout or
// the attempt counts as an authentication failure. Connect is a no-op while
// a connection attempt or an open socket already exists.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateConnecting, StateOpen, StateAuthenticated:
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.intentionalClose = false
	c.mu.Unlock()
	c.dispatcher.emitState(StateConnecting, "")

	ws, _, err := websocket.Dial(ctx, c.wsURL(), nil)
	if err != nil {
		c.setState(StateDisconnected, err.Error())
		return fmt.Errorf("websocket dial: %w", err)
	}
	c.setState(StateOpen, "")

	authCtx, cancelAuth := context.WithTimeout(ctx, c.cfg.AuthTimeout)
	frame, err := c.readFrame(authCtx, ws)
	cancelAuth()
	if err != nil || frame.Kind != FrameConnectionEstablished {
		ws.Close(websocket.StatusPolicyViolation, "authentication failed")
		reason := "authentication failed"
		if err != nil {
			reason = fmt.Sprintf("authentication failed: %v", err)
		}
		c.setState(StateDisconnected, reason)
		return &APIError{Code: "AUTH_FAILED", Message: reason}
	}

	connCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.ws = ws
	c.username = frame.Username
	c.cancelFn = cancel
	c.mu.Unlock()

	// A completed handshake resets the backoff schedule.
	c.recon.reset()
	c.setState(StateAuthenticated, "")
	c.dispatcher.Dispatch(frame)

	go c.readLoop(connCtx, ws)
	return nil
}

// Disconnect closes the socket intentionally; no reconnect is scheduled.
func (c *Conn) Disconnect(reason string) {
	c.mu.Lock()
	c.intentionalClose = true
	ws := c.ws
	c.ws = nil
	if c.cancelFn != nil {
		c.cancelFn()
		c.cancelFn = nil
	}
	c.mu.Unlock()

	c.setState(StateClosing, "")
	if ws != nil {
		ws.Close(websocket.StatusNormalClosure, reason)
	}
	c.setState(StateDisconnected, reason)
}

// Send transmits a frame and reports whether it was written to an
// authenticated socket. Callers queue on false; Send never blocks on
// reconnection.
func (c *Conn) Send(f *OutboundFrame) bool {
	c.mu.Lock()
	ws := c.ws
	ok := c.state == StateAuthenticated && ws != nil
	c.mu.Unlock()
	if !ok {
		return false
	}

	data, err := EncodeFrame(f)
	if err != nil {
		c.log.Warn("encode outbound frame", zap.String("type", string(f.Type)), zap.Error(err))
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.WriteTimeout)
	defer cancel()
	if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
		c.log.Warn("write frame", zap.Error(err))
		return false
	}
	return true
}

// NotifyVisible is the visibility-driven reconnect trigger: when the client
// surfaces while disconnected and the session still holds a token, it
// reconnects immediately instead of waiting for the next backoff tick.
func (c *Conn) NotifyVisible() {
	c.mu.Lock()
	idle := c.state == StateDisconnected && !c.intentionalClose && c.cfg.Token != ""
	c.mu.Unlock()
	if idle {
		go func() {
			if err := c.Connect(context.Background()); err != nil {
				c.log.Warn("visibility reconnect", zap.Error(err))
			}
		}()
	}
}

func (c *Conn) readFrame(ctx context.Context, ws *websocket.Conn) (*Frame, error) {
	_, data, err := ws.Read(ctx)
	if err != nil {
		return nil, err
	}
	return DecodeFrame(data)
}

func (c *Conn) readLoop(ctx context.Context, ws *websocket.Conn) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			c.mu.Lock()
			intentional := c.intentionalClose
			c.ws = nil
			c.mu.Unlock()
			if intentional {
				return
			}

			c.setState(StateDisconnected, err.Error())
			if c.cfg.AutoReconnect {
				c.reconnectLoop()
			}
			return
		}

		frame, err := DecodeFrame(data)
		if err != nil {
			// A single malformed frame never takes the session down.
			c.log.Warn("dropped malformed frame", zap.Error(err))
			c.dispatcher.Dispatch(&Frame{Kind: FrameError, Text: err.Error()})
			continue
		}
		c.dispatcher.Dispatch(frame)
	}
}

// reconnectLoop retries Connect with exponential backoff until it succeeds,
// the attempt cap is reached, or the close becomes intentional. It runs on
// the dead read-loop goroutine.
func (c *Conn) reconnectLoop() {
	for {
		if !c.recon.shouldReconnect() {
			c.log.Warn("reconnect attempts exhausted")
			c.setState(StateDisconnected, "reconnect attempts exhausted")
			return
		}
		delay, attempt := c.recon.nextDelay()
		c.log.Info("scheduling reconnect",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay))
		time.Sleep(delay)

		c.mu.Lock()
		intentional := c.intentionalClose
		c.mu.Unlock()
		if intentional {
			return
		}

		err := c.Connect(context.Background())
		if err == nil {
			return
		}
		if apiErr, ok := err.(*APIError); ok && apiErr.Code == "AUTH_FAILED" {
			// Terminal for this socket: the token was rejected, retrying
			// with the same token cannot succeed.
			return
		}
	}
}
