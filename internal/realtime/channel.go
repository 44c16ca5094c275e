// Package realtime is the client end of the push connection: one
// authenticated websocket per session, decoded into typed events, with
// bounded reconnects.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"shelfmate/internal/events"
	shelfmate_errors "shelfmate/pkg/errors"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	maxMessageSize = 512 * 1024
	eventQueueSize = 256
)

type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateReconnecting State = "reconnecting"
	StateClosed       State = "closed"
)

// StateEvent is the queue type of StateChanged. It never appears on the wire.
const StateEvent events.Type = "channel:state"

// StateChanged is delivered on the event queue in order with pushed events.
type StateChanged struct {
	State   State
	Attempt int
	Err     error
}

func (StateChanged) EventType() events.Type { return StateEvent }

type Config struct {
	// URL is the websocket endpoint, e.g. ws://localhost:8080/ws.
	URL         string
	Token       string
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Dialer      *websocket.Dialer
	Logger      *zap.Logger
}

type Channel struct {
	cfg    Config
	logger *zap.Logger
	events chan events.Event

	mu      sync.Mutex
	state   State
	conn    *websocket.Conn
	ready   chan struct{}
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
	closed  chan struct{}

	writeMu sync.Mutex
}

func New(cfg Config) *Channel {
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Channel{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "realtime")),
		events: make(chan events.Event, eventQueueSize),
		state:  StateDisconnected,
		ready:  make(chan struct{}),
		closed: make(chan struct{}),
	}
}

// WebsocketURL derives the push endpoint from the REST base URL.
func WebsocketURL(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String(), nil
}

// Events returns the inbound queue. It is closed after the channel reaches
// StateClosed.
func (c *Channel) Events() <-chan events.Event {
	return c.events
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start begins connecting in the background. Calling it again is a no-op.
func (c *Channel) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return
	}
	c.started = true
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	go c.run(ctx)
}

// Close ends the session's connection for good.
func (c *Channel) Close() error {
	c.mu.Lock()
	if !c.started {
		c.started = true
		c.state = StateClosed
		close(c.closed)
		close(c.events)
		c.mu.Unlock()
		return nil
	}
	cancel, done, conn := c.cancel, c.done, c.conn
	c.mu.Unlock()
	if cancel == nil {
		return nil
	}

	cancel()
	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = conn.Close()
	}
	<-done
	return nil
}

// WaitConnected blocks until the channel is connected. It fails with
// ErrChannelDisconnected once the channel is closed.
func (c *Channel) WaitConnected(ctx context.Context) error {
	c.mu.Lock()
	ready := c.ready
	c.mu.Unlock()
	select {
	case <-ready:
		return nil
	case <-c.closed:
		return shelfmate_errors.ErrChannelDisconnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Emit writes one envelope. It fails fast when not connected; typing and
// acks are advisory and are not queued.
func (c *Channel) Emit(env events.Envelope) error {
	c.mu.Lock()
	conn, state := c.conn, c.state
	c.mu.Unlock()
	if conn == nil || state != StateConnected {
		return shelfmate_errors.ErrChannelDisconnected
	}

	data, err := env.Encode()
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("emit %s: %v: %w", env.Type, err, shelfmate_errors.ErrChannelDisconnected)
	}
	return nil
}

func (c *Channel) EmitTyping(to string, active bool) error {
	t := events.TypingStop
	if active {
		t = events.Typing
	}
	env, err := events.NewEnvelope(t, events.TypingPayload{To: to})
	if err != nil {
		return err
	}
	return c.Emit(env)
}

func (c *Channel) AckDelivered(messageID string) error {
	env, err := events.NewEnvelope(events.MessageDelivered, events.DeliveredPayload{MessageID: messageID})
	if err != nil {
		return err
	}
	return c.Emit(env)
}

func (c *Channel) RequestPresence() error {
	return c.Emit(events.Envelope{Type: events.PresenceRequest})
}

func (c *Channel) run(ctx context.Context) {
	defer close(c.done)
	defer func() {
		c.setState(ctx, StateClosed, 0, ctx.Err())
		close(c.closed)
		close(c.events)
	}()

	attempt := 0
	for {
		if attempt == 0 {
			c.setState(ctx, StateConnecting, 0, nil)
		} else {
			c.setState(ctx, StateReconnecting, attempt, nil)
		}

		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			attempt++
			c.logger.Warn("websocket dial failed", zap.Int("attempt", attempt), zap.Error(err))
			if c.cfg.MaxAttempts > 0 && attempt > c.cfg.MaxAttempts {
				c.logger.Error("giving up reconnecting", zap.Int("attempts", c.cfg.MaxAttempts))
				return
			}
			if !sleep(ctx, c.backoff(attempt)) {
				return
			}
			continue
		}

		attempt = 0
		err = c.serve(ctx, conn)
		if ctx.Err() != nil {
			return
		}
		c.setState(ctx, StateDisconnected, 0, err)
		attempt = 1
		if !sleep(ctx, c.backoff(attempt)) {
			return
		}
	}
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.cfg.Token)
	conn, resp, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s: %w", c.cfg.URL, resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}
	return conn, nil
}

// serve owns conn until the first read error.
func (c *Channel) serve(ctx context.Context, conn *websocket.Conn) error {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.setState(ctx, StateConnected, 0, nil)

	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && ctx.Err() == nil {
				c.logger.Warn("websocket closed", zap.Error(err))
			}
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		envs, errs := events.SplitFrame(frame)
		for _, err := range errs {
			c.logger.Warn("dropping malformed frame", zap.Error(err))
		}
		for _, env := range envs {
			if env.Type == events.Pong {
				continue
			}
			ev, err := events.Decode(env)
			if err != nil {
				c.logger.Debug("dropping event", zap.String("type", string(env.Type)), zap.Error(err))
				continue
			}
			if !c.deliver(ctx, ev) {
				return ctx.Err()
			}
		}
	}
}

func (c *Channel) setState(ctx context.Context, s State, attempt int, err error) {
	c.mu.Lock()
	if c.state == s && s != StateReconnecting {
		c.mu.Unlock()
		return
	}
	c.state = s
	switch s {
	case StateConnected:
		close(c.ready)
	default:
		select {
		case <-c.ready:
			c.ready = make(chan struct{})
		default:
		}
	}
	c.mu.Unlock()

	c.logger.Debug("channel state", zap.String("state", string(s)), zap.Int("attempt", attempt))
	ev := StateChanged{State: s, Attempt: attempt, Err: err}
	if s == StateClosed {
		// the consumer may already be gone
		select {
		case c.events <- ev:
		default:
		}
		return
	}
	c.deliver(ctx, ev)
}

func (c *Channel) deliver(ctx context.Context, ev events.Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// backoff is exponential in attempt, capped at MaxDelay.
func (c *Channel) backoff(attempt int) time.Duration {
	d := c.cfg.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= c.cfg.MaxDelay {
			return c.cfg.MaxDelay
		}
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
