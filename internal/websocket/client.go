package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"shelfmate/internal/events"
	"shelfmate/internal/middleware"
	"shelfmate/internal/services"
	shelfmate_errors "shelfmate/pkg/errors"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBufferSize = 256
	handlerTimeout = 5 * time.Second
)

var newline = []byte{'\n'}

// Rate limits per minute
type RateLimits struct {
	MaxTypingEvents     int
	MaxDeliveryAcks     int
	MaxPresenceRequests int
	MaxPingMessages     int
}

var DefaultRateLimits = RateLimits{
	MaxTypingEvents:     120,
	MaxDeliveryAcks:     600,
	MaxPresenceRequests: 30,
	MaxPingMessages:     60,
}

// ClientRateLimiter tracks rate limits per connection
type ClientRateLimiter struct {
	limits     RateLimits
	tokens     map[events.Type]int
	lastRefill time.Time
	mu         sync.Mutex
}

func NewClientRateLimiter(limits RateLimits) *ClientRateLimiter {
	rl := &ClientRateLimiter{limits: limits, tokens: make(map[events.Type]int)}
	rl.refill(time.Now())
	return rl
}

func (rl *ClientRateLimiter) refill(now time.Time) {
	rl.tokens[events.Typing] = rl.limits.MaxTypingEvents
	rl.tokens[events.MessageDelivered] = rl.limits.MaxDeliveryAcks
	rl.tokens[events.PresenceRequest] = rl.limits.MaxPresenceRequests
	rl.tokens[events.Ping] = rl.limits.MaxPingMessages
	rl.lastRefill = now
}

// Allow consumes a token for t. typing and typing:stop share a bucket;
// unknown types are always allowed and rejected later.
func (rl *ClientRateLimiter) Allow(t events.Type) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	if now.Sub(rl.lastRefill) >= time.Minute {
		rl.refill(now)
	}
	if t == events.TypingStop {
		t = events.Typing
	}
	n, ok := rl.tokens[t]
	if !ok {
		return true
	}
	if n <= 0 {
		return false
	}
	rl.tokens[t] = n - 1
	return true
}

// Client is one websocket connection of a user.
type Client struct {
	hub         *Hub
	conn        *websocket.Conn
	send        chan []byte
	userID      string
	clientID    string
	rateLimiter *ClientRateLimiter
	connectedAt time.Time
	logger      *Logger

	mu     sync.Mutex
	closed bool
}

func NewClient(hub *Hub, conn *websocket.Conn, userID, clientID string) *Client {
	return &Client{
		hub:         hub,
		conn:        conn,
		send:        make(chan []byte, sendBufferSize),
		userID:      userID,
		clientID:    clientID,
		rateLimiter: NewClientRateLimiter(hub.limits),
		connectedAt: time.Now(),
		logger:      hub.logger,
	}
}

// enqueue queues data without blocking. It reports false when the buffer is
// full or the client was closed.
func (c *Client) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// closeSend stops the write pump, which closes the connection.
func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) emit(t events.Type, payload any) {
	env, err := events.NewEnvelope(t, payload)
	if err != nil {
		c.logger.Error("encode event failed", c.userID, c.clientID, err)
		return
	}
	data, err := env.Encode()
	if err != nil {
		c.logger.Error("encode event failed", c.userID, c.clientID, err)
		return
	}
	if !c.enqueue(data) {
		c.logger.Warn("client send buffer full", c.userID, c.clientID, zap.String("type", string(t)))
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Error("websocket unexpected close", c.userID, c.clientID, err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		envs, errs := events.SplitFrame(frame)
		for _, err := range errs {
			c.logger.Warn("malformed frame", c.userID, c.clientID, zap.Error(err))
		}
		for _, env := range envs {
			if err := c.handleMessage(env); err != nil {
				c.logger.Warn("websocket handle message failed", c.userID, c.clientID,
					zap.String("type", string(env.Type)), zap.Error(err))
				c.emitError(err)
			}
		}
	}
}

func (c *Client) emitError(err error) {
	status := services.HTTPStatus(err)
	msg := err.Error()
	if status >= 500 {
		msg = "internal error"
	}
	c.emit(events.Error, events.ErrorPayload{Code: middleware.ErrorCode(status), Message: msg})
}

func invalidPayload(t events.Type, err error) error {
	return fmt.Errorf("%s payload: %v: %w", t, err, shelfmate_errors.ErrInvalidInput)
}

func (c *Client) handleMessage(env events.Envelope) error {
	if !c.rateLimiter.Allow(env.Type) {
		c.logger.Warn("rate limit exceeded", c.userID, c.clientID, zap.String("msg_type", string(env.Type)))
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	switch env.Type {
	case events.Typing, events.TypingStop:
		return c.handleTyping(ctx, env)
	case events.MessageDelivered:
		return c.handleDelivered(ctx, env)
	case events.PresenceRequest:
		return c.handlePresenceRequest(ctx)
	case events.Ping:
		c.emit(events.Pong, nil)
		return nil
	default:
		return fmt.Errorf("unsupported event %q: %w", env.Type, shelfmate_errors.ErrInvalidInput)
	}
}

func (c *Client) handleTyping(ctx context.Context, env events.Envelope) error {
	var p events.TypingPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return invalidPayload(env.Type, err)
	}
	if p.To == "" {
		return invalidPayload(env.Type, fmt.Errorf("missing to"))
	}
	if p.To == c.userID || c.hub.typing == nil {
		return nil
	}
	c.hub.typing.Typing(ctx, c.userID, p.To, env.Type == events.Typing)
	return nil
}

func (c *Client) handleDelivered(ctx context.Context, env events.Envelope) error {
	var p events.DeliveredPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return invalidPayload(env.Type, err)
	}
	if p.MessageID == "" {
		return invalidPayload(env.Type, fmt.Errorf("missing messageId"))
	}
	if c.hub.deliveries == nil {
		return nil
	}
	_, err := c.hub.deliveries.MarkDelivered(ctx, c.userID, p.MessageID)
	return err
}

func (c *Client) handlePresenceRequest(ctx context.Context) error {
	online, err := c.hub.onlineUsers(ctx)
	if err != nil {
		return err
	}
	c.emit(events.PresenceUpdate, events.PresencePayload{Online: online})
	return nil
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)

			// batch whatever is already queued into the same frame
			n := len(c.send)
			for i := 0; i < n; i++ {
				next, ok := <-c.send
				if !ok {
					break
				}
				_, _ = w.Write(newline)
				_, _ = w.Write(next)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
