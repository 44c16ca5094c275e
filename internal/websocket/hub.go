package websocket

import (
	"context"
	"sync/atomic"
	"time"

	"shelfmate/internal/domain/message"
	"shelfmate/internal/events"

	"go.uber.org/zap"
)

const (
	DefaultPresenceInterval      = 30 * time.Second
	DefaultMaxConnectionsPerUser = 5
	storeTimeout                 = 3 * time.Second
)

// PresenceStore counts connections per user, possibly across instances.
type PresenceStore interface {
	Connect(ctx context.Context, userID, clientID string) (bool, error)
	Disconnect(ctx context.Context, userID, clientID string) (bool, error)
	Heartbeat(ctx context.Context, userID string) error
	Online(ctx context.Context) ([]string, error)
}

// DeliveryService records message:delivered acks from recipients.
type DeliveryService interface {
	MarkDelivered(ctx context.Context, recipientID, messageID string) (message.Message, error)
}

// TypingPublisher relays typing indicators to the peer.
type TypingPublisher interface {
	Typing(ctx context.Context, from, to string, active bool)
}

type HubConfig struct {
	Bus                   events.Bus
	Presence              PresenceStore
	Deliveries            DeliveryService
	Typing                TypingPublisher
	PresenceInterval      time.Duration
	MaxConnectionsPerUser int
	RateLimits            RateLimits
	Logger                *zap.Logger
}

// delivery is an encoded envelope for one user, or for every local client
// when userID is empty.
type delivery struct {
	userID string
	data   []byte
}

// Hub owns the local connections. Registration, removal and delivery all
// run on the Run goroutine; clients map is never touched elsewhere.
type Hub struct {
	clients       map[string]map[string]*Client
	register      chan *Client
	unregister    chan *Client
	deliver       chan delivery
	presenceDirty chan struct{}

	bus        events.Bus
	presence   PresenceStore
	deliveries DeliveryService
	typing     TypingPublisher
	interval   time.Duration
	maxPerUser int
	limits     RateLimits
	logger     *Logger

	connections atomic.Int64
	running     atomic.Bool
	done        chan struct{}
}

func NewHub(cfg HubConfig) *Hub {
	if cfg.PresenceInterval <= 0 {
		cfg.PresenceInterval = DefaultPresenceInterval
	}
	if cfg.MaxConnectionsPerUser <= 0 {
		cfg.MaxConnectionsPerUser = DefaultMaxConnectionsPerUser
	}
	if cfg.RateLimits == (RateLimits{}) {
		cfg.RateLimits = DefaultRateLimits
	}
	h := &Hub{
		clients:       make(map[string]map[string]*Client),
		register:      make(chan *Client, 256),
		unregister:    make(chan *Client, 256),
		deliver:       make(chan delivery, 1024),
		presenceDirty: make(chan struct{}, 1),
		bus:           cfg.Bus,
		presence:      cfg.Presence,
		deliveries:    cfg.Deliveries,
		typing:        cfg.Typing,
		interval:      cfg.PresenceInterval,
		maxPerUser:    cfg.MaxConnectionsPerUser,
		limits:        cfg.RateLimits,
		logger:        NewLogger(cfg.Logger),
		done:          make(chan struct{}),
	}
	if h.bus != nil {
		h.bus.Subscribe(h.onEvent)
	}
	return h
}

// onEvent receives bus deliveries, possibly from another instance.
func (h *Hub) onEvent(userID string, env events.Envelope) {
	data, err := env.Encode()
	if err != nil {
		h.logger.Error("encode event failed", userID, "", err)
		return
	}
	select {
	case h.deliver <- delivery{userID: userID, data: data}:
	case <-h.done:
	}
}

func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
		client.conn.Close()
	}
}

func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// ConnectionCount returns the number of local connections.
func (h *Hub) ConnectionCount() int {
	return int(h.connections.Load())
}

// Run processes hub traffic until ctx is cancelled, then closes every
// connection. It returns immediately when already running.
func (h *Hub) Run(ctx context.Context) {
	if !h.running.CompareAndSwap(false, true) {
		return
	}
	defer close(h.done)

	go h.presenceLoop(ctx)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case client := <-h.register:
			h.handleRegister(ctx, client)
		case client := <-h.unregister:
			h.handleUnregister(ctx, client)
		case d := <-h.deliver:
			h.handleDelivery(ctx, d)
		case <-ticker.C:
			h.heartbeat(ctx)
		}
	}
}

func (h *Hub) handleRegister(ctx context.Context, client *Client) {
	set := h.clients[client.userID]
	if set == nil {
		set = make(map[string]*Client)
		h.clients[client.userID] = set
	}

	if len(set) >= h.maxPerUser {
		var oldest *Client
		for _, c := range set {
			if oldest == nil || c.connectedAt.Before(oldest.connectedAt) {
				oldest = c
			}
		}
		h.logger.Warn("max connections per user reached", client.userID, oldest.clientID)
		h.removeClient(ctx, oldest)
		set = h.clients[client.userID]
		if set == nil {
			set = make(map[string]*Client)
			h.clients[client.userID] = set
		}
	}

	set[client.clientID] = client
	h.connections.Add(1)

	if h.presence != nil {
		pctx, cancel := context.WithTimeout(ctx, storeTimeout)
		if _, err := h.presence.Connect(pctx, client.userID, client.clientID); err != nil {
			h.logger.Error("presence connect failed", client.userID, client.clientID, err)
		}
		cancel()
	}
	h.markPresenceDirty()

	h.logger.Info("client connected", client.userID, client.clientID)

	go client.writePump()
	go client.readPump()
}

func (h *Hub) handleUnregister(ctx context.Context, client *Client) {
	if set, ok := h.clients[client.userID]; ok {
		if current, ok := set[client.clientID]; ok && current == client {
			h.removeClient(ctx, client)
			h.logger.Info("client disconnected", client.userID, client.clientID)
		}
	}
}

func (h *Hub) removeClient(ctx context.Context, client *Client) {
	set := h.clients[client.userID]
	delete(set, client.clientID)
	if len(set) == 0 {
		delete(h.clients, client.userID)
	}
	h.connections.Add(-1)
	client.closeSend()

	if h.presence != nil {
		pctx, cancel := context.WithTimeout(ctx, storeTimeout)
		if _, err := h.presence.Disconnect(pctx, client.userID, client.clientID); err != nil {
			h.logger.Error("presence disconnect failed", client.userID, client.clientID, err)
		}
		cancel()
	}
	h.markPresenceDirty()
}

func (h *Hub) handleDelivery(ctx context.Context, d delivery) {
	var targets []*Client
	if d.userID == "" {
		for _, set := range h.clients {
			for _, c := range set {
				targets = append(targets, c)
			}
		}
	} else {
		for _, c := range h.clients[d.userID] {
			targets = append(targets, c)
		}
	}
	for _, c := range targets {
		if !c.enqueue(d.data) {
			// a client that cannot keep up reconnects and rehydrates
			h.logger.Warn("client send buffer full, dropping connection", c.userID, c.clientID)
			h.removeClient(ctx, c)
		}
	}
}

func (h *Hub) heartbeat(ctx context.Context) {
	if h.presence == nil {
		return
	}
	for userID := range h.clients {
		pctx, cancel := context.WithTimeout(ctx, storeTimeout)
		if err := h.presence.Heartbeat(pctx, userID); err != nil {
			h.logger.Warn("presence heartbeat failed", userID, "", zap.Error(err))
		}
		cancel()
	}
}

func (h *Hub) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	for _, set := range h.clients {
		for _, c := range set {
			h.removeClient(ctx, c)
		}
	}
}

func (h *Hub) markPresenceDirty() {
	select {
	case h.presenceDirty <- struct{}{}:
	default:
	}
}

func (h *Hub) onlineUsers(ctx context.Context) ([]string, error) {
	if h.presence == nil {
		return []string{}, nil
	}
	online, err := h.presence.Online(ctx)
	if err != nil {
		return nil, err
	}
	if online == nil {
		online = []string{}
	}
	return online, nil
}

// presenceLoop pushes the full online set. A change is published to every
// online user through the bus; the periodic tick refreshes local clients so
// instances converge after missed updates.
func (h *Hub) presenceLoop(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.presenceDirty:
			h.publishPresence(ctx)
		case <-ticker.C:
			h.refreshLocalPresence(ctx)
		}
	}
}

func (h *Hub) presenceEnvelope(ctx context.Context) (events.Envelope, []string, bool) {
	pctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	online, err := h.onlineUsers(pctx)
	if err != nil {
		h.logger.Error("presence snapshot failed", "", "", err)
		return events.Envelope{}, nil, false
	}
	env, err := events.NewEnvelope(events.PresenceUpdate, events.PresencePayload{Online: online})
	if err != nil {
		h.logger.Error("encode presence failed", "", "", err)
		return events.Envelope{}, nil, false
	}
	return env, online, true
}

func (h *Hub) publishPresence(ctx context.Context) {
	env, online, ok := h.presenceEnvelope(ctx)
	if !ok || len(online) == 0 {
		return
	}
	if h.bus == nil {
		h.refreshLocalPresence(ctx)
		return
	}
	if err := h.bus.Publish(ctx, env, online...); err != nil {
		h.logger.Error("publish presence failed", "", "", err)
	}
}

func (h *Hub) refreshLocalPresence(ctx context.Context) {
	env, _, ok := h.presenceEnvelope(ctx)
	if !ok {
		return
	}
	data, err := env.Encode()
	if err != nil {
		return
	}
	select {
	case h.deliver <- delivery{data: data}:
	case <-ctx.Done():
	}
}
