package websocket

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"shelfmate/internal/domain/message"
	"shelfmate/internal/events"
	"shelfmate/internal/presence"
	"shelfmate/internal/proxy"
	"shelfmate/internal/repository"
	"shelfmate/internal/services"
	"shelfmate/internal/transport/httpdto"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

type testEnv struct {
	server   *httptest.Server
	hub      *Hub
	messages *services.MessageService
}

func newTestEnv(t *testing.T, maxPerUser int) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := repository.NewMemoryStore().Store()
	bus := events.NewLocalBus()
	access := proxy.NewAccessControl(store.Conversations)
	pub := services.NewEventPublisher(bus, nil)
	msgs := services.NewMessageService(store, access, pub, nil)

	hub := NewHub(HubConfig{
		Bus:                   bus,
		Presence:              presence.NewMemoryStore(),
		Deliveries:            msgs,
		Typing:                pub,
		PresenceInterval:      time.Minute,
		MaxConnectionsPerUser: maxPerUser,
	})
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	r := gin.New()
	// stands in for AuthMiddleware
	r.GET("/ws", func(c *gin.Context) {
		ctx := services.WithUserContext(c.Request.Context(), c.Query("user"))
		c.Request = c.Request.WithContext(ctx)
	}, NewHandler(hub).Connect)

	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return &testEnv{server: srv, hub: hub, messages: msgs}
}

type peer struct {
	t       *testing.T
	conn    *websocket.Conn
	pending []events.Envelope
}

// dial connects userID and waits until the hub reports it online.
func (e *testEnv) dial(t *testing.T, userID string) *peer {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/ws?user=" + userID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", userID, err)
	}
	t.Cleanup(func() { conn.Close() })
	p := &peer{t: t, conn: conn}
	p.waitPresence(func(online []string) bool { return slices.Contains(online, userID) })
	return p
}

func (p *peer) send(t events.Type, payload any) {
	p.t.Helper()
	env, err := events.NewEnvelope(t, payload)
	if err != nil {
		p.t.Fatal(err)
	}
	if err := p.conn.WriteJSON(env); err != nil {
		p.t.Fatalf("write %s: %v", t, err)
	}
}

func (p *peer) next(deadline time.Time) (events.Envelope, error) {
	for len(p.pending) == 0 {
		_ = p.conn.SetReadDeadline(deadline)
		_, frame, err := p.conn.ReadMessage()
		if err != nil {
			return events.Envelope{}, err
		}
		envs, _ := events.SplitFrame(frame)
		p.pending = append(p.pending, envs...)
	}
	env := p.pending[0]
	p.pending = p.pending[1:]
	return env, nil
}

// waitFor skips envelopes until one of type t satisfies match.
func (p *peer) waitFor(t events.Type, match func(events.Envelope) bool) events.Envelope {
	p.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		env, err := p.next(deadline)
		if err != nil {
			p.t.Fatalf("waiting for %s: %v", t, err)
		}
		if env.Type == t && (match == nil || match(env)) {
			return env
		}
	}
}

func (p *peer) waitPresence(match func([]string) bool) []string {
	p.t.Helper()
	var online []string
	p.waitFor(events.PresenceUpdate, func(env events.Envelope) bool {
		var pl events.PresencePayload
		if err := json.Unmarshal(env.Payload, &pl); err != nil {
			return false
		}
		online = pl.Online
		return match(online)
	})
	return online
}

func TestPresenceFollowsConnections(t *testing.T) {
	env := newTestEnv(t, 0)
	alice := env.dial(t, "alice")
	bob := env.dial(t, "bob")

	alice.waitPresence(func(online []string) bool {
		return slices.Equal(online, []string{"alice", "bob"})
	})

	bob.conn.Close()
	alice.waitPresence(func(online []string) bool {
		return slices.Equal(online, []string{"alice"})
	})
}

func TestPresenceRequestRepliesToCaller(t *testing.T) {
	env := newTestEnv(t, 0)
	alice := env.dial(t, "alice")
	alice.pending = nil

	alice.send(events.PresenceRequest, nil)
	online := alice.waitPresence(func([]string) bool { return true })
	if !slices.Equal(online, []string{"alice"}) {
		t.Fatalf("online = %v", online)
	}
}

func TestTypingIsRelayedToPeer(t *testing.T) {
	env := newTestEnv(t, 0)
	alice := env.dial(t, "alice")
	bob := env.dial(t, "bob")

	alice.send(events.Typing, events.TypingPayload{To: "bob"})
	got := bob.waitFor(events.Typing, nil)
	var p events.TypingPayload
	if err := json.Unmarshal(got.Payload, &p); err != nil {
		t.Fatal(err)
	}
	if p.From != "alice" || p.To != "" {
		t.Fatalf("typing payload = %+v", p)
	}

	alice.send(events.TypingStop, events.TypingPayload{To: "bob"})
	bob.waitFor(events.TypingStop, nil)
}

func TestMessageNewAndDeliveredAck(t *testing.T) {
	env := newTestEnv(t, 0)
	alice := env.dial(t, "alice")
	bob := env.dial(t, "bob")

	sent, err := env.messages.Send(context.Background(), "alice", "bob", httpdto.SendMessageRequest{Message: "Hello"})
	if err != nil {
		t.Fatal(err)
	}

	for _, p := range []*peer{alice, bob} {
		got := p.waitFor(events.MessageNew, nil)
		var m message.Message
		if err := json.Unmarshal(got.Payload, &m); err != nil {
			t.Fatal(err)
		}
		if m.ID != sent.ID || m.Body != "Hello" {
			t.Fatalf("message:new = %+v", m)
		}
	}

	bob.send(events.MessageDelivered, events.DeliveredPayload{MessageID: sent.ID})
	got := alice.waitFor(events.MessageDelivered, nil)
	var d events.DeliveredPayload
	if err := json.Unmarshal(got.Payload, &d); err != nil {
		t.Fatal(err)
	}
	if d.MessageID != sent.ID || d.ConversationID != sent.ConversationID || d.DeliveredAt == nil {
		t.Fatalf("delivered payload = %+v", d)
	}
}

func TestDeliveredAckFromSenderIsRejected(t *testing.T) {
	env := newTestEnv(t, 0)
	alice := env.dial(t, "alice")

	sent, err := env.messages.Send(context.Background(), "alice", "bob", httpdto.SendMessageRequest{Message: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	alice.send(events.MessageDelivered, events.DeliveredPayload{MessageID: sent.ID})
	got := alice.waitFor(events.Error, nil)
	var e events.ErrorPayload
	if err := json.Unmarshal(got.Payload, &e); err != nil {
		t.Fatal(err)
	}
	if e.Code != httpdto.CodeForbidden {
		t.Fatalf("error code = %q", e.Code)
	}
}

func TestPingInBatchedFrame(t *testing.T) {
	env := newTestEnv(t, 0)
	alice := env.dial(t, "alice")

	frame := `{"type":"ping"}` + "\n" + `{"type":"ping"}`
	if err := alice.conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatal(err)
	}
	alice.waitFor(events.Pong, nil)
	alice.waitFor(events.Pong, nil)
}

func TestUnknownEventReportsError(t *testing.T) {
	env := newTestEnv(t, 0)
	alice := env.dial(t, "alice")

	alice.send(events.Type("book:borrow"), nil)
	got := alice.waitFor(events.Error, nil)
	var e events.ErrorPayload
	if err := json.Unmarshal(got.Payload, &e); err != nil {
		t.Fatal(err)
	}
	if e.Code != httpdto.CodeInvalidInput {
		t.Fatalf("error code = %q", e.Code)
	}
}

func TestOldestConnectionIsEvicted(t *testing.T) {
	env := newTestEnv(t, 1)
	first := env.dial(t, "alice")
	second := env.dial(t, "alice")

	deadline := time.Now().Add(3 * time.Second)
	for {
		if _, err := first.next(deadline); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				break
			}
			t.Fatalf("first connection ended with %v", err)
		}
	}

	second.send(events.Ping, nil)
	second.waitFor(events.Pong, nil)
	if n := env.hub.ConnectionCount(); n != 1 {
		t.Fatalf("connections = %d", n)
	}
}

func TestClientRateLimiterSharesTypingBucket(t *testing.T) {
	rl := NewClientRateLimiter(RateLimits{MaxTypingEvents: 2, MaxPingMessages: 1})
	if !rl.Allow(events.Typing) || !rl.Allow(events.TypingStop) {
		t.Fatal("first two typing events should pass")
	}
	if rl.Allow(events.Typing) {
		t.Fatal("third typing event should be limited")
	}
	if !rl.Allow(events.Ping) || rl.Allow(events.Ping) {
		t.Fatal("ping bucket not applied")
	}
	if !rl.Allow(events.Type("other")) {
		t.Fatal("unknown types are not limited")
	}
}
