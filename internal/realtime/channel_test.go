package realtime

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"shelfmate/internal/events"
	shelfmate_errors "shelfmate/pkg/errors"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

type wsServer struct {
	*httptest.Server
	conns   atomic.Int32
	gotAuth atomic.Value
	inbound chan events.Envelope
}

// newWSServer runs handle for every accepted connection.
func newWSServer(t *testing.T, handle func(n int32, conn *websocket.Conn)) *wsServer {
	t.Helper()
	s := &wsServer{inbound: make(chan events.Envelope, 16)}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.gotAuth.Store(r.Header.Get("Authorization"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		n := s.conns.Add(1)
		handle(n, conn)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *wsServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func newTestChannel(url string, attempts int) *Channel {
	return New(Config{
		URL:         url,
		Token:       "tok",
		MaxAttempts: attempts,
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    40 * time.Millisecond,
	})
}

func frame(t *testing.T, envs ...events.Envelope) []byte {
	t.Helper()
	var parts []string
	for _, env := range envs {
		b, err := env.Encode()
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		parts = append(parts, string(b))
	}
	return []byte(strings.Join(parts, "\n"))
}

func next(t *testing.T, ch <-chan events.Event) events.Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatalf("event queue closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
	}
	return nil
}

func waitState(t *testing.T, ch <-chan events.Event, want State) {
	t.Helper()
	for {
		if sc, ok := next(t, ch).(StateChanged); ok && sc.State == want {
			return
		}
	}
}

func TestChannelDecodesBatchedFrames(t *testing.T) {
	t.Parallel()
	srv := newWSServer(t, func(_ int32, conn *websocket.Conn) {
		defer conn.Close()
		typing, _ := events.NewEnvelope(events.Typing, events.TypingPayload{From: "b"})
		presence, _ := events.NewEnvelope(events.PresenceUpdate, events.PresencePayload{Online: []string{"b"}})
		_ = conn.WriteMessage(websocket.TextMessage, frame(t, typing, presence))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	ch := newTestChannel(srv.wsURL(), 3)
	ch.Start(context.Background())
	defer ch.Close()

	waitState(t, ch.Events(), StateConnected)
	if tc, ok := next(t, ch.Events()).(events.TypingChanged); !ok || tc.From != "b" || !tc.Active {
		t.Fatalf("expected typing from b")
	}
	if pu, ok := next(t, ch.Events()).(events.PresenceUpdated); !ok || len(pu.Online) != 1 {
		t.Fatalf("expected presence update")
	}
	if got, _ := srv.gotAuth.Load().(string); got != "Bearer tok" {
		t.Fatalf("authorization header: %q", got)
	}
}

func TestChannelEmitReachesServer(t *testing.T) {
	t.Parallel()
	var srv *wsServer
	srv = newWSServer(t, func(_ int32, conn *websocket.Conn) {
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			envs, _ := events.SplitFrame(data)
			for _, env := range envs {
				srv.inbound <- env
			}
		}
	})

	ch := newTestChannel(srv.wsURL(), 3)
	ch.Start(context.Background())
	defer ch.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := ch.WaitConnected(ctx); err != nil {
		t.Fatalf("WaitConnected: %v", err)
	}
	if err := ch.EmitTyping("b", true); err != nil {
		t.Fatalf("EmitTyping: %v", err)
	}
	if err := ch.AckDelivered("m1"); err != nil {
		t.Fatalf("AckDelivered: %v", err)
	}

	first := <-srv.inbound
	if first.Type != events.Typing || !strings.Contains(string(first.Payload), `"to":"b"`) {
		t.Fatalf("unexpected first emit: %s %s", first.Type, first.Payload)
	}
	second := <-srv.inbound
	if second.Type != events.MessageDelivered || !strings.Contains(string(second.Payload), `"messageId":"m1"`) {
		t.Fatalf("unexpected second emit: %s %s", second.Type, second.Payload)
	}
}

func TestChannelReconnectsAfterDrop(t *testing.T) {
	t.Parallel()
	srv := newWSServer(t, func(n int32, conn *websocket.Conn) {
		defer conn.Close()
		if n == 1 {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	ch := newTestChannel(srv.wsURL(), 5)
	ch.Start(context.Background())
	defer ch.Close()

	var seen []State
	for len(seen) < 5 {
		if sc, ok := next(t, ch.Events()).(StateChanged); ok {
			seen = append(seen, sc.State)
		}
	}
	want := []State{StateConnecting, StateConnected, StateDisconnected, StateReconnecting, StateConnected}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("states: got %v want %v", seen, want)
		}
	}
	if srv.conns.Load() != 2 {
		t.Fatalf("connections: got %d want 2", srv.conns.Load())
	}
}

func TestChannelGivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	ch := newTestChannel("ws"+strings.TrimPrefix(srv.URL, "http"), 2)
	ch.Start(context.Background())
	defer ch.Close()

	reconnects := 0
	for ev := range ch.Events() {
		if sc, ok := ev.(StateChanged); ok && sc.State == StateReconnecting {
			reconnects++
		}
	}
	if reconnects != 2 {
		t.Fatalf("reconnect attempts: got %d want 2", reconnects)
	}
	if ch.State() != StateClosed {
		t.Fatalf("state: got %s want closed", ch.State())
	}
	if err := ch.WaitConnected(context.Background()); !errors.Is(err, shelfmate_errors.ErrChannelDisconnected) {
		t.Fatalf("WaitConnected after close: %v", err)
	}
}

func TestChannelStartTwiceSingleConnection(t *testing.T) {
	t.Parallel()
	srv := newWSServer(t, func(_ int32, conn *websocket.Conn) {
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	ch := newTestChannel(srv.wsURL(), 3)
	ch.Start(context.Background())
	ch.Start(context.Background())
	defer ch.Close()

	waitState(t, ch.Events(), StateConnected)
	time.Sleep(50 * time.Millisecond)
	if srv.conns.Load() != 1 {
		t.Fatalf("connections: got %d want 1", srv.conns.Load())
	}
}

func TestEmitWhileDisconnected(t *testing.T) {
	t.Parallel()
	ch := newTestChannel("ws://127.0.0.1:1/ws", 1)
	if err := ch.EmitTyping("b", true); !errors.Is(err, shelfmate_errors.ErrChannelDisconnected) {
		t.Fatalf("expected ErrChannelDisconnected, got %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestWebsocketURL(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"http://localhost:8080":      "ws://localhost:8080/ws",
		"https://shelf.example/api/": "wss://shelf.example/api/ws",
	}
	for in, want := range cases {
		got, err := WebsocketURL(in)
		if err != nil {
			t.Fatalf("WebsocketURL(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("WebsocketURL(%q): got %q want %q", in, got, want)
		}
	}
	if _, err := WebsocketURL("ftp://x"); err == nil {
		t.Fatalf("expected error for ftp scheme")
	}
}

type typingCall struct {
	to     string
	active bool
}

type recorder struct {
	mu    sync.Mutex
	calls []typingCall
}

func (r *recorder) emit(to string, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, typingCall{to, active})
	return nil
}

func (r *recorder) snapshot() []typingCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]typingCall(nil), r.calls...)
}

func TestTypistDebounces(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	ty := NewTypist(rec.emit, 30*time.Millisecond, nil)

	for i := 0; i < 5; i++ {
		ty.Keystroke("b")
		time.Sleep(5 * time.Millisecond)
	}
	if got := rec.snapshot(); len(got) != 1 || !got[0].active {
		t.Fatalf("expected a single typing start, got %v", got)
	}

	deadline := time.Now().Add(time.Second)
	for ty.Active("b") && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	got := rec.snapshot()
	if len(got) != 2 || got[1].active || got[1].to != "b" {
		t.Fatalf("expected typing:stop after idle, got %v", got)
	}
}

func TestTypistStopIsImmediateAndOnce(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	ty := NewTypist(rec.emit, time.Hour, nil)

	ty.Keystroke("b")
	ty.Keystroke("c")
	ty.Stop("b")
	ty.Stop("b")
	ty.StopAll()

	got := rec.snapshot()
	if len(got) != 4 {
		t.Fatalf("calls: %v", got)
	}
	if got[2] != (typingCall{"b", false}) || got[3] != (typingCall{"c", false}) {
		t.Fatalf("calls: %v", got)
	}
}
