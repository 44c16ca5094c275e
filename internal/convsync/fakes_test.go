package convsync

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"shelfmate/internal/domain/conversation"
	"shelfmate/internal/domain/message"
	"shelfmate/internal/e2ee"
	"shelfmate/internal/events"
	"shelfmate/internal/keystore"
	"shelfmate/internal/realtime"
	"shelfmate/internal/transport/httpdto"
	shelfmate_errors "shelfmate/pkg/errors"
)

var epoch = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

// fakeServer stands in for the directory and the websocket hub.
type fakeServer struct {
	mu       sync.Mutex
	seq      int
	messages map[string]*message.Message
	convs    map[string][]string // conversation id -> participants
	keys     map[string]e2ee.JWK
	chans    map[string]*fakeChannel
	sendErr  error
	sendGate chan struct{}
	clearErr error
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		messages: map[string]*message.Message{},
		convs:    map[string][]string{},
		keys:     map[string]e2ee.JWK{},
		chans:    map[string]*fakeChannel{},
	}
}

func convID(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return "c-" + a + "-" + b
}

func (s *fakeServer) push(userID string, ev events.Event) {
	s.mu.Lock()
	ch := s.chans[userID]
	s.mu.Unlock()
	if ch != nil {
		ch.events <- ev
	}
}

// store inserts a message as if it had been sent earlier.
func (s *fakeServer) store(from, to, body string, at time.Time) message.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	id := convID(from, to)
	s.convs[id] = []string{from, to}
	m := message.Message{
		ID:             fmt.Sprintf("m-%03d", s.seq),
		ConversationID: id,
		SenderID:       from,
		RecipientID:    to,
		Body:           body,
		Status:         message.StatusSent,
		CreatedAt:      at,
	}
	s.messages[m.ID] = &m
	return m
}

type fakeDir struct {
	srv  *fakeServer
	self string
}

func (d *fakeDir) ConversationWith(ctx context.Context, peerID string) (*conversation.Conversation, error) {
	d.srv.mu.Lock()
	defer d.srv.mu.Unlock()
	id := convID(d.self, peerID)
	parts, ok := d.srv.convs[id]
	if !ok {
		return nil, nil
	}
	conv := &conversation.Conversation{ID: id, Participants: parts}
	for _, m := range d.srv.messages {
		if m.ConversationID == id {
			conv.Messages = append(conv.Messages, *m)
		}
	}
	sort.Slice(conv.Messages, func(i, j int) bool {
		return conv.Messages[i].CreatedAt.After(conv.Messages[j].CreatedAt)
	})
	return conv, nil
}

func (d *fakeDir) SendMessage(ctx context.Context, peerID string, req httpdto.SendMessageRequest) (message.Message, error) {
	if gate := d.srv.sendGate; gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return message.Message{}, ctx.Err()
		}
	}
	d.srv.mu.Lock()
	if d.srv.sendErr != nil {
		err := d.srv.sendErr
		d.srv.mu.Unlock()
		return message.Message{}, err
	}
	d.srv.seq++
	id := convID(d.self, peerID)
	d.srv.convs[id] = []string{d.self, peerID}
	m := message.Message{
		ID:             fmt.Sprintf("m-%03d", d.srv.seq),
		ConversationID: id,
		SenderID:       d.self,
		RecipientID:    peerID,
		Body:           req.Message,
		Ciphertext:     req.Ciphertext,
		IV:             req.IV,
		Salt:           req.Salt,
		Alg:            req.Alg,
		Status:         message.StatusSent,
		CreatedAt:      epoch.Add(time.Duration(d.srv.seq) * time.Minute),
	}
	d.srv.messages[m.ID] = &m
	d.srv.mu.Unlock()

	d.srv.push(peerID, events.MessageReceived{Message: m})
	d.srv.push(d.self, events.MessageReceived{Message: m})
	return m, nil
}

func (d *fakeDir) PeerKey(ctx context.Context, userID string) (e2ee.JWK, error) {
	d.srv.mu.Lock()
	defer d.srv.mu.Unlock()
	k, ok := d.srv.keys[userID]
	if !ok {
		return e2ee.JWK{}, shelfmate_errors.ErrPeerKeyUnknown
	}
	return k, nil
}

func (d *fakeDir) ClearConversation(ctx context.Context, conversationID string) error {
	d.srv.mu.Lock()
	if d.srv.clearErr != nil {
		err := d.srv.clearErr
		d.srv.mu.Unlock()
		return err
	}
	parts := d.srv.convs[conversationID]
	for id, m := range d.srv.messages {
		if m.ConversationID == conversationID {
			delete(d.srv.messages, id)
		}
	}
	d.srv.mu.Unlock()
	for _, p := range parts {
		d.srv.push(p, events.ConversationClearedEvent{ConversationID: conversationID})
	}
	return nil
}

func (d *fakeDir) MarkRead(ctx context.Context, conversationID string) ([]message.ReadReceipt, error) {
	d.srv.mu.Lock()
	var receipts []message.ReadReceipt
	var sender string
	for _, m := range d.srv.messages {
		if m.ConversationID == conversationID && m.RecipientID == d.self && m.Status != message.StatusRead {
			at := epoch.Add(time.Hour)
			m.Status = message.StatusRead
			m.ReadAt = &at
			sender = m.SenderID
			receipts = append(receipts, message.ReadReceipt{MessageID: m.ID, ConversationID: conversationID, ReadAt: at})
		}
	}
	d.srv.mu.Unlock()
	if sender != "" {
		d.srv.push(sender, events.MessagesReadEvent{Receipts: receipts})
	}
	return receipts, nil
}

type fakeChannel struct {
	srv    *fakeServer
	self   string
	events chan events.Event

	mu       sync.Mutex
	ready    chan struct{}
	up       bool
	typing   []typingCall
	presReqs int
}

func newFakeChannel(srv *fakeServer, self string) *fakeChannel {
	ch := &fakeChannel{srv: srv, self: self, events: make(chan events.Event, 256), ready: make(chan struct{})}
	srv.mu.Lock()
	srv.chans[self] = ch
	srv.mu.Unlock()
	return ch
}

func (c *fakeChannel) Events() <-chan events.Event { return c.events }

func (c *fakeChannel) connect() {
	c.mu.Lock()
	if !c.up {
		c.up = true
		close(c.ready)
	}
	c.mu.Unlock()
	c.events <- realtime.StateChanged{State: realtime.StateConnected}
}

func (c *fakeChannel) disconnect() {
	c.mu.Lock()
	if c.up {
		c.up = false
		c.ready = make(chan struct{})
	}
	c.mu.Unlock()
	c.events <- realtime.StateChanged{State: realtime.StateDisconnected}
}

func (c *fakeChannel) WaitConnected(ctx context.Context) error {
	c.mu.Lock()
	ready := c.ready
	c.mu.Unlock()
	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *fakeChannel) isUp() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.up
}

func (c *fakeChannel) EmitTyping(to string, active bool) error {
	if !c.isUp() {
		return shelfmate_errors.ErrChannelDisconnected
	}
	c.mu.Lock()
	c.typing = append(c.typing, typingCall{to: to, active: active})
	c.mu.Unlock()
	c.srv.push(to, events.TypingChanged{From: c.self, Active: active})
	return nil
}

func (c *fakeChannel) AckDelivered(messageID string) error {
	if !c.isUp() {
		return shelfmate_errors.ErrChannelDisconnected
	}
	c.srv.mu.Lock()
	m, ok := c.srv.messages[messageID]
	if !ok || m.RecipientID != c.self {
		c.srv.mu.Unlock()
		return nil
	}
	at := epoch.Add(30 * time.Minute)
	m.Status = m.Status.Advance(message.StatusDelivered)
	m.DeliveredAt = &at
	sender := m.SenderID
	c.srv.mu.Unlock()
	c.srv.push(sender, events.MessageDeliveredEvent{MessageID: messageID, DeliveredAt: at})
	return nil
}

func (c *fakeChannel) RequestPresence() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.presReqs++
	return nil
}

func (c *fakeChannel) presenceRequests() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.presReqs
}

type typingCall struct {
	to     string
	active bool
}

func (c *fakeChannel) typingCalls() []typingCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]typingCall(nil), c.typing...)
}

type fakeKeys struct {
	pair  *keystore.DeviceKeyPair
	ready bool
}

func (k *fakeKeys) KeyPair() (*keystore.DeviceKeyPair, bool) { return k.pair, k.pair != nil }
func (k *fakeKeys) Ready() bool                              { return k.ready }

func newKeys(t *testing.T) *fakeKeys {
	t.Helper()
	priv, err := e2ee.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	jwk, err := e2ee.PublicJWK(priv.PublicKey())
	if err != nil {
		t.Fatalf("jwk: %v", err)
	}
	return &fakeKeys{pair: &keystore.DeviceKeyPair{PrivateKey: priv, PublicKeyJwk: jwk}, ready: true}
}

type fakeList struct {
	mu        sync.Mutex
	bumped    map[string]int
	cleared   []string
	refreshes int
}

func newFakeList() *fakeList { return &fakeList{bumped: map[string]int{}} }

func (l *fakeList) RefreshAsync() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refreshes++
}

func (l *fakeList) BumpUnread(id string, m *message.Message) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.bumped[id]++
	return true
}

func (l *fakeList) ClearUnread(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.bumped[id] = 0
}

func (l *fakeList) Cleared(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cleared = append(l.cleared, id)
}

func (l *fakeList) unread(id string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.bumped[id]
}

type peer struct {
	id     string
	engine *Engine
	ch     *fakeChannel
	keys   *fakeKeys
	list   *fakeList
}

// newPeer starts an engine for id with a connected channel and a published key.
func newPeer(t *testing.T, srv *fakeServer, id string) *peer {
	t.Helper()
	p := &peer{id: id, ch: newFakeChannel(srv, id), keys: newKeys(t), list: newFakeList()}
	srv.mu.Lock()
	srv.keys[id] = p.keys.pair.PublicKeyJwk
	srv.mu.Unlock()

	p.engine = New(Config{
		Self:       id,
		Directory:  &fakeDir{srv: srv, self: id},
		Channel:    p.ch,
		Keys:       p.keys,
		List:       p.list,
		TypingIdle: time.Hour,
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.engine.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	p.ch.connect()
	return p
}

// eventually polls the view of peerID until cond holds.
func eventually(t *testing.T, e *Engine, peerID string, what string, cond func(View) bool) View {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		v, err := e.ViewOf(context.Background(), peerID)
		if err != nil {
			t.Fatalf("ViewOf: %v", err)
		}
		if cond(v) {
			return v
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s; last view: %+v", what, v)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func ids(v View) []string {
	out := make([]string, 0, len(v.Messages))
	for _, m := range v.Messages {
		out = append(out, m.ID)
	}
	return out
}
