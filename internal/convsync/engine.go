// Package convsync is the single owner of conversation state on the client.
// It merges REST history with push events into one ordered, de-duplicated
// message list per conversation and runs the optimistic send lifecycle.
//
// All state lives in one goroutine (Run). Public methods post closures to it;
// network calls and decryption run outside and post their results back.
package convsync

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"shelfmate/internal/domain/conversation"
	"shelfmate/internal/domain/message"
	"shelfmate/internal/e2ee"
	"shelfmate/internal/events"
	"shelfmate/internal/keystore"
	"shelfmate/internal/presence"
	"shelfmate/internal/realtime"
	"shelfmate/internal/transport/httpdto"

	"go.uber.org/zap"
)

var errEngineClosed = errors.New("conversation engine closed")

// Directory is the REST surface the engine needs.
type Directory interface {
	ConversationWith(ctx context.Context, peerID string) (*conversation.Conversation, error)
	SendMessage(ctx context.Context, peerID string, req httpdto.SendMessageRequest) (message.Message, error)
	PeerKey(ctx context.Context, userID string) (e2ee.JWK, error)
	ClearConversation(ctx context.Context, conversationID string) error
	MarkRead(ctx context.Context, conversationID string) ([]message.ReadReceipt, error)
}

// Channel is the push connection.
type Channel interface {
	Events() <-chan events.Event
	EmitTyping(to string, active bool) error
	AckDelivered(messageID string) error
	RequestPresence() error
	WaitConnected(ctx context.Context) error
}

// Keys exposes the device keypair.
type Keys interface {
	KeyPair() (*keystore.DeviceKeyPair, bool)
	// Ready reports whether the public half is published.
	Ready() bool
}

// ConversationList is the list cache kept in step with pushed events.
type ConversationList interface {
	RefreshAsync()
	BumpUnread(conversationID string, m *message.Message) bool
	ClearUnread(conversationID string)
	Cleared(conversationID string)
}

type Config struct {
	Self       string
	Directory  Directory
	Channel    Channel
	Keys       Keys
	List       ConversationList
	Presence   *presence.Tracker
	TypingIdle time.Duration
	// RequestTimeout bounds background REST calls.
	RequestTimeout time.Duration
	Logger         *zap.Logger
}

type Engine struct {
	self     string
	dir      Directory
	ch       Channel
	keys     Keys
	list     ConversationList
	presence *presence.Tracker
	typist   *realtime.Typist
	timeout  time.Duration
	logger   *zap.Logger

	ops     chan func()
	changes chan struct{}
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
	started atomic.Bool

	activePeer atomic.Value

	// owned by the loop
	convs         map[string]*convState
	byConvID      map[string]string
	index         map[string]string
	active        string
	everConnected bool
	connected     bool
	seq           uint64
	plaintext     map[string]string
	undecryptable map[string]bool
	decrypting    map[string]bool
	counted       map[string]struct{}
	countedOrder  []string
}

func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	pres := cfg.Presence
	if pres == nil {
		pres = presence.NewTracker()
	}
	e := &Engine{
		self:          cfg.Self,
		dir:           cfg.Directory,
		ch:            cfg.Channel,
		keys:          cfg.Keys,
		list:          cfg.List,
		presence:      pres,
		timeout:       timeout,
		logger:        logger.With(zap.String("component", "convsync")),
		ops:           make(chan func(), 64),
		changes:       make(chan struct{}, 1),
		done:          make(chan struct{}),
		stopped:       make(chan struct{}),
		convs:         map[string]*convState{},
		byConvID:      map[string]string{},
		index:         map[string]string{},
		plaintext:     map[string]string{},
		undecryptable: map[string]bool{},
		decrypting:    map[string]bool{},
		counted:       map[string]struct{}{},
	}
	if e.list == nil {
		e.list = nopList{}
	}
	e.typist = realtime.NewTypist(cfg.Channel.EmitTyping, cfg.TypingIdle, e.logger)
	e.activePeer.Store("")
	return e
}

// Changes fires (coalesced) after every state mutation.
func (e *Engine) Changes() <-chan struct{} {
	return e.changes
}

// Presence is the tracker fed by presence:update.
func (e *Engine) Presence() *presence.Tracker {
	return e.presence
}

// Run owns the state until ctx ends or Close is called.
func (e *Engine) Run(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return errors.New("engine already running")
	}
	defer close(e.stopped)
	defer e.typist.StopAll()

	evs := e.ch.Events()
	for {
		select {
		case op := <-e.ops:
			op()
		case ev, ok := <-evs:
			if !ok {
				evs = nil
				e.setConnected(false)
				continue
			}
			e.apply(ev)
		case <-ctx.Done():
			e.shutdown()
			return ctx.Err()
		case <-e.done:
			return nil
		}
	}
}

// Close stops the loop. Pending calls fail with errEngineClosed.
func (e *Engine) Close() {
	e.shutdown()
	if e.started.Load() {
		<-e.stopped
	}
}

func (e *Engine) shutdown() {
	e.once.Do(func() { close(e.done) })
}

// call runs fn on the loop and waits for it.
func (e *Engine) call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	op := func() {
		defer close(finished)
		fn()
	}
	select {
	case e.ops <- op:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return errEngineClosed
	}
	select {
	case <-finished:
		return nil
	case <-e.done:
		return errEngineClosed
	}
}

// post hands fn to the loop without waiting. Safe from any goroutine
// except the loop itself.
func (e *Engine) post(fn func()) {
	select {
	case e.ops <- fn:
	case <-e.done:
	}
}

func (e *Engine) notify() {
	select {
	case e.changes <- struct{}{}:
	default:
	}
}

func (e *Engine) bg() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	go func() {
		select {
		case <-e.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func (e *Engine) conv(peerID string) *convState {
	cs, ok := e.convs[peerID]
	if !ok {
		cs = newConvState(peerID)
		e.convs[peerID] = cs
	}
	return cs
}

func (e *Engine) bindConversation(cs *convState, conversationID string) {
	if conversationID == "" || cs.conversationID == conversationID {
		return
	}
	cs.conversationID = conversationID
	e.byConvID[conversationID] = cs.peerID
}

// insert adds m or merges it into the known copy. It reports whether m was new.
func (e *Engine) insert(cs *convState, m message.Message, outgoing Outgoing) (*entry, bool) {
	if existing, ok := cs.entries[m.ID]; ok {
		if existing.merge(m) {
			e.notify()
		}
		return existing, false
	}
	e.seq++
	en := &entry{msg: m, outgoing: outgoing, seq: e.seq}
	cs.entries[m.ID] = en
	e.index[m.ID] = cs.peerID
	e.bindConversation(cs, m.ConversationID)
	e.notify()
	return en, true
}

func (e *Engine) remove(cs *convState, id string) {
	if _, ok := cs.entries[id]; !ok {
		return
	}
	delete(cs.entries, id)
	delete(e.index, id)
	e.notify()
}

// lookup finds a loaded message by server id.
func (e *Engine) lookup(id string) (*convState, *entry) {
	peer, ok := e.index[id]
	if !ok {
		return nil, nil
	}
	cs := e.convs[peer]
	if cs == nil {
		return nil, nil
	}
	return cs, cs.entries[id]
}

type nopList struct{}

func (nopList) RefreshAsync()                            {}
func (nopList) BumpUnread(string, *message.Message) bool { return false }
func (nopList) ClearUnread(string)                       {}
func (nopList) Cleared(string)                           {}
