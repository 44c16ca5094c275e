package realtime

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultTypingIdle is how long after the last keystroke typing:stop is sent.
const DefaultTypingIdle = 1500 * time.Millisecond

// EmitTypingFunc sends typing (active) or typing:stop to a peer.
type EmitTypingFunc func(to string, active bool) error

// Typist debounces keystrokes into typing/typing:stop pairs per peer.
type Typist struct {
	emit   EmitTypingFunc
	idle   time.Duration
	logger *zap.Logger

	mu    sync.Mutex
	peers map[string]*typingState
}

type typingState struct {
	timer *time.Timer
	gen   uint64
}

func NewTypist(emit EmitTypingFunc, idle time.Duration, logger *zap.Logger) *Typist {
	if idle <= 0 {
		idle = DefaultTypingIdle
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Typist{emit: emit, idle: idle, logger: logger, peers: map[string]*typingState{}}
}

// Keystroke signals typing to peer and pushes the idle deadline out.
func (t *Typist) Keystroke(peer string) {
	if peer == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	st, active := t.peers[peer]
	if !active {
		st = &typingState{}
		t.peers[peer] = st
		t.send(peer, true)
	} else {
		st.timer.Stop()
	}
	st.gen++
	gen := st.gen
	st.timer = time.AfterFunc(t.idle, func() { t.expire(peer, gen) })
}

// Stop sends typing:stop to peer if a typing signal is outstanding.
func (t *Typist) Stop(peer string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked(peer)
}

// StopAll ends every outstanding typing signal.
func (t *Typist) StopAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for peer := range t.peers {
		t.stopLocked(peer)
	}
}

// Active reports whether a typing signal to peer is outstanding.
func (t *Typist) Active(peer string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.peers[peer]
	return ok
}

func (t *Typist) expire(peer string, gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.peers[peer]
	if !ok || st.gen != gen {
		return
	}
	t.stopLocked(peer)
}

func (t *Typist) stopLocked(peer string) {
	st, ok := t.peers[peer]
	if !ok {
		return
	}
	st.timer.Stop()
	delete(t.peers, peer)
	t.send(peer, false)
}

// send is called with mu held so start/stop reach the wire in order.
func (t *Typist) send(peer string, active bool) {
	if err := t.emit(peer, active); err != nil {
		t.logger.Debug("typing signal not sent", zap.String("peer", peer), zap.Bool("active", active), zap.Error(err))
	}
}
