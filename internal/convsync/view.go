package convsync

import (
	"context"
	"fmt"

	"shelfmate/internal/domain/message"

	"go.uber.org/zap"
)

// DisplayMessage is one rendered row.
type DisplayMessage struct {
	message.Message
	// Text is the plaintext to show; blank when it cannot be recovered.
	Text          string
	Outgoing      Outgoing
	Mine          bool
	Undecryptable bool
}

// View is an immutable snapshot of one conversation.
type View struct {
	PeerID         string
	ConversationID string
	Phase          Phase
	Messages       []DisplayMessage
	PeerTyping     bool
	PeerOnline     bool
	Connected      bool
}

// Open makes peerID the active conversation and hydrates it from the
// directory. Switching away stops any typing signal to the previous peer.
func (e *Engine) Open(ctx context.Context, peerID string) (View, error) {
	if peerID == "" || peerID == e.self {
		return View{}, fmt.Errorf("open conversation with %q: invalid peer", peerID)
	}
	if err := e.call(ctx, func() {
		if e.active != "" && e.active != peerID {
			e.typist.Stop(e.active)
			if prev := e.convs[e.active]; prev != nil {
				prev.peerTyping = false
			}
		}
		e.active = peerID
		e.activePeer.Store(peerID)
		e.conv(peerID)
		e.notify()
	}); err != nil {
		return View{}, err
	}

	go e.fetchPeerKey(peerID)
	if err := e.hydrate(ctx, peerID); err != nil {
		return View{}, err
	}
	return e.ViewOf(ctx, peerID)
}

// Active returns the peer of the active conversation.
func (e *Engine) Active() string {
	return e.activePeer.Load().(string)
}

// Keystroke tells the peer of the active conversation that the user is typing.
func (e *Engine) Keystroke() {
	if peer := e.Active(); peer != "" {
		e.typist.Keystroke(peer)
	}
}

// View snapshots the active conversation.
func (e *Engine) View(ctx context.Context) (View, error) {
	return e.ViewOf(ctx, e.Active())
}

// ViewOf snapshots the conversation with peerID.
func (e *Engine) ViewOf(ctx context.Context, peerID string) (View, error) {
	var v View
	err := e.call(ctx, func() {
		v = e.snapshot(peerID)
	})
	return v, err
}

// hydrate fetches the history with peerID and merges it by id.
func (e *Engine) hydrate(ctx context.Context, peerID string) error {
	conv, err := e.dir.ConversationWith(ctx, peerID)
	if err != nil {
		e.logger.Warn("conversation fetch failed", zap.String("peer", peerID), zap.Error(err))
		return fmt.Errorf("load conversation with %s: %w", peerID, err)
	}
	return e.call(context.Background(), func() {
		cs := e.conv(peerID)
		if conv != nil {
			e.bindConversation(cs, conv.ID)
			for _, m := range conv.Messages {
				if m.PeerOf(e.self) != peerID {
					continue
				}
				if m.ConversationID == "" {
					m.ConversationID = conv.ID
				}
				e.insert(cs, m, outgoingFor(m, e.self))
			}
		}
		if cs.phase == PhaseEmpty {
			cs.phase = PhaseHydrated
		}
		e.notify()
		e.scheduleDecrypt(cs)
	})
}

func outgoingFor(m message.Message, self string) Outgoing {
	if m.SenderID == self {
		return OutgoingConfirmed
	}
	return OutgoingNone
}

// snapshot runs on the loop.
func (e *Engine) snapshot(peerID string) View {
	v := View{
		PeerID:     peerID,
		PeerOnline: e.presence.IsOnline(peerID),
		Connected:  e.connected,
	}
	cs := e.convs[peerID]
	if cs == nil {
		return v
	}
	v.ConversationID = cs.conversationID
	v.Phase = cs.phase
	v.PeerTyping = cs.peerTyping && peerID == e.active
	for _, en := range cs.sorted() {
		text, undecryptable := e.textOf(en)
		v.Messages = append(v.Messages, DisplayMessage{
			Message:       en.msg,
			Text:          text,
			Outgoing:      en.outgoing,
			Mine:          en.msg.SenderID == e.self,
			Undecryptable: undecryptable,
		})
	}
	return v
}

// textOf resolves the display text: cached plaintext, then the plaintext
// shadow, then blank. Ciphertext is never shown.
func (e *Engine) textOf(en *entry) (string, bool) {
	if !en.msg.Encrypted() {
		return en.msg.Body, false
	}
	if text, ok := e.plaintext[en.msg.ID]; ok {
		return text, false
	}
	return en.msg.Body, e.undecryptable[en.msg.ID]
}
