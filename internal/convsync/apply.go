package convsync

import (
	"context"
	"fmt"

	"shelfmate/internal/domain/message"
	"shelfmate/internal/events"
	"shelfmate/internal/realtime"
	shelfmate_errors "shelfmate/pkg/errors"

	"go.uber.org/zap"
)

// apply runs one pushed event on the loop. Every handler is idempotent.
func (e *Engine) apply(ev events.Event) {
	switch ev := ev.(type) {
	case realtime.StateChanged:
		e.setConnected(ev.State == realtime.StateConnected)
	case events.PresenceUpdated:
		e.presence.Replace(ev.Online)
		e.notify()
	case events.TypingChanged:
		e.applyTyping(ev)
	case events.MessageReceived:
		e.applyMessage(ev.Message)
	case events.MessageDeliveredEvent:
		e.applyDelivered(ev)
	case events.MessagesReadEvent:
		e.applyRead(ev.Receipts)
	case events.ConversationClearedEvent:
		e.applyCleared(ev.ConversationID)
	default:
		e.logger.Debug("ignoring event", zap.String("type", string(ev.EventType())))
	}
}

// setConnected tracks the channel. Events missed while down are not
// replayed, so every (re)connect asks for presence and, after the first,
// re-fetches the list and the active conversation.
func (e *Engine) setConnected(up bool) {
	if up == e.connected {
		return
	}
	e.connected = up
	e.notify()
	if !up {
		for _, cs := range e.convs {
			cs.peerTyping = false
		}
		return
	}

	if err := e.ch.RequestPresence(); err != nil {
		e.logger.Debug("presence request not sent", zap.Error(err))
	}
	if !e.everConnected {
		e.everConnected = true
		return
	}
	e.logger.Info("reconnected, resyncing")
	e.list.RefreshAsync()
	if peer := e.active; peer != "" {
		go func() {
			ctx, cancel := e.bg()
			defer cancel()
			_ = e.hydrate(ctx, peer)
		}()
	}
}

func (e *Engine) applyTyping(ev events.TypingChanged) {
	if ev.From != e.active {
		return
	}
	cs := e.convs[ev.From]
	if cs == nil || cs.peerTyping == ev.Active {
		return
	}
	cs.peerTyping = ev.Active
	e.notify()
}

func (e *Engine) applyMessage(m message.Message) {
	if m.SenderID != e.self && m.RecipientID != e.self {
		return
	}
	incoming := m.RecipientID == e.self && m.SenderID != e.self
	if incoming {
		if err := e.ch.AckDelivered(m.ID); err != nil {
			e.logger.Debug("delivery ack not sent", zap.String("message_id", m.ID), zap.Error(err))
		}
	}
	defer e.list.RefreshAsync()

	peer := m.PeerOf(e.self)
	cs := e.convs[peer]
	if cs == nil || cs.phase == PhaseEmpty {
		// not hydrated: only the counters move
		if incoming {
			e.countUnread(m)
		}
		return
	}

	if !incoming {
		if _, known := cs.entries[m.ID]; !known {
			if temp := cs.pendingEcho(m); temp != nil {
				e.adoptEcho(cs, temp, m)
				return
			}
		}
	}

	_, inserted := e.insert(cs, m, outgoingFor(m, e.self))
	cs.phase = PhaseLive
	if inserted && incoming && peer != e.active {
		e.list.BumpUnread(m.ConversationID, &m)
	}
	if inserted {
		e.scheduleDecrypt(cs)
	}
}

// maxCounted bounds the ids remembered for unhydrated conversations.
const maxCounted = 512

// countUnread bumps the list once per message id.
func (e *Engine) countUnread(m message.Message) {
	if _, dup := e.counted[m.ID]; dup {
		return
	}
	if len(e.countedOrder) >= maxCounted {
		delete(e.counted, e.countedOrder[0])
		e.countedOrder = e.countedOrder[1:]
	}
	e.counted[m.ID] = struct{}{}
	e.countedOrder = append(e.countedOrder, m.ID)
	e.list.BumpUnread(m.ConversationID, &m)
}

// adoptEcho replaces a pending send by its pushed server record before the
// REST reply arrives.
func (e *Engine) adoptEcho(cs *convState, temp *entry, m message.Message) {
	tempID := temp.msg.ID
	if text, ok := e.plaintext[tempID]; ok && m.Encrypted() {
		e.plaintext[m.ID] = text
	}
	delete(cs.entries, tempID)
	delete(e.index, tempID)
	temp.msg = m
	temp.outgoing = OutgoingConfirmed
	temp.prepared = false
	cs.entries[m.ID] = temp
	e.index[m.ID] = cs.peerID
	e.bindConversation(cs, m.ConversationID)
	cs.phase = PhaseLive
	e.notify()
}

func (e *Engine) applyDelivered(ev events.MessageDeliveredEvent) {
	cs, en := e.lookup(ev.MessageID)
	if en == nil {
		return
	}
	update := message.Message{Status: message.StatusDelivered}
	if !ev.DeliveredAt.IsZero() {
		at := ev.DeliveredAt
		update.DeliveredAt = &at
	}
	if en.merge(update) {
		cs.phase = PhaseLive
		e.notify()
	}
}

func (e *Engine) applyRead(receipts []message.ReadReceipt) {
	for _, r := range receipts {
		cs, en := e.lookup(r.MessageID)
		if en == nil {
			continue
		}
		at := r.ReadAt
		if en.merge(message.Message{Status: message.StatusRead, ReadAt: &at}) {
			cs.phase = PhaseLive
			e.notify()
		}
	}
}

func (e *Engine) applyCleared(conversationID string) {
	e.list.Cleared(conversationID)
	e.list.RefreshAsync()
	peer, ok := e.byConvID[conversationID]
	if !ok {
		return
	}
	if cs := e.convs[peer]; cs != nil {
		e.empty(cs)
	}
}

// empty drops every confirmed message of cs. Sends still in flight stay.
func (e *Engine) empty(cs *convState) {
	for id, en := range cs.entries {
		if en.outgoing == OutgoingPending {
			continue
		}
		delete(cs.entries, id)
		delete(e.index, id)
		delete(e.plaintext, id)
		delete(e.undecryptable, id)
	}
	e.notify()
}

// MarkRead marks the active conversation read.
func (e *Engine) MarkRead(ctx context.Context) error {
	peer := e.Active()
	var conversationID string
	if err := e.call(ctx, func() {
		if cs := e.convs[peer]; cs != nil {
			conversationID = cs.conversationID
		}
	}); err != nil {
		return err
	}
	if conversationID == "" {
		return nil
	}

	receipts, err := e.dir.MarkRead(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("mark %s read: %w", conversationID, err)
	}
	return e.call(context.Background(), func() {
		e.list.ClearUnread(conversationID)
		e.applyRead(receipts)
	})
}

// Clear asks the server to clear the active conversation for both peers.
// Local state is only emptied once the server confirmed.
func (e *Engine) Clear(ctx context.Context) error {
	peer := e.Active()
	var conversationID string
	if err := e.call(ctx, func() {
		if cs := e.convs[peer]; cs != nil {
			conversationID = cs.conversationID
		}
	}); err != nil {
		return fmt.Errorf("%v: %w", err, shelfmate_errors.ErrClearFailed)
	}
	if conversationID == "" {
		return nil
	}

	if err := e.dir.ClearConversation(ctx, conversationID); err != nil {
		e.logger.Warn("clear failed", zap.String("conversation_id", conversationID), zap.Error(err))
		return fmt.Errorf("clear %s: %v: %w", conversationID, err, shelfmate_errors.ErrClearFailed)
	}
	return e.call(context.Background(), func() {
		e.applyCleared(conversationID)
	})
}
