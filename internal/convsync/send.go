package convsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"shelfmate/internal/domain/message"
	"shelfmate/internal/e2ee"
	"shelfmate/internal/transport/httpdto"
	shelfmate_errors "shelfmate/pkg/errors"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Send sends text to the peer of the active conversation.
func (e *Engine) Send(ctx context.Context, text string) (message.Message, error) {
	return e.SendTo(ctx, e.Active(), text)
}

// SendTo sends text to peerID. The message shows up immediately as pending,
// is encrypted when both keys are available, waits for the push channel if
// it is down, and is then replaced by the server record. A failed send is
// removed and reported with ErrSendFailed; it is never retried.
//
// Empty text or an empty peer is a no-op returning a zero message.
func (e *Engine) SendTo(ctx context.Context, peerID, text string) (message.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" || peerID == "" {
		return message.Message{}, nil
	}

	tempID := message.TempIDPrefix + uuid.NewString()
	var conversationID string
	var cachedKey *e2ee.JWK
	if err := e.call(ctx, func() {
		e.typist.Stop(peerID)
		cs := e.conv(peerID)
		conversationID = cs.conversationID
		cachedKey = cs.peerKey
		e.insert(cs, message.Message{
			ID:             tempID,
			ConversationID: cs.conversationID,
			SenderID:       e.self,
			RecipientID:    peerID,
			Body:           text,
			Status:         message.StatusSending,
			CreatedAt:      time.Now().UTC(),
		}, OutgoingPending)
		e.plaintext[tempID] = text
	}); err != nil {
		return message.Message{}, fmt.Errorf("%v: %w", err, shelfmate_errors.ErrSendFailed)
	}

	req := e.prepare(ctx, peerID, text, cachedKey)
	e.post(func() {
		cs := e.convs[peerID]
		if cs == nil {
			return
		}
		if en, ok := cs.entries[tempID]; ok {
			en.prepared = true
			en.sentBody = req.Message
			en.sentCT = req.Ciphertext
		}
	})

	created, err := e.persist(ctx, peerID, req)
	if err != nil {
		e.logger.Warn("send failed", zap.String("peer", peerID), zap.String("conversation_id", conversationID), zap.Error(err))
		_ = e.call(context.Background(), func() {
			if cs := e.convs[peerID]; cs != nil {
				e.remove(cs, tempID)
			}
			delete(e.plaintext, tempID)
		})
		return message.Message{}, fmt.Errorf("send to %s: %v: %w", peerID, err, shelfmate_errors.ErrSendFailed)
	}

	_ = e.call(context.Background(), func() {
		e.confirm(peerID, tempID, text, created)
	})
	e.list.RefreshAsync()
	return created, nil
}

// prepare fetches the peer's current key and encrypts when possible. Any
// gap falls back to a plaintext request; that is degraded, not an error.
func (e *Engine) prepare(ctx context.Context, peerID, text string, cachedKey *e2ee.JWK) httpdto.SendMessageRequest {
	plain := httpdto.SendMessageRequest{Message: text}

	pair, ok := e.keys.KeyPair()
	if !ok || !e.keys.Ready() {
		return plain
	}

	peerKey, err := e.dir.PeerKey(ctx, peerID)
	switch {
	case err == nil:
		e.post(func() { e.setPeerKey(peerID, peerKey) })
	case cachedKey != nil && !errors.Is(err, shelfmate_errors.ErrPeerKeyUnknown):
		peerKey = *cachedKey
	default:
		if !errors.Is(err, shelfmate_errors.ErrPeerKeyUnknown) {
			e.logger.Warn("peer key unavailable, sending plaintext", zap.String("peer", peerID), zap.Error(err))
		}
		return plain
	}

	env, err := e2ee.Encrypt(text, pair.PrivateKey, peerKey)
	if err != nil {
		e.logger.Warn("encryption failed, sending plaintext", zap.String("peer", peerID), zap.Error(err))
		return plain
	}
	return httpdto.SendMessageRequest{
		Ciphertext: env.Ciphertext,
		IV:         env.IV,
		Salt:       env.Salt,
		Alg:        env.Alg,
	}
}

// persist waits for the push channel, then creates the message.
func (e *Engine) persist(ctx context.Context, peerID string, req httpdto.SendMessageRequest) (message.Message, error) {
	if err := e.ch.WaitConnected(ctx); err != nil {
		return message.Message{}, fmt.Errorf("waiting for connection: %w", err)
	}
	return e.dir.SendMessage(ctx, peerID, req)
}

// confirm swaps the pending message for the server record in the
// conversation the send started in. Runs on the loop.
func (e *Engine) confirm(peerID, tempID, text string, created message.Message) {
	cs := e.conv(peerID)
	e.bindConversation(cs, created.ConversationID)
	if created.Encrypted() {
		e.plaintext[created.ID] = text
	}
	delete(e.plaintext, tempID)

	temp, hadTemp := cs.entries[tempID]
	if existing, ok := cs.entries[created.ID]; ok {
		// the push echo got here first
		existing.outgoing = OutgoingConfirmed
		existing.merge(created)
		e.remove(cs, tempID)
		e.notify()
		return
	}
	if hadTemp {
		delete(cs.entries, tempID)
		delete(e.index, tempID)
		temp.msg = created
		temp.outgoing = OutgoingConfirmed
		temp.prepared = false
		temp.sentCT = nil
		cs.entries[created.ID] = temp
		e.index[created.ID] = peerID
		e.notify()
		return
	}
	e.insert(cs, created, OutgoingConfirmed)
}
