package services

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"shelfmate/internal/domain/message"
	"shelfmate/internal/e2ee"
	"shelfmate/internal/proxy"
	"shelfmate/internal/repository"
	"shelfmate/internal/transport/httpdto"
	shelfmate_errors "shelfmate/pkg/errors"

	"go.uber.org/zap"
)

const (
	MaxMessageLength    = 10000
	MaxSubjectLength    = 200
	MaxCiphertextLength = 64 * 1024
)

type MessageService struct {
	conversationRepo repository.ConversationRepository
	messageRepo      repository.MessageRepository
	access           *proxy.AccessControl
	publisher        *EventPublisher
	logger           *zap.Logger
	now              func() time.Time
}

func NewMessageService(store repository.Store, access *proxy.AccessControl, publisher *EventPublisher, logger *zap.Logger) *MessageService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MessageService{
		conversationRepo: store.Conversations,
		messageRepo:      store.Messages,
		access:           access,
		publisher:        publisher,
		logger:           logger.With(zap.String("component", "message_service")),
		now:              storeNow,
	}
}

// storeNow is the current time at the precision Postgres keeps, so a record
// pushed over the socket matches the one read back later.
func storeNow() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), shelfmate_errors.ErrInvalidInput)
}

// validateSend checks the payload: an encrypted message carries a complete
// envelope and no plaintext; a plaintext message carries a body.
func validateSend(in httpdto.SendMessageRequest) error {
	if utf8.RuneCountInString(in.Subject) > MaxSubjectLength {
		return invalid("subject too long")
	}
	if in.Encrypted() {
		switch {
		case in.Alg != e2ee.Algorithm:
			return invalid("unsupported alg %q", in.Alg)
		case len(in.Ciphertext) == 0:
			return invalid("ciphertext required")
		case len(in.Ciphertext) > MaxCiphertextLength:
			return invalid("ciphertext too long")
		case len(in.IV) != e2ee.IVSize:
			return invalid("iv must be %d bytes", e2ee.IVSize)
		case len(in.Salt) != e2ee.SaltSize:
			return invalid("salt must be %d bytes", e2ee.SaltSize)
		case in.Message != "":
			return invalid("encrypted message must not carry plaintext")
		}
		return nil
	}
	if len(in.Ciphertext) > 0 || len(in.IV) > 0 || len(in.Salt) > 0 {
		return invalid("envelope without alg")
	}
	body := strings.TrimSpace(in.Message)
	if body == "" {
		return invalid("message required")
	}
	if utf8.RuneCountInString(body) > MaxMessageLength {
		return invalid("message too long")
	}
	return nil
}

// Send persists a message from senderID to peerID, creating the direct
// conversation on first contact, and pushes message:new to both sides.
func (s *MessageService) Send(ctx context.Context, senderID, peerID string, in httpdto.SendMessageRequest) (message.Message, error) {
	if err := s.access.CanMessage(senderID, peerID); err != nil {
		return message.Message{}, err
	}
	if err := validateSend(in); err != nil {
		return message.Message{}, err
	}

	conv, err := s.conversationRepo.GetOrCreateDirect(ctx, senderID, peerID)
	if err != nil {
		return message.Message{}, err
	}

	m := message.Message{
		ConversationID: conv.ID,
		SenderID:       senderID,
		RecipientID:    peerID,
		Subject:        strings.TrimSpace(in.Subject),
		Status:         message.StatusSent,
		CreatedAt:      s.now(),
	}
	if in.Encrypted() {
		m.SetEnvelope(e2ee.Envelope{Ciphertext: in.Ciphertext, IV: in.IV, Salt: in.Salt, Alg: in.Alg})
	} else {
		m.Body = strings.TrimSpace(in.Message)
	}
	if err := s.messageRepo.Create(ctx, &m); err != nil {
		return message.Message{}, err
	}
	if err := s.conversationRepo.Touch(ctx, conv.ID, m.CreatedAt); err != nil {
		s.logger.Warn("touch conversation", zap.String("conversation_id", conv.ID), zap.Error(err))
	}

	s.logger.Debug("message sent",
		zap.String("message_id", m.ID),
		zap.String("conversation_id", conv.ID),
		zap.Bool("encrypted", m.Encrypted()),
	)
	s.publisher.MessageNew(ctx, m)
	return m, nil
}

// MarkDelivered records the recipient's delivery ack and tells the sender.
// Repeated acks are accepted and do not notify again.
func (s *MessageService) MarkDelivered(ctx context.Context, recipientID, messageID string) (message.Message, error) {
	if strings.TrimSpace(messageID) == "" {
		return message.Message{}, invalid("message id required")
	}
	m, changed, err := s.messageRepo.MarkDelivered(ctx, messageID, recipientID, s.now())
	if err != nil {
		return message.Message{}, err
	}
	if changed {
		s.publisher.MessageDelivered(ctx, m)
	}
	return m, nil
}
