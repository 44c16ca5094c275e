package services

import (
	"context"

	"shelfmate/internal/domain/conversation"
	"shelfmate/internal/domain/message"
	"shelfmate/internal/events"

	"go.uber.org/zap"
)

// EventPublisher turns state changes into push events on the bus. Publish
// failures are logged; the REST operation that caused them has already
// committed.
type EventPublisher struct {
	bus    events.Bus
	logger *zap.Logger
}

func NewEventPublisher(bus events.Bus, logger *zap.Logger) *EventPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventPublisher{bus: bus, logger: logger.With(zap.String("component", "event_publisher"))}
}

func (p *EventPublisher) publish(ctx context.Context, t events.Type, payload any, userIDs ...string) {
	if p == nil || p.bus == nil {
		return
	}
	env, err := events.NewEnvelope(t, payload)
	if err != nil {
		p.logger.Error("encode event", zap.String("type", string(t)), zap.Error(err))
		return
	}
	if err := p.bus.Publish(ctx, env, userIDs...); err != nil {
		p.logger.Error("publish event", zap.String("type", string(t)), zap.Strings("users", userIDs), zap.Error(err))
	}
}

// MessageNew goes to both participants so the sender's other sessions see it.
func (p *EventPublisher) MessageNew(ctx context.Context, m message.Message) {
	p.publish(ctx, events.MessageNew, m, m.SenderID, m.RecipientID)
}

func (p *EventPublisher) MessageDelivered(ctx context.Context, m message.Message) {
	p.publish(ctx, events.MessageDelivered, events.DeliveredPayload{
		MessageID:      m.ID,
		ConversationID: m.ConversationID,
		DeliveredAt:    m.DeliveredAt,
	}, m.SenderID)
}

func (p *EventPublisher) MessagesRead(ctx context.Context, senderID string, receipts []message.ReadReceipt) {
	if len(receipts) == 0 {
		return
	}
	p.publish(ctx, events.MessagesRead, receipts, senderID)
}

func (p *EventPublisher) ConversationCleared(ctx context.Context, conv conversation.Conversation) {
	p.publish(ctx, events.ConversationCleared, events.ClearedPayload{ConversationID: conv.ID}, conv.Participants...)
}

func (p *EventPublisher) Typing(ctx context.Context, from, to string, active bool) {
	t := events.TypingStop
	if active {
		t = events.Typing
	}
	p.publish(ctx, t, events.TypingPayload{From: from}, to)
}
