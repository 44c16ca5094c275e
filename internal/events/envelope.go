package events

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"shelfmate/internal/domain/message"
)

// Envelope is one framed event: {"type": ..., "payload": ...}.
type Envelope struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func NewEnvelope(t Type, payload any) (Envelope, error) {
	env := Envelope{Type: t}
	if payload == nil {
		return env, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	env.Payload = b
	return env, nil
}

func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// SplitFrame parses a websocket text frame that may hold several
// newline-separated envelopes. Lines that fail to parse are reported in errs
// and skipped.
func SplitFrame(frame []byte) (envs []Envelope, errs []error) {
	for _, line := range bytes.Split(frame, []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var env Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			errs = append(errs, fmt.Errorf("decode envelope: %w", err))
			continue
		}
		if env.Type == "" {
			errs = append(errs, fmt.Errorf("decode envelope: missing type"))
			continue
		}
		envs = append(envs, env)
	}
	return envs, errs
}

// Payloads

type PresencePayload struct {
	Online []string `json:"online"`
}

// TypingPayload carries From on server pushes and To on client emits.
type TypingPayload struct {
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`
}

type DeliveredPayload struct {
	MessageID      string     `json:"messageId"`
	ConversationID string     `json:"conversationId,omitempty"`
	DeliveredAt    *time.Time `json:"deliveredAt,omitempty"`
}

type ClearedPayload struct {
	ConversationID string `json:"conversationId"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Decoded server events

// Event is the typed form of an inbound envelope.
type Event interface {
	EventType() Type
}

type PresenceUpdated struct {
	Online []string
}

type TypingChanged struct {
	From   string
	Active bool
}

type MessageReceived struct {
	Message message.Message
}

type MessageDeliveredEvent struct {
	MessageID      string
	ConversationID string
	DeliveredAt    time.Time
}

type MessagesReadEvent struct {
	Receipts []message.ReadReceipt
}

type ConversationClearedEvent struct {
	ConversationID string
}

func (PresenceUpdated) EventType() Type          { return PresenceUpdate }
func (e TypingChanged) EventType() Type          { return typingType(e.Active) }
func (MessageReceived) EventType() Type          { return MessageNew }
func (MessageDeliveredEvent) EventType() Type    { return MessageDelivered }
func (MessagesReadEvent) EventType() Type        { return MessagesRead }
func (ConversationClearedEvent) EventType() Type { return ConversationCleared }

func typingType(active bool) Type {
	if active {
		return Typing
	}
	return TypingStop
}

// ErrUnknownType is returned by Decode for event types the client does not
// handle. Callers usually log and drop.
type ErrUnknownType struct {
	Type Type
}

func (e ErrUnknownType) Error() string {
	return fmt.Sprintf("unknown event type %q", e.Type)
}

// Decode turns a server envelope into its typed event.
func Decode(env Envelope) (Event, error) {
	switch env.Type {
	case PresenceUpdate:
		var p PresencePayload
		if err := unmarshalPayload(env, &p); err != nil {
			return nil, err
		}
		return PresenceUpdated{Online: p.Online}, nil
	case Typing, TypingStop:
		var p TypingPayload
		if err := unmarshalPayload(env, &p); err != nil {
			return nil, err
		}
		if p.From == "" {
			return nil, fmt.Errorf("%s: missing from", env.Type)
		}
		return TypingChanged{From: p.From, Active: env.Type == Typing}, nil
	case MessageNew:
		var m message.Message
		if err := unmarshalPayload(env, &m); err != nil {
			return nil, err
		}
		if m.ID == "" {
			return nil, fmt.Errorf("%s: missing id", env.Type)
		}
		return MessageReceived{Message: m}, nil
	case MessageDelivered:
		var p DeliveredPayload
		if err := unmarshalPayload(env, &p); err != nil {
			return nil, err
		}
		if p.MessageID == "" {
			return nil, fmt.Errorf("%s: missing messageId", env.Type)
		}
		ev := MessageDeliveredEvent{MessageID: p.MessageID, ConversationID: p.ConversationID}
		if p.DeliveredAt != nil {
			ev.DeliveredAt = *p.DeliveredAt
		}
		return ev, nil
	case MessagesRead:
		var receipts []message.ReadReceipt
		if err := unmarshalPayload(env, &receipts); err != nil {
			return nil, err
		}
		return MessagesReadEvent{Receipts: receipts}, nil
	case ConversationCleared:
		var p ClearedPayload
		if err := unmarshalPayload(env, &p); err != nil {
			return nil, err
		}
		return ConversationClearedEvent{ConversationID: p.ConversationID}, nil
	default:
		return nil, ErrUnknownType{Type: env.Type}
	}
}

func unmarshalPayload(env Envelope, v any) error {
	if len(env.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", env.Type)
	}
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return fmt.Errorf("%s: %w", env.Type, err)
	}
	return nil
}
