package message

import (
	"strings"
	"time"

	"shelfmate/internal/e2ee"
)

// Status is the delivery state of a message. It only ever moves forward.
type Status string

const (
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
)

// Rank orders statuses; unknown values rank lowest.
func (s Status) Rank() int {
	switch s {
	case StatusSending:
		return 1
	case StatusSent:
		return 2
	case StatusDelivered:
		return 3
	case StatusRead:
		return 4
	}
	return 0
}

// Advance returns the later of s and next.
func (s Status) Advance(next Status) Status {
	if next.Rank() > s.Rank() {
		return next
	}
	return s
}

// TempIDPrefix marks client-local ids of messages not yet confirmed by the server.
const TempIDPrefix = "tmp-"

// Message is the wire and storage record of a direct message. Body is the
// plaintext shadow; it is empty when the message was sent encrypted.
type Message struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversationId"`
	SenderID       string     `json:"senderId"`
	RecipientID    string     `json:"recipientId"`
	Subject        string     `json:"subject,omitempty"`
	Body           string     `json:"message,omitempty"`
	Ciphertext     []byte     `json:"ciphertext,omitempty"`
	IV             []byte     `json:"iv,omitempty"`
	Salt           []byte     `json:"salt,omitempty"`
	Alg            string     `json:"alg,omitempty"`
	Status         Status     `json:"status"`
	CreatedAt      time.Time  `json:"createdAt"`
	DeliveredAt    *time.Time `json:"deliveredAt,omitempty"`
	ReadAt         *time.Time `json:"readAt,omitempty"`
}

// Encrypted reports whether the message carries an envelope.
func (m Message) Encrypted() bool {
	return m.Alg != "" && len(m.Ciphertext) > 0
}

// Envelope returns the encrypted payload of the message.
func (m Message) Envelope() (e2ee.Envelope, bool) {
	if !m.Encrypted() {
		return e2ee.Envelope{}, false
	}
	return e2ee.Envelope{Ciphertext: m.Ciphertext, IV: m.IV, Salt: m.Salt, Alg: m.Alg}, true
}

// SetEnvelope stores env as the payload and drops the plaintext shadow.
func (m *Message) SetEnvelope(env e2ee.Envelope) {
	m.Ciphertext = env.Ciphertext
	m.IV = env.IV
	m.Salt = env.Salt
	m.Alg = env.Alg
	m.Body = ""
}

// PeerOf returns the participant that is not self.
func (m Message) PeerOf(self string) string {
	if m.SenderID == self {
		return m.RecipientID
	}
	return m.SenderID
}

// IsTemporary reports whether the id was assigned locally.
func (m Message) IsTemporary() bool {
	return strings.HasPrefix(m.ID, TempIDPrefix)
}

// ReadReceipt is one entry of a messages:read event.
type ReadReceipt struct {
	MessageID      string    `json:"messageId"`
	ConversationID string    `json:"conversationId,omitempty"`
	ReadAt         time.Time `json:"readAt"`
}
