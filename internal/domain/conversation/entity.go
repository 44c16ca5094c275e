package conversation

import (
	"time"

	"shelfmate/internal/domain/message"
)

// Conversation is a direct conversation between exactly two users.
// Messages are most-recent-first as returned by the directory.
type Conversation struct {
	ID           string            `json:"id"`
	Participants []string          `json:"participants"`
	Messages     []message.Message `json:"messages"`
	UnreadCount  int               `json:"unreadCount"`
	UpdatedAt    time.Time         `json:"updatedAt"`
}

// PeerOf returns the participant that is not self, or "" when self does not
// take part.
func (c Conversation) PeerOf(self string) string {
	if len(c.Participants) != 2 {
		return ""
	}
	switch self {
	case c.Participants[0]:
		return c.Participants[1]
	case c.Participants[1]:
		return c.Participants[0]
	}
	return ""
}

// HasParticipant reports whether userID takes part in the conversation.
func (c Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// LastMessage returns the most recent message, if any.
func (c Conversation) LastMessage() (message.Message, bool) {
	if len(c.Messages) == 0 {
		return message.Message{}, false
	}
	return c.Messages[0], true
}
