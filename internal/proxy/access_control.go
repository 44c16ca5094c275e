package proxy

import (
	"context"
	"fmt"
	"strings"

	"shelfmate/internal/domain/conversation"
	"shelfmate/internal/repository"
	shelfmate_errors "shelfmate/pkg/errors"
)

// AccessControl decides which direct conversations a user may touch.
type AccessControl struct {
	conversationRepo repository.ConversationRepository
}

func NewAccessControl(conversationRepo repository.ConversationRepository) *AccessControl {
	return &AccessControl{conversationRepo: conversationRepo}
}

// CanMessage rejects empty peers and messages to oneself.
func (a *AccessControl) CanMessage(userID, peerID string) error {
	peerID = strings.TrimSpace(peerID)
	if peerID == "" {
		return fmt.Errorf("peer id required: %w", shelfmate_errors.ErrInvalidInput)
	}
	if peerID == userID {
		return fmt.Errorf("cannot message yourself: %w", shelfmate_errors.ErrInvalidInput)
	}
	return nil
}

// CanViewConversation loads the conversation and checks that userID takes
// part in it.
func (a *AccessControl) CanViewConversation(ctx context.Context, userID, conversationID string) (conversation.Conversation, error) {
	if a.conversationRepo == nil {
		return conversation.Conversation{}, shelfmate_errors.ErrForbidden
	}
	conv, err := a.conversationRepo.GetByID(ctx, conversationID)
	if err != nil {
		return conversation.Conversation{}, err
	}
	if !conv.HasParticipant(userID) {
		return conversation.Conversation{}, fmt.Errorf("conversation %s: %w", conversationID, shelfmate_errors.ErrForbidden)
	}
	return conv, nil
}
