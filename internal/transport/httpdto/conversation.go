package httpdto

// ClearConversationResponse is returned by POST /conversations/:id/clear.
type ClearConversationResponse struct {
	ConversationID string `json:"conversationId"`
	Removed        int    `json:"removed"`
}

// ListConversationsQuery holds query parameters of GET /conversations.
type ListConversationsQuery struct {
	Limit int `form:"limit"`
}
