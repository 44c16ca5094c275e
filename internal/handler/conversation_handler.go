package handler

import (
	"net/http"

	"shelfmate/internal/domain/conversation"
	"shelfmate/internal/services"
	"shelfmate/internal/transport/httpdto"

	"github.com/gin-gonic/gin"
)

type ConversationHandler struct {
	service *services.ConversationService
}

func NewConversationHandler(service *services.ConversationService) *ConversationHandler {
	return &ConversationHandler{service: service}
}

// List handles GET /conversations.
func (h *ConversationHandler) List(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	limit, err := parseInt(c.Query("limit"))
	if err != nil {
		_ = c.Error(err)
		return
	}

	convs, err := h.service.List(c.Request.Context(), userID, limit)
	if err != nil {
		_ = c.Error(err)
		return
	}
	if convs == nil {
		convs = []conversation.Conversation{}
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(convs))
}

// With handles GET /conversations/with/:peerId. The data is null when the
// two users never exchanged a message.
func (h *ConversationHandler) With(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	conv, err := h.service.With(c.Request.Context(), userID, c.Param("peerId"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(conv))
}

// Clear handles POST /conversations/:id/clear.
func (h *ConversationHandler) Clear(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	id := c.Param("id")
	removed, err := h.service.Clear(c.Request.Context(), userID, id)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(httpdto.ClearConversationResponse{
		ConversationID: id,
		Removed:        removed,
	}))
}

// MarkRead handles POST /conversations/:id/read.
func (h *ConversationHandler) MarkRead(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	receipts, err := h.service.MarkRead(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(receipts))
}
