package handler

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"shelfmate/internal/services"
	"shelfmate/internal/transport/httpdto"
	shelfmate_errors "shelfmate/pkg/errors"

	"github.com/gin-gonic/gin"
)

type MessageHandler struct {
	service *services.MessageService
}

func NewMessageHandler(service *services.MessageService) *MessageHandler {
	return &MessageHandler{service: service}
}

// Send handles POST /messages/:peerId.
func (h *MessageHandler) Send(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	var req httpdto.SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(fmt.Errorf("invalid request body: %w", shelfmate_errors.ErrInvalidInput))
		return
	}

	msg, err := h.service.Send(c.Request.Context(), userID, strings.TrimSpace(c.Param("peerId")), req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, httpdto.NewSuccessResponse(msg))
}

// currentUser reads the authenticated user id; it records an error when the
// route was mounted without AuthMiddleware.
func currentUser(c *gin.Context) (string, bool) {
	userID, ok := services.UserIDFromContext(c.Request.Context())
	if !ok {
		_ = c.Error(shelfmate_errors.ErrUnauthorized)
		return "", false
	}
	return userID, true
}

func parseInt(value string) (int, error) {
	if value == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid integer %q: %w", value, shelfmate_errors.ErrInvalidInput)
	}
	return n, nil
}
