package handler

import (
	"fmt"
	"net/http"

	"shelfmate/internal/services"
	"shelfmate/internal/transport/httpdto"
	shelfmate_errors "shelfmate/pkg/errors"

	"github.com/gin-gonic/gin"
)

type UserHandler struct {
	service *services.UserService
}

func NewUserHandler(service *services.UserService) *UserHandler {
	return &UserHandler{service: service}
}

// Profile handles GET /users/:id.
func (h *UserHandler) Profile(c *gin.Context) {
	if _, ok := currentUser(c); !ok {
		return
	}
	p, err := h.service.Profile(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(p))
}

// SetPublicKey handles POST /users/public-key.
func (h *UserHandler) SetPublicKey(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	var req httpdto.SetPublicKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(fmt.Errorf("invalid request body: %w", shelfmate_errors.ErrInvalidInput))
		return
	}
	if err := h.service.SetPublicKey(c.Request.Context(), userID, req.PublicKeyJwk); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(gin.H{"userId": userID}))
}
