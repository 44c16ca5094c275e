package websocket

import (
	"net/http"

	"shelfmate/internal/middleware"
	"shelfmate/internal/services"
	shelfmate_errors "shelfmate/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type Handler struct {
	hub      *Hub
	upgrader websocket.Upgrader
}

func NewHandler(hub *Hub) *Handler {
	return &Handler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// native clients send no Origin; tokens gate access
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Connect handles GET /ws. It must run after AuthMiddleware.
func (h *Handler) Connect(c *gin.Context) {
	userID, ok := services.UserIDFromContext(c.Request.Context())
	if !ok {
		middleware.AbortWithError(c, shelfmate_errors.ErrUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.hub.logger.Error("websocket upgrade failed", userID, "", err)
		return
	}

	h.hub.Register(NewClient(h.hub, conn, userID, uuid.NewString()))
}
