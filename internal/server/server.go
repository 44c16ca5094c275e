package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"shelfmate/config"
	"shelfmate/internal/handler"
	"shelfmate/internal/middleware"
	"shelfmate/internal/services"
	"shelfmate/internal/transport/httpdto"
	"shelfmate/internal/websocket"
	"shelfmate/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Server struct {
	httpServer *http.Server
	engine     *gin.Engine
	config     *config.Config
	logger     *logger.Logger
	checks     map[string]HealthCheck
}

var (
	ReleaseMode = "release"
	DebugMode   = "debug"
	TestMode    = "test"
)

const (
	shutdownTimeout   = 5 * time.Second
	connectRateLimit  = 30
	connectRateWindow = time.Minute
)

// HealthCheck probes one backing service for GET /health.
type HealthCheck func(ctx context.Context) error

type Handlers struct {
	Messages      *handler.MessageHandler
	Conversations *handler.ConversationHandler
	Users         *handler.UserHandler
	Websocket     *websocket.Handler
}

// Routes carries what SetupRoutes needs besides the handlers.
type Routes struct {
	Auth           *services.AuthService
	// MessageLimiter throttles POST /messages/:peerId per user.
	MessageLimiter middleware.Limiter
	// ConnectLimiter throttles websocket upgrades per user.
	ConnectLimiter middleware.Limiter
}

func New(cfg *config.Config, l *logger.Logger) *Server {
	if cfg.AppMode == ReleaseMode {
		gin.SetMode(gin.ReleaseMode)
	} else if cfg.AppMode == TestMode {
		gin.SetMode(gin.TestMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}
	if l == nil {
		l = logger.NewNop()
	}

	engine := gin.New()
	engine.Use(gin.Recovery())

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%s", cfg.AppPort),
			Handler:           engine,
			ReadHeaderTimeout: 10 * time.Second,
		},
		engine: engine,
		config: cfg,
		logger: l,
		checks: make(map[string]HealthCheck),
	}
}

// Handler exposes the router, mainly for httptest.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// AddHealthCheck registers a named probe reported by GET /health.
func (s *Server) AddHealthCheck(name string, check HealthCheck) {
	s.checks[name] = check
}

func (s *Server) SetupRoutes(handlers *Handlers, routes Routes) {
	s.engine.Use(middleware.RequestIDMiddleware())
	s.engine.Use(middleware.LoggingMiddleware(s.logger))
	s.engine.Use(middleware.ErrorHandler(s.logger))

	s.engine.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, httpdto.NewSuccessResponse(gin.H{"message": "pong"}))
	})
	s.engine.GET("/health", s.health)

	authed := s.engine.Group("/", middleware.AuthMiddleware(routes.Auth))

	send := []gin.HandlerFunc{}
	if routes.MessageLimiter != nil {
		send = append(send, middleware.RateLimitMiddleware(routes.MessageLimiter, "messages"))
	}
	send = append(send, handlers.Messages.Send)
	authed.POST("/messages/:peerId", send...)

	conversations := authed.Group("/conversations")
	{
		conversations.GET("", handlers.Conversations.List)
		conversations.GET("/with/:peerId", handlers.Conversations.With)
		conversations.POST("/:id/clear", handlers.Conversations.Clear)
		conversations.POST("/:id/read", handlers.Conversations.MarkRead)
	}

	users := authed.Group("/users")
	{
		users.POST("/public-key", handlers.Users.SetPublicKey)
		users.GET("/:id", handlers.Users.Profile)
	}

	if handlers.Websocket != nil {
		ws := []gin.HandlerFunc{}
		if routes.ConnectLimiter != nil {
			ws = append(ws, middleware.RateLimitMiddleware(routes.ConnectLimiter, "ws"))
		}
		ws = append(ws, handlers.Websocket.Connect)
		authed.GET("/ws", ws...)
	}
}

func (s *Server) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := gin.H{}
	healthy := true
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			healthy = false
			status[name] = err.Error()
			s.logger.WithContext(c.Request.Context()).Warn("health check failed",
				zap.String("check", name), zap.Error(err))
			continue
		}
		status[name] = "ok"
	}
	if !healthy {
		c.JSON(http.StatusServiceUnavailable, httpdto.Response[gin.H]{
			Success: false,
			Data:    status,
			Error:   "one or more dependencies are unhealthy",
			Code:    "UNHEALTHY",
		})
		return
	}
	status["status"] = "healthy"
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(status))
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Infof("Starting the server on port %s...", s.config.AppPort)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			s.logger.Errorf("Error in starting the server: %s", err)
			return err
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Infof("Shutdown signal received, draining connections")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Errorf("Error in the graceful shutdown of the server: %s", err)
		return err
	}

	s.logger.Infof("Server stopped gracefully")
	return nil
}
