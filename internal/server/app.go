package server

import (
	"context"
	"fmt"

	"shelfmate/config"
	"shelfmate/internal/events"
	"shelfmate/internal/handler"
	"shelfmate/internal/middleware"
	"shelfmate/internal/presence"
	"shelfmate/internal/proxy"
	shelfredis "shelfmate/internal/redis"
	"shelfmate/internal/repository"
	"shelfmate/internal/services"
	"shelfmate/internal/websocket"
	"shelfmate/pkg/database"
	"shelfmate/pkg/logger"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
)

// Backends are the optional external services. A nil Pool selects the
// in-memory store; a nil Redis selects in-process presence, fan-out and rate
// limiting, which only works for a single instance.
type Backends struct {
	Pool  *pgxpool.Pool
	Redis *goredis.Client
}

// App is a fully wired API instance.
type App struct {
	Server *Server
	Hub    *websocket.Hub
	Bus    events.Bus
	Auth   *services.AuthService
	Store  repository.Store
}

func NewApp(cfg *config.Config, l *logger.Logger, b Backends) *App {
	if l == nil {
		l = logger.NewNop()
	}

	var store repository.Store
	if b.Pool != nil {
		store = repository.NewPostgresStore(b.Pool)
	} else {
		store = repository.NewMemoryStore().Store()
	}

	var (
		bus            events.Bus
		presenceStore  websocket.PresenceStore
		messageLimiter middleware.Limiter
		connectLimiter middleware.Limiter
	)
	if b.Redis != nil {
		store.Users = shelfredis.NewProfileCache(store.Users, b.Redis, 0, l.Component("profile-cache"))
		bus = events.NewRedisEventBus(b.Redis, events.NewUserChannelResolver(), l.Component("events"))
		presenceStore = shelfredis.NewPresenceStore(b.Redis, 0)
		messageLimiter = shelfredis.NewRateLimiter(b.Redis, cfg.MessageRateLimit, cfg.MessageRateWindow)
		connectLimiter = shelfredis.NewRateLimiter(b.Redis, connectRateLimit, connectRateWindow)
	} else {
		bus = events.NewLocalBus()
		presenceStore = presence.NewMemoryStore()
		messageLimiter = middleware.NewMemoryRateLimiter(cfg.MessageRateLimit, cfg.MessageRateWindow)
		connectLimiter = middleware.NewMemoryRateLimiter(connectRateLimit, connectRateWindow)
	}

	access := proxy.NewAccessControl(store.Conversations)
	publisher := services.NewEventPublisher(bus, l.Component("publisher"))
	authService := services.NewAuthService(store.Users, cfg)
	messageService := services.NewMessageService(store, access, publisher, l.Component("messages"))
	conversationService := services.NewConversationService(store, access, publisher, l.Component("conversations"))
	userService := services.NewUserService(store.Users, l.Component("users"))

	hub := websocket.NewHub(websocket.HubConfig{
		Bus:              bus,
		Presence:         presenceStore,
		Deliveries:       messageService,
		Typing:           publisher,
		PresenceInterval: cfg.PresenceInterval,
		Logger:           l.Logger,
	})

	srv := New(cfg, l)
	if b.Pool != nil {
		pool := b.Pool
		srv.AddHealthCheck("postgres", func(ctx context.Context) error {
			return database.HealthCheck(ctx, pool)
		})
	}
	if b.Redis != nil {
		client := b.Redis
		srv.AddHealthCheck("redis", func(ctx context.Context) error {
			return shelfredis.Ping(ctx, client)
		})
	}
	srv.SetupRoutes(&Handlers{
		Messages:      handler.NewMessageHandler(messageService),
		Conversations: handler.NewConversationHandler(conversationService),
		Users:         handler.NewUserHandler(userService),
		Websocket:     websocket.NewHandler(hub),
	}, Routes{
		Auth:           authService,
		MessageLimiter: messageLimiter,
		ConnectLimiter: connectLimiter,
	})

	return &App{
		Server: srv,
		Hub:    hub,
		Bus:    bus,
		Auth:   authService,
		Store:  store,
	}
}

// Start starts the bus and the hub. Both stop when ctx is cancelled.
func (a *App) Start(ctx context.Context) error {
	if err := a.Bus.Start(ctx); err != nil {
		return fmt.Errorf("start event bus: %w", err)
	}
	go a.Hub.Run(ctx)
	return nil
}

// Stop releases the bus subscription.
func (a *App) Stop() error {
	return a.Bus.Stop()
}
