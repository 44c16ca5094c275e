package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"shelfmate/config"
	shelfredis "shelfmate/internal/redis"
	"shelfmate/internal/server"
	"shelfmate/pkg/database"
	"shelfmate/pkg/logger"
)

func main() {
	cfg := config.LoadConfig()

	l := logger.New(cfg.LogMode)
	logger.SetGlobalLogger(l)
	defer l.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	var backends server.Backends

	if cfg.DatabaseURL != "" {
		pool, err := database.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			l.Errorf("Failed to connect to database: %v", err)
			os.Exit(1)
		}
		defer pool.Close()

		applied, err := database.MigrateUp(ctx, pool)
		if err != nil {
			l.Errorf("Failed to apply migrations: %v", err)
			os.Exit(1)
		}
		for _, v := range applied {
			l.Infof("Applied migration %s", v)
		}
		backends.Pool = pool
	} else {
		l.Warnf("DATABASE_URL not set, using the in-memory store")
	}

	if cfg.RedisEnabled() {
		client := shelfredis.NewClient(shelfredis.Config{
			Host:     cfg.RedisHost,
			Port:     cfg.RedisPort,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := shelfredis.Ping(ctx, client); err != nil {
			l.Errorf("Failed to connect to redis: %v", err)
			os.Exit(1)
		}
		defer client.Close()
		backends.Redis = client
	} else {
		l.Warnf("REDIS_HOST not set, presence and fan-out are local to this instance")
	}

	app := server.NewApp(cfg, l, backends)
	if err := app.Start(ctx); err != nil {
		l.Errorf("Failed to start: %v", err)
		os.Exit(1)
	}
	defer app.Stop()

	if err := app.Server.Run(ctx); err != nil {
		l.Errorf("Server error: %v", err)
		os.Exit(1)
	}
}
