package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"shelfmate/config"
	"shelfmate/pkg/database"

	"github.com/jackc/pgx/v5/pgxpool"
)

const usage = `
Shelfmate - Database CLI Tool

Usage:
  migrate [command]

Commands:
  up          Apply all pending migrations
  down        Revert the latest applied migration
  status      Show which migrations are applied
  seed-dev    Seed development users

Environment:
  DATABASE_URL   Postgres connection string (required)

Examples:
  go run ./cmd/migrate up
  go run ./cmd/migrate status
  go run ./cmd/migrate seed-dev
`

func main() {
	flag.Usage = func() {
		fmt.Print(usage)
	}
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(1)
	}

	command := flag.Arg(0)

	cfg := config.LoadConfig()
	if cfg.DatabaseURL == "" {
		log.Fatalf("DATABASE_URL is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Database connection failed: %v", err)
	}
	defer pool.Close()

	switch command {
	case "up":
		runMigrationsUp(ctx, pool)
	case "down":
		runMigrationsDown(ctx, pool)
	case "status":
		showStatus(ctx, pool)
	case "seed-dev":
		runSeedDevelopment(ctx, pool)
	default:
		fmt.Printf("Unknown command: %s\n", command)
		flag.Usage()
		os.Exit(1)
	}
}

func runMigrationsUp(ctx context.Context, pool *pgxpool.Pool) {
	log.Println("Running migrations up...")

	applied, err := database.MigrateUp(ctx, pool)
	if err != nil {
		log.Fatalf("Migration failed: %v", err)
	}
	if len(applied) == 0 {
		log.Println("Schema is up to date")
		return
	}
	for _, v := range applied {
		log.Printf("Applied %s", v)
	}
	log.Println("Migrations completed successfully")
}

func runMigrationsDown(ctx context.Context, pool *pgxpool.Pool) {
	log.Println("Rolling back the latest migration...")

	version, err := database.MigrateDown(ctx, pool)
	if err != nil {
		log.Fatalf("Rollback failed: %v", err)
	}
	if version == "" {
		log.Println("Nothing to roll back")
		return
	}
	log.Printf("Reverted %s", version)
}

func showStatus(ctx context.Context, pool *pgxpool.Pool) {
	if err := database.HealthCheck(ctx, pool); err != nil {
		log.Fatalf("Database connection failed: %v", err)
	}
	log.Println("Database connection: OK")

	statuses, err := database.Status(ctx, pool)
	if err != nil {
		log.Fatalf("Status failed: %v", err)
	}
	for _, st := range statuses {
		if st.AppliedAt == nil {
			log.Printf("%-20s pending", st.Version)
			continue
		}
		log.Printf("%-20s applied %s", st.Version, st.AppliedAt.Format(time.RFC3339))
	}
}

func runSeedDevelopment(ctx context.Context, pool *pgxpool.Pool) {
	log.Println("Seeding development users...")

	created, err := database.SeedDev(ctx, pool)
	if err != nil {
		log.Fatalf("Seeding failed: %v", err)
	}
	log.Printf("Created %d of %d users", created, len(database.DevUsers))
	for _, u := range database.DevUsers {
		log.Printf("   - %s (%s)", u.DisplayName, u.ID)
	}
}
