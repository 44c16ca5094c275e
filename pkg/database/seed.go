package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DevUser is a demo account created by the seed command.
type DevUser struct {
	ID          string
	DisplayName string
}

// DevUsers are the accounts seeded for local development.
var DevUsers = []DevUser{
	{ID: "7b4a9c52-1e0d-4f3a-9b8e-2c6d5f1a0e01", DisplayName: "Alice Reader"},
	{ID: "7b4a9c52-1e0d-4f3a-9b8e-2c6d5f1a0e02", DisplayName: "Bob Lender"},
	{ID: "7b4a9c52-1e0d-4f3a-9b8e-2c6d5f1a0e03", DisplayName: "Carol Borrower"},
}

// SeedDev inserts DevUsers, leaving existing rows untouched.
func SeedDev(ctx context.Context, pool *pgxpool.Pool) (int, error) {
	created := 0
	for _, u := range DevUsers {
		tag, err := pool.Exec(ctx,
			`INSERT INTO users (id, display_name) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING`,
			u.ID, u.DisplayName)
		if err != nil {
			return created, fmt.Errorf("seed user %s: %w", u.ID, err)
		}
		created += int(tag.RowsAffected())
	}
	return created, nil
}
