package repository

import (
	"context"
	"errors"
	"fmt"

	shelfmate_errors "shelfmate/pkg/errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DBTX abstracts *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// notFound maps pgx.ErrNoRows to ErrNotFound.
func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, shelfmate_errors.ErrNotFound)
	}
	return err
}

// WithTx executes fn inside a transaction when db is a pool.
// If db is already a pgx.Tx, fn is executed directly.
func WithTx(ctx context.Context, db DBTX, fn func(DBTX) error) error {
	if db == nil {
		return errors.New("database not initialized")
	}
	if tx, ok := db.(pgx.Tx); ok {
		return fn(tx)
	}
	pool, ok := db.(*pgxpool.Pool)
	if !ok {
		return errors.New("unsupported db type")
	}
	return pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		return fn(tx)
	})
}

// orderPair returns the two user ids in canonical order.
func orderPair(a, b string) (string, string) {
	if a > b {
		return b, a
	}
	return a, b
}

// NewPostgresStore builds the pgx-backed repositories.
func NewPostgresStore(db DBTX) Store {
	return Store{
		Users:         NewUserRepository(db),
		Conversations: NewConversationRepository(db),
		Messages:      NewMessageRepository(db),
	}
}
