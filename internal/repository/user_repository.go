package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"shelfmate/internal/domain/user"
	"shelfmate/internal/e2ee"
	shelfmate_errors "shelfmate/pkg/errors"
)

type PostgresUserRepository struct {
	db DBTX
}

func NewUserRepository(db DBTX) UserRepository {
	return &PostgresUserRepository{db: db}
}

func (r *PostgresUserRepository) EnsureUser(ctx context.Context, id, displayName string) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO users (id, display_name)
		VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE
		SET display_name = CASE WHEN EXCLUDED.display_name = '' THEN users.display_name ELSE EXCLUDED.display_name END,
		    updated_at = CASE WHEN EXCLUDED.display_name = '' OR EXCLUDED.display_name = users.display_name THEN users.updated_at ELSE now() END`,
		id, displayName)
	return err
}

func (r *PostgresUserRepository) GetProfile(ctx context.Context, id string) (user.Profile, error) {
	var (
		p   user.Profile
		raw []byte
	)
	err := r.db.QueryRow(ctx,
		`SELECT id, display_name, public_key_jwk, updated_at FROM users WHERE id = $1`, id,
	).Scan(&p.ID, &p.DisplayName, &raw, &p.UpdatedAt)
	if err != nil {
		return user.Profile{}, notFound(err, "user "+id)
	}
	if len(raw) > 0 {
		var jwk e2ee.JWK
		if err := json.Unmarshal(raw, &jwk); err != nil {
			return user.Profile{}, fmt.Errorf("decode public key of %s: %w", id, err)
		}
		p.PublicKeyJwk = &jwk
	}
	return p, nil
}

func (r *PostgresUserRepository) SetPublicKey(ctx context.Context, id string, jwk e2ee.JWK) error {
	raw, err := json.Marshal(jwk)
	if err != nil {
		return err
	}
	tag, err := r.db.Exec(ctx,
		`UPDATE users SET public_key_jwk = $2, updated_at = $3 WHERE id = $1`,
		id, raw, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user %s: %w", id, shelfmate_errors.ErrNotFound)
	}
	return nil
}
