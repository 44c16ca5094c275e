package repository

import (
	"context"
	"time"

	"shelfmate/internal/domain/conversation"

	"github.com/google/uuid"
)

type PostgresConversationRepository struct {
	db DBTX
}

func NewConversationRepository(db DBTX) ConversationRepository {
	return &PostgresConversationRepository{db: db}
}

const conversationColumns = `id::text, user_low, user_high, updated_at`

func scanConversation(row interface{ Scan(...any) error }) (conversation.Conversation, error) {
	var (
		c         conversation.Conversation
		low, high string
	)
	if err := row.Scan(&c.ID, &low, &high, &c.UpdatedAt); err != nil {
		return conversation.Conversation{}, err
	}
	c.Participants = []string{low, high}
	return c, nil
}

func (r *PostgresConversationRepository) GetOrCreateDirect(ctx context.Context, userA, userB string) (conversation.Conversation, error) {
	low, high := orderPair(userA, userB)
	_, err := r.db.Exec(ctx, `
		INSERT INTO conversations (id, user_low, user_high)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_low, user_high) DO NOTHING`,
		uuid.New(), low, high)
	if err != nil {
		return conversation.Conversation{}, err
	}
	return r.GetDirect(ctx, userA, userB)
}

func (r *PostgresConversationRepository) GetDirect(ctx context.Context, userA, userB string) (conversation.Conversation, error) {
	low, high := orderPair(userA, userB)
	c, err := scanConversation(r.db.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE user_low = $1 AND user_high = $2`, low, high))
	if err != nil {
		return conversation.Conversation{}, notFound(err, "conversation")
	}
	return c, nil
}

func (r *PostgresConversationRepository) GetByID(ctx context.Context, id string) (conversation.Conversation, error) {
	if _, err := uuid.Parse(id); err != nil {
		return conversation.Conversation{}, notFound(errNoRows, "conversation "+id)
	}
	c, err := scanConversation(r.db.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id))
	if err != nil {
		return conversation.Conversation{}, notFound(err, "conversation "+id)
	}
	return c, nil
}

func (r *PostgresConversationRepository) ListForUser(ctx context.Context, userID string) ([]conversation.Conversation, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+conversationColumns+` FROM conversations
		 WHERE user_low = $1 OR user_high = $1
		 ORDER BY updated_at DESC, id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []conversation.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *PostgresConversationRepository) Touch(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.Exec(ctx,
		`UPDATE conversations SET updated_at = GREATEST(updated_at, $2) WHERE id = $1`, id, at)
	return err
}
