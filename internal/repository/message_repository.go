package repository

import (
	"context"
	"fmt"
	"time"

	"shelfmate/internal/domain/message"
	shelfmate_errors "shelfmate/pkg/errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

var errNoRows = pgx.ErrNoRows

type PostgresMessageRepository struct {
	db DBTX
}

func NewMessageRepository(db DBTX) MessageRepository {
	return &PostgresMessageRepository{db: db}
}

const messageColumns = `id::text, conversation_id::text, sender_id, recipient_id, subject, body,
	ciphertext, iv, salt, alg, status, created_at, delivered_at, read_at`

func scanMessage(row interface{ Scan(...any) error }) (message.Message, error) {
	var (
		m      message.Message
		status string
	)
	err := row.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.RecipientID, &m.Subject, &m.Body,
		&m.Ciphertext, &m.IV, &m.Salt, &m.Alg, &status, &m.CreatedAt, &m.DeliveredAt, &m.ReadAt)
	if err != nil {
		return message.Message{}, err
	}
	m.Status = message.Status(status)
	return m, nil
}

func collectMessages(rows pgx.Rows) ([]message.Message, error) {
	defer rows.Close()
	var out []message.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *PostgresMessageRepository) Create(ctx context.Context, m *message.Message) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC().Truncate(time.Microsecond)
	}
	if m.Status == "" {
		m.Status = message.StatusSent
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, recipient_id, subject, body,
			ciphertext, iv, salt, alg, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		m.ID, m.ConversationID, m.SenderID, m.RecipientID, m.Subject, m.Body,
		m.Ciphertext, m.IV, m.Salt, m.Alg, string(m.Status), m.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("message %s: %w", m.ID, shelfmate_errors.ErrAlreadyExists)
	}
	return err
}

func (r *PostgresMessageRepository) GetByID(ctx context.Context, id string) (message.Message, error) {
	if _, err := uuid.Parse(id); err != nil {
		return message.Message{}, notFound(errNoRows, "message "+id)
	}
	m, err := scanMessage(r.db.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id))
	if err != nil {
		return message.Message{}, notFound(err, "message "+id)
	}
	return m, nil
}

func (r *PostgresMessageRepository) Recent(ctx context.Context, conversationID string, limit int) ([]message.Message, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE conversation_id = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT $2`, conversationID, limit)
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

func (r *PostgresMessageRepository) UnreadCount(ctx context.Context, conversationID, recipientID string) (int, error) {
	var n int
	err := r.db.QueryRow(ctx,
		`SELECT count(*) FROM messages WHERE conversation_id = $1 AND recipient_id = $2 AND read_at IS NULL`,
		conversationID, recipientID).Scan(&n)
	return n, err
}

func (r *PostgresMessageRepository) MarkDelivered(ctx context.Context, messageID, recipientID string, at time.Time) (message.Message, bool, error) {
	if _, err := uuid.Parse(messageID); err != nil {
		return message.Message{}, false, notFound(errNoRows, "message "+messageID)
	}
	m, err := scanMessage(r.db.QueryRow(ctx, `
		UPDATE messages SET status = 'delivered', delivered_at = $3
		WHERE id = $1 AND recipient_id = $2 AND status = 'sent'
		RETURNING `+messageColumns, messageID, recipientID, at))
	if err == nil {
		return m, true, nil
	}
	if err != pgx.ErrNoRows {
		return message.Message{}, false, err
	}
	// already delivered or read, or not addressed to recipientID
	m, err = r.GetByID(ctx, messageID)
	if err != nil {
		return message.Message{}, false, err
	}
	if m.RecipientID != recipientID {
		return message.Message{}, false, fmt.Errorf("message %s: %w", messageID, shelfmate_errors.ErrForbidden)
	}
	return m, false, nil
}

func (r *PostgresMessageRepository) MarkRead(ctx context.Context, conversationID, recipientID string, at time.Time) ([]message.Message, error) {
	rows, err := r.db.Query(ctx, `
		UPDATE messages SET status = 'read', read_at = $3,
			delivered_at = COALESCE(delivered_at, $3)
		WHERE conversation_id = $1 AND recipient_id = $2 AND read_at IS NULL
		RETURNING `+messageColumns, conversationID, recipientID, at)
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

func (r *PostgresMessageRepository) DeleteConversation(ctx context.Context, conversationID string) (int, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM messages WHERE conversation_id = $1`, conversationID)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
