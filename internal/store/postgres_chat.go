// internal/store/postgres_chat.go
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/playsquad/playsquad/internal/apperr"
	"github.com/playsquad/playsquad/internal/models"
)

func (p *Postgres) CreateChat(ctx context.Context, c *models.Chat) error {
	participants, err := json.Marshal(c.Participants)
	if err != nil {
		return fmt.Errorf("failed to marshal chat participants: %w", err)
	}
	_, err = p.q(ctx).Exec(ctx, `
	INSERT INTO chats (id, chat_type, participants, lobby_id, last_message_at, created_at)
	VALUES ($1, $2, $3, $4, $5, $6)
	`, c.ID, c.ChatType, participants, c.LobbyID, c.LastMessageAt, c.CreatedAt)
	return err
}

func (p *Postgres) GetChat(ctx context.Context, id uuid.UUID) (*models.Chat, error) {
	var (
		c            models.Chat
		participants []byte
	)
	err := p.q(ctx).QueryRow(ctx, `
	SELECT id, chat_type, participants, lobby_id, last_message_at, created_at
	FROM chats WHERE id = $1
	`, id).Scan(&c.ID, &c.ChatType, &participants, &c.LobbyID, &c.LastMessageAt, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.New(apperr.NotFound, "chat %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(participants, &c.Participants); err != nil {
		return nil, fmt.Errorf("failed to unmarshal chat participants: %w", err)
	}
	return &c, nil
}

func (p *Postgres) AddChatParticipant(ctx context.Context, chatID, userID uuid.UUID) error {
	tag, err := p.q(ctx).Exec(ctx, `
	UPDATE chats
	SET participants = participants || to_jsonb($2::text)
	WHERE id = $1 AND NOT participants @> to_jsonb($2::text)
	`, chatID, userID.String())
	if err != nil {
		return err
	}
	// Zero rows means either a missing chat or an existing participant; the
	// latter is the common idempotent case, so distinguish them.
	if tag.RowsAffected() == 0 {
		var tmp int
		err := p.q(ctx).QueryRow(ctx, `SELECT 1 FROM chats WHERE id = $1`, chatID).Scan(&tmp)
		if errors.Is(err, pgx.ErrNoRows) {
			return apperr.New(apperr.NotFound, "chat %s not found", chatID)
		}
		return err
	}
	return nil
}

// AppendMessage inserts the message and bumps the chat timestamp in one
// transaction (or the ambient one when the caller already opened it).
func (p *Postgres) AppendMessage(ctx context.Context, chatID uuid.UUID, msg *models.ChatMessage) error {
	return p.WithTx(ctx, func(ctx context.Context) error {
		_, err := p.q(ctx).Exec(ctx, `
		INSERT INTO chat_messages (id, chat_id, sender_id, content, content_type, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		`, msg.ID, chatID, msg.SenderID, msg.Content, msg.ContentType, msg.CreatedAt)
		if err != nil {
			return err
		}
		tag, err := p.q(ctx).Exec(ctx,
			`UPDATE chats SET last_message_at = $2 WHERE id = $1`, chatID, msg.CreatedAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return apperr.New(apperr.NotFound, "chat %s not found", chatID)
		}
		return nil
	})
}

func (p *Postgres) ListMessages(ctx context.Context, chatID uuid.UUID, limit int, before time.Time) ([]models.ChatMessage, error) {
	if limit < 1 {
		limit = 50
	}
	rows, err := p.q(ctx).Query(ctx, `
	SELECT id, sender_id, content, content_type, created_at, edited_at, deleted_at
	FROM (
		SELECT * FROM chat_messages
		WHERE chat_id = $1 AND ($2::timestamptz IS NULL OR created_at < $2)
		ORDER BY created_at DESC
		LIMIT $3
	) page
	ORDER BY created_at ASC
	`, chatID, nullTime(before), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ChatMessage
	for rows.Next() {
		var m models.ChatMessage
		if err := rows.Scan(&m.ID, &m.SenderID, &m.Content, &m.ContentType, &m.CreatedAt, &m.EditedAt, &m.DeletedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
