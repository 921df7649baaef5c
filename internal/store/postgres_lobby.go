// internal/store/postgres_lobby.go
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/playsquad/playsquad/internal/apperr"
	"github.com/playsquad/playsquad/internal/models"
)

const lobbyColumns = `
	id, name, game_id, game_mode, region, match_history_id, host_id,
	capacity_min, capacity_max, members, status, chat_id,
	is_private, auto_start, auto_close, created_at, updated_at, closed_at`

func (p *Postgres) CreateLobby(ctx context.Context, l *models.Lobby) error {
	members, err := json.Marshal(l.Members)
	if err != nil {
		return fmt.Errorf("failed to marshal lobby members: %w", err)
	}
	_, err = p.q(ctx).Exec(ctx, `
	INSERT INTO lobbies (`+lobbyColumns+`)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`, l.ID, l.Name, l.GameID, l.GameMode, l.Region, l.MatchHistoryID, l.HostID,
		l.Capacity.Min, l.Capacity.Max, members, l.Status, l.ChatID,
		l.Settings.IsPrivate, l.Settings.AutoStart, l.Settings.AutoClose,
		l.CreatedAt, l.UpdatedAt, l.ClosedAt)
	return err
}

func (p *Postgres) GetLobby(ctx context.Context, id uuid.UUID) (*models.Lobby, error) {
	row := p.q(ctx).QueryRow(ctx, `SELECT `+lobbyColumns+` FROM lobbies WHERE id = $1`, id)
	l, err := scanLobby(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.New(apperr.NotFound, "lobby %s not found", id)
	}
	return l, err
}

func (p *Postgres) UpdateLobby(ctx context.Context, l *models.Lobby) error {
	members, err := json.Marshal(l.Members)
	if err != nil {
		return fmt.Errorf("failed to marshal lobby members: %w", err)
	}
	tag, err := p.q(ctx).Exec(ctx, `
	UPDATE lobbies SET
		name = $2, host_id = $3, members = $4, status = $5,
		updated_at = $6, closed_at = $7
	WHERE id = $1
	`, l.ID, l.Name, l.HostID, members, l.Status, l.UpdatedAt, l.ClosedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.NotFound, "lobby %s not found", l.ID)
	}
	return nil
}

func (p *Postgres) GetActiveLobbyByUser(ctx context.Context, userID uuid.UUID) (*models.Lobby, error) {
	row := p.q(ctx).QueryRow(ctx, `
	SELECT `+lobbyColumns+` FROM lobbies l
	WHERE l.status <> 'closed' AND EXISTS (
		SELECT 1 FROM jsonb_array_elements(l.members) m
		WHERE m->>'userId' = $1 AND m->>'status' IN ('joined', 'ready')
	)
	LIMIT 1
	`, userID.String())
	l, err := scanLobby(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.New(apperr.NotFound, "no active lobby for user %s", userID)
	}
	return l, err
}

func (p *Postgres) ListLobbiesByUser(ctx context.Context, userID uuid.UUID, includeClosed bool, limit int) ([]*models.Lobby, error) {
	if limit < 1 {
		limit = 20
	}
	rows, err := p.q(ctx).Query(ctx, `
	SELECT `+lobbyColumns+` FROM lobbies l
	WHERE ($2 OR l.status <> 'closed') AND EXISTS (
		SELECT 1 FROM jsonb_array_elements(l.members) m
		WHERE m->>'userId' = $1
	)
	ORDER BY created_at DESC
	LIMIT $3
	`, userID.String(), includeClosed, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Lobby
	for rows.Next() {
		l, err := scanLobby(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func scanLobby(row pgx.Row) (*models.Lobby, error) {
	var (
		l       models.Lobby
		members []byte
	)
	err := row.Scan(
		&l.ID, &l.Name, &l.GameID, &l.GameMode, &l.Region, &l.MatchHistoryID, &l.HostID,
		&l.Capacity.Min, &l.Capacity.Max, &members, &l.Status, &l.ChatID,
		&l.Settings.IsPrivate, &l.Settings.AutoStart, &l.Settings.AutoClose,
		&l.CreatedAt, &l.UpdatedAt, &l.ClosedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(members, &l.Members); err != nil {
		return nil, fmt.Errorf("failed to unmarshal lobby members: %w", err)
	}
	return &l, nil
}
