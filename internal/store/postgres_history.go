// internal/store/postgres_history.go
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

const historyColumns = `
	id, game_id, game_mode, region, participants, quality, metrics,
	lobby_id, status, formed_at, started_at, completed_at`

func (p *Postgres) CreateHistory(ctx context.Context, h *models.MatchHistory) error {
	participants, err := json.Marshal(h.Participants)
	if err != nil {
		return fmt.Errorf("failed to marshal participants: %w", err)
	}
	quality, err := json.Marshal(h.Quality)
	if err != nil {
		return fmt.Errorf("failed to marshal match quality: %w", err)
	}
	metrics, err := json.Marshal(h.Metrics)
	if err != nil {
		return fmt.Errorf("failed to marshal matching metrics: %w", err)
	}
	_, err = p.q(ctx).Exec(ctx, `
	INSERT INTO match_histories (`+historyColumns+`)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, h.ID, h.GameID, h.GameMode, h.Region, participants, quality, metrics,
		h.LobbyID, h.Status, h.FormedAt, h.StartedAt, h.CompletedAt)
	return err
}

func (p *Postgres) GetHistory(ctx context.Context, id uuid.UUID) (*models.MatchHistory, error) {
	row := p.q(ctx).QueryRow(ctx, `SELECT `+historyColumns+` FROM match_histories WHERE id = $1`, id)
	h, err := scanHistory(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.New(apperr.NotFound, "match history %s not found", id)
	}
	return h, err
}

func (p *Postgres) SetHistoryLobby(ctx context.Context, id, lobbyID uuid.UUID) error {
	tag, err := p.q(ctx).Exec(ctx,
		`UPDATE match_histories SET lobby_id = $2 WHERE id = $1`, id, lobbyID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.NotFound, "match history %s not found", id)
	}
	return nil
}

func (p *Postgres) UpdateHistoryStatus(ctx context.Context, id uuid.UUID, status models.HistoryStatus) error {
	q := `UPDATE match_histories SET status = $2 WHERE id = $1`
	switch status {
	case models.HistoryInProgress:
		q = `UPDATE match_histories SET status = $2, started_at = now() WHERE id = $1`
	case models.HistoryCompleted, models.HistoryCancelled:
		q = `UPDATE match_histories SET status = $2, completed_at = now() WHERE id = $1`
	}
	tag, err := p.q(ctx).Exec(ctx, q, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.NotFound, "match history %s not found", id)
	}
	return nil
}

func (p *Postgres) ListHistoryByUser(ctx context.Context, userID uuid.UUID, f HistoryFilter) ([]*models.MatchHistory, int, error) {
	page, limit := f.Page, f.Limit
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}
	where := `
	WHERE EXISTS (
		SELECT 1 FROM jsonb_array_elements(participants) part
		WHERE part->>'userId' = $1
	)
	AND ($2 = '' OR game_id = $2)
	AND ($3 = '' OR status = $3)`
	args := []any{userID.String(), f.GameID, string(f.Status)}

	var total int
	if err := p.q(ctx).QueryRow(ctx, `SELECT count(*) FROM match_histories `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := p.q(ctx).Query(ctx, `
	SELECT `+historyColumns+` FROM match_histories `+where+`
	ORDER BY formed_at DESC
	LIMIT $4 OFFSET $5
	`, append(args, limit, (page-1)*limit)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*models.MatchHistory
	for rows.Next() {
		h, err := scanHistory(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, h)
	}
	return out, total, rows.Err()
}

func scanHistory(row pgx.Row) (*models.MatchHistory, error) {
	var (
		h            models.MatchHistory
		participants []byte
		quality      []byte
		metrics      []byte
	)
	err := row.Scan(
		&h.ID, &h.GameID, &h.GameMode, &h.Region, &participants, &quality, &metrics,
		&h.LobbyID, &h.Status, &h.FormedAt, &h.StartedAt, &h.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(participants, &h.Participants); err != nil {
		return nil, fmt.Errorf("failed to unmarshal participants: %w", err)
	}
	if err := json.Unmarshal(quality, &h.Quality); err != nil {
		return nil, fmt.Errorf("failed to unmarshal match quality: %w", err)
	}
	if err := json.Unmarshal(metrics, &h.Metrics); err != nil {
		return nil, fmt.Errorf("failed to unmarshal matching metrics: %w", err)
	}
	return &h, nil
}
