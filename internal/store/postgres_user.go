// internal/store/postgres_user.go
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

func (p *Postgres) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var (
		u        models.User
		profiles []byte
	)
	err := p.q(ctx).QueryRow(ctx, `
	SELECT id, username, status, game_profiles, last_active FROM users WHERE id = $1
	`, id).Scan(&u.ID, &u.Username, &u.Status, &profiles, &u.LastActive)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.New(apperr.NotFound, "user %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(profiles, &u.GameProfiles); err != nil {
		return nil, fmt.Errorf("failed to unmarshal game profiles: %w", err)
	}
	return &u, nil
}

func (p *Postgres) TouchLastActive(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := p.q(ctx).Exec(ctx, `UPDATE users SET last_active = $2 WHERE id = $1`, id, at)
	return err
}

func (p *Postgres) GameExists(ctx context.Context, gameID string) (bool, error) {
	var tmp int
	err := p.q(ctx).QueryRow(ctx, `SELECT 1 FROM games WHERE id = $1`, gameID).Scan(&tmp)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
