// internal/store/postgres_request.go
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

const requestColumns = `
	id, user_id, status, criteria, preselected_users,
	search_start_time, relaxation_level, relaxation_timestamp, matched_lobby_id`

func (p *Postgres) CreateRequest(ctx context.Context, req *models.MatchRequest) error {
	criteria, err := json.Marshal(req.Criteria)
	if err != nil {
		return fmt.Errorf("failed to marshal criteria: %w", err)
	}
	party, err := json.Marshal(req.PreselectedUsers)
	if err != nil {
		return fmt.Errorf("failed to marshal preselected users: %w", err)
	}
	q := `
	INSERT INTO match_requests (` + requestColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err = p.q(ctx).Exec(ctx, q,
		req.ID, req.UserID, req.Status, criteria, party,
		req.SearchStartTime, req.RelaxationLevel, nullTime(req.RelaxationTimestamp), req.MatchedLobbyID,
	)
	if isUniqueViolation(err) {
		return apperr.Wrap(apperr.Conflict, err, "user %s already has an active match request", req.UserID)
	}
	return err
}

func (p *Postgres) GetRequest(ctx context.Context, id uuid.UUID) (*models.MatchRequest, error) {
	row := p.q(ctx).QueryRow(ctx, `SELECT `+requestColumns+` FROM match_requests WHERE id = $1`, id)
	req, err := scanRequest(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.New(apperr.NotFound, "match request %s not found", id)
	}
	return req, err
}

func (p *Postgres) GetActiveRequestByUser(ctx context.Context, userID uuid.UUID) (*models.MatchRequest, error) {
	row := p.q(ctx).QueryRow(ctx,
		`SELECT `+requestColumns+` FROM match_requests WHERE user_id = $1 AND status = 'searching'`, userID)
	req, err := scanRequest(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.New(apperr.NotFound, "no active match request for user %s", userID)
	}
	return req, err
}

func (p *Postgres) UpdateStatusIfSearching(ctx context.Context, id uuid.UUID, status models.RequestStatus, lobbyID *uuid.UUID) (bool, error) {
	tag, err := p.q(ctx).Exec(ctx, `
	UPDATE match_requests
	SET status = $2, matched_lobby_id = COALESCE($3, matched_lobby_id)
	WHERE id = $1 AND status = 'searching'
	`, id, status, lobbyID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// RevertToSearching is finalization compensation: a matched flip backs out
// when another member of the group turned out to be gone. Conditional on
// status so it never resurrects a cancelled or expired request.
func (p *Postgres) RevertToSearching(ctx context.Context, id uuid.UUID) error {
	_, err := p.q(ctx).Exec(ctx, `
	UPDATE match_requests SET status = 'searching', matched_lobby_id = NULL
	WHERE id = $1 AND status = 'matched'
	`, id)
	return err
}

func (p *Postgres) SetRelaxation(ctx context.Context, id uuid.UUID, level int, at time.Time) error {
	tag, err := p.q(ctx).Exec(ctx, `
	UPDATE match_requests SET relaxation_level = $2, relaxation_timestamp = $3 WHERE id = $1
	`, id, level, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.NotFound, "match request %s not found", id)
	}
	return nil
}

func (p *Postgres) ListSearching(ctx context.Context) ([]*models.MatchRequest, error) {
	rows, err := p.q(ctx).Query(ctx, `
	SELECT `+requestColumns+` FROM match_requests
	WHERE status = 'searching'
	ORDER BY search_start_time, id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRequests(rows)
}

func (p *Postgres) ExpireOlderThan(ctx context.Context, cutoff time.Time) ([]*models.MatchRequest, error) {
	rows, err := p.q(ctx).Query(ctx, `
	UPDATE match_requests SET status = 'expired'
	WHERE status = 'searching' AND search_start_time < $1
	RETURNING `+requestColumns+`
	`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRequests(rows)
}

func scanRequests(rows pgx.Rows) ([]*models.MatchRequest, error) {
	var out []*models.MatchRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func scanRequest(row pgx.Row) (*models.MatchRequest, error) {
	var (
		req        models.MatchRequest
		criteria   []byte
		party      []byte
		relaxedAt  *time.Time
	)
	err := row.Scan(
		&req.ID, &req.UserID, &req.Status, &criteria, &party,
		&req.SearchStartTime, &req.RelaxationLevel, &relaxedAt, &req.MatchedLobbyID,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(criteria, &req.Criteria); err != nil {
		return nil, fmt.Errorf("failed to unmarshal criteria: %w", err)
	}
	if err := json.Unmarshal(party, &req.PreselectedUsers); err != nil {
		return nil, fmt.Errorf("failed to unmarshal preselected users: %w", err)
	}
	if relaxedAt != nil {
		req.RelaxationTimestamp = *relaxedAt
	}
	return &req, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
