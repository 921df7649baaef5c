// internal/store/store.go
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/playsquad/playsquad/internal/models"
)

// Store bundles the capability interfaces the services are built on. The
// Postgres implementation supports multi-statement transactions; the
// in-memory one does not, and callers fall back to lock-guarded idempotent
// sequences (see MatchmakingService finalization).
type Store interface {
	Users() UserStore
	Games() GameStore
	Requests() RequestStore
	Histories() HistoryStore
	Lobbies() LobbyStore
	Chats() ChatStore

	// SupportsTransactions reports whether WithTx provides atomicity.
	SupportsTransactions() bool

	// WithTx runs fn within a transaction when supported; otherwise it runs
	// fn directly. Sub-store calls made with the ctx passed to fn join the
	// transaction.
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// UserStore reads user references. Users are owned by the account
// subsystem; the core only touches lastActive.
type UserStore interface {
	GetUser(ctx context.Context, id uuid.UUID) (*models.User, error)
	TouchLastActive(ctx context.Context, id uuid.UUID, at time.Time) error
}

// GameStore validates game references against the synced catalog.
type GameStore interface {
	GameExists(ctx context.Context, gameID string) (bool, error)
}

// RequestStore persists match requests. CreateRequest fails with a Conflict
// error when the user already has a searching request (unique partial
// index); UpdateStatusIfSearching is the conditional write finalization and
// cancellation race on.
type RequestStore interface {
	CreateRequest(ctx context.Context, req *models.MatchRequest) error
	GetRequest(ctx context.Context, id uuid.UUID) (*models.MatchRequest, error)
	GetActiveRequestByUser(ctx context.Context, userID uuid.UUID) (*models.MatchRequest, error)
	UpdateStatusIfSearching(ctx context.Context, id uuid.UUID, status models.RequestStatus, lobbyID *uuid.UUID) (bool, error)
	RevertToSearching(ctx context.Context, id uuid.UUID) error
	SetRelaxation(ctx context.Context, id uuid.UUID, level int, at time.Time) error
	ListSearching(ctx context.Context) ([]*models.MatchRequest, error)
	ExpireOlderThan(ctx context.Context, cutoff time.Time) ([]*models.MatchRequest, error)
}

// HistoryFilter narrows and pages ListHistoryByUser.
type HistoryFilter struct {
	Page   int
	Limit  int
	GameID string
	Status models.HistoryStatus
}

// HistoryStore persists formed-match records.
type HistoryStore interface {
	CreateHistory(ctx context.Context, h *models.MatchHistory) error
	GetHistory(ctx context.Context, id uuid.UUID) (*models.MatchHistory, error)
	SetHistoryLobby(ctx context.Context, id, lobbyID uuid.UUID) error
	UpdateHistoryStatus(ctx context.Context, id uuid.UUID, status models.HistoryStatus) error
	ListHistoryByUser(ctx context.Context, userID uuid.UUID, f HistoryFilter) ([]*models.MatchHistory, int, error)
}

// LobbyStore persists lobbies. The engine mutates a fetched lobby and
// writes it back whole via UpdateLobby.
type LobbyStore interface {
	CreateLobby(ctx context.Context, l *models.Lobby) error
	GetLobby(ctx context.Context, id uuid.UUID) (*models.Lobby, error)
	UpdateLobby(ctx context.Context, l *models.Lobby) error
	GetActiveLobbyByUser(ctx context.Context, userID uuid.UUID) (*models.Lobby, error)
	ListLobbiesByUser(ctx context.Context, userID uuid.UUID, includeClosed bool, limit int) ([]*models.Lobby, error)
}

// ChatStore persists chats and their message logs.
type ChatStore interface {
	CreateChat(ctx context.Context, c *models.Chat) error
	GetChat(ctx context.Context, id uuid.UUID) (*models.Chat, error)
	AddChatParticipant(ctx context.Context, chatID, userID uuid.UUID) error
	AppendMessage(ctx context.Context, chatID uuid.UUID, msg *models.ChatMessage) error
	ListMessages(ctx context.Context, chatID uuid.UUID, limit int, before time.Time) ([]models.ChatMessage, error)
}
