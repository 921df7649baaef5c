// internal/store/memory.go
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/playsquad/playsquad/internal/apperr"
	"github.com/playsquad/playsquad/internal/models"
)

// Memory is a mutex-guarded in-memory Store. It backs tests and
// single-process deployments. It does not support transactions; WithTx runs
// the function directly and callers rely on the named lock plus idempotent
// re-reads for finalization safety.
type Memory struct {
	mu        sync.RWMutex
	users     map[uuid.UUID]*models.User
	games     map[string]bool
	requests  map[uuid.UUID]*models.MatchRequest
	histories map[uuid.UUID]*models.MatchHistory
	lobbies   map[uuid.UUID]*models.Lobby
	chats     map[uuid.UUID]*models.Chat
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		users:     make(map[uuid.UUID]*models.User),
		games:     make(map[string]bool),
		requests:  make(map[uuid.UUID]*models.MatchRequest),
		histories: make(map[uuid.UUID]*models.MatchHistory),
		lobbies:   make(map[uuid.UUID]*models.Lobby),
		chats:     make(map[uuid.UUID]*models.Chat),
	}
}

func (m *Memory) Users() UserStore           { return m }
func (m *Memory) Games() GameStore           { return m }
func (m *Memory) Requests() RequestStore     { return m }
func (m *Memory) Histories() HistoryStore    { return m }
func (m *Memory) Lobbies() LobbyStore        { return m }
func (m *Memory) Chats() ChatStore           { return m }
func (m *Memory) SupportsTransactions() bool { return false }

func (m *Memory) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// PutUser seeds a user reference. Users are externally owned; this exists
// for composition roots and tests.
func (m *Memory) PutUser(u *models.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = cloneUser(u)
}

// PutGame seeds a catalog game id.
func (m *Memory) PutGame(gameID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.games[gameID] = true
}

// --- UserStore ---

func (m *Memory) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "user %s not found", id)
	}
	return cloneUser(u), nil
}

func (m *Memory) TouchLastActive(ctx context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok {
		u.LastActive = at
	}
	return nil
}

// --- GameStore ---

func (m *Memory) GameExists(ctx context.Context, gameID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.games[gameID], nil
}

// --- RequestStore ---

func (m *Memory) CreateRequest(ctx context.Context, req *models.MatchRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.requests {
		if r.UserID == req.UserID && r.Status == models.RequestSearching {
			return apperr.New(apperr.Conflict, "user %s already has an active match request", req.UserID)
		}
	}
	m.requests[req.ID] = cloneRequest(req)
	return nil
}

func (m *Memory) GetRequest(ctx context.Context, id uuid.UUID) (*models.MatchRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "match request %s not found", id)
	}
	return cloneRequest(r), nil
}

func (m *Memory) GetActiveRequestByUser(ctx context.Context, userID uuid.UUID) (*models.MatchRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.requests {
		if r.UserID == userID && r.Status == models.RequestSearching {
			return cloneRequest(r), nil
		}
	}
	return nil, apperr.New(apperr.NotFound, "no active match request for user %s", userID)
}

func (m *Memory) UpdateStatusIfSearching(ctx context.Context, id uuid.UUID, status models.RequestStatus, lobbyID *uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok || r.Status != models.RequestSearching {
		return false, nil
	}
	r.Status = status
	if lobbyID != nil {
		id := *lobbyID
		r.MatchedLobbyID = &id
	}
	return true, nil
}

// RevertToSearching undoes a matched flip during finalization compensation.
// Only matched requests revert; anything else is left alone.
func (m *Memory) RevertToSearching(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return apperr.New(apperr.NotFound, "match request %s not found", id)
	}
	if r.Status == models.RequestMatched {
		r.Status = models.RequestSearching
		r.MatchedLobbyID = nil
	}
	return nil
}

func (m *Memory) SetRelaxation(ctx context.Context, id uuid.UUID, level int, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return apperr.New(apperr.NotFound, "match request %s not found", id)
	}
	r.RelaxationLevel = level
	r.RelaxationTimestamp = at
	return nil
}

func (m *Memory) ListSearching(ctx context.Context) ([]*models.MatchRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.MatchRequest
	for _, r := range m.requests {
		if r.Status == models.RequestSearching {
			out = append(out, cloneRequest(r))
		}
	}
	sortRequestsFIFO(out)
	return out, nil
}

func (m *Memory) ExpireOlderThan(ctx context.Context, cutoff time.Time) ([]*models.MatchRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var expired []*models.MatchRequest
	for _, r := range m.requests {
		if r.Status == models.RequestSearching && r.SearchStartTime.Before(cutoff) {
			r.Status = models.RequestExpired
			expired = append(expired, cloneRequest(r))
		}
	}
	sortRequestsFIFO(expired)
	return expired, nil
}

// --- HistoryStore ---

func (m *Memory) CreateHistory(ctx context.Context, h *models.MatchHistory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.histories[h.ID] = cloneHistory(h)
	return nil
}

func (m *Memory) GetHistory(ctx context.Context, id uuid.UUID) (*models.MatchHistory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.histories[id]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "match history %s not found", id)
	}
	return cloneHistory(h), nil
}

func (m *Memory) SetHistoryLobby(ctx context.Context, id, lobbyID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.histories[id]
	if !ok {
		return apperr.New(apperr.NotFound, "match history %s not found", id)
	}
	lid := lobbyID
	h.LobbyID = &lid
	return nil
}

func (m *Memory) UpdateHistoryStatus(ctx context.Context, id uuid.UUID, status models.HistoryStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.histories[id]
	if !ok {
		return apperr.New(apperr.NotFound, "match history %s not found", id)
	}
	h.Status = status
	now := time.Now()
	switch status {
	case models.HistoryInProgress:
		h.StartedAt = &now
	case models.HistoryCompleted, models.HistoryCancelled:
		h.CompletedAt = &now
	}
	return nil
}

func (m *Memory) ListHistoryByUser(ctx context.Context, userID uuid.UUID, f HistoryFilter) ([]*models.MatchHistory, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var all []*models.MatchHistory
	for _, h := range m.histories {
		if f.GameID != "" && h.GameID != f.GameID {
			continue
		}
		if f.Status != "" && h.Status != f.Status {
			continue
		}
		for _, p := range h.Participants {
			if p.UserID == userID {
				all = append(all, cloneHistory(h))
				break
			}
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].FormedAt.After(all[j].FormedAt) })
	total := len(all)
	page, limit := f.Page, f.Limit
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}
	start := (page - 1) * limit
	if start >= total {
		return nil, total, nil
	}
	end := start + limit
	if end > total {
		end = total
	}
	return all[start:end], total, nil
}

// --- LobbyStore ---

func (m *Memory) CreateLobby(ctx context.Context, l *models.Lobby) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lobbies[l.ID] = cloneLobby(l)
	return nil
}

func (m *Memory) GetLobby(ctx context.Context, id uuid.UUID) (*models.Lobby, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.lobbies[id]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "lobby %s not found", id)
	}
	return cloneLobby(l), nil
}

func (m *Memory) UpdateLobby(ctx context.Context, l *models.Lobby) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.lobbies[l.ID]; !ok {
		return apperr.New(apperr.NotFound, "lobby %s not found", l.ID)
	}
	m.lobbies[l.ID] = cloneLobby(l)
	return nil
}

func (m *Memory) GetActiveLobbyByUser(ctx context.Context, userID uuid.UUID) (*models.Lobby, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, l := range m.lobbies {
		if l.Status == models.LobbyClosed {
			continue
		}
		if l.ActiveMember(userID) != nil {
			return cloneLobby(l), nil
		}
	}
	return nil, apperr.New(apperr.NotFound, "no active lobby for user %s", userID)
}

func (m *Memory) ListLobbiesByUser(ctx context.Context, userID uuid.UUID, includeClosed bool, limit int) ([]*models.Lobby, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Lobby
	for _, l := range m.lobbies {
		if !includeClosed && l.Status == models.LobbyClosed {
			continue
		}
		if l.MemberIndex(userID) >= 0 {
			out = append(out, cloneLobby(l))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- ChatStore ---

func (m *Memory) CreateChat(ctx context.Context, c *models.Chat) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chats[c.ID] = cloneChat(c)
	return nil
}

func (m *Memory) GetChat(ctx context.Context, id uuid.UUID) (*models.Chat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.chats[id]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "chat %s not found", id)
	}
	return cloneChat(c), nil
}

func (m *Memory) AddChatParticipant(ctx context.Context, chatID, userID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chats[chatID]
	if !ok {
		return apperr.New(apperr.NotFound, "chat %s not found", chatID)
	}
	if !c.HasParticipant(userID) {
		c.Participants = append(c.Participants, userID)
	}
	return nil
}

func (m *Memory) AppendMessage(ctx context.Context, chatID uuid.UUID, msg *models.ChatMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chats[chatID]
	if !ok {
		return apperr.New(apperr.NotFound, "chat %s not found", chatID)
	}
	c.Messages = append(c.Messages, *msg)
	at := msg.CreatedAt
	c.LastMessageAt = &at
	return nil
}

func (m *Memory) ListMessages(ctx context.Context, chatID uuid.UUID, limit int, before time.Time) ([]models.ChatMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.chats[chatID]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "chat %s not found", chatID)
	}
	var out []models.ChatMessage
	for _, msg := range c.Messages {
		if !before.IsZero() && !msg.CreatedAt.Before(before) {
			continue
		}
		out = append(out, msg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// --- clone helpers ---
// Reads and writes copy so callers never alias store-owned memory.

func cloneUser(u *models.User) *models.User {
	c := *u
	c.GameProfiles = append([]models.GameProfile(nil), u.GameProfiles...)
	return &c
}

func cloneRequest(r *models.MatchRequest) *models.MatchRequest {
	c := *r
	c.PreselectedUsers = append([]uuid.UUID(nil), r.PreselectedUsers...)
	c.Criteria.Games = append([]models.GamePreference(nil), r.Criteria.Games...)
	c.Criteria.Regions = append([]models.Region(nil), r.Criteria.Regions...)
	c.Criteria.Languages = append([]string(nil), r.Criteria.Languages...)
	if r.MatchedLobbyID != nil {
		id := *r.MatchedLobbyID
		c.MatchedLobbyID = &id
	}
	return &c
}

func cloneHistory(h *models.MatchHistory) *models.MatchHistory {
	c := *h
	c.Participants = append([]models.MatchParticipant(nil), h.Participants...)
	c.Metrics.RelaxationLevelsUsed = append([]int(nil), h.Metrics.RelaxationLevelsUsed...)
	if h.LobbyID != nil {
		id := *h.LobbyID
		c.LobbyID = &id
	}
	return &c
}

func cloneLobby(l *models.Lobby) *models.Lobby {
	c := *l
	c.Members = append([]models.LobbyMember(nil), l.Members...)
	return &c
}

func cloneChat(ch *models.Chat) *models.Chat {
	c := *ch
	c.Participants = append([]uuid.UUID(nil), ch.Participants...)
	c.Messages = append([]models.ChatMessage(nil), ch.Messages...)
	return &c
}

func sortRequestsFIFO(reqs []*models.MatchRequest) {
	sort.Slice(reqs, func(i, j int) bool {
		if reqs[i].SearchStartTime.Equal(reqs[j].SearchStartTime) {
			return reqs[i].ID.String() < reqs[j].ID.String()
		}
		return reqs[i].SearchStartTime.Before(reqs[j].SearchStartTime)
	})
}
