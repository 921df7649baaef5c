// internal/lobby/engine.go
package lobby

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/playsquad/playsquad/internal/apperr"
	"github.com/playsquad/playsquad/internal/models"
	"github.com/playsquad/playsquad/internal/notify"
	"github.com/playsquad/playsquad/internal/store"
)

// Emitter is what the engine needs from the realtime layer: fan-out to a
// room and to a single user. The socket hub satisfies it.
type Emitter interface {
	EmitToRoom(room, event string, payload interface{})
	EmitToUser(userID uuid.UUID, event string, payload interface{})
}

// Config tunes engine behavior.
type Config struct {
	// AutoStartDelay is the countdown between all-ready and activation.
	AutoStartDelay time.Duration
}

// Engine owns the lobby state machine: forming -> ready -> active -> closed,
// with ready regressing to forming when readiness drops. All mutations of a
// lobby serialize on a per-lobby mutex; the store holds the authoritative
// copy and the engine writes whole lobbies back.
type Engine struct {
	store    store.Store
	emit     Emitter
	notifier notify.Trigger
	log      *logrus.Logger
	cfg      Config

	mu     sync.Mutex
	locks  map[uuid.UUID]*sync.Mutex
	timers map[uuid.UUID]*time.Timer

	clock func() time.Time
}

// CreateParams describes a lobby to materialize. Members are listed in
// seniority order; the first becomes host. A zero ID means the engine
// generates one; finalization pre-allocates it so requests can reference
// the lobby before it exists.
type CreateParams struct {
	ID             uuid.UUID
	Name           string
	GameID         string
	GameMode       models.GameMode
	Region         models.Region
	MatchHistoryID uuid.UUID
	Members        []uuid.UUID
	Capacity       models.LobbyCapacity
	Settings       models.LobbySettings
}

// NewEngine wires the engine. A nil notifier disables invite notifications.
func NewEngine(st store.Store, emit Emitter, notifier notify.Trigger, cfg Config, log *logrus.Logger) *Engine {
	if cfg.AutoStartDelay <= 0 {
		cfg.AutoStartDelay = 5 * time.Second
	}
	if notifier == nil {
		notifier = notify.Noop{}
	}
	return &Engine{
		store:    st,
		emit:     emit,
		notifier: notifier,
		log:      log,
		cfg:      cfg,
		locks:    make(map[uuid.UUID]*sync.Mutex),
		timers:   make(map[uuid.UUID]*time.Timer),
		clock:    time.Now,
	}
}

// lockFor returns the mutex serializing mutations of one lobby.
func (e *Engine) lockFor(lobbyID uuid.UUID) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[lobbyID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[lobbyID] = l
	}
	return l
}

// CreateLobby materializes a lobby plus its chat in one transaction. Every
// member starts joined and unready; the first member hosts.
func (e *Engine) CreateLobby(ctx context.Context, p CreateParams) (*models.Lobby, error) {
	if len(p.Members) == 0 {
		return nil, apperr.New(apperr.Validation, "a lobby needs at least one member")
	}
	now := e.clock()
	lobbyID := p.ID
	if lobbyID == uuid.Nil {
		lobbyID = uuid.New()
	}
	chat := &models.Chat{
		ID:           uuid.New(),
		ChatType:     models.ChatLobby,
		Participants: append([]uuid.UUID(nil), p.Members...),
		LobbyID:      &lobbyID,
		CreatedAt:    now,
	}

	members := make([]models.LobbyMember, 0, len(p.Members))
	for i, uid := range p.Members {
		members = append(members, models.LobbyMember{
			UserID:   uid,
			Status:   models.MemberJoined,
			IsHost:   i == 0,
			JoinedAt: now,
		})
	}

	name := p.Name
	if name == "" {
		name = fmt.Sprintf("%s %s lobby", p.GameID, p.GameMode)
	}
	l := &models.Lobby{
		ID:             lobbyID,
		Name:           name,
		GameID:         p.GameID,
		GameMode:       p.GameMode,
		Region:         p.Region,
		MatchHistoryID: p.MatchHistoryID,
		HostID:         p.Members[0],
		Capacity:       p.Capacity,
		Members:        members,
		Status:         models.LobbyForming,
		ChatID:         chat.ID,
		Settings:       p.Settings,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	err := e.store.WithTx(ctx, func(ctx context.Context) error {
		if err := e.store.Chats().CreateChat(ctx, chat); err != nil {
			return err
		}
		return e.store.Lobbies().CreateLobby(ctx, l)
	})
	if err != nil {
		return nil, err
	}

	e.log.WithFields(logrus.Fields{
		"lobby":   l.ID,
		"game":    l.GameID,
		"members": len(members),
	}).Info("lobby: created")

	e.systemMessage(ctx, l, "Lobby created. Ready up to start.")
	return l, nil
}

// GetLobbyByID fetches a lobby. Private lobbies are invisible to users with
// no membership history and no chat-participant standing.
func (e *Engine) GetLobbyByID(ctx context.Context, lobbyID, viewerID uuid.UUID) (*models.Lobby, error) {
	l, err := e.store.Lobbies().GetLobby(ctx, lobbyID)
	if err != nil {
		return nil, err
	}
	if l.Settings.IsPrivate && l.MemberIndex(viewerID) < 0 {
		chat, cerr := e.store.Chats().GetChat(ctx, l.ChatID)
		if cerr != nil || !chat.HasParticipant(viewerID) {
			return nil, apperr.New(apperr.NotFound, "lobby %s not found", lobbyID)
		}
	}
	return l, nil
}

// GetUserLobbies lists lobbies the user belongs to, newest first.
func (e *Engine) GetUserLobbies(ctx context.Context, userID uuid.UUID, includeClosed bool, limit int) ([]*models.Lobby, error) {
	return e.store.Lobbies().ListLobbiesByUser(ctx, userID, includeClosed, limit)
}

// InviteUser records an invite by adding the invitee to the lobby chat and
// pushing a lobby_invite notification. Host only.
func (e *Engine) InviteUser(ctx context.Context, lobbyID, hostID, inviteeID uuid.UUID) error {
	mu := e.lockFor(lobbyID)
	mu.Lock()
	defer mu.Unlock()

	l, err := e.store.Lobbies().GetLobby(ctx, lobbyID)
	if err != nil {
		return err
	}
	if l.HostID != hostID {
		return apperr.New(apperr.Authorization, "only the host can invite")
	}
	if l.Status == models.LobbyClosed || l.Status == models.LobbyActive {
		return apperr.New(apperr.Conflict, "lobby %s is not accepting invites", lobbyID)
	}
	if err := e.store.Chats().AddChatParticipant(ctx, l.ChatID, inviteeID); err != nil {
		return err
	}

	n := models.Notification{
		Type:     models.NotifyLobbyInvite,
		Title:    "Lobby invite",
		Message:  fmt.Sprintf("You have been invited to %s", l.Name),
		Priority: models.PriorityHigh,
		Data: models.NotificationData{
			EntityType: "lobby",
			EntityID:   l.ID.String(),
			ActionURL:  "/lobbies/" + l.ID.String(),
		},
	}
	if err := e.notifier.CreateNotification(ctx, inviteeID, n); err != nil {
		e.log.WithError(err).WithField("lobby", lobbyID).Warn("lobby: invite notification failed")
	}
	e.emit.EmitToUser(inviteeID, "lobby:invited", map[string]interface{}{
		"lobbyId": l.ID.String(),
		"name":    l.Name,
		"gameId":  l.GameID,
	})
	return nil
}

// JoinLobby adds the user as a joined member. Open lobbies admit anyone
// while forming or ready and under capacity; private lobbies require an
// invite (chat participation) or a prior membership row.
func (e *Engine) JoinLobby(ctx context.Context, lobbyID, userID uuid.UUID) (*models.Lobby, error) {
	mu := e.lockFor(lobbyID)
	mu.Lock()
	defer mu.Unlock()

	l, err := e.store.Lobbies().GetLobby(ctx, lobbyID)
	if err != nil {
		return nil, err
	}
	if l.Status != models.LobbyForming && l.Status != models.LobbyReady {
		return nil, apperr.New(apperr.Conflict, "lobby %s is not joinable", lobbyID)
	}
	if l.ActiveMember(userID) != nil {
		return nil, apperr.New(apperr.Conflict, "user %s is already in lobby %s", userID, lobbyID)
	}
	if l.MemberCount() >= l.Capacity.Max {
		return nil, apperr.New(apperr.Conflict, "lobby %s is full", lobbyID)
	}

	user, err := e.store.Users().GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !user.IsActive() {
		return nil, apperr.New(apperr.Authorization, "user %s is not active", userID)
	}

	// One open lobby per user.
	if cur, cerr := e.store.Lobbies().GetActiveLobbyByUser(ctx, userID); cerr == nil && cur != nil && cur.ID != lobbyID {
		return nil, apperr.New(apperr.Conflict, "user %s is already in lobby %s", userID, cur.ID)
	}

	if l.Settings.IsPrivate && l.MemberIndex(userID) < 0 {
		chat, cerr := e.store.Chats().GetChat(ctx, l.ChatID)
		if cerr != nil || !chat.HasParticipant(userID) {
			return nil, apperr.New(apperr.Authorization, "lobby %s is invite-only", lobbyID)
		}
	}

	now := e.clock()
	l.Members = append(l.Members, models.LobbyMember{
		UserID:   userID,
		Status:   models.MemberJoined,
		JoinedAt: now,
	})
	// A fresh member is never ready, so an all-ready lobby regresses.
	if l.Status == models.LobbyReady {
		l.Status = models.LobbyForming
		e.cancelAutoStart(l.ID)
	}
	l.UpdatedAt = now
	if err := e.store.Lobbies().UpdateLobby(ctx, l); err != nil {
		return nil, err
	}
	if err := e.store.Chats().AddChatParticipant(ctx, l.ChatID, userID); err != nil {
		e.log.WithError(err).WithField("lobby", lobbyID).Warn("lobby: chat participant add failed")
	}

	e.emit.EmitToRoom(roomFor(l.ID), "lobby:member_joined", memberPayload(l, userID))
	e.systemMessage(ctx, l, fmt.Sprintf("%s joined the lobby.", user.Username))
	return l, nil
}

// LeaveLobby marks the member left, transfers host if needed, and closes
// the lobby when it empties (settings.autoClose).
func (e *Engine) LeaveLobby(ctx context.Context, lobbyID, userID uuid.UUID) error {
	mu := e.lockFor(lobbyID)
	mu.Lock()
	defer mu.Unlock()

	l, err := e.store.Lobbies().GetLobby(ctx, lobbyID)
	if err != nil {
		return err
	}
	if l.Status == models.LobbyClosed {
		return apperr.New(apperr.Conflict, "lobby %s is closed", lobbyID)
	}
	m := l.ActiveMember(userID)
	if m == nil {
		return apperr.New(apperr.NotFound, "user %s is not in lobby %s", userID, lobbyID)
	}

	now := e.clock()
	m.Status = models.MemberLeft
	m.ReadyStatus = false
	m.LeftAt = &now
	wasHost := m.IsHost
	m.IsHost = false

	if wasHost {
		if next := oldestActive(l); next != nil {
			next.IsHost = true
			l.HostID = next.UserID
		}
	}

	// Readiness can only drop here, so a ready lobby regresses unless the
	// remaining members are all still ready and numerous enough.
	if l.Status == models.LobbyReady && !e.readyToStart(l) {
		l.Status = models.LobbyForming
		e.cancelAutoStart(l.ID)
	}

	emptied := l.MemberCount() == 0
	if emptied && l.Settings.AutoClose {
		l.Status = models.LobbyClosed
		l.ClosedAt = &now
		e.cancelAutoStart(l.ID)
	}
	l.UpdatedAt = now
	if err := e.store.Lobbies().UpdateLobby(ctx, l); err != nil {
		return err
	}

	e.emit.EmitToRoom(roomFor(l.ID), "lobby:member_left", memberPayload(l, userID))
	if emptied && l.Status == models.LobbyClosed {
		if err := e.store.Histories().UpdateHistoryStatus(ctx, l.MatchHistoryID, models.HistoryCancelled); err != nil {
			e.log.WithError(err).WithField("lobby", lobbyID).Warn("lobby: history cancel failed")
		}
		e.emit.EmitToRoom(roomFor(l.ID), "lobby:closed", map[string]interface{}{"lobbyId": l.ID.String()})
		e.log.WithField("lobby", l.ID).Info("lobby: closed after emptying")
	} else {
		e.systemMessage(ctx, l, "A player left the lobby.")
	}
	return nil
}

// SetMemberReady flips one member's ready flag. When every active member is
// ready and occupancy meets capacity.min, the lobby moves to ready and (with
// autoStart) schedules activation.
func (e *Engine) SetMemberReady(ctx context.Context, lobbyID, userID uuid.UUID, ready bool) (*models.Lobby, error) {
	mu := e.lockFor(lobbyID)
	mu.Lock()
	defer mu.Unlock()

	l, err := e.store.Lobbies().GetLobby(ctx, lobbyID)
	if err != nil {
		return nil, err
	}
	if l.Status != models.LobbyForming && l.Status != models.LobbyReady {
		return nil, apperr.New(apperr.Conflict, "lobby %s readiness is frozen", lobbyID)
	}
	m := l.ActiveMember(userID)
	if m == nil {
		return nil, apperr.New(apperr.NotFound, "user %s is not in lobby %s", userID, lobbyID)
	}
	if m.ReadyStatus == ready {
		return l, nil
	}
	m.ReadyStatus = ready
	if ready {
		m.Status = models.MemberReady
	} else {
		m.Status = models.MemberJoined
	}

	now := e.clock()
	startReady := e.readyToStart(l)
	switch {
	case startReady && l.Status == models.LobbyForming:
		l.Status = models.LobbyReady
	case !startReady && l.Status == models.LobbyReady:
		l.Status = models.LobbyForming
	}
	l.UpdatedAt = now
	if err := e.store.Lobbies().UpdateLobby(ctx, l); err != nil {
		return nil, err
	}

	e.emit.EmitToRoom(roomFor(l.ID), "lobby:ready_changed", map[string]interface{}{
		"lobbyId":    l.ID.String(),
		"userId":     userID.String(),
		"ready":      ready,
		"readyCount": l.ReadyCount(),
		"status":     l.Status,
	})

	if l.Status == models.LobbyReady && l.Settings.AutoStart {
		e.scheduleAutoStart(l.ID)
		e.emit.EmitToRoom(roomFor(l.ID), "lobby:starting", map[string]interface{}{
			"lobbyId":        l.ID.String(),
			"startsInMillis": e.cfg.AutoStartDelay.Milliseconds(),
		})
	} else if l.Status == models.LobbyForming {
		e.cancelAutoStart(l.ID)
	}
	return l, nil
}

// StartLobby activates a ready lobby on the host's say-so, for lobbies with
// autoStart disabled.
func (e *Engine) StartLobby(ctx context.Context, lobbyID, hostID uuid.UUID) error {
	mu := e.lockFor(lobbyID)
	mu.Lock()
	defer mu.Unlock()

	l, err := e.store.Lobbies().GetLobby(ctx, lobbyID)
	if err != nil {
		return err
	}
	if l.HostID != hostID {
		return apperr.New(apperr.Authorization, "only the host can start the lobby")
	}
	if l.Status != models.LobbyReady {
		return apperr.New(apperr.Conflict, "lobby %s is not ready", lobbyID)
	}
	return e.activate(ctx, l)
}

// CloseLobby closes the lobby on host request. Closing is terminal.
func (e *Engine) CloseLobby(ctx context.Context, lobbyID, actorID uuid.UUID) error {
	mu := e.lockFor(lobbyID)
	mu.Lock()
	defer mu.Unlock()

	l, err := e.store.Lobbies().GetLobby(ctx, lobbyID)
	if err != nil {
		return err
	}
	if l.HostID != actorID {
		return apperr.New(apperr.Authorization, "only the host can close the lobby")
	}
	if l.Status == models.LobbyClosed {
		return nil
	}

	now := e.clock()
	wasActive := l.Status == models.LobbyActive
	l.Status = models.LobbyClosed
	l.ClosedAt = &now
	l.UpdatedAt = now
	e.cancelAutoStart(l.ID)
	if err := e.store.Lobbies().UpdateLobby(ctx, l); err != nil {
		return err
	}

	historyStatus := models.HistoryCancelled
	if wasActive {
		historyStatus = models.HistoryCompleted
	}
	if err := e.store.Histories().UpdateHistoryStatus(ctx, l.MatchHistoryID, historyStatus); err != nil {
		e.log.WithError(err).WithField("lobby", lobbyID).Warn("lobby: history status update failed")
	}

	e.emit.EmitToRoom(roomFor(l.ID), "lobby:closed", map[string]interface{}{"lobbyId": l.ID.String()})
	e.log.WithFields(logrus.Fields{"lobby": l.ID, "host": actorID}).Info("lobby: closed")
	return nil
}

// SendMessage appends a user message to the lobby chat and fans it out.
func (e *Engine) SendMessage(ctx context.Context, lobbyID, senderID uuid.UUID, content string, contentType models.ContentType) (*models.ChatMessage, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, apperr.New(apperr.Validation, "message content is empty")
	}
	if utf8.RuneCountInString(content) > models.MaxMessageLength {
		return nil, apperr.New(apperr.Validation, "message exceeds %d characters", models.MaxMessageLength)
	}
	if contentType == "" {
		contentType = models.ContentText
	}

	l, err := e.store.Lobbies().GetLobby(ctx, lobbyID)
	if err != nil {
		return nil, err
	}
	if l.ActiveMember(senderID) == nil {
		return nil, apperr.New(apperr.Authorization, "user %s is not in lobby %s", senderID, lobbyID)
	}

	msg := &models.ChatMessage{
		ID:          uuid.New(),
		SenderID:    &senderID,
		Content:     content,
		ContentType: contentType,
		CreatedAt:   e.clock(),
	}
	if err := e.store.Chats().AppendMessage(ctx, l.ChatID, msg); err != nil {
		return nil, err
	}
	e.emit.EmitToRoom(roomFor(l.ID), "chat:message", chatPayload(l, msg))
	return msg, nil
}

// ListMessages pages the lobby chat backwards from before (zero means now).
// Only members and chat participants may read.
func (e *Engine) ListMessages(ctx context.Context, lobbyID, viewerID uuid.UUID, limit int, before time.Time) ([]models.ChatMessage, error) {
	l, err := e.store.Lobbies().GetLobby(ctx, lobbyID)
	if err != nil {
		return nil, err
	}
	if l.MemberIndex(viewerID) < 0 {
		chat, cerr := e.store.Chats().GetChat(ctx, l.ChatID)
		if cerr != nil || !chat.HasParticipant(viewerID) {
			return nil, apperr.New(apperr.Authorization, "user %s cannot read lobby %s chat", viewerID, lobbyID)
		}
	}
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return e.store.Chats().ListMessages(ctx, l.ChatID, limit, before)
}

// activate flips a ready lobby to active. Caller holds the lobby lock.
func (e *Engine) activate(ctx context.Context, l *models.Lobby) error {
	now := e.clock()
	l.Status = models.LobbyActive
	l.UpdatedAt = now
	e.cancelAutoStart(l.ID)
	if err := e.store.Lobbies().UpdateLobby(ctx, l); err != nil {
		return err
	}
	if err := e.store.Histories().UpdateHistoryStatus(ctx, l.MatchHistoryID, models.HistoryInProgress); err != nil {
		e.log.WithError(err).WithField("lobby", l.ID).Warn("lobby: history start failed")
	}
	e.emit.EmitToRoom(roomFor(l.ID), "lobby:started", map[string]interface{}{
		"lobbyId": l.ID.String(),
		"gameId":  l.GameID,
	})
	e.systemMessage(ctx, l, "Match starting. Good luck!")
	e.log.WithField("lobby", l.ID).Info("lobby: activated")
	return nil
}

// scheduleAutoStart arms the activation countdown. The fired callback
// re-checks the timer identity so a cancelled-then-rescheduled countdown
// cannot double fire.
func (e *Engine) scheduleAutoStart(lobbyID uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, armed := e.timers[lobbyID]; armed {
		return
	}
	var timer *time.Timer
	timer = time.AfterFunc(e.cfg.AutoStartDelay, func() {
		e.mu.Lock()
		current := e.timers[lobbyID]
		if current != timer {
			e.mu.Unlock()
			return
		}
		delete(e.timers, lobbyID)
		e.mu.Unlock()
		e.autoStartFired(lobbyID)
	})
	e.timers[lobbyID] = timer
}

// cancelAutoStart disarms any pending countdown for the lobby.
func (e *Engine) cancelAutoStart(lobbyID uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if timer, ok := e.timers[lobbyID]; ok {
		timer.Stop()
		delete(e.timers, lobbyID)
	}
}

// autoStartFired re-fetches the lobby and activates it only if it is still
// ready; readiness may have dropped between arming and firing.
func (e *Engine) autoStartFired(lobbyID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	mu := e.lockFor(lobbyID)
	mu.Lock()
	defer mu.Unlock()

	l, err := e.store.Lobbies().GetLobby(ctx, lobbyID)
	if err != nil {
		e.log.WithError(err).WithField("lobby", lobbyID).Warn("lobby: auto-start fetch failed")
		return
	}
	if l.Status != models.LobbyReady || !e.readyToStart(l) {
		e.log.WithField("lobby", lobbyID).Debug("lobby: auto-start skipped, no longer ready")
		return
	}
	if err := e.activate(ctx, l); err != nil {
		e.log.WithError(err).WithField("lobby", lobbyID).Error("lobby: auto-start activation failed")
	}
}

// readyToStart reports whether every active member is ready and occupancy
// meets the minimum.
func (e *Engine) readyToStart(l *models.Lobby) bool {
	count := l.MemberCount()
	return count >= l.Capacity.Min && count > 0 && l.ReadyCount() == count
}

// systemMessage appends and fans out a system chat line. Failures log and
// move on; chat is not worth failing the calling operation.
func (e *Engine) systemMessage(ctx context.Context, l *models.Lobby, content string) {
	msg := &models.ChatMessage{
		ID:          uuid.New(),
		Content:     content,
		ContentType: models.ContentSystem,
		CreatedAt:   e.clock(),
	}
	if err := e.store.Chats().AppendMessage(ctx, l.ChatID, msg); err != nil {
		e.log.WithError(err).WithField("lobby", l.ID).Warn("lobby: system message failed")
		return
	}
	e.emit.EmitToRoom(roomFor(l.ID), "chat:message", chatPayload(l, msg))
}

func roomFor(lobbyID uuid.UUID) string {
	return "lobby:" + lobbyID.String()
}

func oldestActive(l *models.Lobby) *models.LobbyMember {
	var oldest *models.LobbyMember
	for i := range l.Members {
		m := &l.Members[i]
		if !m.Active() {
			continue
		}
		if oldest == nil || m.JoinedAt.Before(oldest.JoinedAt) {
			oldest = m
		}
	}
	return oldest
}

func memberPayload(l *models.Lobby, userID uuid.UUID) map[string]interface{} {
	return map[string]interface{}{
		"lobbyId":     l.ID.String(),
		"userId":      userID.String(),
		"hostId":      l.HostID.String(),
		"memberCount": l.MemberCount(),
		"status":      l.Status,
	}
}

func chatPayload(l *models.Lobby, msg *models.ChatMessage) map[string]interface{} {
	payload := map[string]interface{}{
		"lobbyId":     l.ID.String(),
		"chatId":      l.ChatID.String(),
		"messageId":   msg.ID.String(),
		"content":     msg.Content,
		"contentType": msg.ContentType,
		"createdAt":   msg.CreatedAt,
	}
	if msg.SenderID != nil {
		payload["senderId"] = msg.SenderID.String()
	}
	return payload
}
