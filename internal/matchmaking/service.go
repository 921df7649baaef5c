// internal/matchmaking/service.go
package matchmaking

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/playsquad/playsquad/internal/apperr"
	"github.com/playsquad/playsquad/internal/lobby"
	"github.com/playsquad/playsquad/internal/lock"
	"github.com/playsquad/playsquad/internal/match"
	"github.com/playsquad/playsquad/internal/models"
	"github.com/playsquad/playsquad/internal/notify"
	"github.com/playsquad/playsquad/internal/queue"
	"github.com/playsquad/playsquad/internal/store"
)

// Emitter is the realtime fan-out the service needs. The socket hub
// satisfies it.
type Emitter interface {
	EmitToRoom(room, event string, payload interface{})
	EmitToUser(userID uuid.UUID, event string, payload interface{})
}

// Config tunes the service.
type Config struct {
	ProcessInterval time.Duration
	MinGroupSize    int
	RequestTTL      time.Duration
	LockTTL         time.Duration
}

// Estimate bounds: never promise less than ten seconds or more than half an
// hour.
const (
	minEstimate = 10 * time.Second
	maxEstimate = 30 * time.Minute
)

// Status is what GetCurrent returns: the live request plus queue context.
type Status struct {
	Request          *models.MatchRequest `json:"request"`
	QueueSize        int                  `json:"queueSize"`
	EstimatedWait    time.Duration        `json:"estimatedWaitMillis"`
	Confidence       string               `json:"confidence"`
	PotentialMatches int                  `json:"potentialMatches"`
}

// Service is the matchmaking front door: it validates and persists requests,
// indexes them in the queue, runs the periodic matching scheduler, and
// finalizes found groups into lobbies.
type Service struct {
	store    store.Store
	queue    *queue.Manager
	locks    lock.Manager
	lobbies  *lobby.Engine
	notifier notify.Trigger
	emit     Emitter
	log      *logrus.Logger
	cfg      Config

	// processing guards against overlapping scheduler passes; a tick that
	// lands mid-pass is skipped rather than queued.
	processing chan struct{}

	clock func() time.Time
}

// NewService wires the service and subscribes it to queue events so a fresh
// request triggers an immediate pass over its bucket.
func NewService(st store.Store, qm *queue.Manager, locks lock.Manager, lobbies *lobby.Engine,
	notifier notify.Trigger, emit Emitter, cfg Config, log *logrus.Logger) *Service {

	if cfg.ProcessInterval <= 0 {
		cfg.ProcessInterval = 5 * time.Second
	}
	if cfg.MinGroupSize < 2 {
		cfg.MinGroupSize = 2
	}
	if cfg.RequestTTL <= 0 {
		cfg.RequestTTL = 10 * time.Minute
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	if notifier == nil {
		notifier = notify.Noop{}
	}
	s := &Service{
		store:      st,
		queue:      qm,
		locks:      locks,
		lobbies:    lobbies,
		notifier:   notifier,
		emit:       emit,
		log:        log,
		cfg:        cfg,
		processing: make(chan struct{}, 1),
		clock:      time.Now,
	}
	qm.Subscribe(func(ev queue.Event) {
		go s.processSpecificQueue(context.Background(), ev.GameID, ev.GameMode, ev.Region)
	})
	return s
}

// Rebuild reloads the queue index from persisted searching requests. Call
// once at startup, before Run.
func (s *Service) Rebuild(ctx context.Context) error {
	reqs, err := s.store.Requests().ListSearching(ctx)
	if err != nil {
		return fmt.Errorf("failed to list searching requests: %w", err)
	}
	s.queue.Rebuild(reqs)
	return nil
}

// Run drives the scheduler until ctx is done: each tick processes every
// bucket, bumps relaxation levels, and expires stale requests.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.ProcessInterval)
	defer ticker.Stop()
	s.log.WithField("interval", s.cfg.ProcessInterval).Info("matchmaking: scheduler running")
	for {
		select {
		case <-ctx.Done():
			s.log.Info("matchmaking: scheduler stopped")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Service) tick(ctx context.Context) {
	select {
	case s.processing <- struct{}{}:
	default:
		s.log.Debug("matchmaking: tick skipped, pass in progress")
		return
	}
	defer func() { <-s.processing }()

	s.sweepRelaxation(ctx)
	s.sweepExpired(ctx)
	s.processAllQueues(ctx)
}

// Submit validates and persists a new request, indexes it, and answers with
// the request. One searching request per user, enforced by both the store
// (partial unique index) and the queue.
func (s *Service) Submit(ctx context.Context, userID uuid.UUID, criteria models.Criteria, preselected []uuid.UUID) (*models.MatchRequest, error) {
	if err := s.validateCriteria(ctx, criteria); err != nil {
		return nil, err
	}
	user, err := s.store.Users().GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !user.IsActive() {
		return nil, apperr.New(apperr.Authorization, "user %s is not active", userID)
	}

	now := s.clock()
	req := &models.MatchRequest{
		ID:               uuid.New(),
		UserID:           userID,
		Status:           models.RequestSearching,
		Criteria:         criteria,
		PreselectedUsers: preselected,
		SearchStartTime:  now,
	}
	if err := s.store.Requests().CreateRequest(ctx, req); err != nil {
		return nil, err
	}
	if err := s.queue.AddRequest(req); err != nil {
		// The store accepted but the index refused: back the row out so the
		// user is not stuck searching nowhere.
		if _, uerr := s.store.Requests().UpdateStatusIfSearching(ctx, req.ID, models.RequestCancelled, nil); uerr != nil {
			s.log.WithError(uerr).WithField("request", req.ID).Error("matchmaking: orphan request cleanup failed")
		}
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"request": req.ID,
		"user":    userID,
		"game":    criteria.PrimaryGame(),
		"mode":    criteria.GameMode,
	}).Info("matchmaking: request submitted")

	s.emit.EmitToUser(userID, "matchmaking:status", s.searchingPayload(req, 0))
	return req, nil
}

// Cancel transitions the caller's searching request to cancelled. It loses
// gracefully: a request that already matched reports Conflict.
func (s *Service) Cancel(ctx context.Context, userID, requestID uuid.UUID) error {
	req, err := s.store.Requests().GetRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if req.UserID != userID {
		return apperr.New(apperr.Authorization, "request %s does not belong to user %s", requestID, userID)
	}
	ok, err := s.store.Requests().UpdateStatusIfSearching(ctx, requestID, models.RequestCancelled, nil)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.New(apperr.Conflict, "request %s is no longer searching", requestID)
	}
	s.queue.RemoveRequest(userID, requestID, false)
	s.queue.UpdateStats(false, s.clock().Sub(req.SearchStartTime))

	payload := map[string]interface{}{
		"requestId": requestID.String(),
		"status":    models.RequestCancelled,
		"timestamp": s.clock().UnixMilli(),
	}
	s.emit.EmitToRoom(requestRoom(requestID), "matchmaking:status", payload)
	s.emit.EmitToUser(userID, "matchmaking:status", payload)
	s.log.WithFields(logrus.Fields{"request": requestID, "user": userID}).Info("matchmaking: request cancelled")
	return nil
}

// GetCurrent returns the user's searching request with queue context, or
// NotFound.
func (s *Service) GetCurrent(ctx context.Context, userID uuid.UUID) (*Status, error) {
	req, err := s.store.Requests().GetActiveRequestByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	size, _ := s.queue.GetQueueSize(req.Criteria.PrimaryGame(), req.Criteria.GameMode, req.Criteria.EffectiveRegions()[0])
	confidence := "low"
	if size >= s.cfg.MinGroupSize {
		confidence = "medium"
	}
	return &Status{
		Request:          req,
		QueueSize:        size,
		EstimatedWait:    s.estimateWait(req),
		Confidence:       confidence,
		PotentialMatches: potentialMatches(size),
	}, nil
}

// GetMatchHistory pages the user's formed matches, newest first.
func (s *Service) GetMatchHistory(ctx context.Context, userID uuid.UUID, f store.HistoryFilter) ([]*models.MatchHistory, int, error) {
	return s.store.Histories().ListHistoryByUser(ctx, userID, f)
}

// estimateWait scales the running average by how many players the bucket
// still lacks; a bucket already holding a full group divides the promise
// instead. Clamped to [10s, 30m].
func (s *Service) estimateWait(req *models.MatchRequest) time.Duration {
	avg := s.queue.AvgWaitTime()
	size, _ := s.queue.GetQueueSize(req.Criteria.PrimaryGame(), req.Criteria.GameMode, req.Criteria.EffectiveRegions()[0])
	var est time.Duration
	if size >= s.cfg.MinGroupSize {
		est = avg / time.Duration(s.cfg.MinGroupSize)
	} else {
		est = avg * time.Duration(s.cfg.MinGroupSize-size)
	}
	if est < minEstimate {
		est = minEstimate
	}
	if est > maxEstimate {
		est = maxEstimate
	}
	return est
}

// requestRoom names the status room a request's watchers subscribe to.
func requestRoom(requestID uuid.UUID) string {
	return "match:" + requestID.String()
}

// potentialMatches counts the other requests sharing the primary bucket.
func potentialMatches(queueSize int) int {
	if queueSize < 1 {
		return 0
	}
	return queueSize - 1
}

func (s *Service) searchingPayload(req *models.MatchRequest, searchTime time.Duration) map[string]interface{} {
	size, _ := s.queue.GetQueueSize(req.Criteria.PrimaryGame(), req.Criteria.GameMode, req.Criteria.EffectiveRegions()[0])
	return map[string]interface{}{
		"requestId":        req.ID.String(),
		"status":           models.RequestSearching,
		"searchTime":       searchTime.Milliseconds(),
		"estimatedTime":    s.estimateWait(req).Milliseconds(),
		"potentialMatches": potentialMatches(size),
		"relaxationLevel":  req.RelaxationLevel,
		"timestamp":        s.clock().UnixMilli(),
	}
}

// validateCriteria rejects malformed criteria before anything persists.
func (s *Service) validateCriteria(ctx context.Context, c models.Criteria) error {
	if len(c.Games) == 0 {
		return apperr.New(apperr.Validation, "criteria needs at least one game")
	}
	for _, g := range c.Games {
		if g.GameID == "" {
			return apperr.New(apperr.Validation, "criteria game id is empty")
		}
		if g.Weight < 1 || g.Weight > 10 {
			return apperr.New(apperr.Validation, "game weight %d out of range [1,10]", g.Weight)
		}
		exists, err := s.store.Games().GameExists(ctx, g.GameID)
		if err != nil {
			return err
		}
		if !exists {
			return apperr.New(apperr.Validation, "unknown game %q", g.GameID)
		}
	}
	if !models.ValidGameMode(c.GameMode) {
		return apperr.New(apperr.Validation, "unknown game mode %q", c.GameMode)
	}
	if c.GroupSize.Min < 2 || c.GroupSize.Max < c.GroupSize.Min {
		return apperr.New(apperr.Validation, "group size [%d,%d] is invalid", c.GroupSize.Min, c.GroupSize.Max)
	}
	for _, r := range c.Regions {
		if !models.ValidRegion(r) {
			return apperr.New(apperr.Validation, "unknown region %q", r)
		}
	}
	return nil
}

// processAllQueues runs matching over every populated bucket.
func (s *Service) processAllQueues(ctx context.Context) {
	for _, b := range s.queue.Buckets() {
		s.processSpecificQueue(ctx, b.GameID, b.GameMode, b.Region)
	}
}

// processSpecificQueue snapshots one bucket, enriches it with users, runs
// selection, and finalizes every group found.
func (s *Service) processSpecificQueue(ctx context.Context, gameID string, mode models.GameMode, region models.Region) {
	reqs := s.queue.GetQueueRequests(gameID, mode, region)
	now := s.clock()
	for _, req := range reqs {
		s.emit.EmitToRoom(requestRoom(req.ID), "matchmaking:status", s.searchingPayload(req, now.Sub(req.SearchStartTime)))
	}
	if len(reqs) < s.cfg.MinGroupSize {
		return
	}

	enriched := make([]match.Enriched, 0, len(reqs))
	for _, req := range reqs {
		user, err := s.store.Users().GetUser(ctx, req.UserID)
		if err != nil {
			s.log.WithError(err).WithField("user", req.UserID).Warn("matchmaking: user fetch failed, skipping request")
			continue
		}
		enriched = append(enriched, match.Enriched{Request: req, User: user})
	}

	groups := match.FindMatches(gameID, enriched, match.Config{MinGroupSize: s.cfg.MinGroupSize}, now)
	for _, g := range groups {
		s.finalizeMatch(ctx, gameID, mode, region, g)
	}
}

// finalizeMatch turns one selected group into a MatchHistory plus Lobby.
// The history record is persisted first so the lease guarding the multi-step
// section is named after a durable id; whoever re-enters it finds the lobby
// already linked and returns. The request flips are conditional on status
// still being searching, so a concurrent cancel aborts the whole group
// before anything user-visible happens, leaving every member searching and
// still queued for the next pass.
func (s *Service) finalizeMatch(ctx context.Context, gameID string, mode models.GameMode, region models.Region, g match.Group) {
	now := s.clock()
	historyID := uuid.New()

	h := &models.MatchHistory{
		ID:       historyID,
		GameID:   gameID,
		GameMode: mode,
		Region:   region,
		Quality:  g.Quality,
		Metrics:  g.Metrics,
		Status:   models.HistoryForming,
		FormedAt: now,
	}
	members := make([]uuid.UUID, 0, len(g.Members))
	for _, m := range g.Members {
		h.Participants = append(h.Participants, models.MatchParticipant{
			UserID:    m.Request.UserID,
			RequestID: m.Request.ID,
			JoinedAt:  now,
			Status:    models.ParticipantActive,
		})
		members = append(members, m.Request.UserID)
	}
	if err := s.store.Histories().CreateHistory(ctx, h); err != nil {
		s.log.WithError(err).WithField("history", historyID).Error("matchmaking: history create failed")
		return
	}

	lease, err := s.locks.Acquire(ctx, "match:"+historyID.String(), s.cfg.LockTTL)
	if err != nil {
		s.log.WithError(err).Error("matchmaking: finalize lock failed")
		return
	}
	if lease == nil {
		return
	}
	defer func() {
		if rerr := lease.Release(ctx); rerr != nil {
			s.log.WithError(rerr).Warn("matchmaking: finalize lock release failed")
		}
	}()

	// Re-read under the lease: a finalization that already ran linked the
	// lobby, so there is nothing left to do.
	if cur, err := s.store.Histories().GetHistory(ctx, historyID); err == nil && cur.LobbyID != nil {
		return
	}

	lobbyID := uuid.New()
	l, err := s.reserveAndCreate(ctx, h, g, lobbyID)
	if err != nil {
		s.log.WithError(err).WithField("history", historyID).Warn("matchmaking: finalization aborted")
		if herr := s.store.Histories().UpdateHistoryStatus(ctx, historyID, models.HistoryCancelled); herr != nil {
			s.log.WithError(herr).WithField("history", historyID).Error("matchmaking: history cancel failed")
		}
		return
	}

	for _, m := range g.Members {
		s.queue.RemoveRequest(m.Request.UserID, m.Request.ID, true)
		s.queue.UpdateStats(true, now.Sub(m.Request.SearchStartTime))
	}

	// Sockets first, then the notification queue: connected clients see the
	// match immediately, offline ones catch up through delivery channels.
	participants := make([]string, 0, len(members))
	for _, id := range members {
		participants = append(participants, id.String())
	}
	for _, m := range g.Members {
		payload := map[string]interface{}{
			"requestId":    m.Request.ID.String(),
			"status":       models.RequestMatched,
			"matchId":      historyID.String(),
			"lobbyId":      l.ID.String(),
			"participants": participants,
			"quality":      g.Quality,
			"timestamp":    now.UnixMilli(),
		}
		s.emit.EmitToRoom(requestRoom(m.Request.ID), "matchmaking:status", payload)
		s.emit.EmitToUser(m.Request.UserID, "matchmaking:status", payload)
		s.emit.EmitToUser(m.Request.UserID, "lobby:created", map[string]interface{}{
			"lobbyId": l.ID.String(),
		})
	}
	for _, m := range g.Members {
		n := models.Notification{
			Type:     models.NotifyMatchFound,
			Title:    "Match found",
			Message:  fmt.Sprintf("Your %s match is ready", gameID),
			Priority: models.PriorityHigh,
			Data: models.NotificationData{
				EntityType: "lobby",
				EntityID:   l.ID.String(),
				ActionURL:  "/lobbies/" + l.ID.String(),
			},
		}
		if err := s.notifier.CreateNotification(ctx, m.Request.UserID, n); err != nil {
			s.log.WithError(err).WithField("user", m.Request.UserID).Warn("matchmaking: notification enqueue failed")
		}
	}

	s.log.WithFields(logrus.Fields{
		"history": historyID,
		"lobby":   l.ID,
		"game":    gameID,
		"members": len(members),
		"quality": g.Quality.OverallScore,
	}).Info("matchmaking: match finalized")
}

// reserveAndCreate flips every member request to matched, creates the bound
// lobby, and links it to the history. With a transactional store the whole
// reservation commits or rolls back as one unit; the in-memory store instead
// flips one by one and reverts the flips already made when a member turns
// out to be gone or the lobby cannot be created, so the requests stay
// searching.
func (s *Service) reserveAndCreate(ctx context.Context, h *models.MatchHistory, g match.Group, lobbyID uuid.UUID) (*models.Lobby, error) {
	members := make([]uuid.UUID, 0, len(g.Members))
	for _, m := range g.Members {
		members = append(members, m.Request.UserID)
	}
	params := lobby.CreateParams{
		ID:             lobbyID,
		GameID:         h.GameID,
		GameMode:       h.GameMode,
		Region:         h.Region,
		MatchHistoryID: h.ID,
		Members:        members,
		Capacity:       capacityFor(g.Members, s.cfg.MinGroupSize),
		Settings:       models.LobbySettings{AutoStart: true, AutoClose: true},
	}

	if s.store.SupportsTransactions() {
		var l *models.Lobby
		err := s.store.WithTx(ctx, func(ctx context.Context) error {
			if err := s.flipAll(ctx, g, lobbyID); err != nil {
				return err
			}
			created, err := s.lobbies.CreateLobby(ctx, params)
			if err != nil {
				return err
			}
			l = created
			return s.store.Histories().SetHistoryLobby(ctx, h.ID, l.ID)
		})
		if err != nil {
			return nil, err
		}
		return l, nil
	}

	var flipped []uuid.UUID
	revert := func() {
		for _, id := range flipped {
			if rerr := s.store.Requests().RevertToSearching(ctx, id); rerr != nil {
				s.log.WithError(rerr).WithField("request", id).Error("matchmaking: reservation revert failed")
			}
		}
	}
	for _, m := range g.Members {
		ok, err := s.store.Requests().UpdateStatusIfSearching(ctx, m.Request.ID, models.RequestMatched, &lobbyID)
		if err == nil && !ok {
			err = apperr.New(apperr.Conflict, "request %s left the queue mid-finalization", m.Request.ID)
		}
		if err != nil {
			revert()
			return nil, err
		}
		flipped = append(flipped, m.Request.ID)
	}
	l, err := s.lobbies.CreateLobby(ctx, params)
	if err != nil {
		revert()
		return nil, err
	}
	if err := s.store.Histories().SetHistoryLobby(ctx, h.ID, l.ID); err != nil {
		s.log.WithError(err).WithField("history", h.ID).Error("matchmaking: history lobby link failed")
	}
	return l, nil
}

func (s *Service) flipAll(ctx context.Context, g match.Group, lobbyID uuid.UUID) error {
	for _, m := range g.Members {
		ok, err := s.store.Requests().UpdateStatusIfSearching(ctx, m.Request.ID, models.RequestMatched, &lobbyID)
		if err != nil {
			return err
		}
		if !ok {
			return apperr.New(apperr.Conflict, "request %s left the queue mid-finalization", m.Request.ID)
		}
	}
	return nil
}

// sweepRelaxation bumps the relaxation level of the oldest waiting requests
// whose wait crossed a new 30-second boundary. At most 50 per pass.
func (s *Service) sweepRelaxation(ctx context.Context) {
	now := s.clock()
	var due []*models.MatchRequest
	for _, b := range s.queue.Buckets() {
		for _, req := range s.queue.GetQueueRequests(b.GameID, b.GameMode, b.Region) {
			level := match.RelaxationLevel(now.Sub(req.SearchStartTime))
			if level > req.RelaxationLevel {
				due = append(due, req)
			}
		}
	}
	// A request indexed under several buckets appears once per bucket;
	// dedupe before writing.
	seen := make(map[uuid.UUID]bool)
	unique := due[:0]
	for _, req := range due {
		if !seen[req.ID] {
			seen[req.ID] = true
			unique = append(unique, req)
		}
	}
	sort.Slice(unique, func(i, j int) bool {
		return unique[i].SearchStartTime.Before(unique[j].SearchStartTime)
	})
	if len(unique) > 50 {
		unique = unique[:50]
	}

	for _, req := range unique {
		level := match.RelaxationLevel(now.Sub(req.SearchStartTime))
		if err := s.store.Requests().SetRelaxation(ctx, req.ID, level, now); err != nil {
			s.log.WithError(err).WithField("request", req.ID).Warn("matchmaking: relaxation persist failed")
			continue
		}
		s.queue.SetRelaxation(req.ID, level, now)
		payload := s.searchingPayload(req, now.Sub(req.SearchStartTime))
		s.emit.EmitToUser(req.UserID, "matchmaking:status", payload)
		s.emit.EmitToRoom(requestRoom(req.ID), "matchmaking:status", payload)
	}
	if len(unique) > 0 {
		s.log.WithField("requests", len(unique)).Debug("matchmaking: relaxation levels bumped")
	}
}

// sweepExpired moves requests past the TTL to expired and tells their users.
func (s *Service) sweepExpired(ctx context.Context) {
	cutoff := s.clock().Add(-s.cfg.RequestTTL)
	expired, err := s.store.Requests().ExpireOlderThan(ctx, cutoff)
	if err != nil {
		s.log.WithError(err).Warn("matchmaking: expiry sweep failed")
		return
	}
	for _, req := range expired {
		s.queue.RemoveRequest(req.UserID, req.ID, true)
		s.queue.UpdateStats(false, s.cfg.RequestTTL)
		payload := map[string]interface{}{
			"requestId": req.ID.String(),
			"status":    models.RequestExpired,
			"timestamp": s.clock().UnixMilli(),
		}
		s.emit.EmitToRoom(requestRoom(req.ID), "matchmaking:status", payload)
		s.emit.EmitToUser(req.UserID, "matchmaking:status", payload)
	}
	if len(expired) > 0 {
		s.log.WithField("requests", len(expired)).Info("matchmaking: requests expired")
	}
}

// capacityFor derives lobby capacity from the group's preferences: the
// strictest minimum and the smallest maximum among members.
func capacityFor(members []match.Enriched, floor int) models.LobbyCapacity {
	c := models.LobbyCapacity{Min: floor, Max: members[0].Request.Criteria.GroupSize.Max}
	for _, m := range members {
		if m.Request.Criteria.GroupSize.Min > c.Min {
			c.Min = m.Request.Criteria.GroupSize.Min
		}
		if m.Request.Criteria.GroupSize.Max < c.Max {
			c.Max = m.Request.Criteria.GroupSize.Max
		}
	}
	return c
}
