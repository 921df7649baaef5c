// internal/matchmaking/service_test.go
package matchmaking

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/playsquad/playsquad/internal/apperr"
	"github.com/playsquad/playsquad/internal/lobby"
	"github.com/playsquad/playsquad/internal/lock"
	"github.com/playsquad/playsquad/internal/models"
	"github.com/playsquad/playsquad/internal/notify"
	"github.com/playsquad/playsquad/internal/queue"
	"github.com/playsquad/playsquad/internal/store"
)

type emitted struct {
	Target  string
	Event   string
	Payload interface{}
}

type emitRecorder struct {
	mu     sync.Mutex
	events []emitted
}

func (r *emitRecorder) EmitToRoom(room, event string, payload interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, emitted{Target: room, Event: event, Payload: payload})
}

func (r *emitRecorder) EmitToUser(userID uuid.UUID, event string, payload interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, emitted{Target: "user:" + userID.String(), Event: event, Payload: payload})
}

func (r *emitRecorder) count(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Event == event {
			n++
		}
	}
	return n
}

// countStatus counts matchmaking:status frames carrying the given status.
func (r *emitRecorder) countStatus(status models.RequestStatus) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Event != "matchmaking:status" {
			continue
		}
		if m, ok := e.Payload.(map[string]interface{}); ok && m["status"] == status {
			n++
		}
	}
	return n
}

// countRelaxed counts matchmaking:status frames at the given relaxation
// level sent to the given target.
func (r *emitRecorder) countRelaxed(target string, level int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Event != "matchmaking:status" || e.Target != target {
			continue
		}
		if m, ok := e.Payload.(map[string]interface{}); ok && m["relaxationLevel"] == level {
			n++
		}
	}
	return n
}

type fixture struct {
	svc   *Service
	mem   *store.Memory
	qm    *queue.Manager
	rec   *emitRecorder
	notes *notify.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	mem := store.NewMemory()
	mem.PutGame("game-1")
	qm := queue.NewManager(log)
	rec := &emitRecorder{}
	notes := &notify.Recorder{}
	engine := lobby.NewEngine(mem, rec, notes, lobby.Config{AutoStartDelay: time.Hour}, log)
	svc := NewService(mem, qm, lock.NewMemoryManager(), engine, notes, rec, Config{
		ProcessInterval: time.Hour, // ticks driven manually
	}, log)
	return &fixture{svc: svc, mem: mem, qm: qm, rec: rec, notes: notes}
}

func (f *fixture) seedUser(skill int) uuid.UUID {
	id := uuid.New()
	f.mem.PutUser(&models.User{
		ID:       id,
		Username: "player-" + id.String()[:8],
		Status:   models.UserActive,
		GameProfiles: []models.GameProfile{
			{GameID: "game-1", SkillLevel: skill},
		},
	})
	return id
}

func casualCriteria() models.Criteria {
	return models.Criteria{
		Games:     []models.GamePreference{{GameID: "game-1", Weight: 10}},
		GameMode:  models.ModeCasual,
		GroupSize: models.GroupSize{Min: 2, Max: 4},
		Regions:   []models.Region{models.RegionNA},
		Languages: []string{"en"},
	}
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t)
	uid := f.seedUser(50)
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*models.Criteria)
	}{
		{"no games", func(c *models.Criteria) { c.Games = nil }},
		{"bad weight", func(c *models.Criteria) { c.Games[0].Weight = 11 }},
		{"unknown game", func(c *models.Criteria) { c.Games[0].GameID = "nope" }},
		{"bad mode", func(c *models.Criteria) { c.GameMode = "speedrun" }},
		{"min below two", func(c *models.Criteria) { c.GroupSize.Min = 1 }},
		{"max below min", func(c *models.Criteria) { c.GroupSize = models.GroupSize{Min: 4, Max: 2} }},
		{"bad region", func(c *models.Criteria) { c.Regions = []models.Region{"MOON"} }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := casualCriteria()
			tc.mutate(&c)
			_, err := f.svc.Submit(ctx, uid, c, nil)
			assert.Equal(t, apperr.Validation, apperr.KindOf(err))
		})
	}
}

func TestSubmitRejectsInactiveAndUnknownUsers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Submit(ctx, uuid.New(), casualCriteria(), nil)
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))

	banned := uuid.New()
	f.mem.PutUser(&models.User{ID: banned, Username: "banned", Status: models.UserBanned})
	_, err = f.svc.Submit(ctx, banned, casualCriteria(), nil)
	assert.Equal(t, apperr.Authorization, apperr.KindOf(err))
}

func TestSubmitOneRequestPerUser(t *testing.T) {
	f := newFixture(t)
	uid := f.seedUser(50)
	ctx := context.Background()

	_, err := f.svc.Submit(ctx, uid, casualCriteria(), nil)
	require.NoError(t, err)

	_, err = f.svc.Submit(ctx, uid, casualCriteria(), nil)
	assert.Equal(t, apperr.Conflict, apperr.KindOf(err))
}

func TestCompatiblePairMatchesIntoLobby(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.seedUser(50)
	b := f.seedUser(52)

	ra, err := f.svc.Submit(ctx, a, casualCriteria(), nil)
	require.NoError(t, err)
	_, err = f.svc.Submit(ctx, b, casualCriteria(), nil)
	require.NoError(t, err)

	// The second submit triggers an immediate bucket pass; the notification
	// enqueue is finalization's last side effect.
	require.Eventually(t, func() bool {
		return len(f.notes.Records()) == 2
	}, time.Second, 5*time.Millisecond)

	req, err := f.mem.GetRequest(ctx, ra.ID)
	require.NoError(t, err)
	require.NotNil(t, req.MatchedLobbyID)

	l, err := f.mem.GetLobby(ctx, *req.MatchedLobbyID)
	require.NoError(t, err)
	assert.Equal(t, 2, l.MemberCount())
	assert.Equal(t, models.LobbyForming, l.Status)
	assert.True(t, l.Settings.AutoStart)

	histories, total, err := f.mem.ListHistoryByUser(ctx, a, store.HistoryFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, histories, 1)
	assert.Equal(t, models.HistoryForming, histories[0].Status)
	assert.GreaterOrEqual(t, histories[0].Quality.OverallScore, 80.0)
	require.NotNil(t, histories[0].LobbyID)
	assert.Equal(t, l.ID, *histories[0].LobbyID)

	// Each member gets the matched status in their request room and user
	// channel, plus the lobby pointer.
	assert.Equal(t, 4, f.rec.countStatus(models.RequestMatched))
	assert.Equal(t, 2, f.rec.count("lobby:created"))
	assert.Len(t, f.notes.Records(), 2)

	// Both users are out of the queue.
	_, inQueue := f.qm.GetUserRequest(a)
	assert.False(t, inQueue)
	_, inQueue = f.qm.GetUserRequest(b)
	assert.False(t, inQueue)
}

func TestCancelSearchingRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	uid := f.seedUser(50)

	req, err := f.svc.Submit(ctx, uid, casualCriteria(), nil)
	require.NoError(t, err)

	// A stranger cannot cancel it.
	err = f.svc.Cancel(ctx, uuid.New(), req.ID)
	assert.Equal(t, apperr.Authorization, apperr.KindOf(err))

	require.NoError(t, f.svc.Cancel(ctx, uid, req.ID))
	got, err := f.mem.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RequestCancelled, got.Status)

	_, inQueue := f.qm.GetUserRequest(uid)
	assert.False(t, inQueue)
	// Once to the request room, once to the user.
	assert.Equal(t, 2, f.rec.countStatus(models.RequestCancelled))

	// Cancelling again conflicts.
	err = f.svc.Cancel(ctx, uid, req.ID)
	assert.Equal(t, apperr.Conflict, apperr.KindOf(err))
}

func TestCancelLosesToFinalization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.seedUser(50)
	b := f.seedUser(51)

	ra, err := f.svc.Submit(ctx, a, casualCriteria(), nil)
	require.NoError(t, err)
	_, err = f.svc.Submit(ctx, b, casualCriteria(), nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		req, err := f.mem.GetRequest(ctx, ra.ID)
		return err == nil && req.Status == models.RequestMatched
	}, time.Second, 5*time.Millisecond)

	err = f.svc.Cancel(ctx, a, ra.ID)
	assert.Equal(t, apperr.Conflict, apperr.KindOf(err))
}

func TestFinalizationAbortsWhenMemberGone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.seedUser(50)
	b := f.seedUser(51)

	// Persist and index by hand (Rebuild fires no events) so the pass runs
	// only when the test says so.
	now := time.Now()
	var reqs []*models.MatchRequest
	for _, uid := range []uuid.UUID{a, b} {
		req := &models.MatchRequest{
			ID:              uuid.New(),
			UserID:          uid,
			Status:          models.RequestSearching,
			Criteria:        casualCriteria(),
			SearchStartTime: now,
		}
		require.NoError(t, f.mem.CreateRequest(ctx, req))
		reqs = append(reqs, req)
	}
	f.qm.Rebuild(reqs)

	// One member cancels after the snapshot would have included them.
	ok, err := f.mem.UpdateStatusIfSearching(ctx, reqs[1].ID, models.RequestCancelled, nil)
	require.NoError(t, err)
	require.True(t, ok)

	f.svc.processSpecificQueue(ctx, "game-1", models.ModeCasual, models.RegionNA)

	// Nothing user-visible happened: the survivor still searches, still
	// queued, and saw no matched frame.
	got, err := f.mem.GetRequest(ctx, reqs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.RequestSearching, got.Status)
	assert.Nil(t, got.MatchedLobbyID)
	_, inQueue := f.qm.GetUserRequest(a)
	assert.True(t, inQueue)
	assert.Zero(t, f.rec.countStatus(models.RequestMatched))
	assert.Zero(t, f.rec.count("lobby:created"))
	histories, _, err := f.mem.ListHistoryByUser(ctx, a, store.HistoryFilter{})
	require.NoError(t, err)
	for _, h := range histories {
		assert.Equal(t, models.HistoryCancelled, h.Status)
	}
}

// brokenLobbyStore refuses lobby writes, standing in for a storage outage
// mid-finalization.
type brokenLobbyStore struct {
	store.LobbyStore
}

func (brokenLobbyStore) CreateLobby(ctx context.Context, l *models.Lobby) error {
	return apperr.New(apperr.Internal, "lobby storage unavailable")
}

type brokenLobbyBackend struct {
	*store.Memory
}

func (s brokenLobbyBackend) Lobbies() store.LobbyStore {
	return brokenLobbyStore{s.Memory.Lobbies()}
}

func TestLobbyCreationFailureLeavesRequestsSearching(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	mem := store.NewMemory()
	mem.PutGame("game-1")
	backend := brokenLobbyBackend{mem}
	qm := queue.NewManager(log)
	rec := &emitRecorder{}
	notes := &notify.Recorder{}
	engine := lobby.NewEngine(backend, rec, notes, lobby.Config{AutoStartDelay: time.Hour}, log)
	svc := NewService(backend, qm, lock.NewMemoryManager(), engine, notes, rec, Config{
		ProcessInterval: time.Hour,
	}, log)

	ctx := context.Background()
	now := time.Now()
	var (
		users []uuid.UUID
		reqs  []*models.MatchRequest
	)
	for _, skill := range []int{50, 51} {
		uid := uuid.New()
		mem.PutUser(&models.User{
			ID:       uid,
			Username: "player-" + uid.String()[:8],
			Status:   models.UserActive,
			GameProfiles: []models.GameProfile{
				{GameID: "game-1", SkillLevel: skill},
			},
		})
		req := &models.MatchRequest{
			ID:              uuid.New(),
			UserID:          uid,
			Status:          models.RequestSearching,
			Criteria:        casualCriteria(),
			SearchStartTime: now,
		}
		require.NoError(t, mem.CreateRequest(ctx, req))
		users = append(users, uid)
		reqs = append(reqs, req)
	}
	qm.Rebuild(reqs)

	svc.processSpecificQueue(ctx, "game-1", models.ModeCasual, models.RegionNA)

	// The failed reservation was unwound: every member is still searching,
	// still queued, and nobody heard about a match.
	for i, uid := range users {
		got, err := mem.GetRequest(ctx, reqs[i].ID)
		require.NoError(t, err)
		assert.Equal(t, models.RequestSearching, got.Status, "member %d stays searching", i)
		assert.Nil(t, got.MatchedLobbyID)
		_, inQueue := qm.GetUserRequest(uid)
		assert.True(t, inQueue, "member %d stays queued", i)
	}
	assert.Zero(t, rec.countStatus(models.RequestMatched))
	assert.Zero(t, rec.count("lobby:created"))
	assert.Empty(t, notes.Records())

	histories, _, err := mem.ListHistoryByUser(ctx, users[0], store.HistoryFilter{})
	require.NoError(t, err)
	for _, h := range histories {
		assert.Equal(t, models.HistoryCancelled, h.Status)
	}
}

func TestGetCurrentAndEstimate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	uid := f.seedUser(50)

	_, err := f.svc.GetCurrent(ctx, uid)
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))

	req, err := f.svc.Submit(ctx, uid, casualCriteria(), nil)
	require.NoError(t, err)

	st, err := f.svc.GetCurrent(ctx, uid)
	require.NoError(t, err)
	assert.Equal(t, req.ID, st.Request.ID)
	assert.Equal(t, 1, st.QueueSize)
	assert.Equal(t, "low", st.Confidence)
	assert.Equal(t, 0, st.PotentialMatches)
	assert.GreaterOrEqual(t, st.EstimatedWait, minEstimate)
	assert.LessOrEqual(t, st.EstimatedWait, maxEstimate)
}

func TestEstimateScalesWithPlayersNeeded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	newReq := func() *models.MatchRequest {
		uid := f.seedUser(50)
		req := &models.MatchRequest{
			ID:              uuid.New(),
			UserID:          uid,
			Status:          models.RequestSearching,
			Criteria:        casualCriteria(),
			SearchStartTime: time.Now(),
		}
		require.NoError(t, f.mem.CreateRequest(ctx, req))
		return req
	}

	// One request queued, one more player needed: the full 60s seed average.
	first := newReq()
	f.qm.Rebuild([]*models.MatchRequest{first})
	assert.Equal(t, 60*time.Second, f.svc.estimateWait(first))

	// A full bucket divides the promise by the group minimum instead.
	second := newReq()
	f.qm.Rebuild([]*models.MatchRequest{first, second})
	assert.Equal(t, 30*time.Second, f.svc.estimateWait(first))

	// An empty bucket needs the whole group: twice the average.
	lonely := newReq()
	lonely.Criteria.Games[0].GameID = "game-2"
	assert.Equal(t, 120*time.Second, f.svc.estimateWait(lonely))

	// A tiny average clamps to the floor.
	for i := 0; i < 50; i++ {
		f.qm.UpdateStats(false, 0)
	}
	assert.Equal(t, minEstimate, f.svc.estimateWait(lonely))

	// A huge one clamps to the ceiling.
	for i := 0; i < 50; i++ {
		f.qm.UpdateStats(false, 10*time.Hour)
	}
	assert.Equal(t, maxEstimate, f.svc.estimateWait(lonely))
}

func TestTickBumpsRelaxation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	uid := f.seedUser(50)

	req, err := f.svc.Submit(ctx, uid, casualCriteria(), nil)
	require.NoError(t, err)

	// 65 seconds later the request sits at level 2.
	f.svc.clock = func() time.Time { return time.Now().Add(65 * time.Second) }
	f.svc.tick(ctx)

	got, err := f.mem.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.RelaxationLevel)

	queued, ok := f.qm.GetUserRequest(uid)
	require.True(t, ok)
	assert.Equal(t, 2, queued.RelaxationLevel)
	// The bump reached the user and the request room.
	assert.Equal(t, 1, f.rec.countRelaxed("user:"+uid.String(), 2))
	assert.GreaterOrEqual(t, f.rec.countRelaxed("match:"+req.ID.String(), 2), 1)
}

func TestTickExpiresStaleRequests(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	uid := f.seedUser(50)

	req, err := f.svc.Submit(ctx, uid, casualCriteria(), nil)
	require.NoError(t, err)

	f.svc.clock = func() time.Time { return time.Now().Add(11 * time.Minute) }
	f.svc.tick(ctx)

	got, err := f.mem.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RequestExpired, got.Status)

	_, inQueue := f.qm.GetUserRequest(uid)
	assert.False(t, inQueue)
	// Once to the request room, once to the user.
	assert.Equal(t, 2, f.rec.countStatus(models.RequestExpired))
}

func TestRebuildRestoresQueue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	uid := f.seedUser(50)

	req := &models.MatchRequest{
		ID:              uuid.New(),
		UserID:          uid,
		Status:          models.RequestSearching,
		Criteria:        casualCriteria(),
		SearchStartTime: time.Now(),
	}
	require.NoError(t, f.mem.CreateRequest(ctx, req))

	require.NoError(t, f.svc.Rebuild(ctx))
	queued, ok := f.qm.GetUserRequest(uid)
	require.True(t, ok)
	assert.Equal(t, req.ID, queued.ID)
}
