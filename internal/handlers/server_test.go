// internal/handlers/server_test.go
package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/playsquad/playsquad/internal/auth"
	"github.com/playsquad/playsquad/internal/lobby"
	"github.com/playsquad/playsquad/internal/lock"
	"github.com/playsquad/playsquad/internal/matchmaking"
	"github.com/playsquad/playsquad/internal/models"
	"github.com/playsquad/playsquad/internal/notify"
	"github.com/playsquad/playsquad/internal/queue"
	"github.com/playsquad/playsquad/internal/socket"
	"github.com/playsquad/playsquad/internal/store"
)

type fixture struct {
	handler http.Handler
	mem     *store.Memory
	engine  *lobby.Engine
	tokens  *auth.TokenService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	mem := store.NewMemory()
	mem.PutGame("game-1")
	hub := socket.NewHub(log)
	tokens := auth.NewTokenService("test-secret", "playsquad", "playsquad-clients", time.Hour)
	notes := &notify.Recorder{}
	engine := lobby.NewEngine(mem, hub, notes, lobby.Config{AutoStartDelay: time.Hour}, log)
	svc := matchmaking.NewService(mem, queue.NewManager(log), lock.NewMemoryManager(), engine,
		notes, hub, matchmaking.Config{ProcessInterval: time.Hour}, log)

	srv := NewServer(svc, engine, hub, tokens, log, false)
	ws := socket.NewHandler(hub, tokens, mem, engine, log)
	return &fixture{handler: srv.Routes(ws), mem: mem, engine: engine, tokens: tokens}
}

func (f *fixture) seedUser(t *testing.T) uuid.UUID {
	t.Helper()
	id := uuid.New()
	f.mem.PutUser(&models.User{
		ID:       id,
		Username: "player-" + id.String()[:8],
		Status:   models.UserActive,
		GameProfiles: []models.GameProfile{
			{GameID: "game-1", SkillLevel: 50},
		},
	})
	return id
}

func (f *fixture) do(t *testing.T, userID uuid.UUID, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if userID != uuid.Nil {
		token, err := f.tokens.Create(userID)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rec.Body).Decode(v))
}

func submitBody() submitRequestBody {
	return submitRequestBody{
		Criteria: models.Criteria{
			Games:     []models.GamePreference{{GameID: "game-1", Weight: 10}},
			GameMode:  models.ModeCasual,
			GroupSize: models.GroupSize{Min: 2, Max: 4},
			Regions:   []models.Region{models.RegionNA},
		},
	}
}

func TestRequiresBearerToken(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, uuid.Nil, http.MethodGet, "/matchmaking/requests/current", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/matchmaking/requests/current", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	out := httptest.NewRecorder()
	f.handler.ServeHTTP(out, req)
	assert.Equal(t, http.StatusUnauthorized, out.Code)
}

func TestHealthIsPublic(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, uuid.Nil, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	decodeBody(t, rec, &body)
	assert.Equal(t, "ok", body["status"])
}

func TestSubmitCurrentCancelFlow(t *testing.T) {
	f := newFixture(t)
	uid := f.seedUser(t)

	rec := f.do(t, uid, http.MethodPost, "/matchmaking/requests", submitBody())
	require.Equal(t, http.StatusCreated, rec.Code)
	var created models.MatchRequest
	decodeBody(t, rec, &created)
	assert.Equal(t, uid, created.UserID)
	assert.Equal(t, models.RequestSearching, created.Status)

	rec = f.do(t, uid, http.MethodGet, "/matchmaking/requests/current", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status matchmaking.Status
	decodeBody(t, rec, &status)
	assert.Equal(t, created.ID, status.Request.ID)
	assert.Equal(t, 1, status.QueueSize)

	rec = f.do(t, uid, http.MethodDelete, "/matchmaking/requests/"+created.ID.String(), nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// A second cancel hits a request that is no longer searching.
	rec = f.do(t, uid, http.MethodDelete, "/matchmaking/requests/"+created.ID.String(), nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, uid, http.MethodGet, "/matchmaking/requests/current", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSubmitRejectsBadCriteria(t *testing.T) {
	f := newFixture(t)
	uid := f.seedUser(t)

	body := submitBody()
	body.Criteria.Games = nil
	rec := f.do(t, uid, http.MethodPost, "/matchmaking/requests", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var errBody errorBody
	decodeBody(t, rec, &errBody)
	assert.NotEmpty(t, errBody.Error.Message)
}

func TestCancelStrangersRequestForbidden(t *testing.T) {
	f := newFixture(t)
	owner := f.seedUser(t)
	stranger := f.seedUser(t)

	rec := f.do(t, owner, http.MethodPost, "/matchmaking/requests", submitBody())
	require.Equal(t, http.StatusCreated, rec.Code)
	var created models.MatchRequest
	decodeBody(t, rec, &created)

	rec = f.do(t, stranger, http.MethodDelete, "/matchmaking/requests/"+created.ID.String(), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestMatchHistoryPaging(t *testing.T) {
	f := newFixture(t)
	uid := f.seedUser(t)

	rec := f.do(t, uid, http.MethodGet, "/matchmaking/history?page=2&limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Items []json.RawMessage `json:"items"`
		Total int               `json:"total"`
		Page  int               `json:"page"`
		Limit int               `json:"limit"`
	}
	decodeBody(t, rec, &body)
	assert.Empty(t, body.Items)
	assert.Equal(t, 2, body.Page)
	assert.Equal(t, 5, body.Limit)
}

func (f *fixture) seedLobby(t *testing.T, host uuid.UUID, private bool) *models.Lobby {
	t.Helper()
	hist := &models.MatchHistory{
		ID:       uuid.New(),
		GameID:   "game-1",
		GameMode: models.ModeCasual,
		Region:   models.RegionNA,
		Status:   models.HistoryForming,
		FormedAt: time.Now(),
		Participants: []models.MatchParticipant{
			{UserID: host, RequestID: uuid.New(), Status: models.ParticipantActive},
		},
	}
	require.NoError(t, f.mem.CreateHistory(context.Background(), hist))

	l, err := f.engine.CreateLobby(context.Background(), lobby.CreateParams{
		GameID:         "game-1",
		GameMode:       models.ModeCasual,
		Region:         models.RegionNA,
		MatchHistoryID: hist.ID,
		Members:        []uuid.UUID{host},
		Capacity:       models.LobbyCapacity{Min: 2, Max: 4},
		Settings:       models.LobbySettings{IsPrivate: private},
	})
	require.NoError(t, err)
	return l
}

func TestLobbyJoinReadyMessageFlow(t *testing.T) {
	f := newFixture(t)
	host := f.seedUser(t)
	guest := f.seedUser(t)
	l := f.seedLobby(t, host, false)
	base := "/lobbies/" + l.ID.String()

	rec := f.do(t, guest, http.MethodPost, base+"/join", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var joined models.Lobby
	decodeBody(t, rec, &joined)
	assert.Len(t, joined.Members, 2)

	rec = f.do(t, guest, http.MethodPost, base+"/ready", readyBody{Ready: true})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, guest, http.MethodPost, base+"/messages", sendMessageBody{Content: "glhf"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(t, host, http.MethodGet, base+"/messages", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var msgs struct {
		Messages []models.ChatMessage `json:"messages"`
	}
	decodeBody(t, rec, &msgs)
	// The join announcement plus the guest's line.
	var userLines int
	for _, m := range msgs.Messages {
		if m.ContentType != models.ContentSystem {
			userLines++
		}
	}
	assert.Equal(t, 1, userLines)

	rec = f.do(t, host, http.MethodGet, "/lobbies", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listing struct {
		Lobbies []models.Lobby `json:"lobbies"`
	}
	decodeBody(t, rec, &listing)
	require.Len(t, listing.Lobbies, 1)
	assert.Equal(t, l.ID, listing.Lobbies[0].ID)
}

func TestPrivateLobbyHiddenFromOutsiders(t *testing.T) {
	f := newFixture(t)
	host := f.seedUser(t)
	outsider := f.seedUser(t)
	l := f.seedLobby(t, host, true)
	base := "/lobbies/" + l.ID.String()

	rec := f.do(t, outsider, http.MethodGet, base, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// An invite from the host opens the door.
	rec = f.do(t, host, http.MethodPost, base+"/invite", inviteBody{UserID: outsider})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, outsider, http.MethodGet, base, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, outsider, http.MethodPost, base+"/join", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLobbyCloseIsHostOnly(t *testing.T) {
	f := newFixture(t)
	host := f.seedUser(t)
	guest := f.seedUser(t)
	l := f.seedLobby(t, host, false)
	base := "/lobbies/" + l.ID.String()

	rec := f.do(t, guest, http.MethodPost, base+"/join", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, guest, http.MethodPost, base+"/close", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, host, http.MethodPost, base+"/close", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMalformedIDsRejected(t *testing.T) {
	f := newFixture(t)
	uid := f.seedUser(t)

	rec := f.do(t, uid, http.MethodGet, "/lobbies/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, uid, http.MethodDelete, "/matchmaking/requests/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
