// internal/socket/hub_test.go
package socket

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/playsquad/playsquad/internal/auth"
	"github.com/playsquad/playsquad/internal/lobby"
	"github.com/playsquad/playsquad/internal/models"
	"github.com/playsquad/playsquad/internal/notify"
	"github.com/playsquad/playsquad/internal/store"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func newClient(userID uuid.UUID) *client {
	return &client{userID: userID, out: make(chan []byte, outBufferSize), cancel: func() {}}
}

func drain(t *testing.T, c *client) envelope {
	t.Helper()
	select {
	case data := <-c.out:
		var env envelope
		require.NoError(t, json.Unmarshal(data, &env))
		return env
	default:
		t.Fatal("no frame buffered")
		return envelope{}
	}
}

func TestPresenceTracking(t *testing.T) {
	h := NewHub(testLogger())
	uid := uuid.New()

	assert.False(t, h.IsOnline(uid))

	// Two tabs for the same user.
	a, b := newClient(uid), newClient(uid)
	h.register(a)
	h.register(b)
	assert.True(t, h.IsOnline(uid))
	assert.Equal(t, 2, h.GetStats().Connections)
	assert.Equal(t, 1, h.GetStats().Users)

	h.unregister(a)
	assert.True(t, h.IsOnline(uid), "one tab remains")
	h.unregister(b)
	assert.False(t, h.IsOnline(uid))
	assert.Zero(t, h.GetStats().Connections)
}

func TestEmitToUserReachesEveryConnection(t *testing.T) {
	h := NewHub(testLogger())
	uid := uuid.New()
	a, b := newClient(uid), newClient(uid)
	h.register(a)
	h.register(b)
	stranger := newClient(uuid.New())
	h.register(stranger)

	h.EmitToUser(uid, "matchmaking:status", map[string]string{"status": "matched"})

	for _, c := range []*client{a, b} {
		env := drain(t, c)
		assert.Equal(t, "matchmaking:status", env.Event)
	}
	select {
	case <-stranger.out:
		t.Fatal("stranger received a user-targeted frame")
	default:
	}
}

func TestRoomFanOut(t *testing.T) {
	h := NewHub(testLogger())
	in := newClient(uuid.New())
	out := newClient(uuid.New())
	h.register(in)
	h.register(out)

	room := "lobby:" + uuid.NewString()
	h.joinRoom(in, room)

	h.EmitToRoom(room, "chat:message", map[string]string{"content": "hi"})
	env := drain(t, in)
	assert.Equal(t, "chat:message", env.Event)
	select {
	case <-out.out:
		t.Fatal("non-subscriber received a room frame")
	default:
	}

	// Leaving stops delivery.
	h.leaveRoom(in, room)
	h.EmitToRoom(room, "chat:message", nil)
	select {
	case <-in.out:
		t.Fatal("frame delivered after leave")
	default:
	}
}

func TestUnregisterLeavesRooms(t *testing.T) {
	h := NewHub(testLogger())
	c := newClient(uuid.New())
	h.register(c)
	h.joinRoom(c, "lobby:a")
	h.joinRoom(c, "status:b")
	assert.Equal(t, 2, h.GetStats().Rooms)

	h.unregister(c)
	assert.Zero(t, h.GetStats().Rooms)
}

func TestSlowConsumerDropsFrames(t *testing.T) {
	h := NewHub(testLogger())
	c := newClient(uuid.New())
	h.register(c)

	for i := 0; i < outBufferSize+5; i++ {
		h.EmitToUser(c.userID, "tick", i)
	}
	// The buffer holds exactly its capacity; the rest were dropped, not
	// blocked on.
	assert.Len(t, c.out, outBufferSize)
}

func newTestHandler(t *testing.T) (*Handler, *store.Memory, uuid.UUID) {
	t.Helper()
	log := testLogger()
	mem := store.NewMemory()
	hub := NewHub(log)
	tokens := auth.NewTokenService("secret", "playsquad", "playsquad-clients", time.Hour)
	engine := lobby.NewEngine(mem, hub, &notify.Recorder{}, lobby.Config{}, log)
	h := NewHandler(hub, tokens, mem, engine, log)

	uid := uuid.New()
	mem.PutUser(&models.User{ID: uid, Username: "p1", Status: models.UserActive})
	return h, mem, uid
}

func TestAuthorizeRoomUserScope(t *testing.T) {
	h, _, uid := newTestHandler(t)
	ctx := context.Background()

	assert.NoError(t, h.authorizeRoom(ctx, uid, "user:"+uid.String()))
	assert.Error(t, h.authorizeRoom(ctx, uid, "user:"+uuid.NewString()))
	assert.Error(t, h.authorizeRoom(ctx, uid, "admin:everything"))
}

func TestAuthorizeRoomRequestOwnership(t *testing.T) {
	h, mem, uid := newTestHandler(t)
	ctx := context.Background()

	req := &models.MatchRequest{
		ID:     uuid.New(),
		UserID: uid,
		Status: models.RequestSearching,
		Criteria: models.Criteria{
			Games:     []models.GamePreference{{GameID: "game-1", Weight: 5}},
			GameMode:  models.ModeCasual,
			GroupSize: models.GroupSize{Min: 2, Max: 4},
		},
		SearchStartTime: time.Now(),
	}
	require.NoError(t, mem.CreateRequest(ctx, req))

	assert.NoError(t, h.authorizeRoom(ctx, uid, "match:"+req.ID.String()))
	assert.Error(t, h.authorizeRoom(ctx, uuid.New(), "match:"+req.ID.String()))
	assert.Error(t, h.authorizeRoom(ctx, uid, "match:not-a-uuid"))
}

func TestAuthorizeRoomPresenceIsPublic(t *testing.T) {
	h, _, uid := newTestHandler(t)
	ctx := context.Background()

	// Any valid user id may be watched, own or not.
	assert.NoError(t, h.authorizeRoom(ctx, uid, "status:"+uid.String()))
	assert.NoError(t, h.authorizeRoom(ctx, uid, "status:"+uuid.NewString()))
	assert.Error(t, h.authorizeRoom(ctx, uid, "status:not-a-uuid"))
}

func TestPresenceBroadcastOnFirstAndLastSocket(t *testing.T) {
	h, _, uid := newTestHandler(t)

	watcher := newClient(uuid.New())
	h.hub.register(watcher)
	h.hub.joinRoom(watcher, "status:"+uid.String())

	presence := func(c *client, edge bool) {
		if edge {
			h.broadcastPresence(c.userID, "online")
		}
	}

	a := newClient(uid)
	presence(a, h.hub.register(a))
	env := drain(t, watcher)
	assert.Equal(t, "user:status", env.Event)
	data := env.Data.(map[string]interface{})
	assert.Equal(t, uid.String(), data["userId"])
	assert.Equal(t, "online", data["status"])

	// A second tab is not an edge.
	b := newClient(uid)
	presence(b, h.hub.register(b))
	assert.Empty(t, watcher.out)

	// Neither is closing one of two tabs.
	if h.hub.unregister(a) {
		h.broadcastPresence(uid, "offline")
	}
	assert.Empty(t, watcher.out)

	// The last socket closing is.
	if h.hub.unregister(b) {
		h.broadcastPresence(uid, "offline")
	}
	env = drain(t, watcher)
	assert.Equal(t, "user:status", env.Event)
	assert.Equal(t, "offline", env.Data.(map[string]interface{})["status"])
}

func TestUserStatusSubscribeRepliesWithSnapshot(t *testing.T) {
	h, _, uid := newTestHandler(t)
	ctx := context.Background()

	conn := newClient(uid)
	h.hub.register(conn)
	offlineID := uuid.New()

	watcher := newClient(uuid.New())
	h.hub.register(watcher)

	payload, err := json.Marshal(map[string]interface{}{
		"userIds": []string{uid.String(), offlineID.String()},
	})
	require.NoError(t, err)
	h.handleMessage(ctx, watcher, clientMessage{Type: "user:status:subscribe", Payload: payload})

	env := drain(t, watcher)
	require.Equal(t, "user:status:update", env.Event)
	statuses := env.Data.(map[string]interface{})["statuses"].(map[string]interface{})
	assert.Equal(t, "online", statuses[uid.String()])
	assert.Equal(t, "offline", statuses[offlineID.String()])

	// The subscription also landed the watcher in both presence rooms.
	h.broadcastPresence(offlineID, "online")
	env = drain(t, watcher)
	assert.Equal(t, "user:status", env.Event)
}

func TestMatchmakingSubscribeVerb(t *testing.T) {
	h, mem, uid := newTestHandler(t)
	ctx := context.Background()

	req := &models.MatchRequest{
		ID:     uuid.New(),
		UserID: uid,
		Status: models.RequestSearching,
		Criteria: models.Criteria{
			Games:     []models.GamePreference{{GameID: "game-1", Weight: 5}},
			GameMode:  models.ModeCasual,
			GroupSize: models.GroupSize{Min: 2, Max: 4},
		},
		SearchStartTime: time.Now(),
	}
	require.NoError(t, mem.CreateRequest(ctx, req))

	payload, err := json.Marshal(map[string]string{"requestId": req.ID.String()})
	require.NoError(t, err)

	conn := newClient(uid)
	h.hub.register(conn)
	h.handleMessage(ctx, conn, clientMessage{Type: "matchmaking:subscribe", Payload: payload})

	env := drain(t, conn)
	require.Equal(t, "matchmaking:subscribed", env.Event)
	assert.Equal(t, req.ID.String(), env.Data.(map[string]interface{})["requestId"])

	h.hub.EmitToRoom("match:"+req.ID.String(), "matchmaking:status", map[string]string{"status": "searching"})
	env = drain(t, conn)
	assert.Equal(t, "matchmaking:status", env.Event)

	// Someone else's request is refused.
	stranger := newClient(uuid.New())
	h.hub.register(stranger)
	h.handleMessage(ctx, stranger, clientMessage{Type: "matchmaking:subscribe", Payload: payload})
	env = drain(t, stranger)
	assert.Equal(t, "error", env.Event)
}

func TestAuthorizeRoomLobbyVisibility(t *testing.T) {
	h, mem, uid := newTestHandler(t)
	ctx := context.Background()

	outsider := uuid.New()
	mem.PutUser(&models.User{ID: outsider, Username: "p2", Status: models.UserActive})

	l, err := h.lobbies.CreateLobby(ctx, lobby.CreateParams{
		GameID:         "game-1",
		GameMode:       models.ModeCasual,
		Region:         models.RegionNA,
		MatchHistoryID: uuid.New(),
		Members:        []uuid.UUID{uid},
		Capacity:       models.LobbyCapacity{Min: 2, Max: 4},
		Settings:       models.LobbySettings{IsPrivate: true},
	})
	require.NoError(t, err)

	assert.NoError(t, h.authorizeRoom(ctx, uid, "lobby:"+l.ID.String()))
	assert.Error(t, h.authorizeRoom(ctx, outsider, "lobby:"+l.ID.String()))
}
