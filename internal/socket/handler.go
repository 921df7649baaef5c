// internal/socket/handler.go
package socket

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/playsquad/playsquad/internal/apperr"
	"github.com/playsquad/playsquad/internal/auth"
	"github.com/playsquad/playsquad/internal/lobby"
	"github.com/playsquad/playsquad/internal/models"
	"github.com/playsquad/playsquad/internal/store"
)

// Custom close codes in the application range. Standard codes cover the
// rest.
const (
	BadSubprotocolError   = 3000 // client did not negotiate the expected subprotocol
	InvalidAuthTokenError = 3001 // token missing, malformed, or expired
	InactiveUserError     = 3002 // account is suspended, banned, or deleted
)

// Subprotocol all clients must speak.
const Subprotocol = "playsquad.v1"

const (
	outBufferSize = 32
	pingInterval  = 30 * time.Second
	writeTimeout  = 5 * time.Second
)

// clientMessage is the client-to-server frame shape.
type clientMessage struct {
	Type    string          `json:"type"`
	Room    string          `json:"room,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type chatSendPayload struct {
	LobbyID     uuid.UUID          `json:"lobbyId"`
	Content     string             `json:"content"`
	ContentType models.ContentType `json:"contentType,omitempty"`
}

type typingPayload struct {
	LobbyID  uuid.UUID `json:"lobbyId"`
	IsTyping bool      `json:"isTyping"`
}

type requestSubPayload struct {
	RequestID uuid.UUID `json:"requestId"`
}

type lobbySubPayload struct {
	LobbyID uuid.UUID `json:"lobbyId"`
}

type statusSubPayload struct {
	UserIDs []uuid.UUID `json:"userIds"`
}

var errForbiddenRoom = apperr.New(apperr.Authorization, "room access denied")

// Handler upgrades HTTP requests into authenticated hub connections and
// runs their read/write pumps.
type Handler struct {
	hub     *Hub
	tokens  *auth.TokenService
	store   store.Store
	lobbies *lobby.Engine
	log     *logrus.Logger
}

// NewHandler wires the websocket entry point.
func NewHandler(hub *Hub, tokens *auth.TokenService, st store.Store, lobbies *lobby.Engine, log *logrus.Logger) *Handler {
	return &Handler{hub: hub, tokens: tokens, store: st, lobbies: lobbies, log: log}
}

// ServeHTTP accepts the websocket, authenticates the handshake, registers
// the connection, and blocks in the read pump until the peer goes away.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   []string{Subprotocol},
		OriginPatterns: []string{"*"}, // tighten per deployment
	})
	if err != nil {
		h.log.WithError(err).Warn("socket: accept failed")
		return
	}
	defer c.Close(websocket.StatusInternalError, "handler finished")

	if c.Subprotocol() != Subprotocol {
		c.Close(BadSubprotocolError, "client must speak "+Subprotocol)
		return
	}

	userID, err := h.authenticate(r)
	if err != nil {
		c.Close(InvalidAuthTokenError, "authentication failed")
		return
	}
	user, err := h.store.Users().GetUser(r.Context(), userID)
	if err != nil || !user.IsActive() {
		c.Close(InactiveUserError, "account is not active")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	cl := &client{
		id:     uuid.NewString(),
		userID: userID,
		out:    make(chan []byte, outBufferSize),
		cancel: cancel,
	}
	online := h.hub.register(cl)
	if online {
		h.broadcastPresence(userID, "online")
	}
	defer func() {
		if offline := h.hub.unregister(cl); offline {
			h.broadcastPresence(userID, "offline")
			h.log.WithField("user", userID).Info("socket: user offline")
		}
	}()

	// Presence side effect; nothing user-facing depends on it.
	if err := h.store.Users().TouchLastActive(ctx, userID, time.Now()); err != nil {
		h.log.WithError(err).WithField("user", userID).Debug("socket: lastActive touch failed")
	}

	h.hub.send(cl, "connected", mustMarshal(envelope{Event: "connected", Data: map[string]interface{}{
		"socketId":   cl.id,
		"userId":     userID.String(),
		"serverTime": time.Now().UTC().Format(time.RFC3339),
	}}))

	h.log.WithFields(logrus.Fields{
		"user":   userID,
		"remote": r.RemoteAddr,
		"online": online,
	}).Info("socket: connected")

	go h.writePump(ctx, c, cl)
	h.readPump(ctx, c, cl)

	h.log.WithField("user", userID).Info("socket: disconnected")
}

// authenticate pulls the bearer token from the Authorization header or the
// token query parameter (browsers cannot set headers on websockets).
func (h *Handler) authenticate(r *http.Request) (uuid.UUID, error) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == "" || token == r.Header.Get("Authorization") {
		token = r.URL.Query().Get("token")
	}
	return h.tokens.Verify(token)
}

// readPump consumes client frames until the connection dies.
func (h *Handler) readPump(ctx context.Context, c *websocket.Conn, cl *client) {
	for {
		typ, data, err := c.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway &&
				!strings.Contains(err.Error(), "context canceled") {
				h.log.WithError(err).WithField("user", cl.userID).Debug("socket: read error")
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.sendError(cl, "invalid JSON frame")
			continue
		}
		h.handleMessage(ctx, cl, msg)
	}
}

// handleMessage dispatches one client frame.
func (h *Handler) handleMessage(ctx context.Context, cl *client, msg clientMessage) {
	switch msg.Type {
	case "subscribe":
		if err := h.authorizeRoom(ctx, cl.userID, msg.Room); err != nil {
			h.sendError(cl, "cannot subscribe to "+msg.Room)
			return
		}
		h.hub.joinRoom(cl, msg.Room)
		h.hub.send(cl, "subscribed", mustMarshal(envelope{Event: "subscribed", Data: map[string]string{"room": msg.Room}}))

	case "unsubscribe":
		h.hub.leaveRoom(cl, msg.Room)

	case "matchmaking:subscribe":
		var p requestSubPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			h.sendError(cl, "invalid subscribe payload")
			return
		}
		room := "match:" + p.RequestID.String()
		if err := h.authorizeRoom(ctx, cl.userID, room); err != nil {
			h.sendError(cl, "cannot subscribe to "+room)
			return
		}
		h.hub.joinRoom(cl, room)
		h.hub.send(cl, "matchmaking:subscribed", mustMarshal(envelope{
			Event: "matchmaking:subscribed",
			Data:  map[string]string{"requestId": p.RequestID.String()},
		}))

	case "matchmaking:unsubscribe":
		var p requestSubPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return
		}
		h.hub.leaveRoom(cl, "match:"+p.RequestID.String())
		h.hub.send(cl, "matchmaking:unsubscribed", mustMarshal(envelope{
			Event: "matchmaking:unsubscribed",
			Data:  map[string]string{"requestId": p.RequestID.String()},
		}))

	case "lobby:subscribe":
		var p lobbySubPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			h.sendError(cl, "invalid subscribe payload")
			return
		}
		room := "lobby:" + p.LobbyID.String()
		if err := h.authorizeRoom(ctx, cl.userID, room); err != nil {
			h.sendError(cl, "cannot subscribe to "+room)
			return
		}
		h.hub.joinRoom(cl, room)
		h.hub.send(cl, "lobby:subscribed", mustMarshal(envelope{
			Event: "lobby:subscribed",
			Data:  map[string]string{"lobbyId": p.LobbyID.String()},
		}))

	case "lobby:unsubscribe":
		var p lobbySubPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return
		}
		h.hub.leaveRoom(cl, "lobby:"+p.LobbyID.String())

	case "user:status:subscribe":
		var p statusSubPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil || len(p.UserIDs) == 0 {
			h.sendError(cl, "invalid subscribe payload")
			return
		}
		statuses := make(map[string]string, len(p.UserIDs))
		for _, uid := range p.UserIDs {
			h.hub.joinRoom(cl, "status:"+uid.String())
			if h.hub.IsOnline(uid) {
				statuses[uid.String()] = "online"
			} else {
				statuses[uid.String()] = "offline"
			}
		}
		h.hub.send(cl, "user:status:update", mustMarshal(envelope{
			Event: "user:status:update",
			Data:  map[string]interface{}{"statuses": statuses},
		}))

	case "user:status:unsubscribe":
		var p statusSubPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return
		}
		for _, uid := range p.UserIDs {
			h.hub.leaveRoom(cl, "status:"+uid.String())
		}

	case "chat:send":
		var p chatSendPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			h.sendError(cl, "invalid chat payload")
			return
		}
		if _, err := h.lobbies.SendMessage(ctx, p.LobbyID, cl.userID, p.Content, p.ContentType); err != nil {
			h.sendError(cl, publicReason(err))
		}

	case "chat:typing":
		var p typingPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return
		}
		// Typing is ephemeral; relayed, never persisted.
		h.hub.EmitToRoom("lobby:"+p.LobbyID.String(), "chat:typing", map[string]interface{}{
			"lobbyId":  p.LobbyID.String(),
			"userId":   cl.userID.String(),
			"isTyping": p.IsTyping,
		})

	default:
		h.sendError(cl, "unknown message type "+msg.Type)
	}
}

// authorizeRoom gates subscriptions: users may follow their own user room,
// lobbies they can see, the status of their own match request, and any
// user's presence room.
func (h *Handler) authorizeRoom(ctx context.Context, userID uuid.UUID, room string) error {
	switch {
	case strings.HasPrefix(room, "user:"):
		if room != "user:"+userID.String() {
			return errForbiddenRoom
		}
		return nil
	case strings.HasPrefix(room, "lobby:"):
		lobbyID, err := uuid.Parse(strings.TrimPrefix(room, "lobby:"))
		if err != nil {
			return errForbiddenRoom
		}
		_, err = h.lobbies.GetLobbyByID(ctx, lobbyID, userID)
		return err
	case strings.HasPrefix(room, "match:"):
		requestID, err := uuid.Parse(strings.TrimPrefix(room, "match:"))
		if err != nil {
			return errForbiddenRoom
		}
		req, err := h.store.Requests().GetRequest(ctx, requestID)
		if err != nil {
			return err
		}
		if req.UserID != userID {
			return errForbiddenRoom
		}
		return nil
	case strings.HasPrefix(room, "status:"):
		// Presence is not secret; any authenticated user may watch any
		// valid user id.
		if _, err := uuid.Parse(strings.TrimPrefix(room, "status:")); err != nil {
			return errForbiddenRoom
		}
		return nil
	default:
		return errForbiddenRoom
	}
}

// broadcastPresence tells a user's watchers about an online or offline edge.
func (h *Handler) broadcastPresence(userID uuid.UUID, status string) {
	h.hub.EmitToRoom("status:"+userID.String(), "user:status", map[string]interface{}{
		"userId":    userID.String(),
		"status":    status,
		"timestamp": time.Now().UnixMilli(),
	})
}

// writePump flushes the outbound buffer and keeps the connection alive with
// pings.
func (h *Handler) writePump(ctx context.Context, c *websocket.Conn, cl *client) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-cl.out:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				cl.cancel()
				return
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.Ping(pingCtx)
			cancel()
			if err != nil {
				cl.cancel()
				return
			}
		}
	}
}

func (h *Handler) sendError(cl *client, message string) {
	h.hub.send(cl, "error", mustMarshal(envelope{Event: "error", Data: map[string]string{"message": message}}))
}

func publicReason(err error) string {
	return apperr.PublicMessage(err, false)
}

func mustMarshal(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte(`{"event":"error","data":{"message":"internal encoding error"}}`)
	}
	return data
}
