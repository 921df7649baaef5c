// internal/handlers/server.go
package handlers

import (
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/playsquad/playsquad/internal/auth"
	"github.com/playsquad/playsquad/internal/lobby"
	"github.com/playsquad/playsquad/internal/matchmaking"
	"github.com/playsquad/playsquad/internal/middleware"
	"github.com/playsquad/playsquad/internal/socket"
)

// Server bundles the HTTP controllers over the core services.
type Server struct {
	matchmaker *matchmaking.Service
	lobbies    *lobby.Engine
	hub        *socket.Hub
	tokens     *auth.TokenService
	log        *logrus.Logger
	dev        bool
}

// NewServer wires the controllers.
func NewServer(mm *matchmaking.Service, lobbies *lobby.Engine, hub *socket.Hub,
	tokens *auth.TokenService, log *logrus.Logger, dev bool) *Server {
	return &Server{
		matchmaker: mm,
		lobbies:    lobbies,
		hub:        hub,
		tokens:     tokens,
		log:        log,
		dev:        dev,
	}
}

// Routes builds the full mux. Everything except /health requires a bearer
// token; the websocket endpoint authenticates during its own handshake.
func (s *Server) Routes(ws http.Handler) http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("POST /matchmaking/requests", s.handleSubmitRequest)
	api.HandleFunc("DELETE /matchmaking/requests/{id}", s.handleCancelRequest)
	api.HandleFunc("GET /matchmaking/requests/current", s.handleCurrentRequest)
	api.HandleFunc("GET /matchmaking/history", s.handleMatchHistory)

	api.HandleFunc("GET /lobbies", s.handleUserLobbies)
	api.HandleFunc("GET /lobbies/{id}", s.handleGetLobby)
	api.HandleFunc("POST /lobbies/{id}/join", s.handleJoinLobby)
	api.HandleFunc("POST /lobbies/{id}/leave", s.handleLeaveLobby)
	api.HandleFunc("POST /lobbies/{id}/ready", s.handleSetReady)
	api.HandleFunc("POST /lobbies/{id}/start", s.handleStartLobby)
	api.HandleFunc("POST /lobbies/{id}/close", s.handleCloseLobby)
	api.HandleFunc("POST /lobbies/{id}/invite", s.handleInvite)
	api.HandleFunc("GET /lobbies/{id}/messages", s.handleListMessages)
	api.HandleFunc("POST /lobbies/{id}/messages", s.handleSendMessage)

	root := http.NewServeMux()
	root.HandleFunc("GET /health", s.handleHealth)
	root.Handle("GET /ws", ws)
	root.Handle("/", middleware.Auth(s.tokens)(api))

	return middleware.LogMiddleware(s.log)(root)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"sockets": s.hub.GetStats(),
	})
}
