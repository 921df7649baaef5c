// internal/handlers/lobby.go
package handlers

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/playsquad/playsquad/internal/apperr"
	"github.com/playsquad/playsquad/internal/middleware"
	"github.com/playsquad/playsquad/internal/models"
)

func (s *Server) lobbyID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		s.writeError(w, apperr.New(apperr.BadRequest, "invalid lobby id"))
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) handleUserLobbies(w http.ResponseWriter, r *http.Request) {
	includeClosed := r.URL.Query().Get("includeClosed") == "true"
	lobbies, err := s.lobbies.GetUserLobbies(r.Context(), middleware.UserID(r), includeClosed, queryInt(r.URL.Query().Get("limit"), 20))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"lobbies": lobbies})
}

func (s *Server) handleGetLobby(w http.ResponseWriter, r *http.Request) {
	id, ok := s.lobbyID(w, r)
	if !ok {
		return
	}
	l, err := s.lobbies.GetLobbyByID(r.Context(), id, middleware.UserID(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, l)
}

func (s *Server) handleJoinLobby(w http.ResponseWriter, r *http.Request) {
	id, ok := s.lobbyID(w, r)
	if !ok {
		return
	}
	l, err := s.lobbies.JoinLobby(r.Context(), id, middleware.UserID(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, l)
}

func (s *Server) handleLeaveLobby(w http.ResponseWriter, r *http.Request) {
	id, ok := s.lobbyID(w, r)
	if !ok {
		return
	}
	if err := s.lobbies.LeaveLobby(r.Context(), id, middleware.UserID(r)); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "left"})
}

type readyBody struct {
	Ready bool `json:"ready"`
}

func (s *Server) handleSetReady(w http.ResponseWriter, r *http.Request) {
	id, ok := s.lobbyID(w, r)
	if !ok {
		return
	}
	var body readyBody
	if !s.decode(w, r, &body) {
		return
	}
	l, err := s.lobbies.SetMemberReady(r.Context(), id, middleware.UserID(r), body.Ready)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, l)
}

func (s *Server) handleStartLobby(w http.ResponseWriter, r *http.Request) {
	id, ok := s.lobbyID(w, r)
	if !ok {
		return
	}
	if err := s.lobbies.StartLobby(r.Context(), id, middleware.UserID(r)); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "started"})
}

func (s *Server) handleCloseLobby(w http.ResponseWriter, r *http.Request) {
	id, ok := s.lobbyID(w, r)
	if !ok {
		return
	}
	if err := s.lobbies.CloseLobby(r.Context(), id, middleware.UserID(r)); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

type inviteBody struct {
	UserID uuid.UUID `json:"userId"`
}

func (s *Server) handleInvite(w http.ResponseWriter, r *http.Request) {
	id, ok := s.lobbyID(w, r)
	if !ok {
		return
	}
	var body inviteBody
	if !s.decode(w, r, &body) {
		return
	}
	if err := s.lobbies.InviteUser(r.Context(), id, middleware.UserID(r), body.UserID); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "invited"})
}

type sendMessageBody struct {
	Content     string             `json:"content"`
	ContentType models.ContentType `json:"contentType,omitempty"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := s.lobbyID(w, r)
	if !ok {
		return
	}
	var body sendMessageBody
	if !s.decode(w, r, &body) {
		return
	}
	msg, err := s.lobbies.SendMessage(r.Context(), id, middleware.UserID(r), body.Content, body.ContentType)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	id, ok := s.lobbyID(w, r)
	if !ok {
		return
	}
	before := time.Time{}
	if raw := r.URL.Query().Get("before"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.writeError(w, apperr.New(apperr.BadRequest, "before must be RFC 3339"))
			return
		}
		before = parsed
	}
	msgs, err := s.lobbies.ListMessages(r.Context(), id, middleware.UserID(r), queryInt(r.URL.Query().Get("limit"), 50), before)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"messages": msgs})
}
