// internal/handlers/matchmaking.go
package handlers

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/playsquad/playsquad/internal/apperr"
	"github.com/playsquad/playsquad/internal/middleware"
	"github.com/playsquad/playsquad/internal/models"
	"github.com/playsquad/playsquad/internal/store"
)

type submitRequestBody struct {
	Criteria         models.Criteria `json:"criteria"`
	PreselectedUsers []uuid.UUID     `json:"preselectedUsers,omitempty"`
}

func (s *Server) handleSubmitRequest(w http.ResponseWriter, r *http.Request) {
	var body submitRequestBody
	if !s.decode(w, r, &body) {
		return
	}
	req, err := s.matchmaker.Submit(r.Context(), middleware.UserID(r), body.Criteria, body.PreselectedUsers)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, req)
}

func (s *Server) handleCancelRequest(w http.ResponseWriter, r *http.Request) {
	requestID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		s.writeError(w, apperr.New(apperr.BadRequest, "invalid request id"))
		return
	}
	if err := s.matchmaker.Cancel(r.Context(), middleware.UserID(r), requestID); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleCurrentRequest(w http.ResponseWriter, r *http.Request) {
	status, err := s.matchmaker.GetCurrent(r.Context(), middleware.UserID(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleMatchHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.HistoryFilter{
		Page:   queryInt(q.Get("page"), 1),
		Limit:  queryInt(q.Get("limit"), 20),
		GameID: q.Get("gameId"),
		Status: models.HistoryStatus(q.Get("status")),
	}
	items, total, err := s.matchmaker.GetMatchHistory(r.Context(), middleware.UserID(r), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": items,
		"total": total,
		"page":  filter.Page,
		"limit": filter.Limit,
	})
}

// queryInt parses a positive integer query value, falling back on the
// default for anything else.
func queryInt(raw string, def int) int {
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return def
	}
	return n
}
