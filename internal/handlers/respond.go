// internal/handlers/respond.go
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/playsquad/playsquad/internal/apperr"
)

// errorBody is the uniform error envelope.
type errorBody struct {
	Error struct {
		Kind    apperr.Kind `json:"kind"`
		Message string      `json:"message"`
	} `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.WithError(err).Warn("http: response encode failed")
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var body errorBody
	body.Error.Kind = apperr.KindOf(err)
	body.Error.Message = apperr.PublicMessage(err, s.dev)
	status := apperr.HTTPStatus(err)
	if status >= 500 {
		s.log.WithError(err).Error("http: internal error")
	}
	s.writeJSON(w, status, body)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, apperr.Wrap(apperr.BadRequest, err, "malformed request body"))
		return false
	}
	return true
}
