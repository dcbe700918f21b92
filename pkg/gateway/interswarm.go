package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/mail-swarm/mail/pkg/interswarm"
)

// handleInterswarmForward accepts an envelope from a peer swarm that
// opens or extends a task owned elsewhere.
func (s *Server) handleInterswarmForward(w http.ResponseWriter, r *http.Request) {
	s.handleInterswarmInbound(w, r, (*interswarm.Router).HandleForward)
}

// handleInterswarmBack accepts a reply or completion travelling back to
// the swarm that owns the task.
func (s *Server) handleInterswarmBack(w http.ResponseWriter, r *http.Request) {
	s.handleInterswarmInbound(w, r, (*interswarm.Router).HandleBack)
}

func (s *Server) handleInterswarmInbound(w http.ResponseWriter, r *http.Request, inject func(*interswarm.Router, *interswarm.Envelope) error) {
	router := s.swarm.Router()
	if router == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "interswarm is not enabled")
		return
	}
	var req interswarm.ForwardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Message == nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := inject(router, req.Message); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}
