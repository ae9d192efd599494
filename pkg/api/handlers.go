package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/dd0wney/cluso-arbiter/pkg/audit"
	"github.com/dd0wney/cluso-arbiter/pkg/cluster"
	"github.com/dd0wney/cluso-arbiter/pkg/dispatch"
	"github.com/dd0wney/cluso-arbiter/pkg/logging"
)

// StatusRequest reports a node or link transition. Heartbeat spellings
// (active, dead) are accepted next to up, down and unknown.
type StatusRequest struct {
	Status string `json:"status" validate:"required,oneof=up down unknown active alive dead"`
}

// DeathRequest tells a peer to give up its resources.
type DeathRequest struct {
	Reason string `json:"reason" validate:"max=256"`
}

// WitnessRequest replaces the witness set.
type WitnessRequest struct {
	Witnesses []string `json:"witnesses" validate:"dive,required,hostname_port|ip|hostname"`
}

// AcknowledgeResponse reports whether an unfenced mark was cleared.
type AcknowledgeResponse struct {
	Peer         string `json:"peer"`
	Acknowledged bool   `json:"acknowledged"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.ctl.Status())
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		s.respondJSON(w, http.StatusOK, []*audit.Event{})
		return
	}

	q := r.URL.Query()
	filter := &audit.Filter{
		Kind:    audit.Kind(q.Get("kind")),
		Peer:    q.Get("peer"),
		Outcome: audit.Outcome(q.Get("outcome")),
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "since must be RFC 3339")
			return
		}
		filter.Since = t
	}

	events := s.journal.Events(filter)
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			s.respondError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		if n < len(events) {
			events = events[len(events)-n:]
		}
	}
	s.respondJSON(w, http.StatusOK, events)
}

func (s *Server) handleNodeStatus(w http.ResponseWriter, r *http.Request) {
	var req StatusRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	status, ok := s.parseStatus(w, req)
	if !ok {
		return
	}
	node := r.PathValue("name")
	if err := s.ctl.SubmitNodeStatus(r.Context(), node, status); err != nil {
		s.submitError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleLinkStatus(w http.ResponseWriter, r *http.Request) {
	var req StatusRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	status, ok := s.parseStatus(w, req)
	if !ok {
		return
	}
	node, link := r.PathValue("name"), r.PathValue("link")
	if err := s.ctl.SubmitLinkStatus(r.Context(), node, link, status); err != nil {
		s.submitError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	peer := r.PathValue("name")
	ok, err := s.ctl.Acknowledge(r.Context(), peer)
	if err != nil {
		s.submitError(w, err)
		return
	}
	if !ok {
		s.respondError(w, http.StatusNotFound, "peer is not marked unfenced")
		return
	}
	s.logger.Info("unfenced peer acknowledged over API", logging.Peer(peer))
	s.respondJSON(w, http.StatusOK, AcknowledgeResponse{Peer: peer, Acknowledged: true})
}

func (s *Server) handleDeath(w http.ResponseWriter, r *http.Request) {
	var req DeathRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	peer := r.PathValue("name")
	if err := s.ctl.DeclareDead(r.Context(), peer, req.Reason); err != nil {
		s.submitError(w, err)
		return
	}
	s.logger.Warn("peer declared dead over API", logging.Peer(peer), logging.String("reason", req.Reason))
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleWitnesses(w http.ResponseWriter, r *http.Request) {
	var req WitnessRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if err := s.ctl.UpdateWitnesses(r.Context(), req.Witnesses); err != nil {
		s.submitError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) parseStatus(w http.ResponseWriter, req StatusRequest) (cluster.Status, bool) {
	status, err := cluster.ParseStatus(req.Status)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return cluster.StatusUnknown, false
	}
	return status, true
}

func (s *Server) submitError(w http.ResponseWriter, err error) {
	if errors.Is(err, dispatch.ErrStopped) {
		s.respondError(w, http.StatusServiceUnavailable, "arbiter is shutting down")
		return
	}
	s.logger.Warn("request could not be queued", logging.Error(err))
	s.respondError(w, http.StatusServiceUnavailable, "request could not be queued")
}
