package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/pr3m/smartbeat-crypto-sub005/internal/domain"
	"go.uber.org/zap"
)

type createSessionRequest struct {
	Config domain.SessionConfig `json:"config"`
	Agents []domain.AgentConfig `json:"agents,omitempty"`
}

type statusResponse struct {
	Status       domain.SessionStatus `json:"status"`
	SessionID    string               `json:"session_id,omitempty"`
	Tick         int                  `json:"tick"`
	ElapsedMs    int64                `json:"elapsed_ms"`
	CurrentPrice float64              `json:"current_price"`
	Alive        int                  `json:"alive"`
	LastSeq      uint64               `json:"last_seq"`
}

type changedResponse struct {
	Changed bool                 `json:"changed"`
	Status  domain.SessionStatus `json:"status"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

// writeError maps arena errors onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrInvalidConfig):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrSessionConflict):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrNoSession), errors.Is(err, domain.ErrSessionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrFeedStale), errors.Is(err, domain.ErrNoPriceAvailable):
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("Arena request failed", zap.Error(err))
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json: " + err.Error()})
		return
	}
	res, err := s.arena.CreateSession(r.Context(), req.Config, req.Agents)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	sessions, err := s.arena.ListSessions(r.Context(), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if sessions == nil {
		sessions = []domain.Session{}
	}
	s.writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := s.arena.Start(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, changedResponse{Changed: true, Status: s.arena.Status()})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	changed, err := s.arena.Pause()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, changedResponse{Changed: changed, Status: s.arena.Status()})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	changed, err := s.arena.Resume()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, changedResponse{Changed: changed, Status: s.arena.Status()})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	summary, err := s.arena.Stop(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	snap, err := s.arena.Restore(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.arena.Snapshot()
	alive := 0
	for _, a := range snap.Agents {
		if a.Alive {
			alive++
		}
	}
	s.writeJSON(w, http.StatusOK, statusResponse{
		Status:       snap.Session.Status,
		SessionID:    snap.Session.ID,
		Tick:         snap.Session.Tick,
		ElapsedMs:    snap.Elapsed.Milliseconds(),
		CurrentPrice: snap.Session.CurrentPrice,
		Alive:        alive,
		LastSeq:      snap.LastSeq,
	})
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	agents := s.arena.Agents()
	if agents == nil {
		agents = []domain.Agent{}
	}
	s.writeJSON(w, http.StatusOK, agents)
}

func (s *Server) handleRankings(w http.ResponseWriter, r *http.Request) {
	rankings := s.arena.Rankings()
	if rankings == nil {
		rankings = []domain.Standing{}
	}
	s.writeJSON(w, http.StatusOK, rankings)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.arena.Config()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, cfg)
}

// handleEvents returns the replay buffer, optionally only events after ?since=seq.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	since, _ := strconv.ParseUint(r.URL.Query().Get("since"), 10, 64)
	events := s.arena.Events()
	out := make([]domain.Event, 0, len(events))
	for _, ev := range events {
		if ev.Seq > since {
			out = append(out, ev)
		}
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRoster(w http.ResponseWriter, r *http.Request) {
	meta, err := s.arena.RosterMeta()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, meta)
}

func (s *Server) handleAgentConfigs(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.arena.AgentConfigs())
}

func (s *Server) handleBudget(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.arena.Budget())
}

func (s *Server) handleCandles(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := strconv.Atoi(q.Get("limit"))
	if err != nil || limit <= 0 {
		limit = 200
	}
	if limit > 1000 {
		limit = 1000
	}
	candles, err := s.arena.Candles(r.Context(), q.Get("pair"), q.Get("interval"), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if candles == nil {
		candles = []domain.Candle{}
	}
	s.writeJSON(w, http.StatusOK, candles)
}
