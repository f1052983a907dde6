// Package server is the HTTP surface: the websocket upgrade, read-only queue
// status endpoints, the game server's finish callback and the operational
// endpoints.
package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"match-admission/auth"
	"match-admission/config"
	"match-admission/events"
	"match-admission/gateway"
	"match-admission/health"
	"match-admission/metrics"
	"match-admission/queue"
)

// finishedMarkerTTL bounds how long duplicate game-finished callbacks are
// suppressed per room.
const finishedMarkerTTL = time.Hour

type Server struct {
	cfg      *config.Config
	q        *queue.Queue
	hub      *gateway.Hub
	verifier *auth.Verifier
	events   events.Publisher
}

func New(cfg *config.Config, q *queue.Queue, hub *gateway.Hub, verifier *auth.Verifier, ev events.Publisher) *Server {
	return &Server{cfg: cfg, q: q, hub: hub, verifier: verifier, events: ev}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", health.Healthz())
	r.Get("/readyz", health.Readyz(s.q))
	r.Handle("/metrics", metrics.Handler())

	// Websocket upgrades must not sit under the request timeout.
	r.Get("/ws", s.hub.ServeWS)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(10 * time.Second))
		r.Get("/queue/status", s.handleQueueStatus)
		r.Get("/queue/me/status", s.handleMyStatus)
		r.Post("/internal/game-finished", s.handleGameFinished)
	})
	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("write response")
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// handleQueueStatus reports a pool's depth without authentication; the
// numbers are shown on the lobby screen before login completes.
func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("pool")
	if name == "" {
		name = "normal"
	}
	pool, ok := s.cfg.PoolByName(name)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown pool: "+name)
		return
	}
	st, err := s.hub.PoolStatus(r.Context(), pool)
	if err != nil {
		log.Error().Err(err).Str("pool", name).Msg("queue status lookup failed")
		writeError(w, http.StatusInternalServerError, "queue status unavailable")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleMyStatus lets a player poll their admission state. A player whose
// socket missed the match_found push recovers through this endpoint.
func (s *Server) handleMyStatus(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	identity, err := s.verifier.Verify(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	sess, err := s.q.Session(r.Context(), identity.UserID)
	if err != nil {
		log.Error().Err(err).Str("userId", identity.UserID).Msg("session lookup failed")
		writeError(w, http.StatusInternalServerError, "session unavailable")
		return
	}
	status := queue.StatusIdle
	if sess != nil && sess.Status != "" {
		status = sess.Status
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"userId": identity.UserID,
		"status": status,
	})
}

type gameResult struct {
	UserID   string `json:"userId"`
	Nickname string `json:"nickname"`
	Score    int    `json:"score"`
}

type gameFinishedRequest struct {
	RoomID  string       `json:"roomId"`
	UserIDs []string     `json:"userIds"`
	Results []gameResult `json:"results"`
}

func (req *gameFinishedRequest) userIDs() []string {
	if len(req.Results) == 0 {
		return req.UserIDs
	}
	ids := make([]string, 0, len(req.Results))
	for _, res := range req.Results {
		if res.UserID != "" {
			ids = append(ids, res.UserID)
		}
	}
	return ids
}

// handleGameFinished is the game server's end-of-room callback: it returns
// every participant to IDLE so they can queue again. Deliveries are retried
// by the game server, so processing is idempotent per room.
func (s *Server) handleGameFinished(w http.ResponseWriter, r *http.Request) {
	if s.cfg.InternalToken == "" || r.Header.Get("X-Internal-Token") != s.cfg.InternalToken {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req gameFinishedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if req.RoomID == "" {
		writeError(w, http.StatusBadRequest, "roomId is required")
		return
	}
	ids := req.userIDs()
	if len(ids) == 0 {
		writeError(w, http.StatusBadRequest, "no participants in request")
		return
	}

	first, err := s.q.MarkRoomFinished(r.Context(), req.RoomID, finishedMarkerTTL)
	if err != nil {
		log.Error().Err(err).Str("roomId", req.RoomID).Msg("finish marker write failed")
		writeError(w, http.StatusInternalServerError, "could not record game finish")
		return
	}
	if !first {
		log.Debug().Str("roomId", req.RoomID).Msg("duplicate game-finished callback ignored")
		writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate", "roomId": req.RoomID})
		return
	}

	// Unknown ids are tolerated: bots and players whose sessions expired
	// simply get an IDLE record refreshed or recreated.
	if err := s.q.UpdateStatusBatch(r.Context(), ids, queue.StatusIdle); err != nil {
		log.Error().Err(err).Str("roomId", req.RoomID).Msg("IDLE reset failed; players recover via stale session reset on next join")
	}
	if err := s.events.PublishGameFinished(r.Context(), events.NewGameFinished(req.RoomID, ids)); err != nil {
		log.Warn().Err(err).Str("roomId", req.RoomID).Msg("game-finished event publish failed")
	}

	log.Info().Str("roomId", req.RoomID).Int("players", len(ids)).Msg("game finished, players returned to idle")
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "roomId": req.RoomID})
}
