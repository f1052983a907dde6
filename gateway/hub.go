// Package gateway is the notification channel: one websocket per
// authenticated player, used to join and cancel the queue and to receive the
// match-found push. Push delivery is best-effort; a player who missed it can
// recover via the status endpoint.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"match-admission/auth"
	"match-admission/config"
	"match-admission/matching"
	"match-admission/metrics"
	"match-admission/queue"
)

type Hub struct {
	cfg      *config.Config
	q        *queue.Queue
	verifier *auth.Verifier
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*client
}

func NewHub(cfg *config.Config, q *queue.Queue, verifier *auth.Verifier) *Hub {
	return &Hub{
		cfg:      cfg,
		q:        q,
		verifier: verifier,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[string]*client),
	}
}

// ServeWS authenticates the handshake and upgrades it to a player socket.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	identity, err := h.verifier.Verify(bearerToken(r))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := newClient(h, conn, identity.UserID, identity.Nickname)
	h.register(c)
	log.Info().Str("userId", c.userID).Str("nickname", c.nickname).Msg("player socket connected")

	// An active connection keeps the session alive.
	if err := h.q.RefreshTTL(r.Context(), c.userID); err != nil {
		log.Debug().Err(err).Str("userId", c.userID).Msg("session ttl refresh failed")
	}

	go c.writePump()
	go c.readPump()
}

func bearerToken(r *http.Request) string {
	if v := r.URL.Query().Get("token"); v != "" {
		return v
	}
	return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
}

// register keeps one socket per user; a reconnect displaces the old socket.
// A displacement leaves the connection count unchanged: the displaced
// socket's unregister will not decrement either, since the map entry no
// longer points at it.
func (h *Hub) register(c *client) {
	h.mu.Lock()
	prev := h.clients[c.userID]
	h.clients[c.userID] = c
	h.mu.Unlock()

	if prev != nil {
		prev.close()
		return
	}
	metrics.ConnectedSockets.Inc()
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	current, ok := h.clients[c.userID]
	if ok && current == c {
		delete(h.clients, c.userID)
	}
	h.mu.Unlock()
	if ok && current == c {
		metrics.ConnectedSockets.Dec()
		h.cancelIfWaiting(c.userID)
	}
}

// cancelIfWaiting drops a disconnected player from whichever pool holds
// them. A player already matched or in game is left alone.
func (h *Hub) cancelIfWaiting(userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := h.q.Session(ctx, userID)
	if err != nil {
		log.Error().Err(err).Str("userId", userID).Msg("disconnect session lookup failed")
		return
	}
	if s == nil || s.Status != queue.StatusWaiting {
		return
	}
	for _, pool := range h.cfg.Pools {
		if pool.QueueKey != s.Pool {
			continue
		}
		out, err := h.q.Cancel(ctx, pool.QueueKey, userID)
		if err != nil {
			log.Error().Err(err).Str("userId", userID).Str("pool", pool.Name).Msg("disconnect cancel failed")
			return
		}
		if out == queue.CancelCancelled {
			log.Info().Str("userId", userID).Str("pool", pool.Name).Msg("cancelled queue entry after disconnect")
			h.BroadcastQueueStatus(pool.Name)
		}
		return
	}
}

// BroadcastMatchFound pushes the handoff payload to each member that still
// has a socket. A missing socket is skipped; those players recover through
// the status query.
func (h *Hub) BroadcastMatchFound(userIDs []string, payload matching.MatchFound) error {
	msg, err := marshalEvent(actionMatchFound, payload)
	if err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, id := range userIDs {
		c, ok := h.clients[id]
		if !ok {
			log.Debug().Str("userId", id).Msg("match_found push skipped, no socket")
			continue
		}
		c.enqueueMessage(msg)
	}
	return nil
}

// QueueStatus is the public depth view of one pool.
type QueueStatus struct {
	Pool         string `json:"pool"`
	CurrentCount int64  `json:"currentCount"`
	TotalWaiting int64  `json:"totalWaiting"`
}

func (h *Hub) PoolStatus(ctx context.Context, pool config.Pool) (QueueStatus, error) {
	total, err := h.q.Len(ctx, pool.QueueKey)
	if err != nil {
		return QueueStatus{}, err
	}
	// UI shows how full the forming group is, so the depth is presented
	// modulo the group size.
	current := total % int64(pool.GroupSize)
	if current == 0 && total > 0 {
		current = int64(pool.GroupSize)
	}
	return QueueStatus{Pool: pool.Name, CurrentCount: current, TotalWaiting: total}, nil
}

// BroadcastQueueStatus pushes the pool's depth to every connected socket.
// Informational only; no correctness rests on it.
func (h *Hub) BroadcastQueueStatus(poolName string) {
	pool, ok := h.cfg.PoolByName(poolName)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	st, err := h.PoolStatus(ctx, pool)
	if err != nil {
		log.Warn().Err(err).Str("pool", poolName).Msg("queue status lookup failed")
		return
	}
	msg, err := marshalEvent(actionQueueStatus, st)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		c.enqueueMessage(msg)
	}
}

func marshalEvent(action string, v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Action: action, Data: data})
}
