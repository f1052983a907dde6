package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"match-admission/metrics"
	"match-admission/queue"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 2048
	sendQueueSize  = 16
)

// Envelope frames every message in both directions.
type Envelope struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Client actions.
const (
	actionJoinQueue          = "join_queue"
	actionCancelQueue        = "cancel_queue"
	actionRequestQueueStatus = "request_queue_status"
)

// Server actions.
const (
	actionQueueJoined    = "queue_joined"
	actionQueueCancelled = "queue_cancelled"
	actionQueueStatus    = "queue_status"
	actionMatchFound     = "match_found"
	actionError          = "error"
)

type poolRequest struct {
	Pool string `json:"pool"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type client struct {
	hub      *Hub
	conn     *websocket.Conn
	userID   string
	nickname string
	send     chan []byte

	closeOnce sync.Once
}

func newClient(h *Hub, conn *websocket.Conn, userID, nickname string) *client {
	return &client{
		hub:      h,
		conn:     conn,
		userID:   userID,
		nickname: nickname,
		send:     make(chan []byte, sendQueueSize),
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() { close(c.send) })
}

// enqueueMessage queues an outbound frame without blocking the hub. A full
// send buffer means the peer stopped reading; the frame is dropped and the
// write pump's ping deadline will tear the socket down.
func (c *client) enqueueMessage(msg []byte) {
	defer func() {
		// Racing a close() from a displacing reconnect.
		if recover() != nil {
			log.Debug().Str("userId", c.userID).Msg("dropped frame for closed socket")
		}
	}()
	select {
	case c.send <- msg:
	default:
		log.Warn().Str("userId", c.userID).Msg("send buffer full, dropping frame")
	}
}

func (c *client) sendEvent(action string, v any) {
	msg, err := marshalEvent(action, v)
	if err != nil {
		log.Error().Err(err).Str("action", action).Msg("marshal outbound event")
		return
	}
	c.enqueueMessage(msg)
}

func (c *client) sendError(code, message string) {
	c.sendEvent(actionError, errorPayload{Code: code, Message: message})
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.close()
		c.conn.Close()
		log.Info().Str("userId", c.userID).Msg("player socket disconnected")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("userId", c.userID).Msg("socket read error")
			}
			return
		}
		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.sendError("BAD_MESSAGE", "message is not a valid envelope")
			continue
		}
		c.handle(env)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) handle(env Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var req poolRequest
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &req); err != nil {
			c.sendError("BAD_MESSAGE", "invalid payload for "+env.Action)
			return
		}
	}
	if req.Pool == "" {
		req.Pool = "normal"
	}
	pool, ok := c.hub.cfg.PoolByName(req.Pool)
	if !ok {
		c.sendError("UNKNOWN_POOL", "unknown pool: "+req.Pool)
		return
	}

	switch env.Action {
	case actionJoinQueue:
		c.handleJoin(ctx, pool.Name, pool.QueueKey)
	case actionCancelQueue:
		c.handleCancel(ctx, pool.Name, pool.QueueKey)
	case actionRequestQueueStatus:
		st, err := c.hub.PoolStatus(ctx, pool)
		if err != nil {
			c.sendError("INTERNAL", "queue status unavailable")
			return
		}
		c.sendEvent(actionQueueStatus, st)
	default:
		c.sendError("UNKNOWN_ACTION", "unknown action: "+env.Action)
	}
}

func (c *client) handleJoin(ctx context.Context, poolName, queueKey string) {
	err := c.hub.q.Enqueue(ctx, queueKey, c.userID, c.nickname)
	if errors.Is(err, queue.ErrAlreadyInGame) {
		// A crash-ended game can leave the session IN_GAME forever. A player
		// at the matchmaking screen cannot be in a live game, so reset the
		// session and retry once.
		recovered, rerr := c.hub.q.RecoverStaleInGame(ctx, c.userID)
		if rerr == nil && recovered {
			log.Info().Str("userId", c.userID).Msg("recovered stale IN_GAME session on join")
			err = c.hub.q.Enqueue(ctx, queueKey, c.userID, c.nickname)
		}
	}
	switch {
	case errors.Is(err, queue.ErrAlreadyInGame):
		metrics.EnqueuesTotal.WithLabelValues(poolName, "in_game").Inc()
		c.sendError("ALREADY_IN_GAME", "finish the current game first")
		return
	case errors.Is(err, queue.ErrDuplicateEntry):
		metrics.EnqueuesTotal.WithLabelValues(poolName, "duplicate").Inc()
		c.sendError("ALREADY_QUEUED", "already waiting in a queue")
		return
	case err != nil:
		metrics.EnqueuesTotal.WithLabelValues(poolName, "error").Inc()
		log.Error().Err(err).Str("userId", c.userID).Str("pool", poolName).Msg("enqueue failed")
		c.sendError("INTERNAL", "could not join the queue")
		return
	}

	metrics.EnqueuesTotal.WithLabelValues(poolName, "ok").Inc()
	log.Info().Str("userId", c.userID).Str("pool", poolName).Msg("player joined queue")
	c.sendEvent(actionQueueJoined, poolRequest{Pool: poolName})
	c.hub.BroadcastQueueStatus(poolName)
}

func (c *client) handleCancel(ctx context.Context, poolName, queueKey string) {
	out, err := c.hub.q.Cancel(ctx, queueKey, c.userID)
	if err != nil {
		log.Error().Err(err).Str("userId", c.userID).Str("pool", poolName).Msg("cancel failed")
		c.sendError("INTERNAL", "could not cancel")
		return
	}
	switch out {
	case queue.CancelCancelled, queue.CancelNotQueued:
		c.sendEvent(actionQueueCancelled, poolRequest{Pool: poolName})
		c.hub.BroadcastQueueStatus(poolName)
	case queue.CancelAlreadyInGame:
		c.sendError("ALREADY_IN_GAME", "cannot cancel while in game")
	case queue.CancelAlreadyMatched:
		// Extraction won the race; the handoff push is on its way.
		c.sendError("ALREADY_MATCHED", "a match was already formed")
	default:
		c.sendError("INTERNAL", "unexpected cancel outcome")
	}
}
