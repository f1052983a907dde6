// Package queue is the admission queue: a Redis-backed FIFO of waiting
// players per pool plus a session record per player. It is the only shared
// mutable state in the pipeline, and every multi-step mutation is one Lua
// script so the queue and the session statuses stay mutually consistent
// under concurrent enqueues, cancels and scheduler extractions.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const sessionKeyPrefix = "session:"

// Status is a player's session state.
type Status string

const (
	StatusIdle    Status = "IDLE"
	StatusWaiting Status = "WAITING"
	StatusInGame  Status = "IN_GAME"
)

var (
	ErrAlreadyInGame  = errors.New("player already in game")
	ErrDuplicateEntry = errors.New("player already waiting")
)

// CancelOutcome is the result of a Cancel call. None of the outcomes are
// transport errors; callers decide which ones to surface.
type CancelOutcome string

const (
	CancelCancelled CancelOutcome = "CANCELLED"
	// CancelNotQueued: the player was not WAITING. Treated as a no-op
	// success so repeated cancels stay idempotent.
	CancelNotQueued     CancelOutcome = "NOT_QUEUED"
	CancelAlreadyInGame CancelOutcome = "ALREADY_IN_GAME"
	// CancelAlreadyMatched: the player was WAITING but a concurrent
	// extraction already removed them from the list. Their status is forced
	// to IDLE either way; if the extraction's allocation later fails, the
	// scheduler's rollback restores WAITING.
	CancelAlreadyMatched CancelOutcome = "ALREADY_MATCHED_BY_WORKER"
)

// Session is a player's admission record. Pool is the queue key holding the
// player and is meaningful only while the status is WAITING.
type Session struct {
	Status   Status
	Nickname string
	Pool     string
	JoinedAt time.Time
}

type Queue struct {
	rdb        redis.UniversalClient
	sessionTTL time.Duration
}

func New(rdb redis.UniversalClient, sessionTTL time.Duration) *Queue {
	return &Queue{rdb: rdb, sessionTTL: sessionTTL}
}

func sessionKey(userID string) string {
	return sessionKeyPrefix + userID
}

// Enqueue registers the player's session and appends them to the pool queue
// as one atomic step.
func (q *Queue) Enqueue(ctx context.Context, pool, userID, nickname string) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	ttl := strconv.FormatInt(int64(q.sessionTTL/time.Second), 10)
	res, err := enterQueueScript.Run(ctx, q.rdb, []string{sessionKey(userID), pool, pool + ":lastJoinedAt"}, nickname, now, ttl, userID).Text()
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", userID, err)
	}
	switch res {
	case "ALREADY_IN_GAME":
		return ErrAlreadyInGame
	case "DUPLICATE_ENTRY":
		return ErrDuplicateEntry
	}
	return nil
}

// ExtractGroup atomically removes exactly n entries in FIFO order, or
// nothing. Session statuses stay WAITING; the caller promotes them to
// IN_GAME only after the whole handoff succeeds.
func (q *Queue) ExtractGroup(ctx context.Context, pool string, n int) ([]string, error) {
	res, err := extractGroupScript.Run(ctx, q.rdb, []string{pool}, n).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("extract group from %s: %w", pool, err)
	}
	if len(res) == 0 {
		return nil, nil
	}
	return res, nil
}

// ExtractUpTo removes up to n entries in FIFO order. Used for timeout
// backfill matches where the game server fills empty seats with bots.
func (q *Queue) ExtractUpTo(ctx context.Context, pool string, n int) ([]string, error) {
	res, err := extractUpToScript.Run(ctx, q.rdb, []string{pool}, n).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("extract up to %d from %s: %w", n, pool, err)
	}
	if len(res) == 0 {
		return nil, nil
	}
	return res, nil
}

// Cancel removes a WAITING player from the pool queue and sets them IDLE.
// A player waiting in a different pool is reported NOT_QUEUED and left
// untouched.
func (q *Queue) Cancel(ctx context.Context, pool, userID string) (CancelOutcome, error) {
	res, err := cancelScript.Run(ctx, q.rdb, []string{sessionKey(userID), pool}, userID).Text()
	if err != nil {
		return "", fmt.Errorf("cancel %s: %w", userID, err)
	}
	return CancelOutcome(res), nil
}

// Rollback re-inserts the ids at the head of the pool queue in their
// original relative order and restores their sessions to WAITING. Called by
// the scheduler when any step of the handoff fails, so the group keeps its
// place in line.
func (q *Queue) Rollback(ctx context.Context, pool string, userIDs []string) error {
	if len(userIDs) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(userIDs)+1)
	args = append(args, sessionKeyPrefix)
	for _, id := range userIDs {
		args = append(args, id)
	}
	if err := rollbackScript.Run(ctx, q.rdb, []string{pool}, args...).Err(); err != nil {
		return fmt.Errorf("rollback %d players to %s: %w", len(userIDs), pool, err)
	}
	return nil
}

// UpdateStatus sets a single player's status. Single command, no script
// needed.
func (q *Queue) UpdateStatus(ctx context.Context, userID string, status Status) error {
	return q.rdb.HSet(ctx, sessionKey(userID), "status", string(status)).Err()
}

// UpdateStatusBatch sets the status for every id in one pipelined round
// trip. Best-effort callers treat a failure as a logged warning.
func (q *Queue) UpdateStatusBatch(ctx context.Context, userIDs []string, status Status) error {
	_, err := q.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range userIDs {
			pipe.HSet(ctx, sessionKey(id), "status", string(status))
		}
		return nil
	})
	return err
}

// Session returns the player's session record, or nil when none exists.
func (q *Queue) Session(ctx context.Context, userID string) (*Session, error) {
	m, err := q.rdb.HGetAll(ctx, sessionKey(userID)).Result()
	if err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, nil
	}
	s := &Session{
		Status:   Status(m["status"]),
		Nickname: m["nickname"],
		Pool:     m["pool"],
	}
	if ms, err := strconv.ParseInt(m["joinedAt"], 10, 64); err == nil {
		s.JoinedAt = time.UnixMilli(ms)
	}
	return s, nil
}

// RefreshTTL extends a live session's expiry. No-op for missing sessions.
func (q *Queue) RefreshTTL(ctx context.Context, userID string) error {
	return q.rdb.Expire(ctx, sessionKey(userID), q.sessionTTL).Err()
}

// Len returns the number of waiting players in the pool.
func (q *Queue) Len(ctx context.Context, pool string) (int64, error) {
	return q.rdb.LLen(ctx, pool).Result()
}

// LastJoinedAt returns when the most recent admission to the pool happened.
func (q *Queue) LastJoinedAt(ctx context.Context, pool string) (time.Time, bool, error) {
	v, err := q.rdb.Get(ctx, pool+":lastJoinedAt").Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse lastJoinedAt for %s: %w", pool, err)
	}
	return time.UnixMilli(ms), true, nil
}

// AcquireLock takes a cluster-wide lease (SET NX EX). Used by the scheduler
// so only one replica runs a pool's matching tick.
func (q *Queue) AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return q.rdb.SetNX(ctx, key, "1", ttl).Result()
}

// MarkRoomFinished records that a room's game-finished callback has been
// processed. Returns false when the room was already marked, making repeated
// deliveries no-ops.
func (q *Queue) MarkRoomFinished(ctx context.Context, roomID string, ttl time.Duration) (bool, error) {
	return q.rdb.SetNX(ctx, "gamefinished:"+roomID, "1", ttl).Result()
}

// RecoverStaleInGame resets an IN_GAME session back to IDLE and refreshes
// its TTL. A session can be left IN_GAME when a game ends without a clean
// callback; recovery happens on the player's next admission attempt.
func (q *Queue) RecoverStaleInGame(ctx context.Context, userID string) (bool, error) {
	ttl := strconv.FormatInt(int64(q.sessionTTL/time.Second), 10)
	n, err := recoverStaleScript.Run(ctx, q.rdb, []string{sessionKey(userID)}, ttl).Int()
	if err != nil {
		return false, fmt.Errorf("recover stale session %s: %w", userID, err)
	}
	return n == 1, nil
}

// Ping reports whether the backing store is reachable.
func (q *Queue) Ping(ctx context.Context) error {
	return q.rdb.Ping(ctx).Err()
}
