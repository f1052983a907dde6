// Package matching runs the per-pool scheduler loop: extract a group from
// the admission queue, reserve a game server, publish its address, mint the
// handoff token and push it to the group. Any failure along that chain rolls
// the whole group back to the head of the queue; the next tick retries.
package matching

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"

	"match-admission/allocator"
	"match-admission/config"
	"match-admission/events"
	"match-admission/metrics"
	"match-admission/queue"
	"match-admission/route53"
)

const leaderLockTTL = 2 * time.Second

// AdmissionQueue is the slice of the queue API the scheduler drives.
type AdmissionQueue interface {
	ExtractGroup(ctx context.Context, pool string, n int) ([]string, error)
	ExtractUpTo(ctx context.Context, pool string, n int) ([]string, error)
	Rollback(ctx context.Context, pool string, userIDs []string) error
	UpdateStatusBatch(ctx context.Context, userIDs []string, status queue.Status) error
	Len(ctx context.Context, pool string) (int64, error)
	LastJoinedAt(ctx context.Context, pool string) (time.Time, bool, error)
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// TokenIssuer mints the group's handoff credential.
type TokenIssuer interface {
	Issue(roomID string, userIDs []string, mode string) (string, error)
}

// MatchFound is the payload pushed to each matched player.
type MatchFound struct {
	RoomID         string `json:"roomId"`
	MatchToken     string `json:"matchToken"`
	Host           string `json:"host"`
	Port           int32  `json:"port"`
	GameURL        string `json:"gameUrl"`
	GameServerName string `json:"gameServerName"`
	Mode           string `json:"mode"`
}

// Notifier pushes events to connected players. Delivery to a player without
// a socket is skipped, not an error.
type Notifier interface {
	BroadcastMatchFound(userIDs []string, payload MatchFound) error
	BroadcastQueueStatus(pool string)
}

// Worker is one pool's matching loop. Ticks never overlap: an in-flight
// flag skips the tick, and a store-side leader lease keeps other replicas
// out.
type Worker struct {
	pool     config.Pool
	q        AdmissionQueue
	alloc    allocator.Client
	dns      route53.Publisher
	issuer   TokenIssuer
	notifier Notifier
	events   events.Publisher
	rooms    *RoomClient

	interval        time.Duration
	backfillTimeout time.Duration
	inFlight        *atomic.Bool
}

func NewWorker(
	pool config.Pool,
	q AdmissionQueue,
	alloc allocator.Client,
	dns route53.Publisher,
	issuer TokenIssuer,
	notifier Notifier,
	ev events.Publisher,
	rooms *RoomClient,
	interval, backfillTimeout time.Duration,
) *Worker {
	return &Worker{
		pool:            pool,
		q:               q,
		alloc:           alloc,
		dns:             dns,
		issuer:          issuer,
		notifier:        notifier,
		events:          ev,
		rooms:           rooms,
		interval:        interval,
		backfillTimeout: backfillTimeout,
		inFlight:        atomic.NewBool(false),
	}
}

// Run ticks until the context is cancelled.
func (w *Worker) Run(ctx context.Context) {
	log.Info().Str("pool", w.pool.Name).Int("groupSize", w.pool.GroupSize).Dur("interval", w.interval).Msg("matching worker started")
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("pool", w.pool.Name).Msg("matching worker stopped")
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *Worker) tick(ctx context.Context) {
	if !w.inFlight.CompareAndSwap(false, true) {
		return
	}
	defer w.inFlight.Store(false)

	leader, err := w.q.AcquireLock(ctx, "matchmaking:"+w.pool.Name+":leader", leaderLockTTL)
	if err != nil {
		log.Error().Err(err).Str("pool", w.pool.Name).Msg("leader lease check failed")
		return
	}
	if !leader {
		return
	}

	group, err := w.q.ExtractGroup(ctx, w.pool.QueueKey, w.pool.GroupSize)
	if err != nil {
		log.Error().Err(err).Str("pool", w.pool.Name).Msg("group extraction failed")
		return
	}
	if len(group) == w.pool.GroupSize {
		w.dispatch(ctx, group)
		return
	}

	// Not enough for a full group. Backfill with a partial group once the
	// newest arrival has waited long enough; the game server fills the
	// remaining seats with bots.
	qlen, err := w.q.Len(ctx, w.pool.QueueKey)
	if err != nil {
		log.Error().Err(err).Str("pool", w.pool.Name).Msg("queue length check failed")
		return
	}
	metrics.QueueDepth.WithLabelValues(w.pool.Name).Set(float64(qlen))
	if qlen == 0 {
		return
	}
	last, ok, err := w.q.LastJoinedAt(ctx, w.pool.QueueKey)
	if err != nil || !ok {
		if err != nil {
			log.Error().Err(err).Str("pool", w.pool.Name).Msg("lastJoinedAt check failed")
		}
		return
	}
	if waited := time.Since(last); waited < w.backfillTimeout {
		log.Debug().Str("pool", w.pool.Name).Int64("waiting", qlen).Dur("sinceLastJoin", waited).Msg("below group size, backfill timeout not reached")
		return
	}

	group, err = w.q.ExtractUpTo(ctx, w.pool.QueueKey, w.pool.GroupSize)
	if err != nil {
		log.Error().Err(err).Str("pool", w.pool.Name).Msg("partial extraction failed")
		return
	}
	if len(group) == 0 {
		return
	}
	log.Info().Str("pool", w.pool.Name).Strs("userIds", group).Msg("backfill match after timeout")
	w.dispatch(ctx, group)
}

// dispatch runs the allocate-publish-issue-notify chain for one extracted
// group and rolls the group back on any failure.
func (w *Worker) dispatch(ctx context.Context, group []string) {
	start := time.Now()
	err := w.handleGroup(ctx, group)
	if err == nil {
		metrics.MatchesTotal.WithLabelValues(w.pool.Name, "success").Inc()
		metrics.MatchDuration.Observe(time.Since(start).Seconds())
		w.notifier.BroadcastQueueStatus(w.pool.Name)
		return
	}

	switch {
	case errors.Is(err, allocator.ErrNoCapacity):
		metrics.MatchesTotal.WithLabelValues(w.pool.Name, "no_capacity").Inc()
		log.Debug().Str("pool", w.pool.Name).Int("groupSize", len(group)).Msg("no capacity, returning group to queue")
	case errors.Is(err, allocator.ErrBadResponse):
		metrics.MatchesTotal.WithLabelValues(w.pool.Name, "failure").Inc()
		log.Error().Err(err).Str("pool", w.pool.Name).Msg("allocator contract mismatch, returning group to queue")
	default:
		metrics.MatchesTotal.WithLabelValues(w.pool.Name, "failure").Inc()
		log.Warn().Err(err).Str("pool", w.pool.Name).Msg("handoff failed, returning group to queue")
	}

	if rbErr := w.q.Rollback(ctx, w.pool.QueueKey, group); rbErr != nil {
		log.Error().Err(rbErr).Str("pool", w.pool.Name).Strs("userIds", group).Msg("rollback failed; players may be stranded until session recovery")
	}
}

func (w *Worker) handleGroup(ctx context.Context, group []string) error {
	roomID := uuid.NewString()

	gs, err := w.alloc.Allocate(ctx, allocator.Request{
		Fleet:    w.pool.Fleet,
		RoomID:   roomID,
		UserIDs:  group,
		BotCount: w.pool.GroupSize - len(group),
	})
	if err != nil {
		return err
	}
	log.Info().Str("pool", w.pool.Name).Str("roomId", roomID).Str("gameServer", gs.Name).Str("address", gs.Address).Int32("port", gs.Port).Msg("game server allocated")

	// Room pre-creation is advisory: the game server also creates the room
	// on first join, so a failure here is logged, not fatal.
	if err := w.rooms.CreateRoom(ctx, gs.Address, gs.Port, roomID, group, w.pool.GroupSize, w.pool.Mode); err != nil {
		log.Warn().Err(err).Str("roomId", roomID).Msg("room pre-creation failed")
	}

	host, err := w.dns.Publish(ctx, gs.Name, gs.Address)
	if err != nil {
		return fmt.Errorf("publish address: %w", err)
	}

	matchToken, err := w.issuer.Issue(roomID, group, w.pool.Mode)
	if err != nil {
		w.unpublish(gs)
		return fmt.Errorf("issue match token: %w", err)
	}

	payload := MatchFound{
		RoomID:         roomID,
		MatchToken:     matchToken,
		Host:           host,
		Port:           gs.Port,
		GameURL:        fmt.Sprintf("https://%s:%d", host, gs.Port),
		GameServerName: gs.Name,
		Mode:           w.pool.Mode,
	}
	if err := w.notifier.BroadcastMatchFound(group, payload); err != nil {
		w.unpublish(gs)
		return fmt.Errorf("notify group: %w", err)
	}

	// Best-effort from here on. A failed status update leaves the players
	// WAITING in the session record while they connect to the game server;
	// the game-finished callback is the eventual source of truth.
	if err := w.q.UpdateStatusBatch(ctx, group, queue.StatusInGame); err != nil {
		log.Warn().Err(err).Str("roomId", roomID).Msg("IN_GAME status update failed; relying on game-finished callback")
	}
	if err := w.events.PublishMatchCreated(ctx, events.NewMatchCreated(roomID, w.pool.Name, w.pool.Mode, group, gs.Name, host, gs.Port)); err != nil {
		log.Warn().Err(err).Str("roomId", roomID).Msg("match-created event publish failed")
	}

	log.Info().Str("pool", w.pool.Name).Str("roomId", roomID).Strs("userIds", group).Str("host", host).Msg("match handed off")
	return nil
}

// unpublish removes the DNS record of a handoff that failed after
// publication. The record is short-TTL so this is cleanup, not correctness.
func (w *Worker) unpublish(gs *allocator.GameServer) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.dns.Unpublish(ctx, gs.Name, gs.Address); err != nil {
		log.Debug().Err(err).Str("gameServer", gs.Name).Msg("dns cleanup failed")
	}
}
