package queue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPool = "match_queue"

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, time.Hour)
}

func TestEnqueueFIFOOrder(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	ids := []string{"u1", "u2", "u3", "u4", "u5"}
	for _, id := range ids {
		require.NoError(t, q.Enqueue(ctx, testPool, id, "nick-"+id))
	}

	got, err := q.ExtractGroup(ctx, testPool, 5)
	require.NoError(t, err)
	assert.Equal(t, ids, got)
}

func TestEnqueueConflicts(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, testPool, "u1", "nick"))
	assert.ErrorIs(t, q.Enqueue(ctx, testPool, "u1", "nick"), ErrDuplicateEntry)

	require.NoError(t, q.UpdateStatus(ctx, "u2", StatusInGame))
	assert.ErrorIs(t, q.Enqueue(ctx, testPool, "u2", "nick"), ErrAlreadyInGame)
}

func TestEnqueueStoresSession(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, testPool, "u1", "ace"))

	s, err := q.Session(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, StatusWaiting, s.Status)
	assert.Equal(t, "ace", s.Nickname)
	assert.Equal(t, testPool, s.Pool)
	assert.WithinDuration(t, time.Now(), s.JoinedAt, 5*time.Second)
}

func TestExtractGroupAllOrNothing(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, q.Enqueue(ctx, testPool, fmt.Sprintf("u%d", i), "nick"))
	}

	got, err := q.ExtractGroup(ctx, testPool, 5)
	require.NoError(t, err)
	assert.Empty(t, got, "fewer than n queued must extract nothing")

	n, err := q.Len(ctx, testPool)
	require.NoError(t, err)
	assert.EqualValues(t, 4, n, "failed extraction must not mutate the queue")

	require.NoError(t, q.Enqueue(ctx, testPool, "u4", "nick"))
	got, err = q.ExtractGroup(ctx, testPool, 5)
	require.NoError(t, err)
	assert.Len(t, got, 5)
}

func TestExtractGroupKeepsStatusWaiting(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, testPool, "u1", "nick"))
	_, err := q.ExtractGroup(ctx, testPool, 1)
	require.NoError(t, err)

	s, err := q.Session(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, StatusWaiting, s.Status, "extraction must not promote status; that is the scheduler's job after allocation")
}

func TestExtractUpTo(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, testPool, "u1", "nick"))
	require.NoError(t, q.Enqueue(ctx, testPool, "u2", "nick"))

	got, err := q.ExtractUpTo(ctx, testPool, 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2"}, got)

	got, err = q.ExtractUpTo(ctx, testPool, 5)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRollbackPreservesHeadOrder(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	for _, id := range []string{"A", "B", "C"} {
		require.NoError(t, q.Enqueue(ctx, testPool, id, "nick"))
	}

	group, err := q.ExtractGroup(ctx, testPool, 3)
	require.NoError(t, err)
	require.Equal(t, []string{"A", "B", "C"}, group)

	require.NoError(t, q.Rollback(ctx, testPool, group))
	require.NoError(t, q.Enqueue(ctx, testPool, "D", "nick"))

	got, err := q.ExtractGroup(ctx, testPool, 4)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C", "D"}, got, "rolled back players keep their place ahead of later arrivals")
}

func TestRollbackRestoresWaiting(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, testPool, "u1", "nick"))
	group, err := q.ExtractGroup(ctx, testPool, 1)
	require.NoError(t, err)

	require.NoError(t, q.Rollback(ctx, testPool, group))
	s, err := q.Session(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, StatusWaiting, s.Status)
}

func TestCancelOutcomes(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	// Waiting player cancels normally.
	require.NoError(t, q.Enqueue(ctx, testPool, "u1", "nick"))
	out, err := q.Cancel(ctx, testPool, "u1")
	require.NoError(t, err)
	assert.Equal(t, CancelCancelled, out)

	s, err := q.Session(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, StatusIdle, s.Status)

	// Repeated cancel is an idempotent no-op, twice in a row.
	out, err = q.Cancel(ctx, testPool, "u1")
	require.NoError(t, err)
	assert.Equal(t, CancelNotQueued, out)
	out, err = q.Cancel(ctx, testPool, "u1")
	require.NoError(t, err)
	assert.Equal(t, CancelNotQueued, out)

	// Unknown player is also NotQueued.
	out, err = q.Cancel(ctx, testPool, "ghost")
	require.NoError(t, err)
	assert.Equal(t, CancelNotQueued, out)

	// In-game player cannot cancel.
	require.NoError(t, q.UpdateStatus(ctx, "u2", StatusInGame))
	out, err = q.Cancel(ctx, testPool, "u2")
	require.NoError(t, err)
	assert.Equal(t, CancelAlreadyInGame, out)
}

func TestCancelRacingExtraction(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	// Player is WAITING but a concurrent extraction already removed them
	// from the list. Cancel must still land them in a defined state.
	require.NoError(t, q.Enqueue(ctx, testPool, "u1", "nick"))
	_, err := q.ExtractGroup(ctx, testPool, 1)
	require.NoError(t, err)

	out, err := q.Cancel(ctx, testPool, "u1")
	require.NoError(t, err)
	assert.Equal(t, CancelAlreadyMatched, out)

	s, err := q.Session(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, StatusIdle, s.Status, "status forced IDLE so the player is never stranded")
}

// Queue membership and WAITING status must agree after any interleaving of
// operations.
func TestStatusInvariant(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	players := make([]string, 10)
	for i := range players {
		players[i] = fmt.Sprintf("p%d", i)
	}

	checkInvariant := func() {
		t.Helper()
		queued := map[string]bool{}
		for _, id := range mustList(t, q, testPool) {
			queued[id] = true
		}
		for _, id := range players {
			s, err := q.Session(ctx, id)
			require.NoError(t, err)
			waiting := s != nil && s.Status == StatusWaiting
			assert.Equal(t, waiting, queued[id], "player %s: queued=%v waiting=%v", id, queued[id], waiting)
		}
	}

	for i, id := range players {
		require.NoError(t, q.Enqueue(ctx, testPool, id, "nick"))
		if i%3 == 0 {
			_, err := q.Cancel(ctx, testPool, id)
			require.NoError(t, err)
		}
		checkInvariant()
	}

	group, err := q.ExtractGroup(ctx, testPool, 3)
	require.NoError(t, err)
	require.Len(t, group, 3)
	require.NoError(t, q.Rollback(ctx, testPool, group))
	checkInvariant()
}

func mustList(t *testing.T, q *Queue, pool string) []string {
	t.Helper()
	ids, err := q.rdb.LRange(context.Background(), pool, 0, -1).Result()
	require.NoError(t, err)
	return ids
}

func TestLastJoinedAt(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, ok, err := q.LastJoinedAt(ctx, testPool)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, q.Enqueue(ctx, testPool, "u1", "nick"))
	at, ok, err := q.LastJoinedAt(ctx, testPool)
	require.NoError(t, err)
	require.True(t, ok)
	assert.WithinDuration(t, time.Now(), at, 5*time.Second)
}

func TestAcquireLock(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	ok, err := q.AcquireLock(ctx, "matchmaking:normal:leader", 2*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = q.AcquireLock(ctx, "matchmaking:normal:leader", 2*time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "lease is exclusive until it expires")
}

func TestMarkRoomFinishedIdempotence(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	first, err := q.MarkRoomFinished(ctx, "room-1", time.Hour)
	require.NoError(t, err)
	assert.True(t, first)

	second, err := q.MarkRoomFinished(ctx, "room-1", time.Hour)
	require.NoError(t, err)
	assert.False(t, second, "second delivery of the same room must be a no-op")
}

func TestRecoverStaleInGame(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.UpdateStatus(ctx, "u1", StatusInGame))
	recovered, err := q.RecoverStaleInGame(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, recovered)

	s, err := q.Session(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, StatusIdle, s.Status)

	// Non-IN_GAME sessions are untouched.
	recovered, err = q.RecoverStaleInGame(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, recovered)
}

func TestUpdateStatusBatch(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	ids := []string{"a", "b", "c"}
	require.NoError(t, q.UpdateStatusBatch(ctx, ids, StatusInGame))
	for _, id := range ids {
		s, err := q.Session(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, s)
		assert.Equal(t, StatusInGame, s.Status)
	}
}

func TestRefreshTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	q := New(rdb, time.Hour)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, testPool, "u1", "nick"))
	mr.FastForward(30 * time.Minute)
	require.NoError(t, q.RefreshTTL(ctx, "u1"))
	assert.Equal(t, time.Hour, mr.TTL("session:u1"))

	// Missing session stays missing.
	require.NoError(t, q.RefreshTTL(ctx, "ghost"))
	assert.False(t, mr.Exists("session:ghost"))
}

func TestCancelTargetsOnlyOwningPool(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	const bossPool = "boss_match_queue"

	require.NoError(t, q.Enqueue(ctx, bossPool, "u1", "nick"))

	// A cancel against a pool that does not hold the player is a no-op: the
	// session stays WAITING and the real entry stays queued.
	out, err := q.Cancel(ctx, testPool, "u1")
	require.NoError(t, err)
	assert.Equal(t, CancelNotQueued, out)

	s, err := q.Session(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, StatusWaiting, s.Status)
	assert.Equal(t, bossPool, s.Pool)
	n, err := q.Len(ctx, bossPool)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n, "the owning pool must keep its entry")

	// The owning pool cancels normally.
	out, err = q.Cancel(ctx, bossPool, "u1")
	require.NoError(t, err)
	assert.Equal(t, CancelCancelled, out)

	s, err = q.Session(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, StatusIdle, s.Status)
	n, err = q.Len(ctx, bossPool)
	require.NoError(t, err)
	assert.Zero(t, n)
}
