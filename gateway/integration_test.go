package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"match-admission/allocator"
	"match-admission/auth"
	"match-admission/config"
	"match-admission/events"
	"match-admission/matching"
	"match-admission/queue"
)

type stubAllocator struct{}

func (stubAllocator) Allocate(context.Context, allocator.Request) (*allocator.GameServer, error) {
	return &allocator.GameServer{Name: "gs-int1", Address: "127.0.0.1", Port: 1}, nil
}

type stubDNS struct{}

func (stubDNS) Publish(_ context.Context, serverName, _ string) (string, error) {
	return serverName + ".game.test", nil
}

func (stubDNS) Unpublish(context.Context, string, string) error { return nil }

type stubIssuer struct{}

func (stubIssuer) Issue(roomID string, _ []string, _ string) (string, error) {
	return "tok-" + roomID, nil
}

// Full path over a real queue: players join over websockets, the scheduler
// forms one group, and every member receives the same handoff while the
// next player keeps waiting.
func TestAdmissionFlowEndToEnd(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	pool := config.Pool{Name: "normal", QueueKey: "match_queue", GroupSize: 5, Fleet: "game-fleet", Mode: "NORMAL"}
	cfg := &config.Config{Pools: []config.Pool{pool}}
	q := queue.New(rdb, time.Hour)
	hub := NewHub(cfg, q, auth.NewVerifier(testSecret))
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(srv.Close)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	conns := make([]*websocket.Conn, 0, 6)
	for i := 1; i <= 6; i++ {
		id := fmt.Sprintf("u%d", i)
		conn, resp, err := websocket.DefaultDialer.Dial(wsURL+"?token="+signAccessToken(t, id, "n-"+id), nil)
		require.NoError(t, err)
		resp.Body.Close()
		t.Cleanup(func() { conn.Close() })
		conns = append(conns, conn)

		sendAction(t, conn, actionJoinQueue, "normal")
		recvAction(t, conn, actionQueueJoined)
	}

	w := matching.NewWorker(pool, q, stubAllocator{}, stubDNS{}, stubIssuer{}, hub, events.Nop{},
		matching.NewRoomClient(100*time.Millisecond), 10*time.Millisecond, 7*time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	payloads := make([]matching.MatchFound, 0, 5)
	for _, conn := range conns[:5] {
		env := recvAction(t, conn, actionMatchFound)
		var p matching.MatchFound
		require.NoError(t, json.Unmarshal(env.Data, &p))
		payloads = append(payloads, p)
	}
	cancel()

	first := payloads[0]
	require.NotEmpty(t, first.RoomID)
	assert.Equal(t, "tok-"+first.RoomID, first.MatchToken)
	assert.Equal(t, "gs-int1.game.test", first.Host)
	assert.Equal(t, "NORMAL", first.Mode)
	for _, p := range payloads[1:] {
		assert.Equal(t, first, p, "every group member gets the same handoff")
	}

	// The matched five are promoted once the handoff lands.
	require.Eventually(t, func() bool {
		for i := 1; i <= 5; i++ {
			s, err := q.Session(context.Background(), fmt.Sprintf("u%d", i))
			if err != nil || s == nil || s.Status != queue.StatusInGame {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)

	// The sixth player is untouched and first in line.
	s, err := q.Session(context.Background(), "u6")
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, queue.StatusWaiting, s.Status)

	st, err := hub.PoolStatus(context.Background(), pool)
	require.NoError(t, err)
	assert.EqualValues(t, 1, st.TotalWaiting)
	assert.EqualValues(t, 1, st.CurrentCount)
}
