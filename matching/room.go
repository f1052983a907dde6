package matching

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// RoomClient asks an allocated game server to pre-create the room (and its
// bots) before players are pointed at it.
type RoomClient struct {
	hc *http.Client
}

func NewRoomClient(timeout time.Duration) *RoomClient {
	return &RoomClient{hc: &http.Client{Timeout: timeout}}
}

type createRoomRequest struct {
	RoomID     string   `json:"roomId"`
	Users      []string `json:"users"`
	MaxPlayers int      `json:"maxPlayers"`
	Mode       string   `json:"mode"`
}

func (c *RoomClient) CreateRoom(ctx context.Context, address string, port int32, roomID string, users []string, maxPlayers int, mode string) error {
	body, err := json.Marshal(createRoomRequest{
		RoomID:     roomID,
		Users:      users,
		MaxPlayers: maxPlayers,
		Mode:       mode,
	})
	if err != nil {
		return err
	}
	url := fmt.Sprintf("http://%s:%d/internal/room", address, port)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("create room %s on %s: %w", roomID, url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("create room %s: game server returned %d", roomID, resp.StatusCode)
	}
	return nil
}
