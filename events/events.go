// Package events publishes match lifecycle envelopes to Pub/Sub for
// downstream analytics. Publication is best-effort: the matching pipeline
// never blocks or rolls back on a publish failure.
package events

import (
	"context"
	"time"
)

const envelopeVersion = "1.0"

// MatchCreated is emitted after a group's handoff succeeds.
type MatchCreated struct {
	EnvelopeVersion string   `json:"envelopeVersion"`
	Type            string   `json:"type"`
	RoomID          string   `json:"roomId"`
	Pool            string   `json:"pool"`
	Mode            string   `json:"mode"`
	UserIDs         []string `json:"userIds"`
	GameServerName  string   `json:"gameServerName"`
	Host            string   `json:"host"`
	Port            int32    `json:"port"`
	CreatedAt       int64    `json:"createdAt"`
}

// GameFinished is emitted when the game server reports a room's end.
type GameFinished struct {
	EnvelopeVersion string   `json:"envelopeVersion"`
	Type            string   `json:"type"`
	RoomID          string   `json:"roomId"`
	UserIDs         []string `json:"userIds"`
	FinishedAt      int64    `json:"finishedAt"`
}

func NewMatchCreated(roomID, pool, mode string, userIDs []string, serverName, host string, port int32) *MatchCreated {
	return &MatchCreated{
		EnvelopeVersion: envelopeVersion,
		Type:            "match-created",
		RoomID:          roomID,
		Pool:            pool,
		Mode:            mode,
		UserIDs:         userIDs,
		GameServerName:  serverName,
		Host:            host,
		Port:            port,
		CreatedAt:       time.Now().UnixMilli(),
	}
}

func NewGameFinished(roomID string, userIDs []string) *GameFinished {
	return &GameFinished{
		EnvelopeVersion: envelopeVersion,
		Type:            "game-finished",
		RoomID:          roomID,
		UserIDs:         userIDs,
		FinishedAt:      time.Now().UnixMilli(),
	}
}

type Publisher interface {
	PublishMatchCreated(ctx context.Context, ev *MatchCreated) error
	PublishGameFinished(ctx context.Context, ev *GameFinished) error
}

// Nop drops all events. Used when no topic is configured.
type Nop struct{}

func (Nop) PublishMatchCreated(context.Context, *MatchCreated) error { return nil }
func (Nop) PublishGameFinished(context.Context, *GameFinished) error { return nil }
