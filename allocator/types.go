// Package allocator reserves a ready game server process from the Agones
// fleet for one matched group. Capacity exhaustion is a first-class outcome,
// not an error: under load the scheduler rolls the group back and retries on
// a later tick without alarming.
package allocator

import (
	"context"
	"errors"
	"strconv"
	"strings"
)

var (
	// ErrNoCapacity: the fleet has no ready game server. Expected under
	// load; the caller defers, it does not fail.
	ErrNoCapacity = errors.New("no game server capacity")
	// ErrBadResponse: the allocator reported success but the response
	// carried no resolvable address, port or name. A contract mismatch,
	// logged at error severity.
	ErrBadResponse = errors.New("unparseable allocation response")
)

// GameServer is one allocated process, held only long enough to publish a
// DNS name and mint a token. The fleet manager owns its lifecycle.
type GameServer struct {
	Name    string
	Address string
	Port    int32
}

// Request carries the fleet selector plus observability metadata attached to
// the allocated server as annotations.
type Request struct {
	Fleet    string
	RoomID   string
	UserIDs  []string
	BotCount int
}

// Client is the fleet allocation boundary.
type Client interface {
	Allocate(ctx context.Context, req Request) (*GameServer, error)
}

const fleetLabel = "agones.dev/fleet"

func (r Request) annotations() map[string]string {
	return map[string]string{
		"match.dev/room-id":   r.RoomID,
		"match.dev/user-ids":  strings.Join(r.UserIDs, ","),
		"match.dev/bot-count": strconv.Itoa(r.BotCount),
	}
}

type taggedAddress struct {
	Type    string
	Address string
}

// resolveAddress picks the externally reachable address: an explicit
// ExternalIP wins, then ExternalDNS, then whatever the generic address field
// holds. Empty means the response is unusable.
func resolveAddress(tagged []taggedAddress, generic string) string {
	for _, a := range tagged {
		if a.Type == "ExternalIP" && a.Address != "" {
			return a.Address
		}
	}
	for _, a := range tagged {
		if a.Type == "ExternalDNS" && a.Address != "" {
			return a.Address
		}
	}
	return generic
}
