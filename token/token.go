// Package token mints and verifies the short-lived match tokens that
// authorize a matched group's handoff to its allocated game server. Tokens
// are self-contained: the game server validates signature and expiry alone,
// with no session lookup back into this service.
package token

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalid: bad signature or malformed claims. Log-worthy; a
	// well-behaved client never presents one.
	ErrInvalid = errors.New("invalid match token")
	// ErrExpired: the token aged out before the client connected. The
	// client simply re-enters the queue.
	ErrExpired = errors.New("expired match token")
)

// MatchClaims binds a room to its member list and mode.
type MatchClaims struct {
	RoomID  string   `json:"roomId"`
	UserIDs []string `json:"userIds"`
	Mode    string   `json:"mode,omitempty"`
	jwt.RegisteredClaims
}

type Issuer struct {
	secret []byte
	ttl    time.Duration
}

func NewIssuer(secret string, ttl time.Duration) *Issuer {
	return &Issuer{secret: []byte(secret), ttl: ttl}
}

// Issue signs a token for the given room and members, valid for the
// configured TTL (seconds, not minutes: it covers only the initial connect).
func (i *Issuer) Issue(roomID string, userIDs []string, mode string) (string, error) {
	now := time.Now()
	claims := MatchClaims{
		RoomID:  roomID,
		UserIDs: userIDs,
		Mode:    mode,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
}

// Verify checks signature and expiry, reporting ErrExpired and ErrInvalid as
// distinct outcomes.
func (i *Issuer) Verify(tokenString string) (*MatchClaims, error) {
	claims := &MatchClaims{}
	tok, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalid
		}
		return i.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpired
		}
		return nil, ErrInvalid
	}
	if !tok.Valid || claims.RoomID == "" || len(claims.UserIDs) == 0 {
		return nil, ErrInvalid
	}
	return claims, nil
}
