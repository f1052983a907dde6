// Package auth verifies the opaque login tokens presented on the websocket
// handshake and the status endpoint. Identity issuance lives elsewhere; this
// service only consumes a user id and nickname.
package auth

import (
	"errors"

	"github.com/golang-jwt/jwt/v5"
)

var ErrUnauthorized = errors.New("unauthorized")

// Identity is the authenticated caller extracted from an access token.
type Identity struct {
	UserID   string
	Nickname string
}

type accessClaims struct {
	Nickname string `json:"nickname"`
	jwt.RegisteredClaims
}

type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

func (v *Verifier) Verify(tokenString string) (*Identity, error) {
	if len(v.secret) == 0 || tokenString == "" {
		return nil, ErrUnauthorized
	}
	claims := &accessClaims{}
	tok, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrUnauthorized
		}
		return v.secret, nil
	})
	if err != nil || !tok.Valid || claims.Subject == "" {
		return nil, ErrUnauthorized
	}
	return &Identity{UserID: claims.Subject, Nickname: claims.Nickname}, nil
}
