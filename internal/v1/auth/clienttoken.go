package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ClientClaims binds a minted client token to the session it was issued
// for. The compact JWT string itself is handed to the client as its
// opaque clientId -- using it against a different session fails
// verification, since the Code claim is checked against the session the
// token is presented to. That makes session-scoping cryptographically
// enforced rather than merely conventional.
type ClientClaims struct {
	Code string `json:"code"`
	jwt.RegisteredClaims
}

// clientTokenTTL bounds how long a minted clientId remains valid. It is
// sized to outlast any realistic single multiplayer session (so a player
// idle in a lobby or mid-match never gets silently logged out) while
// still expiring a token a client hangs onto long after the session it
// was minted for is gone.
const clientTokenTTL = 24 * time.Hour

// MintClientToken issues a new clientId for a member joining the session
// identified by code. The returned string is opaque to callers and, as a
// compact HS256 JWT, is always well over the minimum length expected of
// an opaque session token.
func MintClientToken(secret, code string) (string, error) {
	now := time.Now()
	claims := ClientClaims{
		Code: code,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(clientTokenTTL)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign client token: %w", err)
	}
	return signed, nil
}

// VerifyClientToken checks that clientID is a clientId minted by this
// process for the given session code. It returns an error for a bad
// signature, a malformed or expired token, or a code mismatch -- the ways
// a Connection Endpoint handshake can present a token that doesn't belong
// to this session.
func VerifyClientToken(secret, code, clientID string) error {
	claims := &ClientClaims{}
	token, err := jwt.ParseWithClaims(clientID, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return fmt.Errorf("invalid client token: %w", err)
	}
	if !token.Valid {
		return errors.New("client token is invalid")
	}
	if claims.Code != code {
		return errors.New("client token is not bound to this session")
	}
	return nil
}
