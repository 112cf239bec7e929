package websocket

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

// ErrInvalidToken is returned when a handshake token fails verification.
var ErrInvalidToken = errors.New("invalid token")

// Claims carries the participant identity inside the handshake token.
type Claims struct {
	jwt.RegisteredClaims
	ParticipantID string `json:"participantId"`
}

// GenerateToken signs an HS256 handshake token for the participant.
func GenerateToken(participantID string, secret []byte, validity time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(validity)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		ParticipantID: participantID,
	})
	return token.SignedString(secret)
}

// ParticipantFromToken verifies the token and returns the participant id.
func ParticipantFromToken(tokenString string, secret []byte) (string, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", errors.Wrap(ErrInvalidToken, err.Error())
	}
	if !token.Valid || claims.ParticipantID == "" {
		return "", ErrInvalidToken
	}
	return claims.ParticipantID, nil
}
