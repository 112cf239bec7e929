package websocket

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenRoundTrip(t *testing.T) {
	secret := []byte("s3cret")
	token, err := GenerateToken("alice", secret, time.Minute)
	require.NoError(t, err)

	participantID, err := ParticipantFromToken(token, secret)
	require.NoError(t, err)
	assert.Equal(t, "alice", participantID)
}

func TestTokenWithoutParticipantIsInvalid(t *testing.T) {
	secret := []byte("s3cret")
	token, err := GenerateToken("", secret, time.Minute)
	require.NoError(t, err)

	_, err = ParticipantFromToken(token, secret)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestExpiredTokenIsInvalid(t *testing.T) {
	secret := []byte("s3cret")
	token, err := GenerateToken("alice", secret, -time.Minute)
	require.NoError(t, err)

	_, err = ParticipantFromToken(token, secret)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
