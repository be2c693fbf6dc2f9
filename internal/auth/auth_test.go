package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slotbid/gpu-scheduler/internal/models"
)

func TestPasswordHashRoundTrip(t *testing.T) {
	salt, hash, err := HashPassword("s3cret", "")
	require.NoError(t, err)
	require.NotEmpty(t, salt)
	require.NotEmpty(t, hash)

	user := &models.User{Username: "alice", Salt: salt, PasswordHash: hash}
	assert.True(t, VerifyPassword("s3cret", user))
	assert.False(t, VerifyPassword("wrong", user))
}

func TestHashPasswordIsDeterministicPerSalt(t *testing.T) {
	salt1, hash1, err := HashPassword("pw", "")
	require.NoError(t, err)
	_, hash2, err := HashPassword("pw", salt1)
	require.NoError(t, err)
	assert.Equal(t, hash1, hash2)

	salt3, hash3, err := HashPassword("pw", "")
	require.NoError(t, err)
	assert.NotEqual(t, salt1, salt3)
	assert.NotEqual(t, hash1, hash3)
}

func TestHashPasswordRejectsBadSalt(t *testing.T) {
	_, _, err := HashPassword("pw", "zz-not-hex")
	assert.Error(t, err)
}

func TestSessionLifecycle(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	m := NewSessionManager(time.Hour, func() time.Time { return now })

	token := m.Create("alice")
	username, ok := m.Resolve(token)
	require.True(t, ok)
	assert.Equal(t, "alice", username)

	// Resolving renews the session, so repeated use keeps it alive.
	now = now.Add(45 * time.Minute)
	_, ok = m.Resolve(token)
	require.True(t, ok)
	now = now.Add(45 * time.Minute)
	_, ok = m.Resolve(token)
	require.True(t, ok)

	// Idle past the TTL expires it.
	now = now.Add(2 * time.Hour)
	_, ok = m.Resolve(token)
	assert.False(t, ok)
}

func TestSessionDestroyAndSweep(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	m := NewSessionManager(time.Hour, func() time.Time { return now })

	t1 := m.Create("alice")
	m.Create("bob")

	m.Destroy(t1)
	_, ok := m.Resolve(t1)
	assert.False(t, ok)

	now = now.Add(3 * time.Hour)
	assert.Equal(t, 1, m.Sweep())
}
