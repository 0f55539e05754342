package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewManagerRejectsEmptySecret(t *testing.T) {
	_, err := NewManager("", time.Hour)
	assert.Error(t, err)
}

func TestIssueAndValidateRoundTrip(t *testing.T) {
	m, err := NewManager("test-secret", time.Hour)
	require.NoError(t, err)

	sessionID, err := NewSessionID()
	require.NoError(t, err)

	token, expiresAt, err := m.Issue(sessionID)
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.Greater(t, expiresAt, time.Now().Unix())

	claims, err := m.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, sessionID, claims.SessionID)
}

func TestValidateRejectsGarbageToken(t *testing.T) {
	m, err := NewManager("test-secret", time.Hour)
	require.NoError(t, err)
	_, err = m.Validate("not-a-real-token")
	assert.Error(t, err)
}

func TestValidateRejectsWrongSecret(t *testing.T) {
	a, err := NewManager("secret-a", time.Hour)
	require.NoError(t, err)
	b, err := NewManager("secret-b", time.Hour)
	require.NoError(t, err)

	token, _, err := a.Issue("session-1")
	require.NoError(t, err)

	_, err = b.Validate(token)
	assert.Error(t, err)
}

func TestTryAcquireBlocksConcurrentUseOfSameSession(t *testing.T) {
	m, err := NewManager("test-secret", time.Hour)
	require.NoError(t, err)

	assert.True(t, m.TryAcquire("session-1"))
	assert.False(t, m.TryAcquire("session-1"))
	assert.True(t, m.Busy("session-1"))

	m.Release("session-1")
	assert.False(t, m.Busy("session-1"))
	assert.True(t, m.TryAcquire("session-1"))
}

func TestTryAcquireIndependentAcrossSessions(t *testing.T) {
	m, err := NewManager("test-secret", time.Hour)
	require.NoError(t, err)

	assert.True(t, m.TryAcquire("session-1"))
	assert.True(t, m.TryAcquire("session-2"))
}
