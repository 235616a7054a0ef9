package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wesm/github-mirror/config"
)

func newManager() *Manager {
	return NewManager(config.SessionConfig{
		SecretKey: "0123456789abcdef0123456789abcdef",
		Issuer:    "github-mirror",
		TTL:       config.Duration(30 * time.Minute),
	})
}

func TestIssueAndValidate(t *testing.T) {
	m := newManager()

	token, err := m.Issue(17)
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	id, err := m.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, int64(17), id)
}

func TestValidateExpired(t *testing.T) {
	m := newManager()
	issued := time.Now().Add(-time.Hour)
	m.now = func() time.Time { return issued }

	token, err := m.Issue(17)
	require.NoError(t, err)

	m.now = time.Now
	_, err = m.Validate(token)
	assert.ErrorIs(t, err, ErrInvalidSession)
}

func TestValidateWrongSecret(t *testing.T) {
	token, err := newManager().Issue(17)
	require.NoError(t, err)

	other := NewManager(config.SessionConfig{SecretKey: "another-secret-key-entirely", Issuer: "github-mirror"})
	_, err = other.Validate(token)
	assert.ErrorIs(t, err, ErrInvalidSession)
}

func TestValidateGarbage(t *testing.T) {
	m := newManager()
	for _, credential := range []string{"", "not-a-token", "a.b.c"} {
		_, err := m.Validate(credential)
		assert.ErrorIs(t, err, ErrInvalidSession, credential)
	}
}

func TestValidateWrongIssuer(t *testing.T) {
	token, err := NewManager(config.SessionConfig{
		SecretKey: "0123456789abcdef0123456789abcdef",
		Issuer:    "someone-else",
	}).Issue(17)
	require.NoError(t, err)

	_, err = newManager().Validate(token)
	assert.ErrorIs(t, err, ErrInvalidSession)
}
