package auth

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speckitty/speckitty/internal/emitter"
)

func newTestStore(t *testing.T, pending PendingFunc) *Store {
	t.Helper()
	return NewStore(filepath.Join(t.TempDir(), "credentials.json"), pending)
}

func creds(server, user string) Credentials {
	return Credentials{
		ServerURL:   server,
		Username:    user,
		TeamSlug:    "team-a",
		AccessToken: "tok-" + user,
	}
}

func TestStore_SaveAndLoad(t *testing.T) {
	s := newTestStore(t, nil)

	_, err := s.Load()
	assert.ErrorIs(t, err, ErrNotLoggedIn)

	require.NoError(t, s.Save(creds("https://kitty.example.com", "alice"), false))

	loaded, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, "alice", loaded.Username)
	assert.Equal(t, "tok-alice", loaded.AccessToken)
	assert.False(t, loaded.ObtainedAt.IsZero(), "ObtainedAt should be stamped")
}

func TestStore_SaveRejectsIncomplete(t *testing.T) {
	s := newTestStore(t, nil)
	err := s.Save(Credentials{Username: "alice"}, false)
	assert.ErrorContains(t, err, "server_url")
}

func TestStore_ScopeSwitchBlockedByPendingEvents(t *testing.T) {
	var checked emitter.Scope
	s := newTestStore(t, func(scope emitter.Scope) (bool, error) {
		checked = scope
		return true, nil
	})
	require.NoError(t, s.Save(creds("https://kitty.example.com", "alice"), false))

	err := s.Save(creds("https://kitty.example.com", "bob"), false)
	require.ErrorIs(t, err, ErrPendingPreviousScope)
	assert.Equal(t, "alice", checked.Username, "guard checks the previous scope")

	// The previous account's tokens survive the refused switch.
	loaded, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, "alice", loaded.Username)
}

func TestStore_ScopeSwitchForced(t *testing.T) {
	s := newTestStore(t, func(emitter.Scope) (bool, error) { return true, nil })
	require.NoError(t, s.Save(creds("https://kitty.example.com", "alice"), false))

	require.NoError(t, s.Save(creds("https://kitty.example.com", "bob"), true))

	loaded, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, "bob", loaded.Username)
}

func TestStore_SameScopeRefreshAllowedWithPending(t *testing.T) {
	s := newTestStore(t, func(emitter.Scope) (bool, error) { return true, nil })
	first := creds("https://kitty.example.com", "alice")
	require.NoError(t, s.Save(first, false))

	// Token refresh within the same scope never trips the guard.
	refreshed := first
	refreshed.AccessToken = "tok-rotated"
	refreshed.ObtainedAt = time.Now().UTC()
	require.NoError(t, s.Save(refreshed, false))

	loaded, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, "tok-rotated", loaded.AccessToken)
}

func TestStore_PendingCheckErrorAllowsSwitch(t *testing.T) {
	s := newTestStore(t, func(emitter.Scope) (bool, error) {
		return false, errors.New("queue unavailable")
	})
	require.NoError(t, s.Save(creds("https://kitty.example.com", "alice"), false))
	require.NoError(t, s.Save(creds("https://kitty.example.com", "bob"), false))
}

func TestStore_Clear(t *testing.T) {
	s := newTestStore(t, nil)
	require.NoError(t, s.Save(creds("https://kitty.example.com", "alice"), false))
	require.NoError(t, s.Clear())
	_, err := s.Load()
	assert.ErrorIs(t, err, ErrNotLoggedIn)

	// Clearing twice is fine.
	require.NoError(t, s.Clear())
}
