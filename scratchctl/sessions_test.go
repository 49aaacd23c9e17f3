package main

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func testSessionStore(t *testing.T) *SessionStore {
	store, err := OpenSessionStore(filepath.Join(t.TempDir(), "nested", "sessions.db"))
	assert.Equal(t, err, nil)
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func TestSessionStore(t *testing.T) {
	ctx := context.Background()
	store := testSessionStore(t)

	sessions, err := store.List(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(sessions), 0)

	createTime := time.UnixMilli(1700000000000)
	err = store.Put(ctx, &Session{
		Name:       "work",
		Host:       HostScratch,
		Username:   "griffpatch",
		SessionId:  "abc",
		CreateTime: createTime,
	})
	assert.Equal(t, err, nil)
	err = store.Put(ctx, &Session{
		Name:      "alt",
		Host:      HostScratch,
		Username:  "alt_user",
		SessionId: "def",
	})
	assert.Equal(t, err, nil)

	session, err := store.Get(ctx, "work")
	assert.Equal(t, err, nil)
	assert.Equal(t, session.Username, "griffpatch")
	assert.Equal(t, session.SessionId, "abc")
	assert.Equal(t, session.CreateTime.Equal(createTime), true)

	sessions, err = store.List(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(sessions), 2)
	assert.Equal(t, sessions[0].Name, "alt")
	assert.Equal(t, sessions[1].Name, "work")
	assert.Equal(t, sessions[0].CreateTime.IsZero(), false)

	// replace
	err = store.Put(ctx, &Session{
		Name:      "work",
		Host:      HostScratch,
		Username:  "griffpatch",
		SessionId: "xyz",
	})
	assert.Equal(t, err, nil)
	session, err = store.Get(ctx, "work")
	assert.Equal(t, err, nil)
	assert.Equal(t, session.SessionId, "xyz")

	err = store.Remove(ctx, "work")
	assert.Equal(t, err, nil)
	_, err = store.Get(ctx, "work")
	assert.Equal(t, errors.Is(err, ErrSessionNotFound), true)
	err = store.Remove(ctx, "work")
	assert.Equal(t, errors.Is(err, ErrSessionNotFound), true)
}

func TestSessionStoreReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "sessions.db")

	store, err := OpenSessionStore(path)
	assert.Equal(t, err, nil)
	err = store.Put(ctx, &Session{
		Name:      "work",
		Host:      HostScratch,
		Username:  "griffpatch",
		SessionId: "abc",
	})
	assert.Equal(t, err, nil)
	store.Close()

	store, err = OpenSessionStore(path)
	assert.Equal(t, err, nil)
	defer store.Close()
	session, err := store.Get(ctx, "work")
	assert.Equal(t, err, nil)
	assert.Equal(t, session.SessionId, "abc")
}

func TestCloudAuth(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "sessions.db")
	store, err := OpenSessionStore(path)
	assert.Equal(t, err, nil)
	err = store.Put(ctx, &Session{
		Name:      "work",
		Host:      HostScratch,
		Username:  "griffpatch",
		SessionId: "abc",
	})
	assert.Equal(t, err, nil)
	store.Close()

	opts := map[string]any{
		"--sessions": path,
	}

	auth, err := cloudAuth(opts, HostScratch, "work", "")
	assert.Equal(t, err, nil)
	assert.Equal(t, auth.Username, "griffpatch")
	assert.Equal(t, auth.SessionId, "abc")

	_, err = cloudAuth(opts, HostScratch, "missing", "")
	assert.Equal(t, errors.Is(err, ErrSessionNotFound), true)

	auth, err = cloudAuth(opts, HostTurboWarp, "", "")
	assert.Equal(t, err, nil)
	assert.Equal(t, auth.Username, DefaultTurboWarpUsername)
	assert.Equal(t, auth.SessionId, "")

	_, err = cloudAuth(opts, "example", "", "")
	assert.NotEqual(t, err, nil)
}
