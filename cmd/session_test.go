package cmd

import (
	"context"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/cmdassist/internal/models"
	"github.com/joescharf/cmdassist/internal/store"
)

// seedSessions saves a finished, a waiting, and an old finished session.
func seedSessions(t *testing.T) (done, waiting, old *models.Session) {
	t.Helper()
	now := time.Now().UTC()
	done = &models.Session{
		ID: store.NewID(), UserPrompt: "list files", GeneratedCommand: "ls -la",
		CommandOutput: "total 0\n", State: models.StateDone, MaxRetries: 3,
		Attempts: []models.Attempt{
			{Command: "lss", Error: "sh: lss: not found", ExitCode: 127, StartedAt: now, Duration: 5 * time.Millisecond},
			{Command: "ls -la", Output: "total 0\n", StartedAt: now, Duration: 3 * time.Millisecond},
		},
		RetryCount: 1, CreatedAt: now, UpdatedAt: now,
	}
	waiting = &models.Session{
		ID: store.NewID(), UserPrompt: "disk usage", GeneratedCommand: "df -h",
		State: models.StateAwaitingApproval, MaxRetries: 3, CreatedAt: now, UpdatedAt: now,
	}
	old = &models.Session{
		ID: store.NewID(), UserPrompt: "old one", GeneratedCommand: "true",
		State: models.StateCancelled, MaxRetries: 3,
		CreatedAt: now.Add(-30 * 24 * time.Hour), UpdatedAt: now.Add(-30 * 24 * time.Hour),
	}
	require.NoError(t, withStore(context.Background(), func(ctx context.Context, s store.Store) error {
		for _, sess := range []*models.Session{done, waiting, old} {
			if err := s.Save(ctx, sess); err != nil {
				return err
			}
		}
		return nil
	}))
	return done, waiting, old
}

func resetSessionFlags(t *testing.T) {
	t.Cleanup(func() {
		sessionState = ""
		sessionLimit = 50
		sessionOlder = 7 * 24 * time.Hour
		sessionAllState = false
	})
}

func TestSessionList(t *testing.T) {
	_, out := testEnvOutput(t)
	resetSessionFlags(t)
	done, waiting, _ := seedSessions(t)

	require.NoError(t, sessionListRun(context.Background()))
	assert.Contains(t, out.String(), done.ID)
	assert.Contains(t, out.String(), waiting.ID)
	assert.Contains(t, out.String(), "df -h")

	out.Reset()
	sessionState = string(models.StateAwaitingApproval)
	require.NoError(t, sessionListRun(context.Background()))
	assert.Contains(t, out.String(), waiting.ID)
	assert.NotContains(t, out.String(), done.ID)
}

func TestSessionList_Empty(t *testing.T) {
	_, out := testEnvOutput(t)
	resetSessionFlags(t)

	require.NoError(t, sessionListRun(context.Background()))
	assert.Contains(t, out.String(), "No sessions found.")
}

func TestSessionList_UnknownState(t *testing.T) {
	testEnv(t)
	resetSessionFlags(t)
	sessionState = "sleeping"

	err := sessionListRun(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown state")
}

func TestSessionShow(t *testing.T) {
	_, out := testEnvOutput(t)
	done, waiting, _ := seedSessions(t)

	require.NoError(t, sessionShowRun(context.Background(), done.ID))
	text := out.String()
	assert.Contains(t, text, "list files")
	assert.Contains(t, text, "ls -la")
	assert.Contains(t, text, "1 of 3")
	assert.Contains(t, text, "sh: lss: not found")

	out.Reset()
	require.NoError(t, sessionShowRun(context.Background(), waiting.ID))
	assert.Contains(t, out.String(), "approve/reject/cancel")
}

func TestSessionShow_NotFound(t *testing.T) {
	testEnv(t)

	err := sessionShowRun(context.Background(), "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSessionDelete(t *testing.T) {
	testEnv(t)
	done, _, _ := seedSessions(t)

	require.NoError(t, sessionDeleteRun(context.Background(), done.ID))
	err := withStore(context.Background(), func(ctx context.Context, s store.Store) error {
		_, err := s.Load(ctx, done.ID)
		return err
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSessionPurge(t *testing.T) {
	testEnv(t)
	resetSessionFlags(t)
	done, waiting, old := seedSessions(t)

	require.NoError(t, sessionPurgeRun(context.Background()))

	require.NoError(t, withStore(context.Background(), func(ctx context.Context, s store.Store) error {
		_, err := s.Load(ctx, old.ID)
		assert.ErrorIs(t, err, store.ErrNotFound)
		_, err = s.Load(ctx, done.ID)
		assert.NoError(t, err)
		_, err = s.Load(ctx, waiting.ID)
		assert.NoError(t, err)
		return nil
	}))
}

func TestFindSession_Prefix(t *testing.T) {
	testEnv(t)
	viper.Set("store.backend", store.BackendMemory)

	err := withStore(context.Background(), func(ctx context.Context, s store.Store) error {
		a := &models.Session{ID: "01AAAAAAAAAAAAAAAAAAAAAAA1", State: models.StateDone}
		b := &models.Session{ID: "01AAAAAAAAAAAAAAAAAAAAAAB2", State: models.StateDone}
		require.NoError(t, s.Save(ctx, a))
		require.NoError(t, s.Save(ctx, b))

		got, err := findSession(ctx, s, "01aaaaaaaaaaaaaaaaaaaaaaa1")
		require.NoError(t, err)
		assert.Equal(t, a.ID, got.ID)

		got, err = findSession(ctx, s, "01AAAAAAAAAAAAAAAAAAAAAAB")
		require.NoError(t, err)
		assert.Equal(t, b.ID, got.ID)

		_, err = findSession(ctx, s, "01AAAA")
		assert.ErrorContains(t, err, "ambiguous")

		_, err = findSession(ctx, s, "ZZ")
		assert.ErrorIs(t, err, store.ErrNotFound)
		return nil
	})
	require.NoError(t, err)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
	assert.Equal(t, "first", truncate("first\nsecond", 10))
}
