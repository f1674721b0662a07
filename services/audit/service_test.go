package audit

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/keyfort/keyfort/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupService(t *testing.T) *Service {
	db := testutils.SetupTestDB(t, &Entry{})
	return NewService(db, nil)
}

func TestRecord(t *testing.T) {
	t.Run("persists entry with details", func(t *testing.T) {
		service := setupService(t)

		service.Record(Event{
			UserID:    "user-1",
			SessionID: "session-1",
			Action:    ActionTokenRotated,
			Success:   true,
			IPAddress: "192.0.2.10",
			UserAgent: "test-agent",
			Details:   map[string]any{"token_id": "tok-1"},
		})

		var entries []Entry
		require.NoError(t, service.db.Find(&entries).Error)
		require.Len(t, entries, 1)

		entry := entries[0]
		assert.Equal(t, "user-1", entry.UserID)
		assert.Equal(t, "session-1", entry.SessionID)
		assert.Equal(t, ActionTokenRotated, entry.Action)
		assert.True(t, entry.Success)
		assert.Equal(t, "192.0.2.10", entry.IPAddress)
		assert.False(t, entry.CreatedAt.IsZero())

		var details map[string]any
		require.NoError(t, json.Unmarshal([]byte(entry.Details), &details))
		assert.Equal(t, "tok-1", details["token_id"])
	})

	t.Run("persists entry without details", func(t *testing.T) {
		service := setupService(t)

		service.Record(Event{
			UserID:  "user-1",
			Action:  ActionMFAVerifyFailed,
			Success: false,
		})

		var entry Entry
		require.NoError(t, service.db.First(&entry).Error)
		assert.Equal(t, ActionMFAVerifyFailed, entry.Action)
		assert.False(t, entry.Success)
		assert.Empty(t, entry.Details)
	})

	t.Run("storage failure does not panic or propagate", func(t *testing.T) {
		service := setupService(t)
		require.NoError(t, service.db.Migrator().DropTable(&Entry{}))

		assert.NotPanics(t, func() {
			service.Record(Event{UserID: "user-1", Action: ActionTokenInvalid})
		})
	})
}

func TestListForUser(t *testing.T) {
	service := setupService(t)

	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		ts := base.Add(time.Duration(i) * time.Minute)
		service.now = func() time.Time { return ts }
		service.Record(Event{UserID: "user-1", Action: ActionTokenRotated, Success: true})
	}
	service.Record(Event{UserID: "user-2", Action: ActionSessionCreated, Success: true})

	t.Run("returns newest first", func(t *testing.T) {
		entries, err := service.ListForUser("user-1", 10)

		require.NoError(t, err)
		require.Len(t, entries, 5)
		for i := 1; i < len(entries); i++ {
			assert.False(t, entries[i].CreatedAt.After(entries[i-1].CreatedAt))
		}
	})

	t.Run("respects limit", func(t *testing.T) {
		entries, err := service.ListForUser("user-1", 2)

		require.NoError(t, err)
		assert.Len(t, entries, 2)
	})

	t.Run("filters by user", func(t *testing.T) {
		entries, err := service.ListForUser("user-2", 10)

		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, ActionSessionCreated, entries[0].Action)
	})

	t.Run("defaults limit when non-positive", func(t *testing.T) {
		entries, err := service.ListForUser("user-1", 0)

		require.NoError(t, err)
		assert.Len(t, entries, 5)
	})
}

func TestListForSession(t *testing.T) {
	service := setupService(t)

	service.Record(Event{UserID: "user-1", SessionID: "session-a", Action: ActionTokenRotated, Success: true})
	service.Record(Event{UserID: "user-1", SessionID: "session-b", Action: ActionTokenReuseDetected, Success: false})

	entries, err := service.ListForSession("session-b", 10)

	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ActionTokenReuseDetected, entries[0].Action)
}
