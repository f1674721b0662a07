package ratelimit

import (
	"fmt"
	"testing"
	"time"

	"github.com/keyfort/keyfort/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupService(t *testing.T) *Service {
	db := testutils.SetupTestDB(t, &Hit{})
	return NewService(db, nil)
}

func TestAdmit(t *testing.T) {
	t.Run("allows up to the limit and denies the next request", func(t *testing.T) {
		service := setupService(t)

		for i := 0; i < 5; i++ {
			decision, err := service.Admit("token:192.0.2.1", 5, time.Minute)
			require.NoError(t, err)
			assert.True(t, decision.Allowed)
			assert.Equal(t, 4-i, decision.Remaining)
		}

		decision, err := service.Admit("token:192.0.2.1", 5, time.Minute)
		require.NoError(t, err)
		assert.False(t, decision.Allowed)
		assert.Equal(t, 0, decision.Remaining)
		assert.False(t, decision.ResetAt.IsZero())
	})

	t.Run("denied requests do not extend the window", func(t *testing.T) {
		service := setupService(t)

		for i := 0; i < 3; i++ {
			_, err := service.Admit("mfa:user-1", 3, time.Minute)
			require.NoError(t, err)
		}

		for i := 0; i < 10; i++ {
			decision, err := service.Admit("mfa:user-1", 3, time.Minute)
			require.NoError(t, err)
			assert.False(t, decision.Allowed)
		}

		var count int64
		require.NoError(t, service.db.Model(&Hit{}).Count(&count).Error)
		assert.Equal(t, int64(3), count)
	})

	t.Run("requests are admitted again once the window slides past", func(t *testing.T) {
		service := setupService(t)

		base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
		service.now = func() time.Time { return base }

		for i := 0; i < 5; i++ {
			decision, err := service.Admit("token:user-1", 5, time.Minute)
			require.NoError(t, err)
			require.True(t, decision.Allowed)
		}

		decision, err := service.Admit("token:user-1", 5, time.Minute)
		require.NoError(t, err)
		assert.False(t, decision.Allowed)
		assert.Equal(t, base.Add(time.Minute), decision.ResetAt)

		service.now = func() time.Time { return base.Add(61 * time.Second) }

		decision, err = service.Admit("token:user-1", 5, time.Minute)
		require.NoError(t, err)
		assert.True(t, decision.Allowed)
	})

	t.Run("principals are isolated from each other", func(t *testing.T) {
		service := setupService(t)

		for i := 0; i < 2; i++ {
			_, err := service.Admit("token:192.0.2.1", 2, time.Minute)
			require.NoError(t, err)
		}

		blocked, err := service.Admit("token:192.0.2.1", 2, time.Minute)
		require.NoError(t, err)
		assert.False(t, blocked.Allowed)

		other, err := service.Admit("token:192.0.2.2", 2, time.Minute)
		require.NoError(t, err)
		assert.True(t, other.Allowed)
	})

	t.Run("rejects non-positive limit or window", func(t *testing.T) {
		service := setupService(t)

		_, err := service.Admit("token:user-1", 0, time.Minute)
		testutils.AssertErrorType(t, ErrInvalidLimit, err)

		_, err = service.Admit("token:user-1", 5, 0)
		testutils.AssertErrorType(t, ErrInvalidLimit, err)
	})
}

func TestReset(t *testing.T) {
	service := setupService(t)

	for i := 0; i < 3; i++ {
		_, err := service.Admit("mfa:user-1", 3, time.Minute)
		require.NoError(t, err)
	}

	blocked, err := service.Admit("mfa:user-1", 3, time.Minute)
	require.NoError(t, err)
	require.False(t, blocked.Allowed)

	require.NoError(t, service.Reset("mfa:user-1"))

	decision, err := service.Admit("mfa:user-1", 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Equal(t, 2, decision.Remaining)
}

func TestSweepExpired(t *testing.T) {
	t.Run("deletes only expired hits", func(t *testing.T) {
		service := setupService(t)

		base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
		service.now = func() time.Time { return base }

		_, err := service.Admit("token:user-1", 10, time.Minute)
		require.NoError(t, err)
		_, err = service.Admit("token:user-2", 10, time.Hour)
		require.NoError(t, err)

		service.now = func() time.Time { return base.Add(2 * time.Minute) }

		deleted, err := service.SweepExpired(100)
		require.NoError(t, err)
		assert.Equal(t, int64(1), deleted)

		var remaining int64
		require.NoError(t, service.db.Model(&Hit{}).Count(&remaining).Error)
		assert.Equal(t, int64(1), remaining)
	})

	t.Run("works through multiple batches", func(t *testing.T) {
		service := setupService(t)

		base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
		service.now = func() time.Time { return base }

		for i := 0; i < 25; i++ {
			_, err := service.Admit(fmt.Sprintf("token:user-%d", i), 5, time.Minute)
			require.NoError(t, err)
		}

		service.now = func() time.Time { return base.Add(2 * time.Minute) }

		deleted, err := service.SweepExpired(10)
		require.NoError(t, err)
		assert.Equal(t, int64(25), deleted)

		var remaining int64
		require.NoError(t, service.db.Model(&Hit{}).Count(&remaining).Error)
		assert.Zero(t, remaining)
	})
}
