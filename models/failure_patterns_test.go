package models

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roamlink/portal/lifecycle-processor/config/redis"
)

func setupPatternStore(t *testing.T) (*PatternStore, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)

	redisDB, err := redis.NewRedisDB(context.Background(), redis.RedisConfig{Address: mr.Addr()})
	require.NoError(t, err)

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	store := NewPatternStore(context.Background(), redisDB, logger)

	return store, mr
}

func TestPatternStore(t *testing.T) {
	t.Run("should persist and load patterns by endpoint", func(t *testing.T) {
		// Setup
		store, mr := setupPatternStore(t)

		first := WebhookFailurePattern{
			Endpoint:            "https://partner.example.com/webhooks",
			ConsecutiveFailures: 5,
			FirstFailureAt:      time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC),
			LastFailureAt:       time.Date(2026, 8, 20, 10, 15, 0, 0, time.UTC),
			RecoveryAttempts:    1,
			RecoveryMode:        true,
		}
		second := WebhookFailurePattern{
			Endpoint:            "https://other.example.com/hooks",
			ConsecutiveFailures: 2,
			FirstFailureAt:      time.Date(2026, 8, 20, 11, 0, 0, 0, time.UTC),
			LastFailureAt:       time.Date(2026, 8, 20, 11, 5, 0, 0, time.UTC),
		}

		// Execute
		require.NoError(t, store.Save(&first))
		require.NoError(t, store.Save(&second))

		loaded, err := store.LoadAll()

		// Assert
		assert.NoError(t, err)
		assert.ElementsMatch(t, []WebhookFailurePattern{first, second}, loaded)

		stored := mr.HGet("lifecycle:webhook_failure_patterns", first.Endpoint)
		assert.Contains(t, stored, `"consecutive_failures":5`)
	})

	t.Run("should overwrite the pattern of the same endpoint", func(t *testing.T) {
		// Setup
		store, _ := setupPatternStore(t)

		pattern := WebhookFailurePattern{
			Endpoint:            "https://partner.example.com/webhooks",
			ConsecutiveFailures: 1,
			FirstFailureAt:      time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC),
			LastFailureAt:       time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC),
		}
		require.NoError(t, store.Save(&pattern))

		pattern.ConsecutiveFailures = 4
		pattern.LastFailureAt = time.Date(2026, 8, 20, 10, 20, 0, 0, time.UTC)

		// Execute
		require.NoError(t, store.Save(&pattern))
		loaded, err := store.LoadAll()

		// Assert
		assert.NoError(t, err)
		assert.Len(t, loaded, 1)
		assert.Equal(t, 4, loaded[0].ConsecutiveFailures)
	})

	t.Run("should delete the endpoint entry", func(t *testing.T) {
		// Setup
		store, _ := setupPatternStore(t)

		pattern := WebhookFailurePattern{Endpoint: "https://partner.example.com/webhooks", ConsecutiveFailures: 3}
		require.NoError(t, store.Save(&pattern))

		// Execute
		require.NoError(t, store.Delete(pattern.Endpoint))
		loaded, err := store.LoadAll()

		// Assert
		assert.NoError(t, err)
		assert.Empty(t, loaded)
	})

	t.Run("should skip undecodable entries instead of failing startup", func(t *testing.T) {
		// Setup
		store, mr := setupPatternStore(t)

		pattern := WebhookFailurePattern{
			Endpoint:            "https://partner.example.com/webhooks",
			ConsecutiveFailures: 5,
			FirstFailureAt:      time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC),
			LastFailureAt:       time.Date(2026, 8, 20, 10, 15, 0, 0, time.UTC),
		}
		require.NoError(t, store.Save(&pattern))
		mr.HSet("lifecycle:webhook_failure_patterns", "https://corrupt.example.com", "{not json")

		// Execute
		loaded, err := store.LoadAll()

		// Assert
		assert.NoError(t, err)
		assert.Len(t, loaded, 1)
		assert.Equal(t, pattern.Endpoint, loaded[0].Endpoint)
	})

	t.Run("should return an empty list when nothing is stored", func(t *testing.T) {
		// Setup
		store, _ := setupPatternStore(t)

		// Execute
		loaded, err := store.LoadAll()

		// Assert
		assert.NoError(t, err)
		assert.Empty(t, loaded)
	})
}
