package models

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/roamlink/portal/lifecycle-processor/config/redis"
)

// WebhookFailurePattern tracks the delivery health of a single webhook
// endpoint: how many consecutive deliveries failed, when the streak started,
// and how far recovery has progressed.
type WebhookFailurePattern struct {
	Endpoint            string    `json:"endpoint"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	FirstFailureAt      time.Time `json:"first_failure_at"`
	LastFailureAt       time.Time `json:"last_failure_at"`
	RecoveryAttempts    int       `json:"recovery_attempts"`
	RecoveryMode        bool      `json:"recovery_mode"`
}

// PatternPersister stores failure patterns outside the process so a restart
// resumes recovery where the previous run left off.
type PatternPersister interface {
	Save(pattern *WebhookFailurePattern) error
	Delete(endpoint string) error
	LoadAll() ([]WebhookFailurePattern, error)
}

const patternHashKey string = "lifecycle:webhook_failure_patterns"

type PatternStore struct {
	key     string
	context context.Context
	db      *redis.RedisDB
	logger  *slog.Logger
}

func NewPatternStore(ctx context.Context, redis *redis.RedisDB, logger *slog.Logger) *PatternStore {
	return &PatternStore{
		key:     patternHashKey,
		context: ctx,
		db:      redis,
		logger:  logger,
	}
}

func (store *PatternStore) Save(pattern *WebhookFailurePattern) error {
	encoded, err := json.Marshal(pattern)
	if err != nil {
		return err
	}

	result := store.db.Client.HSet(store.context, store.key, pattern.Endpoint, encoded)
	return result.Err()
}

func (store *PatternStore) Delete(endpoint string) error {
	result := store.db.Client.HDel(store.context, store.key, endpoint)
	return result.Err()
}

// LoadAll returns every persisted pattern. Entries that fail to decode are
// logged and skipped rather than blocking startup.
func (store *PatternStore) LoadAll() ([]WebhookFailurePattern, error) {
	entries, err := store.db.Client.HGetAll(store.context, store.key).Result()
	if err != nil {
		return nil, err
	}

	patterns := make([]WebhookFailurePattern, 0, len(entries))
	for endpoint, encoded := range entries {
		var pattern WebhookFailurePattern
		if err := json.Unmarshal([]byte(encoded), &pattern); err != nil {
			store.logger.Warn("Discarding undecodable failure pattern", slog.String("endpoint", endpoint), slog.String("error", err.Error()))
			continue
		}
		patterns = append(patterns, pattern)
	}

	return patterns, nil
}

func (store *PatternStore) Close() error {
	return store.db.Client.Close()
}
