package reconciliation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/roamlink/portal/lifecycle-processor/models"
	"github.com/roamlink/portal/lifecycle-processor/utils"
)

type CoordinatorConfig struct {
	FailureThreshold    int
	MaxRecoveryAttempts int
	RecoveryCooldown    time.Duration
	SweepInterval       time.Duration
}

// RecoveryFunc dispatches a scoped reconciliation for one endpoint. It must
// stay bounded: a recovery attempt never turns into a full resync.
type RecoveryFunc func(ctx context.Context, endpointID string) utils.Result[ReconciliationStats]

// WebhookReliabilityCoordinator tracks per-endpoint delivery health and
// drives bounded recovery. An endpoint moves to recovery mode once its
// consecutive failures reach the threshold, gets a capped number of recovery
// attempts with a cooldown between them, and leaves recovery on the first
// successful delivery.
type WebhookReliabilityCoordinator struct {
	logger   *slog.Logger
	config   CoordinatorConfig
	clock    clock.Clock
	recovery RecoveryFunc
	store    models.PatternPersister
	flagger  models.Flagger

	mutex    sync.Mutex
	patterns map[string]*models.WebhookFailurePattern
}

func NewWebhookReliabilityCoordinator(
	logger *slog.Logger,
	coordinatorConfig CoordinatorConfig,
	clk clock.Clock,
	recovery RecoveryFunc,
	store models.PatternPersister,
	flagger models.Flagger,
) *WebhookReliabilityCoordinator {
	return &WebhookReliabilityCoordinator{
		logger:   logger,
		config:   coordinatorConfig,
		clock:    clk,
		recovery: recovery,
		store:    store,
		flagger:  flagger,
		patterns: make(map[string]*models.WebhookFailurePattern),
	}
}

// RecordFailure notes a failed delivery for the endpoint. Reaching the
// failure threshold while not already recovering puts the endpoint in
// recovery mode and triggers the first recovery attempt.
func (coordinator *WebhookReliabilityCoordinator) RecordFailure(ctx context.Context, endpointID string, occurredAt time.Time) {
	coordinator.mutex.Lock()
	defer coordinator.mutex.Unlock()

	pattern, tracked := coordinator.patterns[endpointID]
	if !tracked {
		pattern = &models.WebhookFailurePattern{Endpoint: endpointID}
		coordinator.patterns[endpointID] = pattern
	}

	// A fresh streak restarts the first-failure stamp.
	if pattern.ConsecutiveFailures == 0 {
		pattern.FirstFailureAt = occurredAt
	}

	pattern.ConsecutiveFailures++
	pattern.LastFailureAt = occurredAt

	shouldTrigger := pattern.ConsecutiveFailures >= coordinator.config.FailureThreshold && !pattern.RecoveryMode
	if shouldTrigger {
		pattern.RecoveryMode = true
		coordinator.logger.Warn(
			"Webhook endpoint entered recovery mode",
			slog.String("endpoint", endpointID),
			slog.Int("consecutive_failures", pattern.ConsecutiveFailures),
		)
	}

	coordinator.persist(pattern)

	if shouldTrigger {
		coordinator.triggerRecovery(ctx, pattern)
	}
}

// RecordRecovery notes a successful delivery: counters reset and recovery
// mode clears. The last-failure stamp survives so the safety net can still
// measure how long the endpoint has been healthy.
func (coordinator *WebhookReliabilityCoordinator) RecordRecovery(endpointID string) {
	coordinator.mutex.Lock()
	defer coordinator.mutex.Unlock()

	pattern, tracked := coordinator.patterns[endpointID]
	if !tracked {
		return
	}

	wasRecovering := pattern.RecoveryMode

	pattern.ConsecutiveFailures = 0
	pattern.RecoveryAttempts = 0
	pattern.RecoveryMode = false

	coordinator.persist(pattern)

	if wasRecovering {
		coordinator.logger.Info("Webhook endpoint recovered", slog.String("endpoint", endpointID))
	}
}

// triggerRecovery starts one bounded recovery attempt. Callers must hold the
// mutex. The reconciliation itself runs on its own goroutine so event
// processing never blocks on provider calls.
func (coordinator *WebhookReliabilityCoordinator) triggerRecovery(ctx context.Context, pattern *models.WebhookFailurePattern) {
	if pattern.RecoveryAttempts >= coordinator.config.MaxRecoveryAttempts {
		coordinator.logger.Error(
			"Recovery attempts exhausted, endpoint stays degraded",
			slog.String("endpoint", pattern.Endpoint),
			slog.Int("attempts", pattern.RecoveryAttempts),
		)

		if coordinator.flagger != nil {
			if err := coordinator.flagger.Flag(pattern.Endpoint); err != nil {
				coordinator.logger.Error("Failed to flag degraded endpoint", slog.String("endpoint", pattern.Endpoint), slog.String("error", err.Error()))
			}
		}
		return
	}

	pattern.RecoveryAttempts++
	coordinator.persist(pattern)

	endpointID := pattern.Endpoint
	attempt := pattern.RecoveryAttempts

	coordinator.logger.Info(
		"Triggering endpoint recovery",
		slog.String("endpoint", endpointID),
		slog.Int("attempt", attempt),
		slog.Int("max_attempts", coordinator.config.MaxRecoveryAttempts),
	)

	go func() {
		result := coordinator.recovery(ctx, endpointID)
		if result.Failure() {
			coordinator.logger.Error(
				"Endpoint recovery attempt failed",
				slog.String("endpoint", endpointID),
				slog.Int("attempt", attempt),
				slog.String("error", result.ErrorMsg()),
			)

			if result.IsCapturable() {
				utils.CaptureErrorResult(result)
			}
			return
		}

		stats := result.Value()
		coordinator.logger.Info(
			"Endpoint recovery attempt finished",
			slog.String("endpoint", endpointID),
			slog.Int("attempt", attempt),
			slog.Int("checked", stats.Checked),
			slog.Int("corrected", stats.Corrected),
			slog.Int("failed", stats.Failed),
		)
	}()
}

// Sweep re-attempts recovery for endpoints stuck in recovery mode whose last
// failure is older than the cooldown.
func (coordinator *WebhookReliabilityCoordinator) Sweep(ctx context.Context) {
	coordinator.mutex.Lock()
	defer coordinator.mutex.Unlock()

	now := coordinator.clock.Now()

	for _, pattern := range coordinator.patterns {
		if !pattern.RecoveryMode {
			continue
		}

		if now.Sub(pattern.LastFailureAt) >= coordinator.config.RecoveryCooldown {
			coordinator.triggerRecovery(ctx, pattern)
		}
	}
}

// StartSweeping runs the periodic sweep until the context ends.
func (coordinator *WebhookReliabilityCoordinator) StartSweeping(ctx context.Context) {
	ticker := coordinator.clock.Ticker(coordinator.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			coordinator.Sweep(ctx)
		}
	}
}

// Snapshot returns a copy of every tracked pattern.
func (coordinator *WebhookReliabilityCoordinator) Snapshot() []models.WebhookFailurePattern {
	coordinator.mutex.Lock()
	defer coordinator.mutex.Unlock()

	patterns := make([]models.WebhookFailurePattern, 0, len(coordinator.patterns))
	for _, pattern := range coordinator.patterns {
		patterns = append(patterns, *pattern)
	}

	return patterns
}

// Restore seeds the in-memory patterns, typically from the persisted
// snapshot at startup.
func (coordinator *WebhookReliabilityCoordinator) Restore(patterns []models.WebhookFailurePattern) {
	coordinator.mutex.Lock()
	defer coordinator.mutex.Unlock()

	for _, pattern := range patterns {
		restored := pattern
		coordinator.patterns[pattern.Endpoint] = &restored
	}
}

// Discard drops an endpoint's pattern from memory and from the persisted
// snapshot.
func (coordinator *WebhookReliabilityCoordinator) Discard(endpointID string) {
	coordinator.mutex.Lock()
	defer coordinator.mutex.Unlock()

	delete(coordinator.patterns, endpointID)

	if coordinator.store != nil {
		if err := coordinator.store.Delete(endpointID); err != nil {
			coordinator.logger.Warn("Failed to drop persisted failure pattern", slog.String("endpoint", endpointID), slog.String("error", err.Error()))
		}
	}
}

func (coordinator *WebhookReliabilityCoordinator) persist(pattern *models.WebhookFailurePattern) {
	if coordinator.store == nil {
		return
	}

	if err := coordinator.store.Save(pattern); err != nil {
		coordinator.logger.Warn("Failed to persist failure pattern", slog.String("endpoint", pattern.Endpoint), slog.String("error", err.Error()))
	}
}
