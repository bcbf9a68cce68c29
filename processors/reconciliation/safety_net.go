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

type SafetyNetConfig struct {
	ActivationAfter   time.Duration
	DeactivationAfter time.Duration
	EvaluateInterval  time.Duration
	CheckInterval     time.Duration
	Lookback          time.Duration
	BatchLimit        int
}

// statusReconciler is the slice of the reconciler the safety net drives.
type statusReconciler interface {
	ReconcileEndpoint(ctx context.Context, endpointID string, since time.Time, limit int) utils.Result[ReconciliationStats]
}

// SafetyNetStats describes one active net.
type SafetyNetStats struct {
	Endpoint         string
	ActivatedAt      time.Time
	ChecksPerformed  int
	RecordsCorrected int
}

type endpointNet struct {
	endpointID       string
	activatedAt      time.Time
	checksPerformed  int
	recordsCorrected int
	cancel           context.CancelFunc
	done             chan struct{}
}

// SafetyNetActivator is the coarse guard layered over the reliability
// coordinator. When an endpoint's failures persist past the activation
// window it starts a periodic, tightly scoped reconciliation loop for that
// endpoint, and it only stops the loop after a sustained failure-free
// window. Activation is fast and deactivation slow on purpose, so a flapping
// endpoint does not toggle the net on and off.
type SafetyNetActivator struct {
	logger      *slog.Logger
	config      SafetyNetConfig
	clock       clock.Clock
	coordinator *WebhookReliabilityCoordinator
	reconciler  statusReconciler

	mutex sync.Mutex
	nets  map[string]*endpointNet
}

func NewSafetyNetActivator(
	logger *slog.Logger,
	safetyNetConfig SafetyNetConfig,
	clk clock.Clock,
	coordinator *WebhookReliabilityCoordinator,
	reconciler statusReconciler,
) *SafetyNetActivator {
	return &SafetyNetActivator{
		logger:      logger,
		config:      safetyNetConfig,
		clock:       clk,
		coordinator: coordinator,
		reconciler:  reconciler,
		nets:        make(map[string]*endpointNet),
	}
}

// Start evaluates activation and deactivation on a fixed interval until the
// context ends.
func (activator *SafetyNetActivator) Start(ctx context.Context) {
	ticker := activator.clock.Ticker(activator.config.EvaluateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			activator.stopAll()
			return
		case <-ticker.C:
			activator.Evaluate(ctx)
		}
	}
}

// Evaluate applies the hysteresis rules against the coordinator's current
// patterns: nets come up for endpoints whose failure streak is older than
// the activation window, and come down once the endpoint has been
// failure-free for the deactivation window.
func (activator *SafetyNetActivator) Evaluate(ctx context.Context) {
	now := activator.clock.Now()
	patterns := activator.coordinator.Snapshot()

	byEndpoint := make(map[string]models.WebhookFailurePattern, len(patterns))
	for _, pattern := range patterns {
		byEndpoint[pattern.Endpoint] = pattern
	}

	activator.mutex.Lock()
	defer activator.mutex.Unlock()

	for _, pattern := range patterns {
		if _, active := activator.nets[pattern.Endpoint]; active {
			continue
		}

		if pattern.ConsecutiveFailures > 0 && now.Sub(pattern.FirstFailureAt) >= activator.config.ActivationAfter {
			activator.activate(ctx, pattern.Endpoint)
		}
	}

	for endpointID, net := range activator.nets {
		pattern, tracked := byEndpoint[endpointID]
		if tracked && now.Sub(pattern.LastFailureAt) < activator.config.DeactivationAfter {
			continue
		}

		activator.deactivate(net, tracked)
	}
}

// activate starts the per-endpoint check loop. Callers must hold the mutex.
func (activator *SafetyNetActivator) activate(ctx context.Context, endpointID string) {
	netCtx, cancel := context.WithCancel(ctx)

	net := &endpointNet{
		endpointID:  endpointID,
		activatedAt: activator.clock.Now(),
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	activator.nets[endpointID] = net

	activator.logger.Warn("Safety net activated for endpoint", slog.String("endpoint", endpointID))

	go activator.runChecks(netCtx, net)
}

// deactivate stops the check loop and drops the endpoint's pattern when it
// is still tracked. Callers must hold the mutex.
func (activator *SafetyNetActivator) deactivate(net *endpointNet, discardPattern bool) {
	net.cancel()
	delete(activator.nets, net.endpointID)

	activator.logger.Info(
		"Safety net deactivated for endpoint",
		slog.String("endpoint", net.endpointID),
		slog.Int("checks_performed", net.checksPerformed),
		slog.Int("records_corrected", net.recordsCorrected),
	)

	if discardPattern {
		activator.coordinator.Discard(net.endpointID)
	}
}

func (activator *SafetyNetActivator) stopAll() {
	activator.mutex.Lock()
	defer activator.mutex.Unlock()

	for endpointID, net := range activator.nets {
		net.cancel()
		delete(activator.nets, endpointID)
	}
}

// runChecks performs one check immediately, then one per interval until the
// net is deactivated.
func (activator *SafetyNetActivator) runChecks(ctx context.Context, net *endpointNet) {
	defer close(net.done)

	activator.runCheck(ctx, net)

	ticker := activator.clock.Ticker(activator.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			activator.runCheck(ctx, net)
		}
	}
}

// runCheck reconciles a small recent window of the endpoint's records, so a
// single check stays cheap no matter how long the net has been up.
func (activator *SafetyNetActivator) runCheck(ctx context.Context, net *endpointNet) {
	since := activator.clock.Now().Add(-activator.config.Lookback)

	result := activator.reconciler.ReconcileEndpoint(ctx, net.endpointID, since, activator.config.BatchLimit)
	if result.Failure() {
		activator.logger.Error(
			"Safety net check failed",
			slog.String("endpoint", net.endpointID),
			slog.String("error", result.ErrorMsg()),
		)

		if result.IsCapturable() {
			utils.CaptureErrorResult(result)
		}
		return
	}

	stats := result.Value()

	activator.mutex.Lock()
	net.checksPerformed++
	net.recordsCorrected += stats.Corrected
	activator.mutex.Unlock()
}

// Stats returns a snapshot of every active net.
func (activator *SafetyNetActivator) Stats() []SafetyNetStats {
	activator.mutex.Lock()
	defer activator.mutex.Unlock()

	stats := make([]SafetyNetStats, 0, len(activator.nets))
	for _, net := range activator.nets {
		stats = append(stats, SafetyNetStats{
			Endpoint:         net.endpointID,
			ActivatedAt:      net.activatedAt,
			ChecksPerformed:  net.checksPerformed,
			RecordsCorrected: net.recordsCorrected,
		})
	}

	return stats
}
