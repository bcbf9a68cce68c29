package reconciliation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"

	"github.com/roamlink/portal/lifecycle-processor/models"
	"github.com/roamlink/portal/lifecycle-processor/processors/lifecycle"
	"github.com/roamlink/portal/lifecycle-processor/provider"
	"github.com/roamlink/portal/lifecycle-processor/utils"
)

type ReconcilerConfig struct {
	PollTimeout        time.Duration
	Concurrency        int
	RecoveryLookback   time.Duration
	RecoveryBatchLimit int
}

// ReconciliationStats counts the work one reconciliation pass performed.
type ReconciliationStats struct {
	Checked   int
	Corrected int
	Failed    int
}

type statsCollector struct {
	mutex sync.Mutex
	stats ReconciliationStats
}

func (collector *statsCollector) checked() {
	collector.mutex.Lock()
	defer collector.mutex.Unlock()
	collector.stats.Checked++
}

func (collector *statsCollector) corrected() {
	collector.mutex.Lock()
	defer collector.mutex.Unlock()
	collector.stats.Corrected++
}

func (collector *statsCollector) failed() {
	collector.mutex.Lock()
	defer collector.mutex.Unlock()
	collector.stats.Failed++
}

func (collector *statsCollector) snapshot() ReconciliationStats {
	collector.mutex.Lock()
	defer collector.mutex.Unlock()
	return collector.stats
}

// EsimStatusReconciler is the polling fallback: when webhook delivery breaks
// down it asks the provider directly for the state of records stuck in a
// transitional status and corrects them. Every correction is announced on
// the lifecycle topic.
type EsimStatusReconciler struct {
	logger   *slog.Logger
	store    *models.AdminStore
	provider provider.Client
	producer *lifecycle.ProducerService
	clock    clock.Clock
	config   ReconcilerConfig
}

func NewEsimStatusReconciler(
	logger *slog.Logger,
	store *models.AdminStore,
	providerClient provider.Client,
	producer *lifecycle.ProducerService,
	clk clock.Clock,
	reconcilerConfig ReconcilerConfig,
) *EsimStatusReconciler {
	return &EsimStatusReconciler{
		logger:   logger,
		store:    store,
		provider: providerClient,
		producer: producer,
		clock:    clk,
		config:   reconcilerConfig,
	}
}

// ReconcileEndpoint re-checks the endpoint's transitional records created
// since the given time, capped at limit. Records are processed concurrently
// with one provider call each. A cancelled context stops the pass early and
// returns the partial stats.
func (reconciler *EsimStatusReconciler) ReconcileEndpoint(ctx context.Context, endpointID string, since time.Time, limit int) utils.Result[ReconciliationStats] {
	fetchResult := reconciler.store.FetchTransitionalSubscriptions(endpointID, since, limit)
	if fetchResult.Failure() {
		return utils.FailedResult[ReconciliationStats](fetchResult.Error())
	}

	subs := fetchResult.Value()
	collector := &statsCollector{}

	var group errgroup.Group
	group.SetLimit(reconciler.config.Concurrency)

	for index := range subs {
		if ctx.Err() != nil {
			break
		}

		sub := &subs[index]
		group.Go(func() error {
			reconciler.reconcileOne(ctx, sub, collector)
			return nil
		})
	}

	group.Wait()

	stats := collector.snapshot()

	if ctx.Err() != nil {
		reconciler.logger.Warn(
			"Reconciliation interrupted",
			slog.String("endpoint", endpointID),
			slog.Int("checked", stats.Checked),
			slog.Int("of", len(subs)),
		)
	}

	return utils.SuccessResult(stats)
}

// RunRecovery is the bounded reconciliation the reliability coordinator
// dispatches: recent records only, small batch.
func (reconciler *EsimStatusReconciler) RunRecovery(ctx context.Context, endpointID string) utils.Result[ReconciliationStats] {
	since := reconciler.clock.Now().Add(-reconciler.config.RecoveryLookback)
	return reconciler.ReconcileEndpoint(ctx, endpointID, since, reconciler.config.RecoveryBatchLimit)
}

func (reconciler *EsimStatusReconciler) reconcileOne(ctx context.Context, sub *models.Subscription, collector *statsCollector) {
	if ctx.Err() != nil {
		return
	}

	collector.checked()
	now := reconciler.clock.Now()

	// Signals already on the record decide without a provider call.
	outcome := Classify(sub, now)
	switch outcome.Verdict {
	case VerdictCancelled:
		correction := models.StatusCorrection{Status: models.SubscriptionCancelled, MarkCancelled: true}
		if !sub.CancelledAt.Valid {
			cancelledAt := now
			correction.CancelledAt = &cancelledAt
		}
		reconciler.applyCorrection(ctx, sub, correction, "at_rest", outcome.Rule, collector)
		return
	case VerdictExpired:
		correction := models.StatusCorrection{Status: models.SubscriptionExpired}
		reconciler.applyCorrection(ctx, sub, correction, "at_rest", outcome.Rule, collector)
		return
	}

	pollCtx, cancel := context.WithTimeout(ctx, reconciler.config.PollTimeout)
	defer cancel()

	profileResult := reconciler.provider.FetchProfile(pollCtx, sub.ICCID)
	if profileResult.Failure() {
		collector.failed()
		reconciler.logger.Warn(
			"Provider poll failed",
			slog.String("subscription_id", sub.ID),
			slog.String("iccid", sub.ICCID),
			slog.String("error", profileResult.ErrorMsg()),
		)

		if profileResult.IsCapturable() {
			utils.CaptureErrorResult(profileResult)
		}
		return
	}

	profile := profileResult.Value()

	switch ClassifyProviderStatus(profile.StatusCode()) {
	case StatusClassActive:
		correction := models.StatusCorrection{Status: models.SubscriptionActivated, Payload: profile.Payload()}
		activatedAt := sub.ActivatedAt.Time
		if !sub.ActivatedAt.Valid {
			activatedAt = now
			correction.ActivatedAt = &activatedAt
		}
		if !sub.ExpiresAt.Valid && sub.PlanValidityDays > 0 {
			expiresAt := activatedAt.AddDate(0, 0, sub.PlanValidityDays)
			correction.ExpiresAt = &expiresAt
		}
		reconciler.applyCorrection(ctx, sub, correction, "provider_poll", "provider_active", collector)

	case StatusClassCancelled:
		correction := models.StatusCorrection{Status: models.SubscriptionCancelled, Payload: profile.Payload(), MarkCancelled: true}
		if !sub.CancelledAt.Valid {
			cancelledAt := now
			correction.CancelledAt = &cancelledAt
		}
		reconciler.applyCorrection(ctx, sub, correction, "provider_poll", "provider_terminal_status", collector)

	case StatusClassExpired:
		correction := models.StatusCorrection{Status: models.SubscriptionExpired, Payload: profile.Payload()}
		if !sub.ExpiresAt.Valid {
			expiresAt := now
			correction.ExpiresAt = &expiresAt
		}
		reconciler.applyCorrection(ctx, sub, correction, "provider_poll", "provider_terminal_status", collector)

	default:
		// Unknown provider status never forces a transition.
		reconciler.logger.Debug(
			"Provider status inconclusive",
			slog.String("subscription_id", sub.ID),
			slog.String("provider_status", profile.StatusCode()),
		)
	}
}

func (reconciler *EsimStatusReconciler) applyCorrection(ctx context.Context, sub *models.Subscription, correction models.StatusCorrection, source string, rule string, collector *statsCollector) {
	updateResult := reconciler.store.ApplyStatusCorrection(sub, correction, reconciler.clock.Now())
	if updateResult.Failure() {
		collector.failed()
		reconciler.logger.Error(
			"Failed to persist status correction",
			slog.String("subscription_id", sub.ID),
			slog.String("error", updateResult.ErrorMsg()),
		)

		if updateResult.IsCapturable() {
			utils.CaptureErrorResult(updateResult)
		}
		return
	}

	if !updateResult.Value() {
		reconciler.logger.Warn("Status correction matched no row", slog.String("subscription_id", sub.ID))
		return
	}

	collector.corrected()

	reconciler.logger.Info(
		"Corrected subscription status",
		slog.String("subscription_id", sub.ID),
		slog.String("previous_status", string(sub.Status)),
		slog.String("new_status", string(correction.Status)),
		slog.String("source", source),
		slog.String("rule", rule),
	)

	event := models.NewStatusCorrectedEvent(sub, correction.Status, source, rule, reconciler.clock.Now())
	reconciler.producer.ProduceStatusCorrected(ctx, event)
}

// ExpireOverdueSubscriptions moves activated records whose plan validity has
// elapsed to expired. Runs from the daily maintenance job, ahead of the
// credit note scan.
func (reconciler *EsimStatusReconciler) ExpireOverdueSubscriptions(ctx context.Context, limit int) utils.Result[ReconciliationStats] {
	now := reconciler.clock.Now()

	fetchResult := reconciler.store.FetchOverdueActivated(now, limit)
	if fetchResult.Failure() {
		return utils.FailedResult[ReconciliationStats](fetchResult.Error())
	}

	subs := fetchResult.Value()
	collector := &statsCollector{}

	for index := range subs {
		if ctx.Err() != nil {
			break
		}

		sub := &subs[index]
		collector.checked()

		outcome := Classify(sub, now)
		switch outcome.Verdict {
		case VerdictCancelled:
			correction := models.StatusCorrection{Status: models.SubscriptionCancelled, MarkCancelled: true}
			if !sub.CancelledAt.Valid {
				cancelledAt := now
				correction.CancelledAt = &cancelledAt
			}
			reconciler.applyCorrection(ctx, sub, correction, "expiry_sweep", outcome.Rule, collector)

		case VerdictExpired:
			correction := models.StatusCorrection{Status: models.SubscriptionExpired}
			if !sub.ExpiresAt.Valid {
				expiresAt := now
				if end, ok := sub.ValidityEnd(); ok {
					expiresAt = end
				}
				correction.ExpiresAt = &expiresAt
			}
			reconciler.applyCorrection(ctx, sub, correction, "expiry_sweep", outcome.Rule, collector)
		}
	}

	return utils.SuccessResult(collector.snapshot())
}
