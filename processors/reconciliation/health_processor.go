package reconciliation

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel/attribute"

	tracer "github.com/roamlink/portal/lifecycle-processor/config"
	"github.com/roamlink/portal/lifecycle-processor/models"
	"github.com/roamlink/portal/lifecycle-processor/utils"
)

// healthTracker is the slice of the coordinator the processor feeds.
type healthTracker interface {
	RecordFailure(ctx context.Context, endpointID string, occurredAt time.Time)
	RecordRecovery(endpointID string)
}

// HealthEventProcessor consumes webhook delivery outcomes and turns them
// into per-endpoint failure tracking. Every record commits: health signals
// are observations, re-consuming them would double count failures.
type HealthEventProcessor struct {
	logger       *slog.Logger
	tracker      healthTracker
	clock        clock.Clock
	staleHorizon time.Duration
}

func NewHealthEventProcessor(logger *slog.Logger, tracker healthTracker, clk clock.Clock, staleHorizon time.Duration) *HealthEventProcessor {
	return &HealthEventProcessor{
		logger:       logger,
		tracker:      tracker,
		clock:        clk,
		staleHorizon: staleHorizon,
	}
}

func (processor *HealthEventProcessor) ProcessRecords(ctx context.Context, records []*kgo.Record) []*kgo.Record {
	span := tracer.GetTracerSpan(ctx, "lifecycle_processor", "HealthEvents.ProcessRecords")
	recordsAttr := attribute.Int("records.length", len(records))
	span.SetAttributes(recordsAttr)
	defer span.End()

	wg := sync.WaitGroup{}
	wg.Add(len(records))

	var mu sync.Mutex
	processedRecords := make([]*kgo.Record, 0)

	for _, record := range records {
		go func(record *kgo.Record) {
			defer wg.Done()

			processor.processOneRecord(ctx, record)

			mu.Lock()
			processedRecords = append(processedRecords, record)
			mu.Unlock()
		}(record)
	}

	wg.Wait()

	return processedRecords
}

func (processor *HealthEventProcessor) processOneRecord(ctx context.Context, record *kgo.Record) {
	sp := tracer.GetTracerSpan(ctx, "lifecycle_processor", "HealthEvents.ProcessOneRecord")
	defer sp.End()

	event := models.WebhookHealthEvent{}
	if err := json.Unmarshal(record.Value, &event); err != nil {
		processor.logger.Error("Error unmarshalling health event", slog.String("error", err.Error()))
		utils.CaptureError(err)
		return
	}

	if !event.Valid() {
		processor.logger.Warn(
			"Dropping health event without endpoint or with unknown type",
			slog.String("endpoint", event.EndpointID),
			slog.String("event_type", event.EventType),
		)
		return
	}

	now := processor.clock.Now()

	occurredAt := now
	occurredAtResult := event.OccurredAtTime()
	if occurredAtResult.Success() {
		occurredAt = occurredAtResult.Value()
	}

	// Replayed history must not flip endpoints back into failure mode.
	if now.Sub(occurredAt) > processor.staleHorizon {
		processor.logger.Debug(
			"Skipping stale health event",
			slog.String("endpoint", event.EndpointID),
			slog.Time("occurred_at", occurredAt),
		)
		return
	}

	if event.Failed() {
		processor.tracker.RecordFailure(ctx, event.EndpointID, occurredAt)
	} else {
		processor.tracker.RecordRecovery(event.EndpointID)
	}
}
