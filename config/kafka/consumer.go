package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel/attribute"

	tracer "github.com/roamlink/portal/lifecycle-processor/config"
	"github.com/roamlink/portal/lifecycle-processor/utils"
)

// ProcessRecordsFunc handles one batch of fetched records and returns
// the subset that was fully processed. Only processed records are
// committed, anything else is re-consumed after a restart.
type ProcessRecordsFunc func(context.Context, []*kgo.Record) []*kgo.Record

type ConsumerGroupConfig struct {
	Topic          string
	ConsumerGroup  string
	ProcessRecords ProcessRecordsFunc
}

type topicPartition struct {
	topic     string
	partition int32
}

// partitionConsumer owns the record channel of a single assigned
// partition so batches from different partitions never interleave.
type partitionConsumer struct {
	client    *kgo.Client
	logger    *slog.Logger
	topic     string
	partition int32

	quit           chan struct{}
	done           chan struct{}
	records        chan []*kgo.Record
	processRecords ProcessRecordsFunc
}

// ConsumerGroup consumes one topic with manual offset commits, spawning
// a dedicated consumer per assigned partition.
type ConsumerGroup struct {
	consumers      map[topicPartition]*partitionConsumer
	client         *kgo.Client
	processRecords ProcessRecordsFunc
	logger         *slog.Logger
}

func NewConsumerGroup(serverConfig ServerConfig, cfg *ConsumerGroupConfig) (*ConsumerGroup, error) {
	logger := slog.Default()
	logger = logger.With("kafka-topic-consumer", cfg.Topic)

	cg := &ConsumerGroup{
		consumers:      make(map[topicPartition]*partitionConsumer),
		processRecords: cfg.ProcessRecords,
		logger:         logger,
	}

	cgName := fmt.Sprintf("%s_%s", cfg.ConsumerGroup, cfg.Topic)
	opts := []kgo.Opt{
		kgo.ConsumerGroup(cgName),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.OnPartitionsAssigned(cg.assigned),
		kgo.OnPartitionsLost(cg.lost),
		kgo.OnPartitionsRevoked(cg.lost),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
	}

	kcl, err := NewKafkaClient(serverConfig, opts)
	if err != nil {
		return nil, err
	}

	if err = kcl.Ping(context.Background()); err != nil {
		return nil, err
	}

	cg.client = kcl
	return cg, nil
}

// Start polls until ctx is canceled, then drains every partition
// consumer before closing the client.
func (cg *ConsumerGroup) Start(ctx context.Context) error {
	pollCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer close(done)
		cg.poll(pollCtx, done)
	}()

	select {
	case <-ctx.Done():
		cg.logger.Info("Gracefully shutting down consumer group")
		cancel()

		cg.gracefulShutdown()

		cg.logger.Info("Consumer group shutdown is complete")
		return ctx.Err()

	case err := <-done:
		if err != nil {
			cg.logger.Error("Consumer group stopped with error", slog.String("error", err.Error()))
		}
		return err
	}
}

func (pc *partitionConsumer) consume(ctx context.Context) {
	defer close(pc.done)

	pc.logger.Info("Starting partition consumer",
		slog.String("topic", pc.topic),
		slog.Int("partition", int(pc.partition)),
	)
	defer pc.logger.Info("Closing partition consumer",
		slog.String("topic", pc.topic),
		slog.Int("partition", int(pc.partition)),
	)

	for {
		select {
		case <-pc.quit:
			pc.logger.Info("partition consumer quit")
			return

		case <-ctx.Done():
			pc.logger.Info("partition consumer context canceled")
			return

		case records := <-pc.records:
			pc.processRecordsAndCommit(records)
		}
	}
}

func (pc *partitionConsumer) processRecordsAndCommit(records []*kgo.Record) {
	ctx := context.Background()
	span := tracer.GetTracerSpan(ctx, "lifecycle_processor", "Consumer.Consume")
	span.SetAttributes(attribute.Int("records.length", len(records)))
	defer span.End()

	processedRecords := pc.processRecords(ctx, records)
	commitableRecords := records

	if len(processedRecords) != len(records) {
		// Ensure we are not committing records that were not processed and can be re-consumed
		record := findMaxCommitableRecord(processedRecords, records)
		if record == nil {
			return
		}
		commitableRecords = []*kgo.Record{record}
	}

	err := pc.client.CommitRecords(ctx, commitableRecords...)
	if err != nil {
		pc.logger.Error("Error when committing offsets to kafka",
			slog.String("error", err.Error()),
			slog.String("topic", pc.topic),
			slog.Int("partition", int(pc.partition)),
			slog.Int64("offset", records[len(records)-1].Offset+1),
		)
		utils.CaptureError(err)
	}
}

func (cg *ConsumerGroup) assigned(ctx context.Context, cl *kgo.Client, assigned map[string][]int32) {
	for topic, partitions := range assigned {
		for _, partition := range partitions {
			pc := &partitionConsumer{
				client:    cl,
				topic:     topic,
				partition: partition,
				logger:    cg.logger,

				quit:           make(chan struct{}),
				done:           make(chan struct{}),
				records:        make(chan []*kgo.Record),
				processRecords: cg.processRecords,
			}
			cg.consumers[topicPartition{topic: topic, partition: partition}] = pc
			go pc.consume(ctx)
		}
	}
}

func (cg *ConsumerGroup) lost(_ context.Context, _ *kgo.Client, lost map[string][]int32) {
	var wg sync.WaitGroup
	defer wg.Wait()

	for topic, partitions := range lost {
		for _, partition := range partitions {
			tp := topicPartition{topic: topic, partition: partition}
			pc := cg.consumers[tp]
			delete(cg.consumers, tp)
			close(pc.quit)

			pc.logger.Info("Waiting for in-flight work to finish",
				slog.String("topic", topic),
				slog.Int("partition", int(partition)),
			)
			wg.Add(1)
			go func() { <-pc.done; wg.Done() }()
		}
	}
}

func (cg *ConsumerGroup) poll(ctx context.Context, done chan<- error) {
	defer func() {
		if r := recover(); r != nil {
			cg.logger.Error("Consumer group poll panic", slog.Any("panic", r))
			done <- fmt.Errorf("consumer group poll panic: %v", r)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			cg.logger.Info("Consumer group stopped")
			return

		default:
			if ok := cg.pollRecords(ctx); !ok {
				return
			}
		}
	}
}

func (cg *ConsumerGroup) pollRecords(ctx context.Context) bool {
	fetches := cg.client.PollRecords(ctx, 10000)
	if fetches.IsClientClosed() {
		cg.logger.Info("client closed")
		return false
	}

	hasContextError := false
	fetches.EachError(func(_ string, _ int32, err error) {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			hasContextError = true
			return
		}

		cg.logger.Error("Fetch error", slog.String("error", err.Error()))
		panic(err)
	})

	if hasContextError || ctx.Err() != nil {
		// Context was canceled before fetching records or while checking for errors
		return false
	}

	fetches.EachPartition(func(p kgo.FetchTopicPartition) {
		tp := topicPartition{p.Topic, p.Partition}
		if consumer, exists := cg.consumers[tp]; exists {
			// Only send records if the consumer channel is still open
			select {
			case consumer.records <- p.Records:
			case <-ctx.Done():
				cg.logger.Info("Context canceled while sending records to partition consumer")
				return
			}
		}
	})

	cg.client.AllowRebalance()
	return true
}

func (cg *ConsumerGroup) gracefulShutdown() {
	var wg sync.WaitGroup

	for tp, pc := range cg.consumers {
		wg.Add(1)

		go func(tp topicPartition, pc *partitionConsumer) {
			defer wg.Done()

			cg.logger.Info("Shutting down partition consumer",
				slog.String("topic", tp.topic),
				slog.Int("partition", int(tp.partition)),
			)

			close(pc.quit)
			<-pc.done
		}(tp, pc)
	}

	wg.Wait()
	cg.client.Close()
}

func recordKey(record *kgo.Record) string {
	return fmt.Sprintf("%s-%d", string(record.Key), record.Offset)
}

// findMaxCommitableRecord returns the processed record with the highest
// offset below the first unprocessed one, the safe commit point when a
// batch was only partially handled.
func findMaxCommitableRecord(processedRecords []*kgo.Record, records []*kgo.Record) *kgo.Record {
	processedMap := make(map[string]bool)
	for _, record := range processedRecords {
		processedMap[recordKey(record)] = true
	}

	minUnprocessedOffset := int64(math.MaxInt64)
	foundUnprocessed := false
	for _, record := range records {
		if !processedMap[recordKey(record)] {
			if !foundUnprocessed || record.Offset < minUnprocessedOffset {
				minUnprocessedOffset = record.Offset
				foundUnprocessed = true
			}
		}
	}

	var maxRecord *kgo.Record
	for _, record := range processedRecords {
		if record.Offset < minUnprocessedOffset && (maxRecord == nil || record.Offset > maxRecord.Offset) {
			maxRecord = record
		}
	}

	return maxRecord
}
