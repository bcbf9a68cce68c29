package kafka

import (
	"context"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"

	tracer "github.com/roamlink/portal/lifecycle-processor/config"
	"github.com/roamlink/portal/lifecycle-processor/utils"
)

type ProducerConfig struct {
	Topic string
}

// Producer publishes to a single topic synchronously. Lifecycle events
// are low volume, so waiting on each produce keeps ordering simple.
type Producer struct {
	client *kgo.Client
	config ProducerConfig
	logger *slog.Logger
}

type ProducerMessage struct {
	Key   []byte
	Value []byte
}

// MessageProducer is the surface services depend on, kept narrow so
// tests can swap in a recording fake.
type MessageProducer interface {
	Produce(context.Context, *ProducerMessage) bool
	GetTopic() string
}

func NewProducer(serverConfig ServerConfig, cfg *ProducerConfig) (*Producer, error) {
	kcl, err := NewKafkaClient(serverConfig, nil)
	if err != nil {
		return nil, err
	}

	logger := slog.Default()
	logger = logger.With("component", "kafka-producer")

	pdr := &Producer{
		client: kcl,
		config: *cfg,
		logger: logger,
	}

	return pdr, nil
}

// Produce reports success as a bool. Delivery failures are logged and
// captured here so callers only decide whether the event matters enough
// to fail their own operation.
func (p *Producer) Produce(ctx context.Context, msg *ProducerMessage) bool {
	span := tracer.GetTracerSpan(ctx, "lifecycle_processor", "Producer.Produce")
	defer span.End()

	record := &kgo.Record{
		Topic: p.config.Topic,
		Key:   msg.Key,
		Value: msg.Value,
	}

	pr := p.client.ProduceSync(ctx, record)
	if err := pr.FirstErr(); err != nil {
		p.logger.Error("record had a produce error while synchronously producing", slog.String("error", err.Error()))
		utils.CaptureError(err)
		return false
	}

	return true
}

func (p *Producer) Ping(ctx context.Context) error {
	return p.client.Ping(ctx)
}

func (p *Producer) GetTopic() string {
	return p.config.Topic
}
