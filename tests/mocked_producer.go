package tests

import (
	"context"

	"github.com/roamlink/portal/lifecycle-processor/config/kafka"
)

// MockMessageProducer records the last produced message. Set
// FailProduce to exercise delivery-failure paths.
type MockMessageProducer struct {
	Key            []byte
	Value          []byte
	ExecutionCount int
	FailProduce    bool
}

func (mp *MockMessageProducer) Produce(ctx context.Context, msg *kafka.ProducerMessage) bool {
	mp.Key = msg.Key
	mp.Value = msg.Value
	mp.ExecutionCount++

	return !mp.FailProduce
}

func (mp *MockMessageProducer) GetTopic() string {
	return "mocked_topic"
}
