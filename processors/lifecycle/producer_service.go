package lifecycle

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/roamlink/portal/lifecycle-processor/config/kafka"
	"github.com/roamlink/portal/lifecycle-processor/models"
	"github.com/roamlink/portal/lifecycle-processor/utils"
)

// ProducerService publishes the lifecycle stream downstream consumers
// subscribe to: status corrections from reconciliation and issued credit
// notes. Publishing is best effort, the database record is the source of
// truth either way.
type ProducerService struct {
	producer kafka.MessageProducer
	logger   *slog.Logger
}

func NewProducerService(producer kafka.MessageProducer, logger *slog.Logger) *ProducerService {
	return &ProducerService{
		producer: producer,
		logger:   logger,
	}
}

func (service *ProducerService) ProduceStatusCorrected(ctx context.Context, event *models.StatusCorrectedEvent) {
	err := service.produceEvent(ctx, event, event.SubscriptionID)
	if err != nil {
		service.logger.Error("error while marshaling status corrected event")
		utils.CaptureError(err)
	}
}

func (service *ProducerService) ProduceCreditNoteIssued(ctx context.Context, event *models.CreditNoteIssuedEvent) {
	err := service.produceEvent(ctx, event, event.CompanyID)
	if err != nil {
		service.logger.Error("error while marshaling credit note issued event")
		utils.CaptureError(err)
	}
}

func (service *ProducerService) produceEvent(ctx context.Context, event any, msgKey string) error {
	eventJson, err := json.Marshal(event)
	if err != nil {
		return err
	}

	pushed := service.producer.Produce(ctx, &kafka.ProducerMessage{
		Key:   []byte(msgKey),
		Value: eventJson,
	})

	if !pushed {
		service.logger.Error("error while pushing to lifecycle topic", slog.String("topic", service.producer.GetTopic()))
	}

	return nil
}
