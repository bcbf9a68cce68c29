package models

import (
	"time"

	"github.com/roamlink/portal/lifecycle-processor/utils"
)

const (
	DeliverySucceeded string = "delivery_succeeded"
	DeliveryFailed    string = "delivery_failed"
)

// WebhookHealthEvent is the delivery outcome the notification pipeline
// publishes after each webhook attempt.
type WebhookHealthEvent struct {
	EndpointID   string `json:"endpoint_id"`
	WebhookType  string `json:"webhook_type,omitempty"`
	EventType    string `json:"event_type"`
	StatusCode   int    `json:"status_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	OccurredAt   any    `json:"occurred_at"`
}

func (event *WebhookHealthEvent) Valid() bool {
	if event.EndpointID == "" {
		return false
	}

	return event.EventType == DeliverySucceeded || event.EventType == DeliveryFailed
}

func (event *WebhookHealthEvent) Failed() bool {
	return event.EventType == DeliveryFailed
}

// OccurredAtTime converts the loosely typed timestamp. Producers send either
// RFC3339 strings or unix timestamps, numeric or stringified.
func (event *WebhookHealthEvent) OccurredAtTime() utils.Result[time.Time] {
	if value, ok := event.OccurredAt.(string); ok {
		if t, err := time.Parse(time.RFC3339, value); err == nil {
			return utils.SuccessResult(t.UTC())
		}
	}

	return utils.ToTime(event.OccurredAt)
}
