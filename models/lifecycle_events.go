package models

import (
	"time"

	"github.com/roamlink/portal/lifecycle-processor/utils"
)

const (
	LifecycleStatusCorrected  string = "subscription.status_corrected"
	LifecycleCreditNoteIssued string = "credit_note.issued"
)

// StatusCorrectedEvent announces that a reconciliation pass moved a
// subscription to the state the provider actually reports.
type StatusCorrectedEvent struct {
	Type           string             `json:"type"`
	SubscriptionID string             `json:"subscription_id"`
	EndpointID     string             `json:"endpoint_id,omitempty"`
	PreviousStatus SubscriptionStatus `json:"previous_status"`
	NewStatus      SubscriptionStatus `json:"new_status"`
	Source         string             `json:"source"`
	Rule           string             `json:"rule,omitempty"`
	OccurredAt     utils.CustomTime   `json:"occurred_at"`
}

func NewStatusCorrectedEvent(sub *Subscription, newStatus SubscriptionStatus, source string, rule string, occurredAt time.Time) *StatusCorrectedEvent {
	return &StatusCorrectedEvent{
		Type:           LifecycleStatusCorrected,
		SubscriptionID: sub.ID,
		EndpointID:     sub.WebhookEndpointID,
		PreviousStatus: sub.Status,
		NewStatus:      newStatus,
		Source:         source,
		Rule:           rule,
		OccurredAt:     utils.CustomTime(occurredAt),
	}
}

// CreditNoteIssuedEvent announces a freshly issued credit note. Amounts
// travel as decimal strings to keep consumers away from float rounding.
type CreditNoteIssuedEvent struct {
	Type         string           `json:"type"`
	CreditNoteID string           `json:"credit_note_id"`
	Number       string           `json:"number"`
	CompanyID    string           `json:"company_id"`
	Currency     string           `json:"currency"`
	TotalAmount  string           `json:"total_amount"`
	OccurredAt   utils.CustomTime `json:"occurred_at"`
}

func NewCreditNoteIssuedEvent(note *CreditNote, occurredAt time.Time) *CreditNoteIssuedEvent {
	return &CreditNoteIssuedEvent{
		Type:         LifecycleCreditNoteIssued,
		CreditNoteID: note.ID,
		Number:       note.Number,
		CompanyID:    note.CompanyID,
		Currency:     note.Currency,
		TotalAmount:  note.TotalAmount.StringFixed(2),
		OccurredAt:   utils.CustomTime(occurredAt),
	}
}
