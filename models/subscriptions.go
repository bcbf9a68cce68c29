package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/roamlink/portal/lifecycle-processor/utils"
)

type SubscriptionStatus string

const (
	SubscriptionWaitingForActivation SubscriptionStatus = "waiting_for_activation"
	SubscriptionActivated            SubscriptionStatus = "activated"
	SubscriptionExpired              SubscriptionStatus = "expired"
	SubscriptionCancelled            SubscriptionStatus = "cancelled"
	SubscriptionError                SubscriptionStatus = "error"
)

// TransitionalStatuses are the statuses the provisioning provider may still
// move forward. They are the only records the polling fallback re-checks.
func TransitionalStatuses() []SubscriptionStatus {
	return []SubscriptionStatus{SubscriptionWaitingForActivation, SubscriptionError}
}

type Metadata map[string]any

// Implements the sql.Scanner interface to convert JSONB into Metadata
func (m *Metadata) Scan(value any) error {
	if value == nil {
		*m = nil
		return nil
	}

	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into Metadata", value)
	}

	var result map[string]any
	if err := json.Unmarshal(bytes, &result); err != nil {
		return err
	}

	*m = Metadata(result)
	return nil
}

// Implements the driver.Valuer interface converting Metadata to a JSONB value
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}

	return json.Marshal(map[string]any(m))
}

var metadataCancellationFlags = []string{"cancelled", "canceled", "refunded"}
var metadataCancellationTimestamps = []string{"cancelled_at", "canceled_at", "refunded_at"}

// HasCancellationMarker reports whether the free-form metadata carries an
// explicit cancellation or refund indicator: either a boolean flag set to
// true, or a non-empty cancellation/refund timestamp.
func (m Metadata) HasCancellationMarker() bool {
	if len(m) == 0 {
		return false
	}

	for _, key := range metadataCancellationFlags {
		switch value := m[key].(type) {
		case bool:
			if value {
				return true
			}
		case string:
			if strings.EqualFold(value, "true") {
				return true
			}
		}
	}

	for _, key := range metadataCancellationTimestamps {
		if value, ok := m[key].(string); ok && value != "" {
			return true
		}
	}

	return false
}

type ProviderPayload map[string]any

// Implements the sql.Scanner interface to convert JSONB into ProviderPayload
func (pp *ProviderPayload) Scan(value any) error {
	if value == nil {
		*pp = nil
		return nil
	}

	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into ProviderPayload", value)
	}

	var result map[string]any
	if err := json.Unmarshal(bytes, &result); err != nil {
		return err
	}

	*pp = ProviderPayload(result)
	return nil
}

// Implements the driver.Valuer interface converting ProviderPayload to a JSONB value
func (pp ProviderPayload) Value() (driver.Value, error) {
	if pp == nil {
		return nil, nil
	}

	return json.Marshal(map[string]any(pp))
}

// StatusCode extracts the nominal profile status nested at profile.status.
// A missing field yields the empty string, which callers must treat as
// unknown rather than as a terminal state.
func (pp ProviderPayload) StatusCode() string {
	profile, ok := pp["profile"].(map[string]any)
	if !ok {
		return ""
	}

	status, ok := profile["status"].(string)
	if !ok {
		return ""
	}

	return strings.ToLower(strings.TrimSpace(status))
}

type Subscription struct {
	ID                string `gorm:"primaryKey"`
	CompanyID         string
	PlanID            string
	EmployeeID        string
	ICCID             string `gorm:"column:iccid"`
	WebhookEndpointID string
	Status            SubscriptionStatus
	Cancelled         bool
	Metadata          Metadata        `gorm:"type:jsonb"`
	ProviderPayload   ProviderPayload `gorm:"type:jsonb"`
	CreditNoteID      *string
	BillID            *string
	ActivatedAt       utils.NullTime
	ExpiresAt         utils.NullTime
	CancelledAt       utils.NullTime
	CreatedAt         time.Time
	UpdatedAt         time.Time

	// Populated by joined queries only, never written back.
	PlanValidityDays int             `gorm:"->"`
	PlanPrice        decimal.Decimal `gorm:"->"`
	PlanCurrency     string          `gorm:"->"`
	PlanName         string          `gorm:"->"`
}

func (sub *Subscription) Terminal() bool {
	return sub.Status == SubscriptionCancelled || sub.Status == SubscriptionExpired
}

// ValidityEnd returns the moment the subscription's plan validity elapses:
// the stored expiry when present, otherwise the activation time plus the
// plan validity. The second return is false when neither can be derived.
func (sub *Subscription) ValidityEnd() (time.Time, bool) {
	if sub.ExpiresAt.Valid {
		return sub.ExpiresAt.Time, true
	}

	if sub.ActivatedAt.Valid && sub.PlanValidityDays > 0 {
		return sub.ActivatedAt.Time.AddDate(0, 0, sub.PlanValidityDays), true
	}

	return time.Time{}, false
}

func (store *AdminStore) FetchSubscription(id string) utils.Result[*Subscription] {
	var sub Subscription

	result := store.db.Connection.
		Table("subscriptions").
		Where("subscriptions.id = ?", id).
		Limit(1).
		Find(&sub)

	if result.Error != nil {
		return failedSubscriptionResult(result.Error)
	}
	if sub.ID == "" {
		return failedSubscriptionResult(gorm.ErrRecordNotFound)
	}

	return utils.SuccessResult(&sub)
}

// FetchTransitionalSubscriptions returns the capped batch of records the
// polling fallback re-checks for an endpoint: transitional status, created
// within the lookback window, oldest first.
func (store *AdminStore) FetchTransitionalSubscriptions(endpointID string, since time.Time, limit int) utils.Result[[]Subscription] {
	var subs []Subscription

	result := store.db.Connection.
		Table("subscriptions").
		Select("subscriptions.*, plans.validity_days AS plan_validity_days").
		Joins("INNER JOIN plans ON plans.id = subscriptions.plan_id").
		Where("subscriptions.webhook_endpoint_id = ?", endpointID).
		Where("subscriptions.status IN ?", TransitionalStatuses()).
		Where("subscriptions.created_at >= ?", since).
		Order("subscriptions.created_at ASC").
		Limit(limit).
		Find(&subs)

	if result.Error != nil {
		return utils.FailedResult[[]Subscription](result.Error)
	}

	return utils.SuccessResult(subs)
}

// FetchOverdueActivated returns activated subscriptions whose plan validity
// has elapsed, either by their stored expiry or by activation plus the plan
// validity window.
func (store *AdminStore) FetchOverdueActivated(now time.Time, limit int) utils.Result[[]Subscription] {
	var subs []Subscription

	var conditions = `
		subscriptions.status = ?
		AND (
			(subscriptions.expires_at IS NOT NULL AND subscriptions.expires_at <= ?)
			OR (subscriptions.expires_at IS NULL
				AND subscriptions.activated_at IS NOT NULL
				AND subscriptions.activated_at + make_interval(days => plans.validity_days) <= ?)
		)
	`
	result := store.db.Connection.
		Table("subscriptions").
		Select("subscriptions.*, plans.validity_days AS plan_validity_days").
		Joins("INNER JOIN plans ON plans.id = subscriptions.plan_id").
		Where(conditions, SubscriptionActivated, now, now).
		Order("subscriptions.activated_at ASC").
		Limit(limit).
		Find(&subs)

	if result.Error != nil {
		return utils.FailedResult[[]Subscription](result.Error)
	}

	return utils.SuccessResult(subs)
}

// FetchCreditableSubscriptions returns a company's subscriptions cancelled
// within the given day that have not yet been tied to a credit note. Plan
// pricing columns are joined in for the crediting computation.
func (store *AdminStore) FetchCreditableSubscriptions(companyID string, dayStart time.Time, dayEnd time.Time) utils.Result[[]Subscription] {
	var subs []Subscription

	result := store.db.Connection.
		Table("subscriptions").
		Select("subscriptions.*, plans.validity_days AS plan_validity_days, plans.price AS plan_price, plans.currency AS plan_currency, plans.name AS plan_name").
		Joins("INNER JOIN plans ON plans.id = subscriptions.plan_id").
		Where("subscriptions.company_id = ?", companyID).
		Where("subscriptions.credit_note_id IS NULL").
		Where("subscriptions.cancelled_at >= ? AND subscriptions.cancelled_at < ?", dayStart, dayEnd).
		Order("subscriptions.cancelled_at ASC").
		Find(&subs)

	if result.Error != nil {
		return utils.FailedResult[[]Subscription](result.Error)
	}

	return utils.SuccessResult(subs)
}

// FetchCompaniesWithPendingCredits returns the distinct companies holding at
// least one un-credited cancellation within the given day.
func (store *AdminStore) FetchCompaniesWithPendingCredits(dayStart time.Time, dayEnd time.Time) utils.Result[[]string] {
	var companyIDs []string

	result := store.db.Connection.
		Table("subscriptions").
		Distinct("subscriptions.company_id").
		Where("subscriptions.credit_note_id IS NULL").
		Where("subscriptions.cancelled_at >= ? AND subscriptions.cancelled_at < ?", dayStart, dayEnd).
		Order("subscriptions.company_id ASC").
		Pluck("subscriptions.company_id", &companyIDs)

	if result.Error != nil {
		return utils.FailedResult[[]string](result.Error)
	}

	return utils.SuccessResult(companyIDs)
}

// StatusCorrection is the set of changes a reconciliation pass applies to a
// single subscription. Nil pointer fields keep the stored value.
type StatusCorrection struct {
	Status        SubscriptionStatus
	Payload       ProviderPayload
	ActivatedAt   *time.Time
	ExpiresAt     *time.Time
	CancelledAt   *time.Time
	MarkCancelled bool
}

func (store *AdminStore) ApplyStatusCorrection(sub *Subscription, correction StatusCorrection, now time.Time) utils.Result[bool] {
	updates := map[string]any{
		"status":     correction.Status,
		"updated_at": now,
	}

	if correction.Payload != nil {
		updates["provider_payload"] = correction.Payload
	}
	if correction.ActivatedAt != nil {
		updates["activated_at"] = *correction.ActivatedAt
	}
	if correction.ExpiresAt != nil {
		updates["expires_at"] = *correction.ExpiresAt
	}
	if correction.CancelledAt != nil {
		updates["cancelled_at"] = *correction.CancelledAt
	}
	if correction.MarkCancelled {
		updates["cancelled"] = true
	}

	result := store.db.Connection.
		Table("subscriptions").
		Where("id = ?", sub.ID).
		Updates(updates)

	if result.Error != nil {
		return utils.FailedBoolResult(result.Error)
	}

	return utils.SuccessResult(result.RowsAffected == 1)
}

func failedSubscriptionResult(err error) utils.Result[*Subscription] {
	result := utils.FailedResult[*Subscription](err)

	if err.Error() == gorm.ErrRecordNotFound.Error() {
		result = result.NonCapturable().NonRetryable()
	}

	return result
}
