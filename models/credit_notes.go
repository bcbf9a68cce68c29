package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/roamlink/portal/lifecycle-processor/utils"
)

const (
	CreditItemPrincipal string = "principal"
	CreditItemVAT       string = "vat"
)

type CreditNote struct {
	ID          string `gorm:"primaryKey"`
	Number      string
	CompanyID   string
	BillID      *string
	Reason      string
	Currency    string
	TotalAmount decimal.Decimal
	IssuedOn    time.Time
	EmailSent   bool
	EmailSentAt utils.NullTime
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type CreditNoteItem struct {
	ID             string `gorm:"primaryKey"`
	CreditNoteID   string
	SubscriptionID string
	Kind           string
	Description    string
	Amount         decimal.Decimal
	Currency       string
	CreatedAt      time.Time
}

// CreateCreditNote persists a credit note, its line items and the back
// references on the credited subscriptions in one transaction. The note
// number is assigned inside the transaction from the highest number already
// issued for the same day. Subscriptions already carrying a credit note
// reference make the whole transaction roll back, so a note can never be
// issued twice for the same cancellation.
func (store *AdminStore) CreateCreditNote(note *CreditNote, items []CreditNoteItem, subscriptionIDs []string, now time.Time) utils.Result[*CreditNote] {
	err := store.db.Connection.Transaction(func(tx *gorm.DB) error {
		number, err := nextCreditNoteNumber(tx, note.IssuedOn)
		if err != nil {
			return err
		}
		note.Number = number

		if err := tx.Table("credit_notes").Create(note).Error; err != nil {
			return err
		}

		for index := range items {
			items[index].CreditNoteID = note.ID
		}
		if err := tx.Table("credit_note_items").Create(&items).Error; err != nil {
			return err
		}

		result := tx.Table("subscriptions").
			Where("id IN ?", subscriptionIDs).
			Where("credit_note_id IS NULL").
			Updates(map[string]any{
				"credit_note_id": note.ID,
				"updated_at":     now,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected != int64(len(subscriptionIDs)) {
			return fmt.Errorf("credit note %s: %d of %d subscriptions already credited", note.Number, int64(len(subscriptionIDs))-result.RowsAffected, len(subscriptionIDs))
		}

		return nil
	})

	if err != nil {
		return utils.FailedResult[*CreditNote](err)
	}

	return utils.SuccessResult(note)
}

// nextCreditNoteNumber builds the next CN-YYYYMMDD-NNNN number for the day,
// locking the latest row for that prefix so concurrent issuers serialize.
func nextCreditNoteNumber(tx *gorm.DB, issuedOn time.Time) (string, error) {
	prefix := fmt.Sprintf("CN-%s-", issuedOn.Format("20060102"))

	var numbers []string
	result := tx.Table("credit_notes").
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("credit_notes.number LIKE ?", prefix+"%").
		Order("credit_notes.number DESC").
		Limit(1).
		Pluck("credit_notes.number", &numbers)

	if result.Error != nil {
		return "", result.Error
	}

	sequence := 1
	if len(numbers) > 0 {
		last, err := strconv.Atoi(strings.TrimPrefix(numbers[0], prefix))
		if err != nil {
			return "", fmt.Errorf("malformed credit note number %s: %w", numbers[0], err)
		}
		sequence = last + 1
	}

	return fmt.Sprintf("%s%04d", prefix, sequence), nil
}

func (store *AdminStore) MarkNotificationSent(creditNoteID string, now time.Time) utils.Result[bool] {
	result := store.db.Connection.
		Table("credit_notes").
		Where("id = ?", creditNoteID).
		Updates(map[string]any{
			"email_sent":    true,
			"email_sent_at": now,
			"updated_at":    now,
		})

	if result.Error != nil {
		return utils.FailedBoolResult(result.Error)
	}

	return utils.SuccessResult(result.RowsAffected == 1)
}

// FetchOutstandingNotifications returns issued credit notes whose customer
// email has not gone out yet, oldest first.
func (store *AdminStore) FetchOutstandingNotifications(limit int) utils.Result[[]CreditNote] {
	var notes []CreditNote

	result := store.db.Connection.
		Table("credit_notes").
		Where("credit_notes.email_sent = ?", false).
		Order("credit_notes.created_at ASC").
		Limit(limit).
		Find(&notes)

	if result.Error != nil {
		return utils.FailedResult[[]CreditNote](result.Error)
	}

	return utils.SuccessResult(notes)
}

func (store *AdminStore) FetchCreditNoteItems(creditNoteID string) utils.Result[[]CreditNoteItem] {
	var items []CreditNoteItem

	result := store.db.Connection.
		Table("credit_note_items").
		Where("credit_note_items.credit_note_id = ?", creditNoteID).
		Order("credit_note_items.created_at ASC").
		Find(&items)

	if result.Error != nil {
		return utils.FailedResult[[]CreditNoteItem](result.Error)
	}

	return utils.SuccessResult(items)
}
