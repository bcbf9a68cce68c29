package billing

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/benbjohnson/clock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roamlink/portal/lifecycle-processor/models"
	"github.com/roamlink/portal/lifecycle-processor/processors/lifecycle"
	"github.com/roamlink/portal/lifecycle-processor/tests"
)

var fetchCompanyQuery = regexp.QuoteMeta(`
	SELECT * FROM "companies" WHERE companies.id = $1 LIMIT $2`,
)

var fetchCreditableQuery = regexp.QuoteMeta(`
	SELECT subscriptions.*, plans.validity_days AS plan_validity_days, plans.price AS plan_price, plans.currency AS plan_currency, plans.name AS plan_name
	FROM "subscriptions"
		INNER JOIN plans ON plans.id = subscriptions.plan_id
	WHERE subscriptions.company_id = $1
		AND subscriptions.credit_note_id IS NULL
		AND (subscriptions.cancelled_at >= $2 AND subscriptions.cancelled_at < $3)
	ORDER BY subscriptions.cancelled_at ASC`,
)

var fetchPendingCompaniesQuery = regexp.QuoteMeta(`
	SELECT DISTINCT subscriptions.company_id FROM "subscriptions"
	WHERE subscriptions.credit_note_id IS NULL
		AND (subscriptions.cancelled_at >= $1 AND subscriptions.cancelled_at < $2)
	ORDER BY subscriptions.company_id ASC`,
)

var nextNumberQuery = regexp.QuoteMeta(`
	SELECT credit_notes.number FROM "credit_notes"
	WHERE credit_notes.number LIKE $1
	ORDER BY credit_notes.number DESC LIMIT $2 FOR UPDATE`,
)

var insertNoteQuery = regexp.QuoteMeta(`
	INSERT INTO "credit_notes" ("id","number","company_id","bill_id","reason","currency","total_amount","issued_on","email_sent","email_sent_at","created_at","updated_at")
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
)

var insertTwoItemsQuery = regexp.QuoteMeta(`
	INSERT INTO "credit_note_items" ("id","credit_note_id","subscription_id","kind","description","amount","currency","created_at")
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8),($9,$10,$11,$12,$13,$14,$15,$16)`,
)

var insertOneItemQuery = regexp.QuoteMeta(`
	INSERT INTO "credit_note_items" ("id","credit_note_id","subscription_id","kind","description","amount","currency","created_at")
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
)

var markOneCreditedQuery = regexp.QuoteMeta(`
	UPDATE "subscriptions" SET "credit_note_id"=$1,"updated_at"=$2
	WHERE id IN ($3) AND credit_note_id IS NULL`,
)

var markNotificationQuery = regexp.QuoteMeta(`
	UPDATE "credit_notes" SET "email_sent"=$1,"email_sent_at"=$2,"updated_at"=$3 WHERE id = $4`,
)

var outstandingNotificationsQuery = regexp.QuoteMeta(`
	SELECT * FROM "credit_notes" WHERE credit_notes.email_sent = $1
	ORDER BY credit_notes.created_at ASC LIMIT $2`,
)

var creditNoteItemsQuery = regexp.QuoteMeta(`
	SELECT * FROM "credit_note_items" WHERE credit_note_items.credit_note_id = $1
	ORDER BY credit_note_items.created_at ASC`,
)

var companyColumns = []string{"id", "name", "email", "country", "currency", "vat_number", "created_at", "updated_at"}
var creditableColumns = []string{"id", "company_id", "plan_id", "status", "cancelled", "cancelled_at", "plan_validity_days", "plan_price", "plan_currency", "plan_name"}
var noteColumns = []string{"id", "number", "company_id", "reason", "currency", "total_amount", "issued_on", "email_sent", "created_at", "updated_at"}
var itemColumns = []string{"id", "credit_note_id", "subscription_id", "kind", "description", "amount", "currency", "created_at"}

func setupCreditNoteService(t *testing.T) (*CreditNoteService, sqlmock.Sqlmock, *tests.MockNotifier, *tests.MockMessageProducer, *clock.Mock, func()) {
	db, mock, cleanup := tests.SetupMockStore(t)
	store := models.NewAdminStore(db)

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 4, 16, 6, 0, 0, 0, time.UTC))

	rates := NewExchangeRateService(logger, store, nil, clk, time.Hour)
	notifier := &tests.MockNotifier{}
	producer := &tests.MockMessageProducer{}

	service := NewCreditNoteService(
		logger,
		store,
		rates,
		notifier,
		lifecycle.NewProducerService(producer, logger),
		clk,
		CreditNoteConfig{
			VATRate:    decimal.RequireFromString("0.05"),
			VATCountry: "AE",
		},
	)

	return service, mock, notifier, producer, clk, cleanup
}

func TestGenerateForCompany(t *testing.T) {
	date := time.Date(2026, 4, 15, 13, 0, 0, 0, time.UTC)
	dayStart := time.Date(2026, 4, 15, 0, 0, 0, 0, time.UTC)
	dayEnd := dayStart.AddDate(0, 0, 1)

	t.Run("should issue a VAT credit note, notify and publish", func(t *testing.T) {
		// Setup
		service, mock, notifier, producer, clk, cleanup := setupCreditNoteService(t)
		defer cleanup()

		cancelledAt := dayStart.Add(10 * time.Hour)

		mock.ExpectQuery(fetchCompanyQuery).
			WithArgs("comp123", 1).
			WillReturnRows(sqlmock.NewRows(companyColumns).
				AddRow("comp123", "Dune Mobility FZ-LLC", "billing@dunemobility.ae", "AE", "AED", "100123456700003", clk.Now(), clk.Now()))
		mock.ExpectQuery(fetchCreditableQuery).
			WithArgs("comp123", dayStart, dayEnd).
			WillReturnRows(sqlmock.NewRows(creditableColumns).
				AddRow("sub1", "comp123", "plan123", "cancelled", true, cancelledAt, 30, "100", "AED", "Gulf Traveller 5GB"))

		mock.ExpectBegin()
		mock.ExpectQuery(nextNumberQuery).
			WithArgs("CN-20260415-%", 1).
			WillReturnRows(sqlmock.NewRows([]string{"number"}))
		mock.ExpectExec(insertNoteQuery).
			WithArgs(sqlmock.AnyArg(), "CN-20260415-0001", "comp123", nil, "subscription_cancellation", "AED", decimal.NewFromInt(105), dayStart, false, nil, sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(insertTwoItemsQuery).
			WithArgs(
				sqlmock.AnyArg(), sqlmock.AnyArg(), "sub1", "principal", "Refund for Gulf Traveller 5GB", decimal.NewFromInt(100), "AED", sqlmock.AnyArg(),
				sqlmock.AnyArg(), sqlmock.AnyArg(), "sub1", "vat", "VAT on refund for Gulf Traveller 5GB", decimal.NewFromInt(5), "AED", sqlmock.AnyArg(),
			).
			WillReturnResult(sqlmock.NewResult(0, 2))
		mock.ExpectExec(markOneCreditedQuery).
			WithArgs(sqlmock.AnyArg(), clk.Now(), "sub1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		mock.ExpectExec(markNotificationQuery).
			WithArgs(true, clk.Now(), clk.Now(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))

		// Execute
		result := service.GenerateForCompany(context.Background(), "comp123", date)

		// Assert
		assert.True(t, result.Success())

		note := result.Value()
		assert.NotNil(t, note)
		assert.Equal(t, "CN-20260415-0001", note.Number)
		assert.True(t, note.TotalAmount.Equal(decimal.NewFromInt(105)))

		assert.Equal(t, 1, notifier.ExecutionCount)
		assert.Equal(t, []string{"billing@dunemobility.ae"}, notifier.Recipients)
		assert.Equal(t, note.Number, notifier.LastNote.Number)

		assert.Equal(t, 1, producer.ExecutionCount)
		assert.Equal(t, []byte("comp123"), producer.Key)

		var event models.CreditNoteIssuedEvent
		require.NoError(t, json.Unmarshal(producer.Value, &event))
		assert.Equal(t, models.LifecycleCreditNoteIssued, event.Type)
		assert.Equal(t, "CN-20260415-0001", event.Number)
		assert.Equal(t, "105.00", event.TotalAmount)

		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("should skip VAT for companies outside the VAT country", func(t *testing.T) {
		// Setup
		service, mock, notifier, _, clk, cleanup := setupCreditNoteService(t)
		defer cleanup()

		cancelledAt := dayStart.Add(9 * time.Hour)

		mock.ExpectQuery(fetchCompanyQuery).
			WithArgs("comp456", 1).
			WillReturnRows(sqlmock.NewRows(companyColumns).
				AddRow("comp456", "Hanse Roaming GmbH", "finance@hanse-roaming.de", "DE", "EUR", "DE812345678", clk.Now(), clk.Now()))
		mock.ExpectQuery(fetchCreditableQuery).
			WithArgs("comp456", dayStart, dayEnd).
			WillReturnRows(sqlmock.NewRows(creditableColumns).
				AddRow("sub1", "comp456", "plan123", "cancelled", true, cancelledAt, 30, "100", "EUR", "Europe 10GB"))

		mock.ExpectBegin()
		mock.ExpectQuery(nextNumberQuery).
			WithArgs("CN-20260415-%", 1).
			WillReturnRows(sqlmock.NewRows([]string{"number"}))
		mock.ExpectExec(insertNoteQuery).
			WithArgs(sqlmock.AnyArg(), "CN-20260415-0001", "comp456", nil, "subscription_cancellation", "EUR", decimal.NewFromInt(100), dayStart, false, nil, sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(insertOneItemQuery).
			WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "sub1", "principal", "Refund for Europe 10GB", decimal.NewFromInt(100), "EUR", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(markOneCreditedQuery).
			WithArgs(sqlmock.AnyArg(), clk.Now(), "sub1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		mock.ExpectExec(markNotificationQuery).
			WillReturnResult(sqlmock.NewResult(0, 1))

		// Execute
		result := service.GenerateForCompany(context.Background(), "comp456", date)

		// Assert
		assert.True(t, result.Success())
		assert.True(t, result.Value().TotalAmount.Equal(decimal.NewFromInt(100)))
		assert.Equal(t, 1, notifier.ExecutionCount)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("should succeed without a note when nothing is creditable", func(t *testing.T) {
		// Setup
		service, mock, notifier, producer, clk, cleanup := setupCreditNoteService(t)
		defer cleanup()

		mock.ExpectQuery(fetchCompanyQuery).
			WithArgs("comp123", 1).
			WillReturnRows(sqlmock.NewRows(companyColumns).
				AddRow("comp123", "Dune Mobility FZ-LLC", "billing@dunemobility.ae", "AE", "AED", "", clk.Now(), clk.Now()))
		mock.ExpectQuery(fetchCreditableQuery).
			WithArgs("comp123", dayStart, dayEnd).
			WillReturnRows(sqlmock.NewRows(creditableColumns))

		// Execute
		result := service.GenerateForCompany(context.Background(), "comp123", date)

		// Assert
		assert.True(t, result.Success())
		assert.Nil(t, result.Value())
		assert.Equal(t, 0, notifier.ExecutionCount)
		assert.Equal(t, 0, producer.ExecutionCount)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("should keep the note issued when the email fails", func(t *testing.T) {
		// Setup
		service, mock, notifier, producer, clk, cleanup := setupCreditNoteService(t)
		defer cleanup()

		notifier.ReturnedError = errors.New("smtp connection refused")
		cancelledAt := dayStart.Add(10 * time.Hour)

		mock.ExpectQuery(fetchCompanyQuery).
			WithArgs("comp123", 1).
			WillReturnRows(sqlmock.NewRows(companyColumns).
				AddRow("comp123", "Dune Mobility FZ-LLC", "billing@dunemobility.ae", "AE", "AED", "", clk.Now(), clk.Now()))
		mock.ExpectQuery(fetchCreditableQuery).
			WithArgs("comp123", dayStart, dayEnd).
			WillReturnRows(sqlmock.NewRows(creditableColumns).
				AddRow("sub1", "comp123", "plan123", "cancelled", true, cancelledAt, 30, "100", "AED", "Gulf Traveller 5GB"))

		mock.ExpectBegin()
		mock.ExpectQuery(nextNumberQuery).
			WillReturnRows(sqlmock.NewRows([]string{"number"}))
		mock.ExpectExec(insertNoteQuery).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(insertTwoItemsQuery).
			WillReturnResult(sqlmock.NewResult(0, 2))
		mock.ExpectExec(markOneCreditedQuery).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		// Execute
		result := service.GenerateForCompany(context.Background(), "comp123", date)

		// Assert
		assert.True(t, result.Success())
		assert.NotNil(t, result.Value())
		assert.Equal(t, 1, notifier.ExecutionCount)
		assert.Equal(t, 1, producer.ExecutionCount)

		// No notification stamp: the note stays outstanding for the resend pass
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("should fail softly when the company is unknown", func(t *testing.T) {
		// Setup
		service, mock, _, _, _, cleanup := setupCreditNoteService(t)
		defer cleanup()

		mock.ExpectQuery(fetchCompanyQuery).
			WithArgs("ghost", 1).
			WillReturnRows(sqlmock.NewRows(companyColumns))

		// Execute
		result := service.GenerateForCompany(context.Background(), "ghost", date)

		// Assert
		assert.False(t, result.Success())
		assert.False(t, result.IsCapturable())
		assert.False(t, result.IsRetryable())
	})
}

func TestProcessDailyCreditNotes(t *testing.T) {
	date := time.Date(2026, 4, 15, 13, 0, 0, 0, time.UTC)
	dayStart := time.Date(2026, 4, 15, 0, 0, 0, 0, time.UTC)
	dayEnd := dayStart.AddDate(0, 0, 1)

	t.Run("should isolate company failures from the rest of the batch", func(t *testing.T) {
		// Setup
		service, mock, _, producer, clk, cleanup := setupCreditNoteService(t)
		defer cleanup()

		mock.ExpectQuery(fetchPendingCompaniesQuery).
			WithArgs(dayStart, dayEnd).
			WillReturnRows(sqlmock.NewRows([]string{"company_id"}).AddRow("comp123").AddRow("comp456"))

		// First company fails outright
		mock.ExpectQuery(fetchCompanyQuery).
			WithArgs("comp123", 1).
			WillReturnError(errors.New("database connection failed"))

		// Second company gets its note
		mock.ExpectQuery(fetchCompanyQuery).
			WithArgs("comp456", 1).
			WillReturnRows(sqlmock.NewRows(companyColumns).
				AddRow("comp456", "Hanse Roaming GmbH", "finance@hanse-roaming.de", "DE", "EUR", "", clk.Now(), clk.Now()))
		mock.ExpectQuery(fetchCreditableQuery).
			WithArgs("comp456", dayStart, dayEnd).
			WillReturnRows(sqlmock.NewRows(creditableColumns).
				AddRow("sub9", "comp456", "plan123", "cancelled", true, dayStart.Add(8*time.Hour), 30, "100", "EUR", "Europe 10GB"))
		mock.ExpectBegin()
		mock.ExpectQuery(nextNumberQuery).
			WillReturnRows(sqlmock.NewRows([]string{"number"}))
		mock.ExpectExec(insertNoteQuery).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(insertOneItemQuery).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(markOneCreditedQuery).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()
		mock.ExpectExec(markNotificationQuery).
			WillReturnResult(sqlmock.NewResult(0, 1))

		// Execute
		result := service.ProcessDailyCreditNotes(context.Background(), date)

		// Assert
		assert.True(t, result.Success())
		assert.Equal(t, BatchStats{Companies: 2, Issued: 1, Failed: 1}, result.Value())
		assert.Equal(t, 1, producer.ExecutionCount)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("should fail when the company scan fails", func(t *testing.T) {
		// Setup
		service, mock, _, _, _, cleanup := setupCreditNoteService(t)
		defer cleanup()

		dbError := errors.New("database connection failed")
		mock.ExpectQuery(fetchPendingCompaniesQuery).
			WithArgs(dayStart, dayEnd).
			WillReturnError(dbError)

		// Execute
		result := service.ProcessDailyCreditNotes(context.Background(), date)

		// Assert
		assert.False(t, result.Success())
		assert.Equal(t, dbError, result.Error())
	})
}

func TestResendOutstandingNotifications(t *testing.T) {
	t.Run("should resend what it can and skip the rest", func(t *testing.T) {
		// Setup
		service, mock, notifier, _, clk, cleanup := setupCreditNoteService(t)
		defer cleanup()

		issuedOn := time.Date(2026, 4, 15, 0, 0, 0, 0, time.UTC)

		mock.ExpectQuery(outstandingNotificationsQuery).
			WithArgs(false, 50).
			WillReturnRows(sqlmock.NewRows(noteColumns).
				AddRow("note1", "CN-20260415-0001", "comp123", "subscription_cancellation", "AED", "105", issuedOn, false, clk.Now(), clk.Now()).
				AddRow("note2", "CN-20260415-0002", "comp456", "subscription_cancellation", "EUR", "100", issuedOn, false, clk.Now(), clk.Now()))

		// First note's company is unavailable, the note stays outstanding
		mock.ExpectQuery(fetchCompanyQuery).
			WithArgs("comp123", 1).
			WillReturnError(errors.New("database connection failed"))

		// Second note goes out
		mock.ExpectQuery(fetchCompanyQuery).
			WithArgs("comp456", 1).
			WillReturnRows(sqlmock.NewRows(companyColumns).
				AddRow("comp456", "Hanse Roaming GmbH", "finance@hanse-roaming.de", "DE", "EUR", "", clk.Now(), clk.Now()))
		mock.ExpectQuery(creditNoteItemsQuery).
			WithArgs("note2").
			WillReturnRows(sqlmock.NewRows(itemColumns).
				AddRow("item1", "note2", "sub9", "principal", "Refund for Europe 10GB", "100", "EUR", clk.Now()))
		mock.ExpectExec(markNotificationQuery).
			WithArgs(true, clk.Now(), clk.Now(), "note2").
			WillReturnResult(sqlmock.NewResult(0, 1))

		// Execute
		result := service.ResendOutstandingNotifications(context.Background(), 50)

		// Assert
		assert.True(t, result.Success())
		assert.Equal(t, 1, result.Value())
		assert.Equal(t, []string{"finance@hanse-roaming.de"}, notifier.Recipients)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("should leave notes outstanding when the company has no email", func(t *testing.T) {
		// Setup
		service, mock, notifier, _, clk, cleanup := setupCreditNoteService(t)
		defer cleanup()

		issuedOn := time.Date(2026, 4, 15, 0, 0, 0, 0, time.UTC)

		mock.ExpectQuery(outstandingNotificationsQuery).
			WithArgs(false, 50).
			WillReturnRows(sqlmock.NewRows(noteColumns).
				AddRow("note1", "CN-20260415-0001", "comp123", "subscription_cancellation", "AED", "105", issuedOn, false, clk.Now(), clk.Now()))
		mock.ExpectQuery(fetchCompanyQuery).
			WithArgs("comp123", 1).
			WillReturnRows(sqlmock.NewRows(companyColumns).
				AddRow("comp123", "Dune Mobility FZ-LLC", "", "AE", "AED", "", clk.Now(), clk.Now()))
		mock.ExpectQuery(creditNoteItemsQuery).
			WithArgs("note1").
			WillReturnRows(sqlmock.NewRows(itemColumns))

		// Execute
		result := service.ResendOutstandingNotifications(context.Background(), 50)

		// Assert
		assert.True(t, result.Success())
		assert.Equal(t, 0, result.Value())
		assert.Equal(t, 0, notifier.ExecutionCount)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestSharedBillID(t *testing.T) {
	bill9 := "bill9"
	bill7 := "bill7"

	t.Run("should return the bill shared by every subscription", func(t *testing.T) {
		subs := []models.Subscription{{BillID: &bill9}, {BillID: &bill9}}
		shared := sharedBillID(subs)

		require.NotNil(t, shared)
		assert.Equal(t, "bill9", *shared)
	})

	t.Run("should return nil on mixed or missing bills", func(t *testing.T) {
		assert.Nil(t, sharedBillID([]models.Subscription{{BillID: &bill9}, {BillID: &bill7}}))
		assert.Nil(t, sharedBillID([]models.Subscription{{BillID: &bill9}, {BillID: nil}}))
		assert.Nil(t, sharedBillID([]models.Subscription{}))
	})
}
