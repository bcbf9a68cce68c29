package billing

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/roamlink/portal/lifecycle-processor/models"
	"github.com/roamlink/portal/lifecycle-processor/processors/lifecycle"
	"github.com/roamlink/portal/lifecycle-processor/processors/reconciliation"
	"github.com/roamlink/portal/lifecycle-processor/utils"
)

const creditReasonCancellation string = "subscription_cancellation"

type CreditNoteConfig struct {
	VATRate    decimal.Decimal
	VATCountry string
}

// BatchStats summarizes one daily crediting run.
type BatchStats struct {
	Companies int
	Issued    int
	Failed    int
}

// CreditNoteService issues credit notes for cancelled subscriptions. One
// note per company per run, covering every cancellation of the given day
// that has not been credited yet. The credit-note reference written onto
// each subscription is the idempotency guard: re-runs never see those
// subscriptions again.
type CreditNoteService struct {
	logger   *slog.Logger
	store    *models.AdminStore
	rates    *ExchangeRateService
	notifier Notifier
	producer *lifecycle.ProducerService
	clock    clock.Clock
	config   CreditNoteConfig
}

func NewCreditNoteService(
	logger *slog.Logger,
	store *models.AdminStore,
	rates *ExchangeRateService,
	notifier Notifier,
	producer *lifecycle.ProducerService,
	clk clock.Clock,
	creditNoteConfig CreditNoteConfig,
) *CreditNoteService {
	return &CreditNoteService{
		logger:   logger,
		store:    store,
		rates:    rates,
		notifier: notifier,
		producer: producer,
		clock:    clk,
		config:   creditNoteConfig,
	}
}

// GenerateForCompany issues the company's credit note for cancellations of
// the given calendar day. A nil note on success means nothing was creditable.
func (service *CreditNoteService) GenerateForCompany(ctx context.Context, companyID string, date time.Time) utils.Result[*models.CreditNote] {
	dayStart, dayEnd := dayBounds(date)

	companyResult := service.store.FetchCompany(companyID)
	if companyResult.Failure() {
		return failedCreditNoteResult(companyResult)
	}
	company := companyResult.Value()

	subsResult := service.store.FetchCreditableSubscriptions(companyID, dayStart, dayEnd)
	if subsResult.Failure() {
		return failedCreditNoteResult(subsResult)
	}

	now := service.clock.Now()

	creditable := make([]models.Subscription, 0, len(subsResult.Value()))
	for _, sub := range subsResult.Value() {
		if reconciliation.IsCancelled(&sub, now) {
			creditable = append(creditable, sub)
		}
	}

	if len(creditable) == 0 {
		return utils.SuccessResult[*models.CreditNote](nil)
	}

	vatLiable := strings.EqualFold(company.Country, service.config.VATCountry)

	total := decimal.Zero
	items := make([]models.CreditNoteItem, 0, len(creditable)*2)
	subscriptionIDs := make([]string, 0, len(creditable))

	for index := range creditable {
		sub := &creditable[index]

		principal := service.rates.ConvertAmount(sub.PlanPrice, sub.PlanCurrency, company.Currency)
		items = append(items, models.CreditNoteItem{
			ID:             uuid.NewString(),
			SubscriptionID: sub.ID,
			Kind:           models.CreditItemPrincipal,
			Description:    fmt.Sprintf("Refund for %s", sub.PlanName),
			Amount:         principal,
			Currency:       company.Currency,
		})
		total = total.Add(principal)

		if vatLiable {
			vat := principal.Mul(service.config.VATRate).Round(minorUnitDigits(company.Currency))
			items = append(items, models.CreditNoteItem{
				ID:             uuid.NewString(),
				SubscriptionID: sub.ID,
				Kind:           models.CreditItemVAT,
				Description:    fmt.Sprintf("VAT on refund for %s", sub.PlanName),
				Amount:         vat,
				Currency:       company.Currency,
			})
			total = total.Add(vat)
		}

		subscriptionIDs = append(subscriptionIDs, sub.ID)
	}

	note := &models.CreditNote{
		ID:          uuid.NewString(),
		CompanyID:   company.ID,
		BillID:      sharedBillID(creditable),
		Reason:      creditReasonCancellation,
		Currency:    company.Currency,
		TotalAmount: total,
		IssuedOn:    dayStart,
	}

	createResult := service.store.CreateCreditNote(note, items, subscriptionIDs, now)
	if createResult.Failure() {
		return createResult
	}

	service.logger.Info(
		"Issued credit note",
		slog.String("number", note.Number),
		slog.String("company_id", company.ID),
		slog.String("total", note.TotalAmount.StringFixed(minorUnitDigits(note.Currency))),
		slog.String("currency", note.Currency),
		slog.Int("subscriptions", len(subscriptionIDs)),
	)

	service.notify(note, company, items)

	event := models.NewCreditNoteIssuedEvent(note, now)
	service.producer.ProduceCreditNoteIssued(ctx, event)

	return createResult
}

// ProcessDailyCreditNotes runs the crediting scan for every company holding
// un-credited cancellations on the given day. A single company's failure
// never aborts the batch: the next run picks the company up again and the
// reference filter makes that safe.
func (service *CreditNoteService) ProcessDailyCreditNotes(ctx context.Context, date time.Time) utils.Result[BatchStats] {
	dayStart, dayEnd := dayBounds(date)

	companiesResult := service.store.FetchCompaniesWithPendingCredits(dayStart, dayEnd)
	if companiesResult.Failure() {
		return utils.FailedResult[BatchStats](companiesResult.Error())
	}

	companies := companiesResult.Value()
	stats := BatchStats{Companies: len(companies)}

	for _, companyID := range companies {
		if ctx.Err() != nil {
			break
		}

		noteResult := service.GenerateForCompany(ctx, companyID, date)
		if noteResult.Failure() {
			stats.Failed++
			service.logger.Error(
				"Credit note generation failed for company",
				slog.String("company_id", companyID),
				slog.String("error", noteResult.ErrorMsg()),
			)

			if noteResult.IsCapturable() {
				utils.CaptureErrorResultWithExtra(noteResult, "company_id", companyID)
			}
			continue
		}

		if noteResult.Value() != nil {
			stats.Issued++
		}
	}

	service.logger.Info(
		"Daily credit note batch finished",
		slog.String("day", dayStart.Format("2006-01-02")),
		slog.Int("companies", stats.Companies),
		slog.Int("issued", stats.Issued),
		slog.Int("failed", stats.Failed),
	)

	return utils.SuccessResult(stats)
}

// ResendOutstandingNotifications retries the email for credit notes whose
// notification never went out.
func (service *CreditNoteService) ResendOutstandingNotifications(ctx context.Context, limit int) utils.Result[int] {
	notesResult := service.store.FetchOutstandingNotifications(limit)
	if notesResult.Failure() {
		return utils.FailedResult[int](notesResult.Error())
	}

	sent := 0
	for index := range notesResult.Value() {
		if ctx.Err() != nil {
			break
		}

		note := &notesResult.Value()[index]

		companyResult := service.store.FetchCompany(note.CompanyID)
		if companyResult.Failure() {
			service.logger.Error("Cannot resend notification without company", slog.String("credit_note", note.Number), slog.String("error", companyResult.ErrorMsg()))
			continue
		}

		itemsResult := service.store.FetchCreditNoteItems(note.ID)
		if itemsResult.Failure() {
			service.logger.Error("Cannot resend notification without items", slog.String("credit_note", note.Number), slog.String("error", itemsResult.ErrorMsg()))
			continue
		}

		if service.notify(note, companyResult.Value(), itemsResult.Value()) {
			sent++
		}
	}

	return utils.SuccessResult(sent)
}

// notify emails the credit note and marks it sent. A send failure leaves the
// note outstanding, it never touches the financial record.
func (service *CreditNoteService) notify(note *models.CreditNote, company *models.Company, items []models.CreditNoteItem) bool {
	if company.Email == "" {
		service.logger.Warn("Company has no billing email, notification stays outstanding", slog.String("company_id", company.ID))
		return false
	}

	if err := service.notifier.Send(company.Email, note, company, items); err != nil {
		service.logger.Error(
			"Failed to send credit note notification",
			slog.String("credit_note", note.Number),
			slog.String("error", err.Error()),
		)
		utils.CaptureError(err)
		return false
	}

	markResult := service.store.MarkNotificationSent(note.ID, service.clock.Now())
	if markResult.Failure() {
		service.logger.Error(
			"Failed to mark notification as sent",
			slog.String("credit_note", note.Number),
			slog.String("error", markResult.ErrorMsg()),
		)

		if markResult.IsCapturable() {
			utils.CaptureErrorResult(markResult)
		}
	}

	return true
}

func dayBounds(date time.Time) (time.Time, time.Time) {
	dayStart := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, time.UTC)
	return dayStart, dayStart.AddDate(0, 0, 1)
}

// sharedBillID returns the originating bill reference when every credited
// subscription came from the same one.
func sharedBillID(subs []models.Subscription) *string {
	var shared *string

	for index := range subs {
		billID := subs[index].BillID
		if billID == nil {
			return nil
		}

		if shared == nil {
			shared = billID
			continue
		}

		if *shared != *billID {
			return nil
		}
	}

	return shared
}

func failedCreditNoteResult(r utils.AnyResult) utils.Result[*models.CreditNote] {
	result := utils.FailedResult[*models.CreditNote](r.Error())
	result.Retryable = r.IsRetryable()
	result.Capture = r.IsCapturable()
	return result
}
