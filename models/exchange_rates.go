package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm/clause"

	"github.com/roamlink/portal/lifecycle-processor/utils"
)

type ExchangeRate struct {
	ID           string `gorm:"primaryKey"`
	FromCurrency string
	ToCurrency   string
	Rate         decimal.Decimal
	Source       string
	FetchedAt    time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (store *AdminStore) FetchAllExchangeRates() utils.Result[[]ExchangeRate] {
	var rates []ExchangeRate

	result := store.db.Connection.
		Table("exchange_rates").
		Order("exchange_rates.from_currency ASC, exchange_rates.to_currency ASC").
		Find(&rates)

	if result.Error != nil {
		return utils.FailedResult[[]ExchangeRate](result.Error)
	}

	return utils.SuccessResult(rates)
}

// UpsertExchangeRate inserts the rate or refreshes an existing row for the
// same currency pair.
func (store *AdminStore) UpsertExchangeRate(rate *ExchangeRate) utils.Result[*ExchangeRate] {
	result := store.db.Connection.
		Table("exchange_rates").
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "from_currency"}, {Name: "to_currency"}},
			DoUpdates: clause.AssignmentColumns([]string{"rate", "source", "fetched_at", "updated_at"}),
		}).
		Create(rate)

	if result.Error != nil {
		return utils.FailedResult[*ExchangeRate](result.Error)
	}

	return utils.SuccessResult(rate)
}
