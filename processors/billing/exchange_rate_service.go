package billing

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"github.com/shopspring/decimal"

	"github.com/roamlink/portal/lifecycle-processor/config/redis"
	"github.com/roamlink/portal/lifecycle-processor/models"
	"github.com/roamlink/portal/lifecycle-processor/utils"
)

const sharedRatesKey string = "portal:exchange_rates"

var zeroDecimalCurrencies = map[string]bool{
	"JPY": true,
	"KRW": true,
	"VND": true,
}

func minorUnitDigits(currency string) int32 {
	if zeroDecimalCurrencies[strings.ToUpper(currency)] {
		return 0
	}
	return 2
}

func rateKey(from string, to string) string {
	return strings.ToUpper(from) + ":" + strings.ToUpper(to)
}

// ExchangeRateService serves currency conversions from an in-process cache
// backed by the exchange_rates table. The whole cache refreshes together
// once it is older than the freshness window; a pair that is still missing
// after a refresh converts 1:1 so crediting never blocks on rate coverage.
type ExchangeRateService struct {
	logger *slog.Logger
	store  *models.AdminStore
	shared *redis.RedisDB
	clock  clock.Clock

	freshness     time.Duration
	cache         *gocache.Cache
	mutex         sync.Mutex
	lastRefreshAt time.Time
}

func NewExchangeRateService(logger *slog.Logger, store *models.AdminStore, shared *redis.RedisDB, clk clock.Clock, freshness time.Duration) *ExchangeRateService {
	return &ExchangeRateService{
		logger:    logger,
		store:     store,
		shared:    shared,
		clock:     clk,
		freshness: freshness,
		cache:     gocache.New(freshness, 2*freshness),
	}
}

func (service *ExchangeRateService) GetRate(from string, to string) decimal.Decimal {
	from = strings.ToUpper(from)
	to = strings.ToUpper(to)

	if from == to {
		return decimal.NewFromInt(1)
	}

	service.ensureFresh()

	if cached, found := service.cache.Get(rateKey(from, to)); found {
		if rate, ok := cached.(decimal.Decimal); ok {
			return rate
		}
	}

	service.logger.Warn("No exchange rate for pair, converting 1:1", slog.String("from", from), slog.String("to", to))

	return decimal.NewFromInt(1)
}

// ConvertAmount converts and rounds to the target currency's minor unit.
func (service *ExchangeRateService) ConvertAmount(amount decimal.Decimal, from string, to string) decimal.Decimal {
	return amount.Mul(service.GetRate(from, to)).Round(minorUnitDigits(to))
}

// UpdateRate writes a single rate through to the database, the local cache
// and the shared cache other portal services read.
func (service *ExchangeRateService) UpdateRate(ctx context.Context, from string, to string, rate decimal.Decimal, source string) utils.Result[*models.ExchangeRate] {
	from = strings.ToUpper(from)
	to = strings.ToUpper(to)

	record := &models.ExchangeRate{
		ID:           uuid.NewString(),
		FromCurrency: from,
		ToCurrency:   to,
		Rate:         rate,
		Source:       source,
		FetchedAt:    service.clock.Now(),
	}

	upsertResult := service.store.UpsertExchangeRate(record)
	if upsertResult.Failure() {
		return upsertResult
	}

	service.cache.Set(rateKey(from, to), rate, gocache.DefaultExpiration)

	if service.shared != nil {
		if err := service.shared.Client.HSet(ctx, sharedRatesKey, rateKey(from, to), rate.String()).Err(); err != nil {
			service.logger.Warn("Failed to mirror exchange rate to shared cache", slog.String("pair", rateKey(from, to)), slog.String("error", err.Error()))
		}
	}

	return upsertResult
}

// RefreshCache reloads every rate from the database and swaps the cache
// content in one go. The refresh stamp advances on every attempt so a
// failing database does not get hammered by each conversion.
func (service *ExchangeRateService) RefreshCache() utils.Result[int] {
	ratesResult := service.store.FetchAllExchangeRates()

	service.mutex.Lock()
	service.lastRefreshAt = service.clock.Now()
	service.mutex.Unlock()

	if ratesResult.Failure() {
		return utils.FailedResult[int](ratesResult.Error())
	}

	rates := ratesResult.Value()

	service.cache.Flush()
	for _, rate := range rates {
		service.cache.Set(rateKey(rate.FromCurrency, rate.ToCurrency), rate.Rate, gocache.DefaultExpiration)
	}

	return utils.SuccessResult(len(rates))
}

func (service *ExchangeRateService) ensureFresh() {
	service.mutex.Lock()
	stale := service.clock.Now().Sub(service.lastRefreshAt) >= service.freshness
	service.mutex.Unlock()

	if !stale {
		return
	}

	if result := service.RefreshCache(); result.Failure() {
		service.logger.Error("Exchange rate refresh failed, serving cached rates", slog.String("error", result.ErrorMsg()))

		if result.IsCapturable() {
			utils.CaptureErrorResult(result)
		}
	}
}
