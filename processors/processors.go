package processors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/roamlink/portal/lifecycle-processor/config/database"
	"github.com/roamlink/portal/lifecycle-processor/config/kafka"
	"github.com/roamlink/portal/lifecycle-processor/config/redis"
	"github.com/roamlink/portal/lifecycle-processor/models"
	"github.com/roamlink/portal/lifecycle-processor/processors/billing"
	"github.com/roamlink/portal/lifecycle-processor/processors/lifecycle"
	"github.com/roamlink/portal/lifecycle-processor/processors/reconciliation"
	"github.com/roamlink/portal/lifecycle-processor/provider"
	"github.com/roamlink/portal/lifecycle-processor/utils"
)

const (
	envEnv                                    = "ENV"
	envRoamlinkKafkaBootstrapServers          = "ROAMLINK_KAFKA_BOOTSTRAP_SERVERS"
	envRoamlinkKafkaLifecycleEventsTopic      = "ROAMLINK_KAFKA_LIFECYCLE_EVENTS_TOPIC"
	envRoamlinkKafkaPassword                  = "ROAMLINK_KAFKA_PASSWORD"
	envRoamlinkKafkaScramAlgorithm            = "ROAMLINK_KAFKA_SCRAM_ALGORITHM"
	envRoamlinkKafkaTLS                       = "ROAMLINK_KAFKA_TLS"
	envRoamlinkKafkaUsername                  = "ROAMLINK_KAFKA_USERNAME"
	envRoamlinkKafkaWebhookHealthTopic        = "ROAMLINK_KAFKA_WEBHOOK_HEALTH_TOPIC"
	envRoamlinkLifecycleConsumerGroup         = "ROAMLINK_LIFECYCLE_CONSUMER_GROUP"
	envRoamlinkLifecycleCreditNoteCron        = "ROAMLINK_LIFECYCLE_CREDIT_NOTE_CRON"
	envRoamlinkLifecycleDatabaseMaxConns      = "ROAMLINK_LIFECYCLE_DATABASE_MAX_CONNECTIONS"
	envRoamlinkLifecycleExpiryBatchLimit      = "ROAMLINK_LIFECYCLE_EXPIRY_BATCH_LIMIT"
	envRoamlinkLifecycleFailureThreshold      = "ROAMLINK_LIFECYCLE_FAILURE_THRESHOLD"
	envRoamlinkLifecycleMaxRecoveryAttempts   = "ROAMLINK_LIFECYCLE_MAX_RECOVERY_ATTEMPTS"
	envRoamlinkLifecyclePollConcurrency       = "ROAMLINK_LIFECYCLE_POLL_CONCURRENCY"
	envRoamlinkLifecyclePollTimeout           = "ROAMLINK_LIFECYCLE_POLL_TIMEOUT"
	envRoamlinkLifecycleRateFreshnessWindow   = "ROAMLINK_LIFECYCLE_RATE_FRESHNESS_WINDOW"
	envRoamlinkLifecycleRateRefreshCron       = "ROAMLINK_LIFECYCLE_RATE_REFRESH_CRON"
	envRoamlinkLifecycleRecoveryBatchLimit    = "ROAMLINK_LIFECYCLE_RECOVERY_BATCH_LIMIT"
	envRoamlinkLifecycleRecoveryCooldown      = "ROAMLINK_LIFECYCLE_RECOVERY_COOLDOWN"
	envRoamlinkLifecycleRecoveryLookback      = "ROAMLINK_LIFECYCLE_RECOVERY_LOOKBACK"
	envRoamlinkLifecycleResendLimit           = "ROAMLINK_LIFECYCLE_NOTIFICATION_RESEND_LIMIT"
	envRoamlinkLifecycleSafetyNetActivation   = "ROAMLINK_LIFECYCLE_SAFETY_NET_ACTIVATION_AFTER"
	envRoamlinkLifecycleSafetyNetBatchLimit   = "ROAMLINK_LIFECYCLE_SAFETY_NET_BATCH_LIMIT"
	envRoamlinkLifecycleSafetyNetCheckEvery   = "ROAMLINK_LIFECYCLE_SAFETY_NET_CHECK_INTERVAL"
	envRoamlinkLifecycleSafetyNetDeactivation = "ROAMLINK_LIFECYCLE_SAFETY_NET_DEACTIVATION_AFTER"
	envRoamlinkLifecycleSafetyNetEvaluate     = "ROAMLINK_LIFECYCLE_SAFETY_NET_EVALUATE_INTERVAL"
	envRoamlinkLifecycleSafetyNetLookback     = "ROAMLINK_LIFECYCLE_SAFETY_NET_LOOKBACK"
	envRoamlinkLifecycleStaleEventHorizon     = "ROAMLINK_LIFECYCLE_STALE_EVENT_HORIZON"
	envRoamlinkLifecycleSweepInterval         = "ROAMLINK_LIFECYCLE_SWEEP_INTERVAL"
	envRoamlinkLifecycleVATCountry            = "ROAMLINK_LIFECYCLE_VAT_COUNTRY"
	envRoamlinkLifecycleVATRate               = "ROAMLINK_LIFECYCLE_VAT_RATE"
	envRoamlinkProviderAPIKey                 = "ROAMLINK_PROVIDER_API_KEY"
	envRoamlinkProviderAPIURL                 = "ROAMLINK_PROVIDER_API_URL"
	envRoamlinkProviderTimeout                = "ROAMLINK_PROVIDER_TIMEOUT"
	envRoamlinkRedisStoreDB                   = "ROAMLINK_REDIS_STORE_DB"
	envRoamlinkRedisStorePassword             = "ROAMLINK_REDIS_STORE_PASSWORD"
	envRoamlinkRedisStoreTLS                  = "ROAMLINK_REDIS_STORE_TLS"
	envRoamlinkRedisStoreURL                  = "ROAMLINK_REDIS_STORE_URL"
	envRoamlinkSMTPFrom                       = "ROAMLINK_SMTP_FROM"
	envRoamlinkSMTPHost                       = "ROAMLINK_SMTP_HOST"
	envRoamlinkSMTPPassword                   = "ROAMLINK_SMTP_PASSWORD"
	envRoamlinkSMTPPort                       = "ROAMLINK_SMTP_PORT"
	envRoamlinkSMTPUsername                   = "ROAMLINK_SMTP_USERNAME"
)

type Config struct {
	Logger       *slog.Logger
	UseTelemetry bool
}

func initProducer(ctx context.Context, kafkaConfig kafka.ServerConfig, topicEnv string) (*kafka.Producer, error) {
	if os.Getenv(topicEnv) == "" {
		return nil, fmt.Errorf("%s variable is required", topicEnv)
	}

	topic := os.Getenv(topicEnv)
	producer, err := kafka.NewProducer(
		kafkaConfig,
		&kafka.ProducerConfig{
			Topic: topic,
		})
	if err != nil {
		return nil, err
	}

	err = producer.Ping(ctx)
	if err != nil {
		return nil, err
	}

	return producer, nil
}

func initRedisStore(ctx context.Context) (*redis.RedisDB, error) {
	redisDb, err := utils.GetEnvAsInt(envRoamlinkRedisStoreDB, 0)
	if err != nil {
		return nil, err
	}

	// Deprecated: Use env ROAMLINK_REDIS_STORE_TLS instead
	legacyTLS := os.Getenv(envEnv) == "production"

	redisConfig := redis.RedisConfig{
		Address:  os.Getenv(envRoamlinkRedisStoreURL),
		Password: os.Getenv(envRoamlinkRedisStorePassword),
		DB:       redisDb,
		UseTLS:   utils.GetEnvAsBool(envRoamlinkRedisStoreTLS, legacyTLS),
	}

	return redis.NewRedisDB(ctx, redisConfig)
}

func coordinatorConfigFromEnv() (reconciliation.CoordinatorConfig, error) {
	threshold, err := utils.GetEnvAsInt(envRoamlinkLifecycleFailureThreshold, 5)
	if err != nil {
		return reconciliation.CoordinatorConfig{}, err
	}

	maxAttempts, err := utils.GetEnvAsInt(envRoamlinkLifecycleMaxRecoveryAttempts, 3)
	if err != nil {
		return reconciliation.CoordinatorConfig{}, err
	}

	cooldown, err := utils.GetEnvAsDuration(envRoamlinkLifecycleRecoveryCooldown, 10*time.Minute)
	if err != nil {
		return reconciliation.CoordinatorConfig{}, err
	}

	sweepInterval, err := utils.GetEnvAsDuration(envRoamlinkLifecycleSweepInterval, time.Minute)
	if err != nil {
		return reconciliation.CoordinatorConfig{}, err
	}

	return reconciliation.CoordinatorConfig{
		FailureThreshold:    threshold,
		MaxRecoveryAttempts: maxAttempts,
		RecoveryCooldown:    cooldown,
		SweepInterval:       sweepInterval,
	}, nil
}

func reconcilerConfigFromEnv() (reconciliation.ReconcilerConfig, error) {
	pollTimeout, err := utils.GetEnvAsDuration(envRoamlinkLifecyclePollTimeout, 10*time.Second)
	if err != nil {
		return reconciliation.ReconcilerConfig{}, err
	}

	concurrency, err := utils.GetEnvAsInt(envRoamlinkLifecyclePollConcurrency, 5)
	if err != nil {
		return reconciliation.ReconcilerConfig{}, err
	}

	lookback, err := utils.GetEnvAsDuration(envRoamlinkLifecycleRecoveryLookback, 24*time.Hour)
	if err != nil {
		return reconciliation.ReconcilerConfig{}, err
	}

	batchLimit, err := utils.GetEnvAsInt(envRoamlinkLifecycleRecoveryBatchLimit, 50)
	if err != nil {
		return reconciliation.ReconcilerConfig{}, err
	}

	return reconciliation.ReconcilerConfig{
		PollTimeout:        pollTimeout,
		Concurrency:        concurrency,
		RecoveryLookback:   lookback,
		RecoveryBatchLimit: batchLimit,
	}, nil
}

func safetyNetConfigFromEnv() (reconciliation.SafetyNetConfig, error) {
	activationAfter, err := utils.GetEnvAsDuration(envRoamlinkLifecycleSafetyNetActivation, 30*time.Minute)
	if err != nil {
		return reconciliation.SafetyNetConfig{}, err
	}

	deactivationAfter, err := utils.GetEnvAsDuration(envRoamlinkLifecycleSafetyNetDeactivation, 2*time.Hour)
	if err != nil {
		return reconciliation.SafetyNetConfig{}, err
	}

	evaluateInterval, err := utils.GetEnvAsDuration(envRoamlinkLifecycleSafetyNetEvaluate, time.Minute)
	if err != nil {
		return reconciliation.SafetyNetConfig{}, err
	}

	checkInterval, err := utils.GetEnvAsDuration(envRoamlinkLifecycleSafetyNetCheckEvery, 5*time.Minute)
	if err != nil {
		return reconciliation.SafetyNetConfig{}, err
	}

	lookback, err := utils.GetEnvAsDuration(envRoamlinkLifecycleSafetyNetLookback, 24*time.Hour)
	if err != nil {
		return reconciliation.SafetyNetConfig{}, err
	}

	batchLimit, err := utils.GetEnvAsInt(envRoamlinkLifecycleSafetyNetBatchLimit, 25)
	if err != nil {
		return reconciliation.SafetyNetConfig{}, err
	}

	return reconciliation.SafetyNetConfig{
		ActivationAfter:   activationAfter,
		DeactivationAfter: deactivationAfter,
		EvaluateInterval:  evaluateInterval,
		CheckInterval:     checkInterval,
		Lookback:          lookback,
		BatchLimit:        batchLimit,
	}, nil
}

// Run wires the processor together and consumes webhook health events until
// the context ends. Everything is built locally and handed to the components
// that need it, so the wiring reads top to bottom: storage, transport,
// services, then the timers that drive them.
func Run(ctx context.Context, config *Config) {
	serverBrokers := utils.ParseBrokersEnv(os.Getenv(envRoamlinkKafkaBootstrapServers))
	if len(serverBrokers) == 0 {
		config.Logger.Error("brokers not found")
		panic("brokers not found")
	}

	kafkaConfig := kafka.ServerConfig{
		ScramAlgorithm: os.Getenv(envRoamlinkKafkaScramAlgorithm),
		TLS:            utils.GetEnvAsBool(envRoamlinkKafkaTLS, false),
		Servers:        serverBrokers,
		UseTelemetry:   config.UseTelemetry,
		UserName:       os.Getenv(envRoamlinkKafkaUsername),
		Password:       os.Getenv(envRoamlinkKafkaPassword),
	}

	lifecycleProducer, err := initProducer(ctx, kafkaConfig, envRoamlinkKafkaLifecycleEventsTopic)
	if err != nil {
		utils.LogAndPanic(config.Logger, err, "failed to initialize lifecycle events producer")
	}

	maxConns, err := utils.GetEnvAsInt(envRoamlinkLifecycleDatabaseMaxConns, 200)
	if err != nil {
		utils.LogAndPanic(config.Logger, err, "Error converting max connections into integer")
	}

	dbConfig := database.DBConfig{
		Url:      os.Getenv("DATABASE_URL"),
		MaxConns: int32(maxConns),
	}

	db, err := database.NewConnection(dbConfig)
	if err != nil {
		utils.LogAndPanic(config.Logger, err, "Error connecting to the database")
	}
	defer db.Close()

	if err = db.Ping(ctx); err != nil {
		utils.LogAndPanic(config.Logger, err, "Error pinging the database")
	}

	adminStore := models.NewAdminStore(db)

	redisDB, err := initRedisStore(ctx)
	if err != nil {
		utils.LogAndPanic(config.Logger, err, "Error connecting to the redis store")
	}
	defer redisDB.Client.Close()

	patternStore := models.NewPatternStore(ctx, redisDB, config.Logger)
	flagStore := models.NewFlagStore(ctx, redisDB, "degraded_webhook_endpoints")

	clk := clock.New()

	providerTimeout, err := utils.GetEnvAsDuration(envRoamlinkProviderTimeout, 15*time.Second)
	if err != nil {
		utils.LogAndPanic(config.Logger, err, "Error parsing the provider timeout")
	}

	providerClient := provider.NewHTTPClient(
		config.Logger,
		os.Getenv(envRoamlinkProviderAPIURL),
		os.Getenv(envRoamlinkProviderAPIKey),
		providerTimeout,
	)

	producerService := lifecycle.NewProducerService(lifecycleProducer, config.Logger)

	reconcilerConfig, err := reconcilerConfigFromEnv()
	if err != nil {
		utils.LogAndPanic(config.Logger, err, "Error parsing the reconciler configuration")
	}
	reconciler := reconciliation.NewEsimStatusReconciler(config.Logger, adminStore, providerClient, producerService, clk, reconcilerConfig)

	coordinatorConfig, err := coordinatorConfigFromEnv()
	if err != nil {
		utils.LogAndPanic(config.Logger, err, "Error parsing the coordinator configuration")
	}
	coordinator := reconciliation.NewWebhookReliabilityCoordinator(
		config.Logger,
		coordinatorConfig,
		clk,
		reconciler.RunRecovery,
		patternStore,
		flagStore,
	)

	patterns, err := patternStore.LoadAll()
	if err != nil {
		config.Logger.Warn("Could not restore persisted failure patterns", slog.String("error", err.Error()))
	} else if len(patterns) > 0 {
		coordinator.Restore(patterns)
		config.Logger.Info("Restored persisted failure patterns", slog.Int("count", len(patterns)))
	}

	safetyNetConfig, err := safetyNetConfigFromEnv()
	if err != nil {
		utils.LogAndPanic(config.Logger, err, "Error parsing the safety net configuration")
	}
	safetyNet := reconciliation.NewSafetyNetActivator(config.Logger, safetyNetConfig, clk, coordinator, reconciler)

	rateFreshness, err := utils.GetEnvAsDuration(envRoamlinkLifecycleRateFreshnessWindow, time.Hour)
	if err != nil {
		utils.LogAndPanic(config.Logger, err, "Error parsing the rate freshness window")
	}
	rateService := billing.NewExchangeRateService(config.Logger, adminStore, redisDB, clk, rateFreshness)

	vatRate, err := decimal.NewFromString(utils.GetEnvDefault(envRoamlinkLifecycleVATRate, "0.05"))
	if err != nil {
		utils.LogAndPanic(config.Logger, err, "Error parsing the VAT rate")
	}

	smtpPort, err := utils.GetEnvAsInt(envRoamlinkSMTPPort, 587)
	if err != nil {
		utils.LogAndPanic(config.Logger, err, "Error parsing the SMTP port")
	}

	notifier := billing.NewMailNotifier(billing.SMTPConfig{
		Host:     os.Getenv(envRoamlinkSMTPHost),
		Port:     smtpPort,
		Username: os.Getenv(envRoamlinkSMTPUsername),
		Password: os.Getenv(envRoamlinkSMTPPassword),
		From:     os.Getenv(envRoamlinkSMTPFrom),
	})

	creditNoteService := billing.NewCreditNoteService(
		config.Logger,
		adminStore,
		rateService,
		notifier,
		producerService,
		clk,
		billing.CreditNoteConfig{
			VATRate:    vatRate,
			VATCountry: utils.GetEnvDefault(envRoamlinkLifecycleVATCountry, "AE"),
		},
	)

	staleHorizon, err := utils.GetEnvAsDuration(envRoamlinkLifecycleStaleEventHorizon, 24*time.Hour)
	if err != nil {
		utils.LogAndPanic(config.Logger, err, "Error parsing the stale event horizon")
	}
	healthProcessor := reconciliation.NewHealthEventProcessor(config.Logger, coordinator, clk, staleHorizon)

	expiryLimit, err := utils.GetEnvAsInt(envRoamlinkLifecycleExpiryBatchLimit, 500)
	if err != nil {
		utils.LogAndPanic(config.Logger, err, "Error parsing the expiry batch limit")
	}

	resendLimit, err := utils.GetEnvAsInt(envRoamlinkLifecycleResendLimit, 50)
	if err != nil {
		utils.LogAndPanic(config.Logger, err, "Error parsing the notification resend limit")
	}

	scheduler := cron.New()

	_, err = scheduler.AddFunc(utils.GetEnvDefault(envRoamlinkLifecycleCreditNoteCron, "0 6 * * *"), func() {
		runDailyMaintenance(ctx, config.Logger, clk, reconciler, creditNoteService, expiryLimit, resendLimit)
	})
	if err != nil {
		utils.LogAndPanic(config.Logger, err, "Error scheduling the daily credit note batch")
	}

	_, err = scheduler.AddFunc(utils.GetEnvDefault(envRoamlinkLifecycleRateRefreshCron, "*/30 * * * *"), func() {
		refreshResult := rateService.RefreshCache()
		if refreshResult.Failure() {
			config.Logger.Error("Scheduled exchange rate refresh failed", slog.String("error", refreshResult.ErrorMsg()))
		}
	})
	if err != nil {
		utils.LogAndPanic(config.Logger, err, "Error scheduling the exchange rate refresh")
	}

	scheduler.Start()
	defer scheduler.Stop()

	go coordinator.StartSweeping(ctx)
	go safetyNet.Start(ctx)

	cg, err := kafka.NewConsumerGroup(
		kafkaConfig,
		&kafka.ConsumerGroupConfig{
			Topic:         os.Getenv(envRoamlinkKafkaWebhookHealthTopic),
			ConsumerGroup: os.Getenv(envRoamlinkLifecycleConsumerGroup),
			ProcessRecords: func(ctx context.Context, records []*kgo.Record) []*kgo.Record {
				return healthProcessor.ProcessRecords(ctx, records)
			},
		})
	if err != nil {
		utils.LogAndPanic(config.Logger, err, "Error starting the health event consumer")
	}

	config.Logger.Info("Starting the webhook health consumer")

	err = cg.Start(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		utils.LogAndPanic(config.Logger, err, "Webhook health consumer stopped with error")
	}

	config.Logger.Info("Lifecycle processor stopped")
}

// runDailyMaintenance expires overdue activations, then issues credit notes
// for yesterday's and today's cancellations, then retries outstanding
// notifications. Yesterday runs first so cancellations close to midnight are
// not skipped when the batch fires early in the day.
func runDailyMaintenance(
	ctx context.Context,
	logger *slog.Logger,
	clk clock.Clock,
	reconciler *reconciliation.EsimStatusReconciler,
	creditNotes *billing.CreditNoteService,
	expiryLimit int,
	resendLimit int,
) {
	expireResult := reconciler.ExpireOverdueSubscriptions(ctx, expiryLimit)
	if expireResult.Failure() {
		logger.Error("Expiry sweep failed", slog.String("error", expireResult.ErrorMsg()))

		if expireResult.IsCapturable() {
			utils.CaptureErrorResult(expireResult)
		}
	}

	today := clk.Now()
	for _, day := range []time.Time{today.AddDate(0, 0, -1), today} {
		batchResult := creditNotes.ProcessDailyCreditNotes(ctx, day)
		if batchResult.Failure() {
			logger.Error(
				"Daily credit note batch failed",
				slog.String("day", day.Format("2006-01-02")),
				slog.String("error", batchResult.ErrorMsg()),
			)

			if batchResult.IsCapturable() {
				utils.CaptureErrorResult(batchResult)
			}
		}
	}

	resendResult := creditNotes.ResendOutstandingNotifications(ctx, resendLimit)
	if resendResult.Failure() {
		logger.Error("Outstanding notification resend failed", slog.String("error", resendResult.ErrorMsg()))

		if resendResult.IsCapturable() {
			utils.CaptureErrorResult(resendResult)
		}
	}
}
