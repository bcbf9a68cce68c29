package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl/scram"
	"github.com/twmb/franz-go/plugin/kotel"
	"github.com/twmb/franz-go/plugin/kslog"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/trace"
)

const (
	Scram256 string = "SCRAM-SHA-256"
	Scram512 string = "SCRAM-SHA-512"
)

// ServerConfig holds the broker-level settings shared by every consumer
// and producer in the process.
type ServerConfig struct {
	ScramAlgorithm string
	TLS            bool
	Servers        []string
	UseTelemetry   bool
	UserName       string
	Password       string
}

// NewKafkaClient builds a kgo client from the server config plus any
// role-specific options (consumer group, default topic, ...).
func NewKafkaClient(serverConfig ServerConfig, extraOpts []kgo.Opt) (*kgo.Client, error) {
	logger := slog.Default()
	logger = logger.With("component", "kafka")

	opts := []kgo.Opt{
		kgo.SeedBrokers(serverConfig.Servers...),
		kgo.WithLogger(kslog.New(logger)),
	}
	opts = append(opts, extraOpts...)

	if serverConfig.UseTelemetry {
		telemetryOpt, err := telemetryHooks(context.Background())
		if err != nil {
			return nil, err
		}
		opts = append(opts, telemetryOpt)
	}

	if serverConfig.ScramAlgorithm != "" {
		scramAuth := scram.Auth{
			User: serverConfig.UserName,
			Pass: serverConfig.Password,
		}

		switch serverConfig.ScramAlgorithm {
		case Scram256:
			opts = append(opts, kgo.SASL(scramAuth.AsSha256Mechanism()))
		case Scram512:
			opts = append(opts, kgo.SASL(scramAuth.AsSha512Mechanism()))
		default:
			return nil, fmt.Errorf("unsupported scram algorithm: %s", serverConfig.ScramAlgorithm)
		}
	}

	if serverConfig.TLS {
		opts = append(opts, kgo.DialTLS())
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, err
	}

	return client, nil
}

// telemetryHooks wires kotel tracing and metrics into the client so
// record produce and consume spans reach the OTLP collector.
func telemetryHooks(ctx context.Context) (kgo.Opt, error) {
	meterProvider, err := initMeterProvider(ctx)
	if err != nil {
		return nil, err
	}
	meter := kotel.NewMeter(kotel.MeterProvider(meterProvider))

	tracerProvider, err := initTracerProvider(ctx)
	if err != nil {
		return nil, err
	}
	tracer := kotel.NewTracer(
		kotel.TracerProvider(tracerProvider),
		kotel.TracerPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{})),
	)

	kotelService := kotel.NewKotel(
		kotel.WithTracer(tracer),
		kotel.WithMeter(meter),
	)

	return kgo.WithHooks(kotelService.Hooks()...), nil
}

func initTracerProvider(ctx context.Context) (*trace.TracerProvider, error) {
	traceExporter, err := otlptracegrpc.New(ctx)
	if err != nil {
		return nil, err
	}

	tracerProvider := trace.NewTracerProvider(
		trace.WithBatcher(traceExporter),
	)

	return tracerProvider, nil
}

func initMeterProvider(ctx context.Context) (*metric.MeterProvider, error) {
	metricExporter, err := otlpmetricgrpc.New(ctx)
	if err != nil {
		return nil, err
	}

	meterProvider := metric.NewMeterProvider(
		metric.WithReader(metric.NewPeriodicReader(metricExporter,
			metric.WithInterval(60*time.Second))),
	)

	return meterProvider, nil
}
