package tracer

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/credentials"
)

const defaultServiceName = "roamlink-lifecycle-processor"

type TracerConfig struct {
	ServiceName string
	Environment string
	EndpointURL string
	Insecure    string
}

func (tc TracerConfig) UseSecureMode() bool {
	insecure := strings.ToLower(tc.Insecure)
	return !(insecure == "true" || insecure == "t" || insecure == "1")
}

// GetTracerSpan starts a span on the globally registered tracer provider.
// Before InitOTLPTracer runs this yields no-op spans, so callers never
// have to guard on telemetry being enabled.
func GetTracerSpan(ctx context.Context, tracerName string, name string) trace.Span {
	tracer := otel.GetTracerProvider().Tracer(tracerName)
	_, span := tracer.Start(ctx, name)
	return span
}

// InitOTLPTracer registers a global OTLP tracer provider and returns its
// shutdown hook. The hook must be invoked before exit to flush batched spans.
func InitOTLPTracer(cfg TracerConfig) (func(context.Context) error, error) {
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = defaultServiceName
	}

	var secureOption otlptracegrpc.Option
	if cfg.UseSecureMode() {
		secureOption = otlptracegrpc.WithTLSCredentials(credentials.NewClientTLSFromCert(nil, ""))
	} else {
		secureOption = otlptracegrpc.WithInsecure()
	}

	exporter, err := otlptrace.New(
		context.Background(),
		otlptracegrpc.NewClient(
			secureOption,
			otlptracegrpc.WithEndpoint(cfg.EndpointURL),
		),
	)
	if err != nil {
		return nil, err
	}

	resources, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			attribute.String("service.name", serviceName),
			attribute.String("deployment.environment", cfg.Environment),
			attribute.String("library.language", "go"),
		),
	)
	if err != nil {
		return nil, err
	}

	otel.SetTracerProvider(
		sdktrace.NewTracerProvider(
			sdktrace.WithSampler(sdktrace.AlwaysSample()),
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(resources),
		),
	)

	return exporter.Shutdown, nil
}
