package otelcol

import (
	"context"

	"creatorhub-settlement/pkg/config"
	"creatorhub-settlement/pkg/otelcol/exporters"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module installs a global OTLP tracer provider when OTEL_ADDR is configured.
// Without an address the default no-op provider stays in place.
var Module = fx.Module("otelcol", fx.Invoke(Register))

func newResource(cfg *config.Config) *resource.Resource {
	return resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.AppName),
		semconv.DeploymentEnvironmentName(cfg.AppEnv),
	)
}

func Register(lc fx.Lifecycle, cfg *config.Config) {
	if cfg.Otel.Addr == "" {
		return
	}

	exporter, err := exporters.ProvideGrpc(cfg)
	if err != nil {
		zap.L().Error("failed to create otlp trace exporter", zap.Error(err))
		return
	}

	provider := trace.NewTracerProvider(
		trace.WithResource(newResource(cfg)),
		trace.WithBatcher(exporter),
	)

	otel.SetTracerProvider(provider)

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return provider.Shutdown(ctx)
		},
	})
}
