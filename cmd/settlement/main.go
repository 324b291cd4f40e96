package main

import (
	"log"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"creatorhub-settlement/pkg/config"
	"creatorhub-settlement/pkg/db"
	"creatorhub-settlement/pkg/health"
	"creatorhub-settlement/pkg/logger"
	"creatorhub-settlement/pkg/otelcol"
	"creatorhub-settlement/pkg/profiling"
	"creatorhub-settlement/pkg/redis"
	"creatorhub-settlement/pkg/server"
	"creatorhub-settlement/pkg/task"
	"creatorhub-settlement/services/reconciliation"
	"creatorhub-settlement/services/settlement"
	"creatorhub-settlement/services/webhook"
)

func main() {
	opts := []fx.Option{
		config.Module,
		logger.Module,
		otelcol.Module,
		profiling.Module,
		db.Module,
		redis.Module,
		task.Client,
		task.Server,
		fx.Provide(
			provideTracerProvider,
			provideMeterProvider,
			provideSnowflakeNode,
		),
		fx.Invoke(registerDBTelemetry),
		settlement.Module,
		reconciliation.Module,
		webhook.Module,
		health.Module,
		server.ProvideHTTPServer,
		fxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})

func provideTracerProvider() trace.TracerProvider {
	return otel.GetTracerProvider()
}

func provideMeterProvider() metric.MeterProvider {
	return otel.GetMeterProvider()
}

func provideSnowflakeNode() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}

func registerDBTelemetry(cfg *config.Config, gdb *gorm.DB) error {
	if cfg.Otel.Addr != "" {
		if err := db.Otel(gdb); err != nil {
			return err
		}
	}
	if cfg.AppEnv == "production" {
		return db.Metric(cfg, gdb)
	}
	return nil
}
