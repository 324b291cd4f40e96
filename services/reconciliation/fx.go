package reconciliation

import (
	"context"
	"time"

	"creatorhub-settlement/pkg/task"
	"creatorhub-settlement/pkg/taskname"
	"creatorhub-settlement/services/settlement"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// scanInterval is how often the consistency sweep runs. Findings only ever
// accumulate between runs, so a slow cadence costs visibility, not money.
const scanInterval = time.Hour

var Module = fx.Module("reconciliation.service",
	fx.Provide(
		NewService,
		func(s *Service) settlement.AnomalyRecorder { return s },
	),
	fx.Invoke(migrate, registerTaskHandlers, scheduleScan),
)

func migrate(lc fx.Lifecycle, db *gorm.DB) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return db.WithContext(ctx).AutoMigrate(&Anomaly{})
		},
	})
}

type scheduleParams struct {
	fx.In
	Lifecycle fx.Lifecycle
	Enqueuer  task.Enqueuer `optional:"true"`
}

func scheduleScan(p scheduleParams) {
	if p.Enqueuer == nil {
		return
	}

	done := make(chan struct{})
	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				ticker := time.NewTicker(scanInterval)
				defer ticker.Stop()
				for {
					select {
					case <-done:
						return
					case <-ticker.C:
						t := asynq.NewTask(taskname.ReconcileScan, nil)
						if _, err := p.Enqueuer.Enqueue(context.Background(), t, asynq.Queue("low")); err != nil {
							zap.L().Error("failed to enqueue reconciliation scan", zap.Error(err))
						}
					}
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			close(done)
			return nil
		},
	})
}
