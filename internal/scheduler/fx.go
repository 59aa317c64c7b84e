package scheduler

import (
	"context"

	"github.com/smallbiznis/recurra/internal/config"
	schedtesting "github.com/smallbiznis/recurra/internal/scheduler/testing"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("scheduler",
	fx.Provide(New),
	fx.Provide(schedtesting.NewTimeAccelerator),
	fx.Invoke(NewScheduler),
)

// NewScheduler starts the run loop with the application unless an external
// caller drives the trigger endpoint.
func NewScheduler(lc fx.Lifecycle, cfg config.Config, sched *Scheduler, log *zap.Logger) {
	if !cfg.SchedulerEnabled {
		log.Info("in-process scheduler disabled")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				if err := sched.Start(ctx); err != nil {
					log.Error("scheduler stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-stopCtx.Done():
			}
			return nil
		},
	})
}
