// Package scheduler drives recurring invoice generation on a timer, a cron
// expression, or an explicit trigger.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/robfig/cron/v3"
	"github.com/smallbiznis/recurra/internal/clock"
	"github.com/smallbiznis/recurra/internal/config"
	obsmetrics "github.com/smallbiznis/recurra/internal/observability/metrics"
	"github.com/smallbiznis/recurra/internal/recurring/domain"
	"github.com/smallbiznis/recurra/internal/recurring/processor"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const JobRecurringInvoices = "recurring_invoices"

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

// Processor handles a single template.
type Processor interface {
	Process(ctx context.Context, tmpl domain.Template, opts processor.Options) processor.Outcome
}

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	Config    *config.SchedulerConfigHolder
	Repo      domain.Repository
	Processor *processor.Processor
	GenID     *snowflake.Node
	Clock     clock.Clock
}

type Scheduler struct {
	db        *gorm.DB
	log       *zap.Logger
	cfg       *config.SchedulerConfigHolder
	repo      domain.Repository
	processor Processor
	genID     *snowflake.Node
	clock     clock.Clock
}

func New(p Params) (*Scheduler, error) {
	if p.Processor == nil {
		return nil, ErrInvalidConfig
	}
	return NewWithProcessor(p, p.Processor)
}

// NewWithProcessor builds a scheduler around a custom per-template processor.
func NewWithProcessor(p Params, proc Processor) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.Config == nil || p.Repo == nil || proc == nil || p.GenID == nil || p.Clock == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		db:        p.DB,
		log:       p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:       p.Config,
		repo:      p.Repo,
		processor: proc,
		genID:     p.GenID,
		clock:     p.Clock,
	}, nil
}

// RunRecurring processes every eligible template once. The returned error is
// only set when the eligible set could not be listed; per-template failures
// are reported in the result.
func (s *Scheduler) RunRecurring(ctx context.Context, opts RunOptions) (BatchResult, error) {
	cfg := s.cfg.Get()
	now := s.clock.Now()
	ctx, run, owner := s.ensureJobRun(ctx, JobRecurringInvoices, cfg.Concurrency, opts.DryRun)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}
	schedMetrics := obsmetrics.Scheduler()

	scanStart := time.Now()
	templates, err := s.repo.ListEligible(ctx, s.db, domain.EligibleFilter{
		Now:   now,
		Force: opts.ForceAll,
	})
	schedMetrics.ObserveDBLockWait(obsmetrics.LockResourceEligibleScan, time.Since(scanStart))
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.templates.list.failed", 0, err)
		return BatchResult{}, fmt.Errorf("list eligible templates: %w", err)
	}

	outcomes := make([]processor.Outcome, len(templates))
	var g errgroup.Group
	g.SetLimit(max(cfg.Concurrency, 1))
	for i, tmpl := range templates {
		g.Go(func() error {
			outcomes[i] = s.processOne(ctx, *tmpl, processor.Options{
				Now:    now,
				DryRun: opts.DryRun,
				Force:  opts.ForceAll,
			})
			return nil
		})
	}
	_ = g.Wait()

	result := BatchResult{Details: make([]Detail, 0, len(outcomes))}
	for _, out := range outcomes {
		result.add(out, opts.Debug)
		schedMetrics.IncTemplateOutcome(string(out.Status))
		run.record(out)
	}
	schedMetrics.AddBatchProcessed(JobRecurringInvoices, "recurring_template", result.Processed)

	if opts.Debug {
		started := run.startedAt
		result.RunID = run.runID
		result.StartedAt = &started
		result.DurationMS = s.clock.Now().Sub(run.startedAt).Milliseconds()
		result.DryRun = opts.DryRun
	}
	return result, nil
}

// processOne turns a panic inside the processor into a failed outcome so one
// template cannot take the batch down.
func (s *Scheduler) processOne(ctx context.Context, tmpl domain.Template, opts processor.Options) (out processor.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic: %v", r)
			out = processor.Outcome{
				TemplateID:   tmpl.ID,
				TemplateName: tmpl.Name,
				OrgID:        tmpl.OrgID,
				Status:       processor.StatusFailed,
				Reason:       err.Error(),
				ErrorType:    obsmetrics.SchedulerErrorTypeUnknown,
			}
			s.logger(ctx).Error("scheduler.template.panic",
				zap.String("template_id", tmpl.ID.String()),
				zap.String("org_id", tmpl.OrgID.String()),
				zap.Error(err),
			)
		}
	}()
	return s.processor.Process(ctx, tmpl, opts)
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name, batchSize, false)
	if owner {
		s.logJobStart(ctx, run)
	}
	log := s.logger(ctx).With(
		zap.String("job", name),
		zap.String("run_id", run.runID),
	)
	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	err := fn(ctx)
	schedMetrics.ObserveJobDuration(name, s.clock.Now().Sub(start))
	if owner {
		if err != nil && run.snapshot().errors == 0 {
			run.markError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	// deadline is a soft timeout; the next run picks up what is left
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		schedMetrics.IncJobTimeout(name)
	}
	schedMetrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce runs the recurring job with default options under the job timeout.
func (s *Scheduler) RunOnce(parent context.Context) error {
	cfg := s.cfg.Get()
	return s.runJob(parent, JobRecurringInvoices, cfg.Concurrency, cfg.JobTimeout, func(ctx context.Context) error {
		_, err := s.RunRecurring(ctx, RunOptions{})
		return err
	})
}

// RunForever runs immediately and then every RunInterval until ctx is done.
// Interval changes from a config reload apply from the next tick.
func (s *Scheduler) RunForever(ctx context.Context) {
	interval := s.cfg.Get().RunInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(interval)
	schedMetrics := obsmetrics.Scheduler()

	for {
		runLag := s.clock.Now().Sub(nextRun)
		if runLag > 0 {
			schedMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}

		if updated := s.cfg.Get().RunInterval; updated > 0 && updated != interval {
			interval = updated
			ticker.Reset(interval)
			s.log.Info("run interval changed", zap.Duration("interval", interval))
		}
		nextRun = s.clock.Now().Add(interval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunCron runs the job on spec (standard five-field cron, UTC) until ctx is
// done. Overlapping runs are skipped.
func (s *Scheduler) RunCron(ctx context.Context, spec string) error {
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	_, err := c.AddFunc(spec, func() {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("%w: cron spec %q: %v", ErrInvalidConfig, spec, err)
	}

	c.Start()
	s.log.Info("cron schedule started", zap.String("spec", spec))
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// Start picks the cron loop when a cron spec is configured and the ticker
// loop otherwise. It blocks until ctx is done.
func (s *Scheduler) Start(ctx context.Context) error {
	if spec := strings.TrimSpace(s.cfg.Get().CronSpec); spec != "" {
		return s.RunCron(ctx, spec)
	}
	s.RunForever(ctx)
	return nil
}
