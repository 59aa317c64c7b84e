package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	obscontext "github.com/smallbiznis/recurra/internal/observability/context"
	obslogger "github.com/smallbiznis/recurra/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/recurra/internal/observability/metrics"
	"github.com/smallbiznis/recurra/internal/recurring/processor"
	"go.uber.org/zap"
)

// runTally counts template outcomes of one run.
type runTally struct {
	generated int
	skipped   int
	failed    int
	errors    int
}

func (t runTally) processed() int { return t.generated + t.skipped + t.failed }

// jobRun carries the identity of one scheduler run through its context so
// nested calls share the same run id.
type jobRun struct {
	mu        sync.Mutex
	job       string
	runID     string
	batchSize int
	dryRun    bool
	startedAt time.Time
	tally     runTally
}

type jobRunKey struct{}

func (r *jobRun) record(out processor.Outcome) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case out.Generated():
		r.tally.generated++
	case out.Skipped():
		r.tally.skipped++
	case out.Failed():
		r.tally.failed++
	}
}

// markError records a failure outside any template, such as the listing query.
func (r *jobRun) markError() {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.tally.errors++
	r.mu.Unlock()
}

func (r *jobRun) snapshot() runTally {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tally
}

func (s *Scheduler) ensureJobRun(ctx context.Context, job string, batchSize int, dryRun bool) (context.Context, *jobRun, bool) {
	if existing := jobRunFromContext(ctx); existing != nil {
		return ctx, existing, false
	}
	run := &jobRun{
		job:       job,
		runID:     s.genID.Generate().String(),
		batchSize: batchSize,
		dryRun:    dryRun,
		startedAt: s.clock.Now(),
	}
	ctx = context.WithValue(ctx, jobRunKey{}, run)
	ctx = obscontext.WithActor(ctx, "system", "scheduler")
	return ctx, run, true
}

func jobRunFromContext(ctx context.Context) *jobRun {
	run, _ := ctx.Value(jobRunKey{}).(*jobRun)
	return run
}

func (s *Scheduler) logger(ctx context.Context) *zap.Logger {
	return obslogger.WithContext(ctx, s.log)
}

func (s *Scheduler) logJobStart(ctx context.Context, run *jobRun) {
	s.logger(ctx).Info("scheduler.job.start",
		zap.String("job", run.job),
		zap.String("run_id", run.runID),
		zap.Int("concurrency", run.batchSize),
		zap.Bool("dry_run", run.dryRun),
	)
}

func (s *Scheduler) logJobFinish(ctx context.Context, run *jobRun) {
	tally := run.snapshot()
	fields := []zap.Field{
		zap.String("job", run.job),
		zap.String("run_id", run.runID),
		zap.Int64("duration_ms", s.clock.Now().Sub(run.startedAt).Milliseconds()),
		zap.Int("processed_count", tally.processed()),
		zap.Int("generated_count", tally.generated),
		zap.Int("skipped_count", tally.skipped),
		zap.Int("failed_count", tally.failed),
		zap.Int("error_count", tally.errors+tally.failed),
	}
	log := s.logger(ctx)
	if tally.errors+tally.failed > 0 {
		log.Warn("scheduler.job.finish", fields...)
		return
	}
	log.Info("scheduler.job.finish", fields...)
}

func (s *Scheduler) logSchedulerError(ctx context.Context, run *jobRun, msg string, templateID snowflake.ID, err error, fields ...zap.Field) {
	if err == nil {
		return
	}
	run.markError()
	baseFields := []zap.Field{
		zap.String("job", run.job),
		zap.String("run_id", run.runID),
		zap.String("error_type", obsmetrics.ClassifySchedulerErrorType(err)),
		zap.String("reason", obsmetrics.ClassifySchedulerJobReason(err)),
		zap.Bool("retryable", obsmetrics.IsSchedulerErrorRetryable(err)),
		zap.Error(err),
	}
	if templateID != 0 {
		baseFields = append(baseFields, zap.String("template_id", templateID.String()))
	}
	s.logger(ctx).Error(msg, append(baseFields, fields...)...)
}

func idString(id snowflake.ID) string {
	if id == 0 {
		return ""
	}
	return id.String()
}
