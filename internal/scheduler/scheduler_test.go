package scheduler

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/recurra/internal/clock"
	"github.com/smallbiznis/recurra/internal/config"
	customerrepo "github.com/smallbiznis/recurra/internal/customer/repository"
	invoicedomain "github.com/smallbiznis/recurra/internal/invoice/domain"
	"github.com/smallbiznis/recurra/internal/invoice/numbering"
	invoicerepo "github.com/smallbiznis/recurra/internal/invoice/repository"
	invoicesvc "github.com/smallbiznis/recurra/internal/invoice/service"
	"github.com/smallbiznis/recurra/internal/migration/migrationtest"
	"github.com/smallbiznis/recurra/internal/notification"
	"github.com/smallbiznis/recurra/internal/recurring/domain"
	"github.com/smallbiznis/recurra/internal/recurring/processor"
	"github.com/smallbiznis/recurra/internal/recurring/recurringtest"
	"github.com/smallbiznis/recurra/internal/recurring/repository"
	"github.com/smallbiznis/recurra/internal/usage/aggregator"
	usagerepo "github.com/smallbiznis/recurra/internal/usage/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// failingInvoiceService creates the invoice and then reports a deadline for
// one organization, so the surrounding transaction must roll back.
type failingInvoiceService struct {
	invoicedomain.Service
	failOrg snowflake.ID
}

func (f *failingInvoiceService) Generate(ctx context.Context, tx *gorm.DB, req invoicedomain.GenerateRequest) (*invoicedomain.Invoice, []invoicedomain.InvoiceItem, error) {
	invoice, items, err := f.Service.Generate(ctx, tx, req)
	if err != nil {
		return nil, nil, err
	}
	if req.OrgID == f.failOrg {
		return nil, nil, context.DeadlineExceeded
	}
	return invoice, items, nil
}

type harness struct {
	conn      *gorm.DB
	clock     *clock.FakeClock
	allocator *numbering.Allocator
	scheduler *Scheduler
}

func newHarness(t *testing.T, now time.Time, wrap func(invoicedomain.Service) invoicedomain.Service) *harness {
	t.Helper()
	conn := migrationtest.OpenSQLite(t)
	fake := clock.NewFakeClock(now)
	allocator := numbering.NewAllocator(zap.NewNop())
	holder := config.NewStaticSchedulerConfigHolder(config.DefaultSchedulerConfig())

	var invoices invoicedomain.Service = invoicesvc.NewService(invoicesvc.ServiceParam{
		DB:        conn,
		Log:       zap.NewNop(),
		GenID:     recurringtest.Node(),
		Repo:      invoicerepo.Provide(),
		Allocator: allocator,
	})
	if wrap != nil {
		invoices = wrap(invoices)
	}

	proc := processor.New(processor.Params{
		DB:           conn,
		Log:          zap.NewNop(),
		Config:       holder,
		Repo:         repository.Provide(),
		CustomerRepo: customerrepo.Provide(),
		InvoiceSvc:   invoices,
		Aggregator:   aggregator.New(usagerepo.Provide()),
		Notifier:     notification.NoopDispatcher{},
	})
	sched, err := New(Params{
		DB:        conn,
		Log:       zap.NewNop(),
		Config:    holder,
		Repo:      repository.Provide(),
		Processor: proc,
		GenID:     recurringtest.Node(),
		Clock:     fake,
	})
	require.NoError(t, err)

	return &harness{conn: conn, clock: fake, allocator: allocator, scheduler: sched}
}

func TestRunRecurringQuarterlyUntilCompleted(t *testing.T) {
	h := newHarness(t, recurringtest.Date(2024, 1, 1), nil)
	ctx := context.Background()
	tmpl := recurringtest.Template(t, h.conn, 1,
		recurringtest.WithFrequency(domain.FrequencyQuarterly, 2),
		recurringtest.WithNextGeneration(recurringtest.Date(2024, 1, 1)),
		recurringtest.WithEndDate(recurringtest.Date(2024, 12, 31)),
	)

	res, err := h.scheduler.RunRecurring(ctx, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Generated)
	require.Len(t, res.Details, 1)
	assert.Equal(t, recurringtest.Date(2024, 7, 1), res.Details[0].NextGenerationDate.UTC())

	// not due again before July
	h.clock.Set(recurringtest.Date(2024, 4, 1))
	res, err = h.scheduler.RunRecurring(ctx, RunOptions{})
	require.NoError(t, err)
	assert.Zero(t, res.Processed)

	h.clock.Set(recurringtest.Date(2024, 7, 1))
	res, err = h.scheduler.RunRecurring(ctx, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Generated)

	stored := recurringtest.Reload(t, h.conn, tmpl.ID)
	assert.Equal(t, domain.StatusCompleted, stored.Status)
	assert.Equal(t, recurringtest.Date(2025, 1, 1), stored.NextGenerationDate.UTC())
	assert.Equal(t, int64(2), stored.TotalGenerated)

	h.clock.Set(recurringtest.Date(2025, 1, 1))
	res, err = h.scheduler.RunRecurring(ctx, RunOptions{ForceAll: true})
	require.NoError(t, err)
	assert.Zero(t, res.Processed)
	assert.Equal(t, int64(2), recurringtest.CountInvoices(t, h.conn, 1))
}

func TestRunRecurringIsolatesFailures(t *testing.T) {
	const healthyOrg, failingOrg = snowflake.ID(11), snowflake.ID(12)
	h := newHarness(t, time.Date(2024, 1, 1, 6, 0, 0, 0, time.UTC), func(svc invoicedomain.Service) invoicedomain.Service {
		return &failingInvoiceService{Service: svc, failOrg: failingOrg}
	})
	ctx := context.Background()
	recurringtest.Template(t, h.conn, healthyOrg)
	failing := recurringtest.Template(t, h.conn, failingOrg)

	res, err := h.scheduler.RunRecurring(ctx, RunOptions{Debug: true})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, 1, res.Generated)
	assert.Equal(t, 1, res.Failed)

	for _, detail := range res.Details {
		if detail.TemplateID == failing.ID.String() {
			assert.Equal(t, string(processor.StatusFailed), detail.Outcome)
			assert.Equal(t, "deadline_exceeded", detail.ErrorType)
			assert.Empty(t, detail.InvoiceID)
		}
	}

	assert.Equal(t, int64(1), recurringtest.CountInvoices(t, h.conn, healthyOrg))
	assert.Zero(t, recurringtest.CountInvoices(t, h.conn, failingOrg))
	current, err := h.allocator.Current(ctx, h.conn, failingOrg)
	require.NoError(t, err)
	assert.Zero(t, current)

	stored := recurringtest.Reload(t, h.conn, failing.ID)
	assert.Equal(t, recurringtest.Date(2024, 1, 1), stored.NextGenerationDate.UTC())
	assert.Nil(t, stored.LastGeneratedAt)
}

func TestRunRecurringNumbersAreContiguous(t *testing.T) {
	h := newHarness(t, recurringtest.Date(2024, 1, 1), nil)
	ctx := context.Background()
	const templates = 12
	for i := 0; i < templates; i++ {
		recurringtest.Template(t, h.conn, 1)
	}

	res, err := h.scheduler.RunRecurring(ctx, RunOptions{})
	require.NoError(t, err)
	require.Equal(t, templates, res.Generated)

	numbers := make([]int, 0, templates)
	for _, detail := range res.Details {
		numbers = append(numbers, int(detail.InvoiceNo))
	}
	sort.Ints(numbers)
	for i, n := range numbers {
		assert.Equal(t, i+1, n)
	}
}

func TestRunRecurringDryRun(t *testing.T) {
	h := newHarness(t, recurringtest.Date(2024, 1, 1), nil)
	ctx := context.Background()
	due := recurringtest.Template(t, h.conn, 1)
	recurringtest.Template(t, h.conn, 1, recurringtest.WithUsage("GB"))

	res, err := h.scheduler.RunRecurring(ctx, RunOptions{DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, 1, res.Generated)
	assert.Equal(t, 1, res.Skipped)

	outcomes := map[string]string{}
	for _, detail := range res.Details {
		outcomes[detail.TemplateID] = detail.Outcome
	}
	assert.Equal(t, string(processor.StatusWouldGenerate), outcomes[due.ID.String()])

	assert.Zero(t, recurringtest.CountInvoices(t, h.conn, 1))
	stored := recurringtest.Reload(t, h.conn, due.ID)
	assert.Equal(t, recurringtest.Date(2024, 1, 1), stored.NextGenerationDate.UTC())
}

func TestRunRecurringNeverListsInactiveTemplates(t *testing.T) {
	h := newHarness(t, recurringtest.Date(2024, 6, 1), nil)
	ctx := context.Background()
	paused := recurringtest.Template(t, h.conn, 1,
		recurringtest.WithStatus(domain.StatusPaused),
		recurringtest.WithNextGeneration(recurringtest.Date(2024, 1, 1)),
	)
	completed := recurringtest.Template(t, h.conn, 1,
		recurringtest.WithStatus(domain.StatusCompleted),
		recurringtest.WithNextGeneration(recurringtest.Date(2024, 1, 1)),
	)

	for _, opts := range []RunOptions{{}, {ForceAll: true}} {
		res, err := h.scheduler.RunRecurring(ctx, opts)
		require.NoError(t, err)
		assert.Equal(t, 0, res.Processed, "force_all=%v", opts.ForceAll)
		assert.Empty(t, res.Details)
	}

	assert.Zero(t, recurringtest.CountInvoices(t, h.conn, 1))
	for _, id := range []snowflake.ID{paused.ID, completed.ID} {
		stored := recurringtest.Reload(t, h.conn, id)
		assert.Equal(t, recurringtest.Date(2024, 1, 1), stored.NextGenerationDate.UTC())
	}
}

func TestRunRecurringDebugFields(t *testing.T) {
	h := newHarness(t, recurringtest.Date(2024, 1, 1), nil)
	recurringtest.Template(t, h.conn, 1)

	res, err := h.scheduler.RunRecurring(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Empty(t, res.RunID)
	assert.Nil(t, res.StartedAt)

	recurringtest.Template(t, h.conn, 1)
	res, err = h.scheduler.RunRecurring(context.Background(), RunOptions{Debug: true, DryRun: true})
	require.NoError(t, err)
	assert.NotEmpty(t, res.RunID)
	require.NotNil(t, res.StartedAt)
	assert.True(t, res.DryRun)
}

func TestRunRecurringListFailureIsTopLevel(t *testing.T) {
	h := newHarness(t, recurringtest.Date(2024, 1, 1), nil)
	require.NoError(t, h.conn.Exec(`DROP TABLE recurring_templates`).Error)

	_, err := h.scheduler.RunRecurring(context.Background(), RunOptions{})
	assert.Error(t, err)
	assert.Error(t, h.scheduler.RunOnce(context.Background()))
}

func TestRunOnceGenerates(t *testing.T) {
	h := newHarness(t, recurringtest.Date(2024, 1, 1), nil)
	tmpl := recurringtest.Template(t, h.conn, 1)

	require.NoError(t, h.scheduler.RunOnce(context.Background()))

	stored := recurringtest.Reload(t, h.conn, tmpl.ID)
	assert.Equal(t, int64(1), stored.TotalGenerated)
}

func TestRunCronRejectsBadSpec(t *testing.T) {
	h := newHarness(t, recurringtest.Date(2024, 1, 1), nil)
	err := h.scheduler.RunCron(context.Background(), "not a cron spec")
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestRunForeverStopsOnCancel(t *testing.T) {
	h := newHarness(t, recurringtest.Date(2024, 1, 1), nil)
	tmpl := recurringtest.Template(t, h.conn, 1)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.scheduler.RunForever(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		var total int64
		_ = h.conn.Raw(`SELECT total_generated FROM recurring_templates WHERE id = ?`, tmpl.ID).Scan(&total).Error
		return total == 1
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run loop did not stop")
	}
}
