package processor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/recurra/internal/config"
	customerrepo "github.com/smallbiznis/recurra/internal/customer/repository"
	invoicedomain "github.com/smallbiznis/recurra/internal/invoice/domain"
	"github.com/smallbiznis/recurra/internal/invoice/numbering"
	invoicerepo "github.com/smallbiznis/recurra/internal/invoice/repository"
	invoicesvc "github.com/smallbiznis/recurra/internal/invoice/service"
	"github.com/smallbiznis/recurra/internal/migration/migrationtest"
	"github.com/smallbiznis/recurra/internal/notification"
	"github.com/smallbiznis/recurra/internal/recurring/domain"
	"github.com/smallbiznis/recurra/internal/recurring/frequency"
	"github.com/smallbiznis/recurra/internal/recurring/recurringtest"
	"github.com/smallbiznis/recurra/internal/recurring/repository"
	"github.com/smallbiznis/recurra/internal/usage/aggregator"
	usagerepo "github.com/smallbiznis/recurra/internal/usage/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const orgID = snowflake.ID(7001)

type mockDispatcher struct {
	mock.Mock
}

func (m *mockDispatcher) Dispatch(ctx context.Context, req notification.Request) error {
	return m.Called(ctx, req).Error(0)
}

type harness struct {
	conn      *gorm.DB
	processor *Processor
	notifier  *mockDispatcher
	allocator *numbering.Allocator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	conn := migrationtest.OpenSQLite(t)
	allocator := numbering.NewAllocator(zap.NewNop())
	notifier := &mockDispatcher{}

	p := New(Params{
		DB:           conn,
		Log:          zap.NewNop(),
		Config:       config.NewStaticSchedulerConfigHolder(config.DefaultSchedulerConfig()),
		Repo:         repository.Provide(),
		CustomerRepo: customerrepo.Provide(),
		InvoiceSvc: invoicesvc.NewService(invoicesvc.ServiceParam{
			DB:        conn,
			Log:       zap.NewNop(),
			GenID:     recurringtest.Node(),
			Repo:      invoicerepo.Provide(),
			Allocator: allocator,
		}),
		Aggregator: aggregator.New(usagerepo.Provide()),
		Notifier:   notifier,
	})
	return &harness{conn: conn, processor: p, notifier: notifier, allocator: allocator}
}

func (h *harness) invoice(t *testing.T, id snowflake.ID) invoicedomain.Invoice {
	t.Helper()
	invoice, err := invoicerepo.Provide().FindByID(context.Background(), h.conn, id)
	require.NoError(t, err)
	require.NotNil(t, invoice)
	return *invoice
}

func at(y int, m time.Month, d, hour int) time.Time {
	return time.Date(y, m, d, hour, 0, 0, 0, time.UTC)
}

func TestProcessGeneratesInvoiceAndAdvancesSchedule(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tmpl := recurringtest.Template(t, h.conn, orgID,
		recurringtest.WithNextGeneration(recurringtest.Date(2024, 3, 10)),
		recurringtest.WithDaysUntilDue(30),
	)
	now := at(2024, 3, 10, 9)

	out := h.processor.Process(ctx, tmpl, Options{Now: now})

	require.Equal(t, StatusGenerated, out.Status, out.Reason)
	assert.Equal(t, int64(1), out.InvoiceNo)
	require.NotNil(t, out.NextGenerationDate)
	assert.Equal(t, recurringtest.Date(2024, 4, 10), out.NextGenerationDate.UTC())

	invoice := h.invoice(t, out.InvoiceID)
	assert.Equal(t, "2024-03-10", invoice.IssueDate.UTC().Format(time.DateOnly))
	assert.Equal(t, "2024-04-09", invoice.DueDate.UTC().Format(time.DateOnly))
	assert.Equal(t, invoicedomain.InvoiceStatusDraft, invoice.Status)
	assert.True(t, recurringtest.Dec("110.00").Equal(invoice.Total), invoice.Total.String())

	stored := recurringtest.Reload(t, h.conn, tmpl.ID)
	assert.Equal(t, domain.StatusActive, stored.Status)
	assert.Equal(t, int64(1), stored.TotalGenerated)
	assert.Equal(t, recurringtest.Date(2024, 4, 10), stored.NextGenerationDate.UTC())
	require.NotNil(t, stored.LastGeneratedAt)
	assert.Equal(t, recurringtest.Date(2024, 3, 10), stored.LastGeneratedAt.UTC())

	h.notifier.AssertNotCalled(t, "Dispatch", mock.Anything, mock.Anything)
}

func TestProcessSkipsUsageTemplateWithoutUsage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tmpl := recurringtest.Template(t, h.conn, orgID, recurringtest.WithUsage("GB"))

	out := h.processor.Process(ctx, tmpl, Options{Now: at(2024, 1, 1, 9)})

	assert.Equal(t, StatusSkipped, out.Status)
	assert.Equal(t, ReasonNoBillableUsage, out.Reason)
	assert.Zero(t, recurringtest.CountInvoices(t, h.conn, orgID))

	current, err := h.allocator.Current(ctx, h.conn, orgID)
	require.NoError(t, err)
	assert.Zero(t, current)

	stored := recurringtest.Reload(t, h.conn, tmpl.ID)
	assert.Equal(t, tmpl.NextGenerationDate.UTC(), stored.NextGenerationDate.UTC())
	assert.Nil(t, stored.LastGeneratedAt)
}

func TestProcessBillsAndClaimsUsage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tmpl := recurringtest.Template(t, h.conn, orgID,
		recurringtest.WithUsage("GB"),
		recurringtest.WithNextGeneration(recurringtest.Date(2024, 2, 1)),
		recurringtest.WithItems(recurringtest.Item("Storage", "1", "10.00", "0")),
	)
	first := recurringtest.Usage(t, h.conn, tmpl, "2.5", recurringtest.Date(2024, 1, 5), recurringtest.Date(2024, 1, 10))
	second := recurringtest.Usage(t, h.conn, tmpl, "1", recurringtest.Date(2024, 1, 12), recurringtest.Date(2024, 1, 20))

	out := h.processor.Process(ctx, tmpl, Options{Now: at(2024, 2, 1, 9)})
	require.Equal(t, StatusGenerated, out.Status, out.Reason)

	invoice := h.invoice(t, out.InvoiceID)
	assert.True(t, recurringtest.Dec("40.00").Equal(invoice.Total), invoice.Total.String())
	assert.Equal(t, "3.5", invoice.Metadata["usage_total"])

	items, err := invoicerepo.Provide().ListItems(ctx, h.conn, invoice.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.True(t, recurringtest.Dec("4").Equal(items[0].Quantity))
	assert.Equal(t, "Storage (usage: 3.5 GB, 2024-01-01 – 2024-02-01)", items[0].Description)

	for _, id := range []snowflake.ID{first.ID, second.ID} {
		var invoiceID *snowflake.ID
		require.NoError(t, h.conn.Raw(`SELECT invoice_id FROM usage_records WHERE id = ?`, id).Scan(&invoiceID).Error)
		require.NotNil(t, invoiceID)
		assert.Equal(t, invoice.ID, *invoiceID)
	}

	// The next run only sees usage recorded after this generation.
	next := recurringtest.Reload(t, h.conn, tmpl.ID)
	out = h.processor.Process(ctx, next, Options{Now: at(2024, 3, 1, 9)})
	assert.Equal(t, StatusSkipped, out.Status)
	assert.Equal(t, ReasonNoBillableUsage, out.Reason)
}

func TestProcessBillsUsageSpanningGenerationInstant(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tmpl := recurringtest.Template(t, h.conn, orgID,
		recurringtest.WithUsage("GB"),
		recurringtest.WithNextGeneration(recurringtest.Date(2024, 2, 1)),
		recurringtest.WithItems(recurringtest.Item("Storage", "1", "10.00", "0")),
	)
	recurringtest.Usage(t, h.conn, tmpl, "1", recurringtest.Date(2024, 1, 5), recurringtest.Date(2024, 1, 6))

	out := h.processor.Process(ctx, tmpl, Options{Now: at(2024, 2, 1, 9)})
	require.Equal(t, StatusGenerated, out.Status, out.Reason)

	stored := recurringtest.Reload(t, h.conn, tmpl.ID)
	require.NotNil(t, stored.LastGeneratedAt)
	assert.Equal(t, recurringtest.Date(2024, 2, 1), stored.LastGeneratedAt.UTC())

	// Reported after the run, starting before it on the generation day.
	late := recurringtest.Usage(t, h.conn, tmpl, "2", at(2024, 2, 1, 8), at(2024, 2, 1, 10))

	out = h.processor.Process(ctx, stored, Options{Now: at(2024, 3, 1, 9)})
	require.Equal(t, StatusGenerated, out.Status, out.Reason)

	invoice := h.invoice(t, out.InvoiceID)
	assert.True(t, recurringtest.Dec("20.00").Equal(invoice.Total), invoice.Total.String())

	var invoiceID *snowflake.ID
	require.NoError(t, h.conn.Raw(`SELECT invoice_id FROM usage_records WHERE id = ?`, late.ID).Scan(&invoiceID).Error)
	require.NotNil(t, invoiceID)
	assert.Equal(t, invoice.ID, *invoiceID)
}

func TestProcessReportsConfigurationErrors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	now := at(2024, 1, 1, 9)

	noItems := recurringtest.Template(t, h.conn, orgID, recurringtest.WithItems())
	out := h.processor.Process(ctx, noItems, Options{Now: now})
	assert.Equal(t, StatusFailed, out.Status)
	assert.Equal(t, ErrorTypeConfiguration, out.ErrorType)
	assert.Contains(t, out.Reason, domain.ErrMissingItems.Error())

	badInterval := recurringtest.Template(t, h.conn, orgID)
	badInterval.Interval = 0
	out = h.processor.Process(ctx, badInterval, Options{Now: now})
	assert.Equal(t, StatusFailed, out.Status)
	assert.Equal(t, ErrorTypeConfiguration, out.ErrorType)

	negative := recurringtest.Template(t, h.conn, orgID,
		recurringtest.WithItems(recurringtest.Item("Refund", "1", "-5.00", "0")),
	)
	out = h.processor.Process(ctx, negative, Options{Now: now})
	assert.Equal(t, StatusFailed, out.Status)
	assert.Equal(t, ErrorTypeConfiguration, out.ErrorType)

	assert.Zero(t, recurringtest.CountInvoices(t, h.conn, orgID))
}

func TestProcessDryRunDoesNotMutate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tmpl := recurringtest.Template(t, h.conn, orgID)

	out := h.processor.Process(ctx, tmpl, Options{Now: at(2024, 1, 1, 9), DryRun: true})

	assert.Equal(t, StatusWouldGenerate, out.Status)
	assert.True(t, out.Generated())
	require.NotNil(t, out.NextGenerationDate)
	assert.Equal(t, recurringtest.Date(2024, 2, 1), out.NextGenerationDate.UTC())
	assert.Zero(t, out.InvoiceID)
	assert.Zero(t, recurringtest.CountInvoices(t, h.conn, orgID))

	current, err := h.allocator.Current(ctx, h.conn, orgID)
	require.NoError(t, err)
	assert.Zero(t, current)

	stored := recurringtest.Reload(t, h.conn, tmpl.ID)
	assert.Equal(t, recurringtest.Date(2024, 1, 1), stored.NextGenerationDate.UTC())
	assert.Zero(t, stored.TotalGenerated)
}

func TestProcessSkipsIneligibleTemplates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	now := at(2024, 1, 1, 9)

	cases := map[string]domain.Template{
		"paused":    recurringtest.Template(t, h.conn, orgID, recurringtest.WithStatus(domain.StatusPaused)),
		"completed": recurringtest.Template(t, h.conn, orgID, recurringtest.WithStatus(domain.StatusCompleted)),
		"future":    recurringtest.Template(t, h.conn, orgID, recurringtest.WithNextGeneration(recurringtest.Date(2024, 1, 2))),
		"ended":     recurringtest.Template(t, h.conn, orgID, recurringtest.WithEndDate(recurringtest.Date(2023, 12, 31))),
	}
	for name, tmpl := range cases {
		t.Run(name, func(t *testing.T) {
			out := h.processor.Process(ctx, tmpl, Options{Now: now})
			assert.Equal(t, StatusSkipped, out.Status)
			assert.Equal(t, ReasonNotEligible, out.Reason)
		})
	}

	// force ignores dates but never status
	forced := h.processor.Process(ctx, cases["paused"], Options{Now: now, Force: true, DryRun: true})
	assert.Equal(t, StatusWouldSkip, forced.Status)
	forced = h.processor.Process(ctx, cases["future"], Options{Now: now, Force: true, DryRun: true})
	assert.Equal(t, StatusWouldGenerate, forced.Status)

	assert.Zero(t, recurringtest.CountInvoices(t, h.conn, orgID))
}

func TestProcessUnknownFrequencyFallsBackMonthly(t *testing.T) {
	h := newHarness(t)
	tmpl := recurringtest.Template(t, h.conn, orgID, recurringtest.WithFrequency(domain.Frequency("fortnightly"), 1))

	out := h.processor.Process(context.Background(), tmpl, Options{Now: at(2024, 1, 1, 9)})

	require.Equal(t, StatusGenerated, out.Status, out.Reason)
	assert.Contains(t, out.Warnings, frequency.WarningUnknownFrequency)
	assert.Equal(t, recurringtest.Date(2024, 2, 1), out.NextGenerationDate.UTC())
}

func TestProcessStaleSnapshotRollsBack(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	stale := recurringtest.Template(t, h.conn, orgID)
	now := at(2024, 1, 1, 9)

	first := h.processor.Process(ctx, stale, Options{Now: now})
	require.Equal(t, StatusGenerated, first.Status, first.Reason)

	second := h.processor.Process(ctx, stale, Options{Now: now})
	assert.Equal(t, StatusFailed, second.Status)
	assert.Equal(t, ErrorTypeConflict, second.ErrorType)

	assert.Equal(t, int64(1), recurringtest.CountInvoices(t, h.conn, orgID))
	current, err := h.allocator.Current(ctx, h.conn, orgID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), current)
}

func TestProcessCompletesAtEndDate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tmpl := recurringtest.Template(t, h.conn, orgID,
		recurringtest.WithNextGeneration(recurringtest.Date(2024, 3, 10)),
		recurringtest.WithEndDate(recurringtest.Date(2024, 3, 31)),
	)

	out := h.processor.Process(ctx, tmpl, Options{Now: at(2024, 3, 10, 9)})
	require.Equal(t, StatusGenerated, out.Status, out.Reason)

	stored := recurringtest.Reload(t, h.conn, tmpl.ID)
	assert.Equal(t, domain.StatusCompleted, stored.Status)

	again := h.processor.Process(ctx, stored, Options{Now: at(2024, 4, 10, 9), Force: true})
	assert.Equal(t, StatusSkipped, again.Status)
	assert.Equal(t, ReasonNotEligible, again.Reason)
}

func TestProcessBillsThroughEndDay(t *testing.T) {
	h := newHarness(t)
	tmpl := recurringtest.Template(t, h.conn, orgID,
		recurringtest.WithNextGeneration(recurringtest.Date(2024, 3, 31)),
		recurringtest.WithEndDate(recurringtest.Date(2024, 3, 31)),
	)

	out := h.processor.Process(context.Background(), tmpl, Options{Now: at(2024, 3, 31, 23)})
	assert.Equal(t, StatusGenerated, out.Status, out.Reason)
}

func TestProcessNotifiesCustomer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	customer := recurringtest.Customer(t, h.conn, orgID, "jane@example.com")
	tmpl := recurringtest.Template(t, h.conn, orgID,
		recurringtest.WithCustomer(customer.ID),
		recurringtest.WithAutoSend(),
	)
	h.notifier.On("Dispatch", mock.Anything, mock.MatchedBy(func(req notification.Request) bool {
		return req.To == "jane@example.com" && req.InvoiceNo == 1
	})).Return(nil).Once()

	out := h.processor.Process(ctx, tmpl, Options{Now: at(2024, 1, 1, 9)})

	require.Equal(t, StatusGenerated, out.Status, out.Reason)
	assert.Empty(t, out.Warnings)
	assert.Equal(t, invoicedomain.InvoiceStatusOpen, h.invoice(t, out.InvoiceID).Status)
	h.notifier.AssertExpectations(t)
}

func TestProcessNotificationFailureIsWarning(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	reachable := recurringtest.Customer(t, h.conn, orgID, "jane@example.com")
	silent := recurringtest.Customer(t, h.conn, orgID, "")
	h.notifier.On("Dispatch", mock.Anything, mock.Anything).Return(errors.New("smtp down"))

	tmpl := recurringtest.Template(t, h.conn, orgID, recurringtest.WithCustomer(reachable.ID), recurringtest.WithAutoSend())
	out := h.processor.Process(ctx, tmpl, Options{Now: at(2024, 1, 1, 9)})
	require.Equal(t, StatusGenerated, out.Status)
	require.Len(t, out.Warnings, 1)
	assert.True(t, strings.HasPrefix(out.Warnings[0], WarningNotificationFailed), out.Warnings[0])

	tmpl = recurringtest.Template(t, h.conn, orgID, recurringtest.WithCustomer(silent.ID), recurringtest.WithAutoSend())
	out = h.processor.Process(ctx, tmpl, Options{Now: at(2024, 1, 1, 9)})
	require.Equal(t, StatusGenerated, out.Status)
	assert.Equal(t, []string{WarningNotificationNoEmail}, out.Warnings)

	h.notifier.AssertNumberOfCalls(t, "Dispatch", 1)
	assert.Equal(t, int64(2), recurringtest.CountInvoices(t, h.conn, orgID))
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ErrorTypeConfiguration, Classify(domain.ErrMissingItems))
	assert.Equal(t, ErrorTypeConflict, Classify(domain.ErrScheduleConflict))
	assert.Equal(t, ErrorTypeConflict, Classify(aggregator.ErrUsageAlreadyClaimed))
	assert.Equal(t, "deadline_exceeded", Classify(context.DeadlineExceeded))
}
