// Package processor runs the generation state machine for one recurring template.
package processor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/samber/lo"
	"github.com/smallbiznis/recurra/internal/config"
	customerdomain "github.com/smallbiznis/recurra/internal/customer/domain"
	invoicedomain "github.com/smallbiznis/recurra/internal/invoice/domain"
	templatedomain "github.com/smallbiznis/recurra/internal/invoicetemplate/domain"
	"github.com/smallbiznis/recurra/internal/notification"
	obscontext "github.com/smallbiznis/recurra/internal/observability/context"
	obsmetrics "github.com/smallbiznis/recurra/internal/observability/metrics"
	"github.com/smallbiznis/recurra/internal/observability/tracing"
	"github.com/smallbiznis/recurra/internal/recurring/domain"
	"github.com/smallbiznis/recurra/internal/recurring/frequency"
	"github.com/smallbiznis/recurra/internal/usage/aggregator"
	"github.com/smallbiznis/recurra/pkg/db"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB           *gorm.DB
	Log          *zap.Logger
	Config       *config.SchedulerConfigHolder
	Repo         domain.Repository
	CustomerRepo customerdomain.Repository
	InvoiceSvc   invoicedomain.Service
	Aggregator   *aggregator.Aggregator
	Notifier     notification.Dispatcher
	BrandingSvc  templatedomain.Service `optional:"true"`
	Metrics      *obsmetrics.Metrics    `optional:"true"`
}

type Processor struct {
	db           *gorm.DB
	log          *zap.Logger
	cfg          *config.SchedulerConfigHolder
	repo         domain.Repository
	customerRepo customerdomain.Repository
	invoiceSvc   invoicedomain.Service
	aggregator   *aggregator.Aggregator
	notifier     notification.Dispatcher
	brandingSvc  templatedomain.Service
	metrics      *obsmetrics.Metrics
}

func New(p Params) *Processor {
	notifier := p.Notifier
	if notifier == nil {
		notifier = notification.NoopDispatcher{}
	}
	return &Processor{
		db:           p.DB,
		log:          p.Log.Named("recurring.processor"),
		cfg:          p.Config,
		repo:         p.Repo,
		customerRepo: p.CustomerRepo,
		invoiceSvc:   p.InvoiceSvc,
		aggregator:   p.Aggregator,
		notifier:     notifier,
		brandingSvc:  p.BrandingSvc,
		metrics:      p.Metrics,
	}
}

// plan is everything decided before the generation transaction opens.
type plan struct {
	issueDate time.Time
	dueDate   time.Time
	next      time.Time
	status    domain.Status
	lines     []invoicedomain.LineInput
	usage     *aggregator.Result
	warnings  []string
}

// Process attempts one generation for tmpl. Every failure is reported in the
// returned Outcome; the template row is only changed when an invoice commits.
func (p *Processor) Process(ctx context.Context, tmpl domain.Template, opts Options) (out Outcome) {
	now := opts.Now.UTC()
	out = Outcome{
		TemplateID:   tmpl.ID,
		TemplateName: tmpl.Name,
		OrgID:        tmpl.OrgID,
	}

	ctx = obscontext.WithOrgID(ctx, tmpl.OrgID.String())
	ctx, span := tracing.Start(ctx, "recurring.template.process",
		attribute.String("template_id", tmpl.ID.String()),
		attribute.Bool("dry_run", opts.DryRun),
		attribute.Bool("usage_based", tmpl.IsUsageBased),
	)
	defer func() {
		span.SetAttributes(attribute.String("outcome", string(out.Status)))
		if out.Failed() {
			span.RecordError(tracing.SafeError(errors.New(out.Reason)))
			span.SetStatus(codes.Error, out.ErrorType)
		}
		span.End()
	}()

	log := p.log.With(
		zap.String("template_id", tmpl.ID.String()),
		zap.String("org_id", tmpl.OrgID.String()),
		zap.Bool("dry_run", opts.DryRun),
	)

	if !Eligible(tmpl, now, opts.Force) {
		out.Status = skipStatus(opts.DryRun)
		out.Reason = ReasonNotEligible
		return out
	}

	pl, err := p.prepare(ctx, tmpl, now)
	if pl != nil {
		out.Warnings = pl.warnings
	}
	if errors.Is(err, aggregator.ErrNoBillableUsage) {
		out.Status = skipStatus(opts.DryRun)
		out.Reason = ReasonNoBillableUsage
		log.Info("recurring.template.skipped", zap.String("reason", out.Reason))
		return out
	}
	if err != nil {
		return p.fail(log, out, err)
	}

	if opts.DryRun {
		out.Status = StatusWouldGenerate
		out.NextGenerationDate = &pl.next
		return out
	}

	invoice, err := p.generate(ctx, tmpl, pl, now)
	if err != nil {
		return p.fail(log, out, err)
	}

	out.Status = StatusGenerated
	out.InvoiceID = invoice.ID
	out.InvoiceNo = invoice.InvoiceNo
	out.NextGenerationDate = &pl.next
	if p.metrics != nil {
		p.metrics.RecordInvoiceGenerated(ctx, tmpl.OrgID.String(), tmpl.IsUsageBased)
		if pl.usage != nil {
			p.metrics.RecordUsageClaimed(ctx, tmpl.OrgID.String(), len(pl.usage.RecordIDs))
		}
	}
	log.Info("recurring.template.generated",
		zap.String("invoice_id", invoice.ID.String()),
		zap.Int64("invoice_no", invoice.InvoiceNo),
		zap.Time("next_generation_date", pl.next),
		zap.String("status", string(pl.status)),
	)

	if tmpl.AutoSendEmail {
		if warning := p.notify(ctx, tmpl, invoice); warning != "" {
			out.Warnings = append(out.Warnings, warning)
			log.Warn("recurring.template.notification_failed", zap.String("warning", warning))
		}
	}
	return out
}

func (p *Processor) prepare(ctx context.Context, tmpl domain.Template, now time.Time) (*plan, error) {
	if tmpl.Interval <= 0 {
		return nil, fmt.Errorf("%w: %d", domain.ErrInvalidInterval, tmpl.Interval)
	}

	items, err := p.repo.ListItems(ctx, p.db, tmpl.ID)
	if err != nil {
		return nil, fmt.Errorf("list template items: %w", err)
	}
	if len(items) == 0 {
		return nil, domain.ErrMissingItems
	}
	for _, item := range items {
		if err := validateItem(item); err != nil {
			return nil, err
		}
	}

	pl := &plan{
		issueDate: domain.StartOfDay(now),
		status:    domain.StatusActive,
	}
	pl.dueDate = pl.issueDate.AddDate(0, 0, max(tmpl.DaysUntilDue, 0))

	res, err := frequency.Resolve(tmpl.Frequency, tmpl.Interval, pl.issueDate)
	if err != nil {
		return nil, err
	}
	if res.Fallback {
		pl.warnings = append(pl.warnings, frequency.WarningUnknownFrequency)
	}
	pl.next = res.Next
	if tmpl.EndDate != nil && pl.next.After(*tmpl.EndDate) {
		pl.status = domain.StatusCompleted
	}

	if tmpl.IsUsageBased {
		usage, err := p.aggregator.Aggregate(ctx, p.db, tmpl, items, now)
		if err != nil {
			return pl, err
		}
		pl.usage = usage
		items = usage.Items
	}

	pl.lines = lo.Map(items, func(item domain.TemplateItem, _ int) invoicedomain.LineInput {
		return invoicedomain.LineInput{
			ProductID:   item.ProductID,
			Description: item.Description,
			Quantity:    item.Quantity,
			UnitPrice:   item.UnitPrice,
			TaxRate:     item.TaxRate,
		}
	})
	return pl, nil
}

func (p *Processor) generate(ctx context.Context, tmpl domain.Template, pl *plan, now time.Time) (*invoicedomain.Invoice, error) {
	cfg := p.cfg.Get()
	status := invoicedomain.InvoiceStatusDraft
	if tmpl.AutoSendEmail {
		status = invoicedomain.InvoiceStatusOpen
	}
	metadata := map[string]any{
		"source":      "recurring",
		"template_id": tmpl.ID.String(),
	}
	if pl.usage != nil {
		metadata["usage_total"] = pl.usage.TotalUsage.String()
		metadata["usage_period_start"] = pl.usage.PeriodStart.Format(time.RFC3339)
		metadata["usage_period_end"] = pl.usage.PeriodEnd.Format(time.RFC3339)
	}

	var invoice *invoicedomain.Invoice
	err := db.Transact(ctx, p.db, db.TxOptions{
		Isolation:   sql.LevelReadCommitted,
		Timeout:     cfg.TxTimeout,
		LockTimeout: cfg.LockTimeout,
	}, func(tx *gorm.DB) error {
		ctx := tx.Statement.Context
		var err error
		invoice, _, err = p.invoiceSvc.Generate(ctx, tx, invoicedomain.GenerateRequest{
			OrgID:      tmpl.OrgID,
			CustomerID: tmpl.CustomerID,
			TemplateID: tmpl.ID,
			Currency:   tmpl.Currency,
			Status:     status,
			IssueDate:  pl.issueDate,
			DueDate:    pl.dueDate,
			Lines:      pl.lines,
			Metadata:   metadata,
		})
		if err != nil {
			return err
		}

		if pl.usage != nil {
			if err := p.aggregator.Claim(ctx, tx, pl.usage.RecordIDs, invoice.ID, now); err != nil {
				return err
			}
		}

		return p.repo.AdvanceSchedule(ctx, tx, domain.AdvanceSchedule{
			TemplateID:                 tmpl.ID,
			ExpectedNextGenerationDate: tmpl.NextGenerationDate,
			NextGenerationDate:         pl.next,
			LastGeneratedAt:            pl.issueDate,
			Status:                     pl.status,
			UpdatedAt:                  now,
		})
	})
	if err != nil {
		return nil, err
	}
	return invoice, nil
}

// notify returns a warning when the notice could not be delivered.
func (p *Processor) notify(ctx context.Context, tmpl domain.Template, invoice *invoicedomain.Invoice) string {
	customer, err := p.customerRepo.FindByID(ctx, p.db, tmpl.OrgID, tmpl.CustomerID)
	if err != nil {
		return fmt.Sprintf("%s: %v", WarningNotificationFailed, err)
	}
	if customer == nil || !customer.Reachable() {
		return WarningNotificationNoEmail
	}

	branding := templatedomain.Branding{}
	if p.brandingSvc != nil {
		if branding, err = p.brandingSvc.ResolveBranding(ctx, tmpl.OrgID, tmpl.Branding); err != nil {
			p.log.Warn("resolve branding failed", zap.Error(err))
		}
	}

	err = p.notifier.Dispatch(ctx, notification.Request{
		To:           customer.Email,
		CustomerName: customer.Name,
		InvoiceID:    invoice.ID,
		InvoiceNo:    invoice.InvoiceNo,
		IssueDate:    invoice.IssueDate,
		DueDate:      invoice.DueDate,
		Currency:     invoice.Currency,
		Subtotal:     invoice.Subtotal,
		TaxTotal:     invoice.TaxTotal,
		Total:        invoice.Total,
		Branding:     branding,
	})
	if err != nil {
		return fmt.Sprintf("%s: %v", WarningNotificationFailed, err)
	}
	return ""
}

func (p *Processor) fail(log *zap.Logger, out Outcome, err error) Outcome {
	out.Status = StatusFailed
	out.Reason = err.Error()
	out.ErrorType = Classify(err)
	log.Warn("recurring.template.failed",
		zap.String("error_type", out.ErrorType),
		zap.Bool("retryable", obsmetrics.IsSchedulerErrorRetryable(err)),
		zap.Error(err),
	)
	return out
}

// Classify maps a processing error to a low-cardinality error type.
func Classify(err error) string {
	switch {
	case domain.IsConfiguration(err):
		return ErrorTypeConfiguration
	case errors.Is(err, domain.ErrScheduleConflict), errors.Is(err, aggregator.ErrUsageAlreadyClaimed):
		return ErrorTypeConflict
	default:
		return obsmetrics.ClassifySchedulerErrorType(err)
	}
}

func validateItem(item domain.TemplateItem) error {
	switch {
	case strings.TrimSpace(item.Description) == "":
		return fmt.Errorf("%w: item %s has no description", domain.ErrInvalidItem, idString(item.ID))
	case item.Quantity.IsNegative():
		return fmt.Errorf("%w: item %s has negative quantity", domain.ErrInvalidItem, idString(item.ID))
	case item.UnitPrice.IsNegative():
		return fmt.Errorf("%w: item %s has negative price", domain.ErrInvalidItem, idString(item.ID))
	case item.TaxRate.IsNegative():
		return fmt.Errorf("%w: item %s has negative tax rate", domain.ErrInvalidItem, idString(item.ID))
	}
	return nil
}

func skipStatus(dryRun bool) Status {
	if dryRun {
		return StatusWouldSkip
	}
	return StatusSkipped
}

func idString(id snowflake.ID) string {
	if id == 0 {
		return ""
	}
	return id.String()
}
