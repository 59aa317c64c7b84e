// Package aggregator turns unbilled usage records into invoice line quantities.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	recurringdomain "github.com/smallbiznis/recurra/internal/recurring/domain"
	usagedomain "github.com/smallbiznis/recurra/internal/usage/domain"
	"gorm.io/gorm"
)

var (
	// ErrNoBillableUsage means the template has nothing to bill this period.
	ErrNoBillableUsage     = errors.New("no_billable_usage")
	ErrUsageAlreadyClaimed = errors.New("usage_already_claimed")
)

// Result is the billable view of one period of usage.
type Result struct {
	Items       []recurringdomain.TemplateItem
	RecordIDs   []snowflake.ID
	TotalUsage  decimal.Decimal
	PeriodStart time.Time
	PeriodEnd   time.Time
}

type Aggregator struct {
	repo usagedomain.Repository
}

func New(repo usagedomain.Repository) *Aggregator {
	return &Aggregator{repo: repo}
}

// Window returns the billing period [lastGeneratedAt or startDate, now].
func Window(tmpl recurringdomain.Template, now time.Time) (time.Time, time.Time) {
	start := tmpl.StartDate
	if tmpl.LastGeneratedAt != nil {
		start = *tmpl.LastGeneratedAt
	}
	return start, now
}

// Aggregate sums unbilled usage in the template's current window and scales
// every item quantity by it, rounding up.
func (a *Aggregator) Aggregate(
	ctx context.Context,
	db *gorm.DB,
	tmpl recurringdomain.Template,
	items []recurringdomain.TemplateItem,
	now time.Time,
) (*Result, error) {
	from, to := Window(tmpl, now)
	records, err := a.repo.ListUnbilled(ctx, db, tmpl.ID, from, to)
	if err != nil {
		return nil, fmt.Errorf("list unbilled usage: %w", err)
	}
	if len(records) == 0 {
		return nil, ErrNoBillableUsage
	}

	total := lo.Reduce(records, func(sum decimal.Decimal, r usagedomain.UsageRecord, _ int) decimal.Decimal {
		return sum.Add(r.Quantity)
	}, decimal.Zero)

	annotation := Annotation(total, tmpl.UsageUnit, from, to)
	billed := lo.Map(items, func(item recurringdomain.TemplateItem, _ int) recurringdomain.TemplateItem {
		item.Quantity = total.Mul(item.Quantity).Ceil()
		item.Description = item.Description + annotation
		return item
	})

	return &Result{
		Items:       billed,
		RecordIDs:   lo.Map(records, func(r usagedomain.UsageRecord, _ int) snowflake.ID { return r.ID }),
		TotalUsage:  total,
		PeriodStart: from,
		PeriodEnd:   to,
	}, nil
}

// Claim links the records to invoiceID. It must run in the transaction that
// creates the invoice; a short count means another invoice got there first.
func (a *Aggregator) Claim(ctx context.Context, tx *gorm.DB, ids []snowflake.ID, invoiceID snowflake.ID, now time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	claimed, err := a.repo.Claim(ctx, tx, ids, invoiceID, now)
	if err != nil {
		return fmt.Errorf("claim usage: %w", err)
	}
	if claimed != int64(len(ids)) {
		return fmt.Errorf("%w: claimed %d of %d", ErrUsageAlreadyClaimed, claimed, len(ids))
	}
	return nil
}

// Annotation renders the usage suffix appended to billed item descriptions.
func Annotation(total decimal.Decimal, unit string, from, to time.Time) string {
	amount := total.String()
	if unit = strings.TrimSpace(unit); unit != "" {
		amount += " " + unit
	}
	return fmt.Sprintf(" (usage: %s, %s – %s)", amount, from.UTC().Format(time.DateOnly), to.UTC().Format(time.DateOnly))
}
