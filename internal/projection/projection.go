// Package projection forecasts how many invoices a recurring template will
// produce before a horizon and what they are worth.
package projection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/recurra/internal/cache"
	"github.com/smallbiznis/recurra/internal/config"
	invoicedomain "github.com/smallbiznis/recurra/internal/invoice/domain"
	obsmetrics "github.com/smallbiznis/recurra/internal/observability/metrics"
	"github.com/smallbiznis/recurra/internal/recurring/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidHorizon = errors.New("invalid_horizon")

// Result is a forecast. Dates lists every projected generation date.
type Result struct {
	TemplateID          string          `json:"template_id"`
	GenerationCount     int             `json:"generation_count"`
	ProjectedValue      decimal.Decimal `json:"projected_value"`
	AverageInvoiceValue decimal.Decimal `json:"average_invoice_value"`
	Dates               []time.Time     `json:"dates"`
	Capped              bool            `json:"capped"`
	// HistoricalAverage is set when the average came from issued invoices
	// rather than the template's line items.
	HistoricalAverage bool     `json:"historical_average"`
	Warnings          []string `json:"warnings,omitempty"`
	Cached            bool     `json:"cached"`
}

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Config     *config.SchedulerConfigHolder
	Repo       domain.Repository
	InvoiceSvc invoicedomain.Service
	Store      *cache.JSONStore    `optional:"true"`
	Metrics    *obsmetrics.Metrics `optional:"true"`
}

type Engine struct {
	db         *gorm.DB
	log        *zap.Logger
	cfg        *config.SchedulerConfigHolder
	repo       domain.Repository
	invoiceSvc invoicedomain.Service
	store      *cache.JSONStore
	metrics    *obsmetrics.Metrics
}

func New(p Params) *Engine {
	return &Engine{
		db:         p.DB,
		log:        p.Log.Named("projection"),
		cfg:        p.Config,
		repo:       p.Repo,
		invoiceSvc: p.InvoiceSvc,
		store:      p.Store,
		metrics:    p.Metrics,
	}
}

// Project forecasts generations of templateID up to and including horizonEnd.
func (e *Engine) Project(ctx context.Context, templateID string, horizonEnd time.Time) (Result, error) {
	id, err := snowflake.ParseString(templateID)
	if err != nil || id == 0 {
		return Result{}, domain.ErrInvalidID
	}
	if horizonEnd.IsZero() {
		return Result{}, ErrInvalidHorizon
	}
	horizonEnd = horizonEnd.UTC()

	tmpl, err := e.repo.FindByID(ctx, e.db, id)
	if err != nil {
		return Result{}, err
	}
	if tmpl == nil {
		return Result{}, domain.ErrNotFound
	}

	cfg := e.cfg.Get().Projection
	key := cache.Key("projection", tmpl.ID.String(),
		tmpl.NextGenerationDate.UTC().Format(time.RFC3339),
		string(tmpl.Status),
		horizonEnd.Format(time.RFC3339),
	)
	var cached Result
	if ok, err := e.store.Get(ctx, key, &cached); err != nil {
		e.log.Warn("projection cache read failed", zap.String("template_id", tmpl.ID.String()), zap.Error(err))
	} else if ok {
		cached.Cached = true
		e.metrics.RecordProjection(ctx, true)
		return cached, nil
	}

	schedule, err := Schedule(*tmpl, horizonEnd, cfg.MaxIterations)
	if err != nil {
		return Result{}, err
	}

	average, historical, err := e.averageValue(ctx, tmpl.ID, cfg.HistoryLimit)
	if err != nil {
		return Result{}, err
	}

	res := Result{
		TemplateID:          tmpl.ID.String(),
		GenerationCount:     len(schedule.Dates),
		Dates:               schedule.Dates,
		Capped:              schedule.Capped,
		AverageInvoiceValue: average.Round(2),
		HistoricalAverage:   historical,
		Warnings:            schedule.Warnings,
	}
	res.ProjectedValue = average.Mul(decimal.NewFromInt(int64(res.GenerationCount))).Round(2)

	if err := e.store.Set(ctx, key, res, cfg.CacheTTL); err != nil {
		e.log.Warn("projection cache write failed", zap.String("template_id", tmpl.ID.String()), zap.Error(err))
	}
	e.metrics.RecordProjection(ctx, false)
	return res, nil
}

func (e *Engine) averageValue(ctx context.Context, templateID snowflake.ID, limit int) (decimal.Decimal, bool, error) {
	totals, err := e.invoiceSvc.RecentTotals(ctx, templateID, limit)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("recent invoice totals: %w", err)
	}
	if len(totals) > 0 {
		sum := lo.Reduce(totals, func(acc decimal.Decimal, v decimal.Decimal, _ int) decimal.Decimal {
			return acc.Add(v)
		}, decimal.Zero)
		return sum.Div(decimal.NewFromInt(int64(len(totals)))), true, nil
	}

	items, err := e.repo.ListItems(ctx, e.db, templateID)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("list template items: %w", err)
	}
	return ItemsValue(items), false, nil
}

// ItemsValue is the gross value of one invoice built from items.
func ItemsValue(items []domain.TemplateItem) decimal.Decimal {
	one := decimal.NewFromInt(1)
	return lo.Reduce(items, func(acc decimal.Decimal, item domain.TemplateItem, _ int) decimal.Decimal {
		return acc.Add(item.UnitPrice.Mul(item.Quantity).Mul(one.Add(item.TaxRate)))
	}, decimal.Zero)
}
