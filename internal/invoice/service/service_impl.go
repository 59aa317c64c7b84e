package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	invoicedomain "github.com/smallbiznis/recurra/internal/invoice/domain"
	"github.com/smallbiznis/recurra/internal/invoice/numbering"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const amountScale = 2

type ServiceParam struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Repo      invoicedomain.Repository
	Allocator *numbering.Allocator
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID     *snowflake.Node
	repo      invoicedomain.Repository
	allocator *numbering.Allocator
}

func NewService(p ServiceParam) invoicedomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("invoice.service"),

		genID:     p.GenID,
		repo:      p.Repo,
		allocator: p.Allocator,
	}
}

func (s *Service) Generate(ctx context.Context, tx *gorm.DB, req invoicedomain.GenerateRequest) (*invoicedomain.Invoice, []invoicedomain.InvoiceItem, error) {
	if req.OrgID == 0 {
		return nil, nil, invoicedomain.ErrInvalidOrg
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		return nil, nil, invoicedomain.ErrInvalidCurrency
	}
	if len(req.Lines) == 0 {
		return nil, nil, invoicedomain.ErrEmptyInvoice
	}

	invoiceID := s.genID.Generate()
	items := make([]invoicedomain.InvoiceItem, 0, len(req.Lines))
	for i, line := range req.Lines {
		if line.Quantity.IsNegative() || line.UnitPrice.IsNegative() || line.TaxRate.IsNegative() {
			return nil, nil, fmt.Errorf("%w: line %d", invoicedomain.ErrInvalidLine, i)
		}
		amount := line.Quantity.Mul(line.UnitPrice).Round(amountScale)
		items = append(items, invoicedomain.InvoiceItem{
			ID:          s.genID.Generate(),
			OrgID:       req.OrgID,
			InvoiceID:   invoiceID,
			Position:    i,
			ProductID:   line.ProductID,
			Description: line.Description,
			Quantity:    line.Quantity,
			UnitPrice:   line.UnitPrice,
			TaxRate:     line.TaxRate,
			Amount:      amount,
			TaxAmount:   amount.Mul(line.TaxRate).Round(amountScale),
		})
	}

	subtotal := lo.Reduce(items, func(sum decimal.Decimal, item invoicedomain.InvoiceItem, _ int) decimal.Decimal {
		return sum.Add(item.Amount)
	}, decimal.Zero)
	taxTotal := lo.Reduce(items, func(sum decimal.Decimal, item invoicedomain.InvoiceItem, _ int) decimal.Decimal {
		return sum.Add(item.TaxAmount)
	}, decimal.Zero)

	invoiceNo, err := s.allocator.Next(ctx, tx, req.OrgID)
	if err != nil {
		return nil, nil, err
	}

	status := req.Status
	if status == "" {
		status = invoicedomain.InvoiceStatusDraft
	}
	now := time.Now().UTC()
	invoice := &invoicedomain.Invoice{
		ID:         invoiceID,
		OrgID:      req.OrgID,
		CustomerID: req.CustomerID,
		TemplateID: req.TemplateID,
		InvoiceNo:  invoiceNo,
		Status:     status,
		Currency:   currency,
		IssueDate:  req.IssueDate,
		DueDate:    req.DueDate,
		Subtotal:   subtotal,
		TaxTotal:   taxTotal,
		Total:      subtotal.Add(taxTotal),
		Metadata:   datatypes.JSONMap(req.Metadata),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	for i := range items {
		items[i].CreatedAt = now
	}

	if err := s.repo.Insert(ctx, tx, invoice, items); err != nil {
		return nil, nil, fmt.Errorf("insert invoice: %w", err)
	}
	return invoice, items, nil
}

func (s *Service) GetByID(ctx context.Context, id string) (invoicedomain.Invoice, error) {
	invoiceID, err := snowflake.ParseString(strings.TrimSpace(id))
	if err != nil || invoiceID == 0 {
		return invoicedomain.Invoice{}, invoicedomain.ErrInvalidID
	}
	invoice, err := s.repo.FindByID(ctx, s.db, invoiceID)
	if err != nil {
		return invoicedomain.Invoice{}, err
	}
	if invoice == nil {
		return invoicedomain.Invoice{}, invoicedomain.ErrNotFound
	}
	return *invoice, nil
}

func (s *Service) ListByTemplate(ctx context.Context, templateID string, limit int) ([]invoicedomain.Invoice, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(templateID))
	if err != nil || id == 0 {
		return nil, invoicedomain.ErrInvalidID
	}
	return s.repo.ListByTemplate(ctx, s.db, id, limit)
}

func (s *Service) RecentTotals(ctx context.Context, templateID snowflake.ID, limit int) ([]decimal.Decimal, error) {
	invoices, err := s.repo.ListByTemplate(ctx, s.db, templateID, limit)
	if err != nil {
		return nil, err
	}
	return lo.Map(invoices, func(inv invoicedomain.Invoice, _ int) decimal.Decimal {
		return inv.Total
	}), nil
}
