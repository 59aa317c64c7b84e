package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// LineInput is one billable line handed to Generate.
type LineInput struct {
	ProductID   *snowflake.ID
	Description string
	Quantity    decimal.Decimal
	UnitPrice   decimal.Decimal
	TaxRate     decimal.Decimal
}

type GenerateRequest struct {
	OrgID      snowflake.ID
	CustomerID snowflake.ID
	TemplateID snowflake.ID
	Currency   string
	Status     InvoiceStatus
	IssueDate  time.Time
	DueDate    time.Time
	Lines      []LineInput
	Metadata   map[string]any
}

type Service interface {
	// Generate allocates the next number and persists the invoice with its items.
	// It must be given the caller's transaction.
	Generate(ctx context.Context, tx *gorm.DB, req GenerateRequest) (*Invoice, []InvoiceItem, error)
	GetByID(ctx context.Context, id string) (Invoice, error)
	ListByTemplate(ctx context.Context, templateID string, limit int) ([]Invoice, error)
	RecentTotals(ctx context.Context, templateID snowflake.ID, limit int) ([]decimal.Decimal, error)
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, invoice *Invoice, items []InvoiceItem) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Invoice, error)
	ListByTemplate(ctx context.Context, db *gorm.DB, templateID snowflake.ID, limit int) ([]Invoice, error)
	ListItems(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) ([]InvoiceItem, error)
}

var (
	ErrInvalidID       = errors.New("invalid_id")
	ErrNotFound        = errors.New("not_found")
	ErrInvalidOrg      = errors.New("invalid_organization")
	ErrInvalidCurrency = errors.New("invalid_currency")
	ErrEmptyInvoice    = errors.New("empty_invoice")
	ErrInvalidLine     = errors.New("invalid_line")
)
