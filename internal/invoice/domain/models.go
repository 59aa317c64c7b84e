// Package domain contains persistence models for invoicing.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// InvoiceStatus represents invoice lifecycle states.
type InvoiceStatus string

const (
	InvoiceStatusDraft InvoiceStatus = "DRAFT"
	InvoiceStatusOpen  InvoiceStatus = "OPEN"
)

// Invoice represents a generated invoice. InvoiceNo is unique per organization.
type Invoice struct {
	ID         snowflake.ID      `gorm:"primaryKey" json:"id"`
	OrgID      snowflake.ID      `gorm:"not null;index;uniqueIndex:ux_invoices_org_invoice_no,priority:1" json:"organization_id"`
	CustomerID snowflake.ID      `gorm:"not null;index" json:"customer_id"`
	TemplateID snowflake.ID      `gorm:"not null;index" json:"template_id"`
	InvoiceNo  int64             `gorm:"not null;uniqueIndex:ux_invoices_org_invoice_no,priority:2" json:"invoice_no"`
	Status     InvoiceStatus     `gorm:"type:varchar(16);not null;default:'DRAFT'" json:"status"`
	Currency   string            `gorm:"type:varchar(8);not null" json:"currency"`
	IssueDate  time.Time         `gorm:"not null" json:"issue_date"`
	DueDate    time.Time         `gorm:"not null" json:"due_date"`
	Subtotal   decimal.Decimal   `gorm:"type:numeric(20,6);not null" json:"subtotal"`
	TaxTotal   decimal.Decimal   `gorm:"type:numeric(20,6);not null" json:"tax_total"`
	Total      decimal.Decimal   `gorm:"type:numeric(20,6);not null" json:"total"`
	Metadata   datatypes.JSONMap `gorm:"type:jsonb" json:"metadata,omitempty"`
	CreatedAt  time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt  time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (Invoice) TableName() string { return "invoices" }

// InvoiceItem is a materialized copy of a template line, never a live reference.
type InvoiceItem struct {
	ID          snowflake.ID    `gorm:"primaryKey" json:"id"`
	OrgID       snowflake.ID    `gorm:"not null;index" json:"organization_id"`
	InvoiceID   snowflake.ID    `gorm:"not null;index" json:"invoice_id"`
	Position    int             `gorm:"not null;default:0" json:"position"`
	ProductID   *snowflake.ID   `json:"product_id,omitempty"`
	Description string          `gorm:"type:text;not null" json:"description"`
	Quantity    decimal.Decimal `gorm:"type:numeric(20,6);not null" json:"quantity"`
	UnitPrice   decimal.Decimal `gorm:"type:numeric(20,6);not null" json:"unit_price"`
	TaxRate     decimal.Decimal `gorm:"type:numeric(10,6);not null" json:"tax_rate"`
	Amount      decimal.Decimal `gorm:"type:numeric(20,6);not null" json:"amount"`
	TaxAmount   decimal.Decimal `gorm:"type:numeric(20,6);not null" json:"tax_amount"`
	CreatedAt   time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

// TableName sets the database table name.
func (InvoiceItem) TableName() string { return "invoice_items" }

// InvoiceCounter is the per-organization source of invoice numbers.
type InvoiceCounter struct {
	OrgID         snowflake.ID `gorm:"primaryKey;autoIncrement:false"`
	LastInvoiceNo int64        `gorm:"not null;default:0"`
	UpdatedAt     time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (InvoiceCounter) TableName() string { return "invoice_counters" }
