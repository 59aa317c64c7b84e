// Package domain contains persistence models for metered template usage.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// UsageRecord is one metered consumption entry, billable at most once.
// InvoiceID is nil until an invoice claims the record and never changes after.
type UsageRecord struct {
	ID             snowflake.ID    `gorm:"primaryKey" json:"id"`
	OrgID          snowflake.ID    `gorm:"not null;index;uniqueIndex:ux_usage_records_org_idempotency,priority:1" json:"organization_id"`
	TemplateID     snowflake.ID    `gorm:"not null;index:idx_usage_records_template_period,priority:1" json:"template_id"`
	Quantity       decimal.Decimal `gorm:"type:numeric(20,6);not null" json:"quantity"`
	PeriodStart    time.Time       `gorm:"not null;index:idx_usage_records_template_period,priority:2" json:"period_start"`
	PeriodEnd      time.Time       `gorm:"not null" json:"period_end"`
	InvoiceID      *snowflake.ID   `gorm:"index" json:"invoice_id,omitempty"`
	IdempotencyKey *string         `gorm:"type:varchar(128);uniqueIndex:ux_usage_records_org_idempotency,priority:2" json:"idempotency_key,omitempty"`
	CreatedAt      time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt      time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (UsageRecord) TableName() string { return "usage_records" }
