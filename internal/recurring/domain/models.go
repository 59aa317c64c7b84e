package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Frequency is the billing cadence of a recurring template.
type Frequency string

const (
	FrequencyDaily     Frequency = "daily"
	FrequencyWeekly    Frequency = "weekly"
	FrequencyBiweekly  Frequency = "biweekly"
	FrequencyMonthly   Frequency = "monthly"
	FrequencyQuarterly Frequency = "quarterly"
	FrequencyYearly    Frequency = "yearly"
	FrequencyCustom    Frequency = "custom"
)

func (f Frequency) Valid() bool {
	switch f {
	case FrequencyDaily, FrequencyWeekly, FrequencyBiweekly, FrequencyMonthly,
		FrequencyQuarterly, FrequencyYearly, FrequencyCustom:
		return true
	default:
		return false
	}
}

// Status is the lifecycle state of a recurring template.
type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusPaused, StatusCompleted:
		return true
	default:
		return false
	}
}

// Terminal reports whether no transition may leave the status.
func (s Status) Terminal() bool {
	return s == StatusCompleted
}

type Template struct {
	ID                 snowflake.ID `gorm:"primaryKey" json:"id"`
	OrgID              snowflake.ID `gorm:"not null;index" json:"organization_id"`
	CustomerID         snowflake.ID `gorm:"not null;index" json:"customer_id"`
	Name               string       `gorm:"not null" json:"name"`
	Currency           string       `gorm:"not null" json:"currency"`
	Frequency          Frequency    `gorm:"type:varchar(16);not null" json:"frequency"`
	Interval           int          `gorm:"column:billing_interval;not null;default:1" json:"interval"`
	NextGenerationDate time.Time    `gorm:"not null;index" json:"next_generation_date"`
	// LastGeneratedAt is the issue date (UTC midnight) of the latest invoice
	// and opens the next usage window.
	LastGeneratedAt *time.Time `json:"last_generated_at,omitempty"`
	StartDate       time.Time  `gorm:"not null" json:"start_date"`
	// EndDate is inclusive: the template still generates on that calendar day
	// and completes once the next date falls after it.
	EndDate        *time.Time        `json:"end_date,omitempty"`
	Status         Status            `gorm:"type:varchar(16);not null;index" json:"status"`
	IsUsageBased   bool              `gorm:"not null;default:false" json:"is_usage_based"`
	UsageUnit      string            `json:"usage_unit,omitempty"`
	DaysUntilDue   int               `gorm:"not null;default:0" json:"days_until_due"`
	TotalGenerated int64             `gorm:"not null;default:0" json:"total_generated"`
	AutoSendEmail  bool              `gorm:"not null;default:false" json:"auto_send_email"`
	Branding       datatypes.JSONMap `gorm:"type:jsonb" json:"branding,omitempty"`
	CreatedAt      time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt      time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

func (Template) TableName() string { return "recurring_templates" }

// TemplateItem is a line-item spec copied onto every generated invoice.
type TemplateItem struct {
	ID          snowflake.ID    `gorm:"primaryKey" json:"id"`
	TemplateID  snowflake.ID    `gorm:"not null;index" json:"template_id"`
	Position    int             `gorm:"not null;default:0" json:"position"`
	ProductID   *snowflake.ID   `json:"product_id,omitempty"`
	Description string          `gorm:"not null" json:"description"`
	Quantity    decimal.Decimal `gorm:"type:numeric(20,6);not null" json:"quantity"`
	UnitPrice   decimal.Decimal `gorm:"type:numeric(20,6);not null" json:"unit_price"`
	TaxRate     decimal.Decimal `gorm:"type:numeric(10,6);not null;default:0" json:"tax_rate"`
	CreatedAt   time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

func (TemplateItem) TableName() string { return "recurring_template_items" }

// AdvanceSchedule carries the post-generation state of a template.
// ExpectedNextGenerationDate guards against a concurrent run that already advanced it.
type AdvanceSchedule struct {
	TemplateID                 snowflake.ID
	ExpectedNextGenerationDate time.Time
	NextGenerationDate         time.Time
	LastGeneratedAt            time.Time
	Status                     Status
	UpdatedAt                  time.Time
}

type EligibleFilter struct {
	Now   time.Time
	Force bool
	Limit int
}

// StartOfDay truncates t to midnight UTC.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
