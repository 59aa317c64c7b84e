// Package domain holds organization-level invoice presentation settings.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// InvoiceTemplate stores the default look of an organization's invoices.
type InvoiceTemplate struct {
	ID        snowflake.ID      `gorm:"primaryKey" json:"id"`
	OrgID     snowflake.ID      `gorm:"not null;index" json:"organization_id"`
	Name      string            `gorm:"not null" json:"name"`
	IsDefault bool              `gorm:"not null;default:false" json:"is_default"`
	Locale    string            `gorm:"type:varchar(16);not null;default:'en'" json:"locale"`
	Currency  string            `gorm:"type:varchar(8)" json:"currency"`
	Header    datatypes.JSONMap `gorm:"type:jsonb" json:"header,omitempty"`
	Footer    datatypes.JSONMap `gorm:"type:jsonb" json:"footer,omitempty"`
	Style     datatypes.JSONMap `gorm:"type:jsonb" json:"style,omitempty"`
	CreatedAt time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

func (InvoiceTemplate) TableName() string { return "invoice_templates" }

// Branding is the resolved presentation context handed to notifications.
type Branding struct {
	CompanyName  string `json:"company_name"`
	LogoURL      string `json:"logo_url,omitempty"`
	PrimaryColor string `json:"primary_color"`
	FooterNote   string `json:"footer_note,omitempty"`
	Locale       string `json:"locale"`
}
