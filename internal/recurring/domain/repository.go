package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, tmpl *Template, items []TemplateItem) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Template, error)
	ListEligible(ctx context.Context, db *gorm.DB, filter EligibleFilter) ([]*Template, error)
	ListItems(ctx context.Context, db *gorm.DB, templateID snowflake.ID) ([]TemplateItem, error)
	AdvanceSchedule(ctx context.Context, db *gorm.DB, params AdvanceSchedule) error
	UpdateStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to Status, now time.Time) (bool, error)
	SetNextGenerationDate(ctx context.Context, db *gorm.DB, id snowflake.ID, next, now time.Time) error
	CountInvoices(ctx context.Context, db *gorm.DB, id snowflake.ID) (int64, error)
	Delete(ctx context.Context, db *gorm.DB, id snowflake.ID) error
}
