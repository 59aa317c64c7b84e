package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, tmpl *InvoiceTemplate) error
	FindDefault(ctx context.Context, db *gorm.DB, orgID snowflake.ID) (*InvoiceTemplate, error)
}
