package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, record *UsageRecord) error
	FindByIdempotencyKey(ctx context.Context, db *gorm.DB, orgID snowflake.ID, key string) (*UsageRecord, error)
	// ListUnbilled returns records with period_start >= from and period_end <= to, ordered by period_start.
	ListUnbilled(ctx context.Context, db *gorm.DB, templateID snowflake.ID, from, to time.Time) ([]UsageRecord, error)
	// Claim links unbilled records to invoiceID and returns how many rows it changed.
	Claim(ctx context.Context, db *gorm.DB, ids []snowflake.ID, invoiceID snowflake.ID, now time.Time) (int64, error)
}
