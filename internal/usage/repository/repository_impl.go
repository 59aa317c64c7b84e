package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	usagedomain "github.com/smallbiznis/recurra/internal/usage/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() usagedomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, record *usagedomain.UsageRecord) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO usage_records (id, org_id, template_id, quantity, period_start, period_end, idempotency_key, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID,
		record.OrgID,
		record.TemplateID,
		record.Quantity,
		record.PeriodStart,
		record.PeriodEnd,
		record.IdempotencyKey,
		record.CreatedAt,
		record.UpdatedAt,
	).Error
}

func (r *repo) FindByIdempotencyKey(ctx context.Context, db *gorm.DB, orgID snowflake.ID, key string) (*usagedomain.UsageRecord, error) {
	var record usagedomain.UsageRecord
	err := db.WithContext(ctx).Raw(
		`SELECT id, org_id, template_id, quantity, period_start, period_end, invoice_id, idempotency_key, created_at, updated_at
		 FROM usage_records
		 WHERE org_id = ? AND idempotency_key = ?`,
		orgID,
		key,
	).Scan(&record).Error
	if err != nil {
		return nil, err
	}
	if record.ID == 0 {
		return nil, nil
	}
	return &record, nil
}

func (r *repo) ListUnbilled(ctx context.Context, db *gorm.DB, templateID snowflake.ID, from, to time.Time) ([]usagedomain.UsageRecord, error) {
	var records []usagedomain.UsageRecord
	err := db.WithContext(ctx).Raw(
		`SELECT id, org_id, template_id, quantity, period_start, period_end, invoice_id, idempotency_key, created_at, updated_at
		 FROM usage_records
		 WHERE template_id = ?
		   AND invoice_id IS NULL
		   AND period_start >= ?
		   AND period_end <= ?
		 ORDER BY period_start ASC, id ASC`,
		templateID,
		from,
		to,
	).Scan(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (r *repo) Claim(ctx context.Context, db *gorm.DB, ids []snowflake.ID, invoiceID snowflake.ID, now time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := db.WithContext(ctx).Exec(
		`UPDATE usage_records
		 SET invoice_id = ?, updated_at = ?
		 WHERE id IN ? AND invoice_id IS NULL`,
		invoiceID,
		now,
		ids,
	)
	return res.RowsAffected, res.Error
}
