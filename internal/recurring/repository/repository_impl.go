package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/recurra/internal/recurring/domain"
	"gorm.io/gorm"
)

const templateColumns = `id, org_id, customer_id, name, currency, frequency, billing_interval,
	next_generation_date, last_generated_at, start_date, end_date, status, is_usage_based,
	usage_unit, days_until_due, total_generated, auto_send_email, branding, created_at, updated_at`

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, tmpl *domain.Template, items []domain.TemplateItem) error {
	if err := db.WithContext(ctx).Create(tmpl).Error; err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}
	for i := range items {
		items[i].TemplateID = tmpl.ID
	}
	return db.WithContext(ctx).Create(&items).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Template, error) {
	var tmpl domain.Template
	err := db.WithContext(ctx).Raw(
		`SELECT `+templateColumns+` FROM recurring_templates WHERE id = ?`,
		id,
	).Scan(&tmpl).Error
	if err != nil {
		return nil, err
	}
	if tmpl.ID == 0 {
		return nil, nil
	}
	return &tmpl, nil
}

func (r *repo) ListEligible(ctx context.Context, db *gorm.DB, filter domain.EligibleFilter) ([]*domain.Template, error) {
	var templates []*domain.Template
	stmt := db.WithContext(ctx).
		Model(&domain.Template{}).
		Where("status = ?", domain.StatusActive)
	if !filter.Force {
		stmt = stmt.
			Where("next_generation_date <= ?", filter.Now).
			Where("(end_date IS NULL OR end_date >= ?)", domain.StartOfDay(filter.Now))
	}
	if filter.Limit > 0 {
		stmt = stmt.Limit(filter.Limit)
	}
	err := stmt.
		Order("next_generation_date asc, id asc").
		Find(&templates).Error
	if err != nil {
		return nil, err
	}
	return templates, nil
}

func (r *repo) ListItems(ctx context.Context, db *gorm.DB, templateID snowflake.ID) ([]domain.TemplateItem, error) {
	var items []domain.TemplateItem
	err := db.WithContext(ctx).Raw(
		`SELECT id, template_id, position, product_id, description, quantity, unit_price, tax_rate, created_at
		 FROM recurring_template_items
		 WHERE template_id = ?
		 ORDER BY position ASC, id ASC`,
		templateID,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) AdvanceSchedule(ctx context.Context, db *gorm.DB, params domain.AdvanceSchedule) error {
	res := db.WithContext(ctx).Exec(
		`UPDATE recurring_templates
		 SET next_generation_date = ?, last_generated_at = ?, total_generated = total_generated + 1,
		     status = ?, updated_at = ?
		 WHERE id = ? AND status = ? AND next_generation_date = ?`,
		params.NextGenerationDate,
		params.LastGeneratedAt,
		params.Status,
		params.UpdatedAt,
		params.TemplateID,
		domain.StatusActive,
		params.ExpectedNextGenerationDate,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrScheduleConflict
	}
	return nil
}

func (r *repo) UpdateStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to domain.Status, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE recurring_templates SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		to,
		now,
		id,
		from,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) SetNextGenerationDate(ctx context.Context, db *gorm.DB, id snowflake.ID, next, now time.Time) error {
	res := db.WithContext(ctx).Exec(
		`UPDATE recurring_templates SET next_generation_date = ?, updated_at = ? WHERE id = ?`,
		next,
		now,
		id,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *repo) CountInvoices(ctx context.Context, db *gorm.DB, id snowflake.ID) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM invoices WHERE template_id = ?`,
		id,
	).Scan(&count).Error
	return count, err
}

func (r *repo) Delete(ctx context.Context, db *gorm.DB, id snowflake.ID) error {
	if err := db.WithContext(ctx).Exec(
		`DELETE FROM recurring_template_items WHERE template_id = ?`, id,
	).Error; err != nil {
		return err
	}
	if err := db.WithContext(ctx).Exec(
		`DELETE FROM usage_records WHERE template_id = ? AND invoice_id IS NULL`, id,
	).Error; err != nil {
		return err
	}
	return db.WithContext(ctx).Exec(
		`DELETE FROM recurring_templates WHERE id = ?`, id,
	).Error
}
