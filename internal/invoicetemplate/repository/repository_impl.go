package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	templatedomain "github.com/smallbiznis/recurra/internal/invoicetemplate/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() templatedomain.Repository {
	return &repo{}
}

// Insert stores tmpl. A default template demotes any earlier default of the
// same organization, so callers must pass a transaction when that matters.
func (r *repo) Insert(ctx context.Context, db *gorm.DB, tmpl *templatedomain.InvoiceTemplate) error {
	conn := db.WithContext(ctx)
	if tmpl.IsDefault {
		err := conn.Model(&templatedomain.InvoiceTemplate{}).
			Where("org_id = ? AND is_default = ?", tmpl.OrgID, true).
			Updates(map[string]any{"is_default": false, "updated_at": tmpl.UpdatedAt}).Error
		if err != nil {
			return err
		}
	}
	return conn.Create(tmpl).Error
}

// FindDefault returns nil, nil when the organization has no default template.
func (r *repo) FindDefault(ctx context.Context, db *gorm.DB, orgID snowflake.ID) (*templatedomain.InvoiceTemplate, error) {
	var found []templatedomain.InvoiceTemplate
	err := db.WithContext(ctx).
		Where("org_id = ? AND is_default = ?", orgID, true).
		Order("updated_at desc, id desc").
		Limit(1).
		Find(&found).Error
	if err != nil || len(found) == 0 {
		return nil, err
	}
	return &found[0], nil
}
