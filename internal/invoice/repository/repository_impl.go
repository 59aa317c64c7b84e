package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	invoicedomain "github.com/smallbiznis/recurra/internal/invoice/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() invoicedomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, invoice *invoicedomain.Invoice, items []invoicedomain.InvoiceItem) error {
	err := db.WithContext(ctx).Exec(
		`INSERT INTO invoices (
			id, org_id, customer_id, template_id, invoice_no, status, currency,
			issue_date, due_date, subtotal, tax_total, total, metadata, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		invoice.ID,
		invoice.OrgID,
		invoice.CustomerID,
		invoice.TemplateID,
		invoice.InvoiceNo,
		invoice.Status,
		invoice.Currency,
		invoice.IssueDate,
		invoice.DueDate,
		invoice.Subtotal,
		invoice.TaxTotal,
		invoice.Total,
		invoice.Metadata,
		invoice.CreatedAt,
		invoice.UpdatedAt,
	).Error
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}
	return db.WithContext(ctx).Create(&items).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*invoicedomain.Invoice, error) {
	var invoice invoicedomain.Invoice
	err := db.WithContext(ctx).Raw(
		`SELECT id, org_id, customer_id, template_id, invoice_no, status, currency,
		        issue_date, due_date, subtotal, tax_total, total, metadata, created_at, updated_at
		 FROM invoices WHERE id = ?`,
		id,
	).Scan(&invoice).Error
	if err != nil {
		return nil, err
	}
	if invoice.ID == 0 {
		return nil, nil
	}
	return &invoice, nil
}

func (r *repo) ListByTemplate(ctx context.Context, db *gorm.DB, templateID snowflake.ID, limit int) ([]invoicedomain.Invoice, error) {
	var invoices []invoicedomain.Invoice
	stmt := db.WithContext(ctx).
		Model(&invoicedomain.Invoice{}).
		Where("template_id = ?", templateID).
		Order("issue_date desc, invoice_no desc")
	if limit > 0 {
		stmt = stmt.Limit(limit)
	}
	if err := stmt.Find(&invoices).Error; err != nil {
		return nil, err
	}
	return invoices, nil
}

func (r *repo) ListItems(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) ([]invoicedomain.InvoiceItem, error) {
	var items []invoicedomain.InvoiceItem
	err := db.WithContext(ctx).
		Where("invoice_id = ?", invoiceID).
		Order("position asc").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}
