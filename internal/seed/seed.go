// Package seed creates a demo organization with recurring templates for
// local development.
package seed

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/recurra/internal/clock"
	customerdomain "github.com/smallbiznis/recurra/internal/customer/domain"
	invoicetemplatedomain "github.com/smallbiznis/recurra/internal/invoicetemplate/domain"
	recurringdomain "github.com/smallbiznis/recurra/internal/recurring/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

const (
	demoCustomerName  = "Demo Customer"
	demoCustomerEmail = "billing@demo.recurra.local"
	demoCurrency      = "USD"
)

var Module = fx.Module("seed",
	fx.Provide(New),
)

// Result lists what the demo seed ensured exists.
type Result struct {
	OrgID       snowflake.ID   `json:"organization_id"`
	CustomerID  snowflake.ID   `json:"customer_id"`
	TemplateIDs []snowflake.ID `json:"template_ids"`
}

type Params struct {
	fx.In

	DB           *gorm.DB
	GenID        *snowflake.Node
	Clock        clock.Clock
	Repo         recurringdomain.Repository
	BrandingRepo invoicetemplatedomain.Repository
	CustomerRepo customerdomain.Repository
}

type Seeder struct {
	db           *gorm.DB
	genID        *snowflake.Node
	clock        clock.Clock
	repo         recurringdomain.Repository
	brandingRepo invoicetemplatedomain.Repository
	customerRepo customerdomain.Repository
}

func New(p Params) *Seeder {
	return &Seeder{
		db:           p.DB,
		genID:        p.GenID,
		clock:        p.Clock,
		repo:         p.Repo,
		brandingRepo: p.BrandingRepo,
		customerRepo: p.CustomerRepo,
	}
}

// EnsureDemo seeds orgID with a customer, a default invoice template and three
// recurring templates that are due now. Running it twice changes nothing.
func (s *Seeder) EnsureDemo(ctx context.Context, orgID snowflake.ID) (Result, error) {
	if orgID == 0 {
		return Result{}, errors.New("seed organization id is required")
	}

	var result Result
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ctx := tx.Statement.Context
		customer, err := s.ensureCustomerTx(ctx, tx, orgID)
		if err != nil {
			return err
		}
		if err := s.ensureInvoiceTemplateTx(ctx, tx, orgID); err != nil {
			return err
		}

		ids := make([]snowflake.ID, 0, 3)
		for _, spec := range s.demoTemplates() {
			id, err := s.ensureRecurringTemplateTx(ctx, tx, orgID, customer.ID, spec)
			if err != nil {
				return err
			}
			ids = append(ids, id)
		}

		result = Result{OrgID: orgID, CustomerID: customer.ID, TemplateIDs: ids}
		return nil
	})
	return result, err
}

func (s *Seeder) ensureCustomerTx(ctx context.Context, tx *gorm.DB, orgID snowflake.ID) (customerdomain.Customer, error) {
	existing, err := s.customerRepo.FindByEmail(ctx, tx, orgID, demoCustomerEmail)
	if err != nil {
		return customerdomain.Customer{}, err
	}
	if existing != nil {
		return *existing, nil
	}
	now := s.clock.Now().UTC()
	customer := customerdomain.Customer{
		ID:        s.genID.Generate(),
		OrgID:     orgID,
		Name:      demoCustomerName,
		Email:     demoCustomerEmail,
		Currency:  demoCurrency,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.customerRepo.Insert(ctx, tx, &customer); err != nil {
		return customer, err
	}
	return customer, nil
}

func (s *Seeder) ensureInvoiceTemplateTx(ctx context.Context, tx *gorm.DB, orgID snowflake.ID) error {
	existing, err := s.brandingRepo.FindDefault(ctx, tx, orgID)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}

	now := s.clock.Now().UTC()
	return s.brandingRepo.Insert(ctx, tx, &invoicetemplatedomain.InvoiceTemplate{
		ID:        s.genID.Generate(),
		OrgID:     orgID,
		Name:      "Default Invoice",
		IsDefault: true,
		Locale:    "en",
		Currency:  demoCurrency,
		Header: map[string]any{
			"title":        "Invoice",
			"company_name": "Recurra Demo",
			"logo_url":     "",
		},
		Footer: map[string]any{
			"note": "Thank you for your business.",
		},
		Style: map[string]any{
			"primary_color": "#0f172a",
		},
		CreatedAt: now,
		UpdatedAt: now,
	})
}

type templateSpec struct {
	name      string
	frequency recurringdomain.Frequency
	interval  int
	usageUnit string
	autoSend  bool
	endDate   *time.Time
	items     []recurringdomain.TemplateItem
}

func (s *Seeder) demoTemplates() []templateSpec {
	yearEnd := time.Date(s.clock.Now().UTC().Year(), time.December, 31, 0, 0, 0, 0, time.UTC)
	return []templateSpec{
		{
			name:      "Monthly hosting",
			frequency: recurringdomain.FrequencyMonthly,
			interval:  1,
			autoSend:  true,
			items: []recurringdomain.TemplateItem{
				item("Managed hosting", "1", "100.00", "0.1"),
				item("Backups", "2", "5.00", "0.1"),
			},
		},
		{
			name:      "Quarterly support",
			frequency: recurringdomain.FrequencyQuarterly,
			interval:  1,
			endDate:   &yearEnd,
			items: []recurringdomain.TemplateItem{
				item("Support retainer", "1", "450.00", "0"),
			},
		},
		{
			name:      "Object storage",
			frequency: recurringdomain.FrequencyMonthly,
			interval:  1,
			usageUnit: "GB",
			items: []recurringdomain.TemplateItem{
				item("Storage", "1", "0.02", "0"),
			},
		},
	}
}

func (s *Seeder) ensureRecurringTemplateTx(ctx context.Context, tx *gorm.DB, orgID, customerID snowflake.ID, spec templateSpec) (snowflake.ID, error) {
	var existing struct{ ID snowflake.ID }
	err := tx.WithContext(ctx).Raw(
		`SELECT id FROM recurring_templates WHERE org_id = ? AND name = ? LIMIT 1`,
		orgID, spec.name,
	).Scan(&existing).Error
	if err != nil {
		return 0, err
	}
	if existing.ID != 0 {
		return existing.ID, nil
	}

	now := s.clock.Now().UTC()
	today := recurringdomain.StartOfDay(now)
	tmpl := recurringdomain.Template{
		ID:                 s.genID.Generate(),
		OrgID:              orgID,
		CustomerID:         customerID,
		Name:               spec.name,
		Currency:           demoCurrency,
		Frequency:          spec.frequency,
		Interval:           spec.interval,
		NextGenerationDate: today,
		StartDate:          today,
		EndDate:            spec.endDate,
		Status:             recurringdomain.StatusActive,
		IsUsageBased:       spec.usageUnit != "",
		UsageUnit:          spec.usageUnit,
		DaysUntilDue:       14,
		AutoSendEmail:      spec.autoSend,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	items := make([]recurringdomain.TemplateItem, len(spec.items))
	for i, it := range spec.items {
		it.ID = s.genID.Generate()
		it.Position = i
		it.CreatedAt = now
		items[i] = it
	}
	if err := s.repo.Insert(ctx, tx, &tmpl, items); err != nil {
		return 0, err
	}
	return tmpl.ID, nil
}

func item(description, quantity, price, taxRate string) recurringdomain.TemplateItem {
	return recurringdomain.TemplateItem{
		Description: description,
		Quantity:    decimal.RequireFromString(quantity),
		UnitPrice:   decimal.RequireFromString(price),
		TaxRate:     decimal.RequireFromString(taxRate),
	}
}
