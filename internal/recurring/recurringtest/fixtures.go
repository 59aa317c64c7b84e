// Package recurringtest seeds recurring billing rows for tests.
package recurringtest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	customerdomain "github.com/smallbiznis/recurra/internal/customer/domain"
	"github.com/smallbiznis/recurra/internal/recurring/domain"
	"github.com/smallbiznis/recurra/internal/recurring/repository"
	usagedomain "github.com/smallbiznis/recurra/internal/usage/domain"
	"gorm.io/gorm"
)

var (
	nodeOnce sync.Once
	node     *snowflake.Node
)

// Node returns a process-wide snowflake node for fixtures.
func Node() *snowflake.Node {
	nodeOnce.Do(func() {
		n, err := snowflake.NewNode(1)
		if err != nil {
			panic(err)
		}
		node = n
	})
	return node
}

func Date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func Dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// Customer inserts a customer with an email address.
func Customer(t testing.TB, conn *gorm.DB, orgID snowflake.ID, email string) customerdomain.Customer {
	t.Helper()
	now := time.Now().UTC()
	c := customerdomain.Customer{
		ID:        Node().Generate(),
		OrgID:     orgID,
		Name:      "Jane Doe",
		Email:     email,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := conn.Create(&c).Error; err != nil {
		t.Fatalf("seed customer: %v", err)
	}
	return c
}

// TemplateOption mutates a template before it is inserted.
type TemplateOption func(*domain.Template, *[]domain.TemplateItem)

func WithFrequency(f domain.Frequency, interval int) TemplateOption {
	return func(tmpl *domain.Template, _ *[]domain.TemplateItem) {
		tmpl.Frequency = f
		tmpl.Interval = interval
	}
}

func WithNextGeneration(next time.Time) TemplateOption {
	return func(tmpl *domain.Template, _ *[]domain.TemplateItem) {
		tmpl.NextGenerationDate = next
	}
}

func WithEndDate(end time.Time) TemplateOption {
	return func(tmpl *domain.Template, _ *[]domain.TemplateItem) {
		tmpl.EndDate = &end
	}
}

func WithStatus(status domain.Status) TemplateOption {
	return func(tmpl *domain.Template, _ *[]domain.TemplateItem) {
		tmpl.Status = status
	}
}

func WithUsage(unit string) TemplateOption {
	return func(tmpl *domain.Template, _ *[]domain.TemplateItem) {
		tmpl.IsUsageBased = true
		tmpl.UsageUnit = unit
	}
}

func WithDaysUntilDue(days int) TemplateOption {
	return func(tmpl *domain.Template, _ *[]domain.TemplateItem) {
		tmpl.DaysUntilDue = days
	}
}

func WithAutoSend() TemplateOption {
	return func(tmpl *domain.Template, _ *[]domain.TemplateItem) {
		tmpl.AutoSendEmail = true
	}
}

func WithCustomer(id snowflake.ID) TemplateOption {
	return func(tmpl *domain.Template, _ *[]domain.TemplateItem) {
		tmpl.CustomerID = id
	}
}

func WithItems(items ...domain.TemplateItem) TemplateOption {
	return func(_ *domain.Template, dst *[]domain.TemplateItem) {
		*dst = items
	}
}

func Item(description, quantity, price, taxRate string) domain.TemplateItem {
	return domain.TemplateItem{
		Description: description,
		Quantity:    Dec(quantity),
		UnitPrice:   Dec(price),
		TaxRate:     Dec(taxRate),
	}
}

// Template inserts an active monthly template with one 100.00 line unless
// options say otherwise, and returns it as stored.
func Template(t testing.TB, conn *gorm.DB, orgID snowflake.ID, opts ...TemplateOption) domain.Template {
	t.Helper()
	now := time.Now().UTC()
	tmpl := domain.Template{
		ID:                 Node().Generate(),
		OrgID:              orgID,
		CustomerID:         Node().Generate(),
		Name:               "Monthly hosting",
		Currency:           "USD",
		Frequency:          domain.FrequencyMonthly,
		Interval:           1,
		NextGenerationDate: Date(2024, 1, 1),
		StartDate:          Date(2024, 1, 1),
		Status:             domain.StatusActive,
		DaysUntilDue:       14,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	items := []domain.TemplateItem{Item("Hosting", "1", "100.00", "0.1")}
	for _, opt := range opts {
		opt(&tmpl, &items)
	}
	for i := range items {
		items[i].ID = Node().Generate()
		items[i].Position = i
		items[i].CreatedAt = now
	}

	if err := repository.Provide().Insert(context.Background(), conn, &tmpl, items); err != nil {
		t.Fatalf("seed template: %v", err)
	}
	return Reload(t, conn, tmpl.ID)
}

// Reload reads the template back from the database.
func Reload(t testing.TB, conn *gorm.DB, id snowflake.ID) domain.Template {
	t.Helper()
	tmpl, err := repository.Provide().FindByID(context.Background(), conn, id)
	if err != nil || tmpl == nil {
		t.Fatalf("reload template %s: %v", id, err)
	}
	return *tmpl
}

// Usage inserts an unbilled usage record for tmpl.
func Usage(t testing.TB, conn *gorm.DB, tmpl domain.Template, quantity string, start, end time.Time) usagedomain.UsageRecord {
	t.Helper()
	now := time.Now().UTC()
	record := usagedomain.UsageRecord{
		ID:          Node().Generate(),
		OrgID:       tmpl.OrgID,
		TemplateID:  tmpl.ID,
		Quantity:    Dec(quantity),
		PeriodStart: start,
		PeriodEnd:   end,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := conn.Create(&record).Error; err != nil {
		t.Fatalf("seed usage: %v", err)
	}
	return record
}

// CountInvoices returns how many invoices exist for the organization.
func CountInvoices(t testing.TB, conn *gorm.DB, orgID snowflake.ID) int64 {
	t.Helper()
	var count int64
	if err := conn.Raw(`SELECT COUNT(1) FROM invoices WHERE org_id = ?`, orgID).Scan(&count).Error; err != nil {
		t.Fatalf("count invoices: %v", err)
	}
	return count
}
