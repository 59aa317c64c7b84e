package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	templatedomain "github.com/smallbiznis/recurra/internal/invoicetemplate/domain"
	"github.com/smallbiznis/recurra/internal/invoicetemplate/repository"
	"github.com/smallbiznis/recurra/internal/migration/migrationtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (templatedomain.Service, *gorm.DB) {
	t.Helper()
	conn := migrationtest.OpenSQLite(t)
	svc := NewService(Params{
		DB:   conn,
		Log:  zap.NewNop(),
		Repo: repository.Provide(),
	})
	return svc, conn
}

func TestResolveBrandingDefaultsWithoutTemplate(t *testing.T) {
	svc, _ := newTestService(t)

	branding, err := svc.ResolveBranding(context.Background(), snowflake.ID(42), nil)
	require.NoError(t, err)
	assert.Equal(t, defaultPrimaryColor, branding.PrimaryColor)
	assert.Equal(t, defaultLocale, branding.Locale)
	assert.Empty(t, branding.CompanyName)
}

func TestResolveBrandingLayersOverrides(t *testing.T) {
	svc, conn := newTestService(t)
	ctx := context.Background()
	orgID := snowflake.ID(7)
	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, repository.Provide().Insert(ctx, conn, &templatedomain.InvoiceTemplate{
		ID:        snowflake.ID(100),
		OrgID:     orgID,
		Name:      "Default",
		IsDefault: true,
		Locale:    "id",
		Currency:  "IDR",
		Header:    map[string]any{"company_name": "Acme", "logo_url": "https://acme.test/logo.png"},
		Footer:    map[string]any{"note": "Terima kasih"},
		Style:     map[string]any{"primary_color": "#ff0000"},
		CreatedAt: now,
		UpdatedAt: now,
	}))

	branding, err := svc.ResolveBranding(ctx, orgID, nil)
	require.NoError(t, err)
	assert.Equal(t, templatedomain.Branding{
		CompanyName:  "Acme",
		LogoURL:      "https://acme.test/logo.png",
		PrimaryColor: "#ff0000",
		FooterNote:   "Terima kasih",
		Locale:       "id",
	}, branding)

	branding, err = svc.ResolveBranding(ctx, orgID, map[string]any{
		"company_name":  "Acme Hosting",
		"primary_color": "  ",
		"locale":        123,
	})
	require.NoError(t, err)
	assert.Equal(t, "Acme Hosting", branding.CompanyName)
	assert.Equal(t, "#ff0000", branding.PrimaryColor)
	assert.Equal(t, "id", branding.Locale)
}

func TestResolveBrandingIgnoresOtherOrganizations(t *testing.T) {
	svc, conn := newTestService(t)
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, repository.Provide().Insert(ctx, conn, &templatedomain.InvoiceTemplate{
		ID:        snowflake.ID(101),
		OrgID:     snowflake.ID(1),
		Name:      "Default",
		IsDefault: true,
		Locale:    "fr",
		Header:    map[string]any{"company_name": "Other"},
		CreatedAt: now,
		UpdatedAt: now,
	}))

	branding, err := svc.ResolveBranding(ctx, snowflake.ID(2), nil)
	require.NoError(t, err)
	assert.Empty(t, branding.CompanyName)
	assert.Equal(t, defaultLocale, branding.Locale)
}
