package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	templatedomain "github.com/smallbiznis/recurra/internal/invoicetemplate/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultPrimaryColor = "#1a1f36"
	defaultLocale       = "en"
)

type Params struct {
	fx.In

	DB   *gorm.DB
	Log  *zap.Logger
	Repo templatedomain.Repository
}

type Service struct {
	db   *gorm.DB
	log  *zap.Logger
	repo templatedomain.Repository
}

func NewService(p Params) templatedomain.Service {
	return &Service{
		db:   p.DB,
		log:  p.Log.Named("invoicetemplate.service"),
		repo: p.Repo,
	}
}

func (s *Service) ResolveBranding(ctx context.Context, orgID snowflake.ID, overrides map[string]any) (templatedomain.Branding, error) {
	branding := templatedomain.Branding{
		PrimaryColor: defaultPrimaryColor,
		Locale:       defaultLocale,
	}

	tmpl, err := s.repo.FindDefault(ctx, s.db, orgID)
	if err != nil {
		return branding, fmt.Errorf("find default invoice template: %w", err)
	}
	if tmpl != nil {
		branding.CompanyName = stringValue(tmpl.Header, "company_name", branding.CompanyName)
		branding.LogoURL = stringValue(tmpl.Header, "logo_url", branding.LogoURL)
		branding.PrimaryColor = stringValue(tmpl.Style, "primary_color", branding.PrimaryColor)
		branding.FooterNote = stringValue(tmpl.Footer, "note", branding.FooterNote)
		if locale := strings.TrimSpace(tmpl.Locale); locale != "" {
			branding.Locale = locale
		}
	}

	branding.CompanyName = stringValue(overrides, "company_name", branding.CompanyName)
	branding.LogoURL = stringValue(overrides, "logo_url", branding.LogoURL)
	branding.PrimaryColor = stringValue(overrides, "primary_color", branding.PrimaryColor)
	branding.FooterNote = stringValue(overrides, "footer_note", branding.FooterNote)
	branding.Locale = stringValue(overrides, "locale", branding.Locale)
	return branding, nil
}

func stringValue(values map[string]any, key, def string) string {
	if values == nil {
		return def
	}
	raw, ok := values[key]
	if !ok {
		return def
	}
	value, ok := raw.(string)
	if !ok || strings.TrimSpace(value) == "" {
		return def
	}
	return strings.TrimSpace(value)
}
