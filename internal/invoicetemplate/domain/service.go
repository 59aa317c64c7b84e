package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
)

type Service interface {
	// ResolveBranding layers overrides on top of the organization default template.
	ResolveBranding(ctx context.Context, orgID snowflake.ID, overrides map[string]any) (Branding, error)
}
