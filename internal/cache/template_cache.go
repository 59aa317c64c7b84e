package cache

import (
	"time"

	recurringdomain "github.com/smallbiznis/recurra/internal/recurring/domain"
)

const defaultTemplateTTL = 30 * time.Second

// TemplateCache holds hot template lookups for usage ingest.
type TemplateCache interface {
	Get(templateID string) (recurringdomain.Template, bool)
	Set(tmpl recurringdomain.Template)
	Invalidate(templateID string)
}

type templateCache struct {
	templates Cache[string, recurringdomain.Template]
	ttl       time.Duration
}

func NewTemplateCache() TemplateCache {
	return &templateCache{
		templates: NewTTLCache[string, recurringdomain.Template](),
		ttl:       defaultTemplateTTL,
	}
}

func (c *templateCache) Get(templateID string) (recurringdomain.Template, bool) {
	return c.templates.Get(cacheKey("template", templateID))
}

func (c *templateCache) Set(tmpl recurringdomain.Template) {
	if tmpl.ID == 0 {
		return
	}
	c.templates.Set(cacheKey("template", tmpl.ID.String()), tmpl, c.ttl)
}

func (c *templateCache) Invalidate(templateID string) {
	c.templates.Delete(cacheKey("template", templateID))
}
