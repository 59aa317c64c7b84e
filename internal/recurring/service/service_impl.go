package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/recurra/internal/cache"
	"github.com/smallbiznis/recurra/internal/clock"
	"github.com/smallbiznis/recurra/internal/recurring/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	Clock         clock.Clock
	Repo          domain.Repository
	TemplateCache cache.TemplateCache `optional:"true"`
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock
	repo  domain.Repository
	cache cache.TemplateCache
}

func NewService(p ServiceParam) domain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("recurring.service"),
		clock: p.Clock,
		repo:  p.Repo,
		cache: p.TemplateCache,
	}
}

func (s *Service) Get(ctx context.Context, id string) (domain.Template, error) {
	templateID, err := parseID(id)
	if err != nil {
		return domain.Template{}, err
	}
	return s.load(ctx, s.db, templateID)
}

// Pause stops generation without touching the schedule. Pausing a paused
// template is a no-op.
func (s *Service) Pause(ctx context.Context, id string) (domain.Template, error) {
	return s.transition(ctx, id, domain.StatusActive, domain.StatusPaused)
}

// Resume reactivates a paused template. Completed templates stay completed.
func (s *Service) Resume(ctx context.Context, id string) (domain.Template, error) {
	return s.transition(ctx, id, domain.StatusPaused, domain.StatusActive)
}

func (s *Service) transition(ctx context.Context, id string, from, to domain.Status) (domain.Template, error) {
	templateID, err := parseID(id)
	if err != nil {
		return domain.Template{}, err
	}

	var updated domain.Template
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		tmpl, err := s.load(ctx, tx, templateID)
		if err != nil {
			return err
		}
		switch {
		case tmpl.Status == to:
			updated = tmpl
			return nil
		case tmpl.Status.Terminal():
			return domain.ErrTemplateCompleted
		case tmpl.Status != from:
			return domain.ErrInvalidStatusTransition
		}

		ok, err := s.repo.UpdateStatus(ctx, tx, templateID, from, to, s.clock.Now())
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrInvalidStatusTransition
		}
		updated, err = s.load(ctx, tx, templateID)
		return err
	})
	if err != nil {
		return domain.Template{}, err
	}

	s.invalidate(templateID)
	s.log.Info("template status changed",
		zap.String("template_id", templateID.String()),
		zap.String("status", string(updated.Status)),
	)
	return updated, nil
}

// Delete removes a template that never produced an invoice, together with its
// items and unbilled usage.
func (s *Service) Delete(ctx context.Context, id string) error {
	templateID, err := parseID(id)
	if err != nil {
		return err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.load(ctx, tx, templateID); err != nil {
			return err
		}
		count, err := s.repo.CountInvoices(ctx, tx, templateID)
		if err != nil {
			return err
		}
		if count > 0 {
			return domain.ErrTemplateHasInvoices
		}
		return s.repo.Delete(ctx, tx, templateID)
	})
	if err != nil {
		return err
	}

	s.invalidate(templateID)
	return nil
}

func (s *Service) load(ctx context.Context, db *gorm.DB, id snowflake.ID) (domain.Template, error) {
	tmpl, err := s.repo.FindByID(ctx, db, id)
	if err != nil {
		return domain.Template{}, err
	}
	if tmpl == nil {
		return domain.Template{}, domain.ErrNotFound
	}
	return *tmpl, nil
}

func (s *Service) invalidate(id snowflake.ID) {
	if s.cache != nil {
		s.cache.Invalidate(id.String())
	}
}

func parseID(value string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(value))
	if err != nil || id == 0 {
		return 0, domain.ErrInvalidID
	}
	return id, nil
}
