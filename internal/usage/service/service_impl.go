package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/recurra/internal/cache"
	"github.com/smallbiznis/recurra/internal/ratelimit"
	recurringdomain "github.com/smallbiznis/recurra/internal/recurring/domain"
	usagedomain "github.com/smallbiznis/recurra/internal/usage/domain"
	"github.com/smallbiznis/recurra/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	GenID         *snowflake.Node
	Repo          usagedomain.Repository
	TemplateRepo  recurringdomain.Repository
	TemplateCache cache.TemplateCache           `optional:"true"`
	Limiter       *ratelimit.UsageIngestLimiter `optional:"true"`
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID         *snowflake.Node
	repo          usagedomain.Repository
	templateRepo  recurringdomain.Repository
	templateCache cache.TemplateCache
	limiter       *ratelimit.UsageIngestLimiter
}

func NewService(p ServiceParam) usagedomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("usage.service"),

		genID:         p.GenID,
		repo:          p.Repo,
		templateRepo:  p.TemplateRepo,
		templateCache: p.TemplateCache,
		limiter:       p.Limiter,
	}
}

// Record stores one usage entry against a usage-based template. Retries with
// the same idempotency key return the first record unchanged.
func (s *Service) Record(ctx context.Context, req usagedomain.RecordUsageRequest) (*usagedomain.UsageRecord, error) {
	templateID, err := snowflake.ParseString(strings.TrimSpace(req.TemplateID))
	if err != nil || templateID == 0 {
		return nil, usagedomain.ErrInvalidTemplate
	}

	quantity, err := decimal.NewFromString(strings.TrimSpace(req.Quantity))
	if err != nil || !quantity.IsPositive() {
		return nil, usagedomain.ErrInvalidQuantity
	}

	if req.PeriodStart.IsZero() || req.PeriodEnd.IsZero() || req.PeriodEnd.Before(req.PeriodStart) {
		return nil, usagedomain.ErrInvalidPeriod
	}

	tmpl, err := s.resolveTemplate(ctx, templateID)
	if err != nil {
		return nil, err
	}
	if !tmpl.IsUsageBased {
		return nil, usagedomain.ErrTemplateNotUsageBased
	}
	if tmpl.Status != recurringdomain.StatusActive {
		return nil, usagedomain.ErrTemplateInactive
	}

	idempotencyKey := normalizeIdempotencyKey(req.IdempotencyKey)
	if idempotencyKey != nil {
		existing, err := s.repo.FindByIdempotencyKey(ctx, s.db, tmpl.OrgID, *idempotencyKey)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
	}

	release, err := s.acquire(ctx, tmpl)
	if err != nil {
		return nil, err
	}
	defer release()

	now := time.Now().UTC()
	record := &usagedomain.UsageRecord{
		ID:             s.genID.Generate(),
		OrgID:          tmpl.OrgID,
		TemplateID:     tmpl.ID,
		Quantity:       quantity,
		PeriodStart:    req.PeriodStart.UTC(),
		PeriodEnd:      req.PeriodEnd.UTC(),
		IdempotencyKey: idempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.repo.Insert(ctx, s.db, record); err != nil {
		if idempotencyKey == nil || !db.IsDuplicateKeyErr(err) {
			return nil, err
		}
		// lost the race against a concurrent retry with the same key
		existing, findErr := s.repo.FindByIdempotencyKey(ctx, s.db, tmpl.OrgID, *idempotencyKey)
		if findErr != nil {
			return nil, findErr
		}
		if existing == nil {
			return nil, err
		}
		return existing, nil
	}

	s.log.Debug("usage recorded",
		zap.String("template_id", tmpl.ID.String()),
		zap.String("usage_id", record.ID.String()),
		zap.String("quantity", quantity.String()),
	)
	return record, nil
}

func (s *Service) resolveTemplate(ctx context.Context, id snowflake.ID) (recurringdomain.Template, error) {
	if s.templateCache != nil {
		if cached, ok := s.templateCache.Get(id.String()); ok {
			return cached, nil
		}
	}
	tmpl, err := s.templateRepo.FindByID(ctx, s.db, id)
	if err != nil {
		return recurringdomain.Template{}, err
	}
	if tmpl == nil {
		return recurringdomain.Template{}, usagedomain.ErrInvalidTemplate
	}
	if s.templateCache != nil {
		s.templateCache.Set(*tmpl)
	}
	return *tmpl, nil
}

// acquire applies the per-organization rate limit and takes the template
// ingest lock. The returned func releases the lock.
func (s *Service) acquire(ctx context.Context, tmpl recurringdomain.Template) (func(), error) {
	noop := func() {}
	if !s.limiter.Enabled() {
		return noop, nil
	}
	orgID := tmpl.OrgID.String()
	templateID := tmpl.ID.String()

	result, err := s.limiter.AllowOrg(ctx, orgID)
	if err != nil {
		// fail open: redis trouble must not block metering
		s.log.Warn("usage rate limit check failed", zap.String("org_id", orgID), zap.Error(err))
	} else if !result.Allowed {
		return nil, usagedomain.ErrRateLimited
	}

	lease, err := s.limiter.LockTemplate(ctx, orgID, templateID)
	if errors.Is(err, ratelimit.ErrLockHeld) {
		return nil, usagedomain.ErrConcurrentIngest
	}
	if err != nil {
		s.log.Warn("usage ingest lock failed", zap.String("template_id", templateID), zap.Error(err))
		return noop, nil
	}
	return func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		if err := s.limiter.Unlock(releaseCtx, lease); err != nil {
			s.log.Warn("usage ingest unlock failed", zap.String("template_id", templateID), zap.Error(err))
		}
	}, nil
}

func normalizeIdempotencyKey(key *string) *string {
	if key == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*key)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
