package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/recurra/internal/config"
	invoicedomain "github.com/smallbiznis/recurra/internal/invoice/domain"
	"github.com/smallbiznis/recurra/internal/observability"
	obsmiddleware "github.com/smallbiznis/recurra/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/recurra/internal/observability/metrics"
	obstracing "github.com/smallbiznis/recurra/internal/observability/tracing"
	"github.com/smallbiznis/recurra/internal/projection"
	"github.com/smallbiznis/recurra/internal/ratelimit"
	recurringdomain "github.com/smallbiznis/recurra/internal/recurring/domain"
	"github.com/smallbiznis/recurra/internal/scheduler"
	schedulertesting "github.com/smallbiznis/recurra/internal/scheduler/testing"
	"github.com/smallbiznis/recurra/internal/seed"
	usagedomain "github.com/smallbiznis/recurra/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Provide(provideRunner, provideProjector),
	fx.Provide(NewServer),
	fx.Invoke(run),
)

// RecurringRunner executes one recurring batch.
type RecurringRunner interface {
	RunRecurring(ctx context.Context, opts scheduler.RunOptions) (scheduler.BatchResult, error)
}

// Projector forecasts a template's upcoming generations.
type Projector interface {
	Project(ctx context.Context, templateID string, horizonEnd time.Time) (projection.Result, error)
}

func provideRunner(s *scheduler.Scheduler) RecurringRunner { return s }

func provideProjector(e *projection.Engine) Projector { return e }

func NewEngine(obsCfg observability.Config, log *zap.Logger, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(log, obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func run(lc fx.Lifecycle, cfg config.Config, s *Server, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           s.Engine(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine         *gin.Engine
	cfg            config.Config
	log            *zap.Logger
	runner         RecurringRunner
	projector      Projector
	templateSvc    recurringdomain.Service
	invoiceSvc     invoicedomain.Service
	usageSvc       usagedomain.Service
	accelerator    *schedulertesting.TimeAccelerator
	triggerLimiter *ratelimit.TriggerLimiter
	seeder         *seed.Seeder
}

type ServerParams struct {
	fx.In

	Gin            *gin.Engine
	Cfg            config.Config
	Log            *zap.Logger
	Runner         RecurringRunner
	Projector      Projector
	TemplateSvc    recurringdomain.Service
	InvoiceSvc     invoicedomain.Service
	UsageSvc       usagedomain.Service
	Accelerator    *schedulertesting.TimeAccelerator `optional:"true"`
	TriggerLimiter *ratelimit.TriggerLimiter         `optional:"true"`
	Seeder         *seed.Seeder                      `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:         p.Gin,
		cfg:            p.Cfg,
		log:            p.Log.Named("http"),
		runner:         p.Runner,
		projector:      p.Projector,
		templateSvc:    p.TemplateSvc,
		invoiceSvc:     p.InvoiceSvc,
		usageSvc:       p.UsageSvc,
		accelerator:    p.Accelerator,
		triggerLimiter: p.TriggerLimiter,
		seeder:         p.Seeder,
	}

	svc.registerInternalRoutes()
	svc.registerAPIRoutes()
	svc.registerDevRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerInternalRoutes() {
	internal := s.engine.Group("/internal")

	// -------- Cron --------
	internal.POST("/cron/recurring-invoices", s.CronSecretRequired(), s.TriggerRateLimit(), s.TriggerRecurringInvoices)
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api")

	// -------- Recurring Templates --------
	api.GET("/recurring-templates/:id", s.GetRecurringTemplate)
	api.GET("/recurring-templates/:id/projection", s.GetRecurringProjection)
	api.POST("/recurring-templates/:id/pause", s.PauseRecurringTemplate)
	api.POST("/recurring-templates/:id/resume", s.ResumeRecurringTemplate)
	api.DELETE("/recurring-templates/:id", s.DeleteRecurringTemplate)
	api.GET("/recurring-templates/:id/invoices", s.ListTemplateInvoices)

	// -------- Invoices --------
	api.GET("/invoices/:id", s.GetInvoice)

	// -------- Usage --------
	api.POST("/usage", s.RecordUsage)
}
