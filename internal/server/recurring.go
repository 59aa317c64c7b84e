package server

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/recurra/internal/observability/logger"
	"github.com/smallbiznis/recurra/internal/scheduler"
	"go.uber.org/zap"
)

type triggerRequest struct {
	DryRun   *bool `json:"dry_run"`
	ForceAll *bool `json:"force_all"`
	Debug    *bool `json:"debug"`
}

func (s *Server) TriggerRecurringInvoices(c *gin.Context) {
	var req triggerRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		AbortWithError(c, invalidRequestError())
		return
	}

	var (
		opts scheduler.RunOptions
		err  error
	)
	if opts.DryRun, err = boolFlag(c, "dry_run", req.DryRun); err != nil {
		AbortWithError(c, err)
		return
	}
	if opts.ForceAll, err = boolFlag(c, "force_all", req.ForceAll); err != nil {
		AbortWithError(c, err)
		return
	}
	if opts.Debug, err = boolFlag(c, "debug", req.Debug); err != nil {
		AbortWithError(c, err)
		return
	}

	ctx := c.Request.Context()
	result, err := s.runner.RunRecurring(ctx, opts)
	if err != nil {
		logger.WithContext(ctx, s.log).Error("recurring trigger failed", zap.Error(err))
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

func (s *Server) GetRecurringTemplate(c *gin.Context) {
	tmpl, err := s.templateSvc.Get(c.Request.Context(), strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": tmpl})
}

func (s *Server) PauseRecurringTemplate(c *gin.Context) {
	tmpl, err := s.templateSvc.Pause(c.Request.Context(), strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": tmpl})
}

func (s *Server) ResumeRecurringTemplate(c *gin.Context) {
	tmpl, err := s.templateSvc.Resume(c.Request.Context(), strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": tmpl})
}

func (s *Server) DeleteRecurringTemplate(c *gin.Context) {
	if err := s.templateSvc.Delete(c.Request.Context(), strings.TrimSpace(c.Param("id"))); err != nil {
		AbortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) GetRecurringProjection(c *gin.Context) {
	raw := strings.TrimSpace(c.Query("horizon_end"))
	if raw == "" {
		AbortWithError(c, newValidationError("horizon_end", "required", "horizon_end is required"))
		return
	}
	horizonEnd, err := parseDate(raw)
	if err != nil {
		AbortWithError(c, newValidationError("horizon_end", "invalid_horizon_end", "expected YYYY-MM-DD"))
		return
	}

	result, err := s.projector.Project(c.Request.Context(), strings.TrimSpace(c.Param("id")), horizonEnd)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
