package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/recurra/internal/scheduler"
)

// registerDevRoutes adds development-only recurring endpoints.
func (s *Server) registerDevRoutes() {
	if s.cfg.Environment == "production" || s.accelerator == nil {
		return
	}

	dev := s.engine.Group("/dev/recurring")

	dev.POST("/templates/:id/fast-forward", s.DevFastForwardTemplate)
	dev.POST("/templates/fast-forward-all", s.DevFastForwardAllTemplates)
	dev.GET("/templates/:id/info", s.DevGetTemplateInfo)

	dev.POST("/scheduler/run-once", s.DevRunSchedulerOnce)

	if s.seeder != nil {
		dev.POST("/seed", s.DevSeedDemo)
	}
}

func (s *Server) DevFastForwardTemplate(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	templateID, err := snowflake.ParseString(id)
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid id"))
		return
	}

	if err := s.accelerator.FastForwardTemplate(c.Request.Context(), templateID); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":     "template fast-forwarded",
		"template_id": id,
	})
}

func (s *Server) DevFastForwardAllTemplates(c *gin.Context) {
	affected, err := s.accelerator.FastForwardAllActive(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":            "active templates fast-forwarded",
		"affected_templates": affected,
	})
}

func (s *Server) DevGetTemplateInfo(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	templateID, err := snowflake.ParseString(id)
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid id"))
		return
	}

	info, err := s.accelerator.GetTemplateInfo(c.Request.Context(), templateID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data": gin.H{
			"id":                     info.ID.String(),
			"status":                 info.Status,
			"next_generation_date":   info.NextGenerationDate,
			"last_generated_at":      info.LastGeneratedAt,
			"total_generated":        info.TotalGenerated,
			"time_until_due_seconds": info.TimeUntilDue.Seconds(),
			"due":                    info.Due,
		},
	})
}

// DevRunSchedulerOnce runs one forced debug batch, bypassing the cron secret.
func (s *Server) DevRunSchedulerOnce(c *gin.Context) {
	result, err := s.runner.RunRecurring(c.Request.Context(), scheduler.RunOptions{
		ForceAll: strings.EqualFold(c.Query("force_all"), "true"),
		Debug:    true,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "recurring run completed",
		"result":  result,
	})
}

type devSeedRequest struct {
	OrganizationID string `json:"organization_id"`
}

func (s *Server) DevSeedDemo(c *gin.Context) {
	var req devSeedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	orgID, err := snowflake.ParseString(strings.TrimSpace(req.OrganizationID))
	if err != nil || orgID == 0 {
		AbortWithError(c, newValidationError("organization_id", "invalid_organization_id", "invalid organization id"))
		return
	}

	result, err := s.seeder.EnsureDemo(c.Request.Context(), orgID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	ids := make([]string, 0, len(result.TemplateIDs))
	for _, id := range result.TemplateIDs {
		ids = append(ids, id.String())
	}
	c.JSON(http.StatusOK, gin.H{
		"data": gin.H{
			"organization_id": result.OrgID.String(),
			"customer_id":     result.CustomerID.String(),
			"template_ids":    ids,
		},
	})
}
