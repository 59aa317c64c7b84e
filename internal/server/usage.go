package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	usagedomain "github.com/smallbiznis/recurra/internal/usage/domain"
)

func (s *Server) RecordUsage(c *gin.Context) {
	var req usagedomain.RecordUsageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	record, err := s.usageSvc.Record(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, usagedomain.ErrRateLimited) {
			c.Header("Retry-After", "1")
		}
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": record})
}
