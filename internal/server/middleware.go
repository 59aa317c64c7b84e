package server

import (
	"crypto/subtle"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/recurra/internal/observability/logger"
	"go.uber.org/zap"
)

const HeaderCronSecret = "X-Cron-Secret"

// CronSecretRequired rejects trigger calls without the shared cron secret.
// An empty CRON_SECRET leaves the endpoint open.
func (s *Server) CronSecretRequired() gin.HandlerFunc {
	expected := strings.TrimSpace(s.cfg.CronSecret)
	return func(c *gin.Context) {
		if expected == "" {
			c.Next()
			return
		}
		got := strings.TrimSpace(c.GetHeader(HeaderCronSecret))
		if subtle.ConstantTimeCompare([]byte(got), []byte(expected)) != 1 {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		c.Next()
	}
}

// TriggerRateLimit bounds trigger calls per client address.
func (s *Server) TriggerRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.triggerLimiter == nil {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		res, err := s.triggerLimiter.Allow(ctx, c.ClientIP())
		if err != nil {
			// redis outage must not stop billing
			logger.WithContext(ctx, s.log).Warn("trigger rate limit check failed", zap.Error(err))
			c.Next()
			return
		}
		if !res.Allowed {
			retry := int(res.RetryAfter.Seconds())
			if retry < 1 {
				retry = 1
			}
			logger.WithContext(ctx, s.log).Warn("trigger rate limit exceeded",
				zap.String("client_ip", c.ClientIP()),
			)
			c.Header("Retry-After", strconv.Itoa(retry))
			AbortWithError(c, ErrRateLimited)
			return
		}
		c.Next()
	}
}
