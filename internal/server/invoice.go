package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	invoicedomain "github.com/smallbiznis/recurra/internal/invoice/domain"
)

const (
	defaultInvoiceListLimit = 20
	maxInvoiceListLimit     = 100
)

func (s *Server) GetInvoice(c *gin.Context) {
	invoice, err := s.invoiceSvc.GetByID(c.Request.Context(), strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": invoice})
}

// ListTemplateInvoices returns the newest invoices generated from a template.
func (s *Server) ListTemplateInvoices(c *gin.Context) {
	limit := defaultInvoiceListLimit
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			AbortWithError(c, newValidationError("limit", "invalid_limit", "must be a positive integer"))
			return
		}
		limit = min(parsed, maxInvoiceListLimit)
	}

	invoices, err := s.invoiceSvc.ListByTemplate(c.Request.Context(), strings.TrimSpace(c.Param("id")), limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if invoices == nil {
		invoices = []invoicedomain.Invoice{}
	}
	c.JSON(http.StatusOK, gin.H{"data": invoices})
}
