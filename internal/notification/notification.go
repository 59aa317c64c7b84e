// Package notification delivers invoice notices to customers.
package notification

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/recurra/internal/invoice/format"
	templatedomain "github.com/smallbiznis/recurra/internal/invoicetemplate/domain"
	obsmetrics "github.com/smallbiznis/recurra/internal/observability/metrics"
	"github.com/smallbiznis/recurra/internal/providers/email"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

//go:embed templates/*.html
var templateFS embed.FS

var ErrMissingRecipient = errors.New("missing_recipient")

// Request carries what a customer needs to know about a new invoice.
type Request struct {
	To           string
	CustomerName string
	InvoiceID    snowflake.ID
	InvoiceNo    int64
	IssueDate    time.Time
	DueDate      time.Time
	Currency     string
	Subtotal     decimal.Decimal
	TaxTotal     decimal.Decimal
	Total        decimal.Decimal
	Branding     templatedomain.Branding
}

// Dispatcher sends a notice. Callers treat failures as non-fatal.
type Dispatcher interface {
	Dispatch(ctx context.Context, req Request) error
}

type Params struct {
	fx.In

	Log      *zap.Logger
	Provider email.Provider
	Metrics  *obsmetrics.Metrics `optional:"true"`
}

// New picks the email dispatcher unless the provider is a no-op.
func New(p Params) (Dispatcher, error) {
	if p.Provider == nil || p.Provider.Name() == "noop" {
		return NoopDispatcher{}, nil
	}
	return NewEmailDispatcher(p.Provider, p.Log, p.Metrics)
}

type NoopDispatcher struct{}

func (NoopDispatcher) Dispatch(context.Context, Request) error { return nil }

type EmailDispatcher struct {
	provider email.Provider
	tmpl     *template.Template
	log      *zap.Logger
	metrics  *obsmetrics.Metrics
}

func NewEmailDispatcher(provider email.Provider, log *zap.Logger, metrics *obsmetrics.Metrics) (*EmailDispatcher, error) {
	tmpl, err := template.ParseFS(templateFS, "templates/invoice_new.html")
	if err != nil {
		return nil, fmt.Errorf("parse notification templates: %w", err)
	}
	return &EmailDispatcher{
		provider: provider,
		tmpl:     tmpl,
		log:      log.Named("notification"),
		metrics:  metrics,
	}, nil
}

type invoiceView struct {
	InvoiceNumber string
	CustomerName  string
	IssueDate     string
	DueDate       string
	Subtotal      string
	TaxTotal      string
	Total         string
	Branding      templatedomain.Branding
}

func (d *EmailDispatcher) Dispatch(ctx context.Context, req Request) error {
	to := strings.TrimSpace(req.To)
	if to == "" {
		return ErrMissingRecipient
	}

	number, err := format.InvoiceNumber(format.DefaultInvoiceNumberTemplate, req.IssueDate, req.InvoiceNo)
	if err != nil {
		return err
	}

	var body bytes.Buffer
	err = d.tmpl.Execute(&body, invoiceView{
		InvoiceNumber: number,
		CustomerName:  strings.TrimSpace(req.CustomerName),
		IssueDate:     req.IssueDate.UTC().Format(time.DateOnly),
		DueDate:       req.DueDate.UTC().Format(time.DateOnly),
		Subtotal:      format.Money(req.Subtotal, req.Currency),
		TaxTotal:      format.Money(req.TaxTotal, req.Currency),
		Total:         format.Money(req.Total, req.Currency),
		Branding:      req.Branding,
	})
	if err != nil {
		return fmt.Errorf("render invoice notice: %w", err)
	}

	subject := fmt.Sprintf("Invoice %s", number)
	if company := strings.TrimSpace(req.Branding.CompanyName); company != "" {
		subject = fmt.Sprintf("Invoice %s from %s", number, company)
	}

	err = d.provider.Send(ctx, email.Message{
		To:       []string{to},
		Subject:  subject,
		HTMLBody: body.String(),
	})
	result := "sent"
	if err != nil {
		result = "failed"
	}
	if d.metrics != nil {
		d.metrics.RecordNotification(ctx, d.provider.Name(), result)
	}
	if err != nil {
		return fmt.Errorf("send invoice notice: %w", err)
	}

	d.log.Debug("invoice notice sent",
		zap.String("invoice_id", req.InvoiceID.String()),
		zap.String("invoice_number", number),
	)
	return nil
}
