package scheduler

import (
	"time"

	"github.com/smallbiznis/recurra/internal/recurring/processor"
)

// RunOptions are the caller flags of one recurring run.
type RunOptions struct {
	DryRun   bool
	ForceAll bool
	Debug    bool
}

// BatchResult summarizes one recurring run. Details follow template order.
type BatchResult struct {
	Processed int      `json:"processed"`
	Generated int      `json:"generated"`
	Skipped   int      `json:"skipped"`
	Failed    int      `json:"failed"`
	Details   []Detail `json:"details"`

	RunID      string     `json:"run_id,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	DurationMS int64      `json:"duration_ms,omitempty"`
	DryRun     bool       `json:"dry_run,omitempty"`
}

type Detail struct {
	TemplateID         string     `json:"template_id"`
	TemplateName       string     `json:"template_name"`
	Outcome            string     `json:"outcome"`
	InvoiceID          string     `json:"invoice_id,omitempty"`
	InvoiceNo          int64      `json:"invoice_no,omitempty"`
	NextGenerationDate *time.Time `json:"next_generation_date,omitempty"`
	Reason             string     `json:"reason,omitempty"`
	Warnings           []string   `json:"warnings,omitempty"`
	ErrorType          string     `json:"error_type,omitempty"`
}

func (r *BatchResult) add(out processor.Outcome, debug bool) {
	r.Processed++
	switch {
	case out.Generated():
		r.Generated++
	case out.Skipped():
		r.Skipped++
	case out.Failed():
		r.Failed++
	}

	detail := Detail{
		TemplateID:         idString(out.TemplateID),
		TemplateName:       out.TemplateName,
		Outcome:            string(out.Status),
		InvoiceID:          idString(out.InvoiceID),
		InvoiceNo:          out.InvoiceNo,
		NextGenerationDate: out.NextGenerationDate,
		Reason:             out.Reason,
		Warnings:           out.Warnings,
	}
	if debug {
		detail.ErrorType = out.ErrorType
	}
	r.Details = append(r.Details, detail)
}
