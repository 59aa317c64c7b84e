package processor

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Status is the terminal state of one template attempt.
type Status string

const (
	StatusGenerated     Status = "generated"
	StatusSkipped       Status = "skipped"
	StatusFailed        Status = "failed"
	StatusWouldGenerate Status = "would_generate"
	StatusWouldSkip     Status = "would_skip"
)

const (
	ReasonNotEligible     = "not_eligible"
	ReasonNoBillableUsage = "no_billable_usage"
)

const (
	WarningNotificationFailed  = "notification_failed"
	WarningNotificationNoEmail = "notification_skipped_no_email"
)

const (
	ErrorTypeConfiguration = "configuration"
	ErrorTypeConflict      = "conflict"
)

// Options describes one invocation. Now is the issue time of anything generated.
type Options struct {
	Now    time.Time
	DryRun bool
	Force  bool
}

// Outcome is the result of processing one template. It is built once and
// never mutated by the runner.
type Outcome struct {
	TemplateID         snowflake.ID
	TemplateName       string
	OrgID              snowflake.ID
	Status             Status
	InvoiceID          snowflake.ID
	InvoiceNo          int64
	NextGenerationDate *time.Time
	Reason             string
	Warnings           []string
	ErrorType          string
}

func (o Outcome) Generated() bool {
	return o.Status == StatusGenerated || o.Status == StatusWouldGenerate
}

func (o Outcome) Skipped() bool {
	return o.Status == StatusSkipped || o.Status == StatusWouldSkip
}

func (o Outcome) Failed() bool {
	return o.Status == StatusFailed
}
