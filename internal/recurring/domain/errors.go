package domain

import "errors"

var (
	ErrInvalidID               = errors.New("invalid_id")
	ErrNotFound                = errors.New("not_found")
	ErrMissingItems            = errors.New("missing_items")
	ErrInvalidInterval         = errors.New("invalid_interval")
	ErrInvalidItem             = errors.New("invalid_item")
	ErrInvalidFrequency        = errors.New("invalid_frequency")
	ErrRunawaySchedule         = errors.New("runaway_schedule")
	ErrScheduleConflict        = errors.New("schedule_conflict")
	ErrTemplateHasInvoices     = errors.New("template_has_invoices")
	ErrTemplateCompleted       = errors.New("template_completed")
	ErrInvalidStatusTransition = errors.New("invalid_status_transition")
)

// IsConfiguration reports whether err is a template configuration fault that
// no retry can fix.
func IsConfiguration(err error) bool {
	return errors.Is(err, ErrMissingItems) ||
		errors.Is(err, ErrInvalidInterval) ||
		errors.Is(err, ErrInvalidItem) ||
		errors.Is(err, ErrInvalidFrequency) ||
		errors.Is(err, ErrRunawaySchedule)
}
