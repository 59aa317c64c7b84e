package processor

import (
	"time"

	"github.com/smallbiznis/recurra/internal/recurring/domain"
)

// Eligible reports whether tmpl is due at now. force skips the date checks
// but never the status check.
func Eligible(tmpl domain.Template, now time.Time, force bool) bool {
	if tmpl.Status != domain.StatusActive {
		return false
	}
	if force {
		return true
	}
	if tmpl.NextGenerationDate.After(now) {
		return false
	}
	// end_date is a calendar day and stays billable through that day.
	if tmpl.EndDate != nil && tmpl.EndDate.Before(domain.StartOfDay(now)) {
		return false
	}
	return true
}
