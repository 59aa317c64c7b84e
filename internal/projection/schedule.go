package projection

import (
	"fmt"
	"time"

	"github.com/smallbiznis/recurra/internal/recurring/domain"
	"github.com/smallbiznis/recurra/internal/recurring/frequency"
)

const DefaultMaxIterations = 12

// Projected is the list of future generation dates of a template.
type Projected struct {
	Dates    []time.Time
	Capped   bool
	Warnings []string
}

// Schedule walks the template forward from its next generation date while the
// date is within horizonEnd and the end date. Counting stops at maxIterations
// and reports Capped. Only active templates project anything.
func Schedule(tmpl domain.Template, horizonEnd time.Time, maxIterations int) (Projected, error) {
	if tmpl.Interval <= 0 {
		return Projected{}, fmt.Errorf("%w: %d", domain.ErrInvalidInterval, tmpl.Interval)
	}
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}

	out := Projected{Dates: []time.Time{}}
	if tmpl.Status != domain.StatusActive {
		return out, nil
	}

	date := tmpl.NextGenerationDate.UTC()
	for !date.After(horizonEnd) && (tmpl.EndDate == nil || !date.After(*tmpl.EndDate)) {
		if len(out.Dates) == maxIterations {
			out.Capped = true
			break
		}
		out.Dates = append(out.Dates, date)

		res, err := frequency.Resolve(tmpl.Frequency, tmpl.Interval, date)
		if err != nil {
			return Projected{}, err
		}
		if res.Fallback && len(out.Warnings) == 0 {
			out.Warnings = append(out.Warnings, frequency.WarningUnknownFrequency)
		}
		if !res.Next.After(date) {
			return Projected{}, fmt.Errorf("%w: %s does not advance past %s",
				domain.ErrRunawaySchedule, tmpl.Frequency, date.Format(time.DateOnly))
		}
		date = res.Next
	}
	return out, nil
}
