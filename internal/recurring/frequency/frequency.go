// Package frequency computes the next billing date of a recurring template.
package frequency

import (
	"fmt"
	"time"

	"github.com/smallbiznis/recurra/internal/recurring/domain"
)

// WarningUnknownFrequency is attached to outcomes that relied on the monthly fallback.
const WarningUnknownFrequency = "unknown_frequency_fallback_monthly"

var ErrInvalidInterval = domain.ErrInvalidInterval

// Result is the next date plus whether the monthly fallback was applied.
type Result struct {
	Next     time.Time
	Fallback bool
}

// Resolve returns the date interval periods after ref.
// Month arithmetic follows time.AddDate, so Jan 31 + 1 month lands in early March.
// Unrecognized frequencies advance one month and report Fallback.
func Resolve(f domain.Frequency, interval int, ref time.Time) (Result, error) {
	if interval <= 0 {
		return Result{}, fmt.Errorf("%w: %d", ErrInvalidInterval, interval)
	}

	switch f {
	case domain.FrequencyDaily, domain.FrequencyCustom:
		return Result{Next: ref.AddDate(0, 0, interval)}, nil
	case domain.FrequencyWeekly:
		return Result{Next: ref.AddDate(0, 0, 7*interval)}, nil
	case domain.FrequencyBiweekly:
		return Result{Next: ref.AddDate(0, 0, 14*interval)}, nil
	case domain.FrequencyMonthly:
		return Result{Next: ref.AddDate(0, interval, 0)}, nil
	case domain.FrequencyQuarterly:
		return Result{Next: ref.AddDate(0, 3*interval, 0)}, nil
	case domain.FrequencyYearly:
		return Result{Next: ref.AddDate(interval, 0, 0)}, nil
	default:
		return Result{Next: ref.AddDate(0, 1, 0), Fallback: true}, nil
	}
}

// Next is Resolve without the fallback flag.
func Next(f domain.Frequency, interval int, ref time.Time) (time.Time, error) {
	res, err := Resolve(f, interval, ref)
	if err != nil {
		return time.Time{}, err
	}
	return res.Next, nil
}
