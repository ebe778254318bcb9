package services

import (
	"time"

	apperrors "financemate/internal/errors"
	"financemate/internal/models"
)

// AddInterval advances t by one recurrence period.
func AddInterval(t time.Time, interval models.Interval) (time.Time, error) {
	switch interval {
	case models.IntervalDaily:
		return t.AddDate(0, 0, 1), nil
	case models.IntervalWeekly:
		return t.AddDate(0, 0, 7), nil
	case models.IntervalMonthly:
		return t.AddDate(0, 1, 0), nil
	case models.IntervalYearly:
		return t.AddDate(1, 0, 0), nil
	default:
		return time.Time{}, apperrors.ErrInvalidInterval
	}
}

// TruncateToDay zeroes the time-of-day component. Transaction dates are
// compared at day granularity.
func TruncateToDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
