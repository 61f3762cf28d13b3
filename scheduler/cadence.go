package scheduler

import (
	"time"

	"invoicekits/apperrors"
	"invoicekits/models"
)

// NextDue returns the due date one cadence unit after from. Month based
// cadences clamp to the last day of the target month, so Jan 31 is followed
// by Feb 28 (or 29).
func NextDue(from time.Time, cadence models.Cadence) (time.Time, error) {
	var next time.Time
	switch cadence {
	case models.CadenceWeekly:
		next = from.AddDate(0, 0, 7)
	case models.CadenceBiweekly:
		next = from.AddDate(0, 0, 14)
	case models.CadenceMonthly:
		next = addMonthsClamped(from, 1)
	case models.CadenceQuarterly:
		next = addMonthsClamped(from, 3)
	case models.CadenceYearly:
		next = addMonthsClamped(from, 12)
	default:
		return from, apperrors.Newf("unknown cadence %q", cadence).Mark(apperrors.ErrScheduleAdvance)
	}

	if !next.After(from) {
		return from, apperrors.Newf("next due date %s does not advance past %s", next.Format(time.DateOnly), from.Format(time.DateOnly)).
			Mark(apperrors.ErrScheduleAdvance)
	}
	return next, nil
}

func addMonthsClamped(t time.Time, months int) time.Time {
	y, m, d := t.Date()
	h, mi, s := t.Clock()

	// day 0 of the month after the target is the target's last day
	first := time.Date(y, m+time.Month(months), 1, 0, 0, 0, 0, t.Location())
	last := time.Date(first.Year(), first.Month()+1, 0, 0, 0, 0, 0, t.Location()).Day()

	return time.Date(first.Year(), first.Month(), min(d, last), h, mi, s, t.Nanosecond(), t.Location())
}
