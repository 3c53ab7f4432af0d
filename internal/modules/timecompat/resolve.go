package timecompat

import (
	"fmt"
	"time"
)

// Resolution is an absolute delivery time for a canonical time string.
type Resolution struct {
	At        time.Time
	Immediate bool
}

// Resolve places s on the calendar relative to now in loc. Meal names map to
// 9:00, 12:00, 18:00 and 21:00, ranges to their midpoint. A time more than
// pastGrace before now is taken to mean tomorrow; anything more recent stays
// today so the caller can treat it as already due.
func Resolve(s string, now time.Time, loc *time.Location, pastGrace time.Duration) (Resolution, error) {
	if loc == nil {
		loc = time.UTC
	}
	now = now.In(loc)
	p := parse(s)

	var minute int
	switch p.kind {
	case prefImmediate:
		return Resolution{At: now, Immediate: true}, nil
	case prefMeal:
		minute = p.meal.anchor
	case prefClock:
		minute = p.minute
	default:
		return Resolution{}, fmt.Errorf("%w: %q", ErrUnparsable, s)
	}

	at := time.Date(now.Year(), now.Month(), now.Day(), minute/60, minute%60, 0, 0, loc)
	if at.Before(now.Add(-pastGrace)) {
		at = at.AddDate(0, 0, 1)
	}
	return Resolution{At: at}, nil
}

// Due reports whether a resolution should be acted on at now.
func (r Resolution) Due(now time.Time) bool {
	return r.Immediate || !r.At.After(now)
}
