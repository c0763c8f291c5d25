package weather

import "time"

// ClosestDaysFor returns the nearest weekday, Saturday and Sunday relative to
// today. On weekends the weekday is the following Monday; on weekdays the
// weekend dates are those of the current Monday-start week.
func ClosestDaysFor(today time.Time) ClosestDays {
	d := truncateToDate(today)

	switch d.Weekday() {
	case time.Saturday:
		return ClosestDays{
			Weekday:  d.AddDate(0, 0, 2),
			Saturday: d,
			Sunday:   d.AddDate(0, 0, 1),
		}
	case time.Sunday:
		return ClosestDays{
			Weekday:  d.AddDate(0, 0, 1),
			Saturday: d.AddDate(0, 0, -1),
			Sunday:   d,
		}
	default:
		untilSaturday := int(time.Saturday - d.Weekday())
		return ClosestDays{
			Weekday:  d,
			Saturday: d.AddDate(0, 0, untilSaturday),
			Sunday:   d.AddDate(0, 0, untilSaturday+1),
		}
	}
}

// truncateToDate drops the clock part while keeping t's location.
func truncateToDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
