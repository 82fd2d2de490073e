package controller

import (
	"time"

	"github.com/volguard/controlplane/pkg/types"
)

// NiftyExpiryResolver computes the weekly, next-weekly, and monthly Nifty
// expiry dates from NSE's Thursday-expiry convention; an expiry that falls
// on a weekend or on a date in Holidays rolls back to the previous trading
// day.
type NiftyExpiryResolver struct {
	// Holidays marks trading holidays (date truncated to midnight IST) so
	// an expiry falling on one rolls back to the previous trading day.
	Holidays map[string]bool
}

// NewNiftyExpiryResolver returns a resolver with the given holiday set.
// holidays may be nil.
func NewNiftyExpiryResolver(holidays map[string]bool) *NiftyExpiryResolver {
	if holidays == nil {
		holidays = map[string]bool{}
	}
	return &NiftyExpiryResolver{Holidays: holidays}
}

func (r *NiftyExpiryResolver) isHoliday(t time.Time) bool {
	return r.Holidays[t.Format("2006-01-02")]
}

// rollBack walks a date backward over weekends and holidays until it lands
// on a trading day.
func (r *NiftyExpiryResolver) rollBack(t time.Time) time.Time {
	for t.Weekday() == time.Saturday || t.Weekday() == time.Sunday || r.isHoliday(t) {
		t = t.AddDate(0, 0, -1)
	}
	return t
}

func nextWeekday(from time.Time, target time.Weekday) time.Time {
	daysUntil := (int(target) - int(from.Weekday()) + 7) % 7
	return time.Date(from.Year(), from.Month(), from.Day(), 15, 30, 0, 0, from.Location()).AddDate(0, 0, daysUntil)
}

func lastWeekdayOfMonth(year int, month time.Month, weekday time.Weekday, loc *time.Location) time.Time {
	firstOfNextMonth := time.Date(year, month+1, 1, 15, 30, 0, 0, loc)
	lastDay := firstOfNextMonth.AddDate(0, 0, -1)
	offset := (int(lastDay.Weekday()) - int(weekday) + 7) % 7
	return lastDay.AddDate(0, 0, -offset)
}

// Resolve returns the weekly, next-weekly, and monthly expiry timestamps
// relative to now, each rolled back past holidays/weekends.
func (r *NiftyExpiryResolver) Resolve(now time.Time) map[types.ExpiryKind]time.Time {
	weekly := nextWeekday(now, time.Thursday)
	if !weekly.After(now) {
		weekly = weekly.AddDate(0, 0, 7)
	}
	weekly = r.rollBack(weekly)

	nextWeekly := r.rollBack(weekly.AddDate(0, 0, 7))

	monthly := lastWeekdayOfMonth(now.Year(), now.Month(), time.Thursday, now.Location())
	if !monthly.After(now) {
		monthly = lastWeekdayOfMonth(now.Year(), now.Month()+1, time.Thursday, now.Location())
	}
	monthly = r.rollBack(monthly)

	return map[types.ExpiryKind]time.Time{
		types.ExpiryWeekly:     weekly,
		types.ExpiryNextWeekly: nextWeekly,
		types.ExpiryMonthly:    monthly,
	}
}
