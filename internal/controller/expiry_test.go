package controller

import (
	"testing"
	"time"

	"github.com/volguard/controlplane/pkg/types"
)

func TestNiftyExpiryResolverWeeklyIsNextThursday(t *testing.T) {
	r := NewNiftyExpiryResolver(nil)
	// Monday Jan 5, 2026.
	now := time.Date(2026, time.January, 5, 10, 0, 0, 0, time.UTC)

	expiries := r.Resolve(now)
	weekly, ok := expiries[types.ExpiryWeekly]
	if !ok {
		t.Fatal("expected a weekly expiry")
	}
	if weekly.Weekday() != time.Thursday {
		t.Errorf("expected weekly expiry on Thursday, got %s", weekly.Weekday())
	}
	if !weekly.After(now) {
		t.Errorf("expected weekly expiry after now, got %s", weekly)
	}
	if weekly.Day() != 8 {
		t.Errorf("expected weekly expiry on Jan 8, got %s", weekly)
	}
}

func TestNiftyExpiryResolverNextWeeklyIsSevenDaysLater(t *testing.T) {
	r := NewNiftyExpiryResolver(nil)
	now := time.Date(2026, time.January, 5, 10, 0, 0, 0, time.UTC)

	expiries := r.Resolve(now)
	weekly := expiries[types.ExpiryWeekly]
	nextWeekly := expiries[types.ExpiryNextWeekly]

	if nextWeekly.Sub(weekly) != 7*24*time.Hour {
		t.Errorf("expected next weekly to be exactly 7 days after weekly, got %s vs %s", nextWeekly, weekly)
	}
}

func TestNiftyExpiryResolverMonthlyIsLastThursday(t *testing.T) {
	r := NewNiftyExpiryResolver(nil)
	now := time.Date(2026, time.January, 5, 10, 0, 0, 0, time.UTC)

	expiries := r.Resolve(now)
	monthly, ok := expiries[types.ExpiryMonthly]
	if !ok {
		t.Fatal("expected a monthly expiry")
	}
	if monthly.Weekday() != time.Thursday {
		t.Errorf("expected monthly expiry on Thursday, got %s", monthly.Weekday())
	}
	if monthly.Month() != time.January {
		t.Errorf("expected monthly expiry within January, got %s", monthly.Month())
	}
	// The last Thursday of January 2026 is Jan 29.
	if monthly.Day() != 29 {
		t.Errorf("expected last Thursday of January 2026 to be the 29th, got %d", monthly.Day())
	}
}

func TestNiftyExpiryResolverRollsBackOverHolidays(t *testing.T) {
	holidays := map[string]bool{"2026-01-08": true}
	r := NewNiftyExpiryResolver(holidays)
	now := time.Date(2026, time.January, 5, 10, 0, 0, 0, time.UTC)

	expiries := r.Resolve(now)
	weekly := expiries[types.ExpiryWeekly]
	if weekly.Format("2006-01-02") == "2026-01-08" {
		t.Error("expected weekly expiry to roll back off the holiday")
	}
	if weekly.Weekday() == time.Saturday || weekly.Weekday() == time.Sunday {
		t.Errorf("rolled-back expiry landed on a weekend: %s", weekly.Weekday())
	}
}

func TestNiftyExpiryResolverMonthlyRollsToNextMonthAfterLastThursday(t *testing.T) {
	r := NewNiftyExpiryResolver(nil)
	// After January's last Thursday (the 29th), at 16:00.
	now := time.Date(2026, time.January, 29, 16, 0, 0, 0, time.UTC)

	expiries := r.Resolve(now)
	monthly := expiries[types.ExpiryMonthly]
	if monthly.Month() != time.February {
		t.Errorf("expected monthly expiry to roll to February, got %s", monthly.Month())
	}
}
