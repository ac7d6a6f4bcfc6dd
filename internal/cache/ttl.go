package cache

import "time"

// EffectiveTTL implements the calendar-boundary-aware TTL rule for
// pricing namespaces: the Catalog's monthly promotional prices roll over
// on the first UTC day of each month, so a pricing entry's TTL is
// clamped to never outlive the current calendar month, regardless of how
// long the caller asked to cache it for.
func EffectiveTTL(ns string, requested time.Duration, now time.Time, pricingNamespaces map[string]struct{}) time.Duration {
	if _, isPricing := pricingNamespaces[ns]; !isPricing {
		return requested
	}
	untilNextMonth := secondsUntilNextCalendarMonthUTC(now)
	if untilNextMonth < requested {
		return untilNextMonth
	}
	return requested
}

func secondsUntilNextCalendarMonthUTC(now time.Time) time.Duration {
	u := now.UTC()
	nextMonth := time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
	return nextMonth.Sub(u)
}
