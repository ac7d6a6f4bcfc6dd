package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEffectiveTTLPricingBoundary(t *testing.T) {
	pricingNS := map[string]struct{}{"pricing": {}}

	// Scenario 4a: four days remain in the month, requested TTL fits
	// comfortably inside it and is returned unchanged.
	now := time.Date(2024, 1, 28, 0, 0, 0, 0, time.UTC)
	got := EffectiveTTL("pricing", 6*time.Hour, now, pricingNS)
	assert.Equal(t, 6*time.Hour, got)

	// Scenario 4b: two hours remain in the month, so the requested 6h
	// TTL is clamped down to the calendar boundary.
	now = time.Date(2024, 1, 31, 22, 0, 0, 0, time.UTC)
	got = EffectiveTTL("pricing", 6*time.Hour, now, pricingNS)
	assert.Equal(t, 2*time.Hour, got)
}

func TestEffectiveTTLNonPricingNamespacePassesThrough(t *testing.T) {
	pricingNS := map[string]struct{}{"pricing": {}}
	now := time.Date(2024, 1, 31, 23, 59, 0, 0, time.UTC)
	got := EffectiveTTL("lib_items", 48*time.Hour, now, pricingNS)
	assert.Equal(t, 48*time.Hour, got)
}

func TestEffectiveTTLNeverExceedsMonthBoundary(t *testing.T) {
	pricingNS := map[string]struct{}{"pricing": {}}
	now := time.Date(2024, 2, 15, 12, 0, 0, 0, time.UTC)
	maxPossible := secondsUntilNextCalendarMonthUTC(now)

	got := EffectiveTTL("pricing", 365*24*time.Hour, now, pricingNS)
	assert.LessOrEqual(t, got, maxPossible)
}

func TestSecondsUntilNextCalendarMonthUTCHandlesDecemberRollover(t *testing.T) {
	now := time.Date(2024, 12, 31, 23, 0, 0, 0, time.UTC)
	got := secondsUntilNextCalendarMonthUTC(now)
	assert.Equal(t, time.Hour, got)
}
