package fulfillment

import (
	"strings"
	"time"
)

// MembershipExpiry computes when a membership bought at now runs out.
// Lifetime, unknown and missing periods never expire and yield nil.
func MembershipExpiry(period *string, now time.Time) *time.Time {
	if period == nil {
		return nil
	}
	var expiry time.Time
	switch strings.ToLower(strings.TrimSpace(*period)) {
	case PeriodMonthly:
		expiry = now.AddDate(0, 1, 0)
	case PeriodYearly:
		expiry = now.AddDate(1, 0, 0)
	default:
		return nil
	}
	return &expiry
}
