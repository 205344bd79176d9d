package booking

import (
	"sort"
	"time"
)

// RefundTier refunds Percent of the paid amount when the booking is
// cancelled more than MinLead before departure.
type RefundTier struct {
	MinLead time.Duration
	Percent int64
}

// RefundPolicy is a set of tiers; the tier with the largest lead that the
// cancellation satisfies applies.
type RefundPolicy []RefundTier

// DefaultRefundPolicy: 80% beyond 24h, 50% beyond 12h, 20% beyond 6h,
// nothing closer to departure.
var DefaultRefundPolicy = RefundPolicy{
	{MinLead: 24 * time.Hour, Percent: 80},
	{MinLead: 12 * time.Hour, Percent: 50},
	{MinLead: 6 * time.Hour, Percent: 20},
}

// Amount returns the refund for paid minor units cancelled at now.  A
// booking without a departure time gets the most generous tier.
func (p RefundPolicy) Amount(paid int64, departure *time.Time, now time.Time) int64 {
	if paid <= 0 || len(p) == 0 {
		return 0
	}
	tiers := append(RefundPolicy(nil), p...)
	sort.Slice(tiers, func(i, j int) bool { return tiers[i].MinLead > tiers[j].MinLead })
	if departure == nil {
		return paid * tiers[0].Percent / 100
	}
	lead := departure.Sub(now)
	for _, t := range tiers {
		if lead > t.MinLead {
			return paid * t.Percent / 100
		}
	}
	return 0
}
