package schedule

import (
	"time"

	"repost/internal/domain"
)

// Classify maps source-content age to a priority tier. Pure; always returns
// a tier. A missing origin timestamp classifies as OK, the middle of the
// range, since the content's freshness is unknown.
func Classify(postedAt *time.Time, now time.Time, bounds [3]time.Duration) (domain.Tier, int) {
	if postedAt == nil {
		return domain.TierOK, domain.TierOK.Score()
	}
	age := now.Sub(*postedAt)
	var tier domain.Tier
	switch {
	case age < bounds[0]:
		tier = domain.TierUrgent
	case age < bounds[1]:
		tier = domain.TierGood
	case age < bounds[2]:
		tier = domain.TierOK
	default:
		tier = domain.TierStale
	}
	return tier, tier.Score()
}
