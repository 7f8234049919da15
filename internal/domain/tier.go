package domain

// Tier is the coarse freshness bucket assigned to an item when it is
// scheduled. Higher-ranked tiers are published first and may displace
// lower-ranked ones.
type Tier string

const (
	TierUrgent Tier = "URGENT"
	TierGood   Tier = "GOOD"
	TierOK     Tier = "OK"
	TierStale  Tier = "STALE"
)

// Rank orders tiers for sorting and bump-victim selection. Unknown tiers
// rank below STALE so malformed rows sink to the back of the queue.
func (t Tier) Rank() int {
	switch t {
	case TierUrgent:
		return 4
	case TierGood:
		return 3
	case TierOK:
		return 2
	case TierStale:
		return 1
	default:
		return 0
	}
}

// Score is the numeric priority shown in queue listings.
func (t Tier) Score() int {
	switch t {
	case TierUrgent:
		return 100
	case TierGood:
		return 75
	case TierOK:
		return 50
	case TierStale:
		return 25
	default:
		return 0
	}
}

func (t Tier) Valid() bool { return t.Rank() > 0 }

func (t Tier) String() string { return string(t) }
