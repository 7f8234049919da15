package schedule

import (
	"errors"
	"sort"
	"time"

	"repost/internal/domain"
	logx "repost/pkg/logx"
)

// Placement is the outcome of placing one new item. Moved lists previously
// committed items whose times changed to make room (bump victims).
type Placement struct {
	Item  *domain.ScheduledItem
	Moved []*domain.ScheduledItem
}

// Place assigns a publish time to item against the committed context and
// returns which existing items had to move. ctx holds every pending and
// recently published item; published items never move and only constrain.
// Place mutates item (PublishAt, Unplaceable) and any bump victims in place.
//
// URGENT items attempt same-day placement by displacing the lowest-priority
// item of a full day (ties broken by latest target time); displaced items
// re-enter the queue via an explicit worklist, each strictly pushed to a
// later day, so cascades terminate. Items that cannot be placed within the
// day-advance ceiling are flagged unplaceable, never dropped.
func (p *Planner) Place(ctx []*domain.ScheduledItem, item *domain.ScheduledItem, now time.Time) (Placement, error) {
	committed := make([]*domain.ScheduledItem, 0, len(ctx)+1)
	committed = append(committed, ctx...)

	type job struct {
		item      *domain.ScheduledItem
		from      time.Time
		allowBump bool
	}
	work := []job{{item: item, from: p.startFrom(committed, item.Tier, now), allowBump: item.Tier == domain.TierUrgent}}

	res := Placement{Item: item}
	// Each bump removes one pending item from the committed set, so the
	// worklist grows at most once per pending item.
	for steps := 0; len(work) > 0; steps++ {
		if steps > 4*(len(ctx)+2) {
			return res, errors.New("bump worklist did not converge")
		}
		w := work[0]
		work = work[1:]

		t, err := p.findTime(committed, w.item.Tier, w.from, w.allowBump, w.item == item)
		var bump *needsBump
		switch {
		case errors.As(err, &bump):
			victim := pickVictim(committed, bump.day, p.pol)
			if victim == nil {
				// Day is filled by immovable (published) items; fall back
				// to plain day advancement.
				work = append([]job{{item: w.item, from: w.from}}, work...)
				continue
			}
			committed = remove(committed, victim)
			if victim.ID != "" && !p.log.IsZero() {
				p.log.Info("bumping scheduled item",
					logx.String("victim", victim.ID),
					logx.String("victim_tier", string(victim.Tier)),
					logx.String("day", bump.day.Format("2006-01-02")))
			}
			// Retry the urgent item first so it takes the freed slot, then
			// re-place the victim starting from the next allowed day.
			work = append([]job{
				{item: w.item, from: w.from, allowBump: w.allowBump},
				{item: victim, from: p.pol.NextDayOpen(bump.day)},
			}, work...)
			res.Moved = append(res.Moved, victim)

		case errors.Is(err, ErrUnplaceable):
			w.item.Unplaceable = true
			if w.item.PublishAt.IsZero() {
				w.item.PublishAt = p.pol.SnapForward(now)
			}
			if !p.log.IsZero() {
				p.log.Warn("item unplaceable within ceiling", logx.String("id", w.item.ID), logx.String("tier", string(w.item.Tier)))
			}

		case err != nil:
			return res, err

		default:
			w.item.PublishAt = t
			w.item.Unplaceable = false
			committed = append(committed, w.item)
		}
	}
	return res, nil
}

// startFrom picks the search origin for a fresh placement. STALE content has
// no urgency, so it queues behind the last committed item instead of
// competing for near-term slots.
func (p *Planner) startFrom(ctx []*domain.ScheduledItem, tier domain.Tier, now time.Time) time.Time {
	if tier != domain.TierStale {
		return now
	}
	from := now
	for _, it := range ctx {
		if after := it.PublishAt.Add(p.pol.MinSpacing); after.After(from) {
			from = after
		}
	}
	return from
}

// pickVictim selects the pending item on day easiest to move: lowest tier
// first, then latest target time. Published items are immovable.
func pickVictim(ctx []*domain.ScheduledItem, day time.Time, pol Policy) *domain.ScheduledItem {
	var victim *domain.ScheduledItem
	for _, it := range ctx {
		if it.Status != domain.SchedulePending || !pol.DayOf(it.PublishAt).Equal(day) {
			continue
		}
		if victim == nil ||
			it.Tier.Rank() < victim.Tier.Rank() ||
			(it.Tier.Rank() == victim.Tier.Rank() && it.PublishAt.After(victim.PublishAt)) {
			victim = it
		}
	}
	return victim
}

func remove(items []*domain.ScheduledItem, target *domain.ScheduledItem) []*domain.ScheduledItem {
	out := items[:0]
	for _, it := range items {
		if it != target {
			out = append(out, it)
		}
	}
	return out
}

// SortQueue orders items by tier descending then target time ascending,
// with unplaceable items last inside their tier. This is the canonical
// listing order.
func SortQueue(items []*domain.ScheduledItem) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.Tier.Rank() != b.Tier.Rank() {
			return a.Tier.Rank() > b.Tier.Rank()
		}
		if a.Unplaceable != b.Unplaceable {
			return !a.Unplaceable
		}
		return a.PublishAt.Before(b.PublishAt)
	})
}
