package schedule

import (
	"errors"
	"sort"
	"time"

	"repost/internal/domain"
	logx "repost/pkg/logx"
)

// ReconcileResult is the corrected queue after an invariant-repair pass.
type ReconcileResult struct {
	// Items is the full corrected pending set in canonical order,
	// including any flagged items.
	Items []*domain.ScheduledItem
	// Cancelled holds duplicate items removed by deduplication.
	Cancelled []*domain.ScheduledItem
	// Flagged holds items that could not be placed within the ceiling.
	Flagged []*domain.ScheduledItem
	// Changed reports whether any item's time, flag or status differs from
	// the snapshot. A second pass over the result reports false.
	Changed bool
}

// Reconcile repairs the whole pending queue: deduplicate by content item,
// sort by priority, and re-thread times so spacing, window, weekday and cap
// hold everywhere. Published items are fixed context. Deterministic and
// idempotent; no jitter is applied here, so an already-valid queue comes
// back byte-for-byte unchanged.
func (p *Planner) Reconcile(pending, published []*domain.ScheduledItem, now time.Time) ReconcileResult {
	var res ReconcileResult

	// Dedupe: one pending item per content item, keep the earliest created.
	keep := make([]*domain.ScheduledItem, 0, len(pending))
	byContent := make(map[string]*domain.ScheduledItem, len(pending))
	for _, it := range pending {
		prev, ok := byContent[it.ContentID]
		if !ok {
			byContent[it.ContentID] = it
			keep = append(keep, it)
			continue
		}
		loser := it
		if it.CreatedAt.Before(prev.CreatedAt) || (it.CreatedAt.Equal(prev.CreatedAt) && it.ID < prev.ID) {
			byContent[it.ContentID] = it
			keep = replace(keep, prev, it)
			loser = prev
		}
		if err := loser.SetStatus(domain.ScheduleCancelled); err == nil {
			res.Cancelled = append(res.Cancelled, loser)
			res.Changed = true
			if !p.log.IsZero() {
				p.log.Warn("cancelled duplicate scheduled item",
					logx.String("id", loser.ID), logx.String("content", loser.ContentID))
			}
		}
	}

	// Process in priority order so higher tiers claim contested slots.
	sort.SliceStable(keep, func(i, j int) bool {
		a, b := keep[i], keep[j]
		if a.Tier.Rank() != b.Tier.Rank() {
			return a.Tier.Rank() > b.Tier.Rank()
		}
		return a.PublishAt.Before(b.PublishAt)
	})

	placed := make([]*domain.ScheduledItem, 0, len(published)+len(keep))
	placed = append(placed, published...)

	for _, it := range keep {
		if p.holds(placed, it) {
			if it.Unplaceable {
				it.Unplaceable = false
				res.Changed = true
			}
			placed = append(placed, it)
			continue
		}
		t, err := p.findTime(placed, it.Tier, p.startFrom(placed, it.Tier, now), false, false)
		if errors.Is(err, ErrUnplaceable) {
			if !it.Unplaceable {
				it.Unplaceable = true
				res.Changed = true
			}
			res.Flagged = append(res.Flagged, it)
			if !p.log.IsZero() {
				p.log.Warn("item unplaceable within ceiling", logx.String("id", it.ID), logx.String("tier", string(it.Tier)))
			}
			continue
		}
		if !t.Equal(it.PublishAt) || it.Unplaceable {
			it.PublishAt = t
			it.Unplaceable = false
			res.Changed = true
		}
		placed = append(placed, it)
	}

	res.Items = keep
	SortQueue(res.Items)
	return res
}

// holds reports whether a stored time still satisfies every invariant given
// the items placed so far. Valid times are kept untouched so reconciliation
// never churns a healthy queue.
func (p *Planner) holds(placed []*domain.ScheduledItem, it *domain.ScheduledItem) bool {
	if it.PublishAt.IsZero() {
		return false
	}
	if !p.pol.InWindow(it.PublishAt) {
		return false
	}
	if p.dayLoad(placed, it.PublishAt) >= p.pol.DailyCap {
		return false
	}
	return p.closestConflict(placed, it.PublishAt) == nil
}

func replace(items []*domain.ScheduledItem, old, new *domain.ScheduledItem) []*domain.ScheduledItem {
	for i, it := range items {
		if it == old {
			items[i] = new
			return items
		}
	}
	return items
}
