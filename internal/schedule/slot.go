package schedule

import (
	"fmt"
	"math/rand"
	"time"

	"repost/internal/domain"
	logx "repost/pkg/logx"
)

// Planner computes publish times against an in-memory snapshot of the
// committed schedule. It never touches storage.
type Planner struct {
	pol Policy
	rng *rand.Rand
	log logx.Logger
}

type PlannerOption func(*Planner)

// WithRand injects the jitter source. Tests pass a seeded source; a nil
// source disables jitter entirely.
func WithRand(rng *rand.Rand) PlannerOption {
	return func(p *Planner) { p.rng = rng }
}

func WithLogger(log logx.Logger) PlannerOption {
	return func(p *Planner) { p.log = log }
}

func NewPlanner(pol Policy, opts ...PlannerOption) (*Planner, error) {
	if err := pol.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy: %w", err)
	}
	p := &Planner{pol: pol, rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

func (p *Planner) Policy() Policy { return p.pol }

// needsBump signals that an URGENT item hit a full day and the bump
// procedure must free a slot instead of deferring to the next day.
type needsBump struct{ day time.Time }

func (e *needsBump) Error() string {
	return fmt.Sprintf("day %s at capacity, bump required", e.day.Format("2006-01-02"))
}

// findTime implements the slot search: snap into the window, advance past
// full days, then shift past spacing conflicts until a fixed point. URGENT
// items with allowBump get a needsBump error instead of a day advance when
// the candidate day is at cap. Jitter is applied last and only when the
// jittered time still satisfies every constraint.
func (p *Planner) findTime(ctx []*domain.ScheduledItem, tier domain.Tier, from time.Time, allowBump, jitter bool) (time.Time, error) {
	cand := p.pol.SnapForward(from)
	for advances := 0; advances <= p.pol.CeilingDays; {
		if p.dayLoad(ctx, cand) >= p.pol.DailyCap {
			if allowBump && tier == domain.TierUrgent {
				return time.Time{}, &needsBump{day: p.pol.DayOf(cand)}
			}
			cand = p.pol.NextDayOpen(cand)
			advances++
			continue
		}
		shifted, crossed := p.spaceOut(ctx, cand)
		if crossed {
			cand = shifted
			advances++
			continue
		}
		if jitter {
			shifted = p.applyJitter(ctx, shifted, from)
		}
		return shifted, nil
	}
	return time.Time{}, ErrUnplaceable
}

// dayLoad counts committed items sharing cand's calendar day.
func (p *Planner) dayLoad(ctx []*domain.ScheduledItem, cand time.Time) int {
	day := p.pol.DayOf(cand)
	n := 0
	for _, it := range ctx {
		if p.pol.DayOf(it.PublishAt).Equal(day) {
			n++
		}
	}
	return n
}

// spaceOut shifts cand forward past spacing conflicts until none remain.
// crossed reports that the shift left the posting window, in which case the
// returned time is the next window opening and the caller must re-check the
// day's cap.
func (p *Planner) spaceOut(ctx []*domain.ScheduledItem, cand time.Time) (shifted time.Time, crossed bool) {
	for {
		c := p.closestConflict(ctx, cand)
		if c == nil {
			return cand, false
		}
		cand = c.PublishAt.Add(p.pol.MinSpacing)
		if !p.pol.InWindow(cand) {
			return p.pol.SnapForward(cand), true
		}
	}
}

// closestConflict returns the committed item within MinSpacing of cand whose
// time is greatest, or nil. Shifting past the latest conflict strictly
// advances the candidate, so the fixed-point loop terminates.
func (p *Planner) closestConflict(ctx []*domain.ScheduledItem, cand time.Time) *domain.ScheduledItem {
	if p.pol.MinSpacing <= 0 {
		return nil
	}
	var worst *domain.ScheduledItem
	for _, it := range ctx {
		d := cand.Sub(it.PublishAt)
		if d < 0 {
			d = -d
		}
		if d < p.pol.MinSpacing {
			if worst == nil || it.PublishAt.After(worst.PublishAt) {
				worst = it
			}
		}
	}
	return worst
}

// applyJitter perturbs t by a symmetric random offset, clamps the result
// back inside the window, and discards the jitter entirely when the clamped
// time would violate spacing or land before floor.
func (p *Planner) applyJitter(ctx []*domain.ScheduledItem, t, floor time.Time) time.Time {
	if p.rng == nil || p.pol.Jitter <= 0 {
		return t
	}
	offset := time.Duration(p.rng.Int63n(int64(2*p.pol.Jitter)+1)) - p.pol.Jitter
	j := t.Add(offset)

	day := p.pol.DayOf(t)
	if open := p.pol.dayOpen(day); j.Before(open) {
		j = open
	}
	if closing := p.pol.dayClose(day); !j.Before(closing) {
		j = closing.Add(-time.Minute)
	}
	if j.Before(floor) || p.closestConflict(ctx, j) != nil {
		return t
	}
	return j
}
