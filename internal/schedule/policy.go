// Package schedule implements the scheduling core: the priority classifier,
// the slot finder with its bump procedure, and the queue reconciler. All
// functions operate on in-memory snapshots; persistence is the caller's job.
package schedule

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrUnplaceable is returned when no slot exists within the day-advance
// ceiling. The item stays pending and is flagged, never dropped.
var ErrUnplaceable = errors.New("no slot within day-advance ceiling")

// WeekdayMask is a bit set of allowed weekdays, bit = time.Weekday.
type WeekdayMask uint8

func (m WeekdayMask) Has(d time.Weekday) bool { return m&(1<<uint(d)) != 0 }

func (m WeekdayMask) With(d time.Weekday) WeekdayMask { return m | 1<<uint(d) }

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

// ParseWeekdays builds a mask from day names ("Mon" or "Monday", any case).
func ParseWeekdays(names []string) (WeekdayMask, error) {
	var m WeekdayMask
	for _, n := range names {
		d, ok := weekdayNames[strings.ToLower(strings.TrimSpace(n))]
		if !ok {
			return 0, fmt.Errorf("unknown weekday %q", n)
		}
		m = m.With(d)
	}
	if m == 0 {
		return 0, errors.New("weekday list is empty")
	}
	return m, nil
}

// Policy carries every scheduling knob. It is passed explicitly into each
// component; there is no process-wide scheduling state.
type Policy struct {
	DailyCap    int
	MinSpacing  time.Duration
	WindowStart int // local hour, inclusive
	WindowEnd   int // local hour, exclusive
	Weekdays    WeekdayMask
	Jitter      time.Duration
	// TierBounds are the ascending age boundaries separating
	// URGENT/GOOD/OK from STALE.
	TierBounds  [3]time.Duration
	CeilingDays int
	Loc         *time.Location
}

func (p Policy) Validate() error {
	if p.DailyCap < 1 {
		return fmt.Errorf("daily cap %d: must be >= 1", p.DailyCap)
	}
	if p.MinSpacing < 0 {
		return fmt.Errorf("min spacing %s: must be >= 0", p.MinSpacing)
	}
	if p.WindowStart < 0 || p.WindowStart > 23 || p.WindowEnd < 0 || p.WindowEnd > 23 {
		return fmt.Errorf("window hours %d..%d: must be in 0..23", p.WindowStart, p.WindowEnd)
	}
	if p.WindowStart >= p.WindowEnd {
		return fmt.Errorf("window hours %d..%d: start must be before end", p.WindowStart, p.WindowEnd)
	}
	if p.Weekdays == 0 {
		return errors.New("no allowed weekdays")
	}
	if p.Jitter < 0 {
		return fmt.Errorf("jitter %s: must be >= 0", p.Jitter)
	}
	prev := time.Duration(-1)
	for i, b := range p.TierBounds {
		if b <= prev {
			return fmt.Errorf("tier boundaries must be ascending non-negative, boundary %d is %s", i+1, b)
		}
		prev = b
	}
	if p.CeilingDays < 1 {
		return fmt.Errorf("ceiling days %d: must be >= 1", p.CeilingDays)
	}
	if p.Loc == nil {
		return errors.New("location not set")
	}
	return nil
}

// InWindow reports whether t falls inside the posting window on an allowed
// weekday, evaluated in the policy's local zone.
func (p Policy) InWindow(t time.Time) bool {
	lt := t.In(p.Loc)
	if !p.Weekdays.Has(lt.Weekday()) {
		return false
	}
	h := lt.Hour()
	return h >= p.WindowStart && h < p.WindowEnd
}

// DayOf truncates t to its local calendar day.
func (p Policy) DayOf(t time.Time) time.Time {
	lt := t.In(p.Loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, p.Loc)
}

func (p Policy) dayOpen(day time.Time) time.Time {
	lt := day.In(p.Loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), p.WindowStart, 0, 0, 0, p.Loc)
}

func (p Policy) dayClose(day time.Time) time.Time {
	lt := day.In(p.Loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), p.WindowEnd, 0, 0, 0, p.Loc)
}

// SnapForward moves t forward to the nearest instant inside the posting
// window. It never moves backward. If t already satisfies the window it is
// returned unchanged.
func (p Policy) SnapForward(t time.Time) time.Time {
	lt := t.In(p.Loc)
	for i := 0; i < 8; i++ {
		switch {
		case !p.Weekdays.Has(lt.Weekday()), lt.Hour() >= p.WindowEnd:
			next := p.DayOf(lt).AddDate(0, 0, 1)
			lt = p.dayOpen(next)
		case lt.Hour() < p.WindowStart:
			lt = p.dayOpen(lt)
		default:
			return lt
		}
	}
	// Weekday masks are validated non-empty, so 8 day steps always find one.
	return lt
}

// NextDayOpen returns the window-open instant of the next allowed day
// strictly after t's day.
func (p Policy) NextDayOpen(t time.Time) time.Time {
	next := p.DayOf(t).AddDate(0, 0, 1)
	return p.SnapForward(p.dayOpen(next))
}
