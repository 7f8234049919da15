package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrBadTransition is wrapped by every rejected status change.
var ErrBadTransition = errors.New("illegal status transition")

// ScheduleStatus is the lifecycle state of a ScheduledItem.
type ScheduleStatus string

const (
	SchedulePending   ScheduleStatus = "pending"
	SchedulePublished ScheduleStatus = "published"
	ScheduleFailed    ScheduleStatus = "failed"
	ScheduleCancelled ScheduleStatus = "cancelled"
)

var scheduleTransitions = map[ScheduleStatus][]ScheduleStatus{
	SchedulePending: {SchedulePublished, ScheduleFailed, ScheduleCancelled},
}

func (s ScheduleStatus) CanTransition(next ScheduleStatus) bool {
	for _, allowed := range scheduleTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s ScheduleStatus) Terminal() bool { return len(scheduleTransitions[s]) == 0 }

// ScheduledItem is one approved variant placed in the publish queue. The
// scheduler owns PublishAt; the executor owns Retries, PublishedAt and the
// terminal transitions.
type ScheduledItem struct {
	ID        string
	ContentID string
	VariantID string
	Tier      Tier
	Score     int
	PublishAt time.Time
	// PublishedAt is set only on the transition to published.
	PublishedAt *time.Time
	Status      ScheduleStatus
	Retries     int
	LastError   string
	// Unplaceable marks an item the scheduler could not fit within the
	// day-advance ceiling. It stays pending and visible until an operator
	// intervenes or capacity frees up.
	Unplaceable bool
	ApprovedAt  time.Time
	CreatedAt   time.Time
}

func (s *ScheduledItem) SetStatus(next ScheduleStatus) error {
	if !s.Status.CanTransition(next) {
		return fmt.Errorf("scheduled item %s: %w: %s -> %s", s.ID, ErrBadTransition, s.Status, next)
	}
	s.Status = next
	return nil
}

// MarkPublished records a successful publish.
func (s *ScheduledItem) MarkPublished(at time.Time) error {
	if err := s.SetStatus(SchedulePublished); err != nil {
		return err
	}
	t := at
	s.PublishedAt = &t
	s.LastError = ""
	return nil
}

// Defer keeps the item pending after a retryable failure, pushing its target
// time forward and counting the attempt.
func (s *ScheduledItem) Defer(until time.Time, cause error) error {
	if s.Status != SchedulePending {
		return fmt.Errorf("scheduled item %s: %w: defer from %s", s.ID, ErrBadTransition, s.Status)
	}
	s.Retries++
	s.PublishAt = until
	if cause != nil {
		s.LastError = cause.Error()
	}
	return nil
}

// MarkFailed terminates the item after retries are exhausted or on a
// non-retryable error.
func (s *ScheduledItem) MarkFailed(cause error) error {
	if err := s.SetStatus(ScheduleFailed); err != nil {
		return err
	}
	if cause != nil {
		s.LastError = cause.Error()
	}
	return nil
}

// Day returns the calendar day of the target time in loc. Cap and spacing
// accounting is per local calendar day.
func (s *ScheduledItem) Day(loc *time.Location) time.Time {
	t := s.PublishAt.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}
