package domain

import (
	"errors"
	"testing"
	"time"
)

func TestScheduleStatusTransitions(t *testing.T) {
	t.Parallel()

	cases := []struct {
		from ScheduleStatus
		to   ScheduleStatus
		ok   bool
	}{
		{SchedulePending, SchedulePublished, true},
		{SchedulePending, ScheduleFailed, true},
		{SchedulePending, ScheduleCancelled, true},
		{SchedulePublished, SchedulePending, false},
		{SchedulePublished, ScheduleFailed, false},
		{ScheduleFailed, SchedulePending, false},
		{ScheduleCancelled, SchedulePending, false},
	}
	for _, tc := range cases {
		if got := tc.from.CanTransition(tc.to); got != tc.ok {
			t.Errorf("%s -> %s: got %v, want %v", tc.from, tc.to, got, tc.ok)
		}
	}
}

func TestScheduledItemGuardedSetters(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)

	item := &ScheduledItem{ID: "s1", Status: SchedulePending, PublishAt: now}
	if err := item.MarkPublished(now); err != nil {
		t.Fatalf("MarkPublished: %v", err)
	}
	if item.PublishedAt == nil || !item.PublishedAt.Equal(now) {
		t.Fatalf("PublishedAt = %v, want %v", item.PublishedAt, now)
	}
	if err := item.MarkFailed(errors.New("late")); !errors.Is(err, ErrBadTransition) {
		t.Fatalf("MarkFailed after published: err = %v, want ErrBadTransition", err)
	}

	item = &ScheduledItem{ID: "s2", Status: SchedulePending, PublishAt: now}
	if err := item.Defer(now.Add(30*time.Minute), errors.New("agent timeout")); err != nil {
		t.Fatalf("Defer: %v", err)
	}
	if item.Retries != 1 {
		t.Fatalf("Retries = %d, want 1", item.Retries)
	}
	if !item.PublishAt.Equal(now.Add(30 * time.Minute)) {
		t.Fatalf("PublishAt = %v, want deferred time", item.PublishAt)
	}
	if item.LastError == "" {
		t.Fatal("LastError not recorded")
	}
	if err := item.SetStatus(ScheduleFailed); err != nil {
		t.Fatalf("SetStatus(failed): %v", err)
	}
	if err := item.Defer(now, nil); !errors.Is(err, ErrBadTransition) {
		t.Fatalf("Defer after failed: err = %v, want ErrBadTransition", err)
	}
}

func TestVariantTransitions(t *testing.T) {
	t.Parallel()

	v := &Variant{ID: "v1", Status: VariantPending}
	if err := v.SetStatus(VariantApproved); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := v.SetStatus(VariantRejected); !errors.Is(err, ErrBadTransition) {
		t.Fatalf("reject after approve: err = %v, want ErrBadTransition", err)
	}
	if err := v.SetStatus(VariantPublished); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func TestContentTransitions(t *testing.T) {
	t.Parallel()

	c := &ContentItem{ID: "c1", Status: ContentDiscovered}
	for _, next := range []ContentStatus{ContentVariantsReady, ContentAwaitingApproval, ContentApproved, ContentPublished} {
		if err := c.SetStatus(next); err != nil {
			t.Fatalf("to %s: %v", next, err)
		}
	}
	if err := c.SetStatus(ContentFailed); !errors.Is(err, ErrBadTransition) {
		t.Fatalf("fail after published: err = %v, want ErrBadTransition", err)
	}

	// Approval is allowed before the awaiting_approval notification.
	c = &ContentItem{ID: "c2", Status: ContentVariantsReady}
	if err := c.SetStatus(ContentApproved); err != nil {
		t.Fatalf("approve from variants_ready: %v", err)
	}
	c = &ContentItem{ID: "c3", Status: ContentVariantsReady}
	if err := c.SetStatus(ContentRejected); err != nil {
		t.Fatalf("reject from variants_ready: %v", err)
	}
}

func TestTierRankAndScore(t *testing.T) {
	t.Parallel()

	order := []Tier{TierUrgent, TierGood, TierOK, TierStale}
	scores := []int{100, 75, 50, 25}
	for i, tier := range order {
		if tier.Score() != scores[i] {
			t.Errorf("%s.Score() = %d, want %d", tier, tier.Score(), scores[i])
		}
		if i > 0 && order[i-1].Rank() <= tier.Rank() {
			t.Errorf("rank not strictly decreasing at %s", tier)
		}
	}
	if Tier("BOGUS").Valid() {
		t.Error("bogus tier reported valid")
	}
}
