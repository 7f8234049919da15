package publish

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"repost/internal/domain"
	"repost/internal/schedule"
	"repost/internal/storage"
	logx "repost/pkg/logx"
)

type fakeQueue struct {
	due       []*domain.ScheduledItem
	committed []*domain.ScheduledItem
}

func (q *fakeQueue) Due(context.Context) ([]*domain.ScheduledItem, error) { return q.due, nil }
func (q *fakeQueue) CommitOutcome(_ context.Context, it *domain.ScheduledItem) error {
	q.committed = append(q.committed, it)
	return nil
}

type fakeAgent struct {
	healthy    bool
	healthErr  error
	publishErr error
	published  []string
}

func (a *fakeAgent) SessionHealthy(context.Context) (bool, string, error) {
	return a.healthy, "cookie expired", a.healthErr
}
func (a *fakeAgent) Publish(_ context.Context, text string) error {
	a.published = append(a.published, text)
	return a.publishErr
}

type fakeTexts struct{}

func (fakeTexts) VariantByID(_ context.Context, id string) (*domain.Variant, error) {
	return &domain.Variant{ID: id, Text: "text for " + id, Status: domain.VariantApproved}, nil
}

type fakeHealth struct {
	state  storage.HealthState
	alerts []time.Time
}

func (h *fakeHealth) Health(context.Context) (storage.HealthState, error) { return h.state, nil }
func (h *fakeHealth) RecordAlert(_ context.Context, at time.Time) error {
	h.alerts = append(h.alerts, at)
	h.state.LastAlertAt = &at
	return nil
}

type fakeAlerter struct {
	mu   sync.Mutex
	msgs []string
}

func (a *fakeAlerter) Alert(_ context.Context, msg string) {
	a.mu.Lock()
	a.msgs = append(a.msgs, msg)
	a.mu.Unlock()
}

func testWindowPolicy(t *testing.T) schedule.Policy {
	t.Helper()
	mask, err := schedule.ParseWeekdays([]string{"Mon", "Tue", "Wed", "Thu", "Fri"})
	if err != nil {
		t.Fatal(err)
	}
	return schedule.Policy{
		DailyCap: 5, MinSpacing: 0, WindowStart: 8, WindowEnd: 18,
		Weekdays: mask, TierBounds: [3]time.Duration{3 * time.Hour, 12 * time.Hour, 24 * time.Hour},
		CeilingDays: 60, Loc: time.UTC,
	}
}

func newTestService(t *testing.T, q *fakeQueue, a *fakeAgent, h *fakeHealth, al *fakeAlerter, cfg Config, now time.Time) *Service {
	t.Helper()
	return New(q, a, fakeTexts{}, h, al, testWindowPolicy(t), cfg, logx.Nop(),
		WithClock(func() time.Time { return now }))
}

func dueItem(id string, retries int) *domain.ScheduledItem {
	return &domain.ScheduledItem{
		ID: id, ContentID: "c-" + id, VariantID: "v-" + id,
		Tier: domain.TierGood, Score: 75,
		PublishAt: time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC),
		Status:    domain.SchedulePending, Retries: retries,
	}
}

func TestRunOncePublishesDueItems(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	q := &fakeQueue{due: []*domain.ScheduledItem{dueItem("a", 0), dueItem("b", 0)}}
	a := &fakeAgent{healthy: true}
	svc := newTestService(t, q, a, &fakeHealth{}, &fakeAlerter{}, Config{Retry: RetryPolicy{MaxRetries: 3, Delay: 30 * time.Minute}}, now)

	if err := svc.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(a.published) != 2 {
		t.Fatalf("published %d items, want 2", len(a.published))
	}
	for _, it := range q.committed {
		if it.Status != domain.SchedulePublished || it.PublishedAt == nil {
			t.Errorf("item %s not published: %+v", it.ID, it)
		}
	}
}

func TestRunOnceDefersOnFailure(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	q := &fakeQueue{due: []*domain.ScheduledItem{dueItem("a", 0)}}
	a := &fakeAgent{healthy: true, publishErr: errors.New("agent timeout")}
	svc := newTestService(t, q, a, &fakeHealth{}, &fakeAlerter{}, Config{Retry: RetryPolicy{MaxRetries: 3, Delay: 30 * time.Minute}}, now)

	if err := svc.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	it := q.committed[0]
	if it.Status != domain.SchedulePending || it.Retries != 1 {
		t.Fatalf("deferred item: %+v", it)
	}
	want := now.Add(30 * time.Minute)
	if !it.PublishAt.Equal(want) {
		t.Fatalf("PublishAt = %v, want %v", it.PublishAt, want)
	}
}

// A retry delay that lands after window close is snapped forward into the
// next day's window.
func TestRunOnceDeferSnapsIntoWindow(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 2, 17, 45, 0, 0, time.UTC)
	q := &fakeQueue{due: []*domain.ScheduledItem{dueItem("a", 0)}}
	a := &fakeAgent{healthy: true, publishErr: errors.New("agent timeout")}
	svc := newTestService(t, q, a, &fakeHealth{}, &fakeAlerter{}, Config{Retry: RetryPolicy{MaxRetries: 3, Delay: 30 * time.Minute}}, now)

	if err := svc.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	want := time.Date(2025, 6, 3, 8, 0, 0, 0, time.UTC)
	if got := q.committed[0].PublishAt; !got.Equal(want) {
		t.Fatalf("PublishAt = %v, want next window open %v", got, want)
	}
}

func TestRunOnceFailsAfterMaxRetries(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	q := &fakeQueue{due: []*domain.ScheduledItem{dueItem("a", 3)}}
	a := &fakeAgent{healthy: true, publishErr: errors.New("agent timeout")}
	al := &fakeAlerter{}
	svc := newTestService(t, q, a, &fakeHealth{}, al, Config{Retry: RetryPolicy{MaxRetries: 3, Delay: 30 * time.Minute}}, now)

	if err := svc.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if got := q.committed[0].Status; got != domain.ScheduleFailed {
		t.Fatalf("status = %s, want failed", got)
	}
	if len(al.msgs) != 1 {
		t.Fatalf("alerts = %v, want one failure alert", al.msgs)
	}
}

func TestRunOnceNoRetryFailsImmediately(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	q := &fakeQueue{due: []*domain.ScheduledItem{dueItem("a", 0)}}
	a := &fakeAgent{healthy: true, publishErr: NoRetry(errors.New("account locked"))}
	svc := newTestService(t, q, a, &fakeHealth{}, &fakeAlerter{}, Config{Retry: RetryPolicy{MaxRetries: 3, Delay: 30 * time.Minute}}, now)

	if err := svc.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if got := q.committed[0].Status; got != domain.ScheduleFailed {
		t.Fatalf("status = %s, want failed on first attempt", got)
	}
}

// An unhealthy session aborts the run for all items, consumes no retries,
// and alerts once per unhealthy period.
func TestRunOnceUnhealthySessionLatch(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	q := &fakeQueue{due: []*domain.ScheduledItem{dueItem("a", 0)}}
	a := &fakeAgent{healthy: false}
	al := &fakeAlerter{}
	svc := newTestService(t, q, a, &fakeHealth{}, al, Config{Retry: RetryPolicy{MaxRetries: 3}}, now)

	for i := 0; i < 3; i++ {
		if err := svc.RunOnce(context.Background()); err != nil {
			t.Fatalf("RunOnce %d: %v", i, err)
		}
	}
	if len(a.published) != 0 || len(q.committed) != 0 {
		t.Fatal("items touched during unhealthy session")
	}
	if len(al.msgs) != 1 {
		t.Fatalf("alerts = %d, want exactly 1", len(al.msgs))
	}

	// Recovery clears the latch; the next outage alerts again.
	a.healthy = true
	if err := svc.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	a.healthy = false
	if err := svc.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(al.msgs) != 2 {
		t.Fatalf("alerts = %d, want 2 after recovery and new outage", len(al.msgs))
	}
}

func TestStallAlertRespectsRealertWindow(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 4, 10, 0, 0, 0, time.UTC)
	lastSuccess := now.Add(-72 * time.Hour)
	h := &fakeHealth{state: storage.HealthState{LastSuccessAt: &lastSuccess}}
	al := &fakeAlerter{}
	q := &fakeQueue{}
	a := &fakeAgent{healthy: true}
	cfg := Config{Retry: RetryPolicy{MaxRetries: 3}, StallAlertAfter: 48 * time.Hour, RealertEvery: 24 * time.Hour}
	svc := newTestService(t, q, a, h, al, cfg, now)

	if err := svc.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(al.msgs) != 1 || len(h.alerts) != 1 {
		t.Fatalf("alerts = %v, recorded = %v, want one stall alert", al.msgs, h.alerts)
	}

	// Within the realert window nothing fires again.
	if err := svc.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(al.msgs) != 1 {
		t.Fatalf("alerts = %d, want still 1 inside realert window", len(al.msgs))
	}
}
