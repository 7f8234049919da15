package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"repost/internal/domain"
	"repost/internal/schedule"
	"repost/internal/storage"
	logx "repost/pkg/logx"
)

var testNow = time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC) // Monday

type fakeStore struct {
	rev       int64
	items     map[string]*domain.ScheduledItem
	content   map[string]*domain.ContentItem
	variants  map[string]*domain.Variant
	audits    []storage.AuditEntry
	outcomes  []*domain.ScheduledItem
	writes    int
	conflicts int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		items:    map[string]*domain.ScheduledItem{},
		content:  map[string]*domain.ContentItem{},
		variants: map[string]*domain.Variant{},
	}
}

func cloneItem(it *domain.ScheduledItem) *domain.ScheduledItem {
	cp := *it
	return &cp
}

func (f *fakeStore) ScheduleSnapshot(_ context.Context, since time.Time) (*storage.Snapshot, error) {
	snap := &storage.Snapshot{Rev: f.rev}
	for _, it := range f.items {
		switch {
		case it.Status == domain.SchedulePending:
			snap.Pending = append(snap.Pending, cloneItem(it))
		case it.Status == domain.SchedulePublished && it.PublishedAt != nil && it.PublishedAt.After(since):
			snap.Published = append(snap.Published, cloneItem(it))
		}
	}
	sort.Slice(snap.Pending, func(i, j int) bool {
		return snap.Pending[i].PublishAt.Before(snap.Pending[j].PublishAt)
	})
	return snap, nil
}

func (f *fakeStore) WriteSchedule(_ context.Context, w storage.ScheduleWrite) error {
	f.writes++
	if f.conflicts > 0 {
		f.conflicts--
		return storage.ErrConflict
	}
	if w.Rev != f.rev {
		return storage.ErrConflict
	}
	for _, it := range w.Upsert {
		f.items[it.ID] = cloneItem(it)
	}
	if w.Approve != nil {
		for _, v := range f.variants {
			if v.ContentID == w.Approve.ContentID && v.ID == w.Approve.VariantID {
				v.Status = domain.VariantApproved
			}
		}
		f.content[w.Approve.ContentID].Status = domain.ContentApproved
	}
	f.rev++
	return nil
}

func (f *fakeStore) ScheduledByID(_ context.Context, id string) (*domain.ScheduledItem, error) {
	it, ok := f.items[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneItem(it), nil
}

func (f *fakeStore) ContentByID(_ context.Context, id string) (*domain.ContentItem, error) {
	c, ok := f.content[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return c, nil
}

func (f *fakeStore) VariantByOrdinal(_ context.Context, contentID string, ordinal int) (*domain.Variant, error) {
	for _, v := range f.variants {
		if v.ContentID == contentID && v.Ordinal == ordinal {
			return v, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (f *fakeStore) RecordOutcome(_ context.Context, it *domain.ScheduledItem, _ time.Time) error {
	f.items[it.ID] = cloneItem(it)
	f.outcomes = append(f.outcomes, it)
	return nil
}

func (f *fakeStore) AppendAudit(_ context.Context, e storage.AuditEntry) error {
	f.audits = append(f.audits, e)
	return nil
}

func (f *fakeStore) addContent(id string, postedAgo time.Duration, variants int) {
	at := testNow.Add(-postedAgo)
	f.content[id] = &domain.ContentItem{
		ID: id, SourceURL: "https://x/" + id, Text: "post " + id,
		PostedAt: &at, Status: domain.ContentAwaitingApproval,
	}
	for i := 1; i <= variants; i++ {
		vid := fmt.Sprintf("%s-v%d", id, i)
		f.variants[vid] = &domain.Variant{
			ID: vid, ContentID: id, Ordinal: i,
			Text: "variant", Status: domain.VariantPending, GeneratedAt: testNow,
		}
	}
}

func (f *fakeStore) addPending(id string, tier domain.Tier, at time.Time) *domain.ScheduledItem {
	it := &domain.ScheduledItem{
		ID: id, ContentID: "c-" + id, VariantID: "v-" + id,
		Tier: tier, Score: tier.Score(), PublishAt: at,
		Status: domain.SchedulePending, ApprovedAt: at.Add(-time.Hour), CreatedAt: at.Add(-time.Hour),
	}
	f.items[id] = it
	return it
}

func testPlanner(t *testing.T) *schedule.Planner {
	t.Helper()
	mask, err := schedule.ParseWeekdays([]string{"mon", "tue", "wed", "thu", "fri"})
	if err != nil {
		t.Fatalf("ParseWeekdays: %v", err)
	}
	p, err := schedule.NewPlanner(schedule.Policy{
		DailyCap:    3,
		MinSpacing:  90 * time.Minute,
		WindowStart: 8,
		WindowEnd:   18,
		Weekdays:    mask,
		TierBounds:  [3]time.Duration{3 * time.Hour, 12 * time.Hour, 24 * time.Hour},
		CeilingDays: 60,
		Loc:         time.UTC,
	}, schedule.WithRand(nil))
	if err != nil {
		t.Fatalf("NewPlanner: %v", err)
	}
	return p
}

func newTestService(t *testing.T, store *fakeStore) *Service {
	t.Helper()
	return New(store, testPlanner(t), logx.Nop(), WithClock(func() time.Time { return testNow }))
}

func TestApproveSchedulesVariant(t *testing.T) {
	store := newFakeStore()
	store.addContent("c1", time.Hour, 2)
	svc := newTestService(t, store)

	it, err := svc.Approve(context.Background(), "c1", 2)
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if it.Tier != domain.TierUrgent || it.Score != 100 {
		t.Fatalf("tier = %s/%d, want urgent/100", it.Tier, it.Score)
	}
	if it.VariantID != "c1-v2" {
		t.Fatalf("variant = %s", it.VariantID)
	}
	if !it.PublishAt.Equal(testNow) {
		t.Fatalf("publish_at = %v, want %v", it.PublishAt, testNow)
	}

	if store.content["c1"].Status != domain.ContentApproved {
		t.Fatalf("content status = %s", store.content["c1"].Status)
	}
	if store.variants["c1-v2"].Status != domain.VariantApproved {
		t.Fatalf("variant status = %s", store.variants["c1-v2"].Status)
	}
	if store.rev != 1 {
		t.Fatalf("rev = %d, want 1", store.rev)
	}
	saved, ok := store.items[it.ID]
	if !ok || saved.Status != domain.SchedulePending {
		t.Fatalf("item not persisted: %+v", saved)
	}
	if len(store.audits) != 1 || store.audits[0].Action != "approve" {
		t.Fatalf("audits = %+v", store.audits)
	}
}

func TestApproveRejectsBadStates(t *testing.T) {
	store := newFakeStore()
	store.addContent("published", time.Hour, 1)
	store.content["published"].Status = domain.ContentPublished
	store.addContent("taken", time.Hour, 1)
	store.variants["taken-v1"].Status = domain.VariantRejected
	svc := newTestService(t, store)

	if _, err := svc.Approve(context.Background(), "published", 1); !errors.Is(err, ErrBadState) {
		t.Fatalf("published content err = %v", err)
	}
	if _, err := svc.Approve(context.Background(), "taken", 1); !errors.Is(err, ErrBadState) {
		t.Fatalf("rejected variant err = %v", err)
	}
	if _, err := svc.Approve(context.Background(), "missing", 1); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("missing content err = %v", err)
	}
	if storeWrites := store.writes; storeWrites != 0 {
		t.Fatalf("writes = %d, want 0", storeWrites)
	}
}

func TestCancel(t *testing.T) {
	store := newFakeStore()
	store.addPending("s1", domain.TierGood, testNow.Add(2*time.Hour))
	store.addPending("s2", domain.TierGood, testNow.Add(4*time.Hour))
	svc := newTestService(t, store)

	if err := svc.Cancel(context.Background(), "s1"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got := store.items["s1"].Status; got != domain.ScheduleCancelled {
		t.Fatalf("s1 status = %s", got)
	}
	if got := store.items["s2"].Status; got != domain.SchedulePending {
		t.Fatalf("s2 status = %s", got)
	}
}

func TestCancelRejectsNonPending(t *testing.T) {
	store := newFakeStore()
	done := store.addPending("done", domain.TierOK, testNow.Add(-time.Hour))
	done.Status = domain.SchedulePublished
	at := testNow.Add(-time.Hour)
	done.PublishedAt = &at
	svc := newTestService(t, store)

	if err := svc.Cancel(context.Background(), "done"); !errors.Is(err, ErrBadState) {
		t.Fatalf("published err = %v", err)
	}
	if err := svc.Cancel(context.Background(), "nope"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("missing err = %v", err)
	}
}

func TestRescheduleKeepsValidTarget(t *testing.T) {
	store := newFakeStore()
	store.addPending("s1", domain.TierGood, testNow.Add(2*time.Hour))
	svc := newTestService(t, store)

	want := time.Date(2025, 6, 4, 10, 0, 0, 0, time.UTC) // Wednesday in window
	it, err := svc.Reschedule(context.Background(), "s1", want)
	if err != nil {
		t.Fatalf("Reschedule: %v", err)
	}
	if !it.PublishAt.Equal(want) {
		t.Fatalf("publish_at = %v, want %v", it.PublishAt, want)
	}
	if !store.items["s1"].PublishAt.Equal(want) {
		t.Fatalf("persisted = %v", store.items["s1"].PublishAt)
	}
}

func TestRescheduleCorrectsInvalidTarget(t *testing.T) {
	store := newFakeStore()
	store.addPending("s1", domain.TierGood, testNow.Add(2*time.Hour))
	svc := newTestService(t, store)

	sat := time.Date(2025, 6, 7, 10, 0, 0, 0, time.UTC)
	it, err := svc.Reschedule(context.Background(), "s1", sat)
	if err != nil {
		t.Fatalf("Reschedule: %v", err)
	}
	if it.PublishAt.Equal(sat) {
		t.Fatal("weekend target should have been corrected")
	}
	if wd := it.PublishAt.Weekday(); wd == time.Saturday || wd == time.Sunday {
		t.Fatalf("corrected to weekend: %v", it.PublishAt)
	}
}

func TestReconcileCleanQueueWritesNothing(t *testing.T) {
	store := newFakeStore()
	store.addPending("s1", domain.TierGood, testNow.Add(2*time.Hour))
	store.addPending("s2", domain.TierGood, testNow.Add(4*time.Hour))
	svc := newTestService(t, store)

	res, err := svc.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if res.Changed {
		t.Fatal("clean queue reported changed")
	}
	if store.writes != 0 {
		t.Fatalf("writes = %d, want 0", store.writes)
	}
}

func TestReconcileRepairsDirtyQueue(t *testing.T) {
	store := newFakeStore()
	store.addPending("s1", domain.TierGood, testNow.Add(2*time.Hour))
	store.addPending("s2", domain.TierGood, testNow.Add(2*time.Hour+10*time.Minute))
	svc := newTestService(t, store)

	res, err := svc.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if !res.Changed {
		t.Fatal("spacing violation not repaired")
	}
	a, b := store.items["s1"].PublishAt, store.items["s2"].PublishAt
	gap := b.Sub(a)
	if gap < 0 {
		gap = -gap
	}
	if gap < 90*time.Minute {
		t.Fatalf("gap after repair = %v", gap)
	}
}

func TestDueFiltering(t *testing.T) {
	store := newFakeStore()
	store.addPending("past", domain.TierOK, testNow.Add(-time.Hour))
	store.addPending("future", domain.TierOK, testNow.Add(time.Hour))
	flagged := store.addPending("flagged", domain.TierOK, testNow.Add(-2*time.Hour))
	flagged.Unplaceable = true
	svc := newTestService(t, store)

	due, err := svc.Due(context.Background())
	if err != nil {
		t.Fatalf("Due: %v", err)
	}
	if len(due) != 1 || due[0].ID != "past" {
		t.Fatalf("due = %+v", due)
	}
}

func TestConflictRetriesOnce(t *testing.T) {
	store := newFakeStore()
	store.addContent("c1", time.Hour, 1)
	store.conflicts = 1
	svc := newTestService(t, store)

	if _, err := svc.Approve(context.Background(), "c1", 1); err != nil {
		t.Fatalf("Approve after one conflict: %v", err)
	}
	if store.writes != 2 {
		t.Fatalf("writes = %d, want 2", store.writes)
	}
}

func TestConflictGivesUpAfterRetry(t *testing.T) {
	store := newFakeStore()
	store.addContent("c1", time.Hour, 1)
	store.conflicts = 2
	svc := newTestService(t, store)

	if _, err := svc.Approve(context.Background(), "c1", 1); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("err = %v, want conflict", err)
	}
	if store.writes != 2 {
		t.Fatalf("writes = %d, want 2", store.writes)
	}
}

func TestCommitOutcomeRecords(t *testing.T) {
	store := newFakeStore()
	it := store.addPending("s1", domain.TierOK, testNow.Add(-time.Minute))
	svc := newTestService(t, store)

	if err := it.MarkPublished(testNow); err != nil {
		t.Fatalf("MarkPublished: %v", err)
	}
	if err := svc.CommitOutcome(context.Background(), it); err != nil {
		t.Fatalf("CommitOutcome: %v", err)
	}
	if len(store.outcomes) != 1 || store.items["s1"].Status != domain.SchedulePublished {
		t.Fatalf("outcome not recorded: %+v", store.items["s1"])
	}
}
