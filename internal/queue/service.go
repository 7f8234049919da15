// Package queue owns every schedule mutation. All operations serialize on
// one mutex: snapshot, compute, transactional write-back. External I/O
// (publishing, AI calls) never runs while the mutex is held.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"repost/internal/domain"
	"repost/internal/eventbus"
	"repost/internal/schedule"
	"repost/internal/storage"
	logx "repost/pkg/logx"
)

// ErrBadState rejects operations against items whose lifecycle state does
// not allow them (approving a rejected variant, cancelling a published
// item, ...).
var ErrBadState = errors.New("operation not allowed in current state")

// publishedLookback bounds how far back published items still constrain
// spacing and caps.
const publishedLookback = 7 * 24 * time.Hour

// Store is the persistence surface the queue needs.
type Store interface {
	ScheduleSnapshot(ctx context.Context, publishedSince time.Time) (*storage.Snapshot, error)
	WriteSchedule(ctx context.Context, w storage.ScheduleWrite) error
	ScheduledByID(ctx context.Context, id string) (*domain.ScheduledItem, error)
	ContentByID(ctx context.Context, id string) (*domain.ContentItem, error)
	VariantByOrdinal(ctx context.Context, contentID string, ordinal int) (*domain.Variant, error)
	RecordOutcome(ctx context.Context, it *domain.ScheduledItem, at time.Time) error
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

type Service struct {
	mu      sync.Mutex
	store   Store
	planner *schedule.Planner
	bus     *eventbus.Bus
	log     logx.Logger
	now     func() time.Time
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithBus(bus *eventbus.Bus) Option {
	return func(s *Service) { s.bus = bus }
}

func New(store Store, planner *schedule.Planner, log logx.Logger, opts ...Option) *Service {
	s := &Service{store: store, planner: planner, log: log, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SetPlanner swaps the scheduling policy on a config reload. The caller
// should trigger a reconcile afterwards so the queue adopts the new rules.
func (s *Service) SetPlanner(p *schedule.Planner) {
	s.mu.Lock()
	s.planner = p
	s.mu.Unlock()
}

// Approve schedules the given variant: classify, place (bumping if URGENT),
// reconcile, and persist the full pending set together with the approval
// bookkeeping. Returns the created item with its assigned time and tier.
func (s *Service) Approve(ctx context.Context, contentID string, ordinal int) (*domain.ScheduledItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	content, err := s.store.ContentByID(ctx, contentID)
	if err != nil {
		return nil, err
	}
	switch content.Status {
	case domain.ContentAwaitingApproval, domain.ContentVariantsReady:
	default:
		return nil, fmt.Errorf("%w: content is %s", ErrBadState, content.Status)
	}
	variant, err := s.store.VariantByOrdinal(ctx, contentID, ordinal)
	if err != nil {
		return nil, err
	}
	if variant.Status != domain.VariantPending {
		return nil, fmt.Errorf("%w: variant is %s", ErrBadState, variant.Status)
	}

	now := s.now()
	tier, score := schedule.Classify(content.PostedAt, now, s.planner.Policy().TierBounds)

	var item *domain.ScheduledItem
	err = s.mutate(ctx, func(snap *storage.Snapshot) (*storage.ScheduleWrite, error) {
		item = &domain.ScheduledItem{
			ID:         uuid.NewString(),
			ContentID:  contentID,
			VariantID:  variant.ID,
			Tier:       tier,
			Score:      score,
			Status:     domain.SchedulePending,
			ApprovedAt: now,
			CreatedAt:  now,
		}
		placeCtx := placeable(snap)
		if _, err := s.planner.Place(placeCtx, item, now); err != nil {
			return nil, err
		}
		res := s.planner.Reconcile(append(snap.Pending, item), snap.Published, now)
		return &storage.ScheduleWrite{
			Rev:     snap.Rev,
			Upsert:  append(res.Items, res.Cancelled...),
			Approve: &storage.ApprovalWrite{ContentID: contentID, VariantID: variant.ID, ApprovedAt: now},
		}, nil
	})
	if err != nil {
		return nil, err
	}

	s.audit(ctx, "approve", item.ID, fmt.Sprintf("tier=%s publish_at=%s", item.Tier, item.PublishAt.Format(time.RFC3339)))
	s.log.Info("variant approved and scheduled",
		logx.String("item", item.ID), logx.String("content", contentID),
		logx.String("tier", string(item.Tier)), logx.Time("publish_at", item.PublishAt),
		logx.Bool("unplaceable", item.Unplaceable))
	s.notify(eventbus.TopicQueueChanged)
	return item, nil
}

// Cancel marks a pending item cancelled and repairs the remaining queue.
// Takes effect before the next executor tick by holding the same mutex.
func (s *Service) Cancel(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.mutate(ctx, func(snap *storage.Snapshot) (*storage.ScheduleWrite, error) {
		item := findPending(snap.Pending, id)
		if item == nil {
			existing, err := s.store.ScheduledByID(ctx, id)
			if err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("%w: item is %s", ErrBadState, existing.Status)
		}
		if err := item.SetStatus(domain.ScheduleCancelled); err != nil {
			return nil, err
		}
		rest := removeItem(snap.Pending, item)
		res := s.planner.Reconcile(rest, snap.Published, s.now())
		return &storage.ScheduleWrite{
			Rev:    snap.Rev,
			Upsert: append(append(res.Items, res.Cancelled...), item),
		}, nil
	})
	if err != nil {
		return err
	}

	s.audit(ctx, "cancel", id, "")
	s.log.Info("scheduled item cancelled", logx.String("item", id))
	s.notify(eventbus.TopicQueueChanged)
	return nil
}

// Reschedule applies a manual target time. The immediate reconcile keeps
// the override when it satisfies every invariant and corrects it otherwise.
func (s *Service) Reschedule(ctx context.Context, id string, at time.Time) (*domain.ScheduledItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var item *domain.ScheduledItem
	err := s.mutate(ctx, func(snap *storage.Snapshot) (*storage.ScheduleWrite, error) {
		item = findPending(snap.Pending, id)
		if item == nil {
			existing, err := s.store.ScheduledByID(ctx, id)
			if err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("%w: item is %s", ErrBadState, existing.Status)
		}
		item.PublishAt = at
		item.Unplaceable = false
		res := s.planner.Reconcile(snap.Pending, snap.Published, s.now())
		return &storage.ScheduleWrite{
			Rev:    snap.Rev,
			Upsert: append(res.Items, res.Cancelled...),
		}, nil
	})
	if err != nil {
		return nil, err
	}

	s.audit(ctx, "reschedule", id, "publish_at="+item.PublishAt.Format(time.RFC3339))
	s.log.Info("scheduled item rescheduled",
		logx.String("item", id), logx.Time("requested", at), logx.Time("effective", item.PublishAt))
	s.notify(eventbus.TopicQueueChanged)
	return item, nil
}

// List returns the pending queue in canonical order.
func (s *Service) List(ctx context.Context) ([]*domain.ScheduledItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err := s.store.ScheduleSnapshot(ctx, s.now().Add(-publishedLookback))
	if err != nil {
		return nil, err
	}
	schedule.SortQueue(snap.Pending)
	return snap.Pending, nil
}

// Reconcile runs the invariant-repair pass on demand. Idempotent; a clean
// queue writes nothing.
func (s *Service) Reconcile(ctx context.Context) (schedule.ReconcileResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out schedule.ReconcileResult
	err := s.mutate(ctx, func(snap *storage.Snapshot) (*storage.ScheduleWrite, error) {
		out = s.planner.Reconcile(snap.Pending, snap.Published, s.now())
		if !out.Changed {
			return nil, nil
		}
		return &storage.ScheduleWrite{
			Rev:    snap.Rev,
			Upsert: append(out.Items, out.Cancelled...),
		}, nil
	})
	if err != nil {
		return out, err
	}
	if out.Changed {
		s.audit(ctx, "reconcile", "", fmt.Sprintf("cancelled=%d flagged=%d", len(out.Cancelled), len(out.Flagged)))
		s.notify(eventbus.TopicQueueChanged)
	}
	return out, nil
}

// Due returns pending items whose target time has arrived, oldest first.
// The caller publishes them outside the queue mutex and commits each
// outcome via CommitOutcome.
func (s *Service) Due(ctx context.Context) ([]*domain.ScheduledItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err := s.store.ScheduleSnapshot(ctx, s.now().Add(-publishedLookback))
	if err != nil {
		return nil, err
	}
	now := s.now()
	var due []*domain.ScheduledItem
	for _, it := range snap.Pending {
		if !it.Unplaceable && !it.PublishAt.After(now) {
			due = append(due, it)
		}
	}
	// Snapshot order is already publish_at ascending.
	return due, nil
}

// CommitOutcome persists the result of one publish attempt.
func (s *Service) CommitOutcome(ctx context.Context, it *domain.ScheduledItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.RecordOutcome(ctx, it, s.now()); err != nil {
		return err
	}
	switch it.Status {
	case domain.SchedulePublished:
		s.notify(eventbus.TopicItemPublished)
	case domain.ScheduleFailed:
		s.notify(eventbus.TopicItemFailed)
	}
	return nil
}

// mutate runs one snapshot-compute-write cycle, retrying once from a fresh
// snapshot when the write-back hits a revision conflict. A nil write from
// fn commits nothing.
func (s *Service) mutate(ctx context.Context, fn func(*storage.Snapshot) (*storage.ScheduleWrite, error)) error {
	for attempt := 0; ; attempt++ {
		snap, err := s.store.ScheduleSnapshot(ctx, s.now().Add(-publishedLookback))
		if err != nil {
			return err
		}
		w, err := fn(snap)
		if err != nil {
			return err
		}
		if w == nil {
			return nil
		}
		err = s.store.WriteSchedule(ctx, *w)
		if err == nil {
			return nil
		}
		if !errors.Is(err, storage.ErrConflict) || attempt >= 1 {
			return err
		}
		s.log.Warn("schedule write conflicted; retrying from fresh snapshot")
	}
}

func (s *Service) audit(ctx context.Context, action, itemID, detail string) {
	if err := s.store.AppendAudit(ctx, storage.AuditEntry{At: s.now(), Action: action, ItemID: itemID, Detail: detail}); err != nil {
		s.log.Warn("audit append failed", logx.Err(err))
	}
}

func (s *Service) notify(topic eventbus.Topic) {
	if s.bus != nil {
		s.bus.Publish(topic, nil)
	}
}

// placeable is the slot-finder context: committed items that occupy slots.
// Unplaceable items hold no slot until a reconcile finds them one.
func placeable(snap *storage.Snapshot) []*domain.ScheduledItem {
	out := make([]*domain.ScheduledItem, 0, len(snap.Pending)+len(snap.Published))
	for _, it := range snap.Pending {
		if !it.Unplaceable {
			out = append(out, it)
		}
	}
	return append(out, snap.Published...)
}

func findPending(items []*domain.ScheduledItem, id string) *domain.ScheduledItem {
	for _, it := range items {
		if it.ID == id {
			return it
		}
	}
	return nil
}

func removeItem(items []*domain.ScheduledItem, target *domain.ScheduledItem) []*domain.ScheduledItem {
	out := make([]*domain.ScheduledItem, 0, len(items))
	for _, it := range items {
		if it != target {
			out = append(out, it)
		}
	}
	return out
}
