// Package domain holds the entities the scheduler manages and their guarded
// state machines. Statuses are closed enumerations; every transition goes
// through a setter that rejects illegal moves, so callers cannot put an
// entity into a state the rest of the system does not expect.
package domain

import (
	"fmt"
	"time"
)

// ContentStatus tracks a discovered item through variant generation and
// operator review.
type ContentStatus string

const (
	ContentDiscovered       ContentStatus = "discovered"
	ContentVariantsReady    ContentStatus = "variants_ready"
	ContentAwaitingApproval ContentStatus = "awaiting_approval"
	ContentApproved         ContentStatus = "approved"
	ContentRejected         ContentStatus = "rejected"
	ContentPublished        ContentStatus = "published"
	ContentFailed           ContentStatus = "failed"
)

var contentTransitions = map[ContentStatus][]ContentStatus{
	ContentDiscovered:       {ContentVariantsReady, ContentFailed},
	// An operator may approve straight from variants_ready, before the
	// awaiting_approval notification went out.
	ContentVariantsReady:    {ContentAwaitingApproval, ContentApproved, ContentRejected, ContentFailed},
	ContentAwaitingApproval: {ContentApproved, ContentRejected},
	ContentApproved:         {ContentPublished, ContentFailed},
}

func (s ContentStatus) CanTransition(next ContentStatus) bool {
	for _, allowed := range contentTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ContentItem is a piece of discovered source content. Its text and origin
// metadata never change after discovery.
type ContentItem struct {
	ID           string
	SourceURL    string
	AuthorHandle string
	AuthorName   string
	Text         string
	// PostedAt is when the original appeared at the source. Nil when the
	// source did not expose a timestamp.
	PostedAt     *time.Time
	DiscoveredAt time.Time
	Status       ContentStatus
	LastError    string
}

func (c *ContentItem) SetStatus(next ContentStatus) error {
	if !c.Status.CanTransition(next) {
		return fmt.Errorf("content %s: %w: %s -> %s", c.ID, ErrBadTransition, c.Status, next)
	}
	c.Status = next
	return nil
}

// VariantStatus tracks one AI rendition through review. Approving a variant
// rejects its pending siblings, keeping at most one approved variant per
// content item.
type VariantStatus string

const (
	VariantPending   VariantStatus = "pending"
	VariantApproved  VariantStatus = "approved"
	VariantRejected  VariantStatus = "rejected"
	VariantPublished VariantStatus = "published"
)

var variantTransitions = map[VariantStatus][]VariantStatus{
	VariantPending:  {VariantApproved, VariantRejected},
	VariantApproved: {VariantPublished},
}

func (s VariantStatus) CanTransition(next VariantStatus) bool {
	for _, allowed := range variantTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Variant is one AI-rewritten rendition of a ContentItem's text.
type Variant struct {
	ID          string
	ContentID   string
	Ordinal     int
	Text        string
	Model       string
	Status      VariantStatus
	GeneratedAt time.Time
	ApprovedAt  *time.Time
}

func (v *Variant) SetStatus(next VariantStatus) error {
	if !v.Status.CanTransition(next) {
		return fmt.Errorf("variant %s: %w: %s -> %s", v.ID, ErrBadTransition, v.Status, next)
	}
	v.Status = next
	return nil
}
