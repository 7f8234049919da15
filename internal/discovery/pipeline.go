// Package discovery ingests new source posts on a fixed cadence: scrape
// each configured handle through the agent, skip already-seen URLs, persist
// fresh content, generate rewrite variants and hand the batch to the
// operator for approval.
package discovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"repost/internal/agent"
	"repost/internal/domain"
	logx "repost/pkg/logx"
)

// Lister scrapes recent posts for a handle.
type Lister interface {
	ListPosts(ctx context.Context, handle string, days, limit int) ([]agent.Post, error)
}

// Generator produces rewrite variants for a post body.
type Generator interface {
	GenerateVariants(ctx context.Context, text string, n int) ([]string, error)
}

// Store is the persistence surface the pipeline needs.
type Store interface {
	HasSourceURL(ctx context.Context, url string) (bool, error)
	SaveContent(ctx context.Context, c *domain.ContentItem) error
	SaveVariants(ctx context.Context, vs []*domain.Variant) error
	UpdateContentStatus(ctx context.Context, id string, status domain.ContentStatus, lastError string) error
}

// Notifier pings the operator when a batch is ready for review.
type Notifier interface {
	Alert(ctx context.Context, msg string)
}

type Config struct {
	Handles           []string
	LookbackDays      int
	MaxPostsPerHandle int
	VariantsPerItem   int
	Model             string
}

type Pipeline struct {
	lister Lister
	gen    Generator
	store  Store
	notify Notifier
	log    logx.Logger
	now    func() time.Time

	mu  sync.Mutex
	cfg Config
}

type Option func(*Pipeline)

func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

func New(lister Lister, gen Generator, store Store, notify Notifier, cfg Config, log logx.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{lister: lister, gen: gen, store: store, notify: notify, log: log, now: time.Now}
	p.Apply(cfg)
	for _, o := range opts {
		o(p)
	}
	return p
}

// Apply swaps the discovery settings on a config reload.
func (p *Pipeline) Apply(cfg Config) {
	if cfg.LookbackDays <= 0 {
		cfg.LookbackDays = 7
	}
	if cfg.MaxPostsPerHandle <= 0 {
		cfg.MaxPostsPerHandle = 50
	}
	if cfg.VariantsPerItem <= 0 {
		cfg.VariantsPerItem = 3
	}
	p.mu.Lock()
	p.cfg = cfg
	p.mu.Unlock()
}

func (p *Pipeline) config() Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg
}

// RunOnce performs one discovery sweep over every configured handle. A
// failing handle or post never aborts the sweep; errors are recorded per
// item and the first one is returned for the caller's restart policy.
func (p *Pipeline) RunOnce(ctx context.Context) error {
	cfg := p.config()
	var firstErr error
	var ready []string

	for _, handle := range cfg.Handles {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lines, err := p.sweepHandle(ctx, handle, cfg)
		if err != nil {
			p.log.Warn("handle sweep failed", logx.String("handle", handle), logx.Err(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		ready = append(ready, lines...)
	}

	if len(ready) > 0 {
		p.log.Info("discovery sweep finished", logx.Int("awaiting_approval", len(ready)))
		if p.notify != nil {
			p.notify.Alert(ctx, approvalMessage(ready))
		}
	}
	return firstErr
}

// approvalMessage lists the new items, truncated so the alert channel never
// gets a wall of text.
func approvalMessage(lines []string) string {
	const maxLines = 10
	msg := fmt.Sprintf("%d new post(s) awaiting approval:", len(lines))
	shown := lines
	if len(shown) > maxLines {
		shown = shown[:maxLines]
	}
	for _, l := range shown {
		msg += "\n- " + l
	}
	if extra := len(lines) - len(shown); extra > 0 {
		msg += fmt.Sprintf("\n... and %d more", extra)
	}
	return msg
}

func (p *Pipeline) sweepHandle(ctx context.Context, handle string, cfg Config) ([]string, error) {
	posts, err := p.lister.ListPosts(ctx, handle, cfg.LookbackDays, cfg.MaxPostsPerHandle)
	if err != nil {
		return nil, fmt.Errorf("listing posts for %s: %w", handle, err)
	}

	var ready []string
	for _, post := range posts {
		if ctx.Err() != nil {
			return ready, ctx.Err()
		}
		seen, err := p.store.HasSourceURL(ctx, post.URL)
		if err != nil {
			return ready, err
		}
		if seen {
			continue
		}
		if err := p.ingest(ctx, handle, post, cfg); err != nil {
			p.log.Warn("post ingestion failed",
				logx.String("handle", handle), logx.String("url", post.URL), logx.Err(err))
			continue
		}
		ready = append(ready, fmt.Sprintf("@%s %s", handle, post.URL))
	}
	return ready, nil
}

func (p *Pipeline) ingest(ctx context.Context, handle string, post agent.Post, cfg Config) error {
	now := p.now()
	item := &domain.ContentItem{
		ID:           uuid.NewString(),
		SourceURL:    post.URL,
		AuthorHandle: post.AuthorHandle,
		AuthorName:   post.AuthorName,
		Text:         post.Text,
		PostedAt:     post.PostedAt,
		DiscoveredAt: now,
		Status:       domain.ContentDiscovered,
	}
	if item.AuthorHandle == "" {
		item.AuthorHandle = handle
	}
	if err := p.store.SaveContent(ctx, item); err != nil {
		return err
	}

	texts, err := p.gen.GenerateVariants(ctx, item.Text, cfg.VariantsPerItem)
	if err != nil {
		if serr := p.store.UpdateContentStatus(ctx, item.ID, domain.ContentFailed, err.Error()); serr != nil {
			p.log.Warn("marking content failed", logx.String("content", item.ID), logx.Err(serr))
		}
		return err
	}

	vs := make([]*domain.Variant, len(texts))
	for i, text := range texts {
		vs[i] = &domain.Variant{
			ID:          uuid.NewString(),
			ContentID:   item.ID,
			Ordinal:     i + 1,
			Text:        text,
			Model:       cfg.Model,
			Status:      domain.VariantPending,
			GeneratedAt: p.now(),
		}
	}
	if err := p.store.SaveVariants(ctx, vs); err != nil {
		return err
	}
	if err := p.store.UpdateContentStatus(ctx, item.ID, domain.ContentAwaitingApproval, ""); err != nil {
		return err
	}

	p.log.Info("content ready for review",
		logx.String("content", item.ID), logx.String("handle", handle), logx.Int("variants", len(vs)))
	return nil
}
