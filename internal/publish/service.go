// Package publish drives due queue items out to the platform: session
// pre-flight, per-item publish with retry/backoff, outbound rate limiting
// and stall alerting.
package publish

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"repost/internal/domain"
	"repost/internal/schedule"
	"repost/internal/storage"
	logx "repost/pkg/logx"
)

// Queue is the schedule surface the executor consumes.
type Queue interface {
	Due(ctx context.Context) ([]*domain.ScheduledItem, error)
	CommitOutcome(ctx context.Context, it *domain.ScheduledItem) error
}

// Agent performs the actual platform interaction.
type Agent interface {
	SessionHealthy(ctx context.Context) (bool, string, error)
	Publish(ctx context.Context, text string) error
}

// Texts resolves the approved variant body for an item.
type Texts interface {
	VariantByID(ctx context.Context, id string) (*domain.Variant, error)
}

// HealthStore tracks publish totals and alert latching across restarts.
type HealthStore interface {
	Health(ctx context.Context) (storage.HealthState, error)
	RecordAlert(ctx context.Context, at time.Time) error
}

// Alerter delivers operator notifications. Implementations must be safe to
// call with a canceled context.
type Alerter interface {
	Alert(ctx context.Context, msg string)
}

type Config struct {
	Retry      RetryPolicy
	MaxPerHour int
	// StallAlertAfter raises an alert when nothing published for this long
	// despite a non-empty queue. RealertEvery spaces repeat alerts.
	StallAlertAfter time.Duration
	RealertEvery    time.Duration
}

type Service struct {
	queue  Queue
	agent  Agent
	texts  Texts
	health HealthStore
	alert  Alerter
	log    logx.Logger
	now    func() time.Time

	mu       sync.Mutex
	cfg      Config
	pol      schedule.Policy
	limiter  *rate.Limiter
	degraded bool
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func New(q Queue, a Agent, t Texts, h HealthStore, alert Alerter, pol schedule.Policy, cfg Config, log logx.Logger, opts ...Option) *Service {
	s := &Service{
		queue: q, agent: a, texts: t, health: h, alert: alert,
		log: log, now: time.Now, pol: pol,
	}
	s.applyConfig(cfg)
	for _, o := range opts {
		o(s)
	}
	return s
}

// Apply swaps the retry/rate settings and posting policy on a config
// reload.
func (s *Service) Apply(pol schedule.Policy, cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pol = pol
	s.applyConfig(cfg)
}

func (s *Service) applyConfig(cfg Config) {
	s.cfg = cfg
	if cfg.MaxPerHour > 0 {
		s.limiter = rate.NewLimiter(rate.Every(time.Hour/time.Duration(cfg.MaxPerHour)), 1)
	} else {
		s.limiter = nil
	}
}

func (s *Service) snapshotConfig() (Config, schedule.Policy, *rate.Limiter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg, s.pol, s.limiter
}

// RunOnce executes one poll tick: pre-flight the session, publish every due
// item in target-time order, then check for a publishing stall. Called on
// the poll cadence; safe to call manually.
func (s *Service) RunOnce(ctx context.Context) error {
	cfg, pol, limiter := s.snapshotConfig()

	healthy, detail, err := s.agent.SessionHealthy(ctx)
	if err != nil || !healthy {
		s.handleDegraded(ctx, detail, err)
		return nil
	}
	s.clearDegraded()

	due, err := s.queue.Due(ctx)
	if err != nil {
		return fmt.Errorf("loading due items: %w", err)
	}
	for _, it := range due {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return err
			}
		}
		s.publishOne(ctx, it, cfg, pol)
	}

	s.checkStall(ctx, cfg)
	return nil
}

func (s *Service) publishOne(ctx context.Context, it *domain.ScheduledItem, cfg Config, pol schedule.Policy) {
	now := s.now()

	v, err := s.texts.VariantByID(ctx, it.VariantID)
	if err != nil {
		err = NoRetry(fmt.Errorf("loading variant %s: %w", it.VariantID, err))
	} else {
		err = s.agent.Publish(ctx, v.Text)
	}

	switch {
	case err == nil:
		if serr := it.MarkPublished(now); serr != nil {
			s.log.Error("publish state transition rejected", logx.String("item", it.ID), logx.Err(serr))
			return
		}
		s.log.Info("item published", logx.String("item", it.ID), logx.String("tier", string(it.Tier)))

	case IsNoRetry(err) || cfg.Retry.Exhausted(it.Retries):
		if serr := it.MarkFailed(err); serr != nil {
			s.log.Error("publish state transition rejected", logx.String("item", it.ID), logx.Err(serr))
			return
		}
		s.log.Error("item failed permanently",
			logx.String("item", it.ID), logx.Int("attempts", it.Retries+1), logx.Err(err))
		if s.alert != nil {
			s.alert.Alert(ctx, fmt.Sprintf("repost %s failed after %d attempts: %v", it.ID, it.Retries+1, err))
		}

	default:
		// Deferred target times still honor the posting window.
		next := pol.SnapForward(now.Add(cfg.Retry.Next(it.Retries)))
		if serr := it.Defer(next, err); serr != nil {
			s.log.Error("publish state transition rejected", logx.String("item", it.ID), logx.Err(serr))
			return
		}
		s.log.Warn("publish failed; retrying later",
			logx.String("item", it.ID), logx.Int("attempt", it.Retries),
			logx.Time("next_attempt", next), logx.Err(err))
	}

	if err := s.queue.CommitOutcome(ctx, it); err != nil {
		s.log.Error("committing publish outcome", logx.String("item", it.ID), logx.Err(err))
	}
}

// handleDegraded latches one alert per unhealthy period so a broken session
// does not page the operator once per tick.
func (s *Service) handleDegraded(ctx context.Context, detail string, err error) {
	s.mu.Lock()
	already := s.degraded
	s.degraded = true
	s.mu.Unlock()

	if err != nil {
		s.log.Warn("session pre-flight failed; skipping run", logx.Err(err))
	} else {
		s.log.Warn("session unhealthy; skipping run", logx.String("detail", detail))
	}
	if already {
		return
	}
	if s.alert != nil {
		msg := "publishing paused: " + ErrSessionUnhealthy.Error()
		if detail != "" {
			msg += " (" + detail + ")"
		}
		s.alert.Alert(ctx, msg)
	}
}

func (s *Service) clearDegraded() {
	s.mu.Lock()
	if s.degraded {
		s.log.Info("session healthy again; publishing resumed")
	}
	s.degraded = false
	s.mu.Unlock()
}

// checkStall alerts when no publish succeeded for the configured span.
// Repeat alerts are spaced by RealertEvery using the persisted alert time,
// so the latch survives restarts.
func (s *Service) checkStall(ctx context.Context, cfg Config) {
	if cfg.StallAlertAfter <= 0 || s.health == nil {
		return
	}
	h, err := s.health.Health(ctx)
	if err != nil {
		s.log.Warn("reading health state", logx.Err(err))
		return
	}
	now := s.now()
	last := h.LastSuccessAt
	if last == nil {
		// Never published; nothing to measure a stall against.
		return
	}
	if now.Sub(*last) < cfg.StallAlertAfter {
		return
	}
	realert := cfg.RealertEvery
	if realert <= 0 {
		realert = 24 * time.Hour
	}
	if h.LastAlertAt != nil && now.Sub(*h.LastAlertAt) < realert {
		return
	}
	msg := fmt.Sprintf("no successful publish since %s", last.Format(time.RFC3339))
	s.log.Warn("publishing stalled", logx.Time("last_success", *last))
	if s.alert != nil {
		s.alert.Alert(ctx, msg)
	}
	if err := s.health.RecordAlert(ctx, now); err != nil {
		s.log.Warn("recording alert time", logx.Err(err))
	}
}
