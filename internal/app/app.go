// Package app assembles the daemon: configuration, storage, the scheduling
// queue, the publish executor, discovery, alerts and the operator API, all
// under one supervisor with config hot reload.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"repost/internal/agent"
	"repost/internal/ai"
	"repost/internal/alert"
	"repost/internal/api"
	"repost/internal/config"
	"repost/internal/discovery"
	"repost/internal/eventbus"
	"repost/internal/publish"
	"repost/internal/queue"
	"repost/internal/runtime/supervisor"
	"repost/internal/schedule"
	"repost/internal/storage"
	logx "repost/pkg/logx"
)

type App struct {
	manager *config.Manager
	logSvc  *logx.Service
	log     logx.Logger
	store   *storage.Store
	bus     *eventbus.Bus
	alerts  *alert.Notifier
	queue   *queue.Service
	pub     *publish.Service
	disc    *discovery.Pipeline
	apiSrv  *api.Server
	sup     *supervisor.Supervisor

	cronMu sync.Mutex
	cron   *cron.Cron

	// Snapshotted at startup; changing these requires a restart.
	storagePath string
	apiAddr     string
}

// New loads and validates the config file and wires every component. The
// daemon is not running yet; call Run.
func New(cfgPath string) (*App, error) {
	manager := config.NewManager(cfgPath)
	cfg, err := manager.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	manager.SetValidator(func(_ context.Context, c *config.Config) error {
		return c.Validate()
	})

	logSvc, log := logx.New(logConfig(cfg))
	manager.SetLogger(log.With(logx.String("component", "config")))

	pol, err := cfg.BuildPolicy()
	if err != nil {
		return nil, err
	}
	planner, err := schedule.NewPlanner(pol)
	if err != nil {
		return nil, err
	}

	busyTimeout, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storage.Config{Path: cfg.Storage.Path, BusyTimeout: busyTimeout}, log.With(logx.String("component", "storage")))
	if err != nil {
		return nil, err
	}

	alerts, err := alert.New(alert.Config{Token: cfg.Telegram.Token, ChatID: cfg.Telegram.ChatID}, log.With(logx.String("component", "alert")))
	if err != nil {
		store.Close()
		return nil, err
	}

	bus := eventbus.New()
	qsvc := queue.New(store, planner, log.With(logx.String("component", "queue")), queue.WithBus(bus))

	ag, err := agentClient(cfg, log)
	if err != nil {
		store.Close()
		return nil, err
	}

	pubCfg, err := publishConfig(cfg)
	if err != nil {
		store.Close()
		return nil, err
	}
	pub := publish.New(qsvc, ag, store, store, alerts, pol, pubCfg, log.With(logx.String("component", "publish")))

	a := &App{
		manager:     manager,
		logSvc:      logSvc,
		log:         log,
		store:       store,
		bus:         bus,
		alerts:      alerts,
		queue:       qsvc,
		pub:         pub,
		storagePath: cfg.Storage.Path,
		apiAddr:     cfg.API.Addr,
	}

	if cfg.Discovery.Enabled {
		timeout, err := config.ParseDurationOrDefault("ai.timeout", cfg.AI.Timeout, 90*time.Second)
		if err != nil {
			store.Close()
			return nil, err
		}
		gen := ai.NewClient(ai.Config{
			Endpoint: cfg.AI.Endpoint,
			Model:    cfg.AI.Model,
			APIKey:   cfg.AI.APIKey,
			Timeout:  timeout,
		}, log.With(logx.String("component", "ai")))
		a.disc = discovery.New(ag, gen, store, alerts, discoveryConfig(cfg), log.With(logx.String("component", "discovery")))
	}

	if cfg.API.Enabled {
		addr := cfg.API.Addr
		if addr == "" {
			addr = "127.0.0.1:8080"
		}
		a.apiSrv = api.New(addr, qsvc, store, log.With(logx.String("component", "api")))
	}

	return a, nil
}

// Run starts everything and blocks until ctx is canceled or a component
// fails fatally. Shutdown is step-wise: cron first so no new work starts,
// then the supervisor goroutines, then storage.
func (a *App) Run(ctx context.Context) error {
	sup := supervisor.New(ctx,
		supervisor.WithLogger(a.log.With(logx.String("component", "supervisor"))),
		supervisor.WithCancelOnError(true),
	)
	a.sup = sup

	if err := a.startCron(sup.Context(), a.manager.Get()); err != nil {
		return err
	}

	sup.GoRestart("config.watch", a.manager.Watch)
	sup.Go0("config.reload", a.reloadLoop)
	sup.Go0("events", a.eventLoop)

	// Catch up on anything that came due while the daemon was down.
	sup.Go0("startup.catchup", func(ctx context.Context) {
		if _, err := a.queue.Reconcile(ctx); err != nil {
			a.log.Warn("startup reconcile failed", logx.Err(err))
		}
		if err := a.pub.RunOnce(ctx); err != nil {
			a.log.Warn("startup publish pass failed", logx.Err(err))
		}
	})

	if a.apiSrv != nil {
		sup.Go("http.api", func(ctx context.Context) error {
			errc := make(chan error, 1)
			go func() { errc <- a.apiSrv.Start() }()
			select {
			case <-ctx.Done():
				shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return a.apiSrv.Shutdown(shCtx)
			case err := <-errc:
				return err
			}
		})
	}

	a.log.Info("daemon started")
	<-sup.Context().Done()

	a.stopCron()

	waitCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sup.Stop(waitCtx); err != nil {
		a.log.Warn("shutdown wait", logx.Err(err))
	}
	a.bus.Close()
	if err := a.store.Close(); err != nil {
		a.log.Warn("closing storage", logx.Err(err))
	}
	a.log.Info("daemon stopped")
	a.logSvc.Close()
	return sup.Err()
}

// Healthy reports whether the daemon's periodic work is still wired up.
// Used by the systemd watchdog heartbeat.
func (a *App) Healthy() bool {
	a.cronMu.Lock()
	defer a.cronMu.Unlock()
	return a.cron != nil
}

// eventLoop traces queue and lifecycle events. Purely observational; the
// services themselves never depend on a subscriber being present.
func (a *App) eventLoop(ctx context.Context) {
	ch, unsub := a.bus.Subscribe(16,
		eventbus.TopicConfigReloaded, eventbus.TopicQueueChanged,
		eventbus.TopicItemPublished, eventbus.TopicItemFailed)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			a.log.Debug("event", logx.String("topic", string(ev.Topic)), logx.Time("at", ev.At))
		}
	}
}

func (a *App) reloadLoop(ctx context.Context) {
	ch := a.manager.Subscribe(4)
	defer a.manager.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-ch:
			if !ok {
				return
			}
			a.applyReload(ctx, cfg)
		}
	}
}

func (a *App) applyReload(ctx context.Context, cfg *config.Config) {
	a.logSvc.Apply(logConfig(cfg))

	if cfg.Storage.Path != a.storagePath {
		a.log.Warn("storage.path changed; restart required to take effect")
	}
	if cfg.API.Addr != a.apiAddr {
		a.log.Warn("api.addr changed; restart required to take effect")
	}

	pol, err := cfg.BuildPolicy()
	if err != nil {
		a.log.Error("reload rejected: bad policy", logx.Err(err))
		return
	}
	planner, err := schedule.NewPlanner(pol)
	if err != nil {
		a.log.Error("reload rejected: bad policy", logx.Err(err))
		return
	}
	a.queue.SetPlanner(planner)

	pubCfg, err := publishConfig(cfg)
	if err != nil {
		a.log.Error("reload rejected: bad publisher config", logx.Err(err))
		return
	}
	a.pub.Apply(pol, pubCfg)
	if a.disc != nil {
		a.disc.Apply(discoveryConfig(cfg))
	}
	if err := a.alerts.Apply(alert.Config{Token: cfg.Telegram.Token, ChatID: cfg.Telegram.ChatID}); err != nil {
		a.log.Warn("applying telegram settings", logx.Err(err))
	}

	// Cron specs may have changed; rebuild the jobs wholesale.
	a.stopCron()
	if err := a.startCron(ctx, cfg); err != nil {
		a.log.Error("restarting periodic jobs", logx.Err(err))
	}

	if _, err := a.queue.Reconcile(ctx); err != nil {
		a.log.Warn("post-reload reconcile failed", logx.Err(err))
	}
	a.bus.Publish(eventbus.TopicConfigReloaded, nil)
	a.log.Info("configuration reloaded")
}

func (a *App) startCron(ctx context.Context, cfg *config.Config) error {
	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	poll, err := config.ParseDurationOrDefault("publisher.poll_interval", cfg.Publisher.PollInterval, 5*time.Minute)
	if err != nil {
		return err
	}

	c := cron.New(cron.WithLocation(loc))
	if _, err := c.AddFunc("@every "+poll.String(), func() {
		if err := a.pub.RunOnce(ctx); err != nil {
			a.log.Warn("publish pass failed", logx.Err(err))
		}
	}); err != nil {
		return err
	}

	if a.disc != nil {
		cadence, err := config.ParseDurationOrDefault("discovery.cadence", cfg.Discovery.Cadence, 6*time.Hour)
		if err != nil {
			return err
		}
		if _, err := c.AddFunc("@every "+cadence.String(), func() {
			if err := a.disc.RunOnce(ctx); err != nil {
				a.log.Warn("discovery sweep failed", logx.Err(err))
			}
		}); err != nil {
			return err
		}
	}

	c.Start()
	a.cronMu.Lock()
	a.cron = c
	a.cronMu.Unlock()
	return nil
}

func (a *App) stopCron() {
	a.cronMu.Lock()
	c := a.cron
	a.cron = nil
	a.cronMu.Unlock()
	if c == nil {
		return
	}
	// Stop returns once running jobs finish.
	<-c.Stop().Done()
}

func logConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func agentClient(cfg *config.Config, log logx.Logger) (*agent.Client, error) {
	timeout, err := config.ParseDurationOrDefault("agent.timeout", cfg.Agent.Timeout, 2*time.Minute)
	if err != nil {
		return nil, err
	}
	return agent.NewClient(agent.Config{
		BaseURL: cfg.Agent.BaseURL,
		Token:   cfg.Agent.Token,
		Timeout: timeout,
	}, log.With(logx.String("component", "agent"))), nil
}

func publishConfig(cfg *config.Config) (publish.Config, error) {
	retryDelay, err := config.ParseDurationOrDefault("publisher.retry_delay", cfg.Publisher.RetryDelay, 30*time.Minute)
	if err != nil {
		return publish.Config{}, err
	}
	stallAfter, err := config.ParseDurationOrDefault("health.stall_alert_after", cfg.Health.StallAlertAfter, 48*time.Hour)
	if err != nil {
		return publish.Config{}, err
	}
	realert, err := config.ParseDurationOrDefault("health.realert_every", cfg.Health.RealertEvery, 24*time.Hour)
	if err != nil {
		return publish.Config{}, err
	}
	// Unset and zero are different: 0 retries means fail on the first
	// failure, 0 per hour disables the limiter.
	maxRetries := 5
	if cfg.Publisher.MaxRetries != nil {
		maxRetries = *cfg.Publisher.MaxRetries
	}
	maxPerHour := 5
	if cfg.Publisher.MaxPerHour != nil {
		maxPerHour = *cfg.Publisher.MaxPerHour
	}
	return publish.Config{
		Retry: publish.RetryPolicy{
			MaxRetries: maxRetries,
			Delay:      retryDelay,
			Backoff:    cfg.Publisher.Backoff,
		},
		MaxPerHour:      maxPerHour,
		StallAlertAfter: stallAfter,
		RealertEvery:    realert,
	}, nil
}

func discoveryConfig(cfg *config.Config) discovery.Config {
	return discovery.Config{
		Handles:           cfg.Discovery.Handles,
		LookbackDays:      cfg.Discovery.LookbackDays,
		MaxPostsPerHandle: cfg.Discovery.MaxPostsPerHandle,
		VariantsPerItem:   cfg.Discovery.VariantsPerItem,
		Model:             cfg.AI.Model,
	}
}
