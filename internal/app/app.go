// Package app is the composition root: it builds the cache, router,
// scheduler, event bus and marketing automation from configuration and owns
// their lifecycle. All wiring is explicit; there are no package-level
// singletons.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/chatbuddy-io/chatbuddy/internal/agents"
	"github.com/chatbuddy-io/chatbuddy/internal/audit"
	"github.com/chatbuddy-io/chatbuddy/internal/bus"
	"github.com/chatbuddy-io/chatbuddy/internal/cache"
	"github.com/chatbuddy-io/chatbuddy/internal/cart"
	"github.com/chatbuddy-io/chatbuddy/internal/config"
	"github.com/chatbuddy-io/chatbuddy/internal/conflict"
	"github.com/chatbuddy-io/chatbuddy/internal/intent"
	. "github.com/chatbuddy-io/chatbuddy/internal/logging"
	"github.com/chatbuddy-io/chatbuddy/internal/notify"
	"github.com/chatbuddy-io/chatbuddy/internal/ratelimit"
	"github.com/chatbuddy-io/chatbuddy/internal/respcache"
	"github.com/chatbuddy-io/chatbuddy/internal/router"
	"github.com/chatbuddy-io/chatbuddy/internal/scheduler"
	"github.com/chatbuddy-io/chatbuddy/internal/session"
	"github.com/chatbuddy-io/chatbuddy/internal/webshop"
)

// App holds every long-lived component.
type App struct {
	cfg *config.Config

	Store     cache.Store
	Sessions  *session.Store
	Limiter   *ratelimit.Limiter
	Responses *respcache.Cache
	Registry  *agents.Registry
	Router    *router.Router
	Bus       *bus.Bus
	Scheduler *scheduler.Scheduler
	Monitor   *conflict.Monitor
	Cart      *cart.Coordinator
	Auditor   *audit.Logger
	Shop      webshop.Client

	stopJobsWatch func()
	cancel        context.CancelFunc
}

// Options lets the front door substitute external collaborators. Nil fields
// fall back to the TESTING stubs.
type Options struct {
	Shop  webshop.Client
	Email notify.EmailSender
	SMS   notify.SMSSender
}

// New builds the full component graph from config. Nothing is started yet.
func New(cfg *config.Config, opts Options) (*App, error) {
	store, err := buildStore(cfg)
	if err != nil {
		return nil, err
	}

	backend, err := buildAuditBackend(cfg)
	if err != nil {
		store.Close()
		return nil, err
	}
	auditor := audit.New(backend, cfg.Audit.BufferSize)

	shop := opts.Shop
	if shop == nil {
		shop = webshop.NewStubClient()
	}
	var email notify.EmailSender = opts.Email
	var sms notify.SMSSender = opts.SMS
	if email == nil || sms == nil {
		stub := notify.NewStubSender()
		if email == nil {
			email = stub
		}
		if sms == nil {
			sms = stub
		}
	}

	eventBus := bus.New(bus.DefaultCapacity)

	limits := map[ratelimit.Scope]ratelimit.Limit{
		ratelimit.ScopeIP: {
			Max:    cfg.RateLimit.IPMax,
			Window: time.Duration(cfg.RateLimit.IPWindowSecs) * time.Second,
		},
		ratelimit.ScopeUser: {
			Max:    cfg.RateLimit.UserMax,
			Window: time.Duration(cfg.RateLimit.UserWindowSec) * time.Second,
		},
	}

	sessions := session.NewStore(store)
	limiter := ratelimit.New(store, limits)
	responses := respcache.New(store)
	registry := agents.NewDefaultRegistry()

	rt := router.New(sessions, limiter, intent.New(), responses, registry, store, shop, auditor,
		router.Options{HandlerTimeout: time.Duration(cfg.Router.HandlerTimeoutSeconds) * time.Second})

	resolver := conflict.NewResolver(cfg.Conflict.HistoryEntries)
	monitor := conflict.NewMonitor(resolver, eventBus, cfg.Conflict.AlertThreshold)

	cartCfg := cart.Settings{
		Timeout:       time.Duration(cfg.Cart.TimeoutMinutes) * time.Minute,
		MinValue:      cfg.Cart.MinValue,
		EmailDelay:    time.Duration(cfg.Cart.EmailDelayMinutes) * time.Minute,
		SMSDelay:      time.Duration(cfg.Cart.SMSDelayHours) * time.Hour,
		RetentionDays: cfg.Cart.RetentionDays,
	}
	coordinator := cart.New(cartCfg, shop, store, email, sms, eventBus)

	sched := scheduler.New(store, eventBus, cfg.Scheduler.HistoryEntries)
	scheduler.NewSyncExecutors(shop, store, eventBus).RegisterAll(sched)
	sched.RegisterExecutor(scheduler.KindAbandonedCartDetect, coordinator.Detect)
	sched.RegisterExecutor(scheduler.KindCleanup, coordinator.Cleanup)

	a := &App{
		cfg:       cfg,
		Store:     store,
		Sessions:  sessions,
		Limiter:   limiter,
		Responses: responses,
		Registry:  registry,
		Router:    rt,
		Bus:       eventBus,
		Scheduler: sched,
		Monitor:   monitor,
		Cart:      coordinator,
		Auditor:   auditor,
		Shop:      shop,
	}

	if err := a.registerDefaultJobs(); err != nil {
		a.Auditor.Close()
		store.Close()
		return nil, err
	}
	return a, nil
}

func buildStore(cfg *config.Config) (cache.Store, error) {
	if cfg.Testing {
		L_info("app: TESTING mode, using in-memory cache")
		return cache.NewMemoryStore(), nil
	}
	pool, err := cache.NewPool(cache.PoolConfig{
		URL:                 cfg.Redis.URL,
		MaxConnections:      cfg.Redis.MaxConnections,
		HealthCheckInterval: time.Duration(cfg.Redis.HealthCheckSeconds) * time.Second,
		RetryOnTimeout:      cfg.Redis.RetryOnTimeout,
		CompressionMinBytes: cfg.Redis.CompressionMinBytes,
	})
	if err != nil {
		return nil, fmt.Errorf("cache pool: %w", err)
	}
	return pool, nil
}

func buildAuditBackend(cfg *config.Config) (audit.Backend, error) {
	switch cfg.Audit.Backend {
	case "sqlite":
		return audit.NewSQLiteBackend(cfg.Audit.SQLitePath)
	case "", "log":
		return audit.LogBackend{}, nil
	default:
		return nil, fmt.Errorf("unknown audit backend: %s", cfg.Audit.Backend)
	}
}

// registerDefaultJobs installs the standard sync and marketing jobs, then
// applies the optional jobs file on top.
func (a *App) registerDefaultJobs() error {
	defaults := []scheduler.Job{
		{ID: "product-sync", Kind: scheduler.KindProductSync, Interval: 15 * time.Minute,
			Enabled: true, RetryCount: 2, RetryDelay: 30 * time.Second, MaxExecutionTime: 5 * time.Minute},
		{ID: "inventory-sync", Kind: scheduler.KindInventorySync, Interval: 5 * time.Minute,
			Enabled: true, RetryCount: 2, RetryDelay: 15 * time.Second, MaxExecutionTime: 2 * time.Minute},
		{ID: "price-sync", Kind: scheduler.KindPriceSync, Interval: 10 * time.Minute,
			Enabled: true, RetryCount: 2, RetryDelay: 15 * time.Second, MaxExecutionTime: 2 * time.Minute},
		{ID: "order-sync", Kind: scheduler.KindOrderSync, Interval: 5 * time.Minute,
			Enabled: true, RetryCount: 2, RetryDelay: 15 * time.Second, MaxExecutionTime: 2 * time.Minute},
		{ID: "full-sync", Kind: scheduler.KindFullSync, CronExpr: "0 3 * * *",
			Enabled: true, MaxExecutionTime: 30 * time.Minute},
		{ID: "cart-detect", Kind: scheduler.KindAbandonedCartDetect, Interval: 15 * time.Minute,
			Enabled: true, RetryCount: 1, RetryDelay: time.Minute, MaxExecutionTime: 5 * time.Minute},
		{ID: "cleanup", Kind: scheduler.KindCleanup, CronExpr: "30 4 * * *",
			Enabled: true, MaxExecutionTime: 10 * time.Minute},
	}
	for _, job := range defaults {
		if err := a.Scheduler.Register(job); err != nil {
			return err
		}
	}

	if path := a.cfg.Scheduler.JobsFile; path != "" {
		jobs, err := scheduler.LoadJobsFile(path)
		if err != nil {
			return err
		}
		for _, job := range jobs {
			if err := a.Scheduler.Register(job); err != nil {
				return err
			}
		}
	}
	return nil
}

// Start brings up the bus, the scheduler and the jobs file watcher.
func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.Bus.Start()
	a.Scheduler.Start(runCtx)

	if path := a.cfg.Scheduler.JobsFile; path != "" {
		stop, err := scheduler.WatchJobsFile(path, func(jobs []scheduler.Job) {
			for _, job := range jobs {
				if err := a.Scheduler.Register(job); err != nil {
					L_warn("app: jobs file job rejected", "id", job.ID, "error", err)
				}
			}
		})
		if err != nil {
			return err
		}
		a.stopJobsWatch = stop
	}

	L_info("app: started")
	return nil
}

// Stop shuts components down in dependency order. In-flight turns get the
// configured grace period before the cache closes under them.
func (a *App) Stop() {
	SetShuttingDown()

	if a.stopJobsWatch != nil {
		a.stopJobsWatch()
	}
	a.Scheduler.Stop()
	a.Cart.Close()
	a.Bus.Stop()
	if a.cancel != nil {
		a.cancel()
	}

	grace := time.Duration(a.cfg.Router.ShutdownGraceSeconds) * time.Second
	if grace > 0 {
		time.Sleep(grace)
	}

	if err := a.Auditor.Close(); err != nil {
		L_warn("app: audit close failed", "error", err)
	}
	if err := a.Store.Close(); err != nil {
		L_warn("app: cache close failed", "error", err)
	}
	L_info("app: stopped")
}

// Status is a point-in-time health and metrics snapshot.
type Status struct {
	CacheHealthy  bool                 `json:"cache_healthy"`
	CacheMetrics  cache.MetricsSnapshot `json:"cache_metrics"`
	ConflictStats conflict.Stats       `json:"conflict_stats"`
	DroppedEvents uint64               `json:"dropped_events"`
	DroppedAudits int64                `json:"dropped_audits"`
	RecentRuns    []scheduler.JobRun   `json:"recent_runs"`
}

// GetStatus assembles the snapshot the admin surface exposes.
func (a *App) GetStatus() Status {
	return Status{
		CacheHealthy:  a.Store.Healthy(),
		CacheMetrics:  a.Store.Metrics(),
		ConflictStats: a.Monitor.Stats(),
		DroppedEvents: a.Bus.Dropped(),
		DroppedAudits: a.Auditor.Dropped(),
		RecentRuns:    a.Scheduler.History(20),
	}
}
