// Package app wires the orchestrator together: config, logging, storage,
// cache, event bus, work queue, session registry, dispatcher, and sweeper.
package app

import (
	"context"
	"sync"
	"time"

	"sessionhub/internal/cache"
	"sessionhub/internal/config"
	"sessionhub/internal/dispatch"
	"sessionhub/internal/eventbus"
	"sessionhub/internal/events"
	"sessionhub/internal/platform/telegram"
	"sessionhub/internal/session"
	"sessionhub/internal/storage"
	"sessionhub/internal/sweeper"
	"sessionhub/internal/workqueue"
	logx "sessionhub/pkg/logx"
)

type App struct {
	cfgPath string
	cfgm    *config.Manager

	log  logx.Logger
	logs *logx.Service

	store      storage.Store
	cache      *cache.Cache
	bus        eventbus.Bus
	queue      *workqueue.Service
	registry   *session.Registry
	dispatcher *dispatch.Dispatcher
	sweep      *sweeper.Service

	cancelWatch context.CancelFunc
	watchWG     sync.WaitGroup
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	a := &App{cfgPath: cfgPath, cfgm: cfgm, log: log, logs: logSvc}
	if err := a.build(cfg); err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config) error {
	busyTimeout, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return err
	}
	opTimeout, err := config.ParseDurationOrDefault("storage.op_timeout", cfg.Storage.OpTimeout, 10*time.Second)
	if err != nil {
		return err
	}
	store, err := storage.Open(storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
		OpTimeout:   opTimeout,
	}, a.log.With(logx.String("comp", "storage")))
	if err != nil {
		return err
	}
	a.store = store

	cacheTTL, err := config.ParseDurationOrDefault("cache.default_ttl", cfg.Cache.DefaultTTL, 5*time.Minute)
	if err != nil {
		return err
	}
	janitor, err := config.ParseDurationOrDefault("cache.janitor_interval", cfg.Cache.JanitorInterval, time.Minute)
	if err != nil {
		return err
	}
	a.cache = cache.New(cache.Config{
		DefaultTTL:      cacheTTL,
		JanitorInterval: janitor,
	}, a.log.With(logx.String("comp", "cache")))

	a.bus = eventbus.New()

	queueEnabled := true
	if cfg.Queue.Enabled != nil {
		queueEnabled = *cfg.Queue.Enabled
	}
	a.queue = workqueue.New(workqueue.Config{
		Enabled:   queueEnabled,
		Workers:   cfg.Queue.Workers,
		QueueSize: cfg.Queue.QueueSize,
	}, a.log.With(logx.String("comp", "workqueue")), a.bus)

	// Default handler: republish accepted jobs on the bus so an external
	// consumer (the AI response generator) can pick them up. Embedders
	// replace this via Queue().Register before Start.
	a.queue.Register(session.JobAIResponse, func(ctx context.Context, j workqueue.Job) error {
		p, _ := j.Payload.(events.JobPayload)
		a.bus.Publish(eventbus.Event{Type: events.JobAccepted, SessionID: p.SessionID, Data: p})
		return nil
	})

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return err
	}
	factory := telegram.Factory(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, a.log.With(logx.String("comp", "telegram")))

	reconnectBase, err := config.ParseDurationField("session.reconnect_base", cfg.Session.ReconnectBase)
	if err != nil {
		return err
	}
	reconnectMax, err := config.ParseDurationField("session.reconnect_max", cfg.Session.ReconnectMax)
	if err != nil {
		return err
	}
	sessionOpTimeout, err := config.ParseDurationField("session.op_timeout", cfg.Session.OpTimeout)
	if err != nil {
		return err
	}
	a.registry = session.NewRegistry(session.Config{
		ReconnectBase:     reconnectBase,
		ReconnectMax:      reconnectMax,
		ReconnectAttempts: cfg.Session.ReconnectAttempts,
		SnapshotTTL:       cacheTTL,
		OpTimeout:         sessionOpTimeout,
	}, store, a.cache, a.bus, a.queue, factory, a.log.With(logx.String("comp", "session")))

	pace, err := config.ParseDurationField("dispatch.pace", cfg.Dispatch.Pace)
	if err != nil {
		return err
	}
	sendTimeout, err := config.ParseDurationField("dispatch.send_timeout", cfg.Dispatch.SendTimeout)
	if err != nil {
		return err
	}
	a.dispatcher = dispatch.New(dispatch.Config{
		Pace:          pace,
		SendTimeout:   sendTimeout,
		RatePerSec:    cfg.Dispatch.RatePerSec,
		Burst:         cfg.Dispatch.Burst,
		SnapshotTTL:   cacheTTL,
		RetentionDays: cfg.Dispatch.RetentionDays,
	}, store, a.cache, a.bus, a.registry, a.log.With(logx.String("comp", "dispatch")))

	idleTimeout, err := config.ParseDurationField("sweeper.idle_timeout", cfg.Sweeper.IdleTimeout)
	if err != nil {
		return err
	}
	sweepEvery, err := config.ParseDurationField("sweeper.sweep_every", cfg.Sweeper.SweepEvery)
	if err != nil {
		return err
	}
	a.sweep = sweeper.New(sweeper.Config{
		Enabled:       cfg.Sweeper.Enabled,
		IdleTimeout:   idleTimeout,
		SweepEvery:    sweepEvery,
		RetentionCron: cfg.Sweeper.RetentionCron,
		RetentionDays: cfg.Dispatch.RetentionDays,
		Timezone:      cfg.Sweeper.Timezone,
	}, a.registry, a.dispatcher, a.log.With(logx.String("comp", "sweeper")))

	return nil
}

// Sessions exposes the session registry.
func (a *App) Sessions() *session.Registry { return a.registry }

// Dispatcher exposes the message dispatcher.
func (a *App) Dispatcher() *dispatch.Dispatcher { return a.dispatcher }

// Bus exposes the event bus for external subscribers.
func (a *App) Bus() eventbus.Bus { return a.bus }

// Queue exposes the work queue so the embedder can register job handlers
// (e.g. AI response generation) before Start.
func (a *App) Queue() *workqueue.Service { return a.queue }

func (a *App) Start(ctx context.Context) error {
	a.queue.Start(ctx)
	a.cache.Start(ctx)
	if err := a.sweep.Start(ctx); err != nil {
		return err
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	a.cancelWatch = cancel
	a.watchWG.Add(1)
	go func() {
		defer a.watchWG.Done()
		_ = a.cfgm.Watch(watchCtx)
	}()
	a.watchWG.Add(1)
	go func() {
		defer a.watchWG.Done()
		a.applyUpdates(watchCtx)
	}()

	a.log.Info("started", logx.String("config", a.cfgPath))
	return nil
}

// applyUpdates consumes config reloads. Only logging settings apply live;
// everything else needs a restart, which is logged so the operator knows.
func (a *App) applyUpdates(ctx context.Context) {
	ch := a.cfgm.Subscribe(1)
	defer a.cfgm.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-ch:
			if !ok || cfg == nil {
				return
			}
			a.logs.Apply(logx.Config{
				Level:   cfg.Logging.Level,
				Console: cfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: cfg.Logging.File.Enabled,
					Path:    cfg.Logging.File.Path,
				},
			})
			a.log.Info("config applied; non-logging changes take effect on restart")
		}
	}
}

func (a *App) Stop(ctx context.Context) error {
	if a.cancelWatch != nil {
		a.cancelWatch()
	}
	a.watchWG.Wait()

	a.sweep.Stop(ctx)
	a.registry.Close(ctx)
	a.queue.Stop(ctx)
	a.cache.Stop()

	err := a.store.Close()
	a.log.Info("stopped")
	_ = a.logs.Close()
	return err
}
