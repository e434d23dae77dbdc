// Package app wires configuration, logging, storage, transports, and
// the scheduled-task engine into one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"taskmill/internal/config"
	"taskmill/internal/delivery"
	"taskmill/internal/eventbus"
	"taskmill/internal/observability/pprof"
	"taskmill/internal/runtime/supervisor"
	"taskmill/internal/scheduler"
	"taskmill/internal/storage"
	"taskmill/internal/taskrt"
	kit "taskmill/internal/transport"
	"taskmill/internal/transport/telegram"
	"taskmill/internal/workspace"
	logx "taskmill/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter kit.Adapter
	sched   *scheduler.Service
	pprof   *pprof.Service

	cfgCh    chan *config.Config
	busCh    <-chan eventbus.Event
	busUnsub func()
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole(cfg.Logging.Level)

	// Telegram is optional; without it chat deliveries and the chat log
	// sink stay dark.
	var adapter kit.Adapter
	if cfg.Telegram != nil {
		timeout, err := config.ParseDurationOrDefault("telegram.timeout", cfg.Telegram.Timeout, 10*time.Second)
		if err != nil {
			return nil, err
		}
		ad, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token, Timeout: timeout}, bootLog.With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, err
		}
		adapter = ad
	}

	logs, log := logx.New(mapLoggingConfig(cfg), adapter)
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	storeCfg, err := mapStorageConfig(cfg)
	if err != nil {
		_ = logs.Close()
		return nil, err
	}
	store, err := storage.Open(storeCfg, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logs.Close()
		return nil, err
	}

	if cfg.TaskRuntime == nil {
		_ = logs.Close()
		return nil, errors.New("config: task_runtime is required")
	}
	rtTimeout, err := config.ParseDurationOrDefault("task_runtime.timeout", cfg.TaskRuntime.Timeout, 30*time.Second)
	if err != nil {
		_ = logs.Close()
		return nil, err
	}
	runtime, err := taskrt.New(taskrt.Config{
		BaseURL: cfg.TaskRuntime.BaseURL,
		Token:   cfg.TaskRuntime.Token,
		Timeout: rtTimeout,
	})
	if err != nil {
		_ = logs.Close()
		return nil, err
	}

	ws, err := workspace.New(workspace.Config{
		Root:       cfg.Workspaces.Root,
		ScopedRuns: cfg.Workspaces.ScopedRuns,
	})
	if err != nil {
		_ = logs.Close()
		return nil, err
	}

	router := delivery.NewRouter()
	if adapter != nil {
		router.Register("telegram", adapter)
	}

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		_ = logs.Close()
		return nil, err
	}

	bus := eventbus.New()
	sched := scheduler.New(schedCfg, store, scheduler.Deps{
		Runtime:    runtime,
		Workspaces: ws,
		Deliverer:  router,
	}, log, bus)

	a := &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logs,
		bus:     bus,
		store:   store,
		adapter: adapter,
		sched:   sched,
		pprof:   pprof.New(mapPprofConfig(cfg), log.With(logx.String("comp", "pprof"))),
	}
	cfgm.SetValidator(func(_ context.Context, c *config.Config) error {
		_, err := mapSchedulerConfig(c)
		return err
	})
	return a, nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))))

	if err := a.sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	a.pprof.Reconfigure(ctx, mapPprofConfig(a.cfgm.Get()))

	// Hot reload: watch the config file and fan applied configs out.
	a.cfgCh = a.cfgm.Subscribe(4)
	a.sup.GoRestart("config.watch", a.cfgm.Watch)
	a.sup.Go0("config.apply", func(c context.Context) {
		for {
			select {
			case <-c.Done():
				return
			case cfg, ok := <-a.cfgCh:
				if !ok {
					return
				}
				a.applyConfig(c, cfg)
			}
		}
	})

	// Mirror engine lifecycle events into the log at debug level.
	a.busCh, a.busUnsub = a.bus.Subscribe(64)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		for {
			select {
			case <-c.Done():
				return
			case ev, ok := <-a.busCh:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", ev.Type), logx.Any("data", ev.Data))
			}
		}
	})

	a.log.Info("started")
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	a.sched.Stop(ctx)
	a.pprof.Stop(ctx)
	if a.busUnsub != nil {
		a.busUnsub()
	}
	if a.cfgCh != nil {
		a.cfgm.Unsubscribe(a.cfgCh)
	}
	var err error
	if a.sup != nil {
		a.sup.Cancel()
		err = a.sup.Wait(ctx)
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	a.log.Info("stopped")
	_ = a.logs.Close()
	return err
}

// Scheduler exposes the engine for control surfaces (CLI, tests).
func (a *App) Scheduler() *scheduler.Service { return a.sched }

func (a *App) applyConfig(ctx context.Context, cfg *config.Config) {
	a.logs.Apply(mapLoggingConfig(cfg))

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		// Validator should have rejected this; keep running on the old config.
		a.log.Error("config apply failed", logx.Err(err))
		return
	}
	a.sched.Apply(schedCfg)
	a.pprof.Reconfigure(ctx, mapPprofConfig(cfg))
	a.log.Info("config applied")
}
