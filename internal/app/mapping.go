package app

import (
	"time"

	"taskmill/internal/config"
	"taskmill/internal/observability/pprof"
	"taskmill/internal/scheduler"
	"taskmill/internal/storage"
	logx "taskmill/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Chat: logx.ChatConfig{
			Enabled:    cfg.Logging.Chat.Enabled,
			ChatID:     cfg.Logging.Chat.ChatID,
			ThreadID:   cfg.Logging.Chat.ThreadID,
			MinLevel:   cfg.Logging.Chat.MinLevel,
			RatePerSec: cfg.Logging.Chat.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 0)
	if err != nil {
		return storage.Config{}, err
	}
	path := cfg.Storage.Path
	if path == "" {
		path = "./taskmill_store.json"
	}
	return storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        path,
		BusyTimeout: busy,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	sc := cfg.Scheduler
	timeout, err := config.ParseDurationOrDefault("scheduler.default_task_timeout", sc.DefaultTaskTimeout, 30*time.Minute)
	if err != nil {
		return scheduler.Config{}, err
	}
	poll, err := config.ParseDurationOrDefault("scheduler.poll_interval", sc.PollInterval, 2*time.Second)
	if err != nil {
		return scheduler.Config{}, err
	}
	drain, err := config.ParseDurationOrDefault("scheduler.drain_interval", sc.DrainInterval, 30*time.Second)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Enabled:            sc.Enabled,
		MaxConcurrentRuns:  sc.MaxConcurrentRuns,
		DefaultTaskTimeout: timeout,
		PollInterval:       poll,
		HistorySize:        sc.HistorySize,
		DrainInterval:      drain,
		DrainBatchSize:     sc.DrainBatchSize,
		DeliveryRatePerSec: sc.DeliveryRatePerSec,
		Timezone:           sc.Timezone,
	}, nil
}

func mapPprofConfig(cfg *config.Config) pprof.Config {
	return pprof.Config{
		Enabled:       cfg.Pprof.Enabled,
		Addr:          cfg.Pprof.Addr,
		Token:         cfg.Pprof.Token,
		AllowInsecure: cfg.Pprof.AllowInsecure,
	}
}
