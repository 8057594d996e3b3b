package app

import (
	"fmt"
	"strings"
	"time"

	"autopost/internal/config"
	"autopost/internal/dispatch"
	"autopost/internal/dispatch/queue"
	"autopost/internal/httpapi"
	"autopost/internal/notifier"
	"autopost/internal/platform"
	"autopost/internal/poller"
	"autopost/internal/storage"
	"autopost/internal/task/engine"
	"autopost/internal/task/scheduler"
	telegram "autopost/internal/transport/telegram/adapter"
	logx "autopost/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" {
		driver = "sqlite"
	}
	if driver == "memory" {
		return storage.Config{Driver: driver}, nil
	}
	path := strings.TrimSpace(sc.Path)
	if path == "" {
		path = "./data/autopost.db"
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
}

func mapQueueConfig(cfg *config.Config) queue.Config {
	q := cfg.Queue
	driver := strings.ToLower(strings.TrimSpace(q.Driver))
	if driver == "" {
		driver = "sqlite"
		if strings.EqualFold(strings.TrimSpace(cfg.Storage.Driver), "memory") {
			driver = "memory"
		}
	}
	return queue.Config{
		Driver:        driver,
		RedisAddr:     q.RedisAddr,
		RedisPassword: q.RedisPassword,
		RedisDB:       q.RedisDB,
		RedisPrefix:   q.RedisPrefix,
	}
}

// mapEngineConfig sizes the worker pool the dispatcher submits to. The sweep
// shares the pool through the scheduler.
func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	d := cfg.Dispatcher
	workers := d.Workers
	if workers <= 0 {
		workers = 2
	}
	queueSize := d.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	history := d.HistorySize
	if history <= 0 {
		history = 200
	}
	attempts := d.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	timeout, err := config.ParseDurationOrDefault("dispatcher.attempt_timeout", d.AttemptTimeout, 60*time.Second)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Workers:        workers,
		QueueSize:      queueSize,
		DefaultTimeout: timeout,
		HistorySize:    history,
		MaxAttempts:    attempts,
	}, nil
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	d := cfg.Dispatcher
	var out dispatch.Config
	out.MaxAttempts = d.MaxAttempts
	out.ClaimBatch = d.ClaimBatch

	durations := []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"dispatcher.retry_base", d.RetryBase, &out.RetryBase},
		{"dispatcher.retry_max_delay", d.RetryMaxDelay, &out.RetryMaxDelay},
		{"dispatcher.attempt_timeout", d.AttemptTimeout, &out.AttemptTimeout},
		{"dispatcher.poll_interval", d.PollInterval, &out.PollInterval},
		{"dispatcher.lease", d.Lease, &out.Lease},
		{"dispatcher.redelivery_base", d.RedeliveryBase, &out.RedeliveryBase},
		{"dispatcher.redelivery_max", d.RedeliveryMax, &out.RedeliveryMax},
	}
	for _, f := range durations {
		v, err := config.ParseDurationField(f.path, f.raw)
		if err != nil {
			return dispatch.Config{}, err
		}
		*f.dst = v
	}
	return out, nil
}

// mapRateLimit returns the platform call budget shared by both publish paths.
func mapRateLimit(cfg *config.Config) (float64, int) {
	burst := cfg.Dispatcher.Burst
	if burst <= 0 {
		burst = 1
	}
	return cfg.Dispatcher.RatePerSec, burst
}

func pollerEnabled(cfg *config.Config) bool {
	return cfg.Poller.Enabled == nil || *cfg.Poller.Enabled
}

func mapPollerConfig(cfg *config.Config) (poller.Config, error) {
	p := cfg.Poller
	if s := strings.TrimSpace(p.Schedule); s != "" {
		if _, err := scheduler.ParseSchedule(s); err != nil {
			return poller.Config{}, fmt.Errorf("poller.schedule: %w", err)
		}
	}
	timeout, err := config.ParseDurationField("poller.timeout", p.Timeout)
	if err != nil {
		return poller.Config{}, err
	}
	grace, err := config.ParseDurationField("poller.grace", p.Grace)
	if err != nil {
		return poller.Config{}, err
	}
	return poller.Config{
		Schedule:  strings.TrimSpace(p.Schedule),
		Timeout:   timeout,
		BatchSize: p.BatchSize,
		Grace:     grace,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	tz := strings.TrimSpace(cfg.Scheduler.Timezone)
	if tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return scheduler.Config{}, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	return scheduler.Config{Timezone: tz}, nil
}

func mapPlatformConfig(cfg *config.Config) (platform.Config, error) {
	p := cfg.Platform
	timeout, err := config.ParseDurationOrDefault("platform.timeout", p.Timeout, 30*time.Second)
	if err != nil {
		return platform.Config{}, err
	}
	return platform.Config{
		BaseURL:            strings.TrimRight(strings.TrimSpace(p.BaseURL), "/"),
		IdentityPath:       p.IdentityPath,
		RegisterUploadPath: p.RegisterUploadPath,
		PostsPath:          p.PostsPath,
		URNScheme:          p.URNScheme,
		Timeout:            timeout,
		UserAgent:          "autopost",
	}, nil
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, error) {
	h := cfg.HTTP
	out := httpapi.Config{
		Enabled:       h.Enabled,
		Addr:          strings.TrimSpace(h.Addr),
		JWTSecret:     h.JWTSecret,
		AdminToken:    strings.TrimSpace(h.AdminToken),
		Pprof:         h.Pprof,
		AllowInsecure: h.AllowInsecure,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("http.read_timeout", h.ReadTimeout, 10*time.Second); err != nil {
		return httpapi.Config{}, err
	}
	if out.WriteTimeout, err = config.ParseDurationOrDefault("http.write_timeout", h.WriteTimeout, 30*time.Second); err != nil {
		return httpapi.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("http.idle_timeout", h.IdleTimeout, 60*time.Second); err != nil {
		return httpapi.Config{}, err
	}
	return out, nil
}

func mapTelegramConfig(cfg *config.Config) telegram.Config {
	return telegram.Config{
		Token:  strings.TrimSpace(cfg.Telegram.Token),
		APIURL: strings.TrimSpace(cfg.Telegram.APIURL),
	}
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	n := cfg.Notifier
	if n == nil {
		return notifier.Config{}, nil
	}
	out := notifier.Config{
		Enabled:         n.Enabled,
		ChatID:          cfg.Telegram.ChatID,
		ThreadID:        cfg.Telegram.ThreadID,
		Workers:         n.Workers,
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		RetryMax:        n.RetryMax,
		DedupMaxEntries: n.DedupMaxEntries,
		PersistDedup:    n.PersistDedup,
	}
	var err error
	if out.RetryBase, err = config.ParseDurationField("notifier.retry_base", n.RetryBase); err != nil {
		return notifier.Config{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationField("notifier.retry_max_delay", n.RetryMaxDelay); err != nil {
		return notifier.Config{}, err
	}
	if out.DedupWindow, err = config.ParseDurationOrDefault("notifier.dedup_window", n.DedupWindow, 10*time.Minute); err != nil {
		return notifier.Config{}, err
	}
	if out.RetryMax == 0 {
		out.RetryMax = 3
	}
	return out, nil
}

// validate runs every mapping so a bad reload is rejected before commit.
func validate(cfg *config.Config) error {
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapEngineConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDispatchConfig(cfg); err != nil {
		return err
	}
	if _, err := mapPollerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapPlatformConfig(cfg); err != nil {
		return err
	}
	if _, err := mapHTTPConfig(cfg); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	return nil
}
