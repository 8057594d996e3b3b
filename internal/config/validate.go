package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks values that cannot be fixed up by defaults. It does not
// touch the network or the filesystem.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	check := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	check("storage.busy_timeout", cfg.Storage.BusyTimeout)
	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "sqlite", "memory":
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unsupported %q", cfg.Storage.Driver))
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Queue.Driver)) {
	case "", "sqlite", "memory":
	case "redis":
		if strings.TrimSpace(cfg.Queue.RedisAddr) == "" {
			errs = append(errs, errors.New("queue.redis_addr: required for redis driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("queue.driver: unsupported %q", cfg.Queue.Driver))
	}

	d := cfg.Dispatcher
	for path, raw := range map[string]string{
		"dispatcher.retry_base":      d.RetryBase,
		"dispatcher.retry_max_delay": d.RetryMaxDelay,
		"dispatcher.attempt_timeout": d.AttemptTimeout,
		"dispatcher.lease":           d.Lease,
		"dispatcher.poll_interval":   d.PollInterval,
		"dispatcher.redelivery_base": d.RedeliveryBase,
		"dispatcher.redelivery_max":  d.RedeliveryMax,
	} {
		check(path, raw)
	}
	if d.MaxAttempts < 0 || d.Workers < 0 || d.QueueSize < 0 || d.ClaimBatch < 0 {
		errs = append(errs, errors.New("dispatcher: counts must be >= 0"))
	}
	if d.RatePerSec < 0 || d.Burst < 0 {
		errs = append(errs, errors.New("dispatcher: rate_per_sec and burst must be >= 0"))
	}

	check("poller.timeout", cfg.Poller.Timeout)
	check("poller.grace", cfg.Poller.Grace)
	check("platform.timeout", cfg.Platform.Timeout)
	check("http.read_timeout", cfg.HTTP.ReadTimeout)
	check("http.write_timeout", cfg.HTTP.WriteTimeout)
	check("http.idle_timeout", cfg.HTTP.IdleTimeout)
	if cfg.HTTP.Enabled && strings.TrimSpace(cfg.HTTP.JWTSecret) == "" {
		errs = append(errs, errors.New("http.jwt_secret: required when http is enabled"))
	}

	if n := cfg.Notifier; n != nil {
		check("notifier.retry_base", n.RetryBase)
		check("notifier.retry_max_delay", n.RetryMaxDelay)
		check("notifier.dedup_window", n.DedupWindow)
		if n.Enabled && (strings.TrimSpace(cfg.Telegram.Token) == "" || cfg.Telegram.ChatID == 0) {
			errs = append(errs, errors.New("notifier: telegram.token and telegram.chat_id are required when enabled"))
		}
	}
	return errors.Join(errs...)
}
