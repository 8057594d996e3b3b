package config

import (
	"hash/fnv"
	"reflect"
	"sort"
	"strings"

	logx "autopost/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections and safe
// structured attrs for logging. Secrets are reported only as *_set flags.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(newCfg.Storage.BusyTimeout)),
		)
	}

	// Queue (never log the redis password)
	oq, nq := oldCfg.Queue, newCfg.Queue
	if oq.Driver != nq.Driver || oq.RedisAddr != nq.RedisAddr || oq.RedisDB != nq.RedisDB ||
		oq.RedisPrefix != nq.RedisPrefix || oq.RedisPassword != nq.RedisPassword {
		changed = append(changed, "queue")
		attrs = append(attrs,
			logx.String("queue.driver", strings.TrimSpace(nq.Driver)),
			logx.String("queue.redis_addr", strings.TrimSpace(nq.RedisAddr)),
			logx.Bool("queue.redis_password_set", nq.RedisPassword != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Dispatcher, newCfg.Dispatcher) {
		d := newCfg.Dispatcher
		changed = append(changed, "dispatcher")
		attrs = append(attrs,
			logx.Int("dispatcher.workers", d.Workers),
			logx.Int("dispatcher.max_attempts", d.MaxAttempts),
			logx.String("dispatcher.retry_base", d.RetryBase),
			logx.Any("dispatcher.rate_per_sec", d.RatePerSec),
			logx.Int("dispatcher.burst", d.Burst),
			logx.String("dispatcher.lease", d.Lease),
			logx.String("dispatcher.poll_interval", d.PollInterval),
		)
	}

	if !reflect.DeepEqual(oldCfg.Poller, newCfg.Poller) || oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "poller")
		attrs = append(attrs,
			logx.Bool("poller.enabled", newCfg.Poller.Enabled == nil || *newCfg.Poller.Enabled),
			logx.String("poller.schedule", newCfg.Poller.Schedule),
			logx.String("poller.grace", newCfg.Poller.Grace),
			logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
		)
	}

	if oldCfg.Platform != newCfg.Platform {
		changed = append(changed, "platform")
		attrs = append(attrs,
			logx.String("platform.base_url", newCfg.Platform.BaseURL),
			logx.String("platform.timeout", newCfg.Platform.Timeout),
		)
	}

	// HTTP (never log secrets)
	oh, nh := oldCfg.HTTP, newCfg.HTTP
	if oh != nh {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", nh.Enabled),
			logx.String("http.addr", strings.TrimSpace(nh.Addr)),
			logx.Bool("http.jwt_secret_set", nh.JWTSecret != ""),
			logx.Bool("http.admin_token_set", nh.AdminToken != ""),
			logx.Bool("http.pprof", nh.Pprof),
			logx.Bool("http.allow_insecure", nh.AllowInsecure),
		)
	}

	// Telegram (never log token)
	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot != nt {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_set", nt.Token != ""),
			logx.Int64("telegram.chat_id", nt.ChatID),
			logx.Int("telegram.thread_id", nt.ThreadID),
		)
	}

	var oldN, newN NotifierConfig
	if oldCfg.Notifier != nil {
		oldN = *oldCfg.Notifier
	}
	if newCfg.Notifier != nil {
		newN = *newCfg.Notifier
	}
	if oldN != newN {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", newN.Enabled),
			logx.Int("notifier.rate_per_sec", newN.RatePerSec),
			logx.String("notifier.dedup_window", newN.DedupWindow),
			logx.Bool("notifier.persist_dedup", newN.PersistDedup),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func hashBytes(b []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
