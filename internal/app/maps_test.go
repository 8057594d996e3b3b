package app

import (
	"testing"
	"time"

	"autopost/internal/config"
)

func TestMapQueueFollowsMemoryStorage(t *testing.T) {
	cfg := &config.Config{}
	cfg.Storage.Driver = "memory"
	if got := mapQueueConfig(cfg).Driver; got != "memory" {
		t.Fatalf("queue driver = %q, want memory", got)
	}

	cfg.Storage.Driver = ""
	if got := mapQueueConfig(cfg).Driver; got != "sqlite" {
		t.Fatalf("queue driver = %q, want sqlite", got)
	}

	cfg.Queue.Driver = "Redis"
	if got := mapQueueConfig(cfg).Driver; got != "redis" {
		t.Fatalf("queue driver = %q, want redis", got)
	}
}

func TestMapEngineDefaults(t *testing.T) {
	ec, err := mapEngineConfig(&config.Config{})
	if err != nil {
		t.Fatalf("mapEngineConfig: %v", err)
	}
	if ec.Workers != 2 || ec.QueueSize != 256 || ec.MaxAttempts != 3 || ec.DefaultTimeout != time.Minute {
		t.Fatalf("unexpected defaults: %+v", ec)
	}
}

func TestMapDispatchParsesDurations(t *testing.T) {
	cfg := &config.Config{}
	cfg.Dispatcher.RetryBase = "250ms"
	cfg.Dispatcher.Lease = "2m"
	dc, err := mapDispatchConfig(cfg)
	if err != nil {
		t.Fatalf("mapDispatchConfig: %v", err)
	}
	if dc.RetryBase != 250*time.Millisecond || dc.Lease != 2*time.Minute {
		t.Fatalf("unexpected durations: %+v", dc)
	}

	cfg.Dispatcher.RedeliveryMax = "soon"
	if _, err := mapDispatchConfig(cfg); err == nil {
		t.Fatal("expected error for bad duration")
	}
}

func TestValidateRejectsBadReload(t *testing.T) {
	cases := map[string]func(*config.Config){
		"poller schedule": func(c *config.Config) { c.Poller.Schedule = "soonish" },
		"timezone":        func(c *config.Config) { c.Scheduler.Timezone = "Mars/Olympus" },
		"http timeout":    func(c *config.Config) { c.HTTP.ReadTimeout = "-1s" },
		"notifier window": func(c *config.Config) { c.Notifier = &config.NotifierConfig{DedupWindow: "x"} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := &config.Config{}
			mutate(cfg)
			if err := validate(cfg); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}

	if err := validate(&config.Config{}); err != nil {
		t.Fatalf("empty config should validate: %v", err)
	}
}

func TestPollerEnabledByDefault(t *testing.T) {
	cfg := &config.Config{}
	if !pollerEnabled(cfg) {
		t.Fatal("omitted poller section should be enabled")
	}
	off := false
	cfg.Poller.Enabled = &off
	if pollerEnabled(cfg) {
		t.Fatal("explicit false should disable the poller")
	}
}

func TestMapNotifierUsesTelegramTarget(t *testing.T) {
	cfg := &config.Config{Notifier: &config.NotifierConfig{Enabled: true}}
	cfg.Telegram.ChatID = -100123
	cfg.Telegram.ThreadID = 7
	nc, err := mapNotifierConfig(cfg)
	if err != nil {
		t.Fatalf("mapNotifierConfig: %v", err)
	}
	if nc.ChatID != -100123 || nc.ThreadID != 7 || nc.DedupWindow != 10*time.Minute || nc.RetryMax != 3 {
		t.Fatalf("unexpected notifier config: %+v", nc)
	}
}
