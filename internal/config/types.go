package config

// Config is the on-disk configuration (YAML or JSON).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Secrets (jwt_secret, admin_token, telegram.token, queue.redis_password)
// are never logged.
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Storage    StorageConfig    `json:"storage"`
	Queue      QueueConfig      `json:"queue"`
	Dispatcher DispatcherConfig `json:"dispatcher"`
	Poller     PollerConfig     `json:"poller"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	Platform   PlatformConfig   `json:"platform"`
	HTTP       HTTPConfig       `json:"http"`
	Telegram   TelegramConfig   `json:"telegram"`

	// Notifier may be omitted; alerts are then off.
	Notifier *NotifierConfig `json:"notifier,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the item store.
//
// Example:
//
//	storage: { driver: sqlite, path: ./data/autopost.db }
type StorageConfig struct {
	Driver      string `json:"driver"` // sqlite (default) | memory
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// QueueConfig selects the durable dispatch queue.
type QueueConfig struct {
	Driver        string `json:"driver"` // sqlite (default, shares storage) | redis | memory
	RedisAddr     string `json:"redis_addr,omitempty"`
	RedisPassword string `json:"redis_password,omitempty"`
	RedisDB       int    `json:"redis_db,omitempty"`
	RedisPrefix   string `json:"redis_prefix,omitempty"`
}

// DispatcherConfig controls the timer-driven publish path.
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - queue_size: 256
//   - max_attempts: 3
//   - retry_base: "2s", retry_max_delay: "30s"
//   - attempt_timeout: "60s"
//   - rate_per_sec: 0 (unlimited), burst: 1
//   - lease: "10m", poll_interval: "30s", claim_batch: 32
//   - redelivery_base: "5s", redelivery_max: "5m"
type DispatcherConfig struct {
	Workers        int     `json:"workers,omitempty"`
	QueueSize      int     `json:"queue_size,omitempty"`
	HistorySize    int     `json:"history_size,omitempty"`
	MaxAttempts    int     `json:"max_attempts,omitempty"`
	RetryBase      string  `json:"retry_base,omitempty"`
	RetryMaxDelay  string  `json:"retry_max_delay,omitempty"`
	AttemptTimeout string  `json:"attempt_timeout,omitempty"`
	RatePerSec     float64 `json:"rate_per_sec,omitempty"`
	Burst          int     `json:"burst,omitempty"`
	Lease          string  `json:"lease,omitempty"`
	PollInterval   string  `json:"poll_interval,omitempty"`
	ClaimBatch     int     `json:"claim_batch,omitempty"`
	RedeliveryBase string  `json:"redelivery_base,omitempty"`
	RedeliveryMax  string  `json:"redelivery_max,omitempty"`
}

// PollerConfig controls the fallback sweep.
type PollerConfig struct {
	// Enabled is a pointer so an omitted section still runs the sweep.
	Enabled   *bool  `json:"enabled,omitempty"`
	Schedule  string `json:"schedule,omitempty"` // default "@every 1m"
	Timeout   string `json:"timeout,omitempty"`
	BatchSize int    `json:"batch_size,omitempty"`
	Grace     string `json:"grace,omitempty"`
}

// SchedulerConfig controls trigger behavior for periodic jobs.
type SchedulerConfig struct {
	Timezone string `json:"timezone,omitempty"`
}

// PlatformConfig points the adapter at the social platform API.
type PlatformConfig struct {
	BaseURL            string `json:"base_url,omitempty"`
	IdentityPath       string `json:"identity_path,omitempty"`
	RegisterUploadPath string `json:"register_upload_path,omitempty"`
	PostsPath          string `json:"posts_path,omitempty"`
	URNScheme          string `json:"urn_scheme,omitempty"`
	Timeout            string `json:"timeout,omitempty"`
}

// HTTPConfig controls the API server.
//
// Security note:
//   - Prefer binding to localhost behind a reverse proxy.
//   - pprof on a non-loopback address also needs allow_insecure.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default: "127.0.0.1:8080"
	JWTSecret     string `json:"jwt_secret"`
	AdminToken    string `json:"admin_token,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

type TelegramConfig struct {
	Token    string `json:"token,omitempty"`
	APIURL   string `json:"api_url,omitempty"`
	ChatID   int64  `json:"chat_id,omitempty"`
	ThreadID int    `json:"thread_id,omitempty"`
}

// NotifierConfig controls operator alerts for failed items.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers,omitempty"`
	QueueSize       int    `json:"queue_size,omitempty"`
	RatePerSec      int    `json:"rate_per_sec,omitempty"`
	RetryMax        int    `json:"retry_max,omitempty"`
	RetryBase       string `json:"retry_base,omitempty"`
	RetryMaxDelay   string `json:"retry_max_delay,omitempty"`
	DedupWindow     string `json:"dedup_window,omitempty"`
	DedupMaxEntries int    `json:"dedup_max_entries,omitempty"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`
}
