package config

// Config is the full on-disk configuration. JSON or YAML; unknown fields are
// rejected so typos surface at load time instead of silently defaulting.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging  LoggingConfig   `json:"logging"`
	Storage  StorageConfig   `json:"storage"`
	Cache    CacheConfig     `json:"cache,omitempty"`
	Session  SessionConfig   `json:"session,omitempty"`
	Dispatch DispatchConfig  `json:"dispatch,omitempty"`
	Queue    WorkQueueConfig `json:"work_queue,omitempty"`
	Sweeper  SweeperConfig   `json:"sweeper,omitempty"`
	Telegram TelegramConfig  `json:"telegram"`
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

// StorageConfig selects the durable store.
//
// Driver values: "sqlite" (default) or "memory".
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
	OpTimeout   string `json:"op_timeout,omitempty"`
}

type CacheConfig struct {
	DefaultTTL      string `json:"default_ttl,omitempty"`      // default "5m"
	JanitorInterval string `json:"janitor_interval,omitempty"` // default "1m"
}

// SessionConfig tunes lifecycle and reconnection.
//
// Defaults (when fields are omitted/zero):
//   - reconnect_base: "1s"
//   - reconnect_max: "30s"
//   - reconnect_attempts: 5
//   - op_timeout: "10s"
type SessionConfig struct {
	ReconnectBase     string `json:"reconnect_base,omitempty"`
	ReconnectMax      string `json:"reconnect_max,omitempty"`
	ReconnectAttempts int    `json:"reconnect_attempts,omitempty"`
	OpTimeout         string `json:"op_timeout,omitempty"`
}

// DispatchConfig tunes outbound sending.
//
// Defaults: pace "1s", send_timeout "30s", rate_per_sec 10, burst 5,
// retention_days 90.
type DispatchConfig struct {
	Pace          string  `json:"pace,omitempty"`
	SendTimeout   string  `json:"send_timeout,omitempty"`
	RatePerSec    float64 `json:"rate_per_sec,omitempty"`
	Burst         int     `json:"burst,omitempty"`
	RetentionDays int     `json:"retention_days,omitempty"`
}

// WorkQueueConfig controls the fire-and-forget job queue.
//
// Enabled is a pointer so "omitted" (default true) is distinguishable from an
// explicit false.
type WorkQueueConfig struct {
	Enabled   *bool `json:"enabled,omitempty"`
	Workers   int   `json:"workers,omitempty"`    // default 2
	QueueSize int   `json:"queue_size,omitempty"` // default 256
}

type SweeperConfig struct {
	Enabled       bool   `json:"enabled"`
	IdleTimeout   string `json:"idle_timeout,omitempty"`   // default "30m"
	SweepEvery    string `json:"sweep_every,omitempty"`    // default "5m"
	RetentionCron string `json:"retention_cron,omitempty"` // default "0 3 * * *"
	Timezone      string `json:"timezone,omitempty"`
}

type TelegramConfig struct {
	Token       string `json:"token"`
	PollTimeout string `json:"poll_timeout,omitempty"` // default "10s"
}
