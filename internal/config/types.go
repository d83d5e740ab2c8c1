package config

// Config is the on-disk configuration for castd.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// YAML and JSON are both accepted; YAML is coerced to JSON and decoded with
// DisallowUnknownFields so typos fail loudly.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Telegram  *TelegramConfig `json:"telegram,omitempty"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Retry     RetryConfig     `json:"retry"`
	Health    HealthConfig    `json:"health"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Metrics   MetricsConfig   `json:"metrics,omitempty"`
	Notify    *NotifyConfig   `json:"notify,omitempty"`
}

// NotifyConfig forwards engine alerts (skips, escalations, floods) to an
// admin destination over the same transport used for dispatch.
type NotifyConfig struct {
	Destination string  `json:"destination"`
	RatePerSec  float64 `json:"rate_per_sec,omitempty"` // default 1
	DedupWindow string  `json:"dedup_window,omitempty"` // default "5m"
}

type LoggingConfig struct {
	Level   string `json:"level,omitempty"`
	Console bool   `json:"console"`
	File    struct {
		Enabled bool   `json:"enabled"`
		Path    string `json:"path,omitempty"`
	} `json:"file,omitempty"`
}

// TelegramConfig configures the built-in Telegram transport.
// If the section is omitted, castd runs with a dry-run transport that only
// logs sends (useful for rehearsing schedules).
type TelegramConfig struct {
	Token       string `json:"token"`
	PollTimeout string `json:"poll_timeout,omitempty"`
}

// DispatchConfig controls the rate budget and the parallel sender.
//
// Defaults (when fields are omitted/zero):
//   - global_rate_per_sec: 25
//   - burst_ceiling: 20
//   - per_destination_per_minute: 20
//   - workers: 16
//   - acquire_timeout: "30s"
//   - flood_throttle_factor: 0.5
//   - flood_cooldown: "60s"
type DispatchConfig struct {
	GlobalRatePerSec        float64 `json:"global_rate_per_sec,omitempty"`
	BurstCeiling            int     `json:"burst_ceiling,omitempty"`
	PerDestinationPerMinute int     `json:"per_destination_per_minute,omitempty"`
	Workers                 int     `json:"workers,omitempty"`
	AcquireTimeout          string  `json:"acquire_timeout,omitempty"`
	FloodThrottleFactor     float64 `json:"flood_throttle_factor,omitempty"`
	FloodCooldown           string  `json:"flood_cooldown,omitempty"`
}

// RetryConfig controls the two-phase retry queue.
type RetryConfig struct {
	MaxAttempts int    `json:"max_attempts,omitempty"` // default 3
	BackoffBase string `json:"backoff_base,omitempty"` // default "2s"
	BackoffMax  string `json:"backoff_max,omitempty"`  // default "30s"
}

// HealthConfig controls destination health tracking.
type HealthConfig struct {
	SkipThreshold  int    `json:"skip_threshold,omitempty"`  // default 3
	AlertThreshold int    `json:"alert_threshold,omitempty"` // default 5
	SkipDuration   string `json:"skip_duration,omitempty"`   // default "5m"; "0s" = manual reinstate only
}

// SchedulerConfig controls the dispatch loop.
type SchedulerConfig struct {
	PollInterval  string `json:"poll_interval,omitempty"`  // default "5s"
	Lookahead     string `json:"lookahead,omitempty"`      // default "1s"; units due within it join the current tick
	BatchSize     int    `json:"batch_size,omitempty"`     // default 10 (batch mode)
	BatchInterval string `json:"batch_interval,omitempty"` // default "1m" (batch mode)
	CleanupAfter  string `json:"cleanup_after,omitempty"`  // default "30m"; "0s" disables

	Recurring []RecurringEntry `json:"recurring,omitempty"`
}

// RecurringEntry materializes a unit on a cron schedule (standard 5-field
// syntax). Each firing creates one immediately-due unit for the listed
// targets.
type RecurringEntry struct {
	Cron    string   `json:"cron"`
	Text    string   `json:"text"`
	Targets []string `json:"targets"`
}

// StorageConfig controls the SQLite store. If omitted, castd keeps all state
// in memory (lost on restart).
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// MetricsConfig controls the optional metrics/pprof listener.
//
// Prefer binding to localhost; the listener exposes pprof.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default "127.0.0.1:9091"
}
