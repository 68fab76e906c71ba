package config

// Config is the on-disk shape (JSON or YAML). Durations are Go duration
// strings; Resolve turns the whole document into a typed Settings value.
type Config struct {
	Collector CollectorConfig `json:"collector"`
	Storage   StorageConfig   `json:"storage"`
	Dashboard DashboardConfig `json:"dashboard"`
	Logging   LoggingConfig   `json:"logging"`
	Notify    NotifyConfig    `json:"notify"`
	Metrics   MetricsConfig   `json:"metrics"`
}

type CollectorConfig struct {
	// Engine selects the probe implementation: "cli" (default) or "native".
	Engine        string            `json:"engine"`
	SpeedtestPath string            `json:"speedtest_path"`
	ServerID      string            `json:"server_id"`
	ExtraArgs     []string          `json:"extra_args"`
	TestInterval  string            `json:"test_interval"`
	RetryInterval string            `json:"retry_interval"`
	Tick          string            `json:"tick"`
	MaxAttempts   int               `json:"max_attempts"`
	AttemptDelay  string            `json:"attempt_delay"`
	DumpDir       string            `json:"dump_dir"`
	Interfaces    []InterfaceConfig `json:"interfaces"`
}

type InterfaceConfig struct {
	ID       string `json:"id"`
	Nickname string `json:"nickname"`
}

type StorageConfig struct {
	Driver string `json:"driver"` // json | binlog | sqlite
	Path   string `json:"path"`
}

type DashboardConfig struct {
	KeepConsecutiveFailures bool         `json:"keep_consecutive_failures"`
	SmoothingWindow         int          `json:"smoothing_window"`
	Timezone                string       `json:"timezone"`
	Views                   []ViewConfig `json:"views"`
}

type ViewConfig struct {
	Name        string  `json:"name"`
	WindowHours float64 `json:"window_hours"`
	// Bucket is "", "hour" or "weekday".
	Bucket string `json:"bucket"`
}

type LoggingConfig struct {
	Level    string                `json:"level"`
	Console  bool                  `json:"console"`
	File     LoggingFileConfig     `json:"file"`
	Telegram LoggingTelegramConfig `json:"telegram"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegramConfig forwards log events to the chat configured under
// notify.telegram.
type LoggingTelegramConfig struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `json:"telegram"`
}

type TelegramConfig struct {
	Enabled  bool   `json:"enabled"`
	Token    string `json:"token"`
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id"`
	Timeout  string `json:"timeout"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
	Pprof   bool   `json:"pprof"` // also serve /debug/pprof/ on addr
}
