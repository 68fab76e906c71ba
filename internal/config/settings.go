package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"speedlog/pkg/logx"
	"speedlog/pkg/speedtest"
)

const (
	EngineCLI    = "cli"
	EngineNative = "native"

	BucketNone    = ""
	BucketHour    = "hour"
	BucketWeekday = "weekday"
)

const (
	defaultSpeedtestPath = "/usr/bin/speedtest"
	defaultTestInterval  = 20 * time.Minute
	defaultRetryInterval = 2 * time.Minute
	defaultTick          = 10 * time.Second
	defaultMaxAttempts   = 3
	defaultResultsPath   = "./results/results.json"
	defaultDumpDir       = "./results/dumps"
	defaultMetricsAddr   = "127.0.0.1:9469"
	defaultTelegramWait  = 10 * time.Second
)

var ErrInvalid = errors.New("invalid config")

// Settings is the immutable, validated snapshot handed to components.
// A new value is produced on every accepted reload; nothing mutates it.
type Settings struct {
	Collector Collector
	Storage   Storage
	Dashboard Dashboard
	Logging   logx.Config
	Notify    Telegram
	Metrics   Metrics
}

type Collector struct {
	Engine        string
	SpeedtestPath string
	ServerID      string
	ExtraArgs     []string
	TestInterval  time.Duration
	RetryInterval time.Duration
	Tick          time.Duration
	MaxAttempts   int
	AttemptDelay  time.Duration
	DumpDir       string
	// Interfaces is never empty: with nothing configured it holds the
	// single AllInterfaces pseudo-interface.
	Interfaces []speedtest.Iface
}

type Storage struct {
	Driver string
	Path   string
}

type Dashboard struct {
	KeepConsecutiveFailures bool
	SmoothingWindow         int
	Location                *time.Location
	Views                   []View
}

type View struct {
	Name   string
	Window time.Duration // 0 = all history
	Bucket string
}

type Telegram struct {
	Enabled  bool
	Token    string
	ChatID   int64
	ThreadID int
	Timeout  time.Duration
}

type Metrics struct {
	Enabled bool
	Addr    string
	Pprof   bool
}

// View returns the named view.
func (d Dashboard) View(name string) (View, bool) {
	for _, v := range d.Views {
		if v.Name == name {
			return v, true
		}
	}
	return View{}, false
}

func invalid(path, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrInvalid, path, fmt.Sprintf(format, args...))
}

// Resolve validates cfg and fills in defaults.
func Resolve(cfg *Config) (Settings, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	var s Settings
	var err error
	if s.Collector, err = resolveCollector(cfg.Collector); err != nil {
		return Settings{}, err
	}
	if s.Storage, err = resolveStorage(cfg.Storage); err != nil {
		return Settings{}, err
	}
	if s.Dashboard, err = resolveDashboard(cfg.Dashboard); err != nil {
		return Settings{}, err
	}
	if s.Notify, err = resolveTelegram(cfg.Notify.Telegram); err != nil {
		return Settings{}, err
	}
	s.Logging = logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ChatID:     s.Notify.ChatID,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
	if s.Logging.Telegram.ThreadID == 0 {
		s.Logging.Telegram.ThreadID = s.Notify.ThreadID
	}
	if s.Logging.Telegram.Enabled && strings.TrimSpace(s.Notify.Token) == "" {
		return Settings{}, invalid("logging.telegram.enabled", "requires notify.telegram.token")
	}
	s.Metrics = Metrics{Enabled: cfg.Metrics.Enabled, Addr: strings.TrimSpace(cfg.Metrics.Addr), Pprof: cfg.Metrics.Pprof}
	if s.Metrics.Addr == "" {
		s.Metrics.Addr = defaultMetricsAddr
	}
	return s, nil
}

func resolveCollector(c CollectorConfig) (Collector, error) {
	out := Collector{
		Engine:        strings.ToLower(strings.TrimSpace(c.Engine)),
		SpeedtestPath: strings.TrimSpace(c.SpeedtestPath),
		ServerID:      strings.TrimSpace(c.ServerID),
		ExtraArgs:     append([]string(nil), c.ExtraArgs...),
		MaxAttempts:   c.MaxAttempts,
		DumpDir:       strings.TrimSpace(c.DumpDir),
	}
	switch out.Engine {
	case "":
		out.Engine = EngineCLI
	case EngineCLI, EngineNative:
	default:
		return Collector{}, invalid("collector.engine", "unknown engine %q", c.Engine)
	}
	if out.SpeedtestPath == "" {
		out.SpeedtestPath = defaultSpeedtestPath
	}
	if out.DumpDir == "" {
		out.DumpDir = defaultDumpDir
	}
	switch {
	case out.MaxAttempts == 0:
		out.MaxAttempts = defaultMaxAttempts
	case out.MaxAttempts < 1:
		return Collector{}, invalid("collector.max_attempts", "must be >= 1, got %d", c.MaxAttempts)
	}

	var err error
	if out.Tick, err = ParseDurationOrDefault("collector.tick", c.Tick, defaultTick); err != nil {
		return Collector{}, err
	}
	if out.TestInterval, err = ParseDurationOrDefault("collector.test_interval", c.TestInterval, defaultTestInterval); err != nil {
		return Collector{}, err
	}
	if out.RetryInterval, err = ParseDurationOrDefault("collector.retry_interval", c.RetryInterval, defaultRetryInterval); err != nil {
		return Collector{}, err
	}
	if out.AttemptDelay, err = ParseDurationField("collector.attempt_delay", c.AttemptDelay); err != nil {
		return Collector{}, err
	}
	if out.TestInterval < out.Tick {
		return Collector{}, invalid("collector.test_interval", "%s is shorter than tick %s", out.TestInterval, out.Tick)
	}
	if out.RetryInterval < out.Tick {
		return Collector{}, invalid("collector.retry_interval", "%s is shorter than tick %s", out.RetryInterval, out.Tick)
	}

	seen := make(map[string]struct{}, len(c.Interfaces))
	for i, ic := range c.Interfaces {
		id := strings.TrimSpace(ic.ID)
		if id == "" {
			return Collector{}, invalid(fmt.Sprintf("collector.interfaces[%d].id", i), "must not be empty")
		}
		if _, dup := seen[id]; dup {
			return Collector{}, invalid(fmt.Sprintf("collector.interfaces[%d].id", i), "duplicate interface %q", id)
		}
		seen[id] = struct{}{}
		iface := speedtest.Iface{ID: id, Nickname: strings.TrimSpace(ic.Nickname)}
		iface.Nickname = iface.Label()
		out.Interfaces = append(out.Interfaces, iface)
	}
	if len(out.Interfaces) == 0 {
		out.Interfaces = []speedtest.Iface{{ID: speedtest.AllInterfaces, Nickname: speedtest.AllNickname}}
	}
	return out, nil
}

func resolveStorage(c StorageConfig) (Storage, error) {
	out := Storage{
		Driver: strings.ToLower(strings.TrimSpace(c.Driver)),
		Path:   strings.TrimSpace(c.Path),
	}
	if out.Path == "" {
		out.Path = defaultResultsPath
	}
	switch out.Driver {
	case "":
		out.Driver = "json"
	case "json", "file":
		out.Driver = "json"
	case "binlog", "bin":
		out.Driver = "binlog"
		// A .json results path names the sibling binary log.
		if strings.EqualFold(filepath.Ext(out.Path), ".json") {
			out.Path = strings.TrimSuffix(out.Path, filepath.Ext(out.Path)) + ".bin"
		}
	case "sqlite":
	default:
		return Storage{}, invalid("storage.driver", "unknown driver %q", c.Driver)
	}
	return out, nil
}

func resolveDashboard(c DashboardConfig) (Dashboard, error) {
	out := Dashboard{
		KeepConsecutiveFailures: c.KeepConsecutiveFailures,
		SmoothingWindow:         c.SmoothingWindow,
		Location:                time.Local,
	}
	switch {
	case out.SmoothingWindow == 0:
		out.SmoothingWindow = 1
	case out.SmoothingWindow < 1:
		return Dashboard{}, invalid("dashboard.smoothing_window", "must be >= 1, got %d", c.SmoothingWindow)
	}
	if tz := strings.TrimSpace(c.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return Dashboard{}, invalid("dashboard.timezone", "%v", err)
		}
		out.Location = loc
	}

	seen := make(map[string]struct{}, len(c.Views))
	for i, vc := range c.Views {
		path := fmt.Sprintf("dashboard.views[%d]", i)
		name := strings.TrimSpace(vc.Name)
		if name == "" {
			return Dashboard{}, invalid(path+".name", "must not be empty")
		}
		if _, dup := seen[name]; dup {
			return Dashboard{}, invalid(path+".name", "duplicate view %q", name)
		}
		seen[name] = struct{}{}
		if vc.WindowHours < 0 {
			return Dashboard{}, invalid(path+".window_hours", "must be >= 0")
		}
		bucket := strings.ToLower(strings.TrimSpace(vc.Bucket))
		switch bucket {
		case BucketNone, BucketHour, BucketWeekday:
		default:
			return Dashboard{}, invalid(path+".bucket", "unknown bucket %q", vc.Bucket)
		}
		out.Views = append(out.Views, View{
			Name:   name,
			Window: time.Duration(vc.WindowHours * float64(time.Hour)),
			Bucket: bucket,
		})
	}
	if len(out.Views) == 0 {
		out.Views = []View{{Name: "all"}}
	}
	return out, nil
}

func resolveTelegram(c TelegramConfig) (Telegram, error) {
	out := Telegram{
		Enabled:  c.Enabled,
		Token:    strings.TrimSpace(c.Token),
		ChatID:   c.ChatID,
		ThreadID: c.ThreadID,
	}
	var err error
	if out.Timeout, err = ParseDurationOrDefault("notify.telegram.timeout", c.Timeout, defaultTelegramWait); err != nil {
		return Telegram{}, err
	}
	if out.Enabled {
		if out.Token == "" {
			return Telegram{}, invalid("notify.telegram.token", "required when enabled")
		}
		if out.ChatID == 0 {
			return Telegram{}, invalid("notify.telegram.chat_id", "required when enabled")
		}
	}
	return out, nil
}
