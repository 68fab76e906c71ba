package config

import (
	"reflect"
	"strings"

	logx "speedlog/pkg/logx"
)

// SummarizeConfigChange lists the top-level sections that differ and returns
// log fields describing the new values. Secrets are reported only as set/unset.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 6)
	fields := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Collector, newCfg.Collector) {
		c := newCfg.Collector
		changed = append(changed, "collector")
		fields = append(fields,
			logx.String("collector.engine", c.Engine),
			logx.String("collector.test_interval", c.TestInterval),
			logx.String("collector.retry_interval", c.RetryInterval),
			logx.String("collector.tick", c.Tick),
			logx.Int("collector.max_attempts", c.MaxAttempts),
			logx.Int("collector.interfaces", len(c.Interfaces)),
		)
	}
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		fields = append(fields,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.String("storage.path", newCfg.Storage.Path),
		)
	}
	if !reflect.DeepEqual(oldCfg.Dashboard, newCfg.Dashboard) {
		changed = append(changed, "dashboard")
		fields = append(fields,
			logx.Bool("dashboard.keep_consecutive_failures", newCfg.Dashboard.KeepConsecutiveFailures),
			logx.Int("dashboard.smoothing_window", newCfg.Dashboard.SmoothingWindow),
			logx.Int("dashboard.views", len(newCfg.Dashboard.Views)),
		)
	}
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		fields = append(fields,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram", newCfg.Logging.Telegram.Enabled),
		)
	}
	if oldCfg.Notify != newCfg.Notify {
		t := newCfg.Notify.Telegram
		changed = append(changed, "notify")
		fields = append(fields,
			logx.Bool("notify.telegram", t.Enabled),
			logx.Bool("notify.token_set", strings.TrimSpace(t.Token) != ""),
			logx.Int64("notify.chat_id", t.ChatID),
		)
	}
	if oldCfg.Metrics != newCfg.Metrics {
		changed = append(changed, "metrics")
		fields = append(fields,
			logx.Bool("metrics.enabled", newCfg.Metrics.Enabled),
			logx.String("metrics.addr", newCfg.Metrics.Addr),
			logx.Bool("metrics.pprof", newCfg.Metrics.Pprof),
		)
	}
	return changed, fields
}
