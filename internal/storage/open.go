package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	logx "speedlog/pkg/logx"
)

// Open returns the driver selected by cfg.Driver.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required")
	}
	cfg.Path = path

	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))
	switch driver {
	case "json", "file", "":
		return openJSON(cfg, log)
	case "binlog", "bin":
		return openBinlog(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
}

func ensureDir(path string) error {
	return os.MkdirAll(filepath.Dir(path), 0o755)
}
