// Package probe runs one measurement for an interface and turns whatever
// happened into a speedtest.Record.
package probe

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"speedlog/internal/config"
	"speedlog/pkg/speedtest"
)

var ErrNotExecutable = errors.New("speedtest binary not executable")

// Execution is what one invocation of the measurement tool produced.
type Execution struct {
	ExitCode int
	// Output is combined stdout and stderr.
	Output []byte
}

// Tool runs a single measurement. A non-nil error means the tool could not
// be started at all; a non-zero ExitCode is a normal outcome.
type Tool interface {
	Exec(ctx context.Context, ifaceID string) (Execution, error)
}

// CheckExecutable resolves path (searching PATH for bare names) and verifies
// it is an executable regular file.
func CheckExecutable(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", fmt.Errorf("%w: empty path", ErrNotExecutable)
	}
	if !strings.ContainsRune(path, os.PathSeparator) {
		p, err := exec.LookPath(path)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrNotExecutable, err)
		}
		path = p
	}
	fi, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotExecutable, err)
	}
	if !fi.Mode().IsRegular() || fi.Mode().Perm()&0o111 == 0 {
		return "", fmt.Errorf("%w: %s (mode %s)", ErrNotExecutable, path, fi.Mode())
	}
	return path, nil
}

// NewTool builds the engine selected in c. The CLI engine requires an
// executable speedtest binary.
func NewTool(c config.Collector, opts ...speedtest.Option) (Tool, error) {
	switch c.Engine {
	case config.EngineNative:
		return &NativeTool{Config: speedtest.RunConfig{ServerID: c.ServerID, PostRunGC: true}, Options: opts}, nil
	case config.EngineCLI, "":
		path, err := CheckExecutable(c.SpeedtestPath)
		if err != nil {
			return nil, fmt.Errorf("collector.speedtest_path: %w", err)
		}
		return &CLITool{Path: path, ServerID: c.ServerID, ExtraArgs: c.ExtraArgs}, nil
	default:
		return nil, fmt.Errorf("collector.engine: unknown engine %q", c.Engine)
	}
}
