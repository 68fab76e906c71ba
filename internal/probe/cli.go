package probe

import (
	"context"
	"errors"
	"os/exec"

	"speedlog/pkg/speedtest"
)

// CLITool shells out to the Ookla speedtest binary.
type CLITool struct {
	Path      string
	ServerID  string
	ExtraArgs []string
}

func (t *CLITool) Args(ifaceID string) []string {
	args := make([]string, 0, 3+len(t.ExtraArgs))
	if t.ServerID != "" {
		args = append(args, "--server-id="+t.ServerID)
	}
	if ifaceID != speedtest.AllInterfaces {
		args = append(args, "--interface="+ifaceID)
	}
	args = append(args, t.ExtraArgs...)
	return append(args, "--format=json")
}

func (t *CLITool) Exec(ctx context.Context, ifaceID string) (Execution, error) {
	cmd := exec.CommandContext(ctx, t.Path, t.Args(ifaceID)...)
	out, err := cmd.CombinedOutput()
	if err == nil {
		return Execution{Output: out}, nil
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return Execution{ExitCode: ee.ExitCode(), Output: out}, nil
	}
	return Execution{ExitCode: -1, Output: out}, err
}
