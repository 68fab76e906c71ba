package probe

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/jonboulle/clockwork"

	"speedlog/internal/config"
	"speedlog/pkg/speedtest"
)

const okLine = `{"type":"result","download":{"bandwidth":12500000},"upload":{"bandwidth":2500000},"result":{"url":"https://example/r/1"}}`

type step struct {
	ex  Execution
	err error
}

type fakeTool struct {
	steps  []step
	calls  int
	ifaces []string
}

func (f *fakeTool) Exec(_ context.Context, ifaceID string) (Execution, error) {
	f.ifaces = append(f.ifaces, ifaceID)
	s := f.steps[min(f.calls, len(f.steps)-1)]
	f.calls++
	return s.ex, s.err
}

func newTestRunner(tool Tool, attempts int, dumpDir string) (*Runner, *[]string) {
	var outcomes []string
	r := NewRunner(tool, Options{
		MaxAttempts: attempts,
		DumpDir:     dumpDir,
		Clock:       clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)),
		OnAttempt:   func(_ speedtest.Iface, o string) { outcomes = append(outcomes, o) },
	})
	return r, &outcomes
}

var eth = speedtest.Iface{ID: "eth1", Nickname: "wired"}

func TestRunSuccessParsesLastLine(t *testing.T) {
	out := "{\"type\":\"log\",\"message\":\"noise\"}\n" + okLine + "\n\n"
	tool := &fakeTool{steps: []step{{ex: Execution{Output: []byte(out)}}}}
	r, _ := newTestRunner(tool, 3, "")
	rec := r.Run(context.Background(), eth)
	if !rec.Success() || rec.Output == nil {
		t.Fatalf("expected success, got %+v", rec)
	}
	if speedtest.Mbps(rec.Output.Download.Bandwidth) != 100 || rec.Output.URL() != "https://example/r/1" {
		t.Fatalf("wrong measurement: %+v", rec.Output)
	}
	if rec.Nickname != "wired" || rec.Interface != "eth1" {
		t.Fatalf("wrong identity: %+v", rec)
	}
	if err := rec.Validate(); err != nil {
		t.Fatalf("invalid record: %v", err)
	}
}

func TestRunRateLimitShortCircuits(t *testing.T) {
	tool := &fakeTool{steps: []step{{ex: Execution{ExitCode: speedtest.StatusRateLimited, Output: []byte("Too many requests")}}}}
	r, outcomes := newTestRunner(tool, 5, "")
	rec := r.Run(context.Background(), eth)
	if tool.calls != 1 {
		t.Fatalf("tool called %d times, want 1", tool.calls)
	}
	if !rec.RateLimited() || rec.Error == nil || rec.Error.Kind != speedtest.KindRateLimited {
		t.Fatalf("expected rate-limit record, got %+v", rec)
	}
	if len(*outcomes) != 1 || (*outcomes)[0] != OutcomeRateLimited {
		t.Fatalf("outcomes=%v", *outcomes)
	}
}

func TestRunRetriesThenSucceeds(t *testing.T) {
	tool := &fakeTool{steps: []step{
		{ex: Execution{ExitCode: 2, Output: []byte("network unreachable")}},
		{ex: Execution{Output: []byte("not json")}},
		{ex: Execution{Output: []byte(okLine)}},
	}}
	r, outcomes := newTestRunner(tool, 3, "")
	rec := r.Run(context.Background(), eth)
	if !rec.Success() || tool.calls != 3 {
		t.Fatalf("calls=%d rec=%+v", tool.calls, rec)
	}
	want := []string{OutcomeExitStatus, OutcomeMalformed, OutcomeSuccess}
	if strings.Join(*outcomes, ",") != strings.Join(want, ",") {
		t.Fatalf("outcomes=%v want %v", *outcomes, want)
	}
}

func TestRunExhausted(t *testing.T) {
	tool := &fakeTool{steps: []step{{ex: Execution{ExitCode: 2, Output: []byte("boom")}}}}
	r, _ := newTestRunner(tool, 3, "")
	rec := r.Run(context.Background(), eth)
	if tool.calls != 3 {
		t.Fatalf("calls=%d want 3", tool.calls)
	}
	if !rec.Failed() || rec.StatusCode != 2 || rec.Error.Kind != speedtest.KindExhausted {
		t.Fatalf("unexpected record %+v", rec)
	}
	if !strings.Contains(rec.Error.Message, "boom") {
		t.Fatalf("message %q lacks last output", rec.Error.Message)
	}
}

func TestRunLaunchFailureStopsImmediately(t *testing.T) {
	tool := &fakeTool{steps: []step{{ex: Execution{ExitCode: -1}, err: errors.New("exec: no such file")}}}
	r, _ := newTestRunner(tool, 4, "")
	rec := r.Run(context.Background(), eth)
	if tool.calls != 1 {
		t.Fatalf("calls=%d want 1", tool.calls)
	}
	if !rec.Failed() || rec.Error.Kind != speedtest.KindLaunch || rec.StatusCode == 0 {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestRunWritesDump(t *testing.T) {
	dir := t.TempDir()
	tool := &fakeTool{steps: []step{
		{ex: Execution{ExitCode: 2, Output: []byte("first")}},
		{ex: Execution{Output: []byte(okLine)}},
	}}
	r, _ := newTestRunner(tool, 2, dir)
	r.Run(context.Background(), eth)
	b, err := os.ReadFile(filepath.Join(dir, "wired.out"))
	if err != nil {
		t.Fatalf("read dump: %v", err)
	}
	if !strings.Contains(string(b), "first") || !strings.Contains(string(b), okLine) {
		t.Fatalf("dump missing attempts: %q", b)
	}

	// A second run replaces the previous dump.
	tool.steps = []step{{ex: Execution{Output: []byte(okLine)}}}
	tool.calls = 0
	r.Run(context.Background(), eth)
	b, _ = os.ReadFile(filepath.Join(dir, "wired.out"))
	if strings.Contains(string(b), "first") {
		t.Fatalf("dump not overwritten: %q", b)
	}
}

func TestCLIToolArgs(t *testing.T) {
	tool := &CLITool{Path: "/usr/bin/speedtest", ServerID: "1234", ExtraArgs: []string{"--accept-license"}}
	got := strings.Join(tool.Args("eth1"), " ")
	if got != "--server-id=1234 --interface=eth1 --accept-license --format=json" {
		t.Fatalf("args=%q", got)
	}
	tool = &CLITool{Path: "/usr/bin/speedtest"}
	if got := strings.Join(tool.Args(speedtest.AllInterfaces), " "); got != "--format=json" {
		t.Fatalf("args=%q", got)
	}
}

func TestCLIToolExitCodes(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "speedtest")
	body := "#!/bin/sh\necho \"$@\"\nexit 173\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	tool := &CLITool{Path: script}
	ex, err := tool.Exec(context.Background(), "eth0")
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if ex.ExitCode != speedtest.StatusRateLimited || !strings.Contains(string(ex.Output), "--interface=eth0") {
		t.Fatalf("unexpected execution %+v (%s)", ex, ex.Output)
	}

	_, err = (&CLITool{Path: filepath.Join(dir, "missing")}).Exec(context.Background(), "")
	if err == nil {
		t.Fatalf("missing binary should be a launch error")
	}
}

func TestCheckExecutable(t *testing.T) {
	dir := t.TempDir()
	plain := filepath.Join(dir, "plain")
	if err := os.WriteFile(plain, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	for _, p := range []string{plain, filepath.Join(dir, "missing"), dir} {
		if _, err := CheckExecutable(p); !errors.Is(err, ErrNotExecutable) {
			t.Fatalf("CheckExecutable(%s)=%v", p, err)
		}
	}
	if err := os.Chmod(plain, 0o755); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	if _, err := CheckExecutable(plain); err != nil {
		t.Fatalf("executable rejected: %v", err)
	}
	if _, err := NewTool(config.Collector{Engine: config.EngineCLI, SpeedtestPath: filepath.Join(dir, "missing")}); !errors.Is(err, ErrNotExecutable) {
		t.Fatalf("NewTool accepted missing binary: %v", err)
	}
}

func TestNativeToolReportsResolveError(t *testing.T) {
	tool := &NativeTool{SourceAddr: func(string) (string, error) { return "", errors.New("no such interface") }}
	ex, err := tool.Exec(context.Background(), "eth9")
	if err != nil || ex.ExitCode != 1 || !strings.Contains(string(ex.Output), "no such interface") {
		t.Fatalf("ex=%+v err=%v", ex, err)
	}
}

func TestSummarizeKeepsRunesWhole(t *testing.T) {
	out := []byte("starting\n" + strings.Repeat("€", 200) + "\n")
	got := summarize(out)
	if !utf8.ValidString(got) {
		t.Fatalf("invalid utf-8: %q", got)
	}
	if want := strings.Repeat("€", maxMessage/3) + "..."; got != want {
		t.Fatalf("summarize = %q, want %q", got, want)
	}
}
