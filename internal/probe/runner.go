package probe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	logx "speedlog/pkg/logx"
	"speedlog/pkg/speedtest"
)

// Attempt outcomes reported to Options.OnAttempt.
const (
	OutcomeSuccess     = "success"
	OutcomeRateLimited = speedtest.KindRateLimited
	OutcomeExitStatus  = speedtest.KindExitStatus
	OutcomeMalformed   = speedtest.KindMalformedOutput
	OutcomeLaunch      = speedtest.KindLaunch
)

const maxMessage = 512

type Options struct {
	MaxAttempts int
	// AttemptDelay is the minimum spacing between attempts of one run.
	AttemptDelay time.Duration
	// DumpDir receives <nickname>.out with the raw output of the latest run.
	// Empty disables dumps.
	DumpDir   string
	Clock     clockwork.Clock
	Log       logx.Logger
	OnAttempt func(iface speedtest.Iface, outcome string)
}

// Runner executes up to MaxAttempts tool invocations per Run.
type Runner struct {
	tool Tool
	opt  Options
	log  logx.Logger
}

func NewRunner(tool Tool, opt Options) *Runner {
	if opt.MaxAttempts < 1 {
		opt.MaxAttempts = 1
	}
	if opt.Clock == nil {
		opt.Clock = clockwork.NewRealClock()
	}
	log := opt.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Runner{tool: tool, opt: opt, log: log.With(logx.String("comp", "probe"))}
}

// Run never fails: launch errors, bad exits and unparseable output all come
// back as failure records. A rate-limit exit ends the run at once.
func (r *Runner) Run(ctx context.Context, iface speedtest.Iface) speedtest.Record {
	log := r.log.With(logx.Iface(iface.ID, iface.Label()))
	dump := newDump(r.opt.DumpDir, iface.Label(), log)

	var lim *rate.Limiter
	if r.opt.AttemptDelay > 0 {
		lim = rate.NewLimiter(rate.Every(r.opt.AttemptDelay), 1)
	}

	lastStatus := 1
	lastMsg := "no attempts made"
	for attempt := 1; attempt <= r.opt.MaxAttempts; attempt++ {
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				lastMsg = err.Error()
				break
			}
		}

		ex, err := r.tool.Exec(ctx, iface.ID)
		dump.add(attempt, ex, err)
		if err != nil {
			r.observe(iface, OutcomeLaunch)
			log.Error("speedtest could not be launched", logx.Int("attempt", attempt), logx.Err(err))
			return speedtest.NewFailure(r.opt.Clock.Now(), iface, launchStatus(ex.ExitCode), speedtest.KindLaunch, err.Error())
		}

		switch ex.ExitCode {
		case 0:
			m, perr := parseMeasurement(ex.Output)
			if perr == nil {
				r.observe(iface, OutcomeSuccess)
				log.Info("speedtest succeeded",
					logx.Int("attempt", attempt),
					logx.Float64("download_mbps", speedtest.Mbps(m.Download.Bandwidth)),
					logx.Float64("upload_mbps", speedtest.Mbps(m.Upload.Bandwidth)),
				)
				return speedtest.NewSuccess(r.opt.Clock.Now(), iface, m)
			}
			r.observe(iface, OutcomeMalformed)
			lastStatus, lastMsg = 1, perr.Error()
			log.Warn("speedtest output unparseable", logx.Int("attempt", attempt), logx.Err(perr))

		case speedtest.StatusRateLimited:
			r.observe(iface, OutcomeRateLimited)
			msg := summarize(ex.Output)
			log.Warn("speedtest rate limited; not retrying", logx.Int("attempt", attempt), logx.String("output", msg))
			return speedtest.NewFailure(r.opt.Clock.Now(), iface, speedtest.StatusRateLimited, speedtest.KindRateLimited, msg)

		default:
			r.observe(iface, OutcomeExitStatus)
			lastStatus = launchStatus(ex.ExitCode)
			lastMsg = fmt.Sprintf("exit status %d: %s", ex.ExitCode, summarize(ex.Output))
			log.Warn("speedtest failed",
				logx.Int("attempt", attempt),
				logx.Int("max_attempts", r.opt.MaxAttempts),
				logx.Int("status", ex.ExitCode),
				logx.String("output", summarize(ex.Output)),
			)
		}
	}

	log.Error("speedtest attempts exhausted", logx.Int("max_attempts", r.opt.MaxAttempts), logx.String("last", lastMsg))
	return speedtest.NewFailure(r.opt.Clock.Now(), iface, lastStatus, speedtest.KindExhausted, lastMsg)
}

func (r *Runner) observe(iface speedtest.Iface, outcome string) {
	if r.opt.OnAttempt != nil {
		r.opt.OnAttempt(iface, outcome)
	}
}

// launchStatus keeps failure records distinguishable from success and from
// the rate-limit status when the tool reported no usable exit code.
func launchStatus(code int) int {
	if code == 0 || code == speedtest.StatusRateLimited {
		return 1
	}
	return code
}

// parseMeasurement decodes the last non-empty line. The CLI sometimes prints
// progress or log objects on earlier lines.
func parseMeasurement(out []byte) (*speedtest.Measurement, error) {
	line := lastLine(out)
	if line == nil {
		return nil, fmt.Errorf("empty output")
	}
	var m speedtest.Measurement
	if err := json.Unmarshal(line, &m); err != nil {
		return nil, fmt.Errorf("decode result line: %w", err)
	}
	return &m, nil
}

func lastLine(out []byte) []byte {
	lines := bytes.Split(out, []byte{'\n'})
	for i := len(lines) - 1; i >= 0; i-- {
		if l := bytes.TrimSpace(lines[i]); len(l) > 0 {
			return l
		}
	}
	return nil
}

func summarize(out []byte) string {
	s := string(lastLine(out))
	if len(s) > maxMessage {
		n := maxMessage
		for n > 0 && !utf8.RuneStart(s[n]) {
			n--
		}
		s = s[:n] + "..."
	}
	return s
}

// dump accumulates the raw output of one run and rewrites the dump file
// after every attempt.
type dump struct {
	path string
	log  logx.Logger
	buf  bytes.Buffer
}

func newDump(dir, label string, log logx.Logger) *dump {
	if strings.TrimSpace(dir) == "" {
		return nil
	}
	name := strings.NewReplacer("/", "_", `\`, "_", "..", "_").Replace(label)
	return &dump{path: filepath.Join(dir, name+".out"), log: log}
}

func (d *dump) add(attempt int, ex Execution, err error) {
	if d == nil {
		return
	}
	fmt.Fprintf(&d.buf, "### attempt %d exit=%d\n", attempt, ex.ExitCode)
	if err != nil {
		fmt.Fprintf(&d.buf, "launch error: %v\n", err)
	}
	d.buf.Write(ex.Output)
	if n := len(ex.Output); n > 0 && ex.Output[n-1] != '\n' {
		d.buf.WriteByte('\n')
	}
	if err := os.MkdirAll(filepath.Dir(d.path), 0o755); err != nil {
		d.log.Warn("dump dir", logx.Err(err))
		return
	}
	if err := os.WriteFile(d.path, d.buf.Bytes(), 0o644); err != nil {
		d.log.Warn("dump write failed", logx.String("path", d.path), logx.Err(err))
	}
}
