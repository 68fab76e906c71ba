package collector

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"

	"speedlog/internal/config"
	"speedlog/internal/probe"
	"speedlog/internal/storage"
	logx "speedlog/pkg/logx"
	"speedlog/pkg/speedtest"
)

// Instruments receives timing and error signals from the loop.
// metrics.Collector implements it.
type Instruments interface {
	ObserveAttempt(iface speedtest.Iface, outcome string)
	ObserveProbeDuration(iface speedtest.Iface, d time.Duration)
	ObserveTick(d time.Duration)
	StoreAppendFailed()
}

type nopInstruments struct{}

func (nopInstruments) ObserveAttempt(speedtest.Iface, string)              {}
func (nopInstruments) ObserveProbeDuration(speedtest.Iface, time.Duration) {}
func (nopInstruments) ObserveTick(time.Duration)                           {}
func (nopInstruments) StoreAppendFailed()                                  {}

// Service is the long-running collector: a cron entry firing every tick,
// the latest settings snapshot, the open store and the probe runner.
type Service struct {
	log         logx.Logger
	clock       clockwork.Clock
	sched       *Scheduler
	instruments Instruments
	openStore   func(config.Storage) (storage.Store, error)
	newTool     func(config.Collector) (probe.Tool, error)
	sdNotify    func(state string)

	current atomic.Pointer[config.Settings]
	retick  chan struct{}
	tickMu  sync.Mutex
	wg      sync.WaitGroup

	// guarded by tickMu
	applied *config.Settings
	store   storage.Store
	prober  Prober
}

type ServiceOption func(*Service)

func WithInstruments(i Instruments) ServiceOption {
	return func(s *Service) {
		if i != nil {
			s.instruments = i
		}
	}
}

func WithStoreOpener(fn func(config.Storage) (storage.Store, error)) ServiceOption {
	return func(s *Service) { s.openStore = fn }
}

func WithToolFactory(fn func(config.Collector) (probe.Tool, error)) ServiceOption {
	return func(s *Service) { s.newTool = fn }
}

func WithServiceClock(c clockwork.Clock) ServiceOption {
	return func(s *Service) { s.clock = c }
}

// WithSystemdNotify replaces the sd_notify sender, mostly for tests.
func WithSystemdNotify(fn func(state string)) ServiceOption {
	return func(s *Service) { s.sdNotify = fn }
}

func NewService(initial config.Settings, log logx.Logger, sched *Scheduler, opts ...ServiceOption) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:         log.With(logx.String("comp", "collector")),
		clock:       clockwork.NewRealClock(),
		sched:       sched,
		instruments: nopInstruments{},
		newTool:     func(c config.Collector) (probe.Tool, error) { return probe.NewTool(c) },
		retick:      make(chan struct{}, 1),
	}
	s.openStore = func(c config.Storage) (storage.Store, error) {
		return storage.Open(storage.Config{Driver: c.Driver, Path: c.Path}, log)
	}
	s.sdNotify = func(state string) { _, _ = daemon.SdNotify(false, state) }
	for _, o := range opts {
		o(s)
	}
	if s.sched == nil {
		s.sched = NewScheduler(WithClock(s.clock), WithLogger(log))
	}
	s.current.Store(&initial)
	return s
}

// Validate rejects settings whose probe engine cannot be built. It is meant
// as the config manager's reload validator.
func (s *Service) Validate(_ context.Context, set config.Settings) error {
	_, err := s.newTool(set.Collector)
	return err
}

// Apply makes set the snapshot for the next tick. An in-flight tick keeps
// the snapshot it started with.
func (s *Service) Apply(set config.Settings) {
	prev := s.current.Swap(&set)
	if prev == nil || prev.Collector.Tick != set.Collector.Tick {
		select {
		case s.retick <- struct{}{}:
		default:
		}
	}
}

// Run ticks until ctx is done or a storage error occurs. Shutdown waits for
// the in-flight tick; probes are not interrupted.
func (s *Service) Run(ctx context.Context) error {
	s.tickMu.Lock()
	err := s.prepare(*s.current.Load())
	s.tickMu.Unlock()
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	job := cron.FuncJob(func() {
		s.wg.Add(1)
		defer s.wg.Done()
		if err := s.runTick(ctx); err != nil {
			select {
			case errCh <- err:
			default:
			}
		}
	})

	cl := cronLogger{log: s.log}
	c := cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))
	tick := s.current.Load().Collector.Tick
	id := c.Schedule(cron.Every(tick), job)
	s.sdNotify(daemon.SdNotifyReady)
	c.Start()
	first := c.Entry(id).WrappedJob
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		first.Run()
	}()
	s.log.Info("collector started", logx.Duration("tick", tick))

	for {
		select {
		case <-ctx.Done():
			return s.shutdown(c, nil)
		case err := <-errCh:
			s.log.Error("collector stopping on storage error", logx.Err(err))
			return s.shutdown(c, err)
		case <-s.retick:
			next := s.current.Load().Collector.Tick
			if next == tick {
				continue
			}
			c.Remove(id)
			id = c.Schedule(cron.Every(next), job)
			s.log.Info("tick changed", logx.Duration("from", tick), logx.Duration("to", next))
			tick = next
		}
	}
}

func (s *Service) shutdown(c *cron.Cron, cause error) error {
	s.sdNotify(daemon.SdNotifyStopping)
	<-c.Stop().Done()
	s.wg.Wait()

	s.tickMu.Lock()
	defer s.tickMu.Unlock()
	if s.store != nil {
		if err := s.store.Close(); err != nil && cause == nil {
			cause = err
		}
		s.store = nil
	}
	s.log.Info("collector stopped")
	return cause
}

func (s *Service) runTick(ctx context.Context) error {
	if ctx.Err() != nil {
		return nil
	}
	if !s.tickMu.TryLock() {
		s.log.Debug("previous tick still running; skipping")
		return nil
	}
	defer s.tickMu.Unlock()

	set := *s.current.Load()
	if err := s.prepare(set); err != nil {
		return err
	}
	start := s.clock.Now()
	// Probes run to completion even when shutdown has begun.
	err := s.sched.Tick(context.WithoutCancel(ctx), set.Collector, s.prober, s.store)
	s.instruments.ObserveTick(s.clock.Since(start))
	if err != nil {
		s.instruments.StoreAppendFailed()
		return err
	}
	s.sdNotify(daemon.SdNotifyWatchdog)
	return nil
}

// prepare (re)opens the store and rebuilds the prober when the relevant
// settings changed since the last tick. Caller holds tickMu.
func (s *Service) prepare(set config.Settings) error {
	prev := s.applied
	if prev == nil || prev.Storage != set.Storage {
		st, err := s.openStore(set.Storage)
		if err != nil {
			return fmt.Errorf("open store %s:%s: %w", set.Storage.Driver, set.Storage.Path, err)
		}
		if s.store != nil {
			_ = s.store.Close()
			s.log.Info("store reopened", logx.String("driver", set.Storage.Driver), logx.String("path", set.Storage.Path))
		}
		s.store = st
	}
	if prev == nil || !sameProbe(prev.Collector, set.Collector) {
		p, err := s.buildProber(set.Collector)
		switch {
		case err == nil:
			s.prober = p
		case s.prober == nil:
			return err
		default:
			s.log.Error("probe settings unusable; keeping previous engine", logx.Err(err))
		}
	}
	s.applied = &set
	return nil
}

func (s *Service) buildProber(c config.Collector) (Prober, error) {
	tool, err := s.newTool(c)
	if err != nil {
		return nil, err
	}
	r := probe.NewRunner(tool, probe.Options{
		MaxAttempts:  c.MaxAttempts,
		AttemptDelay: c.AttemptDelay,
		DumpDir:      c.DumpDir,
		Clock:        s.clock,
		Log:          s.log,
		OnAttempt:    s.instruments.ObserveAttempt,
	})
	return timedProber{next: r, clock: s.clock, observe: s.instruments.ObserveProbeDuration}, nil
}

func sameProbe(a, b config.Collector) bool {
	return a.Engine == b.Engine &&
		a.SpeedtestPath == b.SpeedtestPath &&
		a.ServerID == b.ServerID &&
		reflect.DeepEqual(a.ExtraArgs, b.ExtraArgs) &&
		a.MaxAttempts == b.MaxAttempts &&
		a.AttemptDelay == b.AttemptDelay &&
		a.DumpDir == b.DumpDir
}

type timedProber struct {
	next    Prober
	clock   clockwork.Clock
	observe func(speedtest.Iface, time.Duration)
}

func (t timedProber) Run(ctx context.Context, iface speedtest.Iface) speedtest.Record {
	start := t.clock.Now()
	rec := t.next.Run(ctx, iface)
	t.observe(iface, t.clock.Since(start))
	return rec
}

// cronLogger routes robfig/cron's logr-style calls into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
