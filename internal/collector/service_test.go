package collector

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"speedlog/internal/config"
	"speedlog/internal/probe"
	"speedlog/internal/storage"
	logx "speedlog/pkg/logx"
	"speedlog/pkg/speedtest"
)

type memStore struct {
	mu        sync.Mutex
	recs      []speedtest.Record
	appendErr error
	closed    bool
	appended  chan struct{}
}

func newMemStore() *memStore { return &memStore{appended: make(chan struct{}, 16)} }

func (m *memStore) Append(_ context.Context, r speedtest.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return m.appendErr
	}
	m.recs = append(m.recs, r)
	select {
	case m.appended <- struct{}{}:
	default:
	}
	return nil
}

func (m *memStore) Load(context.Context) ([]speedtest.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]speedtest.Record(nil), m.recs...), nil
}

func (m *memStore) Order() storage.Order { return storage.Chronological }

func (m *memStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

type okTool struct{}

func (okTool) Exec(context.Context, string) (probe.Execution, error) {
	return probe.Execution{Output: []byte(`{"download":{"bandwidth":1000000},"upload":{"bandwidth":500000}}`)}, nil
}

func serviceSettings() config.Settings {
	c := collectorSettings(eth)
	c.Tick = time.Second
	c.TestInterval = time.Hour
	c.RetryInterval = time.Hour
	return config.Settings{Collector: c, Storage: config.Storage{Driver: "mem", Path: "x"}}
}

func newTestService(st *memStore, states *[]string) *Service {
	var mu sync.Mutex
	sched := NewScheduler(WithChecker(StaticChecker{"eth1"}))
	return NewService(serviceSettings(), logx.Nop(), sched,
		WithStoreOpener(func(config.Storage) (storage.Store, error) { return st, nil }),
		WithToolFactory(func(config.Collector) (probe.Tool, error) { return okTool{}, nil }),
		WithSystemdNotify(func(state string) {
			mu.Lock()
			*states = append(*states, state)
			mu.Unlock()
		}),
	)
}

func TestServiceProbesAndStops(t *testing.T) {
	st := newMemStore()
	var states []string
	svc := newTestService(st, &states)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	select {
	case <-st.appended:
	case <-time.After(5 * time.Second):
		t.Fatalf("no record appended")
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("service did not stop")
	}
	if !st.closed {
		t.Fatalf("store not closed")
	}
	recs, _ := st.Load(context.Background())
	if len(recs) != 1 || !recs[0].Success() {
		t.Fatalf("records=%+v", recs)
	}
	if len(states) < 2 || states[0] != "READY=1" || states[len(states)-1] != "STOPPING=1" {
		t.Fatalf("sd_notify states=%v", states)
	}
}

func TestServiceFailsOnAppendError(t *testing.T) {
	st := newMemStore()
	st.appendErr = errors.New("read-only file system")
	var states []string
	svc := newTestService(st, &states)

	done := make(chan error, 1)
	go func() { done <- svc.Run(context.Background()) }()
	select {
	case err := <-done:
		if !errors.Is(err, st.appendErr) {
			t.Fatalf("err=%v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("service kept running after storage error")
	}
}

func TestServiceOpenStoreError(t *testing.T) {
	boom := errors.New("permission denied")
	svc := NewService(serviceSettings(), logx.Nop(), nil,
		WithStoreOpener(func(config.Storage) (storage.Store, error) { return nil, boom }),
		WithToolFactory(func(config.Collector) (probe.Tool, error) { return okTool{}, nil }),
		WithSystemdNotify(func(string) {}),
	)
	if err := svc.Run(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("err=%v", err)
	}
}

func TestServiceReopensStoreOnChange(t *testing.T) {
	a, b := newMemStore(), newMemStore()
	opened := map[string]*memStore{"a": a, "b": b}
	svc := NewService(serviceSettings(), logx.Nop(), NewScheduler(WithChecker(StaticChecker{"eth1"})),
		WithStoreOpener(func(c config.Storage) (storage.Store, error) { return opened[c.Path], nil }),
		WithToolFactory(func(config.Collector) (probe.Tool, error) { return okTool{}, nil }),
		WithSystemdNotify(func(string) {}),
	)
	set := serviceSettings()
	set.Storage.Path = "a"
	if err := svc.prepare(set); err != nil {
		t.Fatalf("prepare a: %v", err)
	}
	set.Storage.Path = "b"
	if err := svc.prepare(set); err != nil {
		t.Fatalf("prepare b: %v", err)
	}
	if !a.closed || b.closed || svc.store != b {
		t.Fatalf("store not swapped: a.closed=%v b.closed=%v", a.closed, b.closed)
	}
}

func TestServiceValidate(t *testing.T) {
	bad := errors.New("missing binary")
	svc := NewService(serviceSettings(), logx.Nop(), nil,
		WithToolFactory(func(config.Collector) (probe.Tool, error) { return nil, bad }),
	)
	if err := svc.Validate(context.Background(), serviceSettings()); !errors.Is(err, bad) {
		t.Fatalf("err=%v", err)
	}
}

func TestServiceTickChangeBeforeFirstTick(t *testing.T) {
	st := newMemStore()
	var svc *Service
	svc = NewService(serviceSettings(), logx.Nop(), NewScheduler(WithChecker(StaticChecker{"eth1"})),
		WithStoreOpener(func(config.Storage) (storage.Store, error) { return st, nil }),
		WithToolFactory(func(config.Collector) (probe.Tool, error) { return okTool{}, nil }),
		WithSystemdNotify(func(state string) {
			if state != "READY=1" {
				return
			}
			// The schedule entry is replaced while the first tick is still pending.
			set := serviceSettings()
			set.Collector.Tick = 2 * time.Second
			svc.Apply(set)
		}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	select {
	case <-st.appended:
	case <-time.After(5 * time.Second):
		t.Fatalf("first tick did not run")
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("service did not stop")
	}
}
