// Package collector decides, per interface, when the next probe is due and
// runs the long-lived collection loop.
package collector

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"speedlog/internal/config"
	logx "speedlog/pkg/logx"
	"speedlog/pkg/speedtest"
)

// Prober runs one probe sequence. *probe.Runner implements it.
type Prober interface {
	Run(ctx context.Context, iface speedtest.Iface) speedtest.Record
}

// Appender persists a record. storage.Store implements it.
type Appender interface {
	Append(ctx context.Context, rec speedtest.Record) error
}

// Observer sees every record after it was stored.
type Observer interface {
	Observe(rec speedtest.Record)
}

// AbsenceObserver is notified when a due interface is missing from the host.
type AbsenceObserver interface {
	InterfaceAbsent(iface speedtest.Iface)
}

type ifaceState struct {
	lastTestAt time.Time     // zero: never tested
	nextWait   time.Duration // zero: test on the next tick
}

// Scheduler owns the per-interface timing state. It is driven by a single
// loop and is not safe for concurrent Tick calls.
type Scheduler struct {
	clock     clockwork.Clock
	checker   InterfaceChecker
	log       logx.Logger
	observers []Observer

	states map[string]*ifaceState
}

type Option func(*Scheduler)

func WithClock(c clockwork.Clock) Option {
	return func(s *Scheduler) {
		if c != nil {
			s.clock = c
		}
	}
}

func WithChecker(c InterfaceChecker) Option {
	return func(s *Scheduler) {
		if c != nil {
			s.checker = c
		}
	}
}

func WithLogger(l logx.Logger) Option { return func(s *Scheduler) { s.log = l } }

func WithObserver(o Observer) Option {
	return func(s *Scheduler) {
		if o != nil {
			s.observers = append(s.observers, o)
		}
	}
}

func NewScheduler(opts ...Option) *Scheduler {
	s := &Scheduler{
		clock:   clockwork.NewRealClock(),
		checker: NetChecker{},
		states:  make(map[string]*ifaceState),
	}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	s.log = s.log.With(logx.String("comp", "scheduler"))
	return s
}

// Tick visits every configured interface once, in order. Only a storage
// failure is returned; probe outcomes are recorded as data.
func (s *Scheduler) Tick(ctx context.Context, c config.Collector, p Prober, out Appender) error {
	for _, iface := range c.Interfaces {
		if err := s.visit(ctx, c, iface, p, out); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) visit(ctx context.Context, c config.Collector, iface speedtest.Iface, p Prober, out Appender) error {
	log := s.log.With(logx.Iface(iface.ID, iface.Label()))
	st, ok := s.states[iface.ID]
	if !ok {
		st = &ifaceState{}
		s.states[iface.ID] = st
	}

	now := s.clock.Now()
	if elapsed := now.Sub(st.lastTestAt); !st.lastTestAt.IsZero() && elapsed < st.nextWait {
		log.Debug("not due", logx.Duration("remaining", st.nextWait-elapsed))
		return nil
	}

	if iface.ID != speedtest.AllInterfaces {
		present, available, err := s.checker.Exists(iface.ID)
		if err != nil {
			log.Warn("interface lookup failed; probing anyway", logx.Err(err))
		} else if !present {
			log.Error("interface not present; skipping probe",
				logx.Any("available", available),
				logx.Duration("retry_in", c.TestInterval),
			)
			s.setWait(log, st, now, c.TestInterval)
			for _, o := range s.observers {
				if ao, ok := o.(AbsenceObserver); ok {
					ao.InterfaceAbsent(iface)
				}
			}
			return nil
		}
	}

	log.Info("probing")
	rec := p.Run(ctx, iface)
	if err := out.Append(ctx, rec); err != nil {
		return fmt.Errorf("append record for %s: %w", iface.Label(), err)
	}

	wait := c.RetryInterval
	if rec.Success() || rec.RateLimited() {
		wait = c.TestInterval
	}
	s.setWait(log, st, now, wait)
	for _, o := range s.observers {
		o.Observe(rec)
	}
	return nil
}

func (s *Scheduler) setWait(log logx.Logger, st *ifaceState, now time.Time, wait time.Duration) {
	if st.nextWait != wait {
		log.Info("backoff changed", logx.Duration("from", st.nextWait), logx.Duration("to", wait))
	}
	st.lastTestAt = now
	st.nextWait = wait
}

// State reports the timing state of one interface.
func (s *Scheduler) State(id string) (lastTestAt time.Time, nextWait time.Duration, ok bool) {
	st, ok := s.states[id]
	if !ok {
		return time.Time{}, 0, false
	}
	return st.lastTestAt, st.nextWait, true
}
