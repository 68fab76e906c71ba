package speedtest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	st "github.com/showwin/speedtest-go/speedtest"
)

// RunConfig controls one in-process measurement.
type RunConfig struct {
	// ServerID pins the run to one server from the list.
	ServerID string
	// SourceIP binds test traffic to a local address (the monitored interface).
	SourceIP string

	// Candidates is how many of the nearest servers get a latency check.
	Candidates int
	// Attempts is how many of the fastest-answering servers are tried in turn
	// until one completes both transfer phases.
	Attempts int

	MaxConnections  int
	PingConcurrency int

	// PacketLoss adds a packet loss probe against the chosen server.
	PacketLoss        bool
	PacketLossTimeout time.Duration

	// PostRunGC runs a GC after each measurement.
	PostRunGC bool
}

func (c RunConfig) withDefaults() RunConfig {
	if c.Candidates <= 0 {
		c.Candidates = 5
	}
	if c.Attempts <= 0 {
		c.Attempts = 2
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = 4
	}
	if c.PingConcurrency <= 0 {
		c.PingConcurrency = 4
	}
	if c.PacketLossTimeout <= 0 {
		c.PacketLossTimeout = 3 * time.Second
	}
	return c
}

// Runner measures with speedtest-go.
type Runner struct {
	cfg     RunConfig
	spawner Spawner
}

type Option func(*Runner)

// WithSpawner runs the latency checks on s instead of bare goroutines.
func WithSpawner(s Spawner) Option { return func(r *Runner) { r.spawner = s } }

func NewRunner(cfg RunConfig, opts ...Option) *Runner {
	r := &Runner{cfg: cfg.withDefaults()}
	for _, o := range opts {
		o(r)
	}
	return r
}

var errNoServers = errors.New("no servers available")

// Run performs one measurement and reports it in the shape the speedtest CLI
// prints with --format=json.
func (r *Runner) Run(ctx context.Context) (*Measurement, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cfg := r.cfg
	ctx, cancel := context.WithCancel(ctx)

	hc, tr := newHTTPClient(cfg)
	stc := st.New(
		st.WithDoer(hc),
		st.WithUserConfig(&st.UserConfig{Source: cfg.SourceIP, MaxConnections: cfg.MaxConnections}),
	)
	stc.SetNThread(cfg.MaxConnections)
	defer func() {
		cancel()
		stc.Snapshots().Clean()
		stc.Reset()
		tr.CloseIdleConnections()
		if cfg.PostRunGC {
			runtime.GC()
		}
	}()

	user, err := stc.FetchUserInfoContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch user info: %w", err)
	}
	list, err := stc.FetchServerListContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch server list: %w", err)
	}
	if a := list.Available(); a != nil {
		list = *a
	}
	servers, err := pickCandidates(list, cfg.ServerID, cfg.Candidates)
	if err != nil {
		return nil, err
	}

	ranked := rankByLatency(r.ping(ctx, servers, cfg.PingConcurrency))
	if len(ranked) == 0 {
		return nil, errors.New("all latency tests failed")
	}

	var lastErr error
	for _, s := range ranked[:min(cfg.Attempts, len(ranked))] {
		m, err := measure(ctx, s)
		if err != nil {
			lastErr = fmt.Errorf("server %s (%s): %w", s.ID, s.Host, err)
			stc.Snapshots().Clean()
			continue
		}
		m.ISP = user.Isp
		m.Interface = &NetIface{InternalIP: cfg.SourceIP, ExternalIP: user.IP}
		if cfg.PacketLoss {
			plCtx, plCancel := context.WithTimeout(ctx, cfg.PacketLossTimeout)
			if pl, ok := packetLoss(plCtx, s.Host); ok {
				m.PacketLoss = F(pl)
			}
			plCancel()
		}
		return m, nil
	}
	return nil, lastErr
}

func measure(ctx context.Context, s *st.Server) (*Measurement, error) {
	started := time.Now()
	if err := s.DownloadTestContext(ctx); err != nil {
		return nil, fmt.Errorf("download: %w", err)
	}
	dlElapsed := time.Since(started)

	started = time.Now()
	if err := s.UploadTestContext(ctx); err != nil {
		return nil, fmt.Errorf("upload: %w", err)
	}
	ulElapsed := time.Since(started)

	return &Measurement{
		Type:      "result",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Ping:      pingLatency(s),
		Download:  transfer(float64(s.DLSpeed), dlElapsed),
		Upload:    transfer(float64(s.ULSpeed), ulElapsed),
		Server: &Server{
			ID:       atoi(s.ID),
			Host:     s.Host,
			Name:     s.Sponsor,
			Location: s.Name,
			Country:  s.Country,
		},
	}, nil
}

func transfer(bytesPerSec float64, elapsed time.Duration) Transfer {
	return Transfer{
		Bandwidth: bytesPerSec,
		Bytes:     int64(bytesPerSec * elapsed.Seconds()),
		Elapsed:   elapsed.Milliseconds(),
	}
}

func pingLatency(s *st.Server) *Latency {
	l := &Latency{Latency: F(ms(s.Latency)), Jitter: F(ms(s.Jitter))}
	if s.MinLatency > 0 {
		l.Low = F(ms(s.MinLatency))
	}
	if s.MaxLatency > 0 {
		l.High = F(ms(s.MaxLatency))
	}
	return l
}

// pickCandidates narrows the server list to the pinned id, or to the n
// nearest servers.
func pickCandidates(list st.Servers, serverID string, n int) (st.Servers, error) {
	if serverID != "" {
		for _, s := range list {
			if s.ID == serverID {
				return st.Servers{s}, nil
			}
		}
		return nil, fmt.Errorf("server %s not in server list", serverID)
	}
	if len(list) == 0 {
		return nil, errNoServers
	}
	out := append(st.Servers(nil), list...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	return out[:min(n, len(out))], nil
}

// rankByLatency drops servers that did not answer and orders the rest
// fastest first.
func rankByLatency(servers []*st.Server) []*st.Server {
	out := make([]*st.Server, 0, len(servers))
	for _, s := range servers {
		if s != nil && s.Latency > 0 {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Latency < out[j].Latency })
	return out
}

// ping runs latency checks with at most limit in flight and returns the
// servers whose check succeeded.
func (r *Runner) ping(ctx context.Context, servers st.Servers, limit int) []*st.Server {
	sem := make(chan struct{}, limit)
	var (
		mu sync.Mutex
		ok []*st.Server
		wg sync.WaitGroup
	)
	for i, s := range servers {
		s := s // per-iteration copy; module targets go 1.21 loop semantics
		wg.Add(1)
		r.spawn(fmt.Sprintf("speedtest.ping.%d", i), func() {
			defer wg.Done()
			select {
			case <-ctx.Done():
				return
			case sem <- struct{}{}:
			}
			defer func() { <-sem }()
			if err := s.PingTestContext(ctx, nil); err != nil {
				return
			}
			mu.Lock()
			ok = append(ok, s)
			mu.Unlock()
		})
	}
	wg.Wait()
	return ok
}

func (r *Runner) spawn(name string, fn func()) {
	if r.spawner != nil {
		r.spawner.Go(name, fn)
		return
	}
	go fn()
}

func packetLoss(ctx context.Context, host string) (float64, bool) {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if host == "" {
		return 0, false
	}
	pl, err := st.NewPacketLossAnalyzer(nil).RunMultiWithContext(ctx, []string{host})
	if err != nil || pl == nil {
		return 0, false
	}
	return pl.LossPercent(), true
}

// newHTTPClient builds a per-run transport bound to cfg.SourceIP so idle
// connections can be dropped once the measurement ends.
func newHTTPClient(cfg RunConfig) (*http.Client, *http.Transport) {
	d := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	if ip := net.ParseIP(cfg.SourceIP); ip != nil {
		d.LocalAddr = &net.TCPAddr{IP: ip}
	}
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           d.DialContext,
		MaxIdleConns:          64,
		MaxIdleConnsPerHost:   max(cfg.MaxConnections, 2),
		IdleConnTimeout:       10 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		ForceAttemptHTTP2:     true,
	}
	return &http.Client{Transport: tr}, tr
}

func ms(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }

func atoi(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	return n
}
