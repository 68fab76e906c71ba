package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"speedlog/pkg/logx"
)

const shutdownTimeout = 5 * time.Second

type serverCfg struct {
	pprof bool
}

type ServerOption func(*serverCfg)

// WithPprof mounts the net/http/pprof handlers under /debug/pprof/.
func WithPprof(enabled bool) ServerOption {
	return func(c *serverCfg) { c.pprof = enabled }
}

// Run listens on addr and serves /metrics until ctx is done.
func Run(ctx context.Context, addr string, g prometheus.Gatherer, log logx.Logger, opts ...ServerOption) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return Serve(ctx, ln, g, log, opts...)
}

// Serve takes ownership of ln. A nil g serves the default gatherer.
func Serve(ctx context.Context, ln net.Listener, g prometheus.Gatherer, log logx.Logger, opts ...ServerOption) error {
	var cfg serverCfg
	for _, o := range opts {
		o(&cfg)
	}
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	})
	if cfg.pprof {
		mux.HandleFunc("/debug/pprof/", hpprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", hpprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", hpprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", hpprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", hpprof.Trace)
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	stop := context.AfterFunc(ctx, func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(sctx)
	})
	defer stop()

	log.Info("metrics server listening", logx.String("addr", ln.Addr().String()), logx.Bool("pprof", cfg.pprof))
	err := srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
