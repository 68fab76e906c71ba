package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"speedlog/internal/collector"
	"speedlog/internal/config"
	"speedlog/internal/metrics"
	"speedlog/internal/notify"
	"speedlog/internal/probe"
	"speedlog/internal/runtime/supervisor"
	"speedlog/internal/transport"
	"speedlog/internal/transport/telegram/adapter"
	"speedlog/pkg/logx"
	"speedlog/pkg/speedtest"
)

type CollectCmd struct{}

func NewCollectCmd() *CollectCmd { return &CollectCmd{} }

func (c *CollectCmd) Command() *cobra.Command {
	return &cobra.Command{
		Use:   "collect",
		Short: "Run the collector until interrupted, reloading the config on change",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, set, err := loadSettings(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return collect(ctx, mgr, set)
		},
	}
}

func collect(ctx context.Context, mgr *config.ConfigManager, set config.Settings) error {
	var sender transport.Adapter
	if set.Notify.Token != "" {
		a, err := adapter.New(adapter.Config{Token: set.Notify.Token, Timeout: set.Notify.Timeout}, logx.NewConsole(set.Logging.Level))
		if err != nil {
			return fmt.Errorf("telegram: %w", err)
		}
		sender = a
	}

	logs, log := logx.New(set.Logging, sender)
	defer logs.Close()
	mgr.SetLogger(log.With(logx.String("comp", "config")))

	sup := supervisor.New(ctx, supervisor.WithLogger(log), supervisor.WithCancelOnError(true))

	schedOpts := []collector.Option{collector.WithLogger(log)}
	svcOpts := []collector.ServiceOption{
		collector.WithToolFactory(func(c config.Collector) (probe.Tool, error) {
			return probe.NewTool(c, speedtest.WithSpawner(sup.Spawner()))
		}),
	}
	if set.Metrics.Enabled {
		m := metrics.New(nil)
		schedOpts = append(schedOpts, collector.WithObserver(m))
		svcOpts = append(svcOpts, collector.WithInstruments(m))
		addr, pprof := set.Metrics.Addr, set.Metrics.Pprof
		sup.GoRestart("metrics", func(ctx context.Context) error {
			return metrics.Run(ctx, addr, nil, log, metrics.WithPprof(pprof))
		}, supervisor.WithRestartBackoff(time.Second, time.Minute))
	}
	if set.Notify.Enabled && sender != nil {
		to := transport.ChatTarget{ChatID: set.Notify.ChatID, ThreadID: set.Notify.ThreadID}
		schedOpts = append(schedOpts, collector.WithObserver(notify.NewOutage(sender, to, log)))
	}

	svc := collector.NewService(set, log, collector.NewScheduler(schedOpts...), svcOpts...)
	mgr.SetValidator(svc.Validate)

	updates := mgr.Subscribe(4)
	defer mgr.Unsubscribe(updates)
	sup.Go0("config.apply", func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case next, ok := <-updates:
				if !ok {
					return
				}
				svc.Apply(next)
				logs.Apply(next.Logging)
			}
		}
	})
	sup.GoRestart("config.watch", mgr.Watch)
	sup.Go("collector", svc.Run)

	log.Info("speedlog started",
		logx.String("config", mgr.Path()),
		logx.Int("interfaces", len(set.Collector.Interfaces)),
		logx.String("store", set.Storage.Driver+":"+set.Storage.Path))

	<-sup.Context().Done()
	log.Info("speedlog stopping", logx.Int64("goroutines", sup.Active()))
	err := sup.Stop(context.Background())
	if err != nil {
		log.Error("speedlog stopped", logx.Err(err))
		return err
	}
	log.Info("speedlog stopped")
	return nil
}
