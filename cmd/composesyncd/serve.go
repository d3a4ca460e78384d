package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/schaermu/composesyncd/internal/config"
	"github.com/schaermu/composesyncd/internal/docker"
	"github.com/schaermu/composesyncd/internal/loop"
	"github.com/schaermu/composesyncd/internal/metrics"
	"github.com/schaermu/composesyncd/internal/sidecar"
	"github.com/schaermu/composesyncd/internal/sync"
	"github.com/schaermu/composesyncd/internal/webhook"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the long-lived daemon",
	Long: `Serve runs until interrupted.

When it runs in a container and the sidecar is enabled, it keeps a sync job
container (a copy of itself running "job") present and starts a fresh job on
every health check; the job container name is unique, so two cycles never
run at once. Outside a container, or with the sidecar disabled, it polls the
repository in-process every sync.interval.

With serve.enabled, a webhook server triggers a sync on GitHub push events
and exposes /metrics and /healthz.`,
	RunE: runServe,
}

// daemon holds the sync function and status of the selected serve mode
type daemon struct {
	run    func(ctx context.Context) error
	every  time.Duration
	status func() any
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	var m *metrics.Metrics
	if cfg.MetricsEnabled() {
		m = metrics.New()
	}

	d, closeFn, err := selectMode(ctx, cfg, m, logger)
	if err != nil {
		return err
	}
	defer closeFn()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		loop.Every(ctx, d.every, func(ctx context.Context) {
			if err := d.run(ctx); err != nil {
				logger.Error("cycle failed", "error", err)
			}
		})
		return nil
	})

	if cfg.Serve.Enabled {
		srv, err := webhook.NewServer(&cfg.Serve, d.run, logger)
		if err != nil {
			return fmt.Errorf("failed to create webhook server: %w", err)
		}
		if m != nil {
			srv.Handle("/metrics", m.Handler())
		}
		srv.Handle("/healthz", webhook.StatusHandler(d.status))

		g.Go(func() error {
			return srv.Start(ctx, nil)
		})
	}

	return g.Wait()
}

// selectMode heals the sidecar once to find out whether the server runs in
// a container. It falls back to in-process polling when it does not.
func selectMode(ctx context.Context, cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) (*daemon, func(), error) {
	if !cfg.SidecarEnabled() {
		logger.Info("sidecar disabled, reconciling in-process", "interval", cfg.Sync.Interval)
		return pollingDaemon(cfg, m, logger), func() {}, nil
	}

	eng, err := docker.NewEngine(cfg.Docker.Host)
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() {
		if err := eng.Close(); err != nil {
			logger.Warn("failed to close docker client", "error", err)
		}
	}

	mgr := sidecar.NewManager(eng, sidecar.Target{
		Name:       cfg.Sidecar.Name,
		Command:    cfg.Sidecar.Command,
		AutoRemove: cfg.SidecarAutoRemove(),
	}, logger, m)

	outcome, err := mgr.Heal(ctx)
	if err != nil {
		closeFn()
		return nil, nil, fmt.Errorf("sidecar check failed: %w", err)
	}
	if outcome == sidecar.OutcomeNoSelf {
		closeFn()
		logger.Info("not running in a container, reconciling in-process", "interval", cfg.Sync.Interval)
		return pollingDaemon(cfg, m, logger), func() {}, nil
	}

	logger.Info("managing sync job container",
		"name", cfg.Sidecar.Name,
		"interval", cfg.Sidecar.HealthInterval)
	return sidecarDaemon(mgr, cfg.Sidecar.HealthInterval), closeFn, nil
}

func pollingDaemon(cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) *daemon {
	engine := newEngine(cfg, m, logger, false)
	poller := sync.NewPoller(engine)
	return &daemon{
		run:   poller.Poll,
		every: cfg.Sync.Interval,
		status: func() any {
			// A nil *Status must not reach the handler as a non-nil any
			if st := engine.Status(); st != nil {
				return st
			}
			return nil
		},
	}
}

func sidecarDaemon(mgr *sidecar.Manager, every time.Duration) *daemon {
	return &daemon{
		run: func(ctx context.Context) error {
			_, err := mgr.Heal(ctx)
			return err
		},
		every: every,
		status: func() any {
			if r := mgr.Last(); r != nil {
				return r
			}
			return nil
		},
	}
}
