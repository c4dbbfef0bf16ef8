package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/ThomasGoatly/ray/internal/alert"
	"github.com/ThomasGoatly/ray/internal/archive"
	"github.com/ThomasGoatly/ray/internal/bus"
	"github.com/ThomasGoatly/ray/internal/config"
	"github.com/ThomasGoatly/ray/internal/gateway"
	"github.com/ThomasGoatly/ray/internal/memstat"
	"github.com/ThomasGoatly/ray/internal/monitor"
	otelPkg "github.com/ThomasGoatly/ray/internal/otel"
	"github.com/ThomasGoatly/ray/internal/sim"
	"github.com/ThomasGoatly/ray/internal/telemetry"
)

// NewServeCommand creates the serve command.
func NewServeCommand() *cobra.Command {
	var nodes int
	var workload bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the diagnostics daemon",
		Long: `Serve runs the full subsystem over a simulated cluster: the HTTP
gateway with the live event stream, the cron monitor with archiving and
threshold alerting, and the config file watcher. The background workload
keeps object traffic flowing so there is something to observe; disable
it with --workload=false to serve a quiet cluster.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), nodes, workload)
		},
	}

	cmd.Flags().IntVar(&nodes, "nodes", 2, "number of simulated nodes")
	cmd.Flags().BoolVar(&workload, "workload", true, "run a background demo workload")
	return cmd
}

func runServe(ctx context.Context, nodes int, workload bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "fingerprint", cfg.Fingerprint())

	eventBus := bus.New()

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:    cfg.Telemetry.Enabled,
		Exporter:   cfg.Telemetry.Exporter,
		Endpoint:   cfg.Telemetry.Endpoint,
		SampleRate: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer otelProvider.Shutdown(context.Background())

	var metrics *otelPkg.Metrics
	if cfg.Telemetry.Enabled {
		metrics, err = otelPkg.NewMetrics(otelProvider.Meter)
		if err != nil {
			return fmt.Errorf("init metrics: %w", err)
		}
		bridge := otelPkg.NewBridge(eventBus, metrics)
		bridge.Start(ctx)
		defer bridge.Stop()
	}

	simCluster, err := sim.NewCluster(sim.Config{Nodes: nodes, Logger: logger, Bus: eventBus})
	if err != nil {
		return fmt.Errorf("build cluster: %w", err)
	}
	logger.Info("startup phase", "phase", "cluster_ready", "nodes", nodes)

	agg, err := memstat.NewAggregator(simCluster.Registry().Membership(), memstat.Options{
		PerProcessTimeout: cfg.Collect.ProcessTimeout(),
		CacheTTL:          cfg.Collect.CacheTTL(),
		Logger:            logger,
		Bus:               eventBus,
		Metrics:           metrics,
	})
	if err != nil {
		return fmt.Errorf("build aggregator: %w", err)
	}

	store, err := archive.Open(cfg.ArchivePath, logger)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated", "path", cfg.ArchivePath)

	notifiers := []alert.Notifier{alert.NewLogNotifier(logger)}
	if cfg.Alerts.Telegram.Enabled {
		tg, err := alert.NewTelegramNotifier(cfg.Alerts.Telegram.Token, cfg.Alerts.Telegram.ChatID, logger)
		if err != nil {
			logger.Warn("telegram notifier disabled", "error", err)
		} else {
			notifiers = append(notifiers, tg)
		}
	}

	var mon *monitor.Monitor
	if cfg.Monitor.Enabled {
		mon, err = monitor.New(monitor.Config{
			Collector: agg,
			Archive:   store,
			Notifiers: notifiers,
			Bus:       eventBus,
			Logger:    logger,
			Schedule:  cfg.Monitor.Schedule,
			Thresholds: monitor.Thresholds{
				MaxObjects:     cfg.Monitor.MaxObjects,
				MaxPinnedBytes: cfg.Monitor.MaxPinnedBytes,
			},
			Retention: time.Duration(cfg.Monitor.RetentionDays) * 24 * time.Hour,
		})
		if err != nil {
			return fmt.Errorf("build monitor: %w", err)
		}
		mon.Start(ctx)
		defer mon.Stop()
	}

	gw, err := gateway.New(gateway.Config{
		Collector:         agg,
		Bus:               eventBus,
		Listen:            cfg.Gateway.Listen,
		AuthToken:         cfg.Gateway.AuthToken,
		ConfigFingerprint: cfg.Fingerprint(),
		MaxRowsPerProcess: cfg.Collect.MaxRowsPerProcess,
		Logger:            logger,
	})
	if err != nil {
		return fmt.Errorf("build gateway: %w", err)
	}

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		return fmt.Errorf("start config watcher: %w", err)
	}
	go func() {
		fingerprint := cfg.Fingerprint()
		for range confWatcher.Events() {
			next, err := config.Load()
			if err != nil {
				logger.Error("config reload failed", "error", err)
				continue
			}
			if next.Fingerprint() == fingerprint {
				continue
			}
			fingerprint = next.Fingerprint()
			// Log level and monitor thresholds apply live; everything
			// else (bind address, schedule, telemetry) needs a restart.
			telemetry.SetLevel(next.LogLevel)
			if mon != nil {
				mon.UpdateThresholds(monitor.Thresholds{
					MaxObjects:     next.Monitor.MaxObjects,
					MaxPinnedBytes: next.Monitor.MaxPinnedBytes,
				})
			}
			logger.Info("config reloaded",
				"fingerprint", fingerprint, "log_level", next.LogLevel)
		}
	}()

	if workload {
		go runBackgroundWorkload(ctx, simCluster, logger)
	}

	server := &http.Server{Addr: cfg.Gateway.Listen, Handler: gw.Handler()}
	serverErr := make(chan error, 1)
	ln, err := net.Listen("tcp", cfg.Gateway.Listen)
	if err != nil {
		return fmt.Errorf("bind %s: %w", cfg.Gateway.Listen, err)
	}
	go func() {
		logger.Info("gateway listening", "addr", cfg.Gateway.Listen, "ws", "/ws")
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
	return nil
}

// runBackgroundWorkload cycles object traffic through the cluster so the
// event stream, monitor and archive have movement to observe. The live
// set is capped; older handles drop as new ones arrive.
func runBackgroundWorkload(ctx context.Context, c *sim.Cluster, logger *slog.Logger) {
	logger = logger.With("component", "workload")
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	const maxLive = 16
	var live []*sim.ObjectRef
	for {
		select {
		case <-ctx.Done():
			for _, ref := range live {
				ref.Drop()
			}
			logger.Debug("workload stopped")
			return
		case <-ticker.C:
			driver := c.Driver()
			live = append(live, driver.Put(1<<20))
			if ret := driver.Call(workloadTask, sim.Value(4096)); ret != nil {
				live = append(live, ret)
			}
			if len(live) > maxLive {
				for _, ref := range live[:len(live)-maxLive] {
					ref.Drop()
				}
				live = append([]*sim.ObjectRef(nil), live[len(live)-maxLive:]...)
			}
		}
	}
}

func workloadTask(t *sim.Task) int64 {
	return 512
}
