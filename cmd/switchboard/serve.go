package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/switchboard/internal/chat"
	"github.com/jkaninda/switchboard/internal/config"
	"github.com/jkaninda/switchboard/internal/gateway"
	"github.com/jkaninda/switchboard/internal/gateway/httpapi"
	"github.com/jkaninda/switchboard/internal/gateway/ws"
	"github.com/jkaninda/switchboard/internal/observability"
	"github.com/jkaninda/switchboard/internal/ratelimit"
	"github.com/jkaninda/switchboard/internal/scheduler"
)

const (
	rateLimitPruneSchedule = "*/10 * * * *"
	rateLimitIdle          = 30 * time.Minute
)

var (
	serveConfigPath string
	servePort       string
	serveDebug      bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP chat gateway",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `switchboard --config path` and `switchboard serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().StringVar(&servePort, "port", "", "override HTTP listen address (e.g. :8080)")
		cmd.Flags().BoolVar(&serveDebug, "debug", false, "enable debug logging")
	}
}

// runServe starts the HTTP gateway, the optional websocket endpoint and the
// background jobs, and blocks until SIGINT/SIGTERM.
func runServe(_ *cobra.Command, _ []string) error {
	level := slog.LevelInfo
	if serveDebug {
		level = slog.LevelDebug
	}
	logger := newLogger(level)

	cfg, err := loadConfig(serveConfigPath)
	if err != nil {
		return err
	}
	if err := cfg.ValidateProvider(); err != nil {
		return err
	}

	// Apply CLI overrides.
	if servePort != "" {
		if cfg.Gateways.HTTP == nil {
			cfg.Gateways.HTTP = &config.HTTPGatewayConfig{Enabled: true}
		}
		cfg.Gateways.HTTP.ListenAddr = servePort
	}
	httpCfg := cfg.Gateways.HTTP
	if httpCfg == nil || !httpCfg.Enabled {
		return fmt.Errorf("no gateways enabled in config")
	}

	logger.Info("starting switchboard", slog.String("config", serveConfigPath))

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	limiter := ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerMinute: httpCfg.RateLimit.RequestsPerMinute,
		BurstSize:         httpCfg.RateLimit.BurstSize,
	})

	// Background jobs.
	sched := scheduler.New(scheduler.NewMetrics(sc.Obs.Registry()), logger)
	if err := registerJobs(sched, sc, limiter); err != nil {
		return err
	}
	stopScheduler := sched.Start(ctx)
	defer stopScheduler()

	health := buildHealthChecker(sc)

	gwCfg := httpapi.Config{
		ListenAddr:     httpCfg.Addr(),
		EnableDocs:     httpCfg.EnableDocs,
		APIKeys:        httpCfg.APIKeys,
		MaxRequestSize: httpCfg.MaxRequestSizeBytes,
		HealthChecker:  health,
	}
	if m := sc.Obs.MetricsOrNil(); m != nil {
		gwCfg.MetricsRegistry = m.Registry
		gwCfg.Metrics = m
		if mc := cfg.Observability.Metrics; mc != nil && mc.Path != "" {
			gwCfg.MetricsPath = mc.Path
		}
	}
	if ts := sc.Obs.TracerOrNil(); ts != nil {
		gwCfg.Tracer = ts.Tracer()
	}

	httpGW := httpapi.NewGateway(gwCfg, sc.Chat, limiter, logger)
	if wsCfg := cfg.Gateways.WebSocket; wsCfg != nil && wsCfg.Enabled {
		wsServer := ws.NewServer(sc.Chat, ws.Options{}, logger)
		httpGW.WithHandler(wsCfg.WSPath(), wsServer.Handler())
		logger.Info("websocket chat endpoint enabled", slog.String("path", wsCfg.WSPath()))
	}

	gateways := []gateway.Gateway{httpGW}

	// Start all gateways in goroutines.
	errs := make(chan error, len(gateways))
	for _, gw := range gateways {
		go func(g gateway.Gateway) {
			errs <- g.Start(ctx)
		}(gw)
	}
	logger.Info("http gateway listening", slog.String("addr", httpCfg.Addr()))

	// Wait for signal or first gateway error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
		}
	}

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for i := len(gateways) - 1; i >= 0; i-- {
		if err := gateways[i].Stop(shutdownCtx); err != nil {
			logger.Error("stopping gateway", slog.String("error", err.Error()))
		}
	}
	return nil
}

// registerJobs adds the periodic maintenance jobs.
func registerJobs(sched *scheduler.Scheduler, sc *SharedComponents, limiter *ratelimit.Limiter) error {
	mem := sc.Config.Memory
	if mem != nil && mem.Enabled && mem.Retention() > 0 {
		job := chat.PruneJob(sc.Store.Conversations(), mem.Retention(), mem.Schedule(), sc.Logger)
		if err := sched.Register(job); err != nil {
			return fmt.Errorf("registering %s: %w", job.Name, err)
		}
	}

	return sched.Register(scheduler.Job{
		Name:     "ratelimit-prune",
		Schedule: rateLimitPruneSchedule,
		Run: func(ctx context.Context) error {
			if n := limiter.Prune(rateLimitIdle); n > 0 {
				sc.Logger.DebugContext(ctx, "pruned idle rate limit buckets", slog.Int("count", n))
			}
			return nil
		},
	})
}

// buildHealthChecker registers readiness checks. The database is required;
// the webhook endpoint only reports.
func buildHealthChecker(sc *SharedComponents) *observability.HealthChecker {
	var health *observability.HealthChecker
	if sc.Obs != nil {
		health = sc.Obs.Health
	}
	if health == nil {
		health = observability.NewHealthChecker(sc.Logger)
	}

	obsCfg := sc.Config.Observability
	if obsCfg == nil || obsCfg.Health == nil || obsCfg.Health.IncludeDB {
		health.AddCheck("database", sc.Store.Ping)
	}
	if wh := sc.Config.Webhook; wh != nil && wh.CheckOnReady && sc.Notifier != nil {
		health.AddOptionalCheck("webhook", func(ctx context.Context) error {
			st, err := sc.Notifier.Check(ctx)
			if err != nil {
				return err
			}
			if st.StatusCode != http.StatusOK {
				return fmt.Errorf("webhook endpoint returned %d", st.StatusCode)
			}
			return nil
		})
	}
	return health
}
