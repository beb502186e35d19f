package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/BrentGruber/Basidia/config"
	"github.com/BrentGruber/Basidia/internal/admin"
	"github.com/BrentGruber/Basidia/internal/broker"
	"github.com/BrentGruber/Basidia/internal/broker/factory"
	"github.com/BrentGruber/Basidia/internal/broker/memory"
	"github.com/BrentGruber/Basidia/internal/examples"
	"github.com/BrentGruber/Basidia/internal/logger"
	"github.com/BrentGruber/Basidia/internal/metrics"
	"github.com/BrentGruber/Basidia/internal/rpc"
	"github.com/BrentGruber/Basidia/internal/stats"
)

func main() {
	// Command line flags for config
	configPath := flag.String("config", "", "path to YAML config file (empty = defaults and environment)")

	// Optional override flags
	logLevelOverride := flag.String("log-level", "", "override log level (empty = use config)")
	brokerOverride := flag.String("broker", "", "override broker type: memory, amqp, nats, mqtt, redis (empty = use config)")
	brokerURLOverride := flag.String("broker-url", "", "override broker URL (empty = use config)")
	metricsAddrOverride := flag.String("metrics-addr", "", "override admin server address, enables metrics (empty = use config)")

	// One-shot call
	callTarget := flag.String("call", "", "perform one call, as service.method, and exit")
	callArgs := flag.String("args", "[]", "JSON array of positional arguments for -call")

	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := cfg.ApplyOverrides(*brokerOverride, *brokerURLOverride, *logLevelOverride, *metricsAddrOverride); err != nil {
		log.Fatalf("invalid overrides: %v", err)
	}

	// Initialize logger
	logger, err := logger.NewLogger(&cfg.Logging)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	// Setup metrics if enabled
	var metricsService *metrics.Metrics
	var metricsCollector *metrics.MetricsCollector
	var reg *prometheus.Registry

	if cfg.Metrics.Enabled {
		reg = prometheus.NewRegistry()
		metricsService, err = metrics.NewMetrics(reg)
		if err != nil {
			logger.Fatal("failed to create metrics service", "error", err)
		}
		metricsCollector = metrics.NewMetricsCollector(metricsService, cfg.UpdateInterval())
	}

	statsCollector := stats.NewStatsCollector()

	b, err := factory.NewBroker(cfg, logger, metricsService)
	if err != nil {
		logger.Fatal("failed to create broker", "error", err)
	}
	if mb, ok := b.(*memory.Broker); ok && metricsCollector != nil {
		metricsCollector.Register(mb.UpdateMetrics)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := b.Connect(ctx); err != nil {
		logger.Fatal("failed to connect broker", "error", err)
	}

	// Start the example services
	serviceOpts := []rpc.Option{
		rpc.WithBroker(b),
		rpc.WithCallTimeout(cfg.CallTimeout()),
		rpc.WithInterceptors(buildInterceptors(cfg, logger)...),
		rpc.WithLogger(logger),
		rpc.WithMetrics(metricsService),
		rpc.WithStats(statsCollector),
	}
	services := make([]*rpc.Service, 0, len(examples.Definitions()))
	for _, def := range examples.Definitions() {
		svc, err := rpc.NewService(def, serviceOpts...)
		if err != nil {
			logger.Fatal("failed to create service", "error", err)
		}
		if err := svc.Start(ctx); err != nil {
			logger.Fatal("failed to start service", "service", svc.Name(), "error", err)
		}
		services = append(services, svc)
	}

	if *callTarget != "" {
		err := runCall(ctx, *callTarget, *callArgs, append(serviceOpts, rpc.WithName("cli")))
		shutdown(b, services, nil, logger)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	// Setup admin server if metrics are enabled
	var adminServer *admin.Server
	if cfg.Metrics.Enabled {
		metricsCollector.Start()
		defer metricsCollector.Stop()

		router := admin.NewRouter(admin.NewHandler(b, statsCollector, logger), reg, cfg.Metrics.Path)
		adminServer = admin.NewServer(cfg.Metrics.Address, router, logger)
		adminServer.Start()
	}

	logger.Info("basidia started",
		"broker", cfg.Broker.Type,
		"url", broker.RedactURL(cfg.Broker.URL),
		"services", len(services),
		"metricsEnabled", cfg.Metrics.Enabled)

	// Setup signal handlers
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	// Handle signals
	for {
		sig := <-sigChan
		switch sig {
		case syscall.SIGHUP:
			logger.Info("received SIGHUP, reopening logs")
			logger.Sync()
		case syscall.SIGINT, syscall.SIGTERM:
			logger.Info("shutting down...")
			cancel()
			shutdown(b, services, adminServer, logger)
			return
		}
	}
}

// shutdown stops serving, closes the admin server and disconnects the broker
func shutdown(b broker.Broker, services []*rpc.Service, adminServer *admin.Server, logger *logger.Logger) {
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	for _, svc := range services {
		svc.Stop()
	}

	if adminServer != nil {
		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown admin server", "error", err)
		}
	}

	if err := b.Disconnect(shutdownCtx); err != nil {
		logger.Error("failed to disconnect broker", "error", err)
	}
}

func buildInterceptors(cfg *config.Config, logger *logger.Logger) []rpc.Interceptor {
	interceptors := []rpc.Interceptor{rpc.Logging(logger)}
	if cfg.RPC.RateLimit > 0 {
		interceptors = append(interceptors, rpc.RateLimit(cfg.RPC.RateLimit, cfg.RPC.RateBurst))
	}
	if d := cfg.HandlerTimeout(); d > 0 {
		interceptors = append(interceptors, rpc.Timeout(d))
	}
	return interceptors
}
